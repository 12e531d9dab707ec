package cashsession

import (
	"kasirinaja/register/internal/domain"
	"kasirinaja/register/internal/money"
)

// Reconcile computes what each payment method should hold at close and how
// far the counted amounts are from it. Cash expects the opening float plus
// supplies, minus withdrawals, plus cash sales; other methods expect their
// sales. Only paid sales count. A method with no counted entry counts as zero.
func Reconcile(session domain.CashSession, ops []domain.CashOperation, sales []domain.Sale, counted map[domain.PaymentMethod]money.Amount) domain.Reconciliation {
	expected := map[domain.PaymentMethod]money.Amount{
		domain.MethodCash: session.OpeningAmount,
	}
	for _, op := range ops {
		expected[domain.MethodCash] += op.Signed()
	}
	for _, sale := range sales {
		if sale.Status != domain.SalePaid {
			continue
		}
		for method, amount := range sale.AmountsByMethod() {
			expected[method] += amount
		}
	}

	seen := map[domain.PaymentMethod]bool{}
	methods := make([]domain.PaymentMethod, 0, len(expected)+len(counted))
	for method := range expected {
		seen[method] = true
		methods = append(methods, method)
	}
	for method := range counted {
		if !seen[method] {
			seen[method] = true
			methods = append(methods, method)
		}
	}
	domain.SortMethods(methods)

	result := domain.Reconciliation{
		Methods:     methods,
		Expected:    make(map[domain.PaymentMethod]money.Amount, len(methods)),
		Counted:     make(map[domain.PaymentMethod]money.Amount, len(methods)),
		Differences: make(map[domain.PaymentMethod]money.Amount, len(methods)),
	}
	for _, method := range methods {
		exp := expected[method]
		got := counted[method]
		result.Expected[method] = exp
		result.Counted[method] = got
		result.Differences[method] = got - exp
		result.TotalDifference += got - exp
	}
	return result
}
