package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"kasirinaja/register/internal/domain"
	"kasirinaja/register/internal/money"
	"kasirinaja/register/internal/store"
)

func setupTestDB(t *testing.T) *Store {
	t.Helper()
	if os.Getenv("REGISTER_PG_INTEGRATION") != "1" {
		t.Skip("set REGISTER_PG_INTEGRATION=1 to run postgres integration tests")
	}
	ctx := context.Background()

	pgContainer, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("register"),
		tcpostgres.WithUsername("register"),
		tcpostgres.WithPassword("register"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %s", err)
		}
	})

	dsn, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	s, err := New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.Migrate())
	require.NoError(t, s.Migrate(), "migrating twice is a no-op")
	return s
}

func TestSessionLifecycle(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	scope := domain.Scope{TenantID: "t1", OperatorID: "op1"}
	openedAt := time.Date(2024, 6, 3, 8, 0, 0, 0, time.UTC)

	_, err := s.FindOpenForOperator(ctx, scope, "2024-06-03")
	assert.ErrorIs(t, err, store.ErrNotFound)

	session := domain.CashSession{
		ID: "cs-1", TenantID: "t1", OperatorID: "op1", BusinessDate: "2024-06-03",
		OpenedAt: openedAt, OpenedBy: "Ani", OpeningAmount: 10000, Status: domain.SessionOpen,
	}
	require.NoError(t, s.PersistSession(ctx, session))

	second := session
	second.ID = "cs-2"
	assert.ErrorIs(t, s.PersistSession(ctx, second), store.ErrConflict)

	found, err := s.FindOpenForOperator(ctx, scope, "2024-06-04")
	require.NoError(t, err)
	assert.Equal(t, "cs-1", found.ID)
	assert.Equal(t, "2024-06-03", found.BusinessDate)
	assert.Equal(t, money.Amount(10000), found.OpeningAmount)

	stale, err := s.ListStaleOpenSessions(ctx, "2024-06-04")
	require.NoError(t, err)
	require.Len(t, stale, 1)

	op := domain.CashOperation{
		ID: "cop-1", SessionID: "cs-1", Type: domain.OperationWithdrawal, Amount: 2000,
		Description: "bank", Operator: "Ani", CreatedAt: openedAt.Add(time.Hour),
	}
	require.NoError(t, s.AppendOperation(ctx, op))
	ops, err := s.ListOperations(ctx, "cs-1")
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, money.Amount(-2000), ops[0].Signed())

	closedAt := openedAt.Add(9 * time.Hour)
	diff := money.Amount(-50)
	closed := session
	closed.Status = domain.SessionClosed
	closed.ClosedAt = &closedAt
	closed.ClosingAmounts = map[domain.PaymentMethod]money.Amount{domain.MethodCash: 12500}
	closed.ExpectedAmounts = map[domain.PaymentMethod]money.Amount{domain.MethodCash: 12550}
	closed.Differences = map[domain.PaymentMethod]money.Amount{domain.MethodCash: -50}
	closed.TotalDifference = &diff
	closed.Notes = "short"
	require.NoError(t, s.PersistSession(ctx, closed))
	assert.ErrorIs(t, s.PersistSession(ctx, closed), store.ErrConflict, "closing twice")

	got, err := s.FindForOperatorDay(ctx, scope, "2024-06-03")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionClosed, got.Status)
	require.NotNil(t, got.TotalDifference)
	assert.Equal(t, money.Amount(-50), *got.TotalDifference)
	assert.Equal(t, money.Amount(12500), got.ClosingAmounts[domain.MethodCash])
	assert.Equal(t, "short", got.Notes)

	op.ID = "cop-2"
	assert.ErrorIs(t, s.AppendOperation(ctx, op), store.ErrConflict)
	op.SessionID = "missing"
	assert.ErrorIs(t, s.AppendOperation(ctx, op), store.ErrNotFound)

	reopen := session
	reopen.ID = "cs-3"
	assert.ErrorIs(t, s.PersistSession(ctx, reopen), store.ErrConflict, "one session per business date")
}

func TestSalesWindow(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	at := time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.PersistSession(ctx, domain.CashSession{
		ID: "cs-1", TenantID: "t1", OperatorID: "op1", BusinessDate: "2024-06-03",
		OpenedAt: at, OpenedBy: "Ani", Status: domain.SessionOpen,
	}))

	tendered, change := money.Amount(10000), money.Amount(1550)
	sale := domain.Sale{
		ID: "sale-1", TenantID: "t1", OperatorID: "op1", SessionID: "cs-1",
		Lines: []domain.CartLine{
			{ProductID: "prd-kopi", Name: "Kopi", UnitPrice: 2600, Quantity: 2, DiscountPercent: decimal.RequireFromString("12.5")},
			{ProductID: "prd-air", VariantID: "600ml", Name: "Air", UnitPrice: 3900, Quantity: 1, DiscountPercent: decimal.Zero},
		},
		Subtotal: 9100, DiscountTotal: 650, Total: 8450,
		PaymentMethod: domain.MethodCash, AmountTendered: &tendered, ChangeGiven: &change,
		Status: domain.SalePaid, CreatedAt: at.Add(time.Minute),
	}
	_, err := s.InsertSale(ctx, sale)
	require.NoError(t, err)
	_, err = s.InsertSale(ctx, sale)
	assert.ErrorIs(t, err, store.ErrConflict)

	split := sale
	split.ID = "sale-2"
	split.PaymentMethod = domain.MethodSplit
	split.AmountTendered, split.ChangeGiven = nil, nil
	split.Splits = []domain.PaymentSplit{{Method: domain.MethodCash, Amount: 2000}, {Method: domain.MethodQRIS, Amount: 6450, Reference: "QR1"}}
	split.CreatedAt = at.Add(2 * time.Hour)
	_, err = s.InsertSale(ctx, split)
	require.NoError(t, err)

	sales, err := store.Collect(s.ListSalesByWindow(ctx, store.SaleFilter{
		TenantID: "t1", OperatorID: "op1", Start: at, End: at.Add(time.Hour), Status: domain.SalePaid,
	}))
	require.NoError(t, err)
	require.Len(t, sales, 1)
	assert.Equal(t, "sale-1", sales[0].ID)
	require.Len(t, sales[0].Lines, 2)
	assert.True(t, decimal.RequireFromString("12.5").Equal(sales[0].Lines[0].DiscountPercent))
	assert.Equal(t, "600ml", sales[0].Lines[1].VariantID)
	require.NotNil(t, sales[0].ChangeGiven)
	assert.Equal(t, money.Amount(1550), *sales[0].ChangeGiven)

	all, err := store.Collect(s.ListSalesByWindow(ctx, store.SaleFilter{TenantID: "t1"}))
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, map[domain.PaymentMethod]money.Amount{domain.MethodCash: 2000, domain.MethodQRIS: 6450}, all[1].AmountsByMethod())
}

func TestHeldSalesAndCatalog(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	scope := domain.Scope{TenantID: "t1", OperatorID: "op1"}
	at := time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)

	for i, id := range []string{"hold-b", "hold-a"} {
		cart := domain.CartSnapshot{Lines: []domain.CartLine{{ProductID: "p1", Name: "Teh", UnitPrice: 9800, Quantity: i + 1}}}
		require.NoError(t, s.SaveHeldSale(ctx, scope, domain.HeldSale{
			ID: id, TenantID: "t1", OperatorID: "op1", Cart: cart,
			Total: cart.Total(), LineCount: 1, CreatedAt: at.Add(time.Duration(i) * time.Minute),
		}))
	}
	held, err := s.ListHeldSales(ctx, scope)
	require.NoError(t, err)
	require.Len(t, held, 2)
	assert.Equal(t, "hold-b", held[0].ID)
	err = s.SaveHeldSale(ctx, scope, domain.HeldSale{ID: "hold-b", TenantID: "t1", OperatorID: "op1", CreatedAt: at})
	assert.ErrorIs(t, err, store.ErrConflict)

	got, err := s.GetHeldSale(ctx, scope, "hold-a")
	require.NoError(t, err)
	assert.Equal(t, money.Amount(19600), got.Cart.Total())

	_, err = s.GetHeldSale(ctx, domain.Scope{TenantID: "t1", OperatorID: "op2"}, "hold-a")
	assert.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, s.DeleteHeldSale(ctx, scope, "hold-a"))
	assert.ErrorIs(t, s.DeleteHeldSale(ctx, scope, "hold-a"), store.ErrNotFound)

	require.NoError(t, s.UpsertProduct(ctx, domain.Product{
		ID: "prd-susu", TenantID: "t1", Code: "SKU-SUSU", Name: "Susu UHT", Price: 18900,
		Variants:     []domain.Variant{{ID: "250ml", Name: "250ml", Price: 6500}},
		TieredPrices: []domain.TieredPrice{{MinQuantity: 6, Price: 18000}},
	}))
	require.NoError(t, s.UpsertProduct(ctx, domain.Product{ID: "prd-x", TenantID: "t1", BranchID: "X", Code: "X1", Name: "Susu Cabang X", Price: 100}))

	products, err := store.Collect(s.SearchProducts(ctx, domain.LookupContext{TenantID: "t1", BranchID: "Y"}, "susu"))
	require.NoError(t, err)
	require.Len(t, products, 1)
	assert.Len(t, products[0].Variants, 1)
	price, ok := products[0].PriceFor("", 6)
	assert.True(t, ok)
	assert.Equal(t, money.Amount(18000), price)

	wildcard, err := store.Collect(s.SearchProducts(ctx, domain.LookupContext{TenantID: "t1"}, "%"))
	require.NoError(t, err)
	assert.Empty(t, wildcard, "percent in a query is matched literally")
	underscore, err := store.Collect(s.SearchProducts(ctx, domain.LookupContext{TenantID: "t1"}, "Sus_"))
	require.NoError(t, err)
	assert.Empty(t, underscore)

	id, err := s.CreateCustomer(ctx, domain.LookupContext{TenantID: "t1"}, domain.CustomerFields{Name: "Rina", Phone: "0812"})
	require.NoError(t, err)
	customers, err := store.Collect(s.SearchCustomers(ctx, domain.LookupContext{TenantID: "t1"}, "0812"))
	require.NoError(t, err)
	require.Len(t, customers, 1)
	assert.Equal(t, id, customers[0].ID)
}
