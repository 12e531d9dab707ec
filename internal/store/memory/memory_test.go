package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kasirinaja/register/internal/domain"
	"kasirinaja/register/internal/store"
)

var scope = domain.Scope{TenantID: "t1", OperatorID: "op1"}

func openSession(id string, day string, at time.Time) domain.CashSession {
	return domain.CashSession{
		ID: id, TenantID: scope.TenantID, OperatorID: scope.OperatorID,
		BusinessDate: day, OpenedAt: at, OpenedBy: "ana", Status: domain.SessionOpen,
	}
}

func TestSessionUniqueness(t *testing.T) {
	ctx := context.Background()
	s := New()
	at := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

	require.NoError(t, s.PersistSession(ctx, openSession("s1", "2024-03-01", at)))
	assert.ErrorIs(t, s.PersistSession(ctx, openSession("s2", "2024-03-02", at)), store.ErrConflict, "second open session")

	found, err := s.FindOpenForOperator(ctx, scope, "2024-03-02")
	require.NoError(t, err)
	assert.Equal(t, "s1", found.ID)

	_, err = s.FindOpenForOperator(ctx, scope, "2024-02-29")
	assert.ErrorIs(t, err, store.ErrNotFound)

	closed := *found
	closed.Status = domain.SessionClosed
	require.NoError(t, s.PersistSession(ctx, closed))
	assert.ErrorIs(t, s.PersistSession(ctx, closed), store.ErrConflict, "closed to closed")

	assert.ErrorIs(t, s.PersistSession(ctx, openSession("s3", "2024-03-01", at)), store.ErrConflict, "same day twice")
	require.NoError(t, s.PersistSession(ctx, openSession("s4", "2024-03-02", at.Add(24*time.Hour))))
}

func TestAppendOperationRequiresOpenSession(t *testing.T) {
	ctx := context.Background()
	s := New()
	session := openSession("s1", "2024-03-01", time.Now())
	require.NoError(t, s.PersistSession(ctx, session))

	op := domain.CashOperation{ID: "op-1", SessionID: "s1", Type: domain.OperationSupply, Amount: 100}
	require.NoError(t, s.AppendOperation(ctx, op))

	session.Status = domain.SessionClosed
	require.NoError(t, s.PersistSession(ctx, session))
	assert.ErrorIs(t, s.AppendOperation(ctx, op), store.ErrConflict)
	assert.ErrorIs(t, s.AppendOperation(ctx, domain.CashOperation{SessionID: "nope"}), store.ErrNotFound)

	ops, err := s.ListOperations(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, ops, 1)
}

func TestListSalesByWindowFilters(t *testing.T) {
	ctx := context.Background()
	s := New()
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	for i, status := range []domain.SaleStatus{domain.SalePaid, domain.SalePending, domain.SalePaid} {
		_, err := s.InsertSale(ctx, domain.Sale{TenantID: "t1", OperatorID: "op1", Status: status, Total: 100, CreatedAt: base.Add(time.Duration(i) * time.Hour)})
		require.NoError(t, err)
	}
	_, err := s.InsertSale(ctx, domain.Sale{TenantID: "t1", OperatorID: "op2", Status: domain.SalePaid, CreatedAt: base})
	require.NoError(t, err)

	seq := s.ListSalesByWindow(ctx, store.SaleFilter{TenantID: "t1", OperatorID: "op1", Start: base, End: base.Add(time.Hour), Status: domain.SalePaid})
	sales, err := store.Collect(seq)
	require.NoError(t, err)
	assert.Len(t, sales, 1)

	// restartable
	again, err := store.Collect(seq)
	require.NoError(t, err)
	assert.Len(t, again, 1)
}

func TestHeldSalesAreScopedAndOrdered(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Now()
	require.NoError(t, s.SaveHeldSale(ctx, scope, domain.HeldSale{ID: "h2", CreatedAt: now.Add(time.Second)}))
	require.NoError(t, s.SaveHeldSale(ctx, scope, domain.HeldSale{ID: "h1", CreatedAt: now}))
	other := domain.Scope{TenantID: "t1", OperatorID: "op2"}

	list, err := s.ListHeldSales(ctx, scope)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "h1", list[0].ID)

	_, err = s.GetHeldSale(ctx, other, "h1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, s.DeleteHeldSale(ctx, other, "h1"), store.ErrNotFound)
	assert.ErrorIs(t, s.SaveHeldSale(ctx, scope, domain.HeldSale{ID: "h1", CreatedAt: now.Add(time.Hour)}), store.ErrConflict)
	require.NoError(t, s.DeleteHeldSale(ctx, scope, "h1"))
}

func TestSeededSearch(t *testing.T) {
	ctx := context.Background()
	s := NewSeeded("t1")
	products, err := store.Collect(s.SearchProducts(ctx, domain.LookupContext{TenantID: "t1"}, "kopi"))
	require.NoError(t, err)
	require.Len(t, products, 1)
	assert.Equal(t, "prd-kopi", products[0].ID)

	none, err := store.Collect(s.SearchProducts(ctx, domain.LookupContext{TenantID: "t2"}, ""))
	require.NoError(t, err)
	assert.Empty(t, none)

	id, err := s.CreateCustomer(ctx, domain.LookupContext{TenantID: "t1"}, domain.CustomerFields{Name: "Dewi"})
	require.NoError(t, err)
	customers, err := store.Collect(s.SearchCustomers(ctx, domain.LookupContext{TenantID: "t1"}, "dewi"))
	require.NoError(t, err)
	require.Len(t, customers, 1)
	assert.Equal(t, id, customers[0].ID)
}
