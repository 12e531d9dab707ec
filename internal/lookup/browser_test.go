package lookup

import (
	"context"
	"iter"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kasirinaja/register/internal/domain"
	"kasirinaja/register/internal/fetch"
	"kasirinaja/register/internal/store/memory"
)

// gatedCatalog blocks searches for one branch until released.
type gatedCatalog struct {
	*memory.Store
	branch  string
	started chan struct{}
	release chan struct{}
}

func (g *gatedCatalog) SearchProducts(ctx context.Context, lc domain.LookupContext, query string) iter.Seq2[domain.Product, error] {
	inner := g.Store.SearchProducts(ctx, lc, query)
	if lc.BranchID != g.branch {
		return inner
	}
	return func(yield func(domain.Product, error) bool) {
		close(g.started)
		<-g.release
		// ignore cancellation: the slow response still arrives
		for p, err := range g.Store.SearchProducts(context.Background(), lc, query) {
			if !yield(p, err) {
				return
			}
		}
	}
}

func seededStore() *memory.Store {
	st := memory.New()
	st.PutProduct(domain.Product{ID: "x-1", TenantID: "t1", BranchID: "X", Name: "Kopi X", Price: 100})
	st.PutProduct(domain.Product{ID: "y-1", TenantID: "t1", BranchID: "Y", Name: "Kopi Y", Price: 200})
	return st
}

func TestSlowFetchFromPreviousBranchIsDiscarded(t *testing.T) {
	st := seededStore()
	catalog := &gatedCatalog{Store: st, branch: "X", started: make(chan struct{}), release: make(chan struct{})}
	b := NewBrowser(catalog, st, domain.LookupContext{TenantID: "t1", BranchID: "X"})

	outcomeA := make(chan fetch.Outcome, 1)
	go func() {
		out, _, err := b.SearchProducts(context.Background(), "kopi")
		assert.NoError(t, err)
		outcomeA <- out
	}()
	<-catalog.started

	b.SwitchContext(domain.LookupContext{TenantID: "t1", BranchID: "Y"})
	outB, products, err := b.SearchProducts(context.Background(), "kopi")
	require.NoError(t, err)
	assert.Equal(t, fetch.OutcomeApplied, outB)
	require.Len(t, products, 1)
	assert.Equal(t, "y-1", products[0].ID)

	close(catalog.release)
	assert.Equal(t, fetch.OutcomeStale, <-outcomeA)

	query, held := b.Products()
	assert.Equal(t, "kopi", query)
	require.Len(t, held, 1)
	assert.Equal(t, "y-1", held[0].ID)
}

func TestSwitchContextClearsResults(t *testing.T) {
	st := seededStore()
	b := NewBrowser(st, st, domain.LookupContext{TenantID: "t1", BranchID: "X"})
	_, products, err := b.SearchProducts(context.Background(), "")
	require.NoError(t, err)
	assert.NotEmpty(t, products)

	b.SwitchContext(domain.LookupContext{TenantID: "t2"})
	_, held := b.Products()
	assert.Empty(t, held)
	assert.Equal(t, "t2", b.Context().TenantID)
}

func TestSearchRespectsLimit(t *testing.T) {
	st := memory.NewSeeded("t1")
	b := NewBrowser(st, st, domain.LookupContext{TenantID: "t1"}, WithLimit(3))
	_, products, err := b.SearchProducts(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, products, 3)

	_, ok := b.FindProduct(products[0].ID)
	assert.True(t, ok)
}

func TestCreateAndSearchCustomers(t *testing.T) {
	st := memory.NewSeeded("t1")
	b := NewBrowser(st, st, domain.LookupContext{TenantID: "t1"})

	_, err := b.CreateCustomer(context.Background(), domain.CustomerFields{Name: "  "})
	assert.ErrorIs(t, err, domain.ErrInvalidCustomer)

	id, err := b.CreateCustomer(context.Background(), domain.CustomerFields{Name: "Rina", Phone: "0812"})
	require.NoError(t, err)

	out, customers, err := b.SearchCustomers(context.Background(), "rina")
	require.NoError(t, err)
	assert.Equal(t, fetch.OutcomeApplied, out)
	require.Len(t, customers, 1)
	assert.Equal(t, id, customers[0].ID)
}
