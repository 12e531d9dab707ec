// Package lookup holds a terminal's product and customer search results for
// the active tenant and branch. Searches run through fetch coordinators, so a
// slow response for an old query or an old branch never replaces a newer one.
package lookup

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"sync"

	"kasirinaja/register/internal/domain"
	"kasirinaja/register/internal/fetch"
	"kasirinaja/register/internal/metrics"
	"kasirinaja/register/internal/store"
)

const (
	keyProducts  = "products"
	keyCustomers = "customers"

	DefaultLimit = 50
)

type Browser struct {
	catalog   store.CatalogLookup
	customers store.CustomerLookup
	products  *fetch.Coordinator[[]domain.Product]
	people    *fetch.Coordinator[[]domain.Customer]
	limit     int

	mu              sync.RWMutex
	lc              domain.LookupContext
	generation      uint64
	productQuery    string
	productResults  []domain.Product
	customerQuery   string
	customerResults []domain.Customer
}

type Option func(*Browser)

func WithLimit(n int) Option {
	return func(b *Browser) {
		if n > 0 {
			b.limit = n
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Browser) {
		b.products.OnStale(func(key string) { m.StaleFetch(key) })
		b.people.OnStale(func(key string) { m.StaleFetch(key) })
	}
}

func NewBrowser(catalog store.CatalogLookup, customers store.CustomerLookup, lc domain.LookupContext, opts ...Option) *Browser {
	b := &Browser{
		catalog:   catalog,
		customers: customers,
		products:  fetch.NewCoordinator[[]domain.Product](),
		people:    fetch.NewCoordinator[[]domain.Customer](),
		limit:     DefaultLimit,
		lc:        lc,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Browser) Context() domain.LookupContext {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lc
}

func (b *Browser) current() (domain.LookupContext, uint64) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lc, b.generation
}

// SwitchContext moves the browser to another tenant or branch. Results held
// for the previous context are dropped and in-flight searches become stale.
// Searches carry the context generation they started under, so one that
// slips between the switch and the invalidation is still discarded.
func (b *Browser) SwitchContext(lc domain.LookupContext) {
	b.mu.Lock()
	b.lc = lc
	b.generation++
	b.productQuery, b.productResults = "", nil
	b.customerQuery, b.customerResults = "", nil
	b.mu.Unlock()

	b.products.InvalidateAll()
	b.people.InvalidateAll()
}

// SearchProducts runs a catalog search in the current context and returns
// the results the browser holds afterwards, which are the previous ones when
// this search lost to a newer request.
func (b *Browser) SearchProducts(ctx context.Context, query string) (fetch.Outcome, []domain.Product, error) {
	lc, gen := b.current()
	query = strings.TrimSpace(query)
	superseded := false
	outcome, err := b.products.Do(ctx, keyProducts,
		func(ctx context.Context) ([]domain.Product, error) {
			return take(b.catalog.SearchProducts(ctx, lc, query), b.limit)
		},
		func(results []domain.Product) {
			b.mu.Lock()
			defer b.mu.Unlock()
			if b.generation != gen {
				superseded = true
				return
			}
			b.productQuery, b.productResults = query, results
		},
	)
	if superseded {
		outcome = fetch.OutcomeStale
	}
	_, products := b.Products()
	return outcome, products, err
}

func (b *Browser) SearchCustomers(ctx context.Context, query string) (fetch.Outcome, []domain.Customer, error) {
	lc, gen := b.current()
	query = strings.TrimSpace(query)
	superseded := false
	outcome, err := b.people.Do(ctx, keyCustomers,
		func(ctx context.Context) ([]domain.Customer, error) {
			return take(b.customers.SearchCustomers(ctx, lc, query), b.limit)
		},
		func(results []domain.Customer) {
			b.mu.Lock()
			defer b.mu.Unlock()
			if b.generation != gen {
				superseded = true
				return
			}
			b.customerQuery, b.customerResults = query, results
		},
	)
	if superseded {
		outcome = fetch.OutcomeStale
	}
	_, customers := b.Customers()
	return outcome, customers, err
}

// CreateCustomer registers a customer in the current context. Customer
// results held so far may no longer match, so in-flight searches are dropped.
func (b *Browser) CreateCustomer(ctx context.Context, fields domain.CustomerFields) (string, error) {
	fields.Name = strings.TrimSpace(fields.Name)
	if fields.Name == "" {
		return "", domain.ErrInvalidCustomer
	}
	id, err := b.customers.CreateCustomer(ctx, b.Context(), fields)
	if err != nil {
		return "", &domain.StoreError{Op: "create customer", Err: err}
	}
	b.people.Invalidate(keyCustomers)
	return id, nil
}

func (b *Browser) Products() (string, []domain.Product) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.productQuery, append([]domain.Product(nil), b.productResults...)
}

func (b *Browser) Customers() (string, []domain.Customer) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.customerQuery, append([]domain.Customer(nil), b.customerResults...)
}

// FindProduct looks a product up among the held results.
func (b *Browser) FindProduct(productID string) (domain.Product, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, p := range b.productResults {
		if p.ID == productID {
			return p, true
		}
	}
	return domain.Product{}, false
}

func take[T any](seq iter.Seq2[T, error], limit int) ([]T, error) {
	out := make([]T, 0, limit)
	for item, err := range seq {
		if err != nil {
			return nil, fmt.Errorf("lookup: %w", err)
		}
		out = append(out, item)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}
