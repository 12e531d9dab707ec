// Package store declares the persistence collaborators of the register
// engine. Backends live in the memory, postgres and redis subpackages.
package store

import (
	"context"
	"errors"
	"iter"
	"time"

	"kasirinaja/register/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict reports a uniqueness or state-transition violation.
	ErrConflict = errors.New("conflict")
)

type SaleFilter struct {
	TenantID   string
	OperatorID string
	Start      time.Time
	End        time.Time
	Status     domain.SaleStatus
}

// Match reports whether sale falls in the filter. Start and End are inclusive.
func (f SaleFilter) Match(sale domain.Sale) bool {
	if f.TenantID != "" && sale.TenantID != f.TenantID {
		return false
	}
	if f.OperatorID != "" && sale.OperatorID != f.OperatorID {
		return false
	}
	if f.Status != "" && sale.Status != f.Status {
		return false
	}
	if !f.Start.IsZero() && sale.CreatedAt.Before(f.Start) {
		return false
	}
	if !f.End.IsZero() && sale.CreatedAt.After(f.End) {
		return false
	}
	return true
}

type CatalogLookup interface {
	SearchProducts(ctx context.Context, lc domain.LookupContext, query string) iter.Seq2[domain.Product, error]
}

type CustomerLookup interface {
	SearchCustomers(ctx context.Context, lc domain.LookupContext, query string) iter.Seq2[domain.Customer, error]
	CreateCustomer(ctx context.Context, lc domain.LookupContext, fields domain.CustomerFields) (string, error)
}

type SaleStore interface {
	InsertSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error)
	ListSalesByWindow(ctx context.Context, filter SaleFilter) iter.Seq2[domain.Sale, error]
}

type SessionStore interface {
	// FindOpenForOperator returns the most recent open session whose business
	// date is on or before day.
	FindOpenForOperator(ctx context.Context, scope domain.Scope, day string) (*domain.CashSession, error)
	FindForOperatorDay(ctx context.Context, scope domain.Scope, day string) (*domain.CashSession, error)
	// PersistSession inserts a new open session or moves an existing one from
	// open to closed. Any other write returns ErrConflict.
	PersistSession(ctx context.Context, session domain.CashSession) error
	// AppendOperation returns ErrConflict unless the session is open.
	AppendOperation(ctx context.Context, op domain.CashOperation) error
	ListOperations(ctx context.Context, sessionID string) ([]domain.CashOperation, error)
	ListStaleOpenSessions(ctx context.Context, beforeDay string) ([]domain.CashSession, error)
}

// HeldSaleRepository stores held sales. Held sales are never rewritten:
// saving an id that already exists returns ErrConflict.
type HeldSaleRepository interface {
	SaveHeldSale(ctx context.Context, scope domain.Scope, held domain.HeldSale) error
	GetHeldSale(ctx context.Context, scope domain.Scope, id string) (*domain.HeldSale, error)
	DeleteHeldSale(ctx context.Context, scope domain.Scope, id string) error
	// ListHeldSales returns the scope's held sales oldest first.
	ListHeldSales(ctx context.Context, scope domain.Scope) ([]domain.HeldSale, error)
}

// Collect drains a sequence into a slice, stopping at the first error.
func Collect[T any](seq iter.Seq2[T, error]) ([]T, error) {
	var out []T
	for item, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, item)
	}
	return out, nil
}

// Fail is a sequence that yields only err.
func Fail[T any](err error) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T
		yield(zero, err)
	}
}
