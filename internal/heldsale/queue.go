// Package heldsale parks carts so the operator can serve someone else and
// resume them later. Held sales are immutable snapshots: later edits to the
// cart they came from never reach them.
package heldsale

import (
	"context"
	"errors"
	"iter"
	"strings"
	"time"

	"go.uber.org/zap"

	"kasirinaja/register/internal/cart"
	"kasirinaja/register/internal/domain"
	"kasirinaja/register/internal/store"
	"kasirinaja/register/internal/xid"
)

type Queue struct {
	repo   store.HeldSaleRepository
	now    func() time.Time
	logger *zap.Logger
}

type Option func(*Queue)

func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

func WithLogger(logger *zap.Logger) Option {
	return func(q *Queue) { q.logger = logger }
}

func NewQueue(repo store.HeldSaleRepository, opts ...Option) *Queue {
	q := &Queue{
		repo:   repo,
		now:    func() time.Time { return time.Now().UTC() },
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Park stores a deep snapshot of c under a fresh id. The cart itself is not
// modified; clearing it is up to the caller.
func (q *Queue) Park(ctx context.Context, scope domain.Scope, c *cart.Cart, customerLabel string) (string, error) {
	if err := scope.Validate(); err != nil {
		return "", err
	}
	if c == nil || c.IsEmpty() {
		return "", domain.ErrEmptyCart
	}

	snapshot := c.Snapshot()
	label := strings.TrimSpace(customerLabel)
	if label == "" {
		label = snapshot.CustomerLabel
	}
	held := domain.HeldSale{
		ID:            xid.New("hold"),
		TenantID:      scope.TenantID,
		OperatorID:    scope.OperatorID,
		Cart:          snapshot,
		CustomerID:    snapshot.CustomerID,
		CustomerLabel: label,
		Total:         snapshot.Total(),
		LineCount:     len(snapshot.Lines),
		CreatedAt:     q.now(),
	}
	if err := q.repo.SaveHeldSale(ctx, scope, held); err != nil {
		return "", &domain.StoreError{Op: "park sale", Err: err}
	}
	q.logger.Info("sale parked",
		zap.String("held_sale_id", held.ID),
		zap.String("operator_id", scope.OperatorID),
		zap.Int("lines", held.LineCount),
		zap.Stringer("total", held.Total),
	)
	return held.ID, nil
}

// Resume returns the held sale without removing it. The sale is removed
// when it is finalized or explicitly discarded.
func (q *Queue) Resume(ctx context.Context, scope domain.Scope, id string) (*domain.HeldSale, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	held, err := q.repo.GetHeldSale(ctx, scope, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, &domain.StoreError{Op: "resume sale", Err: err}
	}
	held.Cart = held.Cart.Clone()
	return held, nil
}

func (q *Queue) Remove(ctx context.Context, scope domain.Scope, id string) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	err := q.repo.DeleteHeldSale(ctx, scope, id)
	if errors.Is(err, store.ErrNotFound) {
		return domain.ErrNotFound
	}
	if err != nil {
		return &domain.StoreError{Op: "remove held sale", Err: err}
	}
	return nil
}

// List yields the scope's held sales oldest first. Nothing is read until the
// sequence is ranged over, and every range reads the repository again.
func (q *Queue) List(ctx context.Context, scope domain.Scope) iter.Seq2[domain.HeldSale, error] {
	return func(yield func(domain.HeldSale, error) bool) {
		if err := scope.Validate(); err != nil {
			yield(domain.HeldSale{}, err)
			return
		}
		items, err := q.repo.ListHeldSales(ctx, scope)
		if err != nil {
			yield(domain.HeldSale{}, &domain.StoreError{Op: "list held sales", Err: err})
			return
		}
		for _, held := range items {
			if !yield(held, nil) {
				return
			}
		}
	}
}
