// Package checkout turns a cart into a persisted sale. A sale is written with
// a single store call; until that call succeeds nothing else changes, so a
// failed finalize leaves the cart and any held sale exactly as they were.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"kasirinaja/register/internal/cart"
	"kasirinaja/register/internal/domain"
	"kasirinaja/register/internal/events"
	"kasirinaja/register/internal/heldsale"
	"kasirinaja/register/internal/metrics"
	"kasirinaja/register/internal/money"
	"kasirinaja/register/internal/store"
	"kasirinaja/register/internal/xid"
)

// SessionGate runs fn while the operator's cash session is open and keeps a
// close from reading the sales window until fn returns. It returns
// ErrRegisterClosed when no session is open.
type SessionGate interface {
	WithOpenSession(ctx context.Context, scope domain.Scope, fn func(session domain.CashSession) error) error
}

type Finalizer struct {
	gate      SessionGate
	sales     store.SaleStore
	held      *heldsale.Queue
	now       func() time.Time
	logger    *zap.Logger
	metrics   *metrics.Metrics
	publisher events.Publisher
}

type Option func(*Finalizer)

func WithClock(now func() time.Time) Option {
	return func(f *Finalizer) { f.now = now }
}

func WithLogger(logger *zap.Logger) Option {
	return func(f *Finalizer) { f.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(f *Finalizer) { f.metrics = m }
}

func WithPublisher(p events.Publisher) Option {
	return func(f *Finalizer) { f.publisher = p }
}

func NewFinalizer(gate SessionGate, sales store.SaleStore, held *heldsale.Queue, opts ...Option) *Finalizer {
	f := &Finalizer{
		gate:      gate,
		sales:     sales,
		held:      held,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    zap.NewNop(),
		publisher: events.NoopPublisher{},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Finalize persists the cart as a sale. heldSaleID names the held sale the
// cart was resumed from, if any; it is removed once the sale is stored.
func (f *Finalizer) Finalize(ctx context.Context, scope domain.Scope, c *cart.Cart, payment domain.PaymentOutcome, heldSaleID string) (*domain.Sale, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	var saved *domain.Sale
	err := f.gate.WithOpenSession(ctx, scope, func(session domain.CashSession) error {
		sale, err := f.buildSale(scope, session, c, payment, heldSaleID)
		if err != nil {
			return err
		}
		saved, err = f.sales.InsertSale(ctx, sale)
		if err != nil {
			f.metrics.SaleStoreFailure()
			f.logger.Error("sale insert failed",
				zap.String("sale_id", sale.ID),
				zap.String("operator_id", scope.OperatorID),
				zap.Error(err),
			)
			return &domain.StoreError{Op: "insert sale", Err: err}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if saved.HeldSaleID != "" && f.held != nil {
		if err := f.held.Remove(ctx, scope, saved.HeldSaleID); err != nil && !errors.Is(err, domain.ErrNotFound) {
			f.logger.Warn("held sale not removed after finalize",
				zap.String("held_sale_id", saved.HeldSaleID),
				zap.String("sale_id", saved.ID),
				zap.Error(err),
			)
		}
	}
	c.Clear()

	f.metrics.SaleFinalized(string(saved.PaymentMethod), string(saved.Status))
	f.logger.Info("sale finalized",
		zap.String("sale_id", saved.ID),
		zap.String("session_id", saved.SessionID),
		zap.String("method", string(saved.PaymentMethod)),
		zap.Stringer("total", saved.Total),
	)
	err = f.publisher.Publish(context.WithoutCancel(ctx), events.Event{
		Type:       events.SaleFinalized,
		Key:        saved.ID,
		TenantID:   scope.TenantID,
		OperatorID: scope.OperatorID,
		OccurredAt: saved.CreatedAt,
		Payload:    saved,
	})
	if err != nil {
		f.logger.Warn("event publish failed", zap.String("type", events.SaleFinalized), zap.Error(err))
	}
	return saved, nil
}

func (f *Finalizer) buildSale(scope domain.Scope, session domain.CashSession, c *cart.Cart, payment domain.PaymentOutcome, heldSaleID string) (domain.Sale, error) {
	if c == nil || c.IsEmpty() {
		return domain.Sale{}, domain.ErrEmptyCart
	}
	total := c.Total()
	if total <= 0 {
		return domain.Sale{}, domain.ErrEmptyCart
	}
	payment, err := ValidatePayment(payment, total)
	if err != nil {
		return domain.Sale{}, err
	}

	subtotal := c.Subtotal()
	sale := domain.Sale{
		ID:               xid.New("sale"),
		TenantID:         scope.TenantID,
		OperatorID:       scope.OperatorID,
		SessionID:        session.ID,
		HeldSaleID:       strings.TrimSpace(heldSaleID),
		Lines:            c.Lines(),
		CustomerID:       c.CustomerID(),
		CustomerLabel:    c.CustomerLabel(),
		Subtotal:         subtotal,
		DiscountTotal:    subtotal - total,
		Total:            total,
		PaymentMethod:    payment.Method,
		PaymentReference: payment.Reference,
		Splits:           payment.Splits,
		Status:           domain.SalePaid,
		CreatedAt:        f.now(),
	}
	if payment.Method == domain.MethodCash {
		tendered, change := payment.Tendered, payment.Change
		sale.AmountTendered = &tendered
		sale.ChangeGiven = &change
	}
	if payment.Pending {
		sale.Status = domain.SalePending
	}
	return sale, nil
}

// ValidatePayment checks a payment outcome against the sale total and fills
// in the derived fields. Splits force the split method; cash tendered must
// cover the total and the difference becomes change; any other tender
// settles exactly the total and needs a reference.
func ValidatePayment(payment domain.PaymentOutcome, total money.Amount) (domain.PaymentOutcome, error) {
	payment.Reference = strings.TrimSpace(payment.Reference)
	if len(payment.Splits) > 0 {
		payment.Method = domain.MethodSplit
	}
	if payment.Method == "" {
		payment.Method = domain.MethodCash
	}

	switch {
	case payment.Method == domain.MethodCash:
		if payment.Pending {
			return payment, fmt.Errorf("%w: cash cannot be pending", domain.ErrInvalidPayment)
		}
		if payment.Tendered < total {
			return payment, fmt.Errorf("%w: tendered %s is less than total %s", domain.ErrInvalidPayment, payment.Tendered, total)
		}
		payment.Change = payment.Tendered - total

	case payment.Method == domain.MethodSplit:
		if len(payment.Splits) < 2 {
			return payment, fmt.Errorf("%w: split payment needs at least two tenders", domain.ErrInvalidPayment)
		}
		splits := make([]domain.PaymentSplit, 0, len(payment.Splits))
		var sum money.Amount
		for _, split := range payment.Splits {
			split.Reference = strings.TrimSpace(split.Reference)
			if !split.Method.Tender() || split.Amount <= 0 {
				return payment, fmt.Errorf("%w: bad split %s %s", domain.ErrInvalidPayment, split.Method, split.Amount)
			}
			if split.Method != domain.MethodCash && split.Reference == "" {
				return payment, fmt.Errorf("%w: %s split needs a reference", domain.ErrInvalidPayment, split.Method)
			}
			sum += split.Amount
			splits = append(splits, split)
		}
		if sum != total {
			return payment, fmt.Errorf("%w: splits sum to %s, total is %s", domain.ErrInvalidPayment, sum, total)
		}
		payment.Splits = splits
		payment.Tendered = total
		payment.Change = 0

	case payment.Method.Tender():
		if payment.Reference == "" {
			return payment, fmt.Errorf("%w: %s payment needs a reference", domain.ErrInvalidPayment, payment.Method)
		}
		payment.Tendered = total
		payment.Change = 0

	default:
		return payment, fmt.Errorf("%w: unsupported method %q", domain.ErrInvalidPayment, payment.Method)
	}
	return payment, nil
}
