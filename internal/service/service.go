// Package service is the register facade used by the HTTP API. It keeps one
// terminal per operator scope: the active cart, the held sale it was resumed
// from, and the lookup browser. Commands on a terminal are serialized.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"kasirinaja/register/internal/cart"
	"kasirinaja/register/internal/cashsession"
	"kasirinaja/register/internal/checkout"
	"kasirinaja/register/internal/domain"
	"kasirinaja/register/internal/fetch"
	"kasirinaja/register/internal/heldsale"
	"kasirinaja/register/internal/lookup"
	"kasirinaja/register/internal/metrics"
	"kasirinaja/register/internal/money"
	"kasirinaja/register/internal/store"
)

var (
	ErrNoActor = errors.New("operator identity missing")
	// ErrCartInUse is returned when a held sale would replace a non-empty cart.
	ErrCartInUse = errors.New("active cart is not empty")
)

// Actor is the authenticated operator behind a request.
type Actor struct {
	TenantID   string
	OperatorID string
	BranchID   string
	Name       string
}

func (a Actor) Scope() domain.Scope {
	return domain.Scope{TenantID: a.TenantID, OperatorID: a.OperatorID}
}

type actorContextKey struct{}

func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(Actor)
	return actor, ok
}

// ScopeFromContext returns the scope of the request's actor.
func ScopeFromContext(ctx context.Context) (domain.Scope, bool) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.Scope{}, false
	}
	return actor.Scope(), true
}

type terminal struct {
	mu         sync.Mutex
	cart       *cart.Cart
	heldSaleID string
	browser    *lookup.Browser
}

type Service struct {
	sessions  *cashsession.Manager
	held      *heldsale.Queue
	finalizer *checkout.Finalizer
	catalog   store.CatalogLookup
	customers store.CustomerLookup
	logger    *zap.Logger
	metrics   *metrics.Metrics
	limit     int

	mu        sync.Mutex
	terminals map[domain.Scope]*terminal
}

type Option func(*Service)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithSearchLimit caps the results a terminal holds per search.
func WithSearchLimit(n int) Option {
	return func(s *Service) { s.limit = n }
}

func New(
	sessions *cashsession.Manager,
	held *heldsale.Queue,
	finalizer *checkout.Finalizer,
	catalog store.CatalogLookup,
	customers store.CustomerLookup,
	opts ...Option,
) *Service {
	s := &Service{
		sessions:  sessions,
		held:      held,
		finalizer: finalizer,
		catalog:   catalog,
		customers: customers,
		logger:    zap.NewNop(),
		limit:     lookup.DefaultLimit,
		terminals: map[domain.Scope]*terminal{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) terminal(ctx context.Context) (Actor, *terminal, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return Actor{}, nil, ErrNoActor
	}
	scope := actor.Scope()
	if err := scope.Validate(); err != nil {
		return Actor{}, nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.terminals[scope]
	if !ok {
		lc := domain.LookupContext{TenantID: actor.TenantID, BranchID: actor.BranchID}
		opts := []lookup.Option{lookup.WithLimit(s.limit)}
		if s.metrics != nil {
			opts = append(opts, lookup.WithMetrics(s.metrics))
		}
		t = &terminal{
			cart:    cart.New(),
			browser: lookup.NewBrowser(s.catalog, s.customers, lc, opts...),
		}
		s.terminals[scope] = t
	}
	return actor, t, nil
}

// CartView is the active cart as shown to the operator.
type CartView struct {
	Lines         []domain.CartLine `json:"lines"`
	CustomerID    string            `json:"customer_id,omitempty"`
	CustomerLabel string            `json:"customer_label,omitempty"`
	HeldSaleID    string            `json:"held_sale_id,omitempty"`
	Subtotal      money.Amount      `json:"subtotal"`
	Discount      money.Amount      `json:"discount"`
	Total         money.Amount      `json:"total"`
}

func (t *terminal) view() CartView {
	subtotal, total := t.cart.Subtotal(), t.cart.Total()
	return CartView{
		Lines:         t.cart.Lines(),
		CustomerID:    t.cart.CustomerID(),
		CustomerLabel: t.cart.CustomerLabel(),
		HeldSaleID:    t.heldSaleID,
		Subtotal:      subtotal,
		Discount:      subtotal - total,
		Total:         total,
	}
}

func (s *Service) Cart(ctx context.Context) (CartView, error) {
	_, t, err := s.terminal(ctx)
	if err != nil {
		return CartView{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.view(), nil
}

// AddItemRequest adds a product to the cart. The product must be among the
// terminal's current search results unless Name and UnitPrice are both given.
// Without UnitPrice the catalog price applies, and a tiered price follows the
// quantity of the line after merging.
type AddItemRequest struct {
	ProductID       string          `json:"product_id"`
	VariantID       string          `json:"variant_id,omitempty"`
	Name            string          `json:"name,omitempty"`
	Quantity        int             `json:"quantity"`
	UnitPrice       *money.Amount   `json:"unit_price,omitempty"`
	DiscountPercent decimal.Decimal `json:"discount_percent"`
}

func (s *Service) AddItem(ctx context.Context, req AddItemRequest) (CartView, error) {
	_, t, err := s.terminal(ctx)
	if err != nil {
		return CartView{}, err
	}
	req.ProductID = strings.TrimSpace(req.ProductID)
	req.VariantID = strings.TrimSpace(req.VariantID)
	ref := cart.ProductRef{ProductID: req.ProductID, VariantID: req.VariantID, Name: strings.TrimSpace(req.Name)}

	product, found := t.browser.FindProduct(req.ProductID)
	if !found && (req.UnitPrice == nil || ref.Name == "") {
		return CartView{}, fmt.Errorf("%w: %q is not in the current results", domain.ErrInvalidProduct, req.ProductID)
	}
	if found && ref.Name == "" {
		ref.Name = product.VariantName(req.VariantID)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if req.UnitPrice != nil {
		if err := t.cart.AddOrMergeLine(ref, req.Quantity, *req.UnitPrice, req.DiscountPercent); err != nil {
			return CartView{}, err
		}
		return t.view(), nil
	}

	// catalog price, with quantity tiers resolved on the merged line
	key := domain.LineKey{ProductID: req.ProductID, VariantID: req.VariantID}
	existing, merging := t.cart.Line(key)
	if !merging {
		price, ok := product.PriceFor(req.VariantID, req.Quantity)
		if !ok {
			return CartView{}, fmt.Errorf("%w: unknown variant %q", domain.ErrInvalidProduct, req.VariantID)
		}
		if err := t.cart.AddOrMergeLine(ref, req.Quantity, price, req.DiscountPercent); err != nil {
			return CartView{}, err
		}
		return t.view(), nil
	}
	if req.Quantity <= 0 {
		return CartView{}, domain.ErrInvalidQuantity
	}
	if req.Quantity > cart.MaxQuantity {
		return CartView{}, fmt.Errorf("%w: quantity %d exceeds %d", domain.ErrInvalidQuantity, req.Quantity, cart.MaxQuantity)
	}
	quantity := existing.Quantity + req.Quantity
	price, ok := product.PriceFor(req.VariantID, quantity)
	if !ok {
		return CartView{}, fmt.Errorf("%w: unknown variant %q", domain.ErrInvalidProduct, req.VariantID)
	}
	discount := req.DiscountPercent
	if err := t.cart.UpdateLine(key, cart.LinePatch{Quantity: &quantity, UnitPrice: &price, DiscountPercent: &discount}); err != nil {
		return CartView{}, err
	}
	return t.view(), nil
}

func (s *Service) UpdateItem(ctx context.Context, key domain.LineKey, patch cart.LinePatch) (CartView, error) {
	_, t, err := s.terminal(ctx)
	if err != nil {
		return CartView{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.cart.UpdateLine(key, patch); err != nil {
		return CartView{}, err
	}
	return t.view(), nil
}

func (s *Service) RemoveItem(ctx context.Context, key domain.LineKey) (CartView, error) {
	_, t, err := s.terminal(ctx)
	if err != nil {
		return CartView{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.cart.RemoveLine(key); err != nil {
		return CartView{}, err
	}
	return t.view(), nil
}

func (s *Service) SetCustomer(ctx context.Context, customerID string, label string) (CartView, error) {
	_, t, err := s.terminal(ctx)
	if err != nil {
		return CartView{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cart.SetCustomer(strings.TrimSpace(customerID), strings.TrimSpace(label))
	return t.view(), nil
}

// ClearCart empties the cart. A held sale it was resumed from stays held.
func (s *Service) ClearCart(ctx context.Context) (CartView, error) {
	_, t, err := s.terminal(ctx)
	if err != nil {
		return CartView{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cart.Clear()
	t.heldSaleID = ""
	return t.view(), nil
}

// ParkSale moves the active cart to the held-sale queue and empties it. A
// cart that was itself resumed replaces its previous held entry.
func (s *Service) ParkSale(ctx context.Context, label string) (string, error) {
	actor, t, err := s.terminal(ctx)
	if err != nil {
		return "", err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	id, err := s.held.Park(ctx, actor.Scope(), t.cart, label)
	if err != nil {
		return "", err
	}
	if previous := t.heldSaleID; previous != "" {
		if err := s.held.Remove(ctx, actor.Scope(), previous); err != nil && !errors.Is(err, domain.ErrNotFound) {
			s.logger.Warn("previous held sale not removed after re-park",
				zap.String("held_sale_id", previous),
				zap.String("new_held_sale_id", id),
				zap.Error(err),
			)
		}
	}
	t.cart.Clear()
	t.heldSaleID = ""
	return id, nil
}

func (s *Service) HeldSales(ctx context.Context) ([]domain.HeldSale, error) {
	actor, _, err := s.terminal(ctx)
	if err != nil {
		return nil, err
	}
	held, err := store.Collect(s.held.List(ctx, actor.Scope()))
	if err != nil {
		return nil, err
	}
	if held == nil {
		held = []domain.HeldSale{}
	}
	return held, nil
}

// ResumeSale loads a held sale into the empty cart. The held entry remains
// until the sale is finalized, re-parked or discarded.
func (s *Service) ResumeSale(ctx context.Context, id string) (CartView, error) {
	actor, t, err := s.terminal(ctx)
	if err != nil {
		return CartView{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.cart.IsEmpty() {
		return CartView{}, ErrCartInUse
	}
	held, err := s.held.Resume(ctx, actor.Scope(), strings.TrimSpace(id))
	if err != nil {
		return CartView{}, err
	}
	t.cart = cart.FromSnapshot(held.Cart)
	t.heldSaleID = held.ID
	return t.view(), nil
}

func (s *Service) DiscardHeldSale(ctx context.Context, id string) error {
	actor, t, err := s.terminal(ctx)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	id = strings.TrimSpace(id)
	if err := s.held.Remove(ctx, actor.Scope(), id); err != nil {
		return err
	}
	if t.heldSaleID == id {
		t.heldSaleID = ""
	}
	return nil
}

// SessionView reports the register state of the operator.
type SessionView struct {
	State   domain.State        `json:"state"`
	Session *domain.CashSession `json:"session,omitempty"`
}

func (s *Service) SessionStatus(ctx context.Context) (SessionView, error) {
	actor, _, err := s.terminal(ctx)
	if err != nil {
		return SessionView{}, err
	}
	state, session, err := s.sessions.Status(ctx, actor.Scope())
	if err != nil {
		return SessionView{}, err
	}
	return SessionView{State: state, Session: session}, nil
}

func (s *Service) OpenSession(ctx context.Context, openingAmount money.Amount) (*domain.CashSession, error) {
	actor, _, err := s.terminal(ctx)
	if err != nil {
		return nil, err
	}
	openedBy := actor.Name
	if openedBy == "" {
		openedBy = actor.OperatorID
	}
	return s.sessions.Open(ctx, actor.Scope(), openingAmount, openedBy)
}

func (s *Service) RecordOperation(ctx context.Context, opType domain.OperationType, amount money.Amount, description string) (*domain.CashOperation, error) {
	actor, _, err := s.terminal(ctx)
	if err != nil {
		return nil, err
	}
	return s.sessions.RecordOperation(ctx, actor.Scope(), opType, amount, strings.TrimSpace(description))
}

func (s *Service) Operations(ctx context.Context) ([]domain.CashOperation, error) {
	actor, _, err := s.terminal(ctx)
	if err != nil {
		return nil, err
	}
	return s.sessions.Operations(ctx, actor.Scope())
}

func (s *Service) CloseSession(ctx context.Context, counted map[domain.PaymentMethod]money.Amount, reason string) (*domain.CashSession, error) {
	actor, _, err := s.terminal(ctx)
	if err != nil {
		return nil, err
	}
	return s.sessions.Close(ctx, actor.Scope(), counted, strings.TrimSpace(reason))
}

// Checkout finalizes the active cart. On failure the cart and any held sale
// it came from are left as they were.
func (s *Service) Checkout(ctx context.Context, payment domain.PaymentOutcome) (*domain.Sale, error) {
	actor, t, err := s.terminal(ctx)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	sale, err := s.finalizer.Finalize(ctx, actor.Scope(), t.cart, payment, t.heldSaleID)
	if err != nil {
		return nil, err
	}
	t.heldSaleID = ""
	return sale, nil
}

// SwitchBranch points the terminal's searches at another branch of the
// actor's tenant.
func (s *Service) SwitchBranch(ctx context.Context, branchID string) (domain.LookupContext, error) {
	actor, t, err := s.terminal(ctx)
	if err != nil {
		return domain.LookupContext{}, err
	}
	lc := domain.LookupContext{TenantID: actor.TenantID, BranchID: strings.TrimSpace(branchID)}
	t.browser.SwitchContext(lc)
	return lc, nil
}

// SearchProducts does not take the terminal lock, so a newer search can
// overtake a slow one.
func (s *Service) SearchProducts(ctx context.Context, query string) (fetch.Outcome, []domain.Product, error) {
	_, t, err := s.terminal(ctx)
	if err != nil {
		return fetch.OutcomeFailed, nil, err
	}
	return t.browser.SearchProducts(ctx, query)
}

func (s *Service) SearchCustomers(ctx context.Context, query string) (fetch.Outcome, []domain.Customer, error) {
	_, t, err := s.terminal(ctx)
	if err != nil {
		return fetch.OutcomeFailed, nil, err
	}
	return t.browser.SearchCustomers(ctx, query)
}

func (s *Service) CreateCustomer(ctx context.Context, fields domain.CustomerFields) (string, error) {
	_, t, err := s.terminal(ctx)
	if err != nil {
		return "", err
	}
	return t.browser.CreateCustomer(ctx, fields)
}

func (s *Service) LookupContext(ctx context.Context) (domain.LookupContext, error) {
	_, t, err := s.terminal(ctx)
	if err != nil {
		return domain.LookupContext{}, err
	}
	return t.browser.Context(), nil
}
