// Package cashsession runs the register's daily cash session: opening with a
// float, recording supplies and withdrawals, and closing with a per-method
// reconciliation of counted against expected amounts.
//
// An operator has at most one session per business date and at most one open
// session at any time. The business date is the local date at open, in the
// configured location, and stays fixed while the session is open, so a
// session opened before midnight is still closed against that date.
package cashsession

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"kasirinaja/register/internal/domain"
	"kasirinaja/register/internal/events"
	"kasirinaja/register/internal/metrics"
	"kasirinaja/register/internal/money"
	"kasirinaja/register/internal/store"
	"kasirinaja/register/internal/xid"
)

type Manager struct {
	sessions  store.SessionStore
	sales     store.SaleStore
	now       func() time.Time
	loc       *time.Location
	logger    *zap.Logger
	metrics   *metrics.Metrics
	publisher events.Publisher

	mu     sync.Mutex
	guards map[string]*sessionGuard
}

// sessionGuard orders in-process operation appends and sale writes against a
// close of the same session. Writers hold the read lock; close flips closing
// under the write lock, so every write either lands before the close reads
// the log and the sales window, or fails.
type sessionGuard struct {
	mu      sync.RWMutex
	closing bool
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithLocation(loc *time.Location) Option {
	return func(m *Manager) {
		if loc != nil {
			m.loc = loc
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

func WithPublisher(p events.Publisher) Option {
	return func(m *Manager) { m.publisher = p }
}

func NewManager(sessions store.SessionStore, sales store.SaleStore, opts ...Option) *Manager {
	m := &Manager{
		sessions:  sessions,
		sales:     sales,
		now:       func() time.Time { return time.Now().UTC() },
		loc:       time.UTC,
		logger:    zap.NewNop(),
		publisher: events.NoopPublisher{},
		guards:    map[string]*sessionGuard{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// BusinessDate returns the business date of instant t.
func (m *Manager) BusinessDate(t time.Time) string {
	return t.In(m.loc).Format(domain.DateLayout)
}

func (m *Manager) today() string {
	return m.BusinessDate(m.now())
}

// Status reports the operator's register state for today. A session still
// open from an earlier date is reported as open.
func (m *Manager) Status(ctx context.Context, scope domain.Scope) (domain.State, *domain.CashSession, error) {
	if err := scope.Validate(); err != nil {
		return "", nil, err
	}
	day := m.today()

	open, err := m.sessions.FindOpenForOperator(ctx, scope, day)
	switch {
	case err == nil:
		if m.isClosing(open.ID) {
			return domain.StateClosing, open, nil
		}
		return domain.StateOpen, open, nil
	case !errors.Is(err, store.ErrNotFound):
		return "", nil, &domain.StoreError{Op: "find open session", Err: err}
	}

	todays, err := m.sessions.FindForOperatorDay(ctx, scope, day)
	switch {
	case err == nil:
		return domain.StateClosed, todays, nil
	case errors.Is(err, store.ErrNotFound):
		return domain.StateNoSession, nil, nil
	default:
		return "", nil, &domain.StoreError{Op: "find session", Err: err}
	}
}

// RequireOpen returns the open session or ErrRegisterClosed. A session that
// is being closed no longer accepts sales.
func (m *Manager) RequireOpen(ctx context.Context, scope domain.Scope) (*domain.CashSession, error) {
	state, session, err := m.Status(ctx, scope)
	if err != nil {
		return nil, err
	}
	if state != domain.StateOpen {
		return nil, domain.ErrRegisterClosed
	}
	return session, nil
}

// WithOpenSession runs fn while the operator's session is open and holds it
// open until fn returns. A close that starts meanwhile waits for fn, so a
// sale written by fn is part of that close's reconciliation. Returns
// ErrRegisterClosed when no session is open or a close is in progress.
func (m *Manager) WithOpenSession(ctx context.Context, scope domain.Scope, fn func(session domain.CashSession) error) error {
	session, err := m.RequireOpen(ctx, scope)
	if err != nil {
		return err
	}

	guard := m.guard(session.ID)
	guard.mu.RLock()
	defer guard.mu.RUnlock()
	if guard.closing {
		return domain.ErrRegisterClosed
	}
	// a close may have finished between the check and taking the guard
	current, err := m.sessions.FindOpenForOperator(ctx, scope, m.today())
	switch {
	case errors.Is(err, store.ErrNotFound):
		return domain.ErrRegisterClosed
	case err != nil:
		return &domain.StoreError{Op: "find open session", Err: err}
	case current.ID != session.ID:
		return domain.ErrRegisterClosed
	}
	return fn(*current)
}

func (m *Manager) Open(ctx context.Context, scope domain.Scope, openingAmount money.Amount, openedBy string) (*domain.CashSession, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if openingAmount < 0 {
		return nil, fmt.Errorf("%w: opening amount %s", domain.ErrInvalidAmount, openingAmount)
	}

	now := m.now()
	day := m.BusinessDate(now)
	if err := m.checkCanOpen(ctx, scope, day); err != nil {
		return nil, err
	}

	openedBy = strings.TrimSpace(openedBy)
	if openedBy == "" {
		openedBy = scope.OperatorID
	}
	session := domain.CashSession{
		ID:            xid.New("cs"),
		TenantID:      scope.TenantID,
		OperatorID:    scope.OperatorID,
		BusinessDate:  day,
		OpenedAt:      now,
		OpenedBy:      openedBy,
		OpeningAmount: openingAmount,
		Status:        domain.SessionOpen,
	}
	if err := m.sessions.PersistSession(ctx, session); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// lost a race with another open; report whoever won
			if checkErr := m.checkCanOpen(ctx, scope, day); checkErr != nil {
				return nil, checkErr
			}
		}
		return nil, &domain.StoreError{Op: "open session", Err: err}
	}

	m.metrics.SessionOpened()
	m.logger.Info("cash session opened",
		zap.String("session_id", session.ID),
		zap.String("tenant_id", scope.TenantID),
		zap.String("operator_id", scope.OperatorID),
		zap.String("business_date", day),
		zap.Stringer("opening_amount", openingAmount),
	)
	m.publish(ctx, events.SessionOpened, session.ID, scope, session)
	return &session, nil
}

func (m *Manager) checkCanOpen(ctx context.Context, scope domain.Scope, day string) error {
	existing, err := m.sessions.FindOpenForOperator(ctx, scope, day)
	if err == nil {
		return &domain.SessionConflictError{Existing: *existing}
	}
	if !errors.Is(err, store.ErrNotFound) {
		return &domain.StoreError{Op: "find open session", Err: err}
	}

	_, err = m.sessions.FindForOperatorDay(ctx, scope, day)
	if err == nil {
		return &domain.StateError{State: domain.StateClosed, Action: "open a second session today"}
	}
	if !errors.Is(err, store.ErrNotFound) {
		return &domain.StoreError{Op: "find session", Err: err}
	}
	return nil
}

func (m *Manager) RecordOperation(ctx context.Context, scope domain.Scope, opType domain.OperationType, amount money.Amount, description string) (*domain.CashOperation, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if !opType.Valid() {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidOperation, opType)
	}
	if amount <= 0 {
		return nil, fmt.Errorf("%w: operation amount must be positive", domain.ErrInvalidAmount)
	}

	session, err := m.openSession(ctx, scope, "record a cash operation")
	if err != nil {
		return nil, err
	}

	guard := m.guard(session.ID)
	guard.mu.RLock()
	defer guard.mu.RUnlock()
	if guard.closing {
		return nil, &domain.StateError{State: domain.StateClosing, Action: "record a cash operation"}
	}

	op := domain.CashOperation{
		ID:          xid.New("cop"),
		SessionID:   session.ID,
		Type:        opType,
		Amount:      amount,
		Description: strings.TrimSpace(description),
		Operator:    scope.OperatorID,
		CreatedAt:   m.now(),
	}
	if err := m.sessions.AppendOperation(ctx, op); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, &domain.StateError{State: domain.StateClosed, Action: "record a cash operation"}
		}
		return nil, &domain.StoreError{Op: "append cash operation", Err: err}
	}

	m.logger.Info("cash operation recorded",
		zap.String("session_id", session.ID),
		zap.String("type", string(opType)),
		zap.Stringer("amount", amount),
	)
	return &op, nil
}

// Operations returns the log of the operator's open session, or of today's
// closed session when none is open.
func (m *Manager) Operations(ctx context.Context, scope domain.Scope) ([]domain.CashOperation, error) {
	state, session, err := m.Status(ctx, scope)
	if err != nil {
		return nil, err
	}
	if state == domain.StateNoSession {
		return nil, &domain.StateError{State: state, Action: "list cash operations"}
	}
	ops, err := m.sessions.ListOperations(ctx, session.ID)
	if err != nil {
		return nil, &domain.StoreError{Op: "list cash operations", Err: err}
	}
	return ops, nil
}

// Close reconciles the open session against the counted amounts and closes
// it. The reason is kept only when the counted total differs from the
// expected total.
func (m *Manager) Close(ctx context.Context, scope domain.Scope, counted map[domain.PaymentMethod]money.Amount, reason string) (*domain.CashSession, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	for method, amount := range counted {
		if !method.Tender() {
			return nil, fmt.Errorf("%w: unknown method %q", domain.ErrInvalidPayment, method)
		}
		if amount < 0 {
			return nil, fmt.Errorf("%w: counted %s is negative", domain.ErrInvalidAmount, method)
		}
	}

	session, err := m.openSession(ctx, scope, "close")
	if err != nil {
		return nil, err
	}

	guard := m.guard(session.ID)
	guard.mu.Lock()
	if guard.closing {
		guard.mu.Unlock()
		return nil, &domain.StateError{State: domain.StateClosing, Action: "close"}
	}
	guard.closing = true
	guard.mu.Unlock()

	closed, err := m.reconcileAndClose(ctx, *session, counted, reason)
	if err != nil {
		guard.mu.Lock()
		guard.closing = false
		guard.mu.Unlock()
		return nil, err
	}
	m.dropGuard(session.ID)

	m.metrics.SessionClosed(int64(*closed.TotalDifference))
	m.logger.Info("cash session closed",
		zap.String("session_id", closed.ID),
		zap.String("operator_id", scope.OperatorID),
		zap.String("business_date", closed.BusinessDate),
		zap.Stringer("total_difference", *closed.TotalDifference),
	)
	m.publish(ctx, events.SessionClosed, closed.ID, scope, closed)
	return closed, nil
}

func (m *Manager) reconcileAndClose(ctx context.Context, session domain.CashSession, counted map[domain.PaymentMethod]money.Amount, reason string) (*domain.CashSession, error) {
	closeAt := m.now()

	ops, err := m.sessions.ListOperations(ctx, session.ID)
	if err != nil {
		return nil, &domain.StoreError{Op: "list cash operations", Err: err}
	}
	sales, err := store.Collect(m.sales.ListSalesByWindow(ctx, store.SaleFilter{
		TenantID:   session.TenantID,
		OperatorID: session.OperatorID,
		Start:      session.OpenedAt,
		End:        closeAt,
		Status:     domain.SalePaid,
	}))
	if err != nil {
		return nil, &domain.StoreError{Op: "list sales", Err: err}
	}

	rec := Reconcile(session, ops, sales, counted)

	closed := session.Clone()
	closed.Status = domain.SessionClosed
	closed.ClosedAt = &closeAt
	closed.ClosingAmounts = rec.Counted
	closed.ExpectedAmounts = rec.Expected
	closed.Differences = rec.Differences
	total := rec.TotalDifference
	closed.TotalDifference = &total
	if total != 0 {
		closed.Notes = strings.TrimSpace(reason)
	}

	if err := m.sessions.PersistSession(ctx, closed); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, &domain.StateError{State: domain.StateClosed, Action: "close"}
		}
		return nil, &domain.StoreError{Op: "close session", Err: err}
	}
	return &closed, nil
}

// StaleSessions lists sessions still open from a business date before today.
func (m *Manager) StaleSessions(ctx context.Context) ([]domain.CashSession, error) {
	sessions, err := m.sessions.ListStaleOpenSessions(ctx, m.today())
	if err != nil {
		return nil, &domain.StoreError{Op: "list stale sessions", Err: err}
	}
	return sessions, nil
}

func (m *Manager) openSession(ctx context.Context, scope domain.Scope, action string) (*domain.CashSession, error) {
	state, session, err := m.Status(ctx, scope)
	if err != nil {
		return nil, err
	}
	if state == domain.StateNoSession || state == domain.StateClosed {
		return nil, &domain.StateError{State: state, Action: action}
	}
	return session, nil
}

func (m *Manager) guard(sessionID string) *sessionGuard {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.guards[sessionID]
	if !ok {
		g = &sessionGuard{}
		m.guards[sessionID] = g
	}
	return g
}

func (m *Manager) isClosing(sessionID string) bool {
	m.mu.Lock()
	g, ok := m.guards[sessionID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.closing
}

func (m *Manager) dropGuard(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.guards, sessionID)
}

func (m *Manager) publish(ctx context.Context, eventType string, key string, scope domain.Scope, payload any) {
	err := m.publisher.Publish(context.WithoutCancel(ctx), events.Event{
		Type:       eventType,
		Key:        key,
		TenantID:   scope.TenantID,
		OperatorID: scope.OperatorID,
		OccurredAt: m.now(),
		Payload:    payload,
	})
	if err != nil {
		m.logger.Warn("event publish failed", zap.String("type", eventType), zap.String("key", key), zap.Error(err))
	}
}
