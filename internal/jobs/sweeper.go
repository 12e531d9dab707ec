// Package jobs runs the register's background maintenance on a gocron
// scheduler.
package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"

	"kasirinaja/register/internal/domain"
	"kasirinaja/register/internal/metrics"
)

type StaleSessionLister interface {
	StaleSessions(ctx context.Context) ([]domain.CashSession, error)
}

// Sweeper reports cash sessions still open from an earlier business date.
// Such sessions are not closed automatically; the operator closes them.
type Sweeper struct {
	lister  StaleSessionLister
	logger  *zap.Logger
	metrics *metrics.Metrics
	timeout time.Duration

	mu        sync.Mutex
	scheduler *gocron.Scheduler
}

func NewSweeper(lister StaleSessionLister, logger *zap.Logger, m *metrics.Metrics) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{lister: lister, logger: logger, metrics: m, timeout: 30 * time.Second}
}

// Sweep runs one pass and returns the stale sessions it found.
func (s *Sweeper) Sweep(ctx context.Context) ([]domain.CashSession, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	sessions, err := s.lister.StaleSessions(ctx)
	if err != nil {
		s.logger.Error("stale session sweep failed", zap.Error(err))
		return nil, err
	}
	s.metrics.SetStaleOpenSessions(len(sessions))
	for _, session := range sessions {
		s.logger.Warn("cash session still open from an earlier business date",
			zap.String("session_id", session.ID),
			zap.String("tenant_id", session.TenantID),
			zap.String("operator_id", session.OperatorID),
			zap.String("business_date", session.BusinessDate),
			zap.Time("opened_at", session.OpenedAt),
		)
	}
	return sessions, nil
}

// Start schedules Sweep every interval in loc. The first pass runs
// immediately. Passes never overlap.
func (s *Sweeper) Start(interval time.Duration, loc *time.Location) error {
	if interval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %s", interval)
	}
	if loc == nil {
		loc = time.UTC
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scheduler != nil {
		return fmt.Errorf("sweeper already started")
	}

	scheduler := gocron.NewScheduler(loc)
	if _, err := scheduler.Every(interval).SingletonMode().Do(func() {
		_, _ = s.Sweep(context.Background())
	}); err != nil {
		return fmt.Errorf("schedule stale session sweep failed: %w", err)
	}
	scheduler.StartAsync()
	s.scheduler = scheduler
	s.logger.Info("stale session sweeper started", zap.Duration("interval", interval))
	return nil
}

func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scheduler == nil {
		return
	}
	s.scheduler.Stop()
	s.scheduler = nil
}
