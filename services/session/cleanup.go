package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/upb/oauth-issuer/internal/observability"
	"github.com/upb/oauth-issuer/repositories"
	"go.uber.org/zap"
)

// DefaultCleanupSchedule runs the sweeper every fifteen minutes
const DefaultCleanupSchedule = "@every 15m"

// Sweeper periodically deletes browser sessions past their idle window or lifetime.
// Reads never depend on it; expired sessions are already ignored by Resolve.
type Sweeper struct {
	repo    repositories.SessionRepository
	cfg     Config
	logger  *zap.Logger
	metrics *observability.Metrics
	now     func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

// NewSweeper creates a sweeper. logger and metrics may be nil.
func NewSweeper(repo repositories.SessionRepository, cfg Config, logger *zap.Logger, metrics *observability.Metrics) *Sweeper {
	return &Sweeper{
		repo:    repo,
		cfg:     cfg,
		logger:  observability.OrNop(logger),
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source
func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// RunOnce deletes every expired session and returns how many were removed
func (s *Sweeper) RunOnce(ctx context.Context) (int64, error) {
	now := s.now()
	idleCutoff := now.Add(-s.cfg.SlidingWindow)
	lifetimeCutoff := now.Add(-s.cfg.Lifetime)

	n, err := s.repo.DeleteExpiredBrowserSessions(ctx, idleCutoff, lifetimeCutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	s.metrics.RecordSessionsSwept(n)
	if n > 0 {
		s.logger.Info("expired browser sessions swept", zap.Int64("deleted", n))
	}
	return n, nil
}

// Start schedules RunOnce on a cron schedule. Calling Start twice is a no-op.
func (s *Sweeper) Start(ctx context.Context, schedule string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return nil
	}
	if schedule == "" {
		schedule = DefaultCleanupSchedule
	}

	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		if _, err := s.RunOnce(ctx); err != nil {
			s.logger.Error("session sweep failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("invalid cleanup schedule %q: %w", schedule, err)
	}

	c.Start()
	s.cron = c
	s.logger.Info("session sweeper started", zap.String("schedule", schedule))
	return nil
}

// Stop halts scheduling and waits for a running sweep to finish
func (s *Sweeper) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
}
