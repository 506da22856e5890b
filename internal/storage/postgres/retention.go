package postgres

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/vyrodovalexey/keygate/internal/observability"
)

const pruneUsageSQL = `DELETE FROM api_key_usage WHERE occurred_at < $1`

// Pruner deletes usage rows older than the retention period.
type Pruner struct {
	pool      Pool
	retention time.Duration
	now       func() time.Time
}

// NewPruner creates a Pruner. A retention of zero or less disables pruning.
func NewPruner(pool Pool, retention time.Duration) *Pruner {
	return &Pruner{
		pool:      pool,
		retention: retention,
		now:       time.Now,
	}
}

// Prune deletes expired rows and returns how many were removed.
func (p *Pruner) Prune(ctx context.Context) (int64, error) {
	if p.retention <= 0 {
		return 0, nil
	}
	cutoff := p.now().Add(-p.retention)
	tag, err := p.pool.Exec(ctx, pruneUsageSQL, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune usage before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	return tag.RowsAffected(), nil
}

// RetentionScheduler runs a Pruner on a cron schedule.
type RetentionScheduler struct {
	pruner   *Pruner
	schedule string
	logger   observability.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// NewRetentionScheduler creates a scheduler. An empty schedule disables it.
func NewRetentionScheduler(pruner *Pruner, schedule string, logger observability.Logger) *RetentionScheduler {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &RetentionScheduler{
		pruner:   pruner,
		schedule: schedule,
		logger:   logger.With(observability.String("component", "usage.retention")),
		cron:     cron.New(),
	}
}

// Start schedules pruning. It stops when ctx is cancelled or Stop is called.
func (s *RetentionScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.schedule == "" {
		s.logger.Info("prune schedule not configured, skipping scheduler")
		return nil
	}
	if s.running {
		return nil
	}

	if _, err := cron.ParseStandard(s.schedule); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", s.schedule, err)
	}
	if _, err := s.cron.AddFunc(s.schedule, func() { s.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule pruning: %w", err)
	}

	s.cron.Start()
	s.running = true

	s.logger.Info("retention scheduler started",
		observability.String("schedule", s.schedule),
		observability.Duration("retention", s.pruner.retention),
	)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	return nil
}

// RunOnce executes one pruning cycle.
func (s *RetentionScheduler) RunOnce(ctx context.Context) {
	deleted, err := s.pruner.Prune(ctx)
	if err != nil {
		s.logger.Error("scheduled usage pruning failed", observability.Error(err))
		return
	}
	if deleted > 0 {
		s.logger.Info("scheduled usage pruning completed", observability.Int64("deleted", deleted))
	} else {
		s.logger.Debug("scheduled usage pruning completed, no rows deleted")
	}
}

// Stop stops the scheduler and waits for a running prune to finish.
func (s *RetentionScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
	s.logger.Info("retention scheduler stopped")
}

// IsRunning reports whether the scheduler is running.
func (s *RetentionScheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NextRun returns the next scheduled pruning time, or nil when not scheduled.
func (s *RetentionScheduler) NextRun() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.cron.Entries()
	if len(entries) == 0 {
		return nil
	}
	next := entries[0].Next
	return &next
}
