package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/vyrodovalexey/keygate/internal/ratelimit/store"
)

// CounterLimiter is a fixed-window limiter whose counting is done entirely
// by a shared store.Counter. It holds no per-key state of its own.
type CounterLimiter struct {
	store   store.Counter
	metrics *Metrics
	now     func() time.Time
}

// CounterOption configures a CounterLimiter.
type CounterOption func(*CounterLimiter)

// WithCounterMetrics records decisions.
func WithCounterMetrics(m *Metrics) CounterOption {
	return func(l *CounterLimiter) {
		l.metrics = m
	}
}

// WithClock overrides the clock, for tests.
func WithClock(now func() time.Time) CounterOption {
	return func(l *CounterLimiter) {
		l.now = now
	}
}

// NewCounterLimiter creates a limiter over s.
func NewCounterLimiter(s store.Counter, opts ...CounterOption) *CounterLimiter {
	l := &CounterLimiter{
		store: s,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Consume implements Limiter. A limit of zero or less admits without
// touching the store.
func (l *CounterLimiter) Consume(
	ctx context.Context,
	partitionKey string,
	limit int,
	interval time.Duration,
) (*Decision, error) {
	if limit <= 0 {
		return unlimited(), nil
	}
	if interval <= 0 {
		return nil, fmt.Errorf("invalid rate interval %s for %s", interval, partitionKey)
	}

	count, err := l.store.IncrementWithExpiry(ctx, windowKey(partitionKey, limit, interval), 1, interval)
	if err != nil {
		l.metrics.recordError()
		return nil, fmt.Errorf("consume %s: %w", partitionKey, err)
	}

	ttl := count.TTL
	if ttl <= 0 || ttl > interval {
		ttl = interval
	}

	remaining := limit - int(count.Value)
	if remaining < 0 {
		remaining = 0
	}

	d := &Decision{
		Admitted:  count.Value <= int64(limit),
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   l.now().Add(ttl),
		Interval:  interval,
	}
	l.metrics.recordDecision(d)
	return d, nil
}

// windowKey namespaces the counter by policy so that a changed limit or
// interval starts a fresh window instead of inheriting the old count.
func windowKey(partitionKey string, limit int, interval time.Duration) string {
	return partitionKey + ":" + strconv.Itoa(limit) + ":" + strconv.FormatInt(interval.Milliseconds(), 10)
}

var _ Limiter = (*CounterLimiter)(nil)
