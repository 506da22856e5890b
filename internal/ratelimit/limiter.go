// Package ratelimit enforces per-key request budgets over fixed windows.
package ratelimit

import (
	"context"
	"errors"
	"time"
)

// ErrLimiterUnavailable is returned when the limiter cannot reach a decision.
// Callers treat it as an internal error and reject the request.
var ErrLimiterUnavailable = errors.New("rate limiter unavailable")

// Decision is the outcome of consuming one unit of a key's budget.
type Decision struct {
	Admitted  bool
	Limit     int
	Remaining int
	ResetAt   time.Time
	// Interval is the window length the decision was made for.
	Interval time.Duration
}

// Unlimited reports whether the decision was made without a budget.
func (d *Decision) Unlimited() bool {
	return d.Limit <= 0
}

// RetryAfter returns how long a rejected caller should wait, rounded up to
// whole seconds. It is at least one second and never longer than the
// window, rounded up.
func (d *Decision) RetryAfter(now time.Time) time.Duration {
	wait := d.ResetAt.Sub(now)
	if d.Interval > 0 && wait > d.Interval {
		wait = d.Interval
	}
	secs := (wait + time.Second - 1) / time.Second
	if secs < 1 {
		secs = 1
	}
	return secs * time.Second
}

// Limiter consumes budget for a partition (the key ID) under a limit per
// interval. Implementations must be safe for concurrent use; admission for a
// partition must hold across every gateway instance sharing the backend.
type Limiter interface {
	Consume(ctx context.Context, partitionKey string, limit int, interval time.Duration) (*Decision, error)
}

// LimiterFunc adapts a function to Limiter.
type LimiterFunc func(ctx context.Context, partitionKey string, limit int, interval time.Duration) (*Decision, error)

// Consume implements Limiter.
func (f LimiterFunc) Consume(ctx context.Context, partitionKey string, limit int, interval time.Duration) (*Decision, error) {
	return f(ctx, partitionKey, limit, interval)
}

func unlimited() *Decision {
	return &Decision{Admitted: true}
}
