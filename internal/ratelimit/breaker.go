package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"github.com/vyrodovalexey/keygate/internal/observability"
)

// BreakerConfig configures BreakerLimiter.
type BreakerConfig struct {
	Name             string
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
}

// BreakerLimiter stops calling an unhealthy counter store after repeated
// failures. While open it fails immediately with ErrLimiterUnavailable, so
// requests are still rejected rather than admitted.
type BreakerLimiter struct {
	next    Limiter
	cb      *gobreaker.CircuitBreaker
	logger  observability.Logger
	metrics *Metrics
}

// BreakerOption configures a BreakerLimiter.
type BreakerOption func(*BreakerLimiter)

// WithBreakerLogger sets the logger.
func WithBreakerLogger(logger observability.Logger) BreakerOption {
	return func(b *BreakerLimiter) {
		b.logger = logger
	}
}

// WithBreakerMetrics records breaker state.
func WithBreakerMetrics(m *Metrics) BreakerOption {
	return func(b *BreakerLimiter) {
		b.metrics = m
	}
}

// NewBreakerLimiter wraps next with a circuit breaker.
func NewBreakerLimiter(next Limiter, cfg BreakerConfig, opts ...BreakerOption) *BreakerLimiter {
	b := &BreakerLimiter{
		next:   next,
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(b)
	}

	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	name := cfg.Name
	if name == "" {
		name = "ratelimit-store"
	}

	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// A caller giving up is not a store failure.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Warn("rate limit store circuit breaker state change",
				observability.String("name", name),
				observability.String("from", from.String()),
				observability.String("to", to.String()),
			)
			b.metrics.setBreakerState(name, to)
		},
	})
	b.metrics.setBreakerState(name, gobreaker.StateClosed)

	return b
}

// Consume implements Limiter.
func (b *BreakerLimiter) Consume(
	ctx context.Context,
	partitionKey string,
	limit int,
	interval time.Duration,
) (*Decision, error) {
	if limit <= 0 {
		return unlimited(), nil
	}

	result, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Consume(ctx, partitionKey, limit, interval)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %w", ErrLimiterUnavailable, err)
		}
		return nil, err
	}
	return result.(*Decision), nil
}

// State returns the breaker state.
func (b *BreakerLimiter) State() gobreaker.State {
	return b.cb.State()
}

var _ Limiter = (*BreakerLimiter)(nil)
