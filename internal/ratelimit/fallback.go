package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/vyrodovalexey/keygate/internal/observability"
)

const maxLocalLimiters = 10000

// FallbackLimiter degrades to per-instance token buckets when the primary
// limiter fails. Each gateway instance then admits up to the full budget on
// its own, so the effective limit across N instances is N times the
// configured one until the primary recovers. It is opt-in.
type FallbackLimiter struct {
	primary Limiter
	logger  observability.Logger
	metrics *Metrics
	now     func() time.Time

	mu    sync.Mutex
	local map[string]*rate.Limiter
}

// FallbackOption configures a FallbackLimiter.
type FallbackOption func(*FallbackLimiter)

// WithFallbackLogger sets the logger.
func WithFallbackLogger(logger observability.Logger) FallbackOption {
	return func(f *FallbackLimiter) {
		f.logger = logger
	}
}

// WithFallbackMetrics records fallbacks.
func WithFallbackMetrics(m *Metrics) FallbackOption {
	return func(f *FallbackLimiter) {
		f.metrics = m
	}
}

// NewFallbackLimiter wraps primary.
func NewFallbackLimiter(primary Limiter, opts ...FallbackOption) *FallbackLimiter {
	f := &FallbackLimiter{
		primary: primary,
		logger:  observability.NopLogger(),
		now:     time.Now,
		local:   make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Consume implements Limiter.
func (f *FallbackLimiter) Consume(
	ctx context.Context,
	partitionKey string,
	limit int,
	interval time.Duration,
) (*Decision, error) {
	d, err := f.primary.Consume(ctx, partitionKey, limit, interval)
	if err == nil {
		return d, nil
	}
	if ctx.Err() != nil {
		return nil, err
	}

	f.logger.Warn("rate limit store unavailable, using local limiter",
		observability.String("partition", partitionKey),
		observability.Error(err),
	)
	f.metrics.recordFallback()

	return f.consumeLocal(partitionKey, limit, interval), nil
}

func (f *FallbackLimiter) consumeLocal(partitionKey string, limit int, interval time.Duration) *Decision {
	now := f.now()
	perSecond := float64(limit) / interval.Seconds()
	l := f.limiterFor(windowKey(partitionKey, limit, interval), perSecond, limit)

	admitted := l.AllowN(now, 1)
	tokens := l.TokensAt(now)

	remaining := int(math.Floor(tokens))
	if remaining < 0 {
		remaining = 0
	}

	// Time until one token is available when rejected, or until the bucket
	// refills when admitted.
	deficit := float64(limit) - tokens
	if !admitted {
		deficit = 1 - tokens
	}
	wait := time.Duration(deficit / perSecond * float64(time.Second))
	if wait < 0 {
		wait = 0
	}

	d := &Decision{
		Admitted:  admitted,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   now.Add(wait),
		Interval:  interval,
	}
	f.metrics.recordDecision(d)
	return d
}

func (f *FallbackLimiter) limiterFor(key string, perSecond float64, burst int) *rate.Limiter {
	f.mu.Lock()
	defer f.mu.Unlock()

	if l, ok := f.local[key]; ok {
		return l
	}
	if len(f.local) >= maxLocalLimiters {
		f.local = make(map[string]*rate.Limiter)
	}
	l := rate.NewLimiter(rate.Limit(perSecond), burst)
	f.local[key] = l
	return l
}

var _ Limiter = (*FallbackLimiter)(nil)
