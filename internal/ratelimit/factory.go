package ratelimit

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/vyrodovalexey/keygate/internal/config"
	"github.com/vyrodovalexey/keygate/internal/observability"
	"github.com/vyrodovalexey/keygate/internal/ratelimit/store"
)

// Built is a limiter assembled from configuration together with the counter
// store it owns. Close the store on shutdown.
type Built struct {
	Limiter Limiter
	Store   store.Counter
}

// NewFromConfig builds the counter store, the counter limiter and the
// configured wrappers (circuit breaker, local fallback).
func NewFromConfig(
	cfg *config.RateLimitConfig,
	namespace string,
	logger observability.Logger,
	zapLogger *zap.Logger,
	reg prometheus.Registerer,
) (*Built, error) {
	metrics := NewMetrics(namespace, reg)

	var counter store.Counter
	switch cfg.Backend {
	case config.RateLimitBackendRedis:
		rs, err := store.NewRedisStore(&store.RedisConfig{
			Address:           cfg.Redis.Address,
			Username:          cfg.Redis.Username,
			Password:          cfg.Redis.Password,
			DB:                cfg.Redis.DB,
			Prefix:            cfg.KeyPrefix,
			PoolSize:          cfg.Redis.PoolSize,
			DialTimeout:       cfg.Redis.DialTimeout.Duration(),
			ReadTimeout:       cfg.Redis.ReadTimeout.Duration(),
			ConnectionRetries: cfg.Redis.ConnectRetries,
			InitialBackoff:    store.DefaultRedisConfig().InitialBackoff,
			MaxBackoff:        store.DefaultRedisConfig().MaxBackoff,
			Logger:            zapLogger,
			Metrics:           store.NewMetrics(namespace, reg),
		})
		if err != nil {
			return nil, err
		}
		counter = rs
	case config.RateLimitBackendMemory, "":
		counter = store.NewMemoryStore()
	default:
		return nil, fmt.Errorf("unknown rate limit backend %q", cfg.Backend)
	}

	var limiter Limiter = NewCounterLimiter(counter, WithCounterMetrics(metrics))

	if cfg.Breaker.Enabled {
		limiter = NewBreakerLimiter(limiter, BreakerConfig{
			MaxRequests:      cfg.Breaker.MaxRequests,
			Interval:         cfg.Breaker.Interval.Duration(),
			Timeout:          cfg.Breaker.Timeout.Duration(),
			FailureThreshold: cfg.Breaker.FailureThreshold,
		}, WithBreakerLogger(logger), WithBreakerMetrics(metrics))
	}

	if cfg.FailureMode == config.FailureModeLocal {
		limiter = NewFallbackLimiter(limiter, WithFallbackLogger(logger), WithFallbackMetrics(metrics))
	}

	return &Built{Limiter: limiter, Store: counter}, nil
}
