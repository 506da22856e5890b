package store

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/vyrodovalexey/keygate/internal/observability"
)

// incrementWithExpiryScript increments a counter and sets its expiry when the
// key is new or carries no TTL, returning the value and the remaining TTL in
// milliseconds in one round trip.
// KEYS[1] = key
// ARGV[1] = delta
// ARGV[2] = expiration in milliseconds
var incrementWithExpiryScript = redis.NewScript(`
	local current = redis.call('INCRBY', KEYS[1], ARGV[1])
	local ttl = redis.call('PTTL', KEYS[1])
	if ttl < 0 then
		redis.call('PEXPIRE', KEYS[1], ARGV[2])
		ttl = tonumber(ARGV[2])
	end
	return {current, ttl}
`)

// Metrics holds Prometheus metrics for Redis counter operations.
type Metrics struct {
	operations      *prometheus.CounterVec
	duration        *prometheus.HistogramVec
	connectRetries  prometheus.Counter
	connectFailures prometheus.Counter
}

// NewMetrics creates Redis store metrics and registers them on reg (which may be nil).
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = observability.DefaultNamespace
	}

	m := &Metrics{
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "redis_store",
				Name:      "operations_total",
				Help:      "Total number of Redis counter operations",
			},
			[]string{"operation", "status"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "redis_store",
				Name:      "operation_duration_seconds",
				Help:      "Duration of Redis counter operations in seconds",
				Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"operation"},
		),
		connectRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "redis_store",
				Name:      "connection_retries_total",
				Help:      "Total number of Redis connection retry attempts",
			},
		),
		connectFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "redis_store",
				Name:      "connection_errors_total",
				Help:      "Total number of Redis connection errors",
			},
		),
	}

	for _, status := range []string{"success", "error"} {
		m.operations.WithLabelValues("increment_with_expiry", status)
	}

	observability.MustRegister(reg, m.operations, m.duration, m.connectRetries, m.connectFailures)
	return m
}

// RedisConfig holds configuration for the Redis store.
type RedisConfig struct {
	Address  string
	Username string
	Password string
	DB       int
	Prefix   string

	PoolSize    int
	DialTimeout time.Duration
	ReadTimeout time.Duration

	// ConnectionRetries is the number of extra ping attempts at startup.
	ConnectionRetries int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration

	Logger  *zap.Logger
	Metrics *Metrics
}

// DefaultRedisConfig returns a RedisConfig with default values.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Address:           "localhost:6379",
		Prefix:            "keygate:rl:",
		PoolSize:          10,
		DialTimeout:       5 * time.Second,
		ReadTimeout:       time.Second,
		ConnectionRetries: 3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
	}
}

// RedisStore implements Counter on Redis. The Lua script makes each increment
// atomic across all gateway instances sharing the Redis server.
type RedisStore struct {
	client  redis.UniversalClient
	prefix  string
	logger  *zap.Logger
	metrics *Metrics
	mu      sync.Mutex
	closed  bool
}

// NewRedisStore connects to Redis, retrying with decorrelated jitter backoff
// until the server answers a ping or the retries are exhausted.
func NewRedisStore(cfg *RedisConfig) (*RedisStore, error) {
	if cfg == nil {
		cfg = DefaultRedisConfig()
	}

	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Address,
		Username:    cfg.Username,
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		DialTimeout: cfg.DialTimeout,
		ReadTimeout: cfg.ReadTimeout,
	})

	s := NewRedisStoreWithClient(client, cfg.Prefix, cfg.Logger, cfg.Metrics)
	if err := s.connectWithRetry(cfg); err != nil {
		_ = client.Close()
		return nil, err
	}
	return s, nil
}

// NewRedisStoreWithClient wraps an existing client without checking connectivity.
func NewRedisStoreWithClient(
	client redis.UniversalClient,
	prefix string,
	logger *zap.Logger,
	metrics *Metrics,
) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewMetrics("", nil)
	}
	return &RedisStore{
		client:  client,
		prefix:  prefix,
		logger:  logger,
		metrics: metrics,
	}
}

func (s *RedisStore) connectWithRetry(cfg *RedisConfig) error {
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	backoff := newDecorrelatedJitterBackoff(cfg.InitialBackoff, cfg.MaxBackoff)

	var lastErr error
	for attempt := 0; attempt <= cfg.ConnectionRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
		lastErr = s.client.Ping(ctx).Err()
		cancel()

		if lastErr == nil {
			if attempt > 0 {
				s.logger.Info("redis connection established after retry",
					zap.String("address", cfg.Address),
					zap.Int("attempt", attempt+1),
				)
			}
			return nil
		}

		s.metrics.connectFailures.Inc()
		if attempt == cfg.ConnectionRetries {
			break
		}

		wait := backoff.next(attempt)
		s.logger.Warn("redis connection failed, retrying",
			zap.String("address", cfg.Address),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", wait),
			zap.Error(lastErr),
		)
		s.metrics.connectRetries.Inc()
		time.Sleep(wait)
	}

	return fmt.Errorf("failed to connect to redis at %s after %d attempts: %w",
		cfg.Address, cfg.ConnectionRetries+1, lastErr)
}

// IncrementWithExpiry implements Counter.
func (s *RedisStore) IncrementWithExpiry(
	ctx context.Context,
	key string,
	delta int64,
	expiration time.Duration,
) (Count, error) {
	if err := ctx.Err(); err != nil {
		return Count{}, fmt.Errorf("context error before redis increment: %w", err)
	}

	expirationMs := expiration.Milliseconds()
	if expirationMs < 1 {
		expirationMs = 1
	}

	start := time.Now()
	result, err := incrementWithExpiryScript.Run(ctx, s.client, []string{s.prefix + key}, delta, expirationMs).Result()
	s.metrics.duration.WithLabelValues("increment_with_expiry").Observe(time.Since(start).Seconds())

	if err != nil {
		s.metrics.operations.WithLabelValues("increment_with_expiry", "error").Inc()
		return Count{}, fmt.Errorf("redis script error: %w", err)
	}

	count, err := parseCount(result)
	if err != nil {
		s.metrics.operations.WithLabelValues("increment_with_expiry", "error").Inc()
		return Count{}, err
	}

	s.metrics.operations.WithLabelValues("increment_with_expiry", "success").Inc()
	return count, nil
}

func parseCount(result interface{}) (Count, error) {
	values, ok := result.([]interface{})
	if !ok || len(values) != 2 {
		return Count{}, fmt.Errorf("redis script returned unexpected result: %v", result)
	}
	value, ok := values[0].(int64)
	if !ok {
		return Count{}, fmt.Errorf("redis script returned unexpected count type: %T", values[0])
	}
	ttl, ok := values[1].(int64)
	if !ok {
		return Count{}, fmt.Errorf("redis script returned unexpected ttl type: %T", values[1])
	}
	return Count{Value: value, TTL: time.Duration(ttl) * time.Millisecond}, nil
}

// Ping implements Pinger.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the client. It is idempotent.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}

// decorrelatedJitterBackoff implements sleep = min(cap, rand(base, prev*3)).
type decorrelatedJitterBackoff struct {
	initial time.Duration
	max     time.Duration
	current time.Duration
}

func newDecorrelatedJitterBackoff(initial, maxDuration time.Duration) *decorrelatedJitterBackoff {
	if initial <= 0 {
		initial = 100 * time.Millisecond
	}
	if maxDuration < initial {
		maxDuration = initial
	}
	return &decorrelatedJitterBackoff{
		initial: initial,
		max:     maxDuration,
		current: initial,
	}
}

func (b *decorrelatedJitterBackoff) next(attempt int) time.Duration {
	if attempt == 0 {
		b.current = b.initial
		return b.current
	}

	lo := float64(b.initial)
	hi := float64(b.current) * 3
	//nolint:gosec // jitter does not need a secure source
	backoff := lo + rand.Float64()*(hi-lo)
	if backoff > float64(b.max) {
		backoff = float64(b.max)
	}

	b.current = time.Duration(backoff)
	return b.current
}

var (
	_ Counter = (*RedisStore)(nil)
	_ Pinger  = (*RedisStore)(nil)
)
