package apikey

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vyrodovalexey/keygate/internal/observability"
)

// Lookup outcomes used as metric labels.
const (
	LookupFound      = "found"
	LookupNotFound   = "not_found"
	LookupStoreError = "store_error"
)

// Metrics holds Prometheus metrics for key store operations.
type Metrics struct {
	lookupTotal    *prometheus.CounterVec
	lookupDuration *prometheus.HistogramVec
	touchFailures  prometheus.Counter
	cacheHits      prometheus.Counter
	cacheMisses    prometheus.Counter
}

// NewMetrics creates key store metrics and registers them on reg (which may be nil).
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = observability.DefaultNamespace
	}

	m := &Metrics{
		lookupTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "apikey",
				Name:      "lookups_total",
				Help:      "Total number of key store lookups by outcome",
			},
			[]string{"outcome"},
		),
		lookupDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "apikey",
				Name:      "lookup_duration_seconds",
				Help:      "Key store lookup duration in seconds",
				Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"outcome"},
		),
		touchFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "apikey",
				Name:      "last_used_failures_total",
				Help:      "Total number of failed last-used updates",
			},
		),
		cacheHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "apikey",
				Name:      "cache_hits_total",
				Help:      "Total number of key cache hits",
			},
		),
		cacheMisses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "apikey",
				Name:      "cache_misses_total",
				Help:      "Total number of key cache misses",
			},
		),
	}

	m.Init()
	observability.MustRegister(reg, m.lookupTotal, m.lookupDuration, m.touchFailures, m.cacheHits, m.cacheMisses)

	return m
}

// Init pre-populates label combinations so series appear at startup.
func (m *Metrics) Init() {
	for _, outcome := range []string{LookupFound, LookupNotFound, LookupStoreError} {
		m.lookupTotal.WithLabelValues(outcome)
		m.lookupDuration.WithLabelValues(outcome)
	}
}

// RecordLookup records a lookup outcome and its duration.
func (m *Metrics) RecordLookup(outcome string, duration time.Duration) {
	m.lookupTotal.WithLabelValues(outcome).Inc()
	m.lookupDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordTouchFailure records a failed last-used update.
func (m *Metrics) RecordTouchFailure() {
	m.touchFailures.Inc()
}

// RecordCacheHit records a cache hit.
func (m *Metrics) RecordCacheHit() {
	m.cacheHits.Inc()
}

// RecordCacheMiss records a cache miss.
func (m *Metrics) RecordCacheMiss() {
	m.cacheMisses.Inc()
}

// InstrumentedStore records lookup metrics around another Store.
type InstrumentedStore struct {
	next    Store
	metrics *Metrics
}

// NewInstrumentedStore wraps next.
func NewInstrumentedStore(next Store, metrics *Metrics) *InstrumentedStore {
	return &InstrumentedStore{next: next, metrics: metrics}
}

// FindByHash implements Store.
func (s *InstrumentedStore) FindByHash(ctx context.Context, keyHash string) (*KeyRecord, error) {
	start := time.Now()
	record, err := s.next.FindByHash(ctx, keyHash)
	s.metrics.RecordLookup(LookupOutcome(err), time.Since(start))
	return record, err
}

// TouchLastUsed implements Store.
func (s *InstrumentedStore) TouchLastUsed(ctx context.Context, keyID string) error {
	err := s.next.TouchLastUsed(ctx, keyID)
	if err != nil {
		s.metrics.RecordTouchFailure()
	}
	return err
}

// LookupOutcome classifies a FindByHash error.
func LookupOutcome(err error) string {
	switch {
	case err == nil:
		return LookupFound
	case errors.Is(err, ErrKeyNotFound):
		return LookupNotFound
	default:
		return LookupStoreError
	}
}

var _ Store = (*InstrumentedStore)(nil)
