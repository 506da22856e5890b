package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"

	"github.com/vyrodovalexey/keygate/internal/observability"
)

// Metrics holds Prometheus metrics for the limiter. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	decisions    *prometheus.CounterVec
	errors       prometheus.Counter
	fallbacks    prometheus.Counter
	breakerState *prometheus.GaugeVec
}

// NewMetrics creates limiter metrics and registers them on reg (which may be nil).
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = observability.DefaultNamespace
	}

	m := &Metrics{
		decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ratelimit",
				Name:      "decisions_total",
				Help:      "Total number of rate limit decisions",
			},
			[]string{"result"},
		),
		errors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ratelimit",
				Name:      "store_errors_total",
				Help:      "Total number of counter store failures",
			},
		),
		fallbacks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ratelimit",
				Name:      "local_fallbacks_total",
				Help:      "Total number of decisions made by the local fallback limiter",
			},
		),
		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "ratelimit",
				Name:      "circuit_breaker_state",
				Help:      "Counter store circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
			[]string{"name"},
		),
	}

	m.decisions.WithLabelValues("admitted")
	m.decisions.WithLabelValues("rejected")

	observability.MustRegister(reg, m.decisions, m.errors, m.fallbacks, m.breakerState)
	return m
}

func (m *Metrics) recordDecision(d *Decision) {
	if m == nil {
		return
	}
	if d.Admitted {
		m.decisions.WithLabelValues("admitted").Inc()
	} else {
		m.decisions.WithLabelValues("rejected").Inc()
	}
}

func (m *Metrics) recordError() {
	if m == nil {
		return
	}
	m.errors.Inc()
}

func (m *Metrics) recordFallback() {
	if m == nil {
		return
	}
	m.fallbacks.Inc()
}

func (m *Metrics) setBreakerState(name string, state gobreaker.State) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(name).Set(float64(state))
}
