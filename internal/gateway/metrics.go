package gateway

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vyrodovalexey/keygate/internal/observability"
)

const outcomeAdmitted = "admitted"

// Pipeline stages as reported in metrics and span events.
const (
	stageExtract      = "extract"
	stageAuthenticate = "authenticate"
	stageExpiry       = "expiry"
	stageAuthorize    = "authorize"
	stageRateLimit    = "ratelimit"
	stageAdmit        = "admit"
)

// Metrics contains pipeline metrics. A nil *Metrics records nothing.
type Metrics struct {
	decisions     *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	touchFailures prometheus.Counter
}

// NewMetrics creates pipeline metrics and registers them on reg (which may be nil).
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = observability.DefaultNamespace
	}

	m := &Metrics{
		decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "gateway",
				Name:      "decisions_total",
				Help:      "Total number of admission decisions by outcome and internal reason",
			},
			[]string{"outcome", "reason"},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "gateway",
				Name:      "stage_duration_seconds",
				Help:      "Duration of pipeline stages that call a dependency",
				Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"stage"},
		),
		touchFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "gateway",
				Name:      "last_used_update_failures_total",
				Help:      "Total number of failed best-effort last-used updates",
			},
		),
	}

	m.Init()
	observability.MustRegister(reg, m.decisions, m.stageDuration, m.touchFailures)
	return m
}

// Init pre-populates the known outcome and reason pairs.
func (m *Metrics) Init() {
	m.decisions.WithLabelValues(outcomeAdmitted, "")
	pairs := []struct {
		kind   Kind
		reason string
	}{
		{KindMissingKey, ReasonMissing},
		{KindInvalidKey, ReasonNotFound},
		{KindInvalidKey, ReasonStoreError},
		{KindExpiredKey, ReasonExpired},
		{KindInsufficientScope, ReasonInsufficientScope},
		{KindRateLimited, ReasonRateLimited},
		{KindInternalError, ReasonLimiterError},
		{KindInternalError, ReasonLimiterUnavailable},
	}
	for _, p := range pairs {
		m.decisions.WithLabelValues(string(p.kind), p.reason)
	}
}

func (m *Metrics) recordDecision(gerr *Error) {
	if m == nil {
		return
	}
	if gerr == nil {
		m.decisions.WithLabelValues(outcomeAdmitted, "").Inc()
		return
	}
	m.decisions.WithLabelValues(string(gerr.Kind), gerr.Reason).Inc()
}

func (m *Metrics) observeStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *Metrics) recordTouchFailure() {
	if m == nil {
		return
	}
	m.touchFailures.Inc()
}
