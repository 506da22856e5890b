package proxy

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vyrodovalexey/keygate/internal/observability"
)

// Metrics contains Prometheus metrics for upstream requests. A nil
// *Metrics records nothing.
type Metrics struct {
	errorsTotal      *prometheus.CounterVec
	upstreamDuration *prometheus.HistogramVec
}

// NewMetrics creates proxy metrics and registers them on reg.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = observability.DefaultNamespace
	}

	m := &Metrics{
		errorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "proxy",
				Name:      "errors_total",
				Help:      "Total number of upstream proxy errors",
			},
			[]string{"error_type"},
		),
		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "proxy",
				Name:      "upstream_duration_seconds",
				Help:      "Duration of upstream requests",
				Buckets: []float64{
					.001, .005, .01, .025,
					.05, .1, .25, .5,
					1, 2.5, 5, 10,
				},
			},
			[]string{"method"},
		),
	}

	m.Init()
	observability.MustRegister(reg, m.errorsTotal, m.upstreamDuration)
	return m
}

// Init pre-populates error types with zero values.
func (m *Metrics) Init() {
	for _, et := range []string{
		errorTypeTimeout,
		errorTypeConnectionRefused,
		errorTypeCanceled,
		errorTypeBadGateway,
	} {
		m.errorsTotal.WithLabelValues(et)
	}
}

func (m *Metrics) recordError(errorType string) {
	if m == nil {
		return
	}
	m.errorsTotal.WithLabelValues(errorType).Inc()
}

func (m *Metrics) observe(method string, d time.Duration) {
	if m == nil {
		return
	}
	m.upstreamDuration.WithLabelValues(method).Observe(d.Seconds())
}
