package usage

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vyrodovalexey/keygate/internal/observability"
)

// Drop reasons.
const (
	dropQueueFull = "queue_full"
	dropClosed    = "closed"
	dropSinkError = "sink_error"
)

// Metrics contains usage pipeline metrics. A nil *Metrics records nothing.
type Metrics struct {
	recorded      prometheus.Counter
	dropped       *prometheus.CounterVec
	written       prometheus.Counter
	writeErrors   prometheus.Counter
	writeDuration prometheus.Histogram
	queueDepth    prometheus.Gauge
}

// NewMetrics creates usage metrics and registers them on reg (which may be nil).
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = observability.DefaultNamespace
	}

	m := &Metrics{
		recorded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "usage",
			Name:      "events_recorded_total",
			Help:      "Total number of usage events accepted for delivery",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "usage",
			Name:      "events_dropped_total",
			Help:      "Total number of usage events dropped",
		}, []string{"reason"}),
		written: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "usage",
			Name:      "events_written_total",
			Help:      "Total number of usage events written to sinks",
		}),
		writeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "usage",
			Name:      "write_errors_total",
			Help:      "Total number of failed sink writes",
		}),
		writeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "usage",
			Name:      "write_duration_seconds",
			Help:      "Duration of sink batch writes",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "usage",
			Name:      "queue_depth",
			Help:      "Number of usage events waiting for a worker",
		}),
	}

	m.Init()
	observability.MustRegister(reg, m.recorded, m.dropped, m.written, m.writeErrors, m.writeDuration, m.queueDepth)
	return m
}

// Init pre-populates drop reasons so they are exported at zero.
func (m *Metrics) Init() {
	for _, r := range []string{dropQueueFull, dropClosed, dropSinkError} {
		m.dropped.WithLabelValues(r)
	}
}

func (m *Metrics) recordAccepted(depth int) {
	if m == nil {
		return
	}
	m.recorded.Inc()
	m.queueDepth.Set(float64(depth))
}

func (m *Metrics) recordDropped(reason string, n int) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Add(float64(n))
}

func (m *Metrics) recordWrite(n int, d time.Duration, err error, depth int) {
	if m == nil {
		return
	}
	m.writeDuration.Observe(d.Seconds())
	m.queueDepth.Set(float64(depth))
	if err != nil {
		m.writeErrors.Inc()
		m.dropped.WithLabelValues(dropSinkError).Add(float64(n))
		return
	}
	m.written.Add(float64(n))
}
