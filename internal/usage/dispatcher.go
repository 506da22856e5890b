package usage

import (
	"context"
	"sync"
	"time"

	"github.com/vyrodovalexey/keygate/internal/config"
	"github.com/vyrodovalexey/keygate/internal/observability"
)

// DispatcherConfig configures a Dispatcher. Zero values take defaults.
type DispatcherConfig struct {
	QueueSize     int
	Workers       int
	BatchSize     int
	FlushInterval time.Duration
	WriteTimeout  time.Duration
}

// DefaultDispatcherConfig returns the default dispatcher settings.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		QueueSize:     4096,
		Workers:       2,
		BatchSize:     100,
		FlushInterval: time.Second,
		WriteTimeout:  5 * time.Second,
	}
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	def := DefaultDispatcherConfig()
	if c.QueueSize <= 0 {
		c.QueueSize = def.QueueSize
	}
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = def.FlushInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	return c
}

// Dispatcher is an asynchronous Recorder. Record hands the event to a bounded
// queue and returns immediately; when the queue is full the event is dropped.
// Background workers batch events and write them to the sink, each write with
// its own timeout independent of any request.
type Dispatcher struct {
	cfg     DispatcherConfig
	sink    Sink
	logger  observability.Logger
	metrics *Metrics
	now     func() time.Time

	mu     sync.RWMutex
	closed bool
	queue  chan Event
	wg     sync.WaitGroup
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the logger.
func WithDispatcherLogger(logger observability.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithDispatcherMetrics sets the metrics.
func WithDispatcherMetrics(m *Metrics) DispatcherOption {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// WithDispatcherClock overrides the clock used to stamp events.
func WithDispatcherClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) {
		d.now = now
	}
}

// NewDispatcher creates a Dispatcher and starts its workers.
func NewDispatcher(sink Sink, cfg DispatcherConfig, opts ...DispatcherOption) *Dispatcher {
	cfg = cfg.withDefaults()

	d := &Dispatcher{
		cfg:    cfg,
		sink:   sink,
		logger: observability.NopLogger(),
		now:    time.Now,
		queue:  make(chan Event, cfg.QueueSize),
	}
	for _, opt := range opts {
		opt(d)
	}

	for i := 0; i < cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}

	return d
}

// Record implements Recorder.
func (d *Dispatcher) Record(event Event) {
	event.normalize(d.now())

	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.metrics.recordDropped(dropClosed, 1)
		return
	}

	select {
	case d.queue <- event:
		d.metrics.recordAccepted(len(d.queue))
	default:
		d.metrics.recordDropped(dropQueueFull, 1)
		d.logger.Warn("usage queue full, dropping event",
			observability.String("api_key_id", event.APIKeyID),
			observability.String("endpoint", event.Endpoint),
			observability.Int("queue_size", d.cfg.QueueSize),
		)
	}
}

// Close stops accepting events and waits for queued events to be written or
// for ctx to expire.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		d.logger.Warn("usage dispatcher shutdown timed out",
			observability.Int("pending", len(d.queue)),
		)
		return ctx.Err()
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, d.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		d.write(batch)
		batch = make([]Event, 0, d.cfg.BatchSize)
	}

	for {
		select {
		case event, ok := <-d.queue:
			if !ok {
				flush()
				return
			}
			batch = append(batch, event)
			if len(batch) >= d.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (d *Dispatcher) write(batch []Event) {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.WriteTimeout)
	defer cancel()

	start := time.Now()
	err := d.sink.Write(ctx, batch)
	d.metrics.recordWrite(len(batch), time.Since(start), err, len(d.queue))

	if err != nil {
		d.logger.Error("failed to write usage events",
			observability.Int("events", len(batch)),
			observability.Error(err),
		)
	}
}

var _ Recorder = (*Dispatcher)(nil)

// DispatcherConfigFrom maps the usage section of the gateway configuration.
func DispatcherConfigFrom(cfg *config.UsageConfig) DispatcherConfig {
	return DispatcherConfig{
		QueueSize:     cfg.QueueSize,
		Workers:       cfg.Workers,
		BatchSize:     cfg.BatchSize,
		FlushInterval: cfg.FlushInterval.Duration(),
		WriteTimeout:  cfg.WriteTimeout.Duration(),
	}
}
