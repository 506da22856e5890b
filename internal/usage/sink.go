package usage

import (
	"context"
	"errors"
	"sync"

	"github.com/vyrodovalexey/keygate/internal/observability"
)

// Sink persists batches of usage events.
type Sink interface {
	Write(ctx context.Context, events []Event) error
}

// LogSink writes each event as a structured log line.
type LogSink struct {
	logger observability.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger observability.Logger) *LogSink {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &LogSink{logger: logger}
}

// Write implements Sink.
func (s *LogSink) Write(_ context.Context, events []Event) error {
	for i := range events {
		e := &events[i]
		fields := []observability.Field{
			observability.String("event_id", e.ID),
			observability.String("api_key_id", e.APIKeyID),
			observability.String("owner_id", e.OwnerID),
			observability.String("method", e.Method),
			observability.String("endpoint", e.Endpoint),
			observability.Int("status", e.StatusCode),
			observability.Int64("response_time_ms", e.ResponseTimeMs),
			observability.String("client_ip", e.ClientIP),
			observability.String("user_agent", e.UserAgent),
			observability.Time("occurred_at", e.OccurredAt),
		}
		if e.ErrorKind != "" {
			fields = append(fields, observability.String("error_kind", e.ErrorKind))
		}
		if e.RequestID != "" {
			fields = append(fields, observability.String("request_id", e.RequestID))
		}
		s.logger.Info("api key usage", fields...)
	}
	return nil
}

// MultiSink fans a batch out to every sink. All sinks are attempted; the
// returned error joins the individual failures.
type MultiSink []Sink

// Write implements Sink.
func (m MultiSink) Write(ctx context.Context, events []Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, events); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MemorySink keeps events in memory.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

// NewMemorySink creates an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Write implements Sink.
func (s *MemorySink) Write(_ context.Context, events []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, events...)
	return nil
}

// FailWith makes subsequent writes return err. Pass nil to recover.
func (s *MemorySink) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Events returns a copy of the stored events.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// Len returns the number of stored events.
func (s *MemorySink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

var (
	_ Sink = (*LogSink)(nil)
	_ Sink = MultiSink(nil)
	_ Sink = (*MemorySink)(nil)
)
