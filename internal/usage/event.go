package usage

import (
	"time"

	"github.com/google/uuid"
)

// Event is a single usage record.
type Event struct {
	// ID is a unique identifier for the event.
	ID string `json:"id"`

	// APIKeyID is the key that made the request.
	APIKeyID string `json:"api_key_id"`

	// OwnerID is the key's owner.
	OwnerID string `json:"owner_id"`

	// Endpoint is the request path.
	Endpoint string `json:"endpoint"`

	// Method is the HTTP method.
	Method string `json:"method"`

	// StatusCode is the status the caller received.
	StatusCode int `json:"status_code"`

	// ResponseTimeMs is the elapsed time in milliseconds.
	ResponseTimeMs int64 `json:"response_time_ms"`

	ClientIP  string `json:"client_ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`

	// ErrorKind is the gateway rejection kind, empty when admitted.
	ErrorKind string `json:"error_kind,omitempty"`

	RequestID string `json:"request_id,omitempty"`

	// OccurredAt is when the request was received.
	OccurredAt time.Time `json:"occurred_at"`
}

// normalize fills in the ID and timestamp when the caller left them empty.
func (e *Event) normalize(now time.Time) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = now
	}
}

// Recorder accepts usage events. Record must not block and must not fail the
// caller; implementations drop events they cannot accept.
type Recorder interface {
	Record(event Event)
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(event Event)

// Record implements Recorder.
func (f RecorderFunc) Record(event Event) {
	f(event)
}

type nopRecorder struct{}

// NopRecorder returns a Recorder that discards every event.
func NopRecorder() Recorder {
	return nopRecorder{}
}

func (nopRecorder) Record(Event) {}
