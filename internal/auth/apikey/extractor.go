package apikey

import (
	"errors"
	"net/http"
	"strings"
)

// DefaultHeader is the header API keys are read from unless configured otherwise.
const DefaultHeader = "X-API-Key"

// ErrMissingAPIKey is returned when a request carries no usable key.
var ErrMissingAPIKey = errors.New("missing API key")

// Extractor defines the interface for extracting API keys from HTTP requests.
type Extractor interface {
	Extract(r *http.Request) (string, error)
}

// HeaderExtractor extracts API keys from a single header. With a prefix set
// (for example "ApiKey " on Authorization) the prefix must be present and is
// matched case-insensitively.
type HeaderExtractor struct {
	header string
	prefix string
}

// NewHeaderExtractor creates a new header extractor.
// If header is empty, it defaults to "X-API-Key".
func NewHeaderExtractor(header, prefix string) *HeaderExtractor {
	if header == "" {
		header = DefaultHeader
	}
	return &HeaderExtractor{
		header: header,
		prefix: prefix,
	}
}

// Header returns the header name read by the extractor.
func (e *HeaderExtractor) Header() string {
	return e.header
}

// Extract implements Extractor.
func (e *HeaderExtractor) Extract(r *http.Request) (string, error) {
	value := r.Header.Get(e.header)
	if value == "" {
		return "", ErrMissingAPIKey
	}

	if e.prefix != "" {
		if len(value) < len(e.prefix) || !strings.EqualFold(value[:len(e.prefix)], e.prefix) {
			return "", ErrMissingAPIKey
		}
		value = value[len(e.prefix):]
	}

	value = strings.TrimSpace(value)
	if value == "" {
		return "", ErrMissingAPIKey
	}
	return value, nil
}

// ExtractorFunc is a function type that implements Extractor.
type ExtractorFunc func(r *http.Request) (string, error)

// Extract implements Extractor.
func (f ExtractorFunc) Extract(r *http.Request) (string, error) {
	return f(r)
}
