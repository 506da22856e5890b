package gateway

import (
	"net/http"

	"github.com/vyrodovalexey/keygate/internal/auth/apikey"
	"github.com/vyrodovalexey/keygate/internal/ratelimit"
)

// Kind is the caller-facing class of a rejection.
type Kind string

// Rejection kinds.
const (
	KindMissingKey        Kind = "MissingKey"
	KindInvalidKey        Kind = "InvalidKey"
	KindExpiredKey        Kind = "ExpiredKey"
	KindInsufficientScope Kind = "InsufficientScope"
	KindRateLimited       Kind = "RateLimited"
	KindInternalError     Kind = "InternalError"
)

// Internal reasons. They label logs and metrics and never reach the caller.
const (
	ReasonMissing            = "missing"
	ReasonNotFound           = "not_found"
	ReasonStoreError         = "store_error"
	ReasonExpired            = "expired"
	ReasonInsufficientScope  = "insufficient_scope"
	ReasonRateLimited        = "rate_limited"
	ReasonLimiterError       = "limiter_error"
	ReasonLimiterUnavailable = "limiter_unavailable"
)

// Status returns the HTTP status code for the kind.
func (k Kind) Status() int {
	switch k {
	case KindMissingKey, KindInvalidKey, KindExpiredKey:
		return http.StatusUnauthorized
	case KindInsufficientScope:
		return http.StatusForbidden
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func (k Kind) message() string {
	switch k {
	case KindMissingKey:
		return "API key required"
	case KindInvalidKey:
		return "invalid API key"
	case KindExpiredKey:
		return "API key expired"
	case KindInsufficientScope:
		return "API key lacks required scopes"
	case KindRateLimited:
		return "rate limit exceeded"
	default:
		return "internal error"
	}
}

// Error is a terminal pipeline rejection.
type Error struct {
	Kind    Kind
	Message string
	Reason  string
	Cause   error

	// Required and Granted are set for KindInsufficientScope.
	Required []string
	Granted  []string

	// Decision is set for KindRateLimited.
	Decision *ratelimit.Decision

	// Key is the resolved key when the rejection happened after
	// authentication, nil otherwise.
	Key *apikey.KeyRecord
}

func newError(kind Kind, reason string, cause error) *Error {
	return &Error{
		Kind:    kind,
		Message: kind.message(),
		Reason:  reason,
		Cause:   cause,
	}
}

// Error implements error.
func (e *Error) Error() string {
	if e.Cause != nil {
		return string(e.Kind) + ": " + e.Message + ": " + e.Cause.Error()
	}
	return string(e.Kind) + ": " + e.Message
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Status returns the HTTP status code for the rejection.
func (e *Error) Status() int {
	return e.Kind.Status()
}

// Sentinels for errors.Is.
var (
	ErrMissingKey        = &Error{Kind: KindMissingKey}
	ErrInvalidKey        = &Error{Kind: KindInvalidKey}
	ErrExpiredKey        = &Error{Kind: KindExpiredKey}
	ErrInsufficientScope = &Error{Kind: KindInsufficientScope}
	ErrRateLimited       = &Error{Kind: KindRateLimited}
	ErrInternal          = &Error{Kind: KindInternalError}
)
