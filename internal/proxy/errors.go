package proxy

import (
	"context"
	"errors"
	"net"
	"net/http"
)

// Sentinel errors for proxy operations.
var (
	// ErrInvalidTargetURL indicates that the upstream URL is invalid.
	ErrInvalidTargetURL = errors.New("invalid target URL")

	// ErrUpstreamTimeout indicates that the upstream request timed out.
	ErrUpstreamTimeout = errors.New("upstream request timed out")

	// ErrUpstreamUnavailable indicates that the upstream could not be reached.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)

// Error type labels used in metrics.
const (
	errorTypeTimeout           = "timeout"
	errorTypeConnectionRefused = "connection_refused"
	errorTypeCanceled          = "canceled"
	errorTypeBadGateway        = "bad_gateway"
)

// classify maps a transport error to the status returned to the caller and
// a metric label.
func classify(err error) (int, string) {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, errorTypeTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		return http.StatusGatewayTimeout, errorTypeTimeout
	case errors.Is(err, context.Canceled):
		// 499 is the de facto status for a client that went away.
		return 499, errorTypeCanceled
	case isConnectionRefused(err):
		return http.StatusBadGateway, errorTypeConnectionRefused
	default:
		return http.StatusBadGateway, errorTypeBadGateway
	}
}

func isConnectionRefused(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}
