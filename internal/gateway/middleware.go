package gateway

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/keygate/internal/auth/apikey"
	"github.com/vyrodovalexey/keygate/internal/authz"
	"github.com/vyrodovalexey/keygate/internal/observability"
	"github.com/vyrodovalexey/keygate/internal/ratelimit"
	"github.com/vyrodovalexey/keygate/internal/usage"
)

// Headers set by the gateway.
const (
	HeaderUserID             = "X-User-ID"
	HeaderAPIKeyID           = "X-API-Key-ID"
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
	HeaderRetryAfter         = "Retry-After"
)

// AdmissionKey is the gin context key holding the *Admission of an admitted request.
const AdmissionKey = "keygate.admission"

// MiddlewareConfig holds configuration for the gateway middleware.
type MiddlewareConfig struct {
	Pipeline *Pipeline
	Recorder usage.Recorder

	// KeyHeader is removed from the forwarded request so the raw key never
	// reaches the upstream. Empty keeps it.
	KeyHeader string

	Clock func() time.Time
}

// Middleware returns the admission middleware.
func Middleware(pipeline *Pipeline, recorder usage.Recorder) gin.HandlerFunc {
	return MiddlewareWithConfig(MiddlewareConfig{
		Pipeline:  pipeline,
		Recorder:  recorder,
		KeyHeader: apikey.DefaultHeader,
	})
}

// MiddlewareWithConfig returns the admission middleware with custom configuration.
func MiddlewareWithConfig(config MiddlewareConfig) gin.HandlerFunc {
	if config.Recorder == nil {
		config.Recorder = usage.NopRecorder()
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}

	return func(c *gin.Context) {
		start := config.Clock()
		canonicalizePath(c.Request)
		method := c.Request.Method
		path := c.Request.URL.Path

		// Identity headers are only ever set by the gateway.
		c.Request.Header.Del(HeaderUserID)
		c.Request.Header.Del(HeaderAPIKeyID)

		adm, gerr := config.Pipeline.Evaluate(c.Request.Context(), c.Request)

		var key *apikey.KeyRecord
		if gerr != nil {
			key = gerr.Key
		} else {
			key = adm.Key
		}

		if key != nil {
			// A panicking downstream handler still gets its event; the
			// panic is re-raised for Recovery.
			defer func() {
				rec := recover()

				event := usage.Event{
					APIKeyID:       key.ID,
					OwnerID:        key.OwnerID,
					Endpoint:       path,
					Method:         method,
					StatusCode:     c.Writer.Status(),
					ResponseTimeMs: config.Clock().Sub(start).Milliseconds(),
					ClientIP:       c.ClientIP(),
					UserAgent:      c.Request.UserAgent(),
					RequestID:      observability.RequestIDFromContext(c.Request.Context()),
					OccurredAt:     start,
				}
				if gerr != nil {
					event.ErrorKind = string(gerr.Kind)
				}
				if rec != nil {
					if !c.Writer.Written() {
						event.StatusCode = http.StatusInternalServerError
					}
					event.ErrorKind = string(KindInternalError)
				}
				config.Recorder.Record(event)

				if rec != nil {
					panic(rec)
				}
			}()
		}

		if gerr != nil {
			writeRejection(c, gerr, start)
			return
		}
		admit(c, adm, config.KeyHeader)
		c.Next()
	}
}

// canonicalizePath replaces the request path with its cleaned form so the
// path scopes are resolved for is the path forwarded upstream.
func canonicalizePath(r *http.Request) {
	cleaned := authz.CleanPath(r.URL.Path)
	if cleaned != r.URL.Path {
		r.URL.Path = cleaned
		r.URL.RawPath = ""
	}
}

func admit(c *gin.Context, adm *Admission, keyHeader string) {
	if keyHeader != "" {
		c.Request.Header.Del(keyHeader)
	}
	c.Request.Header.Set(HeaderUserID, adm.Key.OwnerID)
	c.Request.Header.Set(HeaderAPIKeyID, adm.Key.ID)

	setRateHeaders(c.Request.Header, adm.Rate)
	setRateHeaders(c.Writer.Header(), adm.Rate)

	c.Set(AdmissionKey, adm)
}

func setRateHeaders(h http.Header, d *ratelimit.Decision) {
	if d == nil || d.Unlimited() {
		return
	}
	h.Set(HeaderRateLimitLimit, strconv.Itoa(d.Limit))
	h.Set(HeaderRateLimitRemaining, strconv.Itoa(d.Remaining))
	h.Set(HeaderRateLimitReset, strconv.FormatInt(d.ResetAt.Unix(), 10))
}

func writeRejection(c *gin.Context, gerr *Error, now time.Time) {
	body := gin.H{
		"error":   string(gerr.Kind),
		"message": gerr.Message,
	}

	switch gerr.Kind {
	case KindInsufficientScope:
		body["required"] = gerr.Required
		body["granted"] = gerr.Granted
	case KindRateLimited:
		if d := gerr.Decision; d != nil {
			retryAfter := int(d.RetryAfter(now) / time.Second)
			setRateHeaders(c.Writer.Header(), d)
			c.Header(HeaderRetryAfter, strconv.Itoa(retryAfter))
			body["retryAfter"] = retryAfter
		}
	}

	c.AbortWithStatusJSON(gerr.Status(), body)
}

// AdmissionFromContext returns the admission stored by the middleware.
func AdmissionFromContext(c *gin.Context) (*Admission, bool) {
	v, ok := c.Get(AdmissionKey)
	if !ok {
		return nil, false
	}
	adm, ok := v.(*Admission)
	return adm, ok
}
