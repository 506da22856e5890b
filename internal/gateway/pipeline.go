package gateway

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/keygate/internal/auth/apikey"
	"github.com/vyrodovalexey/keygate/internal/authz"
	"github.com/vyrodovalexey/keygate/internal/observability"
	"github.com/vyrodovalexey/keygate/internal/ratelimit"
)

// TracerName is the instrumentation name of pipeline spans.
const TracerName = "keygate/gateway"

// Defaults for the rate policy of keys without their own limit.
const (
	DefaultLimit        = 60
	DefaultInterval     = time.Minute
	DefaultTouchTimeout = 2 * time.Second
)

// ScopeResolver returns the scopes a request requires.
type ScopeResolver interface {
	RequiredFor(r *http.Request) []string
}

// Admission is the result of a request that passed every stage.
type Admission struct {
	Key  *apikey.KeyRecord
	Rate *ratelimit.Decision
}

// Pipeline evaluates requests against the key store, the route scope table
// and the rate limiter. It holds no per-request state and is safe for
// concurrent use.
type Pipeline struct {
	extractor apikey.Extractor
	hasher    apikey.Hasher
	store     apikey.Store
	routes    ScopeResolver
	limiter   ratelimit.Limiter

	defaultLimit    int
	defaultInterval time.Duration
	touchTimeout    time.Duration

	logger  observability.Logger
	metrics *Metrics
	tracer  trace.Tracer
	now     func() time.Time

	touches sync.WaitGroup
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithExtractor sets how the key is read from the request.
func WithExtractor(e apikey.Extractor) PipelineOption {
	return func(p *Pipeline) {
		p.extractor = e
	}
}

// WithHasher sets the key hasher. It must match the one used at issuance.
func WithHasher(h apikey.Hasher) PipelineOption {
	return func(p *Pipeline) {
		p.hasher = h
	}
}

// WithDefaultRate sets the policy for keys that carry no limit of their own.
// A limit of zero or less makes such keys unlimited.
func WithDefaultRate(limit int, interval time.Duration) PipelineOption {
	return func(p *Pipeline) {
		p.defaultLimit = limit
		p.defaultInterval = interval
	}
}

// WithTouchTimeout bounds the background last-used update.
func WithTouchTimeout(d time.Duration) PipelineOption {
	return func(p *Pipeline) {
		p.touchTimeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) PipelineOption {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// WithMetrics sets the metrics.
func WithMetrics(m *Metrics) PipelineOption {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// WithTracer sets the tracer.
func WithTracer(t trace.Tracer) PipelineOption {
	return func(p *Pipeline) {
		p.tracer = t
	}
}

// WithClock overrides the clock used for expiry checks.
func WithClock(now func() time.Time) PipelineOption {
	return func(p *Pipeline) {
		p.now = now
	}
}

// NewPipeline creates a pipeline over its three dependencies.
func NewPipeline(
	store apikey.Store,
	routes ScopeResolver,
	limiter ratelimit.Limiter,
	opts ...PipelineOption,
) *Pipeline {
	p := &Pipeline{
		extractor:       apikey.NewHeaderExtractor(apikey.DefaultHeader, ""),
		hasher:          apikey.SHA256Hasher(),
		store:           store,
		routes:          routes,
		limiter:         limiter,
		defaultLimit:    DefaultLimit,
		defaultInterval: DefaultInterval,
		touchTimeout:    DefaultTouchTimeout,
		logger:          observability.NopLogger(),
		tracer:          otel.Tracer(TracerName),
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Evaluate runs the stages in order and stops at the first rejection.
func (p *Pipeline) Evaluate(ctx context.Context, r *http.Request) (*Admission, *Error) {
	ctx, span := p.tracer.Start(ctx, "gateway.evaluate",
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.Path),
		),
	)
	defer span.End()

	adm, gerr := p.evaluate(ctx, r, span)
	p.metrics.recordDecision(gerr)

	if gerr != nil {
		span.SetAttributes(
			attribute.String("gateway.outcome", string(gerr.Kind)),
			attribute.String("gateway.reason", gerr.Reason),
		)
		if gerr.Kind == KindInternalError || gerr.Reason == ReasonStoreError {
			span.RecordError(gerr)
			span.SetStatus(codes.Error, string(gerr.Kind))
		}
		p.logRejection(ctx, r, gerr)
		return nil, gerr
	}

	span.SetAttributes(
		attribute.String("gateway.outcome", outcomeAdmitted),
		attribute.String("apikey.id", adm.Key.ID),
	)
	return adm, nil
}

func (p *Pipeline) evaluate(ctx context.Context, r *http.Request, span trace.Span) (*Admission, *Error) {
	// ExtractKey
	raw, err := p.extractor.Extract(r)
	if err != nil {
		return nil, newError(KindMissingKey, ReasonMissing, nil)
	}
	span.AddEvent(stageExtract)

	// Authenticate
	start := time.Now()
	key, err := p.store.FindByHash(ctx, p.hasher.Hash(raw))
	p.metrics.observeStage(stageAuthenticate, time.Since(start))
	if err != nil {
		if errors.Is(err, apikey.ErrKeyNotFound) {
			return nil, newError(KindInvalidKey, ReasonNotFound, nil)
		}
		return nil, newError(KindInvalidKey, ReasonStoreError, err)
	}
	span.AddEvent(stageAuthenticate, trace.WithAttributes(attribute.String("apikey.id", key.ID)))

	// CheckExpiry
	if key.IsExpired(p.now()) {
		gerr := newError(KindExpiredKey, ReasonExpired, nil)
		gerr.Key = key
		return nil, gerr
	}
	span.AddEvent(stageExpiry)

	// Authorize
	required := p.routes.RequiredFor(r)
	if !authz.Authorize(key.Scopes, required) {
		gerr := newError(KindInsufficientScope, ReasonInsufficientScope, nil)
		gerr.Required = authz.Normalize(required)
		gerr.Granted = authz.Normalize(key.Scopes)
		gerr.Key = key
		return nil, gerr
	}
	span.AddEvent(stageAuthorize)

	// RateLimit
	limit, interval := p.policyFor(key)
	start = time.Now()
	decision, err := p.limiter.Consume(ctx, key.ID, limit, interval)
	p.metrics.observeStage(stageRateLimit, time.Since(start))
	if err != nil {
		reason := ReasonLimiterError
		if errors.Is(err, ratelimit.ErrLimiterUnavailable) {
			reason = ReasonLimiterUnavailable
		}
		gerr := newError(KindInternalError, reason, err)
		gerr.Key = key
		return nil, gerr
	}
	if !decision.Admitted {
		gerr := newError(KindRateLimited, ReasonRateLimited, nil)
		gerr.Decision = decision
		gerr.Key = key
		return nil, gerr
	}
	span.AddEvent(stageRateLimit, trace.WithAttributes(attribute.Int("ratelimit.remaining", decision.Remaining)))

	// Admit
	p.touch(key.ID)
	span.AddEvent(stageAdmit)

	return &Admission{Key: key, Rate: decision}, nil
}

// policyFor returns the limit and interval for key. A negative key limit is
// unlimited; zero falls back to the default policy.
func (p *Pipeline) policyFor(key *apikey.KeyRecord) (int, time.Duration) {
	limit, interval := key.RateLimit, key.RateInterval
	switch {
	case limit < 0:
		return 0, 0
	case limit == 0:
		limit, interval = p.defaultLimit, p.defaultInterval
	}
	if interval <= 0 {
		interval = p.defaultInterval
	}
	return limit, interval
}

// touch updates the key's last-used time in the background. The update has
// its own deadline and never affects the request.
func (p *Pipeline) touch(keyID string) {
	p.touches.Add(1)
	go func() {
		defer p.touches.Done()

		ctx, cancel := context.WithTimeout(context.Background(), p.touchTimeout)
		defer cancel()

		if err := p.store.TouchLastUsed(ctx, keyID); err != nil {
			p.metrics.recordTouchFailure()
			p.logger.Debug("failed to update api key last used time",
				observability.String("key_id", keyID),
				observability.Error(err),
			)
		}
	}()
}

// Wait blocks until background last-used updates have finished.
func (p *Pipeline) Wait() {
	p.touches.Wait()
}

func (p *Pipeline) logRejection(ctx context.Context, r *http.Request, gerr *Error) {
	fields := []observability.Field{
		observability.String("kind", string(gerr.Kind)),
		observability.String("reason", gerr.Reason),
		observability.String("method", r.Method),
		observability.String("path", r.URL.Path),
	}
	if gerr.Key != nil {
		fields = append(fields, observability.String("key_id", gerr.Key.ID))
	}
	if gerr.Kind == KindInsufficientScope {
		fields = append(fields, observability.Strings("missing_scopes", authz.Missing(gerr.Granted, gerr.Required)))
	}
	if gerr.Cause != nil {
		fields = append(fields, observability.Error(gerr.Cause))
	}

	logger := p.logger.WithContext(ctx)
	switch {
	case gerr.Kind == KindInternalError || gerr.Reason == ReasonStoreError:
		logger.Error("request rejected", fields...)
	default:
		logger.Info("request rejected", fields...)
	}
}

// Ensure the route table satisfies ScopeResolver.
var _ ScopeResolver = (*authz.RouteScopes)(nil)
