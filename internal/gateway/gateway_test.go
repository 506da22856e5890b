package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/vyrodovalexey/keygate/internal/auth/apikey"
	"github.com/vyrodovalexey/keygate/internal/authz"
	"github.com/vyrodovalexey/keygate/internal/observability"
	"github.com/vyrodovalexey/keygate/internal/ratelimit"
	"github.com/vyrodovalexey/keygate/internal/ratelimit/store"
	"github.com/vyrodovalexey/keygate/internal/usage"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// countingStore counts calls and can fail lookups.
type countingStore struct {
	apikey.Store
	finds   atomic.Int32
	touches atomic.Int32
	findErr error
}

func (s *countingStore) FindByHash(ctx context.Context, keyHash string) (*apikey.KeyRecord, error) {
	s.finds.Add(1)
	if s.findErr != nil {
		return nil, s.findErr
	}
	return s.Store.FindByHash(ctx, keyHash)
}

func (s *countingStore) TouchLastUsed(ctx context.Context, keyID string) error {
	s.touches.Add(1)
	return s.Store.TouchLastUsed(ctx, keyID)
}

// captureRecorder keeps events synchronously.
type captureRecorder struct {
	mu     sync.Mutex
	events []usage.Event
}

func (r *captureRecorder) Record(e usage.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *captureRecorder) all() []usage.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]usage.Event(nil), r.events...)
}

// countingLimiter counts Consume calls.
type countingLimiter struct {
	next  ratelimit.Limiter
	calls atomic.Int32
}

func (l *countingLimiter) Consume(ctx context.Context, key string, limit int, interval time.Duration) (*ratelimit.Decision, error) {
	l.calls.Add(1)
	return l.next.Consume(ctx, key, limit, interval)
}

type fixture struct {
	store    *countingStore
	memory   *apikey.MemoryStore
	limiter  *countingLimiter
	recorder *captureRecorder
	pipeline *Pipeline
	engine   *gin.Engine
	metrics  *Metrics
	logs     *observer.ObservedLogs
}

var (
	now    = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	hasher = apikey.SHA256Hasher()
)

func addKey(t *testing.T, s *apikey.MemoryStore, raw string, rec apikey.KeyRecord) {
	t.Helper()
	rec.KeyHash = hasher.Hash(raw)
	require.NoError(t, s.Add(&rec))
}

func newFixture(t *testing.T, limiter ratelimit.Limiter, opts ...PipelineOption) *fixture {
	t.Helper()

	memory := apikey.NewMemoryStore()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)
	addKey(t, memory, "raw-k1", apikey.KeyRecord{ID: "k1", OwnerID: "u1", Scopes: []string{"read"}})
	addKey(t, memory, "raw-k2", apikey.KeyRecord{ID: "k2", OwnerID: "u2", Scopes: []string{"read", "write"}, RateLimit: 2, RateInterval: time.Minute})
	addKey(t, memory, "raw-expired", apikey.KeyRecord{ID: "k3", OwnerID: "u3", Scopes: []string{"read"}, ExpiresAt: &past})
	addKey(t, memory, "raw-valid-until", apikey.KeyRecord{ID: "k4", OwnerID: "u4", Scopes: []string{"read"}, ExpiresAt: &future})
	addKey(t, memory, "raw-noscopes", apikey.KeyRecord{ID: "k5", OwnerID: "u5", Scopes: []string{}})
	addKey(t, memory, "raw-unlimited", apikey.KeyRecord{ID: "k6", OwnerID: "u6", Scopes: []string{"read", "write"}, RateLimit: -1})

	if limiter == nil {
		limiter = ratelimit.NewCounterLimiter(store.NewMemoryStore())
	}

	core, logs := observer.New(zapcore.DebugLevel)
	f := &fixture{
		store:    &countingStore{Store: memory},
		memory:   memory,
		limiter:  &countingLimiter{next: limiter},
		recorder: &captureRecorder{},
		metrics:  NewMetrics("test", prometheus.NewRegistry()),
		logs:     logs,
	}

	routes := authz.NewRouteScopes([]authz.Rule{
		{Name: "orders", Method: "*", PathPrefix: "/orders", Scopes: []string{"read", "write"}},
		{Name: "open", PathPrefix: "/open", Scopes: nil},
	}, []string{"read"})

	base := []PipelineOption{
		WithClock(func() time.Time { return now }),
		WithLogger(observability.NewLoggerFromZap(zap.New(core))),
		WithMetrics(f.metrics),
	}
	f.pipeline = NewPipeline(f.store, routes, f.limiter, append(base, opts...)...)

	f.engine = gin.New()
	f.engine.Any("/*path", Middleware(f.pipeline, f.recorder), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"user":      c.GetHeader(HeaderUserID),
			"keyId":     c.GetHeader(HeaderAPIKeyID),
			"rawKey":    c.GetHeader(apikey.DefaultHeader),
			"remaining": c.GetHeader(HeaderRateLimitRemaining),
			"path":      c.Request.URL.Path,
		})
	})
	t.Cleanup(f.pipeline.Wait)

	return f
}

func (f *fixture) do(t *testing.T, method, path, key string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if key != "" {
		req.Header.Set(apikey.DefaultHeader, key)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

// ============================================================
// Admission
// ============================================================

func TestMiddleware_Admits(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	w := f.do(t, http.MethodGet, "/items/1", "raw-k1", HeaderUserID, "spoofed", "User-Agent", "test-agent")
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	assert.Equal(t, "u1", body["user"], "inbound X-User-ID is replaced by the owner")
	assert.Equal(t, "k1", body["keyId"])
	assert.Empty(t, body["rawKey"], "raw key is not forwarded")
	assert.Equal(t, "59", body["remaining"])

	assert.Equal(t, strconv.Itoa(DefaultLimit), w.Header().Get(HeaderRateLimitLimit))
	assert.Equal(t, "59", w.Header().Get(HeaderRateLimitRemaining))
	assert.NotEmpty(t, w.Header().Get(HeaderRateLimitReset))

	events := f.recorder.all()
	require.Len(t, events, 1)
	assert.Equal(t, "k1", events[0].APIKeyID)
	assert.Equal(t, "u1", events[0].OwnerID)
	assert.Equal(t, "/items/1", events[0].Endpoint)
	assert.Equal(t, http.MethodGet, events[0].Method)
	assert.Equal(t, http.StatusOK, events[0].StatusCode)
	assert.Equal(t, "test-agent", events[0].UserAgent)
	assert.Empty(t, events[0].ErrorKind)

	f.pipeline.Wait()
	rec, err := f.memory.FindByHash(context.Background(), hasher.Hash("raw-k1"))
	require.NoError(t, err)
	assert.NotNil(t, rec.LastUsedAt)
}

func TestMiddleware_RecordsDownstreamStatus(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	engine := gin.New()
	engine.Any("/*path", Middleware(f.pipeline, f.recorder), func(c *gin.Context) {
		c.Status(http.StatusTeapot)
	})

	req := httptest.NewRequest(http.MethodPost, "/items", nil)
	req.Header.Set(apikey.DefaultHeader, "raw-k1")
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	assert.Equal(t, http.StatusTeapot, w.Code)
	events := f.recorder.all()
	require.Len(t, events, 1)
	assert.Equal(t, http.StatusTeapot, events[0].StatusCode)
}

func TestMiddleware_UnexpiredKeyAdmitted(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	w := f.do(t, http.MethodGet, "/items", "raw-valid-until")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMiddleware_UnlimitedKeyOmitsRateHeaders(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	for i := 0; i < 5; i++ {
		w := f.do(t, http.MethodGet, "/orders", "raw-unlimited")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, w.Header().Get(HeaderRateLimitLimit))
		assert.Empty(t, w.Header().Get(HeaderRateLimitRemaining))
	}
}

// ============================================================
// Rejections
// ============================================================

func TestMiddleware_MissingKey(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	w := f.do(t, http.MethodGet, "/items", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, string(KindMissingKey), decode(t, w)["error"])

	assert.Zero(t, f.store.finds.Load(), "no key store call without a key")
	assert.Zero(t, f.limiter.calls.Load(), "no limiter call without a key")
	assert.Empty(t, f.recorder.all())
}

func TestMiddleware_InvalidKey(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	w := f.do(t, http.MethodGet, "/items", "not-a-key")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, string(KindInvalidKey), decode(t, w)["error"])
	assert.Zero(t, f.limiter.calls.Load())
	assert.Empty(t, f.recorder.all())
}

func TestMiddleware_StoreOutageIsInvalidKey(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.store.findErr = errors.New("connection refused")

	w := f.do(t, http.MethodGet, "/items", "raw-k1")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	body := decode(t, w)
	assert.Equal(t, string(KindInvalidKey), body["error"])
	assert.NotContains(t, w.Body.String(), "connection refused")

	entries := f.logs.FilterMessage("request rejected").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)
	assert.Equal(t, ReasonStoreError, entries[0].ContextMap()["reason"])
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.decisions.WithLabelValues(string(KindInvalidKey), ReasonStoreError)))
}

func TestMiddleware_ExpiredKey(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	w := f.do(t, http.MethodGet, "/items", "raw-expired")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, string(KindExpiredKey), decode(t, w)["error"])

	events := f.recorder.all()
	require.Len(t, events, 1)
	assert.Equal(t, "k3", events[0].APIKeyID)
	assert.Equal(t, http.StatusUnauthorized, events[0].StatusCode)
	assert.Equal(t, string(KindExpiredKey), events[0].ErrorKind)
	assert.Zero(t, f.limiter.calls.Load())
}

func TestMiddleware_InsufficientScope(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	w := f.do(t, http.MethodPost, "/orders/42", "raw-k1")
	require.Equal(t, http.StatusForbidden, w.Code)

	body := decode(t, w)
	assert.Equal(t, string(KindInsufficientScope), body["error"])
	assert.Equal(t, []any{"read", "write"}, body["required"])
	assert.Equal(t, []any{"read"}, body["granted"])

	events := f.recorder.all()
	require.Len(t, events, 1)
	assert.Equal(t, http.StatusForbidden, events[0].StatusCode)
	assert.Zero(t, f.limiter.calls.Load(), "authorization completes before budget is consumed")
}

func TestMiddleware_EmptyScopesNeverAuthorized(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	w := f.do(t, http.MethodGet, "/open", "raw-noscopes")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = f.do(t, http.MethodGet, "/open", "raw-k1")
	assert.Equal(t, http.StatusOK, w.Code, "a route requiring nothing admits any scoped key")
}

func TestMiddleware_RateLimitSequence(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	wantStatus := []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}
	wantRemaining := []string{"1", "0", "0"}

	for i := range wantStatus {
		w := f.do(t, http.MethodGet, "/orders", "raw-k2")
		assert.Equal(t, wantStatus[i], w.Code, "request %d", i+1)
		assert.Equal(t, "2", w.Header().Get(HeaderRateLimitLimit), "request %d", i+1)
		assert.Equal(t, wantRemaining[i], w.Header().Get(HeaderRateLimitRemaining), "request %d", i+1)

		if w.Code == http.StatusTooManyRequests {
			body := decode(t, w)
			assert.Equal(t, string(KindRateLimited), body["error"])

			retryAfter, err := strconv.Atoi(w.Header().Get(HeaderRetryAfter))
			require.NoError(t, err)
			assert.GreaterOrEqual(t, retryAfter, 1)
			assert.LessOrEqual(t, retryAfter, 60)
		}
	}

	events := f.recorder.all()
	require.Len(t, events, 3)
	assert.Equal(t, http.StatusTooManyRequests, events[2].StatusCode)
	assert.Equal(t, string(KindRateLimited), events[2].ErrorKind)
}

func TestMiddleware_UnauthenticatedTrafficDoesNotConsumeBudget(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	for i := 0; i < 5; i++ {
		f.do(t, http.MethodGet, "/orders", "wrong-key")
		f.do(t, http.MethodGet, "/orders", "")
	}

	w := f.do(t, http.MethodGet, "/orders", "raw-k2")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1", w.Header().Get(HeaderRateLimitRemaining))
}

func TestMiddleware_LimiterErrorFailsClosed(t *testing.T) {
	t.Parallel()
	f := newFixture(t, ratelimit.LimiterFunc(func(context.Context, string, int, time.Duration) (*ratelimit.Decision, error) {
		return nil, errors.New("redis: connection refused")
	}))

	w := f.do(t, http.MethodGet, "/items", "raw-k1")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, string(KindInternalError), decode(t, w)["error"])

	events := f.recorder.all()
	require.Len(t, events, 1)
	assert.Equal(t, http.StatusInternalServerError, events[0].StatusCode)
	assert.Equal(t, string(KindInternalError), events[0].ErrorKind)
	assert.Zero(t, f.store.touches.Load(), "rejected requests do not touch last used")
}

// ============================================================
// Pipeline
// ============================================================

func TestPipeline_LimiterUnavailableReason(t *testing.T) {
	t.Parallel()
	f := newFixture(t, ratelimit.LimiterFunc(func(context.Context, string, int, time.Duration) (*ratelimit.Decision, error) {
		return nil, ratelimit.ErrLimiterUnavailable
	}))

	req := httptest.NewRequest(http.MethodGet, "/items", nil)
	req.Header.Set(apikey.DefaultHeader, "raw-k1")

	adm, gerr := f.pipeline.Evaluate(context.Background(), req)
	assert.Nil(t, adm)
	require.NotNil(t, gerr)
	assert.Equal(t, ReasonLimiterUnavailable, gerr.Reason)
	assert.ErrorIs(t, gerr, ErrInternal)
	assert.ErrorIs(t, gerr, ratelimit.ErrLimiterUnavailable)
	assert.Equal(t, "k1", gerr.Key.ID)
}

func TestPipeline_PartitionsByKeyID(t *testing.T) {
	t.Parallel()

	var gotKey string
	var gotLimit int
	var gotInterval time.Duration
	f := newFixture(t, ratelimit.LimiterFunc(func(_ context.Context, key string, limit int, interval time.Duration) (*ratelimit.Decision, error) {
		gotKey, gotLimit, gotInterval = key, limit, interval
		return &ratelimit.Decision{Admitted: true, Limit: limit, Remaining: limit - 1, ResetAt: now.Add(interval), Interval: interval}, nil
	}), WithDefaultRate(10, 30*time.Second))

	req := httptest.NewRequest(http.MethodGet, "/items", nil)
	req.Header.Set(apikey.DefaultHeader, "raw-k1")

	adm, gerr := f.pipeline.Evaluate(context.Background(), req)
	require.Nil(t, gerr)
	assert.Equal(t, "k1", adm.Key.ID)
	assert.Equal(t, "k1", gotKey)
	assert.Equal(t, 10, gotLimit)
	assert.Equal(t, 30*time.Second, gotInterval)
}

func TestPipeline_PolicyFor(t *testing.T) {
	t.Parallel()

	p := NewPipeline(nil, nil, nil, WithDefaultRate(100, time.Hour))

	tests := []struct {
		name         string
		key          apikey.KeyRecord
		wantLimit    int
		wantInterval time.Duration
	}{
		{name: "own policy", key: apikey.KeyRecord{RateLimit: 5, RateInterval: time.Second}, wantLimit: 5, wantInterval: time.Second},
		{name: "own limit default interval", key: apikey.KeyRecord{RateLimit: 5}, wantLimit: 5, wantInterval: time.Hour},
		{name: "default policy", key: apikey.KeyRecord{}, wantLimit: 100, wantInterval: time.Hour},
		{name: "unlimited", key: apikey.KeyRecord{RateLimit: -1, RateInterval: time.Second}, wantLimit: 0, wantInterval: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			limit, interval := p.policyFor(&tt.key)
			assert.Equal(t, tt.wantLimit, limit)
			assert.Equal(t, tt.wantInterval, interval)
		})
	}
}

func TestPipeline_TouchFailureDoesNotAffectResponse(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	// Revoking after lookup leaves the touch with no key to update.
	store := &revokingStore{MemoryStore: f.memory}
	p := NewPipeline(store, authz.NewRouteScopes(nil, []string{"read"}), f.limiter,
		WithMetrics(f.metrics),
	)

	req := httptest.NewRequest(http.MethodGet, "/items", nil)
	req.Header.Set(apikey.DefaultHeader, "raw-k1")

	adm, gerr := p.Evaluate(context.Background(), req)
	require.Nil(t, gerr)
	assert.Equal(t, "k1", adm.Key.ID)

	p.Wait()
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.touchFailures))
}

// revokingStore revokes a key right after it is found.
type revokingStore struct {
	*apikey.MemoryStore
}

func (s *revokingStore) FindByHash(ctx context.Context, keyHash string) (*apikey.KeyRecord, error) {
	rec, err := s.MemoryStore.FindByHash(ctx, keyHash)
	if err == nil {
		s.Revoke(rec.ID)
	}
	return rec, err
}

func TestPipeline_Tracing(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	f := newFixture(t, nil, WithTracer(provider.Tracer(TracerName)))

	f.do(t, http.MethodGet, "/items", "raw-k1")
	f.do(t, http.MethodPost, "/orders", "raw-k1")

	spans := recorder.Ended()
	require.Len(t, spans, 2)

	outcome := func(s sdktrace.ReadOnlySpan) string {
		for _, kv := range s.Attributes() {
			if kv.Key == attribute.Key("gateway.outcome") {
				return kv.Value.AsString()
			}
		}
		return ""
	}
	assert.Equal(t, "gateway.evaluate", spans[0].Name())
	assert.Equal(t, outcomeAdmitted, outcome(spans[0]))
	assert.Len(t, spans[0].Events(), 6)
	assert.Equal(t, string(KindInsufficientScope), outcome(spans[1]))
}

func TestPipeline_Metrics(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	f.do(t, http.MethodGet, "/items", "raw-k1")
	f.do(t, http.MethodGet, "/items", "")
	f.do(t, http.MethodGet, "/items", "nope")

	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.decisions.WithLabelValues(outcomeAdmitted, "")))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.decisions.WithLabelValues(string(KindMissingKey), ReasonMissing)))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.decisions.WithLabelValues(string(KindInvalidKey), ReasonNotFound)))
}

func TestPipeline_NeverLogsRawKey(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	f.do(t, http.MethodGet, "/items", "secret-raw-value")
	f.do(t, http.MethodPost, "/orders", "raw-k1")

	for _, entry := range f.logs.All() {
		for _, v := range entry.ContextMap() {
			s, ok := v.(string)
			if ok {
				assert.NotContains(t, s, "secret-raw-value")
				assert.NotContains(t, s, "raw-k1")
			}
		}
	}
}

// ============================================================
// Errors
// ============================================================

func TestKind_Status(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind Kind
		want int
	}{
		{KindMissingKey, http.StatusUnauthorized},
		{KindInvalidKey, http.StatusUnauthorized},
		{KindExpiredKey, http.StatusUnauthorized},
		{KindInsufficientScope, http.StatusForbidden},
		{KindRateLimited, http.StatusTooManyRequests},
		{KindInternalError, http.StatusInternalServerError},
		{Kind("Unknown"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.kind.Status())
		})
	}
}

func TestError_IsAndUnwrap(t *testing.T) {
	t.Parallel()

	cause := errors.New("dial tcp: refused")
	err := error(newError(KindInvalidKey, ReasonStoreError, cause))

	assert.ErrorIs(t, err, ErrInvalidKey)
	assert.NotErrorIs(t, err, ErrMissingKey)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "InvalidKey")
	assert.Contains(t, err.Error(), "dial tcp")

	var gerr *Error
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, http.StatusUnauthorized, gerr.Status())

	assert.Equal(t, "MissingKey: API key required", newError(KindMissingKey, ReasonMissing, nil).Error())
}

// ============================================================
// Path canonicalization
// ============================================================

func TestMiddleware_DotSegmentsResolveToTargetRoute(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	tests := []struct {
		name string
		path string
	}{
		{name: "direct", path: "/orders/42"},
		{name: "dot dot from open route", path: "/open/../orders/42"},
		{name: "encoded dot dot", path: "/open/%2e%2e/orders/42"},
		{name: "current dir and double slash", path: "/open/.//../orders//42"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, http.MethodPost, tt.path, "raw-k1")
			require.Equal(t, http.StatusForbidden, w.Code)

			body := decode(t, w)
			assert.Equal(t, string(KindInsufficientScope), body["error"])
			assert.Equal(t, []any{"read", "write"}, body["required"])
		})
	}

	assert.Zero(t, f.limiter.calls.Load())
}

func TestMiddleware_ForwardsCleanedPath(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	w := f.do(t, http.MethodGet, "/orders/../items//1/./", "raw-k1")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "/items/1/", decode(t, w)["path"])

	events := f.recorder.all()
	require.Len(t, events, 1)
	assert.Equal(t, "/items/1/", events[0].Endpoint)
}

func TestMiddleware_PrefixMatchesWholeSegments(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	// "/orders-archive" is not under "/orders" and only needs the defaults.
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/orders-archive", "raw-k1").Code)
	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodPost, "/orders/1", "raw-k1").Code)
}

func TestMiddleware_MissingScopesLogged(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	require.Equal(t, http.StatusForbidden, f.do(t, http.MethodPost, "/orders", "raw-k1").Code)

	entries := f.logs.FilterMessage("request rejected").All()
	require.Len(t, entries, 1)
	assert.Equal(t, []any{"write"}, entries[0].ContextMap()["missing_scopes"])
}

// ============================================================
// Downstream failures
// ============================================================

func TestMiddleware_DownstreamPanicStillRecordsUsage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		handler    gin.HandlerFunc
		wantStatus int
	}{
		{
			name:       "abort before writing",
			handler:    func(*gin.Context) { panic(http.ErrAbortHandler) },
			wantStatus: http.StatusInternalServerError,
		},
		{
			name: "panic after headers written",
			handler: func(c *gin.Context) {
				c.Status(http.StatusAccepted)
				c.Writer.WriteHeaderNow()
				panic("boom")
			},
			wantStatus: http.StatusAccepted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, nil)

			engine := gin.New()
			engine.Use(gin.CustomRecoveryWithWriter(io.Discard, func(c *gin.Context, _ any) {
				c.AbortWithStatus(http.StatusInternalServerError)
			}))
			engine.Any("/*path", Middleware(f.pipeline, f.recorder), tt.handler)

			req := httptest.NewRequest(http.MethodGet, "/items/1", nil)
			req.Header.Set(apikey.DefaultHeader, "raw-k1")
			w := httptest.NewRecorder()
			engine.ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)

			events := f.recorder.all()
			require.Len(t, events, 1, "exactly one usage event despite the panic")
			assert.Equal(t, "k1", events[0].APIKeyID)
			assert.Equal(t, tt.wantStatus, events[0].StatusCode)
			assert.Equal(t, string(KindInternalError), events[0].ErrorKind)
		})
	}
}
