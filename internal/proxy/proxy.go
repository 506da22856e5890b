package proxy

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/keygate/internal/observability"
)

// ReverseProxy forwards requests to a single upstream.
type ReverseProxy struct {
	target        *url.URL
	proxy         *httputil.ReverseProxy
	logger        observability.Logger
	metrics       *Metrics
	transport     http.RoundTripper
	timeout       time.Duration
	flushInterval time.Duration
}

// ProxyOption is a functional option for configuring the proxy.
type ProxyOption func(*ReverseProxy)

// WithProxyLogger sets the logger for the proxy.
func WithProxyLogger(logger observability.Logger) ProxyOption {
	return func(p *ReverseProxy) {
		p.logger = logger
	}
}

// WithMetrics sets the metrics for the proxy.
func WithMetrics(m *Metrics) ProxyOption {
	return func(p *ReverseProxy) {
		p.metrics = m
	}
}

// WithTransport sets the transport for the proxy.
func WithTransport(transport http.RoundTripper) ProxyOption {
	return func(p *ReverseProxy) {
		p.transport = transport
	}
}

// WithTimeout bounds each upstream request. Zero disables the bound.
func WithTimeout(d time.Duration) ProxyOption {
	return func(p *ReverseProxy) {
		p.timeout = d
	}
}

// WithFlushInterval sets the flush interval for streaming responses.
func WithFlushInterval(interval time.Duration) ProxyOption {
	return func(p *ReverseProxy) {
		p.flushInterval = interval
	}
}

// NewReverseProxy creates a proxy to the upstream at rawURL.
func NewReverseProxy(rawURL string, opts ...ProxyOption) (*ReverseProxy, error) {
	target, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTargetURL, err)
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("%w: %q needs a scheme and host", ErrInvalidTargetURL, rawURL)
	}

	p := &ReverseProxy{
		target:        target,
		logger:        observability.NopLogger(),
		flushInterval: -1, // Immediate flush
	}
	for _, opt := range opts {
		opt(p)
	}

	p.proxy = &httputil.ReverseProxy{
		Director:      p.director,
		Transport:     p.transport,
		FlushInterval: p.flushInterval,
		ErrorHandler:  p.errorHandler,
	}
	return p, nil
}

// ServeHTTP implements http.Handler.
func (p *ReverseProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if p.timeout > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), p.timeout)
		defer cancel()
		r = r.WithContext(ctx)
	}

	start := time.Now()
	p.proxy.ServeHTTP(w, r)
	p.metrics.observe(r.Method, time.Since(start))
}

// Handler returns the proxy as the terminal gin handler.
func (p *ReverseProxy) Handler() gin.HandlerFunc {
	return gin.WrapH(p)
}

// Target returns the upstream URL.
func (p *ReverseProxy) Target() *url.URL {
	return p.target
}

// director rewrites the request to the upstream. X-Forwarded-For is
// appended by httputil.
func (p *ReverseProxy) director(req *http.Request) {
	proto := "http"
	if req.TLS != nil {
		proto = "https"
	}
	req.Header.Set("X-Forwarded-Proto", proto)
	req.Header.Set("X-Forwarded-Host", req.Host)

	req.URL.Scheme = p.target.Scheme
	req.URL.Host = p.target.Host
	req.URL.Path, req.URL.RawPath = joinPath(p.target, req.URL)
	if p.target.RawQuery != "" && req.URL.RawQuery != "" {
		req.URL.RawQuery = p.target.RawQuery + "&" + req.URL.RawQuery
	} else if p.target.RawQuery != "" {
		req.URL.RawQuery = p.target.RawQuery
	}
	req.Host = p.target.Host
}

func (p *ReverseProxy) errorHandler(w http.ResponseWriter, r *http.Request, err error) {
	status, errorType := classify(err)
	p.metrics.recordError(errorType)

	p.logger.WithContext(r.Context()).Error("proxy error",
		observability.String("path", r.URL.Path),
		observability.String("method", r.Method),
		observability.String("error_type", errorType),
		observability.Error(err),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if status == http.StatusGatewayTimeout {
		_, _ = w.Write([]byte(`{"error":"gateway timeout","message":"upstream did not respond in time"}`))
		return
	}
	_, _ = w.Write([]byte(`{"error":"bad gateway","message":"failed to proxy request"}`))
}

// joinPath joins the target base path with the request path the way
// httputil.NewSingleHostReverseProxy does.
func joinPath(base, req *url.URL) (path, rawpath string) {
	if base.RawPath == "" && req.RawPath == "" {
		return singleJoiningSlash(base.Path, req.Path), ""
	}

	apath := base.EscapedPath()
	bpath := req.EscapedPath()

	aslash := strings.HasSuffix(apath, "/")
	bslash := strings.HasPrefix(bpath, "/")

	switch {
	case aslash && bslash:
		return base.Path + req.Path[1:], apath + bpath[1:]
	case !aslash && !bslash:
		return base.Path + "/" + req.Path, apath + "/" + bpath
	}
	return base.Path + req.Path, apath + bpath
}

func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}
