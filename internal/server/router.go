package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/keygate/internal/health"
	"github.com/vyrodovalexey/keygate/internal/observability"
)

// GatewayRoutes holds what the public engine needs.
type GatewayRoutes struct {
	// Admission is the gateway middleware.
	Admission gin.HandlerFunc
	// Upstream handles admitted requests.
	Upstream gin.HandlerFunc

	Logger         observability.Logger
	Metrics        *observability.Metrics
	TracerProvider trace.TracerProvider
	MaxBodySize    int64
}

// RegisterGateway installs the middleware chain and the catch-all route on
// engine. Every path and method goes through admission.
func RegisterGateway(engine *gin.Engine, routes GatewayRoutes) {
	engine.Use(
		Recovery(routes.Logger),
		RequestID(),
		TracingWithConfig(TracingConfig{TracerProvider: routes.TracerProvider}),
		Logging(routes.Logger),
		Metrics(routes.Metrics),
		MaxBodySize(routes.MaxBodySize),
	)

	engine.Any("/*path", routes.Admission, routes.Upstream)
}

// AdminRoutes holds what the admin engine needs.
type AdminRoutes struct {
	Health      *health.Handler
	Metrics     http.Handler
	MetricsPath string
	Logger      observability.Logger
}

// RegisterAdmin installs the health and metrics endpoints on engine.
func RegisterAdmin(engine *gin.Engine, routes AdminRoutes) {
	engine.Use(Recovery(routes.Logger))

	if routes.Health != nil {
		routes.Health.Register(engine)
	}
	if routes.Metrics != nil {
		path := routes.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		engine.GET(path, gin.WrapH(routes.Metrics))
	}

	engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "Not Found",
			"message": "No route matched the request",
		})
	})
}
