// Package observability provides logging, metrics, and tracing for the
// key gateway.
//
// # Logging
//
// The Logger interface wraps zap:
//
//	logger, err := observability.NewLogger(observability.DefaultLogConfig())
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
//	logger.Info("key rejected",
//	    observability.String("reason", "expired"),
//	)
//
// # Metrics
//
// Metrics owns the Prometheus registry served on /metrics. Component
// packages register their own collectors on Registry().
//
// # Tracing
//
// Tracer wraps an OpenTelemetry provider with optional OTLP gRPC export.
package observability
