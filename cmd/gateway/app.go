package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vyrodovalexey/keygate/internal/auth/apikey"
	"github.com/vyrodovalexey/keygate/internal/authz"
	"github.com/vyrodovalexey/keygate/internal/config"
	"github.com/vyrodovalexey/keygate/internal/gateway"
	"github.com/vyrodovalexey/keygate/internal/health"
	"github.com/vyrodovalexey/keygate/internal/observability"
	"github.com/vyrodovalexey/keygate/internal/proxy"
	"github.com/vyrodovalexey/keygate/internal/ratelimit"
	"github.com/vyrodovalexey/keygate/internal/server"
	"github.com/vyrodovalexey/keygate/internal/storage/postgres"
	"github.com/vyrodovalexey/keygate/internal/usage"
)

// application holds all application components.
type application struct {
	config     *config.GatewayConfig
	logger     observability.Logger
	metrics    *observability.Metrics
	tracer     *observability.Tracer
	pool       *pgxpool.Pool
	routes     *authz.RouteScopes
	limiter    *ratelimit.Built
	dispatcher *usage.Dispatcher
	pipeline   *gateway.Pipeline
	checker    *health.Checker
	public     *server.Server
	admin      *server.Server
	retention  *postgres.RetentionScheduler
}

// connectPostgres is replaced in tests.
var connectPostgres = postgres.Connect

// newApplication initializes all application components. Nothing is
// listening yet when it returns.
func newApplication(ctx context.Context, cfg *config.GatewayConfig, logger observability.Logger) (app *application, err error) {
	app = &application{
		config: cfg,
		logger: logger,
	}
	defer func() {
		if err != nil {
			app.close()
			app = nil
		}
	}()

	ns := cfg.Observability.Metrics.Namespace
	app.metrics = observability.NewMetrics(ns)
	app.metrics.SetBuildInfo(version, gitCommit, buildTime)
	reg := app.metrics.Registry()

	app.tracer, err = observability.NewTracer(observability.TracerConfig{
		ServiceName:  cfg.Observability.Tracing.ServiceName,
		OTLPEndpoint: cfg.Observability.Tracing.Endpoint,
		SamplingRate: cfg.Observability.Tracing.SamplingRate,
		Enabled:      cfg.Observability.Tracing.Enabled,
		Insecure:     cfg.Observability.Tracing.Insecure,
	})
	if err != nil {
		return app, fmt.Errorf("failed to initialize tracer: %w", err)
	}

	if cfg.UsesPostgres() {
		app.pool, err = connectPostgres(ctx, &cfg.Postgres)
		if err != nil {
			return app, err
		}
		if cfg.Postgres.MigrateOnStart {
			if err = postgres.Migrate(ctx, app.pool); err != nil {
				return app, err
			}
		}
	}

	hasher, err := apikey.NewHasher(cfg.APIKey.HashAlgorithm, cfg.APIKey.Pepper)
	if err != nil {
		return app, err
	}

	keyStore, err := app.buildKeyStore(hasher)
	if err != nil {
		return app, err
	}

	app.routes = authz.NewRouteScopesFromConfig(cfg)

	app.limiter, err = ratelimit.NewFromConfig(
		&cfg.RateLimit, ns,
		logger.With(observability.String("component", "ratelimit")),
		observability.Zap(logger),
		reg,
	)
	if err != nil {
		return app, fmt.Errorf("failed to build rate limiter: %w", err)
	}

	sink, err := app.buildUsageSink()
	if err != nil {
		return app, err
	}
	app.dispatcher = usage.NewDispatcher(sink, usage.DispatcherConfigFrom(&cfg.Usage),
		usage.WithDispatcherLogger(logger.With(observability.String("component", "usage"))),
		usage.WithDispatcherMetrics(usage.NewMetrics(ns, reg)),
	)

	app.pipeline = gateway.NewPipeline(keyStore, app.routes, app.limiter.Limiter,
		gateway.WithExtractor(apikey.NewHeaderExtractor(cfg.APIKey.Header, cfg.APIKey.Prefix)),
		gateway.WithHasher(hasher),
		gateway.WithDefaultRate(cfg.RateLimit.DefaultLimit, cfg.RateLimit.DefaultInterval.Duration()),
		gateway.WithTouchTimeout(cfg.KeyStore.Touch.Timeout.Duration()),
		gateway.WithLogger(logger.With(observability.String("component", "gateway"))),
		gateway.WithMetrics(gateway.NewMetrics(ns, reg)),
		gateway.WithTracer(app.tracer.Tracer()),
	)

	upstream, err := proxy.NewReverseProxy(cfg.Upstream.URL,
		proxy.WithProxyLogger(logger.With(observability.String("component", "proxy"))),
		proxy.WithMetrics(proxy.NewMetrics(ns, reg)),
		proxy.WithTimeout(cfg.Upstream.Timeout.Duration()),
	)
	if err != nil {
		return app, err
	}

	app.checker = health.NewChecker(version,
		health.WithLogger(logger.With(observability.String("component", "health"))),
		health.WithMetrics(health.NewMetrics(ns, reg)),
	)
	app.registerHealthChecks()

	if err = app.buildServers(upstream); err != nil {
		return app, err
	}

	if app.pool != nil && hasSink(cfg.Usage.Sinks, config.UsageSinkPostgres) {
		app.retention = postgres.NewRetentionScheduler(
			postgres.NewPruner(app.pool, cfg.Postgres.Retention.Duration()),
			cfg.Postgres.PruneSchedule,
			logger.With(observability.String("component", "retention")),
		)
	}

	logger.Info("application initialized",
		observability.String("key_store", cfg.KeyStore.Type),
		observability.String("rate_limit_backend", cfg.RateLimit.Backend),
		observability.String("failure_mode", cfg.RateLimit.FailureMode),
		observability.Strings("usage_sinks", cfg.Usage.Sinks),
		observability.Int("routes", len(cfg.Routes)),
	)
	return app, nil
}

func (a *application) buildKeyStore(hasher apikey.Hasher) (apikey.Store, error) {
	cfg := a.config.KeyStore

	var store apikey.Store
	switch cfg.Type {
	case config.KeyStorePostgres:
		store = postgres.NewKeyStore(a.pool)
	case config.KeyStoreMemory, "":
		mem, err := apikey.NewMemoryStoreFromConfig(cfg.Keys, hasher)
		if err != nil {
			return nil, fmt.Errorf("failed to load static keys: %w", err)
		}
		store = mem
	default:
		return nil, fmt.Errorf("unknown key store type %q", cfg.Type)
	}

	m := apikey.NewMetrics(a.config.Observability.Metrics.Namespace, a.metrics.Registry())
	store = apikey.NewInstrumentedStore(store, m)
	if ttl := cfg.Cache.TTL.Duration(); ttl > 0 {
		store = apikey.NewCachingStore(store, ttl, cfg.Cache.MaxEntries, apikey.WithCacheMetrics(m))
	}
	return store, nil
}

func (a *application) buildUsageSink() (usage.Sink, error) {
	var sinks usage.MultiSink
	for _, name := range a.config.Usage.Sinks {
		switch name {
		case config.UsageSinkLog:
			sinks = append(sinks, usage.NewLogSink(a.logger.With(observability.String("component", "usage"))))
		case config.UsageSinkPostgres:
			sinks = append(sinks, postgres.NewUsageSink(a.pool))
		default:
			return nil, fmt.Errorf("unknown usage sink %q", name)
		}
	}

	switch len(sinks) {
	case 0:
		return usage.NewLogSink(a.logger.With(observability.String("component", "usage"))), nil
	case 1:
		return sinks[0], nil
	default:
		return sinks, nil
	}
}

func (a *application) registerHealthChecks() {
	if pinger, ok := a.limiter.Store.(health.Pinger); ok && a.config.RateLimit.Backend == config.RateLimitBackendRedis {
		// Redis is only critical when there is no local fallback.
		critical := a.config.RateLimit.FailureMode != config.FailureModeLocal
		a.checker.Register(health.PingCheck("redis", health.DependencyTypeCache, pinger, health.WithCritical(critical)))
	}
	if a.pool != nil {
		a.checker.Register(health.PingCheck("postgres", health.DependencyTypeDatabase, a.pool))
	}
}

func (a *application) buildServers(upstream *proxy.ReverseProxy) error {
	cfg := a.config

	publicEngine, err := server.NewEngine(cfg.Server.TrustedProxies)
	if err != nil {
		return err
	}
	server.RegisterGateway(publicEngine, server.GatewayRoutes{
		Admission: gateway.MiddlewareWithConfig(gateway.MiddlewareConfig{
			Pipeline:  a.pipeline,
			Recorder:  a.dispatcher,
			KeyHeader: cfg.APIKey.Header,
		}),
		Upstream:       upstream.Handler(),
		Logger:         a.logger.With(observability.String("component", "http")),
		Metrics:        a.metrics,
		TracerProvider: a.tracer.Provider(),
		MaxBodySize:    cfg.Server.MaxBodySize,
	})
	a.public = server.NewServer(server.ConfigFrom(&cfg.Server), publicEngine, a.logger)

	adminEngine, err := server.NewEngine(nil)
	if err != nil {
		return err
	}
	routes := server.AdminRoutes{
		Health: health.NewHandler(a.checker),
		Logger: a.logger,
	}
	if cfg.Observability.Metrics.Enabled {
		routes.Metrics = a.metrics.Handler()
		routes.MetricsPath = cfg.Observability.Metrics.Path
	}
	server.RegisterAdmin(adminEngine, routes)
	a.admin = server.NewServer(server.AdminConfigFrom(&cfg.Server), adminEngine, a.logger)

	return nil
}

// close releases resources held by a partially or fully built application.
func (a *application) close() {
	if a.dispatcher != nil {
		_ = a.dispatcher.Close(context.Background())
	}
	if a.limiter != nil && a.limiter.Store != nil {
		_ = a.limiter.Store.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.tracer != nil {
		_ = a.tracer.Shutdown(context.Background())
	}
}

func hasSink(sinks []string, name string) bool {
	for _, s := range sinks {
		if s == name {
			return true
		}
	}
	return false
}
