package config

import "time"

// Key store backends.
const (
	KeyStoreMemory   = "memory"
	KeyStorePostgres = "postgres"
)

// Rate limit counter backends.
const (
	RateLimitBackendMemory = "memory"
	RateLimitBackendRedis  = "redis"
)

// Behaviour when the rate limit store is unreachable.
const (
	FailureModeClosed = "closed"
	FailureModeLocal  = "local"
)

// Usage sinks.
const (
	UsageSinkLog      = "log"
	UsageSinkPostgres = "postgres"
)

// GatewayConfig is the root configuration of the key gateway.
type GatewayConfig struct {
	Server        ServerConfig        `yaml:"server" json:"server"`
	Upstream      UpstreamConfig      `yaml:"upstream" json:"upstream"`
	APIKey        APIKeyConfig        `yaml:"apiKey" json:"apiKey"`
	KeyStore      KeyStoreConfig      `yaml:"keyStore" json:"keyStore"`
	RateLimit     RateLimitConfig     `yaml:"rateLimit" json:"rateLimit"`
	Usage         UsageConfig         `yaml:"usage" json:"usage"`
	Postgres      PostgresConfig      `yaml:"postgres" json:"postgres"`
	Routes        []Route             `yaml:"routes,omitempty" json:"routes,omitempty"`
	DefaultScopes []string            `yaml:"defaultScopes,omitempty" json:"defaultScopes,omitempty"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
}

// ServerConfig configures the public listener and the admin listener that
// serves health and metrics endpoints. MaxBodySize caps public request bodies
// in bytes; zero disables the cap.
type ServerConfig struct {
	Address         string   `yaml:"address" json:"address"`
	AdminAddress    string   `yaml:"adminAddress" json:"adminAddress"`
	ReadTimeout     Duration `yaml:"readTimeout" json:"readTimeout"`
	WriteTimeout    Duration `yaml:"writeTimeout" json:"writeTimeout"`
	IdleTimeout     Duration `yaml:"idleTimeout" json:"idleTimeout"`
	ShutdownTimeout Duration `yaml:"shutdownTimeout" json:"shutdownTimeout"`
	TrustedProxies  []string `yaml:"trustedProxies,omitempty" json:"trustedProxies,omitempty"`
	MaxBodySize     int64    `yaml:"maxBodySize" json:"maxBodySize"`
}

// UpstreamConfig points at the downstream application admitted requests are
// forwarded to.
type UpstreamConfig struct {
	URL     string   `yaml:"url" json:"url"`
	Timeout Duration `yaml:"timeout" json:"timeout"`
}

// APIKeyConfig configures how keys are read from requests and hashed.
type APIKeyConfig struct {
	Header        string `yaml:"header" json:"header"`
	Prefix        string `yaml:"prefix,omitempty" json:"prefix,omitempty"`
	HashAlgorithm string `yaml:"hashAlgorithm" json:"hashAlgorithm"`
	Pepper        string `yaml:"pepper,omitempty" json:"-"`
}

// KeyStoreConfig selects and configures the key store.
type KeyStoreConfig struct {
	Type  string         `yaml:"type" json:"type"`
	Keys  []StaticKey    `yaml:"keys,omitempty" json:"keys,omitempty"`
	Cache KeyCacheConfig `yaml:"cache" json:"cache"`
	Touch LastUsedConfig `yaml:"lastUsed" json:"lastUsed"`
}

// KeyCacheConfig configures the positive lookup cache. A zero TTL disables it.
type KeyCacheConfig struct {
	TTL        Duration `yaml:"ttl" json:"ttl"`
	MaxEntries int      `yaml:"maxEntries" json:"maxEntries"`
}

// LastUsedConfig bounds the best-effort last-used update.
type LastUsedConfig struct {
	Timeout Duration `yaml:"timeout" json:"timeout"`
}

// StaticKey is a key declared in configuration for the memory key store.
// Exactly one of Key (raw, hashed on load) or Hash must be set. A zero
// RateLimit uses the gateway default and a negative one is unlimited.
type StaticKey struct {
	ID           string     `yaml:"id" json:"id"`
	OwnerID      string     `yaml:"ownerId" json:"ownerId"`
	Name         string     `yaml:"name,omitempty" json:"name,omitempty"`
	Key          string     `yaml:"key,omitempty" json:"-"`
	Hash         string     `yaml:"hash,omitempty" json:"hash,omitempty"`
	Scopes       []string   `yaml:"scopes" json:"scopes"`
	ExpiresAt    *time.Time `yaml:"expiresAt,omitempty" json:"expiresAt,omitempty"`
	RateLimit    int        `yaml:"rateLimit,omitempty" json:"rateLimit,omitempty"`
	RateInterval Duration   `yaml:"rateInterval,omitempty" json:"rateInterval,omitempty"`
}

// RateLimitConfig configures the per-key distributed rate limiter.
type RateLimitConfig struct {
	Backend         string        `yaml:"backend" json:"backend"`
	DefaultLimit    int           `yaml:"defaultLimit" json:"defaultLimit"`
	DefaultInterval Duration      `yaml:"defaultInterval" json:"defaultInterval"`
	FailureMode     string        `yaml:"failureMode" json:"failureMode"`
	KeyPrefix       string        `yaml:"keyPrefix" json:"keyPrefix"`
	Redis           RedisConfig   `yaml:"redis" json:"redis"`
	Breaker         BreakerConfig `yaml:"breaker" json:"breaker"`
}

// RedisConfig configures the Redis counter store.
type RedisConfig struct {
	Address        string   `yaml:"address" json:"address"`
	Username       string   `yaml:"username,omitempty" json:"username,omitempty"`
	Password       string   `yaml:"password,omitempty" json:"-"`
	DB             int      `yaml:"db" json:"db"`
	PoolSize       int      `yaml:"poolSize" json:"poolSize"`
	DialTimeout    Duration `yaml:"dialTimeout" json:"dialTimeout"`
	ReadTimeout    Duration `yaml:"readTimeout" json:"readTimeout"`
	ConnectRetries int      `yaml:"connectRetries" json:"connectRetries"`
}

// BreakerConfig configures the circuit breaker in front of the counter store.
type BreakerConfig struct {
	Enabled          bool     `yaml:"enabled" json:"enabled"`
	MaxRequests      uint32   `yaml:"maxRequests" json:"maxRequests"`
	Interval         Duration `yaml:"interval" json:"interval"`
	Timeout          Duration `yaml:"timeout" json:"timeout"`
	FailureThreshold uint32   `yaml:"failureThreshold" json:"failureThreshold"`
}

// UsageConfig configures asynchronous usage recording.
type UsageConfig struct {
	Sinks         []string `yaml:"sinks" json:"sinks"`
	QueueSize     int      `yaml:"queueSize" json:"queueSize"`
	Workers       int      `yaml:"workers" json:"workers"`
	BatchSize     int      `yaml:"batchSize" json:"batchSize"`
	FlushInterval Duration `yaml:"flushInterval" json:"flushInterval"`
	WriteTimeout  Duration `yaml:"writeTimeout" json:"writeTimeout"`
}

// PostgresConfig configures the Postgres key store and usage sink.
type PostgresConfig struct {
	DSN            string   `yaml:"dsn" json:"-"`
	MaxConns       int32    `yaml:"maxConns" json:"maxConns"`
	MigrateOnStart bool     `yaml:"migrateOnStart" json:"migrateOnStart"`
	Retention      Duration `yaml:"retention" json:"retention"`
	PruneSchedule  string   `yaml:"pruneSchedule" json:"pruneSchedule"`
}

// Route declares the scopes required by requests matching Method and PathPrefix.
type Route struct {
	Name       string   `yaml:"name,omitempty" json:"name,omitempty"`
	Method     string   `yaml:"method,omitempty" json:"method,omitempty"`
	PathPrefix string   `yaml:"pathPrefix" json:"pathPrefix"`
	Scopes     []string `yaml:"scopes" json:"scopes"`
}

// ObservabilityConfig groups logging, metrics and tracing settings.
type ObservabilityConfig struct {
	Log     LogConfig     `yaml:"log" json:"log"`
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
	Tracing TracingConfig `yaml:"tracing" json:"tracing"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	Output string `yaml:"output" json:"output"`
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	Namespace string `yaml:"namespace" json:"namespace"`
	Path      string `yaml:"path" json:"path"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	ServiceName  string  `yaml:"serviceName" json:"serviceName"`
	Endpoint     string  `yaml:"endpoint" json:"endpoint"`
	SamplingRate float64 `yaml:"samplingRate" json:"samplingRate"`
	Insecure     bool    `yaml:"insecure" json:"insecure"`
}

// DefaultConfig returns a configuration with defaults for every optional field.
func DefaultConfig() *GatewayConfig {
	return &GatewayConfig{
		Server: ServerConfig{
			Address:         ":8080",
			AdminAddress:    ":9090",
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			IdleTimeout:     Duration(120 * time.Second),
			ShutdownTimeout: Duration(30 * time.Second),
			MaxBodySize:     10 << 20,
		},
		Upstream: UpstreamConfig{
			Timeout: Duration(30 * time.Second),
		},
		APIKey: APIKeyConfig{
			Header:        "X-API-Key",
			HashAlgorithm: "sha256",
		},
		KeyStore: KeyStoreConfig{
			Type: KeyStoreMemory,
			Cache: KeyCacheConfig{
				MaxEntries: 10000,
			},
			Touch: LastUsedConfig{
				Timeout: Duration(2 * time.Second),
			},
		},
		RateLimit: RateLimitConfig{
			Backend:         RateLimitBackendMemory,
			DefaultLimit:    60,
			DefaultInterval: Duration(time.Minute),
			FailureMode:     FailureModeClosed,
			KeyPrefix:       "keygate:rl:",
			Redis: RedisConfig{
				Address:        "localhost:6379",
				PoolSize:       10,
				DialTimeout:    Duration(5 * time.Second),
				ReadTimeout:    Duration(time.Second),
				ConnectRetries: 3,
			},
			Breaker: BreakerConfig{
				Enabled:          true,
				MaxRequests:      1,
				Interval:         Duration(10 * time.Second),
				Timeout:          Duration(5 * time.Second),
				FailureThreshold: 5,
			},
		},
		Usage: UsageConfig{
			Sinks:         []string{UsageSinkLog},
			QueueSize:     4096,
			Workers:       2,
			BatchSize:     100,
			FlushInterval: Duration(time.Second),
			WriteTimeout:  Duration(5 * time.Second),
		},
		Postgres: PostgresConfig{
			MaxConns:      10,
			Retention:     Duration(30 * 24 * time.Hour),
			PruneSchedule: "0 3 * * *",
		},
		Observability: ObservabilityConfig{
			Log: LogConfig{
				Level:  "info",
				Format: "json",
				Output: "stdout",
			},
			Metrics: MetricsConfig{
				Enabled:   true,
				Namespace: "keygate",
				Path:      "/metrics",
			},
			Tracing: TracingConfig{
				ServiceName:  "keygate",
				SamplingRate: 1.0,
			},
		},
	}
}

// UsesPostgres reports whether any component needs a Postgres pool.
func (c *GatewayConfig) UsesPostgres() bool {
	if c.KeyStore.Type == KeyStorePostgres {
		return true
	}
	for _, s := range c.Usage.Sinks {
		if s == UsageSinkPostgres {
			return true
		}
	}
	return false
}
