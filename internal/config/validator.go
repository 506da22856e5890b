package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"
)

// ValidationError represents a single configuration problem.
type ValidationError struct {
	Path    string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return e.Message
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, e[i].Error())
	}
	return sb.String()
}

type validator struct {
	errors ValidationErrors
}

func (v *validator) addError(path, format string, args ...interface{}) {
	v.errors = append(v.errors, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
}

// ValidateConfig returns every problem found in cfg as ValidationErrors, or nil.
func ValidateConfig(cfg *GatewayConfig) error {
	v := &validator{}

	if cfg == nil {
		v.addError("", "configuration is nil")
		return v.errors
	}

	v.validateServer(&cfg.Server)
	v.validateUpstream(&cfg.Upstream)
	v.validateAPIKey(&cfg.APIKey)
	v.validateKeyStore(&cfg.KeyStore)
	v.validateRateLimit(&cfg.RateLimit)
	v.validateUsage(&cfg.Usage)
	if cfg.UsesPostgres() {
		v.validatePostgres(&cfg.Postgres)
	}
	v.validateRoutes(cfg.Routes)
	v.validateObservability(&cfg.Observability)

	if len(v.errors) > 0 {
		return v.errors
	}
	return nil
}

func (v *validator) validateServer(s *ServerConfig) {
	if s.Address == "" {
		v.addError("server.address", "is required")
	}
	if s.AdminAddress != "" && s.AdminAddress == s.Address {
		v.addError("server.adminAddress", "must differ from server.address")
	}
	if s.MaxBodySize < 0 {
		v.addError("server.maxBodySize", "must not be negative")
	}
}

func (v *validator) validateUpstream(u *UpstreamConfig) {
	if u.URL == "" {
		v.addError("upstream.url", "is required")
		return
	}
	parsed, err := url.Parse(u.URL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		v.addError("upstream.url", "must be an absolute URL, got %q", u.URL)
	}
}

func (v *validator) validateAPIKey(a *APIKeyConfig) {
	if a.Header == "" {
		v.addError("apiKey.header", "is required")
	}
	switch a.HashAlgorithm {
	case "sha256", "sha512", "blake2b":
	default:
		v.addError("apiKey.hashAlgorithm", "unsupported algorithm %q", a.HashAlgorithm)
	}
}

func (v *validator) validateKeyStore(k *KeyStoreConfig) {
	switch k.Type {
	case KeyStoreMemory, KeyStorePostgres:
	default:
		v.addError("keyStore.type", "must be %q or %q, got %q", KeyStoreMemory, KeyStorePostgres, k.Type)
	}
	if k.Cache.TTL < 0 {
		v.addError("keyStore.cache.ttl", "must not be negative")
	}

	seen := make(map[string]bool, len(k.Keys))
	for i := range k.Keys {
		key := &k.Keys[i]
		path := fmt.Sprintf("keyStore.keys[%d]", i)
		if key.ID == "" {
			v.addError(path+".id", "is required")
		} else if seen[key.ID] {
			v.addError(path+".id", "duplicate key id %q", key.ID)
		}
		seen[key.ID] = true

		if key.OwnerID == "" {
			v.addError(path+".ownerId", "is required")
		}
		if (key.Key == "") == (key.Hash == "") {
			v.addError(path, "exactly one of key or hash must be set")
		}
		if key.RateLimit > 0 && key.RateInterval <= 0 {
			v.addError(path+".rateInterval", "must be positive when rateLimit is set")
		}
	}
}

func (v *validator) validateRateLimit(r *RateLimitConfig) {
	switch r.Backend {
	case RateLimitBackendMemory:
	case RateLimitBackendRedis:
		if r.Redis.Address == "" {
			v.addError("rateLimit.redis.address", "is required for the redis backend")
		}
	default:
		v.addError("rateLimit.backend", "must be %q or %q, got %q",
			RateLimitBackendMemory, RateLimitBackendRedis, r.Backend)
	}
	switch r.FailureMode {
	case FailureModeClosed, FailureModeLocal:
	default:
		v.addError("rateLimit.failureMode", "must be %q or %q, got %q",
			FailureModeClosed, FailureModeLocal, r.FailureMode)
	}
	if r.DefaultLimit < 0 {
		v.addError("rateLimit.defaultLimit", "must not be negative")
	}
	if r.DefaultLimit > 0 && r.DefaultInterval <= 0 {
		v.addError("rateLimit.defaultInterval", "must be positive when defaultLimit is set")
	}
}

func (v *validator) validateUsage(u *UsageConfig) {
	for i, s := range u.Sinks {
		switch s {
		case UsageSinkLog, UsageSinkPostgres:
		default:
			v.addError(fmt.Sprintf("usage.sinks[%d]", i), "unknown sink %q", s)
		}
	}
	if u.QueueSize <= 0 {
		v.addError("usage.queueSize", "must be positive")
	}
	if u.Workers <= 0 {
		v.addError("usage.workers", "must be positive")
	}
	if u.BatchSize <= 0 {
		v.addError("usage.batchSize", "must be positive")
	}
	if u.WriteTimeout <= 0 {
		v.addError("usage.writeTimeout", "must be positive")
	}
}

func (v *validator) validatePostgres(p *PostgresConfig) {
	if p.DSN == "" {
		v.addError("postgres.dsn", "is required when a postgres key store or usage sink is used")
	}
	if p.PruneSchedule != "" {
		if _, err := cron.ParseStandard(p.PruneSchedule); err != nil {
			v.addError("postgres.pruneSchedule", "invalid cron expression: %v", err)
		}
	}
}

func (v *validator) validateRoutes(routes []Route) {
	for i := range routes {
		path := fmt.Sprintf("routes[%d]", i)
		if !strings.HasPrefix(routes[i].PathPrefix, "/") {
			v.addError(path+".pathPrefix", "must start with '/'")
		}
		for _, s := range routes[i].Scopes {
			if strings.TrimSpace(s) == "" {
				v.addError(path+".scopes", "must not contain empty scopes")
				break
			}
		}
	}
}

func (v *validator) validateObservability(o *ObservabilityConfig) {
	if o.Tracing.Enabled && (o.Tracing.SamplingRate < 0 || o.Tracing.SamplingRate > 1) {
		v.addError("observability.tracing.samplingRate", "must be between 0 and 1")
	}
}
