// Package config loads, validates and watches the key gateway configuration.
//
// Configuration is YAML. Values may reference environment variables with
// ${VAR} or ${VAR:-default}; a literal dollar sign is written as $$.
// LoadDotEnv can populate the environment from .env files first.
//
//	cfg, err := config.LoadConfig("keygate.yaml")
//
// Fields absent from the file keep the values returned by DefaultConfig.
// The Watcher reloads the file on change; callers apply the parts that are
// safe to swap at runtime (route scope rules).
package config
