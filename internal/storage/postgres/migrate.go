package postgres

import (
	"context"
	"fmt"
)

// migrations are applied in order on every run and must stay idempotent.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS api_keys (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		key_hash TEXT NOT NULL UNIQUE,
		scopes TEXT[] NOT NULL DEFAULT '{}',
		expires_at TIMESTAMP WITH TIME ZONE,
		rate_limit INTEGER NOT NULL DEFAULT 0,
		rate_interval_ms BIGINT NOT NULL DEFAULT 0,
		revoked_at TIMESTAMP WITH TIME ZONE,
		last_used_at TIMESTAMP WITH TIME ZONE,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	)`,

	`CREATE INDEX IF NOT EXISTS idx_api_keys_owner_id ON api_keys(owner_id)`,

	`CREATE TABLE IF NOT EXISTS api_key_usage (
		id UUID PRIMARY KEY,
		api_key_id TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		endpoint TEXT NOT NULL,
		method VARCHAR(16) NOT NULL,
		status_code INTEGER NOT NULL,
		response_time_ms BIGINT NOT NULL,
		client_ip TEXT,
		user_agent TEXT,
		error_kind VARCHAR(32),
		request_id TEXT,
		occurred_at TIMESTAMP WITH TIME ZONE NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS idx_api_key_usage_key_time ON api_key_usage(api_key_id, occurred_at)`,
	`CREATE INDEX IF NOT EXISTS idx_api_key_usage_occurred_at ON api_key_usage(occurred_at)`,
}

// Migrate applies the schema.
func Migrate(ctx context.Context, pool Pool) error {
	for i, migration := range migrations {
		if _, err := pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}
