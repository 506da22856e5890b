package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/vyrodovalexey/keygate/internal/auth/apikey"
)

const findByHashSQL = `
	SELECT id, owner_id, name, key_hash, scopes, expires_at, rate_limit, rate_interval_ms, last_used_at, created_at
	FROM api_keys
	WHERE key_hash = $1 AND revoked_at IS NULL`

const touchLastUsedSQL = `UPDATE api_keys SET last_used_at = NOW() WHERE id = $1`

// KeyStore reads API keys from the api_keys table. Revoked keys are
// invisible to lookups.
type KeyStore struct {
	pool Pool
}

// NewKeyStore creates a KeyStore.
func NewKeyStore(pool Pool) *KeyStore {
	return &KeyStore{pool: pool}
}

// FindByHash implements apikey.Store.
func (s *KeyStore) FindByHash(ctx context.Context, keyHash string) (*apikey.KeyRecord, error) {
	var (
		rec        apikey.KeyRecord
		intervalMs int64
		expiresAt  *time.Time
		lastUsedAt *time.Time
		scopes     []string
	)

	err := s.pool.QueryRow(ctx, findByHashSQL, keyHash).Scan(
		&rec.ID,
		&rec.OwnerID,
		&rec.Name,
		&rec.KeyHash,
		&scopes,
		&expiresAt,
		&rec.RateLimit,
		&intervalMs,
		&lastUsedAt,
		&rec.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apikey.ErrKeyNotFound
		}
		return nil, fmt.Errorf("find api key: %w", err)
	}

	if scopes == nil {
		scopes = []string{}
	}
	rec.Scopes = scopes
	rec.ExpiresAt = expiresAt
	rec.LastUsedAt = lastUsedAt
	rec.RateInterval = time.Duration(intervalMs) * time.Millisecond
	return &rec, nil
}

// TouchLastUsed implements apikey.Store.
func (s *KeyStore) TouchLastUsed(ctx context.Context, keyID string) error {
	if _, err := s.pool.Exec(ctx, touchLastUsedSQL, keyID); err != nil {
		return fmt.Errorf("touch api key %s: %w", keyID, err)
	}
	return nil
}

// Ping checks connectivity.
func (s *KeyStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

var _ apikey.Store = (*KeyStore)(nil)
