package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/vyrodovalexey/keygate/internal/auth/apikey"
	"github.com/vyrodovalexey/keygate/internal/observability"
	"github.com/vyrodovalexey/keygate/internal/usage"
)

var keyColumns = []string{
	"id", "owner_id", "name", "key_hash", "scopes", "expires_at",
	"rate_limit", "rate_interval_ms", "last_used_at", "created_at",
}

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })
	return mock
}

// ============================================================
// KeyStore
// ============================================================

func TestKeyStore_FindByHash(t *testing.T) {
	mock := newMock(t)
	store := NewKeyStore(mock)
	ctx := context.Background()

	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	expires := created.Add(30 * 24 * time.Hour)

	rows := pgxmock.NewRows(keyColumns).
		AddRow("k1", "u1", "ci", "hash-1", []string{"read", "write"}, &expires, 100, int64(60000), nil, created)
	mock.ExpectQuery(`SELECT id, owner_id, name, key_hash, scopes`).
		WithArgs("hash-1").
		WillReturnRows(rows)

	rec, err := store.FindByHash(ctx, "hash-1")
	require.NoError(t, err)

	assert.Equal(t, "k1", rec.ID)
	assert.Equal(t, "u1", rec.OwnerID)
	assert.Equal(t, "ci", rec.Name)
	assert.Equal(t, []string{"read", "write"}, rec.Scopes)
	require.NotNil(t, rec.ExpiresAt)
	assert.Equal(t, expires, *rec.ExpiresAt)
	assert.Equal(t, 100, rec.RateLimit)
	assert.Equal(t, time.Minute, rec.RateInterval)
	assert.Nil(t, rec.LastUsedAt)
	assert.Equal(t, created, rec.CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestKeyStore_FindByHash_NilScopes(t *testing.T) {
	mock := newMock(t)
	store := NewKeyStore(mock)

	rows := pgxmock.NewRows(keyColumns).
		AddRow("k2", "u2", "", "hash-2", nil, nil, 0, int64(0), nil, time.Now())
	mock.ExpectQuery(`FROM api_keys`).WithArgs("hash-2").WillReturnRows(rows)

	rec, err := store.FindByHash(context.Background(), "hash-2")
	require.NoError(t, err)
	assert.NotNil(t, rec.Scopes)
	assert.Empty(t, rec.Scopes)
	assert.Nil(t, rec.ExpiresAt)
	assert.Zero(t, rec.RateInterval)
}

func TestKeyStore_FindByHash_NotFound(t *testing.T) {
	mock := newMock(t)
	store := NewKeyStore(mock)

	mock.ExpectQuery(`FROM api_keys`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	rec, err := store.FindByHash(context.Background(), "missing")
	assert.Nil(t, rec)
	assert.ErrorIs(t, err, apikey.ErrKeyNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestKeyStore_FindByHash_StoreError(t *testing.T) {
	mock := newMock(t)
	store := NewKeyStore(mock)

	dbErr := errors.New("connection reset")
	mock.ExpectQuery(`FROM api_keys`).
		WithArgs("h").
		WillReturnError(dbErr)

	_, err := store.FindByHash(context.Background(), "h")
	assert.ErrorIs(t, err, dbErr)
	assert.NotErrorIs(t, err, apikey.ErrKeyNotFound)
}

func TestKeyStore_TouchLastUsed(t *testing.T) {
	mock := newMock(t)
	store := NewKeyStore(mock)

	mock.ExpectExec(`UPDATE api_keys SET last_used_at`).
		WithArgs("k1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE api_keys SET last_used_at`).
		WithArgs("k2").
		WillReturnError(errors.New("timeout"))

	assert.NoError(t, store.TouchLastUsed(context.Background(), "k1"))
	assert.ErrorContains(t, store.TouchLastUsed(context.Background(), "k2"), "touch api key k2")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestKeyStore_Ping(t *testing.T) {
	mock := newMock(t)
	mock.ExpectPing()

	assert.NoError(t, NewKeyStore(mock).Ping(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

// ============================================================
// UsageSink
// ============================================================

func TestUsageSink_Write(t *testing.T) {
	mock := newMock(t)
	sink := NewUsageSink(mock)

	at := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	events := []usage.Event{
		{ID: "e1", APIKeyID: "k1", OwnerID: "u1", Endpoint: "/v1/a", Method: "GET", StatusCode: 200, ResponseTimeMs: 12, ClientIP: "10.0.0.1", OccurredAt: at},
		{ID: "e2", APIKeyID: "k1", OwnerID: "u1", Endpoint: "/v1/b", Method: "POST", StatusCode: 429, ErrorKind: "RateLimited", OccurredAt: at},
	}

	ip := "10.0.0.1"
	kind := "RateLimited"
	eb := mock.ExpectBatch()
	eb.ExpectExec(`INSERT INTO api_key_usage`).
		WithArgs("e1", "k1", "u1", "/v1/a", "GET", 200, int64(12), &ip, (*string)(nil), (*string)(nil), (*string)(nil), at).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	eb.ExpectExec(`INSERT INTO api_key_usage`).
		WithArgs("e2", "k1", "u1", "/v1/b", "POST", 429, int64(0), (*string)(nil), (*string)(nil), &kind, (*string)(nil), at).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, sink.Write(context.Background(), events))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUsageSink_WriteEmpty(t *testing.T) {
	mock := newMock(t)
	assert.NoError(t, NewUsageSink(mock).Write(context.Background(), nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUsageSink_WriteError(t *testing.T) {
	mock := newMock(t)
	sink := NewUsageSink(mock)

	eb := mock.ExpectBatch()
	eb.ExpectExec(`INSERT INTO api_key_usage`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errors.New("relation does not exist"))

	err := sink.Write(context.Background(), []usage.Event{{ID: "e1", APIKeyID: "k1"}})
	assert.ErrorContains(t, err, "insert 1 usage events")
}

// ============================================================
// Migrate
// ============================================================

func TestMigrate(t *testing.T) {
	mock := newMock(t)
	for range migrations {
		mock.ExpectExec(`CREATE`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	}

	require.NoError(t, Migrate(context.Background(), mock))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate_StopsOnError(t *testing.T) {
	mock := newMock(t)
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS api_keys`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(`CREATE INDEX`).WillReturnError(errors.New("permission denied"))

	err := Migrate(context.Background(), mock)
	assert.ErrorContains(t, err, "migration 2 failed")
	assert.NoError(t, mock.ExpectationsWereMet())
}

// ============================================================
// Retention
// ============================================================

func TestPruner_Prune(t *testing.T) {
	mock := newMock(t)
	now := time.Date(2026, 6, 1, 3, 0, 0, 0, time.UTC)

	p := NewPruner(mock, 30*24*time.Hour)
	p.now = func() time.Time { return now }

	mock.ExpectExec(`DELETE FROM api_key_usage WHERE occurred_at`).
		WithArgs(now.Add(-30 * 24 * time.Hour)).
		WillReturnResult(pgxmock.NewResult("DELETE", 42))

	deleted, err := p.Prune(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(42), deleted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPruner_Disabled(t *testing.T) {
	mock := newMock(t)

	deleted, err := NewPruner(mock, 0).Prune(context.Background())
	require.NoError(t, err)
	assert.Zero(t, deleted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRetentionScheduler_RunOnce(t *testing.T) {
	mock := newMock(t)
	core, logs := observer.New(zapcore.DebugLevel)
	logger := observability.NewLoggerFromZap(zap.New(core))

	s := NewRetentionScheduler(NewPruner(mock, time.Hour), "0 3 * * *", logger)

	mock.ExpectExec(`DELETE FROM api_key_usage`).
		WithArgs(pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("DELETE", 3))
	mock.ExpectExec(`DELETE FROM api_key_usage`).
		WithArgs(pgxmock.AnyArg()).
		WillReturnError(errors.New("lock timeout"))

	s.RunOnce(context.Background())
	s.RunOnce(context.Background())

	assert.Equal(t, 1, logs.FilterMessage("scheduled usage pruning completed").Len())
	assert.Equal(t, 1, logs.FilterMessage("scheduled usage pruning failed").Len())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRetentionScheduler_StartStop(t *testing.T) {
	mock := newMock(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := NewRetentionScheduler(NewPruner(mock, time.Hour), "0 3 * * *", nil)
	require.NoError(t, s.Start(ctx))
	assert.True(t, s.IsRunning())
	require.NotNil(t, s.NextRun())
	assert.Equal(t, 3, s.NextRun().Hour())

	s.Stop()
	assert.False(t, s.IsRunning())
	s.Stop()
}

func TestRetentionScheduler_StopsWithContext(t *testing.T) {
	mock := newMock(t)
	ctx, cancel := context.WithCancel(context.Background())

	s := NewRetentionScheduler(NewPruner(mock, time.Hour), "@every 1h", nil)
	require.NoError(t, s.Start(ctx))
	cancel()

	assert.Eventually(t, func() bool { return !s.IsRunning() }, time.Second, 5*time.Millisecond)
}

func TestRetentionScheduler_Schedules(t *testing.T) {
	tests := []struct {
		name     string
		schedule string
		running  bool
		wantErr  bool
	}{
		{name: "empty disables", schedule: "", running: false},
		{name: "invalid", schedule: "every day", wantErr: true},
		{name: "standard", schedule: "*/5 * * * *", running: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewRetentionScheduler(NewPruner(newMock(t), time.Hour), tt.schedule, nil)
			err := s.Start(context.Background())
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.running, s.IsRunning())
			s.Stop()
		})
	}
}
