package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/vyrodovalexey/keygate/internal/usage"
)

const insertUsageSQL = `
	INSERT INTO api_key_usage (
		id, api_key_id, owner_id, endpoint, method, status_code,
		response_time_ms, client_ip, user_agent, error_kind, request_id, occurred_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	ON CONFLICT (id) DO NOTHING`

// UsageSink writes usage events to the api_key_usage table.
type UsageSink struct {
	pool Pool
}

// NewUsageSink creates a UsageSink.
func NewUsageSink(pool Pool) *UsageSink {
	return &UsageSink{pool: pool}
}

// Write implements usage.Sink. The whole batch is sent in one round trip.
func (s *UsageSink) Write(ctx context.Context, events []usage.Event) error {
	if len(events) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for i := range events {
		e := &events[i]
		batch.Queue(insertUsageSQL,
			e.ID,
			e.APIKeyID,
			e.OwnerID,
			e.Endpoint,
			e.Method,
			e.StatusCode,
			e.ResponseTimeMs,
			nullable(e.ClientIP),
			nullable(e.UserAgent),
			nullable(e.ErrorKind),
			nullable(e.RequestID),
			e.OccurredAt,
		)
	}

	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert %d usage events: %w", len(events), err)
	}
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

var _ usage.Sink = (*UsageSink)(nil)
