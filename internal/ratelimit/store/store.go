// Package store provides the atomic counters behind the rate limiter.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("counter store closed")

// Count is the result of an increment: the counter value after the
// increment and the time left before the counter resets.
type Count struct {
	Value int64
	TTL   time.Duration
}

// Counter is a shared, atomically incremented counter with expiry. The
// increment and the expiry assignment for a new key must be a single atomic
// step so that concurrent callers across processes never observe a counter
// without a window.
type Counter interface {
	// IncrementWithExpiry adds delta to key. When the key is new (or has lost
	// its expiry) the expiry is set to expiration.
	IncrementWithExpiry(ctx context.Context, key string, delta int64, expiration time.Duration) (Count, error)

	// Close releases resources held by the store.
	Close() error
}

// Pinger is implemented by stores with a remote backend.
type Pinger interface {
	Ping(ctx context.Context) error
}
