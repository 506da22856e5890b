package store

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	value      int64
	expiration time.Time
}

// MemoryStore is a process-local Counter. It only limits correctly when a
// single gateway instance serves all traffic.
type MemoryStore struct {
	mu      sync.Mutex
	data    map[string]*entry
	now     func() time.Time
	cleanup *time.Ticker
	done    chan struct{}
	closed  bool
}

// NewMemoryStore creates a store that sweeps expired counters every minute.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithCleanupInterval(time.Minute)
}

// NewMemoryStoreWithCleanupInterval creates a store with a custom sweep interval.
func NewMemoryStoreWithCleanupInterval(interval time.Duration) *MemoryStore {
	s := &MemoryStore{
		data:    make(map[string]*entry),
		now:     time.Now,
		cleanup: time.NewTicker(interval),
		done:    make(chan struct{}),
	}

	go s.startCleanup()

	return s
}

// IncrementWithExpiry implements Counter.
func (s *MemoryStore) IncrementWithExpiry(
	ctx context.Context,
	key string,
	delta int64,
	expiration time.Duration,
) (Count, error) {
	if err := ctx.Err(); err != nil {
		return Count{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Count{}, ErrClosed
	}

	now := s.now()
	e, ok := s.data[key]
	if !ok || !now.Before(e.expiration) {
		e = &entry{expiration: now.Add(expiration)}
		s.data[key] = e
	}
	e.value += delta

	return Count{Value: e.value, TTL: e.expiration.Sub(now)}, nil
}

// Len returns the number of live counters.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

func (s *MemoryStore) startCleanup() {
	for {
		select {
		case <-s.cleanup.C:
			s.sweep()
		case <-s.done:
			return
		}
	}
}

func (s *MemoryStore) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for k, e := range s.data {
		if !now.Before(e.expiration) {
			delete(s.data, k)
		}
	}
}

// Close stops the sweeper. It is idempotent.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.cleanup.Stop()
	close(s.done)
	return nil
}

var _ Counter = (*MemoryStore)(nil)
