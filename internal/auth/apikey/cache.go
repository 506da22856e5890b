package apikey

import (
	"context"
	"sync"
	"time"
)

type cacheEntry struct {
	record    *KeyRecord
	expiresAt time.Time
}

// CachingStore keeps positive lookups from an underlying Store for ttl. A key
// revoked in the backing store keeps authenticating until its entry expires,
// so ttl is the revocation latency. Misses and errors are never cached.
type CachingStore struct {
	next       Store
	ttl        time.Duration
	maxEntries int
	metrics    *Metrics
	now        func() time.Time

	mu      sync.Mutex
	entries map[string]cacheEntry
}

// CacheOption configures a CachingStore.
type CacheOption func(*CachingStore)

// WithCacheMetrics records hits and misses.
func WithCacheMetrics(m *Metrics) CacheOption {
	return func(c *CachingStore) {
		c.metrics = m
	}
}

// WithCacheClock overrides the clock, for tests.
func WithCacheClock(now func() time.Time) CacheOption {
	return func(c *CachingStore) {
		c.now = now
	}
}

// NewCachingStore wraps next with a positive lookup cache.
func NewCachingStore(next Store, ttl time.Duration, maxEntries int, opts ...CacheOption) *CachingStore {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	c := &CachingStore{
		next:       next,
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
		entries:    make(map[string]cacheEntry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FindByHash implements Store.
func (c *CachingStore) FindByHash(ctx context.Context, keyHash string) (*KeyRecord, error) {
	now := c.now()

	c.mu.Lock()
	entry, ok := c.entries[keyHash]
	if ok && now.Before(entry.expiresAt) {
		c.mu.Unlock()
		if c.metrics != nil {
			c.metrics.RecordCacheHit()
		}
		return entry.record.Clone(), nil
	}
	if ok {
		delete(c.entries, keyHash)
	}
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.RecordCacheMiss()
	}

	record, err := c.next.FindByHash(ctx, keyHash)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.makeRoomLocked(now)
	c.entries[keyHash] = cacheEntry{record: record.Clone(), expiresAt: now.Add(c.ttl)}
	c.mu.Unlock()

	return record, nil
}

// TouchLastUsed implements Store by delegating to the backing store.
func (c *CachingStore) TouchLastUsed(ctx context.Context, keyID string) error {
	return c.next.TouchLastUsed(ctx, keyID)
}

// Invalidate drops every cached entry.
func (c *CachingStore) Invalidate() {
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry)
	c.mu.Unlock()
}

// Len returns the number of cached entries.
func (c *CachingStore) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *CachingStore) makeRoomLocked(now time.Time) {
	if len(c.entries) < c.maxEntries {
		return
	}
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
		}
	}
	for k := range c.entries {
		if len(c.entries) < c.maxEntries {
			return
		}
		delete(c.entries, k)
	}
}

var _ Store = (*CachingStore)(nil)
