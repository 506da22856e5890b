package apikey

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vyrodovalexey/keygate/internal/config"
)

// ErrKeyNotFound is returned by FindByHash when no record has the given hash.
// Any other error from a Store is a store failure, not a bad key.
var ErrKeyNotFound = errors.New("api key not found")

// KeyRecord is the persisted view of an issued key. It never holds the raw key.
// RateLimit is requests per RateInterval; zero defers to the gateway default
// and a negative value means unlimited.
type KeyRecord struct {
	ID           string
	OwnerID      string
	Name         string
	KeyHash      string
	Scopes       []string
	ExpiresAt    *time.Time
	RateLimit    int
	RateInterval time.Duration
	LastUsedAt   *time.Time
	CreatedAt    time.Time
}

// IsExpired reports whether the key has an expiry that is at or before now.
func (k *KeyRecord) IsExpired(now time.Time) bool {
	return k.ExpiresAt != nil && !now.Before(*k.ExpiresAt)
}

// Clone returns a deep copy.
func (k *KeyRecord) Clone() *KeyRecord {
	c := *k
	c.Scopes = append([]string(nil), k.Scopes...)
	if k.ExpiresAt != nil {
		t := *k.ExpiresAt
		c.ExpiresAt = &t
	}
	if k.LastUsedAt != nil {
		t := *k.LastUsedAt
		c.LastUsedAt = &t
	}
	return &c
}

// Store looks up keys by hash and records their last use.
type Store interface {
	FindByHash(ctx context.Context, keyHash string) (*KeyRecord, error)
	TouchLastUsed(ctx context.Context, keyID string) error
}

// MemoryStore is an in-memory Store indexed by key hash.
type MemoryStore struct {
	byHash map[string]*KeyRecord
	byID   map[string]string
	mu     sync.RWMutex
	now    func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byHash: make(map[string]*KeyRecord),
		byID:   make(map[string]string),
		now:    time.Now,
	}
}

// NewMemoryStoreFromConfig builds a store from statically configured keys.
// Raw keys are hashed with hasher and discarded.
func NewMemoryStoreFromConfig(keys []config.StaticKey, hasher Hasher) (*MemoryStore, error) {
	s := NewMemoryStore()
	now := time.Now()

	for i := range keys {
		k := &keys[i]
		keyHash := k.Hash
		if k.Key != "" {
			keyHash = hasher.Hash(k.Key)
		}

		record := &KeyRecord{
			ID:           k.ID,
			OwnerID:      k.OwnerID,
			Name:         k.Name,
			KeyHash:      keyHash,
			Scopes:       append([]string(nil), k.Scopes...),
			ExpiresAt:    k.ExpiresAt,
			RateLimit:    k.RateLimit,
			RateInterval: k.RateInterval.Duration(),
			CreatedAt:    now,
		}
		if err := s.Add(record); err != nil {
			return nil, fmt.Errorf("key %s: %w", k.ID, err)
		}
	}

	return s, nil
}

// Add inserts a record. Hashes and IDs must be unique.
func (s *MemoryStore) Add(record *KeyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byHash[record.KeyHash]; exists {
		return errors.New("duplicate key hash")
	}
	if _, exists := s.byID[record.ID]; exists {
		return errors.New("duplicate key id")
	}

	s.byHash[record.KeyHash] = record.Clone()
	s.byID[record.ID] = record.KeyHash
	return nil
}

// Revoke removes a key by ID. It reports whether the key existed.
func (s *MemoryStore) Revoke(keyID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	keyHash, ok := s.byID[keyID]
	if !ok {
		return false
	}
	delete(s.byID, keyID)
	delete(s.byHash, keyHash)
	return true
}

// FindByHash implements Store.
func (s *MemoryStore) FindByHash(_ context.Context, keyHash string) (*KeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.byHash[keyHash]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return record.Clone(), nil
}

// TouchLastUsed implements Store.
func (s *MemoryStore) TouchLastUsed(_ context.Context, keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	keyHash, ok := s.byID[keyID]
	if !ok {
		return ErrKeyNotFound
	}
	now := s.now()
	s.byHash[keyHash].LastUsedAt = &now
	return nil
}

// Count returns the number of stored keys.
func (s *MemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byHash)
}

var _ Store = (*MemoryStore)(nil)
