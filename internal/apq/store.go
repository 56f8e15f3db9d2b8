package apq

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Store persists registry entries. Implementations must make PutIfAbsent an
// atomic check-then-insert and make a returned insert visible to every
// subsequent Load.
type Store interface {
	// Load returns the entry stored under hash.
	Load(ctx context.Context, hash string) (Entry, bool, error)
	// PutIfAbsent stores e unless an entry with the same hash exists. It
	// returns the entry held after the call and whether e was inserted.
	PutIfAbsent(ctx context.Context, e Entry) (Entry, bool, error)
	// Len returns the number of live entries.
	Len(ctx context.Context) (int, error)
}

// MemoryStoreConfig bounds a MemoryStore.
type MemoryStoreConfig struct {
	// Capacity is the maximum number of entries (default: 10000).
	// The least recently used entry is evicted first.
	Capacity int
	// TTL is how long an entry lives after registration (0 = forever).
	TTL time.Duration
}

// MemoryStore is an in-process Store bounded by capacity and TTL.
type MemoryStore struct {
	entries *expirable.LRU[string, Entry]
	mu      sync.Mutex
}

// NewMemoryStore creates a memory store.
func NewMemoryStore(cfg MemoryStoreConfig) *MemoryStore {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 10000
	}
	if cfg.TTL < 0 {
		cfg.TTL = 0
	}
	return &MemoryStore{
		entries: expirable.NewLRU[string, Entry](cfg.Capacity, nil, cfg.TTL),
	}
}

// Load returns the entry stored under hash.
func (s *MemoryStore) Load(_ context.Context, hash string) (Entry, bool, error) {
	e, ok := s.entries.Get(hash)
	return e, ok, nil
}

// PutIfAbsent stores e unless hash is already present.
func (s *MemoryStore) PutIfAbsent(_ context.Context, e Entry) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.entries.Get(e.Hash); ok {
		return existing, false, nil
	}
	s.entries.Add(e.Hash, e)
	return e, true, nil
}

// Len returns the number of live entries.
func (s *MemoryStore) Len(_ context.Context) (int, error) {
	return s.entries.Len(), nil
}

// Remove drops hash from the store. Later lookups behave as if it was never
// registered.
func (s *MemoryStore) Remove(hash string) bool {
	return s.entries.Remove(hash)
}
