// Package cache stores GraphQL responses under the key derived from their
// cache context.
package cache

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Entry is a cached response body.
type Entry struct {
	Body []byte
	// Tokens are the cache-context tokens the entry was stored under.
	Tokens    []string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// IsExpired returns true if the entry has expired.
func (e *Entry) IsExpired() bool {
	return !e.ExpiresAt.IsZero() && time.Now().After(e.ExpiresAt)
}

// HasToken reports whether the entry was stored under token.
func (e *Entry) HasToken(token string) bool {
	for _, t := range e.Tokens {
		if t == token {
			return true
		}
	}
	return false
}

// Store is a response cache keyed by an opaque string.
type Store interface {
	Get(ctx context.Context, key string) (*Entry, bool)
	Set(ctx context.Context, key string, entry *Entry, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// Purge removes every entry and returns how many were dropped.
	Purge(ctx context.Context) (int, error)
	// PurgeToken removes every entry stored under token.
	PurgeToken(ctx context.Context, token string) (int, error)
	Stats() Stats
}

// Stats tracks cache performance.
type Stats struct {
	Hits        uint64 `json:"hits"`
	Misses      uint64 `json:"misses"`
	Evictions   uint64 `json:"evictions"`
	Expirations uint64 `json:"expirations"`
	Errors      uint64 `json:"errors"`
	Entries     int    `json:"entries"`
	Size        int64  `json:"size_bytes"`
}

// HitRate returns hits / (hits + misses).
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

type counters struct {
	hits        atomic.Uint64
	misses      atomic.Uint64
	evictions   atomic.Uint64
	expirations atomic.Uint64
	errors      atomic.Uint64
}

// Config configures the in-memory cache.
type Config struct {
	// MaxSize is the maximum total body size in bytes (default: 64MB)
	MaxSize int64
	// DefaultTTL applies when Set is called without a TTL (default: 5 minutes)
	DefaultTTL time.Duration
	// ShardCount is the number of lock partitions (default: 64)
	ShardCount int
	// CleanupInterval is how often expired entries are dropped (default: 1 minute)
	CleanupInterval time.Duration
}

// DefaultConfig returns sensible cache defaults.
func DefaultConfig() Config {
	return Config{
		MaxSize:         64 * 1024 * 1024,
		DefaultTTL:      5 * time.Minute,
		ShardCount:      64,
		CleanupInterval: time.Minute,
	}
}

// Memory is a sharded in-process Store bounded by total body size.
type Memory struct {
	shards      []*shard
	shardCount  uint64
	maxSize     int64
	currentSize atomic.Int64
	ttl         time.Duration
	cleanupTick *time.Ticker
	stopCh      chan struct{}
	closeOnce   sync.Once
	stats       counters
}

type shard struct {
	entries map[string]*Entry
	mu      sync.RWMutex
}

// New creates an in-memory cache and starts its cleanup loop.
func New(cfg Config) *Memory {
	def := DefaultConfig()
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = def.MaxSize
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = def.DefaultTTL
	}
	if cfg.ShardCount <= 0 {
		cfg.ShardCount = def.ShardCount
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}

	shards := make([]*shard, cfg.ShardCount)
	for i := range shards {
		shards[i] = &shard{entries: make(map[string]*Entry)}
	}

	c := &Memory{
		shards:      shards,
		shardCount:  uint64(cfg.ShardCount),
		maxSize:     cfg.MaxSize,
		ttl:         cfg.DefaultTTL,
		cleanupTick: time.NewTicker(cfg.CleanupInterval),
		stopCh:      make(chan struct{}),
	}

	go c.cleanupLoop()

	return c
}

func (c *Memory) getShard(key string) *shard {
	return c.shards[xxhash.Sum64String(key)%c.shardCount]
}

// Get retrieves a live entry.
func (c *Memory) Get(_ context.Context, key string) (*Entry, bool) {
	s := c.getShard(key)
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok || entry.IsExpired() {
		c.stats.misses.Add(1)
		return nil, false
	}

	c.stats.hits.Add(1)
	return entry, true
}

// Set stores entry for ttl, or the default TTL when ttl is zero. Entries
// larger than the cache are silently dropped.
func (c *Memory) Set(_ context.Context, key string, entry *Entry, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.ttl
	}
	now := time.Now()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.ExpiresAt = now.Add(ttl)

	entrySize := int64(len(entry.Body))
	if entrySize > c.maxSize {
		return nil
	}

	for c.currentSize.Load()+entrySize > c.maxSize {
		if !c.evictOne() {
			break
		}
	}

	s := c.getShard(key)
	s.mu.Lock()
	if existing, ok := s.entries[key]; ok {
		c.currentSize.Add(-int64(len(existing.Body)))
	}
	s.entries[key] = entry
	c.currentSize.Add(entrySize)
	s.mu.Unlock()

	return nil
}

// Delete removes key.
func (c *Memory) Delete(_ context.Context, key string) error {
	s := c.getShard(key)
	s.mu.Lock()
	if entry, ok := s.entries[key]; ok {
		c.currentSize.Add(-int64(len(entry.Body)))
		delete(s.entries, key)
	}
	s.mu.Unlock()
	return nil
}

// Purge removes every entry.
func (c *Memory) Purge(_ context.Context) (int, error) {
	return c.remove(func(string, *Entry) bool { return true }), nil
}

// PurgeToken removes every entry stored under token, for example all
// responses of one query hash.
func (c *Memory) PurgeToken(_ context.Context, token string) (int, error) {
	return c.remove(func(_ string, e *Entry) bool { return e.HasToken(token) }), nil
}

func (c *Memory) remove(match func(string, *Entry) bool) int {
	count := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for key, entry := range s.entries {
			if match(key, entry) {
				c.currentSize.Add(-int64(len(entry.Body)))
				delete(s.entries, key)
				count++
			}
		}
		s.mu.Unlock()
	}
	return count
}

// evictOne drops the oldest entry. It returns false when nothing is left to
// evict.
func (c *Memory) evictOne() bool {
	var (
		oldestKey   string
		oldestTime  time.Time
		oldestShard *shard
	)

	for _, s := range c.shards {
		s.mu.RLock()
		for key, entry := range s.entries {
			if oldestShard == nil || entry.CreatedAt.Before(oldestTime) {
				oldestKey = key
				oldestTime = entry.CreatedAt
				oldestShard = s
			}
		}
		s.mu.RUnlock()
	}

	if oldestShard == nil {
		return false
	}

	oldestShard.mu.Lock()
	if entry, ok := oldestShard.entries[oldestKey]; ok {
		c.currentSize.Add(-int64(len(entry.Body)))
		delete(oldestShard.entries, oldestKey)
		c.stats.evictions.Add(1)
	}
	oldestShard.mu.Unlock()
	return true
}

func (c *Memory) cleanupLoop() {
	for {
		select {
		case <-c.stopCh:
			return
		case <-c.cleanupTick.C:
			c.cleanup()
		}
	}
}

func (c *Memory) cleanup() {
	for _, s := range c.shards {
		s.mu.Lock()
		for key, entry := range s.entries {
			if entry.IsExpired() {
				c.currentSize.Add(-int64(len(entry.Body)))
				delete(s.entries, key)
				c.stats.expirations.Add(1)
			}
		}
		s.mu.Unlock()
	}
}

// Close stops the cleanup loop. It is safe to call more than once.
func (c *Memory) Close() {
	c.closeOnce.Do(func() {
		close(c.stopCh)
		c.cleanupTick.Stop()
	})
}

// Size returns the current total body size in bytes.
func (c *Memory) Size() int64 {
	return c.currentSize.Load()
}

// Len returns the number of stored entries, expired ones included until the
// next cleanup.
func (c *Memory) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.RLock()
		n += len(s.entries)
		s.mu.RUnlock()
	}
	return n
}

// Stats returns current cache statistics.
func (c *Memory) Stats() Stats {
	return Stats{
		Hits:        c.stats.hits.Load(),
		Misses:      c.stats.misses.Load(),
		Evictions:   c.stats.evictions.Load(),
		Expirations: c.stats.expirations.Load(),
		Errors:      c.stats.errors.Load(),
		Entries:     c.Len(),
		Size:        c.Size(),
	}
}

// ParseCacheControl parses Cache-Control header directives.
func ParseCacheControl(header string) map[string]string {
	directives := make(map[string]string)
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		if idx := strings.Index(part, "="); idx != -1 {
			key := strings.ToLower(strings.TrimSpace(part[:idx]))
			value := strings.Trim(strings.TrimSpace(part[idx+1:]), "\"")
			directives[key] = value
		} else {
			directives[strings.ToLower(part)] = ""
		}
	}
	return directives
}

// RequestTTL returns the TTL a client asked for with max-age, or def.
// no-store and no-cache report skip.
func RequestTTL(header string, def time.Duration) (ttl time.Duration, skip bool) {
	cc := ParseCacheControl(header)
	if _, ok := cc["no-store"]; ok {
		return 0, true
	}
	if _, ok := cc["no-cache"]; ok {
		return 0, true
	}
	if maxAge, ok := cc["max-age"]; ok {
		if seconds, err := strconv.ParseInt(maxAge, 10, 64); err == nil && seconds > 0 {
			if d := time.Duration(seconds) * time.Second; d < def || def <= 0 {
				return d, false
			}
		}
	}
	return def, false
}
