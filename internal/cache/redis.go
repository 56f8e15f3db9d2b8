package cache

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis-backed cache.
type RedisConfig struct {
	// DefaultTTL applies when Set is called without a TTL (default: 5 minutes)
	DefaultTTL time.Duration
	// KeyPrefix is prepended to every key (default: "apq:response:")
	KeyPrefix string
	// FallbackOnError turns Redis write errors into silent no-ops so the
	// endpoint keeps serving uncached.
	FallbackOnError bool
}

// Redis is a Store shared by every gateway process.
type Redis struct {
	client          redis.UniversalClient
	keyPrefix       string
	defaultTTL      time.Duration
	fallbackOnError bool
	stats           counters
}

// NewRedis creates a cache on an existing client.
func NewRedis(client redis.UniversalClient, cfg RedisConfig) *Redis {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 5 * time.Minute
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "apq:response:"
	}
	return &Redis{
		client:          client,
		keyPrefix:       cfg.KeyPrefix,
		defaultTTL:      cfg.DefaultTTL,
		fallbackOnError: cfg.FallbackOnError,
	}
}

// redisEntry is the serializable form of an Entry.
type redisEntry struct {
	Body      []byte
	Tokens    []string
	CreatedAt int64
	ExpiresAt int64
}

func encodeEntry(e *Entry) ([]byte, error) {
	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(redisEntry{
		Body:      e.Body,
		Tokens:    e.Tokens,
		CreatedAt: e.CreatedAt.UnixNano(),
		ExpiresAt: e.ExpiresAt.UnixNano(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode entry: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeEntry(data []byte) (*Entry, error) {
	var re redisEntry
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&re); err != nil {
		return nil, fmt.Errorf("failed to decode entry: %w", err)
	}
	return &Entry{
		Body:      re.Body,
		Tokens:    re.Tokens,
		CreatedAt: time.Unix(0, re.CreatedAt),
		ExpiresAt: time.Unix(0, re.ExpiresAt),
	}, nil
}

func (rc *Redis) fullKey(key string) string {
	return rc.keyPrefix + key
}

// Get retrieves an entry. Redis errors count as misses.
func (rc *Redis) Get(ctx context.Context, key string) (*Entry, bool) {
	data, err := rc.client.Get(ctx, rc.fullKey(key)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			rc.stats.errors.Add(1)
		}
		rc.stats.misses.Add(1)
		return nil, false
	}

	entry, err := decodeEntry(data)
	if err != nil {
		rc.stats.errors.Add(1)
		rc.stats.misses.Add(1)
		return nil, false
	}
	if entry.IsExpired() {
		rc.stats.misses.Add(1)
		return nil, false
	}

	rc.stats.hits.Add(1)
	return entry, true
}

// Set stores entry for ttl, or the default TTL when ttl is zero.
func (rc *Redis) Set(ctx context.Context, key string, entry *Entry, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = rc.defaultTTL
	}
	now := time.Now()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.ExpiresAt = now.Add(ttl)

	data, err := encodeEntry(entry)
	if err != nil {
		return err
	}

	if err := rc.client.Set(ctx, rc.fullKey(key), data, ttl).Err(); err != nil {
		rc.stats.errors.Add(1)
		if rc.fallbackOnError {
			return nil
		}
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Delete removes key.
func (rc *Redis) Delete(ctx context.Context, key string) error {
	if err := rc.client.Del(ctx, rc.fullKey(key)).Err(); err != nil {
		rc.stats.errors.Add(1)
		if rc.fallbackOnError {
			return nil
		}
		return fmt.Errorf("redis delete failed: %w", err)
	}
	return nil
}

// Purge removes every key under the cache prefix.
func (rc *Redis) Purge(ctx context.Context) (int, error) {
	var (
		cursor uint64
		total  int
	)
	for {
		keys, next, err := rc.client.Scan(ctx, cursor, rc.keyPrefix+"*", 100).Result()
		if err != nil {
			rc.stats.errors.Add(1)
			return total, fmt.Errorf("redis scan failed: %w", err)
		}

		if len(keys) > 0 {
			deleted, err := rc.client.Del(ctx, keys...).Result()
			if err != nil {
				rc.stats.errors.Add(1)
				return total, fmt.Errorf("redis delete failed: %w", err)
			}
			total += int(deleted)
		}

		cursor = next
		if cursor == 0 {
			return total, nil
		}
	}
}

// PurgeToken removes every entry whose tokens include token. Entries that
// cannot be decoded are left alone.
func (rc *Redis) PurgeToken(ctx context.Context, token string) (int, error) {
	var (
		cursor uint64
		total  int
	)
	for {
		keys, next, err := rc.client.Scan(ctx, cursor, rc.keyPrefix+"*", 100).Result()
		if err != nil {
			rc.stats.errors.Add(1)
			return total, fmt.Errorf("redis scan failed: %w", err)
		}

		var matched []string
		for _, key := range keys {
			data, err := rc.client.Get(ctx, key).Bytes()
			if err != nil {
				continue
			}
			entry, err := decodeEntry(data)
			if err != nil || !entry.HasToken(token) {
				continue
			}
			matched = append(matched, key)
		}
		if len(matched) > 0 {
			deleted, err := rc.client.Del(ctx, matched...).Result()
			if err != nil {
				rc.stats.errors.Add(1)
				return total, fmt.Errorf("redis delete failed: %w", err)
			}
			total += int(deleted)
		}

		cursor = next
		if cursor == 0 {
			return total, nil
		}
	}
}

// Len counts the keys under the cache prefix.
func (rc *Redis) Len(ctx context.Context) (int, error) {
	var (
		cursor uint64
		count  int
	)
	for {
		keys, next, err := rc.client.Scan(ctx, cursor, rc.keyPrefix+"*", 1000).Result()
		if err != nil {
			return count, fmt.Errorf("redis scan failed: %w", err)
		}
		count += len(keys)
		cursor = next
		if cursor == 0 {
			return count, nil
		}
	}
}

// Stats returns the counters of this process. Entries is left at zero; use
// Len for the shared key count.
func (rc *Redis) Stats() Stats {
	return Stats{
		Hits:   rc.stats.hits.Load(),
		Misses: rc.stats.misses.Load(),
		Errors: rc.stats.errors.Load(),
	}
}
