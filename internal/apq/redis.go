package apq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStoreConfig configures a RedisStore.
type RedisStoreConfig struct {
	// KeyPrefix is prepended to every hash (default: "apq:query:").
	KeyPrefix string
	// TTL is how long an entry lives after registration (0 = forever).
	TTL time.Duration
}

// RedisStore keeps registry entries in Redis so that every gateway process
// behind a load balancer resolves the same hashes.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
}

// NewRedisStore creates a store on an existing client.
func NewRedisStore(client redis.UniversalClient, cfg RedisStoreConfig) *RedisStore {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "apq:query:"
	}
	return &RedisStore{
		client:    client,
		keyPrefix: cfg.KeyPrefix,
		ttl:       cfg.TTL,
	}
}

func (s *RedisStore) fullKey(hash string) string {
	return s.keyPrefix + hash
}

// Load returns the entry stored under hash.
func (s *RedisStore) Load(ctx context.Context, hash string) (Entry, bool, error) {
	data, err := s.client.Get(ctx, s.fullKey(hash)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("redis get failed: %w", err)
	}

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, false, fmt.Errorf("decoding entry %s: %w", hash, err)
	}
	return e, true, nil
}

// PutIfAbsent stores e with SETNX so concurrent registrations from any
// process converge on one entry.
func (s *RedisStore) PutIfAbsent(ctx context.Context, e Entry) (Entry, bool, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return Entry{}, false, fmt.Errorf("encoding entry %s: %w", e.Hash, err)
	}

	// The existing key can expire between SETNX and GET; retry a few times.
	for attempt := 0; attempt < 3; attempt++ {
		ok, err := s.client.SetNX(ctx, s.fullKey(e.Hash), data, s.ttl).Result()
		if err != nil {
			return Entry{}, false, fmt.Errorf("redis setnx failed: %w", err)
		}
		if ok {
			return e, true, nil
		}

		existing, found, err := s.Load(ctx, e.Hash)
		if err != nil {
			return Entry{}, false, err
		}
		if found {
			return existing, false, nil
		}
	}
	return Entry{}, false, fmt.Errorf("redis setnx for %s did not converge", e.Hash)
}

// Len counts the keys under the store prefix.
func (s *RedisStore) Len(ctx context.Context) (int, error) {
	var (
		cursor uint64
		count  int
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.keyPrefix+"*", 1000).Result()
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
