package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on Redis. This is the production backend: every
// terminal's worker process talks to the same Redis, which makes it the
// cross-terminal shared storage for sessions, the cache and the reservation
// ledger.
type RedisStore struct {
	client     *redis.Client
	prefix     string
	maxRetries int
}

type RedisConfig struct {
	Prefix string
	// MaxRetries bounds the optimistic retry loop in Update (default: 8).
	MaxRetries int
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(client *redis.Client, config RedisConfig) *RedisStore {
	if config.MaxRetries <= 0 {
		config.MaxRetries = 8
	}
	return &RedisStore{
		client:     client,
		prefix:     config.Prefix,
		maxRetries: config.MaxRetries,
	}
}

// key builds the final Redis key with prefix.
func (s *RedisStore) key(k string) string {
	if s.prefix == "" {
		return k
	}
	return s.prefix + ":" + k
}

// Get retrieves a value. On redis.Nil it reports a clean miss; other errors
// are returned for the caller to log and treat as a miss.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, fmt.Errorf("context error: %w", err)
	}

	res, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get failed: %w", err)
	}

	return res, true, nil
}

// Set stores a value with TTL. ttl <= 0 stores without expiry.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context error: %w", err)
	}

	if ttl < 0 {
		ttl = 0
	}

	if err := s.client.Set(ctx, s.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}

	return nil
}

// Delete removes a key.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context error: %w", err)
	}
	return s.client.Del(ctx, s.key(key)).Err()
}

// ScanPrefix walks the keyspace with SCAN MATCH and fetches each value.
// Entries deleted between the scan and the fetch are skipped.
func (s *RedisStore) ScanPrefix(ctx context.Context, prefix string) (map[string][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context error: %w", err)
	}

	out := make(map[string][]byte)
	fullPrefix := s.key(prefix)

	iter := s.client.Scan(ctx, 0, fullPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		fullKey := iter.Val()

		val, err := s.client.Get(ctx, fullKey).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("redis get during scan failed: %w", err)
		}

		key := fullKey
		if s.prefix != "" {
			key = fullKey[len(s.prefix)+1:]
		}
		out[key] = val
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan failed: %w", err)
	}

	return out, nil
}

// Update runs fn inside a WATCH/MULTI optimistic transaction. If another
// writer touches the key between the read and the EXEC, the transaction
// aborts and the whole read-modify-write is retried. After maxRetries lost
// races it gives up with ErrConflict.
func (s *RedisStore) Update(ctx context.Context, key string, ttl time.Duration, fn func(old []byte) ([]byte, error)) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context error: %w", err)
	}

	if ttl < 0 {
		ttl = 0
	}
	redisKey := s.key(key)

	txn := func(tx *redis.Tx) error {
		old, err := tx.Get(ctx, redisKey).Bytes()
		if err == redis.Nil {
			old = nil
		} else if err != nil {
			return fmt.Errorf("redis get failed: %w", err)
		}

		next, err := fn(old)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if next == nil {
				pipe.Del(ctx, redisKey)
			} else {
				pipe.Set(ctx, redisKey, next, ttl)
			}
			return nil
		})
		return err
	}

	for i := 0; i < s.maxRetries; i++ {
		err := s.client.Watch(ctx, txn, redisKey)
		if err == nil {
			return nil
		}
		if err == redis.TxFailedErr {
			continue // lost the race, re-read and retry
		}
		return err
	}

	return ErrConflict
}

// Ping checks if the Redis connection is healthy.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context error: %w", err)
	}
	return s.client.Ping(ctx).Err()
}

// Close is a no-op; the redis.Client is owned and closed by the caller.
func (s *RedisStore) Close() error {
	return nil
}
