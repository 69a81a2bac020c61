// Package idempotency caches checkout receipts by idempotency key so a
// retried request can be answered without touching the database.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const keyPrefix = "storefront:idempotency:"

func cacheKey(key string) string {
	return keyPrefix + key
}

type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

// Connect parses url, pings the server and returns a store with the given TTL.
func Connect(ctx context.Context, url string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("idempotency: invalid redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("idempotency: failed to ping redis: %w", err)
	}

	log.Info().Str("addr", opts.Addr).Dur("ttl", ttl).Msg("Idempotency cache connected")
	return NewRedisStore(client, ttl), nil
}

// Get decodes the stored value into dst. A missing key is (false, nil).
func (s *RedisStore) Get(ctx context.Context, key string, dst any) (bool, error) {
	raw, err := s.client.Get(ctx, cacheKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("idempotency: failed to get %s: %w", key, err)
	}

	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("idempotency: corrupt entry %s: %w", key, err)
	}

	return true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("idempotency: failed to encode %s: %w", key, err)
	}

	if err := s.client.Set(ctx, cacheKey(key), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("idempotency: failed to set %s: %w", key, err)
	}

	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Disabled is used when no cache is configured. Every lookup misses, so the
// database unique key alone guards replays.
type Disabled struct{}

func (Disabled) Get(context.Context, string, any) (bool, error) { return false, nil }

func (Disabled) Set(context.Context, string, any) error { return nil }
