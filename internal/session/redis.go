package session

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisTTL = 24 * time.Hour

// RedisBackend stores keys in Redis with a TTL, for consoles that share a
// session across machines.
type RedisBackend struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisBackend creates a Redis-based backend. A non-positive ttl uses
// 24 hours.
func NewRedisBackend(client *redis.Client, prefix string, ttl time.Duration) *RedisBackend {
	if ttl <= 0 {
		ttl = defaultRedisTTL
	}
	if prefix == "" {
		prefix = "sentinel:"
	}
	return &RedisBackend{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisBackend) key(k string) string { return r.prefix + k }

func (r *RedisBackend) Read(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	// Refresh TTL on read; failure here only shortens the session.
	_ = r.client.Expire(ctx, r.key(key), r.ttl).Err()
	return val, true, nil
}

func (r *RedisBackend) Write(ctx context.Context, key string, value []byte) error {
	return r.client.Set(ctx, r.key(key), value, r.ttl).Err()
}

func (r *RedisBackend) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.key(k)
	}
	return r.client.Del(ctx, full...).Err()
}

func (r *RedisBackend) Close() error {
	return r.client.Close()
}
