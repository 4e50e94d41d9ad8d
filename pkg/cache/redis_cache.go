package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache shares invocation results between replicas.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

type redisEntry struct {
	Provider string    `json:"provider"`
	Model    string    `json:"model"`
	Text     string    `json:"text"`
	CachedAt time.Time `json:"cached_at"`
}

// NewRedisCache creates a new Redis-backed response cache.
func NewRedisCache(addr, password string, db int, ttl time.Duration) *RedisCache {
	return NewRedisCacheFromClient(redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	}), ttl)
}

// NewRedisCacheFromClient wraps an existing client.
func NewRedisCacheFromClient(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisCache{client: client, ttl: ttl}
}

// Get retrieves the cached text for k.
// Returns the text and true if found, or "" and false if not.
func (r *RedisCache) Get(ctx context.Context, k Key) (string, bool, error) {
	val, err := r.client.Get(ctx, k.Hash()).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis_cache: get: %w", err)
	}

	var entry redisEntry
	if err := json.Unmarshal([]byte(val), &entry); err != nil {
		return "", false, fmt.Errorf("redis_cache: unmarshal: %w", err)
	}

	return entry.Text, true, nil
}

// Set stores text under k with the configured TTL.
func (r *RedisCache) Set(ctx context.Context, k Key, text string) error {
	data, err := json.Marshal(redisEntry{
		Provider: k.Provider,
		Model:    k.Model,
		Text:     text,
		CachedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("redis_cache: marshal: %w", err)
	}

	if err := r.client.Set(ctx, k.Hash(), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis_cache: set: %w", err)
	}

	return nil
}

// Ping checks the Redis connection.
func (r *RedisCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (r *RedisCache) Close() error {
	return r.client.Close()
}
