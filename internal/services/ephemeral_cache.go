package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

// EphemeralCache is a TTL key-value store for derived, session-scoped state.
// Entries may vanish at any time; callers rebuild on miss.
type EphemeralCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	DeletePrefix(ctx context.Context, prefix string) (int, error)
	Ping(ctx context.Context) error
}

// RedisCache is the shared cache used when REDIS_URL is configured
type RedisCache struct {
	redis *RedisService
}

// NewRedisCache creates a Redis-backed cache
func NewRedisCache(r *RedisService) *RedisCache {
	return &RedisCache{redis: r}
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := c.redis.Get(ctx, key)
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.redis.Set(ctx, key, value, ttl)
}

func (c *RedisCache) Delete(ctx context.Context, keys ...string) error {
	return c.redis.Delete(ctx, keys...)
}

func (c *RedisCache) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	return c.redis.DeletePrefix(ctx, prefix)
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.redis.Ping(ctx)
}

// LocalCache is the single-instance fallback backed by go-cache
type LocalCache struct {
	cache *cache.Cache
}

// NewLocalCache creates an in-process cache
func NewLocalCache(defaultTTL, cleanupInterval time.Duration) *LocalCache {
	return &LocalCache{cache: cache.New(defaultTTL, cleanupInterval)}
}

func (c *LocalCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	value, found := c.cache.Get(key)
	if !found {
		return nil, false, nil
	}
	b, ok := value.([]byte)
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), b...), true, nil
}

func (c *LocalCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.cache.Set(key, append([]byte(nil), value...), ttl)
	return nil
}

func (c *LocalCache) Delete(_ context.Context, keys ...string) error {
	for _, key := range keys {
		c.cache.Delete(key)
	}
	return nil
}

func (c *LocalCache) DeletePrefix(_ context.Context, prefix string) (int, error) {
	deleted := 0
	for key := range c.cache.Items() {
		if strings.HasPrefix(key, prefix) {
			c.cache.Delete(key)
			deleted++
		}
	}
	return deleted, nil
}

func (c *LocalCache) Ping(context.Context) error {
	return nil
}
