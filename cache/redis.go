package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures a RedisCache.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces every key, e.g. "covers:".
	Prefix string
}

// RedisCache implements Cache on a Redis server. Entries never expire.
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache connects to Redis and verifies the connection.
func NewRedisCache(ctx context.Context, cfg RedisConfig) (*RedisCache, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return &RedisCache{client: client, prefix: cfg.Prefix}, nil
}

func (c *RedisCache) contentKey(key string) string { return c.prefix + contentKey(key) }
func (c *RedisCache) markerKey(key string) string  { return c.prefix + markerKey(key) }

// Store writes data and clears the no-content marker in one MULTI block.
func (c *RedisCache) Store(ctx context.Context, key string, data []byte) error {
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, c.contentKey(key), data, 0)
		pipe.Del(ctx, c.markerKey(key))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store %s: %w", key, err)
	}
	return nil
}

// Get retrieves the content stored under key.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := c.client.Get(ctx, c.contentKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return data, true, nil
}

// Delete removes the content and the no-content marker for key.
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.contentKey(key), c.markerKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// MarkNoContent sets the marker and drops any content in one MULTI block.
func (c *RedisCache) MarkNoContent(ctx context.Context, key string) error {
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, c.markerKey(key), noContentValue, 0)
		pipe.Del(ctx, c.contentKey(key))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to mark %s as having no content: %w", key, err)
	}
	return nil
}

// IsNoContent reports whether key is marked as having no content.
func (c *RedisCache) IsNoContent(ctx context.Context, key string) (bool, error) {
	n, err := c.client.Exists(ctx, c.markerKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to read no-content marker for %s: %w", key, err)
	}
	return n > 0, nil
}

// Close closes the client connection pool.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

var _ Cache = (*RedisCache)(nil)
