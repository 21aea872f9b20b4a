package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/allegro/bigcache/v3"
)

// memoryLifeWindow keeps bigcache from expiring entries; covers are never evicted.
const memoryLifeWindow = 100 * 365 * 24 * time.Hour

var noContentValue = []byte{1}

// MemoryCache implements Cache in process memory on top of BigCache.
// It is intended for tests and single-process deployments that can afford
// to refetch everything on restart.
type MemoryCache struct {
	cache  *bigcache.BigCache
	mu     sync.RWMutex
	closed bool
}

// NewMemoryCache creates an empty in-memory cache.
func NewMemoryCache() (*MemoryCache, error) {
	cfg := bigcache.DefaultConfig(memoryLifeWindow)
	cfg.CleanWindow = 0
	cfg.HardMaxCacheSize = 0
	cfg.Verbose = false

	bc, err := bigcache.New(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create memory cache: %w", err)
	}
	return &MemoryCache{cache: bc}, nil
}

func contentKey(key string) string { return "c:" + key }
func markerKey(key string) string  { return "n:" + key }

// Store saves data under key and clears any no-content marker.
func (c *MemoryCache) Store(ctx context.Context, key string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	if err := c.cache.Set(contentKey(key), data); err != nil {
		return fmt.Errorf("failed to store %s: %w", key, err)
	}
	if err := c.delete(markerKey(key)); err != nil {
		return fmt.Errorf("failed to clear no-content marker for %s: %w", key, err)
	}
	return nil
}

// Get retrieves the content stored under key.
func (c *MemoryCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, false, ErrClosed
	}

	data, err := c.cache.Get(contentKey(key))
	if errors.Is(err, bigcache.ErrEntryNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return data, true, nil
}

// Delete removes the content and the no-content marker for key.
func (c *MemoryCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	if err := c.delete(contentKey(key)); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	if err := c.delete(markerKey(key)); err != nil {
		return fmt.Errorf("failed to delete no-content marker for %s: %w", key, err)
	}
	return nil
}

// MarkNoContent records that key has no content and drops any stored content.
func (c *MemoryCache) MarkNoContent(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	if err := c.cache.Set(markerKey(key), noContentValue); err != nil {
		return fmt.Errorf("failed to mark %s as having no content: %w", key, err)
	}
	if err := c.delete(contentKey(key)); err != nil {
		return fmt.Errorf("failed to drop content for %s: %w", key, err)
	}
	return nil
}

// IsNoContent reports whether key is marked as having no content.
func (c *MemoryCache) IsNoContent(ctx context.Context, key string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false, ErrClosed
	}

	_, err := c.cache.Get(markerKey(key))
	if errors.Is(err, bigcache.ErrEntryNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read no-content marker for %s: %w", key, err)
	}
	return true, nil
}

// Close releases the underlying BigCache. Closing twice is a no-op.
func (c *MemoryCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.cache.Close()
}

func (c *MemoryCache) delete(k string) error {
	err := c.cache.Delete(k)
	if err != nil && !errors.Is(err, bigcache.ErrEntryNotFound) {
		return err
	}
	return nil
}

var _ Cache = (*MemoryCache)(nil)
