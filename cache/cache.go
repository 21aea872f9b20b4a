package cache

import (
	"context"
	"errors"
)

// Cache defines the interface for the binary cover cache.
//
// A key is either holding content, marked as having no content, or unknown.
// Storing content clears the no-content marker for the same key.
type Cache interface {
	// Store saves data under key and clears any no-content marker for key.
	Store(ctx context.Context, key string, data []byte) error

	// Get returns the content stored under key.
	// Returns nil, false and a nil error if nothing is stored.
	Get(ctx context.Context, key string) (data []byte, ok bool, err error)

	// Delete removes both the content and the no-content marker for key.
	Delete(ctx context.Context, key string) error

	// MarkNoContent records that a lookup for key found nothing.
	MarkNoContent(ctx context.Context, key string) error

	// IsNoContent reports whether key has been marked as having no content.
	IsNoContent(ctx context.Context, key string) (bool, error)

	// Close releases the resources held by the cache.
	Close() error
}

// FileProvider is implemented by caches that keep entries in plain files.
// The returned path must be treated as read-only.
type FileProvider interface {
	Path(ctx context.Context, key string) (path string, ok bool, err error)
}

// ErrClosed is returned by operations on a closed cache.
var ErrClosed = errors.New("cache is closed")
