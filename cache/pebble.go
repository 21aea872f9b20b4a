package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble/v2"
)

// PebbleCache implements Cache on a PebbleDB key-value store.
//
// Key Schema:
//   - c:<key> -> cached bytes
//   - n:<key> -> no-content marker
type PebbleCache struct {
	db *pebble.DB
}

// NewPebbleCache opens (or creates) a PebbleDB at path.
func NewPebbleCache(path string) (*PebbleCache, error) {
	db, err := pebble.Open(path, &pebble.Options{
		FormatMajorVersion: pebble.FormatNewest,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open PebbleDB: %w", err)
	}
	return &PebbleCache{db: db}, nil
}

// Store writes data and clears the no-content marker in one batch.
func (c *PebbleCache) Store(ctx context.Context, key string, data []byte) error {
	b := c.db.NewBatch()
	defer b.Close()

	if err := b.Set([]byte(contentKey(key)), data, nil); err != nil {
		return fmt.Errorf("failed to stage %s: %w", key, err)
	}
	if err := b.Delete([]byte(markerKey(key)), nil); err != nil {
		return fmt.Errorf("failed to stage marker removal for %s: %w", key, err)
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to store %s: %w", key, err)
	}
	return nil
}

// Get retrieves the content stored under key.
func (c *PebbleCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, closer, err := c.db.Get([]byte(contentKey(key)))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	defer closer.Close()

	// value is only valid until closer.Close
	data := make([]byte, len(value))
	copy(data, value)
	return data, true, nil
}

// Delete removes the content and the no-content marker for key.
func (c *PebbleCache) Delete(ctx context.Context, key string) error {
	b := c.db.NewBatch()
	defer b.Close()

	if err := b.Delete([]byte(contentKey(key)), nil); err != nil {
		return fmt.Errorf("failed to stage removal of %s: %w", key, err)
	}
	if err := b.Delete([]byte(markerKey(key)), nil); err != nil {
		return fmt.Errorf("failed to stage marker removal for %s: %w", key, err)
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// MarkNoContent sets the marker and drops any content in one batch.
func (c *PebbleCache) MarkNoContent(ctx context.Context, key string) error {
	b := c.db.NewBatch()
	defer b.Close()

	if err := b.Set([]byte(markerKey(key)), noContentValue, nil); err != nil {
		return fmt.Errorf("failed to stage marker for %s: %w", key, err)
	}
	if err := b.Delete([]byte(contentKey(key)), nil); err != nil {
		return fmt.Errorf("failed to stage removal of %s: %w", key, err)
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to mark %s as having no content: %w", key, err)
	}
	return nil
}

// IsNoContent reports whether key is marked as having no content.
func (c *PebbleCache) IsNoContent(ctx context.Context, key string) (bool, error) {
	_, closer, err := c.db.Get([]byte(markerKey(key)))
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read no-content marker for %s: %w", key, err)
	}
	closer.Close()
	return true, nil
}

// Close closes the database.
func (c *PebbleCache) Close() error {
	return c.db.Close()
}

var _ Cache = (*PebbleCache)(nil)
