package cache

import (
	"context"
	"errors"
	"fmt"

	badgerdb "github.com/dgraph-io/badger/v3"
)

// BadgerCache implements Cache on BadgerDB, using the same key schema as
// PebbleCache. Content and marker updates share one transaction.
type BadgerCache struct {
	db *badgerdb.DB
}

// NewBadgerCache opens (or creates) a BadgerDB in dir.
// An empty dir opens an in-memory database.
func NewBadgerCache(dir string) (*BadgerCache, error) {
	opts := badgerdb.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts = opts.WithLogger(nil)

	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}
	return &BadgerCache{db: db}, nil
}

// Store writes data and clears the no-content marker.
func (c *BadgerCache) Store(ctx context.Context, key string, data []byte) error {
	err := c.db.Update(func(txn *badgerdb.Txn) error {
		if err := txn.Set([]byte(contentKey(key)), data); err != nil {
			return err
		}
		return txn.Delete([]byte(markerKey(key)))
	})
	if err != nil {
		return fmt.Errorf("failed to store %s: %w", key, err)
	}
	return nil
}

// Get retrieves the content stored under key.
func (c *BadgerCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var data []byte
	err := c.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(contentKey(key)))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return data, true, nil
}

// Delete removes the content and the no-content marker for key.
func (c *BadgerCache) Delete(ctx context.Context, key string) error {
	err := c.db.Update(func(txn *badgerdb.Txn) error {
		if err := txn.Delete([]byte(contentKey(key))); err != nil {
			return err
		}
		return txn.Delete([]byte(markerKey(key)))
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// MarkNoContent sets the marker and drops any content.
func (c *BadgerCache) MarkNoContent(ctx context.Context, key string) error {
	err := c.db.Update(func(txn *badgerdb.Txn) error {
		if err := txn.Set([]byte(markerKey(key)), noContentValue); err != nil {
			return err
		}
		return txn.Delete([]byte(contentKey(key)))
	})
	if err != nil {
		return fmt.Errorf("failed to mark %s as having no content: %w", key, err)
	}
	return nil
}

// IsNoContent reports whether key is marked as having no content.
func (c *BadgerCache) IsNoContent(ctx context.Context, key string) (bool, error) {
	err := c.db.View(func(txn *badgerdb.Txn) error {
		_, err := txn.Get([]byte(markerKey(key)))
		return err
	})
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read no-content marker for %s: %w", key, err)
	}
	return true, nil
}

// Close closes the database.
func (c *BadgerCache) Close() error {
	return c.db.Close()
}

var _ Cache = (*BadgerCache)(nil)
