package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// lockRetryInterval is how often a contended lock file is retried.
const lockRetryInterval = 50 * time.Millisecond

// Locker manages file-based locks for cache writes, so that several
// processes sharing one cache directory never interleave writes to a key.
type Locker struct {
	locksDir string
}

// NewLocker creates a new Locker that stores lock files in the given directory.
func NewLocker(locksDir string) *Locker {
	return &Locker{locksDir: locksDir}
}

// lockPath returns the path to the lock file for a cache key.
func (l *Locker) lockPath(key string) string {
	// Flat, fixed-length names: keys may be long and contain separators.
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(l.locksDir, hex.EncodeToString(sum[:16])+".lock")
}

// AcquireExclusive acquires an exclusive lock for the given key.
// The returned function releases the lock and should be called when done.
// Returns an error if the context is cancelled while waiting for the lock.
func (l *Locker) AcquireExclusive(ctx context.Context, key string) (unlock func() error, err error) {
	if err := os.MkdirAll(l.locksDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create locks directory: %w", err)
	}

	fl := flock.New(l.lockPath(key))

	locked, err := fl.TryLockContext(ctx, lockRetryInterval)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("failed to acquire lock: %v", ctx.Err())
	}

	return fl.Unlock, nil
}
