package cache

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FilesystemCache implements Cache using the local filesystem.
//
// Layout under the base directory:
//
//	content/<key>    cached bytes
//	nocontent/<key>  no-content markers
//	.locks/          per-key lock files shared between processes
//	.tmp/            staging area for atomic writes
type FilesystemCache struct {
	baseDir string
	locker  *Locker
}

// NewFilesystemCache creates a new filesystem-based cache at the given directory.
func NewFilesystemCache(baseDir string) *FilesystemCache {
	return &FilesystemCache{
		baseDir: baseDir,
		locker:  NewLocker(filepath.Join(baseDir, ".locks")),
	}
}

// BaseDir returns the directory the cache lives in.
func (c *FilesystemCache) BaseDir() string {
	return c.baseDir
}

// relPath maps a key onto a relative path. Every segment is escaped so that
// no key can point outside the cache directory.
func relPath(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("empty cache key")
	}
	segments := strings.Split(key, "/")
	for i, seg := range segments {
		switch seg {
		case "":
			return "", fmt.Errorf("invalid cache key %q: empty segment", key)
		case ".":
			segments[i] = "%2E"
		case "..":
			segments[i] = "%2E%2E"
		default:
			segments[i] = url.PathEscape(seg)
		}
	}
	return filepath.Join(segments...), nil
}

func (c *FilesystemCache) contentPath(key string) (string, error) {
	rel, err := relPath(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(c.baseDir, "content", rel), nil
}

func (c *FilesystemCache) markerPath(key string) (string, error) {
	rel, err := relPath(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(c.baseDir, "nocontent", rel), nil
}

// Store writes data under key and removes any no-content marker.
// The content file is replaced atomically.
func (c *FilesystemCache) Store(ctx context.Context, key string, data []byte) error {
	path, err := c.contentPath(key)
	if err != nil {
		return err
	}
	marker, err := c.markerPath(key)
	if err != nil {
		return err
	}

	unlock, err := c.locker.AcquireExclusive(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to acquire cache lock: %w", err)
	}
	defer unlock()

	if err := c.writeAtomic(path, data); err != nil {
		return fmt.Errorf("failed to store %s: %w", key, err)
	}
	if err := removeIfExists(marker); err != nil {
		return fmt.Errorf("failed to clear no-content marker for %s: %w", key, err)
	}
	return nil
}

// Get retrieves the content stored under key.
func (c *FilesystemCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	path, err := c.contentPath(key)
	if err != nil {
		return nil, false, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return data, true, nil
}

// Path returns the file holding the content for key.
func (c *FilesystemCache) Path(ctx context.Context, key string) (string, bool, error) {
	path, err := c.contentPath(key)
	if err != nil {
		return "", false, err
	}
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to stat %s: %w", key, err)
	}
	if info.IsDir() {
		return "", false, nil
	}
	return path, true, nil
}

// Delete removes the content and the no-content marker for key.
func (c *FilesystemCache) Delete(ctx context.Context, key string) error {
	path, err := c.contentPath(key)
	if err != nil {
		return err
	}
	marker, err := c.markerPath(key)
	if err != nil {
		return err
	}

	unlock, err := c.locker.AcquireExclusive(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to acquire cache lock: %w", err)
	}
	defer unlock()

	if err := removeIfExists(path); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	if err := removeIfExists(marker); err != nil {
		return fmt.Errorf("failed to delete no-content marker for %s: %w", key, err)
	}
	return nil
}

// MarkNoContent writes a no-content marker for key and drops any content.
func (c *FilesystemCache) MarkNoContent(ctx context.Context, key string) error {
	path, err := c.contentPath(key)
	if err != nil {
		return err
	}
	marker, err := c.markerPath(key)
	if err != nil {
		return err
	}

	unlock, err := c.locker.AcquireExclusive(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to acquire cache lock: %w", err)
	}
	defer unlock()

	note := fmt.Sprintf("Marked as having no content on %s.\n", time.Now().UTC().Format(time.RFC3339))
	if err := c.writeAtomic(marker, []byte(note)); err != nil {
		return fmt.Errorf("failed to mark %s as having no content: %w", key, err)
	}
	if err := removeIfExists(path); err != nil {
		return fmt.Errorf("failed to drop content for %s: %w", key, err)
	}
	return nil
}

// IsNoContent reports whether a no-content marker exists for key.
func (c *FilesystemCache) IsNoContent(ctx context.Context, key string) (bool, error) {
	marker, err := c.markerPath(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(marker)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to stat no-content marker for %s: %w", key, err)
	}
	return true, nil
}

// Close is a no-op; the filesystem cache holds no open handles.
func (c *FilesystemCache) Close() error {
	return nil
}

// writeAtomic stages data in the cache's .tmp directory and renames it into place.
func (c *FilesystemCache) writeAtomic(path string, data []byte) error {
	tmpPath, err := c.createTempFile(data)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to create cache directory: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to move entry into cache: %w", err)
	}
	return nil
}

// createTempFile writes data to a uniquely named file under the cache's .tmp directory.
func (c *FilesystemCache) createTempFile(data []byte) (string, error) {
	tmpBase := filepath.Join(c.baseDir, ".tmp")
	if err := os.MkdirAll(tmpBase, 0755); err != nil {
		return "", fmt.Errorf("failed to create temp directory: %w", err)
	}

	var randBytes [8]byte
	if _, err := rand.Read(randBytes[:]); err != nil {
		return "", err
	}
	tmpPath := filepath.Join(tmpBase, hex.EncodeToString(randBytes[:]))

	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to write temp file: %w", err)
	}
	return tmpPath, nil
}

func removeIfExists(path string) error {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

var (
	_ Cache        = (*FilesystemCache)(nil)
	_ FileProvider = (*FilesystemCache)(nil)
)
