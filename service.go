// Package covers resolves cover images for items known by one or more
// identifiers, fetching them from external sources, scaling them into a
// bounding box and caching both the originals and the scaled copies.
package covers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/adrien-f/covers/cache"
	"github.com/adrien-f/covers/ident"
	"github.com/adrien-f/covers/source"
	"github.com/adrien-f/covers/thumbnail"
	"github.com/go-logr/logr"
)

// Service coordinates cover lookups. It is safe for concurrent use: requests
// sharing an identifier are serialized so that each cover is fetched from
// the sources at most once, while unrelated requests run in parallel.
type Service struct {
	cache       cache.Cache
	cacheSet    bool
	thumbnailer thumbnail.Thumbnailer
	logger      logr.Logger
	metrics     *Metrics
	locks       *lockSet

	mu      sync.RWMutex
	sources []source.Source
}

// New creates a new Service with the given options.
// If no options are provided, it uses default settings:
// - Filesystem cache in the user cache directory (covers/)
// - In-process thumbnailer
// - No sources
func New(opts ...Option) (*Service, error) {
	s := &Service{
		logger: logr.Discard(),
		locks:  newLockSet(),
	}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	if s.thumbnailer == nil {
		s.thumbnailer = thumbnail.NewNative()
	}

	if !s.cacheSet {
		cacheDir, err := os.UserCacheDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user cache directory: %w", err)
		}
		s.cache = cache.NewFilesystemCache(filepath.Join(cacheDir, "covers"))
	}

	return s, nil
}

// AddSource appends a source after the ones already registered. It may be
// called while requests are in flight; they keep the list they started with.
func (s *Service) AddSource(src source.Source) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources = append(s.sources, src)
}

// Sources returns the names of the registered sources in lookup order.
func (s *Service) Sources() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, len(s.sources))
	for i, src := range s.sources {
		names[i] = src.Name()
	}
	return names
}

func (s *Service) sourcesSnapshot() []source.Source {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.sources)
}

// Cache returns the cache in use, nil when caching is disabled.
func (s *Service) Cache() cache.Cache {
	return s.cache
}

// GetCoverImage returns a JPEG cover for the item identified by ids, scaled
// to fit within maxWidth x maxHeight. found is false when no source has a
// cover for any of the identifiers. Source failures are logged and never
// returned; errors are either *CacheError or *ScalingError.
//
// The request runs to completion even if ctx is cancelled, so that an
// abandoned request never records a cover as missing.
func (s *Service) GetCoverImage(ctx context.Context, ids []ident.Identifier, maxWidth, maxHeight int) (data []byte, found bool, err error) {
	if maxWidth <= 0 || maxHeight <= 0 {
		return nil, false, fmt.Errorf("%w: got %dx%d", ErrInvalidDimensions, maxWidth, maxHeight)
	}
	if len(ids) == 0 {
		return nil, false, nil
	}

	start := time.Now()
	defer func() {
		s.metrics.observeRequest(requestResult(found, err), time.Since(start))
	}()

	ctx = context.WithoutCancel(ctx)
	logger := s.logger.WithValues("ids", ids, "width", maxWidth, "height", maxHeight)

	held := s.locks.acquire(ids)
	defer held.release()
	if held.waited > 0 {
		logger.V(1).Info("Waited for identifiers held by another request", "waited", held.waited)
		s.metrics.observeLockWait(held.waited)
	}

	candidates := ids
	if s.cache != nil {
		var hit bool
		candidates, data, hit, err = s.consultCache(ctx, logger, ids, maxWidth, maxHeight)
		if err != nil || hit {
			return data, hit, err
		}
		if len(candidates) == 0 {
			logger.V(1).Info("Every identifier is known to have no cover")
			return nil, false, nil
		}
	}

	id, original, ok := s.lookup(ctx, logger, candidates)
	if !ok {
		if err := s.markNoContent(ctx, candidates); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}

	return s.storeAndScale(ctx, logger, id, original, maxWidth, maxHeight)
}

// consultCache walks ids in order. It drops identifiers marked as having no
// content and stops at the first one with a scaled or original cover.
// remaining is the list of identifiers still worth asking the sources about.
func (s *Service) consultCache(ctx context.Context, logger logr.Logger, ids []ident.Identifier, maxWidth, maxHeight int) (remaining []ident.Identifier, data []byte, hit bool, err error) {
	for _, id := range ids {
		originalKey := OriginalKey(id)
		noContent, err := s.cache.IsNoContent(ctx, originalKey)
		if err != nil {
			return nil, nil, false, &CacheError{Op: "check", Key: originalKey, Err: err}
		}
		if noContent {
			s.metrics.cacheLookup("nocontent")
			continue
		}
		remaining = append(remaining, id)

		scaledKey := ScaledKey(id, maxWidth, maxHeight)
		data, ok, err := s.cache.Get(ctx, scaledKey)
		if err != nil {
			return nil, nil, false, &CacheError{Op: "get", Key: scaledKey, Err: err}
		}
		if ok {
			s.metrics.cacheLookup("scaled")
			logger.V(1).Info("Serving scaled cover from cache", "key", scaledKey)
			return nil, data, true, nil
		}

		data, ok, err = s.scaleCachedOriginal(ctx, id, maxWidth, maxHeight)
		if err != nil {
			return nil, nil, false, err
		}
		if ok {
			s.metrics.cacheLookup("original")
			logger.V(1).Info("Scaled cover from cached original", "key", originalKey)
			return nil, data, true, nil
		}
	}
	if len(remaining) > 0 {
		s.metrics.cacheLookup("miss")
	}
	return remaining, nil, false, nil
}

// scaleCachedOriginal scales the cached original for id, if there is one,
// stores the result and returns it as read back from the cache. When the
// cache exposes files and the thumbnailer reads them, the original is
// handed over by path.
func (s *Service) scaleCachedOriginal(ctx context.Context, id ident.Identifier, maxWidth, maxHeight int) ([]byte, bool, error) {
	originalKey := OriginalKey(id)

	var thumb *thumbnail.Thumbnail
	fp, isFileProvider := s.cache.(cache.FileProvider)
	fs, isFileScaler := s.thumbnailer.(thumbnail.FileScaler)
	if isFileProvider && isFileScaler {
		path, ok, err := fp.Path(ctx, originalKey)
		if err != nil {
			return nil, false, &CacheError{Op: "get", Key: originalKey, Err: err}
		}
		if !ok {
			return nil, false, nil
		}
		thumb, err = fs.ScaleFile(ctx, path, maxWidth, maxHeight)
		if err != nil {
			return nil, false, &ScalingError{ID: id, Width: maxWidth, Height: maxHeight, Err: err}
		}
	} else {
		original, ok, err := s.cache.Get(ctx, originalKey)
		if err != nil {
			return nil, false, &CacheError{Op: "get", Key: originalKey, Err: err}
		}
		if !ok {
			return nil, false, nil
		}
		thumb, err = s.thumbnailer.Scale(ctx, bytes.NewReader(original), maxWidth, maxHeight)
		if err != nil {
			return nil, false, &ScalingError{ID: id, Width: maxWidth, Height: maxHeight, Err: err}
		}
	}

	scaledKey := ScaledKey(id, maxWidth, maxHeight)
	if err := s.cache.Store(ctx, scaledKey, thumb.Data); err != nil {
		return nil, false, &CacheError{Op: "store", Key: scaledKey, Err: err}
	}
	data, err := s.readBack(ctx, scaledKey)
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// lookup asks every source in registration order until one returns a
// cover. Unsupported identifiers and failures move on to the next source.
func (s *Service) lookup(ctx context.Context, logger logr.Logger, ids []ident.Identifier) (ident.Identifier, []byte, bool) {
	for _, src := range s.sourcesSnapshot() {
		name := src.Name()
		img, err := src.Lookup(ctx, ids)
		switch {
		case errors.Is(err, source.ErrUnsupportedIdentifier):
			s.metrics.sourceLookup(name, "unsupported")
			continue
		case err != nil:
			s.metrics.sourceLookup(name, "error")
			logger.Error(err, "Source lookup failed", "source", name)
			continue
		case img == nil:
			s.metrics.sourceLookup(name, "absent")
			logger.V(1).Info("Source has no cover", "source", name)
			continue
		}

		if img.ID.IsZero() {
			s.metrics.sourceLookup(name, "error")
			logger.Error(nil, "Source returned a cover without an identifier", "source", name)
			continue
		}
		data, err := img.ReadAll(ctx)
		if err != nil {
			s.metrics.sourceLookup(name, "error")
			logger.Error(err, "Failed to read cover from source", "source", name, "id", img.ID.String())
			continue
		}

		s.metrics.sourceLookup(name, "found")
		logger.Info("Found cover", "source", name, "id", img.ID.String(), "bytes", len(data))
		return img.ID, data, true
	}
	return ident.Identifier{}, nil, false
}

// storeAndScale scales the original fetched for id before anything is
// written, so that a scaling failure leaves no trace in the cache. The
// original is removed again if the scaled copy cannot be stored.
func (s *Service) storeAndScale(ctx context.Context, logger logr.Logger, id ident.Identifier, original []byte, maxWidth, maxHeight int) ([]byte, bool, error) {
	thumb, err := s.thumbnailer.Scale(ctx, bytes.NewReader(original), maxWidth, maxHeight)
	if err != nil {
		return nil, false, &ScalingError{ID: id, Width: maxWidth, Height: maxHeight, Err: err}
	}

	if s.cache == nil {
		return thumb.Data, true, nil
	}

	originalKey := OriginalKey(id)
	if err := s.cache.Store(ctx, originalKey, original); err != nil {
		return nil, false, &CacheError{Op: "store", Key: originalKey, Err: err}
	}

	scaledKey := ScaledKey(id, maxWidth, maxHeight)
	if err := s.cache.Store(ctx, scaledKey, thumb.Data); err != nil {
		if derr := s.cache.Delete(ctx, originalKey); derr != nil {
			logger.Error(derr, "Failed to remove original after scaled store failed", "key", originalKey)
		}
		return nil, false, &CacheError{Op: "store", Key: scaledKey, Err: err}
	}

	data, err := s.readBack(ctx, scaledKey)
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// readBack returns what the cache holds for key, so that callers always
// get exactly the cached bytes.
func (s *Service) readBack(ctx context.Context, key string) ([]byte, error) {
	data, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		return nil, &CacheError{Op: "get", Key: key, Err: err}
	}
	if !ok {
		return nil, &CacheError{Op: "get", Key: key, Err: errors.New("entry missing right after it was stored")}
	}
	return data, nil
}

// markNoContent records that no source has a cover for ids.
func (s *Service) markNoContent(ctx context.Context, ids []ident.Identifier) error {
	if s.cache == nil {
		return nil
	}
	for _, id := range ids {
		key := OriginalKey(id)
		if err := s.cache.MarkNoContent(ctx, key); err != nil {
			return &CacheError{Op: "mark", Key: key, Err: err}
		}
	}
	return nil
}

// Forget clears the no-content marker of id so that the next request asks
// the sources again. It waits for in-flight requests holding id.
func (s *Service) Forget(ctx context.Context, id ident.Identifier) error {
	if s.cache == nil {
		return nil
	}
	held := s.locks.acquire([]ident.Identifier{id})
	defer held.release()

	key := OriginalKey(id)
	noContent, err := s.cache.IsNoContent(ctx, key)
	if err != nil {
		return &CacheError{Op: "check", Key: key, Err: err}
	}
	if !noContent {
		return nil
	}
	if err := s.cache.Delete(ctx, key); err != nil {
		return &CacheError{Op: "delete", Key: key, Err: err}
	}
	s.logger.V(1).Info("Forgot missing cover", "id", id.String())
	return nil
}

// Close releases the cache.
func (s *Service) Close() error {
	if s.cache == nil {
		return nil
	}
	return s.cache.Close()
}

func requestResult(found bool, err error) string {
	switch {
	case err != nil:
		return "error"
	case found:
		return "found"
	default:
		return "absent"
	}
}
