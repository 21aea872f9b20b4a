package covers

import (
	"github.com/adrien-f/covers/cache"
	"github.com/adrien-f/covers/source"
	"github.com/adrien-f/covers/thumbnail"
	"github.com/go-logr/logr"
)

// Option configures a Service.
type Option func(*Service) error

// WithLogger sets a custom logger for the service.
// If not set, logging is disabled (logr.Discard() is used).
func WithLogger(logger logr.Logger) Option {
	return func(s *Service) error {
		s.logger = logger
		return nil
	}
}

// WithCache sets the cache implementation. A nil cache disables caching:
// every request then goes to the sources.
func WithCache(c cache.Cache) Option {
	return func(s *Service) error {
		s.cache = c
		s.cacheSet = true
		return nil
	}
}

// WithCacheDir uses a filesystem cache rooted at dir.
func WithCacheDir(dir string) Option {
	return func(s *Service) error {
		s.cache = cache.NewFilesystemCache(dir)
		s.cacheSet = true
		return nil
	}
}

// WithSources appends sources, tried in the order given.
func WithSources(sources ...source.Source) Option {
	return func(s *Service) error {
		s.sources = append(s.sources, sources...)
		return nil
	}
}

// WithThumbnailer sets the scaler. Defaults to thumbnail.NewNative().
func WithThumbnailer(t thumbnail.Thumbnailer) Option {
	return func(s *Service) error {
		s.thumbnailer = t
		return nil
	}
}

// WithMetrics makes the service record Prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(s *Service) error {
		s.metrics = m
		return nil
	}
}
