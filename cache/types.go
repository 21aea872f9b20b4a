package cache

import (
	"context"
	"fmt"
	"path/filepath"
)

// Backend names accepted by Open.
const (
	TypeNone       = "none"
	TypeFilesystem = "file"
	TypeMemory     = "memory"
	TypePebble     = "pebble"
	TypeBadger     = "badger"
	TypeRedis      = "redis"
)

// Config selects and configures a cache backend.
type Config struct {
	Type  string
	Dir   string
	Redis RedisConfig
}

// Open creates the cache described by cfg. TypeNone returns a nil Cache and
// no error: the service then runs without persistence.
func Open(ctx context.Context, cfg Config) (Cache, error) {
	switch cfg.Type {
	case TypeNone:
		return nil, nil
	case TypeFilesystem, "":
		if cfg.Dir == "" {
			return nil, fmt.Errorf("cache directory is required for the %q backend", TypeFilesystem)
		}
		return NewFilesystemCache(cfg.Dir), nil
	case TypeMemory:
		return nonNil(NewMemoryCache())
	case TypePebble:
		if cfg.Dir == "" {
			return nil, fmt.Errorf("cache directory is required for the %q backend", TypePebble)
		}
		return nonNil(NewPebbleCache(filepath.Join(cfg.Dir, "pebble")))
	case TypeBadger:
		if cfg.Dir == "" {
			return nil, fmt.Errorf("cache directory is required for the %q backend", TypeBadger)
		}
		return nonNil(NewBadgerCache(filepath.Join(cfg.Dir, "badger")))
	case TypeRedis:
		return nonNil(NewRedisCache(ctx, cfg.Redis))
	default:
		return nil, fmt.Errorf("unknown cache type %q", cfg.Type)
	}
}

// nonNil keeps a failed constructor from yielding a non-nil Cache holding a nil pointer.
func nonNil[C Cache](c C, err error) (Cache, error) {
	if err != nil {
		return nil, err
	}
	return c, nil
}
