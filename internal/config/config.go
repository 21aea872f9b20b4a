// Package config loads the covers service configuration from a file and
// COVERS_ prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/adrien-f/covers/cache"
	"github.com/adrien-f/covers/source"
	"github.com/adrien-f/covers/thumbnail"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g.
// COVERS_SERVER_HTTP_ADDR for server.http_addr.
const EnvPrefix = "COVERS"

// Thumbnailer names accepted in thumbnail.type.
const (
	ThumbnailNative      = "native"
	ThumbnailImageMagick = "imagemagick"
	ThumbnailPlugin      = "plugin"
)

// Config holds the service configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Thumbnail ThumbnailConfig `mapstructure:"thumbnail"`
	Log       LogConfig       `mapstructure:"log"`

	// Sources are tried in order. Each entry has a "name" naming the
	// adapter; the remaining attributes are passed to source.Build.
	Sources []map[string]any `mapstructure:"sources"`
}

type ServerConfig struct {
	HTTPAddr      string `mapstructure:"http_addr"`
	GRPCAddr      string `mapstructure:"grpc_addr"`
	Placeholder   string `mapstructure:"placeholder"`
	DefaultWidth  int    `mapstructure:"default_width"`
	DefaultHeight int    `mapstructure:"default_height"`
}

type CacheConfig struct {
	Type  string      `mapstructure:"type"`
	Dir   string      `mapstructure:"dir"`
	Redis RedisConfig `mapstructure:"redis"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type ThumbnailConfig struct {
	Type         string `mapstructure:"type"`
	Quality      int    `mapstructure:"quality"`
	ConvertPath  string `mapstructure:"convert_path"`
	IdentifyPath string `mapstructure:"identify_path"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("server.grpc_addr", "")
	v.SetDefault("server.placeholder", "")
	v.SetDefault("server.default_width", 128)
	v.SetDefault("server.default_height", 128)

	v.SetDefault("cache.type", cache.TypeFilesystem)
	cacheDir := ""
	if dir, err := os.UserCacheDir(); err == nil {
		cacheDir = filepath.Join(dir, "covers")
	}
	v.SetDefault("cache.dir", cacheDir)
	v.SetDefault("cache.redis.addr", "localhost:6379")
	v.SetDefault("cache.redis.password", "")
	v.SetDefault("cache.redis.db", 0)
	v.SetDefault("cache.redis.prefix", "covers:")

	v.SetDefault("thumbnail.type", ThumbnailNative)
	v.SetDefault("thumbnail.quality", 85)
	v.SetDefault("thumbnail.convert_path", "convert")
	v.SetDefault("thumbnail.identify_path", "identify")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")

	v.SetDefault("sources", []map[string]any{
		{"name": "googlebooks"},
		{"name": "openlibrary"},
	})
}

// Load reads the configuration file at path, if not empty, on top of the
// defaults, then applies environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.HTTPAddr == "" && c.Server.GRPCAddr == "" {
		errs = append(errs, errors.New("server: at least one of http_addr and grpc_addr is required"))
	}
	if err := thumbnail.CheckBox(c.Server.DefaultWidth, c.Server.DefaultHeight); err != nil {
		errs = append(errs, fmt.Errorf("server: default size: %w", err))
	}

	switch c.Cache.Type {
	case cache.TypeFilesystem, cache.TypePebble, cache.TypeBadger:
		if c.Cache.Dir == "" {
			errs = append(errs, fmt.Errorf("cache: dir is required for the %q backend", c.Cache.Type))
		}
	case cache.TypeRedis:
		if c.Cache.Redis.Addr == "" {
			errs = append(errs, errors.New("cache: redis.addr is required for the redis backend"))
		}
	case cache.TypeMemory, cache.TypeNone:
	default:
		errs = append(errs, fmt.Errorf("cache: unknown type %q", c.Cache.Type))
	}

	switch c.Thumbnail.Type {
	case ThumbnailNative, ThumbnailImageMagick, ThumbnailPlugin:
	default:
		errs = append(errs, fmt.Errorf("thumbnail: unknown type %q", c.Thumbnail.Type))
	}
	if c.Thumbnail.Quality < 1 || c.Thumbnail.Quality > 100 {
		errs = append(errs, fmt.Errorf("thumbnail: quality must be between 1 and 100, got %d", c.Thumbnail.Quality))
	}

	if !slices.Contains([]string{"debug", "info", "warn", "error"}, strings.ToLower(c.Log.Level)) {
		errs = append(errs, fmt.Errorf("log: unknown level %q", c.Log.Level))
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log: unknown format %q", c.Log.Format))
	}

	known := source.Names()
	for i, attrs := range c.Sources {
		name, _ := attrs["name"].(string)
		if name == "" {
			errs = append(errs, fmt.Errorf("sources[%d]: name is required", i))
			continue
		}
		if !slices.Contains(known, name) {
			errs = append(errs, fmt.Errorf("sources[%d]: unknown source %q (available: %s)", i, name, strings.Join(known, ", ")))
		}
	}

	return errors.Join(errs...)
}

// CacheBackend converts the cache section to cache.Config.
func (c *Config) CacheBackend() cache.Config {
	return cache.Config{
		Type: c.Cache.Type,
		Dir:  c.Cache.Dir,
		Redis: cache.RedisConfig{
			Addr:     c.Cache.Redis.Addr,
			Password: c.Cache.Redis.Password,
			DB:       c.Cache.Redis.DB,
			Prefix:   c.Cache.Redis.Prefix,
		},
	}
}

// BuildSources creates the configured sources, in order.
func (c *Config) BuildSources() ([]source.Source, error) {
	sources := make([]source.Source, 0, len(c.Sources))
	for i, attrs := range c.Sources {
		name, _ := attrs["name"].(string)
		src, err := source.Build(name, attrs)
		if err != nil {
			return nil, fmt.Errorf("sources[%d]: %w", i, err)
		}
		sources = append(sources, src)
	}
	return sources, nil
}
