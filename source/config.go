package source

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/gocty"
	ctyjson "github.com/zclconf/go-cty/cty/json"
)

// Config holds the attributes a source can be configured with. Which of
// them an adapter accepts is decided by its schema.
type Config struct {
	BaseURL           *string  `cty:"base_url"`
	APIKey            *string  `cty:"api_key"`
	Root              *string  `cty:"root"`
	RequestsPerSecond *float64 `cty:"requests_per_second"`
	Burst             *int     `cty:"burst"`
	Timeout           *string  `cty:"timeout"`
	UserAgent         *string  `cty:"user_agent"`
}

var httpAttributes = map[string]cty.Type{
	"base_url":            cty.String,
	"requests_per_second": cty.Number,
	"burst":               cty.Number,
	"timeout":             cty.String,
	"user_agent":          cty.String,
}

func withAttributes(base map[string]cty.Type, extra map[string]cty.Type) cty.Type {
	attrs := maps.Clone(base)
	maps.Copy(attrs, extra)
	return cty.Object(attrs)
}

type factory struct {
	schema cty.Type
	build  func(cfg Config) (Source, error)
}

var factories = map[string]factory{
	"googlebooks": {
		schema: cty.Object(httpAttributes),
		build: func(cfg Config) (Source, error) {
			opts, err := cfg.httpOptions()
			if err != nil {
				return nil, err
			}
			return NewGoogleBooks(opts...), nil
		},
	},
	"openlibrary": {
		schema: cty.Object(httpAttributes),
		build: func(cfg Config) (Source, error) {
			opts, err := cfg.httpOptions()
			if err != nil {
				return nil, err
			}
			return NewOpenLibrary(opts...), nil
		},
	},
	"lastfm": {
		schema: withAttributes(httpAttributes, map[string]cty.Type{"api_key": cty.String}),
		build: func(cfg Config) (Source, error) {
			opts, err := cfg.httpOptions()
			if err != nil {
				return nil, err
			}
			return NewLastFM(deref(cfg.APIKey), opts...)
		},
	},
	"filesystem": {
		schema: cty.Object(map[string]cty.Type{"root": cty.String}),
		build: func(cfg Config) (Source, error) {
			return NewFilesystem(deref(cfg.Root))
		},
	},
}

// Names lists the adapters Build knows about.
func Names() []string {
	return slices.Sorted(maps.Keys(factories))
}

// Build creates the source called name from loosely typed attributes, as
// read from a configuration file. Attributes are checked against the
// adapter's schema: unknown attributes and values of the wrong type are
// rejected. A "name" attribute is ignored.
func Build(name string, attrs map[string]any) (Source, error) {
	f, ok := factories[name]
	if !ok {
		return nil, fmt.Errorf("unknown source %q (available: %s)", name, strings.Join(Names(), ", "))
	}

	attrs = maps.Clone(attrs)
	delete(attrs, "name")

	val, err := mapToCtyValue(attrs, f.schema)
	if err != nil {
		return nil, fmt.Errorf("source %q: %w", name, describePathError(err))
	}

	var cfg Config
	if err := gocty.FromCtyValue(val, &cfg); err != nil {
		return nil, fmt.Errorf("source %q: %w", name, describePathError(err))
	}

	src, err := f.build(cfg)
	if err != nil {
		return nil, fmt.Errorf("source %q: %w", name, err)
	}
	return src, nil
}

// mapToCtyValue converts a Go map to a cty.Value of type ty by way of JSON.
func mapToCtyValue(m map[string]any, ty cty.Type) (cty.Value, error) {
	if m == nil {
		m = map[string]any{}
	}
	jsonBytes, err := json.Marshal(m)
	if err != nil {
		return cty.NilVal, fmt.Errorf("failed to marshal attributes to JSON: %w", err)
	}
	val, err := ctyjson.Unmarshal(jsonBytes, ty)
	if err != nil {
		return cty.NilVal, err
	}
	return val, nil
}

// describePathError prefixes a cty error with the attribute it is about.
func describePathError(err error) error {
	var pathErr cty.PathError
	if !errors.As(err, &pathErr) || len(pathErr.Path) == 0 {
		return err
	}
	var names []string
	for _, step := range pathErr.Path {
		if attr, ok := step.(cty.GetAttrStep); ok {
			names = append(names, attr.Name)
		}
	}
	if len(names) == 0 {
		return err
	}
	return fmt.Errorf("attribute %q: %w", strings.Join(names, "."), err)
}

func (c Config) httpOptions() ([]HTTPOption, error) {
	var opts []HTTPOption
	if c.Timeout != nil {
		d, err := time.ParseDuration(*c.Timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid timeout: %w", err)
		}
		opts = append(opts, WithTimeout(d))
	}
	if c.BaseURL != nil {
		opts = append(opts, WithBaseURL(*c.BaseURL))
	}
	if c.UserAgent != nil {
		opts = append(opts, WithUserAgent(*c.UserAgent))
	}
	if c.RequestsPerSecond != nil {
		burst := 1
		if c.Burst != nil {
			burst = *c.Burst
		}
		opts = append(opts, WithRateLimit(*c.RequestsPerSecond, burst))
	}
	return opts, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
