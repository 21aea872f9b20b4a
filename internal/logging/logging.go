// Package logging builds the logr.Logger handed to the covers library.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-logr/logr"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Rotation defaults for the log file.
const (
	maxSizeMB  = 100
	maxBackups = 3
	maxAgeDays = 28
)

// Options describes where and how to log.
type Options struct {
	// Level is one of debug, info, warn, error.
	Level string
	// Format is text or json.
	Format string
	// File, when set, receives the logs instead of the console writer and
	// is rotated by size.
	File string
}

// ParseLevel maps a level name to a slog level. logr V(1) messages are
// emitted at debug.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", name)
	}
}

// New builds a logger writing to console, or to opts.File if set. The
// returned closer releases the log file and must be called on shutdown.
func New(opts Options, console io.Writer) (logr.Logger, io.Closer, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return logr.Discard(), nil, err
	}

	w := console
	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		if dir := filepath.Dir(opts.File); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return logr.Discard(), nil, fmt.Errorf("failed to create log directory %s: %w", dir, err)
			}
		}
		lj := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    maxSizeMB,
			MaxBackups: maxBackups,
			MaxAge:     maxAgeDays,
		}
		w, closer = lj, lj
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch opts.Format {
	case "json":
		handler = slog.NewJSONHandler(w, handlerOpts)
	case "text", "":
		handler = slog.NewTextHandler(w, handlerOpts)
	default:
		closer.Close()
		return logr.Discard(), nil, fmt.Errorf("unknown log format %q", opts.Format)
	}

	return logr.FromSlogHandler(handler), closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
