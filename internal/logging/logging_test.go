package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"":      slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}
	for name, want := range tests {
		got, err := ParseLevel(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}

	_, err := ParseLevel("trace")
	assert.Error(t, err)
}

func TestNewText(t *testing.T) {
	var buf bytes.Buffer
	logger, closer, err := New(Options{Level: "info"}, &buf)
	require.NoError(t, err)
	defer closer.Close()

	logger.Info("Found cover", "source", "googlebooks")
	logger.V(1).Info("hidden at info")

	out := buf.String()
	assert.Contains(t, out, `msg="Found cover"`)
	assert.Contains(t, out, "source=googlebooks")
	assert.NotContains(t, out, "hidden at info")
}

func TestNewDebugShowsVerbose(t *testing.T) {
	var buf bytes.Buffer
	logger, closer, err := New(Options{Level: "debug", Format: "json"}, &buf)
	require.NoError(t, err)
	defer closer.Close()

	logger.V(1).Info("Waited for identifiers", "waited", "5ms")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "Waited for identifiers", entry["msg"])
	assert.Equal(t, "5ms", entry["waited"])
}

func TestNewFile(t *testing.T) {
	var console bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "covers.log")

	logger, closer, err := New(Options{Level: "info", File: path}, &console)
	require.NoError(t, err)
	logger.Info("to the file")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "to the file")
	assert.Empty(t, console.String())
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	_, _, err := New(Options{Format: "xml"}, &bytes.Buffer{})
	assert.Error(t, err)
}
