package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
}

func TestHelpersAddAttributes(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(NewHandler(&buf, "json", slog.LevelInfo))

	l = WithRun(l, "a1b2c3d4")
	l = WithPhase(l, "build")
	l = WithError(l, errors.New("boom"))
	l = WithDuration(l, 1500*time.Millisecond)
	l.Info("phase failed")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "a1b2c3d4", entry["run_id"])
	assert.Equal(t, "build", entry["phase"])
	assert.Equal(t, "boom", entry["error"])
	assert.Equal(t, float64(1500), entry["duration_ms"])
}

func TestWithErrorNil(t *testing.T) {
	l := Discard()
	assert.Same(t, l, WithError(l, nil))
}

func TestNewWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "adw.log")
	l, closeLog := New(Config{Level: "info", Output: path, Component: "driver"})
	l.Info("started")
	require.NoError(t, closeLog())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "component=driver")
	assert.Contains(t, string(data), "started")
}
