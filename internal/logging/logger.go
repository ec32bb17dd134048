// Package logging configures structured logging for the orchestrator.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Config selects level, format and destination of the log output
type Config struct {
	Level     string `toml:"level"`
	Format    string `toml:"format"` // json or text
	Output    string `toml:"output"` // stdout, stderr, or file path
	Component string `toml:"-"`
}

// ParseLevel maps a level name to a slog level, defaulting to info
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New creates a logger for cfg. The returned closer releases a log file and
// is a no-op otherwise.
func New(cfg Config) (*slog.Logger, func() error) {
	level := ParseLevel(cfg.Level)

	var output io.Writer
	closer := func() error { return nil }
	switch cfg.Output {
	case "stderr", "":
		output = os.Stderr
	case "stdout":
		output = os.Stdout
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			output = os.Stderr
		} else {
			output = f
			closer = f.Close
		}
	}

	logger := slog.New(NewHandler(output, cfg.Format, level))
	if cfg.Component != "" {
		logger = logger.With(slog.String("component", cfg.Component))
	}
	return logger, closer
}

// NewHandler builds a text or JSON handler writing to w
func NewHandler(w io.Writer, format string, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}
	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// Discard returns a logger that drops everything
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// WithRun adds the run ID
func WithRun(l *slog.Logger, runID string) *slog.Logger {
	return l.With(slog.String("run_id", runID))
}

// WithPhase adds the phase name
func WithPhase(l *slog.Logger, phase string) *slog.Logger {
	return l.With(slog.String("phase", phase))
}

// WithError adds err, returning l unchanged for a nil error
func WithError(l *slog.Logger, err error) *slog.Logger {
	if err == nil {
		return l
	}
	return l.With(slog.String("error", err.Error()))
}

// WithDuration adds a duration in milliseconds
func WithDuration(l *slog.Logger, d time.Duration) *slog.Logger {
	return l.With(slog.Float64("duration_ms", float64(d.Milliseconds())))
}
