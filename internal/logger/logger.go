// Package logger provides structured logging setup for Arbiter.
package logger

import (
	"log/slog"
	"os"
	"strings"

	"github.com/arbiterhq/arbiter/internal/config"
)

// New creates a *slog.Logger from the given Logging config.
// Output is JSON to stdout with a "service" attribute on every record.
// When cfg.Async is set the records are handled by a buffered AsyncHandler;
// call Close on the returned Closer during shutdown to flush it.
func New(cfg config.Logging) (*slog.Logger, Closer) {
	level := parseLevel(cfg.Level)

	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})

	var closer Closer = nopCloser{}
	if cfg.Async {
		capacity, workers := cfg.BufferSize, cfg.Workers
		if capacity <= 0 {
			capacity = 1024
		}
		if workers <= 0 {
			workers = 1
		}
		ah := NewAsyncHandler(handler, capacity, workers)
		handler = ah
		closer = ah
	}

	return slog.New(handler).With("service", cfg.Service), closer
}

// parseLevel converts a string log level to slog.Level.
func parseLevel(s string) slog.Level {
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
