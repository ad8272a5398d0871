// Package logging wraps log/slog so every component logs through the same
// handler with a component attribute.
package logging

import (
	"log/slog"
	"os"
	"sync"
)

var (
	mu     sync.Mutex
	logger *slog.Logger
)

// Init configures the process-wide logger. jsonFormat selects the JSON
// handler for machine-readable output.
func Init(level slog.Level, jsonFormat bool) {
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if jsonFormat {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	mu.Lock()
	defer mu.Unlock()
	logger = slog.New(handler)
	slog.SetDefault(logger)
}

// Component returns a logger tagged with the component name.
func Component(name string) *slog.Logger {
	mu.Lock()
	defer mu.Unlock()
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With("component", name)
}

// ParseLevel maps a config string to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
