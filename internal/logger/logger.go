// Package logger provides the process-wide structured logger.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	mu    sync.RWMutex
	level = new(slog.LevelVar)
	base  = newJSONLogger(os.Stdout)
)

func newJSONLogger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// Logger returns the process-wide base logger
func Logger() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

// NewLogger creates a new logger with the given component name
func NewLogger(name string) *slog.Logger {
	return Logger().With("component", name)
}

// SetLevel changes the level of every logger, including ones created earlier.
func SetLevel(l slog.Level) {
	level.Set(l)
}

// SetOutput redirects loggers created after the call and installs the base
// logger as the slog default.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	base = newJSONLogger(w)
	slog.SetDefault(base)
}

// ParseLevel maps a config string to a level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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
