// Package logging builds the slog loggers used across peerdesk.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Setup builds a logger for level and installs it as the slog default.
func Setup(level string) *slog.Logger {
	log := New(level, os.Stderr)
	slog.SetDefault(log)
	return log
}

// New returns a text logger writing to w at the given level.
// An empty or "silent" level discards everything.
func New(level string, w io.Writer) *slog.Logger {
	if level == "" || strings.EqualFold(level, "silent") {
		return Discard()
	}
	lvl, ok := ParseLevel(level)
	if !ok {
		slog.Default().Warn("Invalid log level specified, defaulting to info", "log-level", level)
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// Discard returns a logger that drops all records.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ParseLevel maps a level name to a slog level. Unknown names map to info.
func ParseLevel(level string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}

// OrDefault returns log, or slog.Default when log is nil.
func OrDefault(log *slog.Logger) *slog.Logger {
	if log == nil {
		return slog.Default()
	}
	return log
}
