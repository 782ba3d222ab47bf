// Package logging configures the process-wide slog logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

var level = new(slog.LevelVar)

// Configure installs a text handler writing to w as the default logger.
// The level can be changed later with SetLevel.
func Configure(w io.Writer, name string) error {
	l, err := ParseLevel(name)
	if err != nil {
		return err
	}
	level.Set(l)

	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
	return nil
}

// SetLevel changes the level of the configured logger.
func SetLevel(l slog.Level) {
	level.Set(l)
}

// Level returns the current level.
func Level() slog.Level {
	return level.Level()
}

// ParseLevel parses a log level name. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

// Discard returns a logger that drops everything. Tests use it to keep
// output quiet.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
