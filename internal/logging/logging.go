// Package logging configures the process-wide slog logger.
package logging

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	slogmulti "github.com/samber/slog-multi"
)

var level = new(slog.LevelVar)

// Setup installs the default logger: a text handler on stderr, plus a JSON
// handler appending to jsonPath when it is non-empty. The returned func
// closes the JSON sink and should be deferred by the caller.
func Setup(jsonPath string) (func(), error) {
	handlers := []slog.Handler{
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}),
	}
	closer := func() {}
	if jsonPath != "" {
		f, err := os.OpenFile(jsonPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("opening log file: %w", err)
		}
		handlers = append(handlers, slog.NewJSONHandler(f, &slog.HandlerOptions{Level: level}))
		closer = func() { f.Close() }
	}
	slog.SetDefault(slog.New(slogmulti.Fanout(handlers...)))
	return closer, nil
}

// SetLevel adjusts the level of every handler installed by Setup.
func SetLevel(l slog.Level) {
	level.Set(l)
}

// ParseLevel maps a config string to a slog level. Unknown values fall back
// to info.
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
