package config

import (
	"log/slog"
	"os"
)

// SetupLogging installs the process-wide logger: text for development,
// JSON in production, level per LOG_LEVEL.
func (s Settings) SetupLogging() {
	opts := &slog.HandlerOptions{Level: s.slogLevel()}
	var handler slog.Handler
	if s.Production {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func (s Settings) slogLevel() slog.Level {
	switch s.LogLevel {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
