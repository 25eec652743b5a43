// Package log configures slog for norn binaries and hands out
// subsystem-tagged child loggers.
package log

import (
	"log/slog"
	"os"
)

// Setup installs a text handler on stderr at the given level and returns the
// root logger. The default logger is set for third-party code that logs
// through slog directly; norn services receive child loggers explicitly.
func Setup(logLevel string) *slog.Logger {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: ParseLevel(logLevel),
	}))

	slog.SetDefault(logger)

	return logger
}

// ParseLevel maps a configuration string to a slog.Level, defaulting to info.
func ParseLevel(logLevel string) slog.Level {
	switch logLevel {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithModule tags a logger with the subsystem it serves.
func WithModule(logger *slog.Logger, module string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}

	return logger.With("module", module)
}
