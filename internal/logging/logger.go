package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Environment overrides consulted when nothing more explicit is configured.
const (
	EnvLogLevel  = "WINDLASS_LOG_LEVEL"
	EnvLogFormat = "WINDLASS_LOG_FORMAT"
)

var (
	level  = new(slog.LevelVar)
	logger *slog.Logger
)

// Init sets the verbosity of the process-wide logger. An empty level falls
// back to WINDLASS_LOG_LEVEL, then to info. Calling Init again only moves
// the level; the handler is built once, so records emitted before the
// configuration file was read share it.
func Init(raw string) {
	if raw == "" {
		raw = os.Getenv(EnvLogLevel)
	}
	lvl, ok := parseLevel(raw)
	if !ok {
		lvl = slog.LevelInfo
	}
	level.Set(lvl)

	if logger == nil {
		logger = slog.New(newHandler(os.Getenv(EnvLogFormat)))
		slog.SetDefault(logger)
	}
}

// newHandler writes to stderr so command output on stdout stays parseable.
// WINDLASS_LOG_FORMAT=json switches to machine-readable records.
func newHandler(format string) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		return slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.NewTextHandler(os.Stderr, opts)
}

// parseLevel maps the user-facing level names onto slog levels.
func parseLevel(raw string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
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

// Logger returns the process-wide logger, initializing it on first use.
func Logger() *slog.Logger {
	if logger == nil {
		Init("")
	}
	return logger
}

// Debug logs at debug level.
func Debug(msg string, args ...any) {
	Logger().Debug(msg, args...)
}

// Info logs at info level.
func Info(msg string, args ...any) {
	Logger().Info(msg, args...)
}

// Warn logs at warn level.
func Warn(msg string, args ...any) {
	Logger().Warn(msg, args...)
}

// Error logs at error level.
func Error(msg string, args ...any) {
	Logger().Error(msg, args...)
}
