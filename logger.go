package basp

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// logLevel backs the handler installed by InitLogger so the level can be
// changed at runtime (config reload).
var logLevel = new(slog.LevelVar)

// InitLogger configures the global slog logger. format "json" (default)
// writes structured JSON to stderr; "text" or "console" writes colourised
// human-readable lines via tint. Call this once at program startup before
// creating any brokers.
func InitLogger(level slog.Level, format string) {
	logLevel.Set(level)

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text", "console", "tint":
		handler = tint.NewHandler(os.Stderr, &tint.Options{
			Level:      logLevel,
			TimeFormat: time.RFC3339,
			AddSource:  level <= slog.LevelDebug,
		})
	default:
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: logLevel,
		})
	}
	slog.SetDefault(slog.New(handler))
}

// SetLogLevel changes the level of the logger installed by InitLogger.
func SetLogLevel(level slog.Level) {
	logLevel.Set(level)
}

// ParseLogLevel accepts debug, info, warn and error (any case) and the
// slog offset forms such as "info+2".
func ParseLogLevel(s string) (slog.Level, error) {
	if s == "" {
		return slog.LevelInfo, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}
