// Package logger provides the application's slog construction and
// common attribute helpers.
package logger

import (
	"log/slog"
	"os"
	"strings"

	"go.uber.org/fx"
)

// Module provides the logger as an fx module
var Module = fx.Module("logger",
	fx.Provide(NewLogger),
)

// NewLogger creates a slog.Logger configured from the environment.
//
// LOG_LEVEL controls the minimum level (debug, info, warn/warning, error;
// case-insensitive, default info). GO_ENV=production selects the JSON
// handler; anything else uses the text handler for readability.
func NewLogger() *slog.Logger {
	level := parseLevel(os.Getenv("LOG_LEVEL"))

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.EqualFold(os.Getenv("GO_ENV"), "production") {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func parseLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
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

// Scope returns a slog attribute identifying the logging component.
// Use with log.With(logger.Scope("ingestion.worker")).
func Scope(scope string) slog.Attr {
	return slog.Attr{Key: "scope", Value: slog.StringValue(scope)}
}

// Error returns a slog attribute for an error value
func Error(err error) slog.Attr {
	return slog.Attr{Key: "error", Value: slog.AnyValue(err)}
}
