// Package observability provides structured logging, request-ID
// propagation, and OpenTelemetry tracing for the dispatch gateway.
package observability

import (
	"io"
	"log/slog"
	"strings"
)

// NewLogger builds a slog.Logger from the configured level and format.
// Format "json" produces JSON records; anything else produces text.
func NewLogger(level, format string, out io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: parseLevel(level),
	}

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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
