// Package telemetry provides logging, metrics and tracing for gitsync.
package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/szaher/gitsync/internal/secrets"
)

type contextKey string

const correlationIDKey contextKey = "correlation_id"

// NewLogger creates a structured logger. format is "json" (default) or
// "text". The returned filter scrubs registered secret values.
func NewLogger(w io.Writer, level slog.Level, format string) (*slog.Logger, *secrets.RedactFilter) {
	if w == nil {
		w = os.Stdout
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(format, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	filter := secrets.NewRedactFilter(handler)
	return slog.New(filter), filter
}

// ParseLevel maps a level name to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// WithCorrelationID adds a correlation ID to the context.
// If id is empty, a new one is generated.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	if id == "" {
		id = ulid.Make().String()
	}
	return context.WithValue(ctx, correlationIDKey, id)
}

// CorrelationID retrieves the correlation ID from context.
func CorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey).(string); ok {
		return id
	}
	return ""
}

// PassLogger returns a logger with pass-scoped fields.
func PassLogger(logger *slog.Logger, ctx context.Context, target, passID string) *slog.Logger {
	attrs := []any{
		slog.String("target", target),
		slog.String("pass_id", passID),
	}
	if id := CorrelationID(ctx); id != "" {
		attrs = append(attrs, slog.String("correlation_id", id))
	}
	return logger.With(attrs...)
}
