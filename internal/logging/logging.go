// Package logging provides structured logging for the engine.
// All engine components log through this package so that output format,
// level filtering, and trace correlation stay consistent.
package logging

import (
	"context"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type contextKey string

const traceIDKey contextKey = "trace_id"

// New returns a logger for the named engine component. In dev mode the
// output is human-readable console format at debug level; otherwise JSON
// at info level.
func New(component string, dev bool) zerolog.Logger {
	var w io.Writer = os.Stderr
	level := zerolog.InfoLevel
	if dev {
		w = zerolog.ConsoleWriter{Out: os.Stderr}
		level = zerolog.DebugLevel
	}
	return zerolog.New(w).Level(level).With().
		Timestamp().
		Str("component", component).
		Logger()
}

// Nop returns a logger that discards everything.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}

// NewTraceID generates a fresh trace identifier.
func NewTraceID() string {
	return uuid.NewString()
}

// WithTraceID stores a trace ID in the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceIDFrom extracts the trace ID from the context, or "" if absent.
func TraceIDFrom(ctx context.Context) string {
	if v := ctx.Value(traceIDKey); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// Ctx returns a copy of the logger annotated with the context's trace ID,
// when one is present.
func Ctx(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	if id := TraceIDFrom(ctx); id != "" {
		return logger.With().Str("trace_id", id).Logger()
	}
	return logger
}
