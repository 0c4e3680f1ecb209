// Package logger provides structured logging setup using slog.
package logger

import (
	"context"
	"log/slog"
	"os"
)

// requestIDKey is the context key for request/correlation IDs.
type requestIDKey struct{}

// New creates a new structured JSON logger.
func New() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// WithRequestID returns a new context with the given request ID.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// RequestIDFromContext extracts the request ID from the context.
func RequestIDFromContext(ctx context.Context) string {
	if v := ctx.Value(requestIDKey{}); v != nil {
		return v.(string)
	}
	return ""
}

// FromContext returns a logger with context fields (request ID, etc.) attached.
func FromContext(ctx context.Context, base *slog.Logger) *slog.Logger {
	if reqID := RequestIDFromContext(ctx); reqID != "" {
		return base.With("request_id", reqID)
	}
	return base
}

// ForBuild returns a logger scoped to one build. Every log line written
// during dispatch and execution carries the build and job identity.
func ForBuild(base *slog.Logger, buildID, jobName string, buildNumber int) *slog.Logger {
	return base.With("build_id", buildID, "job", jobName, "build_number", buildNumber)
}
