// Package ctxutil provides shared context key accessors.
//
// Every log line touching a request must carry its correlation_id (and
// batch_id once known); components pull the IDs from the context instead of
// threading them through every call site. Both server and workers import
// ctxutil instead of each other.
package ctxutil

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

type contextKey string

const (
	keyCorrelationID contextKey = "correlation_id"
	keyBatchID       contextKey = "batch_id"
)

// WithCorrelationID returns a new context carrying the correlation ID.
func WithCorrelationID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, keyCorrelationID, id)
}

// CorrelationID extracts the correlation ID from the context.
func CorrelationID(ctx context.Context) uuid.UUID {
	if v, ok := ctx.Value(keyCorrelationID).(uuid.UUID); ok {
		return v
	}
	return uuid.Nil
}

// WithBatchID returns a new context carrying the batch ID.
func WithBatchID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, keyBatchID, id)
}

// BatchID extracts the batch ID from the context.
func BatchID(ctx context.Context) uuid.UUID {
	if v, ok := ctx.Value(keyBatchID).(uuid.UUID); ok {
		return v
	}
	return uuid.Nil
}

// Logger returns logger with the context's correlation_id and batch_id
// attached, when present. Components call this once per event so the tracing
// contract holds on every line they emit.
func Logger(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if id := CorrelationID(ctx); id != uuid.Nil {
		logger = logger.With("correlation_id", id)
	}
	if id := BatchID(ctx); id != uuid.Nil {
		logger = logger.With("batch_id", id)
	}
	return logger
}
