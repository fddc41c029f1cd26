// Package ids generates identifiers for executions, reservations and requests,
// and propagates request IDs via context.
package ids

import (
	"context"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

type ctxKey struct{}

// NewExecutionID returns a lexically sortable execution identifier.
func NewExecutionID() string {
	return "exe_" + ulid.Make().String()
}

// NewJobID returns a unique reservation job identifier. Every reservation
// attempt, including each fallback attempt, gets its own job ID.
func NewJobID() string {
	return "job_" + ulid.Make().String()
}

// NewRequestID returns a random request identifier.
func NewRequestID() string {
	return uuid.New().String()
}

// WithRequestID returns a context with the given request ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// RequestIDFromContext extracts the request ID from context, or "" if absent.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(ctxKey{}).(string); ok {
		return id
	}
	return ""
}
