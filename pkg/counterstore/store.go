// Package counterstore provides atomic numeric counters behind a pluggable
// interface. The in-memory store serves single-instance deployments; the SQLite
// store shares counters between every process using the same database file.
package counterstore

import (
	"context"
	"errors"
)

// ErrCounterNotFound is returned by Get for a key that was never written.
var ErrCounterNotFound = errors.New("counter not found")

// Store defines the atomic counter interface.
type Store interface {
	// Get returns the current value. Returns ErrCounterNotFound if absent.
	Get(ctx context.Context, key string) (float64, error)
	// Set unconditionally overwrites the value.
	Set(ctx context.Context, key string, value float64) error
	// SetNX writes value only if key is absent and reports whether it wrote.
	SetNX(ctx context.Context, key string, value float64) (bool, error)
	// IncrBy atomically adds delta (absent keys start at 0) and returns the new value.
	IncrBy(ctx context.Context, key string, delta float64) (float64, error)
	// CompareAndSwap replaces old with new only if the stored value equals old.
	CompareAndSwap(ctx context.Context, key string, old, new float64) (bool, error)
}
