// Package ratelimit provides a pluggable rate limiting interface.
//
// The in-memory token bucket (MemoryLimiter) covers single-process
// deployments; a Redis-backed implementation can substitute for
// cross-instance coordination — the Limiter interface is the contract.
package ratelimit

import "context"

// Limiter controls the rate of actions identified by key.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// TryAcquire consumes n tokens if available, without blocking.
	// The key is opaque — callers construct it (e.g. "decision:<session>:<agent>").
	// Returning an error signals a limiter malfunction; callers should
	// treat errors as fail-open rather than blocking traffic.
	TryAcquire(ctx context.Context, key string, n int) (bool, error)

	// Acquire blocks with backoff until n tokens are available or ctx is done.
	Acquire(ctx context.Context, key string, n int) error

	// Close releases resources (cleanup goroutines, connections).
	Close() error
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// TryAcquire always succeeds.
func (NoopLimiter) TryAcquire(context.Context, string, int) (bool, error) { return true, nil }

// Acquire never blocks.
func (NoopLimiter) Acquire(context.Context, string, int) error { return nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }
