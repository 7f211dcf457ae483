// Package breaker wraps circuit breaking around calls to external resources
// (the event store backend, agent service endpoints). It adapts
// sony/gobreaker to a ctx-aware Protect call and a single ErrOpen sentinel so
// callers never depend on the library's error types.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// ErrOpen is returned when the breaker rejects a call because the failure
// threshold was exceeded and the cool-down has not elapsed.
var ErrOpen = errors.New("breaker: open")

// Config tunes one breaker instance.
type Config struct {
	// FailureThreshold is the number of consecutive failures that trips the
	// breaker open.
	FailureThreshold uint32
	// OpenTimeout is how long the breaker stays open before probing
	// (half-open).
	OpenTimeout time.Duration
	// HalfOpenMaxCalls caps probe calls allowed while half-open; that many
	// consecutive successes close the breaker again.
	HalfOpenMaxCalls uint32
}

// DefaultConfig matches the protection profile used for event-store writes.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
		HalfOpenMaxCalls: 2,
	}
}

// Breaker protects calls to one named external resource.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// New creates a breaker. State transitions are logged at warn level so an
// opening breaker is visible without metrics.
func New(name string, cfg Config, logger *slog.Logger) *Breaker {
	if cfg.FailureThreshold == 0 {
		cfg = DefaultConfig()
	}
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.HalfOpenMaxCalls,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
	}
	if logger != nil {
		settings.OnStateChange = func(name string, from, to gobreaker.State) {
			logger.Warn("breaker state change", "name", name, "from", from.String(), "to", to.String())
		}
	}
	return &Breaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

// Protect runs fn through the breaker. A rejected call returns ErrOpen;
// context cancellation is checked before dialing out but fn itself is
// responsible for honoring ctx.
func (b *Breaker) Protect(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := b.cb.Execute(func() (any, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s", ErrOpen, b.cb.Name())
	}
	return err
}

// State returns the breaker state name ("closed", "open", "half-open").
func (b *Breaker) State() string {
	return b.cb.State().String()
}
