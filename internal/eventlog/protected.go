package eventlog

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/suokelife/concord/internal/breaker"
	"github.com/suokelife/concord/internal/model"
)

// Protected decorates a Store with a circuit breaker on every backend call.
// When the backend is down, callers fail fast with breaker.ErrOpen instead of
// stacking up on connection timeouts.
type Protected struct {
	inner Store
	brk   *breaker.Breaker
}

// NewProtected wraps store with a breaker named "eventlog".
func NewProtected(store Store, cfg breaker.Config, logger *slog.Logger) *Protected {
	return &Protected{
		inner: store,
		brk:   breaker.New("eventlog", cfg, logger),
	}
}

func (p *Protected) SaveEvent(ctx context.Context, ev model.Event) error {
	return p.brk.Protect(ctx, func() error {
		return p.inner.SaveEvent(ctx, ev)
	})
}

func (p *Protected) Events(ctx context.Context, f Filter, limit, offset int) ([]model.Event, error) {
	var events []model.Event
	err := p.brk.Protect(ctx, func() error {
		var innerErr error
		events, innerErr = p.inner.Events(ctx, f, limit, offset)
		return innerErr
	})
	return events, err
}

func (p *Protected) SaveSnapshot(ctx context.Context, aggregateID, aggregateType string, version int64, data map[string]any) error {
	return p.brk.Protect(ctx, func() error {
		return p.inner.SaveSnapshot(ctx, aggregateID, aggregateType, version, data)
	})
}

func (p *Protected) LatestSnapshot(ctx context.Context, aggregateID string) (model.Snapshot, error) {
	var snap model.Snapshot
	var notFound bool
	err := p.brk.Protect(ctx, func() error {
		var innerErr error
		snap, innerErr = p.inner.LatestSnapshot(ctx, aggregateID)
		if errors.Is(innerErr, ErrNotFound) {
			// Absence is a normal answer, not a backend failure.
			notFound = true
			return nil
		}
		return innerErr
	})
	if notFound && err == nil {
		return model.Snapshot{}, ErrNotFound
	}
	return snap, err
}

func (p *Protected) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	var deleted int64
	err := p.brk.Protect(ctx, func() error {
		var innerErr error
		deleted, innerErr = p.inner.Cleanup(ctx, olderThan)
		return innerErr
	})
	return deleted, err
}

func (p *Protected) Close(ctx context.Context) error {
	return p.inner.Close(ctx)
}

var _ Store = (*Protected)(nil)
