package eventlog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suokelife/concord/internal/breaker"
	"github.com/suokelife/concord/internal/model"
)

// failingStore errors on every call, simulating a dead backend.
type failingStore struct {
	Memory
	calls int
}

func (f *failingStore) SaveEvent(context.Context, model.Event) error {
	f.calls++
	return errors.New("connection refused")
}

func TestProtectedTripsAfterConsecutiveFailures(t *testing.T) {
	ctx := context.Background()
	inner := &failingStore{}
	store := NewProtected(inner, breaker.Config{
		FailureThreshold: 3,
		OpenTimeout:      time.Minute,
		HalfOpenMaxCalls: 1,
	}, nil)

	for i := 0; i < 3; i++ {
		err := store.SaveEvent(ctx, model.NewEvent("x", nil))
		require.Error(t, err)
		assert.NotErrorIs(t, err, breaker.ErrOpen)
	}

	// Breaker is open now: the backend is no longer dialed.
	err := store.SaveEvent(ctx, model.NewEvent("x", nil))
	assert.ErrorIs(t, err, breaker.ErrOpen)
	assert.Equal(t, 3, inner.calls)
}

func TestProtectedPassesThroughNotFound(t *testing.T) {
	ctx := context.Background()
	store := NewProtected(NewMemory(), breaker.Config{
		FailureThreshold: 2,
		OpenTimeout:      time.Minute,
		HalfOpenMaxCalls: 1,
	}, nil)

	// Repeated misses never trip the breaker.
	for i := 0; i < 5; i++ {
		_, err := store.LatestSnapshot(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	}

	require.NoError(t, store.SaveSnapshot(ctx, "sess-1", "collaboration_session", 1, map[string]any{"state": "idle"}))
	snap, err := store.LatestSnapshot(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Version)
}
