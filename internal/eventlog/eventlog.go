// Package eventlog provides the durable, queryable record of every event
// published by the collaboration core, plus periodic aggregate snapshots.
//
// The log is append-only: events are never mutated or deleted except through
// retention cleanup. Replay after the fact is obtained by querying the log
// directly — the bus deliberately never replays (see internal/bus).
package eventlog

import (
	"context"
	"errors"
	"time"

	"github.com/suokelife/concord/internal/model"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("eventlog: not found")

// ErrUnavailable wraps backend failures so callers can distinguish
// infrastructure outage from normal absence and decide to buffer or fail.
var ErrUnavailable = errors.New("eventlog: store unavailable")

// Filter selects events. Zero-valued fields match everything.
type Filter struct {
	Type          string
	Source        string
	CorrelationID string
	From          time.Time
	To            time.Time
}

// Store is the event log contract. Implementations must be safe for
// concurrent use: many sessions read and append concurrently.
type Store interface {
	// SaveEvent appends an event. Events are immutable once saved.
	SaveEvent(ctx context.Context, ev model.Event) error

	// Events returns events matching the filter, ordered by occurrence time
	// ascending, honoring limit and offset. limit <= 0 applies a default cap.
	Events(ctx context.Context, f Filter, limit, offset int) ([]model.Event, error)

	// SaveSnapshot upserts an aggregate snapshot keyed by (aggregateID, version).
	SaveSnapshot(ctx context.Context, aggregateID, aggregateType string, version int64, data map[string]any) error

	// LatestSnapshot returns the highest-version snapshot for the aggregate,
	// or ErrNotFound.
	LatestSnapshot(ctx context.Context, aggregateID string) (model.Snapshot, error)

	// Cleanup deletes events older than the given age and returns the number
	// deleted. Snapshots are kept: they are the compacted form of history.
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)

	// Close releases backend resources.
	Close(ctx context.Context) error
}

// defaultQueryLimit caps unbounded queries.
const defaultQueryLimit = 1000
