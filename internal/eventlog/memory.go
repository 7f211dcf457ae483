package eventlog

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/suokelife/concord/internal/model"
)

// Memory is an in-process Store used for development and tests. It honors the
// same contracts as Postgres: append-only events, upserted snapshots, safe
// concurrent reads.
type Memory struct {
	mu        sync.RWMutex
	events    []model.Event
	snapshots map[string][]model.Snapshot // aggregateID -> snapshots
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{snapshots: make(map[string][]model.Snapshot)}
}

// SaveEvent appends a copy of the event.
func (m *Memory) SaveEvent(_ context.Context, ev model.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (f Filter) matches(ev model.Event) bool {
	if f.Type != "" && ev.Type != f.Type {
		return false
	}
	if f.Source != "" && ev.Source != f.Source {
		return false
	}
	if f.CorrelationID != "" && ev.CorrelationID != f.CorrelationID {
		return false
	}
	if !f.From.IsZero() && ev.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && ev.Timestamp.After(f.To) {
		return false
	}
	return true
}

// Events filters, sorts by occurrence time, and pages.
func (m *Memory) Events(_ context.Context, f Filter, limit, offset int) ([]model.Event, error) {
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	if offset < 0 {
		offset = 0
	}

	m.mu.RLock()
	var matched []model.Event
	for _, ev := range m.events {
		if f.matches(ev) {
			matched = append(matched, ev)
		}
	}
	m.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Timestamp.Before(matched[j].Timestamp)
	})

	if offset >= len(matched) {
		return nil, nil
	}
	matched = matched[offset:]
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// SaveSnapshot upserts by (aggregateID, version).
func (m *Memory) SaveSnapshot(_ context.Context, aggregateID, aggregateType string, version int64, data map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := model.Snapshot{
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		Version:       version,
		Data:          data,
		CreatedAt:     time.Now().UTC(),
	}
	list := m.snapshots[aggregateID]
	for i, existing := range list {
		if existing.Version == version {
			list[i] = snap
			return nil
		}
	}
	m.snapshots[aggregateID] = append(list, snap)
	return nil
}

// LatestSnapshot returns the highest-version snapshot or ErrNotFound.
func (m *Memory) LatestSnapshot(_ context.Context, aggregateID string) (model.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.snapshots[aggregateID]
	if len(list) == 0 {
		return model.Snapshot{}, ErrNotFound
	}
	best := list[0]
	for _, snap := range list[1:] {
		if snap.Version > best.Version {
			best = snap
		}
	}
	return best, nil
}

// Cleanup drops events older than the given age.
func (m *Memory) Cleanup(_ context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)

	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.events[:0]
	var deleted int64
	for _, ev := range m.events {
		if ev.Timestamp.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, ev)
	}
	m.events = kept
	return deleted, nil
}

// Close is a no-op.
func (m *Memory) Close(context.Context) error { return nil }

var _ Store = (*Memory)(nil)
