// Package awareness builds the multi-facet context snapshot attached to each
// collaboration session. The snapshot is captured once at session start; its
// hash tags every decision so the engine can detect judgments made against
// stale or divergent context.
package awareness

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/suokelife/concord/internal/model"
)

// DeviceProvider reports the user's current device context. Implementations
// typically query a device registry service.
type DeviceProvider interface {
	DeviceContext(ctx context.Context, userID string) (map[string]any, error)
}

// HealthProvider reports the user's health context from historical data.
type HealthProvider interface {
	HealthContext(ctx context.Context, userID string) (map[string]any, error)
}

// HistoryProvider reports recent user interactions.
type HistoryProvider interface {
	RecentInteractions(ctx context.Context, userID string, limit int) ([]model.Interaction, error)
}

const historyLimit = 10

// Engine builds and caches context snapshots per session.
type Engine struct {
	devices DeviceProvider
	health  HealthProvider
	history HistoryProvider
	logger  *slog.Logger
	now     func() time.Time

	mu    sync.RWMutex
	cache map[string]*model.ContextSnapshot // sessionID -> snapshot
}

// Option configures an Engine.
type Option func(*Engine)

// WithDeviceProvider plugs in a device context source.
func WithDeviceProvider(p DeviceProvider) Option {
	return func(e *Engine) { e.devices = p }
}

// WithHealthProvider plugs in a health context source.
func WithHealthProvider(p HealthProvider) Option {
	return func(e *Engine) { e.health = p }
}

// WithHistoryProvider plugs in an interaction history source.
func WithHistoryProvider(p HistoryProvider) Option {
	return func(e *Engine) { e.history = p }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an engine. Providers are optional; missing ones leave their
// facet empty rather than failing the build.
func New(logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		cache:  make(map[string]*model.ContextSnapshot),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Build assembles a snapshot for one session and caches it. Provider failures
// degrade to an empty facet: context enrichment must never block a
// collaboration from starting.
func (e *Engine) Build(ctx context.Context, userID, sessionID string, additional map[string]any) *model.ContextSnapshot {
	now := e.now()

	userContext := map[string]any{
		"user_id":      userID,
		"session_id":   sessionID,
		"current_time": now.Format(time.RFC3339),
	}
	for k, v := range additional {
		userContext[k] = v
	}

	snap := &model.ContextSnapshot{
		UserContext:   userContext,
		DeviceContext: e.facet(ctx, userID, "device", e.deviceFacet),
		EnvironmentalContext: map[string]any{
			"time_of_day": TimePeriod(now),
		},
		TemporalContext: map[string]any{
			"current_hour": now.Hour(),
			"day_of_week":  int(now.Weekday()),
			"is_weekend":   now.Weekday() == time.Saturday || now.Weekday() == time.Sunday,
			"season":       Season(now),
			"meal_time":    MealTime(now),
		},
		HealthContext:      e.facet(ctx, userID, "health", e.healthFacet),
		InteractionHistory: e.interactions(ctx, userID),
	}

	e.mu.Lock()
	e.cache[sessionID] = snap
	e.mu.Unlock()
	return snap
}

func (e *Engine) facet(ctx context.Context, userID, name string, load func(context.Context, string) (map[string]any, error)) map[string]any {
	m, err := load(ctx, userID)
	if err != nil {
		e.logger.Warn("context facet unavailable", "facet", name, "user_id", userID, "error", err)
		return map[string]any{}
	}
	if m == nil {
		m = map[string]any{}
	}
	return m
}

func (e *Engine) deviceFacet(ctx context.Context, userID string) (map[string]any, error) {
	if e.devices == nil {
		return map[string]any{}, nil
	}
	return e.devices.DeviceContext(ctx, userID)
}

func (e *Engine) healthFacet(ctx context.Context, userID string) (map[string]any, error) {
	if e.health == nil {
		return map[string]any{}, nil
	}
	return e.health.HealthContext(ctx, userID)
}

func (e *Engine) interactions(ctx context.Context, userID string) []model.Interaction {
	if e.history == nil {
		return nil
	}
	hist, err := e.history.RecentInteractions(ctx, userID, historyLimit)
	if err != nil {
		e.logger.Warn("interaction history unavailable", "user_id", userID, "error", err)
		return nil
	}
	return hist
}

// Snapshot returns the cached snapshot for a session, if any.
func (e *Engine) Snapshot(sessionID string) (*model.ContextSnapshot, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	snap, ok := e.cache[sessionID]
	return snap, ok
}

// Forget drops a session's cached snapshot.
func (e *Engine) Forget(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.cache, sessionID)
}

// TimePeriod buckets an instant into morning, afternoon, evening or night.
func TimePeriod(t time.Time) string {
	switch h := t.Hour(); {
	case h >= 6 && h < 12:
		return "morning"
	case h >= 12 && h < 18:
		return "afternoon"
	case h >= 18 && h < 22:
		return "evening"
	default:
		return "night"
	}
}

// Season maps a month to its meteorological season.
func Season(t time.Time) string {
	switch t.Month() {
	case time.December, time.January, time.February:
		return "winter"
	case time.March, time.April, time.May:
		return "spring"
	case time.June, time.July, time.August:
		return "summer"
	default:
		return "autumn"
	}
}

// MealTime buckets an instant into the nearest meal window.
func MealTime(t time.Time) string {
	switch h := t.Hour(); {
	case h >= 6 && h < 10:
		return "breakfast"
	case h >= 11 && h < 14:
		return "lunch"
	case h >= 17 && h < 20:
		return "dinner"
	default:
		return "snack"
	}
}
