package awareness

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suokelife/concord/internal/model"
)

type stubHealth struct {
	data map[string]any
	err  error
}

func (s stubHealth) HealthContext(context.Context, string) (map[string]any, error) {
	return s.data, s.err
}

type stubHistory struct {
	items []model.Interaction
}

func (s stubHistory) RecentInteractions(_ context.Context, _ string, limit int) ([]model.Interaction, error) {
	if len(s.items) > limit {
		return s.items[:limit], nil
	}
	return s.items, nil
}

func discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestBuildAssemblesFacets(t *testing.T) {
	at := time.Date(2025, time.July, 3, 8, 30, 0, 0, time.UTC)
	e := New(discard(),
		WithClock(fixedClock(at)),
		WithHealthProvider(stubHealth{data: map[string]any{"tcm_constitution": "balanced"}}),
		WithHistoryProvider(stubHistory{items: []model.Interaction{{Kind: "health_query"}}}),
	)

	snap := e.Build(context.Background(), "user-1", "sess-1", map[string]any{"locale": "zh-CN"})

	assert.Equal(t, "user-1", snap.UserContext["user_id"])
	assert.Equal(t, "zh-CN", snap.UserContext["locale"])
	assert.Equal(t, "morning", snap.EnvironmentalContext["time_of_day"])
	assert.Equal(t, "summer", snap.TemporalContext["season"])
	assert.Equal(t, "breakfast", snap.TemporalContext["meal_time"])
	assert.Equal(t, false, snap.TemporalContext["is_weekend"])
	assert.Equal(t, "balanced", snap.HealthContext["tcm_constitution"])
	assert.Len(t, snap.InteractionHistory, 1)

	cached, ok := e.Snapshot("sess-1")
	require.True(t, ok)
	assert.Same(t, snap, cached)

	e.Forget("sess-1")
	_, ok = e.Snapshot("sess-1")
	assert.False(t, ok)
}

func TestBuildToleratesProviderFailure(t *testing.T) {
	e := New(discard(),
		WithHealthProvider(stubHealth{err: errors.New("service down")}),
	)
	snap := e.Build(context.Background(), "user-1", "sess-1", nil)

	assert.NotNil(t, snap.HealthContext)
	assert.Empty(t, snap.HealthContext)
	assert.NotEmpty(t, snap.Hash())
}

func TestHashIgnoresInteractionHistory(t *testing.T) {
	at := time.Date(2025, time.January, 10, 20, 0, 0, 0, time.UTC)
	e := New(discard(), WithClock(fixedClock(at)))

	a := e.Build(context.Background(), "user-1", "sess-1", nil)
	b := e.Build(context.Background(), "user-1", "sess-1", nil)
	b.InteractionHistory = append(b.InteractionHistory, model.Interaction{Kind: "extra"})

	// The five facets are identical; history growth must not change the hash.
	// user_context embeds the session but not the history.
	assert.Equal(t, a.Hash(), b.Hash())
}

func TestTemporalBuckets(t *testing.T) {
	cases := []struct {
		hour             int
		period, mealTime string
	}{
		{7, "morning", "breakfast"},
		{12, "afternoon", "lunch"},
		{15, "afternoon", "snack"},
		{19, "evening", "dinner"},
		{23, "night", "snack"},
		{3, "night", "snack"},
	}
	for _, tc := range cases {
		at := time.Date(2025, time.October, 1, tc.hour, 0, 0, 0, time.UTC)
		assert.Equal(t, tc.period, TimePeriod(at), "hour %d", tc.hour)
		assert.Equal(t, tc.mealTime, MealTime(at), "hour %d", tc.hour)
	}
	assert.Equal(t, "winter", Season(time.Date(2025, time.December, 5, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, "autumn", Season(time.Date(2025, time.October, 5, 0, 0, 0, 0, time.UTC)))
}
