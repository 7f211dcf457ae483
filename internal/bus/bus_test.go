package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suokelife/concord/internal/eventlog"
	"github.com/suokelife/concord/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestSubscribeReceivesMatchingType(t *testing.T) {
	b := New(testLogger())
	defer b.Close()

	var got atomic.Value
	received := make(chan struct{})
	b.Subscribe(model.EventTaskCompleted, func(_ context.Context, ev model.Event) {
		got.Store(ev)
		close(received)
	})

	id, err := b.Publish(context.Background(), model.NewEvent(model.EventTaskCompleted, map[string]any{"session_id": "s1"}))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	<-received
	ev := got.Load().(model.Event)
	assert.Equal(t, id, ev.ID)
	assert.Equal(t, "s1", ev.Payload["session_id"])
}

func TestSubscribeDoesNotReplayHistory(t *testing.T) {
	b := New(testLogger())
	defer b.Close()

	_, err := b.Publish(context.Background(), model.NewEvent("history.before", nil))
	require.NoError(t, err)

	var count atomic.Int64
	b.Subscribe("history.before", func(context.Context, model.Event) {
		count.Add(1)
	})

	// A late subscriber only sees events published after it subscribed.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(0), count.Load())

	_, err = b.Publish(context.Background(), model.NewEvent("history.before", nil))
	require.NoError(t, err)
	waitFor(t, func() bool { return count.Load() == 1 })
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New(testLogger())
	defer b.Close()

	var count atomic.Int64
	unsubscribe := b.Subscribe("unsub.test", func(context.Context, model.Event) {
		count.Add(1)
	})

	_, err := b.Publish(context.Background(), model.NewEvent("unsub.test", nil))
	require.NoError(t, err)
	waitFor(t, func() bool { return count.Load() == 1 })

	unsubscribe()
	unsubscribe() // idempotent

	_, err = b.Publish(context.Background(), model.NewEvent("unsub.test", nil))
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(1), count.Load())
}

func TestSubscribePatternGlob(t *testing.T) {
	b := New(testLogger())
	defer b.Close()

	var taskEvents atomic.Int64
	unsubscribe, err := b.SubscribePattern("collab.task.*", func(context.Context, model.Event) {
		taskEvents.Add(1)
	})
	require.NoError(t, err)
	defer unsubscribe()

	for _, typ := range []string{
		model.EventTaskTriggered,
		model.EventTaskCompleted,
		model.EventConsensusReached, // must not match
	} {
		_, err := b.Publish(context.Background(), model.NewEvent(typ, nil))
		require.NoError(t, err)
	}

	waitFor(t, func() bool { return taskEvents.Load() == 2 })
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int64(2), taskEvents.Load())
}

func TestSubscribePatternInvalid(t *testing.T) {
	b := New(testLogger())
	defer b.Close()

	_, err := b.SubscribePattern("[bad", func(context.Context, model.Event) {})
	assert.Error(t, err)
}

func TestCatchAllMirrorsEverything(t *testing.T) {
	b := New(testLogger())
	defer b.Close()

	var all atomic.Int64
	unsubscribe, err := b.SubscribePattern("*", func(context.Context, model.Event) {
		all.Add(1)
	})
	require.NoError(t, err)
	defer unsubscribe()

	for _, typ := range []string{model.EventCollaborationStarted, model.EventDecisionSubmitted, "custom.agent.event"} {
		_, err := b.Publish(context.Background(), model.NewEvent(typ, nil))
		require.NoError(t, err)
	}
	waitFor(t, func() bool { return all.Load() == 3 })
}

func TestHandlerPanicIsIsolated(t *testing.T) {
	b := New(testLogger())
	defer b.Close()

	var healthy atomic.Int64
	b.Subscribe("panic.test", func(context.Context, model.Event) {
		panic("handler exploded")
	})
	b.Subscribe("panic.test", func(context.Context, model.Event) {
		healthy.Add(1)
	})

	for i := 0; i < 2; i++ {
		_, err := b.Publish(context.Background(), model.NewEvent("panic.test", nil))
		require.NoError(t, err)
	}

	// The panicking subscriber neither kills the bus nor its peers.
	waitFor(t, func() bool { return healthy.Load() == 2 })
	assert.Equal(t, int64(2), b.Panics())
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := New(testLogger(), WithBufferSize(1))
	defer b.Close()

	gate := make(chan struct{})
	b.Subscribe("slow.test", func(context.Context, model.Event) {
		<-gate
	})

	// First fills the handler, second fills the buffer, rest must drop.
	for i := 0; i < 5; i++ {
		_, err := b.Publish(context.Background(), model.NewEvent("slow.test", nil))
		require.NoError(t, err)
	}
	waitFor(t, func() bool { return b.Dropped() >= 3 })
	close(gate)
}

func TestWriteThroughPersistsAndSurfacesErrors(t *testing.T) {
	store := eventlog.NewMemory()
	b := New(testLogger(), WithStore(store))
	defer b.Close()

	id, err := b.Publish(context.Background(), model.NewEvent("durable.test", map[string]any{"k": "v"}))
	require.NoError(t, err)

	events, err := store.Events(context.Background(), eventlog.Filter{Type: "durable.test"}, 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, id, events[0].ID)
}

type brokenStore struct {
	eventlog.Memory
}

func (*brokenStore) SaveEvent(context.Context, model.Event) error {
	return errors.New("disk full")
}

func TestWriteThroughFailureStillDelivers(t *testing.T) {
	b := New(testLogger(), WithStore(&brokenStore{}))
	defer b.Close()

	received := make(chan struct{})
	b.Subscribe("lossy.durable", func(context.Context, model.Event) {
		close(received)
	})

	_, err := b.Publish(context.Background(), model.NewEvent("lossy.durable", nil))
	assert.Error(t, err)

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered despite store failure")
	}
}
