package orchestrator

import (
	"context"
	"log/slog"
	"sync/atomic"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suokelife/concord/internal/awareness"
	"github.com/suokelife/concord/internal/bus"
	"github.com/suokelife/concord/internal/eventlog"
	"github.com/suokelife/concord/internal/model"
	"github.com/suokelife/concord/internal/scenario"
)

func discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func loadScenarios(t *testing.T, yaml string) *scenario.Library {
	t.Helper()
	fsys := fstest.MapFS{"scenarios.yaml": &fstest.MapFile{Data: []byte(yaml)}}
	lib, err := scenario.Load(fsys, "scenarios.yaml")
	require.NoError(t, err)
	return lib
}

func newTestOrchestrator(t *testing.T, lib *scenario.Library, opts ...Option) (*Orchestrator, *bus.Bus, *SessionStore) {
	t.Helper()
	b := bus.New(discard())
	t.Cleanup(b.Close)
	store := NewSessionStore()
	o := New(store, lib, b, discard(), opts...)
	t.Cleanup(o.Close)
	return o, b, store
}

func completeTask(t *testing.T, b *bus.Bus, sessionID, taskKey string, result map[string]any) {
	t.Helper()
	ev := model.NewEvent(model.EventTaskCompleted, map[string]any{
		"session_id": sessionID,
		"task_key":   taskKey,
		"result":     result,
	})
	ev.CorrelationID = sessionID
	_, err := b.Publish(context.Background(), ev)
	require.NoError(t, err)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func taskStatus(t *testing.T, store *SessionStore, sessionID, taskKey string) model.TaskStatus {
	t.Helper()
	var status model.TaskStatus
	require.NoError(t, store.View(sessionID, func(s *model.CollaborationSession) {
		for _, task := range s.Tasks {
			if task.Key() == taskKey {
				status = task.Status
			}
		}
	}))
	return status
}

func sessionState(t *testing.T, store *SessionStore, sessionID string) model.SessionState {
	t.Helper()
	var state model.SessionState
	require.NoError(t, store.View(sessionID, func(s *model.CollaborationSession) {
		state = s.State
	}))
	return state
}

const gatingScenario = `
scenarios:
  gated:
    steps:
      - agent: alpha
        task: collect
        events: [alpha.collect.requested]
        timeout: 5s
      - agent: beta
        task: enrich
        events: [beta.enrich.requested]
        timeout: 5s
      - agent: alpha
        task: merge
        events: [alpha.merge.requested]
        dependencies: [alpha.collect, beta.enrich]
        timeout: 5s
`

func TestStartUnknownScenario(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, loadScenarios(t, gatingScenario))
	_, err := o.Start(context.Background(), "nope", "user-1", nil)
	assert.ErrorIs(t, err, scenario.ErrUnknownScenario)
}

func TestStatusUnknownSession(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, loadScenarios(t, gatingScenario))
	_, err := o.Status("missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.ErrorIs(t, o.Cancel(context.Background(), "missing"), ErrSessionNotFound)
}

func TestTaskGating(t *testing.T) {
	o, b, store := newTestOrchestrator(t, loadScenarios(t, gatingScenario))

	sessionID, err := o.Start(context.Background(), "gated", "user-1", nil)
	require.NoError(t, err)

	waitFor(t, 2*time.Second, func() bool {
		return taskStatus(t, store, sessionID, "alpha.collect") == model.TaskRunning &&
			taskStatus(t, store, sessionID, "beta.enrich") == model.TaskRunning
	})
	assert.Equal(t, model.TaskPending, taskStatus(t, store, sessionID, "alpha.merge"))

	// One of two dependencies completes; merge must stay pending.
	completeTask(t, b, sessionID, "alpha.collect", nil)
	waitFor(t, 2*time.Second, func() bool {
		return taskStatus(t, store, sessionID, "alpha.collect") == model.TaskCompleted
	})

	// A completion event for a task that is not running is ignored.
	completeTask(t, b, sessionID, "alpha.merge", nil)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, model.TaskPending, taskStatus(t, store, sessionID, "alpha.merge"))

	// Second dependency unblocks the merge.
	completeTask(t, b, sessionID, "beta.enrich", nil)
	waitFor(t, 2*time.Second, func() bool {
		return taskStatus(t, store, sessionID, "alpha.merge") == model.TaskRunning
	})
	completeTask(t, b, sessionID, "alpha.merge", nil)

	waitFor(t, 2*time.Second, func() bool {
		return sessionState(t, store, sessionID) == model.SessionCompleted
	})
}

const singleTaskScenario = `
scenarios:
  solo:
    steps:
      - agent: alpha
        task: work
        events: [alpha.work.requested]
        timeout: 60ms
`

func TestTimeoutRetriesThenFailsSession(t *testing.T) {
	o, b, store := newTestOrchestrator(t, loadScenarios(t, singleTaskScenario))

	var failureEvents atomic.Int64
	b.Subscribe(model.EventTaskFailed, func(context.Context, model.Event) {
		failureEvents.Add(1)
	})

	sessionID, err := o.Start(context.Background(), "solo", "user-1", nil)
	require.NoError(t, err)

	// 1 initial attempt + 3 retries, each 60ms, then the session fails.
	waitFor(t, 5*time.Second, func() bool {
		return sessionState(t, store, sessionID) == model.SessionFailed
	})
	assert.Equal(t, model.TaskFailed, taskStatus(t, store, sessionID, "alpha.work"))

	require.NoError(t, store.View(sessionID, func(s *model.CollaborationSession) {
		assert.Equal(t, scenario.DefaultMaxRetries, s.Tasks[0].RetryCount)
	}))
	waitFor(t, 2*time.Second, func() bool { return failureEvents.Load() == 1 })
}

func TestTimeoutRetrySucceeds(t *testing.T) {
	o, b, store := newTestOrchestrator(t, loadScenarios(t, singleTaskScenario))

	// Ignore the first trigger; answer the retry.
	var triggers atomic.Int64
	b.Subscribe(model.EventTaskTriggered, func(_ context.Context, ev model.Event) {
		if triggers.Add(1) < 2 {
			return
		}
		sid, _ := ev.Payload["session_id"].(string)
		key, _ := ev.Payload["task_key"].(string)
		completeTask(t, b, sid, key, map[string]any{"attempt": "second"})
	})

	sessionID, err := o.Start(context.Background(), "solo", "user-1", nil)
	require.NoError(t, err)

	waitFor(t, 5*time.Second, func() bool {
		return sessionState(t, store, sessionID) == model.SessionCompleted
	})
	require.NoError(t, store.View(sessionID, func(s *model.CollaborationSession) {
		assert.Equal(t, 1, s.Tasks[0].RetryCount)
		assert.Equal(t, "second", s.Tasks[0].Result["attempt"])
	}))
}

func TestTerminalSessionsReleaseCancelChannels(t *testing.T) {
	o, b, store := newTestOrchestrator(t, loadScenarios(t, singleTaskScenario))

	b.Subscribe(model.EventTaskTriggered, func(_ context.Context, ev model.Event) {
		sid, _ := ev.Payload["session_id"].(string)
		key, _ := ev.Payload["task_key"].(string)
		completeTask(t, b, sid, key, map[string]any{"done": true})
	})

	var sessions []string
	for i := 0; i < 5; i++ {
		sessionID, err := o.Start(context.Background(), "solo", "user-1", nil)
		require.NoError(t, err)
		sessions = append(sessions, sessionID)
	}
	waitFor(t, 5*time.Second, func() bool {
		for _, sessionID := range sessions {
			if sessionState(t, store, sessionID) != model.SessionCompleted {
				return false
			}
		}
		return true
	})

	o.Cleanup(0)

	waitFor(t, 2*time.Second, func() bool {
		o.mu.Lock()
		defer o.mu.Unlock()
		return len(o.cancels) == 0
	})
}

func TestFailedSessionReleasesCancelChannel(t *testing.T) {
	o, _, store := newTestOrchestrator(t, loadScenarios(t, singleTaskScenario))

	sessionID, err := o.Start(context.Background(), "solo", "user-1", nil)
	require.NoError(t, err)

	waitFor(t, 5*time.Second, func() bool {
		return sessionState(t, store, sessionID) == model.SessionFailed
	})
	waitFor(t, 2*time.Second, func() bool {
		o.mu.Lock()
		defer o.mu.Unlock()
		return len(o.cancels) == 0
	})
}

const deadlockScenario = `
scenarios:
  chained:
    steps:
      - agent: alpha
        task: first
        events: [alpha.first.requested]
        timeout: 50ms
      - agent: beta
        task: second
        events: [beta.second.requested]
        dependencies: [alpha.first]
        timeout: 5s
`

func TestDependencyDeadlockFailsSession(t *testing.T) {
	o, _, store := newTestOrchestrator(t, loadScenarios(t, deadlockScenario))

	sessionID, err := o.Start(context.Background(), "chained", "user-1", nil)
	require.NoError(t, err)

	// first exhausts its retries; second can never become ready.
	waitFor(t, 5*time.Second, func() bool {
		return sessionState(t, store, sessionID) == model.SessionFailed
	})
	assert.Equal(t, model.TaskPending, taskStatus(t, store, sessionID, "beta.second"))
	assert.Empty(t, o.ListActive())
}

const slowScenario = `
scenarios:
  slow:
    steps:
      - agent: alpha
        task: ponder
        events: [alpha.ponder.requested]
        timeout: 30s
`

func TestCancelIsIdempotentAndToleratesLateCompletion(t *testing.T) {
	o, b, store := newTestOrchestrator(t, loadScenarios(t, slowScenario))

	sessionID, err := o.Start(context.Background(), "slow", "user-1", nil)
	require.NoError(t, err)
	waitFor(t, 2*time.Second, func() bool {
		return taskStatus(t, store, sessionID, "alpha.ponder") == model.TaskRunning
	})

	require.NoError(t, o.Cancel(context.Background(), sessionID))
	assert.Equal(t, model.SessionFailed, sessionState(t, store, sessionID))

	waitFor(t, 2*time.Second, func() bool {
		return taskStatus(t, store, sessionID, "alpha.ponder") == model.TaskCancelled
	})

	// Second cancel is a no-op.
	require.NoError(t, o.Cancel(context.Background(), sessionID))

	// A late completion event from the agent changes nothing.
	completeTask(t, b, sessionID, "alpha.ponder", map[string]any{"late": true})
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, model.TaskCancelled, taskStatus(t, store, sessionID, "alpha.ponder"))
}

func TestCleanupDropsTerminalSessions(t *testing.T) {
	o, b, store := newTestOrchestrator(t, loadScenarios(t, singleTaskScenario))

	b.Subscribe(model.EventTaskTriggered, func(_ context.Context, ev model.Event) {
		sid, _ := ev.Payload["session_id"].(string)
		key, _ := ev.Payload["task_key"].(string)
		completeTask(t, b, sid, key, nil)
	})

	sessionID, err := o.Start(context.Background(), "solo", "user-1", nil)
	require.NoError(t, err)
	waitFor(t, 5*time.Second, func() bool {
		return sessionState(t, store, sessionID) == model.SessionCompleted
	})

	assert.Equal(t, 1, o.Cleanup(0))
	_, err = o.Status(sessionID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestEndToEndComprehensiveDiagnosis(t *testing.T) {
	lib, err := scenario.LoadDefault()
	require.NoError(t, err)

	events := eventlog.NewMemory()
	ctxEngine := awareness.New(discard())
	o, b, store := newTestOrchestrator(t, lib,
		WithEventStore(events),
		WithContextEngine(ctxEngine),
	)

	// Each agent answers its trigger immediately.
	b.Subscribe(model.EventTaskTriggered, func(_ context.Context, ev model.Event) {
		sid, _ := ev.Payload["session_id"].(string)
		key, _ := ev.Payload["task_key"].(string)
		agent, _ := ev.Payload["agent_id"].(string)
		completeTask(t, b, sid, key, map[string]any{"findings": agent + " done"})
	})

	sessionID, err := o.Start(context.Background(), "comprehensive_health_diagnosis", "user-42", map[string]any{"locale": "zh-CN"})
	require.NoError(t, err)

	waitFor(t, 10*time.Second, func() bool {
		return sessionState(t, store, sessionID) == model.SessionCompleted
	})

	result, err := o.Result(sessionID)
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.Len(t, result.AgentContributions, 4)
	for _, agent := range []string{"xiaoai", "xiaoke", "laoke", "soer"} {
		assert.NotEmpty(t, result.AgentContributions[agent], agent)
	}
	assert.NotEmpty(t, result.Recommendations)
	assert.NotEmpty(t, result.NextActions)
	assert.Equal(t, 4, result.ExecutionSummary.TotalTasks)
	assert.Equal(t, 4, result.ExecutionSummary.CompletedTasks)
	assert.Zero(t, result.ExecutionSummary.FailedTasks)

	status, err := o.Status(sessionID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionCompleted, status.State)
	assert.Equal(t, 4, status.Progress.Completed)

	// The completed session is snapshotted to the event log.
	snap, err := events.LatestSnapshot(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Equal(t, "collaboration_session", snap.AggregateType)
	assert.Equal(t, string(model.SessionCompleted), snap.Data["state"])
}
