// Package orchestrator runs collaboration sessions: it expands a scenario
// template into a task graph, publishes trigger events for every ready task,
// and advances task state from correlated completion events. A task is done
// only when a completion event carrying its session and task key arrives;
// timeouts feed the retry policy, never silent completion.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/suokelife/concord/internal/awareness"
	"github.com/suokelife/concord/internal/bus"
	"github.com/suokelife/concord/internal/eventlog"
	"github.com/suokelife/concord/internal/model"
	"github.com/suokelife/concord/internal/scenario"
)

// pollInterval paces the scheduling loop between task batches.
const pollInterval = 50 * time.Millisecond

// Orchestrator coordinates multi-agent collaboration sessions.
type Orchestrator struct {
	store    *SessionStore
	lib      *scenario.Library
	bus      *bus.Bus
	events   eventlog.Store    // nil disables snapshots
	contexts *awareness.Engine // nil disables context enrichment
	logger   *slog.Logger

	mu      sync.Mutex
	waiters map[string]chan map[string]any // sessionID|taskKey
	cancels map[string]chan struct{}       // sessionID

	done        chan struct{}
	closeOnce   sync.Once
	unsubscribe func()
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithEventStore enables session snapshots on completion.
func WithEventStore(store eventlog.Store) Option {
	return func(o *Orchestrator) { o.events = store }
}

// WithContextEngine enables context snapshots attached at session start.
func WithContextEngine(e *awareness.Engine) Option {
	return func(o *Orchestrator) { o.contexts = e }
}

// New creates an orchestrator and subscribes it to task completion events.
// Call Close to release the subscription.
func New(store *SessionStore, lib *scenario.Library, b *bus.Bus, logger *slog.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		store:   store,
		lib:     lib,
		bus:     b,
		logger:  logger,
		waiters: make(map[string]chan map[string]any),
		cancels: make(map[string]chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.unsubscribe = b.Subscribe(model.EventTaskCompleted, o.onTaskCompleted)
	return o
}

// Close stops the orchestrator: completion events are no longer consumed and
// running session loops wind down. Sessions themselves stay in the store.
func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() {
		o.unsubscribe()
		close(o.done)
	})
}

// Start validates the scenario, builds the session with its task graph and
// context snapshot, and begins asynchronous execution. It returns the new
// session ID immediately.
func (o *Orchestrator) Start(ctx context.Context, scenarioName, userID string, additional map[string]any) (string, error) {
	def, err := o.lib.Get(scenarioName)
	if err != nil {
		return "", err
	}

	sessionID := uuid.NewString()
	now := time.Now().UTC()

	session := &model.CollaborationSession{
		SessionID:           sessionID,
		Scenario:            scenarioName,
		UserID:              userID,
		ParticipatingAgents: def.Agents(),
		State:               model.SessionIdle,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if o.contexts != nil {
		session.Context = o.contexts.Build(ctx, userID, sessionID, additional)
	}

	session.State = model.SessionPlanning
	session.Tasks = def.Tasks()
	session.State = model.SessionExecuting

	o.store.Put(session)

	o.mu.Lock()
	o.cancels[sessionID] = make(chan struct{})
	o.mu.Unlock()

	ev := model.NewEvent(model.EventCollaborationStarted, map[string]any{
		"session_id":           sessionID,
		"scenario":             scenarioName,
		"user_id":              userID,
		"participating_agents": def.Agents(),
	})
	ev.CorrelationID = sessionID
	if _, err := o.bus.Publish(ctx, ev); err != nil {
		o.logger.Warn("session start event not persisted", "session_id", sessionID, "error", err)
	}

	o.logger.Info("collaboration started",
		"session_id", sessionID,
		"scenario", scenarioName,
		"user_id", userID,
		"tasks", len(session.Tasks))

	go o.run(sessionID, def)
	return sessionID, nil
}

// Status returns the external view of a session.
func (o *Orchestrator) Status(sessionID string) (model.SessionStatus, error) {
	var status model.SessionStatus
	err := o.store.View(sessionID, func(s *model.CollaborationSession) {
		status = s.Status()
	})
	return status, err
}

// Result returns the aggregated outcome of a completed session, or nil while
// the session is still running.
func (o *Orchestrator) Result(sessionID string) (*model.CollaborationResult, error) {
	var result *model.CollaborationResult
	err := o.store.View(sessionID, func(s *model.CollaborationSession) {
		result = s.Result
	})
	return result, err
}

// ListActive returns every non-terminal session.
func (o *Orchestrator) ListActive() []model.SessionStatus {
	return o.store.ActiveStatuses()
}

// Cancel fails the session and flips running tasks to cancelled. Work already
// delegated to agents is not interrupted; their late completion events are
// ignored. Cancelling twice is a no-op.
func (o *Orchestrator) Cancel(ctx context.Context, sessionID string) error {
	alreadyTerminal := false
	err := o.store.Update(sessionID, func(s *model.CollaborationSession) {
		if s.State.IsTerminal() {
			alreadyTerminal = true
			return
		}
		s.State = model.SessionFailed
		for _, t := range s.Tasks {
			if t.Status == model.TaskRunning {
				t.Status = model.TaskCancelled
			}
		}
	})
	if err != nil || alreadyTerminal {
		return err
	}

	o.mu.Lock()
	if ch, ok := o.cancels[sessionID]; ok {
		close(ch)
		delete(o.cancels, sessionID)
	}
	o.mu.Unlock()

	ev := model.NewEvent(model.EventCollaborationCancelled, map[string]any{
		"session_id": sessionID,
	})
	ev.CorrelationID = sessionID
	if _, err := o.bus.Publish(ctx, ev); err != nil {
		o.logger.Warn("cancel event not persisted", "session_id", sessionID, "error", err)
	}
	o.logger.Info("collaboration cancelled", "session_id", sessionID)
	return nil
}

// Cleanup drops terminal sessions past the retention window.
func (o *Orchestrator) Cleanup(olderThan time.Duration) int {
	removed := o.store.CleanupTerminal(olderThan)
	if removed > 0 {
		o.logger.Info("cleaned up terminal sessions", "removed", removed)
	}
	return removed
}

// taskSnapshot carries the immutable task attributes a worker goroutine needs.
type taskSnapshot struct {
	key      string
	agentID  string
	taskType string
	taskData map[string]any
	triggers []string
	timeout  time.Duration
	priority model.TaskPriority
}

// run is the per-session scheduling loop: compute the ready set, execute it
// concurrently, repeat until the session terminates.
func (o *Orchestrator) run(sessionID string, def scenario.Definition) {
	cancelCh := o.cancelChan(sessionID)
	defer o.releaseCancel(sessionID)

	for {
		select {
		case <-o.done:
			return
		case <-cancelCh:
			return
		default:
		}

		ready, done, anyFailed := o.readySet(sessionID)
		if done {
			o.finalize(sessionID, def)
			return
		}
		if len(ready) == 0 {
			if anyFailed {
				o.failSession(sessionID, "dependency deadlock: failed tasks block the remainder")
				return
			}
			// Nothing ready and nothing failed: tasks were cancelled or the
			// session is gone. Back off briefly and re-check.
			select {
			case <-o.done:
				return
			case <-cancelCh:
				return
			case <-time.After(pollInterval):
			}
			continue
		}

		g := new(errgroup.Group)
		for _, t := range ready {
			t := t
			g.Go(func() error {
				o.executeTask(sessionID, t, cancelCh)
				return nil
			})
		}
		_ = g.Wait()
	}
}

// readySet returns pending tasks whose dependencies are all completed, in
// priority order, plus whether the session is fully completed or carries
// failed tasks.
func (o *Orchestrator) readySet(sessionID string) (ready []taskSnapshot, allCompleted, anyFailed bool) {
	err := o.store.View(sessionID, func(s *model.CollaborationSession) {
		if s.State.IsTerminal() {
			return
		}
		completed := make(map[string]bool)
		for _, t := range s.Tasks {
			if t.Status == model.TaskCompleted {
				completed[t.Key()] = true
			}
			if t.Status == model.TaskFailed {
				anyFailed = true
			}
		}
		allCompleted = len(completed) == len(s.Tasks)

		for _, t := range s.Tasks {
			if t.Status != model.TaskPending {
				continue
			}
			depsMet := true
			for _, dep := range t.Dependencies {
				if !completed[dep] {
					depsMet = false
					break
				}
			}
			if depsMet {
				ready = append(ready, taskSnapshot{
					key:      t.Key(),
					agentID:  t.AgentID,
					taskType: t.TaskType,
					taskData: t.TaskData,
					triggers: t.TriggerTypes,
					timeout:  t.Timeout,
					priority: t.Priority,
				})
			}
		}
	})
	if err != nil {
		return nil, false, false
	}
	sort.SliceStable(ready, func(i, j int) bool {
		return ready[i].priority.Rank() > ready[j].priority.Rank()
	})
	return ready, allCompleted, anyFailed
}

// executeTask publishes the task's trigger events and waits for the
// correlated completion event, bounded by the task timeout.
func (o *Orchestrator) executeTask(sessionID string, t taskSnapshot, cancelCh <-chan struct{}) {
	resultCh := o.registerWaiter(sessionID, t.key)
	defer o.removeWaiter(sessionID, t.key)

	startedAt := time.Now().UTC()
	if err := o.store.Update(sessionID, func(s *model.CollaborationSession) {
		if task := findTask(s, t.key); task != nil && task.Status == model.TaskPending {
			task.Status = model.TaskRunning
			task.StartedAt = &startedAt
		}
	}); err != nil {
		return
	}

	ctx := context.Background()
	var contextHash string
	_ = o.store.View(sessionID, func(s *model.CollaborationSession) {
		if s.Context != nil {
			contextHash = s.Context.Hash()
		}
	})

	payload := map[string]any{
		"session_id":   sessionID,
		"task_key":     t.key,
		"agent_id":     t.agentID,
		"task_type":    t.taskType,
		"task_data":    t.taskData,
		"context_hash": contextHash,
	}
	for _, eventType := range append([]string{model.EventTaskTriggered}, t.triggers...) {
		ev := model.NewEvent(eventType, payload)
		ev.CorrelationID = sessionID
		if _, err := o.bus.Publish(ctx, ev); err != nil {
			o.logger.Warn("trigger event not persisted",
				"session_id", sessionID, "task_key", t.key, "type", eventType, "error", err)
		}
	}

	timer := time.NewTimer(t.timeout)
	defer timer.Stop()

	select {
	case result := <-resultCh:
		o.completeTask(sessionID, t.key, startedAt, result)
	case <-timer.C:
		o.timeoutTask(ctx, sessionID, t)
	case <-cancelCh:
		_ = o.store.Update(sessionID, func(s *model.CollaborationSession) {
			if task := findTask(s, t.key); task != nil && task.Status == model.TaskRunning {
				task.Status = model.TaskCancelled
			}
		})
	case <-o.done:
	}
}

func (o *Orchestrator) completeTask(sessionID, taskKey string, startedAt time.Time, result map[string]any) {
	completedAt := time.Now().UTC()
	_ = o.store.Update(sessionID, func(s *model.CollaborationSession) {
		task := findTask(s, taskKey)
		if task == nil || task.Status != model.TaskRunning {
			return
		}
		task.Status = model.TaskCompleted
		task.CompletedAt = &completedAt

		// Copy: the inbound payload map is shared with other subscribers.
		merged := make(map[string]any, len(result)+3)
		for k, v := range result {
			merged[k] = v
		}
		merged["agent_id"] = task.AgentID
		merged["task_type"] = task.TaskType
		merged["execution_time_seconds"] = completedAt.Sub(startedAt).Seconds()
		task.Result = merged
	})
	o.logger.Info("task completed", "session_id", sessionID, "task_key", taskKey)
}

func (o *Orchestrator) timeoutTask(ctx context.Context, sessionID string, t taskSnapshot) {
	exhausted := false
	_ = o.store.Update(sessionID, func(s *model.CollaborationSession) {
		task := findTask(s, t.key)
		if task == nil || task.Status != model.TaskRunning {
			return
		}
		task.Status = model.TaskTimeout
		task.Error = fmt.Sprintf("no completion event within %s", t.timeout)
		if task.RetryCount < task.MaxRetries {
			task.RetryCount++
			task.Status = model.TaskPending
			task.StartedAt = nil
		} else {
			task.Status = model.TaskFailed
			exhausted = true
		}
	})

	if !exhausted {
		o.logger.Warn("task timed out, requeued", "session_id", sessionID, "task_key", t.key)
		return
	}

	o.logger.Error("task failed, retries exhausted", "session_id", sessionID, "task_key", t.key)
	ev := model.NewEvent(model.EventTaskFailed, map[string]any{
		"session_id": sessionID,
		"task_key":   t.key,
		"agent_id":   t.agentID,
		"reason":     "retries exhausted",
	})
	ev.CorrelationID = sessionID
	if _, err := o.bus.Publish(ctx, ev); err != nil {
		o.logger.Warn("task failure event not persisted", "session_id", sessionID, "error", err)
	}
}

// finalize aggregates the collaboration result, snapshots it, and publishes
// the completion event.
func (o *Orchestrator) finalize(sessionID string, def scenario.Definition) {
	completedAt := time.Now().UTC()
	var result *model.CollaborationResult
	var duration time.Duration

	err := o.store.Update(sessionID, func(s *model.CollaborationSession) {
		if s.State.IsTerminal() {
			return
		}
		s.State = model.SessionCompleting

		contributions := make(map[string][]map[string]any)
		var completedCount, failedCount int
		for _, t := range s.Tasks {
			switch t.Status {
			case model.TaskCompleted:
				completedCount++
				if t.Result != nil {
					contributions[t.AgentID] = append(contributions[t.AgentID], t.Result)
				}
			case model.TaskFailed:
				failedCount++
			}
		}

		s.CompletedAt = &completedAt
		duration = completedAt.Sub(s.CreatedAt)
		result = &model.CollaborationResult{
			SessionID:           s.SessionID,
			Scenario:            s.Scenario,
			UserID:              s.UserID,
			ParticipatingAgents: s.ParticipatingAgents,
			ExecutionSummary: model.ExecutionSummary{
				TotalTasks:     len(s.Tasks),
				CompletedTasks: completedCount,
				FailedTasks:    failedCount,
				TotalDuration:  duration,
			},
			AgentContributions: contributions,
			Recommendations:    def.Recommendations,
			NextActions:        def.NextActions,
		}
		s.Result = result
		s.State = model.SessionCompleted
	})
	if err != nil || result == nil {
		return
	}

	ctx := context.Background()
	o.snapshotSession(ctx, sessionID, result)

	ev := model.NewEvent(model.EventCollaborationCompleted, map[string]any{
		"session_id":       sessionID,
		"scenario":         result.Scenario,
		"user_id":          result.UserID,
		"result":           toMap(result),
		"duration_seconds": duration.Seconds(),
	})
	ev.CorrelationID = sessionID
	if _, err := o.bus.Publish(ctx, ev); err != nil {
		o.logger.Warn("completion event not persisted", "session_id", sessionID, "error", err)
	}

	if o.contexts != nil {
		o.contexts.Forget(sessionID)
	}
	o.logger.Info("collaboration completed",
		"session_id", sessionID,
		"scenario", result.Scenario,
		"duration", duration)
}

func (o *Orchestrator) snapshotSession(ctx context.Context, sessionID string, result *model.CollaborationResult) {
	if o.events == nil {
		return
	}
	data := map[string]any{
		"state":  string(model.SessionCompleted),
		"result": toMap(result),
	}
	if err := o.events.SaveSnapshot(ctx, sessionID, "collaboration_session", 1, data); err != nil {
		o.logger.Warn("session snapshot failed", "session_id", sessionID, "error", err)
	}
}

func (o *Orchestrator) failSession(sessionID, reason string) {
	_ = o.store.Update(sessionID, func(s *model.CollaborationSession) {
		if !s.State.IsTerminal() {
			s.State = model.SessionFailed
		}
	})
	o.logger.Error("collaboration failed", "session_id", sessionID, "reason", reason)
}

func findTask(s *model.CollaborationSession, key string) *model.AgentTask {
	for _, t := range s.Tasks {
		if t.Key() == key {
			return t
		}
	}
	return nil
}

// onTaskCompleted correlates completion events to waiting tasks. Events for
// unknown or no-longer-waiting tasks (cancelled sessions, late agents) are
// dropped.
func (o *Orchestrator) onTaskCompleted(_ context.Context, ev model.Event) {
	sessionID, _ := ev.Payload["session_id"].(string)
	taskKey, _ := ev.Payload["task_key"].(string)
	if sessionID == "" || taskKey == "" {
		return
	}

	o.mu.Lock()
	ch := o.waiters[sessionID+"|"+taskKey]
	o.mu.Unlock()
	if ch == nil {
		return
	}

	result, _ := ev.Payload["result"].(map[string]any)
	select {
	case ch <- result:
	default:
	}
}

func (o *Orchestrator) registerWaiter(sessionID, taskKey string) chan map[string]any {
	ch := make(chan map[string]any, 1)
	o.mu.Lock()
	o.waiters[sessionID+"|"+taskKey] = ch
	o.mu.Unlock()
	return ch
}

func (o *Orchestrator) removeWaiter(sessionID, taskKey string) {
	o.mu.Lock()
	delete(o.waiters, sessionID+"|"+taskKey)
	o.mu.Unlock()
}

// releaseCancel drops a session's cancel channel once its run loop exits, so
// terminal sessions do not accumulate map entries. Cancel removes (and closes)
// the entry itself, in which case this is a no-op.
func (o *Orchestrator) releaseCancel(sessionID string) {
	o.mu.Lock()
	delete(o.cancels, sessionID)
	o.mu.Unlock()
}

func (o *Orchestrator) cancelChan(sessionID string) <-chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	ch, ok := o.cancels[sessionID]
	if !ok {
		// Already cancelled before the loop observed it.
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return ch
}

// toMap converts a struct to its JSON map form for event payloads and
// snapshots.
func toMap(v any) map[string]any {
	b, err := json.Marshal(v)
	if err != nil {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return map[string]any{}
	}
	return m
}
