package model

import (
	"time"

	"github.com/google/uuid"
)

// EventVersion is stamped on every event published by this process.
// Bump only on wire-incompatible payload changes.
const EventVersion = "1.0"

// Well-known event types used by the collaboration core. Agents publish and
// consume additional domain-specific types; the core only interprets these.
const (
	// Collaboration lifecycle.
	EventCollaborationStarted   = "collab.session.started"
	EventCollaborationCompleted = "collab.session.completed"
	EventCollaborationCancelled = "collab.session.cancelled"

	// Task lifecycle. Trigger events are scenario-specific; completion and
	// failure events carry "session_id" and "task_key" payload fields that the
	// orchestrator correlates against its waiters.
	EventTaskTriggered = "collab.task.triggered"
	EventTaskCompleted = "collab.task.completed"
	EventTaskFailed    = "collab.task.failed"

	// Decision flow. Proposed events arrive from agents (possibly via the
	// Redis relay) and carry a "session_id" plus a serialized AgentDecision
	// under "decision"; the rest are emitted by the decision engine.
	EventDecisionProposed        = "collab.decision.proposed"
	EventDecisionSubmitted       = "collab.decision.submitted"
	EventConsensusReached        = "collab.consensus.reached"
	EventCrossValidationRequired = "collab.decision.cross_validation"
)

// Event is an immutable fact published on the bus and optionally persisted to
// the event log. CorrelationID threads together all events of one logical
// session so the log can be replayed or audited per workflow.
type Event struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	Payload       map[string]any `json:"data"`
	Timestamp     time.Time      `json:"timestamp"`
	Source        string         `json:"source"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Version       string         `json:"version"`
}

// NewEvent constructs an event with a fresh ID, the current UTC time, and the
// current wire version. The payload map is used as-is; callers must not mutate
// it after publishing.
func NewEvent(eventType string, payload map[string]any) Event {
	if payload == nil {
		payload = map[string]any{}
	}
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
		Version:   EventVersion,
	}
}

// Snapshot is a point-in-time aggregate state persisted alongside events.
// Keyed by (AggregateID, Version) with upsert-on-conflict semantics.
type Snapshot struct {
	AggregateID   string         `json:"aggregate_id"`
	AggregateType string         `json:"aggregate_type"`
	Version       int64          `json:"version"`
	Data          map[string]any `json:"data"`
	CreatedAt     time.Time      `json:"created_at"`
}
