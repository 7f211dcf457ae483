package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Interaction is one entry of a user's recent interaction history.
type Interaction struct {
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"interaction_type"`
	Content   string    `json:"content,omitempty"`
	Result    string    `json:"result,omitempty"`
}

// ContextSnapshot is the multi-facet context captured once at session start
// and attached to the session. Decisions are tagged with its hash so the
// engine can detect judgments made against stale or divergent context.
type ContextSnapshot struct {
	UserContext          map[string]any `json:"user_context"`
	DeviceContext        map[string]any `json:"device_context"`
	EnvironmentalContext map[string]any `json:"environmental_context"`
	TemporalContext      map[string]any `json:"temporal_context"`
	HealthContext        map[string]any `json:"health_context"`
	InteractionHistory   []Interaction  `json:"interaction_history"`
}

// Hash returns a stable SHA-256 hex digest over the five context facets.
// Interaction history is excluded: it grows between submissions without the
// decision-relevant context actually changing. encoding/json sorts map keys,
// so the digest is deterministic for semantically equal snapshots.
func (c *ContextSnapshot) Hash() string {
	canonical := struct {
		User        map[string]any `json:"user"`
		Device      map[string]any `json:"device"`
		Environment map[string]any `json:"environment"`
		Temporal    map[string]any `json:"temporal"`
		Health      map[string]any `json:"health"`
	}{
		User:        c.UserContext,
		Device:      c.DeviceContext,
		Environment: c.EnvironmentalContext,
		Temporal:    c.TemporalContext,
		Health:      c.HealthContext,
	}
	b, err := json.Marshal(canonical)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
