package decision

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/suokelife/concord/internal/model"
)

// ListenProposals subscribes the engine to proposal events on the bus, so
// agents in other processes can submit decisions through the Redis relay
// instead of calling Submit directly. Returns an unsubscribe func.
func (e *Engine) ListenProposals() func() {
	return e.bus.Subscribe(model.EventDecisionProposed, e.onProposed)
}

func (e *Engine) onProposed(ctx context.Context, ev model.Event) {
	sessionID, _ := ev.Payload["session_id"].(string)
	raw, ok := ev.Payload["decision"]
	if sessionID == "" || !ok {
		e.logger.Warn("malformed decision proposal dropped", "event_id", ev.ID)
		return
	}

	// The payload crossed a JSON boundary, so the decision arrives as a
	// generic map. Round-trip it into the typed form.
	b, err := json.Marshal(raw)
	if err != nil {
		e.logger.Warn("decision proposal not serializable", "event_id", ev.ID, "error", err)
		return
	}
	var d model.AgentDecision
	if err := json.Unmarshal(b, &d); err != nil {
		e.logger.Warn("decision proposal decode failed", "event_id", ev.ID, "error", err)
		return
	}

	if _, err := e.Submit(ctx, sessionID, d); err != nil {
		if errors.Is(err, ErrRateLimited) {
			e.logger.Warn("decision proposal rate limited",
				"session_id", sessionID, "agent_id", d.AgentID)
			return
		}
		e.logger.Warn("decision proposal rejected",
			"session_id", sessionID, "agent_id", d.AgentID, "error", err)
	}
}
