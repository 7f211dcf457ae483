package decision

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suokelife/concord/internal/model"
)

func waitForReadiness(t *testing.T, e *Engine, sessionID string, count int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, r := range e.SessionReadiness(sessionID) {
			if r.DecisionCount >= count {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("readiness never reached %d decisions for session %s", count, sessionID)
}

func TestListenProposalsSubmitsFromBus(t *testing.T) {
	e, b := newEngine(t)
	unsub := e.ListenProposals()
	defer unsub()

	ev := model.NewEvent(model.EventDecisionProposed, map[string]any{
		"session_id": "s-relay",
		"decision": map[string]any{
			"agent_id":         "xiaoai",
			"agent_type":       "specialist",
			"decision_type":    "diagnosis",
			"decision_data":    map[string]any{"syndrome": "qi_deficiency"},
			"confidence_score": 0.9,
		},
	})
	_, err := b.Publish(context.Background(), ev)
	require.NoError(t, err)

	waitForReadiness(t, e, "s-relay", 1)

	readiness := e.SessionReadiness("s-relay")
	require.Len(t, readiness, 1)
	assert.Equal(t, model.DecisionDiagnosis, readiness[0].DecisionType)
	assert.Equal(t, []string{"xiaoai"}, readiness[0].ParticipatingAgents)
}

func TestListenProposalsDropsMalformed(t *testing.T) {
	e, b := newEngine(t)
	unsub := e.ListenProposals()
	defer unsub()

	ctx := context.Background()

	// Missing decision payload.
	_, err := b.Publish(ctx, model.NewEvent(model.EventDecisionProposed, map[string]any{
		"session_id": "s-bad",
	}))
	require.NoError(t, err)

	// Unknown decision type.
	_, err = b.Publish(ctx, model.NewEvent(model.EventDecisionProposed, map[string]any{
		"session_id": "s-bad",
		"decision": map[string]any{
			"agent_id":      "xiaoai",
			"decision_type": "fortune_telling",
		},
	}))
	require.NoError(t, err)

	// A valid one afterwards still lands, proving the handler survived.
	_, err = b.Publish(ctx, model.NewEvent(model.EventDecisionProposed, map[string]any{
		"session_id": "s-bad",
		"decision": map[string]any{
			"agent_id":         "soer",
			"decision_type":    "lifestyle",
			"decision_data":    map[string]any{"plan": "sleep"},
			"confidence_score": 0.7,
		},
	}))
	require.NoError(t, err)

	waitForReadiness(t, e, "s-bad", 1)
	readiness := e.SessionReadiness("s-bad")
	require.Len(t, readiness, 1)
	assert.Equal(t, 1, readiness[0].DecisionCount)
}
