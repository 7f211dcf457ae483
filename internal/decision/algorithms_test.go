package decision

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/suokelife/concord/internal/model"
)

func dec(agent string, confidence float64, payload map[string]any) model.AgentDecision {
	return model.AgentDecision{
		AgentID:         agent,
		AgentType:       "specialist",
		DecisionType:    model.DecisionDiagnosis,
		DecisionData:    payload,
		ConfidenceScore: confidence,
	}
}

var (
	optionA = map[string]any{"syndrome": "qi_deficiency"}
	optionB = map[string]any{"syndrome": "damp_heat"}
)

func TestMajorityVote(t *testing.T) {
	out := majorityVote([]model.AgentDecision{
		dec("xiaoai", 0.9, optionA),
		dec("laoke", 0.6, optionA),
		dec("soer", 0.8, optionB),
	})

	assert.Equal(t, optionA, out.finalDecision)
	assert.InDelta(t, 2.0/3.0, out.score, 1e-9)
	assert.Len(t, out.supporters, 2)
}

func TestMajorityVoteUnanimous(t *testing.T) {
	out := majorityVote([]model.AgentDecision{
		dec("xiaoai", 0.9, optionA),
		dec("laoke", 0.2, optionA),
	})
	assert.Equal(t, optionA, out.finalDecision)
	assert.InDelta(t, 1.0, out.score, 1e-9)
}

func TestWeightedConsensus(t *testing.T) {
	weights := map[string]float64{"xiaoai": 0.5, "laoke": 0.2, "soer": 0.15}
	weightFor := func(a string) float64 { return weights[a] }

	out := weighted([]model.AgentDecision{
		dec("xiaoai", 0.9, optionA), // 0.45
		dec("laoke", 1.0, optionB),  // 0.20
		dec("soer", 1.0, optionB),   // 0.15
	}, weightFor)

	// Option A: 0.45 beats option B: 0.35. Total weight 0.85.
	assert.Equal(t, optionA, out.finalDecision)
	assert.InDelta(t, 0.45/0.85, out.score, 1e-9)
}

func TestWeightedMonotonicity(t *testing.T) {
	decisions := []model.AgentDecision{
		dec("xiaoai", 0.8, optionA),
		dec("laoke", 0.9, optionB),
		dec("soer", 0.9, optionB),
	}
	score := func(xiaoaiWeight float64) float64 {
		weights := map[string]float64{"xiaoai": xiaoaiWeight, "laoke": 0.2, "soer": 0.15}
		out := weighted(decisions, func(a string) float64 { return weights[a] })
		if out.supporters[0].AgentID != "xiaoai" {
			return 0 // option A lost entirely
		}
		return out.score
	}

	// Raising xiaoai's weight can only help the option xiaoai supports.
	prev := -1.0
	for _, w := range []float64{0.5, 0.7, 0.9, 1.2} {
		s := score(w)
		assert.GreaterOrEqual(t, s, prev, "weight %v", w)
		prev = s
	}
}

func TestConfidenceBased(t *testing.T) {
	out := confidenceBased([]model.AgentDecision{
		dec("xiaoai", 0.7, optionA),
		dec("laoke", 0.95, optionB),
		dec("soer", 0.6, optionB),
	})

	assert.Equal(t, optionB, out.finalDecision)
	assert.InDelta(t, 2.0/3.0, out.score, 1e-9)
}

func TestByzantineQuorumSizes(t *testing.T) {
	cases := map[int]int{1: 1, 2: 2, 3: 2, 4: 3, 5: 4, 6: 4, 7: 5, 9: 6}
	for n, want := range cases {
		assert.Equal(t, want, byzantineQuorum(n), "n=%d", n)
	}
}

func TestByzantineThreeToOneSplit(t *testing.T) {
	out := byzantine([]model.AgentDecision{
		dec("xiaoai", 0.9, optionA),
		dec("laoke", 0.8, optionA),
		dec("soer", 0.7, optionA),
		dec("xiaoke", 0.99, optionB),
	})

	// Quorum for n=4 is 3: the 3-agent group wins despite the outlier's
	// higher confidence.
	assert.Equal(t, optionA, out.finalDecision)
	assert.InDelta(t, 0.75, out.score, 1e-9)
	assert.Len(t, out.supporters, 3)
}

func TestByzantineTwoToTwoFallsBack(t *testing.T) {
	out := byzantine([]model.AgentDecision{
		dec("xiaoai", 0.9, optionA),
		dec("laoke", 0.8, optionA),
		dec("soer", 0.95, optionB),
		dec("xiaoke", 0.7, optionB),
	})

	// No group reaches quorum 3: fall back to the most confident decision
	// with minimal score 1/n.
	assert.Equal(t, optionB, out.finalDecision)
	assert.InDelta(t, 0.25, out.score, 1e-9)
	assert.Equal(t, model.AlgorithmByzantine, out.algorithm)
}
