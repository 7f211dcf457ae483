package decision

import (
	"encoding/json"
	"sort"

	"github.com/suokelife/concord/internal/model"
)

// outcome is the algorithm-independent result of one consensus computation.
type outcome struct {
	finalDecision map[string]any
	score         float64
	supporters    []model.AgentDecision
	algorithm     model.ConsensusAlgorithm
}

// group buckets decisions by canonical payload. Keys iterate in sorted order
// so ties resolve deterministically.
func group(decisions []model.AgentDecision) (map[string][]model.AgentDecision, []string) {
	groups := make(map[string][]model.AgentDecision)
	for _, d := range decisions {
		key := d.CanonicalData()
		groups[key] = append(groups[key], d)
	}
	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return groups, keys
}

func decodePayload(key string) map[string]any {
	var m map[string]any
	if err := json.Unmarshal([]byte(key), &m); err != nil {
		return map[string]any{}
	}
	return m
}

// majorityVote picks the payload shared by the most agents.
// score = matching / total.
func majorityVote(decisions []model.AgentDecision) outcome {
	groups, keys := group(decisions)

	var bestKey string
	bestCount := -1
	for _, k := range keys {
		if n := len(groups[k]); n > bestCount {
			bestKey, bestCount = k, n
		}
	}

	return outcome{
		finalDecision: decodePayload(bestKey),
		score:         float64(bestCount) / float64(len(decisions)),
		supporters:    groups[bestKey],
		algorithm:     model.AlgorithmMajorityVote,
	}
}

// weighted scores each payload group by Σ(agent weight × confidence) and
// normalizes the winner against the total weight of all participants.
func weighted(decisions []model.AgentDecision, weightFor func(agentID string) float64) outcome {
	groups, keys := group(decisions)

	scores := make(map[string]float64, len(groups))
	for key, ds := range groups {
		for _, d := range ds {
			scores[key] += weightFor(d.AgentID) * d.ConfidenceScore
		}
	}

	var bestKey string
	bestScore := -1.0
	for _, k := range keys {
		if scores[k] > bestScore {
			bestKey, bestScore = k, scores[k]
		}
	}

	var totalWeight float64
	for _, d := range decisions {
		totalWeight += weightFor(d.AgentID)
	}

	return outcome{
		finalDecision: decodePayload(bestKey),
		score:         bestScore / totalWeight,
		supporters:    groups[bestKey],
		algorithm:     model.AlgorithmWeighted,
	}
}

// confidenceBased picks the single most confident decision.
// score = |decisions matching its payload| / total.
func confidenceBased(decisions []model.AgentDecision) outcome {
	best := decisions[0]
	for _, d := range decisions[1:] {
		if d.ConfidenceScore > best.ConfidenceScore {
			best = d
		}
	}

	bestKey := best.CanonicalData()
	var supporters []model.AgentDecision
	for _, d := range decisions {
		if d.CanonicalData() == bestKey {
			supporters = append(supporters, d)
		}
	}

	return outcome{
		finalDecision: best.DecisionData,
		score:         float64(len(supporters)) / float64(len(decisions)),
		supporters:    supporters,
		algorithm:     model.AlgorithmConfidenceBased,
	}
}

// byzantineQuorum is the two-thirds quorum size ⌈2n/3⌉ for n participants.
func byzantineQuorum(n int) int {
	return (2*n + 2) / 3
}

// byzantine accepts only payload groups reaching a two-thirds quorum and, among
// those, picks the one with the highest total confidence. With no qualifying
// group it degrades to the most confident single decision scored 1/n.
func byzantine(decisions []model.AgentDecision) outcome {
	groups, keys := group(decisions)
	quorum := byzantineQuorum(len(decisions))

	var bestKey string
	bestConfidence := -1.0
	for _, k := range keys {
		ds := groups[k]
		if len(ds) < quorum {
			continue
		}
		var total float64
		for _, d := range ds {
			total += d.ConfidenceScore
		}
		if total > bestConfidence {
			bestKey, bestConfidence = k, total
		}
	}

	if bestKey == "" {
		fallback := confidenceBased(decisions)
		// Without quorum the result carries minimal weight.
		fallback.score = 1.0 / float64(len(decisions))
		fallback.algorithm = model.AlgorithmByzantine
		return fallback
	}

	return outcome{
		finalDecision: decodePayload(bestKey),
		score:         float64(len(groups[bestKey])) / float64(len(decisions)),
		supporters:    groups[bestKey],
		algorithm:     model.AlgorithmByzantine,
	}
}
