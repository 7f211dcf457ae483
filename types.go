package concord

import "time"

// Public mirror types for embedding consumers. Standalone structs with no
// internal imports; conversion helpers live in concord.go because the root
// package is the only one that sees both sides of the boundary.

// Decision types understood by the decision engine.
const (
	DecisionDiagnosis      = "diagnosis"
	DecisionTreatment      = "treatment"
	DecisionRecommendation = "recommendation"
	DecisionEmergency      = "emergency"
	DecisionLifestyle      = "lifestyle"
)

// Event is one fact published on the collaboration bus.
type Event struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	Payload       map[string]any `json:"data"`
	Timestamp     time.Time      `json:"timestamp"`
	Source        string         `json:"source"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Version       string         `json:"version"`
}

// Progress summarizes task counts by status.
type Progress struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Running   int `json:"running"`
	Failed    int `json:"failed"`
}

// SessionStatus is the external view of a collaboration session.
type SessionStatus struct {
	SessionID           string     `json:"session_id"`
	Scenario            string     `json:"scenario"`
	State               string     `json:"state"`
	ParticipatingAgents []string   `json:"participating_agents"`
	Progress            Progress   `json:"progress"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
}

// ExecutionSummary counts task outcomes for a completed session.
type ExecutionSummary struct {
	TotalTasks     int           `json:"total_tasks"`
	CompletedTasks int           `json:"completed_tasks"`
	FailedTasks    int           `json:"failed_tasks"`
	TotalDuration  time.Duration `json:"total_duration"`
}

// CollaborationResult is the aggregated outcome of a completed session.
type CollaborationResult struct {
	SessionID           string                      `json:"session_id"`
	Scenario            string                      `json:"scenario"`
	UserID              string                      `json:"user_id"`
	ParticipatingAgents []string                    `json:"participating_agents"`
	ExecutionSummary    ExecutionSummary            `json:"execution_summary"`
	AgentContributions  map[string][]map[string]any `json:"agent_contributions"`
	Recommendations     []string                    `json:"recommendations"`
	NextActions         []string                    `json:"next_actions"`
}

// Evidence is one supporting artifact attached to a decision.
type Evidence struct {
	Source  string         `json:"source"`
	Kind    string         `json:"kind,omitempty"`
	Content map[string]any `json:"content,omitempty"`
}

// AgentDecision is one agent's independent judgment for a session.
type AgentDecision struct {
	AgentID         string         `json:"agent_id"`
	AgentType       string         `json:"agent_type"`
	DecisionType    string         `json:"decision_type"`
	DecisionData    map[string]any `json:"decision_data"`
	ConfidenceScore float64        `json:"confidence_score"`
	Reasoning       string         `json:"reasoning,omitempty"`
	Evidence        []Evidence     `json:"evidence,omitempty"`
	ContextHash     string         `json:"context_hash,omitempty"`
}

// ConsensusResult is the outcome of one consensus round.
type ConsensusResult struct {
	ConsensusID            string             `json:"consensus_id"`
	DecisionType           string             `json:"decision_type"`
	FinalDecision          map[string]any     `json:"final_decision"`
	ConsensusScore         float64            `json:"consensus_score"`
	ParticipatingAgents    []string           `json:"participating_agents"`
	AlgorithmUsed          string             `json:"algorithm_used"`
	ConvergenceTime        time.Duration      `json:"convergence_time"`
	ConfidenceDistribution map[string]float64 `json:"confidence_distribution"`
	Timestamp              time.Time          `json:"timestamp"`
}

// Readiness describes how close one decision type is to consensus.
type Readiness struct {
	DecisionType        string   `json:"decision_type"`
	ReadinessPercent    float64  `json:"readiness_percent"`
	ParticipatingAgents []string `json:"participating_agents"`
	RequiredAgents      []string `json:"required_agents"`
	DecisionCount       int      `json:"decision_count"`
}
