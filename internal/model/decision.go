package model

import (
	"encoding/json"
	"time"
)

// DecisionType classifies what question a decision answers. The set is
// closed: every engine code path switches over it exhaustively.
type DecisionType string

const (
	DecisionDiagnosis      DecisionType = "diagnosis"
	DecisionTreatment      DecisionType = "treatment"
	DecisionRecommendation DecisionType = "recommendation"
	DecisionEmergency      DecisionType = "emergency"
	DecisionLifestyle      DecisionType = "lifestyle"
)

// DecisionTypes lists all known decision types.
func DecisionTypes() []DecisionType {
	return []DecisionType{
		DecisionDiagnosis,
		DecisionTreatment,
		DecisionRecommendation,
		DecisionEmergency,
		DecisionLifestyle,
	}
}

// Valid reports whether t is a known decision type.
func (t DecisionType) Valid() bool {
	switch t {
	case DecisionDiagnosis, DecisionTreatment, DecisionRecommendation,
		DecisionEmergency, DecisionLifestyle:
		return true
	}
	return false
}

// ConsensusAlgorithm names the reconciliation strategy used for a consensus
// round.
type ConsensusAlgorithm string

const (
	AlgorithmMajorityVote     ConsensusAlgorithm = "majority_vote"
	AlgorithmWeighted         ConsensusAlgorithm = "weighted_consensus"
	AlgorithmByzantine        ConsensusAlgorithm = "byzantine_fault_tolerant"
	AlgorithmConfidenceBased  ConsensusAlgorithm = "confidence_based"
)

// Capability is a named competency an agent declares. Capabilities determine
// which agents are relevant to, and required for readiness of, a decision
// type.
type Capability string

const (
	CapTCMDiagnosis       Capability = "tcm_diagnosis"
	CapSymptomAnalysis    Capability = "symptom_analysis"
	CapServiceMatching    Capability = "service_matching"
	CapKnowledgeRetrieval Capability = "knowledge_retrieval"
	CapLifestyleAnalysis  Capability = "lifestyle_analysis"
	CapRiskAssessment     Capability = "risk_assessment"
	CapDataIntegration    Capability = "data_integration"
)

// Evidence is one supporting artifact attached to a decision.
type Evidence struct {
	Source  string         `json:"source"`
	Kind    string         `json:"kind,omitempty"`
	Content map[string]any `json:"content,omitempty"`
}

// AgentDecision is one agent's independent judgment for a session, tagged
// with the session's context hash so divergent context can be detected.
// Immutable once submitted.
type AgentDecision struct {
	AgentID         string         `json:"agent_id"`
	AgentType       string         `json:"agent_type"`
	DecisionType    DecisionType   `json:"decision_type"`
	DecisionData    map[string]any `json:"decision_data"`
	ConfidenceScore float64        `json:"confidence_score"`
	Reasoning       string         `json:"reasoning,omitempty"`
	Evidence        []Evidence     `json:"evidence,omitempty"`
	Timestamp       time.Time      `json:"timestamp"`
	ContextHash     string         `json:"context_hash,omitempty"`
}

// CanonicalData returns a deterministic serialization of DecisionData used to
// group equal payloads across agents. encoding/json sorts map keys, so two
// semantically equal maps always canonicalize identically.
func (d *AgentDecision) CanonicalData() string {
	b, err := json.Marshal(d.DecisionData)
	if err != nil {
		return ""
	}
	return string(b)
}

// ConsensusResult is the outcome of one consensus round for a
// (session, decision type) pair. Created once, immutable, appended to the
// session-scoped history.
type ConsensusResult struct {
	ConsensusID            string             `json:"consensus_id"`
	DecisionType           DecisionType       `json:"decision_type"`
	FinalDecision          map[string]any     `json:"final_decision"`
	ConsensusScore         float64            `json:"consensus_score"`
	ParticipatingAgents    []string           `json:"participating_agents"`
	AlgorithmUsed          ConsensusAlgorithm `json:"algorithm_used"`
	IndividualDecisions    []AgentDecision    `json:"individual_decisions"`
	ConvergenceTime        time.Duration      `json:"convergence_time"`
	ConfidenceDistribution map[string]float64 `json:"confidence_distribution"`
	Timestamp              time.Time          `json:"timestamp"`
}
