// Package decision collects per-agent decisions for collaboration sessions
// and reduces them to consensus results. Readiness is evaluated synchronously
// on every submission against the capability registry; once enough capable
// agents have answered, one of four consensus algorithms runs and the pending
// decisions for that (session, decision type) pair are retired.
package decision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/suokelife/concord/internal/bus"
	"github.com/suokelife/concord/internal/model"
	"github.com/suokelife/concord/internal/ratelimit"
	"github.com/suokelife/concord/internal/registry"
	"github.com/suokelife/concord/internal/telemetry"
)

// ErrRateLimited is returned when an agent submits decisions faster than the
// configured budget allows.
var ErrRateLimited = errors.New("decision: rate limited")

// ErrInvalidDecision is returned for malformed submissions.
var ErrInvalidDecision = errors.New("decision: invalid decision")

// readinessThreshold is the fraction of capable agents that must have
// submitted before consensus fires.
const readinessThreshold = 0.6

// Policy selects the consensus algorithm for one round. The default follows
// a simple table; deployments can override it without touching the engine.
type Policy func(dt model.DecisionType, decisions []model.AgentDecision) model.ConsensusAlgorithm

// DefaultPolicy: emergencies trust the most confident agent, three or more
// participants use domain weighting, small rounds take a simple majority.
func DefaultPolicy(dt model.DecisionType, decisions []model.AgentDecision) model.ConsensusAlgorithm {
	switch {
	case dt == model.DecisionEmergency:
		return model.AlgorithmConfidenceBased
	case len(decisions) >= 3:
		return model.AlgorithmWeighted
	default:
		return model.AlgorithmMajorityVote
	}
}

// Engine is the real-time decision engine. Safe for concurrent use.
type Engine struct {
	reg     *registry.Registry
	bus     *bus.Bus
	limiter ratelimit.Limiter
	logger  *slog.Logger
	policy  Policy
	now     func() time.Time

	byzantineTypes  map[model.DecisionType]bool
	crossValidation bool

	consensusRuns   metric.Int64Counter
	convergenceTime metric.Float64Histogram

	mu      sync.Mutex
	pending map[string][]model.AgentDecision    // sessionID -> live decisions
	first   map[string]time.Time                // sessionID|type -> first submission
	history map[string][]*model.ConsensusResult // sessionID -> results
}

// Option configures an Engine.
type Option func(*Engine)

// WithPolicy overrides the algorithm-selection policy.
func WithPolicy(p Policy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithByzantineFor opts decision types into Byzantine fault tolerant
// consensus, regardless of the policy table.
func WithByzantineFor(types ...model.DecisionType) Option {
	return func(e *Engine) {
		for _, dt := range types {
			e.byzantineTypes[dt] = true
		}
	}
}

// WithLimiter applies a rate limiter to submissions.
func WithLimiter(l ratelimit.Limiter) Option {
	return func(e *Engine) { e.limiter = l }
}

// WithCrossValidation toggles peer-review request events on each submission.
func WithCrossValidation(enabled bool) Option {
	return func(e *Engine) { e.crossValidation = enabled }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an engine bound to a capability registry and the event bus.
func New(reg *registry.Registry, b *bus.Bus, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		reg:             reg,
		bus:             b,
		limiter:         ratelimit.NoopLimiter{},
		logger:          logger,
		policy:          DefaultPolicy,
		now:             func() time.Time { return time.Now().UTC() },
		byzantineTypes:  make(map[model.DecisionType]bool),
		crossValidation: true,
		pending:         make(map[string][]model.AgentDecision),
		first:           make(map[string]time.Time),
		history:         make(map[string][]*model.ConsensusResult),
	}
	for _, opt := range opts {
		opt(e)
	}

	meter := telemetry.Meter("concord/decision")
	e.consensusRuns, _ = meter.Int64Counter("concord.consensus.runs",
		metric.WithDescription("Consensus rounds completed"),
	)
	e.convergenceTime, _ = meter.Float64Histogram("concord.consensus.convergence",
		metric.WithDescription("Time from first submission to consensus (ms)"),
		metric.WithUnit("ms"),
	)
	return e
}

func roundKey(sessionID string, dt model.DecisionType) string {
	return sessionID + "|" + string(dt)
}

// Submit records one agent's decision for a session and evaluates readiness.
// When the readiness threshold is crossed it runs consensus synchronously and
// returns the result; otherwise the result is nil.
func (e *Engine) Submit(ctx context.Context, sessionID string, d model.AgentDecision) (*model.ConsensusResult, error) {
	if sessionID == "" || d.AgentID == "" {
		return nil, fmt.Errorf("%w: missing session or agent", ErrInvalidDecision)
	}
	if !d.DecisionType.Valid() {
		return nil, fmt.Errorf("%w: unknown decision type %q", ErrInvalidDecision, d.DecisionType)
	}
	if d.ConfidenceScore < 0 || d.ConfidenceScore > 1 {
		return nil, fmt.Errorf("%w: confidence %v out of range", ErrInvalidDecision, d.ConfidenceScore)
	}

	ok, err := e.limiter.TryAcquire(ctx, "decision:"+sessionID+":"+d.AgentID, 1)
	if err != nil {
		// Limiter malfunction fails open.
		e.logger.Warn("rate limiter error, failing open", "error", err)
	} else if !ok {
		return nil, fmt.Errorf("%w: agent %s session %s", ErrRateLimited, d.AgentID, sessionID)
	}

	if d.Timestamp.IsZero() {
		d.Timestamp = e.now()
	}

	e.mu.Lock()
	e.pending[sessionID] = append(e.pending[sessionID], d)
	key := roundKey(sessionID, d.DecisionType)
	if _, seen := e.first[key]; !seen {
		e.first[key] = e.now()
	}
	e.mu.Unlock()

	e.logger.Info("decision submitted",
		"session_id", sessionID,
		"agent_id", d.AgentID,
		"decision_type", d.DecisionType,
		"confidence", d.ConfidenceScore)

	ev := model.NewEvent(model.EventDecisionSubmitted, map[string]any{
		"session_id":    sessionID,
		"agent_id":      d.AgentID,
		"decision_type": string(d.DecisionType),
		"confidence":    d.ConfidenceScore,
		"context_hash":  d.ContextHash,
	})
	ev.Source = d.AgentID
	ev.CorrelationID = sessionID
	if _, err := e.bus.Publish(ctx, ev); err != nil {
		e.logger.Warn("decision event not persisted", "session_id", sessionID, "error", err)
	}

	if e.crossValidation {
		e.requestCrossValidation(ctx, sessionID, d)
	}

	return e.checkReadiness(ctx, sessionID, d.DecisionType)
}

// requestCrossValidation asks every other capable agent to peer-review the
// submission.
func (e *Engine) requestCrossValidation(ctx context.Context, sessionID string, d model.AgentDecision) {
	for _, validator := range e.reg.CapableAgents(d.DecisionType) {
		if validator == d.AgentID {
			continue
		}
		ev := model.NewEvent(model.EventCrossValidationRequired, map[string]any{
			"session_id":      sessionID,
			"decision_agent":  d.AgentID,
			"decision_type":   string(d.DecisionType),
			"validator_agent": validator,
			"validation_type": "peer_review",
		})
		ev.CorrelationID = sessionID
		if _, err := e.bus.Publish(ctx, ev); err != nil {
			e.logger.Warn("cross validation event not persisted", "session_id", sessionID, "error", err)
		}
	}
}

// checkReadiness runs consensus when enough capable agents have submitted.
func (e *Engine) checkReadiness(ctx context.Context, sessionID string, dt model.DecisionType) (*model.ConsensusResult, error) {
	capable := e.reg.CapableAgents(dt)
	if len(capable) == 0 {
		return nil, nil
	}
	capableSet := make(map[string]bool, len(capable))
	for _, a := range capable {
		capableSet[a] = true
	}

	e.mu.Lock()
	var decisions []model.AgentDecision
	submitted := make(map[string]bool)
	for _, d := range e.pending[sessionID] {
		if d.DecisionType == dt {
			decisions = append(decisions, d)
			if capableSet[d.AgentID] {
				submitted[d.AgentID] = true
			}
		}
	}
	ready := float64(len(submitted)) >= float64(len(capable))*readinessThreshold
	if !ready {
		e.mu.Unlock()
		return nil, nil
	}

	// Retire the round under the lock so a concurrent submission cannot
	// trigger a second consensus over the same decisions.
	kept := e.pending[sessionID][:0]
	for _, d := range e.pending[sessionID] {
		if d.DecisionType != dt {
			kept = append(kept, d)
		}
	}
	e.pending[sessionID] = kept
	key := roundKey(sessionID, dt)
	firstAt := e.first[key]
	delete(e.first, key)
	e.mu.Unlock()

	result := e.runConsensus(sessionID, dt, decisions, firstAt)

	e.consensusRuns.Add(ctx, 1)
	e.convergenceTime.Record(ctx, float64(result.ConvergenceTime.Milliseconds()))

	e.mu.Lock()
	e.history[sessionID] = append(e.history[sessionID], result)
	e.mu.Unlock()

	ev := model.NewEvent(model.EventConsensusReached, map[string]any{
		"session_id":      sessionID,
		"consensus_id":    result.ConsensusID,
		"decision_type":   string(dt),
		"algorithm_used":  string(result.AlgorithmUsed),
		"consensus_score": result.ConsensusScore,
		"final_decision":  result.FinalDecision,
	})
	ev.CorrelationID = sessionID
	if _, err := e.bus.Publish(ctx, ev); err != nil {
		e.logger.Warn("consensus event not persisted", "session_id", sessionID, "error", err)
	}

	e.logger.Info("consensus reached",
		"session_id", sessionID,
		"consensus_id", result.ConsensusID,
		"algorithm", result.AlgorithmUsed,
		"score", result.ConsensusScore,
		"participants", len(result.ParticipatingAgents))

	return result, nil
}

func (e *Engine) selectAlgorithm(dt model.DecisionType, decisions []model.AgentDecision) model.ConsensusAlgorithm {
	if e.byzantineTypes[dt] {
		return model.AlgorithmByzantine
	}
	return e.policy(dt, decisions)
}

func (e *Engine) runConsensus(sessionID string, dt model.DecisionType, decisions []model.AgentDecision, firstAt time.Time) *model.ConsensusResult {
	algorithm := e.selectAlgorithm(dt, decisions)

	var out outcome
	switch algorithm {
	case model.AlgorithmWeighted:
		out = weighted(decisions, func(agentID string) float64 {
			return e.reg.Weight(agentID, dt)
		})
	case model.AlgorithmConfidenceBased:
		out = confidenceBased(decisions)
	case model.AlgorithmByzantine:
		out = byzantine(decisions)
	default:
		out = majorityVote(decisions)
	}

	now := e.now()
	participants := make([]string, 0, len(decisions))
	for _, d := range decisions {
		participants = append(participants, d.AgentID)
	}
	confidence := make(map[string]float64, len(out.supporters))
	for _, d := range out.supporters {
		confidence[d.AgentID] = d.ConfidenceScore
	}

	var convergence time.Duration
	if !firstAt.IsZero() {
		convergence = now.Sub(firstAt)
	}

	return &model.ConsensusResult{
		ConsensusID:            fmt.Sprintf("consensus_%s_%s_%d", sessionID, dt, now.Unix()),
		DecisionType:           dt,
		FinalDecision:          out.finalDecision,
		ConsensusScore:         out.score,
		ParticipatingAgents:    participants,
		AlgorithmUsed:          out.algorithm,
		IndividualDecisions:    decisions,
		ConvergenceTime:        convergence,
		ConfidenceDistribution: confidence,
		Timestamp:              now,
	}
}

// Result returns the most recent consensus for a (session, decision type)
// pair, or nil when no round has completed.
func (e *Engine) Result(sessionID string, dt model.DecisionType) *model.ConsensusResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	results := e.history[sessionID]
	for i := len(results) - 1; i >= 0; i-- {
		if results[i].DecisionType == dt {
			return results[i]
		}
	}
	return nil
}

// History returns all consensus results for a session in order of creation.
func (e *Engine) History(sessionID string) []*model.ConsensusResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*model.ConsensusResult(nil), e.history[sessionID]...)
}

// Readiness describes how close one decision type is to consensus.
type Readiness struct {
	DecisionType        model.DecisionType `json:"decision_type"`
	ReadinessPercent    float64            `json:"readiness_percent"`
	ParticipatingAgents []string           `json:"participating_agents"`
	RequiredAgents      []string           `json:"required_agents"`
	DecisionCount       int                `json:"decision_count"`
}

// SessionReadiness reports readiness for every decision type with pending
// decisions in the session, plus the capable-agent roster for each.
func (e *Engine) SessionReadiness(sessionID string) []Readiness {
	e.mu.Lock()
	pending := append([]model.AgentDecision(nil), e.pending[sessionID]...)
	e.mu.Unlock()

	byType := make(map[model.DecisionType][]model.AgentDecision)
	for _, d := range pending {
		byType[d.DecisionType] = append(byType[d.DecisionType], d)
	}

	out := make([]Readiness, 0, len(byType))
	for dt, decisions := range byType {
		capable := e.reg.CapableAgents(dt)
		capableSet := make(map[string]bool, len(capable))
		for _, a := range capable {
			capableSet[a] = true
		}
		participants := make(map[string]bool)
		for _, d := range decisions {
			if capableSet[d.AgentID] {
				participants[d.AgentID] = true
			}
		}
		var percent float64
		if len(capable) > 0 {
			percent = float64(len(participants)) / float64(len(capable)) * 100
		}
		agents := make([]string, 0, len(participants))
		for a := range participants {
			agents = append(agents, a)
		}
		sort.Strings(agents)
		out = append(out, Readiness{
			DecisionType:        dt,
			ReadinessPercent:    percent,
			ParticipatingAgents: agents,
			RequiredAgents:      capable,
			DecisionCount:       len(decisions),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DecisionType < out[j].DecisionType })
	return out
}

// Retire drops all pending decisions and history for a session, typically
// after the session reaches a terminal state.
func (e *Engine) Retire(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.pending, sessionID)
	for key := range e.first {
		if len(key) > len(sessionID) && key[:len(sessionID)] == sessionID && key[len(sessionID)] == '|' {
			delete(e.first, key)
		}
	}
	delete(e.history, sessionID)
}
