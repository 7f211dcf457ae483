// Package concord is the public API for embedding the collaboration core.
//
// Consumers import this package to run the orchestrator, decision engine,
// and event bus inside their own process:
//
//	app, err := concord.New(
//	    concord.WithVersion(version),
//	    concord.WithLogger(logger),
//	    concord.WithEventHook(myAuditHook),
//	)
//	if err != nil { ... }
//	go app.Run(ctx)
//
//	sessionID, err := app.StartCollaboration(ctx, "comprehensive_health_diagnosis", userID, nil)
//
// The import graph enforces a strict no-cycle rule: concord (root) imports
// internal/*, but internal/* never imports concord (root). Public types
// (Event, SessionStatus, ConsensusResult, etc.) are standalone structs with
// no internal imports; conversion helpers live here because this is the only
// file that sees both sides of the boundary.
package concord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/suokelife/concord/internal/awareness"
	"github.com/suokelife/concord/internal/breaker"
	"github.com/suokelife/concord/internal/bus"
	"github.com/suokelife/concord/internal/config"
	"github.com/suokelife/concord/internal/decision"
	"github.com/suokelife/concord/internal/eventlog"
	"github.com/suokelife/concord/internal/model"
	"github.com/suokelife/concord/internal/orchestrator"
	"github.com/suokelife/concord/internal/ratelimit"
	"github.com/suokelife/concord/internal/registry"
	"github.com/suokelife/concord/internal/scenario"
	"github.com/suokelife/concord/internal/telemetry"
	"github.com/suokelife/concord/migrations"
)

// App is the collaboration core lifecycle. Construct with New(), run the
// background loops with Run(). App has no public fields — use New() options
// to configure it.
type App struct {
	cfg          config.Config
	store        eventlog.Store
	bus          *bus.Bus
	redisClient  *redis.Client
	relay        *bus.RedisRelay
	contexts     *awareness.Engine
	engine       *decision.Engine
	orch         *orchestrator.Orchestrator
	limiter      ratelimit.Limiter
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string

	unsubs    []func()
	closeOnce sync.Once
}

// New initialises the collaboration core. It connects the event store, runs
// migrations, and wires all subsystems, returning a ready-to-run App. It does
// NOT start any goroutines — call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.redisURL != "" {
		cfg.RedisURL = o.redisURL
	}

	logger.Info("concord starting", "version", version)

	ctx := context.Background()
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, true)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	app := &App{
		cfg:          cfg,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}

	// Event store: Postgres behind a circuit breaker when configured,
	// in-memory otherwise.
	if cfg.DatabaseURL != "" {
		pg, err := eventlog.NewPostgres(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			app.teardown()
			return nil, fmt.Errorf("eventlog: %w", err)
		}
		if err := pg.RunMigrations(ctx, migrations.FS); err != nil {
			_ = pg.Close(ctx)
			app.teardown()
			return nil, fmt.Errorf("migrations: %w", err)
		}
		app.store = eventlog.NewProtected(pg, breaker.Config{
			FailureThreshold: uint32(cfg.BreakerFailures), //nolint:gosec // validated positive in config.Validate
			OpenTimeout:      cfg.BreakerOpenTimeout,
			HalfOpenMaxCalls: breaker.DefaultConfig().HalfOpenMaxCalls,
		}, logger)
	} else {
		app.store = eventlog.NewMemory()
	}

	busOpts := []bus.Option{bus.WithBufferSize(cfg.BusBufferSize)}
	if cfg.PersistEvents {
		busOpts = append(busOpts, bus.WithStore(app.store))
	}
	app.bus = bus.New(logger, busOpts...)

	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			app.teardown()
			return nil, fmt.Errorf("redis: %w", err)
		}
		app.redisClient = redis.NewClient(redisOpts)
		app.relay = bus.NewRedisRelay(app.redisClient, app.bus, cfg.ChannelPrefix, logger)
	}

	reg, err := loadRegistry(o)
	if err != nil {
		app.teardown()
		return nil, fmt.Errorf("registry: %w", err)
	}
	lib, err := loadScenarios(o)
	if err != nil {
		app.teardown()
		return nil, fmt.Errorf("scenarios: %w", err)
	}

	app.contexts = awareness.New(logger)

	app.limiter = ratelimit.NewMemoryLimiter(cfg.DecisionRate, cfg.DecisionBurst)
	decisionOpts := []decision.Option{
		decision.WithLimiter(app.limiter),
		decision.WithCrossValidation(cfg.CrossValidation),
	}
	if cfg.ByzantineDefaults {
		decisionOpts = append(decisionOpts, decision.WithByzantineFor(model.DecisionEmergency))
	}
	app.engine = decision.New(reg, app.bus, logger, decisionOpts...)
	app.unsubs = append(app.unsubs, app.engine.ListenProposals())

	// Drop pending decisions and consensus history once a session terminates.
	for _, eventType := range []string{model.EventCollaborationCompleted, model.EventCollaborationCancelled} {
		app.unsubs = append(app.unsubs, app.bus.Subscribe(eventType, func(_ context.Context, ev model.Event) {
			if sessionID, _ := ev.Payload["session_id"].(string); sessionID != "" {
				app.engine.Retire(sessionID)
			}
		}))
	}

	app.orch = orchestrator.New(orchestrator.NewSessionStore(), lib, app.bus, logger,
		orchestrator.WithEventStore(app.store),
		orchestrator.WithContextEngine(app.contexts),
	)

	for _, hook := range o.eventHooks {
		hook := hook
		unsub, err := app.bus.SubscribePattern("*", func(ctx context.Context, ev model.Event) {
			hook(ctx, toPublicEvent(ev))
		})
		if err != nil {
			app.teardown()
			return nil, fmt.Errorf("event hook: %w", err)
		}
		app.unsubs = append(app.unsubs, unsub)
	}

	app.bus.RegisterMetrics()
	app.orch.RegisterMetrics()

	return app, nil
}

func loadRegistry(o resolvedOptions) (*registry.Registry, error) {
	if o.capabilityFS != nil {
		return registry.Load(o.capabilityFS, o.capabilityFile)
	}
	return registry.LoadDefault()
}

func loadScenarios(o resolvedOptions) (*scenario.Library, error) {
	if o.scenarioFS != nil {
		return scenario.Load(o.scenarioFS, o.scenarioFile)
	}
	return scenario.LoadDefault()
}

// Run starts the Redis relay and retention loops and blocks until ctx is
// cancelled, then tears the App down. Call at most once.
func (a *App) Run(ctx context.Context) error {
	if a.relay != nil {
		go func() {
			if err := a.relay.Run(ctx); err != nil && ctx.Err() == nil {
				a.logger.Error("redis relay stopped", "error", err)
			}
		}()
		a.logger.Info("redis relay: enabled", "prefix", a.cfg.ChannelPrefix)
	}

	ticker := time.NewTicker(a.cfg.CleanupInterval)
	defer ticker.Stop()

	a.logger.Info("concord ready")
	for {
		select {
		case <-ctx.Done():
			a.logger.Info("concord shutting down")
			a.Close()
			return nil
		case <-ticker.C:
			a.orch.Cleanup(a.cfg.SessionRetention)
			if n, err := a.store.Cleanup(ctx, a.cfg.EventRetention); err != nil {
				a.logger.Warn("event cleanup failed", "error", err)
			} else if n > 0 {
				a.logger.Info("event cleanup complete", "removed", n)
			}
		}
	}
}

// Close releases all subscriptions and connections. Safe to call more than
// once; Run calls it on shutdown.
func (a *App) Close() {
	a.closeOnce.Do(a.teardown)
}

func (a *App) teardown() {
	for _, unsub := range a.unsubs {
		unsub()
	}
	a.unsubs = nil
	if a.orch != nil {
		a.orch.Close()
	}
	if a.bus != nil {
		a.bus.Close()
	}
	if a.limiter != nil {
		_ = a.limiter.Close()
	}
	if a.redisClient != nil {
		_ = a.redisClient.Close()
	}
	if a.store != nil {
		_ = a.store.Close(context.Background())
	}
	if a.otelShutdown != nil {
		_ = a.otelShutdown(context.Background())
	}
}

// StartCollaboration expands the named scenario into a session and begins
// asynchronous execution, returning the new session ID.
func (a *App) StartCollaboration(ctx context.Context, scenarioName, userID string, additional map[string]any) (string, error) {
	return a.orch.Start(ctx, scenarioName, userID, additional)
}

// SessionStatus returns the external view of a session.
func (a *App) SessionStatus(sessionID string) (SessionStatus, error) {
	status, err := a.orch.Status(sessionID)
	if err != nil {
		return SessionStatus{}, err
	}
	return toPublicStatus(status), nil
}

// SessionResult returns the aggregated outcome of a completed session, or nil
// while the session is still running.
func (a *App) SessionResult(sessionID string) (*CollaborationResult, error) {
	result, err := a.orch.Result(sessionID)
	if err != nil {
		return nil, err
	}
	return toPublicResult(result), nil
}

// ActiveSessions returns every non-terminal session.
func (a *App) ActiveSessions() []SessionStatus {
	statuses := a.orch.ListActive()
	out := make([]SessionStatus, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, toPublicStatus(s))
	}
	return out
}

// CancelCollaboration fails the session and ignores late task completions.
// Cancelling twice is a no-op.
func (a *App) CancelCollaboration(ctx context.Context, sessionID string) error {
	return a.orch.Cancel(ctx, sessionID)
}

// SubmitDecision records one agent's decision and evaluates readiness. When
// the readiness threshold is crossed the consensus result is returned;
// otherwise the result is nil.
func (a *App) SubmitDecision(ctx context.Context, sessionID string, d AgentDecision) (*ConsensusResult, error) {
	result, err := a.engine.Submit(ctx, sessionID, fromPublicDecision(d))
	if err != nil {
		return nil, err
	}
	return toPublicConsensus(result), nil
}

// DecisionReadiness reports readiness for every decision type with pending
// decisions in the session.
func (a *App) DecisionReadiness(sessionID string) []Readiness {
	readiness := a.engine.SessionReadiness(sessionID)
	out := make([]Readiness, 0, len(readiness))
	for _, r := range readiness {
		out = append(out, Readiness{
			DecisionType:        string(r.DecisionType),
			ReadinessPercent:    r.ReadinessPercent,
			ParticipatingAgents: r.ParticipatingAgents,
			RequiredAgents:      r.RequiredAgents,
			DecisionCount:       r.DecisionCount,
		})
	}
	return out
}

// ConsensusHistory returns all consensus results for a session in order of
// creation.
func (a *App) ConsensusHistory(sessionID string) []*ConsensusResult {
	history := a.engine.History(sessionID)
	out := make([]*ConsensusResult, 0, len(history))
	for _, r := range history {
		out = append(out, toPublicConsensus(r))
	}
	return out
}

// Publish puts an event on the bus (and into the event log when persistence
// is enabled), returning the event ID.
func (a *App) Publish(ctx context.Context, eventType string, payload map[string]any) (string, error) {
	return a.bus.Publish(ctx, model.NewEvent(eventType, payload))
}

// Subscribe registers a handler for one event type. Returns an unsubscribe
// func.
func (a *App) Subscribe(eventType string, h EventHook) func() {
	return a.bus.Subscribe(eventType, func(ctx context.Context, ev model.Event) {
		h(ctx, toPublicEvent(ev))
	})
}

func toPublicEvent(ev model.Event) Event {
	return Event{
		ID:            ev.ID,
		Type:          ev.Type,
		Payload:       ev.Payload,
		Timestamp:     ev.Timestamp,
		Source:        ev.Source,
		CorrelationID: ev.CorrelationID,
		Version:       ev.Version,
	}
}

func toPublicStatus(s model.SessionStatus) SessionStatus {
	return SessionStatus{
		SessionID:           s.SessionID,
		Scenario:            s.Scenario,
		State:               string(s.State),
		ParticipatingAgents: s.ParticipatingAgents,
		Progress: Progress{
			Total:     s.Progress.Total,
			Completed: s.Progress.Completed,
			Running:   s.Progress.Running,
			Failed:    s.Progress.Failed,
		},
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
		CompletedAt: s.CompletedAt,
	}
}

func toPublicResult(r *model.CollaborationResult) *CollaborationResult {
	if r == nil {
		return nil
	}
	return &CollaborationResult{
		SessionID:           r.SessionID,
		Scenario:            r.Scenario,
		UserID:              r.UserID,
		ParticipatingAgents: r.ParticipatingAgents,
		ExecutionSummary: ExecutionSummary{
			TotalTasks:     r.ExecutionSummary.TotalTasks,
			CompletedTasks: r.ExecutionSummary.CompletedTasks,
			FailedTasks:    r.ExecutionSummary.FailedTasks,
			TotalDuration:  r.ExecutionSummary.TotalDuration,
		},
		AgentContributions: r.AgentContributions,
		Recommendations:    r.Recommendations,
		NextActions:        r.NextActions,
	}
}

func toPublicConsensus(r *model.ConsensusResult) *ConsensusResult {
	if r == nil {
		return nil
	}
	return &ConsensusResult{
		ConsensusID:            r.ConsensusID,
		DecisionType:           string(r.DecisionType),
		FinalDecision:          r.FinalDecision,
		ConsensusScore:         r.ConsensusScore,
		ParticipatingAgents:    r.ParticipatingAgents,
		AlgorithmUsed:          string(r.AlgorithmUsed),
		ConvergenceTime:        r.ConvergenceTime,
		ConfidenceDistribution: r.ConfidenceDistribution,
		Timestamp:              r.Timestamp,
	}
}

func fromPublicDecision(d AgentDecision) model.AgentDecision {
	evidence := make([]model.Evidence, 0, len(d.Evidence))
	for _, e := range d.Evidence {
		evidence = append(evidence, model.Evidence{
			Source:  e.Source,
			Kind:    e.Kind,
			Content: e.Content,
		})
	}
	return model.AgentDecision{
		AgentID:         d.AgentID,
		AgentType:       d.AgentType,
		DecisionType:    model.DecisionType(d.DecisionType),
		DecisionData:    d.DecisionData,
		ConfidenceScore: d.ConfidenceScore,
		Reasoning:       d.Reasoning,
		Evidence:        evidence,
		ContextHash:     d.ContextHash,
	}
}
