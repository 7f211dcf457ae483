package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
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

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("CONCORD_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("concord starting", "version", version)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, true)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Event store: Postgres behind a circuit breaker when DATABASE_URL is set,
	// otherwise in-memory (events are lost on restart).
	var store eventlog.Store
	if cfg.DatabaseURL != "" {
		pg, err := eventlog.NewPostgres(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return fmt.Errorf("eventlog: %w", err)
		}
		if err := pg.RunMigrations(ctx, migrations.FS); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		store = eventlog.NewProtected(pg, breaker.Config{
			FailureThreshold: uint32(cfg.BreakerFailures), //nolint:gosec // validated positive in config.Validate
			OpenTimeout:      cfg.BreakerOpenTimeout,
			HalfOpenMaxCalls: breaker.DefaultConfig().HalfOpenMaxCalls,
		}, logger)
		logger.Info("event store: postgres")
	} else {
		store = eventlog.NewMemory()
		logger.Info("event store: memory (no DATABASE_URL)")
	}
	defer func() { _ = store.Close(context.Background()) }()

	// Event bus, with optional write-through persistence.
	busOpts := []bus.Option{bus.WithBufferSize(cfg.BusBufferSize)}
	if cfg.PersistEvents {
		busOpts = append(busOpts, bus.WithStore(store))
	}
	b := bus.New(logger, busOpts...)
	defer b.Close()
	b.RegisterMetrics()

	// Redis relay: mirrors local events to peer processes (optional).
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		client := redis.NewClient(redisOpts)
		defer func() { _ = client.Close() }()

		relay := bus.NewRedisRelay(client, b, cfg.ChannelPrefix, logger)
		go func() {
			if err := relay.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("redis relay stopped", "error", err)
			}
		}()
		logger.Info("redis relay: enabled", "prefix", cfg.ChannelPrefix)
	} else {
		logger.Info("redis relay: disabled (no REDIS_URL)")
	}

	// Agent capabilities and scenario templates ship embedded.
	reg, err := registry.LoadDefault()
	if err != nil {
		return fmt.Errorf("registry: %w", err)
	}
	lib, err := scenario.LoadDefault()
	if err != nil {
		return fmt.Errorf("scenarios: %w", err)
	}
	logger.Info("registry loaded", "agents", len(reg.Agents()), "scenarios", len(lib.Names()))

	contexts := awareness.New(logger)

	// Decision engine with a per-agent submission limiter.
	limiter := ratelimit.NewMemoryLimiter(cfg.DecisionRate, cfg.DecisionBurst)
	defer func() { _ = limiter.Close() }()

	decisionOpts := []decision.Option{
		decision.WithLimiter(limiter),
		decision.WithCrossValidation(cfg.CrossValidation),
	}
	if cfg.ByzantineDefaults {
		decisionOpts = append(decisionOpts, decision.WithByzantineFor(model.DecisionEmergency))
	}
	eng := decision.New(reg, b, logger, decisionOpts...)
	unsubProposals := eng.ListenProposals()
	defer unsubProposals()

	// Drop pending decisions and consensus history once a session terminates.
	for _, eventType := range []string{model.EventCollaborationCompleted, model.EventCollaborationCancelled} {
		unsub := b.Subscribe(eventType, func(_ context.Context, ev model.Event) {
			if sessionID, _ := ev.Payload["session_id"].(string); sessionID != "" {
				eng.Retire(sessionID)
			}
		})
		defer unsub()
	}

	// Orchestrator.
	orch := orchestrator.New(orchestrator.NewSessionStore(), lib, b, logger,
		orchestrator.WithEventStore(store),
		orchestrator.WithContextEngine(contexts),
	)
	defer orch.Close()
	orch.RegisterMetrics()

	// Periodic cleanup: terminal sessions and aged events.
	go cleanupLoop(ctx, orch, store, cfg, logger)

	logger.Info("concord ready")
	<-ctx.Done()

	slog.Info("concord shutting down")
	return nil
}

// cleanupLoop drops terminal sessions and events past their retention windows.
func cleanupLoop(ctx context.Context, orch *orchestrator.Orchestrator, store eventlog.Store, cfg config.Config, logger *slog.Logger) {
	ticker := time.NewTicker(cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			orch.Cleanup(cfg.SessionRetention)
			if n, err := store.Cleanup(ctx, cfg.EventRetention); err != nil {
				logger.Warn("event cleanup failed", "error", err)
			} else if n > 0 {
				logger.Info("event cleanup complete", "removed", n)
			}
		}
	}
}
