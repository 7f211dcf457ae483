// Package config loads and validates application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Event store settings. An empty DatabaseURL selects the in-memory
	// store (events are lost on restart).
	DatabaseURL    string
	PersistEvents  bool          // write-through every published event to the store
	EventRetention time.Duration // events older than this are dropped by the cleanup loop

	// Redis relay settings. An empty RedisURL runs the bus in-process only.
	RedisURL      string
	ChannelPrefix string

	// Bus settings.
	BusBufferSize int

	// Orchestrator settings.
	SessionRetention time.Duration // terminal sessions older than this are dropped
	CleanupInterval  time.Duration

	// Decision engine settings.
	DecisionRate      float64 // sustained decision submissions per second per agent
	DecisionBurst     int
	CrossValidation   bool
	ByzantineDefaults bool // opt emergency decisions into Byzantine consensus

	// Breaker settings for event store writes.
	BreakerFailures    int
	BreakerOpenTimeout time.Duration

	// OTEL settings.
	OTELEndpoint string
	ServiceName  string

	// Operational settings.
	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		DatabaseURL:        envStr("DATABASE_URL", ""),
		PersistEvents:      envBool("CONCORD_PERSIST_EVENTS", true),
		EventRetention:     envDuration("CONCORD_EVENT_RETENTION", 30*24*time.Hour),
		RedisURL:           envStr("REDIS_URL", ""),
		ChannelPrefix:      envStr("CONCORD_CHANNEL_PREFIX", "concord.events"),
		BusBufferSize:      envInt("CONCORD_BUS_BUFFER_SIZE", 256),
		SessionRetention:   envDuration("CONCORD_SESSION_RETENTION", time.Hour),
		CleanupInterval:    envDuration("CONCORD_CLEANUP_INTERVAL", 5*time.Minute),
		DecisionRate:       envFloat("CONCORD_DECISION_RATE", 5),
		DecisionBurst:      envInt("CONCORD_DECISION_BURST", 10),
		CrossValidation:    envBool("CONCORD_CROSS_VALIDATION", true),
		ByzantineDefaults:  envBool("CONCORD_BYZANTINE_EMERGENCY", false),
		BreakerFailures:    envInt("CONCORD_BREAKER_FAILURES", 5),
		BreakerOpenTimeout: envDuration("CONCORD_BREAKER_OPEN_TIMEOUT", 30*time.Second),
		OTELEndpoint:       envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:        envStr("OTEL_SERVICE_NAME", "concord"),
		LogLevel:           envStr("CONCORD_LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that configuration values are usable.
func (c Config) Validate() error {
	if c.BusBufferSize <= 0 {
		return fmt.Errorf("config: CONCORD_BUS_BUFFER_SIZE must be positive")
	}
	if c.EventRetention <= 0 {
		return fmt.Errorf("config: CONCORD_EVENT_RETENTION must be positive")
	}
	if c.SessionRetention <= 0 {
		return fmt.Errorf("config: CONCORD_SESSION_RETENTION must be positive")
	}
	if c.CleanupInterval <= 0 {
		return fmt.Errorf("config: CONCORD_CLEANUP_INTERVAL must be positive")
	}
	if c.DecisionRate <= 0 {
		return fmt.Errorf("config: CONCORD_DECISION_RATE must be positive")
	}
	if c.DecisionBurst <= 0 {
		return fmt.Errorf("config: CONCORD_DECISION_BURST must be positive")
	}
	if c.BreakerFailures <= 0 {
		return fmt.Errorf("config: CONCORD_BREAKER_FAILURES must be positive")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
