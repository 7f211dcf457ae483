package concord

import (
	"context"
	"io/fs"
	"log/slog"
)

// EventHook receives every event published on the bus, including events
// mirrored in from peer processes. Hooks run on the bus delivery path and
// must not block.
type EventHook func(ctx context.Context, ev Event)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	logger         *slog.Logger
	version        string
	databaseURL    string
	redisURL       string
	scenarioFS     fs.FS
	scenarioFile   string
	capabilityFS   fs.FS
	capabilityFile string
	eventHooks     []EventHook
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in logs and telemetry.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithDatabaseURL overrides the event store connection string from config
// (DATABASE_URL env var). An empty value selects the in-memory store.
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithRedisURL overrides the relay connection string from config (REDIS_URL
// env var). An empty value keeps the bus in-process only.
func WithRedisURL(url string) Option {
	return func(o *resolvedOptions) { o.redisURL = url }
}

// WithScenarios replaces the embedded scenario templates with a caller-owned
// filesystem. The file must follow the scenarios.yaml format.
func WithScenarios(fsys fs.FS, name string) Option {
	return func(o *resolvedOptions) {
		o.scenarioFS = fsys
		o.scenarioFile = name
	}
}

// WithCapabilities replaces the embedded agent capability registry with a
// caller-owned filesystem. The file must follow the capabilities.yaml format.
func WithCapabilities(fsys fs.FS, name string) Option {
	return func(o *resolvedOptions) {
		o.capabilityFS = fsys
		o.capabilityFile = name
	}
}

// WithEventHook registers a hook to receive every published event. Multiple
// hooks may be registered; all registered hooks receive every event.
func WithEventHook(hook EventHook) Option {
	return func(o *resolvedOptions) { o.eventHooks = append(o.eventHooks, hook) }
}
