package eventlog

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/suokelife/concord/internal/model"
)

// Postgres implements Store on a pgx connection pool.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgres connects a pool and verifies it with a ping.
func NewPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("eventlog: parse DSN: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("eventlog: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("eventlog: ping: %w", unavailable(err))
	}
	return &Postgres{pool: pool, logger: logger}, nil
}

// unavailable tags backend errors with ErrUnavailable so callers can test
// with errors.Is without depending on pgx error types.
func unavailable(err error) error {
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}

// RunMigrations executes unapplied .sql files from the filesystem in name
// order, tracking applied files in schema_migrations. Forward-only.
func (p *Postgres) RunMigrations(ctx context.Context, migrationsFS fs.FS) error {
	if _, err := p.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return fmt.Errorf("eventlog: create schema_migrations: %w", err)
	}

	applied := map[string]bool{}
	rows, err := p.pool.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("eventlog: load applied migrations: %w", err)
	}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return fmt.Errorf("eventlog: scan migration version: %w", err)
		}
		applied[v] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("eventlog: iterate migrations: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, ".")
	if err != nil {
		return fmt.Errorf("eventlog: read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") || applied[name] {
			continue
		}
		content, err := fs.ReadFile(migrationsFS, name)
		if err != nil {
			return fmt.Errorf("eventlog: read migration %s: %w", name, err)
		}
		p.logger.Info("running migration", "file", name)
		if _, err := p.pool.Exec(ctx, string(content)); err != nil {
			return fmt.Errorf("eventlog: execute migration %s: %w", name, err)
		}
		if _, err := p.pool.Exec(ctx,
			`INSERT INTO schema_migrations (version) VALUES ($1)`, name); err != nil {
			return fmt.Errorf("eventlog: record migration %s: %w", name, err)
		}
	}
	return nil
}

// SaveEvent appends one event to the log.
func (p *Postgres) SaveEvent(ctx context.Context, ev model.Event) error {
	var corr *string
	if ev.CorrelationID != "" {
		corr = &ev.CorrelationID
	}
	_, err := p.pool.Exec(ctx,
		`INSERT INTO events (id, event_type, payload, occurred_at, source, correlation_id, version)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ev.ID, ev.Type, ev.Payload, ev.Timestamp, ev.Source, corr, ev.Version,
	)
	if err != nil {
		return fmt.Errorf("eventlog: save event: %w", unavailable(err))
	}
	return nil
}

// Events queries the log with the given filter, ordered by occurrence time.
func (p *Postgres) Events(ctx context.Context, f Filter, limit, offset int) ([]model.Event, error) {
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	if offset < 0 {
		offset = 0
	}

	query := `SELECT id, event_type, payload, occurred_at, source, correlation_id, version
	          FROM events WHERE 1=1`
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.Type != "" {
		query += ` AND event_type = ` + arg(f.Type)
	}
	if f.Source != "" {
		query += ` AND source = ` + arg(f.Source)
	}
	if f.CorrelationID != "" {
		query += ` AND correlation_id = ` + arg(f.CorrelationID)
	}
	if !f.From.IsZero() {
		query += ` AND occurred_at >= ` + arg(f.From)
	}
	if !f.To.IsZero() {
		query += ` AND occurred_at <= ` + arg(f.To)
	}
	query += ` ORDER BY occurred_at ASC LIMIT ` + arg(limit) + ` OFFSET ` + arg(offset)

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("eventlog: query events: %w", unavailable(err))
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var ev model.Event
		var corr *string
		if err := rows.Scan(&ev.ID, &ev.Type, &ev.Payload, &ev.Timestamp, &ev.Source, &corr, &ev.Version); err != nil {
			return nil, fmt.Errorf("eventlog: scan event: %w", err)
		}
		if corr != nil {
			ev.CorrelationID = *corr
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// SaveSnapshot upserts a snapshot keyed by (aggregate_id, version).
func (p *Postgres) SaveSnapshot(ctx context.Context, aggregateID, aggregateType string, version int64, data map[string]any) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO snapshots (aggregate_id, aggregate_type, version, data)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (aggregate_id, version)
		 DO UPDATE SET aggregate_type = EXCLUDED.aggregate_type, data = EXCLUDED.data, created_at = now()`,
		aggregateID, aggregateType, version, data,
	)
	if err != nil {
		return fmt.Errorf("eventlog: save snapshot: %w", unavailable(err))
	}
	return nil
}

// LatestSnapshot returns the highest-version snapshot for an aggregate.
func (p *Postgres) LatestSnapshot(ctx context.Context, aggregateID string) (model.Snapshot, error) {
	var snap model.Snapshot
	err := p.pool.QueryRow(ctx,
		`SELECT aggregate_id, aggregate_type, version, data, created_at
		 FROM snapshots WHERE aggregate_id = $1
		 ORDER BY version DESC LIMIT 1`, aggregateID,
	).Scan(&snap.AggregateID, &snap.AggregateType, &snap.Version, &snap.Data, &snap.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Snapshot{}, ErrNotFound
	}
	if err != nil {
		return model.Snapshot{}, fmt.Errorf("eventlog: latest snapshot: %w", unavailable(err))
	}
	return snap, nil
}

// Cleanup deletes events whose occurrence time is older than the given age.
func (p *Postgres) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	tag, err := p.pool.Exec(ctx, `DELETE FROM events WHERE occurred_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("eventlog: cleanup: %w", unavailable(err))
	}
	return tag.RowsAffected(), nil
}

// Close closes the pool.
func (p *Postgres) Close(context.Context) error {
	p.pool.Close()
	return nil
}

var _ Store = (*Postgres)(nil)
