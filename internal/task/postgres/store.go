// Package postgres persists task list snapshots to PostgreSQL.
//
// Each voice session owns one row: the full task forest serialized as JSONB,
// replaced on every save. [Migrate] creates the table on first use and is
// safe to call on every application start.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	_ = store.Save(ctx, sessionID, tasks.Snapshot())
//	snap, _ := store.Load(ctx, sessionID)
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/90rdon/visionary-me/internal/task"
)

// ErrNoSnapshot is returned by Load when no snapshot exists for the session.
var ErrNoSnapshot = errors.New("postgres store: no snapshot for session")

const ddlSnapshots = `
CREATE TABLE IF NOT EXISTS task_snapshots (
    session_id  TEXT         PRIMARY KEY,
    tasks       JSONB        NOT NULL DEFAULT '[]',
    saved_at    TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_task_snapshots_saved_at
    ON task_snapshots (saved_at);
`

// Store is a PostgreSQL-backed snapshot store. All operations are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore establishes a connection pool to the database at dsn and runs
// [Migrate] to ensure the snapshot table exists.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Migrate creates or ensures the snapshot table exists. Idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlSnapshots); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}

// Save upserts the full task forest for the session.
func (s *Store) Save(ctx context.Context, sessionID string, tasks []task.Task) error {
	payload, err := json.Marshal(tasks)
	if err != nil {
		return fmt.Errorf("postgres store: marshal snapshot: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO task_snapshots (session_id, tasks, saved_at)
		VALUES ($1, $2, now())
		ON CONFLICT (session_id)
		DO UPDATE SET tasks = EXCLUDED.tasks, saved_at = now()`,
		sessionID, payload)
	if err != nil {
		return fmt.Errorf("postgres store: save snapshot: %w", err)
	}
	return nil
}

// Load returns the most recently saved task forest for the session, or
// [ErrNoSnapshot] when the session has never been saved.
func (s *Store) Load(ctx context.Context, sessionID string) ([]task.Task, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT tasks FROM task_snapshots WHERE session_id = $1`,
		sessionID).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("postgres store: load snapshot: %w", err)
	}
	var tasks []task.Task
	if err := json.Unmarshal(payload, &tasks); err != nil {
		return nil, fmt.Errorf("postgres store: unmarshal snapshot: %w", err)
	}
	return tasks, nil
}

// Prune deletes snapshots older than the given age. Returns the number of
// rows removed.
func (s *Store) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM task_snapshots WHERE saved_at < now() - $1::interval`,
		fmt.Sprintf("%d seconds", int64(olderThan.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("postgres store: prune: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Ping verifies database connectivity. Used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all connections held by the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}
