// Package store indexes run traces in PostgreSQL so that runs can be queried
// across machines. The trace files on disk stay the source of truth.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/trace"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DBPool is the subset of *pgxpool.Pool the store uses, so tests can mock it.
type DBPool interface {
	Ping(ctx context.Context) error
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Store is a trace.Index backed by PostgreSQL.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

var _ trace.Index = (*Store)(nil)

// New creates a store and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{pool: pool, log: logger.Named("store")}, nil
}

// Connect opens a pool for url, creates the schema and returns the store with
// a function that closes the pool.
func Connect(ctx context.Context, url string, logger *zap.Logger) (*Store, func(), error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create database pool: %w", err)
	}
	s, err := New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return s, pool.Close, nil
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS webpilot_runs (
		run_id          TEXT PRIMARY KEY,
		goal            TEXT NOT NULL,
		start_url       TEXT NOT NULL DEFAULT '',
		status          TEXT NOT NULL,
		last_error      TEXT NOT NULL DEFAULT '',
		last_error_kind TEXT NOT NULL DEFAULT '',
		started_at      TIMESTAMPTZ NOT NULL,
		finished_at     TIMESTAMPTZ,
		steps           INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS webpilot_steps (
		run_id      TEXT NOT NULL REFERENCES webpilot_runs (run_id) ON DELETE CASCADE,
		idx         INTEGER NOT NULL,
		fingerprint TEXT NOT NULL DEFAULT '',
		url         TEXT NOT NULL DEFAULT '',
		action      TEXT NOT NULL DEFAULT '',
		error_kind  TEXT NOT NULL DEFAULT '',
		executed    BOOLEAN NOT NULL,
		confirmed   BOOLEAN NOT NULL,
		record      JSONB NOT NULL,
		recorded_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (run_id, idx)
	)`,
	`CREATE INDEX IF NOT EXISTS webpilot_runs_started_at_idx ON webpilot_runs (started_at DESC)`,
}

// EnsureSchema creates the tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

const sqlUpsertRun = `
	INSERT INTO webpilot_runs (run_id, goal, start_url, status, last_error, last_error_kind, started_at, finished_at, steps)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (run_id) DO UPDATE SET
		status = EXCLUDED.status,
		last_error = EXCLUDED.last_error,
		last_error_kind = EXCLUDED.last_error_kind,
		finished_at = EXCLUDED.finished_at,
		steps = EXCLUDED.steps;
`

// SaveRun inserts or updates a run row.
func (s *Store) SaveRun(ctx context.Context, run schemas.RunSummary) error {
	var finished *time.Time
	if !run.FinishedAt.IsZero() {
		t := run.FinishedAt.UTC()
		finished = &t
	}
	_, err := s.pool.Exec(ctx, sqlUpsertRun,
		run.RunID, run.Goal, run.StartURL, string(run.Status),
		run.LastError, string(run.LastErrorKind),
		run.StartedAt.UTC(), finished, run.Steps,
	)
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", run.RunID, err)
	}
	return nil
}

const sqlUpsertStep = `
	INSERT INTO webpilot_steps (run_id, idx, fingerprint, url, action, error_kind, executed, confirmed, record, recorded_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (run_id, idx) DO UPDATE SET
		record = EXCLUDED.record,
		recorded_at = EXCLUDED.recorded_at;
`

// SaveStep stores a step record. The full record is kept as JSONB; the
// columns beside it exist for filtering.
func (s *Store) SaveStep(ctx context.Context, runID string, step trace.StepRecord) error {
	record, err := json.Marshal(step)
	if err != nil {
		return fmt.Errorf("failed to encode step %d: %w", step.Index, err)
	}
	var action string
	if step.Decision != nil {
		action = string(step.Decision.Action())
	}
	_, err = s.pool.Exec(ctx, sqlUpsertStep,
		runID, step.Index, step.Fingerprint, step.URL, action,
		string(step.Outcome.ErrorKind), step.Outcome.Executed, step.Outcome.Confirmed,
		record, step.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save step %d of run %s: %w", step.Index, runID, err)
	}
	return nil
}

const sqlRecentRuns = `
	SELECT run_id, goal, start_url, status, last_error, last_error_kind, started_at, COALESCE(finished_at, started_at), steps
	FROM webpilot_runs
	ORDER BY started_at DESC
	LIMIT $1;
`

// RecentRuns lists the newest runs first.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]schemas.RunSummary, error) {
	rows, err := s.pool.Query(ctx, sqlRecentRuns, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []schemas.RunSummary
	for rows.Next() {
		var (
			r            schemas.RunSummary
			status, kind string
		)
		if err := rows.Scan(&r.RunID, &r.Goal, &r.StartURL, &status, &r.LastError, &kind, &r.StartedAt, &r.FinishedAt, &r.Steps); err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		r.Status = schemas.RunStatus(status)
		r.LastErrorKind = schemas.ErrorKind(kind)
		// finished_at is only null while a run is in progress.
		if !r.Status.Terminal() {
			r.FinishedAt = time.Time{}
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read runs: %w", err)
	}
	return runs, nil
}
