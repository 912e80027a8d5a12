// Package store keeps a durable history of search jobs and their audit trail
// in Postgres. Redis stays the source of truth for live jobs.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"vidsearch/internal/models"
)

// DB is the subset of pgxpool.Pool the store uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store wraps a Postgres pool.
type Store struct {
	db    DB
	close func()
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{db: pool, close: pool.Close}, nil
}

// NewWithDB wraps an existing connection.
func NewWithDB(db DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() {
	if s.close != nil {
		s.close()
	}
}

// JobRecord is one row of search history.
type JobRecord struct {
	ID            string           `json:"id"`
	Key           models.SearchKey `json:"key"`
	State         models.JobState  `json:"state"`
	Progress      int              `json:"progress"`
	Attempts      int              `json:"attempts"`
	ResultCount   int              `json:"resultCount"`
	FailureReason string           `json:"failureReason,omitempty"`
	WorkerID      string           `json:"workerId,omitempty"`
	CreatedAt     time.Time        `json:"createdAt"`
	StartedAt     *time.Time       `json:"startedAt,omitempty"`
	FinishedAt    *time.Time       `json:"finishedAt,omitempty"`
}

const upsertJobSQL = `
	INSERT INTO search_jobs (id, platform, query, date_range, state, progress, attempts, result_count,
		failure_reason, worker_id, created_at, started_at, finished_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW())
	ON CONFLICT (id) DO UPDATE SET
		state = EXCLUDED.state,
		progress = EXCLUDED.progress,
		attempts = EXCLUDED.attempts,
		result_count = EXCLUDED.result_count,
		failure_reason = EXCLUDED.failure_reason,
		worker_id = EXCLUDED.worker_id,
		started_at = EXCLUDED.started_at,
		finished_at = EXCLUDED.finished_at,
		updated_at = NOW()
`

const insertAuditSQL = `
	INSERT INTO audit_logs (job_id, event, detail, ts)
	VALUES ($1, $2, $3, NOW())
`

// RecordTransition upserts the job's history row and appends an audit entry
// in one transaction.
func (s *Store) RecordTransition(ctx context.Context, job models.SearchJob, event, detail string) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if _, err := tx.Exec(ctx, upsertJobSQL, jobArgs(job)...); err != nil {
		return fmt.Errorf("upsert job %s: %w", job.ID, err)
	}
	if _, err := tx.Exec(ctx, insertAuditSQL, job.ID, event, detail); err != nil {
		return fmt.Errorf("insert audit %s: %w", job.ID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// AppendAudit adds an audit row.
func (s *Store) AppendAudit(ctx context.Context, jobID, event, detail string) error {
	if _, err := s.db.Exec(ctx, insertAuditSQL, jobID, event, detail); err != nil {
		return fmt.Errorf("insert audit %s: %w", jobID, err)
	}
	return nil
}

// ListRecent returns the newest jobs first.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]JobRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, platform, query, date_range, state, progress, attempts, result_count,
			failure_reason, worker_id, created_at, started_at, finished_at
		FROM search_jobs ORDER BY created_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []JobRecord
	for rows.Next() {
		var (
			r          JobRecord
			state      string
			reason     pgtype.Text
			worker     pgtype.Text
			startedAt  pgtype.Timestamptz
			finishedAt pgtype.Timestamptz
		)
		if err := rows.Scan(&r.ID, &r.Key.Platform, &r.Key.Query, &r.Key.DateRange, &state, &r.Progress,
			&r.Attempts, &r.ResultCount, &reason, &worker, &r.CreatedAt, &startedAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		r.State = models.JobState(state)
		r.FailureReason = reason.String
		r.WorkerID = worker.String
		r.StartedAt = timePtr(startedAt)
		r.FinishedAt = timePtr(finishedAt)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return out, nil
}

func jobArgs(job models.SearchJob) []any {
	return []any{
		job.ID, job.Key.Platform, job.Key.Query, job.Key.DateRange, string(job.State),
		job.Progress, job.AttemptsMade, len(job.Result),
		emptyToNil(job.FailureReason), emptyToNil(job.WorkerID),
		job.CreatedAt, job.StartedAt, job.FinishedAt,
	}
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
