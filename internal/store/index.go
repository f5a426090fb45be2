// Package store keeps the run index in an embedded libSQL database. The
// index answers "what ran, when, with what status" cheaply; the per-run
// JSONL logs remain the durable record.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/flow/pkg/schema"
)

// RunRecord is one row of the run index.
type RunRecord struct {
	ID          string
	Workflow    string
	Status      schema.RunStatus
	LogPath     string
	StartedAt   time.Time
	CompletedAt *time.Time
}

// RunIndex is the libSQL-backed run catalog.
type RunIndex struct {
	db *sql.DB
}

// OpenRunIndex opens (or creates) the index database at the given path and
// applies pending migrations. The path should be a file URI, e.g.
// "file:/path/to/runs.db".
func OpenRunIndex(ctx context.Context, dbPath string) (*RunIndex, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &RunIndex{db: db}, nil
}

// Close closes the database.
func (s *RunIndex) Close() error { return s.db.Close() }

// RecordStart inserts a running row for a new run.
func (s *RunIndex) RecordStart(ctx context.Context, runID, workflow, logPath string, startedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, workflow, status, log_path, started_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status=excluded.status`,
		runID, workflow, string(schema.RunStatusRunning), logPath, startedAt,
	)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "record run start").WithCause(err)
	}
	return nil
}

// RecordFinish updates a run's final status.
func (s *RunIndex) RecordFinish(ctx context.Context, runID string, status schema.RunStatus, finishedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, completed_at = ? WHERE id = ?`,
		string(status), finishedAt, runID,
	)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "record run finish").WithCause(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return schema.NewErrorf(schema.ErrCodeNotFound, "run %s not in index", runID)
	}
	return nil
}

// Get returns one run by id.
func (s *RunIndex) Get(ctx context.Context, runID string) (*RunRecord, error) {
	r := &RunRecord{}
	var status string
	var completed sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workflow, status, log_path, started_at, completed_at FROM runs WHERE id = ?`, runID,
	).Scan(&r.ID, &r.Workflow, &status, &r.LogPath, &r.StartedAt, &completed)
	if err == sql.ErrNoRows {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "run %s not in index", runID)
	}
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "get run").WithCause(err)
	}
	r.Status = schema.RunStatus(status)
	if completed.Valid {
		t := completed.Time
		r.CompletedAt = &t
	}
	return r, nil
}

// List returns runs newest first, optionally filtered by workflow name.
func (s *RunIndex) List(ctx context.Context, workflow string, limit int) ([]*RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, workflow, status, log_path, started_at, completed_at FROM runs`
	args := []any{}
	if workflow != "" {
		query += ` WHERE workflow = ?`
		args = append(args, workflow)
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "list runs").WithCause(err)
	}
	defer rows.Close()

	var out []*RunRecord
	for rows.Next() {
		r := &RunRecord{}
		var status string
		var completed sql.NullTime
		if err := rows.Scan(&r.ID, &r.Workflow, &status, &r.LogPath, &r.StartedAt, &completed); err != nil {
			return nil, schema.NewError(schema.ErrCodeStore, "scan run row").WithCause(err)
		}
		r.Status = schema.RunStatus(status)
		if completed.Valid {
			t := completed.Time
			r.CompletedAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
