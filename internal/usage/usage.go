// Package usage records every AI API call into SQLite for cost accounting:
// tokens in and out, latency, which operation asked, and which run it
// belonged to.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// New opens the usage database at the given path.
func New(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		_ = db.Close()
		return nil, err
	}

	// Single-process tool; a small pool is plenty.
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Migrate creates the usage tables. Idempotent.
func Migrate(db *sql.DB) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS api_calls (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			operation TEXT NOT NULL,
			model TEXT,
			input_tokens INTEGER NOT NULL,
			output_tokens INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL,
			called_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_api_calls_run ON api_calls(run_id);`,
		`CREATE INDEX IF NOT EXISTS idx_api_calls_operation ON api_calls(operation);`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Tracker records calls under one run id. Implements the AI client's usage
// recorder hook.
type Tracker struct {
	db     *sql.DB
	runID  string
	model  string
	logger *slog.Logger
}

// NewTracker starts a tracking session with a fresh run id.
func NewTracker(db *sql.DB, model string) *Tracker {
	return &Tracker{
		db:     db,
		runID:  uuid.New().String(),
		model:  model,
		logger: slog.Default(),
	}
}

// RunID identifies this tracking session.
func (t *Tracker) RunID() string { return t.runID }

// RecordCall stores one API call. Accounting never fails the caller: write
// errors are logged and dropped.
func (t *Tracker) RecordCall(ctx context.Context, operation string, inputTokens, outputTokens int64, duration time.Duration) {
	_, err := t.db.ExecContext(ctx,
		`INSERT INTO api_calls (id, run_id, operation, model, input_tokens, output_tokens, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), t.runID, operation, t.model, inputTokens, outputTokens, duration.Milliseconds(),
	)
	if err != nil {
		t.logger.Warn("could not record api usage", "operation", operation, "error", err)
	}
}

// OperationSummary aggregates calls for one operation kind.
type OperationSummary struct {
	Operation    string
	Calls        int
	InputTokens  int64
	OutputTokens int64
	TotalTime    time.Duration
}

// Summary aggregates all recorded calls since the given time, grouped by
// operation.
func Summary(ctx context.Context, db *sql.DB, since time.Time) ([]OperationSummary, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT operation, COUNT(*), SUM(input_tokens), SUM(output_tokens), SUM(duration_ms)
		 FROM api_calls WHERE called_at >= ?
		 GROUP BY operation ORDER BY operation`,
		since.UTC().Format("2006-01-02 15:04:05"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage summary: %w", err)
	}
	defer rows.Close()

	var summaries []OperationSummary
	for rows.Next() {
		var s OperationSummary
		var durationMS int64
		if err := rows.Scan(&s.Operation, &s.Calls, &s.InputTokens, &s.OutputTokens, &durationMS); err != nil {
			return nil, fmt.Errorf("failed to scan usage row: %w", err)
		}
		s.TotalTime = time.Duration(durationMS) * time.Millisecond
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}
