// Package history keeps a local SQLite record of orchestrator runs.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/zrcxvs/nexus-cli/internal/itest/runtime"
)

type Run struct {
	ID              string
	StartedAt       time.Time
	FinishedAt      time.Time
	Status          string
	CandidateSource string
	LogsRoot        string
	Attempts        []Attempt
}

type Attempt struct {
	Seq          int
	Candidate    string
	Outcome      string
	ExitCode     int
	Escalated    bool
	StartedAt    time.Time
	EndedAt      time.Time
	OutputBLAKE3 string
}

type Store struct {
	db *sql.DB
}

// Open creates the database file and its parent directory when missing.
func Open(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		started_at TEXT NOT NULL,
		finished_at TEXT,
		status TEXT NOT NULL,
		candidate_source TEXT,
		logs_root TEXT
	);

	CREATE TABLE IF NOT EXISTS attempts (
		run_id TEXT NOT NULL REFERENCES runs(id),
		seq INTEGER NOT NULL,
		candidate TEXT NOT NULL,
		outcome TEXT NOT NULL,
		exit_code INTEGER NOT NULL,
		escalated INTEGER NOT NULL DEFAULT 0,
		started_at TEXT,
		ended_at TEXT,
		output_blake3 TEXT,
		PRIMARY KEY (run_id, seq)
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// RecordRun upserts r and replaces its attempts in one transaction.
func (s *Store) RecordRun(ctx context.Context, r Run) error {
	if r.ID == "" {
		return fmt.Errorf("history: run id is required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (id, started_at, finished_at, status, candidate_source, logs_root)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET finished_at = excluded.finished_at, status = excluded.status,
		   candidate_source = excluded.candidate_source, logs_root = excluded.logs_root`,
		r.ID, formatTime(r.StartedAt), nullTime(r.FinishedAt), r.Status, r.CandidateSource, r.LogsRoot,
	); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM attempts WHERE run_id = ?`, r.ID); err != nil {
		return err
	}
	for _, a := range r.Attempts {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO attempts (run_id, seq, candidate, outcome, exit_code, escalated, started_at, ended_at, output_blake3)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, a.Seq, a.Candidate, a.Outcome, a.ExitCode, a.Escalated,
			nullTime(a.StartedAt), nullTime(a.EndedAt), a.OutputBLAKE3,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListRuns returns the most recent runs first, each with its attempts in order.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, started_at, finished_at, status, candidate_source, logs_root
		 FROM runs ORDER BY started_at DESC, id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var started string
		var finished, source, root sql.NullString
		if err := rows.Scan(&r.ID, &started, &finished, &r.Status, &source, &root); err != nil {
			return nil, err
		}
		r.StartedAt = parseTime(started)
		r.FinishedAt = parseTime(finished.String)
		r.CandidateSource = source.String
		r.LogsRoot = root.String
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range runs {
		attempts, err := s.attemptsForRun(ctx, runs[i].ID)
		if err != nil {
			return nil, err
		}
		runs[i].Attempts = attempts
	}
	return runs, nil
}

func (s *Store) attemptsForRun(ctx context.Context, runID string) ([]Attempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, candidate, outcome, exit_code, escalated, started_at, ended_at, output_blake3
		 FROM attempts WHERE run_id = ? ORDER BY seq`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var a Attempt
		var started, ended, digest sql.NullString
		if err := rows.Scan(&a.Seq, &a.Candidate, &a.Outcome, &a.ExitCode, &a.Escalated, &started, &ended, &digest); err != nil {
			return nil, err
		}
		a.StartedAt = parseTime(started.String)
		a.EndedAt = parseTime(ended.String)
		a.OutputBLAKE3 = digest.String
		out = append(out, a)
	}
	return out, rows.Err()
}

// FromFinal converts a persisted verdict into a history row.
func FromFinal(fo *runtime.FinalOutcome, startedAt time.Time, logsRoot string) Run {
	r := Run{
		ID:              fo.RunID,
		StartedAt:       startedAt,
		FinishedAt:      fo.Timestamp,
		Status:          string(fo.Status),
		CandidateSource: fo.CandidateSource,
		LogsRoot:        logsRoot,
	}
	for _, a := range fo.Attempts {
		r.Attempts = append(r.Attempts, Attempt{
			Seq:          a.Index,
			Candidate:    a.Candidate,
			Outcome:      a.Outcome,
			ExitCode:     a.ExitCode,
			Escalated:    a.Escalated,
			StartedAt:    a.StartedAt,
			EndedAt:      a.EndedAt,
			OutputBLAKE3: a.OutputBLAKE3,
		})
	}
	return r
}

// timeLayout has fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return formatTime(t)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
