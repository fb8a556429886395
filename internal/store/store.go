// Package store persists replay runs and per-capture verdicts in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"oref_parity/internal/compare"
)

// ErrConflict is returned when a run ID is recorded twice.
var ErrConflict = errors.New("run already recorded")

// Store wraps SQLite access for runs and verdicts.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
            run_id TEXT PRIMARY KEY,
            started_at TIMESTAMP,
            finished_at TIMESTAMP,
            processed INTEGER,
            skipped INTEGER,
            inconsistent INTEGER,
            report_text TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS verdicts (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            run_id TEXT,
            capture_id TEXT,
            function TEXT,
            timezone TEXT,
            consistent INTEGER,
            skip_reason TEXT,
            diffs_json TEXT,
            created_at TIMESTAMP
        );`,
		`CREATE INDEX IF NOT EXISTS idx_verdicts_run ON verdicts(run_id);`,
		`CREATE INDEX IF NOT EXISTS idx_verdicts_capture ON verdicts(capture_id);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Run is a persisted replay run summary.
type Run struct {
	RunID        string    `json:"run_id"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	Processed    int       `json:"processed"`
	Skipped      int       `json:"skipped"`
	Inconsistent bool      `json:"inconsistent"`
	ReportText   string    `json:"report_text"`
}

// Verdict is a persisted per-capture comparison outcome.
type Verdict struct {
	ID         int64                      `json:"id"`
	RunID      string                     `json:"run_id"`
	CaptureID  string                     `json:"capture_id"`
	Function   string                     `json:"function"`
	Timezone   string                     `json:"timezone"`
	Consistent bool                       `json:"consistent"`
	SkipReason string                     `json:"skip_reason,omitempty"`
	Diffs      []compare.DifferenceRecord `json:"diffs,omitempty"`
	CreatedAt  time.Time                  `json:"created_at"`
}

// InsertRun records a finished run. Recording the same run ID twice
// returns ErrConflict.
func (s *Store) InsertRun(ctx context.Context, r Run) error {
	inconsistent := 0
	if r.Inconsistent {
		inconsistent = 1
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO runs(run_id, started_at, finished_at, processed, skipped, inconsistent, report_text)
        VALUES(?,?,?,?,?,?,?)`,
		r.RunID, r.StartedAt, r.FinishedAt, r.Processed, r.Skipped, inconsistent, r.ReportText)
	if err != nil {
		var exists int
		row := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM runs WHERE run_id=?`, r.RunID)
		if scanErr := row.Scan(&exists); scanErr == nil && exists > 0 {
			return ErrConflict
		}
		return err
	}
	return nil
}

// RecordVerdict persists one capture outcome.
func (s *Store) RecordVerdict(ctx context.Context, v Verdict) error {
	diffs := "[]"
	if len(v.Diffs) > 0 {
		raw, err := json.Marshal(v.Diffs)
		if err != nil {
			return err
		}
		diffs = string(raw)
	}
	consistent := 0
	if v.Consistent {
		consistent = 1
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO verdicts(run_id, capture_id, function, timezone, consistent, skip_reason, diffs_json, created_at)
        VALUES(?,?,?,?,?,?,?,?)`,
		v.RunID, v.CaptureID, v.Function, v.Timezone, consistent, v.SkipReason, diffs, v.CreatedAt)
	return err
}

// ListRuns returns the most recent runs.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT run_id, started_at, finished_at, processed, skipped, inconsistent, report_text
        FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var runs []Run
	for rows.Next() {
		var r Run
		var inconsistent int
		if err := rows.Scan(&r.RunID, &r.StartedAt, &r.FinishedAt, &r.Processed, &r.Skipped, &inconsistent, &r.ReportText); err != nil {
			return nil, err
		}
		r.Inconsistent = inconsistent != 0
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetRun returns a single run, or nil when absent.
func (s *Store) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT run_id, started_at, finished_at, processed, skipped, inconsistent, report_text
        FROM runs WHERE run_id=?`, runID)
	var r Run
	var inconsistent int
	switch err := row.Scan(&r.RunID, &r.StartedAt, &r.FinishedAt, &r.Processed, &r.Skipped, &inconsistent, &r.ReportText); err {
	case nil:
		r.Inconsistent = inconsistent != 0
		return &r, nil
	case sql.ErrNoRows:
		return nil, nil
	default:
		return nil, err
	}
}

// ListDivergences returns the inconsistent verdicts for a run.
func (s *Store) ListDivergences(ctx context.Context, runID string, limit int) ([]Verdict, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, run_id, capture_id, function, timezone, consistent, skip_reason, diffs_json, created_at
        FROM verdicts WHERE run_id=? AND consistent=0 AND skip_reason='' ORDER BY created_at ASC LIMIT ?`, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanVerdicts(rows)
}

// CaptureHistory returns the verdicts recorded for a capture across runs.
func (s *Store) CaptureHistory(ctx context.Context, captureID string, limit int) ([]Verdict, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, run_id, capture_id, function, timezone, consistent, skip_reason, diffs_json, created_at
        FROM verdicts WHERE capture_id=? ORDER BY created_at DESC LIMIT ?`, captureID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanVerdicts(rows)
}

// EvaluatedCaptureIDs returns the IDs of captures that already have a
// non-skipped verdict. Backfill uses it to pick what still needs a run.
func (s *Store) EvaluatedCaptureIDs(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT capture_id FROM verdicts WHERE skip_reason=''`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}

func scanVerdicts(rows *sql.Rows) ([]Verdict, error) {
	var verdicts []Verdict
	for rows.Next() {
		var v Verdict
		var consistent int
		var diffs string
		if err := rows.Scan(&v.ID, &v.RunID, &v.CaptureID, &v.Function, &v.Timezone, &consistent, &v.SkipReason, &diffs, &v.CreatedAt); err != nil {
			return nil, err
		}
		v.Consistent = consistent != 0
		if diffs != "" && diffs != "[]" {
			if err := json.Unmarshal([]byte(diffs), &v.Diffs); err != nil {
				return nil, fmt.Errorf("verdict %d: decode diffs: %w", v.ID, err)
			}
		}
		verdicts = append(verdicts, v)
	}
	return verdicts, rows.Err()
}

// Health returns an error if the database is not reachable.
func (s *Store) Health(ctx context.Context) error {
	row := s.db.QueryRowContext(ctx, `SELECT 1`)
	var v int
	if err := row.Scan(&v); err != nil {
		return fmt.Errorf("db health: %w", err)
	}
	return nil
}
