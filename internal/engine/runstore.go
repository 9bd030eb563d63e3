package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/calderos/netpilot/internal/driver"
	"github.com/calderos/netpilot/internal/store"
)

// Status is the state of a single execution attempt record.
type Status string

const (
	StatusPending        Status = "PENDING"
	StatusRunning        Status = "RUNNING"
	StatusSuccess        Status = "SUCCESS"
	StatusFailed         Status = "FAILED"
	StatusRetryScheduled Status = "RETRY_SCHEDULED"
	StatusSkippedOverlap Status = "SKIPPED_OVERLAP"
)

// activeStatuses block a new scheduled admission for the same rule. A
// RETRY_SCHEDULED attempt keeps its invocation active until the retry runs.
const activeStatuses = `'PENDING', 'RUNNING', 'RETRY_SCHEDULED'`

// Run is one execution attempt. Retries share an invocation ID with the
// attempt they retry; every attempt gets its own record.
type Run struct {
	ID           int64          `json:"id"`
	InvocationID string         `json:"invocation_id"`
	RuleID       *int64         `json:"rule_id,omitempty"` // nil for manual runs
	DeviceID     int64          `json:"device_id"`
	DeviceType   string         `json:"device_type"`
	ActionKey    string         `json:"action_key"`
	Attempt      int            `json:"attempt"`
	Status       Status         `json:"status"`
	StartedAt    time.Time      `json:"started_at"`
	FinishedAt   *time.Time     `json:"finished_at,omitempty"`
	DurationMs   *float64       `json:"duration_ms,omitempty"`
	Raw          string         `json:"raw,omitempty"`
	Parsed       *driver.Parsed `json:"parsed,omitempty"`
	ErrorKind    string         `json:"error_kind,omitempty"`
	ErrorDetail  string         `json:"error_detail,omitempty"`
}

// RunStore persists run records and enforces the one-active-run-per-rule
// invariant. Admission check and insert happen under one lock so that
// concurrent fires of the same rule cannot both pass the check.
type RunStore struct {
	db *sql.DB
	mu sync.Mutex // serializes Admit's check-then-insert
}

// NewRunStore creates a RunStore backed by the given database.
func NewRunStore(db *sql.DB) *RunStore {
	return &RunStore{db: db}
}

// Migrations returns the run history schema migrations.
func Migrations() []store.Migration {
	return []store.Migration{
		{
			Version:     1,
			Description: "create runs table",
			Up: func(tx *sql.Tx) error {
				stmts := []string{
					`CREATE TABLE IF NOT EXISTS runs (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						invocation_id TEXT NOT NULL,
						rule_id INTEGER,
						device_id INTEGER NOT NULL,
						device_type TEXT NOT NULL DEFAULT '',
						action_key TEXT NOT NULL,
						attempt INTEGER NOT NULL DEFAULT 1,
						status TEXT NOT NULL,
						started_at DATETIME NOT NULL,
						finished_at DATETIME,
						duration_ms REAL,
						raw TEXT NOT NULL DEFAULT '',
						parsed TEXT,
						error_kind TEXT NOT NULL DEFAULT '',
						error_detail TEXT NOT NULL DEFAULT ''
					)`,
					`CREATE INDEX IF NOT EXISTS idx_runs_rule_started ON runs(rule_id, started_at)`,
					`CREATE INDEX IF NOT EXISTS idx_runs_device_started ON runs(device_id, started_at)`,
					`CREATE INDEX IF NOT EXISTS idx_runs_invocation ON runs(invocation_id)`,
				}
				for _, stmt := range stmts {
					if _, err := tx.Exec(stmt); err != nil {
						return err
					}
				}
				return nil
			},
		},
	}
}

// Admit inserts run as PENDING if the rule has no active run, or records a
// SKIPPED_OVERLAP attempt and reports admitted=false. Manual runs (nil
// rule) are always admitted.
func (s *RunStore) Admit(ctx context.Context, run *Run) (admitted bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if run.RuleID != nil {
		active, err := s.activeRunLocked(ctx, *run.RuleID)
		if err != nil {
			return false, err
		}
		if active != nil {
			now := time.Now().UTC()
			skip := &Run{
				InvocationID: run.InvocationID,
				RuleID:       run.RuleID,
				DeviceID:     run.DeviceID,
				DeviceType:   run.DeviceType,
				ActionKey:    run.ActionKey,
				Attempt:      1,
				Status:       StatusSkippedOverlap,
				StartedAt:    now,
				FinishedAt:   &now,
				ErrorKind:    "SKIPPED_OVERLAP",
				ErrorDetail:  fmt.Sprintf("previous invocation %s still %s", active.InvocationID, active.Status),
			}
			if err := s.insertLocked(ctx, skip); err != nil {
				return false, err
			}
			*run = *skip
			return false, nil
		}
	}

	run.Status = StatusPending
	if err := s.insertLocked(ctx, run); err != nil {
		return false, err
	}
	return true, nil
}

// Insert writes a run record directly. Manual runs use this: they bypass
// the overlap guard.
func (s *RunStore) Insert(ctx context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(ctx, run)
}

// InsertRetryAttempt inserts the invocation's next attempt and marks the
// RETRY_SCHEDULED record that armed it FAILED, under one lock, so the
// rule's active slot passes from the old record to the new one and never
// stays held by both. The old record keeps its error fields.
func (s *RunStore) InsertRetryAttempt(ctx context.Context, prevID int64, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.insertLocked(ctx, run); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ? WHERE id = ? AND status = ?`,
		string(StatusFailed), prevID, string(StatusRetryScheduled),
	)
	if err != nil {
		return fmt.Errorf("finalize retried attempt: %w", err)
	}
	return nil
}

func (s *RunStore) insertLocked(ctx context.Context, run *Run) error {
	var parsed any
	if run.Parsed != nil {
		b, err := json.Marshal(run.Parsed)
		if err == nil {
			parsed = string(b)
		}
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (invocation_id, rule_id, device_id, device_type, action_key, attempt,
			status, started_at, finished_at, duration_ms, raw, parsed, error_kind, error_detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.InvocationID, run.RuleID, run.DeviceID, run.DeviceType, run.ActionKey, run.Attempt,
		string(run.Status), run.StartedAt, run.FinishedAt, run.DurationMs, run.Raw, parsed,
		run.ErrorKind, run.ErrorDetail,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	run.ID, err = res.LastInsertId()
	return err
}

// MarkRunning transitions a PENDING record to RUNNING.
func (s *RunStore) MarkRunning(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ? WHERE id = ? AND status = ?`,
		string(StatusRunning), id, string(StatusPending),
	)
	if err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	return nil
}

// Finish writes the attempt's final fields.
func (s *RunStore) Finish(ctx context.Context, run *Run) error {
	var parsed any
	if run.Parsed != nil {
		if b, err := json.Marshal(run.Parsed); err == nil {
			parsed = string(b)
		}
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, finished_at = ?, duration_ms = ?, raw = ?, parsed = ?,
			error_kind = ?, error_detail = ?
		WHERE id = ?`,
		string(run.Status), run.FinishedAt, run.DurationMs, run.Raw, parsed,
		run.ErrorKind, run.ErrorDetail, run.ID,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// UpdateStatus sets a record's status unconditionally (used to finalize a
// cancelled retry).
func (s *RunStore) UpdateStatus(ctx context.Context, id int64, status Status, detail string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, finished_at = COALESCE(finished_at, ?), error_detail = ? WHERE id = ?`,
		string(status), now, detail, id,
	)
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	return nil
}

// ActiveRun returns the rule's latest non-terminal record, or nil.
func (s *RunStore) ActiveRun(ctx context.Context, ruleID int64) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeRunLocked(ctx, ruleID)
}

func (s *RunStore) activeRunLocked(ctx context.Context, ruleID int64) (*Run, error) {
	row := s.db.QueryRowContext(ctx, runSelect+`
		WHERE rule_id = ? AND status IN (`+activeStatuses+`)
		ORDER BY id DESC LIMIT 1`, ruleID)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("active run: %w", err)
	}
	return run, nil
}

// ListRuns returns recent runs, newest first. deviceID or ruleID of 0 mean
// no filter. If limit <= 0, defaults to 100.
func (s *RunStore) ListRuns(ctx context.Context, deviceID, ruleID int64, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 100
	}
	q := runSelect + ` WHERE 1=1`
	args := []any{}
	if deviceID != 0 {
		q += ` AND device_id = ?`
		args = append(args, deviceID)
	}
	if ruleID != 0 {
		q += ` AND rule_id = ?`
		args = append(args, ruleID)
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// ListByInvocation returns all attempts of one invocation, oldest first.
func (s *RunStore) ListByInvocation(ctx context.Context, invocationID string) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, runSelect+` WHERE invocation_id = ? ORDER BY id`, invocationID)
	if err != nil {
		return nil, fmt.Errorf("list invocation runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// CountByStatusSince counts runs with the given status started after the
// cutoff.
func (s *RunStore) CountByStatusSince(ctx context.Context, status Status, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM runs WHERE status = ? AND started_at >= ?`,
		string(status), since,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count runs: %w", err)
	}
	return n, nil
}

// DeviceFailureCount is a per-device failed-run tally used by the daily
// summary.
type DeviceFailureCount struct {
	DeviceID int64
	Count    int
}

// TopFailingDevices returns the devices with the most FAILED runs since the
// cutoff, descending.
func (s *RunStore) TopFailingDevices(ctx context.Context, since time.Time, limit int) ([]DeviceFailureCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT device_id, COUNT(*) AS cnt FROM runs
		WHERE status = ? AND started_at >= ?
		GROUP BY device_id ORDER BY cnt DESC LIMIT ?`,
		string(StatusFailed), since, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("top failing devices: %w", err)
	}
	defer rows.Close()

	var out []DeviceFailureCount
	for rows.Next() {
		var c DeviceFailureCount
		if err := rows.Scan(&c.DeviceID, &c.Count); err != nil {
			return nil, fmt.Errorf("scan failure count: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

const runSelect = `SELECT id, invocation_id, rule_id, device_id, device_type, action_key, attempt,
	status, started_at, finished_at, duration_ms, raw, parsed, error_kind, error_detail
	FROM runs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var r Run
	var status string
	var finished sql.NullTime
	var duration sql.NullFloat64
	var parsed sql.NullString
	err := row.Scan(&r.ID, &r.InvocationID, &r.RuleID, &r.DeviceID, &r.DeviceType, &r.ActionKey,
		&r.Attempt, &status, &r.StartedAt, &finished, &duration, &r.Raw, &parsed,
		&r.ErrorKind, &r.ErrorDetail)
	if err != nil {
		return nil, err
	}
	r.Status = Status(status)
	if finished.Valid {
		t := finished.Time
		r.FinishedAt = &t
	}
	if duration.Valid {
		d := duration.Float64
		r.DurationMs = &d
	}
	if parsed.Valid && parsed.String != "" {
		var p driver.Parsed
		if err := json.Unmarshal([]byte(parsed.String), &p); err == nil {
			r.Parsed = &p
		}
	}
	return &r, nil
}
