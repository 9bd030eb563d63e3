package health

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/calderos/netpilot/internal/store"
)

// Snapshot is the latest observed health of one device.
type Snapshot struct {
	DeviceID  int64      `json:"device_id"`
	State     State      `json:"state"`
	LatencyMs *float64   `json:"latency_ms,omitempty"`
	Detail    string     `json:"detail,omitempty"`
	CheckedAt *time.Time `json:"checked_at,omitempty"`
}

// Store persists the latest health snapshot per device.
type Store struct {
	db *sql.DB
}

// NewStore creates a snapshot store backed by the given database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrations returns the health schema migrations.
func Migrations() []store.Migration {
	return []store.Migration{
		{
			Version:     1,
			Description: "create health_snapshots table",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec(`CREATE TABLE IF NOT EXISTS health_snapshots (
					device_id INTEGER PRIMARY KEY,
					state TEXT NOT NULL,
					latency_ms REAL,
					detail TEXT NOT NULL DEFAULT '',
					checked_at DATETIME NOT NULL
				)`)
				return err
			},
		},
	}
}

// Upsert replaces the device's snapshot.
func (s *Store) Upsert(ctx context.Context, snap Snapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO health_snapshots (device_id, state, latency_ms, detail, checked_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			state = excluded.state,
			latency_ms = excluded.latency_ms,
			detail = excluded.detail,
			checked_at = excluded.checked_at`,
		snap.DeviceID, string(snap.State), snap.LatencyMs, snap.Detail, snap.CheckedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert health snapshot: %w", err)
	}
	return nil
}

// Get returns a device's persisted snapshot, or nil when never checked.
func (s *Store) Get(ctx context.Context, deviceID int64) (*Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT device_id, state, latency_ms, detail, checked_at FROM health_snapshots WHERE device_id = ?`,
		deviceID)
	snap, err := scanSnapshot(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get health snapshot: %w", err)
	}
	return snap, nil
}

// List returns all persisted snapshots.
func (s *Store) List(ctx context.Context) ([]Snapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT device_id, state, latency_ms, detail, checked_at FROM health_snapshots ORDER BY device_id`)
	if err != nil {
		return nil, fmt.Errorf("list health snapshots: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan health snapshot: %w", err)
		}
		out = append(out, *snap)
	}
	return out, rows.Err()
}

// Delete removes a device's snapshot.
func (s *Store) Delete(ctx context.Context, deviceID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM health_snapshots WHERE device_id = ?`, deviceID)
	if err != nil {
		return fmt.Errorf("delete health snapshot: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (*Snapshot, error) {
	var snap Snapshot
	var state string
	var latency sql.NullFloat64
	var checked time.Time
	if err := row.Scan(&snap.DeviceID, &state, &latency, &snap.Detail, &checked); err != nil {
		return nil, err
	}
	snap.State = State(state)
	if latency.Valid {
		l := latency.Float64
		snap.LatencyMs = &l
	}
	snap.CheckedAt = &checked
	return &snap, nil
}
