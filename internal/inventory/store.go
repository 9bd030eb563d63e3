package inventory

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/calderos/netpilot/internal/store"
)

// Store provides database access for devices and automation rules.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store backed by the given database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrations returns the inventory schema migrations.
func Migrations() []store.Migration {
	return []store.Migration{
		{
			Version:     1,
			Description: "create devices and rules tables",
			Up: func(tx *sql.Tx) error {
				stmts := []string{
					`CREATE TABLE IF NOT EXISTS devices (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						name TEXT NOT NULL,
						address TEXT NOT NULL,
						port INTEGER NOT NULL DEFAULT 0,
						username TEXT NOT NULL DEFAULT '',
						password TEXT NOT NULL DEFAULT '',
						type TEXT NOT NULL,
						enabled INTEGER NOT NULL DEFAULT 1,
						notify_enabled INTEGER NOT NULL DEFAULT 1,
						created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
						updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
					)`,
					`CREATE TABLE IF NOT EXISTS rules (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						device_id INTEGER NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
						action_key TEXT NOT NULL,
						schedule TEXT NOT NULL,
						timezone TEXT NOT NULL DEFAULT '',
						enabled INTEGER NOT NULL DEFAULT 1,
						timeout_seconds INTEGER NOT NULL DEFAULT 60,
						retry_enabled INTEGER NOT NULL DEFAULT 1,
						retry_delay_minutes INTEGER NOT NULL DEFAULT 10,
						max_attempts INTEGER NOT NULL DEFAULT 2,
						alert_on_completion INTEGER NOT NULL DEFAULT 1,
						created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
						updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
					)`,
					`CREATE INDEX IF NOT EXISTS idx_rules_device ON rules(device_id)`,
					`CREATE INDEX IF NOT EXISTS idx_rules_enabled ON rules(enabled)`,
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

// -- Devices --

// InsertDevice inserts a device and fills in its generated ID.
func (s *Store) InsertDevice(ctx context.Context, d *Device) error {
	now := time.Now().UTC()
	d.CreatedAt, d.UpdatedAt = now, now
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (name, address, port, username, password, type, enabled, notify_enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.Name, d.Address, d.Port, d.Username, d.Password, d.Type,
		boolToInt(d.Enabled), boolToInt(d.NotifyEnabled), d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert device: %w", err)
	}
	d.ID, err = res.LastInsertId()
	return err
}

// GetDevice returns a device by ID. Returns nil, nil if not found.
func (s *Store) GetDevice(ctx context.Context, id int64) (*Device, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, address, port, username, password, type, enabled, notify_enabled, created_at, updated_at
		FROM devices WHERE id = ?`, id)
	d, err := scanDevice(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}
	return d, nil
}

// ListDevices returns all devices. If enabledOnly is set, disabled devices
// are filtered out.
func (s *Store) ListDevices(ctx context.Context, enabledOnly bool) ([]Device, error) {
	q := `SELECT id, name, address, port, username, password, type, enabled, notify_enabled, created_at, updated_at
		FROM devices`
	if enabledOnly {
		q += ` WHERE enabled = 1`
	}
	q += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device row: %w", err)
		}
		devices = append(devices, *d)
	}
	return devices, rows.Err()
}

// UpdateDevice updates all mutable device fields.
func (s *Store) UpdateDevice(ctx context.Context, d *Device) error {
	d.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		UPDATE devices SET name = ?, address = ?, port = ?, username = ?, password = ?,
			type = ?, enabled = ?, notify_enabled = ?, updated_at = ?
		WHERE id = ?`,
		d.Name, d.Address, d.Port, d.Username, d.Password, d.Type,
		boolToInt(d.Enabled), boolToInt(d.NotifyEnabled), d.UpdatedAt, d.ID,
	)
	if err != nil {
		return fmt.Errorf("update device: %w", err)
	}
	return nil
}

// DeleteDevice removes a device and, via cascade, its rules.
func (s *Store) DeleteDevice(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM devices WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete device: %w", err)
	}
	return nil
}

// -- Rules --

// InsertRule inserts a rule and fills in its generated ID.
func (s *Store) InsertRule(ctx context.Context, r *Rule) error {
	now := time.Now().UTC()
	r.CreatedAt, r.UpdatedAt = now, now
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO rules (device_id, action_key, schedule, timezone, enabled, timeout_seconds,
			retry_enabled, retry_delay_minutes, max_attempts, alert_on_completion, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.DeviceID, r.ActionKey, r.Schedule, r.Timezone, boolToInt(r.Enabled), r.TimeoutSeconds,
		boolToInt(r.RetryEnabled), r.RetryDelayMinutes, r.MaxAttempts, boolToInt(r.AlertOnCompletion),
		r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert rule: %w", err)
	}
	r.ID, err = res.LastInsertId()
	return err
}

// GetRule returns a rule by ID. Returns nil, nil if not found.
func (s *Store) GetRule(ctx context.Context, id int64) (*Rule, error) {
	row := s.db.QueryRowContext(ctx, ruleSelect+` WHERE id = ?`, id)
	r, err := scanRule(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get rule: %w", err)
	}
	return r, nil
}

// ListEnabledRules returns all enabled rules.
func (s *Store) ListEnabledRules(ctx context.Context) ([]Rule, error) {
	rows, err := s.db.QueryContext(ctx, ruleSelect+` WHERE enabled = 1 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list enabled rules: %w", err)
	}
	defer rows.Close()

	var rules []Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule row: %w", err)
		}
		rules = append(rules, *r)
	}
	return rules, rows.Err()
}

// ListRules returns all rules, optionally filtered by device.
func (s *Store) ListRules(ctx context.Context, deviceID int64) ([]Rule, error) {
	q := ruleSelect
	args := []any{}
	if deviceID != 0 {
		q += ` WHERE device_id = ?`
		args = append(args, deviceID)
	}
	q += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	var rules []Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule row: %w", err)
		}
		rules = append(rules, *r)
	}
	return rules, rows.Err()
}

// UpdateRule updates all mutable rule fields.
func (s *Store) UpdateRule(ctx context.Context, r *Rule) error {
	r.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		UPDATE rules SET device_id = ?, action_key = ?, schedule = ?, timezone = ?, enabled = ?,
			timeout_seconds = ?, retry_enabled = ?, retry_delay_minutes = ?, max_attempts = ?,
			alert_on_completion = ?, updated_at = ?
		WHERE id = ?`,
		r.DeviceID, r.ActionKey, r.Schedule, r.Timezone, boolToInt(r.Enabled),
		r.TimeoutSeconds, boolToInt(r.RetryEnabled), r.RetryDelayMinutes, r.MaxAttempts,
		boolToInt(r.AlertOnCompletion), r.UpdatedAt, r.ID,
	)
	if err != nil {
		return fmt.Errorf("update rule: %w", err)
	}
	return nil
}

// DeleteRule removes a rule.
func (s *Store) DeleteRule(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM rules WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	return nil
}

// -- scan helpers --

const ruleSelect = `SELECT id, device_id, action_key, schedule, timezone, enabled, timeout_seconds,
	retry_enabled, retry_delay_minutes, max_attempts, alert_on_completion, created_at, updated_at
	FROM rules`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*Device, error) {
	var d Device
	var enabled, notify int
	err := row.Scan(&d.ID, &d.Name, &d.Address, &d.Port, &d.Username, &d.Password,
		&d.Type, &enabled, &notify, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	d.Enabled = enabled != 0
	d.NotifyEnabled = notify != 0
	return &d, nil
}

func scanRule(row rowScanner) (*Rule, error) {
	var r Rule
	var enabled, retryEnabled, alertOn int
	err := row.Scan(&r.ID, &r.DeviceID, &r.ActionKey, &r.Schedule, &r.Timezone, &enabled,
		&r.TimeoutSeconds, &retryEnabled, &r.RetryDelayMinutes, &r.MaxAttempts, &alertOn,
		&r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.Enabled = enabled != 0
	r.RetryEnabled = retryEnabled != 0
	r.AlertOnCompletion = alertOn != 0
	return &r, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
