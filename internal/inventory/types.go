// Package inventory holds the device and automation rule records owned by
// the administrative surface. The engine reads them under a snapshot-read
// contract: a record may change or disappear between a trigger firing and
// the execution that follows, and callers must tolerate that.
package inventory

import "time"

// Device is a managed remote endpoint automation runs against.
type Device struct {
	ID            int64     `json:"id"`
	Name          string    `json:"name"`
	Address       string    `json:"address"`
	Port          int       `json:"port"`
	Username      string    `json:"username"`
	Password      string    `json:"-"`
	Type          string    `json:"type"`
	Enabled       bool      `json:"enabled"`
	NotifyEnabled bool      `json:"notify_enabled"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Rule binds a device to an action, a cron schedule, and retry/alert policy.
type Rule struct {
	ID                int64     `json:"id"`
	DeviceID          int64     `json:"device_id"`
	ActionKey         string    `json:"action_key"`
	Schedule          string    `json:"schedule"`
	Timezone          string    `json:"timezone,omitempty"`
	Enabled           bool      `json:"enabled"`
	TimeoutSeconds    int       `json:"timeout_seconds"`
	RetryEnabled      bool      `json:"retry_enabled"`
	RetryDelayMinutes int       `json:"retry_delay_minutes"`
	MaxAttempts       int       `json:"max_attempts"`
	AlertOnCompletion bool      `json:"alert_on_completion"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}
