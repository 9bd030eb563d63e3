package alert

import (
	"sort"
	"sync"
	"time"
)

type cooldownKey struct {
	deviceID  int64
	alertType string
}

// CooldownEntry is a diagnostic view of one suppression window.
type CooldownEntry struct {
	DeviceID    int64     `json:"device_id"`
	AlertType   string    `json:"alert_type"`
	LastSent    time.Time `json:"last_sent"`
	NextAllowed time.Time `json:"next_allowed"`
}

// Cooldown rate-limits notifications per (device, alert type) pair. A pair
// that delivered within the period is suppressed; distinct pairs never
// affect each other.
type Cooldown struct {
	period time.Duration
	now    func() time.Time // overridable in tests

	mu   sync.Mutex
	seen map[cooldownKey]time.Time
}

// NewCooldown creates a Cooldown with the given suppression period.
func NewCooldown(period time.Duration) *Cooldown {
	return &Cooldown{
		period: period,
		now:    time.Now,
		seen:   make(map[cooldownKey]time.Time),
	}
}

// Allow reports whether a notification for the pair may be sent now, and if
// so records the send time. A zero or negative period disables suppression.
func (c *Cooldown) Allow(deviceID int64, alertType string) bool {
	if c.period <= 0 {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cooldownKey{deviceID: deviceID, alertType: alertType}
	now := c.now()
	if last, ok := c.seen[key]; ok && now.Sub(last) < c.period {
		return false
	}
	c.seen[key] = now
	return true
}

// Reset clears the pair's window so the next notification sends
// immediately.
func (c *Cooldown) Reset(deviceID int64, alertType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.seen, cooldownKey{deviceID: deviceID, alertType: alertType})
}

// ForgetDevice drops all windows of a removed device.
func (c *Cooldown) ForgetDevice(deviceID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.seen {
		if key.deviceID == deviceID {
			delete(c.seen, key)
		}
	}
}

// Entries returns the active suppression windows, expired ones pruned,
// sorted by device then alert type.
func (c *Cooldown) Entries() []CooldownEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var out []CooldownEntry
	for key, last := range c.seen {
		if now.Sub(last) >= c.period {
			delete(c.seen, key)
			continue
		}
		out = append(out, CooldownEntry{
			DeviceID:    key.deviceID,
			AlertType:   key.alertType,
			LastSent:    last,
			NextAllowed: last.Add(c.period),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DeviceID != out[j].DeviceID {
			return out[i].DeviceID < out[j].DeviceID
		}
		return out[i].AlertType < out[j].AlertType
	})
	return out
}
