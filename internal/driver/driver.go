// Package driver defines the device driver contract, the error taxonomy for
// execution outcomes, and the registry mapping device types to drivers.
// Adding a new device family means implementing Driver and registering a
// factory; nothing else in the engine changes.
package driver

import (
	"context"

	"github.com/calderos/netpilot/internal/inventory"
)

// Stable action keys shared across drivers. A driver advertises the subset
// it supports via SupportedActions.
const (
	ActionTopUpBalance  = "TOPUP_BALANCE"
	ActionCheckBalance  = "CHECK_BALANCE"
	ActionFetchUSSDLogs = "FETCH_USSD_LOGS"
)

// Driver executes named actions against one device family.
type Driver interface {
	// Execute runs the action identified by actionKey on the device.
	// Failures are reported as *Error values so the executor can
	// classify them; raw output is returned even for parse misses.
	Execute(ctx context.Context, device inventory.Device, actionKey string, params map[string]string) (*Result, error)

	// SupportedActions returns the action keys this driver implements.
	SupportedActions() []string

	// Validate performs a lightweight reachability/credential check.
	// It is used both for device configuration validation and as the
	// health monitor's fallback probe.
	Validate(ctx context.Context, device inventory.Device) error
}

// Result is the raw-plus-parsed payload of a successful execution.
// Parsed is best effort: a response that cannot be parsed still succeeds
// with Parsed left nil.
type Result struct {
	Raw    string  `json:"raw,omitempty"`
	Parsed *Parsed `json:"parsed,omitempty"`
}

// Parsed holds structured fields extracted from a USSD response. Pointer
// fields are nil when the response did not carry that metric. LowBalance is
// set when the carrier reported insufficient balance.
type Parsed struct {
	Time       string   `json:"time,omitempty"`
	Message    string   `json:"message,omitempty"`
	Balance    *float64 `json:"balance,omitempty"`
	DataMB     *float64 `json:"data_mb,omitempty"`
	ValidDays  *int     `json:"valid_days,omitempty"`
	LowBalance bool     `json:"low_balance,omitempty"`
}

// Supports reports whether actionKey is in the driver's supported set.
func Supports(d Driver, actionKey string) bool {
	for _, a := range d.SupportedActions() {
		if a == actionKey {
			return true
		}
	}
	return false
}
