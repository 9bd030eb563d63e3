package driver

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind classifies an execution failure. The executor persists the kind on
// the run record and the retry coordinator uses it to decide whether a
// retry can change the outcome.
type Kind string

const (
	KindUnsupportedDeviceType Kind = "UNSUPPORTED_DEVICE_TYPE"
	KindUnsupportedAction     Kind = "UNSUPPORTED_ACTION"
	KindValidation            Kind = "VALIDATION_ERROR"
	KindConnectivity          Kind = "CONNECTIVITY_ERROR"
	KindTimeout               Kind = "TIMEOUT"
	KindCanceled              Kind = "CANCELED"
	KindDevice                Kind = "DEVICE_ERROR"
)

// Error is a classified driver/executor failure.
type Error struct {
	Kind Kind
	Op   string // "mikrotik: POST /tool/sms/send", "openwrt: ssh dial", ...
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Op)
}

func (e *Error) Unwrap() error { return e.Err }

// E constructs a classified error.
func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the classification from err. Plain context deadline
// errors map to Timeout, cancellations to Canceled, network errors to
// Connectivity, anything else a driver let through is treated as a
// device-side failure.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return KindTimeout
		}
		return KindConnectivity
	}
	var oe *net.OpError
	if errors.As(err, &oe) {
		return KindConnectivity
	}
	return KindDevice
}

// Retryable reports whether a retry could plausibly change the outcome.
// Unsupported types/actions and bad parameters fail identically every
// attempt, and a cancelled attempt was deliberately stopped; none of
// those are retried.
func Retryable(kind Kind) bool {
	switch kind {
	case KindConnectivity, KindTimeout, KindDevice:
		return true
	default:
		return false
	}
}
