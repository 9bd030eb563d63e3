package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/calderos/netpilot/internal/driver"
	"github.com/calderos/netpilot/internal/inventory"
	"github.com/calderos/netpilot/internal/metrics"
)

// ExecRequest describes one action execution against a device.
type ExecRequest struct {
	Device    inventory.Device
	ActionKey string
	Params    map[string]string
	// Timeout overrides the executor default when > 0.
	Timeout time.Duration
}

// Outcome is the normalized result of one execution attempt.
type Outcome struct {
	Status      Status
	Result      *driver.Result
	ErrorKind   driver.Kind
	ErrorDetail string
	StartedAt   time.Time
	FinishedAt  time.Time
}

// Duration reports the attempt's wall-clock duration.
func (o Outcome) Duration() time.Duration {
	return o.FinishedAt.Sub(o.StartedAt)
}

// Retryable reports whether the attempt failed with a transient error kind.
func (o Outcome) Retryable() bool {
	return o.Status == StatusFailed && driver.Retryable(o.ErrorKind)
}

// Executor resolves a device's driver and runs a single action attempt under
// a hard deadline. A driver that ignores context cancellation cannot hold an
// attempt past its deadline: the executor abandons it and reports a timeout.
type Executor struct {
	registry       *driver.Registry
	defaultTimeout time.Duration
	logger         *zap.Logger
}

// NewExecutor creates an Executor. defaultTimeout applies when a request
// carries no timeout of its own.
func NewExecutor(registry *driver.Registry, defaultTimeout time.Duration, logger *zap.Logger) *Executor {
	if defaultTimeout <= 0 {
		defaultTimeout = 60 * time.Second
	}
	return &Executor{
		registry:       registry,
		defaultTimeout: defaultTimeout,
		logger:         logger,
	}
}

// Execute runs one attempt and always returns a terminal Outcome.
func (e *Executor) Execute(ctx context.Context, req ExecRequest) Outcome {
	out := Outcome{StartedAt: time.Now().UTC()}

	drv, err := e.registry.Resolve(req.Device.Type)
	if err != nil {
		return e.fail(out, driver.KindOf(err), err)
	}
	if !driver.Supports(drv, req.ActionKey) {
		err := driver.E(driver.KindUnsupportedAction, "execute",
			fmt.Errorf("action %s not supported by device type %s", req.ActionKey, req.Device.Type))
		return e.fail(out, driver.KindUnsupportedAction, err)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type attemptResult struct {
		res *driver.Result
		err error
	}
	done := make(chan attemptResult, 1)
	go func() {
		res, err := drv.Execute(ctx, req.Device, req.ActionKey, req.Params)
		done <- attemptResult{res: res, err: err}
	}()

	select {
	case <-ctx.Done():
		// The attempt deadline reports a timeout; a cancelled parent
		// context (shutdown, aborted request) is not a device fault.
		kind := driver.KindTimeout
		if errors.Is(ctx.Err(), context.Canceled) {
			kind = driver.KindCanceled
		}
		out = e.fail(out, kind, ctx.Err())
	case r := <-done:
		if r.err != nil {
			out = e.fail(out, driver.KindOf(r.err), r.err)
		} else {
			out.Status = StatusSuccess
			out.Result = r.res
			out.FinishedAt = time.Now().UTC()
		}
	}

	metrics.RunsTotal.WithLabelValues(string(out.Status)).Inc()
	metrics.RunDuration.WithLabelValues(req.ActionKey).Observe(out.Duration().Seconds())
	e.logger.Debug("attempt finished",
		zap.String("device", req.Device.Name),
		zap.String("action", req.ActionKey),
		zap.String("status", string(out.Status)),
		zap.Duration("duration", out.Duration()))
	return out
}

func (e *Executor) fail(out Outcome, kind driver.Kind, err error) Outcome {
	out.Status = StatusFailed
	out.ErrorKind = kind
	out.ErrorDetail = err.Error()
	out.FinishedAt = time.Now().UTC()
	return out
}
