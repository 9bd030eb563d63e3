package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/calderos/netpilot/internal/event"
	"github.com/calderos/netpilot/internal/inventory"
)

// RunFinishedEvent is published on the bus when an attempt reaches a final
// state. Final is false while a retry of the same invocation is pending.
type RunFinishedEvent struct {
	Run    Run
	Rule   *inventory.Rule
	Device inventory.Device
	Final  bool
}

// RetryPolicy is the engine-wide retry default. Enabled gates retries
// globally; Delay and MaxAttempts apply where a rule does not set its own.
type RetryPolicy struct {
	Enabled     bool
	Delay       time.Duration
	MaxAttempts int
}

// DefaultRetryPolicy mirrors the configuration defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Enabled: true, Delay: 10 * time.Minute, MaxAttempts: 2}
}

// Engine drives action executions: admission, attempt lifecycle, retry
// scheduling, and run-finished events.
type Engine struct {
	executor *Executor
	runs     *RunStore
	inv      *inventory.Store
	bus      *event.Bus
	retry    RetryPolicy
	logger   *zap.Logger

	// retryDelay computes the wait before an invocation's next attempt.
	// Overridable in tests.
	retryDelay func(rule *inventory.Rule) time.Duration

	mu     sync.Mutex
	timers map[string]*retryTimer // keyed by invocation ID
	closed bool
}

type retryTimer struct {
	timer  *time.Timer
	ruleID int64
	runID  int64 // record holding RETRY_SCHEDULED
}

// New creates an Engine. retry supplies the delay and attempt cap for rules
// that do not set their own.
func New(executor *Executor, runs *RunStore, inv *inventory.Store, bus *event.Bus, retry RetryPolicy, logger *zap.Logger) *Engine {
	e := &Engine{
		executor: executor,
		runs:     runs,
		inv:      inv,
		bus:      bus,
		retry:    retry,
		logger:   logger,
		timers:   make(map[string]*retryTimer),
	}
	e.retryDelay = func(rule *inventory.Rule) time.Duration {
		if d := time.Duration(rule.RetryDelayMinutes) * time.Minute; d > 0 {
			return d
		}
		if e.retry.Delay > 0 {
			return e.retry.Delay
		}
		return time.Minute
	}
	return e
}

// maxAttempts resolves the rule's attempt cap, falling back to the engine
// policy when the rule leaves it unset.
func (e *Engine) maxAttempts(rule *inventory.Rule) int {
	if rule.MaxAttempts > 0 {
		return rule.MaxAttempts
	}
	if e.retry.MaxAttempts > 0 {
		return e.retry.MaxAttempts
	}
	return 1
}

// RunScheduled fires one scheduled invocation of a rule. The rule and device
// are re-read at fire time so edits made since scheduling take effect. Rules
// that vanished or were disabled since their trigger was registered fire as
// no-ops.
func (e *Engine) RunScheduled(ctx context.Context, ruleID int64) {
	rule, err := e.inv.GetRule(ctx, ruleID)
	if err != nil {
		e.logger.Error("load rule for scheduled run", zap.Int64("rule_id", ruleID), zap.Error(err))
		return
	}
	if rule == nil || !rule.Enabled {
		e.logger.Debug("scheduled fire for missing or disabled rule", zap.Int64("rule_id", ruleID))
		return
	}
	device, err := e.inv.GetDevice(ctx, rule.DeviceID)
	if err != nil {
		e.logger.Error("load device for scheduled run", zap.Int64("device_id", rule.DeviceID), zap.Error(err))
		return
	}
	if device == nil || !device.Enabled {
		e.logger.Debug("scheduled fire for missing or disabled device",
			zap.Int64("rule_id", ruleID), zap.Int64("device_id", rule.DeviceID))
		return
	}

	run := &Run{
		InvocationID: uuid.New().String(),
		RuleID:       &rule.ID,
		DeviceID:     device.ID,
		DeviceType:   device.Type,
		ActionKey:    rule.ActionKey,
		Attempt:      1,
		StartedAt:    time.Now().UTC(),
	}
	admitted, err := e.runs.Admit(ctx, run)
	if err != nil {
		e.logger.Error("admit scheduled run", zap.Int64("rule_id", ruleID), zap.Error(err))
		return
	}
	if !admitted {
		e.logger.Warn("scheduled run skipped, previous invocation still active",
			zap.Int64("rule_id", ruleID),
			zap.String("device", device.Name),
			zap.String("action", rule.ActionKey))
		e.publishFinished(*run, rule, *device, true)
		return
	}

	e.runAttempt(ctx, rule, *device, run, nil)
}

// ExecuteNow runs an action against a device immediately and synchronously.
// Manual runs bypass the overlap guard and are never retried.
func (e *Engine) ExecuteNow(ctx context.Context, deviceID int64, actionKey string, params map[string]string) (*Run, error) {
	device, err := e.inv.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if device == nil {
		return nil, fmt.Errorf("device %d not found", deviceID)
	}

	run := &Run{
		InvocationID: uuid.New().String(),
		DeviceID:     device.ID,
		DeviceType:   device.Type,
		ActionKey:    actionKey,
		Attempt:      1,
		Status:       StatusPending,
		StartedAt:    time.Now().UTC(),
	}
	if err := e.runs.Insert(ctx, run); err != nil {
		return nil, err
	}

	e.runAttempt(ctx, nil, *device, run, params)
	return run, nil
}

// runAttempt executes one attempt of an admitted invocation and decides
// whether to schedule a retry. rule is nil for manual runs.
func (e *Engine) runAttempt(ctx context.Context, rule *inventory.Rule, device inventory.Device, run *Run, params map[string]string) {
	if err := e.runs.MarkRunning(ctx, run.ID); err != nil {
		e.logger.Error("mark run running", zap.Int64("run_id", run.ID), zap.Error(err))
	}
	run.Status = StatusRunning

	timeout := time.Duration(0)
	if rule != nil && rule.TimeoutSeconds > 0 {
		timeout = time.Duration(rule.TimeoutSeconds) * time.Second
	}
	out := e.executor.Execute(ctx, ExecRequest{
		Device:    device,
		ActionKey: run.ActionKey,
		Params:    params,
		Timeout:   timeout,
	})

	run.Status = out.Status
	run.StartedAt = out.StartedAt
	finished := out.FinishedAt
	run.FinishedAt = &finished
	durationMs := float64(out.Duration()) / float64(time.Millisecond)
	run.DurationMs = &durationMs
	run.ErrorKind = string(out.ErrorKind)
	run.ErrorDetail = out.ErrorDetail
	if out.Result != nil {
		run.Raw = out.Result.Raw
		run.Parsed = out.Result.Parsed
	}

	final := true
	if rule != nil && out.Retryable() && e.retry.Enabled && rule.RetryEnabled && run.Attempt < e.maxAttempts(rule) {
		run.Status = StatusRetryScheduled
		final = false
	}

	if err := e.runs.Finish(ctx, run); err != nil {
		e.logger.Error("finish run", zap.Int64("run_id", run.ID), zap.Error(err))
	}

	if run.Status == StatusRetryScheduled {
		e.scheduleRetry(rule, run)
	}
	if run.Status == StatusSuccess {
		e.logger.Info("run succeeded",
			zap.String("device", device.Name),
			zap.String("action", run.ActionKey),
			zap.Int("attempt", run.Attempt))
	} else if run.Status != StatusRetryScheduled {
		e.logger.Warn("run failed",
			zap.String("device", device.Name),
			zap.String("action", run.ActionKey),
			zap.Int("attempt", run.Attempt),
			zap.String("error_kind", run.ErrorKind),
			zap.String("error", run.ErrorDetail))
	}

	e.publishFinished(*run, rule, device, final)
}

// scheduleRetry arms a timer that starts the invocation's next attempt.
func (e *Engine) scheduleRetry(rule *inventory.Rule, run *Run) {
	delay := e.retryDelay(rule)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	invocationID := run.InvocationID
	nextAttempt := run.Attempt + 1
	ruleID := rule.ID
	rt := &retryTimer{ruleID: ruleID, runID: run.ID}
	rt.timer = time.AfterFunc(delay, func() {
		e.fireRetry(invocationID, ruleID, nextAttempt)
	})
	e.timers[invocationID] = rt

	e.logger.Info("retry scheduled",
		zap.String("invocation_id", invocationID),
		zap.Int64("rule_id", ruleID),
		zap.Int("next_attempt", nextAttempt),
		zap.Duration("delay", delay))
}

func (e *Engine) fireRetry(invocationID string, ruleID int64, attempt int) {
	e.mu.Lock()
	rt, ok := e.timers[invocationID]
	if !ok {
		e.mu.Unlock()
		return
	}
	delete(e.timers, invocationID)
	e.mu.Unlock()

	ctx := context.Background()
	rule, err := e.inv.GetRule(ctx, ruleID)
	if err != nil || rule == nil || !rule.Enabled {
		e.finalizeRetry(ctx, rt.runID, "rule removed or disabled before retry")
		return
	}
	device, err := e.inv.GetDevice(ctx, rule.DeviceID)
	if err != nil || device == nil || !device.Enabled {
		e.finalizeRetry(ctx, rt.runID, "device removed or disabled before retry")
		return
	}

	run := &Run{
		InvocationID: invocationID,
		RuleID:       &rule.ID,
		DeviceID:     device.ID,
		DeviceType:   device.Type,
		ActionKey:    rule.ActionKey,
		Attempt:      attempt,
		Status:       StatusPending,
		StartedAt:    time.Now().UTC(),
	}
	// The new attempt and the handover of the rule's active slot from the
	// RETRY_SCHEDULED record happen atomically; otherwise the old record
	// would block every later fire of the rule.
	if err := e.runs.InsertRetryAttempt(ctx, rt.runID, run); err != nil {
		e.logger.Error("insert retry run", zap.String("invocation_id", invocationID), zap.Error(err))
		e.finalizeRetry(ctx, rt.runID, "retry attempt could not be recorded")
		return
	}
	e.runAttempt(ctx, rule, *device, run, nil)
}

// CancelRetries drops pending retry timers for a rule and finalizes their
// invocations as FAILED. Called when a rule is removed or disabled.
func (e *Engine) CancelRetries(ctx context.Context, ruleID int64) {
	e.mu.Lock()
	var cancelled []*retryTimer
	for id, rt := range e.timers {
		if rt.ruleID == ruleID {
			rt.timer.Stop()
			cancelled = append(cancelled, rt)
			delete(e.timers, id)
		}
	}
	e.mu.Unlock()

	for _, rt := range cancelled {
		e.finalizeRetry(ctx, rt.runID, "retry cancelled: rule removed")
	}
}

// finalizeRetry marks a RETRY_SCHEDULED record FAILED so its invocation
// stops blocking the rule.
func (e *Engine) finalizeRetry(ctx context.Context, runID int64, detail string) {
	if err := e.runs.UpdateStatus(ctx, runID, StatusFailed, detail); err != nil {
		e.logger.Error("finalize retried attempt", zap.Int64("run_id", runID), zap.Error(err))
	}
}

// Close stops all pending retry timers. In-flight attempts finish on their
// own deadlines.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	for id, rt := range e.timers {
		rt.timer.Stop()
		delete(e.timers, id)
	}
}

func (e *Engine) publishFinished(run Run, rule *inventory.Rule, device inventory.Device, final bool) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(context.Background(), event.Event{
		Topic:     event.TopicRunFinished,
		Source:    "engine",
		Timestamp: time.Now().UTC(),
		Payload: RunFinishedEvent{
			Run:    run,
			Rule:   rule,
			Device: device,
			Final:  final,
		},
	})
}
