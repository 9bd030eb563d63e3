package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/calderos/netpilot/internal/driver"
	"github.com/calderos/netpilot/internal/event"
	"github.com/calderos/netpilot/internal/inventory"
	"github.com/calderos/netpilot/internal/store"
)

type stubDriver struct {
	mu      sync.Mutex
	calls   int
	results []stubResult // consumed in order; last one repeats
	block   time.Duration
}

type stubResult struct {
	res *driver.Result
	err error
}

func (d *stubDriver) Execute(ctx context.Context, dev inventory.Device, actionKey string, params map[string]string) (*driver.Result, error) {
	d.mu.Lock()
	i := d.calls
	d.calls++
	if i >= len(d.results) {
		i = len(d.results) - 1
	}
	r := d.results[i]
	d.mu.Unlock()

	if d.block > 0 {
		select {
		case <-time.After(d.block):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return r.res, r.err
}

func (d *stubDriver) SupportedActions() []string {
	return []string{driver.ActionCheckBalance, driver.ActionTopUpBalance, driver.ActionFetchUSSDLogs}
}

func (d *stubDriver) Validate(ctx context.Context, dev inventory.Device) error { return nil }

func (d *stubDriver) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type testRig struct {
	engine *Engine
	runs   *RunStore
	inv    *inventory.Store
	bus    *event.Bus
	drv    *stubDriver
}

func newTestRig(t *testing.T, drv *stubDriver) *testRig {
	t.Helper()
	ctx := context.Background()

	st, err := store.New(filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.Migrate(ctx, "inventory", inventory.Migrations()); err != nil {
		t.Fatalf("migrate inventory: %v", err)
	}
	if err := st.Migrate(ctx, "engine", Migrations()); err != nil {
		t.Fatalf("migrate engine: %v", err)
	}

	logger := zap.NewNop()
	registry := driver.NewRegistry(logger)
	if err := registry.Register("stub", func() driver.Driver { return drv }); err != nil {
		t.Fatalf("register stub: %v", err)
	}

	inv := inventory.NewStore(st.DB())
	runs := NewRunStore(st.DB())
	bus := event.NewBus(logger)
	exec := NewExecutor(registry, 5*time.Second, logger)
	eng := New(exec, runs, inv, bus, DefaultRetryPolicy(), logger)
	eng.retryDelay = func(rule *inventory.Rule) time.Duration { return 10 * time.Millisecond }
	t.Cleanup(eng.Close)

	return &testRig{engine: eng, runs: runs, inv: inv, bus: bus, drv: drv}
}

func (r *testRig) seedRule(t *testing.T, mutate func(*inventory.Rule)) (inventory.Device, inventory.Rule) {
	t.Helper()
	ctx := context.Background()
	dev := inventory.Device{
		Name: "router-1", Address: "192.0.2.10", Type: "stub",
		Enabled: true, NotifyEnabled: true,
	}
	if err := r.inv.InsertDevice(ctx, &dev); err != nil {
		t.Fatalf("insert device: %v", err)
	}
	rule := inventory.Rule{
		DeviceID: dev.ID, ActionKey: driver.ActionCheckBalance,
		Schedule: "0 8 * * *", Enabled: true,
		RetryEnabled: true, RetryDelayMinutes: 10, MaxAttempts: 2,
	}
	if mutate != nil {
		mutate(&rule)
	}
	if err := r.inv.InsertRule(ctx, &rule); err != nil {
		t.Fatalf("insert rule: %v", err)
	}
	return dev, rule
}

func waitForFinal(t *testing.T, bus *event.Bus) chan RunFinishedEvent {
	t.Helper()
	ch := make(chan RunFinishedEvent, 8)
	bus.Subscribe(event.TopicRunFinished, func(ctx context.Context, ev event.Event) {
		if p, ok := ev.Payload.(RunFinishedEvent); ok && p.Final {
			ch <- p
		}
	})
	return ch
}

func TestRunScheduled_Success(t *testing.T) {
	drv := &stubDriver{results: []stubResult{{res: &driver.Result{Raw: "Saldo: 319.23"}}}}
	rig := newTestRig(t, drv)
	_, rule := rig.seedRule(t, nil)

	rig.engine.RunScheduled(context.Background(), rule.ID)

	runs, err := rig.runs.ListRuns(context.Background(), 0, rule.ID, 10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runs))
	}
	if runs[0].Status != StatusSuccess {
		t.Errorf("status = %s, want %s", runs[0].Status, StatusSuccess)
	}
	if runs[0].Raw != "Saldo: 319.23" {
		t.Errorf("raw = %q", runs[0].Raw)
	}
	if runs[0].Attempt != 1 {
		t.Errorf("attempt = %d, want 1", runs[0].Attempt)
	}
	if runs[0].DurationMs == nil || runs[0].FinishedAt == nil {
		t.Error("expected duration and finished time recorded")
	}
}

func TestRunScheduled_RetryAfterTransientFailure(t *testing.T) {
	connErr := driver.E(driver.KindConnectivity, "dial", errors.New("connection refused"))
	drv := &stubDriver{results: []stubResult{
		{err: connErr},
		{res: &driver.Result{Raw: "ok"}},
	}}
	rig := newTestRig(t, drv)
	_, rule := rig.seedRule(t, nil)
	final := waitForFinal(t, rig.bus)

	rig.engine.RunScheduled(context.Background(), rule.ID)

	select {
	case ev := <-final:
		if ev.Run.Status != StatusSuccess {
			t.Errorf("final status = %s, want %s", ev.Run.Status, StatusSuccess)
		}
		if ev.Run.Attempt != 2 {
			t.Errorf("final attempt = %d, want 2", ev.Run.Attempt)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for retry to finish")
	}

	runs, err := rig.runs.ListRuns(context.Background(), 0, rule.ID, 10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 run records, got %d", len(runs))
	}
	// newest first
	if runs[0].Status != StatusSuccess || runs[0].Attempt != 2 {
		t.Errorf("retry record = %s attempt %d", runs[0].Status, runs[0].Attempt)
	}
	// The first attempt's record must be finalized when its retry fires;
	// a record left RETRY_SCHEDULED keeps the rule's active slot forever.
	if runs[1].Status != StatusFailed || runs[1].Attempt != 1 {
		t.Errorf("first record = %s attempt %d, want %s attempt 1", runs[1].Status, runs[1].Attempt, StatusFailed)
	}
	if runs[1].ErrorKind != string(driver.KindConnectivity) {
		t.Errorf("first record error kind = %s, want %s", runs[1].ErrorKind, driver.KindConnectivity)
	}
	if runs[0].InvocationID != runs[1].InvocationID {
		t.Error("retry must share the invocation ID of the failed attempt")
	}
	if drv.callCount() != 2 {
		t.Errorf("driver called %d times, want 2", drv.callCount())
	}
}

func TestRunScheduled_NextFireAdmittedAfterRetriedInvocation(t *testing.T) {
	connErr := driver.E(driver.KindConnectivity, "dial", errors.New("connection refused"))
	drv := &stubDriver{results: []stubResult{
		{err: connErr},
		{res: &driver.Result{Raw: "ok"}},
	}}
	rig := newTestRig(t, drv)
	_, rule := rig.seedRule(t, nil)
	final := waitForFinal(t, rig.bus)

	rig.engine.RunScheduled(context.Background(), rule.ID)
	select {
	case <-final:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for retry to finish")
	}

	active, err := rig.runs.ActiveRun(context.Background(), rule.ID)
	if err != nil {
		t.Fatalf("active run: %v", err)
	}
	if active != nil {
		t.Fatalf("record still active after the invocation finished: %s attempt %d", active.Status, active.Attempt)
	}

	// The next scheduled fire must be admitted, not recorded as an overlap.
	rig.engine.RunScheduled(context.Background(), rule.ID)

	runs, err := rig.runs.ListRuns(context.Background(), 0, rule.ID, 10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("expected 3 run records, got %d", len(runs))
	}
	for _, r := range runs {
		if r.Status == StatusSkippedOverlap {
			t.Fatalf("next fire skipped as overlap: %s", r.ErrorDetail)
		}
	}
	if runs[0].InvocationID == runs[1].InvocationID {
		t.Error("next fire must start a new invocation")
	}
	if runs[0].Status != StatusSuccess || runs[0].Attempt != 1 {
		t.Errorf("next fire record = %s attempt %d", runs[0].Status, runs[0].Attempt)
	}

	attempts, err := rig.runs.ListByInvocation(context.Background(), runs[1].InvocationID)
	if err != nil {
		t.Fatalf("list invocation runs: %v", err)
	}
	if len(attempts) != 2 {
		t.Fatalf("retried invocation has %d attempts, want 2", len(attempts))
	}
	if attempts[0].Status != StatusFailed || attempts[1].Status != StatusSuccess {
		t.Errorf("attempt chain = %s, %s; want %s, %s",
			attempts[0].Status, attempts[1].Status, StatusFailed, StatusSuccess)
	}
}

func TestRunScheduled_PolicySuppliesRetryDefaults(t *testing.T) {
	connErr := driver.E(driver.KindConnectivity, "dial", errors.New("connection refused"))
	drv := &stubDriver{results: []stubResult{
		{err: connErr},
		{res: &driver.Result{Raw: "ok"}},
	}}
	rig := newTestRig(t, drv)
	rig.engine.retry = RetryPolicy{Enabled: true, Delay: 10 * time.Millisecond, MaxAttempts: 2}
	// Rule leaves delay and attempt cap unset; the engine policy fills them.
	_, rule := rig.seedRule(t, func(r *inventory.Rule) {
		r.RetryDelayMinutes = 0
		r.MaxAttempts = 0
	})
	final := waitForFinal(t, rig.bus)

	rig.engine.RunScheduled(context.Background(), rule.ID)

	select {
	case ev := <-final:
		if ev.Run.Status != StatusSuccess || ev.Run.Attempt != 2 {
			t.Errorf("final = %s attempt %d, want %s attempt 2", ev.Run.Status, ev.Run.Attempt, StatusSuccess)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for retry governed by the engine policy")
	}
}

func TestRetryDelay_PolicyFallback(t *testing.T) {
	eng := New(nil, nil, nil, nil, RetryPolicy{Enabled: true, Delay: 42 * time.Second, MaxAttempts: 2}, zap.NewNop())

	if d := eng.retryDelay(&inventory.Rule{RetryDelayMinutes: 0}); d != 42*time.Second {
		t.Errorf("delay for rule without its own = %v, want policy delay 42s", d)
	}
	if d := eng.retryDelay(&inventory.Rule{RetryDelayMinutes: 5}); d != 5*time.Minute {
		t.Errorf("delay for rule with its own = %v, want 5m", d)
	}
}

func TestRunScheduled_PolicyDisabledSuppressesRetry(t *testing.T) {
	connErr := driver.E(driver.KindConnectivity, "dial", errors.New("connection refused"))
	drv := &stubDriver{results: []stubResult{{err: connErr}}}
	rig := newTestRig(t, drv)
	rig.engine.retry = RetryPolicy{Enabled: false, Delay: 10 * time.Millisecond, MaxAttempts: 2}
	_, rule := rig.seedRule(t, nil)
	final := waitForFinal(t, rig.bus)

	rig.engine.RunScheduled(context.Background(), rule.ID)

	select {
	case ev := <-final:
		if ev.Run.Status != StatusFailed || ev.Run.Attempt != 1 {
			t.Errorf("final = %s attempt %d, want %s attempt 1", ev.Run.Status, ev.Run.Attempt, StatusFailed)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for final event")
	}
	if drv.callCount() != 1 {
		t.Errorf("driver called %d times, want 1", drv.callCount())
	}
}

func TestRunScheduled_NoRetryPastMaxAttempts(t *testing.T) {
	connErr := driver.E(driver.KindConnectivity, "dial", errors.New("connection refused"))
	drv := &stubDriver{results: []stubResult{{err: connErr}}}
	rig := newTestRig(t, drv)
	_, rule := rig.seedRule(t, func(r *inventory.Rule) { r.MaxAttempts = 1 })
	final := waitForFinal(t, rig.bus)

	rig.engine.RunScheduled(context.Background(), rule.ID)

	select {
	case ev := <-final:
		if ev.Run.Status != StatusFailed {
			t.Errorf("status = %s, want %s", ev.Run.Status, StatusFailed)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for final event")
	}
	if drv.callCount() != 1 {
		t.Errorf("driver called %d times, want 1", drv.callCount())
	}
}

func TestRunScheduled_NonRetryableFailureIsFinal(t *testing.T) {
	valErr := driver.E(driver.KindValidation, "execute", errors.New("missing ussd code"))
	drv := &stubDriver{results: []stubResult{{err: valErr}}}
	rig := newTestRig(t, drv)
	_, rule := rig.seedRule(t, nil)

	rig.engine.RunScheduled(context.Background(), rule.ID)

	runs, _ := rig.runs.ListRuns(context.Background(), 0, rule.ID, 10)
	if len(runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runs))
	}
	if runs[0].Status != StatusFailed {
		t.Errorf("status = %s, want %s", runs[0].Status, StatusFailed)
	}
	if runs[0].ErrorKind != string(driver.KindValidation) {
		t.Errorf("error kind = %s", runs[0].ErrorKind)
	}
}

func TestRunScheduled_OverlapSkipped(t *testing.T) {
	drv := &stubDriver{
		results: []stubResult{{res: &driver.Result{Raw: "ok"}}},
		block:   200 * time.Millisecond,
	}
	rig := newTestRig(t, drv)
	_, rule := rig.seedRule(t, nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		rig.engine.RunScheduled(context.Background(), rule.ID)
	}()

	// Wait until the first invocation is admitted, then fire again.
	deadline := time.Now().Add(time.Second)
	for {
		active, err := rig.runs.ActiveRun(context.Background(), rule.ID)
		if err != nil {
			t.Fatalf("active run: %v", err)
		}
		if active != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first invocation never became active")
		}
		time.Sleep(5 * time.Millisecond)
	}
	rig.engine.RunScheduled(context.Background(), rule.ID)
	wg.Wait()

	runs, err := rig.runs.ListRuns(context.Background(), 0, rule.ID, 10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(runs))
	}
	statuses := map[Status]bool{}
	for _, r := range runs {
		statuses[r.Status] = true
	}
	if !statuses[StatusSkippedOverlap] {
		t.Error("expected a SKIPPED_OVERLAP record for the second fire")
	}
	if !statuses[StatusSuccess] {
		t.Error("expected the first invocation to succeed")
	}
	if drv.callCount() != 1 {
		t.Errorf("driver called %d times, want 1", drv.callCount())
	}
}

func TestRunScheduled_DisabledRuleIsNoop(t *testing.T) {
	drv := &stubDriver{results: []stubResult{{res: &driver.Result{}}}}
	rig := newTestRig(t, drv)
	_, rule := rig.seedRule(t, func(r *inventory.Rule) { r.Enabled = false })

	rig.engine.RunScheduled(context.Background(), rule.ID)

	runs, _ := rig.runs.ListRuns(context.Background(), 0, rule.ID, 10)
	if len(runs) != 0 {
		t.Fatalf("expected no runs for disabled rule, got %d", len(runs))
	}
	if drv.callCount() != 0 {
		t.Error("driver must not be contacted for a disabled rule")
	}
}

func TestExecuteNow_ManualRunNeverRetries(t *testing.T) {
	connErr := driver.E(driver.KindConnectivity, "dial", errors.New("unreachable"))
	drv := &stubDriver{results: []stubResult{{err: connErr}}}
	rig := newTestRig(t, drv)
	dev, _ := rig.seedRule(t, nil)

	run, err := rig.engine.ExecuteNow(context.Background(), dev.ID, driver.ActionCheckBalance, nil)
	if err != nil {
		t.Fatalf("execute now: %v", err)
	}
	if run.Status != StatusFailed {
		t.Errorf("status = %s, want %s", run.Status, StatusFailed)
	}
	if run.RuleID != nil {
		t.Error("manual run must not carry a rule id")
	}

	time.Sleep(50 * time.Millisecond)
	if drv.callCount() != 1 {
		t.Errorf("driver called %d times, manual runs must not retry", drv.callCount())
	}
}

func TestCancelRetries_FinalizesInvocation(t *testing.T) {
	connErr := driver.E(driver.KindConnectivity, "dial", errors.New("unreachable"))
	drv := &stubDriver{results: []stubResult{{err: connErr}}}
	rig := newTestRig(t, drv)
	_, rule := rig.seedRule(t, nil)
	// Long delay so the retry is still pending when we cancel.
	rig.engine.retryDelay = func(r *inventory.Rule) time.Duration { return time.Hour }

	rig.engine.RunScheduled(context.Background(), rule.ID)
	rig.engine.CancelRetries(context.Background(), rule.ID)

	active, err := rig.runs.ActiveRun(context.Background(), rule.ID)
	if err != nil {
		t.Fatalf("active run: %v", err)
	}
	if active != nil {
		t.Errorf("invocation still active after cancel: %s", active.Status)
	}
	runs, _ := rig.runs.ListRuns(context.Background(), 0, rule.ID, 10)
	if len(runs) != 1 || runs[0].Status != StatusFailed {
		t.Fatalf("expected one FAILED record, got %+v", runs)
	}
}

func TestExecutor_Timeout(t *testing.T) {
	drv := &stubDriver{
		results: []stubResult{{res: &driver.Result{Raw: "late"}}},
		block:   time.Second,
	}
	logger := zap.NewNop()
	registry := driver.NewRegistry(logger)
	if err := registry.Register("stub", func() driver.Driver { return drv }); err != nil {
		t.Fatal(err)
	}
	exec := NewExecutor(registry, 5*time.Second, logger)

	out := exec.Execute(context.Background(), ExecRequest{
		Device:    inventory.Device{Name: "slow", Type: "stub"},
		ActionKey: driver.ActionCheckBalance,
		Timeout:   30 * time.Millisecond,
	})
	if out.Status != StatusFailed {
		t.Fatalf("status = %s, want %s", out.Status, StatusFailed)
	}
	if out.ErrorKind != driver.KindTimeout {
		t.Errorf("error kind = %s, want %s", out.ErrorKind, driver.KindTimeout)
	}
	if !out.Retryable() {
		t.Error("timeout must be retryable")
	}
}

func TestExecutor_CanceledContextIsNotATimeout(t *testing.T) {
	drv := &stubDriver{
		results: []stubResult{{res: &driver.Result{Raw: "late"}}},
		block:   time.Second,
	}
	logger := zap.NewNop()
	registry := driver.NewRegistry(logger)
	if err := registry.Register("stub", func() driver.Driver { return drv }); err != nil {
		t.Fatal(err)
	}
	exec := NewExecutor(registry, 5*time.Second, logger)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	out := exec.Execute(ctx, ExecRequest{
		Device:    inventory.Device{Name: "aborted", Type: "stub"},
		ActionKey: driver.ActionCheckBalance,
	})
	if out.Status != StatusFailed {
		t.Fatalf("status = %s, want %s", out.Status, StatusFailed)
	}
	if out.ErrorKind != driver.KindCanceled {
		t.Errorf("error kind = %s, want %s", out.ErrorKind, driver.KindCanceled)
	}
	if out.Retryable() {
		t.Error("a cancelled attempt must not be retried")
	}
}

func TestExecutor_UnsupportedDeviceType(t *testing.T) {
	logger := zap.NewNop()
	exec := NewExecutor(driver.NewRegistry(logger), time.Second, logger)

	out := exec.Execute(context.Background(), ExecRequest{
		Device:    inventory.Device{Name: "x", Type: "unknown"},
		ActionKey: driver.ActionCheckBalance,
	})
	if out.Status != StatusFailed {
		t.Fatalf("status = %s", out.Status)
	}
	if out.ErrorKind != driver.KindUnsupportedDeviceType {
		t.Errorf("error kind = %s, want %s", out.ErrorKind, driver.KindUnsupportedDeviceType)
	}
	if out.Retryable() {
		t.Error("unsupported device type must not be retryable")
	}
}

func TestExecutor_UnsupportedActionFailsFast(t *testing.T) {
	drv := &stubDriver{results: []stubResult{{res: &driver.Result{}}}}
	logger := zap.NewNop()
	registry := driver.NewRegistry(logger)
	if err := registry.Register("stub", func() driver.Driver { return drv }); err != nil {
		t.Fatal(err)
	}
	exec := NewExecutor(registry, time.Second, logger)

	out := exec.Execute(context.Background(), ExecRequest{
		Device:    inventory.Device{Name: "x", Type: "stub"},
		ActionKey: "REBOOT",
	})
	if out.ErrorKind != driver.KindUnsupportedAction {
		t.Errorf("error kind = %s, want %s", out.ErrorKind, driver.KindUnsupportedAction)
	}
	if drv.callCount() != 0 {
		t.Error("device must not be contacted for an unsupported action")
	}
}
