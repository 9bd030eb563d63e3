package engine

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/calderos/netpilot/internal/driver"
	"github.com/calderos/netpilot/internal/inventory"
	"github.com/calderos/netpilot/internal/store"
)

type recordingRunner struct {
	fired atomic.Int64
}

func (r *recordingRunner) RunScheduled(ctx context.Context, ruleID int64) {
	r.fired.Add(1)
}

func newSchedulerRig(t *testing.T) (*Scheduler, *recordingRunner, *inventory.Store) {
	t.Helper()
	ctx := context.Background()
	st, err := store.New(filepath.Join(t.TempDir(), "sched.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.Migrate(ctx, "inventory", inventory.Migrations()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	inv := inventory.NewStore(st.DB())
	runner := &recordingRunner{}
	return NewScheduler(runner, inv, 4, zap.NewNop()), runner, inv
}

func TestScheduler_ReconcileAndRemove(t *testing.T) {
	s, _, _ := newSchedulerRig(t)

	rule := inventory.Rule{ID: 7, Schedule: "0 8 * * *", Enabled: true}
	s.Reconcile(rule)
	if !s.HasTrigger(7) {
		t.Fatal("expected trigger after reconcile")
	}
	if s.EntryCount() != 1 {
		t.Errorf("entry count = %d, want 1", s.EntryCount())
	}

	// Reconcile replaces, never duplicates.
	rule.Schedule = "30 9 * * *"
	s.Reconcile(rule)
	if s.EntryCount() != 1 {
		t.Errorf("entry count after replace = %d, want 1", s.EntryCount())
	}

	s.Remove(7)
	if s.HasTrigger(7) {
		t.Error("trigger must be gone after remove")
	}
}

func TestScheduler_DisabledRuleDropsTrigger(t *testing.T) {
	s, _, _ := newSchedulerRig(t)

	rule := inventory.Rule{ID: 3, Schedule: "*/5 * * * *", Enabled: true}
	s.Reconcile(rule)
	if !s.HasTrigger(3) {
		t.Fatal("expected trigger")
	}
	rule.Enabled = false
	s.Reconcile(rule)
	if s.HasTrigger(3) {
		t.Error("disabled rule must not keep a trigger")
	}
}

func TestScheduler_InvalidExpressionLeavesRuleWithoutTrigger(t *testing.T) {
	s, _, _ := newSchedulerRig(t)

	s.Reconcile(inventory.Rule{ID: 4, Schedule: "not a cron expr", Enabled: true})
	if s.HasTrigger(4) {
		t.Error("invalid expression must not register a trigger")
	}
}

func TestScheduler_ReconcileAllFromStore(t *testing.T) {
	s, _, inv := newSchedulerRig(t)
	ctx := context.Background()

	dev := inventory.Device{Name: "r1", Address: "192.0.2.1", Type: "stub", Enabled: true}
	if err := inv.InsertDevice(ctx, &dev); err != nil {
		t.Fatal(err)
	}
	for _, spec := range []string{"0 8 * * *", "30 21 * * *"} {
		r := inventory.Rule{DeviceID: dev.ID, ActionKey: driver.ActionCheckBalance, Schedule: spec, Enabled: true}
		if err := inv.InsertRule(ctx, &r); err != nil {
			t.Fatal(err)
		}
	}
	disabled := inventory.Rule{DeviceID: dev.ID, ActionKey: driver.ActionCheckBalance, Schedule: "0 0 * * *", Enabled: false}
	if err := inv.InsertRule(ctx, &disabled); err != nil {
		t.Fatal(err)
	}

	if err := s.ReconcileAll(ctx); err != nil {
		t.Fatalf("reconcile all: %v", err)
	}
	if s.EntryCount() != 2 {
		t.Errorf("entry count = %d, want 2 (disabled rule excluded)", s.EntryCount())
	}
}

func TestScheduler_JobFires(t *testing.T) {
	s, _, _ := newSchedulerRig(t)

	var fired atomic.Int64
	if err := s.ReconcileJob("summary", "@every 50ms", func() { fired.Add(1) }); err != nil {
		t.Fatalf("add job: %v", err)
	}
	s.Start()
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for fired.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("job never fired")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestScheduler_ReconcileJobReplaces(t *testing.T) {
	s, _, _ := newSchedulerRig(t)

	var old, replacement atomic.Int64
	if err := s.ReconcileJob("summary", "@every 20ms", func() { old.Add(1) }); err != nil {
		t.Fatalf("add job: %v", err)
	}
	if err := s.ReconcileJob("summary", "@every 20ms", func() { replacement.Add(1) }); err != nil {
		t.Fatalf("replace job: %v", err)
	}
	if !s.HasJob("summary") {
		t.Fatal("expected job after reconcile")
	}

	s.Start()
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for replacement.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("replacement job never fired")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if old.Load() != 0 {
		t.Errorf("replaced job fired %d times, want 0", old.Load())
	}

	s.RemoveJob("summary")
	if s.HasJob("summary") {
		t.Error("job must be gone after remove")
	}
}

func TestCronSpec_TimezonePrefix(t *testing.T) {
	got := cronSpec(inventory.Rule{Schedule: "0 8 * * *", Timezone: "America/Havana"})
	want := "CRON_TZ=America/Havana 0 8 * * *"
	if got != want {
		t.Errorf("cronSpec = %q, want %q", got, want)
	}
	if got := cronSpec(inventory.Rule{Schedule: "0 8 * * *"}); got != "0 8 * * *" {
		t.Errorf("cronSpec without tz = %q", got)
	}
}
