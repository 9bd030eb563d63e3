package health

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/calderos/netpilot/internal/event"
	"github.com/calderos/netpilot/internal/inventory"
	"github.com/calderos/netpilot/internal/store"
)

func newHealthRig(t *testing.T, cfg Config) (*Monitor, *inventory.Store, *Store, *event.Bus) {
	t.Helper()
	ctx := context.Background()
	st, err := store.New(filepath.Join(t.TempDir(), "health.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.Migrate(ctx, "inventory", inventory.Migrations()); err != nil {
		t.Fatalf("migrate inventory: %v", err)
	}
	if err := st.Migrate(ctx, "health", Migrations()); err != nil {
		t.Fatalf("migrate health: %v", err)
	}

	logger := zap.NewNop()
	inv := inventory.NewStore(st.DB())
	snaps := NewStore(st.DB())
	bus := event.NewBus(logger)
	mon := NewMonitor(inv, snaps, nil, bus, cfg, logger)
	return mon, inv, snaps, bus
}

func seedDevice(t *testing.T, inv *inventory.Store, name string) inventory.Device {
	t.Helper()
	dev := inventory.Device{Name: name, Address: "192.0.2.20", Type: "stub", Enabled: true}
	if err := inv.InsertDevice(context.Background(), &dev); err != nil {
		t.Fatalf("insert device: %v", err)
	}
	return dev
}

func collectTransitions(bus *event.Bus) (*sync.Mutex, *[]Transition) {
	var mu sync.Mutex
	var got []Transition
	bus.Subscribe(event.TopicHealthTransition, func(ctx context.Context, ev event.Event) {
		if tr, ok := ev.Payload.(Transition); ok {
			mu.Lock()
			got = append(got, tr)
			mu.Unlock()
		}
	})
	return &mu, &got
}

func TestMonitor_LatencyWarningThenRecovery(t *testing.T) {
	mon, inv, snaps, bus := newHealthRig(t, Config{WarningLatencyMs: 90})
	dev := seedDevice(t, inv, "edge-1")
	mu, transitions := collectTransitions(bus)

	latency := 120 * time.Millisecond
	mon.probe = func(ctx context.Context, d inventory.Device) probeResult {
		return probeResult{reachable: true, latency: latency}
	}

	mon.Poll(context.Background())
	if got := mon.StateOf(dev.ID); got != StateWarning {
		t.Fatalf("state after slow probe = %s, want %s", got, StateWarning)
	}

	latency = 20 * time.Millisecond
	mon.Poll(context.Background())
	if got := mon.StateOf(dev.ID); got != StateOnline {
		t.Fatalf("state after recovery = %s, want %s", got, StateOnline)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(*transitions) != 2 {
		t.Fatalf("got %d transitions, want 2", len(*transitions))
	}
	if (*transitions)[0].From != StateUnknown || (*transitions)[0].To != StateWarning {
		t.Errorf("first transition = %s -> %s", (*transitions)[0].From, (*transitions)[0].To)
	}
	if (*transitions)[1].From != StateWarning || (*transitions)[1].To != StateOnline {
		t.Errorf("second transition = %s -> %s", (*transitions)[1].From, (*transitions)[1].To)
	}

	snap, err := snaps.Get(context.Background(), dev.ID)
	if err != nil {
		t.Fatalf("get snapshot: %v", err)
	}
	if snap == nil || snap.State != StateOnline {
		t.Errorf("persisted snapshot = %+v, want ONLINE", snap)
	}
	if snap.LatencyMs == nil || *snap.LatencyMs != 20 {
		t.Errorf("persisted latency = %v, want 20", snap.LatencyMs)
	}
}

func TestMonitor_OfflineAndNoRepeatTransition(t *testing.T) {
	mon, inv, _, bus := newHealthRig(t, Config{})
	dev := seedDevice(t, inv, "edge-2")
	mu, transitions := collectTransitions(bus)

	mon.probe = func(ctx context.Context, d inventory.Device) probeResult {
		return probeResult{reachable: false, detail: "no echo reply"}
	}

	mon.Poll(context.Background())
	mon.Poll(context.Background())

	if got := mon.StateOf(dev.ID); got != StateOffline {
		t.Fatalf("state = %s, want %s", got, StateOffline)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(*transitions) != 1 {
		t.Errorf("got %d transitions, want 1 (unchanged state must not republish)", len(*transitions))
	}
}

func TestMonitor_UnknownBeforeFirstCheck(t *testing.T) {
	mon, inv, _, _ := newHealthRig(t, Config{})
	dev := seedDevice(t, inv, "edge-3")

	if got := mon.StateOf(dev.ID); got != StateUnknown {
		t.Errorf("state before first poll = %s, want %s", got, StateUnknown)
	}
}

func TestMonitor_InconclusiveProbeIsUnknown(t *testing.T) {
	mon, inv, _, _ := newHealthRig(t, Config{})
	dev := seedDevice(t, inv, "edge-4")

	mon.probe = func(ctx context.Context, d inventory.Device) probeResult {
		return probeResult{inconclusive: true, detail: "icmp socket unavailable"}
	}
	mon.Poll(context.Background())

	if got := mon.StateOf(dev.ID); got != StateUnknown {
		t.Errorf("state = %s, want %s", got, StateUnknown)
	}
}

func TestMonitor_PanickingProbeDoesNotStopOthers(t *testing.T) {
	mon, inv, _, _ := newHealthRig(t, Config{})
	bad := seedDevice(t, inv, "bad")
	good := seedDevice(t, inv, "good")

	mon.probe = func(ctx context.Context, d inventory.Device) probeResult {
		if d.ID == bad.ID {
			panic("probe blew up")
		}
		return probeResult{reachable: true, latency: 5 * time.Millisecond}
	}
	mon.Poll(context.Background())

	if got := mon.StateOf(good.ID); got != StateOnline {
		t.Errorf("healthy device state = %s, want %s", got, StateOnline)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		res  probeResult
		want State
	}{
		{"reachable fast", probeResult{reachable: true, latency: 10 * time.Millisecond}, StateOnline},
		{"reachable at threshold", probeResult{reachable: true, latency: 90 * time.Millisecond}, StateOnline},
		{"reachable slow", probeResult{reachable: true, latency: 91 * time.Millisecond}, StateWarning},
		{"unreachable", probeResult{}, StateOffline},
		{"inconclusive", probeResult{inconclusive: true}, StateUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classify(tt.res, 90); got != tt.want {
				t.Errorf("classify = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestStore_UpsertReplacesSnapshot(t *testing.T) {
	_, inv, snaps, _ := newHealthRig(t, Config{})
	dev := seedDevice(t, inv, "edge-5")
	ctx := context.Background()
	now := time.Now().UTC()

	if err := snaps.Upsert(ctx, Snapshot{DeviceID: dev.ID, State: StateOffline, CheckedAt: &now}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	lat := 12.5
	if err := snaps.Upsert(ctx, Snapshot{DeviceID: dev.ID, State: StateOnline, LatencyMs: &lat, CheckedAt: &now}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	all, err := snaps.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected 1 snapshot, got %d", len(all))
	}
	if all[0].State != StateOnline || all[0].LatencyMs == nil || *all[0].LatencyMs != 12.5 {
		t.Errorf("snapshot = %+v", all[0])
	}
}
