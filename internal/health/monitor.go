package health

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	probing "github.com/prometheus-community/pro-bing"
	"go.uber.org/zap"

	"github.com/calderos/netpilot/internal/driver"
	"github.com/calderos/netpilot/internal/event"
	"github.com/calderos/netpilot/internal/inventory"
	"github.com/calderos/netpilot/internal/metrics"
)

// State is a device's health classification.
type State string

const (
	StateOnline  State = "ONLINE"
	StateWarning State = "WARNING"
	StateOffline State = "OFFLINE"
	StateUnknown State = "UNKNOWN"
)

// Transition is published on the bus when a device's state changes.
type Transition struct {
	Device    inventory.Device
	From      State
	To        State
	LatencyMs *float64
	CheckedAt time.Time
	Detail    string
}

// probeResult is what one probe of one device observed.
type probeResult struct {
	reachable bool
	latency   time.Duration
	// inconclusive means the probe could not run at all, as opposed to the
	// device not answering.
	inconclusive bool
	detail       string
}

// Config holds monitor tuning.
type Config struct {
	Interval         time.Duration
	WarningLatencyMs float64
	PingTimeout      time.Duration
	PingCount        int
	Workers          int
}

// Monitor polls every enabled device on a fixed cadence and classifies each
// as ONLINE, WARNING, OFFLINE, or UNKNOWN. Devices are probed concurrently
// through a bounded worker pool; one slow or panicking probe never blocks
// the rest.
type Monitor struct {
	inv      *inventory.Store
	snaps    *Store
	registry *driver.Registry
	bus      *event.Bus
	cfg      Config
	logger   *zap.Logger

	// probe is overridable in tests.
	probe func(ctx context.Context, device inventory.Device) probeResult

	mu     sync.RWMutex
	states map[int64]State

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor creates a Monitor. Probing uses ICMP echo, falling back to the
// device driver's reachability validation when ICMP is unavailable.
func NewMonitor(inv *inventory.Store, snaps *Store, registry *driver.Registry, bus *event.Bus, cfg Config, logger *zap.Logger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.WarningLatencyMs <= 0 {
		cfg.WarningLatencyMs = 90
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = 3 * time.Second
	}
	if cfg.PingCount <= 0 {
		cfg.PingCount = 1
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	m := &Monitor{
		inv:      inv,
		snaps:    snaps,
		registry: registry,
		bus:      bus,
		cfg:      cfg,
		logger:   logger,
		states:   make(map[int64]State),
	}
	m.probe = m.defaultProbe
	return m
}

// Start begins the polling loop. The first poll runs immediately.
func (m *Monitor) Start(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()

		m.Poll(m.ctx)

		for {
			select {
			case <-m.ctx.Done():
				return
			case <-ticker.C:
				m.Poll(m.ctx)
			}
		}
	}()
}

// Stop halts polling and waits for in-flight probes.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// Poll probes every enabled device once.
func (m *Monitor) Poll(ctx context.Context) {
	devices, err := m.inv.ListDevices(ctx, true)
	if err != nil {
		m.logger.Warn("health poll: load devices", zap.Error(err))
		return
	}
	if len(devices) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.Interval)
	defer cancel()

	sem := make(chan struct{}, m.cfg.Workers)
	var wg sync.WaitGroup

dispatch:
	for i := range devices {
		select {
		case <-ctx.Done():
			break dispatch
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(dev inventory.Device) {
			defer wg.Done()
			defer func() { <-sem }()
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("health probe panic",
						zap.String("device", dev.Name),
						zap.Any("panic", r))
				}
			}()
			m.checkDevice(ctx, dev)
		}(devices[i])
	}

	wg.Wait()
}

// checkDevice probes one device, persists the snapshot, and publishes a
// transition event when the state changed.
func (m *Monitor) checkDevice(ctx context.Context, dev inventory.Device) {
	res := m.probe(ctx, dev)
	now := time.Now().UTC()

	state := classify(res, m.cfg.WarningLatencyMs)
	var latencyMs *float64
	if res.reachable {
		l := float64(res.latency) / float64(time.Millisecond)
		latencyMs = &l
		metrics.ProbeLatency.Observe(res.latency.Seconds())
	}

	m.mu.Lock()
	prev, seen := m.states[dev.ID]
	if !seen {
		prev = StateUnknown
	}
	m.states[dev.ID] = state
	m.mu.Unlock()

	snap := Snapshot{
		DeviceID:  dev.ID,
		State:     state,
		LatencyMs: latencyMs,
		Detail:    res.detail,
		CheckedAt: &now,
	}
	if err := m.snaps.Upsert(ctx, snap); err != nil {
		m.logger.Warn("persist health snapshot", zap.String("device", dev.Name), zap.Error(err))
	}

	if state != prev {
		m.logger.Info("device health transition",
			zap.String("device", dev.Name),
			zap.String("from", string(prev)),
			zap.String("to", string(state)))
		if m.bus != nil {
			m.bus.Publish(ctx, event.Event{
				Topic:     event.TopicHealthTransition,
				Source:    "health",
				Timestamp: now,
				Payload: Transition{
					Device:    dev,
					From:      prev,
					To:        state,
					LatencyMs: latencyMs,
					CheckedAt: now,
					Detail:    res.detail,
				},
			})
		}
	}
}

// classify maps a probe result to a state. Latency above the warning
// threshold downgrades a reachable device to WARNING.
func classify(res probeResult, warningLatencyMs float64) State {
	switch {
	case res.inconclusive:
		return StateUnknown
	case !res.reachable:
		return StateOffline
	case float64(res.latency)/float64(time.Millisecond) > warningLatencyMs:
		return StateWarning
	default:
		return StateOnline
	}
}

// StateOf returns the device's current in-memory state. Devices never
// checked report UNKNOWN.
func (m *Monitor) StateOf(deviceID int64) State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.states[deviceID]; ok {
		return s
	}
	return StateUnknown
}

// States returns a copy of the in-memory state map.
func (m *Monitor) States() map[int64]State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[int64]State, len(m.states))
	for k, v := range m.states {
		out[k] = v
	}
	return out
}

// Forget drops a removed device's in-memory state.
func (m *Monitor) Forget(deviceID int64) {
	m.mu.Lock()
	delete(m.states, deviceID)
	m.mu.Unlock()
}

// defaultProbe pings the device over ICMP, then falls back to the driver's
// reachability check when no echo came back. The fallback covers networks
// that filter ICMP but leave the management port open.
func (m *Monitor) defaultProbe(ctx context.Context, dev inventory.Device) probeResult {
	pinger, err := probing.NewPinger(dev.Address)
	if err != nil {
		return m.validateFallback(ctx, dev, fmt.Sprintf("pinger: %v", err))
	}
	pinger.Count = m.cfg.PingCount
	pinger.Timeout = m.cfg.PingTimeout
	pinger.SetPrivileged(runtime.GOOS == "windows")

	if err := pinger.RunWithContext(ctx); err != nil {
		return m.validateFallback(ctx, dev, fmt.Sprintf("icmp: %v", err))
	}
	stats := pinger.Statistics()
	if stats.PacketsRecv == 0 {
		return m.validateFallback(ctx, dev, "icmp: no echo reply")
	}
	return probeResult{reachable: true, latency: stats.AvgRtt}
}

// validateFallback asks the device driver whether the management endpoint is
// reachable. A device type without a registered driver yields UNKNOWN rather
// than OFFLINE.
func (m *Monitor) validateFallback(ctx context.Context, dev inventory.Device, icmpDetail string) probeResult {
	if m.registry == nil {
		return probeResult{inconclusive: true, detail: icmpDetail}
	}
	drv, err := m.registry.Resolve(dev.Type)
	if err != nil {
		return probeResult{inconclusive: true, detail: icmpDetail + "; no driver for fallback"}
	}

	start := time.Now()
	if err := drv.Validate(ctx, dev); err != nil {
		return probeResult{reachable: false, detail: icmpDetail + "; validate: " + err.Error()}
	}
	return probeResult{reachable: true, latency: time.Since(start), detail: icmpDetail + "; reachable via management port"}
}
