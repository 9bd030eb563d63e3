package alert

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/calderos/netpilot/internal/engine"
	"github.com/calderos/netpilot/internal/health"
	"github.com/calderos/netpilot/internal/inventory"
)

// SummaryBuilder renders the daily status digest: run outcomes over the
// last 24 hours and the devices currently offline.
type SummaryBuilder struct {
	runs   *engine.RunStore
	snaps  *health.Store
	inv    *inventory.Store
	logger *zap.Logger
}

// NewSummaryBuilder creates a SummaryBuilder.
func NewSummaryBuilder(runs *engine.RunStore, snaps *health.Store, inv *inventory.Store, logger *zap.Logger) *SummaryBuilder {
	return &SummaryBuilder{runs: runs, snaps: snaps, inv: inv, logger: logger}
}

// Build renders the digest.
func (b *SummaryBuilder) Build(ctx context.Context) (string, error) {
	since := time.Now().UTC().Add(-24 * time.Hour)

	succeeded, err := b.runs.CountByStatusSince(ctx, engine.StatusSuccess, since)
	if err != nil {
		return "", fmt.Errorf("count successes: %w", err)
	}
	failed, err := b.runs.CountByStatusSince(ctx, engine.StatusFailed, since)
	if err != nil {
		return "", fmt.Errorf("count failures: %w", err)
	}
	skipped, err := b.runs.CountByStatusSince(ctx, engine.StatusSkippedOverlap, since)
	if err != nil {
		return "", fmt.Errorf("count skips: %w", err)
	}

	devices, err := b.inv.ListDevices(ctx, false)
	if err != nil {
		return "", fmt.Errorf("list devices: %w", err)
	}
	names := make(map[int64]string, len(devices))
	for _, d := range devices {
		names[d.ID] = d.Name
	}

	snaps, err := b.snaps.List(ctx)
	if err != nil {
		return "", fmt.Errorf("list health snapshots: %w", err)
	}
	var offline []string
	for _, s := range snaps {
		if s.State == health.StateOffline {
			name := names[s.DeviceID]
			if name == "" {
				name = fmt.Sprintf("device %d", s.DeviceID)
			}
			offline = append(offline, name)
		}
	}

	var sb strings.Builder
	sb.WriteString("📊 <b>Daily summary</b>\n")
	fmt.Fprintf(&sb, "Devices: %d\n", len(devices))
	fmt.Fprintf(&sb, "Runs (24h): %d ok, %d failed, %d skipped\n", succeeded, failed, skipped)
	if len(offline) > 0 {
		fmt.Fprintf(&sb, "Offline: %s\n", strings.Join(offline, ", "))
	} else {
		sb.WriteString("Offline: none\n")
	}

	top, err := b.runs.TopFailingDevices(ctx, since, 5)
	if err != nil {
		return "", fmt.Errorf("top failing devices: %w", err)
	}
	if len(top) > 0 {
		sb.WriteString("Most failures:\n")
		for _, t := range top {
			name := names[t.DeviceID]
			if name == "" {
				name = fmt.Sprintf("device %d", t.DeviceID)
			}
			fmt.Fprintf(&sb, "  %s: %d\n", name, t.Count)
		}
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

// Job returns a closure suitable for the shared trigger set: it builds the
// digest and hands it to the dispatcher, bypassing per-device cooldowns.
func (b *SummaryBuilder) Job(d *Dispatcher) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		msg, err := b.Build(ctx)
		if err != nil {
			b.logger.Warn("build daily summary", zap.Error(err))
			return
		}
		d.SendRaw(ctx, msg)
	}
}
