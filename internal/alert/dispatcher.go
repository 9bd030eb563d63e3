package alert

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/calderos/netpilot/internal/engine"
	"github.com/calderos/netpilot/internal/event"
	"github.com/calderos/netpilot/internal/health"
	"github.com/calderos/netpilot/internal/metrics"
)

// Alert type keys. Cooldown windows are tracked per (device, type), so a
// device's offline alert never suppresses its low-balance alert.
const (
	TypeActionFailed = "action_failed"
	TypeHostOffline  = "host_offline"
	TypeHostOnline   = "host_online"
	TypeCompletion   = "completion"
	TypeLowBalance   = "low_balance"

	lowBalancePrefix = "low_balance_"
)

// Sender delivers a rendered notification.
type Sender interface {
	Send(ctx context.Context, text string) error
	Configured() bool
}

// Dispatcher turns run results and health transitions into notifications.
// Delivery failures are logged and counted, never propagated: a dropped
// message must not fail the run that produced it.
type Dispatcher struct {
	sink     Sender
	cooldown *Cooldown
	tiers    []Tier
	logger   *zap.Logger

	unsubscribe []func()
}

// NewDispatcher creates a Dispatcher. tiers must be sorted most severe
// first; nil selects the defaults.
func NewDispatcher(sink Sender, cooldown *Cooldown, tiers []Tier, logger *zap.Logger) *Dispatcher {
	if tiers == nil {
		tiers = DefaultTiers()
	}
	return &Dispatcher{
		sink:     sink,
		cooldown: cooldown,
		tiers:    tiers,
		logger:   logger,
	}
}

// Start subscribes the dispatcher to the event bus.
func (d *Dispatcher) Start(bus *event.Bus) {
	d.unsubscribe = append(d.unsubscribe,
		bus.Subscribe(event.TopicRunFinished, d.onRunFinished),
		bus.Subscribe(event.TopicHealthTransition, d.onHealthTransition),
	)
}

// Stop detaches the dispatcher from the bus.
func (d *Dispatcher) Stop() {
	for _, u := range d.unsubscribe {
		u()
	}
	d.unsubscribe = nil
}

// Cooldowns exposes the active suppression windows for diagnostics.
func (d *Dispatcher) Cooldowns() []CooldownEntry {
	return d.cooldown.Entries()
}

func (d *Dispatcher) onRunFinished(ctx context.Context, ev event.Event) {
	p, ok := ev.Payload.(engine.RunFinishedEvent)
	if !ok || !p.Final {
		return
	}

	switch p.Run.Status {
	case engine.StatusFailed:
		msg := fmt.Sprintf("❌ <b>%s</b>: %s failed (%s)\n%s",
			p.Device.Name, p.Run.ActionKey, p.Run.ErrorKind, p.Run.ErrorDetail)
		d.notify(ctx, p.Device.ID, p.Device.NotifyEnabled, TypeActionFailed, msg)

	case engine.StatusSuccess:
		if p.Run.Parsed != nil && p.Run.Parsed.LowBalance {
			msg := fmt.Sprintf("🚨 <b>%s</b>: carrier reports insufficient balance\n%s",
				p.Device.Name, describeParsed(p.Run))
			d.notify(ctx, p.Device.ID, p.Device.NotifyEnabled, TypeLowBalance, msg)
		}
		if tier := Evaluate(d.tiers, p.Run.Parsed); tier != nil {
			msg := fmt.Sprintf("⚠️ <b>%s</b>: balance alert [%s]\n%s",
				p.Device.Name, tier.Name, describeParsed(p.Run))
			d.notify(ctx, p.Device.ID, p.Device.NotifyEnabled, lowBalancePrefix+tier.Name, msg)
		}
		if p.Rule != nil && p.Rule.AlertOnCompletion {
			msg := fmt.Sprintf("✅ <b>%s</b>: %s completed\n%s",
				p.Device.Name, p.Run.ActionKey, describeParsed(p.Run))
			d.notify(ctx, p.Device.ID, p.Device.NotifyEnabled, TypeCompletion, msg)
		}
	}
}

func (d *Dispatcher) onHealthTransition(ctx context.Context, ev event.Event) {
	tr, ok := ev.Payload.(health.Transition)
	if !ok {
		return
	}

	switch {
	case tr.To == health.StateOffline:
		msg := fmt.Sprintf("🔴 <b>%s</b> (%s) is offline", tr.Device.Name, tr.Device.Address)
		if tr.Detail != "" {
			msg += "\n" + tr.Detail
		}
		d.notify(ctx, tr.Device.ID, tr.Device.NotifyEnabled, TypeHostOffline, msg)

	case tr.From == health.StateOffline && (tr.To == health.StateOnline || tr.To == health.StateWarning):
		msg := fmt.Sprintf("🟢 <b>%s</b> (%s) is back online", tr.Device.Name, tr.Device.Address)
		if tr.LatencyMs != nil {
			msg += fmt.Sprintf(" (%.0f ms)", *tr.LatencyMs)
		}
		d.notify(ctx, tr.Device.ID, tr.Device.NotifyEnabled, TypeHostOnline, msg)
	}
}

// notify applies the notification gates in order: per-device toggle, sink
// configuration, cooldown window, then delivery.
func (d *Dispatcher) notify(ctx context.Context, deviceID int64, notifyEnabled bool, alertType, msg string) {
	if !notifyEnabled {
		metrics.AlertsTotal.WithLabelValues("disabled").Inc()
		return
	}
	if !d.sink.Configured() {
		metrics.AlertsTotal.WithLabelValues("disabled").Inc()
		return
	}
	if !d.cooldown.Allow(deviceID, alertType) {
		metrics.AlertsTotal.WithLabelValues("suppressed").Inc()
		d.logger.Debug("alert suppressed by cooldown",
			zap.Int64("device_id", deviceID),
			zap.String("alert_type", alertType))
		return
	}

	if err := d.sink.Send(ctx, msg); err != nil {
		metrics.AlertsTotal.WithLabelValues("failed").Inc()
		d.logger.Warn("alert delivery failed",
			zap.Int64("device_id", deviceID),
			zap.String("alert_type", alertType),
			zap.Error(err))
		return
	}
	metrics.AlertsTotal.WithLabelValues("sent").Inc()
	d.logger.Info("alert sent",
		zap.Int64("device_id", deviceID),
		zap.String("alert_type", alertType))
}

// SendRaw delivers a message outside the per-device gates (daily summary).
func (d *Dispatcher) SendRaw(ctx context.Context, msg string) {
	if !d.sink.Configured() {
		metrics.AlertsTotal.WithLabelValues("disabled").Inc()
		return
	}
	if err := d.sink.Send(ctx, msg); err != nil {
		metrics.AlertsTotal.WithLabelValues("failed").Inc()
		d.logger.Warn("summary delivery failed", zap.Error(err))
		return
	}
	metrics.AlertsTotal.WithLabelValues("sent").Inc()
}

func describeParsed(run engine.Run) string {
	p := run.Parsed
	if p == nil {
		if run.Raw != "" {
			return run.Raw
		}
		return "(no parsed values)"
	}
	var parts []string
	if p.Balance != nil {
		parts = append(parts, fmt.Sprintf("balance %.2f", *p.Balance))
	}
	if p.DataMB != nil {
		parts = append(parts, fmt.Sprintf("data %.0f MB", *p.DataMB))
	}
	if p.ValidDays != nil {
		parts = append(parts, fmt.Sprintf("valid %d days", *p.ValidDays))
	}
	if len(parts) == 0 {
		return p.Message
	}
	return strings.Join(parts, ", ")
}
