package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/calderos/netpilot/internal/alert"
	"github.com/calderos/netpilot/internal/driver"
	"github.com/calderos/netpilot/internal/health"
	"github.com/calderos/netpilot/internal/inventory"
)

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		if err := s.deps.Ready(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready",
				"reason": err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// -- Devices --

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.deps.Inventory.ListDevices(r.Context(), false)
	if err != nil {
		s.logger.Error("list devices", zap.Error(err))
		InternalError(w, "failed to list devices", r.URL.Path)
		return
	}
	if devices == nil {
		devices = []inventory.Device{}
	}
	writeJSON(w, http.StatusOK, devices)
}

// deviceInput accepts a password on write without ever echoing it back.
type deviceInput struct {
	inventory.Device
	Password string `json:"password"`
}

func (s *Server) handleCreateDevice(w http.ResponseWriter, r *http.Request) {
	var in deviceInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		BadRequest(w, "invalid JSON body", r.URL.Path)
		return
	}
	dev := in.Device
	dev.Password = in.Password
	if err := s.validateDevice(&dev); err != nil {
		BadRequest(w, err.Error(), r.URL.Path)
		return
	}
	if err := s.deps.Inventory.InsertDevice(r.Context(), &dev); err != nil {
		s.logger.Error("create device", zap.Error(err))
		InternalError(w, "failed to create device", r.URL.Path)
		return
	}
	writeJSON(w, http.StatusCreated, dev)
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.loadDevice(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, dev)
}

func (s *Server) handleUpdateDevice(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.loadDevice(w, r)
	if !ok {
		return
	}
	in := deviceInput{Device: *dev, Password: dev.Password}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		BadRequest(w, "invalid JSON body", r.URL.Path)
		return
	}
	updated := in.Device
	updated.ID = dev.ID
	updated.Password = in.Password
	if err := s.validateDevice(&updated); err != nil {
		BadRequest(w, err.Error(), r.URL.Path)
		return
	}
	if err := s.deps.Inventory.UpdateDevice(r.Context(), &updated); err != nil {
		s.logger.Error("update device", zap.Error(err))
		InternalError(w, "failed to update device", r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.loadDevice(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	// Drop triggers and pending retries of the device's rules before the
	// cascade removes the rows.
	rules, err := s.deps.Inventory.ListRules(ctx, dev.ID)
	if err != nil {
		s.logger.Error("list rules for device delete", zap.Error(err))
		InternalError(w, "failed to delete device", r.URL.Path)
		return
	}
	for _, rule := range rules {
		s.deps.Scheduler.Remove(rule.ID)
		s.deps.Engine.CancelRetries(ctx, rule.ID)
	}
	s.deps.Monitor.Forget(dev.ID)
	if err := s.deps.Snapshots.Delete(ctx, dev.ID); err != nil {
		s.logger.Warn("delete health snapshot", zap.Error(err))
	}

	if err := s.deps.Inventory.DeleteDevice(ctx, dev.ID); err != nil {
		s.logger.Error("delete device", zap.Error(err))
		InternalError(w, "failed to delete device", r.URL.Path)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleExecuteNow(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.loadDevice(w, r)
	if !ok {
		return
	}
	var req struct {
		ActionKey string            `json:"action_key"`
		Params    map[string]string `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid JSON body", r.URL.Path)
		return
	}
	if req.ActionKey == "" {
		BadRequest(w, "action_key is required", r.URL.Path)
		return
	}

	run, err := s.deps.Engine.ExecuteNow(r.Context(), dev.ID, req.ActionKey, req.Params)
	if err != nil {
		s.logger.Error("execute now", zap.Error(err))
		InternalError(w, "failed to execute action", r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleDeviceHealth(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.loadDevice(w, r)
	if !ok {
		return
	}
	snap, err := s.deps.Snapshots.Get(r.Context(), dev.ID)
	if err != nil {
		s.logger.Error("get health snapshot", zap.Error(err))
		InternalError(w, "failed to read health", r.URL.Path)
		return
	}
	if snap == nil {
		snap = &health.Snapshot{DeviceID: dev.ID, State: health.StateUnknown}
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleDeviceActions(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.loadDevice(w, r)
	if !ok {
		return
	}
	drv, err := s.deps.Registry.Resolve(dev.Type)
	if err != nil {
		NotFound(w, fmt.Sprintf("no driver for device type %q", dev.Type), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, drv.SupportedActions())
}

// -- Rules --

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	deviceID, _ := strconv.ParseInt(r.URL.Query().Get("device_id"), 10, 64)
	rules, err := s.deps.Inventory.ListRules(r.Context(), deviceID)
	if err != nil {
		s.logger.Error("list rules", zap.Error(err))
		InternalError(w, "failed to list rules", r.URL.Path)
		return
	}
	if rules == nil {
		rules = []inventory.Rule{}
	}
	writeJSON(w, http.StatusOK, rules)
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var rule inventory.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		BadRequest(w, "invalid JSON body", r.URL.Path)
		return
	}
	if err := s.validateRule(r, &rule); err != nil {
		BadRequest(w, err.Error(), r.URL.Path)
		return
	}
	if err := s.deps.Inventory.InsertRule(r.Context(), &rule); err != nil {
		s.logger.Error("create rule", zap.Error(err))
		InternalError(w, "failed to create rule", r.URL.Path)
		return
	}
	s.deps.Scheduler.Reconcile(rule)
	writeJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, ok := s.loadRule(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	rule, ok := s.loadRule(w, r)
	if !ok {
		return
	}
	updated := *rule
	if err := json.NewDecoder(r.Body).Decode(&updated); err != nil {
		BadRequest(w, "invalid JSON body", r.URL.Path)
		return
	}
	updated.ID = rule.ID
	if err := s.validateRule(r, &updated); err != nil {
		BadRequest(w, err.Error(), r.URL.Path)
		return
	}
	if err := s.deps.Inventory.UpdateRule(r.Context(), &updated); err != nil {
		s.logger.Error("update rule", zap.Error(err))
		InternalError(w, "failed to update rule", r.URL.Path)
		return
	}
	if !updated.Enabled {
		s.deps.Engine.CancelRetries(r.Context(), updated.ID)
	}
	s.deps.Scheduler.Reconcile(updated)
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	rule, ok := s.loadRule(w, r)
	if !ok {
		return
	}
	s.deps.Scheduler.Remove(rule.ID)
	s.deps.Engine.CancelRetries(r.Context(), rule.ID)
	if err := s.deps.Inventory.DeleteRule(r.Context(), rule.ID); err != nil {
		s.logger.Error("delete rule", zap.Error(err))
		InternalError(w, "failed to delete rule", r.URL.Path)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// -- Runs, health, alerts, actions --

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	deviceID, _ := strconv.ParseInt(q.Get("device_id"), 10, 64)
	ruleID, _ := strconv.ParseInt(q.Get("rule_id"), 10, 64)
	limit, _ := strconv.Atoi(q.Get("limit"))

	runs, err := s.deps.Runs.ListRuns(r.Context(), deviceID, ruleID, limit)
	if err != nil {
		s.logger.Error("list runs", zap.Error(err))
		InternalError(w, "failed to list runs", r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleHealthStates(w http.ResponseWriter, r *http.Request) {
	snaps, err := s.deps.Snapshots.List(r.Context())
	if err != nil {
		s.logger.Error("list health snapshots", zap.Error(err))
		InternalError(w, "failed to read health", r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, snaps)
}

func (s *Server) handleCooldowns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	deviceID, _ := strconv.ParseInt(q.Get("device_id"), 10, 64)
	alertType := q.Get("alert_type")

	entries := s.deps.Dispatcher.Cooldowns()
	out := entries[:0]
	for _, e := range entries {
		if deviceID != 0 && e.DeviceID != deviceID {
			continue
		}
		if alertType != "" && e.AlertType != alertType {
			continue
		}
		out = append(out, e)
	}
	if out == nil {
		out = []alert.CooldownEntry{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleActions(w http.ResponseWriter, r *http.Request) {
	out := make(map[string][]string)
	for _, deviceType := range s.deps.Registry.Types() {
		drv, err := s.deps.Registry.Resolve(deviceType)
		if err != nil {
			continue
		}
		out[deviceType] = drv.SupportedActions()
	}
	writeJSON(w, http.StatusOK, out)
}

// -- helpers --

func (s *Server) loadDevice(w http.ResponseWriter, r *http.Request) (*inventory.Device, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		BadRequest(w, "invalid device id", r.URL.Path)
		return nil, false
	}
	dev, err := s.deps.Inventory.GetDevice(r.Context(), id)
	if err != nil {
		s.logger.Error("get device", zap.Error(err))
		InternalError(w, "failed to load device", r.URL.Path)
		return nil, false
	}
	if dev == nil {
		NotFound(w, fmt.Sprintf("device %d not found", id), r.URL.Path)
		return nil, false
	}
	return dev, true
}

func (s *Server) loadRule(w http.ResponseWriter, r *http.Request) (*inventory.Rule, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		BadRequest(w, "invalid rule id", r.URL.Path)
		return nil, false
	}
	rule, err := s.deps.Inventory.GetRule(r.Context(), id)
	if err != nil {
		s.logger.Error("get rule", zap.Error(err))
		InternalError(w, "failed to load rule", r.URL.Path)
		return nil, false
	}
	if rule == nil {
		NotFound(w, fmt.Sprintf("rule %d not found", id), r.URL.Path)
		return nil, false
	}
	return rule, true
}

func (s *Server) validateDevice(dev *inventory.Device) error {
	if dev.Name == "" {
		return fmt.Errorf("name is required")
	}
	if dev.Address == "" {
		return fmt.Errorf("address is required")
	}
	if dev.Type == "" {
		return fmt.Errorf("type is required")
	}
	if _, err := s.deps.Registry.Resolve(dev.Type); err != nil {
		return fmt.Errorf("unknown device type %q", dev.Type)
	}
	return nil
}

func (s *Server) validateRule(r *http.Request, rule *inventory.Rule) error {
	dev, err := s.deps.Inventory.GetDevice(r.Context(), rule.DeviceID)
	if err != nil {
		return fmt.Errorf("load device: %w", err)
	}
	if dev == nil {
		return fmt.Errorf("device %d not found", rule.DeviceID)
	}
	if rule.ActionKey == "" {
		return fmt.Errorf("action_key is required")
	}
	drv, err := s.deps.Registry.Resolve(dev.Type)
	if err != nil {
		return fmt.Errorf("unknown device type %q", dev.Type)
	}
	if !driver.Supports(drv, rule.ActionKey) {
		return fmt.Errorf("action %s not supported by device type %s", rule.ActionKey, dev.Type)
	}
	if rule.Timezone != "" {
		if _, err := time.LoadLocation(rule.Timezone); err != nil {
			return fmt.Errorf("unknown timezone %q", rule.Timezone)
		}
	}
	spec := rule.Schedule
	if rule.Timezone != "" {
		spec = "CRON_TZ=" + rule.Timezone + " " + spec
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid schedule %q: %v", rule.Schedule, err)
	}
	// Zero means the engine retry policy supplies the cap.
	if rule.MaxAttempts < 0 {
		return fmt.Errorf("max_attempts must not be negative")
	}
	if rule.RetryDelayMinutes < 0 {
		return fmt.Errorf("retry_delay_minutes must not be negative")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
