package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/calderos/netpilot/internal/inventory"
)

// RuleRunner starts one scheduled invocation of a rule.
type RuleRunner interface {
	RunScheduled(ctx context.Context, ruleID int64)
}

// Scheduler owns the shared cron trigger set: one entry per enabled rule,
// plus fixed entries registered by other components (health polling, daily
// summary). Per-rule timezones apply through a CRON_TZ prefix; everything
// else evaluates in the scheduler's local time.
type Scheduler struct {
	cron   *cron.Cron
	runner RuleRunner
	inv    *inventory.Store
	logger *zap.Logger
	sem    chan struct{} // bounds concurrent rule executions

	mu      sync.Mutex
	entries map[int64]cron.EntryID
	jobs    map[string]cron.EntryID
}

// NewScheduler creates a Scheduler. workers bounds how many rule invocations
// may execute at once; zero or negative selects 8. Nothing is registered
// until Reconcile runs.
func NewScheduler(runner RuleRunner, inv *inventory.Store, workers int, logger *zap.Logger) *Scheduler {
	if workers <= 0 {
		workers = 8
	}
	return &Scheduler{
		cron:    cron.New(),
		runner:  runner,
		inv:     inv,
		logger:  logger,
		sem:     make(chan struct{}, workers),
		entries: make(map[int64]cron.EntryID),
		jobs:    make(map[string]cron.EntryID),
	}
}

// Start begins firing triggers.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the trigger set and waits for running jobs to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// ReconcileAll rebuilds rule triggers from persisted rules. Called once at
// startup so enabled rules resume without manual re-registration.
func (s *Scheduler) ReconcileAll(ctx context.Context) error {
	rules, err := s.inv.ListEnabledRules(ctx)
	if err != nil {
		return fmt.Errorf("list rules for reconcile: %w", err)
	}
	for _, rule := range rules {
		s.Reconcile(rule)
	}
	s.logger.Info("schedule triggers reconciled", zap.Int("rules", len(rules)))
	return nil
}

// Reconcile registers or replaces a rule's trigger. The swap is atomic with
// respect to other trigger mutations: a rule never holds two live entries.
// A disabled rule's trigger is removed. Invalid cron expressions are logged
// and the rule is left without a trigger.
func (s *Scheduler) Reconcile(rule inventory.Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.entries[rule.ID]; ok {
		s.cron.Remove(id)
		delete(s.entries, rule.ID)
	}
	if !rule.Enabled {
		return
	}

	ruleID := rule.ID
	id, err := s.cron.AddFunc(cronSpec(rule), func() {
		s.sem <- struct{}{}
		defer func() { <-s.sem }()
		s.runner.RunScheduled(context.Background(), ruleID)
	})
	if err != nil {
		s.logger.Error("invalid schedule expression, rule will not fire",
			zap.Int64("rule_id", rule.ID),
			zap.String("schedule", rule.Schedule),
			zap.String("timezone", rule.Timezone),
			zap.Error(err))
		return
	}
	s.entries[rule.ID] = id
	s.logger.Debug("trigger registered",
		zap.Int64("rule_id", rule.ID),
		zap.String("schedule", rule.Schedule))
}

// Remove drops a rule's trigger. In-flight runs are unaffected.
func (s *Scheduler) Remove(ruleID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[ruleID]; ok {
		s.cron.Remove(id)
		delete(s.entries, ruleID)
	}
}

// ReconcileJob registers or replaces a named fixed job (daily summary) on the
// shared trigger set, under the same single-active-trigger rule as schedule
// entries: re-registering a name swaps its entry, never duplicates it. spec
// accepts the same syntax as rule schedules, including descriptors like
// "@every 5m".
func (s *Scheduler) ReconcileJob(name, spec string, job func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.jobs[name]; ok {
		s.cron.Remove(id)
		delete(s.jobs, name)
	}
	id, err := s.cron.AddFunc(spec, job)
	if err != nil {
		return fmt.Errorf("add job %q (%q): %w", name, spec, err)
	}
	s.jobs[name] = id
	return nil
}

// RemoveJob drops a named fixed job.
func (s *Scheduler) RemoveJob(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.jobs[name]; ok {
		s.cron.Remove(id)
		delete(s.jobs, name)
	}
}

// EntryCount reports the number of live rule triggers.
func (s *Scheduler) EntryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// HasJob reports whether a named fixed job is registered.
func (s *Scheduler) HasJob(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[name]
	return ok
}

// HasTrigger reports whether a rule currently holds a trigger.
func (s *Scheduler) HasTrigger(ruleID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[ruleID]
	return ok
}

func cronSpec(rule inventory.Rule) string {
	if rule.Timezone == "" {
		return rule.Schedule
	}
	return "CRON_TZ=" + rule.Timezone + " " + rule.Schedule
}
