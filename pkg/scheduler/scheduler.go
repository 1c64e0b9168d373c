package scheduler

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rackforge/foundry/pkg/errkind"
	"github.com/rackforge/foundry/pkg/events"
	"github.com/rackforge/foundry/pkg/log"
	"github.com/rackforge/foundry/pkg/planner"
	"github.com/rackforge/foundry/pkg/queue"
	"github.com/rackforge/foundry/pkg/storage"
	"github.com/rackforge/foundry/pkg/types"
	"github.com/rs/zerolog"
)

// Target is one host's slot in a plan start, dry-run or real.
type Target struct {
	HostID   string `json:"hostId"`
	RunID    string `json:"runId,omitempty"`
	JobID    string `json:"jobId,omitempty"`
	Existing bool   `json:"existing,omitempty"`
}

// StartResult is the outcome of starting (or dry-running) a plan.
type StartResult struct {
	PlanID  string   `json:"planId"`
	DryRun  bool     `json:"dryRun"`
	Targets []Target `json:"targets"`
}

// Scheduler expands plans into host-runs and feeds them to the queue.
// It also watches for plan completion across its runs.
type Scheduler struct {
	store  storage.Store
	queue  *queue.Queue
	broker *events.Broker
	logger zerolog.Logger

	mu        sync.Mutex
	announced map[string]bool // planID -> completion event published

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a scheduler. The broker is optional.
func New(store storage.Store, q *queue.Queue, broker *events.Broker) *Scheduler {
	return &Scheduler{
		store:     store,
		queue:     q,
		broker:    broker,
		logger:    log.WithComponent("scheduler"),
		announced: make(map[string]bool),
		stopCh:    make(chan struct{}),
	}
}

// validatePlan rejects a plan the state machine could never run.
func (s *Scheduler) validatePlan(plan *types.Plan) error {
	if !plan.Policy.UpdateMode.Valid() {
		return errkind.New(errkind.Validation,
			fmt.Sprintf("plan %s has invalid update mode %q", plan.ID, plan.Policy.UpdateMode))
	}
	if len(plan.Targets) == 0 {
		return errkind.New(errkind.Validation, fmt.Sprintf("plan %s has no target hosts", plan.ID))
	}
	switch plan.Policy.UpdateMode {
	case types.UpdateModeSpecificURL, types.UpdateModeMultipartFile:
		if err := planner.ValidateArtifacts(plan.Artifacts); err != nil {
			return err
		}
	}
	return nil
}

// StartPlan expands the plan into one host-run per target and enqueues
// each. Expansion is idempotent: a host already running (or already
// finished) under this plan keeps its existing run. With dryRun set,
// nothing is created; the result lists what would happen.
func (s *Scheduler) StartPlan(planID string, dryRun bool) (*StartResult, error) {
	plan, err := s.store.GetPlan(planID)
	if err != nil {
		return nil, err
	}
	if err := s.validatePlan(plan); err != nil {
		return nil, err
	}

	// Resolve every target before creating anything, so a typo'd host id
	// does not start half a fleet.
	hosts := make([]*types.Host, 0, len(plan.Targets))
	for _, hostID := range plan.Targets {
		host, err := s.store.GetHost(hostID)
		if err != nil {
			return nil, errkind.New(errkind.Validation,
				fmt.Sprintf("plan %s targets unknown host %q", plan.ID, hostID))
		}
		hosts = append(hosts, host)
	}

	result := &StartResult{PlanID: plan.ID, DryRun: dryRun}
	if dryRun {
		for _, host := range hosts {
			t := Target{HostID: host.ID}
			if existing, err := s.store.GetRunByJobID(jobID(plan.ID, host.ID)); err == nil && existing != nil {
				t.RunID = existing.ID
				t.Existing = true
			}
			result.Targets = append(result.Targets, t)
		}
		return result, nil
	}

	for _, host := range hosts {
		target, err := s.startHost(plan, host)
		if err != nil {
			return nil, err
		}
		result.Targets = append(result.Targets, *target)
	}

	s.mu.Lock()
	delete(s.announced, plan.ID)
	s.mu.Unlock()

	s.publish(events.EventPlanStarted, plan.ID, "",
		fmt.Sprintf("plan expanded to %d host-runs", len(result.Targets)))
	s.logger.Info().Str("plan", plan.ID).Int("targets", len(result.Targets)).Msg("Plan started")
	return result, nil
}

func jobID(planID, hostID string) string {
	return fmt.Sprintf("plan:%s:host:%s", planID, hostID)
}

func (s *Scheduler) startHost(plan *types.Plan, host *types.Host) (*Target, error) {
	if existing, err := s.store.GetRunByJobID(jobID(plan.ID, host.ID)); err == nil && existing != nil {
		// Re-enqueue is a no-op for a live job and a no-op for a
		// terminal run, whose job is already gone.
		if !existing.State.Terminal() {
			if _, _, err := s.queue.Enqueue(existing); err != nil {
				return nil, err
			}
		}
		return &Target{HostID: host.ID, RunID: existing.ID, JobID: existing.JobID(), Existing: true}, nil
	}

	run := &types.HostRun{
		ID:     uuid.New().String(),
		PlanID: plan.ID,
		HostID: host.ID,
		State:  types.StatePrechecks,
	}
	if err := s.store.CreateRun(run); err != nil {
		return nil, errkind.Wrap(errkind.Dependency, err)
	}
	if _, _, err := s.queue.Enqueue(run); err != nil {
		return nil, err
	}
	return &Target{HostID: host.ID, RunID: run.ID, JobID: run.JobID()}, nil
}

// PlanStatus summarizes a plan's runs by state.
type PlanStatus struct {
	Plan     *types.Plan      `json:"plan"`
	Runs     []*types.HostRun `json:"runs"`
	Counts   map[string]int   `json:"counts"`
	Complete bool             `json:"complete"`
}

// Status reports the plan and every host-run under it.
func (s *Scheduler) Status(planID string) (*PlanStatus, error) {
	plan, err := s.store.GetPlan(planID)
	if err != nil {
		return nil, err
	}
	runs, err := s.store.ListRunsByPlan(planID)
	if err != nil {
		return nil, err
	}

	status := &PlanStatus{Plan: plan, Runs: runs, Counts: make(map[string]int), Complete: len(runs) > 0}
	for _, run := range runs {
		status.Counts[string(run.State)]++
		if !run.State.Terminal() {
			status.Complete = false
		}
	}
	return status, nil
}

// Start launches the completion watcher.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.watchLoop()
}

// Stop stops the watcher.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Scheduler) watchLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.checkCompletions()
		}
	}
}

// checkCompletions publishes plan.completed once per plan whose runs
// have all landed.
func (s *Scheduler) checkCompletions() {
	plans, err := s.store.ListPlans()
	if err != nil {
		return
	}
	for _, plan := range plans {
		s.mu.Lock()
		done := s.announced[plan.ID]
		s.mu.Unlock()
		if done {
			continue
		}

		status, err := s.Status(plan.ID)
		if err != nil || !status.Complete {
			continue
		}

		s.mu.Lock()
		s.announced[plan.ID] = true
		s.mu.Unlock()
		s.publish(events.EventPlanCompleted, plan.ID, "",
			fmt.Sprintf("all %d host-runs terminal", len(status.Runs)))
		s.logger.Info().Str("plan", plan.ID).Msg("Plan completed")
	}
}

func (s *Scheduler) publish(t events.EventType, planID, hostID, msg string) {
	if s.broker == nil {
		return
	}
	s.broker.Publish(&events.Event{Type: t, PlanID: planID, HostID: hostID, Message: msg})
}
