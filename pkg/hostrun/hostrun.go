package hostrun

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rackforge/foundry/pkg/credentials"
	"github.com/rackforge/foundry/pkg/errkind"
	"github.com/rackforge/foundry/pkg/events"
	"github.com/rackforge/foundry/pkg/hypervisor"
	"github.com/rackforge/foundry/pkg/log"
	"github.com/rackforge/foundry/pkg/metrics"
	"github.com/rackforge/foundry/pkg/protocol"
	"github.com/rackforge/foundry/pkg/storage"
	"github.com/rackforge/foundry/pkg/taskpoll"
	"github.com/rackforge/foundry/pkg/types"
	"github.com/rs/zerolog"
)

// Comeback policy after an out-of-band racadm repository update: the
// iDRAC restarts its web server mid-update, so the machine waits for a
// healthy probe before declaring the apply phase finished.
const (
	comebackTimeout  = 10 * time.Minute
	comebackInterval = 15 * time.Second
)

// Config wires the state machine's collaborators.
type Config struct {
	Store       storage.Store
	Credentials *credentials.Resolver
	// CredBackend is the resolver prefix ("env", "vault", "db") used to
	// build credential references for hosts.
	CredBackend string
	Poller      *taskpoll.Poller
	Broker      *events.Broker
	Insecure    bool
}

// inventoryPoller is the slice of the task poller the machine consumes.
type inventoryPoller interface {
	PollTask(ctx context.Context, host types.Host, creds types.Credentials, opts taskpoll.Options) (types.TaskObservation, error)
	CollectInventory(ctx context.Context, host types.Host, creds types.Credentials) ([]types.InventoryItem, error)
}

// Machine drives one HostRun through the state graph. A fresh protocol
// manager is scoped to each Execute call so detection caches never
// outlive a run.
type Machine struct {
	cfg    Config
	poller inventoryPoller
	logger zerolog.Logger

	// Factories and timers are swappable for tests.
	newManager    func() *protocol.Manager
	newHypervisor func(credentials.HypervisorCreds) hypervisor.Client
	sleep         func(ctx context.Context, d time.Duration) error
	now           func() time.Time
}

// New creates a state machine over the given collaborators.
func New(cfg Config) *Machine {
	if cfg.CredBackend == "" {
		cfg.CredBackend = "env"
	}
	if cfg.Poller == nil {
		cfg.Poller = taskpoll.New(cfg.Insecure)
	}
	return &Machine{
		cfg:    cfg,
		poller: cfg.Poller,
		logger: log.WithComponent("hostrun"),
		newManager: func() *protocol.Manager {
			return protocol.NewManager(protocol.DefaultClients(cfg.Insecure), 0, protocol.DefaultRetryPolicy())
		},
		newHypervisor: func(hc credentials.HypervisorCreds) hypervisor.Client {
			return hypervisor.NewRESTClient(hc, cfg.Insecure)
		},
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		},
		now: time.Now,
	}
}

// execution carries the per-run collaborators and loaded records.
type execution struct {
	run     *types.HostRun
	plan    *types.Plan
	host    *types.Host
	creds   types.Credentials
	manager *protocol.Manager
	logger  zerolog.Logger
}

// Execute drives the run to a terminal state. It resumes from the
// persisted state on re-entry, so a reclaimed job does not repeat work
// that already completed. The returned error is nil for DONE and the
// classified failure for ERROR.
func (m *Machine) Execute(ctx context.Context, run *types.HostRun) error {
	plan, err := m.cfg.Store.GetPlan(run.PlanID)
	if err != nil {
		return m.fail(run, errkind.Wrap(errkind.Dependency, err))
	}
	host, err := m.cfg.Store.GetHost(run.HostID)
	if err != nil {
		return m.fail(run, errkind.Wrap(errkind.Dependency, err))
	}

	creds, err := m.cfg.Credentials.GetManagementCreds(ctx, m.cfg.CredBackend+":"+host.ID)
	if err != nil {
		return m.fail(run, err)
	}
	defer creds.Zero()

	ex := &execution{
		run:     run,
		plan:    plan,
		host:    host,
		creds:   creds,
		manager: m.newManager(),
		logger: m.logger.With().
			Str("run", run.ID).
			Str("host", host.ID).
			Str("plan", plan.ID).
			Logger(),
	}

	if run.StartedAt.IsZero() {
		run.StartedAt = m.now()
	}
	if run.State == "" {
		run.State = types.StatePrechecks
	}
	m.publish(events.EventRunStarted, run, "host-run started")

	for !run.State.Terminal() {
		// Cancellation is observed at state boundaries only; an in-flight
		// iDRAC task is never aborted from here. Maintenance exit is
		// still attempted so a cancelled run does not strand the host
		// evacuated.
		if err := ctx.Err(); err != nil {
			m.bestEffortExit(ctx, ex)
			return m.fail(run, errkind.Wrap(errkind.Cancelled, err))
		}

		var err error
		switch run.State {
		case types.StatePrechecks:
			err = m.prechecks(ctx, ex)
		case types.StateEnterMaint:
			err = m.enterMaintenance(ctx, ex)
		case types.StateApply:
			err = m.apply(ctx, ex)
		case types.StateReboot:
			err = m.reboot(ctx, ex)
		case types.StatePostchecks:
			err = m.postchecks(ctx, ex)
		case types.StateExitMaint:
			err = m.exitMaintenance(ctx, ex)
		default:
			err = errkind.New(errkind.Validation, fmt.Sprintf("unknown run state %q", run.State))
		}
		if err != nil {
			// Exit maintenance is best effort even on failure, so a host
			// is not stranded evacuated after a broken firmware push.
			m.bestEffortExit(ctx, ex)
			return m.fail(run, err)
		}
	}

	return nil
}

// transition advances the run and persists state plus context in one
// write. A crash leaves the run either before or after the transition,
// never in between.
func (m *Machine) transition(ex *execution, next types.RunState) error {
	prev := ex.run.State
	ex.run.State = next
	if next.Terminal() {
		now := m.now()
		ex.run.FinishedAt = &now
	}
	if err := m.cfg.Store.UpdateRun(ex.run); err != nil {
		return errkind.Wrap(errkind.Dependency, err)
	}
	ex.logger.Info().
		Str("from", string(prev)).
		Str("to", string(next)).
		Msg("Run state changed")
	m.publish(events.EventRunStateChanged, ex.run, fmt.Sprintf("%s -> %s", prev, next))
	return nil
}

func (m *Machine) persist(run *types.HostRun) {
	if err := m.cfg.Store.UpdateRun(run); err != nil {
		m.logger.Error().Err(err).Str("run", run.ID).Msg("Failed to persist run context")
	}
}

// fail records the classified error and lands the run in ERROR.
func (m *Machine) fail(run *types.HostRun, err error) error {
	run.Ctx.Error = &types.RunError{
		Message:        err.Error(),
		Classification: string(errkind.Classify(err)),
		State:          string(run.State),
	}
	var ke *errkind.Error
	if errors.As(err, &ke) && ke.Component != "" {
		run.Ctx.Error.Component = ke.Component
	}
	run.Error = err.Error()
	run.State = types.StateError
	now := m.now()
	run.FinishedAt = &now
	m.persist(run)

	metrics.RunDuration.WithLabelValues(string(types.StateError)).Observe(now.Sub(run.StartedAt).Seconds())
	if errkind.IsCancelled(err) {
		m.publish(events.EventRunCancelled, run, err.Error())
	} else {
		m.publish(events.EventRunFailed, run, err.Error())
	}
	return err
}

func (m *Machine) publish(t events.EventType, run *types.HostRun, msg string) {
	if m.cfg.Broker == nil {
		return
	}
	m.cfg.Broker.Publish(&events.Event{
		Type:    t,
		Message: msg,
		PlanID:  run.PlanID,
		HostID:  run.HostID,
		RunID:   run.ID,
	})
}

func (m *Machine) progress(run *types.HostRun, t types.EventType, phase, component, msg string, percent int) {
	run.Ctx.Progress = append(run.Ctx.Progress, types.ProgressEvent{
		Type:      t,
		Message:   msg,
		Phase:     phase,
		Component: component,
		Percent:   percent,
		Timestamp: m.now(),
	})
	m.publish(events.EventRunProgress, run, msg)
}

func (m *Machine) warn(run *types.HostRun, msg string) {
	run.Ctx.Warnings = append(run.Ctx.Warnings, msg)
	m.progress(run, types.EventWarning, string(run.State), "", msg, 0)
}

// requiredModes maps the plan's update mode to the client-advertised
// capabilities that can execute it.
func requiredModes(mode types.UpdateMode) []string {
	switch mode {
	case types.UpdateModeLatestFromCatalog:
		return []string{protocol.ModeInstallFromRepo, protocol.ModeRepositoryAuto}
	case types.UpdateModeSpecificURL:
		return []string{protocol.ModeSimpleUpdate}
	case types.UpdateModeMultipartFile:
		return []string{protocol.ModeMultipartUpdate}
	}
	return nil
}

// prechecks detects protocols, records capabilities, and verifies the
// plan's update mode has at least one candidate that can execute it.
func (m *Machine) prechecks(ctx context.Context, ex *execution) error {
	run := ex.run
	if !ex.plan.Policy.UpdateMode.Valid() {
		return errkind.New(errkind.Validation,
			fmt.Sprintf("plan %s has invalid update mode %q", ex.plan.ID, ex.plan.Policy.UpdateMode))
	}

	res, err := ex.manager.Detect(ctx, *ex.host, ex.creds)
	if err != nil {
		return err
	}

	run.Ctx.ManagementKind = res.Healthiest
	run.Ctx.Capabilities = make(map[string]bool, len(res.CapabilityMap))
	for proto, cap := range res.CapabilityMap {
		run.Ctx.Capabilities[proto] = cap.Supported
		metrics.ProtocolDetections.WithLabelValues(proto, fmt.Sprintf("%t", cap.Supported)).Inc()
	}
	m.publish(events.EventProtocolDetected, run, "healthiest protocol: "+res.Healthiest)

	// Keep the host record's hardware facts fresh from the best probe.
	if best, ok := res.CapabilityMap[res.Healthiest]; ok {
		changed := false
		if best.Model != "" && best.Model != ex.host.Model {
			ex.host.Model = best.Model
			changed = true
		}
		if best.Generation != "" && best.Generation != types.GenerationUnknown && best.Generation != ex.host.Generation {
			ex.host.Generation = best.Generation
			changed = true
		}
		if best.ServiceTag != "" && best.ServiceTag != ex.host.ServiceTag {
			ex.host.ServiceTag = best.ServiceTag
			changed = true
		}
		if changed {
			if err := m.cfg.Store.UpdateHost(ex.host); err != nil {
				m.warn(run, "could not refresh host record: "+err.Error())
			}
		}
	}

	wanted := requiredModes(ex.plan.Policy.UpdateMode)
	supported := false
	for _, cand := range res.Candidates {
		for _, have := range cand.UpdateModes {
			for _, want := range wanted {
				if have == want {
					supported = true
				}
			}
		}
	}
	if !supported {
		return errkind.New(errkind.Validation,
			fmt.Sprintf("no detected protocol supports update mode %s on host %s",
				ex.plan.Policy.UpdateMode, ex.host.ID)).
			WithContext(ex.host.ID, res.Healthiest, "")
	}

	m.progress(run, types.EventInfo, string(types.StatePrechecks), "",
		fmt.Sprintf("prechecks passed via %s (%d candidate protocols)", res.Healthiest, len(res.Candidates)), 0)
	return m.transition(ex, types.StateEnterMaint)
}

func (m *Machine) maintenanceTimeout(plan *types.Plan) time.Duration {
	if plan.Policy.MaintenanceTimeoutMinutes > 0 {
		return time.Duration(plan.Policy.MaintenanceTimeoutMinutes) * time.Minute
	}
	return hypervisor.DefaultMaintenanceTimeout
}

// enterMaintenance evacuates the host when it carries a hypervisor
// reference; standalone hosts skip straight to APPLY. A failed
// evacuation fails the run: firmware is never pushed under live guests.
func (m *Machine) enterMaintenance(ctx context.Context, ex *execution) error {
	run := ex.run
	if ex.host.HypervisorRef == "" {
		m.progress(run, types.EventInfo, string(types.StateEnterMaint), "",
			"no hypervisor reference, skipping maintenance", 0)
		return m.transition(ex, types.StateApply)
	}

	hc, err := m.cfg.Credentials.GetHypervisorCreds(ctx, m.cfg.CredBackend+":"+ex.host.ID, ex.host.HypervisorRef)
	if err != nil {
		return err
	}
	defer hc.Credentials.Zero()

	hv := m.newHypervisor(hc)
	hostRef := ex.host.HostRef
	if hostRef == "" {
		hostRef = ex.host.ID
	}
	err = hv.EnterMaintenance(ctx, hostRef, hypervisor.MaintenanceOptions{
		EvacuatePoweredOff: true,
		Timeout:            m.maintenanceTimeout(ex.plan),
	})
	if err != nil {
		return err
	}

	run.Ctx.Maintenance = &types.MaintenanceInfo{Entered: true}
	m.publish(events.EventMaintenanceEnter, run, "host in maintenance mode")
	m.progress(run, types.EventInfo, string(types.StateEnterMaint), "", "entered maintenance mode", 0)
	return m.transition(ex, types.StateApply)
}

// apply branches on the plan's update mode. The baseline inventory is
// collected once so postchecks can diff against it.
func (m *Machine) apply(ctx context.Context, ex *execution) error {
	run := ex.run

	baseline, err := m.poller.CollectInventory(ctx, *ex.host, ex.creds)
	if err != nil {
		m.warn(run, "baseline inventory unavailable: "+err.Error())
	} else if run.Ctx.Inventory == nil {
		run.Ctx.Inventory = &types.InventoryDiff{Before: baseline}
	}
	m.persist(run)

	switch ex.plan.Policy.UpdateMode {
	case types.UpdateModeLatestFromCatalog:
		err = m.applyRepository(ctx, ex, baseline)
	case types.UpdateModeSpecificURL, types.UpdateModeMultipartFile:
		err = m.applyArtifacts(ctx, ex, baseline)
	default:
		err = errkind.New(errkind.Validation,
			fmt.Sprintf("unknown update mode %q", ex.plan.Policy.UpdateMode))
	}
	if err != nil {
		return err
	}
	return m.transition(ex, types.StateReboot)
}

// applyRepository submits a whole-repository update. Redfish
// InstallFromRepository is preferred; the protocol manager falls back to
// racadm when the Dell OEM action is absent. A racadm submission gives
// no task monitor, so the machine instead waits for the iDRAC to come
// back healthy.
func (m *Machine) applyRepository(ctx context.Context, ex *execution, baseline []types.InventoryItem) error {
	run := ex.run
	repoURL := ex.plan.Policy.CatalogURL
	if ex.plan.Policy.CustomRepositoryPath != "" {
		repoURL = ex.plan.Policy.CustomRepositoryPath
	}

	resp, err := ex.manager.RunUpdate(ctx, protocol.UpdateRequest{
		Host:          *ex.host,
		Credentials:   ex.creds,
		Mode:          types.UpdateModeLatestFromCatalog,
		RepositoryURL: repoURL,
		InstallUpon:   ex.plan.Policy.InstallUpon,
	})
	metrics.UpdatesSubmitted.WithLabelValues(resp.Protocol, string(resp.Status)).Inc()
	if err != nil {
		return err
	}

	m.publish(events.EventFirmwareQueued, run, "repository update queued via "+resp.Protocol)
	m.progress(run, types.EventInfo, string(types.StateApply), "",
		fmt.Sprintf("repository update queued via %s (job %s)", resp.Protocol, resp.JobID), 0)

	result := types.ComponentResult{Component: "repository"}
	if resp.TaskLocation != "" {
		obs, err := m.watchTask(ctx, ex, resp.TaskLocation, "", baseline)
		result.Task = &obs
		run.Ctx.Results = append(run.Ctx.Results, result)
		m.persist(run)
		if err != nil {
			return err
		}
		if obs.State != types.TaskCompleted {
			return errkind.New(errkind.ProtocolError,
				fmt.Sprintf("repository update task ended %s: %v", obs.State, obs.Messages)).
				WithContext(ex.host.ID, resp.Protocol, "")
		}
		return nil
	}

	// Out-of-band path: no task monitor to watch.
	if err := m.waitForComeback(ctx, ex); err != nil {
		return err
	}
	result.Task = &types.TaskObservation{State: types.TaskCompleted, Messages: resp.Messages}
	run.Ctx.Results = append(run.Ctx.Results, result)
	m.persist(run)
	return nil
}

// applyArtifacts pushes the plan's artifacts one at a time in sequence
// order, watching each task to completion. Components already recorded
// in ctx.results are skipped, so a resumed run never re-flashes.
func (m *Machine) applyArtifacts(ctx context.Context, ex *execution, baseline []types.InventoryItem) error {
	run := ex.run
	done := make(map[string]bool, len(run.Ctx.Results))
	for _, r := range run.Ctx.Results {
		if r.Task != nil && r.Task.State == types.TaskCompleted {
			done[r.Component] = true
		}
	}

	for _, artifact := range ex.plan.Artifacts {
		if done[artifact.Component] {
			m.progress(run, types.EventInfo, string(types.StateApply), artifact.Component,
				"already applied in a previous attempt, skipping", 0)
			continue
		}
		if err := ctx.Err(); err != nil {
			return errkind.Wrap(errkind.Cancelled, err)
		}

		installUpon := artifact.InstallUpon
		if installUpon == "" {
			installUpon = ex.plan.Policy.InstallUpon
		}
		resp, err := ex.manager.RunUpdate(ctx, protocol.UpdateRequest{
			Host:        *ex.host,
			Credentials: ex.creds,
			Mode:        ex.plan.Policy.UpdateMode,
			Artifact:    artifact,
			Targets:     ex.plan.Policy.Targets,
			InstallUpon: installUpon,
		})
		metrics.UpdatesSubmitted.WithLabelValues(resp.Protocol, string(resp.Status)).Inc()
		if err != nil {
			return err
		}

		m.publish(events.EventFirmwareQueued, run, artifact.Component+" queued via "+resp.Protocol)
		result := types.ComponentResult{Component: artifact.Component, ImageURI: artifact.ImageURI}

		if resp.TaskLocation != "" {
			obs, err := m.watchTask(ctx, ex, resp.TaskLocation, artifact.Component, baseline)
			result.Task = &obs
			run.Ctx.Results = append(run.Ctx.Results, result)
			m.persist(run)
			if err != nil {
				return err
			}
			if obs.State != types.TaskCompleted {
				return errkind.New(errkind.ProtocolError,
					fmt.Sprintf("%s update task ended %s: %v", artifact.Component, obs.State, obs.Messages)).
					WithContext(ex.host.ID, resp.Protocol, artifact.Component)
			}
		} else {
			result.Task = &types.TaskObservation{State: types.TaskCompleted, Messages: resp.Messages}
			run.Ctx.Results = append(run.Ctx.Results, result)
			m.persist(run)
		}
		m.publish(events.EventFirmwareCompleted, run, artifact.Component+" update completed")
	}
	return nil
}

// watchTask polls one task monitor, streaming progress into the run
// context as it arrives.
func (m *Machine) watchTask(ctx context.Context, ex *execution, location, component string, baseline []types.InventoryItem) (types.TaskObservation, error) {
	run := ex.run
	timer := metrics.NewTimer()
	obs, err := m.poller.PollTask(ctx, *ex.host, ex.creds, taskpoll.Options{
		TaskLocation: location,
		Baseline:     baseline,
		OnEvent: func(ev types.ProgressEvent) {
			ev.Phase = string(types.StateApply)
			if ev.Component == "" {
				ev.Component = component
			}
			run.Ctx.Progress = append(run.Ctx.Progress, ev)
			m.publish(events.EventRunProgress, run, ev.Message)
		},
	})
	timer.ObserveDuration(metrics.TaskPollDuration)
	return obs, err
}

// waitForComeback polls protocol health until the iDRAC answers again.
func (m *Machine) waitForComeback(ctx context.Context, ex *execution) error {
	deadline := m.now().Add(comebackTimeout)
	for {
		if err := ctx.Err(); err != nil {
			return errkind.Wrap(errkind.Cancelled, err)
		}
		reports := ex.manager.HealthCheckAll(ctx, *ex.host, ex.creds)
		for _, r := range reports {
			if r.Status == types.HealthHealthy {
				m.progress(ex.run, types.EventInfo, string(types.StateApply), "",
					"management controller back after repository update ("+r.Protocol+")", 0)
				return nil
			}
		}
		if m.now().After(deadline) {
			return errkind.New(errkind.Timeout,
				"management controller did not come back after repository update").
				WithContext(ex.host.ID, "", "")
		}
		if err := m.sleep(ctx, comebackInterval); err != nil {
			return errkind.Wrap(errkind.Cancelled, err)
		}
	}
}

// needsReset reports whether any applied artifact was staged for a reset
// rather than installed immediately.
func needsReset(plan *types.Plan) bool {
	staged := func(u types.InstallUpon) bool {
		return u == types.InstallOnReset || u == types.InstallNextReboot
	}
	if staged(plan.Policy.InstallUpon) {
		return true
	}
	for _, a := range plan.Artifacts {
		if staged(a.InstallUpon) {
			return true
		}
	}
	return false
}

// reboot power-cycles the host when staged installs require it. Hosts
// whose updates were all immediate pass through as a marker state.
func (m *Machine) reboot(ctx context.Context, ex *execution) error {
	run := ex.run
	if !needsReset(ex.plan) {
		m.progress(run, types.EventInfo, string(types.StateReboot), "",
			"all installs immediate, no reset required", 0)
		return m.transition(ex, types.StatePostchecks)
	}

	pc := ex.manager.PowerControllerFor(ex.host.ID)
	if pc == nil {
		m.warn(run, "staged installs pending but no power-capable protocol; relying on controller-scheduled reset")
		return m.transition(ex, types.StatePostchecks)
	}
	if err := pc.PowerCycle(ctx, *ex.host, ex.creds); err != nil {
		return err
	}
	m.progress(run, types.EventInfo, string(types.StateReboot), "", "power cycle issued", 0)

	// The controller drops off the network during POST.
	if err := m.waitForComeback(ctx, ex); err != nil {
		return err
	}
	return m.transition(ex, types.StatePostchecks)
}

// postchecks re-reads the firmware inventory and records the diff
// against the apply-time baseline.
func (m *Machine) postchecks(ctx context.Context, ex *execution) error {
	run := ex.run
	after, err := m.poller.CollectInventory(ctx, *ex.host, ex.creds)
	if err != nil {
		m.warn(run, "post-update inventory unavailable: "+err.Error())
	} else if run.Ctx.Inventory != nil {
		diff := taskpoll.DiffInventories(run.Ctx.Inventory.Before, after)
		run.Ctx.Inventory = &diff
		m.progress(run, types.EventInfo, string(types.StatePostchecks), "",
			fmt.Sprintf("inventory diff: %d changed, %d added, %d removed",
				len(diff.VersionChanged), len(diff.Added), len(diff.Removed)), 0)
	} else {
		run.Ctx.Inventory = &types.InventoryDiff{After: after}
	}
	return m.transition(ex, types.StateExitMaint)
}

// exitMaintenance is best effort: a failure is recorded as a warning and
// the run still completes, because the firmware work already succeeded.
func (m *Machine) exitMaintenance(ctx context.Context, ex *execution) error {
	run := ex.run
	if run.Ctx.Maintenance != nil && run.Ctx.Maintenance.Entered && !run.Ctx.Maintenance.Exited {
		if err := m.doExitMaintenance(ctx, ex); err != nil {
			run.Ctx.Maintenance.ExitError = err.Error()
			m.warn(run, "failed to exit maintenance mode: "+err.Error())
		} else {
			run.Ctx.Maintenance.Exited = true
			m.publish(events.EventMaintenanceExit, run, "host out of maintenance mode")
		}
	}

	if err := m.transition(ex, types.StateDone); err != nil {
		return err
	}
	metrics.RunDuration.WithLabelValues(string(types.StateDone)).Observe(m.now().Sub(run.StartedAt).Seconds())
	m.publish(events.EventRunCompleted, run, "host-run completed")
	return nil
}

func (m *Machine) doExitMaintenance(ctx context.Context, ex *execution) error {
	hc, err := m.cfg.Credentials.GetHypervisorCreds(ctx, m.cfg.CredBackend+":"+ex.host.ID, ex.host.HypervisorRef)
	if err != nil {
		return err
	}
	defer hc.Credentials.Zero()

	hv := m.newHypervisor(hc)
	hostRef := ex.host.HostRef
	if hostRef == "" {
		hostRef = ex.host.ID
	}
	return hv.ExitMaintenance(ctx, hostRef, m.maintenanceTimeout(ex.plan))
}

// bestEffortExit tries to leave maintenance before the run lands in
// ERROR. Uses a fresh short-lived context because the run's own context
// may already be cancelled.
func (m *Machine) bestEffortExit(ctx context.Context, ex *execution) {
	mt := ex.run.Ctx.Maintenance
	if mt == nil || !mt.Entered || mt.Exited {
		return
	}
	exitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.maintenanceTimeout(ex.plan))
	defer cancel()
	if err := m.doExitMaintenance(exitCtx, ex); err != nil {
		mt.ExitError = err.Error()
		ex.logger.Warn().Err(err).Msg("Best-effort maintenance exit failed")
		return
	}
	mt.Exited = true
}
