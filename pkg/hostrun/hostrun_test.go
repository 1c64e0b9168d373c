package hostrun

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rackforge/foundry/pkg/credentials"
	"github.com/rackforge/foundry/pkg/errkind"
	"github.com/rackforge/foundry/pkg/hypervisor"
	"github.com/rackforge/foundry/pkg/protocol"
	"github.com/rackforge/foundry/pkg/storage"
	"github.com/rackforge/foundry/pkg/taskpoll"
	"github.com/rackforge/foundry/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingStore wraps the real bolt store and records every persisted
// run state so tests can assert on the transition sequence.
type recordingStore struct {
	storage.Store
	mu     sync.Mutex
	states []types.RunState
}

func (r *recordingStore) UpdateRun(run *types.HostRun) error {
	r.mu.Lock()
	r.states = append(r.states, run.State)
	r.mu.Unlock()
	return r.Store.UpdateRun(run)
}

func (r *recordingStore) stateHistory() []types.RunState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.RunState, len(r.states))
	copy(out, r.states)
	return out
}

// fakeSource serves fixed credentials for any host.
type fakeSource struct{}

func (fakeSource) GetManagementCreds(context.Context, string) (types.Credentials, error) {
	return types.Credentials{Username: "root", Password: "calvin"}, nil
}

func (fakeSource) GetHypervisorCreds(_ context.Context, _, ref string) (credentials.HypervisorCreds, error) {
	return credentials.HypervisorCreds{
		Endpoint:    "https://vcenter.test",
		Credentials: types.Credentials{Username: "svc-vc", Password: "secret"},
	}, nil
}

// fakeHypervisor counts maintenance transitions.
type fakeHypervisor struct {
	mu         sync.Mutex
	enterCalls int
	exitCalls  int
	enterErr   error
	exitErr    error
}

func (f *fakeHypervisor) EnterMaintenance(_ context.Context, _ string, _ hypervisor.MaintenanceOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enterCalls++
	return f.enterErr
}

func (f *fakeHypervisor) ExitMaintenance(_ context.Context, _ string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exitCalls++
	return f.exitErr
}

// fakeClient is a scripted protocol client.
type fakeClient struct {
	protocolName string
	priority     int
	updateModes  []string
	updateErr    error
	taskLocation string

	mu      sync.Mutex
	updates []protocol.UpdateRequest
}

func (f *fakeClient) Protocol() string { return f.protocolName }
func (f *fakeClient) Priority() int    { return f.priority }

func (f *fakeClient) DetectCapability(_ context.Context, _ types.Host, _ types.Credentials) types.ProtocolCapability {
	return types.ProtocolCapability{
		Protocol:    f.protocolName,
		Supported:   true,
		Model:       "PowerEdge R750",
		Generation:  types.Gen16G,
		UpdateModes: f.updateModes,
	}
}

func (f *fakeClient) HealthCheck(_ context.Context, _ types.Host, _ types.Credentials) types.HealthReport {
	return types.HealthReport{Protocol: f.protocolName, Status: types.HealthHealthy}
}

func (f *fakeClient) PerformUpdate(_ context.Context, req protocol.UpdateRequest) (protocol.UpdateResponse, error) {
	f.mu.Lock()
	f.updates = append(f.updates, req)
	f.mu.Unlock()
	if f.updateErr != nil {
		return protocol.UpdateResponse{Status: protocol.UpdateFailed}, f.updateErr
	}
	return protocol.UpdateResponse{
		Status:       protocol.UpdateQueued,
		Protocol:     f.protocolName,
		JobID:        "JID_123456789012",
		TaskLocation: f.taskLocation,
	}, nil
}

func (f *fakeClient) submitted() []protocol.UpdateRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.UpdateRequest, len(f.updates))
	copy(out, f.updates)
	return out
}

// fakePoller answers inventory reads and task watches without HTTP.
type fakePoller struct {
	mu        sync.Mutex
	calls     int
	before    []types.InventoryItem
	after     []types.InventoryItem
	taskState types.TaskState
}

func (f *fakePoller) CollectInventory(_ context.Context, _ types.Host, _ types.Credentials) ([]types.InventoryItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls == 1 {
		return f.before, nil
	}
	return f.after, nil
}

func (f *fakePoller) PollTask(_ context.Context, _ types.Host, _ types.Credentials, opts taskpoll.Options) (types.TaskObservation, error) {
	state := f.taskState
	if state == "" {
		state = types.TaskCompleted
	}
	return types.TaskObservation{TaskLocation: opts.TaskLocation, State: state}, nil
}

type fixture struct {
	machine *Machine
	store   *recordingStore
	client  *fakeClient
	hv      *fakeHypervisor
	poller  *fakePoller
}

func newFixture(t *testing.T, client *fakeClient) *fixture {
	t.Helper()
	bolt, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = bolt.Close() })

	store := &recordingStore{Store: bolt}
	resolver := credentials.NewResolver()
	resolver.Register("test", fakeSource{})

	hv := &fakeHypervisor{}
	poller := &fakePoller{
		before: []types.InventoryItem{{ID: "Installed-0-BIOS", Name: "BIOS", Version: "2.10"}},
		after:  []types.InventoryItem{{ID: "Installed-0-BIOS", Name: "BIOS", Version: "2.20"}},
	}

	m := New(Config{
		Store:       store,
		Credentials: resolver,
		CredBackend: "test",
	})
	m.poller = poller
	m.newManager = func() *protocol.Manager {
		return protocol.NewManager([]protocol.Client{client}, time.Second, protocol.DefaultRetryPolicy())
	}
	m.newHypervisor = func(credentials.HypervisorCreds) hypervisor.Client { return hv }
	m.sleep = func(context.Context, time.Duration) error { return nil }

	return &fixture{machine: m, store: store, client: client, hv: hv, poller: poller}
}

func (f *fixture) seed(t *testing.T, host *types.Host, plan *types.Plan) *types.HostRun {
	t.Helper()
	require.NoError(t, f.store.CreateHost(host))
	require.NoError(t, f.store.CreatePlan(plan))
	run := &types.HostRun{ID: "run-1", PlanID: plan.ID, HostID: host.ID}
	require.NoError(t, f.store.CreateRun(run))
	return run
}

func esxiHost() *types.Host {
	return &types.Host{
		ID:                 "r750-07",
		ManagementEndpoint: "https://idrac-r750-07.test",
		HypervisorRef:      "vcenter-prod",
		HostRef:            "host-42",
	}
}

func urlPlan() *types.Plan {
	return &types.Plan{
		ID:     "plan-1",
		Name:   "bios-nic-rollout",
		Policy: types.PlanPolicy{UpdateMode: types.UpdateModeSpecificURL},
		Artifacts: []types.Artifact{
			{Component: "BIOS", ImageURI: "https://repo.test/bios.exe", InstallUpon: types.InstallOnReset},
			{Component: "NIC", ImageURI: "https://repo.test/nic.exe", InstallUpon: types.InstallImmediate},
		},
	}
}

// stateIndex maps states to their graph position for monotonicity checks.
func stateIndex(s types.RunState) int {
	for i, st := range types.AllRunStates() {
		if st == s {
			return i
		}
	}
	return -1
}

// TestExecuteSpecificURLHappyPath drives a hypervisor-attached host
// through the full graph to DONE
func TestExecuteSpecificURLHappyPath(t *testing.T) {
	client := &fakeClient{
		protocolName: "redfish", priority: 50,
		updateModes:  []string{protocol.ModeSimpleUpdate, protocol.ModeMultipartUpdate},
		taskLocation: "/redfish/v1/TaskService/Tasks/JID_123456789012",
	}
	f := newFixture(t, client)
	run := f.seed(t, esxiHost(), urlPlan())

	require.NoError(t, f.machine.Execute(context.Background(), run))

	assert.Equal(t, types.StateDone, run.State)
	require.NotNil(t, run.FinishedAt)
	assert.Empty(t, run.Error)

	// Both artifacts submitted in plan order, task per artifact recorded.
	subs := client.submitted()
	require.Len(t, subs, 2)
	assert.Equal(t, "BIOS", subs[0].Artifact.Component)
	assert.Equal(t, "NIC", subs[1].Artifact.Component)
	require.Len(t, run.Ctx.Results, 2)
	assert.Equal(t, types.TaskCompleted, run.Ctx.Results[0].Task.State)

	// Maintenance entered and exited.
	assert.Equal(t, 1, f.hv.enterCalls)
	assert.Equal(t, 1, f.hv.exitCalls)
	require.NotNil(t, run.Ctx.Maintenance)
	assert.True(t, run.Ctx.Maintenance.Entered)
	assert.True(t, run.Ctx.Maintenance.Exited)

	// Inventory diff from baseline to post-update.
	require.NotNil(t, run.Ctx.Inventory)
	require.Len(t, run.Ctx.Inventory.VersionChanged, 1)
	assert.Equal(t, "2.20", run.Ctx.Inventory.VersionChanged[0].To)

	assert.Equal(t, "redfish", run.Ctx.ManagementKind)
	assert.True(t, run.Ctx.Capabilities["redfish"])
}

// TestExecuteMonotoneStates asserts persisted states never move
// backwards along the graph
func TestExecuteMonotoneStates(t *testing.T) {
	client := &fakeClient{
		protocolName: "redfish", priority: 50,
		updateModes:  []string{protocol.ModeSimpleUpdate},
		taskLocation: "/redfish/v1/TaskService/Tasks/JID_1",
	}
	f := newFixture(t, client)
	run := f.seed(t, esxiHost(), urlPlan())

	require.NoError(t, f.machine.Execute(context.Background(), run))

	last := -1
	for _, s := range f.store.stateHistory() {
		idx := stateIndex(s)
		require.GreaterOrEqual(t, idx, last, "state %s regressed", s)
		last = idx
	}
	assert.Equal(t, types.StateDone, f.store.stateHistory()[len(f.store.stateHistory())-1])
}

// TestExecuteStandaloneSkipsMaintenance verifies a host without a
// hypervisor reference never touches the hypervisor
func TestExecuteStandaloneSkipsMaintenance(t *testing.T) {
	client := &fakeClient{
		protocolName: "redfish", priority: 50,
		updateModes:  []string{protocol.ModeSimpleUpdate},
		taskLocation: "/redfish/v1/TaskService/Tasks/JID_1",
	}
	f := newFixture(t, client)
	host := esxiHost()
	host.HypervisorRef = ""
	run := f.seed(t, host, urlPlan())

	require.NoError(t, f.machine.Execute(context.Background(), run))

	assert.Equal(t, types.StateDone, run.State)
	assert.Equal(t, 0, f.hv.enterCalls)
	assert.Equal(t, 0, f.hv.exitCalls)
	assert.Nil(t, run.Ctx.Maintenance)
}

// TestExecuteApplyFailureExitsMaintenance verifies a permanent apply
// failure lands in ERROR but still leaves maintenance mode
func TestExecuteApplyFailureExitsMaintenance(t *testing.T) {
	client := &fakeClient{
		protocolName: "redfish", priority: 50,
		updateModes: []string{protocol.ModeSimpleUpdate},
		updateErr:   errkind.New(errkind.Auth, "iDRAC rejected credentials"),
	}
	f := newFixture(t, client)
	run := f.seed(t, esxiHost(), urlPlan())

	err := f.machine.Execute(context.Background(), run)
	require.Error(t, err)

	assert.Equal(t, types.StateError, run.State)
	require.NotNil(t, run.Ctx.Error)
	assert.Equal(t, string(errkind.Permanent), run.Ctx.Error.Classification)
	assert.Equal(t, string(types.StateApply), run.Ctx.Error.State)
	assert.Contains(t, run.Error, "rejected credentials")

	// Best-effort exit even on the failure path.
	assert.Equal(t, 1, f.hv.enterCalls)
	assert.Equal(t, 1, f.hv.exitCalls)
}

// TestExecuteEnterMaintenanceFailureFailsRun verifies a failed
// evacuation never proceeds to APPLY
func TestExecuteEnterMaintenanceFailureFailsRun(t *testing.T) {
	client := &fakeClient{
		protocolName: "redfish", priority: 50,
		updateModes: []string{protocol.ModeSimpleUpdate},
	}
	f := newFixture(t, client)
	f.hv.enterErr = errkind.New(errkind.Dependency, "DRS could not evacuate all virtual machines")
	run := f.seed(t, esxiHost(), urlPlan())

	err := f.machine.Execute(context.Background(), run)
	require.Error(t, err)

	assert.Equal(t, types.StateError, run.State)
	assert.Empty(t, client.submitted())
	assert.Equal(t, string(errkind.Critical), run.Ctx.Error.Classification)
}

// TestExecuteUnsupportedModeIsPermanent verifies prechecks reject a plan
// whose mode no detected protocol can execute
func TestExecuteUnsupportedModeIsPermanent(t *testing.T) {
	client := &fakeClient{
		protocolName: "redfish", priority: 50,
		updateModes: []string{protocol.ModeSimpleUpdate},
	}
	f := newFixture(t, client)
	plan := urlPlan()
	plan.Policy.UpdateMode = types.UpdateModeMultipartFile
	run := f.seed(t, esxiHost(), plan)

	err := f.machine.Execute(context.Background(), run)
	require.Error(t, err)

	assert.Equal(t, types.StateError, run.State)
	assert.Equal(t, errkind.Validation, errkind.KindOf(err))
	assert.False(t, errkind.IsRetryable(err))
	assert.Empty(t, client.submitted())
	// Detection itself still ran and was recorded.
	assert.Equal(t, "redfish", run.Ctx.ManagementKind)
}

// TestExecuteResumeSkipsAppliedComponents verifies a reclaimed run does
// not re-flash components already recorded complete
func TestExecuteResumeSkipsAppliedComponents(t *testing.T) {
	client := &fakeClient{
		protocolName: "redfish", priority: 50,
		updateModes:  []string{protocol.ModeSimpleUpdate},
		taskLocation: "/redfish/v1/TaskService/Tasks/JID_2",
	}
	f := newFixture(t, client)
	run := f.seed(t, esxiHost(), urlPlan())

	// Simulate a prior attempt that finished BIOS then lost its lease.
	run.State = types.StateApply
	run.Ctx.Maintenance = &types.MaintenanceInfo{Entered: true}
	run.Ctx.Results = []types.ComponentResult{
		{Component: "BIOS", Task: &types.TaskObservation{State: types.TaskCompleted}},
	}
	run.Attempt = 2
	require.NoError(t, f.store.UpdateRun(run))

	require.NoError(t, f.machine.Execute(context.Background(), run))

	subs := client.submitted()
	require.Len(t, subs, 1)
	assert.Equal(t, "NIC", subs[0].Artifact.Component)
	assert.Equal(t, types.StateDone, run.State)
	// Prior maintenance entry is still exited at the end.
	assert.Equal(t, 0, f.hv.enterCalls)
	assert.Equal(t, 1, f.hv.exitCalls)
}

// TestExecuteRepositoryModeComeback verifies the out-of-band repository
// path waits for a healthy controller instead of a task monitor
func TestExecuteRepositoryModeComeback(t *testing.T) {
	client := &fakeClient{
		protocolName: "racadm", priority: 30,
		updateModes: []string{protocol.ModeRepositoryAuto},
		// No TaskLocation: racadm submissions have no task monitor.
	}
	f := newFixture(t, client)
	host := esxiHost()
	host.HypervisorRef = ""
	plan := &types.Plan{
		ID:   "plan-repo",
		Name: "catalog-rollout",
		Policy: types.PlanPolicy{
			UpdateMode: types.UpdateModeLatestFromCatalog,
			CatalogURL: "https://downloads.dell.com/catalog/Catalog.xml.gz",
		},
	}
	run := f.seed(t, host, plan)

	require.NoError(t, f.machine.Execute(context.Background(), run))

	assert.Equal(t, types.StateDone, run.State)
	require.Len(t, run.Ctx.Results, 1)
	assert.Equal(t, "repository", run.Ctx.Results[0].Component)
	assert.Equal(t, types.TaskCompleted, run.Ctx.Results[0].Task.State)

	subs := client.submitted()
	require.Len(t, subs, 1)
	assert.Equal(t, plan.Policy.CatalogURL, subs[0].RepositoryURL)
}

// TestExecuteCancellationAtBoundary verifies a cancelled context lands
// in ERROR with the cancellation preserved
func TestExecuteCancellationAtBoundary(t *testing.T) {
	client := &fakeClient{
		protocolName: "redfish", priority: 50,
		updateModes: []string{protocol.ModeSimpleUpdate},
	}
	f := newFixture(t, client)
	run := f.seed(t, esxiHost(), urlPlan())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := f.machine.Execute(ctx, run)
	require.Error(t, err)
	assert.True(t, errkind.IsCancelled(err))
	assert.Equal(t, types.StateError, run.State)
	assert.Empty(t, client.submitted())
}

// TestExecuteCancellationExitsMaintenance verifies a run cancelled at a
// state boundary still leaves maintenance before landing in ERROR
func TestExecuteCancellationExitsMaintenance(t *testing.T) {
	client := &fakeClient{
		protocolName: "redfish", priority: 50,
		updateModes: []string{protocol.ModeSimpleUpdate},
	}
	f := newFixture(t, client)
	run := f.seed(t, esxiHost(), urlPlan())

	// A prior attempt evacuated the host, then the run was cancelled
	// while re-queued.
	run.State = types.StateApply
	run.Ctx.Maintenance = &types.MaintenanceInfo{Entered: true}
	require.NoError(t, f.store.UpdateRun(run))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := f.machine.Execute(ctx, run)
	require.Error(t, err)
	assert.True(t, errkind.IsCancelled(err))
	assert.Equal(t, types.StateError, run.State)
	assert.Empty(t, client.submitted())
	assert.Equal(t, 1, f.hv.exitCalls)
	assert.True(t, run.Ctx.Maintenance.Exited)
}

// TestExecuteFailedTaskFailsRun verifies a task that ends in exception
// fails the run with the controller's messages preserved
func TestExecuteFailedTaskFailsRun(t *testing.T) {
	client := &fakeClient{
		protocolName: "redfish", priority: 50,
		updateModes:  []string{protocol.ModeSimpleUpdate},
		taskLocation: "/redfish/v1/TaskService/Tasks/JID_3",
	}
	f := newFixture(t, client)
	f.poller.taskState = types.TaskFailed
	host := esxiHost()
	host.HypervisorRef = ""
	run := f.seed(t, host, urlPlan())

	err := f.machine.Execute(context.Background(), run)
	require.Error(t, err)
	assert.Equal(t, types.StateError, run.State)
	assert.Contains(t, err.Error(), "BIOS update task ended failed")
}

// TestExecuteExitMaintenanceFailureIsWarning verifies a failed exit
// still completes the run with the failure recorded
func TestExecuteExitMaintenanceFailureIsWarning(t *testing.T) {
	client := &fakeClient{
		protocolName: "redfish", priority: 50,
		updateModes:  []string{protocol.ModeSimpleUpdate},
		taskLocation: "/redfish/v1/TaskService/Tasks/JID_4",
	}
	f := newFixture(t, client)
	f.hv.exitErr = fmt.Errorf("vCenter session expired")
	run := f.seed(t, esxiHost(), urlPlan())

	require.NoError(t, f.machine.Execute(context.Background(), run))

	assert.Equal(t, types.StateDone, run.State)
	require.NotNil(t, run.Ctx.Maintenance)
	assert.False(t, run.Ctx.Maintenance.Exited)
	assert.Contains(t, run.Ctx.Maintenance.ExitError, "session expired")
	require.NotEmpty(t, run.Ctx.Warnings)
	assert.Contains(t, run.Ctx.Warnings[len(run.Ctx.Warnings)-1], "failed to exit maintenance")
}
