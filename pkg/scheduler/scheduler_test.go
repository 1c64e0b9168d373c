package scheduler

import (
	"testing"
	"time"

	"github.com/rackforge/foundry/pkg/errkind"
	"github.com/rackforge/foundry/pkg/queue"
	"github.com/rackforge/foundry/pkg/storage"
	"github.com/rackforge/foundry/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheduler(t *testing.T) (*Scheduler, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	// The queue is never started: these tests only exercise enqueue.
	q := queue.New(store, nil, nil, queue.Options{})
	return New(store, q, nil), store
}

func seedFleet(t *testing.T, store storage.Store) *types.Plan {
	t.Helper()
	for _, id := range []string{"r750-01", "r750-02"} {
		require.NoError(t, store.CreateHost(&types.Host{
			ID:                 id,
			ManagementEndpoint: "https://idrac-" + id + ".test",
		}))
	}
	plan := &types.Plan{
		ID:      "plan-1",
		Name:    "bios-rollout",
		Targets: []string{"r750-01", "r750-02"},
		Policy:  types.PlanPolicy{UpdateMode: types.UpdateModeSpecificURL},
		Artifacts: []types.Artifact{
			{Component: "BIOS", ImageURI: "https://repo.test/bios.exe"},
		},
	}
	require.NoError(t, store.CreatePlan(plan))
	return plan
}

// TestStartPlanExpandsTargets tests one run and one job per target host
func TestStartPlanExpandsTargets(t *testing.T) {
	s, store := newTestScheduler(t)
	plan := seedFleet(t, store)

	result, err := s.StartPlan(plan.ID, false)
	require.NoError(t, err)
	assert.False(t, result.DryRun)
	require.Len(t, result.Targets, 2)

	runs, err := store.ListRunsByPlan(plan.ID)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
	for _, run := range runs {
		assert.Equal(t, types.StatePrechecks, run.State)
	}

	jobs, err := store.ListJobs()
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

// TestStartPlanIdempotent verifies a second start reuses existing runs
func TestStartPlanIdempotent(t *testing.T) {
	s, store := newTestScheduler(t)
	plan := seedFleet(t, store)

	first, err := s.StartPlan(plan.ID, false)
	require.NoError(t, err)

	second, err := s.StartPlan(plan.ID, false)
	require.NoError(t, err)
	require.Len(t, second.Targets, 2)
	for i, target := range second.Targets {
		assert.True(t, target.Existing)
		assert.Equal(t, first.Targets[i].RunID, target.RunID)
	}

	runs, _ := store.ListRunsByPlan(plan.ID)
	assert.Len(t, runs, 2)
	jobs, _ := store.ListJobs()
	assert.Len(t, jobs, 2)
}

// TestStartPlanDryRun verifies nothing is created
func TestStartPlanDryRun(t *testing.T) {
	s, store := newTestScheduler(t)
	plan := seedFleet(t, store)

	result, err := s.StartPlan(plan.ID, true)
	require.NoError(t, err)
	assert.True(t, result.DryRun)
	require.Len(t, result.Targets, 2)
	for _, target := range result.Targets {
		assert.Empty(t, target.RunID)
		assert.False(t, target.Existing)
	}

	runs, _ := store.ListRunsByPlan(plan.ID)
	assert.Empty(t, runs)
	jobs, _ := store.ListJobs()
	assert.Empty(t, jobs)
}

// TestStartPlanUnknownHostRejected verifies no partial expansion
func TestStartPlanUnknownHostRejected(t *testing.T) {
	s, store := newTestScheduler(t)
	plan := seedFleet(t, store)
	plan.Targets = append(plan.Targets, "no-such-host")
	require.NoError(t, store.DeletePlan(plan.ID))
	require.NoError(t, store.CreatePlan(plan))

	_, err := s.StartPlan(plan.ID, false)
	require.Error(t, err)
	assert.Equal(t, errkind.Validation, errkind.KindOf(err))

	runs, _ := store.ListRunsByPlan(plan.ID)
	assert.Empty(t, runs, "no runs should be created when any target is unknown")
}

// TestStartPlanInvalidMode verifies mode validation up front
func TestStartPlanInvalidMode(t *testing.T) {
	s, store := newTestScheduler(t)
	plan := seedFleet(t, store)
	plan.Policy.UpdateMode = "YOLO"
	require.NoError(t, store.DeletePlan(plan.ID))
	require.NoError(t, store.CreatePlan(plan))

	_, err := s.StartPlan(plan.ID, false)
	require.Error(t, err)
	assert.Equal(t, errkind.Validation, errkind.KindOf(err))
}

// TestStatusAndCompletion verifies per-state counts and the one-shot
// completion announcement
func TestStatusAndCompletion(t *testing.T) {
	s, store := newTestScheduler(t)
	plan := seedFleet(t, store)

	_, err := s.StartPlan(plan.ID, false)
	require.NoError(t, err)

	status, err := s.Status(plan.ID)
	require.NoError(t, err)
	assert.False(t, status.Complete)
	assert.Equal(t, 2, status.Counts[string(types.StatePrechecks)])

	// Land both runs.
	runs, _ := store.ListRunsByPlan(plan.ID)
	for _, run := range runs {
		run.State = types.StateDone
		now := time.Now()
		run.FinishedAt = &now
		require.NoError(t, store.UpdateRun(run))
	}

	status, err = s.Status(plan.ID)
	require.NoError(t, err)
	assert.True(t, status.Complete)
	assert.Equal(t, 2, status.Counts[string(types.StateDone)])

	s.checkCompletions()
	s.mu.Lock()
	announced := s.announced[plan.ID]
	s.mu.Unlock()
	assert.True(t, announced)
}
