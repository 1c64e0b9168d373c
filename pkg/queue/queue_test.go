package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rackforge/foundry/pkg/errkind"
	"github.com/rackforge/foundry/pkg/storage"
	"github.com/rackforge/foundry/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeExec scripts per-call outcomes and mimics the state machine's
// persistence contract: DONE on success, ERROR with the failing state
// recorded on failure.
type fakeExec struct {
	store storage.Store
	block bool // when set, wait for ctx cancellation

	mu         sync.Mutex
	errs       []error
	calls      int
	seenStates []types.RunState
}

func (f *fakeExec) Execute(ctx context.Context, run *types.HostRun) error {
	f.mu.Lock()
	f.calls++
	f.seenStates = append(f.seenStates, run.State)
	var err error
	if len(f.errs) > 0 {
		err = f.errs[0]
		f.errs = f.errs[1:]
	}
	f.mu.Unlock()

	if f.block {
		<-ctx.Done()
		err = errkind.Wrap(errkind.Cancelled, ctx.Err())
	}

	if err == nil {
		run.State = types.StateDone
	} else {
		run.State = types.StateError
		run.Error = err.Error()
		run.Ctx.Error = &types.RunError{
			Message:        err.Error(),
			Classification: string(errkind.Classify(err)),
			State:          string(types.StateApply),
		}
	}
	_ = f.store.UpdateRun(run)
	return err
}

func (f *fakeExec) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeExec) states() []types.RunState {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.RunState, len(f.seenStates))
	copy(out, f.seenStates)
	return out
}

func testOptions() Options {
	return Options{
		Workers:      2,
		LeaseTTL:     100 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
		ReclaimEvery: 10 * time.Millisecond,
		MaxAttempts:  3,
		BaseBackoff:  time.Millisecond,
		MaxBackoff:   5 * time.Millisecond,
	}
}

func newTestQueue(t *testing.T, errs ...error) (*Queue, *fakeExec, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	exec := &fakeExec{store: store, errs: errs}
	q := New(store, exec, nil, testOptions())
	return q, exec, store
}

func seedRun(t *testing.T, store storage.Store, id string) *types.HostRun {
	t.Helper()
	run := &types.HostRun{ID: id, PlanID: "plan-1", HostID: "host-" + id, State: types.StatePrechecks}
	require.NoError(t, store.CreateRun(run))
	return run
}

// TestEnqueueIdempotent verifies the composite job id deduplicates
func TestEnqueueIdempotent(t *testing.T) {
	q, _, _ := newTestQueue(t)
	run := &types.HostRun{ID: "run-1", PlanID: "p1", HostID: "h1"}

	job1, created, err := q.Enqueue(run)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "plan:p1:host:h1", job1.ID)

	job2, created, err := q.Enqueue(run)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, job1.ID, job2.ID)
	assert.Equal(t, job1.EnqueuedAt.Unix(), job2.EnqueuedAt.Unix())
}

// TestWorkerExecutesJob verifies the lease/execute/delete cycle
func TestWorkerExecutesJob(t *testing.T) {
	q, exec, store := newTestQueue(t)
	run := seedRun(t, store, "run-1")

	_, _, err := q.Enqueue(run)
	require.NoError(t, err)

	q.Start()
	defer q.Stop()

	require.Eventually(t, func() bool {
		jobs, _ := store.ListJobs()
		return len(jobs) == 0 && exec.callCount() == 1
	}, 2*time.Second, 5*time.Millisecond)

	got, err := store.GetRun("run-1")
	require.NoError(t, err)
	assert.Equal(t, types.StateDone, got.State)
}

// TestTransientFailureRetriesFromFailedState verifies the rewind and
// backoff on a transient failure, then success on the second attempt
func TestTransientFailureRetriesFromFailedState(t *testing.T) {
	q, exec, store := newTestQueue(t,
		errkind.New(errkind.Network, "connection reset by iDRAC"))
	run := seedRun(t, store, "run-1")

	_, _, err := q.Enqueue(run)
	require.NoError(t, err)

	q.Start()
	defer q.Stop()

	// The job row is deleted after the run settles, so both are polled
	// together.
	require.Eventually(t, func() bool {
		got, err := store.GetRun("run-1")
		if err != nil || got.State != types.StateDone {
			return false
		}
		jobs, err := store.ListJobs()
		return err == nil && len(jobs) == 0
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 2, exec.callCount())
	// Second attempt resumed at the state that failed, not the start.
	states := exec.states()
	require.Len(t, states, 2)
	assert.Equal(t, types.StatePrechecks, states[0])
	assert.Equal(t, types.StateApply, states[1])
}

// TestPermanentFailureIsNotRetried verifies auth failures burn no
// further attempts
func TestPermanentFailureIsNotRetried(t *testing.T) {
	q, exec, store := newTestQueue(t,
		errkind.New(errkind.Auth, "invalid credentials"))
	run := seedRun(t, store, "run-1")

	_, _, err := q.Enqueue(run)
	require.NoError(t, err)

	q.Start()
	defer q.Stop()

	require.Eventually(t, func() bool {
		jobs, _ := store.ListJobs()
		return len(jobs) == 0
	}, 2*time.Second, 5*time.Millisecond)

	// Give the pool a few more polls to prove no retry happens.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, exec.callCount())

	got, err := store.GetRun("run-1")
	require.NoError(t, err)
	assert.Equal(t, types.StateError, got.State)
}

// TestRetriesExhaustedDropsJob verifies the attempt budget is honored
func TestRetriesExhaustedDropsJob(t *testing.T) {
	transient := func() *errkind.Error { return errkind.New(errkind.Timeout, "task watch timed out") }
	q, exec, store := newTestQueue(t, transient(), transient(), transient(), transient())
	run := seedRun(t, store, "run-1")

	_, _, err := q.Enqueue(run)
	require.NoError(t, err)

	q.Start()
	defer q.Stop()

	require.Eventually(t, func() bool {
		jobs, _ := store.ListJobs()
		return len(jobs) == 0 && exec.callCount() >= 3
	}, 2*time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 3, exec.callCount())

	got, err := store.GetRun("run-1")
	require.NoError(t, err)
	assert.Equal(t, types.StateError, got.State)
}

// TestReclaimExpiredLease verifies a dead worker's job returns to the
// pool and executes
func TestReclaimExpiredLease(t *testing.T) {
	q, exec, store := newTestQueue(t)
	run := seedRun(t, store, "run-1")

	require.NoError(t, store.PutJob(&storage.Job{
		ID:            run.JobID(),
		RunID:         run.ID,
		Queue:         "hostrun",
		LeaseOwner:    "dead-worker-0",
		LeaseDeadline: time.Now().Add(-time.Minute),
		EnqueuedAt:    time.Now().Add(-time.Hour),
	}))

	q.Start()
	defer q.Stop()

	require.Eventually(t, func() bool {
		return exec.callCount() == 1
	}, 2*time.Second, 5*time.Millisecond)
}

// TestCancelQueuedRun verifies cancellation before any worker leases
func TestCancelQueuedRun(t *testing.T) {
	q, exec, store := newTestQueue(t)
	run := seedRun(t, store, "run-1")

	_, _, err := q.Enqueue(run)
	require.NoError(t, err)

	require.NoError(t, q.Cancel("run-1"))

	jobs, _ := store.ListJobs()
	assert.Empty(t, jobs)
	got, err := store.GetRun("run-1")
	require.NoError(t, err)
	assert.Equal(t, types.StateError, got.State)
	assert.Contains(t, got.Error, "cancelled before execution")
	assert.Equal(t, 0, exec.callCount())
}

// TestCancelInFlightRun verifies an executing run's context is
// cancelled and the job is not retried
func TestCancelInFlightRun(t *testing.T) {
	q, exec, store := newTestQueue(t)
	exec.block = true
	run := seedRun(t, store, "run-1")

	_, _, err := q.Enqueue(run)
	require.NoError(t, err)

	q.Start()
	defer q.Stop()

	require.Eventually(t, func() bool {
		return exec.callCount() == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, q.Cancel("run-1"))

	require.Eventually(t, func() bool {
		jobs, _ := store.ListJobs()
		return len(jobs) == 0
	}, 2*time.Second, 5*time.Millisecond)

	got, err := store.GetRun("run-1")
	require.NoError(t, err)
	assert.Equal(t, types.StateError, got.State)
}
