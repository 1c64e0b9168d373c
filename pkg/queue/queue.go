package queue

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rackforge/foundry/pkg/errkind"
	"github.com/rackforge/foundry/pkg/events"
	"github.com/rackforge/foundry/pkg/log"
	"github.com/rackforge/foundry/pkg/metrics"
	"github.com/rackforge/foundry/pkg/storage"
	"github.com/rackforge/foundry/pkg/types"
	"github.com/rs/zerolog"
)

// Executor runs one leased host-run to a terminal state. Implemented by
// the hostrun state machine.
type Executor interface {
	Execute(ctx context.Context, run *types.HostRun) error
}

// Options tune the worker pool. Zero values take the defaults.
type Options struct {
	Workers      int
	LeaseTTL     time.Duration
	PollInterval time.Duration
	ReclaimEvery time.Duration
	// MaxAttempts bounds queue-level retries of transient failures.
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = 2 * time.Minute
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.ReclaimEvery <= 0 {
		o.ReclaimEvery = 30 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
	return o
}

// Queue is the durable work queue feeding host-runs to a worker pool.
// Jobs survive restarts in the bolt store; leases bound how long a dead
// worker can hold one.
type Queue struct {
	store  storage.Store
	exec   Executor
	broker *events.Broker
	opts   Options
	nodeID string
	logger zerolog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc // runID -> in-flight cancel

	stopCh chan struct{}
	wg     sync.WaitGroup
	now    func() time.Time
}

// New creates a queue over the store. The broker is optional.
func New(store storage.Store, exec Executor, broker *events.Broker, opts Options) *Queue {
	return &Queue{
		store:   store,
		exec:    exec,
		broker:  broker,
		opts:    opts.withDefaults(),
		nodeID:  uuid.New().String()[:8],
		logger:  log.WithComponent("queue"),
		cancels: make(map[string]context.CancelFunc),
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}
}

// Enqueue adds the run's job to the queue. Enqueue is idempotent on the
// run's composite job id: a second call for the same plan/host pair
// returns the existing job unchanged.
func (q *Queue) Enqueue(run *types.HostRun) (*storage.Job, bool, error) {
	jobID := run.JobID()
	if existing, err := q.store.GetJob(jobID); err == nil && existing != nil {
		return existing, false, nil
	}

	job := &storage.Job{
		ID:         jobID,
		RunID:      run.ID,
		Queue:      "hostrun",
		EnqueuedAt: q.now(),
	}
	if err := q.store.PutJob(job); err != nil {
		return nil, false, errkind.Wrap(errkind.Dependency, err)
	}

	q.publish(events.EventRunEnqueued, run, "host-run enqueued")
	q.logger.Info().Str("job", jobID).Str("run", run.ID).Msg("Job enqueued")
	return job, true, nil
}

// Cancel stops a run. An in-flight run has its context cancelled, which
// the state machine observes at its next boundary. A queued run is
// removed and marked cancelled directly.
func (q *Queue) Cancel(runID string) error {
	q.mu.Lock()
	cancel, inFlight := q.cancels[runID]
	q.mu.Unlock()
	if inFlight {
		cancel()
		return nil
	}

	run, err := q.store.GetRun(runID)
	if err != nil {
		return err
	}
	if run.State.Terminal() {
		return nil
	}
	_ = q.store.DeleteJob(run.JobID())

	run.State = types.StateError
	run.Error = "cancelled before execution"
	run.Ctx.Error = &types.RunError{
		Message:        run.Error,
		Classification: string(errkind.Permanent),
	}
	now := q.now()
	run.FinishedAt = &now
	if err := q.store.UpdateRun(run); err != nil {
		return err
	}
	q.publish(events.EventRunCancelled, run, "cancelled while queued")
	return nil
}

// Start launches the worker pool and the lease reclaimer.
func (q *Queue) Start() {
	for i := 0; i < q.opts.Workers; i++ {
		q.wg.Add(1)
		go q.workerLoop(fmt.Sprintf("%s-%d", q.nodeID, i))
	}
	q.wg.Add(1)
	go q.reclaimLoop()
	q.logger.Info().Int("workers", q.opts.Workers).Msg("Queue started")
}

// Stop signals all loops and waits for in-flight runs to land.
func (q *Queue) Stop() {
	close(q.stopCh)
	q.wg.Wait()
}

func (q *Queue) workerLoop(workerID string) {
	defer q.wg.Done()
	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
			job := q.acquire(workerID)
			if job != nil {
				q.process(workerID, job)
			}
		}
	}
}

// acquire leases the oldest runnable job. The bolt store serializes
// writes, so two workers racing the same job resolve on the re-read.
func (q *Queue) acquire(workerID string) *storage.Job {
	jobs, err := q.store.ListJobs()
	if err != nil {
		q.logger.Error().Err(err).Msg("Failed to list jobs")
		return nil
	}
	now := q.now()

	var oldest *storage.Job
	for _, job := range jobs {
		if job.Leased(now) || now.Before(job.NotBefore) {
			continue
		}
		if oldest == nil || job.EnqueuedAt.Before(oldest.EnqueuedAt) {
			oldest = job
		}
	}
	if oldest == nil {
		return nil
	}

	oldest.LeaseOwner = workerID
	oldest.LeaseDeadline = now.Add(q.opts.LeaseTTL)
	if err := q.store.PutJob(oldest); err != nil {
		q.logger.Error().Err(err).Str("job", oldest.ID).Msg("Failed to lease job")
		return nil
	}
	// Confirm the lease stuck: another worker may have written between
	// the list and the put.
	confirmed, err := q.store.GetJob(oldest.ID)
	if err != nil || confirmed == nil || confirmed.LeaseOwner != workerID {
		return nil
	}
	return confirmed
}

func (q *Queue) process(workerID string, job *storage.Job) {
	run, err := q.store.GetRun(job.RunID)
	if err != nil {
		q.logger.Error().Err(err).Str("job", job.ID).Msg("Job references missing run, dropping")
		_ = q.store.DeleteJob(job.ID)
		return
	}
	if run.State.Terminal() {
		_ = q.store.DeleteJob(job.ID)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	q.mu.Lock()
	q.cancels[run.ID] = cancel
	q.mu.Unlock()

	// Keep the lease alive while the run executes.
	extendStop := make(chan struct{})
	q.wg.Add(1)
	go q.extendLease(job.ID, workerID, extendStop)

	run.Attempt = job.Attempt + 1
	q.publish(events.EventRunStarted, run, fmt.Sprintf("leased by worker %s (attempt %d)", workerID, run.Attempt))
	execErr := q.exec.Execute(ctx, run)

	close(extendStop)
	q.mu.Lock()
	delete(q.cancels, run.ID)
	q.mu.Unlock()
	cancel()

	q.settle(job, run, execErr)
}

// settle decides the job's fate after execution: delete on success or
// non-retryable failure, re-queue with backoff on transient failure
// within the attempt budget.
func (q *Queue) settle(job *storage.Job, run *types.HostRun, execErr error) {
	if execErr == nil {
		_ = q.store.DeleteJob(job.ID)
		return
	}

	attempt := job.Attempt + 1
	if !errkind.IsRetryable(execErr) || errkind.IsCancelled(execErr) || attempt >= q.opts.MaxAttempts {
		q.logger.Warn().Err(execErr).Str("run", run.ID).Int("attempt", attempt).
			Msg("Run failed terminally, dropping job")
		_ = q.store.DeleteJob(job.ID)
		return
	}

	// Rewind the run to the state that failed so the next attempt
	// resumes there instead of replaying the whole graph.
	resumeState := types.StatePrechecks
	if run.Ctx.Error != nil && run.Ctx.Error.State != "" {
		resumeState = types.RunState(run.Ctx.Error.State)
	}
	run.State = resumeState
	run.Error = ""
	run.Ctx.Error = nil
	run.FinishedAt = nil
	if err := q.store.UpdateRun(run); err != nil {
		q.logger.Error().Err(err).Str("run", run.ID).Msg("Failed to rewind run for retry")
		return
	}

	delay := q.backoff(attempt)
	job.Attempt = attempt
	job.LeaseOwner = ""
	job.LeaseDeadline = time.Time{}
	job.NotBefore = q.now().Add(delay)
	if err := q.store.PutJob(job); err != nil {
		q.logger.Error().Err(err).Str("job", job.ID).Msg("Failed to re-queue job")
		return
	}
	q.logger.Warn().Err(execErr).Str("run", run.ID).Int("attempt", attempt).
		Dur("backoff", delay).Msg("Transient failure, job re-queued")
}

func (q *Queue) backoff(attempt int) time.Duration {
	d := q.opts.BaseBackoff << (attempt - 1)
	if d > q.opts.MaxBackoff {
		d = q.opts.MaxBackoff
	}
	// jitter ±20%
	jitter := time.Duration(rand.Int63n(2*int64(d)/5+1)) - d/5
	return d + jitter
}

func (q *Queue) extendLease(jobID, workerID string, stop <-chan struct{}) {
	defer q.wg.Done()
	ticker := time.NewTicker(q.opts.LeaseTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			job, err := q.store.GetJob(jobID)
			if err != nil || job == nil || job.LeaseOwner != workerID {
				return
			}
			job.LeaseDeadline = q.now().Add(q.opts.LeaseTTL)
			if err := q.store.PutJob(job); err != nil {
				q.logger.Error().Err(err).Str("job", jobID).Msg("Failed to extend lease")
			}
		}
	}
}

// reclaimLoop returns expired leases to the pool so a crashed worker's
// job is picked up by a live one.
func (q *Queue) reclaimLoop() {
	defer q.wg.Done()
	ticker := time.NewTicker(q.opts.ReclaimEvery)
	defer ticker.Stop()
	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
			q.reclaim()
		}
	}
}

func (q *Queue) reclaim() {
	jobs, err := q.store.ListJobs()
	if err != nil {
		return
	}
	now := q.now()
	for _, job := range jobs {
		if job.LeaseOwner == "" || now.Before(job.LeaseDeadline) {
			continue
		}
		owner := job.LeaseOwner
		job.LeaseOwner = ""
		job.LeaseDeadline = time.Time{}
		if err := q.store.PutJob(job); err != nil {
			q.logger.Error().Err(err).Str("job", job.ID).Msg("Failed to reclaim job")
			continue
		}
		metrics.JobsReclaimed.Inc()
		q.logger.Warn().Str("job", job.ID).Str("owner", owner).Msg("Reclaimed expired lease")
	}
}

func (q *Queue) publish(t events.EventType, run *types.HostRun, msg string) {
	if q.broker == nil {
		return
	}
	q.broker.Publish(&events.Event{
		Type:    t,
		Message: msg,
		PlanID:  run.PlanID,
		HostID:  run.HostID,
		RunID:   run.ID,
	})
}
