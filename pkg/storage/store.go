package storage

import (
	"time"

	"github.com/rackforge/foundry/pkg/types"
)

// Job is a durable work-queue item referencing a host-run. Leased to one
// worker at a time; reclaimed when the lease deadline passes.
type Job struct {
	ID            string    `json:"id"` // composite key plan:<planId>:host:<hostId>
	RunID         string    `json:"runId"`
	Queue         string    `json:"queue"`
	Attempt       int       `json:"attempt"`
	NotBefore     time.Time `json:"notBefore"`
	LeaseOwner    string    `json:"leaseOwner,omitempty"`
	LeaseDeadline time.Time `json:"leaseDeadline,omitempty"`
	EnqueuedAt    time.Time `json:"enqueuedAt"`
}

// Leased reports whether the job currently holds a live lease.
func (j *Job) Leased(now time.Time) bool {
	return j.LeaseOwner != "" && now.Before(j.LeaseDeadline)
}

// Store defines the interface for orchestrator state storage.
// Implemented by the BoltDB-backed store.
type Store interface {
	// Hosts
	CreateHost(host *types.Host) error
	GetHost(id string) (*types.Host, error)
	ListHosts() ([]*types.Host, error)
	UpdateHost(host *types.Host) error
	DeleteHost(id string) error

	// Plans
	CreatePlan(plan *types.Plan) error
	GetPlan(id string) (*types.Plan, error)
	GetPlanByName(name string) (*types.Plan, error)
	ListPlans() ([]*types.Plan, error)
	DeletePlan(id string) error

	// Host-runs
	CreateRun(run *types.HostRun) error
	GetRun(id string) (*types.HostRun, error)
	GetRunByJobID(jobID string) (*types.HostRun, error)
	ListRuns() ([]*types.HostRun, error)
	ListRunsByPlan(planID string) ([]*types.HostRun, error)
	UpdateRun(run *types.HostRun) error

	// Queue jobs (leased work items owned by pkg/queue)
	PutJob(job *Job) error
	GetJob(id string) (*Job, error)
	ListJobs() ([]*Job, error)
	DeleteJob(id string) error

	// Encrypted credential blobs keyed by scope ("mgmt:<hostId>" etc.)
	PutCredentialBlob(key string, blob []byte) error
	GetCredentialBlob(key string) ([]byte, error)

	// Utility
	Close() error
}
