package storage

import (
	"testing"
	"time"

	"github.com/rackforge/foundry/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBoltStore() error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestRunRoundTrip tests run persistence with ctx intact
func TestRunRoundTrip(t *testing.T) {
	s := newTestStore(t)

	run := &types.HostRun{
		ID:        "run-1",
		PlanID:    "plan-1",
		HostID:    "host-1",
		State:     types.StatePrechecks,
		StartedAt: time.Now().UTC(),
	}
	if err := s.CreateRun(run); err != nil {
		t.Fatalf("CreateRun() error: %v", err)
	}

	run.State = types.StateApply
	run.Ctx.Results = append(run.Ctx.Results, types.ComponentResult{
		Component: "BIOS",
		ImageURI:  "https://fw.example/bios.exe",
	})
	if err := s.UpdateRun(run); err != nil {
		t.Fatalf("UpdateRun() error: %v", err)
	}

	got, err := s.GetRun("run-1")
	if err != nil {
		t.Fatalf("GetRun() error: %v", err)
	}
	if got.State != types.StateApply {
		t.Errorf("State = %s, want %s", got.State, types.StateApply)
	}
	if len(got.Ctx.Results) != 1 || got.Ctx.Results[0].Component != "BIOS" {
		t.Errorf("ctx.results not persisted: %+v", got.Ctx.Results)
	}
}

// TestGetRunByJobID tests the jobID index written by CreateRun
func TestGetRunByJobID(t *testing.T) {
	s := newTestStore(t)

	run := &types.HostRun{
		ID:     "run-2",
		PlanID: "plan-7",
		HostID: "host-9",
		State:  types.StatePrechecks,
	}
	if err := s.CreateRun(run); err != nil {
		t.Fatalf("CreateRun() error: %v", err)
	}

	got, err := s.GetRunByJobID("plan:plan-7:host:host-9")
	if err != nil {
		t.Fatalf("GetRunByJobID() error: %v", err)
	}
	if got.ID != "run-2" {
		t.Errorf("GetRunByJobID() = %s, want run-2", got.ID)
	}

	if _, err := s.GetRunByJobID("plan:none:host:none"); err == nil {
		t.Error("GetRunByJobID() for unknown job should error")
	}
}

// TestJobLease tests the lease helper
func TestJobLease(t *testing.T) {
	now := time.Now()
	job := &Job{ID: "plan:p:host:h", RunID: "run-3"}
	if job.Leased(now) {
		t.Error("unleased job reported as leased")
	}

	job.LeaseOwner = "worker-1"
	job.LeaseDeadline = now.Add(time.Minute)
	if !job.Leased(now) {
		t.Error("live lease reported as not leased")
	}
	if job.Leased(now.Add(2 * time.Minute)) {
		t.Error("expired lease reported as leased")
	}
}

// TestCredentialBlobCopy verifies blobs survive the transaction boundary
func TestCredentialBlobCopy(t *testing.T) {
	s := newTestStore(t)

	blob := []byte{0x1, 0x2, 0x3, 0x4}
	if err := s.PutCredentialBlob("mgmt:host-1", blob); err != nil {
		t.Fatalf("PutCredentialBlob() error: %v", err)
	}

	got, err := s.GetCredentialBlob("mgmt:host-1")
	if err != nil {
		t.Fatalf("GetCredentialBlob() error: %v", err)
	}
	if len(got) != 4 || got[0] != 0x1 {
		t.Errorf("blob mismatch: %v", got)
	}

	if _, err := s.GetCredentialBlob("mgmt:missing"); err == nil {
		t.Error("GetCredentialBlob() for missing key should error")
	}
}

// TestPlanByName tests name lookup
func TestPlanByName(t *testing.T) {
	s := newTestStore(t)

	plan := &types.Plan{ID: "plan-1", Name: "bios-refresh"}
	if err := s.CreatePlan(plan); err != nil {
		t.Fatalf("CreatePlan() error: %v", err)
	}

	got, err := s.GetPlanByName("bios-refresh")
	if err != nil {
		t.Fatalf("GetPlanByName() error: %v", err)
	}
	if got.ID != "plan-1" {
		t.Errorf("GetPlanByName() = %s, want plan-1", got.ID)
	}
}
