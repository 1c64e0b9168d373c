package hypervisor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rackforge/foundry/pkg/credentials"
	"github.com/rackforge/foundry/pkg/errkind"
	"github.com/rackforge/foundry/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeVCenter scripts session login, maintenance submission and task
// progression.
type fakeVCenter struct {
	taskPolls   atomic.Int32
	taskOutcome string // SUCCEEDED or FAILED
	pollsToEnd  int32

	enterCalled atomic.Int32
	exitCalled  atomic.Int32
	lastBody    map[string]interface{}
}

func (f *fakeVCenter) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/session", func(w http.ResponseWriter, r *http.Request) {
		user, pass, _ := r.BasicAuth()
		if user != "svc-vc" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode("session-token-1")
	})
	requireSession := func(r *http.Request) bool {
		return r.Header.Get("vmware-api-session-id") == "session-token-1"
	}
	mux.HandleFunc("/api/hosts/host-42/enter-maintenance", func(w http.ResponseWriter, r *http.Request) {
		if !requireSession(r) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		f.enterCalled.Add(1)
		_ = json.NewDecoder(r.Body).Decode(&f.lastBody)
		_ = json.NewEncoder(w).Encode(map[string]string{"taskId": "task-7"})
	})
	mux.HandleFunc("/api/hosts/host-42/exit-maintenance", func(w http.ResponseWriter, r *http.Request) {
		if !requireSession(r) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		f.exitCalled.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]string{"taskId": "task-8"})
	})
	mux.HandleFunc("/api/tasks/", func(w http.ResponseWriter, r *http.Request) {
		n := f.taskPolls.Add(1)
		status := "RUNNING"
		if n >= f.pollsToEnd {
			status = f.taskOutcome
		}
		body := map[string]string{"status": status}
		if status == "FAILED" {
			body["error"] = "DRS could not evacuate all virtual machines"
		}
		_ = json.NewEncoder(w).Encode(body)
	})
	return mux
}

func newTestClient(t *testing.T, f *fakeVCenter) *RESTClient {
	t.Helper()
	srv := httptest.NewTLSServer(f.handler(t))
	t.Cleanup(srv.Close)

	c := NewRESTClient(credentials.HypervisorCreds{
		Endpoint:    srv.URL,
		Credentials: types.Credentials{Username: "svc-vc", Password: "secret"},
	}, true)
	c.pollInterval = time.Millisecond
	return c
}

// TestEnterMaintenance tests login, submission payload and task wait
func TestEnterMaintenance(t *testing.T) {
	f := &fakeVCenter{taskOutcome: "SUCCEEDED", pollsToEnd: 3}
	c := newTestClient(t, f)

	err := c.EnterMaintenance(context.Background(), "host-42", MaintenanceOptions{
		EvacuatePoweredOff: true,
		Timeout:            time.Minute,
	})
	require.NoError(t, err)
	assert.Equal(t, int32(1), f.enterCalled.Load())
	assert.Equal(t, true, f.lastBody["evacuatePoweredOff"])
	assert.GreaterOrEqual(t, f.taskPolls.Load(), int32(3))
}

// TestEnterMaintenanceTaskFails verifies a failed evacuation surfaces
// the hypervisor's error
func TestEnterMaintenanceTaskFails(t *testing.T) {
	f := &fakeVCenter{taskOutcome: "FAILED", pollsToEnd: 1}
	c := newTestClient(t, f)

	err := c.EnterMaintenance(context.Background(), "host-42", MaintenanceOptions{Timeout: time.Minute})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DRS could not evacuate")
	assert.Equal(t, errkind.Critical, errkind.Classify(err))
}

// TestExitMaintenance tests the exit path
func TestExitMaintenance(t *testing.T) {
	f := &fakeVCenter{taskOutcome: "SUCCEEDED", pollsToEnd: 1}
	c := newTestClient(t, f)

	require.NoError(t, c.ExitMaintenance(context.Background(), "host-42", time.Minute))
	assert.Equal(t, int32(1), f.exitCalled.Load())
}

// TestLoginFailure verifies bad hypervisor credentials are critical
func TestLoginFailure(t *testing.T) {
	f := &fakeVCenter{taskOutcome: "SUCCEEDED", pollsToEnd: 1}
	c := newTestClient(t, f)
	c.creds.Credentials.Password = "wrong"

	err := c.EnterMaintenance(context.Background(), "host-42", MaintenanceOptions{Timeout: time.Minute})
	require.Error(t, err)
	assert.Equal(t, errkind.Critical, errkind.Classify(err))
}
