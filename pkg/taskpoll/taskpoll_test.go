package taskpoll

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rackforge/foundry/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testCreds = types.Credentials{Username: "root", Password: "calvin"}

func newInstantPoller() *Poller {
	p := New(true)
	p.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return p
}

// taskScript serves a sequence of task states, one per poll.
type taskScript struct {
	polls  atomic.Int32
	states []map[string]interface{}
}

func (s *taskScript) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/redfish/v1/TaskService/Tasks/JID_1", func(w http.ResponseWriter, r *http.Request) {
		n := int(s.polls.Add(1)) - 1
		if n >= len(s.states) {
			n = len(s.states) - 1
		}
		_ = json.NewEncoder(w).Encode(s.states[n])
	})
	mux.HandleFunc("/redfish/v1/UpdateService/FirmwareInventory", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"Members": []map[string]string{
				{"@odata.id": "/redfish/v1/UpdateService/FirmwareInventory/Installed-0-BIOS"},
			},
		})
	})
	mux.HandleFunc("/redfish/v1/UpdateService/FirmwareInventory/Installed-0-BIOS", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{
			"Id": "Installed-0-BIOS", "Name": "BIOS", "Version": "2.20",
		})
	})
	return mux
}

// TestPollTaskCompletes tests polling through to completion with message
// streaming and an inventory diff
func TestPollTaskCompletes(t *testing.T) {
	script := &taskScript{states: []map[string]interface{}{
		{"TaskState": "Running", "PercentComplete": 10, "Messages": []map[string]string{
			{"Message": "Downloading package", "Severity": "OK", "MessageId": "RED001"},
		}},
		{"TaskState": "Running", "PercentComplete": 60, "Messages": []map[string]string{
			{"Message": "Downloading package", "Severity": "OK", "MessageId": "RED001"},
			{"Message": "Installing", "Severity": "OK", "MessageId": "RED002"},
		}},
		{"TaskState": "Completed", "TaskStatus": "OK", "PercentComplete": 100},
	}}
	srv := httptest.NewTLSServer(script.handler())
	defer srv.Close()

	host := types.Host{ID: "r750-01", ManagementEndpoint: srv.URL}
	var events []types.ProgressEvent

	obs, err := newInstantPoller().PollTask(context.Background(), host, testCreds, Options{
		TaskLocation: "/redfish/v1/TaskService/Tasks/JID_1",
		Timeout:      time.Minute,
		Baseline:     []types.InventoryItem{{ID: "Installed-0-BIOS", Name: "BIOS", Version: "2.10"}},
		OnEvent:      func(ev types.ProgressEvent) { events = append(events, ev) },
	})
	require.NoError(t, err)
	assert.Equal(t, types.TaskCompleted, obs.State)
	assert.Equal(t, 100, obs.Percent)

	// Each distinct message is delivered exactly once.
	assert.Equal(t, []string{"Downloading package", "Installing"}, obs.Messages)

	require.NotNil(t, obs.Inventory)
	require.Len(t, obs.Inventory.VersionChanged, 1)
	assert.Equal(t, types.VersionChange{ID: "Installed-0-BIOS", From: "2.10", To: "2.20"},
		obs.Inventory.VersionChanged[0])

	require.NotEmpty(t, events)
	assert.Equal(t, types.EventInfo, events[0].Type)
}

// TestPollTaskException verifies a task exception maps to failed
func TestPollTaskException(t *testing.T) {
	script := &taskScript{states: []map[string]interface{}{
		{"TaskState": "Exception", "TaskStatus": "Critical", "PercentComplete": 40,
			"Messages": []map[string]string{{"Message": "Firmware image corrupt", "Severity": "Critical"}}},
	}}
	srv := httptest.NewTLSServer(script.handler())
	defer srv.Close()

	obs, err := newInstantPoller().PollTask(context.Background(),
		types.Host{ID: "h", ManagementEndpoint: srv.URL}, testCreds, Options{
			TaskLocation: "/redfish/v1/TaskService/Tasks/JID_1",
			Timeout:      time.Minute,
		})
	require.NoError(t, err)
	assert.Equal(t, types.TaskFailed, obs.State)
	assert.Contains(t, obs.Messages, "Firmware image corrupt")
}

// TestPollTaskConsecutiveFailures verifies five consecutive fetch
// failures promote the poll to failed rather than spinning forever
func TestPollTaskConsecutiveFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	obs, err := newInstantPoller().PollTask(context.Background(),
		types.Host{ID: "h", ManagementEndpoint: srv.URL}, testCreds, Options{
			TaskLocation: "/redfish/v1/TaskService/Tasks/JID_1",
			Timeout:      time.Minute,
		})
	require.NoError(t, err)
	assert.Equal(t, types.TaskFailed, obs.State)
	assert.Equal(t, int32(5), hits.Load())
}

// TestPollTaskTimeout verifies the overall deadline produces timedOut
func TestPollTaskTimeout(t *testing.T) {
	script := &taskScript{states: []map[string]interface{}{
		{"TaskState": "Running", "PercentComplete": 5},
	}}
	srv := httptest.NewTLSServer(script.handler())
	defer srv.Close()

	p := newInstantPoller()
	base := time.Now()
	var ticks int
	p.now = func() time.Time {
		ticks++
		return base.Add(time.Duration(ticks) * time.Minute)
	}

	obs, err := p.PollTask(context.Background(),
		types.Host{ID: "h", ManagementEndpoint: srv.URL}, testCreds, Options{
			TaskLocation: "/redfish/v1/TaskService/Tasks/JID_1",
			Timeout:      2 * time.Minute,
		})
	require.NoError(t, err)
	assert.Equal(t, types.TaskTimedOut, obs.State)
}

// TestPollTaskCancellation verifies context cancellation maps to
// cancelled, not failed
func TestPollTaskCancellation(t *testing.T) {
	script := &taskScript{states: []map[string]interface{}{
		{"TaskState": "Running", "PercentComplete": 5},
	}}
	srv := httptest.NewTLSServer(script.handler())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	p := New(true)
	p.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	obs, err := p.PollTask(ctx,
		types.Host{ID: "h", ManagementEndpoint: srv.URL}, testCreds, Options{
			TaskLocation: "/redfish/v1/TaskService/Tasks/JID_1",
			Timeout:      time.Minute,
		})
	require.Error(t, err)
	assert.Equal(t, types.TaskCancelled, obs.State)
}

// TestDiffInventories tests added, removed and changed detection
func TestDiffInventories(t *testing.T) {
	before := []types.InventoryItem{
		{ID: "BIOS", Version: "2.10"},
		{ID: "NIC.1", Version: "22.5"},
		{ID: "PSU.1", Version: "1.0"},
	}
	after := []types.InventoryItem{
		{ID: "BIOS", Version: "2.20"},
		{ID: "NIC.1", Version: "22.5"},
		{ID: "CPLD", Version: "1.1"},
	}

	diff := DiffInventories(before, after)
	require.Len(t, diff.VersionChanged, 1)
	assert.Equal(t, "BIOS", diff.VersionChanged[0].ID)
	require.Len(t, diff.Added, 1)
	assert.Equal(t, "CPLD", diff.Added[0].ID)
	require.Len(t, diff.Removed, 1)
	assert.Equal(t, "PSU.1", diff.Removed[0].ID)
}

// TestDiffInventoriesIdentical verifies a no-op update diffs empty
func TestDiffInventoriesIdentical(t *testing.T) {
	inv := []types.InventoryItem{{ID: "BIOS", Version: "2.20"}}
	diff := DiffInventories(inv, inv)
	assert.Empty(t, diff.Added)
	assert.Empty(t, diff.Removed)
	assert.Empty(t, diff.VersionChanged)
}

// TestCollectInventory tests the firmware inventory walk
func TestCollectInventory(t *testing.T) {
	script := &taskScript{states: []map[string]interface{}{{}}}
	srv := httptest.NewTLSServer(script.handler())
	defer srv.Close()

	items, err := newInstantPoller().CollectInventory(context.Background(),
		types.Host{ID: "h", ManagementEndpoint: srv.URL}, testCreds)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, types.InventoryItem{ID: "Installed-0-BIOS", Name: "BIOS", Version: "2.20"}, items[0])
}

// TestNewReadsTimeoutOverride verifies the overall task timeout defaults
// to 90 minutes and honors the minute-granular env override
func TestNewReadsTimeoutOverride(t *testing.T) {
	p := New(false)
	assert.Equal(t, 90*time.Minute, p.timeout)

	t.Setenv("IDRAC_UPDATE_TIMEOUT_MIN", "15")
	p = New(false)
	assert.Equal(t, 15*time.Minute, p.timeout)

	t.Setenv("IDRAC_UPDATE_TIMEOUT_MIN", "not-a-number")
	p = New(false)
	assert.Equal(t, DefaultTimeout, p.timeout)
}
