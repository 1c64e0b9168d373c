package taskpoll

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/rackforge/foundry/pkg/errkind"
	"github.com/rackforge/foundry/pkg/log"
	"github.com/rackforge/foundry/pkg/protocol"
	"github.com/rackforge/foundry/pkg/types"
)

// Polling policy constants. The interval backs off multiplicatively so a
// long-running BIOS flash does not hammer the controller.
const (
	initialInterval     = 2 * time.Second
	backoffFactor       = 1.5
	maxInterval         = 15 * time.Second
	maxConsecutiveFails = 5
	DefaultTimeout      = 90 * time.Minute
)

// timeoutEnvKey overrides the overall task timeout, in minutes.
const timeoutEnvKey = "IDRAC_UPDATE_TIMEOUT_MIN"

// Options parameterize one PollTask call.
type Options struct {
	TaskLocation string
	Timeout      time.Duration
	// Baseline, when set, produces an inventory diff on completion.
	Baseline []types.InventoryItem
	// OnEvent receives structured progress as it is observed. Optional.
	OnEvent func(types.ProgressEvent)
}

// Poller polls Redfish task monitors and reads software inventory.
type Poller struct {
	insecure bool
	timeout  time.Duration
	logger   zerolog.Logger

	// now and sleep are swappable for tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a poller. insecure skips TLS verification toward the
// iDRAC. The overall task timeout defaults to 90 minutes, overridable
// through IDRAC_UPDATE_TIMEOUT_MIN.
func New(insecure bool) *Poller {
	timeout := DefaultTimeout
	if v := os.Getenv(timeoutEnvKey); v != "" {
		if mins, err := strconv.Atoi(v); err == nil && mins > 0 {
			timeout = time.Duration(mins) * time.Minute
		}
	}
	return &Poller{
		insecure: insecure,
		timeout:  timeout,
		logger:   log.WithComponent("taskpoll"),
		now:      time.Now,
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
	}
}

func (p *Poller) httpClient() *http.Client {
	return &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: protocol.TLSConfig(p.insecure),
		},
	}
}

// taskResource is the subset of a Redfish Task the poller consumes.
type taskResource struct {
	TaskState       string `json:"TaskState"`
	TaskStatus      string `json:"TaskStatus"`
	PercentComplete int    `json:"PercentComplete"`
	Messages        []struct {
		Message   string `json:"Message"`
		Severity  string `json:"Severity"`
		MessageID string `json:"MessageId"`
	} `json:"Messages"`
}

func (p *Poller) fetchTask(ctx context.Context, host types.Host, creds types.Credentials, location string) (*taskResource, error) {
	base, err := protocol.NormalizeEndpoint(host.ManagementEndpoint)
	if err != nil {
		return nil, err
	}
	url := location
	if strings.HasPrefix(location, "/") {
		url = base + location
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errkind.Wrap(errkind.Validation, err)
	}
	req.SetBasicAuth(creds.Username, creds.Password)

	resp, err := p.httpClient().Do(req)
	if err != nil {
		return nil, errkind.Wrap(errkind.Network, err)
	}
	defer resp.Body.Close()

	// Some iDRACs briefly 404 a task monitor while the job is migrating
	// between services; treat that as transient.
	if resp.StatusCode == http.StatusNotFound {
		e := errkind.New(errkind.Network, "task monitor not found (transiently absent)")
		return nil, e
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, errkind.FromHTTPStatus(resp.StatusCode, string(body))
	}

	var task taskResource
	if err := json.NewDecoder(resp.Body).Decode(&task); err != nil {
		return nil, errkind.Wrap(errkind.ProtocolError, err)
	}
	return &task, nil
}

func severityToEventType(severity string) types.EventType {
	switch strings.ToLower(severity) {
	case "warning":
		return types.EventWarning
	case "critical", "error":
		return types.EventError
	default:
		return types.EventInfo
	}
}

// PollTask polls a task monitor until it reaches a terminal state or the
// overall timeout elapses. New messages are streamed to OnEvent as they
// appear; five consecutive fetch failures promote the poll to failed.
// After a terminal state the software inventory is collected and, when a
// baseline was supplied, diffed.
func (p *Poller) PollTask(ctx context.Context, host types.Host, creds types.Credentials, opts Options) (types.TaskObservation, error) {
	obs := types.TaskObservation{TaskLocation: opts.TaskLocation, State: types.TaskFailed}
	if opts.TaskLocation == "" {
		return obs, errkind.New(errkind.Validation, "task location is empty")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = p.timeout
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	deadline := p.now().Add(timeout)
	interval := initialInterval
	consecutiveFails := 0
	seenMessages := make(map[string]bool)

	emit := func(ev types.ProgressEvent) {
		if opts.OnEvent != nil {
			ev.Timestamp = p.now()
			opts.OnEvent(ev)
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			obs.State = types.TaskCancelled
			return obs, errkind.Wrap(errkind.Cancelled, err)
		}
		if p.now().After(deadline) {
			obs.State = types.TaskTimedOut
			obs.Messages = append(obs.Messages, fmt.Sprintf("task did not finish within %s", timeout))
			return obs, nil
		}

		task, err := p.fetchTask(ctx, host, creds, opts.TaskLocation)
		if err != nil {
			if errkind.IsCancelled(err) {
				obs.State = types.TaskCancelled
				return obs, err
			}
			if !errkind.IsRetryable(err) {
				obs.Messages = append(obs.Messages, err.Error())
				return obs, err
			}
			consecutiveFails++
			if consecutiveFails >= maxConsecutiveFails {
				obs.Messages = append(obs.Messages,
					fmt.Sprintf("%d consecutive task fetch failures: %s", consecutiveFails, err))
				return obs, nil
			}
		} else {
			consecutiveFails = 0
			obs.Percent = task.PercentComplete

			for _, m := range task.Messages {
				key := m.MessageID + "|" + m.Message
				if seenMessages[key] {
					continue
				}
				seenMessages[key] = true
				obs.Messages = append(obs.Messages, m.Message)
				emit(types.ProgressEvent{
					Type:    severityToEventType(m.Severity),
					Message: m.Message,
					Percent: task.PercentComplete,
				})
			}
			emit(types.ProgressEvent{
				Type:    types.EventProgress,
				Message: fmt.Sprintf("task %s %d%%", task.TaskState, task.PercentComplete),
				Percent: task.PercentComplete,
			})

			switch task.TaskState {
			case "Completed":
				if strings.EqualFold(task.TaskStatus, "OK") || task.TaskStatus == "" {
					obs.State = types.TaskCompleted
				} else {
					obs.State = types.TaskFailed
				}
				p.finishInventory(ctx, host, creds, opts, &obs)
				return obs, nil
			case "Exception", "Killed", "Cancelled":
				obs.State = types.TaskFailed
				if task.TaskState == "Cancelled" {
					obs.State = types.TaskCancelled
				}
				p.finishInventory(ctx, host, creds, opts, &obs)
				return obs, nil
			}
		}

		if err := p.sleep(ctx, interval); err != nil {
			obs.State = types.TaskCancelled
			return obs, errkind.Wrap(errkind.Cancelled, err)
		}
		interval = time.Duration(float64(interval) * backoffFactor)
		if interval > maxInterval {
			interval = maxInterval
		}
	}
}

func (p *Poller) finishInventory(ctx context.Context, host types.Host, creds types.Credentials, opts Options, obs *types.TaskObservation) {
	inventory, err := p.CollectInventory(ctx, host, creds)
	if err != nil {
		p.logger.Warn().Str("host", host.ID).Err(err).Msg("Post-task inventory collection failed")
		return
	}
	diff := DiffInventories(opts.Baseline, inventory)
	obs.Inventory = &diff
}

// firmwareInventory is the Redfish FirmwareInventory collection shape.
type firmwareInventory struct {
	Members []struct {
		ODataID string `json:"@odata.id"`
	} `json:"Members"`
}

type firmwareMember struct {
	ID      string `json:"Id"`
	Name    string `json:"Name"`
	Version string `json:"Version"`
}

// CollectInventory reads UpdateService/FirmwareInventory and returns the
// installed components sorted by id.
func (p *Poller) CollectInventory(ctx context.Context, host types.Host, creds types.Credentials) ([]types.InventoryItem, error) {
	base, err := protocol.NormalizeEndpoint(host.ManagementEndpoint)
	if err != nil {
		return nil, err
	}
	client := p.httpClient()

	get := func(path string, out interface{}) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+path, nil)
		if err != nil {
			return errkind.Wrap(errkind.Validation, err)
		}
		req.SetBasicAuth(creds.Username, creds.Password)
		resp, err := client.Do(req)
		if err != nil {
			return errkind.Wrap(errkind.Network, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return errkind.FromHTTPStatus(resp.StatusCode, "GET "+path)
		}
		return json.NewDecoder(resp.Body).Decode(out)
	}

	var coll firmwareInventory
	if err := get("/redfish/v1/UpdateService/FirmwareInventory", &coll); err != nil {
		return nil, err
	}

	items := make([]types.InventoryItem, 0, len(coll.Members))
	for _, member := range coll.Members {
		var fw firmwareMember
		if err := get(strings.TrimPrefix(member.ODataID, base), &fw); err != nil {
			p.logger.Debug().Str("member", member.ODataID).Err(err).Msg("Skipping unreadable inventory member")
			continue
		}
		items = append(items, types.InventoryItem{ID: fw.ID, Name: fw.Name, Version: fw.Version})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

// DiffInventories compares two inventories keyed by component id.
func DiffInventories(before, after []types.InventoryItem) types.InventoryDiff {
	diff := types.InventoryDiff{Before: before, After: after}

	prev := make(map[string]types.InventoryItem, len(before))
	for _, item := range before {
		prev[item.ID] = item
	}
	next := make(map[string]types.InventoryItem, len(after))
	for _, item := range after {
		next[item.ID] = item
	}

	for _, item := range after {
		old, ok := prev[item.ID]
		switch {
		case !ok:
			diff.Added = append(diff.Added, item)
		case old.Version != item.Version:
			diff.VersionChanged = append(diff.VersionChanged, types.VersionChange{
				ID:   item.ID,
				From: old.Version,
				To:   item.Version,
			})
		}
	}
	for _, item := range before {
		if _, ok := next[item.ID]; !ok {
			diff.Removed = append(diff.Removed, item)
		}
	}
	return diff
}
