package hypervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/rackforge/foundry/pkg/credentials"
	"github.com/rackforge/foundry/pkg/errkind"
	"github.com/rackforge/foundry/pkg/log"
	"github.com/rackforge/foundry/pkg/protocol"
)

// MaintenanceOptions controls maintenance entry. Powered-off guests are
// always evacuated with the rest; leaving them behind would strand them
// on a host about to flash firmware.
type MaintenanceOptions struct {
	EvacuatePoweredOff bool
	Timeout            time.Duration
}

// DefaultMaintenanceTimeout caps the wait on a maintenance task.
const DefaultMaintenanceTimeout = 30 * time.Minute

// Client is what the state machine needs from a hypervisor manager.
type Client interface {
	EnterMaintenance(ctx context.Context, hostRef string, opts MaintenanceOptions) error
	ExitMaintenance(ctx context.Context, hostRef string, timeout time.Duration) error
}

// RESTClient talks to a vCenter-style management endpoint: session token
// login, async task submission, task polling.
type RESTClient struct {
	creds  credentials.HypervisorCreds
	logger zerolog.Logger

	httpClient *http.Client
	// pollInterval is shortened in tests.
	pollInterval time.Duration

	sessionToken string
}

// NewRESTClient creates a hypervisor client from resolved credentials.
func NewRESTClient(creds credentials.HypervisorCreds, insecure bool) *RESTClient {
	return &RESTClient{
		creds:  creds,
		logger: log.WithComponent("hypervisor"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: protocol.TLSConfig(insecure),
			},
		},
		pollInterval: 5 * time.Second,
	}
}

func (c *RESTClient) url(path string) string {
	return c.creds.Endpoint + path
}

// login creates a session and stores the token. Failures are critical:
// a run that cannot reach the hypervisor must not proceed to firmware
// apply on a host still carrying guests.
func (c *RESTClient) login(ctx context.Context) error {
	if c.sessionToken != "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("/api/session"), nil)
	if err != nil {
		return errkind.Wrap(errkind.Dependency, err)
	}
	req.SetBasicAuth(c.creds.Credentials.Username, c.creds.Credentials.Password)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errkind.Wrap(errkind.Dependency, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return errkind.New(errkind.Dependency,
			fmt.Sprintf("hypervisor session login: status %d", resp.StatusCode))
	}
	var token string
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return errkind.Wrap(errkind.Dependency, err)
	}
	c.sessionToken = token
	return nil
}

func (c *RESTClient) do(ctx context.Context, method, path string, payload, out interface{}) error {
	if err := c.login(ctx); err != nil {
		return err
	}
	var body *bytes.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return errkind.Wrap(errkind.Validation, err)
		}
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(path), body)
	if err != nil {
		return errkind.Wrap(errkind.Validation, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("vmware-api-session-id", c.sessionToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errkind.Wrap(errkind.Network, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		c.sessionToken = ""
		return errkind.New(errkind.Auth, "hypervisor session expired")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errkind.FromHTTPStatus(resp.StatusCode, fmt.Sprintf("%s %s", method, path))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return errkind.Wrap(errkind.ProtocolError, err)
		}
	}
	return nil
}

// taskStatus is the hypervisor's async task envelope.
type taskStatus struct {
	Status string `json:"status"` // RUNNING, SUCCEEDED, FAILED
	Error  string `json:"error,omitempty"`
}

func (c *RESTClient) waitTask(ctx context.Context, taskID string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultMaintenanceTimeout
	}
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		var status taskStatus
		if err := c.do(ctx, http.MethodGet, "/api/tasks/"+taskID, nil, &status); err != nil {
			if !errkind.IsRetryable(err) {
				return err
			}
		} else {
			switch status.Status {
			case "SUCCEEDED":
				return nil
			case "FAILED":
				return errkind.New(errkind.Dependency,
					fmt.Sprintf("hypervisor task %s failed: %s", taskID, status.Error))
			}
		}

		if time.Now().After(deadline) {
			return errkind.New(errkind.Timeout,
				fmt.Sprintf("hypervisor task %s did not finish within %s", taskID, timeout))
		}
		select {
		case <-ctx.Done():
			return errkind.Wrap(errkind.Cancelled, ctx.Err())
		case <-ticker.C:
		}
	}
}

type maintenanceRequest struct {
	EvacuatePoweredOff bool `json:"evacuatePoweredOff"`
	TimeoutMinutes     int  `json:"timeoutMinutes"`
}

type taskRef struct {
	TaskID string `json:"taskId"`
}

// EnterMaintenance evacuates the host and waits for the maintenance task.
func (c *RESTClient) EnterMaintenance(ctx context.Context, hostRef string, opts MaintenanceOptions) error {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultMaintenanceTimeout
	}

	var ref taskRef
	err := c.do(ctx, http.MethodPost, "/api/hosts/"+hostRef+"/enter-maintenance", maintenanceRequest{
		EvacuatePoweredOff: opts.EvacuatePoweredOff,
		TimeoutMinutes:     int(timeout.Minutes()),
	}, &ref)
	if err != nil {
		return err
	}

	c.logger.Info().Str("hostRef", hostRef).Str("taskId", ref.TaskID).Msg("Entering maintenance mode")
	return c.waitTask(ctx, ref.TaskID, timeout)
}

// ExitMaintenance brings the host back and waits for the task.
func (c *RESTClient) ExitMaintenance(ctx context.Context, hostRef string, timeout time.Duration) error {
	var ref taskRef
	err := c.do(ctx, http.MethodPost, "/api/hosts/"+hostRef+"/exit-maintenance", nil, &ref)
	if err != nil {
		return err
	}

	c.logger.Info().Str("hostRef", hostRef).Str("taskId", ref.TaskID).Msg("Exiting maintenance mode")
	return c.waitTask(ctx, ref.TaskID, timeout)
}
