package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rackforge/foundry/pkg/errkind"
	"github.com/rackforge/foundry/pkg/planner"
	"github.com/rackforge/foundry/pkg/scheduler"
	"github.com/rackforge/foundry/pkg/types"
)

// Client wraps the Foundry HTTP API for CLI usage.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client against the given server address
// (e.g. "http://127.0.0.1:8440").
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

// apiError mirrors the server's error body.
type apiError struct {
	Error          string `json:"error"`
	Kind           string `json:"kind,omitempty"`
	Classification string `json:"classification,omitempty"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var payload io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return err
		}
		payload = buf
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errkind.Wrap(errkind.Network, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var ae apiError
		if json.NewDecoder(resp.Body).Decode(&ae) == nil && ae.Error != "" {
			kind := errkind.Kind(ae.Kind)
			if kind == "" {
				kind = errkind.ProtocolError
			}
			return errkind.New(kind, ae.Error)
		}
		return errkind.FromHTTPStatus(resp.StatusCode, fmt.Sprintf("%s %s failed", method, path))
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// CreateHost registers a host.
func (c *Client) CreateHost(ctx context.Context, host *types.Host) (*types.Host, error) {
	var created types.Host
	if err := c.do(ctx, http.MethodPost, "/api/v1/hosts", host, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// ListHosts returns all registered hosts.
func (c *Client) ListHosts(ctx context.Context) ([]*types.Host, error) {
	var hosts []*types.Host
	if err := c.do(ctx, http.MethodGet, "/api/v1/hosts", nil, &hosts); err != nil {
		return nil, err
	}
	return hosts, nil
}

// GetHost fetches one host.
func (c *Client) GetHost(ctx context.Context, id string) (*types.Host, error) {
	var host types.Host
	if err := c.do(ctx, http.MethodGet, "/api/v1/hosts/"+id, nil, &host); err != nil {
		return nil, err
	}
	return &host, nil
}

// DeleteHost removes a host.
func (c *Client) DeleteHost(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/hosts/"+id, nil, nil)
}

// DiscoverResult is the discovery verdict for one host.
type DiscoverResult struct {
	Host      *types.Host          `json:"host"`
	Detection json.RawMessage      `json:"detection"`
	Health    []types.HealthReport `json:"health"`
}

// DiscoverHost probes a host's management protocols. A non-empty
// username/password pair is sent as one-shot credentials for this probe,
// bypassing the host's configured backend.
func (c *Client) DiscoverHost(ctx context.Context, id, username, password string) (*DiscoverResult, error) {
	var body interface{}
	if username != "" && password != "" {
		body = map[string]string{"username": username, "password": password}
	}
	var result DiscoverResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/hosts/"+id+"/discover", body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CreatePlan creates an update plan.
func (c *Client) CreatePlan(ctx context.Context, plan *types.Plan) (*types.Plan, error) {
	var created types.Plan
	if err := c.do(ctx, http.MethodPost, "/api/v1/plans", plan, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// ListPlans returns all plans.
func (c *Client) ListPlans(ctx context.Context) ([]*types.Plan, error) {
	var plans []*types.Plan
	if err := c.do(ctx, http.MethodGet, "/api/v1/plans", nil, &plans); err != nil {
		return nil, err
	}
	return plans, nil
}

// GetPlan fetches one plan.
func (c *Client) GetPlan(ctx context.Context, id string) (*types.Plan, error) {
	var plan types.Plan
	if err := c.do(ctx, http.MethodGet, "/api/v1/plans/"+id, nil, &plan); err != nil {
		return nil, err
	}
	return &plan, nil
}

// StartPlan expands a plan into host-runs. With dryRun, nothing is
// created and the result previews the targets.
func (c *Client) StartPlan(ctx context.Context, id string, dryRun bool) (*scheduler.StartResult, error) {
	path := "/api/v1/plans/" + id + "/start"
	if dryRun {
		path += "?dryRun=true"
	}
	var result scheduler.StartResult
	if err := c.do(ctx, http.MethodPost, path, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// HostResolution mirrors the server's per-host resolution verdict.
type HostResolution struct {
	HostID            string                    `json:"hostId"`
	Artifacts         []types.Artifact          `json:"artifacts,omitempty"`
	Incompatibilities []planner.Incompatibility `json:"incompatibilities,omitempty"`
	Error             string                    `json:"error,omitempty"`
}

// ResolveResult is the catalog resolution preview for a plan.
type ResolveResult struct {
	PlanID string           `json:"planId"`
	Hosts  []HostResolution `json:"hosts"`
}

// ResolvePlan previews what each target host would receive from the
// catalog, without creating runs.
func (c *Client) ResolvePlan(ctx context.Context, id string) (*ResolveResult, error) {
	var result ResolveResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/plans/"+id+"/resolve", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// PlanStatus returns the plan's runs aggregated by state.
func (c *Client) PlanStatus(ctx context.Context, id string) (*scheduler.PlanStatus, error) {
	var status scheduler.PlanStatus
	if err := c.do(ctx, http.MethodGet, "/api/v1/plans/"+id+"/status", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// GetRun fetches one host-run with its full context.
func (c *Client) GetRun(ctx context.Context, id string) (*types.HostRun, error) {
	var run types.HostRun
	if err := c.do(ctx, http.MethodGet, "/api/v1/runs/"+id, nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// CancelRun cancels a queued or in-flight run.
func (c *Client) CancelRun(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/runs/"+id+"/cancel", nil, nil)
}
