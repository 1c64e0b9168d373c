package protocol

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rackforge/foundry/pkg/errkind"
	"github.com/rackforge/foundry/pkg/log"
	"github.com/rackforge/foundry/pkg/types"
)

// RetryPolicy bounds transient retries on a single client before the
// manager moves to the next candidate.
type RetryPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultRetryPolicy is 3 retries beyond the initial try, with
// exponential backoff from 1s capped at 30s, jittered ±20%.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseBackoff: time.Second,
		MaxBackoff:  30 * time.Second,
	}
}

// DetectionResult is the ranked outcome of a parallel capability probe.
type DetectionResult struct {
	Healthiest    string                              `json:"healthiestProtocol"`
	Candidates    []types.ProtocolCapability          `json:"candidates"`
	CapabilityMap map[string]types.ProtocolCapability `json:"capabilityMap"`
}

// Manager ranks protocol clients per host and runs updates with explicit
// fallback. The detection cache lives for the lifetime of the manager,
// which the state machine scopes to one run.
type Manager struct {
	clients       []Client
	detectTimeout time.Duration
	policy        RetryPolicy
	logger        zerolog.Logger

	// sleep is swappable for tests so backoff does not slow the suite.
	sleep func(ctx context.Context, d time.Duration) error

	mu    sync.Mutex
	cache map[string]*DetectionResult
}

// NewManager creates a protocol manager over the given clients.
func NewManager(clients []Client, detectTimeout time.Duration, policy RetryPolicy) *Manager {
	if detectTimeout <= 0 {
		detectTimeout = 15 * time.Second
	}
	if policy.MaxAttempts <= 0 {
		policy = DefaultRetryPolicy()
	}
	return &Manager{
		clients:       clients,
		detectTimeout: detectTimeout,
		policy:        policy,
		logger:        log.WithComponent("protocol-manager"),
		sleep:         sleepCtx,
		cache:         make(map[string]*DetectionResult),
	}
}

// DefaultClients builds the full client set in priority order.
func DefaultClients(insecure bool) []Client {
	return []Client{
		NewRedfishClient(insecure, 30*time.Second),
		NewWSMANClient(insecure, 60*time.Second),
		NewRACADMClient("", 10*time.Minute),
		NewIPMIClient("", 30*time.Second),
		NewSSHClient(0, 30*time.Second),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Detect probes all clients in parallel with a per-client timeout, then
// ranks supported candidates by priority descending and latency
// ascending. An empty candidate set is a permanent NoProtocol error.
// Results are cached per host.
func (m *Manager) Detect(ctx context.Context, host types.Host, creds types.Credentials) (*DetectionResult, error) {
	m.mu.Lock()
	if cached, ok := m.cache[host.ID]; ok {
		m.mu.Unlock()
		return cached, nil
	}
	m.mu.Unlock()

	type probe struct {
		client     Client
		capability types.ProtocolCapability
	}
	results := make([]probe, len(m.clients))

	var wg sync.WaitGroup
	for i, client := range m.clients {
		wg.Add(1)
		go func(i int, client Client) {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, m.detectTimeout)
			defer cancel()
			results[i] = probe{client: client, capability: client.DetectCapability(probeCtx, host, creds)}
		}(i, client)
	}
	wg.Wait()

	res := &DetectionResult{CapabilityMap: make(map[string]types.ProtocolCapability, len(results))}
	priorities := make(map[string]int, len(results))
	for _, p := range results {
		res.CapabilityMap[p.capability.Protocol] = p.capability
		priorities[p.capability.Protocol] = p.client.Priority()
		if p.capability.Supported {
			res.Candidates = append(res.Candidates, p.capability)
		}
	}
	sort.SliceStable(res.Candidates, func(i, j int) bool {
		pi, pj := priorities[res.Candidates[i].Protocol], priorities[res.Candidates[j].Protocol]
		if pi != pj {
			return pi > pj
		}
		return res.Candidates[i].LatencyMs < res.Candidates[j].LatencyMs
	})

	if len(res.Candidates) == 0 {
		return nil, errkind.Wrap(errkind.ProtocolError, errkind.ErrNoProtocol).
			WithContext(host.ID, "", "")
	}
	res.Healthiest = res.Candidates[0].Protocol

	m.logger.Info().
		Str("host", host.ID).
		Str("healthiest", res.Healthiest).
		Int("candidates", len(res.Candidates)).
		Msg("Protocol detection complete")

	m.mu.Lock()
	m.cache[host.ID] = res
	m.mu.Unlock()
	return res, nil
}

// InvalidateHost drops the cached detection, forcing a fresh probe.
func (m *Manager) InvalidateHost(hostID string) {
	m.mu.Lock()
	delete(m.cache, hostID)
	m.mu.Unlock()
}

func (m *Manager) clientFor(protocol string) Client {
	for _, c := range m.clients {
		if c.Protocol() == protocol {
			return c
		}
	}
	return nil
}

// PowerControllerFor returns a power-capable client for the host, taken
// from the detection candidates, or nil if none qualifies.
func (m *Manager) PowerControllerFor(hostID string) PowerController {
	m.mu.Lock()
	res, ok := m.cache[hostID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	for _, cand := range res.Candidates {
		if pc, ok := m.clientFor(cand.Protocol).(PowerController); ok {
			return pc
		}
	}
	return nil
}

func (m *Manager) backoff(attempt int) time.Duration {
	d := m.policy.BaseBackoff << (attempt - 1)
	if d > m.policy.MaxBackoff {
		d = m.policy.MaxBackoff
	}
	// jitter ±20%
	jitter := time.Duration(rand.Int63n(2*int64(d)/5+1)) - d/5
	return d + jitter
}

// RunUpdate walks the ranked candidates and submits the update.
//
// Per candidate: transient failures retry on the same client up to the
// policy limit with jittered exponential backoff; ActionMissing moves to
// the next candidate without burning retries; any other permanent or
// critical failure aborts the whole walk (wrong credentials are equally
// wrong on every protocol).
func (m *Manager) RunUpdate(ctx context.Context, req UpdateRequest) (UpdateResponse, error) {
	res, err := m.Detect(ctx, req.Host, req.Credentials)
	if err != nil {
		return UpdateResponse{Status: UpdateFailed}, err
	}

	var lastErr error
	for _, cand := range res.Candidates {
		client := m.clientFor(cand.Protocol)
		if client == nil {
			continue
		}
		logger := m.logger.With().
			Str("host", req.Host.ID).
			Str("protocol", cand.Protocol).
			Str("component", req.Artifact.Component).
			Logger()

		// MaxAttempts counts retries beyond the first try, so the
		// default policy of 3 allows four tries per candidate.
		maxTries := m.policy.MaxAttempts + 1
		for attempt := 1; attempt <= maxTries; attempt++ {
			if err := ctx.Err(); err != nil {
				return UpdateResponse{Status: UpdateFailed}, errkind.Wrap(errkind.Cancelled, err)
			}

			resp, err := client.PerformUpdate(ctx, req)
			if err == nil {
				return resp, nil
			}
			lastErr = err

			if errkind.IsActionMissing(err) {
				logger.Info().Err(err).Msg("Action missing, falling back to next protocol")
				break
			}
			if errkind.IsCancelled(err) {
				return UpdateResponse{Status: UpdateFailed}, err
			}
			if !errkind.IsRetryable(err) {
				logger.Error().Err(err).Msg("Permanent failure, aborting update")
				return UpdateResponse{Status: UpdateFailed}, err
			}
			if attempt == maxTries {
				logger.Warn().Err(err).Int("attempts", attempt).
					Msg("Retries exhausted, falling back to next protocol")
				break
			}

			delay := m.backoff(attempt)
			logger.Warn().Err(err).Int("attempt", attempt).Dur("backoff", delay).
				Msg("Transient failure, retrying")
			if err := m.sleep(ctx, delay); err != nil {
				return UpdateResponse{Status: UpdateFailed}, errkind.Wrap(errkind.Cancelled, err)
			}
		}
	}

	if lastErr == nil {
		lastErr = errkind.Wrap(errkind.ProtocolError, errkind.ErrNoProtocol).
			WithContext(req.Host.ID, "", req.Artifact.Component)
	}
	return UpdateResponse{Status: UpdateFailed}, lastErr
}

// HealthCheckAll returns every client's health verdict for the host, in
// client order. Used by the discover operation for observability.
func (m *Manager) HealthCheckAll(ctx context.Context, host types.Host, creds types.Credentials) []types.HealthReport {
	reports := make([]types.HealthReport, len(m.clients))
	var wg sync.WaitGroup
	for i, client := range m.clients {
		wg.Add(1)
		go func(i int, client Client) {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, m.detectTimeout)
			defer cancel()
			reports[i] = client.HealthCheck(probeCtx, host, creds)
		}(i, client)
	}
	wg.Wait()
	return reports
}
