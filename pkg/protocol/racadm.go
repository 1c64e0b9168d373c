package protocol

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net/url"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/rackforge/foundry/pkg/errkind"
	"github.com/rackforge/foundry/pkg/log"
	"github.com/rackforge/foundry/pkg/types"
)

// RACADMClient shells out to the Dell racadm tool. It is the fallback
// when Redfish reports the update action missing on older iDRAC firmware.
// Arguments are passed as an argv slice, never through a shell.
type RACADMClient struct {
	binary  string
	timeout time.Duration
	logger  zerolog.Logger

	// runCommand is swappable for tests.
	runCommand func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// NewRACADMClient creates a racadm-backed client. binary defaults to
// "racadm" resolved from PATH.
func NewRACADMClient(binary string, timeout time.Duration) *RACADMClient {
	if binary == "" {
		binary = "racadm"
	}
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	c := &RACADMClient{
		binary:  binary,
		timeout: timeout,
		logger:  log.WithProtocol(ProtocolRACADM),
	}
	c.runCommand = c.execRun
	return c
}

func (c *RACADMClient) Protocol() string { return ProtocolRACADM }
func (c *RACADMClient) Priority() int    { return priorityRACADM }

func (c *RACADMClient) execRun(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.Bytes(), err
}

// baseArgs builds the remote connection arguments. The endpoint host is
// extracted so a full https URL works too.
func (c *RACADMClient) baseArgs(host types.Host, creds types.Credentials) []string {
	target := host.ManagementEndpoint
	if u, err := url.Parse(target); err == nil && u.Host != "" {
		target = u.Hostname()
	}
	return []string{"-r", target, "-u", creds.Username, "-p", creds.Password, "--nocertwarn"}
}

func (c *RACADMClient) run(ctx context.Context, host types.Host, creds types.Credentials, sub ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	args := append(c.baseArgs(host, creds), sub...)
	out, err := c.runCommand(ctx, c.binary, args...)
	text := string(out)
	if err != nil {
		if ctx.Err() != nil {
			return text, errkind.Wrap(errkind.Timeout, ctx.Err())
		}
		if strings.Contains(text, "Invalid username or password") ||
			strings.Contains(text, "Login failed") {
			return text, errkind.New(errkind.Auth, "racadm authentication failed")
		}
		return text, errkind.Wrap(errkind.Network, fmt.Errorf("racadm %s: %w", sub[0], err))
	}
	return text, nil
}

var (
	racadmVersionRe = regexp.MustCompile(`iDRAC Version\s*=?\s*([0-9][0-9.]*)`)
	racadmJobRe     = regexp.MustCompile(`(JID_[0-9]+)`)
)

// DetectCapability runs getversion and parses the iDRAC firmware version.
func (c *RACADMClient) DetectCapability(ctx context.Context, host types.Host, creds types.Credentials) types.ProtocolCapability {
	capability := types.ProtocolCapability{Protocol: ProtocolRACADM}

	start := time.Now()
	out, err := c.run(ctx, host, creds, "getversion")
	if err != nil {
		c.logger.Debug().Str("host", host.ID).Err(err).Msg("racadm detection failed")
		return capability
	}
	capability.LatencyMs = time.Since(start).Milliseconds()
	capability.Supported = true
	capability.UpdateModes = []string{ModeRepositoryAuto}
	if m := racadmVersionRe.FindStringSubmatch(out); m != nil {
		capability.FirmwareVersion = m[1]
		capability.Generation = types.GenerationFromIDRACVersion(m[1])
	}
	return capability
}

// HealthCheck runs a cheap getversion round trip.
func (c *RACADMClient) HealthCheck(ctx context.Context, host types.Host, creds types.Credentials) types.HealthReport {
	report := types.HealthReport{Protocol: ProtocolRACADM, Status: types.HealthUnreachable}
	start := time.Now()
	if _, err := c.run(ctx, host, creds, "getversion"); err != nil {
		report.Details = err.Error()
		return report
	}
	report.LatencyMs = time.Since(start).Milliseconds()
	report.Status = types.HealthHealthy
	return report
}

// PerformUpdate drives a repository update ("update -a") or a single
// image push ("update -f"). Output is scanned line by line for the
// spawned job id.
func (c *RACADMClient) PerformUpdate(ctx context.Context, req UpdateRequest) (UpdateResponse, error) {
	resp := UpdateResponse{Status: UpdateFailed, Protocol: ProtocolRACADM}

	var sub []string
	switch {
	case req.Mode == types.UpdateModeMultipartFile:
		return resp, errkind.New(errkind.ActionMissing, "racadm cannot push multipart images").
			WithContext(req.Host.ID, ProtocolRACADM, req.Artifact.Component)
	case req.RepositoryURL != "":
		sub = []string{"update", "-a", req.RepositoryURL, "-t", "HTTPS"}
	case req.Artifact.ImageURI != "":
		sub = []string{"update", "-f", strings.TrimPrefix(req.Artifact.ImageURI, "file://")}
	default:
		return resp, errkind.New(errkind.Validation, "racadm update needs a repository URL or image URI")
	}

	out, err := c.run(ctx, req.Host, req.Credentials, sub...)
	if err != nil {
		if e, ok := err.(*errkind.Error); ok {
			return resp, e.WithContext(req.Host.ID, ProtocolRACADM, req.Artifact.Component)
		}
		return resp, err
	}

	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		resp.Messages = append(resp.Messages, line)
		if m := racadmJobRe.FindStringSubmatch(line); m != nil && resp.JobID == "" {
			resp.JobID = m[1]
		}
	}

	if strings.Contains(out, "ERROR") && resp.JobID == "" {
		return resp, errkind.New(errkind.ProtocolError, "racadm update reported an error").
			WithContext(req.Host.ID, ProtocolRACADM, req.Artifact.Component)
	}

	resp.Status = UpdateQueued
	c.logger.Info().
		Str("host", req.Host.ID).
		Str("component", req.Artifact.Component).
		Str("jobId", resp.JobID).
		Msg("Firmware update queued")
	return resp, nil
}
