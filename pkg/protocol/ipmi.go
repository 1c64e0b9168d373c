package protocol

import (
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

// IPMIClient wraps ipmitool over lanplus. Detection and power control
// only; firmware apply is out of scope for IPMI.
type IPMIClient struct {
	binary  string
	timeout time.Duration
	logger  zerolog.Logger

	runCommand func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// NewIPMIClient creates an ipmitool-backed client.
func NewIPMIClient(binary string, timeout time.Duration) *IPMIClient {
	if binary == "" {
		binary = "ipmitool"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := &IPMIClient{
		binary:  binary,
		timeout: timeout,
		logger:  log.WithProtocol(ProtocolIPMI),
	}
	c.runCommand = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		cmd := exec.CommandContext(ctx, name, args...)
		var out bytes.Buffer
		cmd.Stdout = &out
		cmd.Stderr = &out
		err := cmd.Run()
		return out.Bytes(), err
	}
	return c
}

func (c *IPMIClient) Protocol() string { return ProtocolIPMI }
func (c *IPMIClient) Priority() int    { return priorityIPMI }

func (c *IPMIClient) run(ctx context.Context, host types.Host, creds types.Credentials, sub ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	target := host.ManagementEndpoint
	if u, err := url.Parse(target); err == nil && u.Host != "" {
		target = u.Hostname()
	}
	args := append([]string{"-I", "lanplus", "-H", target, "-U", creds.Username, "-P", creds.Password}, sub...)
	out, err := c.runCommand(ctx, c.binary, args...)
	if err != nil {
		if ctx.Err() != nil {
			return string(out), errkind.Wrap(errkind.Timeout, ctx.Err())
		}
		return string(out), errkind.Wrap(errkind.Network, fmt.Errorf("ipmitool: %w", err))
	}
	return string(out), nil
}

var ipmiFirmwareRe = regexp.MustCompile(`Firmware Revision\s*:\s*([0-9][0-9.]*)`)

// DetectCapability runs "mc info".
func (c *IPMIClient) DetectCapability(ctx context.Context, host types.Host, creds types.Credentials) types.ProtocolCapability {
	capability := types.ProtocolCapability{Protocol: ProtocolIPMI}

	start := time.Now()
	out, err := c.run(ctx, host, creds, "mc", "info")
	if err != nil {
		c.logger.Debug().Str("host", host.ID).Err(err).Msg("IPMI detection failed")
		return capability
	}
	capability.LatencyMs = time.Since(start).Milliseconds()
	capability.Supported = true
	if m := ipmiFirmwareRe.FindStringSubmatch(out); m != nil {
		capability.FirmwareVersion = m[1]
	}
	return capability
}

// HealthCheck probes chassis power status.
func (c *IPMIClient) HealthCheck(ctx context.Context, host types.Host, creds types.Credentials) types.HealthReport {
	report := types.HealthReport{Protocol: ProtocolIPMI, Status: types.HealthUnreachable}
	start := time.Now()
	out, err := c.run(ctx, host, creds, "chassis", "power", "status")
	if err != nil {
		report.Details = err.Error()
		return report
	}
	report.LatencyMs = time.Since(start).Milliseconds()
	report.Status = types.HealthHealthy
	report.Details = strings.TrimSpace(out)
	return report
}

// PerformUpdate is not supported over IPMI.
func (c *IPMIClient) PerformUpdate(ctx context.Context, req UpdateRequest) (UpdateResponse, error) {
	return UpdateResponse{Status: UpdateFailed, Protocol: ProtocolIPMI},
		errkind.New(errkind.ActionMissing, "ipmi does not support firmware updates").
			WithContext(req.Host.ID, ProtocolIPMI, req.Artifact.Component)
}

// PowerCycle implements PowerController.
func (c *IPMIClient) PowerCycle(ctx context.Context, host types.Host, creds types.Credentials) error {
	_, err := c.run(ctx, host, creds, "chassis", "power", "cycle")
	return err
}
