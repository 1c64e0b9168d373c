package protocol

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/rackforge/foundry/pkg/errkind"
	"github.com/rackforge/foundry/pkg/log"
	"github.com/rackforge/foundry/pkg/types"
)

// SSHClient reaches the iDRAC's SSH shell. Lowest priority; detection and
// power control only, for controllers whose HTTP stacks are wedged.
type SSHClient struct {
	port    int
	timeout time.Duration
	logger  zerolog.Logger
}

// NewSSHClient creates an SSH client. port defaults to 22.
func NewSSHClient(port int, timeout time.Duration) *SSHClient {
	if port <= 0 {
		port = 22
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &SSHClient{
		port:    port,
		timeout: timeout,
		logger:  log.WithProtocol(ProtocolSSH),
	}
}

func (c *SSHClient) Protocol() string { return ProtocolSSH }
func (c *SSHClient) Priority() int    { return prioritySSH }

func (c *SSHClient) dial(ctx context.Context, host types.Host, creds types.Credentials) (*ssh.Client, error) {
	target := host.ManagementEndpoint
	if u, err := url.Parse(target); err == nil && u.Host != "" {
		target = u.Hostname()
	}
	addr := net.JoinHostPort(target, fmt.Sprintf("%d", c.port))

	cfg := &ssh.ClientConfig{
		User:            creds.Username,
		Auth:            []ssh.AuthMethod{ssh.Password(creds.Password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // iDRACs regenerate host keys on firmware resets
		Timeout:         c.timeout,
	}

	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errkind.Wrap(errkind.Network, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, errkind.Wrap(errkind.Auth, err)
	}
	return ssh.NewClient(sshConn, chans, reqs), nil
}

func (c *SSHClient) exec(ctx context.Context, host types.Host, creds types.Credentials, command string) (string, error) {
	client, err := c.dial(ctx, host, creds)
	if err != nil {
		return "", err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return "", errkind.Wrap(errkind.Network, err)
	}
	defer session.Close()

	var out bytes.Buffer
	session.Stdout = &out
	session.Stderr = &out
	if err := session.Run(command); err != nil {
		return out.String(), errkind.Wrap(errkind.ProtocolError, err)
	}
	return out.String(), nil
}

var sshVersionRe = regexp.MustCompile(`iDRAC Version\s*=?\s*([0-9][0-9.]*)`)

// DetectCapability runs the embedded racadm getversion over SSH.
func (c *SSHClient) DetectCapability(ctx context.Context, host types.Host, creds types.Credentials) types.ProtocolCapability {
	capability := types.ProtocolCapability{Protocol: ProtocolSSH}

	start := time.Now()
	out, err := c.exec(ctx, host, creds, "racadm getversion")
	if err != nil {
		c.logger.Debug().Str("host", host.ID).Err(err).Msg("SSH detection failed")
		return capability
	}
	capability.LatencyMs = time.Since(start).Milliseconds()
	capability.Supported = true
	if m := sshVersionRe.FindStringSubmatch(out); m != nil {
		capability.FirmwareVersion = m[1]
		capability.Generation = types.GenerationFromIDRACVersion(m[1])
	}
	return capability
}

// HealthCheck opens a session and runs a no-op command.
func (c *SSHClient) HealthCheck(ctx context.Context, host types.Host, creds types.Credentials) types.HealthReport {
	report := types.HealthReport{Protocol: ProtocolSSH, Status: types.HealthUnreachable}
	start := time.Now()
	if _, err := c.exec(ctx, host, creds, "racadm get iDRAC.Info.Name"); err != nil {
		report.Details = err.Error()
		return report
	}
	report.LatencyMs = time.Since(start).Milliseconds()
	report.Status = types.HealthHealthy
	return report
}

// PerformUpdate is not supported over SSH.
func (c *SSHClient) PerformUpdate(ctx context.Context, req UpdateRequest) (UpdateResponse, error) {
	return UpdateResponse{Status: UpdateFailed, Protocol: ProtocolSSH},
		errkind.New(errkind.ActionMissing, "ssh does not support firmware updates").
			WithContext(req.Host.ID, ProtocolSSH, req.Artifact.Component)
}

// PowerCycle implements PowerController via racadm serveraction.
func (c *SSHClient) PowerCycle(ctx context.Context, host types.Host, creds types.Credentials) error {
	_, err := c.exec(ctx, host, creds, "racadm serveraction powercycle")
	return err
}
