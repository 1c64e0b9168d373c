package protocol

import (
	"context"

	"github.com/rackforge/foundry/pkg/types"
)

// Protocol names. Priorities are static; the manager orders candidates
// by priority first and measured latency second.
const (
	ProtocolRedfish = "redfish"
	ProtocolWSMAN   = "wsman"
	ProtocolRACADM  = "racadm"
	ProtocolIPMI    = "ipmi"
	ProtocolSSH     = "ssh"
)

const (
	priorityRedfish = 50
	priorityWSMAN   = 40
	priorityRACADM  = 30
	priorityIPMI    = 20
	prioritySSH     = 10
)

// Update modes a client can advertise and execute.
const (
	ModeSimpleUpdate      = "SIMPLE_UPDATE"
	ModeMultipartUpdate   = "MULTIPART_UPDATE"
	ModeInstallFromRepo   = "INSTALL_FROM_REPOSITORY"
	ModeRepositoryAuto    = "REPOSITORY_AUTO" // racadm out-of-process repository update
)

// UpdateStatus is the immediate verdict of a firmware submission. QUEUED
// means the controller accepted the job; completion is observed by the
// task poller.
type UpdateStatus string

const (
	UpdateQueued UpdateStatus = "QUEUED"
	UpdateFailed UpdateStatus = "FAILED"
)

// UpdateRequest carries everything a client needs to submit one update.
type UpdateRequest struct {
	Host          types.Host
	Credentials   types.Credentials
	Mode          types.UpdateMode
	Artifact      types.Artifact
	RepositoryURL string
	Targets       []string
	InstallUpon   types.InstallUpon
	Params        map[string]string
}

// UpdateResponse is the submission result.
type UpdateResponse struct {
	Status       UpdateStatus `json:"status"`
	Protocol     string       `json:"protocol"`
	JobID        string       `json:"jobId,omitempty"`
	TaskLocation string       `json:"taskLocation,omitempty"`
	Messages     []string     `json:"messages,omitempty"`
}

// Client is the capability-uniform contract every management protocol
// implements. DetectCapability reports supported=false rather than an
// error for an unreachable endpoint; errors mean the probe itself could
// not run.
type Client interface {
	Protocol() string
	Priority() int
	DetectCapability(ctx context.Context, host types.Host, creds types.Credentials) types.ProtocolCapability
	HealthCheck(ctx context.Context, host types.Host, creds types.Credentials) types.HealthReport
	PerformUpdate(ctx context.Context, req UpdateRequest) (UpdateResponse, error)
}

// PowerController is implemented by clients that can cycle host power
// (IPMI and SSH). The state machine uses it when a BIOS artifact needs a
// reset and Redfish power actions are unavailable.
type PowerController interface {
	PowerCycle(ctx context.Context, host types.Host, creds types.Credentials) error
}
