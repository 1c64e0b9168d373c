package types

import (
	"fmt"
	"time"
)

// Host represents a managed PowerEdge server reached through its iDRAC.
// The management endpoint is immutable for the lifetime of the host id.
type Host struct {
	ID                 string     `json:"id"`
	ManagementEndpoint string     `json:"managementEndpoint"`
	Model              string     `json:"model,omitempty"`
	ServiceTag         string     `json:"serviceTag,omitempty"`
	Generation         Generation `json:"generation,omitempty"`
	HypervisorRef      string     `json:"hypervisorRef,omitempty"`
	HostRef            string     `json:"hostRef,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
}

// Generation is the PowerEdge hardware generation, derived from iDRAC
// firmware version probes rather than user input.
type Generation string

const (
	Gen11G             Generation = "11G"
	Gen12G             Generation = "12G"
	Gen13G             Generation = "13G"
	Gen14G             Generation = "14G"
	Gen15G             Generation = "15G"
	Gen16G             Generation = "16G"
	GenerationUnknown  Generation = "UNKNOWN"
)

// GenerationFromIDRACVersion maps an iDRAC firmware major version to a
// PowerEdge generation. Unknown versions map to GenerationUnknown.
func GenerationFromIDRACVersion(version string) Generation {
	if len(version) == 0 {
		return GenerationUnknown
	}
	switch version[0] {
	case '1':
		return Gen11G
	case '2':
		return Gen12G
	case '3':
		return Gen13G
	case '4':
		return Gen14G
	case '5':
		return Gen15G
	case '6', '7':
		// iDRAC9 7.x ships on both 15G and 16G; 16G is the newest line
		// that reports a 7.x firmware without a model hint.
		return Gen16G
	default:
		return GenerationUnknown
	}
}

// Credentials holds a username/password pair resolved by the credentials
// adapter. Never logged, never persisted to run records.
type Credentials struct {
	Username string `json:"-"`
	Password string `json:"-"`
}

// Zero drops the credential material. Called when a run ends.
func (c *Credentials) Zero() {
	c.Username = ""
	c.Password = ""
}

// Plan names target hosts and the artifacts (or catalog) to apply to them.
type Plan struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Policy    PlanPolicy `json:"policy"`
	Targets   []string   `json:"targets"`
	Artifacts []Artifact `json:"artifacts,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

// PlanPolicy is the closed option set controlling how a plan is executed.
type PlanPolicy struct {
	UpdateMode                UpdateMode  `json:"updateMode"`
	CatalogURL                string      `json:"catalogUrl,omitempty"`
	CustomRepositoryPath      string      `json:"customRepositoryPath,omitempty"`
	Components                []string    `json:"components,omitempty"` // requested component types for catalog resolution
	Targets                   []string    `json:"targets,omitempty"`    // Redfish target identifiers for SimpleUpdate
	InstallUpon               InstallUpon `json:"installUpon,omitempty"`
	MaintenanceTimeoutMinutes int         `json:"maintenanceTimeoutMinutes,omitempty"`
	MaxAttempts               int         `json:"maxAttempts,omitempty"`
}

// UpdateMode selects the APPLY branch of the host state machine.
type UpdateMode string

const (
	UpdateModeLatestFromCatalog UpdateMode = "LATEST_FROM_CATALOG"
	UpdateModeSpecificURL       UpdateMode = "SPECIFIC_URL"
	UpdateModeMultipartFile     UpdateMode = "MULTIPART_FILE"
)

// Valid reports whether the mode is one of the closed set.
func (m UpdateMode) Valid() bool {
	switch m {
	case UpdateModeLatestFromCatalog, UpdateModeSpecificURL, UpdateModeMultipartFile:
		return true
	}
	return false
}

// InstallUpon controls when the iDRAC schedules the installation.
type InstallUpon string

const (
	InstallImmediate  InstallUpon = "Immediate"
	InstallOnReset    InstallUpon = "OnReset"
	InstallNextReboot InstallUpon = "NextReboot"
)

// Artifact is a single firmware image reference within a plan.
type Artifact struct {
	Component   string      `json:"component"`
	ImageURI    string      `json:"imageURI"`
	Version     string      `json:"version,omitempty"`
	Checksum    string      `json:"checksum,omitempty"`
	Sequence    int         `json:"sequence,omitempty"`
	InstallUpon InstallUpon `json:"installUpon,omitempty"`
}

// RunState is the host-run state machine position. DONE and ERROR are
// terminal; the sequence is monotone along the designed graph.
type RunState string

const (
	StatePrechecks  RunState = "PRECHECKS"
	StateEnterMaint RunState = "ENTER_MAINT"
	StateApply      RunState = "APPLY"
	StateReboot     RunState = "REBOOT"
	StatePostchecks RunState = "POSTCHECKS"
	StateExitMaint  RunState = "EXIT_MAINT"
	StateDone       RunState = "DONE"
	StateError      RunState = "ERROR"
)

// Terminal reports whether the state ends the run.
func (s RunState) Terminal() bool {
	return s == StateDone || s == StateError
}

// AllRunStates returns every state in graph order.
func AllRunStates() []RunState {
	return []RunState{
		StatePrechecks,
		StateEnterMaint,
		StateApply,
		StateReboot,
		StatePostchecks,
		StateExitMaint,
		StateDone,
		StateError,
	}
}

// HostRun is one instance of the state machine driving one host through
// one plan. Created by the scheduler, leased to a single worker, mutated
// only by the state machine.
type HostRun struct {
	ID         string     `json:"id"`
	PlanID     string     `json:"planId"`
	HostID     string     `json:"hostId"`
	State      RunState   `json:"state"`
	Ctx        RunContext `json:"ctx"`
	Attempt    int        `json:"attempt"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// JobID is the composite dedup key for idempotent enqueue.
func (r *HostRun) JobID() string {
	return fmt.Sprintf("plan:%s:host:%s", r.PlanID, r.HostID)
}

// RunContext is the typed progress/result bag persisted with each state
// transition. Only the state machine writes it.
type RunContext struct {
	ManagementKind string            `json:"mgmtKind,omitempty"`
	Capabilities   map[string]bool   `json:"caps,omitempty"`
	Progress       []ProgressEvent   `json:"progress,omitempty"`
	Results        []ComponentResult `json:"results,omitempty"`
	Warnings       []string          `json:"warnings,omitempty"`
	Inventory      *InventoryDiff    `json:"inventory,omitempty"`
	Maintenance    *MaintenanceInfo  `json:"maintenance,omitempty"`
	Error          *RunError         `json:"error,omitempty"`
}

// ProgressEvent is one structured entry of the ordered run history.
type ProgressEvent struct {
	Type      EventType `json:"type"`
	Message   string    `json:"message"`
	Phase     string    `json:"phase,omitempty"`
	Component string    `json:"component,omitempty"`
	Percent   int       `json:"percent,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EventType classifies a progress event.
type EventType string

const (
	EventProgress EventType = "progress"
	EventInfo     EventType = "info"
	EventWarning  EventType = "warning"
	EventError    EventType = "error"
)

// ComponentResult records one component's update attempt in ctx.results.
type ComponentResult struct {
	Component string           `json:"component"`
	ImageURI  string           `json:"imageURI,omitempty"`
	Task      *TaskObservation `json:"task,omitempty"`
}

// MaintenanceInfo records hypervisor maintenance bookkeeping for the run.
type MaintenanceInfo struct {
	Entered   bool   `json:"entered"`
	Exited    bool   `json:"exited"`
	ExitError string `json:"exitError,omitempty"`
}

// RunError is the terminal error recorded on an ERROR transition.
type RunError struct {
	Message        string `json:"message"`
	Classification string `json:"classification"`
	State          string `json:"state,omitempty"`
	Component      string `json:"component,omitempty"`
}

// ProtocolCapability is the detection result of one protocol client for one
// host, cacheable for the duration of a run.
type ProtocolCapability struct {
	Protocol        string            `json:"protocol"`
	Supported       bool              `json:"supported"`
	Generation      Generation        `json:"generation,omitempty"`
	FirmwareVersion string            `json:"firmwareVersion,omitempty"`
	Model           string            `json:"model,omitempty"`
	ServiceTag      string            `json:"serviceTag,omitempty"`
	UpdateModes     []string          `json:"updateModes,omitempty"`
	LatencyMs       int64             `json:"latencyMs,omitempty"`
	Raw             map[string]string `json:"raw,omitempty"`
}

// HealthState is a protocol client health-check verdict.
type HealthState string

const (
	HealthHealthy     HealthState = "healthy"
	HealthDegraded    HealthState = "degraded"
	HealthUnreachable HealthState = "unreachable"
)

// HealthReport is the result of one protocol health check.
type HealthReport struct {
	Protocol  string      `json:"protocol"`
	Status    HealthState `json:"status"`
	LatencyMs int64       `json:"latencyMs"`
	Details   string      `json:"details,omitempty"`
}

// TaskState is the terminal verdict of a polled Redfish task.
type TaskState string

const (
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
	TaskTimedOut  TaskState = "timedOut"
	TaskCancelled TaskState = "cancelled"
)

// TaskObservation is produced by the task poller.
type TaskObservation struct {
	TaskLocation string         `json:"taskLocation,omitempty"`
	State        TaskState      `json:"state"`
	Percent      int            `json:"percent,omitempty"`
	Messages     []string       `json:"messages,omitempty"`
	Inventory    *InventoryDiff `json:"inventory,omitempty"`
}

// InventoryItem is one firmware component reported by the controller,
// keyed by component identity and version.
type InventoryItem struct {
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	Version string `json:"version"`
}

// InventoryDiff is the before/after comparison of software inventories.
type InventoryDiff struct {
	Before         []InventoryItem  `json:"before,omitempty"`
	After          []InventoryItem  `json:"after,omitempty"`
	Added          []InventoryItem  `json:"added,omitempty"`
	Removed        []InventoryItem  `json:"removed,omitempty"`
	VersionChanged []VersionChange  `json:"versionChanged,omitempty"`
}

// VersionChange records one component whose version differs across the diff.
type VersionChange struct {
	ID   string `json:"id"`
	From string `json:"from"`
	To   string `json:"to"`
}

// CatalogEntry is one software component parsed from the Dell catalog.
type CatalogEntry struct {
	ID              string    `json:"id"`
	ComponentType   string    `json:"componentType"`
	Version         string    `json:"version"`
	URL             string    `json:"url"`
	SupportedModels []string  `json:"supportedModels,omitempty"`
	ReleaseDate     time.Time `json:"releaseDate,omitempty"`
}
