package errkind

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"syscall"
)

// Kind is the context-free failure kind raised by protocol clients and
// subsystems.
type Kind string

const (
	// Network is a transport reset/timeout/refused failure.
	Network Kind = "Network"
	// Auth is a 401/403 or SOAP auth fault.
	Auth Kind = "Auth"
	// Validation is a malformed request, missing imageURI, or unknown mode.
	Validation Kind = "Validation"
	// ActionMissing signals a required Redfish action is absent. It drives
	// protocol fallback and is not a user-visible error.
	ActionMissing Kind = "ActionMissing"
	// ProtocolError is any other protocol-reported failure.
	ProtocolError Kind = "ProtocolError"
	// Dependency is a required collaborator (secret store, queue, catalog
	// host) being unreachable when needed.
	Dependency Kind = "Dependency"
	// Cancelled is cooperative cancellation observed.
	Cancelled Kind = "Cancelled"
	// Timeout is a task or HTTP deadline exceeded.
	Timeout Kind = "Timeout"
)

// Class is the retry classification of a failure.
type Class string

const (
	Transient Class = "transient"
	Permanent Class = "permanent"
	Critical  Class = "critical"
)

// Error carries a classified failure with orchestration context.
type Error struct {
	Kind      Kind
	Class     Class
	Host      string
	Protocol  string
	Component string
	Attempt   int
	Msg       string
	Err       error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Protocol != "" {
		return fmt.Sprintf("%s [%s/%s]: %s", e.Kind, e.Protocol, e.Class, msg)
	}
	return fmt.Sprintf("%s [%s]: %s", e.Kind, e.Class, msg)
}

// Unwrap returns the wrapped error.
func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Class: defaultClass(kind), Msg: msg}
}

// Wrap classifies an underlying error under the given kind.
func Wrap(kind Kind, err error) *Error {
	return &Error{Kind: kind, Class: defaultClass(kind), Err: err}
}

// WithContext attaches orchestration context and returns the error.
func (e *Error) WithContext(host, protocol, component string) *Error {
	e.Host = host
	e.Protocol = protocol
	e.Component = component
	return e
}

// WithAttempt records the attempt number and returns the error.
func (e *Error) WithAttempt(n int) *Error {
	e.Attempt = n
	return e
}

// defaultClass maps a kind to its classification per the taxonomy:
// only Network and Timeout are transient, Dependency is critical,
// everything else is permanent. ActionMissing is classified permanent but
// is consumed by fallback before it ever reaches a run record.
func defaultClass(kind Kind) Class {
	switch kind {
	case Network, Timeout:
		return Transient
	case Dependency:
		return Critical
	default:
		return Permanent
	}
}

// KindOf extracts the kind of a classified error, or ProtocolError when
// the error carries no kind.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ProtocolError
}

// Classify computes the classification of any error. Explicit kinds win;
// otherwise transport-level signals (socket errors, timeouts, context
// cancellation) decide.
func Classify(err error) Class {
	if err == nil {
		return Permanent
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	if errors.Is(err, context.Canceled) {
		return Permanent
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return Transient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Transient
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return Transient
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ETIMEDOUT) {
		return Transient
	}
	return Permanent
}

// IsRetryable reports whether the error may be retried. Only transient
// failures are retryable.
func IsRetryable(err error) bool {
	return Classify(err) == Transient
}

// IsActionMissing reports whether the error signals a missing Redfish
// action, which drives protocol fallback without spending a retry.
func IsActionMissing(err error) bool {
	return KindOf(err) == ActionMissing
}

// IsCancelled reports whether the error records cooperative cancellation.
func IsCancelled(err error) bool {
	if KindOf(err) == Cancelled {
		return true
	}
	return errors.Is(err, context.Canceled)
}

// FromHTTPStatus builds a classified error from an HTTP status code.
// 5xx and "busy" statuses are transient; 401/403 are Auth; other 4xx are
// permanent except 408/425/429 which are transient.
func FromHTTPStatus(code int, msg string) *Error {
	switch {
	case code == 401 || code == 403:
		return New(Auth, msg)
	case code == 408 || code == 425 || code == 429:
		e := New(Network, msg)
		e.Class = Transient
		return e
	case code == 404:
		// 404 is permanent in general; ephemerally-absent task resources
		// are special-cased by the task poller, not here.
		return New(ProtocolError, msg)
	case code >= 500:
		e := New(ProtocolError, msg)
		e.Class = Transient
		return e
	case code >= 400:
		return New(ProtocolError, msg)
	default:
		return New(ProtocolError, msg)
	}
}

// CLI exit codes for wrappers around the orchestrator.
const (
	ExitOK           = 0
	ExitOther        = 1
	ExitValidation   = 2
	ExitAuth         = 3
	ExitNoFirmware   = 4
	ExitCancelled    = 5
)

// ErrNoCompatibleFirmware is raised by the planner when no requested
// component yields an applicable artifact.
var ErrNoCompatibleFirmware = New(Validation, "no compatible firmware for requested components")

// ErrNoProtocol is raised by the protocol manager when no client supports
// the host.
var ErrNoProtocol = New(ProtocolError, "no management protocol available for host")

// ExitCode maps a terminal error to the CLI exit code contract.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	if IsCancelled(err) {
		return ExitCancelled
	}
	if errors.Is(err, ErrNoCompatibleFirmware) {
		return ExitNoFirmware
	}
	switch KindOf(err) {
	case Auth:
		return ExitAuth
	case Validation:
		return ExitValidation
	default:
		return ExitOther
	}
}
