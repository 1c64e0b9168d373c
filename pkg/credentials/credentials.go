package credentials

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/rackforge/foundry/pkg/errkind"
	"github.com/rackforge/foundry/pkg/types"
)

// HypervisorCreds bundles the hypervisor endpoint with its credentials.
type HypervisorCreds struct {
	Endpoint    string
	Credentials types.Credentials
}

// Source resolves credentials for a host id. Implementations must be safe
// for concurrent reads.
type Source interface {
	// GetManagementCreds resolves the iDRAC credentials for a host.
	GetManagementCreds(ctx context.Context, hostID string) (types.Credentials, error)
	// GetHypervisorCreds resolves the hypervisor endpoint and credentials
	// for a host's hypervisor reference.
	GetHypervisorCreds(ctx context.Context, hostID, hypervisorRef string) (HypervisorCreds, error)
}

// Resolver selects a backend by URI-like prefix: "env:", "vault:" or "db:".
// Resolution failures are critical; a run cannot proceed meaningfully
// without credentials.
type Resolver struct {
	mu       sync.RWMutex
	backends map[string]Source
}

// NewResolver creates an empty resolver. Backends are registered by the
// process owner during startup.
func NewResolver() *Resolver {
	return &Resolver{backends: make(map[string]Source)}
}

// Register installs a backend under a prefix ("env", "vault", "db").
func (r *Resolver) Register(prefix string, src Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[prefix] = src
}

// Resolve returns the backend for a source reference like "db:host-1".
func (r *Resolver) Resolve(ref string) (Source, string, error) {
	prefix, rest, ok := strings.Cut(ref, ":")
	if !ok {
		return nil, "", errkind.New(errkind.Validation, fmt.Sprintf("credential reference %q has no backend prefix", ref))
	}
	r.mu.RLock()
	src := r.backends[prefix]
	r.mu.RUnlock()
	if src == nil {
		return nil, "", errkind.New(errkind.Dependency, fmt.Sprintf("no credential backend registered for %q", prefix))
	}
	return src, rest, nil
}

// GetManagementCreds resolves iDRAC credentials through the backend named
// in the reference.
func (r *Resolver) GetManagementCreds(ctx context.Context, ref string) (types.Credentials, error) {
	src, hostID, err := r.Resolve(ref)
	if err != nil {
		return types.Credentials{}, err
	}
	return src.GetManagementCreds(ctx, hostID)
}

// GetHypervisorCreds resolves the hypervisor endpoint and credentials
// through the backend named in the reference.
func (r *Resolver) GetHypervisorCreds(ctx context.Context, ref, hypervisorRef string) (HypervisorCreds, error) {
	src, hostID, err := r.Resolve(ref)
	if err != nil {
		return HypervisorCreds{}, err
	}
	return src.GetHypervisorCreds(ctx, hostID, hypervisorRef)
}

// EnvSource reads credentials from environment variables. Management
// credentials come from FOUNDRY_IDRAC_USER / FOUNDRY_IDRAC_PASSWORD with
// optional per-host overrides (FOUNDRY_IDRAC_USER_<HOSTID>).
type EnvSource struct{}

// NewEnvSource creates an environment-variable backend.
func NewEnvSource() *EnvSource { return &EnvSource{} }

func envKey(base, hostID string) string {
	suffix := strings.ToUpper(strings.NewReplacer("-", "_", ".", "_", ":", "_").Replace(hostID))
	return base + "_" + suffix
}

func lookupPair(userBase, passBase, hostID string) (types.Credentials, error) {
	user := os.Getenv(envKey(userBase, hostID))
	pass := os.Getenv(envKey(passBase, hostID))
	if user == "" {
		user = os.Getenv(userBase)
	}
	if pass == "" {
		pass = os.Getenv(passBase)
	}
	if user == "" || pass == "" {
		return types.Credentials{}, errkind.New(errkind.Dependency,
			fmt.Sprintf("no %s credentials in environment for host %s", userBase, hostID))
	}
	return types.Credentials{Username: user, Password: pass}, nil
}

// GetManagementCreds implements Source.
func (e *EnvSource) GetManagementCreds(_ context.Context, hostID string) (types.Credentials, error) {
	return lookupPair("FOUNDRY_IDRAC_USER", "FOUNDRY_IDRAC_PASSWORD", hostID)
}

// GetHypervisorCreds implements Source. The endpoint comes from
// FOUNDRY_HYPERVISOR_ENDPOINT; the hypervisorRef is used as-is when it
// looks like a URL.
func (e *EnvSource) GetHypervisorCreds(_ context.Context, hostID, hypervisorRef string) (HypervisorCreds, error) {
	creds, err := lookupPair("FOUNDRY_HYPERVISOR_USER", "FOUNDRY_HYPERVISOR_PASSWORD", hostID)
	if err != nil {
		return HypervisorCreds{}, err
	}
	endpoint := os.Getenv("FOUNDRY_HYPERVISOR_ENDPOINT")
	if strings.HasPrefix(hypervisorRef, "https://") || strings.HasPrefix(hypervisorRef, "http://") {
		endpoint = hypervisorRef
	}
	if endpoint == "" {
		return HypervisorCreds{}, errkind.New(errkind.Dependency,
			fmt.Sprintf("no hypervisor endpoint for host %s", hostID))
	}
	return HypervisorCreds{Endpoint: endpoint, Credentials: creds}, nil
}
