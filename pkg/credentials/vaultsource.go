package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rackforge/foundry/pkg/errkind"
	"github.com/rackforge/foundry/pkg/types"
)

// VaultSource reads credentials from a Vault KV v2 mount over HTTP.
// Secrets live at <mount>/data/foundry/mgmt/<hostId> and
// <mount>/data/foundry/hyp/<hypervisorRef> with keys username, password
// and (hypervisor only) endpoint.
type VaultSource struct {
	addr   string
	token  string
	mount  string
	client *http.Client
}

// NewVaultSource creates a Vault-backed credential source.
func NewVaultSource(addr, token, mount string) *VaultSource {
	if mount == "" {
		mount = "secret"
	}
	return &VaultSource{
		addr:   addr,
		token:  token,
		mount:  mount,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// kvResponse is the KV v2 read envelope.
type kvResponse struct {
	Data struct {
		Data map[string]string `json:"data"`
	} `json:"data"`
}

func (v *VaultSource) read(ctx context.Context, path string) (map[string]string, error) {
	u, err := url.JoinPath(v.addr, "v1", v.mount, "data", path)
	if err != nil {
		return nil, errkind.Wrap(errkind.Dependency, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, errkind.Wrap(errkind.Dependency, err)
	}
	req.Header.Set("X-Vault-Token", v.token)

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, errkind.Wrap(errkind.Dependency, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errkind.New(errkind.Dependency,
			fmt.Sprintf("vault read %s: status %d", path, resp.StatusCode))
	}
	var out kvResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, errkind.Wrap(errkind.Dependency, err)
	}
	return out.Data.Data, nil
}

// GetManagementCreds implements Source.
func (v *VaultSource) GetManagementCreds(ctx context.Context, hostID string) (types.Credentials, error) {
	data, err := v.read(ctx, "foundry/mgmt/"+hostID)
	if err != nil {
		return types.Credentials{}, err
	}
	if data["username"] == "" || data["password"] == "" {
		return types.Credentials{}, errkind.New(errkind.Dependency,
			fmt.Sprintf("vault secret for host %s is missing username/password", hostID))
	}
	return types.Credentials{Username: data["username"], Password: data["password"]}, nil
}

// GetHypervisorCreds implements Source.
func (v *VaultSource) GetHypervisorCreds(ctx context.Context, hostID, hypervisorRef string) (HypervisorCreds, error) {
	data, err := v.read(ctx, "foundry/hyp/"+hypervisorRef)
	if err != nil {
		return HypervisorCreds{}, err
	}
	if data["endpoint"] == "" {
		return HypervisorCreds{}, errkind.New(errkind.Dependency,
			fmt.Sprintf("vault secret for hypervisor %s has no endpoint", hypervisorRef))
	}
	return HypervisorCreds{
		Endpoint:    data["endpoint"],
		Credentials: types.Credentials{Username: data["username"], Password: data["password"]},
	}, nil
}
