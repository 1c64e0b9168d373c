package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rackforge/foundry/pkg/errkind"
	"github.com/rackforge/foundry/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memBlobStore struct {
	blobs map[string][]byte
}

func (m *memBlobStore) PutCredentialBlob(key string, blob []byte) error {
	if m.blobs == nil {
		m.blobs = make(map[string][]byte)
	}
	m.blobs[key] = blob
	return nil
}

func (m *memBlobStore) GetCredentialBlob(key string) ([]byte, error) {
	blob, ok := m.blobs[key]
	if !ok {
		return nil, fmt.Errorf("credentials not found: %s", key)
	}
	return blob, nil
}

// TestResolverPrefixRouting tests backend selection by URI-like prefix
func TestResolverPrefixRouting(t *testing.T) {
	r := NewResolver()
	r.Register("env", NewEnvSource())

	_, rest, err := r.Resolve("env:host-1")
	require.NoError(t, err)
	assert.Equal(t, "host-1", rest)

	_, _, err = r.Resolve("vault:host-1")
	require.Error(t, err)
	assert.Equal(t, errkind.Critical, errkind.Classify(err))

	_, _, err = r.Resolve("noprefix")
	require.Error(t, err)
	assert.Equal(t, errkind.Validation, errkind.KindOf(err))
}

// TestEnvSource tests env var resolution with per-host override
func TestEnvSource(t *testing.T) {
	t.Setenv("FOUNDRY_IDRAC_USER", "root")
	t.Setenv("FOUNDRY_IDRAC_PASSWORD", "calvin")
	t.Setenv("FOUNDRY_IDRAC_USER_R750_07", "svc-fw")

	src := NewEnvSource()

	creds, err := src.GetManagementCreds(context.Background(), "host-x")
	require.NoError(t, err)
	assert.Equal(t, "root", creds.Username)

	creds, err = src.GetManagementCreds(context.Background(), "r750-07")
	require.NoError(t, err)
	assert.Equal(t, "svc-fw", creds.Username)
	assert.Equal(t, "calvin", creds.Password)
}

// TestEnvSourceMissing verifies a missing pair is a critical failure
func TestEnvSourceMissing(t *testing.T) {
	t.Setenv("FOUNDRY_IDRAC_USER", "")
	t.Setenv("FOUNDRY_IDRAC_PASSWORD", "")

	_, err := NewEnvSource().GetManagementCreds(context.Background(), "host-x")
	require.Error(t, err)
	assert.Equal(t, errkind.Critical, errkind.Classify(err))
}

// TestDBSourceRoundTrip tests encryption round trip and ciphertext at rest
func TestDBSourceRoundTrip(t *testing.T) {
	store := &memBlobStore{}
	src, err := NewDBSourceFromPassword(store, "cluster-key")
	require.NoError(t, err)

	in := types.Credentials{Username: "root", Password: "calvin"}
	require.NoError(t, src.Set("host-1", in))

	// At rest the blob must not contain the plaintext password.
	blob := store.blobs["mgmt:host-1"]
	require.NotEmpty(t, blob)
	assert.NotContains(t, string(blob), "calvin")

	out, err := src.GetManagementCreds(context.Background(), "host-1")
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

// TestDBSourceWrongKey verifies decryption with a different key fails closed
func TestDBSourceWrongKey(t *testing.T) {
	store := &memBlobStore{}
	writer, err := NewDBSourceFromPassword(store, "key-a")
	require.NoError(t, err)
	require.NoError(t, writer.Set("host-1", types.Credentials{Username: "u", Password: "p"}))

	reader, err := NewDBSourceFromPassword(store, "key-b")
	require.NoError(t, err)
	_, err = reader.GetManagementCreds(context.Background(), "host-1")
	require.Error(t, err)
	assert.Equal(t, errkind.Critical, errkind.Classify(err))
}

// TestVaultSource tests KV v2 reads against a stub server
func TestVaultSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "unit-token", r.Header.Get("X-Vault-Token"))
		switch r.URL.Path {
		case "/v1/secret/data/foundry/mgmt/host-1":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"data": map[string]any{
					"data": map[string]string{"username": "root", "password": "calvin"},
				},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	src := NewVaultSource(srv.URL, "unit-token", "secret")

	creds, err := src.GetManagementCreds(context.Background(), "host-1")
	require.NoError(t, err)
	assert.Equal(t, "root", creds.Username)

	_, err = src.GetManagementCreds(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, errkind.Critical, errkind.Classify(err))
}
