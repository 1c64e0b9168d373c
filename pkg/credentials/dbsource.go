package credentials

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"

	"github.com/rackforge/foundry/pkg/errkind"
	"github.com/rackforge/foundry/pkg/types"
)

// BlobStore is the subset of the storage layer the db: backend needs.
type BlobStore interface {
	PutCredentialBlob(key string, blob []byte) error
	GetCredentialBlob(key string) ([]byte, error)
}

// DBSource stores credentials AES-256-GCM encrypted in the bolt store.
// The encryption key is derived once at startup; the store only ever
// holds ciphertext.
type DBSource struct {
	store BlobStore
	key   []byte // 32 bytes for AES-256
}

// record is the serialized plaintext form of a credential entry.
type record struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Endpoint string `json:"endpoint,omitempty"`
}

// NewDBSource creates a db-backed credential source with the given
// 32-byte encryption key.
func NewDBSource(store BlobStore, key []byte) (*DBSource, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes for AES-256, got %d", len(key))
	}
	return &DBSource{store: store, key: key}, nil
}

// NewDBSourceFromPassword derives the encryption key from a password
// using SHA-256.
func NewDBSourceFromPassword(store BlobStore, password string) (*DBSource, error) {
	if password == "" {
		return nil, fmt.Errorf("password cannot be empty")
	}
	hash := sha256.Sum256([]byte(password))
	return NewDBSource(store, hash[:])
}

// encrypt seals plaintext with AES-256-GCM, nonce prepended.
func (d *DBSource) encrypt(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(d.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// decrypt opens a blob produced by encrypt.
func (d *DBSource) decrypt(ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(d.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

// Set stores management credentials for a host.
func (d *DBSource) Set(hostID string, creds types.Credentials) error {
	return d.put("mgmt:"+hostID, record{Username: creds.Username, Password: creds.Password})
}

// SetHypervisor stores hypervisor credentials for a hypervisor reference.
func (d *DBSource) SetHypervisor(hypervisorRef, endpoint string, creds types.Credentials) error {
	return d.put("hyp:"+hypervisorRef, record{
		Username: creds.Username,
		Password: creds.Password,
		Endpoint: endpoint,
	})
}

func (d *DBSource) put(key string, rec record) error {
	plaintext, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	blob, err := d.encrypt(plaintext)
	if err != nil {
		return err
	}
	return d.store.PutCredentialBlob(key, blob)
}

func (d *DBSource) get(key string) (record, error) {
	blob, err := d.store.GetCredentialBlob(key)
	if err != nil {
		return record{}, errkind.Wrap(errkind.Dependency, err)
	}
	plaintext, err := d.decrypt(blob)
	if err != nil {
		return record{}, errkind.Wrap(errkind.Dependency, err)
	}
	var rec record
	if err := json.Unmarshal(plaintext, &rec); err != nil {
		return record{}, errkind.Wrap(errkind.Dependency, err)
	}
	return rec, nil
}

// GetManagementCreds implements Source.
func (d *DBSource) GetManagementCreds(_ context.Context, hostID string) (types.Credentials, error) {
	rec, err := d.get("mgmt:" + hostID)
	if err != nil {
		return types.Credentials{}, err
	}
	return types.Credentials{Username: rec.Username, Password: rec.Password}, nil
}

// GetHypervisorCreds implements Source.
func (d *DBSource) GetHypervisorCreds(_ context.Context, hostID, hypervisorRef string) (HypervisorCreds, error) {
	rec, err := d.get("hyp:" + hypervisorRef)
	if err != nil {
		return HypervisorCreds{}, err
	}
	return HypervisorCreds{
		Endpoint:    rec.Endpoint,
		Credentials: types.Credentials{Username: rec.Username, Password: rec.Password},
	}, nil
}
