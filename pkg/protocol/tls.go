package protocol

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"sync"
)

var (
	caMu   sync.RWMutex
	caPool *x509.CertPool
)

// SetCABundle loads a PEM bundle used to verify management endpoints
// (iDRACs ship factory certificates, so fleets often pin an internal
// CA instead of disabling verification). Call once at startup, before
// clients are built.
func SetCABundle(path string) error {
	pem, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read CA bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return fmt.Errorf("no certificates found in %s", path)
	}
	caMu.Lock()
	caPool = pool
	caMu.Unlock()
	return nil
}

// TLSConfig is the client TLS policy toward management endpoints:
// optional verification skip plus the configured CA bundle, when set.
func TLSConfig(insecure bool) *tls.Config {
	caMu.RLock()
	pool := caPool
	caMu.RUnlock()
	return &tls.Config{InsecureSkipVerify: insecure, RootCAs: pool}
}
