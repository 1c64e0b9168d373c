/*
Package credentials resolves iDRAC and hypervisor credentials for hosts,
hiding the backing store from the rest of the orchestrator.

Backends are selected by a URI-like prefix on the credential reference:

  - env:   environment variables, with optional per-host overrides
  - vault: Vault KV v2 read over HTTP
  - db:    AES-256-GCM encrypted blobs in the bolt store

Resolution failures are classified critical; a host-run cannot proceed
meaningfully without credentials. All sources are safe for concurrent
reads. Credentials are scoped to a run and zeroed when it ends.
*/
package credentials
