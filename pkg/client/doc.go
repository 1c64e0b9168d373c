/*
Package client wraps the Foundry HTTP API for CLI usage.

One method per API operation, context-aware, returning the same typed
records the server persists. Server-side errors are rehydrated into the
error taxonomy so callers (and the CLI's exit codes) can distinguish
validation mistakes from transport failures.
*/
package client
