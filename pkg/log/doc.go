/*
Package log provides structured logging for Foundry built on zerolog.

A single global logger is initialized once by the process owner (CLI or
server startup) and child loggers carrying stable fields are derived from
it per component, host, run, or protocol:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	logger := log.WithComponent("protocol-manager")
	logger.Info().Str("host_id", host.ID).Msg("detection complete")

Credential material must never reach a log event. Callers log usernames
only where operationally required and never passwords; the protocol and
credentials packages enforce this by construction (Credentials has no
Stringer and is excluded from JSON marshaling).
*/
package log
