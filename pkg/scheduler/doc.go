/*
Package scheduler expands update plans into per-host runs.

StartPlan validates the plan, resolves every target host up front (a
single unknown id aborts the whole expansion), creates one HostRun per
host and enqueues each through the durable queue. Expansion is
idempotent on the plan/host pair: re-starting a plan reuses live runs
and leaves finished ones alone, so an operator can safely re-issue a
start after a partial rollout. Dry-run answers what would happen
without creating anything.

A background watcher announces plan completion once, when every run
under a plan has reached a terminal state. Status aggregates the runs
by state for the API and CLI.
*/
package scheduler
