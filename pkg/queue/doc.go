/*
Package queue feeds persisted host-run jobs to a bounded worker pool.

Jobs live in the bolt store, keyed by the composite id
plan:<planId>:host:<hostId>, which makes Enqueue idempotent: starting
the same plan twice never doubles a host's work. Workers lease a job
for a fixed TTL and extend the lease while executing; the reclaimer
returns expired leases to the pool so a crashed worker's job is picked
up elsewhere and resumed from its persisted state.

Failures are settled by classification. Transient failures rewind the
run to the state that failed and re-queue the job with jittered
exponential backoff, up to the attempt budget (three by default).
Permanent, critical and cancelled outcomes drop the job and leave the
run's ERROR record as the verdict.

Cancellation has two paths: a queued job is removed and its run marked
cancelled directly; an in-flight run gets its context cancelled, which
the state machine observes at the next safe boundary rather than
aborting an update the iDRAC already accepted.
*/
package queue
