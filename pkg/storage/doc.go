/*
Package storage provides durable state persistence for Foundry.

All orchestrator state lives in a single BoltDB file: managed hosts, update
plans, host-run records (state plus progress context persisted atomically),
queue jobs with their leases, and encrypted credential blobs.

# Buckets

  - hosts: Host records keyed by id
  - plans: Plan records keyed by id
  - runs: HostRun records keyed by run id
  - runs_by_job: jobID -> run id index backing idempotent enqueue
  - jobs: durable queue items with lease owner and deadline
  - credentials: AES-GCM encrypted blobs written by the db: credential
    backend; the store never sees plaintext

# Transactional guarantees

UpdateRun writes a run's state and ctx in one transaction, which is what
makes state transitions atomic from an observer's point of view. CreateRun
writes the run and its jobID index entry together so a duplicate enqueue
can never race past the dedup check.
*/
package storage
