/*
Package hostrun drives one host through a firmware update as a persisted
state machine.

# State Graph

	PRECHECKS → ENTER_MAINT → APPLY → REBOOT → POSTCHECKS → EXIT_MAINT → DONE
	     └──────────┴──────────┴───────┴──────────┴────────────┴──────→ ERROR

States only move forward. Every transition persists the new state and
the run context in a single store write, so a worker crash leaves the
run resumable exactly where it stopped: a reclaimed job re-enters at the
persisted state, and the APPLY phase skips components whose tasks are
already recorded complete.

# Phases

PRECHECKS probes all management protocols in parallel, records the
ranked capabilities, refreshes the host record's hardware facts, and
rejects the plan permanently when no detected protocol can execute its
update mode.

ENTER_MAINT evacuates the host through its hypervisor, powered-off
guests included. Hosts without a hypervisor reference skip straight to
APPLY. A failed evacuation fails the run: firmware never flows under
live guests.

APPLY branches on the plan's update mode. Catalog plans submit a single
repository update, falling back from the Redfish OEM action to racadm
when the action is missing; the out-of-band path has no task monitor,
so completion is inferred from the controller answering health probes
again. URL and multipart plans push artifacts one at a time in sequence
order, watching each Redfish task to its terminal state.

REBOOT issues a power cycle only when some install was staged for a
reset; immediate installs pass through. POSTCHECKS re-reads the
firmware inventory and records the diff against the apply-time
baseline.

EXIT_MAINT is best effort: the firmware work already succeeded, so a
failed exit is recorded as a warning and the run still completes. The
error path also attempts the exit before landing in ERROR, on a fresh
context because the run's own may be cancelled.

# Cancellation

Cancellation is observed at state boundaries and between artifacts,
never mid-flash. An in-flight iDRAC task is left to finish; its task
location stays in the run record for later inspection.
*/
package hostrun
