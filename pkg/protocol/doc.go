/*
Package protocol abstracts the management interfaces of a PowerEdge
server behind one capability-uniform client contract.

Five clients are provided, in descending priority: Redfish (gofish plus
raw action POSTs), WSMAN (SOAP against DCIM_SoftwareInstallationService),
RACADM (out-of-process racadm invocation), IPMI and SSH (detection and
power control only). Every client can detect capabilities, report
health, and, where the interface allows, submit a firmware update.

The Manager probes all clients in parallel with a per-client timeout and
ranks the supported ones by priority then measured latency. RunUpdate
walks that ranking: transient failures retry on the same client with
jittered exponential backoff, a typed ActionMissing error falls through
to the next protocol at no retry cost, and permanent failures such as
bad credentials abort the walk outright. Detection results are cached
per host; the state machine creates one manager per run so the cache
never outlives the run.
*/
package protocol
