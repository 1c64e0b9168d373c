/*
Package taskpoll tracks Redfish task monitors to completion and observes
firmware inventory.

Polling starts at a two-second interval and backs off multiplicatively
to a fifteen-second ceiling; an overall timeout bounds the whole watch.
Transient fetch failures are tolerated but five in a row fail the poll;
an iDRAC unreachable for that long mid-flash needs a human. New
task messages are deduplicated and streamed to the caller as structured
events, which is how run progress reaches the run record.

After any terminal state the software inventory is re-read from
UpdateService/FirmwareInventory and, when the caller supplied a
baseline, diffed into added/removed/versionChanged sets keyed by
component identity.
*/
package taskpoll
