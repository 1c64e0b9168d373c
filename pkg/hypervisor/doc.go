/*
Package hypervisor moves ESXi-style hosts in and out of maintenance mode
around a firmware run.

The REST client logs in for a session token, submits the maintenance
request (always evacuating powered-off guests along with the rest), and
polls the returned async task to completion under a hard cap, thirty
minutes by default. Maintenance entry failures are critical; exit
failures are reported by the caller as warnings because the firmware
work itself already succeeded.
*/
package hypervisor
