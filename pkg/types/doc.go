/*
Package types defines the core data structures used throughout Foundry.

This package contains all fundamental types that represent Foundry's domain
model: managed hosts, update plans, host-runs, protocol capabilities, task
observations, and catalog entries. These types are used by all other packages
for state management, API communication, and orchestration logic.

# Core Types

Fleet model:
  - Host: a PowerEdge server reached through its iDRAC management endpoint
  - Generation: hardware generation (11G..16G) derived from iDRAC probes
  - Credentials: username/password resolved by the credentials adapter;
    never logged, never persisted to run records

Plans and runs:
  - Plan: named targets plus update artifacts or a catalog policy
  - PlanPolicy: closed option set (update mode, catalog URL, install timing)
  - HostRun: one instance of the state machine driving one host through
    one plan; state is monotone, DONE and ERROR are terminal
  - RunContext: typed progress/result bag, written only by the state machine

Protocol layer:
  - ProtocolCapability: per-client detection result, cached for one run
  - HealthReport: per-client health verdict with latency

Update tracking:
  - TaskObservation: terminal state, messages and inventory diff of a
    polled Redfish task
  - InventoryDiff: added/removed/versionChanged firmware components
  - CatalogEntry: one software component from the Dell catalog

# Usage

Creating a plan:

	plan := &types.Plan{
		ID:   uuid.New().String(),
		Name: "q3-bios-refresh",
		Policy: types.PlanPolicy{
			UpdateMode: types.UpdateModeSpecificURL,
		},
		Targets: []string{"r750-rack4-07"},
		Artifacts: []types.Artifact{
			{Component: "BIOS", ImageURI: "https://fw.example/bios-2.20.exe"},
		},
	}

All types marshal to JSON for persistence in the bolt store and for the
admin API, except Credentials which deliberately does not.
*/
package types
