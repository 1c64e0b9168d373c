/*
Package api serves the orchestrator's HTTP JSON interface.

# Endpoints

Hosts:

	POST   /api/v1/hosts                 Register a host (endpoint normalized to https)
	GET    /api/v1/hosts                 List hosts
	GET    /api/v1/hosts/{id}            Fetch one host
	DELETE /api/v1/hosts/{id}            Remove a host
	POST   /api/v1/hosts/{id}/discover   Probe all protocols, refresh hardware facts

Plans and runs:

	POST   /api/v1/plans                 Create a plan (mode validated, names unique)
	GET    /api/v1/plans                 List plans
	GET    /api/v1/plans/{id}            Fetch one plan
	POST   /api/v1/plans/{id}/start      Expand to host-runs and enqueue (?dryRun=true previews)
	POST   /api/v1/plans/{id}/resolve    Preview catalog resolution per target host
	GET    /api/v1/plans/{id}/status     Runs aggregated by state
	GET    /api/v1/runs/{id}             Fetch one run with its full context
	POST   /api/v1/runs/{id}/cancel      Cancel queued or in-flight

Operations:

	GET /metrics    Prometheus exposition
	GET /healthz    Component health
	GET /readyz     Critical components registered and healthy
	GET /livez      Process liveness

# Error Mapping

Responses carry the error taxonomy: kind and classification alongside
the message. Validation maps to 400, Auth to 401, missing records to
404, Dependency to 503, Timeout to 504, everything else to 500.

Every handler is instrumented with per-operation request counters and
latency histograms, labeled by logical operation name to keep metric
cardinality bounded.
*/
package api
