/*
Package metrics provides Prometheus metrics collection and exposition for Foundry.

The metrics package defines and registers all Foundry metrics using the
Prometheus client library, providing observability into fleet state, queue
behavior, protocol selection and update latency. Metrics are exposed via an
HTTP endpoint for scraping by Prometheus servers, alongside health and
readiness handlers used by the API server.

# Architecture

Foundry's metrics system follows Prometheus conventions with instrumentation
across the orchestrator:

	┌──────────────────── METRICS SYSTEM ──────────────────────┐
	│                                                           │
	│  ┌────────────────────────────────────────────┐           │
	│  │          Prometheus Registry               │           │
	│  │  - Global DefaultRegistry                  │           │
	│  │  - MustRegister at package init            │           │
	│  │  - Automatic Go runtime metrics            │           │
	│  └──────────────────┬─────────────────────────┘           │
	│                     │                                     │
	│  ┌──────────────────▼─────────────────────────┐           │
	│  │           Metric Categories                │           │
	│  │                                            │           │
	│  │  Fleet: Hosts, plans, runs by state        │           │
	│  │  Queue: Depth, leases, reclaims            │           │
	│  │  Protocol: Detections, fallbacks           │           │
	│  │  Updates: Submissions, run duration        │           │
	│  │  API: Request count, duration              │           │
	│  └──────────────────┬─────────────────────────┘           │
	│                     │                                     │
	│  ┌──────────────────▼─────────────────────────┐           │
	│  │          Store Collector                   │           │
	│  │  - Samples hosts/plans/runs/jobs every 15s │           │
	│  │  - Reads only; never mutates state         │           │
	│  └──────────────────┬─────────────────────────┘           │
	│                     │                                     │
	│  ┌──────────────────▼─────────────────────────┐           │
	│  │          HTTP Metrics Endpoint             │           │
	│  │  - Path: /metrics                          │           │
	│  │  - Format: Prometheus text exposition      │           │
	│  │  - Handler: promhttp.Handler()             │           │
	│  └────────────────────────────────────────────┘           │
	└───────────────────────────────────────────────────────────┘

# Metrics Catalog

Fleet Metrics:

foundry_hosts_total:
  - Type: Gauge
  - Description: Total number of managed hosts
  - Example: foundry_hosts_total 48

foundry_plans_total:
  - Type: Gauge
  - Description: Total number of update plans
  - Example: foundry_plans_total 6

foundry_runs_total{state}:
  - Type: Gauge
  - Description: Host-runs by state machine position
  - Labels: state (PRECHECKS, ENTER_MAINT, APPLY, REBOOT, POSTCHECKS,
    EXIT_MAINT, DONE, ERROR)
  - Example: foundry_runs_total{state="APPLY"} 4

Queue Metrics:

foundry_queue_depth:
  - Type: Gauge
  - Description: Jobs waiting in the durable queue (no live lease)
  - Example: foundry_queue_depth 12

foundry_jobs_leased:
  - Type: Gauge
  - Description: Jobs currently leased by workers
  - Example: foundry_jobs_leased 4

foundry_jobs_reclaimed_total:
  - Type: Counter
  - Description: Jobs reclaimed after a worker lease expired
  - Example: foundry_jobs_reclaimed_total 2

Protocol Metrics:

foundry_protocol_detections_total{protocol, supported}:
  - Type: Counter
  - Description: Capability probes by protocol and outcome
  - Example: foundry_protocol_detections_total{protocol="redfish",supported="true"} 120

foundry_protocol_fallbacks_total{from, to}:
  - Type: Counter
  - Description: Updates that fell through to a lower-priority protocol
  - Example: foundry_protocol_fallbacks_total{from="redfish",to="racadm"} 3

Update Metrics:

foundry_updates_submitted_total{protocol, status}:
  - Type: Counter
  - Description: Firmware update submissions by protocol and outcome
  - Example: foundry_updates_submitted_total{protocol="redfish",status="QUEUED"} 87

foundry_run_duration_seconds{state}:
  - Type: Histogram
  - Description: End-to-end host-run duration by terminal state
  - Buckets: 1m, 5m, 10m, 20m, 30m, 1h, 2h

foundry_task_poll_duration_seconds:
  - Type: Histogram
  - Description: Redfish task watch duration (submit to terminal state)
  - Buckets: 30s to 1h

API Metrics:

foundry_api_requests_total{method, status}:
  - Type: Counter
  - Description: Total API requests by method and status
  - Example: foundry_api_requests_total{method="StartPlan",status="200"} 41

foundry_api_request_duration_seconds{method}:
  - Type: Histogram
  - Description: API request duration in seconds
  - Buckets: Default Prometheus buckets

# Usage

Updating Metrics:

	import "github.com/rackforge/foundry/pkg/metrics"

	metrics.ProtocolDetections.WithLabelValues("redfish", "true").Inc()
	metrics.QueueDepth.Set(12)

Recording Histogram Observations:

	timer := metrics.NewTimer()
	// ... drive the run ...
	timer.ObserveDurationVec(metrics.RunDuration, string(run.State))

Running the Store Collector:

	collector := metrics.NewCollector(store)
	collector.Start()
	defer collector.Stop()

Exposing the Endpoint:

	http.Handle("/metrics", metrics.Handler())
	http.Handle("/healthz", metrics.HealthHandler())
	http.Handle("/readyz", metrics.ReadyHandler())

# Health and Readiness

The package also carries the component health registry backing /healthz and
/readyz. Components report via RegisterComponent/UpdateComponent; readiness
requires the critical trio (store, queue, api) to be registered and healthy.
Liveness always answers 200 while the process runs.

# Design Patterns

Package Init Registration:
  - All metrics registered in init() function
  - MustRegister panics on duplicate registration
  - Ensures metrics available before main()

Label Discipline:
  - Bounded label values only (states, protocols, methods)
  - Host IDs, run IDs and job IDs never appear as labels; they live in
    structured logs instead

Store Collector:
  - Gauges derived from persisted state rather than in-memory counters, so
    a restarted server reports correct values immediately
  - Zeroes every known run state each cycle so terminal runs drain from
    dashboards

# Monitoring

Prometheus Queries (PromQL):

Fleet Health:
  - Runs in flight: sum(foundry_runs_total) - foundry_runs_total{state="DONE"} - foundry_runs_total{state="ERROR"}
  - Failure ratio: foundry_runs_total{state="ERROR"} / sum(foundry_runs_total)
  - Stuck queue: foundry_queue_depth > 0 and foundry_jobs_leased == 0

Update Performance:
  - p95 run time: histogram_quantile(0.95, foundry_run_duration_seconds_bucket)
  - Fallback rate: rate(foundry_protocol_fallbacks_total[1h])
  - Submission errors: rate(foundry_updates_submitted_total{status="FAILED"}[5m])

API Performance:
  - Request rate: rate(foundry_api_requests_total[1m])
  - Error rate: rate(foundry_api_requests_total{status=~"5.."}[1m])
  - p99 latency: histogram_quantile(0.99, foundry_api_request_duration_seconds_bucket)

# See Also

  - Prometheus client library: https://github.com/prometheus/client_golang
  - Histogram best practices: https://prometheus.io/docs/practices/histograms/
*/
package metrics
