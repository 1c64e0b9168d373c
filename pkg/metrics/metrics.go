package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet metrics
	HostsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "foundry_hosts_total",
			Help: "Total number of managed hosts",
		},
	)

	PlansTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "foundry_plans_total",
			Help: "Total number of update plans",
		},
	)

	RunsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "foundry_runs_total",
			Help: "Total number of host-runs by state",
		},
		[]string{"state"},
	)

	// Queue metrics
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "foundry_queue_depth",
			Help: "Number of jobs waiting in the durable queue",
		},
	)

	JobsLeased = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "foundry_jobs_leased",
			Help: "Number of jobs currently leased by workers",
		},
	)

	JobsReclaimed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "foundry_jobs_reclaimed_total",
			Help: "Total number of jobs reclaimed after a lease expired",
		},
	)

	// Protocol metrics
	ProtocolDetections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foundry_protocol_detections_total",
			Help: "Total protocol detections by protocol and outcome",
		},
		[]string{"protocol", "supported"},
	)

	ProtocolFallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foundry_protocol_fallbacks_total",
			Help: "Total updates that fell through to a lower-priority protocol",
		},
		[]string{"from", "to"},
	)

	// Update metrics
	UpdatesSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foundry_updates_submitted_total",
			Help: "Total firmware updates submitted by protocol and outcome",
		},
		[]string{"protocol", "status"},
	)

	RunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "foundry_run_duration_seconds",
			Help:    "End-to-end host-run duration in seconds by terminal state",
			Buckets: []float64{60, 300, 600, 1200, 1800, 3600, 7200},
		},
		[]string{"state"},
	)

	TaskPollDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "foundry_task_poll_duration_seconds",
			Help:    "Redfish task watch duration in seconds",
			Buckets: []float64{30, 60, 120, 300, 600, 1200, 1800, 3600},
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foundry_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "foundry_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(HostsTotal)
	prometheus.MustRegister(PlansTotal)
	prometheus.MustRegister(RunsTotal)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(JobsLeased)
	prometheus.MustRegister(JobsReclaimed)
	prometheus.MustRegister(ProtocolDetections)
	prometheus.MustRegister(ProtocolFallbacks)
	prometheus.MustRegister(UpdatesSubmitted)
	prometheus.MustRegister(RunDuration)
	prometheus.MustRegister(TaskPollDuration)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
