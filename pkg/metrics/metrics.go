package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Worker registry metrics
	WorkerRegistrySize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "casparianflow_worker_registry_size",
			Help: "Number of connected workers by state",
		},
		[]string{"state"},
	)

	HeartbeatEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "casparianflow_heartbeat_evictions_total",
			Help: "Total number of workers evicted for missed heartbeats",
		},
	)

	// Queue metrics
	JobsQueued = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "casparianflow_jobs_queued",
			Help: "Current number of QUEUED jobs",
		},
	)

	JobsClaimedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "casparianflow_jobs_claimed_total",
			Help: "Total number of jobs claimed, by plugin name",
		},
		[]string{"plugin_name"},
	)

	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "casparianflow_jobs_completed_total",
			Help: "Total number of jobs completed, by status",
		},
		[]string{"status"},
	)

	JobRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "casparianflow_job_retries_total",
			Help: "Total number of jobs re-enqueued as retries",
		},
	)

	DispatchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "casparianflow_dispatch_latency_seconds",
			Help:    "Time to hand a claimed job to its worker (state update plus dispatch call) in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Bridge metrics
	BridgeBytesStreamedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "casparianflow_bridge_bytes_streamed_total",
			Help: "Total bytes streamed from guest processes over the bridge",
		},
	)

	BridgeRowsStreamedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "casparianflow_bridge_rows_streamed_total",
			Help: "Total rows streamed from guest processes over the bridge",
		},
	)

	GuestExecutionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "casparianflow_guest_execution_duration_seconds",
			Help:    "Wall-clock duration of a guest execution",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Environment manager metrics
	EnvironmentCacheBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "casparianflow_environment_cache_bytes",
			Help: "Total bytes occupied by materialized environments",
		},
	)

	EnvironmentCacheUtilization = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "casparianflow_environment_cache_utilization",
			Help: "Environment cache utilization as a fraction of the configured bound",
		},
	)

	EnvironmentMaterializationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "casparianflow_environment_materialization_duration_seconds",
			Help:    "Time taken to materialize a new isolated environment",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
	)

	// Deployment pipeline metrics
	DeploymentStageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "casparianflow_deployment_stage_duration_seconds",
			Help:    "Time taken by each deployment pipeline stage",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	DeploymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "casparianflow_deployments_total",
			Help: "Total number of deployment attempts by terminal status",
		},
		[]string{"status"},
	)

	// Manifest bookkeeping, recomputed periodically by Collector rather than
	// updated inline, since a manifest can sit in any status indefinitely
	// (unlike a job, which always terminates quickly).
	ManifestsByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "casparianflow_manifests_by_status",
			Help: "Number of plugin manifests by lifecycle status",
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(WorkerRegistrySize)
	prometheus.MustRegister(HeartbeatEvictionsTotal)
	prometheus.MustRegister(JobsQueued)
	prometheus.MustRegister(JobsClaimedTotal)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobRetriesTotal)
	prometheus.MustRegister(DispatchLatency)
	prometheus.MustRegister(BridgeBytesStreamedTotal)
	prometheus.MustRegister(BridgeRowsStreamedTotal)
	prometheus.MustRegister(GuestExecutionDuration)
	prometheus.MustRegister(EnvironmentCacheBytes)
	prometheus.MustRegister(EnvironmentCacheUtilization)
	prometheus.MustRegister(EnvironmentMaterializationDuration)
	prometheus.MustRegister(DeploymentStageDuration)
	prometheus.MustRegister(DeploymentsTotal)
	prometheus.MustRegister(ManifestsByStatus)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
