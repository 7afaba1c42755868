/*
Package metrics provides Prometheus metrics collection and exposition for the
Sentinel process.

The metrics package defines and registers every casparianflow_* metric using
the Prometheus client library: worker registry size and heartbeat evictions,
queue depth and dispatch latency, bridge throughput, environment cache
occupancy, and deployment pipeline stage duration. Metrics are exposed over
HTTP for scraping by Prometheus.

# Architecture

	┌──────────────────── METRICS SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │          Prometheus Registry                │          │
	│  │  - Global DefaultRegistry                   │          │
	│  │  - MustRegister at package init             │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Metric Categories                  │          │
	│  │                                              │          │
	│  │  Broker: worker registry, heartbeat evictions │         │
	│  │  Queue: depth, claims, completions, retries  │          │
	│  │  Bridge: bytes/rows streamed, exec duration  │          │
	│  │  Environment: cache bytes, utilization       │          │
	│  │  Deploy: per-stage duration, terminal status │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │          HTTP Metrics Endpoint              │          │
	│  │  - Path: /metrics                           │          │
	│  │  - Format: Prometheus text exposition       │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │         Prometheus Server                   │          │
	│  │  - Scrapes /metrics every 15s               │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Core Components

Metric Registry:
  - Global Prometheus DefaultRegistry
  - All metrics registered at package init
  - Thread-safe for concurrent updates

Gauge Metrics:
  - Instant value that can go up or down
  - Examples: worker registry size, queue depth, cache bytes
  - Operations: Set, Inc, Dec, Add, Sub

Counter Metrics:
  - Monotonically increasing value
  - Examples: heartbeat evictions, job retries, deployments
  - Operations: Inc, Add (cannot decrease)

Histogram Metrics:
  - Distribution of observed values
  - Examples: dispatch latency, guest execution duration, deployment
    stage duration
  - Includes: sum, count, buckets

Timer Helper:
  - Convenience wrapper for timing operations: start a Timer, observe its
    duration into a histogram (or histogram vec) at the end

Collector:
  - Periodically recomputes gauges that are cheap to derive from the full
    store but too bursty to keep perfectly in sync inline: manifest counts
    by status, and queue depth as a drift correction against the inline
    updates pkg/queue already performs on Push/Claim/Fail.

# Metrics Catalog

Broker Metrics:

casparianflow_worker_registry_size{state}:
  - Type: Gauge
  - Description: Connected workers by state (UNKNOWN/IDENTIFIED/IDLE/BUSY/DEAD)
  - Example: casparianflow_worker_registry_size{state="IDLE"} 5

casparianflow_heartbeat_evictions_total:
  - Type: Counter
  - Description: Workers evicted for missing the heartbeat timeout

Queue Metrics:

casparianflow_jobs_queued:
  - Type: Gauge
  - Description: Current number of QUEUED jobs

casparianflow_jobs_claimed_total{plugin_name}:
  - Type: Counter
  - Description: Jobs claimed, by plugin name

casparianflow_jobs_completed_total{status}:
  - Type: Counter
  - Description: Jobs completed, by terminal status (completed/failed)

casparianflow_job_retries_total:
  - Type: Counter
  - Description: Jobs re-enqueued after a retryable failure

casparianflow_dispatch_latency_seconds:
  - Type: Histogram
  - Description: Time to hand a claimed job to its worker (broker state
    update plus the dispatch call)

casparianflow_manifests_by_status{status}:
  - Type: Gauge
  - Description: Plugin manifests by lifecycle status, recomputed by Collector

Bridge Metrics:

casparianflow_bridge_bytes_streamed_total:
  - Type: Counter
  - Description: Total bytes streamed from guest processes

casparianflow_bridge_rows_streamed_total:
  - Type: Counter
  - Description: Total rows streamed from guest processes

casparianflow_guest_execution_duration_seconds:
  - Type: Histogram
  - Description: Wall-clock duration of a guest execution

Environment Metrics:

casparianflow_environment_cache_bytes:
  - Type: Gauge
  - Description: Total bytes occupied by materialized environments

casparianflow_environment_cache_utilization:
  - Type: Gauge
  - Description: Cache utilization as a fraction of the configured bound

casparianflow_environment_materialization_duration_seconds:
  - Type: Histogram
  - Description: Time to materialize a new isolated environment

Deployment Metrics:

casparianflow_deployment_stage_duration_seconds{stage}:
  - Type: Histogram
  - Description: Time taken by each deployment pipeline stage (ingest,
    gate, signature, environment, promote)

casparianflow_deployments_total{status}:
  - Type: Counter
  - Description: Deployment attempts by terminal status (active/rejected/failed)

# Usage

Updating Gauge Metrics:

	import "github.com/casparianflow/sentinel/pkg/metrics"

	metrics.WorkerRegistrySize.WithLabelValues("IDLE").Set(5)
	metrics.JobsQueued.Inc()
	metrics.JobsQueued.Dec()

Updating Counter Metrics:

	metrics.JobRetriesTotal.Inc()
	metrics.JobsClaimedTotal.WithLabelValues("magic_processor").Add(1)

Recording Histogram Observations:

	timer := metrics.NewTimer()
	// ... perform operation ...
	timer.ObserveDuration(metrics.DispatchLatency)

Using Timer with Labels:

	timer := metrics.NewTimer()
	// ... run a deployment stage ...
	timer.ObserveDurationVec(metrics.DeploymentStageDuration, "gate")

Complete Example:

	package main

	import (
		"net/http"
		"github.com/casparianflow/sentinel/pkg/metrics"
	)

	func main() {
		metrics.SetVersion("0.1.0")
		collector := metrics.NewCollector(store)
		collector.Start()

		http.Handle("/metrics", metrics.Handler())
		http.HandleFunc("/health", metrics.HealthHandler())
		http.HandleFunc("/ready", metrics.ReadyHandler())
		http.ListenAndServe(":9090", nil)
	}

# Integration Points

This package integrates with:

  - pkg/broker: updates worker registry size and heartbeat eviction counters
  - pkg/queue: updates queue depth, claim, completion, and retry counters
  - pkg/bridge: reports guest execution duration and streamed bytes/rows
  - pkg/environment: reports cache occupancy and materialization duration
  - pkg/deploy: times each pipeline stage and counts terminal outcomes
  - Prometheus: scrapes /metrics

# Design Patterns

Package Init Registration:
  - All metrics registered in init(); MustRegister panics on duplicate
    registration, so a metric is available before main() runs

Label Discipline:
  - Use WithLabelValues for cardinality-bounded labels (state, status,
    plugin name, stage) and avoid unbounded labels like job or manifest IDs

Timer Pattern:
  - Create a Timer at an operation's start, observe its duration into a
    histogram (or vec) when it finishes, typically via defer

Global Metrics:
  - Package-level variables, accessible from any package without
    initialization by the caller

# Troubleshooting

Missing Metrics:
  - Check the metric is registered in init() and its variable is exported

High Cardinality:
  - Check label cardinality; remove IDs or timestamps from label values

Stale Manifest/Queue Gauges:
  - Collector only ticks every 15 seconds; a gauge read immediately after a
    state change may still reflect the prior reading until the next tick

# Monitoring

Prometheus Queries (PromQL):

Worker Health:
  - Idle workers: casparianflow_worker_registry_size{state="IDLE"}
  - Eviction rate: rate(casparianflow_heartbeat_evictions_total[5m])

Queue Health:
  - Backlog: casparianflow_jobs_queued
  - Claim rate: rate(casparianflow_jobs_claimed_total[1m])
  - Failure rate: rate(casparianflow_jobs_completed_total{status="failed"}[5m])
  - p95 dispatch latency: histogram_quantile(0.95, casparianflow_dispatch_latency_seconds_bucket)

Deployment Health:
  - Rejection rate: rate(casparianflow_deployments_total{status="rejected"}[1h])
  - p95 gate duration: histogram_quantile(0.95, casparianflow_deployment_stage_duration_seconds_bucket{stage="gate"})

# Alerting Rules

Recommended Prometheus alerts:

Growing Queue Backlog:
  - Alert: casparianflow_jobs_queued > 1000
  - Description: queued jobs aren't draining
  - Action: check worker registry size and capability coverage

No Idle Workers:
  - Alert: casparianflow_worker_registry_size{state="IDLE"} == 0
  - Description: nothing can claim new work
  - Action: check for a stuck dispatch loop or a capacity shortfall

High Deployment Rejection Rate:
  - Alert: rate(casparianflow_deployments_total{status="rejected"}[1h]) > 0.2
  - Description: publishers are repeatedly failing the gate or signature stage
  - Action: check recent manifest validation errors

# See Also

  - Prometheus documentation: https://prometheus.io/docs/
  - Prometheus client library: https://github.com/prometheus/client_golang
  - PromQL tutorial: https://prometheus.io/docs/prometheus/latest/querying/basics/
  - Histogram best practices: https://prometheus.io/docs/practices/histograms/
*/
package metrics
