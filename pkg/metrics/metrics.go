package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Job metrics
	JobsQueued = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "drover_jobs_queued",
			Help: "Number of jobs currently waiting in the queue",
		},
	)

	JobsRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "drover_jobs_running",
			Help: "Number of jobs currently executing on workers",
		},
	)

	JobsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_jobs_completed_total",
			Help: "Total number of jobs reaching a terminal state, by status",
		},
		[]string{"status"},
	)

	JobsRetried = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_jobs_retried_total",
			Help: "Total number of job retry requeues",
		},
	)

	JobsExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_jobs_expired_total",
			Help: "Total number of jobs skipped past their deadline",
		},
	)

	QueueOldestWait = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "drover_queue_oldest_wait_seconds",
			Help: "Age of the oldest queued job in seconds",
		},
	)

	DispatchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "drover_dispatch_latency_seconds",
			Help:    "Time from dequeue to JobRequest sent, including staging",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Pool and worker metrics
	PoolsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "drover_pools_total",
			Help: "Total number of worker pools",
		},
	)

	PoolSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "drover_pool_size",
			Help: "Current number of workers per pool",
		},
		[]string{"pool"},
	)

	PoolDesiredSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "drover_pool_desired_size",
			Help: "Desired number of workers per pool",
		},
		[]string{"pool"},
	)

	PoolUtilization = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "drover_pool_utilization",
			Help: "Busy workers over current size per pool",
		},
		[]string{"pool"},
	)

	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "drover_workers_total",
			Help: "Total number of workers by pool and status",
		},
		[]string{"pool", "status"},
	)

	ScaleOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_scale_operations_total",
			Help: "Total number of scale operations by direction and outcome",
		},
		[]string{"direction", "outcome"},
	)

	// Session metrics
	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "drover_sessions_active",
			Help: "Number of live worker channel sessions",
		},
	)

	SessionsTerminated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_sessions_terminated_total",
			Help: "Total number of terminated sessions by reason",
		},
		[]string{"reason"},
	)

	HeartbeatsReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_heartbeats_received_total",
			Help: "Total number of worker heartbeats received",
		},
	)

	// Artifact transfer metrics
	ArtifactCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_artifact_cache_hits_total",
			Help: "Total number of artifacts skipped because the worker held them",
		},
	)

	ArtifactCacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_artifact_cache_misses_total",
			Help: "Total number of artifacts streamed to workers",
		},
	)

	ArtifactBytesSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_artifact_bytes_sent_total",
			Help: "Total compressed bytes streamed in artifact chunks",
		},
	)

	ArtifactChunksSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_artifact_chunks_sent_total",
			Help: "Total artifact chunks streamed to workers",
		},
	)

	ArtifactTransferDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "drover_artifact_transfer_duration_seconds",
			Help:    "Time from first chunk to ack per artifact transfer",
			Buckets: prometheus.DefBuckets,
		},
	)

	ArtifactsPerJob = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "drover_artifacts_per_job",
			Help:    "Number of required artifacts per dispatched job",
			Buckets: []float64{0, 1, 2, 3, 5, 8, 13, 21},
		},
	)

	CompressionFallbacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_compression_fallbacks_total",
			Help: "Total transfers downgraded to gzip for workers without zstd",
		},
	)

	// Provider metrics
	ProviderHealthy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "drover_provider_healthy",
			Help: "Provider health check result (1 = healthy, 0 = failing)",
		},
		[]string{"provider"},
	)

	ProviderCPUAvailable = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "drover_provider_cpu_available_millicores",
			Help: "Unreserved CPU capacity per provider in millicores",
		},
		[]string{"provider"},
	)

	ProviderMemoryAvailable = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "drover_provider_memory_available_bytes",
			Help: "Unreserved memory capacity per provider in bytes",
		},
		[]string{"provider"},
	)

	// Host metrics for the orchestrator process itself
	HostCPUPercent = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "drover_host_cpu_percent",
			Help: "Host CPU usage percentage where the orchestrator runs",
		},
	)

	HostMemoryPercent = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "drover_host_memory_percent",
			Help: "Host memory usage percentage where the orchestrator runs",
		},
	)

	// Autoscaler metrics
	AutoscaleEvaluations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_autoscale_evaluations_total",
			Help: "Total autoscaler evaluations by recommended action",
		},
		[]string{"action"},
	)

	// Reconciler metrics
	ReconcileSweeps = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_reconcile_sweeps_total",
			Help: "Total reconciler sweeps over all pools",
		},
	)

	ReconcileActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_reconcile_actions_total",
			Help: "Total corrective reconciler actions by kind",
		},
		[]string{"action"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "drover_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(JobsQueued)
	prometheus.MustRegister(JobsRunning)
	prometheus.MustRegister(JobsCompleted)
	prometheus.MustRegister(JobsRetried)
	prometheus.MustRegister(JobsExpired)
	prometheus.MustRegister(QueueOldestWait)
	prometheus.MustRegister(DispatchLatency)
	prometheus.MustRegister(PoolsTotal)
	prometheus.MustRegister(PoolSize)
	prometheus.MustRegister(PoolDesiredSize)
	prometheus.MustRegister(PoolUtilization)
	prometheus.MustRegister(WorkersTotal)
	prometheus.MustRegister(ScaleOperations)
	prometheus.MustRegister(SessionsActive)
	prometheus.MustRegister(SessionsTerminated)
	prometheus.MustRegister(HeartbeatsReceived)
	prometheus.MustRegister(ArtifactCacheHits)
	prometheus.MustRegister(ArtifactCacheMisses)
	prometheus.MustRegister(ArtifactBytesSent)
	prometheus.MustRegister(ArtifactChunksSent)
	prometheus.MustRegister(ArtifactTransferDuration)
	prometheus.MustRegister(ArtifactsPerJob)
	prometheus.MustRegister(CompressionFallbacks)
	prometheus.MustRegister(ProviderHealthy)
	prometheus.MustRegister(ProviderCPUAvailable)
	prometheus.MustRegister(ProviderMemoryAvailable)
	prometheus.MustRegister(HostCPUPercent)
	prometheus.MustRegister(HostMemoryPercent)
	prometheus.MustRegister(AutoscaleEvaluations)
	prometheus.MustRegister(ReconcileSweeps)
	prometheus.MustRegister(ReconcileActions)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
