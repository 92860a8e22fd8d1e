package types

import (
	"time"
)

// Job is a unit of work submitted to the orchestrator. The payload is
// either a command list or an inline script; exactly one should be set.
type Job struct {
	ID                string            `json:"id" yaml:"id"`
	Name              string            `json:"name" yaml:"name"`
	Payload           *JobPayload       `json:"payload" yaml:"payload"`
	Priority          JobPriority       `json:"priority" yaml:"priority"`
	Requirements      map[string]string `json:"requirements,omitempty" yaml:"requirements,omitempty"` // capability key -> required value
	RequiredArtifacts []string          `json:"requiredArtifacts,omitempty" yaml:"requiredArtifacts,omitempty"`
	Deadline          time.Time         `json:"deadline,omitempty" yaml:"deadline,omitempty"` // zero = no deadline
	MaxRetries        int               `json:"maxRetries,omitempty" yaml:"maxRetries,omitempty"` // 0 = orchestrator default
	Status            JobStatus         `json:"status" yaml:"status"`
	Result            *JobResult        `json:"result,omitempty" yaml:"result,omitempty"`
	CreatedAt         time.Time         `json:"createdAt" yaml:"createdAt"`
	UpdatedAt         time.Time         `json:"updatedAt" yaml:"updatedAt"`
}

// JobPayload describes what the worker executes. Timeout serializes as
// nanoseconds; human-readable forms live in the API request types.
type JobPayload struct {
	Command    []string          `json:"command,omitempty" yaml:"command,omitempty"`
	Script     string            `json:"script,omitempty" yaml:"script,omitempty"`
	Env        map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	WorkingDir string            `json:"workingDir,omitempty" yaml:"workingDir,omitempty"`
	Timeout    time.Duration     `json:"timeout,omitempty" yaml:"timeout,omitempty"` // zero = no limit
}

// JobResult records the terminal outcome of a job.
type JobResult struct {
	Success    bool      `json:"success" yaml:"success"`
	ExitCode   int       `json:"exitCode" yaml:"exitCode"`
	Error      string    `json:"error,omitempty" yaml:"error,omitempty"`
	WorkerID   string    `json:"workerId,omitempty" yaml:"workerId,omitempty"`
	FinishedAt time.Time `json:"finishedAt" yaml:"finishedAt"`
}

// JobStatus represents the lifecycle state of a job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status is final. Terminal jobs are immutable.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// JobPriority orders jobs in the queue. Higher values dispatch first.
type JobPriority int

const (
	PriorityLow      JobPriority = 0
	PriorityNormal   JobPriority = 5
	PriorityHigh     JobPriority = 10
	PriorityCritical JobPriority = 15
)

// String returns the wire name for the priority.
func (p JobPriority) String() string {
	switch {
	case p >= PriorityCritical:
		return "critical"
	case p >= PriorityHigh:
		return "high"
	case p >= PriorityNormal:
		return "normal"
	default:
		return "low"
	}
}

// ParsePriority maps a wire name to a priority. Unknown names map to normal.
func ParsePriority(s string) JobPriority {
	switch s {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	case "critical":
		return PriorityCritical
	default:
		return PriorityNormal
	}
}

// QueuedJob wraps a job while it waits for dispatch.
type QueuedJob struct {
	Job        *Job      `json:"job" yaml:"job"`
	RetryCount int       `json:"retryCount" yaml:"retryCount"`
	EnqueuedAt time.Time `json:"enqueuedAt" yaml:"enqueuedAt"`
}

// Worker is a single ephemeral execution node manufactured from a
// pool's template. Entities reference each other by ID only.
type Worker struct {
	ID           string            `json:"id" yaml:"id"`
	Name         string            `json:"name" yaml:"name"`
	PoolID       string            `json:"poolId" yaml:"poolId"`
	Status       WorkerStatus      `json:"status" yaml:"status"`
	Capabilities map[string]string `json:"capabilities,omitempty" yaml:"capabilities,omitempty"` // os, arch, build, test, deploy, ...
	Labels       map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
	ActiveJobs   int               `json:"activeJobs" yaml:"activeJobs"`
	Address      string            `json:"address,omitempty" yaml:"address,omitempty"` // provider-assigned endpoint, informational
	CreatedAt    time.Time         `json:"createdAt" yaml:"createdAt"`
	LastSeen     time.Time         `json:"lastSeen" yaml:"lastSeen"`
}

// WorkerStatus represents the current state of a worker.
type WorkerStatus string

const (
	WorkerStatusProvisioning WorkerStatus = "provisioning"
	WorkerStatusReady        WorkerStatus = "ready"
	WorkerStatusBusy         WorkerStatus = "busy"
	WorkerStatusTerminating  WorkerStatus = "terminating"
	WorkerStatusFailed       WorkerStatus = "failed"
	WorkerStatusOffline      WorkerStatus = "offline"
)

// Well-known capability keys matched by the scheduler.
const (
	CapabilityOS     = "os"
	CapabilityArch   = "arch"
	CapabilityBuild  = "build"
	CapabilityTest   = "test"
	CapabilityDeploy = "deploy"
	CapabilityZstd   = "zstd" // worker accepts zstd-compressed artifacts
)

// LabelPoolID binds a worker to its pool; set by the provider at
// creation and echoed back during registration.
const LabelPoolID = "pool-id"

// Environment variables injected into provisioned workers.
const (
	EnvWorkerID        = "DROVER_WORKER_ID"
	EnvPoolID          = "DROVER_POOL_ID"
	EnvOrchestratorURL = "DROVER_ORCHESTRATOR_URL"
	EnvJoinToken       = "DROVER_JOIN_TOKEN"
)

// WorkerTemplate is the recipe for manufacturing a worker.
type WorkerTemplate struct {
	Name         string            `json:"name" yaml:"name"`
	Image        string            `json:"image" yaml:"image"`
	Resources    ResourceRequests  `json:"resources" yaml:"resources"`
	Env          map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Labels       map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
	Capabilities map[string]string `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	NodeSelector map[string]string `json:"nodeSelector,omitempty" yaml:"nodeSelector,omitempty"`
	Volumes      []*VolumeMount    `json:"volumes,omitempty" yaml:"volumes,omitempty"`
	Ports        []*PortSpec       `json:"ports,omitempty" yaml:"ports,omitempty"`
	Security     *SecurityContext  `json:"security,omitempty" yaml:"security,omitempty"`
}

// ResourceRequests holds quantity strings parsed by the provider layer
// (cpu: "500m", "2"; memory/storage: "256Mi", "2G").
type ResourceRequests struct {
	CPU     string `json:"cpu" yaml:"cpu"`
	Memory  string `json:"memory" yaml:"memory"`
	Storage string `json:"storage,omitempty" yaml:"storage,omitempty"`
}

// VolumeMount maps a host path into a worker.
type VolumeMount struct {
	Name      string `json:"name" yaml:"name"`
	HostPath  string `json:"hostPath" yaml:"hostPath"`
	MountPath string `json:"mountPath" yaml:"mountPath"`
	ReadOnly  bool   `json:"readOnly,omitempty" yaml:"readOnly,omitempty"`
}

// PortSpec exposes a worker port.
type PortSpec struct {
	Name          string `json:"name,omitempty" yaml:"name,omitempty"`
	ContainerPort int    `json:"containerPort" yaml:"containerPort"`
	Protocol      string `json:"protocol,omitempty" yaml:"protocol,omitempty"` // "TCP", "UDP", "SCTP"
}

// SecurityContext constrains worker privileges. Providers reject
// templates that request escalation or dangerous capabilities.
type SecurityContext struct {
	Privileged               bool     `json:"privileged,omitempty" yaml:"privileged,omitempty"`
	AllowPrivilegeEscalation bool     `json:"allowPrivilegeEscalation,omitempty" yaml:"allowPrivilegeEscalation,omitempty"`
	ReadOnlyRootFilesystem   bool     `json:"readOnlyRootFilesystem,omitempty" yaml:"readOnlyRootFilesystem,omitempty"`
	RunAsUser                *int64   `json:"runAsUser,omitempty" yaml:"runAsUser,omitempty"`
	AddCapabilities          []string `json:"addCapabilities,omitempty" yaml:"addCapabilities,omitempty"`
}

// Pool is a bounded set of workers sharing a template and scaling policy.
type Pool struct {
	ID          string          `json:"id" yaml:"id"`
	Name        string          `json:"name" yaml:"name"`
	Provider    string          `json:"provider" yaml:"provider"`
	Template    *WorkerTemplate `json:"template" yaml:"template"`
	Policy      ScalingPolicy   `json:"policy" yaml:"policy"`
	CurrentSize int             `json:"currentSize" yaml:"currentSize"`
	DesiredSize int             `json:"desiredSize" yaml:"desiredSize"`
	Status      PoolStatus      `json:"status" yaml:"status"`
	CreatedAt   time.Time       `json:"createdAt" yaml:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt" yaml:"updatedAt"`
}

// PoolSpec is the operator-supplied recipe for creating a pool.
type PoolSpec struct {
	Name     string          `json:"name" yaml:"name"`
	Provider string          `json:"provider" yaml:"provider"`
	Template *WorkerTemplate `json:"template" yaml:"template"`
	Policy   ScalingPolicy   `json:"policy" yaml:"policy"`
}

// PoolStatus represents the state of a pool.
type PoolStatus string

const (
	PoolStatusActive      PoolStatus = "active"
	PoolStatusScalingUp   PoolStatus = "scaling-up"
	PoolStatusScalingDown PoolStatus = "scaling-down"
	PoolStatusDraining    PoolStatus = "draining"
	PoolStatusTerminated  PoolStatus = "terminated"
)

// ScalingPolicy governs auto-scaling of a pool. Cooldown serializes as
// nanoseconds; human-readable forms live in the API request types.
type ScalingPolicy struct {
	MinWorkers         int           `json:"minWorkers" yaml:"minWorkers"`
	MaxWorkers         int           `json:"maxWorkers" yaml:"maxWorkers"`
	ScaleUpThreshold   float64       `json:"scaleUpThreshold,omitempty" yaml:"scaleUpThreshold,omitempty"`     // utilization above which growth is proposed
	ScaleDownThreshold float64       `json:"scaleDownThreshold,omitempty" yaml:"scaleDownThreshold,omitempty"` // utilization below which shrink is proposed
	Cooldown           time.Duration `json:"cooldown,omitempty" yaml:"cooldown,omitempty"`
}

// Execution links a running job to the worker executing it. It exists
// only while the job is running; the outcome is folded into JobResult.
type Execution struct {
	ID        string    `json:"id" yaml:"id"`
	JobID     string    `json:"jobId" yaml:"jobId"`
	WorkerID  string    `json:"workerId" yaml:"workerId"`
	PoolID    string    `json:"poolId" yaml:"poolId"`
	StartedAt time.Time `json:"startedAt" yaml:"startedAt"`
}

// Artifact is a content-addressed binary input to a job.
type Artifact struct {
	ID          string          `json:"id" yaml:"id"`
	Name        string          `json:"name" yaml:"name"`
	Size        int64           `json:"size" yaml:"size"`
	Checksum    string          `json:"checksum" yaml:"checksum"` // hex SHA-256 of the content
	Compression CompressionType `json:"compression" yaml:"compression"`
	CreatedAt   time.Time       `json:"createdAt" yaml:"createdAt"`
}

// CompressionType is the codec hint for artifact transfer.
type CompressionType string

const (
	CompressionNone CompressionType = "none"
	CompressionGzip CompressionType = "gzip"
	CompressionZstd CompressionType = "zstd"
)

// ResourceAvailability is a point-in-time capacity snapshot from a provider.
type ResourceAvailability struct {
	TotalCPUMillis  int64     `json:"totalCpuMillis" yaml:"totalCpuMillis"`
	AvailableCPU    int64     `json:"availableCpu" yaml:"availableCpu"` // millicores
	TotalMemory     int64     `json:"totalMemory" yaml:"totalMemory"`   // bytes
	AvailableMemory int64     `json:"availableMemory" yaml:"availableMemory"`
	NodeCount       int       `json:"nodeCount" yaml:"nodeCount"`
	Timestamp       time.Time `json:"timestamp" yaml:"timestamp"`
}

// PoolMetrics is a per-pool observability snapshot.
type PoolMetrics struct {
	PoolID       string     `json:"poolId" yaml:"poolId"`
	Name         string     `json:"name" yaml:"name"`
	CurrentSize  int        `json:"currentSize" yaml:"currentSize"`
	DesiredSize  int        `json:"desiredSize" yaml:"desiredSize"`
	ReadyWorkers int        `json:"readyWorkers" yaml:"readyWorkers"`
	BusyWorkers  int        `json:"busyWorkers" yaml:"busyWorkers"`
	Utilization  float64    `json:"utilization" yaml:"utilization"` // busy / current, 0 when empty
	Status       PoolStatus `json:"status" yaml:"status"`
}

// SystemMetrics is the coordinator-wide snapshot published on the event bus.
type SystemMetrics struct {
	QueuedJobs      int           `json:"queuedJobs" yaml:"queuedJobs"`
	RunningJobs     int           `json:"runningJobs" yaml:"runningJobs"`
	CompletedJobs   int64         `json:"completedJobs" yaml:"completedJobs"`
	FailedJobs      int64         `json:"failedJobs" yaml:"failedJobs"`
	CancelledJobs   int64         `json:"cancelledJobs" yaml:"cancelledJobs"`
	ActiveWorkers   int           `json:"activeWorkers" yaml:"activeWorkers"`
	ActiveSessions  int           `json:"activeSessions" yaml:"activeSessions"`
	TotalPools      int           `json:"totalPools" yaml:"totalPools"`
	OldestQueuedAge time.Duration `json:"oldestQueuedAge" yaml:"oldestQueuedAge"`
	CollectedAt     time.Time     `json:"collectedAt" yaml:"collectedAt"`
}
