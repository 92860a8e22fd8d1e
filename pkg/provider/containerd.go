package provider

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/google/uuid"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/drovekit/drover/pkg/log"
	"github.com/drovekit/drover/pkg/types"
)

const (
	// DefaultContainerdSocket is the default containerd socket path.
	DefaultContainerdSocket = "/run/containerd/containerd.sock"

	// DefaultContainerdNamespace isolates drover workers from other
	// containerd tenants.
	DefaultContainerdNamespace = "drover"

	// containerdStopGrace is how long a worker gets between SIGTERM
	// and SIGKILL.
	containerdStopGrace = 10 * time.Second
)

// Container labels used to recognize and scope drover-managed workers.
const (
	containerdLabelManaged = "drover/managed"
	containerdLabelPool    = "drover/pool-id"
	containerdLabelWorker  = "drover/worker-id"
	containerdLabelName    = "drover/worker-name"
)

// ContainerdConfig configures a local containerd backend.
type ContainerdConfig struct {
	// Name is the registry key; defaults to "containerd".
	Name string

	// Address is the containerd socket path.
	Address string

	// Namespace is the containerd namespace for drover workers.
	Namespace string

	// TotalCPU and TotalMemory override the advertised host capacity,
	// e.g. "8" and "16Gi". When empty the host is probed.
	TotalCPU    string
	TotalMemory string

	// MaxConcurrentCreations bounds parallel worker creation.
	MaxConcurrentCreations int

	// MaxVolumes caps volume mounts per template.
	MaxVolumes int
}

// ContainerdProvider runs workers as containerd tasks on the local
// host. It tracks capacity by accounting its own allocations against
// the host totals; it has no lifecycle event stream, so callers poll.
type ContainerdProvider struct {
	name      string
	client    *containerd.Client
	namespace string
	version   string
	caps      Capabilities
	logger    zerolog.Logger

	totalCPUMillis int64
	totalMemory    int64

	mu     sync.Mutex
	allocs map[string]ResourceRequest
}

// NewContainerdProvider connects to containerd and probes host
// capacity.
func NewContainerdProvider(cfg ContainerdConfig) (*ContainerdProvider, error) {
	if cfg.Name == "" {
		cfg.Name = "containerd"
	}
	if cfg.Address == "" {
		cfg.Address = DefaultContainerdSocket
	}
	if cfg.Namespace == "" {
		cfg.Namespace = DefaultContainerdNamespace
	}
	if cfg.MaxConcurrentCreations <= 0 {
		cfg.MaxConcurrentCreations = 5
	}
	if cfg.MaxVolumes <= 0 {
		cfg.MaxVolumes = DefaultMaxVolumes
	}

	client, err := containerd.New(cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}

	p := &ContainerdProvider{
		name:      cfg.Name,
		client:    client,
		namespace: cfg.Namespace,
		caps: Capabilities{
			EventStream:            false,
			MaxConcurrentCreations: cfg.MaxConcurrentCreations,
			MaxVolumes:             cfg.MaxVolumes,
		},
		logger: log.WithComponent("provider-containerd"),
		allocs: make(map[string]ResourceRequest),
	}

	if err := p.probeCapacity(cfg); err != nil {
		client.Close()
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if version, err := client.Version(ctx); err == nil {
		p.version = version.Version
	}

	return p, nil
}

// probeCapacity resolves the advertised host totals, from config
// overrides when present and from the host otherwise.
func (p *ContainerdProvider) probeCapacity(cfg ContainerdConfig) error {
	if cfg.TotalCPU != "" {
		millis, err := ParseCPU(cfg.TotalCPU)
		if err != nil {
			return fmt.Errorf("invalid total cpu: %w", err)
		}
		p.totalCPUMillis = millis
	} else {
		p.totalCPUMillis = int64(runtime.NumCPU()) * 1000
	}

	if cfg.TotalMemory != "" {
		bytes, err := ParseMemory(cfg.TotalMemory)
		if err != nil {
			return fmt.Errorf("invalid total memory: %w", err)
		}
		p.totalMemory = bytes
		return nil
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		return fmt.Errorf("failed to probe host memory: %w", err)
	}
	p.totalMemory = int64(vm.Total)
	return nil
}

// Name returns the registry key for this provider instance.
func (p *ContainerdProvider) Name() string {
	return p.name
}

// Info describes the backend.
func (p *ContainerdProvider) Info() ProviderInfo {
	return ProviderInfo{
		Name:         p.name,
		Type:         "containerd",
		Version:      p.version,
		Capabilities: p.caps,
	}
}

// ValidateTemplate checks a template against this backend's limits.
func (p *ContainerdProvider) ValidateTemplate(tmpl *types.WorkerTemplate) []string {
	return ValidateTemplate(tmpl, p.caps)
}

// CreateWorker pulls the template image if needed, reserves capacity,
// and starts the worker container.
func (p *ContainerdProvider) CreateWorker(ctx context.Context, tmpl *types.WorkerTemplate, poolID string) *CreateWorkerResult {
	if problems := p.ValidateTemplate(tmpl); len(problems) > 0 {
		return &CreateWorkerResult{Outcome: CreateOutcomeInvalidTemplate, ValidationErrors: problems}
	}

	req, err := ParseRequests(tmpl.Resources.CPU, tmpl.Resources.Memory, tmpl.Resources.Storage)
	if err != nil {
		return &CreateWorkerResult{Outcome: CreateOutcomeInvalidTemplate, ValidationErrors: []string{err.Error()}}
	}

	workerID := fmt.Sprintf("%s-%s", tmpl.Name, uuid.New().String()[:8])

	if ok, avail := p.reserve(workerID, *req); !ok {
		return &CreateWorkerResult{
			Outcome:   CreateOutcomeInsufficientResources,
			Required:  req,
			Available: avail,
		}
	}

	worker, err := p.startContainer(ctx, workerID, tmpl, poolID)
	if err != nil {
		p.release(workerID)
		return &CreateWorkerResult{Outcome: CreateOutcomeFailed, Err: p.classify(err)}
	}

	p.logger.Info().
		Str("worker_id", workerID).
		Str("pool_id", poolID).
		Str("image", tmpl.Image).
		Msg("Worker container started")

	return &CreateWorkerResult{Outcome: CreateOutcomeCreated, Worker: worker}
}

func (p *ContainerdProvider) startContainer(ctx context.Context, workerID string, tmpl *types.WorkerTemplate, poolID string) (*types.Worker, error) {
	ctx = namespaces.WithNamespace(ctx, p.namespace)

	image, err := p.client.GetImage(ctx, tmpl.Image)
	if errdefs.IsNotFound(err) {
		image, err = p.client.Pull(ctx, tmpl.Image, containerd.WithPullUnpack)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve image %s: %w", tmpl.Image, err)
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(p.buildEnv(workerID, poolID, tmpl.Env)),
		oci.WithHostname(workerID),
	}
	if millis, err := ParseCPU(tmpl.Resources.CPU); err == nil && millis > 0 {
		// CFS quota: 1000m == one full period.
		opts = append(opts, oci.WithCPUCFS(millis*100, 100000))
	}
	if bytes, err := ParseMemory(tmpl.Resources.Memory); err == nil && bytes > 0 {
		opts = append(opts, oci.WithMemoryLimit(uint64(bytes)))
	}
	if mounts := buildMounts(tmpl.Volumes); len(mounts) > 0 {
		opts = append(opts, oci.WithMounts(mounts))
	}
	if sec := tmpl.Security; sec != nil {
		if sec.ReadOnlyRootFilesystem {
			opts = append(opts, oci.WithRootFSReadonly())
		}
		if sec.RunAsUser != nil {
			opts = append(opts, oci.WithUser(fmt.Sprintf("%d", *sec.RunAsUser)))
		}
		if caps := normalizeCapabilities(sec.AddCapabilities); len(caps) > 0 {
			opts = append(opts, oci.WithAddedCapabilities(caps))
		}
	}

	labels := map[string]string{
		containerdLabelManaged: "true",
		containerdLabelPool:    poolID,
		containerdLabelWorker:  workerID,
		containerdLabelName:    tmpl.Name,
	}

	container, err := p.client.NewContainer(ctx,
		workerID,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(workerID+"-snapshot", image),
		containerd.WithNewSpec(opts...),
		containerd.WithContainerLabels(labels),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		container.Delete(ctx, containerd.WithSnapshotCleanup)
		return nil, fmt.Errorf("failed to create task: %w", err)
	}
	if err := task.Start(ctx); err != nil {
		task.Delete(ctx)
		container.Delete(ctx, containerd.WithSnapshotCleanup)
		return nil, fmt.Errorf("failed to start task: %w", err)
	}

	now := time.Now()
	return &types.Worker{
		ID:           workerID,
		Name:         tmpl.Name,
		PoolID:       poolID,
		Status:       types.WorkerStatusProvisioning,
		Capabilities: cloneMap(tmpl.Capabilities),
		Labels:       cloneMap(tmpl.Labels),
		CreatedAt:    now,
		LastSeen:     now,
	}, nil
}

// buildEnv merges the template environment with the identity variables
// every worker receives, sorted for a stable OCI spec.
func (p *ContainerdProvider) buildEnv(workerID, poolID string, tmplEnv map[string]string) []string {
	merged := make(map[string]string, len(tmplEnv)+2)
	for k, v := range tmplEnv {
		merged[k] = v
	}
	merged[types.EnvWorkerID] = workerID
	merged[types.EnvPoolID] = poolID

	env := make([]string, 0, len(merged))
	for k, v := range merged {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env
}

func buildMounts(volumes []*types.VolumeMount) []specs.Mount {
	mounts := make([]specs.Mount, 0, len(volumes))
	for _, v := range volumes {
		options := []string{"rbind"}
		if v.ReadOnly {
			options = append(options, "ro")
		} else {
			options = append(options, "rw")
		}
		mounts = append(mounts, specs.Mount{
			Destination: v.MountPath,
			Source:      v.HostPath,
			Type:        "bind",
			Options:     options,
		})
	}
	return mounts
}

func normalizeCapabilities(caps []string) []string {
	out := make([]string, 0, len(caps))
	for _, c := range caps {
		c = strings.ToUpper(c)
		if !strings.HasPrefix(c, "CAP_") {
			c = "CAP_" + c
		}
		out = append(out, c)
	}
	return out
}

func cloneMap(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// DeleteWorker stops the worker task with SIGTERM, escalating to
// SIGKILL after the grace period, then removes container and snapshot.
// An unknown worker reports OutcomeNotFound.
func (p *ContainerdProvider) DeleteWorker(ctx context.Context, workerID string) *DeleteWorkerResult {
	ctx = namespaces.WithNamespace(ctx, p.namespace)

	container, err := p.client.LoadContainer(ctx, workerID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			p.release(workerID)
			return &DeleteWorkerResult{Outcome: DeleteOutcomeNotFound}
		}
		return &DeleteWorkerResult{Outcome: DeleteOutcomeFailed, Err: p.classify(err)}
	}

	if task, err := container.Task(ctx, nil); err == nil {
		if err := p.stopTask(ctx, task); err != nil {
			return &DeleteWorkerResult{Outcome: DeleteOutcomeFailed, Err: p.classify(err)}
		}
	} else if !errdefs.IsNotFound(err) {
		return &DeleteWorkerResult{Outcome: DeleteOutcomeFailed, Err: p.classify(err)}
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil && !errdefs.IsNotFound(err) {
		return &DeleteWorkerResult{Outcome: DeleteOutcomeFailed, Err: p.classify(err)}
	}

	p.release(workerID)
	p.logger.Info().Str("worker_id", workerID).Msg("Worker container deleted")
	return &DeleteWorkerResult{Outcome: DeleteOutcomeDeleted}
}

// stopTask sends SIGTERM, waits out the grace period, and escalates to
// SIGKILL before deleting the task.
func (p *ContainerdProvider) stopTask(ctx context.Context, task containerd.Task) error {
	statusC, err := task.Wait(ctx)
	if err != nil {
		return fmt.Errorf("failed to wait on task: %w", err)
	}

	if err := task.Kill(ctx, syscall.SIGTERM); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to signal task: %w", err)
	}

	select {
	case <-statusC:
	case <-time.After(containerdStopGrace):
		p.logger.Warn().Str("task_id", task.ID()).Msg("Task ignored SIGTERM, killing")
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil && !errdefs.IsNotFound(err) {
			return fmt.Errorf("failed to kill task: %w", err)
		}
		select {
		case <-statusC:
		case <-ctx.Done():
			return ctx.Err()
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	if _, err := task.Delete(ctx); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	return nil
}

// GetWorkerStatus reports the runtime's view of a worker. A running
// task means the container is up; readiness is decided by the control
// plane once the agent registers.
func (p *ContainerdProvider) GetWorkerStatus(ctx context.Context, workerID string) (types.WorkerStatus, error) {
	ctx = namespaces.WithNamespace(ctx, p.namespace)

	container, err := p.client.LoadContainer(ctx, workerID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return "", fmt.Errorf("%w: %s", ErrWorkerNotFound, workerID)
		}
		return "", p.classify(err)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return types.WorkerStatusOffline, nil
		}
		return "", p.classify(err)
	}

	status, err := task.Status(ctx)
	if err != nil {
		return "", p.classify(err)
	}

	switch status.Status {
	case containerd.Running:
		return types.WorkerStatusReady, nil
	case containerd.Created, containerd.Paused, containerd.Pausing:
		return types.WorkerStatusProvisioning, nil
	case containerd.Stopped:
		return types.WorkerStatusOffline, nil
	default:
		return types.WorkerStatusFailed, nil
	}
}

// ListWorkers enumerates drover-managed containers, optionally scoped
// to one pool.
func (p *ContainerdProvider) ListWorkers(ctx context.Context, poolID string) ([]*types.Worker, error) {
	ctx = namespaces.WithNamespace(ctx, p.namespace)

	containers, err := p.client.Containers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	workers := make([]*types.Worker, 0, len(containers))
	for _, c := range containers {
		labels, err := c.Labels(ctx)
		if err != nil {
			continue
		}
		if labels[containerdLabelManaged] != "true" {
			continue
		}
		if poolID != "" && labels[containerdLabelPool] != poolID {
			continue
		}

		status := types.WorkerStatusOffline
		if task, err := c.Task(ctx, nil); err == nil {
			if st, err := task.Status(ctx); err == nil && st.Status == containerd.Running {
				status = types.WorkerStatusReady
			}
		}

		info, err := c.Info(ctx)
		if err != nil {
			continue
		}

		workers = append(workers, &types.Worker{
			ID:        c.ID(),
			Name:      labels[containerdLabelName],
			PoolID:    labels[containerdLabelPool],
			Status:    status,
			CreatedAt: info.CreatedAt,
			LastSeen:  info.UpdatedAt,
		})
	}

	return workers, nil
}

// GetResourceAvailability reports host totals minus this provider's
// live allocations.
func (p *ContainerdProvider) GetResourceAvailability(ctx context.Context) (*types.ResourceAvailability, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var usedCPU, usedMem int64
	for _, alloc := range p.allocs {
		usedCPU += alloc.CPUMillis
		usedMem += alloc.MemoryBytes
	}

	return &types.ResourceAvailability{
		TotalCPUMillis:  p.totalCPUMillis,
		AvailableCPU:    p.totalCPUMillis - usedCPU,
		TotalMemory:     p.totalMemory,
		AvailableMemory: p.totalMemory - usedMem,
		NodeCount:       1,
		Timestamp:       time.Now(),
	}, nil
}

// WatchWorkerEvents is unsupported; the resource monitor polls this
// backend instead.
func (p *ContainerdProvider) WatchWorkerEvents(ctx context.Context) (<-chan WorkerEvent, error) {
	return nil, ErrEventStreamUnsupported
}

// HealthCheck verifies the containerd daemon is serving.
func (p *ContainerdProvider) HealthCheck(ctx context.Context) error {
	ctx = namespaces.WithNamespace(ctx, p.namespace)
	serving, err := p.client.IsServing(ctx)
	if err != nil {
		return fmt.Errorf("containerd not reachable: %w", err)
	}
	if !serving {
		return fmt.Errorf("containerd not serving")
	}
	return nil
}

// Close releases the containerd client connection.
func (p *ContainerdProvider) Close() error {
	if p.client != nil {
		return p.client.Close()
	}
	return nil
}

// reserve accounts a worker's capacity against the host totals. It
// fails without reserving when the remainder cannot fit the request.
func (p *ContainerdProvider) reserve(workerID string, req ResourceRequest) (bool, *types.ResourceAvailability) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var usedCPU, usedMem int64
	for _, alloc := range p.allocs {
		usedCPU += alloc.CPUMillis
		usedMem += alloc.MemoryBytes
	}

	availCPU := p.totalCPUMillis - usedCPU
	availMem := p.totalMemory - usedMem
	if req.CPUMillis > availCPU || req.MemoryBytes > availMem {
		return false, &types.ResourceAvailability{
			TotalCPUMillis:  p.totalCPUMillis,
			AvailableCPU:    availCPU,
			TotalMemory:     p.totalMemory,
			AvailableMemory: availMem,
			NodeCount:       1,
			Timestamp:       time.Now(),
		}
	}

	p.allocs[workerID] = req
	return true, nil
}

func (p *ContainerdProvider) release(workerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.allocs, workerID)
}

// classify maps containerd errors onto the provider sentinels so
// callers can apply their retry policy with errors.Is.
func (p *ContainerdProvider) classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errdefs.IsNotFound(err):
		return fmt.Errorf("%w: %v", ErrWorkerNotFound, err)
	case errdefs.IsPermissionDenied(err):
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	case errdefs.IsAlreadyExists(err):
		return fmt.Errorf("%w: %v", ErrAlreadyExists, err)
	default:
		return err
	}
}
