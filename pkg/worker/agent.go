package worker

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/drovekit/drover/pkg/log"
	"github.com/drovekit/drover/pkg/protocol"
	"github.com/drovekit/drover/pkg/types"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultDialTimeout       = 10 * time.Second
	agentWriteWait           = 10 * time.Second
	agentMaxFrameBytes       = 1 << 20
)

// Config configures a worker agent.
type Config struct {
	// OrchestratorURL is the orchestrator endpoint. http(s) schemes are
	// rewritten to ws(s); an empty path defaults to /ws.
	OrchestratorURL string
	WorkerID        string
	PoolID          string
	Token           string
	Name            string
	Capabilities    map[string]string
	// DataDir holds the artifact cache and per-job workspaces.
	DataDir           string
	HeartbeatInterval time.Duration
	DialTimeout       time.Duration
}

// ConfigFromEnv builds a Config from the environment the provider
// injects at worker creation.
func ConfigFromEnv() Config {
	return Config{
		OrchestratorURL: os.Getenv(types.EnvOrchestratorURL),
		WorkerID:        os.Getenv(types.EnvWorkerID),
		PoolID:          os.Getenv(types.EnvPoolID),
		Token:           os.Getenv(types.EnvJoinToken),
	}
}

// jobRun tracks one accepted job until its terminal status is sent.
type jobRun struct {
	executionID string
	cancel      context.CancelFunc
	seq         atomic.Int64
}

// Agent is the worker-side end of the channel. It registers with the
// orchestrator, heartbeats, answers cache queries from its local cache,
// assembles incoming artifact chunks, and executes dispatched jobs.
type Agent struct {
	cfg     Config
	jobsDir string
	cache   *Cache
	exec    *Executor
	logger  zerolog.Logger

	conn      *websocket.Conn
	sendCh    chan protocol.Message
	closing   chan struct{}
	closeOnce sync.Once

	// assemblies is touched only by the read loop.
	assemblies map[string]*protocol.Assembler

	mu         sync.Mutex
	jobs       map[string]*jobRun
	activeJobs int
}

// New validates cfg and prepares the agent's cache and executor. The
// channel is not dialed until Run.
func New(cfg Config) (*Agent, error) {
	if cfg.OrchestratorURL == "" {
		return nil, fmt.Errorf("worker: orchestrator URL is required (set %s)", types.EnvOrchestratorURL)
	}
	if cfg.WorkerID == "" {
		return nil, fmt.Errorf("worker: worker ID is required (set %s)", types.EnvWorkerID)
	}
	if cfg.Name == "" {
		cfg.Name = cfg.WorkerID
	}
	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Join(os.TempDir(), "drover-worker-"+cfg.WorkerID)
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}

	caps := map[string]string{
		types.CapabilityOS:   runtime.GOOS,
		types.CapabilityArch: runtime.GOARCH,
		types.CapabilityZstd: "true",
	}
	for k, v := range cfg.Capabilities {
		caps[k] = v
	}
	cfg.Capabilities = caps

	cache, err := OpenCache(filepath.Join(cfg.DataDir, "cache"))
	if err != nil {
		return nil, err
	}

	jobsDir := filepath.Join(cfg.DataDir, "jobs")
	if err := os.MkdirAll(jobsDir, 0755); err != nil {
		cache.Close()
		return nil, fmt.Errorf("failed to create jobs directory: %w", err)
	}

	return &Agent{
		cfg:        cfg,
		jobsDir:    jobsDir,
		cache:      cache,
		exec:       NewExecutor(),
		logger:     log.WithComponent("worker").With().Str("worker_id", cfg.WorkerID).Logger(),
		sendCh:     make(chan protocol.Message, 64),
		closing:    make(chan struct{}),
		assemblies: make(map[string]*protocol.Assembler),
		jobs:       make(map[string]*jobRun),
	}, nil
}

// Run dials the orchestrator, registers, and serves the channel until
// the session ends or ctx is cancelled. A remote close or cancelled ctx
// returns nil; transport and protocol errors are returned.
func (a *Agent) Run(ctx context.Context) error {
	endpoint, err := wsEndpoint(a.cfg.OrchestratorURL)
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: a.cfg.DialTimeout}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to dial orchestrator at %s: %w", endpoint, err)
	}
	a.conn = conn
	conn.SetReadLimit(agentMaxFrameBytes)

	if err := a.register(); err != nil {
		conn.Close()
		return err
	}
	a.logger.Info().
		Str("pool_id", a.cfg.PoolID).
		Str("endpoint", endpoint).
		Msg("Registered with orchestrator")

	go a.writePump()
	go a.heartbeatLoop()
	go func() {
		select {
		case <-ctx.Done():
			a.close(websocket.CloseGoingAway, "worker shutting down")
		case <-a.closing:
		}
	}()

	err = a.readLoop()
	a.close(websocket.CloseNormalClosure, "")
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// Close terminates the session, cancels running jobs, and releases the
// cache. Safe to call whether or not Run is active.
func (a *Agent) Close() error {
	a.close(websocket.CloseGoingAway, "worker shutting down")
	return a.cache.Close()
}

// CacheStatus reports the local artifact cache footprint.
func (a *Agent) CacheStatus() protocol.CacheStatus {
	return a.cache.Status()
}

func (a *Agent) register() error {
	reg := &protocol.Register{
		WorkerID:     a.cfg.WorkerID,
		Name:         a.cfg.Name,
		Capabilities: a.cfg.Capabilities,
		Labels:       map[string]string{types.LabelPoolID: a.cfg.PoolID},
		Token:        a.cfg.Token,
	}
	data, err := protocol.Encode(reg)
	if err != nil {
		return err
	}
	a.conn.SetWriteDeadline(time.Now().Add(agentWriteWait))
	if err := a.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to send registration: %w", err)
	}
	return nil
}

func (a *Agent) readLoop() error {
	for {
		_, data, err := a.conn.ReadMessage()
		if err != nil {
			select {
			case <-a.closing:
				return nil
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				a.logger.Info().Msg("Orchestrator closed the session")
				return nil
			}
			return fmt.Errorf("worker channel lost: %w", err)
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			a.violation(fmt.Sprintf("undecodable frame: %v", err))
			return err
		}
		if err := a.handleMessage(msg); err != nil {
			a.violation(err.Error())
			return err
		}
	}
}

func (a *Agent) handleMessage(msg protocol.Message) error {
	switch m := msg.(type) {
	case *protocol.CacheQuery:
		a.handleCacheQuery(m)
		return nil
	case *protocol.ArtifactChunk:
		return a.handleChunk(m)
	case *protocol.JobRequest:
		a.handleJobRequest(m)
		return nil
	case *protocol.ControlSignal:
		a.handleControl(m)
		return nil
	default:
		return fmt.Errorf("unexpected %s frame from orchestrator", msg.MessageType())
	}
}

// handleCacheQuery answers from the local cache. Cached artifacts are
// acknowledged immediately; the transfer phase only covers misses.
func (a *Agent) handleCacheQuery(q *protocol.CacheQuery) {
	entries := make([]protocol.CacheEntry, 0, len(q.ArtifactIDs))
	var hits []*cacheRecord
	for _, id := range q.ArtifactIDs {
		if rec, ok := a.cache.Lookup(id); ok {
			entries = append(entries, protocol.CacheEntry{
				ArtifactID:     id,
				Cached:         true,
				CachedChecksum: rec.Checksum,
			})
			hits = append(hits, rec)
			continue
		}
		entries = append(entries, protocol.CacheEntry{
			ArtifactID:    id,
			NeedsTransfer: true,
		})
	}
	a.send(&protocol.CacheResponse{JobID: q.JobID, Artifacts: entries})
	a.logger.Debug().
		Str("job_id", q.JobID).
		Int("artifacts", len(q.ArtifactIDs)).
		Int("hits", len(hits)).
		Msg("Cache query answered")

	status := a.cache.Status()
	for _, rec := range hits {
		a.send(&protocol.ArtifactAck{
			ArtifactID:         rec.ArtifactID,
			Success:            true,
			CacheHit:           true,
			CalculatedChecksum: rec.Checksum,
			CacheStatus:        status,
		})
	}
}

// handleChunk feeds one chunk into the artifact's assembler. Ordering
// violations are returned to the read loop, which terminates the
// session; a storage failure is reported in the ack instead.
func (a *Agent) handleChunk(chunk *protocol.ArtifactChunk) error {
	asm, ok := a.assemblies[chunk.ArtifactID]
	if !ok {
		asm = protocol.NewAssembler(chunk.ArtifactID)
		a.assemblies[chunk.ArtifactID] = asm
	}
	if err := asm.Add(chunk); err != nil {
		return err
	}
	if !asm.Complete() {
		return nil
	}
	delete(a.assemblies, chunk.ArtifactID)

	checksum, err := a.cache.Put(chunk.ArtifactID, asm.Bytes())
	if err != nil {
		a.send(&protocol.ArtifactAck{
			ArtifactID:  chunk.ArtifactID,
			Message:     fmt.Sprintf("failed to cache artifact: %v", err),
			CacheStatus: a.cache.Status(),
		})
		return nil
	}

	a.logger.Debug().
		Str("artifact_id", chunk.ArtifactID).
		Int64("size", asm.Size()).
		Msg("Artifact cached")
	a.send(&protocol.ArtifactAck{
		ArtifactID:         chunk.ArtifactID,
		Success:            true,
		CalculatedChecksum: checksum,
		CacheStatus:        a.cache.Status(),
	})
	return nil
}

func (a *Agent) handleJobRequest(req *protocol.JobRequest) {
	def := req.JobDefinition
	a.logger.Info().
		Str("job_id", def.ID).
		Str("execution_id", req.ExecutionID).
		Int("artifacts", len(req.RequiredArtifacts)).
		Msg("Job accepted")

	dir, err := a.prepareWorkspace(def, req.RequiredArtifacts)
	if err != nil {
		a.send(&protocol.StatusUpdate{
			JobID:       def.ID,
			ExecutionID: req.ExecutionID,
			Status:      protocol.StateFailed,
			ExitCode:    -1,
			Error:       err.Error(),
		})
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	run := &jobRun{executionID: req.ExecutionID, cancel: cancel}

	a.mu.Lock()
	if _, exists := a.jobs[def.ID]; exists {
		a.mu.Unlock()
		cancel()
		a.send(&protocol.StatusUpdate{
			JobID:       def.ID,
			ExecutionID: req.ExecutionID,
			Status:      protocol.StateFailed,
			ExitCode:    -1,
			Error:       "job already running on this worker",
		})
		return
	}
	a.jobs[def.ID] = run
	a.activeJobs = len(a.jobs)
	a.mu.Unlock()

	a.send(&protocol.StatusUpdate{
		JobID:       def.ID,
		ExecutionID: req.ExecutionID,
		Status:      protocol.StateRunning,
	})

	go a.runJob(ctx, def, dir, run)
}

func (a *Agent) runJob(ctx context.Context, def protocol.JobDefinition, dir string, run *jobRun) {
	defer run.cancel()

	sink := func(stream string, data []byte) {
		a.send(&protocol.OutputChunk{
			JobID:    def.ID,
			Stream:   stream,
			Sequence: int(run.seq.Add(1)) - 1,
			Data:     data,
		})
	}
	res := a.exec.Run(ctx, def, dir, sink)

	a.mu.Lock()
	delete(a.jobs, def.ID)
	a.activeJobs = len(a.jobs)
	a.mu.Unlock()

	a.send(&protocol.StatusUpdate{
		JobID:       def.ID,
		ExecutionID: run.executionID,
		Status:      res.State,
		ExitCode:    res.ExitCode,
		Error:       res.Error,
	})
	a.logger.Info().
		Str("job_id", def.ID).
		Str("status", string(res.State)).
		Int("exit_code", res.ExitCode).
		Msg("Job finished")
}

// prepareWorkspace creates the job directory and materializes every
// required artifact into it under the artifact's name. A relative
// working directory resolves against the workspace; an absolute one is
// used as given.
func (a *Agent) prepareWorkspace(def protocol.JobDefinition, refs []protocol.ArtifactRef) (string, error) {
	dir := filepath.Join(a.jobsDir, def.ID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create job workspace: %w", err)
	}

	for _, ref := range refs {
		rec, ok := a.cache.Lookup(ref.ID)
		if !ok {
			return "", fmt.Errorf("required artifact %s not cached", ref.ID)
		}
		if ref.Checksum != "" && rec.Checksum != ref.Checksum {
			return "", fmt.Errorf("artifact %s checksum mismatch: cached %s, want %s", ref.ID, rec.Checksum, ref.Checksum)
		}
		name := ref.Name
		if name == "" {
			name = ref.ID
		}
		if err := a.cache.Materialize(ref.ID, filepath.Join(dir, name)); err != nil {
			return "", err
		}
	}

	if def.WorkingDir == "" {
		return dir, nil
	}
	workDir := def.WorkingDir
	if !filepath.IsAbs(workDir) {
		workDir = filepath.Join(dir, workDir)
	}
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create working directory: %w", err)
	}
	return workDir, nil
}

func (a *Agent) handleControl(sig *protocol.ControlSignal) {
	a.mu.Lock()
	run := a.jobs[sig.JobID]
	a.mu.Unlock()

	if run == nil {
		a.logger.Debug().
			Str("job_id", sig.JobID).
			Str("signal", string(sig.Signal)).
			Msg("Control signal for unknown job")
		return
	}

	switch sig.Signal {
	case protocol.SignalCancel:
		a.logger.Info().Str("job_id", sig.JobID).Msg("Cancel received")
		run.cancel()
	case protocol.SignalPause:
		if err := a.exec.Signal(sig.JobID, syscall.SIGSTOP); err != nil {
			a.logger.Warn().Str("job_id", sig.JobID).Err(err).Msg("Pause failed")
		}
	case protocol.SignalResume:
		if err := a.exec.Signal(sig.JobID, syscall.SIGCONT); err != nil {
			a.logger.Warn().Str("job_id", sig.JobID).Err(err).Msg("Resume failed")
		}
	default:
		a.logger.Warn().Str("signal", string(sig.Signal)).Msg("Unknown control signal")
	}
}

func (a *Agent) heartbeatLoop() {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	a.sendHeartbeat()
	for {
		select {
		case <-ticker.C:
			a.sendHeartbeat()
		case <-a.closing:
			return
		}
	}
}

func (a *Agent) sendHeartbeat() {
	a.mu.Lock()
	active := a.activeJobs
	a.mu.Unlock()

	status := types.WorkerStatusReady
	if active > 0 {
		status = types.WorkerStatusBusy
	}
	a.send(&protocol.Heartbeat{
		WorkerID:   a.cfg.WorkerID,
		Status:     string(status),
		ActiveJobs: active,
	})
}

func (a *Agent) send(m protocol.Message) {
	select {
	case a.sendCh <- m:
	case <-a.closing:
	}
}

func (a *Agent) writePump() {
	for {
		select {
		case m := <-a.sendCh:
			data, err := protocol.Encode(m)
			if err != nil {
				a.logger.Error().Err(err).Msg("Failed to encode frame")
				continue
			}
			a.conn.SetWriteDeadline(time.Now().Add(agentWriteWait))
			if err := a.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				a.logger.Warn().Err(err).Msg("Send failed, closing channel")
				a.close(0, "")
				return
			}
		case <-a.closing:
			return
		}
	}
}

// violation reports a protocol error to the orchestrator and closes.
// The close code tells the hub to mark this worker failed rather than
// retry its job elsewhere.
func (a *Agent) violation(reason string) {
	a.logger.Error().Str("reason", reason).Msg("Protocol violation, closing session")
	if len(reason) > 120 {
		reason = reason[:120]
	}
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	a.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	a.close(0, "")
}

// close shuts the session down once. A non-zero code sends a close
// frame before the connection drops. Running jobs are cancelled.
func (a *Agent) close(code int, reason string) {
	a.closeOnce.Do(func() {
		close(a.closing)
		if a.conn != nil {
			if code != 0 {
				msg := websocket.FormatCloseMessage(code, reason)
				a.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			}
			a.conn.Close()
		}
		a.mu.Lock()
		for _, run := range a.jobs {
			run.cancel()
		}
		a.mu.Unlock()
	})
}

// wsEndpoint normalizes the orchestrator URL to the websocket scheme,
// defaulting the path to /ws when none is given.
func wsEndpoint(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid orchestrator URL %q: %w", raw, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("invalid orchestrator URL %q: unsupported scheme %q", raw, u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	return u.String(), nil
}
