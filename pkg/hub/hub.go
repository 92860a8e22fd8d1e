package hub

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/drovekit/drover/pkg/artifact"
	"github.com/drovekit/drover/pkg/events"
	"github.com/drovekit/drover/pkg/log"
	"github.com/drovekit/drover/pkg/metrics"
	"github.com/drovekit/drover/pkg/pool"
	"github.com/drovekit/drover/pkg/protocol"
	"github.com/drovekit/drover/pkg/queue"
	"github.com/drovekit/drover/pkg/store"
	"github.com/drovekit/drover/pkg/types"
)

// Default windows for the worker channel. All of them are configurable
// through Config.
const (
	DefaultHeartbeatInterval    = 30 * time.Second
	DefaultCacheResponseTimeout = 5 * time.Second
	DefaultAckTimeout           = 30 * time.Second
	DefaultDispatchTimeout      = 10 * time.Second
	DefaultCancelTimeout        = 30 * time.Second

	// livenessMultiplier sets the silence window before a session is
	// declared dead: livenessMultiplier * heartbeat interval.
	livenessMultiplier = 3

	// registerWindow bounds how long a fresh connection may take to
	// send its Register frame.
	registerWindow = 10 * time.Second

	// maxFrameBytes bounds a single inbound websocket frame.
	maxFrameBytes = 1 << 20

	defaultOutputLimit     = 256 * 1024
	defaultOutputRetention = 15 * time.Minute
)

// Session termination reasons, used as metric labels.
const (
	terminateClosed    = "closed"
	terminateHeartbeat = "heartbeat-timeout"
	terminateProtocol  = "protocol-violation"
	terminateSend      = "send-failure"
	terminateCancel    = "cancel-timeout"
	terminateReplaced  = "replaced"
	terminateShutdown  = "shutdown"
)

// roleWorker is the token role allowed to register on the channel.
const roleWorker = "worker"

var (
	// ErrSessionClosed reports that the session terminated while an
	// operation was waiting on it.
	ErrSessionClosed = errors.New("hub: session closed")

	// ErrSendTimeout reports that the session writer could not accept a
	// frame within the caller's window.
	ErrSendTimeout = errors.New("hub: send timed out")

	// ErrJobNotManaged reports that no live session is staging or
	// running the job.
	ErrJobNotManaged = errors.New("hub: job has no live session")
)

// TokenValidator gates worker registration. The coordinator's token
// manager implements it.
type TokenValidator interface {
	ValidateToken(token string) (role string, err error)
}

// Config wires the hub to its collaborators.
type Config struct {
	Pools     *pool.Manager
	Queue     *queue.Queue
	Store     store.Store
	Artifacts *artifact.ContentStore
	Broker    *events.Broker // optional
	Tokens    TokenValidator // nil skips token checks

	// HeartbeatInterval is the expected worker heartbeat cadence. The
	// sweeper runs at this interval and declares sessions dead after
	// three missed beats.
	HeartbeatInterval    time.Duration
	CacheResponseTimeout time.Duration
	AckTimeout           time.Duration
	DispatchTimeout      time.Duration
	CancelTimeout        time.Duration

	// ChunkDelay inserts a pause between artifact chunks. Zero sends
	// back to back; the transport's flow control is the real limiter.
	ChunkDelay time.Duration

	// Compression is the preferred artifact codec. Workers that lack
	// the capability are downgraded to gzip at registration.
	Compression types.CompressionType

	// OutputLimit caps captured output per job; OutputRetention is how
	// long finished job output stays available.
	OutputLimit     int
	OutputRetention time.Duration

	Clock func() time.Time
}

// Hub owns every worker session: registration, heartbeat liveness, job
// staging and dispatch, status tracking, and control signals.
type Hub struct {
	pools     *pool.Manager
	queue     *queue.Queue
	store     store.Store
	artifacts *artifact.ContentStore
	broker    *events.Broker
	tokens    TokenValidator

	heartbeatInterval time.Duration
	cacheTimeout      time.Duration
	ackTimeout        time.Duration
	dispatchTimeout   time.Duration
	cancelTimeout     time.Duration
	chunkDelay        time.Duration
	compression       types.CompressionType
	outputLimit       int
	outputRetention   time.Duration

	now      func() time.Time
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sessions map[string]*Session // worker ID -> session
	inflight map[string]*Session // job ID -> session staging or running it
	outputs  map[string]*outputEntry

	started  bool
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// New builds a hub. Call Start to launch the heartbeat sweeper and
// mount HandleWS on the API server to accept workers.
func New(cfg Config) *Hub {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.CacheResponseTimeout <= 0 {
		cfg.CacheResponseTimeout = DefaultCacheResponseTimeout
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = DefaultDispatchTimeout
	}
	if cfg.CancelTimeout <= 0 {
		cfg.CancelTimeout = DefaultCancelTimeout
	}
	if cfg.Compression == "" {
		cfg.Compression = types.CompressionZstd
	}
	if cfg.OutputLimit <= 0 {
		cfg.OutputLimit = defaultOutputLimit
	}
	if cfg.OutputRetention <= 0 {
		cfg.OutputRetention = defaultOutputRetention
	}

	return &Hub{
		pools:             cfg.Pools,
		queue:             cfg.Queue,
		store:             cfg.Store,
		artifacts:         cfg.Artifacts,
		broker:            cfg.Broker,
		tokens:            cfg.Tokens,
		heartbeatInterval: cfg.HeartbeatInterval,
		cacheTimeout:      cfg.CacheResponseTimeout,
		ackTimeout:        cfg.AckTimeout,
		dispatchTimeout:   cfg.DispatchTimeout,
		cancelTimeout:     cfg.CancelTimeout,
		chunkDelay:        cfg.ChunkDelay,
		compression:       cfg.Compression,
		outputLimit:       cfg.OutputLimit,
		outputRetention:   cfg.OutputRetention,
		now:               cfg.Clock,
		logger:            log.WithComponent("hub"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			// Workers are headless processes, not browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		sessions: make(map[string]*Session),
		inflight: make(map[string]*Session),
		outputs:  make(map[string]*outputEntry),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the heartbeat sweeper. The websocket endpoint itself
// is mounted separately through HandleWS.
func (h *Hub) Start(ctx context.Context) {
	h.started = true
	go h.sweep(ctx)
}

// HandleWS upgrades an HTTP request to a worker session and serves it
// until the connection dies. The first frame must be a Register.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("Websocket upgrade failed")
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	reg, err := h.awaitRegister(conn)
	if err != nil {
		h.rejectConn(conn, err)
		return
	}
	s, err := h.register(conn, reg)
	if err != nil {
		h.rejectConn(conn, err)
		return
	}

	go h.writePump(s)
	h.readPump(s)
}

// awaitRegister reads the registration frame, enforcing the register
// window on fresh connections.
func (h *Hub) awaitRegister(conn *websocket.Conn) (*protocol.Register, error) {
	if err := conn.SetReadDeadline(time.Now().Add(registerWindow)); err != nil {
		return nil, err
	}
	_, frame, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("read register frame: %w", err)
	}
	msg, err := protocol.Decode(frame)
	if err != nil {
		return nil, err
	}
	reg, ok := msg.(*protocol.Register)
	if !ok {
		return nil, fmt.Errorf("expected register, got %s", msg.MessageType())
	}
	if reg.WorkerID == "" {
		return nil, errors.New("register frame missing worker id")
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return nil, err
	}
	return reg, nil
}

// register validates the join token, binds the worker to its pool, and
// installs the session. A previous session for the same worker is
// replaced.
func (h *Hub) register(conn *websocket.Conn, reg *protocol.Register) (*Session, error) {
	if h.tokens != nil {
		role, err := h.tokens.ValidateToken(reg.Token)
		if err != nil {
			return nil, fmt.Errorf("join token rejected: %w", err)
		}
		if role != roleWorker {
			return nil, fmt.Errorf("join token role %q cannot register workers", role)
		}
	}

	poolID := reg.Labels[types.LabelPoolID]
	if poolID == "" {
		return nil, fmt.Errorf("registration missing %s label", types.LabelPoolID)
	}
	if _, err := h.pools.WorkerRegistered(reg.WorkerID, poolID, reg.Capabilities); err != nil {
		return nil, fmt.Errorf("register worker %s: %w", reg.WorkerID, err)
	}

	compression, fallback := protocol.Negotiate(h.compression, reg.Capabilities)
	if fallback {
		metrics.CompressionFallbacks.Inc()
		h.logger.Warn().
			Str("worker_id", reg.WorkerID).
			Msg("Worker does not accept zstd, falling back to gzip")
	}

	now := h.now()
	s := &Session{
		WorkerID:      reg.WorkerID,
		PoolID:        poolID,
		RemoteAddr:    conn.RemoteAddr().String(),
		ConnectedAt:   now,
		conn:          conn,
		caps:          reg.Capabilities,
		compression:   compression,
		sendCh:        make(chan []byte, 64),
		closing:       make(chan struct{}),
		state:         SessionReady,
		lastHeartbeat: now,
	}

	h.mu.Lock()
	old := h.sessions[reg.WorkerID]
	h.sessions[reg.WorkerID] = s
	h.mu.Unlock()
	if old != nil {
		h.terminate(old, terminateReplaced, errors.New("worker reconnected"))
	}

	metrics.SessionsActive.Inc()
	h.logger.Info().
		Str("worker_id", reg.WorkerID).
		Str("pool_id", poolID).
		Str("name", reg.Name).
		Str("compression", string(compression)).
		Msg("Worker session registered")
	return s, nil
}

// rejectConn closes a connection that never became a session.
func (h *Hub) rejectConn(conn *websocket.Conn, cause error) {
	h.logger.Warn().Err(cause).Str("remote", conn.RemoteAddr().String()).Msg("Registration rejected")
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, closeReason(cause))
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = conn.Close()
}

// terminate tears down a session exactly once: the connection closes,
// the registry entry goes away, and any in-flight job is disposed
// according to the reason.
func (h *Hub) terminate(s *Session, reason string, cause error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.state = SessionTerminated
		f := s.job
		s.job = nil
		s.mu.Unlock()

		close(s.closing)
		_ = s.conn.Close()

		h.mu.Lock()
		if h.sessions[s.WorkerID] == s {
			delete(h.sessions, s.WorkerID)
		}
		h.mu.Unlock()

		metrics.SessionsActive.Dec()
		metrics.SessionsTerminated.WithLabelValues(reason).Inc()

		entry := h.logger.Info()
		if reason == terminateProtocol {
			entry = h.logger.Error()
		}
		entry.Str("worker_id", s.WorkerID).Str("reason", reason).Err(cause).Msg("Session terminated")

		// A staging goroutine stuck mid-pipeline observes the closed
		// closing channel and returns ErrSessionClosed, leaving the
		// disposition below as the job's only final transition.

		switch reason {
		case terminateProtocol:
			if err := h.pools.MarkWorkerFailed(s.WorkerID); err != nil {
				h.logger.Debug().Str("worker_id", s.WorkerID).Err(err).Msg("Worker state update failed")
			}
			if f != nil {
				h.disposeLost(f, fmt.Sprintf("protocol violation: %v", cause), false)
			}
		case terminateCancel:
			if err := h.pools.MarkWorkerFailed(s.WorkerID); err != nil {
				h.logger.Debug().Str("worker_id", s.WorkerID).Err(err).Msg("Worker state update failed")
			}
			if f != nil {
				h.disposeLost(f, "cancel unacknowledged, worker channel forced closed", false)
			}
		case terminateReplaced:
			// The new session owns the worker record from here on.
			if f != nil {
				h.disposeLost(f, "worker channel lost", true)
			}
		case terminateShutdown:
			// Loops are draining; leave job and worker records alone.
		default: // closed, send-failure, heartbeat-timeout
			if err := h.pools.MarkWorkerOffline(s.WorkerID); err != nil {
				h.logger.Debug().Str("worker_id", s.WorkerID).Err(err).Msg("Worker state update failed")
			}
			if f != nil {
				h.disposeLost(f, "worker channel lost", true)
				if reason != terminateHeartbeat {
					// The transport dropped mid-job: retire the instance
					// and let the reconciler replace it.
					go h.removeWorker(s.WorkerID, "worker channel lost")
				}
			}
		}
	})
}

func (h *Hub) removeWorker(workerID, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := h.pools.RemoveWorker(ctx, workerID, reason); err != nil {
		h.logger.Warn().Str("worker_id", workerID).Err(err).Msg("Worker removal failed")
	}
}

// sweep expires silent sessions and purges retained output on the
// heartbeat cadence.
func (h *Hub) sweep(ctx context.Context) {
	defer close(h.done)

	ticker := time.NewTicker(h.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.expireSessions()
			h.purgeOutputs()
		case <-h.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (h *Hub) expireSessions() {
	cutoff := h.now().Add(-livenessMultiplier * h.heartbeatInterval)
	for _, s := range h.snapshot() {
		s.mu.Lock()
		last := s.lastHeartbeat
		s.mu.Unlock()
		if last.Before(cutoff) {
			h.terminate(s, terminateHeartbeat,
				fmt.Errorf("no heartbeat since %s", last.Format(time.RFC3339)))
		}
	}
}

func (h *Hub) purgeOutputs() {
	cutoff := h.now().Add(-h.outputRetention)
	h.mu.Lock()
	for id, e := range h.outputs {
		if !e.closedAt.IsZero() && e.closedAt.Before(cutoff) {
			delete(h.outputs, id)
		}
	}
	h.mu.Unlock()
}

// Shutdown cancels in-flight jobs, waits for workers to acknowledge
// until the context expires, then force-closes every session.
func (h *Hub) Shutdown(ctx context.Context) {
	h.stopOnce.Do(func() { close(h.stopCh) })
	if h.started {
		<-h.done
	}

	for _, s := range h.snapshot() {
		s.mu.Lock()
		f := s.job
		s.mu.Unlock()
		if f == nil {
			continue
		}
		f.cancelRequested.Store(true)
		f.cancel()
		_ = s.send(&protocol.ControlSignal{JobID: f.entry.Job.ID, Signal: protocol.SignalCancel}, time.Second)
	}

	for ctx.Err() == nil && h.busySessions() > 0 {
		time.Sleep(20 * time.Millisecond)
	}

	shutdownErr := errors.New("orchestrator shutting down")
	for _, s := range h.snapshot() {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "orchestrator shutting down")
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		h.terminate(s, terminateShutdown, shutdownErr)
	}
}

func (h *Hub) busySessions() int {
	var n int
	for _, s := range h.snapshot() {
		s.mu.Lock()
		if s.job != nil {
			n++
		}
		s.mu.Unlock()
	}
	return n
}

// snapshot copies the session list out from under the registry lock.
func (h *Hub) snapshot() []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		out = append(out, s)
	}
	return out
}

// SessionCount reports the number of live sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Sessions lists a point-in-time view of every live session, ordered
// by worker ID.
func (h *Hub) Sessions() []SessionInfo {
	snap := h.snapshot()
	infos := make([]SessionInfo, 0, len(snap))
	for _, s := range snap {
		infos = append(infos, s.info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].WorkerID < infos[j].WorkerID })
	return infos
}

// WorkerSession returns the session view for one worker.
func (h *Hub) WorkerSession(workerID string) (SessionInfo, bool) {
	h.mu.RLock()
	s := h.sessions[workerID]
	h.mu.RUnlock()
	if s == nil {
		return SessionInfo{}, false
	}
	return s.info(), true
}

// JobOutput returns the output captured for a job dispatched through
// the hub. Finished jobs stay readable until the retention window
// expires.
func (h *Hub) JobOutput(jobID string) ([]byte, bool) {
	h.mu.RLock()
	e, ok := h.outputs[jobID]
	h.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return e.buf.contents(), true
}

func (h *Hub) trackInflight(jobID string, s *Session, f *inflight) {
	h.mu.Lock()
	h.inflight[jobID] = s
	h.outputs[jobID] = &outputEntry{buf: f.output}
	h.mu.Unlock()
}

func (h *Hub) untrackInflight(jobID string) {
	h.mu.Lock()
	delete(h.inflight, jobID)
	if e, ok := h.outputs[jobID]; ok && e.closedAt.IsZero() {
		e.closedAt = h.now()
	}
	h.mu.Unlock()
}

func (h *Hub) publish(event *events.Event) {
	if h.broker == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = h.now()
	}
	h.broker.Publish(event)
}

// closeReason fits an error into a websocket close frame, whose reason
// text is capped at 123 bytes.
func closeReason(err error) string {
	reason := err.Error()
	if len(reason) > 120 {
		reason = reason[:120]
	}
	return reason
}

type outputEntry struct {
	buf      *outputBuffer
	closedAt time.Time // zero while the job is still live
}
