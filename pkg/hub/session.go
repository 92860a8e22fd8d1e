package hub

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/drovekit/drover/pkg/metrics"
	"github.com/drovekit/drover/pkg/protocol"
	"github.com/drovekit/drover/pkg/types"
)

// writeWait bounds a single websocket write.
const writeWait = 10 * time.Second

// SessionState is the lifecycle state of a worker session.
//
// Init -> Ready -> Staging -> Dispatched -> Busy -> Ready ...
// with any state able to drop to Terminated on close or timeout.
type SessionState string

const (
	SessionInit       SessionState = "init"
	SessionReady      SessionState = "ready"
	SessionStaging    SessionState = "staging"
	SessionDispatched SessionState = "dispatched"
	SessionBusy       SessionState = "busy"
	SessionTerminated SessionState = "terminated"
)

// Session is the live channel to one worker: a websocket connection, a
// writer goroutine serializing outbound frames, and at most one job in
// flight at a time.
type Session struct {
	WorkerID    string
	PoolID      string
	RemoteAddr  string
	ConnectedAt time.Time

	conn *websocket.Conn
	caps map[string]string

	// compression is the artifact codec negotiated at registration.
	compression types.CompressionType

	sendCh  chan []byte
	closing chan struct{}
	once    sync.Once

	mu            sync.Mutex
	state         SessionState
	activeJobs    int
	lastHeartbeat time.Time
	job           *inflight
}

// SessionInfo is a point-in-time view of one worker session.
type SessionInfo struct {
	WorkerID      string
	PoolID        string
	State         SessionState
	ActiveJobs    int
	JobID         string
	Compression   types.CompressionType
	RemoteAddr    string
	ConnectedAt   time.Time
	LastHeartbeat time.Time
}

// State returns the session's current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := SessionInfo{
		WorkerID:      s.WorkerID,
		PoolID:        s.PoolID,
		State:         s.state,
		ActiveJobs:    s.activeJobs,
		Compression:   s.compression,
		RemoteAddr:    s.RemoteAddr,
		ConnectedAt:   s.ConnectedAt,
		LastHeartbeat: s.lastHeartbeat,
	}
	if s.job != nil {
		info.JobID = s.job.entry.Job.ID
	}
	return info
}

// send encodes a message and queues it on the session writer. It fails
// when the writer cannot accept the frame within timeout or the
// session is closing.
func (s *Session) send(m protocol.Message, timeout time.Duration) error {
	frame, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case s.sendCh <- frame:
		return nil
	case <-s.closing:
		return ErrSessionClosed
	case <-timer.C:
		return fmt.Errorf("queue %s frame for worker %s: %w", m.MessageType(), s.WorkerID, ErrSendTimeout)
	}
}

// writePump serializes all outbound frames for one session. A write
// failure kills the session; readers and stagers observe the closure
// through the closing channel.
func (h *Hub) writePump(s *Session) {
	for {
		select {
		case frame := <-s.sendCh:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				h.terminate(s, terminateSend, err)
				return
			}
		case <-s.closing:
			return
		}
	}
}

// readPump processes inbound frames strictly in arrival order until
// the connection dies. Malformed or out-of-place frames are protocol
// violations and terminate the session.
func (h *Hub) readPump(s *Session) {
	for {
		_, frame, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
				// The worker detected a violation on its side of the
				// stream and refused the session.
				h.terminate(s, terminateProtocol, err)
			} else {
				h.terminate(s, terminateClosed, err)
			}
			return
		}

		msg, err := protocol.Decode(frame)
		if err != nil {
			h.violation(s, err)
			return
		}
		if err := h.handleMessage(s, msg); err != nil {
			h.violation(s, err)
			return
		}
	}
}

// violation closes the session with a policy-violation frame so the
// worker knows the channel died for cause.
func (h *Hub) violation(s *Session, err error) {
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, closeReason(err))
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	h.terminate(s, terminateProtocol, err)
}

func (h *Hub) handleMessage(s *Session, msg protocol.Message) error {
	switch m := msg.(type) {
	case *protocol.Heartbeat:
		return h.handleHeartbeat(s, m)
	case *protocol.StatusUpdate:
		return h.handleStatusUpdate(s, m)
	case *protocol.OutputChunk:
		h.handleOutput(s, m)
		return nil
	case *protocol.CacheResponse:
		h.handleCacheResponse(s, m)
		return nil
	case *protocol.ArtifactAck:
		h.handleArtifactAck(s, m)
		return nil
	case *protocol.Register:
		return fmt.Errorf("duplicate register on live session %s", s.WorkerID)
	default:
		return fmt.Errorf("unexpected %s frame from worker %s", msg.MessageType(), s.WorkerID)
	}
}

// handleHeartbeat refreshes liveness, mirrors the worker's self-report
// into the pool manager, and pulls the next job when the worker is
// idle.
func (h *Hub) handleHeartbeat(s *Session, hb *protocol.Heartbeat) error {
	if hb.WorkerID != "" && hb.WorkerID != s.WorkerID {
		return fmt.Errorf("heartbeat for worker %s on session %s", hb.WorkerID, s.WorkerID)
	}

	now := h.now()
	s.mu.Lock()
	s.lastHeartbeat = now
	s.activeJobs = hb.ActiveJobs
	state := s.state
	s.mu.Unlock()

	metrics.HeartbeatsReceived.Inc()

	status := types.WorkerStatus(hb.Status)
	if err := h.pools.WorkerHeartbeat(s.WorkerID, status, hb.ActiveJobs); err != nil {
		h.logger.Debug().Str("worker_id", s.WorkerID).Err(err).Msg("Heartbeat not applied to pool record")
	}

	if state == SessionReady && status == types.WorkerStatusReady && hb.ActiveJobs == 0 {
		h.tryDispatch(s)
	}
	return nil
}

// handleCacheResponse routes a cache answer to the staging pipeline
// waiting on it. Late answers, after the cache window elapsed or the
// dispatch was torn down, are dropped.
func (h *Hub) handleCacheResponse(s *Session, resp *protocol.CacheResponse) {
	s.mu.Lock()
	f := s.job
	s.mu.Unlock()
	if f == nil || f.entry.Job.ID != resp.JobID {
		h.logger.Debug().
			Str("worker_id", s.WorkerID).
			Str("job_id", resp.JobID).
			Msg("Stale cache response dropped")
		return
	}
	select {
	case f.cacheCh <- resp:
	default:
	}
}

// handleArtifactAck routes a staging acknowledgement to the pipeline.
func (h *Hub) handleArtifactAck(s *Session, ack *protocol.ArtifactAck) {
	s.mu.Lock()
	f := s.job
	s.mu.Unlock()
	if f == nil {
		h.logger.Debug().
			Str("worker_id", s.WorkerID).
			Str("artifact_id", ack.ArtifactID).
			Msg("Stale artifact ack dropped")
		return
	}
	select {
	case f.ackCh <- ack:
	default:
	}
}

// handleOutput appends a stdout/stderr chunk to the job's output sink.
func (h *Hub) handleOutput(s *Session, c *protocol.OutputChunk) {
	s.mu.Lock()
	f := s.job
	s.mu.Unlock()
	if f == nil || f.entry.Job.ID != c.JobID {
		return
	}
	f.output.append(c.Data)
}
