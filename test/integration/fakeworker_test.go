package integration

import (
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/drovekit/drover/pkg/protocol"
	"github.com/drovekit/drover/pkg/types"
)

// fakeWorker drives the worker side of the channel by script. Unlike
// the real agent it does nothing on its own, which lets tests answer
// cache queries at will, withhold acknowledgements, or break the
// protocol on purpose.
type fakeWorker struct {
	t    *testing.T
	conn *websocket.Conn
	id   string

	queries chan *protocol.CacheQuery
	jobs    chan *protocol.JobRequest
	signals chan *protocol.ControlSignal
	chunks  chan *protocol.ArtifactChunk
	readErr chan error

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// dialFakeWorker connects and registers a scripted worker for an
// existing worker record.
func dialFakeWorker(h *harness, workerID, poolID string) *fakeWorker {
	h.t.Helper()

	conn, resp, err := websocket.DefaultDialer.Dial(h.wsURL(), nil)
	require.NoError(h.t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	fw := &fakeWorker{
		t:       h.t,
		conn:    conn,
		id:      workerID,
		queries: make(chan *protocol.CacheQuery, 4),
		jobs:    make(chan *protocol.JobRequest, 4),
		signals: make(chan *protocol.ControlSignal, 4),
		chunks:  make(chan *protocol.ArtifactChunk, 64),
		readErr: make(chan error, 1),
	}
	fw.send(&protocol.Register{
		WorkerID:     workerID,
		Name:         workerID,
		Capabilities: map[string]string{types.CapabilityZstd: "true"},
		Labels:       map[string]string{types.LabelPoolID: poolID},
		Token:        h.workerToken(),
	})
	go fw.readLoop()
	h.t.Cleanup(fw.close)
	return fw
}

// readLoop routes inbound frames into their typed channels until the
// connection dies. Frame order on each channel matches wire order.
func (fw *fakeWorker) readLoop() {
	for {
		_, frame, err := fw.conn.ReadMessage()
		if err != nil {
			fw.readErr <- err
			return
		}
		msg, err := protocol.Decode(frame)
		if err != nil {
			fw.readErr <- err
			return
		}
		switch m := msg.(type) {
		case *protocol.CacheQuery:
			fw.queries <- m
		case *protocol.JobRequest:
			fw.jobs <- m
		case *protocol.ControlSignal:
			fw.signals <- m
		case *protocol.ArtifactChunk:
			fw.chunks <- m
		}
	}
}

func (fw *fakeWorker) send(m protocol.Message) {
	fw.t.Helper()
	frame, err := protocol.Encode(m)
	require.NoError(fw.t, err)
	fw.writeMu.Lock()
	defer fw.writeMu.Unlock()
	_ = fw.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	require.NoError(fw.t, fw.conn.WriteMessage(websocket.TextMessage, frame))
}

// expectCacheQuery waits for the orchestrator's cache probe.
func (fw *fakeWorker) expectCacheQuery(timeout time.Duration) *protocol.CacheQuery {
	fw.t.Helper()
	select {
	case q := <-fw.queries:
		return q
	case err := <-fw.readErr:
		fw.t.Fatalf("channel closed while waiting for cache query: %v", err)
	case <-time.After(timeout):
		fw.t.Fatalf("no cache query within %s", timeout)
	}
	return nil
}

// expectJob waits for the dispatch frame.
func (fw *fakeWorker) expectJob(timeout time.Duration) *protocol.JobRequest {
	fw.t.Helper()
	select {
	case j := <-fw.jobs:
		return j
	case err := <-fw.readErr:
		fw.t.Fatalf("channel closed while waiting for job request: %v", err)
	case <-time.After(timeout):
		fw.t.Fatalf("no job request within %s", timeout)
	}
	return nil
}

// expectNoJob asserts that no dispatch frame arrives while waiting.
func (fw *fakeWorker) expectNoJob(wait time.Duration) {
	fw.t.Helper()
	select {
	case j := <-fw.jobs:
		fw.t.Fatalf("unexpected job request for %s", j.JobDefinition.ID)
	case <-time.After(wait):
	}
}

// respondCacheMiss reports every artifact as absent.
func (fw *fakeWorker) respondCacheMiss(jobID string, artifactIDs ...string) {
	fw.t.Helper()
	entries := make([]protocol.CacheEntry, 0, len(artifactIDs))
	for _, id := range artifactIDs {
		entries = append(entries, protocol.CacheEntry{ArtifactID: id, NeedsTransfer: true})
	}
	fw.send(&protocol.CacheResponse{JobID: jobID, Artifacts: entries})
}

// respondCacheHit reports every artifact as already cached and, like
// the real agent, acknowledges each hit immediately.
func (fw *fakeWorker) respondCacheHit(jobID string, arts ...*types.Artifact) {
	fw.t.Helper()
	entries := make([]protocol.CacheEntry, 0, len(arts))
	for _, a := range arts {
		entries = append(entries, protocol.CacheEntry{
			ArtifactID:     a.ID,
			Cached:         true,
			CachedChecksum: a.Checksum,
		})
	}
	fw.send(&protocol.CacheResponse{JobID: jobID, Artifacts: entries})
	for _, a := range arts {
		fw.send(&protocol.ArtifactAck{
			ArtifactID:         a.ID,
			Success:            true,
			CacheHit:           true,
			CalculatedChecksum: a.Checksum,
			CacheStatus:        protocol.CacheStatus{Count: len(arts), SizeBytes: a.Size},
		})
	}
}

// receiveArtifact consumes one artifact's chunk stream and returns the
// chunk count and the reassembled transfer.
func (fw *fakeWorker) receiveArtifact(artifactID string, timeout time.Duration) (int, *protocol.Assembler) {
	fw.t.Helper()
	asm := protocol.NewAssembler(artifactID)
	n := 0
	deadline := time.After(timeout)
	for {
		select {
		case chunk := <-fw.chunks:
			require.Equal(fw.t, artifactID, chunk.ArtifactID)
			require.NoError(fw.t, asm.Add(chunk))
			n++
			if chunk.IsLast {
				require.True(fw.t, asm.Complete())
				return n, asm
			}
		case err := <-fw.readErr:
			fw.t.Fatalf("channel closed mid-transfer: %v", err)
		case <-deadline:
			fw.t.Fatalf("artifact %s transfer incomplete after %s (%d chunks)", artifactID, timeout, n)
		}
	}
}

// ackArtifact acknowledges a completed transfer with its checksum.
func (fw *fakeWorker) ackArtifact(artifactID string, asm *protocol.Assembler) {
	fw.t.Helper()
	fw.send(&protocol.ArtifactAck{
		ArtifactID:         artifactID,
		Success:            true,
		CalculatedChecksum: asm.Checksum(),
		CacheStatus:        protocol.CacheStatus{Count: 1, SizeBytes: asm.Size()},
	})
}

// sendStatus reports a job state transition.
func (fw *fakeWorker) sendStatus(jobID, executionID string, state protocol.JobState) {
	fw.t.Helper()
	fw.send(&protocol.StatusUpdate{JobID: jobID, ExecutionID: executionID, Status: state})
}

// violate sends the policy-violation close frame the real agent uses
// for a broken chunk stream, then waits for the orchestrator to drop
// the session.
func (fw *fakeWorker) violate(reason string) {
	fw.t.Helper()
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	fw.writeMu.Lock()
	err := fw.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	fw.writeMu.Unlock()
	require.NoError(fw.t, err)

	select {
	case <-fw.readErr:
	case <-time.After(5 * time.Second):
		fw.t.Fatal("orchestrator kept the session open after the violation")
	}
	fw.closeOnce.Do(func() { _ = fw.conn.Close() })
}

// abruptClose drops the transport with no close handshake, the way a
// crashed worker process would.
func (fw *fakeWorker) abruptClose() {
	fw.closeOnce.Do(func() { _ = fw.conn.Close() })
}

// close performs a clean shutdown handshake.
func (fw *fakeWorker) close() {
	fw.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		fw.writeMu.Lock()
		_ = fw.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		fw.writeMu.Unlock()
		_ = fw.conn.Close()
	})
}
