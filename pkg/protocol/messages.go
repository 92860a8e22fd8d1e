package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/drovekit/drover/pkg/types"
)

// MessageType tags a wire message variant.
type MessageType string

// Worker -> orchestrator messages.
const (
	TypeRegister      MessageType = "register"
	TypeHeartbeat     MessageType = "heartbeat"
	TypeStatusUpdate  MessageType = "status_update"
	TypeOutputChunk   MessageType = "output_chunk"
	TypeArtifactAck   MessageType = "artifact_ack"
	TypeCacheResponse MessageType = "cache_response"
)

// Orchestrator -> worker messages.
const (
	TypeJobRequest    MessageType = "job_request"
	TypeCacheQuery    MessageType = "cache_query"
	TypeArtifactChunk MessageType = "artifact_chunk"
	TypeControlSignal MessageType = "control_signal"
)

// Envelope frames every message on the worker channel. The transport
// (websocket) supplies length-prefixed framing; the envelope supplies
// the variant tag.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Message is implemented by every wire variant.
type Message interface {
	MessageType() MessageType
}

// ErrUnknownMessageType is returned by Decode for unrecognized variants.
// Receiving one on a live session is a protocol violation.
var ErrUnknownMessageType = fmt.Errorf("protocol: unknown message type")

// Register is the first frame a worker sends after connecting.
type Register struct {
	WorkerID     string            `json:"workerId"`
	Name         string            `json:"name,omitempty"`
	Capabilities map[string]string `json:"capabilities"`
	Labels       map[string]string `json:"labels,omitempty"`
	Token        string            `json:"token,omitempty"`
}

func (Register) MessageType() MessageType { return TypeRegister }

// Heartbeat is the periodic worker self-report.
type Heartbeat struct {
	WorkerID   string `json:"workerId"`
	Status     string `json:"status"`
	ActiveJobs int    `json:"activeJobs"`
}

func (Heartbeat) MessageType() MessageType { return TypeHeartbeat }

// JobState is the job status enum as transmitted on the wire.
type JobState string

const (
	StateQueued    JobState = "queued"
	StateRunning   JobState = "running"
	StateSuccess   JobState = "success"
	StateFailed    JobState = "failed"
	StateCancelled JobState = "cancelled"
)

// Terminal reports whether the wire state is final.
func (s JobState) Terminal() bool {
	switch s {
	case StateSuccess, StateFailed, StateCancelled:
		return true
	}
	return false
}

// ToStatus maps the wire state to the domain job status.
func (s JobState) ToStatus() types.JobStatus {
	switch s {
	case StateRunning:
		return types.JobStatusRunning
	case StateSuccess:
		return types.JobStatusCompleted
	case StateFailed:
		return types.JobStatusFailed
	case StateCancelled:
		return types.JobStatusCancelled
	default:
		return types.JobStatusQueued
	}
}

// StateFromStatus maps a domain job status to its wire state.
func StateFromStatus(s types.JobStatus) JobState {
	switch s {
	case types.JobStatusRunning:
		return StateRunning
	case types.JobStatusCompleted:
		return StateSuccess
	case types.JobStatusFailed:
		return StateFailed
	case types.JobStatusCancelled:
		return StateCancelled
	default:
		return StateQueued
	}
}

// StatusUpdate reports a job state transition from the worker.
type StatusUpdate struct {
	JobID       string   `json:"jobId"`
	ExecutionID string   `json:"executionId,omitempty"`
	Status      JobState `json:"status"`
	ExitCode    int      `json:"exitCode,omitempty"`
	Error       string   `json:"error,omitempty"`
}

func (StatusUpdate) MessageType() MessageType { return TypeStatusUpdate }

// OutputChunk streams stdout/stderr of a running job.
type OutputChunk struct {
	JobID    string `json:"jobId"`
	Stream   string `json:"stream"` // "stdout" or "stderr"
	Sequence int    `json:"sequence"`
	Data     []byte `json:"data"`
}

func (OutputChunk) MessageType() MessageType { return TypeOutputChunk }

// CacheQuery asks the worker which artifacts it already holds.
type CacheQuery struct {
	JobID       string   `json:"jobId"`
	ArtifactIDs []string `json:"artifactIds"`
}

func (CacheQuery) MessageType() MessageType { return TypeCacheQuery }

// CacheEntry is the per-artifact answer inside a CacheResponse.
type CacheEntry struct {
	ArtifactID     string `json:"artifactId"`
	Cached         bool   `json:"cached"`
	CachedChecksum string `json:"cachedChecksum,omitempty"`
	NeedsTransfer  bool   `json:"needsTransfer"`
}

// CacheResponse answers a CacheQuery.
type CacheResponse struct {
	JobID     string       `json:"jobId"`
	Artifacts []CacheEntry `json:"artifacts"`
}

func (CacheResponse) MessageType() MessageType { return TypeCacheResponse }

// ArtifactChunk carries one window of artifact content. Chunks are cut
// from the raw content at ChunkSize boundaries and compressed
// independently, so OriginalSize is the decompressed length of this
// chunk and the per-artifact sum equals the artifact size.
type ArtifactChunk struct {
	ArtifactID   string                `json:"artifactId"`
	Sequence     int                   `json:"sequence"`
	Data         []byte                `json:"data"`
	IsLast       bool                  `json:"isLast"`
	Compression  types.CompressionType `json:"compression"`
	OriginalSize int64                 `json:"originalSize"`
}

func (ArtifactChunk) MessageType() MessageType { return TypeArtifactChunk }

// CacheStatus reports the worker cache footprint inside an ack.
type CacheStatus struct {
	Count     int   `json:"count"`
	SizeBytes int64 `json:"sizeBytes"`
}

// ArtifactAck acknowledges one artifact after staging.
type ArtifactAck struct {
	ArtifactID         string      `json:"artifactId"`
	Success            bool        `json:"success"`
	CacheHit           bool        `json:"cacheHit"`
	CalculatedChecksum string      `json:"calculatedChecksum,omitempty"`
	CacheStatus        CacheStatus `json:"cacheStatus"`
	Message            string      `json:"message,omitempty"`
}

func (ArtifactAck) MessageType() MessageType { return TypeArtifactAck }

// ArtifactRef identifies a staged artifact inside a JobRequest.
type ArtifactRef struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Checksum string `json:"checksum"`
	Size     int64  `json:"size"`
}

// JobDefinition is the executable portion of a job as dispatched.
type JobDefinition struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	Command        []string          `json:"command,omitempty"`
	Script         string            `json:"script,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	WorkingDir     string            `json:"workingDir,omitempty"`
	TimeoutSeconds int64             `json:"timeoutSeconds,omitempty"`
	Priority       string            `json:"priority"`
}

// JobRequest is the single dispatch point for a job on a session, sent
// only after every required artifact is staged or cache-hit.
type JobRequest struct {
	ExecutionID       string            `json:"executionId"`
	JobDefinition     JobDefinition     `json:"jobDefinition"`
	Config            map[string]string `json:"config,omitempty"`
	RequiredArtifacts []ArtifactRef     `json:"requiredArtifacts"`
}

func (JobRequest) MessageType() MessageType { return TypeJobRequest }

// SignalType enumerates control signals.
type SignalType string

const (
	SignalCancel SignalType = "cancel"
	SignalPause  SignalType = "pause"
	SignalResume SignalType = "resume"
)

// ControlSignal carries an orchestrator-initiated job control action.
type ControlSignal struct {
	JobID  string     `json:"jobId"`
	Signal SignalType `json:"signal"`
}

func (ControlSignal) MessageType() MessageType { return TypeControlSignal }

// Encode wraps a message in its envelope and marshals it.
func Encode(m Message) ([]byte, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", m.MessageType(), err)
	}
	return json.Marshal(&Envelope{Type: m.MessageType(), Payload: payload})
}

// Decode parses an envelope and returns the typed variant. Unknown
// variants return ErrUnknownMessageType.
func Decode(data []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return decodePayload(env.Type, env.Payload)
}

func decodePayload(t MessageType, payload json.RawMessage) (Message, error) {
	var m Message
	switch t {
	case TypeRegister:
		m = &Register{}
	case TypeHeartbeat:
		m = &Heartbeat{}
	case TypeStatusUpdate:
		m = &StatusUpdate{}
	case TypeOutputChunk:
		m = &OutputChunk{}
	case TypeArtifactAck:
		m = &ArtifactAck{}
	case TypeCacheResponse:
		m = &CacheResponse{}
	case TypeJobRequest:
		m = &JobRequest{}
	case TypeCacheQuery:
		m = &CacheQuery{}
	case TypeArtifactChunk:
		m = &ArtifactChunk{}
	case TypeControlSignal:
		m = &ControlSignal{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, t)
	}
	if err := json.Unmarshal(payload, m); err != nil {
		return nil, fmt.Errorf("unmarshal %s payload: %w", t, err)
	}
	return m, nil
}
