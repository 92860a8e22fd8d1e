/*
Package protocol defines the wire contract between the orchestrator and
its workers.

Every frame on the worker channel is a tagged JSON envelope wrapping one
of ten variants. The transport (websocket) supplies length-prefixed
framing and flow control; this package supplies the variant tag, the
payload schemas, the compression codecs, and the chunk ordering rules of
the artifact transfer protocol.

# Message Variants

Worker -> orchestrator:
  - register: worker identity, capabilities, pool binding, join token
  - heartbeat: status and active job count
  - status_update: job state transition (queued/running/success/failed/cancelled)
  - output_chunk: streamed stdout/stderr
  - cache_response: answer to a cache query
  - artifact_ack: per-artifact staging acknowledgement

Orchestrator -> worker:
  - cache_query: which of these artifacts do you hold?
  - artifact_chunk: one 64 KiB window of artifact content
  - job_request: the dispatch message, sent once staging completes
  - control_signal: cancel, pause, resume

Decode returns ErrUnknownMessageType for unrecognized tags; sessions
treat that as a protocol violation and terminate.

# Artifact Transfer

Content is cut at ChunkSize (64 KiB) boundaries before compression, so
chunk counts are stable regardless of codec. Each chunk carries the raw
window length in OriginalSize; the receiver verifies it after
decompression (ErrSizeMismatch on disagreement). Sequences start at
zero, increase strictly by one, and exactly one chunk carries isLast.
Assembler enforces these rules (ErrChunkGap, ErrChunkAfterLast) and
exposes the SHA-256 of the assembled content for checksum verification.

Zstd (klauspost/compress) is used only for workers that declared the
zstd capability; Negotiate falls back to gzip otherwise so the sender
can record the downgrade.

# Integration Points

  - pkg/hub drives CacheQuery/ArtifactChunk/JobRequest/ControlSignal
  - pkg/worker answers with CacheResponse/ArtifactAck/StatusUpdate
  - pkg/artifact supplies the content read by Chunker
*/
package protocol
