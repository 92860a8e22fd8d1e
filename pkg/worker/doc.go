// Package worker implements the agent process running inside each
// provisioned worker instance.
//
// The agent is the other end of the channel served by pkg/hub. It
// dials the orchestrator's /ws endpoint, registers with its join
// token and capabilities, and then reacts to orchestrator frames for
// the rest of its life:
//
//	Register ──▶ heartbeat every interval (ready/busy + active jobs)
//	CacheQuery ──▶ CacheResponse, plus an immediate ack per cache hit
//	ArtifactChunk ──▶ strict-order assembly ──▶ cache Put ──▶ ArtifactAck
//	JobRequest ──▶ workspace + StatusUpdate(running) ──▶ exec
//	            ──▶ OutputChunk stream ──▶ terminal StatusUpdate
//	ControlSignal ──▶ cancel / pause / resume the job's process group
//
// Artifacts are kept in a content-addressed cache (blob directory plus
// a bbolt index keyed by artifact ID) that survives restarts, so a
// worker that has staged an artifact once answers the next CacheQuery
// with a hit and skips the transfer. Every ack carries the cache
// footprint so the orchestrator can observe cache growth.
//
// Jobs run as host processes in their own process group: a command
// list runs directly, an inline script runs through the shell.
// Required artifacts are materialized into the job's workspace under
// their artifact names before the process starts.
//
// Protocol violations (sequence gaps, undecodable frames, unexpected
// message types) close the connection with a policy-violation code;
// the hub reads that code and marks the worker failed instead of
// retrying its job elsewhere.
package worker
