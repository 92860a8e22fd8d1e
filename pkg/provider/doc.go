/*
Package provider abstracts the compute backends that materialize
workers for Drover pools.

A Provider turns a WorkerTemplate into a running worker, destroys
workers, reports capacity, and optionally streams lifecycle events.
The pool manager and reconciler speak only this interface; backend
differences stay behind it.

# Architecture

	┌────────────────── PROVIDER LAYER ────────────────────────┐
	│                                                           │
	│  ┌────────────────────────────────────────────┐           │
	│  │             Provider Interface             │           │
	│  │  CreateWorker / DeleteWorker               │           │
	│  │  GetWorkerStatus / ListWorkers             │           │
	│  │  GetResourceAvailability                   │           │
	│  │  WatchWorkerEvents (optional capability)   │           │
	│  │  ValidateTemplate / Info / HealthCheck     │           │
	│  └───────┬──────────────┬──────────────┬──────┘           │
	│          │              │              │                  │
	│  ┌───────▼─────┐ ┌──────▼──────┐ ┌─────▼───────┐          │
	│  │ containerd  │ │   cluster   │ │  simulated  │          │
	│  │ local tasks │ │  HTTP API + │ │  in-memory, │          │
	│  │  no events  │ │  ws events  │ │ full events │          │
	│  └─────────────┘ └─────────────┘ └─────────────┘          │
	└───────────────────────────────────────────────────────────┘

# Tagged Results

Operations that can fail in ways the caller must distinguish return
tagged result structs instead of bare errors:

	CreateWorkerResult: Created | InvalidTemplate | InsufficientResources | Failed
	DeleteWorkerResult: Deleted | NotFound | HasActiveJobs | Failed

Callers switch on the Outcome field. Unexpected backend errors are
classified onto sentinels (ErrWorkerNotFound, ErrPermissionDenied,
ErrAlreadyExists) so recovery policy can use errors.Is via
FailureClassOf.

# Shared Contract

All backends share template validation and resource parsing:

  - ParseCPU: "500m" → 500 millicores, "2" → 2000, "1000n" → 0
  - ParseMemory: "256Mi" → 256·2²⁰, "2G" → 2·10⁹
  - parse(format(x)) == x for canonical units
  - ValidateTemplate: image reference, resource quantities, DNS-1123
    labels, volume limits, port ranges, security context

Templates that request privilege escalation, dangerous capabilities,
or sensitive host paths (/var/run/docker.sock, /proc, /sys) are
rejected before any backend call.

# Backends

Containerd runs workers as tasks on the local host: pull with unpack,
CFS cpu quota and memory limits from the parsed resources, identity
env injection, SIGTERM then SIGKILL on delete. It has no event stream;
the resource monitor polls it.

Cluster drives a remote cluster manager over HTTP and relays its
websocket event stream.

Simulated keeps workers in memory with configurable capacity and
creation delay. Integration tests and `drover serve --provider
simulated` use it.

# Usage

	p, err := provider.NewSimulatedProvider(provider.SimulatedConfig{})
	if err != nil {
		return err
	}

	result := p.CreateWorker(ctx, tmpl, poolID)
	switch result.Outcome {
	case provider.CreateOutcomeCreated:
		// result.Worker
	case provider.CreateOutcomeInvalidTemplate:
		// result.ValidationErrors
	case provider.CreateOutcomeInsufficientResources:
		// result.Required, result.Available
	case provider.CreateOutcomeFailed:
		// result.Err
	}

# Integration Points

  - pkg/pool: creates and deletes workers through the registry
  - pkg/monitor: polls GetResourceAvailability
  - pkg/reconciler: compares desired state against ListWorkers
  - pkg/coordinator: wires providers from configuration
*/
package provider
