/*
Package log provides structured logging for Drover using zerolog.

The log package wraps the zerolog library to provide JSON-structured
logging with component-specific loggers, configurable log levels, and
helper functions for common logging patterns. All logs include
timestamps and support filtering by severity for production debugging.

# Usage

Initialize once at startup:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true, // false = human-readable console output
	})

Component loggers carry a stable field through every line:

	logger := log.WithComponent("hub")
	logger.Info().Str("worker_id", w.ID).Msg("session registered")

Entity helpers for ad-hoc call sites:

	log.WithJobID(job.ID).Warn().Msg("dispatch send timed out")

JSON output:

	{"level":"info","component":"hub","worker_id":"w-1","time":"2026-03-14T10:30:00Z","message":"session registered"}

# Integration Points

Every long-lived subsystem (queue, pool manager, hub, autoscaler,
monitor, coordinator, providers, api) builds its own component logger
at construction and never logs through the bare global.
*/
package log
