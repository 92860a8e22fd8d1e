/*
Package scheduler provides capability matching and worker selection.

The scheduler is a pure library: it holds no state and runs no loops.
The coordinator's queue processor and the channel hub both call into it
to decide which worker should receive which job.

# Matching

A job carries capability requirements (exact key/value pairs, e.g.
os=linux, build=true); a worker advertises a capability set at
registration. Satisfies performs exact equality matching: every
requirement key must be present in the worker's set with the same
value. There is no partial credit and no wildcard.

# Selection

Eligible narrows a worker list to those that can take a job right now:
status Ready, zero active jobs, capabilities satisfied. SelectWorker
then picks the least-loaded eligible worker, breaking ties by worker ID
so repeated calls over the same fleet are deterministic.

# Integration Points

  - pkg/queue calls Satisfies when scanning for the next dispatchable job
  - pkg/coordinator calls SelectWorker in the queue processor loop
  - pkg/hub calls Satisfies when a heartbeat frees a worker
*/
package scheduler
