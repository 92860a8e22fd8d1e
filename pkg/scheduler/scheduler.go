package scheduler

import (
	"sort"

	"github.com/drovekit/drover/pkg/types"
)

// Satisfies reports whether a capability set meets every requirement.
// Matching is exact key/value equality; an empty requirement map is
// satisfied by any worker.
func Satisfies(capabilities, requirements map[string]string) bool {
	for key, want := range requirements {
		if capabilities[key] != want {
			return false
		}
	}
	return true
}

// Eligible filters workers that can accept a job with the given
// requirements right now: Ready, no active jobs, capabilities match.
func Eligible(workers []*types.Worker, requirements map[string]string) []*types.Worker {
	var eligible []*types.Worker
	for _, w := range workers {
		if !Available(w) {
			continue
		}
		if !Satisfies(w.Capabilities, requirements) {
			continue
		}
		eligible = append(eligible, w)
	}
	return eligible
}

// Available reports whether a worker can take a job right now.
func Available(w *types.Worker) bool {
	return w != nil && w.Status == types.WorkerStatusReady && w.ActiveJobs == 0
}

// SelectWorker picks the eligible worker with the fewest active jobs,
// breaking ties by worker ID for deterministic assignment. Returns nil
// when no worker qualifies.
func SelectWorker(workers []*types.Worker, requirements map[string]string) *types.Worker {
	eligible := Eligible(workers, requirements)
	if len(eligible) == 0 {
		return nil
	}

	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].ActiveJobs != eligible[j].ActiveJobs {
			return eligible[i].ActiveJobs < eligible[j].ActiveJobs
		}
		return eligible[i].ID < eligible[j].ID
	})
	return eligible[0]
}
