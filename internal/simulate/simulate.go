// Package simulate replays a static order against a graph without
// executing any task bodies. It reports, per key, when the key ran, how
// long its result stayed resident, and the memory pressure at run and
// release time. The order package's heuristics are tuned and regression
// tested against these reports.
package simulate

import (
	"fmt"

	"github.com/vk/gridflow/internal/graph"
	"github.com/vk/gridflow/internal/order"
	"github.com/vk/gridflow/internal/task"
)

// KeyTrace is the simulated lifecycle of one key.
type KeyTrace struct {
	Key task.Key
	// RunIndex is the position at which the key executed (its rank).
	RunIndex int
	// ReleaseIndex is the run index of the last dependent, after which
	// the result is evicted. Keys nobody depends on release immediately.
	ReleaseIndex int
	// Age is ReleaseIndex - RunIndex: how many task executions the result
	// stayed in memory for.
	Age int
	// PressureAtRun is the number of results resident when the key ran,
	// including its own.
	PressureAtRun int
	// PressureAtRelease is the number of results resident just before the
	// key's result was evicted.
	PressureAtRelease int
}

// Report is the full simulated run.
type Report struct {
	Traces map[task.Key]*KeyTrace
	// Peak is the maximum number of simultaneously resident results.
	Peak int
}

// Trace replays ord over g. The order must be a complete, topologically
// valid numbering of g; execution is serial in rank order, the exact
// behavior of a single-worker run.
func Trace(g graph.Graph, ord *order.Order) (*Report, error) {
	if ord.Len() != len(g) {
		return nil, fmt.Errorf("order covers %d keys, graph has %d", ord.Len(), len(g))
	}
	deps := graph.Dependencies(g)
	dependents := graph.Reverse(deps)

	seq := make([]task.Key, len(g))
	for k, r := range ord.Rank {
		if r < 0 || r >= len(seq) {
			return nil, fmt.Errorf("rank %d of key %s out of range", r, k)
		}
		seq[r] = k
	}

	// last rank at which each key is still needed
	lastUse := make(map[task.Key]int, len(g))
	for k := range g {
		lastUse[k] = ord.Rank[k]
		for t := range dependents[k] {
			if r := ord.Rank[t]; r > lastUse[k] {
				lastUse[k] = r
			}
		}
	}

	report := &Report{Traces: make(map[task.Key]*KeyTrace, len(g))}
	resident := make(task.KeySet)
	for i, k := range seq {
		for d := range deps[k] {
			if !resident.Has(d) {
				return nil, fmt.Errorf("order is not topological: %s ran at %d before its dependency %s", k, i, d)
			}
		}
		resident.Add(k)
		report.Traces[k] = &KeyTrace{Key: k, RunIndex: i, PressureAtRun: len(resident)}
		if len(resident) > report.Peak {
			report.Peak = len(resident)
		}
		// evict everything whose last dependent just ran
		for _, r := range resident.Sorted() {
			if lastUse[r] == i {
				report.Traces[r].ReleaseIndex = i
				report.Traces[r].Age = i - report.Traces[r].RunIndex
				report.Traces[r].PressureAtRelease = len(resident)
				delete(resident, r)
			}
		}
	}
	return report, nil
}
