// Package graph holds the flat task-graph model: a mapping from key to
// task expression, plus the dependency maps derived from it. Dependency
// and dependent maps are always computed from the graph, never mutated
// on their own, so the reverse invariant holds by construction.
package graph

import (
	"github.com/vk/gridflow/internal/task"
)

// Graph maps each key to the task computing it.
type Graph map[task.Key]*task.Task

// Keys returns the graph's keys in sorted order.
func (g Graph) Keys() []task.Key {
	keys := make([]task.Key, 0, len(g))
	for k := range g {
		keys = append(keys, k)
	}
	task.SortKeys(keys)
	return keys
}

// Has reports whether a key exists in the graph.
func (g Graph) Has(k task.Key) bool {
	_, ok := g[k]
	return ok
}

// Dependencies derives the key → direct-dependency-set mapping by
// scanning every task for references to keys present in the graph.
// References to absent keys are external inputs and do not appear.
func Dependencies(g Graph) map[task.Key]task.KeySet {
	deps := make(map[task.Key]task.KeySet, len(g))
	for k, t := range g {
		deps[k] = task.DependenciesOf(t, g.Has)
	}
	return deps
}

// Reverse computes the dependents mapping from a dependencies mapping.
// Every key in deps appears in the result, with an empty set if nothing
// depends on it.
func Reverse(deps map[task.Key]task.KeySet) map[task.Key]task.KeySet {
	rev := make(map[task.Key]task.KeySet, len(deps))
	for k := range deps {
		rev[k] = make(task.KeySet)
	}
	for k, ds := range deps {
		for d := range ds {
			if _, ok := rev[d]; !ok {
				rev[d] = make(task.KeySet)
			}
			rev[d].Add(k)
		}
	}
	return rev
}
