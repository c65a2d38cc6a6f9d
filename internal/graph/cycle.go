package graph

import (
	"fmt"
	"strings"

	"github.com/vk/gridflow/internal/task"
)

// CycleError reports a dependency cycle. Cycle lists the offending keys
// in order; each key depends on the previous one and the first depends on
// the last.
type CycleError struct {
	Cycle []task.Key
}

func (e *CycleError) Error() string {
	names := make([]string, len(e.Cycle))
	for i, k := range e.Cycle {
		names[i] = k.String()
	}
	return fmt.Sprintf("dependency cycle detected: %s", strings.Join(names, " -> "))
}

// CycleCheck looks for a cycle in the dependency map. It returns nil for
// an acyclic graph, otherwise a CycleError carrying one concrete cycle
// for diagnostics. The sweep is Kahn's algorithm; whatever survives the
// sweep lies on or downstream of a cycle, and a walk restricted to the
// survivors recovers one.
func CycleCheck(deps map[task.Key]task.KeySet) *CycleError {
	remaining := make(map[task.Key]int, len(deps))
	dependents := Reverse(deps)

	var ready []task.Key
	for k, ds := range deps {
		remaining[k] = len(ds)
		if len(ds) == 0 {
			ready = append(ready, k)
		}
	}

	visited := 0
	for len(ready) > 0 {
		k := ready[len(ready)-1]
		ready = ready[:len(ready)-1]
		visited++
		for dep := range dependents[k] {
			remaining[dep]--
			if remaining[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}
	if visited == len(deps) {
		return nil
	}

	// Every unvisited node still has an unvisited dependency, so walking
	// dependencies within the unvisited set must revisit a node.
	unvisited := make(task.KeySet)
	for k, n := range remaining {
		if n > 0 {
			unvisited.Add(k)
		}
	}
	start := unvisited.Sorted()[0]

	seenAt := map[task.Key]int{}
	var path []task.Key
	cur := start
	for {
		if at, ok := seenAt[cur]; ok {
			return &CycleError{Cycle: path[at:]}
		}
		seenAt[cur] = len(path)
		path = append(path, cur)
		// step to the smallest unvisited dependency for determinism
		var next task.Key
		found := false
		for _, d := range deps[cur].Sorted() {
			if unvisited.Has(d) {
				next = d
				found = true
				break
			}
		}
		if !found {
			// unreachable for a well-formed remaining set
			return &CycleError{Cycle: path}
		}
		cur = next
	}
}
