// Package layer implements named sub-graphs ("layers") with inter-layer
// dependency edges. Front ends compose operations layer by layer; before
// execution the layered graph is culled to the requested output keys and
// flattened into a single flat graph.
//
// A layer is either materialized (a literal task map) or symbolic (able
// to report its output keys and produce tasks on demand). Symbolic layers
// keep culling cheap on wide partitioned operations: the engine can drop
// partitions without ever building their tasks.
package layer

import (
	"fmt"

	"github.com/vk/gridflow/internal/graph"
	"github.com/vk/gridflow/internal/task"
)

// Layer is the capability interface both concrete variants implement.
type Layer interface {
	// OutputKeys reports the set of keys this layer computes. For
	// symbolic layers this must not materialize the task mapping.
	OutputKeys() task.KeySet

	// Cull narrows the layer to just the tasks needed for keys. known is
	// the set of output keys across the whole layered graph, used to tell
	// references to graph nodes apart from external inputs. It returns
	// the narrowed layer and the per-key dependency sets of the kept
	// tasks (dependencies may resolve into other layers).
	Cull(keys, known task.KeySet) (Layer, map[task.Key]task.KeySet, error)

	// Materialize produces the layer's task mapping.
	Materialize() (graph.Graph, error)

	// Len reports the number of output keys without materializing.
	Len() int

	// IsMaterialized reports whether Materialize is a constant-time map
	// handoff.
	IsMaterialized() bool
}

// Materialized is a layer backed by a literal task map.
type Materialized struct {
	Tasks graph.Graph
}

// NewMaterialized wraps a task map as a layer.
func NewMaterialized(tasks graph.Graph) *Materialized {
	return &Materialized{Tasks: tasks}
}

// OutputKeys implements Layer.
func (m *Materialized) OutputKeys() task.KeySet {
	keys := make(task.KeySet, len(m.Tasks))
	for k := range m.Tasks {
		keys.Add(k)
	}
	return keys
}

// Cull implements Layer by rebuilding the reachable-within-layer closure
// of the requested keys.
func (m *Materialized) Cull(keys, known task.KeySet) (Layer, map[task.Key]task.KeySet, error) {
	kept := make(graph.Graph)
	deps := make(map[task.Key]task.KeySet)

	stack := keys.Sorted()
	for len(stack) > 0 {
		k := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, done := kept[k]; done {
			continue
		}
		t, ok := m.Tasks[k]
		if !ok {
			continue // owned by another layer
		}
		kept[k] = t
		d := task.DependenciesOf(t, known.Has)
		deps[k] = d
		for _, dep := range d.Sorted() {
			if _, mine := m.Tasks[dep]; mine {
				if _, done := kept[dep]; !done {
					stack = append(stack, dep)
				}
			}
		}
	}
	return &Materialized{Tasks: kept}, deps, nil
}

// Materialize implements Layer.
func (m *Materialized) Materialize() (graph.Graph, error) {
	return m.Tasks, nil
}

// Len implements Layer.
func (m *Materialized) Len() int { return len(m.Tasks) }

// IsMaterialized implements Layer.
func (m *Materialized) IsMaterialized() bool { return true }

// Formula is a symbolic layer generating one task per partition index
// from a template. Output keys are enumerable combinatorially, so culling
// never has to build the dropped partitions.
type Formula struct {
	Name  string
	Parts []int
	Build func(part int) *task.Task
}

// NewFormula creates a symbolic layer over partitions 0..n-1.
func NewFormula(name string, n int, build func(part int) *task.Task) *Formula {
	parts := make([]int, n)
	for i := range parts {
		parts[i] = i
	}
	return &Formula{Name: name, Parts: parts, Build: build}
}

// OutputKeys implements Layer without calling Build.
func (f *Formula) OutputKeys() task.KeySet {
	keys := make(task.KeySet, len(f.Parts))
	for _, p := range f.Parts {
		keys.Add(task.P(f.Name, p))
	}
	return keys
}

// Cull implements Layer by narrowing the partition index set. Only the
// kept partitions are built, and only to scan their dependencies.
func (f *Formula) Cull(keys, known task.KeySet) (Layer, map[task.Key]task.KeySet, error) {
	var parts []int
	deps := make(map[task.Key]task.KeySet)
	for _, p := range f.Parts {
		k := task.P(f.Name, p)
		if !keys.Has(k) {
			continue
		}
		parts = append(parts, p)
		deps[k] = task.DependenciesOf(f.Build(p), known.Has)
	}
	return &Formula{Name: f.Name, Parts: parts, Build: f.Build}, deps, nil
}

// Materialize implements Layer.
func (f *Formula) Materialize() (graph.Graph, error) {
	g := make(graph.Graph, len(f.Parts))
	for _, p := range f.Parts {
		k := task.P(f.Name, p)
		t := f.Build(p)
		if t == nil {
			return nil, fmt.Errorf("layer %q produced no task for partition %d", f.Name, p)
		}
		g[k] = t
	}
	return g, nil
}

// Len implements Layer.
func (f *Formula) Len() int { return len(f.Parts) }

// IsMaterialized implements Layer.
func (f *Formula) IsMaterialized() bool { return false }
