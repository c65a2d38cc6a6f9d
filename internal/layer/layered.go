package layer

import (
	"fmt"
	"sort"

	"github.com/vk/gridflow/internal/graph"
	"github.com/vk/gridflow/internal/task"
)

// DuplicateKeyError reports that two layers claim the same key. This is a
// front-end bug, not a data error, and flattening fails loudly rather
// than silently picking a winner.
type DuplicateKeyError struct {
	Key    task.Key
	Layers [2]string
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("key %s claimed by layers %q and %q", e.Key, e.Layers[0], e.Layers[1])
}

// LayeredGraph is a graph of named layers. Dependencies maps each layer
// name to the names of the layers it references; the map must be exactly
// recoverable by scanning tasks, which Validate checks.
type LayeredGraph struct {
	Layers       map[string]Layer
	Dependencies map[string]map[string]struct{}
}

// New creates an empty layered graph.
func New() *LayeredGraph {
	return &LayeredGraph{
		Layers:       make(map[string]Layer),
		Dependencies: make(map[string]map[string]struct{}),
	}
}

// FromLayer builds a layered graph from a new layer plus the layered
// graphs it was composed from. All input layers are merged by name
// (idempotently), and the new layer is recorded as depending on every
// layer name each input contributed.
func FromLayer(name string, l Layer, dependsOn ...*LayeredGraph) (*LayeredGraph, error) {
	out := New()
	newDeps := make(map[string]struct{})
	for _, in := range dependsOn {
		for n, il := range in.Layers {
			if existing, ok := out.Layers[n]; ok && existing != il {
				return nil, fmt.Errorf("layer %q present in multiple inputs with different contents", n)
			}
			out.Layers[n] = il
			newDeps[n] = struct{}{}
		}
		for n, ds := range in.Dependencies {
			if _, ok := out.Dependencies[n]; !ok {
				out.Dependencies[n] = make(map[string]struct{})
			}
			for d := range ds {
				out.Dependencies[n][d] = struct{}{}
			}
		}
	}
	if _, ok := out.Layers[name]; ok {
		return nil, fmt.Errorf("layer %q already present in its own inputs", name)
	}
	out.Layers[name] = l
	out.Dependencies[name] = newDeps
	return out, nil
}

// Infer builds a layered graph from bare layers, computing the
// dependency map by scanning task contents. Front ends that load layers
// from files use this instead of FromLayer, since they have no
// composition history to carry the dependencies.
func Infer(layers map[string]Layer) (*LayeredGraph, error) {
	lg := &LayeredGraph{
		Layers:       make(map[string]Layer, len(layers)),
		Dependencies: nil,
	}
	for n, l := range layers {
		lg.Layers[n] = l
	}
	deps, err := lg.computeDependencies()
	if err != nil {
		return nil, err
	}
	lg.Dependencies = deps
	return lg, nil
}

// AllOutputKeys unions the output keys of every layer.
func (lg *LayeredGraph) AllOutputKeys() task.KeySet {
	all := make(task.KeySet)
	for _, l := range lg.Layers {
		all.AddAll(l.OutputKeys())
	}
	return all
}

// OwnerOf returns the name of the layer owning a key, if any.
func (lg *LayeredGraph) OwnerOf(k task.Key) (string, bool) {
	for _, name := range lg.sortedNames() {
		if lg.Layers[name].OutputKeys().Has(k) {
			return name, true
		}
	}
	return "", false
}

func (lg *LayeredGraph) sortedNames() []string {
	names := make([]string, 0, len(lg.Layers))
	for n := range lg.Layers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ToposortLayers orders layer names so that every layer follows the
// layers it depends on. Ties break by name, so the order is stable for
// identical input.
func (lg *LayeredGraph) ToposortLayers() []string {
	degree := make(map[string]int, len(lg.Layers))
	reverse := make(map[string][]string, len(lg.Layers))
	var ready []string
	for _, name := range lg.sortedNames() {
		deps := lg.Dependencies[name]
		degree[name] = len(deps)
		if len(deps) == 0 {
			ready = append(ready, name)
		}
	}
	for _, name := range lg.sortedNames() {
		for dep := range lg.Dependencies[name] {
			reverse[dep] = append(reverse[dep], name)
		}
	}
	for _, rs := range reverse {
		sort.Strings(rs)
	}

	out := make([]string, 0, len(lg.Layers))
	for len(ready) > 0 {
		sort.Strings(ready)
		name := ready[0]
		ready = ready[1:]
		out = append(out, name)
		for _, rdep := range reverse[name] {
			degree[rdep]--
			if degree[rdep] == 0 {
				ready = append(ready, rdep)
			}
		}
	}
	return out
}

// Cull returns a layered graph containing only what is needed to compute
// the requested keys, along with the per-key dependency sets of every
// kept task. Layers are visited in reverse topological order; each
// layer's external dependencies are fed back into the requested set so
// earlier layers keep exactly what later layers consume. Layers with no
// requested output are dropped entirely.
func (lg *LayeredGraph) Cull(requested task.KeySet) (*LayeredGraph, map[task.Key]task.KeySet, error) {
	keys := make(task.KeySet, len(requested))
	keys.AddAll(requested)
	known := lg.AllOutputKeys()

	retLayers := make(map[string]Layer)
	retKeyDeps := make(map[task.Key]task.KeySet)

	order := lg.ToposortLayers()
	for i := len(order) - 1; i >= 0; i-- {
		name := order[i]
		l := lg.Layers[name]
		outputs := l.OutputKeys()
		wanted := make(task.KeySet)
		for k := range keys {
			if outputs.Has(k) {
				wanted.Add(k)
			}
		}
		if len(wanted) == 0 {
			continue
		}
		culled, culledDeps, err := l.Cull(wanted, known)
		if err != nil {
			return nil, nil, fmt.Errorf("culling layer %q: %w", name, err)
		}
		// feed external dependencies back for earlier layers
		culledOutputs := culled.OutputKeys()
		for _, ds := range culledDeps {
			for d := range ds {
				if !culledOutputs.Has(d) {
					keys.Add(d)
				}
			}
		}
		retLayers[name] = culled
		for k, ds := range culledDeps {
			retKeyDeps[k] = ds
		}
	}

	retDeps := make(map[string]map[string]struct{}, len(retLayers))
	for name := range retLayers {
		kept := make(map[string]struct{})
		for dep := range lg.Dependencies[name] {
			if _, ok := retLayers[dep]; ok {
				kept[dep] = struct{}{}
			}
		}
		retDeps[name] = kept
	}
	return &LayeredGraph{Layers: retLayers, Dependencies: retDeps}, retKeyDeps, nil
}

// Flatten merges every layer's task mapping into one flat graph. Two
// layers claiming the same key is a caller bug and fails loudly.
func (lg *LayeredGraph) Flatten() (graph.Graph, error) {
	out := make(graph.Graph)
	owner := make(map[task.Key]string)
	for _, name := range lg.ToposortLayers() {
		tasks, err := lg.Layers[name].Materialize()
		if err != nil {
			return nil, fmt.Errorf("materializing layer %q: %w", name, err)
		}
		for k, t := range tasks {
			if prev, dup := owner[k]; dup {
				return nil, &DuplicateKeyError{Key: k, Layers: [2]string{prev, name}}
			}
			owner[k] = name
			out[k] = t
		}
	}
	return out, nil
}

// Validate recomputes the layer dependency map by scanning each layer's
// tasks for keys resolving into other layers and compares it against the
// recorded map.
func (lg *LayeredGraph) Validate() error {
	for name, deps := range lg.Dependencies {
		if _, ok := lg.Layers[name]; !ok {
			return fmt.Errorf("dependencies recorded for unknown layer %q", name)
		}
		for dep := range deps {
			if _, ok := lg.Layers[dep]; !ok {
				return fmt.Errorf("layer %q depends on unknown layer %q", name, dep)
			}
		}
	}
	for name := range lg.Layers {
		if _, ok := lg.Dependencies[name]; !ok {
			return fmt.Errorf("layer %q has no dependency record", name)
		}
	}

	computed, err := lg.computeDependencies()
	if err != nil {
		return err
	}
	for name, want := range computed {
		got := lg.Dependencies[name]
		for dep := range want {
			if _, ok := got[dep]; !ok {
				return fmt.Errorf("layer %q references layer %q but does not record the dependency", name, dep)
			}
		}
		for dep := range got {
			if _, ok := want[dep]; !ok {
				return fmt.Errorf("layer %q records a dependency on %q that its tasks never reference", name, dep)
			}
		}
	}
	return nil
}

// computeDependencies rebuilds the name → name dependency map from task
// contents.
func (lg *LayeredGraph) computeDependencies() (map[string]map[string]struct{}, error) {
	ownerOf := make(map[task.Key]string)
	for _, name := range lg.sortedNames() {
		for k := range lg.Layers[name].OutputKeys() {
			ownerOf[k] = name
		}
	}
	known := lg.AllOutputKeys()

	out := make(map[string]map[string]struct{}, len(lg.Layers))
	for _, name := range lg.sortedNames() {
		out[name] = make(map[string]struct{})
		tasks, err := lg.Layers[name].Materialize()
		if err != nil {
			return nil, fmt.Errorf("materializing layer %q: %w", name, err)
		}
		for _, t := range tasks {
			for dep := range task.DependenciesOf(t, known.Has) {
				if owner := ownerOf[dep]; owner != name {
					out[name][owner] = struct{}{}
				}
			}
		}
	}
	return out, nil
}
