package task

import (
	"context"
	"fmt"
	"sort"
)

// Func is the shape of every callable a task graph can reference. Task
// bodies are opaque to the engine; arguments arrive already materialized.
type Func func(ctx context.Context, args []any) (any, error)

// Module is the interface a package implements to contribute functions to
// a registry.
type Module interface {
	Register(r *Registry)
}

// Registry holds the named functions available to one engine instance.
// Functions are addressed by name so that call expressions can cross a
// process boundary and be resolved again on the far side.
type Registry struct {
	funcs map[string]Func
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Func)}
}

// Register adds a function under the given name. Registering the same
// name twice is a programmer error and panics, matching how duplicate
// handler registrations are treated at startup.
func (r *Registry) Register(name string, fn Func) {
	if _, exists := r.funcs[name]; exists {
		panic(fmt.Sprintf("task: function %q registered twice", name))
	}
	r.funcs[name] = fn
}

// Lookup resolves a function by name.
func (r *Registry) Lookup(name string) (Func, error) {
	fn, ok := r.funcs[name]
	if !ok {
		return nil, fmt.Errorf("unknown function %q", name)
	}
	return fn, nil
}

// Names returns the registered function names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
