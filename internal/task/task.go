// Package task defines the vocabulary of a task graph: keys, task
// expressions, and the registry of named functions task expressions may
// call. A Task is a closed sum type interpreted by a structural recursive
// evaluator, so execution never needs runtime type inspection to tell a
// reference apart from a tuple-shaped literal value.
package task

import (
	"context"
	"fmt"
	"sort"
)

// Kind tags the variants of the Task sum type.
type Kind uint8

const (
	// KindLiteral is an opaque value passed through untouched.
	KindLiteral Kind = iota
	// KindRef resolves to another key's computed value at execution time.
	KindRef
	// KindCall applies a registered function to evaluated arguments.
	KindCall
	// KindList evaluates each element and yields a []any.
	KindList
	// KindMap evaluates each field and yields a map[string]any.
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindLiteral:
		return "literal"
	case KindRef:
		return "ref"
	case KindCall:
		return "call"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Task is one node's computation: a literal value, a reference to another
// node's result, a function call, or a nested container of the same.
// Exactly the fields for its Kind are meaningful.
type Task struct {
	Kind   Kind
	Value  any
	Key    Key
	Fn     string
	Args   []*Task
	Items  []*Task
	Fields map[string]*Task
}

// Literal wraps a plain value. The value is never re-interpreted, even if
// it happens to look like a key or a call.
func Literal(v any) *Task {
	return &Task{Kind: KindLiteral, Value: v}
}

// Ref builds a reference to another node's result.
func Ref(k Key) *Task {
	return &Task{Kind: KindRef, Key: k}
}

// Call builds a function application. The function is named, not a Go
// closure, so a call can cross a process boundary and be resolved against
// the registry on the far side.
func Call(fn string, args ...*Task) *Task {
	return &Task{Kind: KindCall, Fn: fn, Args: args}
}

// List builds a container task whose elements are evaluated in order.
func List(items ...*Task) *Task {
	return &Task{Kind: KindList, Items: items}
}

// MapOf builds a container task evaluated field by field.
func MapOf(fields map[string]*Task) *Task {
	return &Task{Kind: KindMap, Fields: fields}
}

// IsLiteral reports whether the task is a plain value with no references
// anywhere beneath it, i.e. an input rather than a computation.
func (t *Task) IsLiteral() bool {
	return t.Kind == KindLiteral
}

// children returns the sub-tasks of a container or call variant.
func (t *Task) children() []*Task {
	switch t.Kind {
	case KindCall:
		return t.Args
	case KindList:
		return t.Items
	case KindMap:
		// deterministic order for every walk over fields
		names := make([]string, 0, len(t.Fields))
		for name := range t.Fields {
			names = append(names, name)
		}
		sort.Strings(names)
		out := make([]*Task, 0, len(names))
		for _, name := range names {
			out = append(out, t.Fields[name])
		}
		return out
	}
	return nil
}

// DependenciesOf recursively scans a task for references whose key
// satisfies known. Only a Ref variant counts; literal values are never
// descended into, so a tuple-shaped literal cannot be mistaken for a
// reference. Refs to unknown keys (externally supplied inputs) are
// skipped.
func DependenciesOf(t *Task, known func(Key) bool) KeySet {
	deps := make(KeySet)
	stack := []*Task{t}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == nil {
			continue
		}
		if cur.Kind == KindRef {
			if known(cur.Key) {
				deps.Add(cur.Key)
			}
			continue
		}
		stack = append(stack, cur.children()...)
	}
	return deps
}

// Bind returns a copy of the task with every reference present in
// bindings replaced by a literal carrying the bound value. References not
// present in bindings survive unchanged. The original task is never
// mutated; graphs stay immutable once built.
func Bind(t *Task, bindings map[Key]any) *Task {
	if t == nil {
		return nil
	}
	switch t.Kind {
	case KindLiteral:
		return t
	case KindRef:
		if v, ok := bindings[t.Key]; ok {
			return Literal(v)
		}
		return t
	case KindCall:
		args := make([]*Task, len(t.Args))
		for i, a := range t.Args {
			args[i] = Bind(a, bindings)
		}
		return &Task{Kind: KindCall, Fn: t.Fn, Args: args}
	case KindList:
		items := make([]*Task, len(t.Items))
		for i, it := range t.Items {
			items[i] = Bind(it, bindings)
		}
		return &Task{Kind: KindList, Items: items}
	case KindMap:
		fields := make(map[string]*Task, len(t.Fields))
		for name, f := range t.Fields {
			fields[name] = Bind(f, bindings)
		}
		return &Task{Kind: KindMap, Fields: fields}
	}
	return t
}

// Eval interprets a task expression. References resolve from bindings; an
// unbound reference or an unregistered function name is an error, never a
// silent literal.
func Eval(ctx context.Context, t *Task, reg *Registry, bindings map[Key]any) (any, error) {
	if t == nil {
		return nil, fmt.Errorf("cannot evaluate nil task")
	}
	switch t.Kind {
	case KindLiteral:
		return t.Value, nil
	case KindRef:
		v, ok := bindings[t.Key]
		if !ok {
			return nil, fmt.Errorf("unbound reference to key %s", t.Key)
		}
		return v, nil
	case KindCall:
		fn, err := reg.Lookup(t.Fn)
		if err != nil {
			return nil, err
		}
		args := make([]any, len(t.Args))
		for i, a := range t.Args {
			if args[i], err = Eval(ctx, a, reg, bindings); err != nil {
				return nil, err
			}
		}
		return fn(ctx, args)
	case KindList:
		items := make([]any, len(t.Items))
		for i, it := range t.Items {
			v, err := Eval(ctx, it, reg, bindings)
			if err != nil {
				return nil, err
			}
			items[i] = v
		}
		return items, nil
	case KindMap:
		fields := make(map[string]any, len(t.Fields))
		for name, f := range t.Fields {
			v, err := Eval(ctx, f, reg, bindings)
			if err != nil {
				return nil, err
			}
			fields[name] = v
		}
		return fields, nil
	}
	return nil, fmt.Errorf("unknown task kind %v", t.Kind)
}
