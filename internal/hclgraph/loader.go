// Package hclgraph is the HCL front end: it loads "grid" files describing
// a task graph and produces a layered graph plus the requested output
// keys. Each file becomes one materialized layer; every generate block
// becomes its own symbolic layer, so wide partitioned stages stay cheap
// to cull. The engine itself never sees HCL; this package is one of the
// front ends that build graphs and consume results.
package hclgraph

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"

	"github.com/vk/gridflow/internal/ctxlog"
	"github.com/vk/gridflow/internal/graph"
	"github.com/vk/gridflow/internal/layer"
	"github.com/vk/gridflow/internal/task"
)

// fileSchema is the top-level shape of one grid file.
type fileSchema struct {
	Tasks     []*taskBlock     `hcl:"task,block"`
	Generates []*generateBlock `hcl:"generate,block"`
	Outputs   []*outputBlock   `hcl:"output,block"`
}

// taskBlock declares one node: either a literal value or a function call.
type taskBlock struct {
	Name  string         `hcl:"name,label"`
	Value hcl.Expression `hcl:"value,optional"`
	Fn    string         `hcl:"fn,optional"`
	Args  hcl.Expression `hcl:"args,optional"`
}

// generateBlock declares a partitioned stage: one call per partition
// index, each referencing the same partition of the source stage.
type generateBlock struct {
	Name       string         `hcl:"name,label"`
	Fn         string         `hcl:"fn"`
	Partitions int            `hcl:"partitions"`
	Source     string         `hcl:"source,optional"`
	Args       hcl.Expression `hcl:"args,optional"`
}

// outputBlock marks a key the caller wants computed.
type outputBlock struct {
	Name string `hcl:"name,label"`
}

// Loader parses grid files into layered graphs.
type Loader struct {
	parser *hclparse.Parser
}

// NewLoader creates a Loader.
func NewLoader() *Loader {
	return &Loader{parser: hclparse.NewParser()}
}

// Load reads every .hcl file at path (a file or a directory) and
// assembles the layered graph and the declared output keys.
func (l *Loader) Load(ctx context.Context, path string) (*layer.LayeredGraph, []task.Key, error) {
	logger := ctxlog.FromContext(ctx)
	files, err := findGridFiles(path)
	if err != nil {
		return nil, nil, err
	}
	if len(files) == 0 {
		return nil, nil, fmt.Errorf("no .hcl grid files found at %q", path)
	}
	logger.Debug("Grid files discovered.", "count", len(files))

	layers := make(map[string]layer.Layer)
	var outputs []task.Key
	for _, file := range files {
		if err := l.loadFile(file, layers, &outputs); err != nil {
			return nil, nil, err
		}
	}

	lg, err := layer.Infer(layers)
	if err != nil {
		return nil, nil, err
	}
	if err := lg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("grid failed validation: %w", err)
	}
	logger.Debug("Grid loaded.", "layers", len(lg.Layers), "outputs", len(outputs))
	return lg, outputs, nil
}

// loadFile parses one grid file into layers and output declarations.
func (l *Loader) loadFile(path string, layers map[string]layer.Layer, outputs *[]task.Key) error {
	f, diags := l.parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return fmt.Errorf("parsing %s: %w", path, diags)
	}
	var schema fileSchema
	if diags := gohcl.DecodeBody(f.Body, evalContext(), &schema); diags.HasErrors() {
		return fmt.Errorf("decoding %s: %w", path, diags)
	}

	layerName := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	tasks := make(graph.Graph)
	for _, tb := range schema.Tasks {
		t, err := tb.toTask()
		if err != nil {
			return fmt.Errorf("%s: task %q: %w", path, tb.Name, err)
		}
		k, err := task.ParseKey(tb.Name)
		if err != nil {
			return fmt.Errorf("%s: task %q: %w", path, tb.Name, err)
		}
		if tasks.Has(k) {
			return fmt.Errorf("%s: task %q declared twice", path, tb.Name)
		}
		tasks[k] = t
	}
	if len(tasks) > 0 {
		if _, exists := layers[layerName]; exists {
			return fmt.Errorf("layer %q declared by more than one grid file", layerName)
		}
		layers[layerName] = layer.NewMaterialized(tasks)
	}

	for _, gb := range schema.Generates {
		if gb.Partitions < 1 {
			return fmt.Errorf("%s: generate %q: partitions must be >= 1", path, gb.Name)
		}
		if _, exists := layers[gb.Name]; exists {
			return fmt.Errorf("%s: generate %q collides with an existing layer", path, gb.Name)
		}
		extra, err := evalArgs(gb.Args)
		if err != nil {
			return fmt.Errorf("%s: generate %q: %w", path, gb.Name, err)
		}
		fn, source := gb.Fn, gb.Source
		layers[gb.Name] = layer.NewFormula(gb.Name, gb.Partitions, func(part int) *task.Task {
			args := make([]*task.Task, 0, len(extra)+1)
			if source != "" {
				args = append(args, task.Ref(task.P(source, part)))
			} else {
				args = append(args, task.Literal(part))
			}
			args = append(args, extra...)
			return task.Call(fn, args...)
		})
	}

	for _, ob := range schema.Outputs {
		k, err := task.ParseKey(ob.Name)
		if err != nil {
			return fmt.Errorf("%s: output %q: %w", path, ob.Name, err)
		}
		*outputs = append(*outputs, k)
	}
	return nil
}

// toTask converts a task block into a task expression. A block carries a
// literal value, or a function call, never both.
func (tb *taskBlock) toTask() (*task.Task, error) {
	hasValue := exprPresent(tb.Value)
	if hasValue && tb.Fn != "" {
		return nil, fmt.Errorf("declares both value and fn")
	}
	if hasValue {
		v, err := evalExpr(tb.Value)
		if err != nil {
			return nil, err
		}
		return v, nil
	}
	if tb.Fn == "" {
		return nil, fmt.Errorf("declares neither value nor fn")
	}
	args, err := evalArgs(tb.Args)
	if err != nil {
		return nil, err
	}
	return task.Call(tb.Fn, args...), nil
}

// evalArgs evaluates an args expression into a slice of task expressions.
func evalArgs(expr hcl.Expression) ([]*task.Task, error) {
	if !exprPresent(expr) {
		return nil, nil
	}
	t, err := evalExpr(expr)
	if err != nil {
		return nil, err
	}
	if t.Kind == task.KindList {
		return t.Items, nil
	}
	return []*task.Task{t}, nil
}

// exprPresent reports whether an optional expression attribute was set.
func exprPresent(expr hcl.Expression) bool {
	if expr == nil {
		return false
	}
	v, diags := expr.Value(nil)
	if diags.HasErrors() {
		return true // set, just not evaluable without our functions
	}
	return !v.IsNull()
}

// findGridFiles resolves a path to the sorted list of .hcl files in it.
func findGridFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("grid path %q: %w", path, err)
	}
	if !info.IsDir() {
		return []string{path}, nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".hcl" {
			files = append(files, filepath.Join(path, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}
