package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/vk/gridflow/internal/compute"
	"github.com/vk/gridflow/internal/ctxlog"
	"github.com/vk/gridflow/internal/hclgraph"
	"github.com/vk/gridflow/internal/layer"
	"github.com/vk/gridflow/internal/order"
	"github.com/vk/gridflow/internal/pool"
	"github.com/vk/gridflow/internal/simulate"
	"github.com/vk/gridflow/internal/task"
)

// App encapsulates the application's dependencies, configuration, and
// lifecycle: it loads a grid, computes the requested keys, and prints
// the results.
type App struct {
	outW     io.Writer
	logger   *slog.Logger
	config   *Config
	registry *task.Registry
	loader   *hclgraph.Loader
	pools    *pool.Manager
}

// NewApp is the constructor for the main application. It returns a fully
// initialized App with its own isolated logger and function registry.
func NewApp(outW io.Writer, cfg *Config, modules ...task.Module) *App {
	return NewAppWithLogOutput(outW, outW, cfg, modules...)
}

// NewAppWithLogOutput is NewApp with results and logs going to separate
// writers. Tests use it to assert on each stream independently.
func NewAppWithLogOutput(outW, logW io.Writer, cfg *Config, modules ...task.Module) *App {
	logger := newLogger(cfg.LogLevel, cfg.LogFormat, logW)
	logger.Debug("Logger configured successfully.")

	reg := task.NewRegistry()
	if len(modules) == 0 {
		modules = []task.Module{task.Builtins{}}
	}
	for _, mod := range modules {
		mod.Register(reg)
	}
	logger.Debug("Function modules registered.", "count", len(modules))

	return &App{
		outW:     outW,
		logger:   logger,
		config:   cfg,
		registry: reg,
		loader:   hclgraph.NewLoader(),
		pools:    pool.NewManager(),
	}
}

// Registry returns the application's function registry. Primarily for
// testing.
func (a *App) Registry() *task.Registry {
	return a.registry
}

// Run loads the grid and either executes it or, in trace mode, prints
// the memory-pressure report for the graph's static order.
func (a *App) Run(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	defer a.pools.Shutdown()

	lg, declared, err := a.loader.Load(ctx, a.config.GridPath)
	if err != nil {
		return err
	}
	targets, err := a.resolveTargets(lg, declared)
	if err != nil {
		return err
	}
	a.logger.Debug("Targets resolved.", "count", len(targets))

	if a.config.Trace {
		return a.trace(lg, targets)
	}

	results, err := compute.Compute(ctx, lg, targets,
		compute.WithScheduler(a.config.Scheduler),
		compute.WithWorkers(a.config.Workers),
		compute.WithManager(a.pools),
		compute.WithRegistry(a.registry),
		compute.WithSymmetryRatio(a.config.SymmetryRatio),
	)
	if err != nil {
		return err
	}

	task.SortKeys(targets)
	for _, k := range targets {
		fmt.Fprintf(a.outW, "%s = %v\n", k, results[k])
	}
	return nil
}

// resolveTargets picks the keys to compute: explicit -targets flags win,
// otherwise the grid's own output blocks apply.
func (a *App) resolveTargets(lg *layer.LayeredGraph, declared []task.Key) ([]task.Key, error) {
	if len(a.config.Targets) == 0 {
		if len(declared) == 0 {
			return nil, fmt.Errorf("grid declares no outputs and no targets were given")
		}
		return declared, nil
	}
	targets := make([]task.Key, 0, len(a.config.Targets))
	for _, s := range a.config.Targets {
		k, err := task.ParseKey(s)
		if err != nil {
			return nil, err
		}
		targets = append(targets, k)
	}
	known := lg.AllOutputKeys()
	for _, k := range targets {
		if !known.Has(k) {
			return nil, &compute.MissingKeyError{Key: k}
		}
	}
	return targets, nil
}

// trace prints the serial memory-pressure replay of the culled graph.
func (a *App) trace(lg *layer.LayeredGraph, targets []task.Key) error {
	requested := task.NewKeySet(targets...)
	culled, _, err := lg.Cull(requested)
	if err != nil {
		return err
	}
	g, err := culled.Flatten()
	if err != nil {
		return err
	}
	ord, err := order.OrderGraph(g, order.Config{SymmetryRatio: a.config.SymmetryRatio})
	if err != nil {
		return err
	}
	report, err := simulate.Trace(g, ord)
	if err != nil {
		return err
	}
	rows := make([]*simulate.KeyTrace, 0, len(report.Traces))
	for _, tr := range report.Traces {
		rows = append(rows, tr)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].RunIndex < rows[j].RunIndex })

	fmt.Fprintf(a.outW, "tasks=%d peak_pressure=%d\n", len(report.Traces), report.Peak)
	for _, tr := range rows {
		fmt.Fprintf(a.outW, "%4d  %-24s age=%-5d pressure=%d\n", tr.RunIndex, tr.Key, tr.Age, tr.PressureAtRun)
	}
	return nil
}
