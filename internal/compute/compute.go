// Package compute is the engine's front door: it accepts a flat or
// layered task graph plus requested output keys, culls, orders, and runs,
// returning the requested values or the first fatal error. It is
// stateless between invocations except for an optionally reused worker
// pool.
package compute

import (
	"context"
	"fmt"
	"runtime"

	"github.com/vk/gridflow/internal/ctxlog"
	"github.com/vk/gridflow/internal/executor"
	"github.com/vk/gridflow/internal/graph"
	"github.com/vk/gridflow/internal/layer"
	"github.com/vk/gridflow/internal/order"
	"github.com/vk/gridflow/internal/pool"
	"github.com/vk/gridflow/internal/remote"
	"github.com/vk/gridflow/internal/task"
)

// MissingKeyError reports a requested key absent from the graph.
type MissingKeyError struct {
	Key task.Key
}

func (e *MissingKeyError) Error() string {
	return fmt.Sprintf("requested key %s does not exist in the graph", e.Key)
}

// options is the recognized configuration surface.
type options struct {
	scheduler     string
	workers       int
	runner        executor.Runner
	manager       *pool.Manager
	callbacks     executor.Callbacks
	registry      *task.Registry
	symmetryRatio float64
}

// Option configures one Compute call.
type Option func(*options)

// WithScheduler selects the execution backend: "sync", "threads",
// "processes", or a host:port address of a distributed scheduler to
// serve on.
func WithScheduler(s string) Option {
	return func(o *options) { o.scheduler = s }
}

// WithWorkers bounds worker parallelism. <= 0 means the CPU count.
func WithWorkers(n int) Option {
	return func(o *options) { o.workers = n }
}

// WithPool supplies an externally owned runner. Compute will use it and
// leave it running; lifecycle stays with the caller.
func WithPool(r executor.Runner) Option {
	return func(o *options) { o.runner = r }
}

// WithManager reuses pools from the given manager instead of creating a
// throwaway one per call. The manager owns the pools' lifecycle.
func WithManager(m *pool.Manager) Option {
	return func(o *options) { o.manager = m }
}

// WithCallbacks registers the run's observability hooks.
func WithCallbacks(cb executor.Callbacks) Option {
	return func(o *options) { o.callbacks = cb }
}

// WithRegistry supplies the function registry task calls resolve
// against. Defaults to the builtins.
func WithRegistry(reg *task.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// WithSymmetryRatio tunes the order assignor's strategy cutoff.
func WithSymmetryRatio(r float64) Option {
	return func(o *options) { o.symmetryRatio = r }
}

// Compute resolves the requested keys of a graph.Graph or
// *layer.LayeredGraph. Layered graphs are culled to the requested keys
// before flattening; structural errors (missing key, cycle, duplicate
// key) abort before any task runs.
func Compute(ctx context.Context, input any, keys []task.Key, opts ...Option) (map[task.Key]any, error) {
	o := &options{scheduler: "threads"}
	for _, opt := range opts {
		opt(o)
	}
	if o.workers <= 0 {
		o.workers = runtime.NumCPU()
	}
	if o.registry == nil {
		reg := task.NewRegistry()
		task.Builtins{}.Register(reg)
		o.registry = reg
	}
	logger := ctxlog.FromContext(ctx)

	g, err := flatten(input, keys)
	if err != nil {
		return nil, err
	}
	for _, k := range keys {
		if !g.Has(k) {
			return nil, &MissingKeyError{Key: k}
		}
	}

	deps := graph.Dependencies(g)
	if cerr := graph.CycleCheck(deps); cerr != nil {
		return nil, cerr
	}

	ord, err := order.Assign(deps, graph.Reverse(deps), order.Config{SymmetryRatio: o.symmetryRatio})
	if err != nil {
		return nil, err
	}
	logger.Debug("Static order assigned.", "keys", ord.Len())

	runner, ownsRunner, err := o.pickRunner(ctx)
	if err != nil {
		return nil, err
	}
	if ownsRunner {
		defer runner.Close()
	}

	return executor.Run(ctx, g, ord, keys, runner, o.registry, o.callbacks)
}

// flatten reduces the accepted input kinds to a flat graph.
func flatten(input any, keys []task.Key) (graph.Graph, error) {
	switch in := input.(type) {
	case graph.Graph:
		return in, nil
	case map[task.Key]*task.Task:
		return graph.Graph(in), nil
	case *layer.LayeredGraph:
		culled, _, err := in.Cull(task.NewKeySet(keys...))
		if err != nil {
			return nil, err
		}
		return culled.Flatten()
	}
	return nil, fmt.Errorf("unsupported graph input %T", input)
}

// pickRunner resolves the configured backend. The boolean reports whether
// Compute owns the runner and must close it after the run.
func (o *options) pickRunner(ctx context.Context) (executor.Runner, bool, error) {
	if o.runner != nil {
		// externally supplied pools are caller-owned and left alive
		return o.runner, false, nil
	}
	cfg := pool.Config{Kind: o.scheduler, Workers: o.workers}
	switch o.scheduler {
	case "sync", "threads", "processes":
		if o.manager != nil {
			r, err := o.manager.GetOrCreate(ctx, cfg)
			return r, false, err
		}
		m := pool.NewManager()
		r, err := m.GetOrCreate(ctx, cfg)
		return r, err == nil, err
	default:
		// anything else is a listen address for the distributed backend
		srv := remote.NewServer(o.scheduler)
		if err := srv.Start(ctx); err != nil {
			return nil, false, err
		}
		return srv, true, nil
	}
}
