// Package pool provides the local Runner implementations (synchronous,
// goroutine-backed, and subprocess-backed) plus a Manager that caches
// pools by configuration for reuse across runs.
package pool

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/vk/gridflow/internal/executor"
	"github.com/vk/gridflow/internal/task"
)

// Sync runs every invocation inline on the scheduling goroutine. One
// worker, no concurrency; useful for debugging and as the degenerate
// baseline the concurrent backends must agree with.
type Sync struct{}

// NewSync creates the synchronous runner.
func NewSync() *Sync { return &Sync{} }

// NumWorkers implements executor.Runner.
func (*Sync) NumWorkers() int { return 1 }

// Start implements executor.Runner.
func (*Sync) Start(context.Context) error { return nil }

// Exec implements executor.Runner.
func (*Sync) Exec(ctx context.Context, inv executor.Invocation, done func(executor.Completion)) {
	done(evalInvocation(ctx, inv))
}

// Close implements executor.Runner.
func (*Sync) Close() error { return nil }

// Threads runs invocations on goroutines, up to n at a time. The executor
// already bounds in-flight work by NumWorkers, so Exec can simply spawn.
type Threads struct {
	n int
}

// NewThreads creates a goroutine-backed runner with n workers. n <= 0
// normalizes to the CPU count.
func NewThreads(n int) *Threads {
	if n <= 0 {
		n = runtime.NumCPU()
	}
	return &Threads{n: n}
}

// NumWorkers implements executor.Runner.
func (t *Threads) NumWorkers() int { return t.n }

// Start implements executor.Runner.
func (*Threads) Start(context.Context) error { return nil }

// Exec implements executor.Runner.
func (*Threads) Exec(ctx context.Context, inv executor.Invocation, done func(executor.Completion)) {
	go func() {
		done(evalInvocation(ctx, inv))
	}()
}

// Close implements executor.Runner.
func (*Threads) Close() error { return nil }

// evalInvocation runs one bound task in-process, converting a panic in
// the task body into an ordinary failure instead of taking the engine
// down.
func evalInvocation(ctx context.Context, inv executor.Invocation) (c executor.Completion) {
	c.Key = inv.Key
	c.Started = time.Now()
	defer func() {
		c.Finished = time.Now()
		if v := recover(); v != nil {
			c.Value = nil
			c.Err = fmt.Errorf("panic: %v\n%s", v, debug.Stack())
		}
	}()
	c.Value, c.Err = task.Eval(ctx, inv.Bound, inv.Registry, nil)
	return c
}

// Config identifies a pool for the Manager's cache.
type Config struct {
	// Kind is "sync", "threads", or "processes".
	Kind string
	// Workers is the pool size; <= 0 means the CPU count.
	Workers int
	// WorkerCmd overrides the subprocess command line for the processes
	// kind. Empty means re-exec this binary in worker mode.
	WorkerCmd string
}

// Manager lazily creates and reuses runners keyed by configuration. It
// replaces ambient global pool state: construct one at process start,
// pass it where it is needed, and Shutdown it when done. Pools handed out
// by GetOrCreate stay alive across runs until Shutdown; externally
// constructed pools are never owned by a Manager.
type Manager struct {
	mu    sync.Mutex
	pools map[Config]executor.Runner
}

// NewManager creates an empty pool manager.
func NewManager() *Manager {
	return &Manager{pools: make(map[Config]executor.Runner)}
}

// GetOrCreate returns the cached runner for cfg, creating and starting it
// on first use.
func (m *Manager) GetOrCreate(ctx context.Context, cfg Config) (executor.Runner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pools[cfg]; ok {
		return p, nil
	}
	var p executor.Runner
	switch cfg.Kind {
	case "sync":
		p = NewSync()
	case "threads":
		p = NewThreads(cfg.Workers)
	case "processes":
		p = NewProcesses(cfg.Workers, cfg.WorkerCmd)
	default:
		return nil, fmt.Errorf("unknown pool kind %q", cfg.Kind)
	}
	if err := p.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting %s pool: %w", cfg.Kind, err)
	}
	m.pools[cfg] = p
	return p, nil
}

// Shutdown closes every pool the manager owns.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for cfg, p := range m.pools {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(m.pools, cfg)
	}
	return firstErr
}
