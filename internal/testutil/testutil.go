// Package testutil holds shared helpers for the engine's test suites:
// a thread-safe log buffer, canonical graph shapes, and an instrumented
// runner that records scheduling behavior.
package testutil

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/vk/gridflow/internal/executor"
	"github.com/vk/gridflow/internal/graph"
	"github.com/vk/gridflow/internal/task"
)

// SafeBuffer is a thread-safe buffer for capturing log output in tests.
type SafeBuffer struct {
	b  bytes.Buffer
	mu sync.Mutex
}

// Write implements the io.Writer interface for SafeBuffer.
func (b *SafeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.Write(p)
}

// String implements the fmt.Stringer interface for SafeBuffer.
func (b *SafeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.String()
}

// Chain builds a linear graph: v0 -> v1(inc) -> ... -> v(n-1)(inc).
func Chain(n int) graph.Graph {
	g := make(graph.Graph)
	g[task.K("v0")] = task.Literal(0.0)
	for i := 1; i < n; i++ {
		g[task.K(fmt.Sprintf("v%d", i))] = task.Call("inc",
			task.Ref(task.K(fmt.Sprintf("v%d", i-1))))
	}
	return g
}

// Diamond builds the classic fan-out/fan-in shape: one source, width
// middle tasks reading it, one sink summing them.
func Diamond(width int) graph.Graph {
	g := make(graph.Graph)
	g[task.K("src")] = task.Literal(1.0)
	sinkArgs := make([]*task.Task, 0, width)
	for i := 0; i < width; i++ {
		k := task.P("mid", i)
		g[k] = task.Call("inc", task.Ref(task.K("src")))
		sinkArgs = append(sinkArgs, task.Ref(k))
	}
	g[task.K("sink")] = task.Call("sum", sinkArgs...)
	return g
}

// WideGraph builds a deterministic graph of depth rows by width columns
// where each task depends on one or two tasks of the previous row. Big
// enough to exercise scheduling without being random.
func WideGraph(depth, width int) graph.Graph {
	g := make(graph.Graph)
	for c := 0; c < width; c++ {
		g[task.P("r0", c)] = task.Literal(float64(c))
	}
	for r := 1; r < depth; r++ {
		name := fmt.Sprintf("r%d", r)
		prev := fmt.Sprintf("r%d", r-1)
		for c := 0; c < width; c++ {
			args := []*task.Task{task.Ref(task.P(prev, c))}
			if c > 0 {
				args = append(args, task.Ref(task.P(prev, c-1)))
			}
			g[task.P(name, c)] = task.Call("sum", args...)
		}
	}
	return g
}

// CountingRunner wraps a Runner and tracks the peak number of tasks in
// flight plus the completion order it observed.
type CountingRunner struct {
	Inner executor.Runner

	mu       sync.Mutex
	inFlight int
	Peak     int
	Order    []task.Key
}

func (c *CountingRunner) NumWorkers() int               { return c.Inner.NumWorkers() }
func (c *CountingRunner) Start(ctx context.Context) error { return c.Inner.Start(ctx) }
func (c *CountingRunner) Close() error                  { return c.Inner.Close() }

func (c *CountingRunner) Exec(ctx context.Context, inv executor.Invocation, done func(executor.Completion)) {
	c.mu.Lock()
	c.inFlight++
	if c.inFlight > c.Peak {
		c.Peak = c.inFlight
	}
	c.mu.Unlock()
	c.Inner.Exec(ctx, inv, func(comp executor.Completion) {
		c.mu.Lock()
		c.inFlight--
		c.Order = append(c.Order, comp.Key)
		c.mu.Unlock()
		done(comp)
	})
}
