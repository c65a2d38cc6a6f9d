// Package executor drives the concurrent execution of an ordered task
// graph. A single scheduling loop owns all bookkeeping (dependency
// countdowns, ready queue, result cache) while task bodies run in
// parallel on a Runner. Workers only ever see already-resolved argument
// values, never a handle into the live cache, so the data path needs no
// locks.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vk/gridflow/internal/ctxlog"
	"github.com/vk/gridflow/internal/graph"
	"github.com/vk/gridflow/internal/order"
	"github.com/vk/gridflow/internal/task"
)

// keyState is the per-key lifecycle: blocked → ready → running → done or
// failed.
type keyState uint8

const (
	stateBlocked keyState = iota
	stateReady
	stateRunning
	stateDone
	stateFailed
)

// run carries one execution's transient state. It is created per Run call
// and discarded when the run settles.
type run struct {
	g          graph.Graph
	deps       map[task.Key]task.KeySet
	dependents map[task.Key]task.KeySet
	requested  task.KeySet
	runner     Runner
	reg        *task.Registry
	cb         Callbacks

	state               map[task.Key]keyState
	remainingDeps       map[task.Key]int
	remainingDependents map[task.Key]int
	cache               map[task.Key]any
	ready               *readyQueue
	inFlight            int
	doneRequested       int

	completions chan Completion
	failure     error
	canceled    bool
}

// Run executes the graph until every requested key is done or a fatal
// error settles. Dispatch order among ready keys follows ord; worker
// parallelism is bounded by the runner. On failure, already-dispatched
// tasks are allowed to finish and the first fatal error is returned; no
// retries happen at this layer.
func Run(ctx context.Context, g graph.Graph, ord *order.Order, requested []task.Key, runner Runner, reg *task.Registry, cb Callbacks) (map[task.Key]any, error) {
	logger := ctxlog.FromContext(ctx)

	r := &run{
		g:                   g,
		deps:                graph.Dependencies(g),
		requested:           task.NewKeySet(requested...),
		runner:              runner,
		reg:                 reg,
		cb:                  cb,
		state:               make(map[task.Key]keyState, len(g)),
		remainingDeps:       make(map[task.Key]int, len(g)),
		remainingDependents: make(map[task.Key]int, len(g)),
		cache:               make(map[task.Key]any),
		ready:               newReadyQueue(ord.Rank),
		completions:         make(chan Completion, len(g)+1),
	}
	r.dependents = graph.Reverse(r.deps)

	for _, k := range requested {
		if !g.Has(k) {
			return nil, fmt.Errorf("requested key %s does not exist in the graph", k)
		}
	}
	for k, ds := range r.deps {
		r.remainingDeps[k] = len(ds)
		r.remainingDependents[k] = len(r.dependents[k])
		if len(ds) == 0 {
			r.state[k] = stateReady
			r.ready.add(k)
		} else {
			r.state[k] = stateBlocked
		}
	}

	r.safeHook("start", func() {
		if cb.OnStart != nil {
			cb.OnStart(ctx)
		}
	})
	logger.Debug("Execution started.", "tasks", len(g), "requested", len(requested), "workers", runner.NumWorkers())

	r.loop(ctx)

	r.safeHook("finish", func() {
		if cb.OnFinish != nil {
			cb.OnFinish(ctx, r.failure)
		}
	})
	if r.failure != nil {
		logger.Debug("Execution settled with failure.", "error", r.failure)
		return nil, r.failure
	}

	logger.Debug("Execution finished.", "computed", len(r.state))
	results := make(map[task.Key]any, len(requested))
	for _, k := range requested {
		results[k] = r.cache[k]
	}
	return results, nil
}

// loop is the single-threaded scheduling loop. It blocks only while
// waiting for at least one in-flight completion; it never waits while
// there is dispatchable work and a free worker.
func (r *run) loop(ctx context.Context) {
	for {
		for r.failure == nil && !r.canceled && r.doneRequested < len(r.requested) &&
			r.inFlight < r.runner.NumWorkers() && r.ready.Len() > 0 {
			r.dispatch(ctx, r.ready.next())
		}

		if r.inFlight == 0 {
			if r.failure != nil || r.doneRequested == len(r.requested) {
				return
			}
			if r.ready.Len() == 0 {
				// acyclic and validated, so this is unreachable unless a
				// runner dropped a completion
				r.failure = fmt.Errorf("executor stalled with %d keys incomplete", len(r.g)-r.countSettled())
				return
			}
			continue
		}

		select {
		case c := <-r.completions:
			r.complete(ctx, c)
		case <-ctx.Done():
			if !r.canceled {
				r.canceled = true
				if r.failure == nil {
					r.failure = &CancelError{Cause: ctx.Err()}
				}
			}
			// keep draining; already-running tasks settle on their own
			c := <-r.completions
			r.complete(ctx, c)
		}
	}
}

// dispatch moves a ready key to running and hands it to the runner.
func (r *run) dispatch(ctx context.Context, k task.Key) {
	bindings := make(map[task.Key]any, len(r.deps[k]))
	for d := range r.deps[k] {
		bindings[d] = r.cache[d]
	}
	bound := task.Bind(r.g[k], bindings)

	now := time.Now()
	r.safeHook("pretask", func() {
		if r.cb.PreTask != nil {
			r.cb.PreTask(ctx, k, now)
		}
	})

	r.state[k] = stateRunning
	r.inFlight++
	r.runner.Exec(ctx, Invocation{Key: k, Bound: bound, Registry: r.reg}, func(c Completion) {
		r.completions <- c
	})
}

// complete folds one completion back into the bookkeeping: cache or fail
// the key, release dependencies nobody needs anymore, and unlock
// dependents.
func (r *run) complete(ctx context.Context, c Completion) {
	r.inFlight--

	r.safeHook("posttask", func() {
		if r.cb.PostTask != nil {
			r.cb.PostTask(ctx, c.Key, c.Value, c.Err, c.Started, c.Finished)
		}
	})

	if c.Err != nil {
		r.state[c.Key] = stateFailed
		// a runner's idle-wait path reports ctx.Err() as the completion
		// error; once the run context is done that is a cancellation, not
		// a task failure
		if ctx.Err() != nil && (errors.Is(c.Err, context.Canceled) || errors.Is(c.Err, context.DeadlineExceeded)) {
			r.canceled = true
			if r.failure == nil {
				r.failure = &CancelError{Cause: c.Err}
			}
			return
		}
		if r.failure == nil {
			r.failure = wrapTaskErr(c.Key, c.Err)
		}
		return
	}

	r.state[c.Key] = stateDone
	r.cache[c.Key] = c.Value
	if r.requested.Has(c.Key) {
		r.doneRequested++
	}

	// release: a dependency whose last dependent just finished leaves the
	// cache unless it is itself a requested output
	for d := range r.deps[c.Key] {
		r.remainingDependents[d]--
		if r.remainingDependents[d] == 0 && !r.requested.Has(d) {
			delete(r.cache, d)
		}
	}
	if r.remainingDependents[c.Key] == 0 && !r.requested.Has(c.Key) {
		delete(r.cache, c.Key)
	}

	for t := range r.dependents[c.Key] {
		r.remainingDeps[t]--
		if r.remainingDeps[t] == 0 && r.state[t] == stateBlocked {
			r.state[t] = stateReady
			r.ready.add(t)
		}
	}
}

// safeHook shields the run state from a panicking callback. The first
// panic becomes the run's error unless a real failure already claimed it.
func (r *run) safeHook(name string, fn func()) {
	defer func() {
		if v := recover(); v != nil {
			if r.failure == nil {
				r.failure = &CallbackError{Hook: name, Value: v}
			}
		}
	}()
	fn()
}

func (r *run) countSettled() int {
	n := 0
	for _, s := range r.state {
		if s == stateDone || s == stateFailed {
			n++
		}
	}
	return n
}
