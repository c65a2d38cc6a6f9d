package executor

import (
	"context"
	"time"

	"github.com/vk/gridflow/internal/task"
)

// Invocation is one unit of work handed to a Runner. Bound is the task
// expression with every dependency reference already replaced by its
// computed value, so a runner never touches the live result cache and the
// expression can cross a process boundary as-is.
type Invocation struct {
	Key      task.Key
	Bound    *task.Task
	Registry *task.Registry
}

// Completion is a runner's report for one invocation.
type Completion struct {
	Key      task.Key
	Value    any
	Err      error
	Started  time.Time
	Finished time.Time
}

// Runner abstracts where task bodies execute: inline, on goroutines, in
// subprocesses, or on remote machines. The executor's scheduling loop,
// failure policy, and cache release behavior are identical across all of
// them.
//
// Exec must not block the scheduling loop: it hands the invocation to a
// worker and returns, delivering the outcome through done exactly once,
// from any goroutine. The executor never dispatches more than NumWorkers
// invocations concurrently.
type Runner interface {
	NumWorkers() int
	Start(ctx context.Context) error
	Exec(ctx context.Context, inv Invocation, done func(Completion))
	Close() error
}

// Callbacks are the executor's observability hooks. All are optional. A
// hook that panics does not corrupt the run's bookkeeping; the panic is
// captured and raised to the caller of Run after in-flight work settles.
type Callbacks struct {
	// OnStart fires once before the first dispatch.
	OnStart func(ctx context.Context)
	// OnFinish fires once after the run settles, with the run's error.
	OnFinish func(ctx context.Context, err error)
	// PreTask fires before an invocation is dispatched.
	PreTask func(ctx context.Context, key task.Key, at time.Time)
	// PostTask fires after an invocation completes, success or failure.
	PostTask func(ctx context.Context, key task.Key, value any, err error, started, finished time.Time)
}
