package executor_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/gridflow/internal/executor"
	"github.com/vk/gridflow/internal/graph"
	"github.com/vk/gridflow/internal/order"
	"github.com/vk/gridflow/internal/pool"
	"github.com/vk/gridflow/internal/task"
	"github.com/vk/gridflow/internal/testutil"
)

func defaultRegistry() *task.Registry {
	reg := task.NewRegistry()
	task.Builtins{}.Register(reg)
	return reg
}

func runGraph(t *testing.T, g graph.Graph, requested []task.Key, runner executor.Runner, cb executor.Callbacks) (map[task.Key]any, error) {
	t.Helper()
	ord, err := order.OrderGraph(g, order.Config{})
	require.NoError(t, err)
	return executor.Run(context.Background(), g, ord, requested, runner, defaultRegistry(), cb)
}

func TestRunDiamond(t *testing.T) {
	g := graph.Graph{
		task.K("a"): task.Literal(1),
		task.K("b"): task.Literal(2),
		task.K("c"): task.Call("inc", task.Ref(task.K("a"))),
		task.K("d"): task.Call("add", task.Ref(task.K("b")), task.Ref(task.K("c"))),
	}
	results, err := runGraph(t, g, []task.Key{task.K("d")}, pool.NewSync(), executor.Callbacks{})
	require.NoError(t, err)
	assert.Equal(t, 4.0, results[task.K("d")])
}

func TestRunReturnsOnlyRequestedKeys(t *testing.T) {
	g := testutil.Chain(5)
	results, err := runGraph(t, g, []task.Key{task.K("v4"), task.K("v2")}, pool.NewSync(), executor.Callbacks{})
	require.NoError(t, err)

	require.Len(t, results, 2)
	assert.Equal(t, 4.0, results[task.K("v4")])
	assert.Equal(t, 2.0, results[task.K("v2")], "requested intermediates survive eviction")
}

func TestRunRejectsUnknownRequestedKey(t *testing.T) {
	g := testutil.Chain(3)
	_, err := runGraph(t, g, []task.Key{task.K("nope")}, pool.NewSync(), executor.Callbacks{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope")
}

func TestWorkerCountEquivalence(t *testing.T) {
	// 80 tasks; the answer must not depend on parallelism
	g := testutil.WideGraph(10, 8)
	requested := make([]task.Key, 8)
	for c := 0; c < 8; c++ {
		requested[c] = task.P("r9", c)
	}

	serial, err := runGraph(t, g, requested, pool.NewSync(), executor.Callbacks{})
	require.NoError(t, err)
	parallel, err := runGraph(t, g, requested, pool.NewThreads(8), executor.Callbacks{})
	require.NoError(t, err)

	if diff := cmp.Diff(serial, parallel); diff != "" {
		t.Fatalf("1-worker and 8-worker runs disagree (-serial +parallel):\n%s", diff)
	}
}

func TestFailurePropagation(t *testing.T) {
	g := graph.Graph{
		task.K("a"): task.Literal("not a number"),
		task.K("b"): task.Call("inc", task.Ref(task.K("a"))),
		task.K("c"): task.Call("inc", task.Ref(task.K("b"))),
	}
	counting := &testutil.CountingRunner{Inner: pool.NewSync()}
	_, err := runGraph(t, g, []task.Key{task.K("c")}, counting, executor.Callbacks{})

	var terr *executor.TaskError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, task.K("b"), terr.Key)
	assert.Contains(t, err.Error(), "task b failed")
	assert.Contains(t, err.Error(), "expected a number")

	// the dependent of the failed task never ran
	assert.NotContains(t, counting.Order, task.K("c"))
}

func TestFirstErrorWins(t *testing.T) {
	// both roots fail; with a serial runner the lower-ranked one fails
	// first and its error is the one reported
	g := graph.Graph{
		task.K("x1"): task.Call("inc", task.Literal("bad")),
		task.K("x2"): task.Call("inc", task.Literal("also bad")),
		task.K("y"):  task.Call("add", task.Ref(task.K("x1")), task.Ref(task.K("x2"))),
	}
	ord, err := order.OrderGraph(g, order.Config{})
	require.NoError(t, err)

	_, err = executor.Run(context.Background(), g, ord, []task.Key{task.K("y")}, pool.NewSync(), defaultRegistry(), executor.Callbacks{})
	var terr *executor.TaskError
	require.ErrorAs(t, err, &terr)
	first := task.K("x1")
	if ord.Rank[task.K("x2")] < ord.Rank[first] {
		first = task.K("x2")
	}
	assert.Equal(t, first, terr.Key)
}

func TestCallbacks(t *testing.T) {
	g := testutil.Chain(4)
	var started, finished int
	var pre, post []task.Key
	cb := executor.Callbacks{
		OnStart:  func(ctx context.Context) { started++ },
		OnFinish: func(ctx context.Context, err error) { finished++ },
		PreTask:  func(ctx context.Context, k task.Key, at time.Time) { pre = append(pre, k) },
		PostTask: func(ctx context.Context, k task.Key, v any, err error, s, f time.Time) { post = append(post, k) },
	}
	_, err := runGraph(t, g, []task.Key{task.K("v3")}, pool.NewSync(), cb)
	require.NoError(t, err)

	assert.Equal(t, 1, started)
	assert.Equal(t, 1, finished)
	assert.Len(t, pre, 4)
	assert.Len(t, post, 4)
}

func TestCallbackPanicIsContained(t *testing.T) {
	g := testutil.Chain(3)
	cb := executor.Callbacks{
		PreTask: func(ctx context.Context, k task.Key, at time.Time) {
			if k == task.K("v1") {
				panic("hook gone wrong")
			}
		},
	}
	_, err := runGraph(t, g, []task.Key{task.K("v2")}, pool.NewSync(), cb)

	var cerr *executor.CallbackError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "pretask", cerr.Hook)
	assert.Contains(t, cerr.Error(), "hook gone wrong")
}

func TestCancellation(t *testing.T) {
	reg := defaultRegistry()
	started := make(chan struct{})
	release := make(chan struct{})
	reg.Register("block", func(ctx context.Context, args []any) (any, error) {
		close(started)
		<-release
		return "settled", nil
	})
	g := graph.Graph{
		task.K("slow"): task.Call("block"),
		task.K("next"): task.Call("identity", task.Ref(task.K("slow"))),
	}
	ord, err := order.OrderGraph(g, order.Config{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
		// let the scheduler observe the cancellation, then allow the
		// in-flight task to settle
		time.Sleep(50 * time.Millisecond)
		close(release)
	}()

	_, err = executor.Run(ctx, g, ord, []task.Key{task.K("next")}, pool.NewThreads(2), reg, executor.Callbacks{})
	var canceled *executor.CancelError
	require.ErrorAs(t, err, &canceled)
	assert.ErrorIs(t, err, context.Canceled)

	var terr *executor.TaskError
	assert.False(t, errors.As(err, &terr), "cancellation is not a task failure")
}

func TestNoDispatchAfterRequestedDone(t *testing.T) {
	// c and d only become ready once b completes, which is also the
	// moment the run has everything it was asked for
	g := graph.Graph{
		task.K("a"): task.Literal(1),
		task.K("b"): task.Call("inc", task.Ref(task.K("a"))),
		task.K("c"): task.Call("inc", task.Ref(task.K("b"))),
		task.K("d"): task.Call("inc", task.Ref(task.K("c"))),
	}
	counting := &testutil.CountingRunner{Inner: pool.NewSync()}
	results, err := runGraph(t, g, []task.Key{task.K("b")}, counting, executor.Callbacks{})
	require.NoError(t, err)
	assert.Equal(t, 2.0, results[task.K("b")])

	assert.NotContains(t, counting.Order, task.K("c"), "nothing starts once the requested keys are done")
	assert.NotContains(t, counting.Order, task.K("d"))
}

func TestConcurrencyBoundedByRunner(t *testing.T) {
	g := testutil.Diamond(16)
	counting := &testutil.CountingRunner{Inner: pool.NewThreads(3)}
	_, err := runGraph(t, g, []task.Key{task.K("sink")}, counting, executor.Callbacks{})
	require.NoError(t, err)
	assert.LessOrEqual(t, counting.Peak, 3)
	assert.Len(t, counting.Order, 18)
}
