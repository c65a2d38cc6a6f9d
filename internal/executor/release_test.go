package executor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/gridflow/internal/graph"
	"github.com/vk/gridflow/internal/task"
)

// newTestRun builds a run with its bookkeeping initialized the way Run
// does, without starting the scheduling loop.
func newTestRun(g graph.Graph, requested ...task.Key) *run {
	deps := graph.Dependencies(g)
	keys := g.Keys()
	task.SortKeys(keys)
	rank := make(map[task.Key]int, len(g))
	for i, k := range keys {
		rank[k] = i
	}
	r := &run{
		g:                   g,
		deps:                deps,
		dependents:          graph.Reverse(deps),
		requested:           task.NewKeySet(requested...),
		state:               make(map[task.Key]keyState, len(g)),
		remainingDeps:       make(map[task.Key]int, len(g)),
		remainingDependents: make(map[task.Key]int, len(g)),
		cache:               make(map[task.Key]any),
		ready:               newReadyQueue(rank),
		completions:         make(chan Completion, len(g)+1),
	}
	for k, ds := range r.deps {
		r.remainingDeps[k] = len(ds)
		r.remainingDependents[k] = len(r.dependents[k])
		r.state[k] = stateBlocked
	}
	return r
}

func TestCompleteEvictsAfterLastUse(t *testing.T) {
	g := graph.Graph{
		task.K("a"): task.Literal(1),
		task.K("b"): task.Call("inc", task.Ref(task.K("a"))),
		task.K("c"): task.Call("inc", task.Ref(task.K("a"))),
	}
	r := newTestRun(g, task.K("b"), task.K("c"))
	ctx := context.Background()

	r.inFlight = 1
	r.complete(ctx, Completion{Key: task.K("a"), Value: 1})
	assert.Contains(t, r.cache, task.K("a"), "a is still needed by b and c")

	r.inFlight = 1
	r.complete(ctx, Completion{Key: task.K("b"), Value: 2})
	assert.Contains(t, r.cache, task.K("a"), "c has not consumed a yet")

	r.inFlight = 1
	r.complete(ctx, Completion{Key: task.K("c"), Value: 2})
	assert.NotContains(t, r.cache, task.K("a"), "the last dependent ran, a is released")
	assert.Contains(t, r.cache, task.K("b"), "requested keys are never evicted")
	assert.Contains(t, r.cache, task.K("c"))
}

func TestCompleteKeepsRequestedIntermediates(t *testing.T) {
	g := graph.Graph{
		task.K("a"): task.Literal(1),
		task.K("b"): task.Call("inc", task.Ref(task.K("a"))),
	}
	r := newTestRun(g, task.K("a"), task.K("b"))
	ctx := context.Background()

	r.inFlight = 1
	r.complete(ctx, Completion{Key: task.K("a"), Value: 1})
	r.inFlight = 1
	r.complete(ctx, Completion{Key: task.K("b"), Value: 2})

	assert.Contains(t, r.cache, task.K("a"), "a is requested, eviction skips it")
	assert.Equal(t, 2, r.doneRequested)
}

func TestCompleteEvictsLeafWithNoDependents(t *testing.T) {
	g := graph.Graph{task.K("side"): task.Literal(9), task.K("out"): task.Literal(1)}
	r := newTestRun(g, task.K("out"))
	ctx := context.Background()

	r.inFlight = 1
	r.complete(ctx, Completion{Key: task.K("side"), Value: 9})
	assert.NotContains(t, r.cache, task.K("side"), "unrequested dead-end results are dropped")
}

func TestCompleteUnlocksDependents(t *testing.T) {
	g := graph.Graph{
		task.K("a"): task.Literal(1),
		task.K("b"): task.Call("inc", task.Ref(task.K("a"))),
	}
	r := newTestRun(g, task.K("b"))
	ctx := context.Background()

	require.Equal(t, stateBlocked, r.state[task.K("b")])
	r.inFlight = 1
	r.complete(ctx, Completion{Key: task.K("a"), Value: 1})
	assert.Equal(t, stateReady, r.state[task.K("b")])
	assert.Equal(t, task.K("b"), r.ready.next())
}

func TestCompleteMapsContextErrorToCancel(t *testing.T) {
	g := graph.Graph{task.K("a"): task.Literal(1)}
	r := newTestRun(g, task.K("a"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r.inFlight = 1
	r.complete(ctx, Completion{Key: task.K("a"), Err: context.Canceled})

	var cerr *CancelError
	require.ErrorAs(t, r.failure, &cerr)
	assert.True(t, r.canceled)
}

func TestCompleteContextErrorStaysTaskFailureWhileLive(t *testing.T) {
	g := graph.Graph{task.K("a"): task.Literal(1)}
	r := newTestRun(g, task.K("a"))

	r.inFlight = 1
	r.complete(context.Background(), Completion{Key: task.K("a"), Err: context.Canceled})

	var terr *TaskError
	require.ErrorAs(t, r.failure, &terr, "a task body returning a context error is still a task failure")
	assert.False(t, r.canceled)
}

func TestReadyQueueOrdersByRankThenKey(t *testing.T) {
	rank := map[task.Key]int{
		task.K("late"):  5,
		task.K("early"): 1,
		task.K("tieB"):  3,
		task.K("tieA"):  3,
	}
	q := newReadyQueue(rank)
	for k := range rank {
		q.add(k)
	}

	var got []task.Key
	for q.Len() > 0 {
		got = append(got, q.next())
	}
	assert.Equal(t, []task.Key{
		task.K("early"), task.K("tieA"), task.K("tieB"), task.K("late"),
	}, got)
}
