package order_test

import (
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/gridflow/internal/graph"
	"github.com/vk/gridflow/internal/order"
	"github.com/vk/gridflow/internal/simulate"
	"github.com/vk/gridflow/internal/task"
	"github.com/vk/gridflow/internal/testutil"
)

// requireTopological fails if any key ranks before one of its
// dependencies, or if the ranks are not a dense permutation of 0..n-1.
func requireTopological(t *testing.T, g graph.Graph, ord *order.Order) {
	t.Helper()
	require.Equal(t, len(g), ord.Len(), "every key must be ranked")

	seen := make(map[int]task.Key, ord.Len())
	for k, r := range ord.Rank {
		require.GreaterOrEqual(t, r, 0)
		require.Less(t, r, ord.Len())
		prev, dup := seen[r]
		require.False(t, dup, "rank %d assigned to both %s and %s", r, prev, k)
		seen[r] = k
	}

	deps := graph.Dependencies(g)
	for k, ds := range deps {
		for d := range ds {
			assert.Less(t, ord.Rank[d], ord.Rank[k],
				"%s must rank before its dependent %s", d, k)
		}
	}
}

func TestOrderGraphChain(t *testing.T) {
	g := testutil.Chain(50)
	ord, err := order.OrderGraph(g, order.Config{})
	require.NoError(t, err)
	requireTopological(t, g, ord)

	// a bare chain has exactly one valid order
	for i := 0; i < 50; i++ {
		assert.Equal(t, i, ord.Rank[task.K(fmt.Sprintf("v%d", i))])
	}
}

func TestOrderGraphShapes(t *testing.T) {
	cases := map[string]graph.Graph{
		"single key":   {task.K("only"): task.Literal(1)},
		"diamond":      testutil.Diamond(6),
		"wide":         testutil.WideGraph(8, 8),
		"disconnected": disconnectedDiamonds(4, 3),
	}
	for name, g := range cases {
		t.Run(name, func(t *testing.T) {
			ord, err := order.OrderGraph(g, order.Config{})
			require.NoError(t, err)
			requireTopological(t, g, ord)
		})
	}
}

func TestOrderIsDeterministic(t *testing.T) {
	g := testutil.WideGraph(10, 7)
	first, err := order.OrderGraph(g, order.Config{})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := order.OrderGraph(g, order.Config{})
		require.NoError(t, err)
		if diff := cmp.Diff(first.Rank, again.Rank); diff != "" {
			t.Fatalf("run %d produced a different ranking (-first +again):\n%s", i, diff)
		}
	}
}

// disconnectedDiamonds builds n independent fan-out/fan-in subgraphs.
func disconnectedDiamonds(n, width int) graph.Graph {
	g := make(graph.Graph)
	for i := 0; i < n; i++ {
		src := task.K(fmt.Sprintf("src%d", i))
		g[src] = task.Literal(1.0)
		args := make([]*task.Task, 0, width)
		for j := 0; j < width; j++ {
			mid := task.P(fmt.Sprintf("mid%d", i), j)
			g[mid] = task.Call("inc", task.Ref(src))
			args = append(args, task.Ref(mid))
		}
		g[task.K(fmt.Sprintf("sink%d", i))] = task.Call("sum", args...)
	}
	return g
}

func TestOrderFinishesSubgraphsBeforeStartingNew(t *testing.T) {
	// with a memory-aware order, independent diamonds run one after
	// another and peak pressure stays near a single diamond's size
	const n, width = 6, 4
	g := disconnectedDiamonds(n, width)
	ord, err := order.OrderGraph(g, order.Config{})
	require.NoError(t, err)
	requireTopological(t, g, ord)

	report, err := simulate.Trace(g, ord)
	require.NoError(t, err)
	assert.LessOrEqual(t, report.Peak, width+2,
		"peak pressure must be bounded by one diamond, not the whole graph")
}

func TestOrderChainTailsReleaseEagerly(t *testing.T) {
	// a chain hanging off a shared source should be driven to completion
	// rather than interleaved with the wide part
	g := testutil.Diamond(8)
	ord, err := order.OrderGraph(g, order.Config{})
	require.NoError(t, err)

	report, err := simulate.Trace(g, ord)
	require.NoError(t, err)
	// src + all mids must coexist before the sink, nothing more
	assert.LessOrEqual(t, report.Peak, 8+2)
}

func TestOrderCycleError(t *testing.T) {
	g := graph.Graph{
		task.K("a"): task.Call("inc", task.Ref(task.K("b"))),
		task.K("b"): task.Call("inc", task.Ref(task.K("a"))),
	}
	_, err := order.OrderGraph(g, order.Config{})
	var cerr *graph.CycleError
	require.ErrorAs(t, err, &cerr)
	assert.ElementsMatch(t, []task.Key{task.K("a"), task.K("b")}, cerr.Cycle)
}

func TestAssignEmptyGraph(t *testing.T) {
	ord, err := order.Assign(map[task.Key]task.KeySet{}, map[task.Key]task.KeySet{}, order.Config{})
	require.NoError(t, err)
	assert.Zero(t, ord.Len())
}

func TestSymmetryRatioIsConfigurable(t *testing.T) {
	// both strategies must yield valid topological orders on an
	// asymmetric graph; the knob changes priorities, never validity
	g := testutil.WideGraph(6, 5)
	g[task.K("odd")] = task.Call("inc", task.Ref(task.P("r0", 0)))

	for _, ratio := range []float64{0.5, order.DefaultSymmetryRatio, 100} {
		ord, err := order.OrderGraph(g, order.Config{SymmetryRatio: ratio})
		require.NoError(t, err, "ratio %v", ratio)
		requireTopological(t, g, ord)
	}
}
