// Package order assigns every key in a task graph a static execution
// priority. The ranking is a valid topological numbering, but its real
// job is to bound peak memory: it discovers critical paths, walks them
// back to unlock blocked work, and finishes linear chains eagerly so that
// intermediate results can be released as soon as possible.
//
// The executor consumes the ranking only as a tie-breaker among
// simultaneously-ready keys, so correctness of results never depends on
// it; memory behavior does.
package order

import (
	"sort"

	"github.com/vk/gridflow/internal/graph"
	"github.com/vk/gridflow/internal/task"
)

// DefaultSymmetryRatio is the cutoff between the symmetric and the
// frequency-biased target selection strategies. It is a tuned heuristic,
// not a derived constant; the simulate package exists to validate it
// empirically.
const DefaultSymmetryRatio = 1.5

// Config controls heuristic knobs of the assignor.
type Config struct {
	// SymmetryRatio: the graph counts as symmetric when the
	// most-connected root feeds at most this many times the leaves of the
	// least-connected root. <= 0 selects the default.
	SymmetryRatio float64
}

func (c Config) ratio() float64 {
	if c.SymmetryRatio <= 0 {
		return DefaultSymmetryRatio
	}
	return c.SymmetryRatio
}

// Order is the result of the assignor: a dense rank per key (lower runs
// earlier) and, for diagnostics only, the index of the critical path that
// ranked each key.
type Order struct {
	Rank       map[task.Key]int
	Generation map[task.Key]float64
}

// Len returns the number of ranked keys.
func (o *Order) Len() int { return len(o.Rank) }

// OrderGraph ranks a flat graph. Dependency maps are derived here; use
// Assign when the caller already has them.
func OrderGraph(g graph.Graph, cfg Config) (*Order, error) {
	deps := graph.Dependencies(g)
	return Assign(deps, graph.Reverse(deps), cfg)
}

// assignor carries the mutable state of one ranking run.
type assignor struct {
	deps       map[task.Key]task.KeySet
	dependents map[task.Key]task.KeySet

	numDeps   map[task.Key]int
	totalDeps map[task.Key]int
	rootsOf   map[task.Key]task.KeySet // roots reachable through dependencies
	leavesOf  map[task.Key]task.KeySet // leaves reachable through dependents

	rootFanout    map[task.Key]int // direct dependents of each root
	leavesPerRoot map[task.Key]int

	symmetric bool

	rank       map[task.Key]int
	generation map[task.Key]float64
	gen        float64
	unmet      map[task.Key]int // pending-branch counters: dependencies not yet ranked
	next       int

	// expanded marks keys already pushed onto some critical path during a
	// walk-back, so a join reached from several branches is expanded once.
	expanded task.KeySet

	leaves []task.Key
}

// Assign produces the static order for the given dependency maps. Both
// maps must cover every key (graph.Dependencies and graph.Reverse do).
// A cyclic graph yields a *graph.CycleError.
func Assign(deps, dependents map[task.Key]task.KeySet, cfg Config) (*Order, error) {
	n := len(deps)
	a := &assignor{
		deps:       deps,
		dependents: dependents,
		rank:       make(map[task.Key]int, n),
		generation: make(map[task.Key]float64, n),
		unmet:      make(map[task.Key]int, n),
		expanded:   make(task.KeySet),
	}
	if err := a.metrics(); err != nil {
		return nil, err
	}
	a.chooseStrategy(cfg.ratio())

	for len(a.rank) < n {
		target, ok := a.pickTarget()
		if !ok {
			// leaves exhausted with keys unranked: only a cycle does this
			if err := graph.CycleCheck(deps); err != nil {
				return nil, err
			}
			return nil, &graph.CycleError{Cycle: a.unranked()}
		}
		a.gen++
		a.consumePath(a.buildPath(target))
	}
	return &Order{Rank: a.rank, Generation: a.generation}, nil
}

// metrics runs the Kahn-style sweeps of step 1: direct and transitive
// dependency counts from the roots up, reachable-root sets alongside
// them, and reachable-leaf sets from the leaves down.
func (a *assignor) metrics() error {
	a.numDeps = make(map[task.Key]int, len(a.deps))
	a.totalDeps = make(map[task.Key]int, len(a.deps))
	a.rootsOf = make(map[task.Key]task.KeySet, len(a.deps))
	a.leavesOf = make(map[task.Key]task.KeySet, len(a.deps))
	a.rootFanout = make(map[task.Key]int)
	a.leavesPerRoot = make(map[task.Key]int)

	pending := make(map[task.Key]int, len(a.deps))
	var ready []task.Key
	for k, ds := range a.deps {
		a.numDeps[k] = len(ds)
		a.unmet[k] = len(ds)
		pending[k] = len(ds)
		if len(ds) == 0 {
			ready = append(ready, k)
		}
	}

	visited := 0
	for len(ready) > 0 {
		k := ready[len(ready)-1]
		ready = ready[:len(ready)-1]
		visited++

		total := 1
		roots := make(task.KeySet)
		if len(a.deps[k]) == 0 {
			roots.Add(k)
			a.rootFanout[k] = len(a.dependents[k])
		}
		for d := range a.deps[k] {
			total += a.totalDeps[d]
			roots.AddAll(a.rootsOf[d])
		}
		a.totalDeps[k] = total
		a.rootsOf[k] = roots

		for t := range a.dependents[k] {
			pending[t]--
			if pending[t] == 0 {
				ready = append(ready, t)
			}
		}
	}
	if visited < len(a.deps) {
		if err := graph.CycleCheck(a.deps); err != nil {
			return err
		}
	}

	// reverse sweep: leaves reachable upstream from each node
	pending = make(map[task.Key]int, len(a.deps))
	ready = ready[:0]
	for k, ts := range a.dependents {
		pending[k] = len(ts)
		if len(ts) == 0 {
			ready = append(ready, k)
			a.leaves = append(a.leaves, k)
		}
	}
	task.SortKeys(a.leaves)
	for len(ready) > 0 {
		k := ready[len(ready)-1]
		ready = ready[:len(ready)-1]

		leaves := make(task.KeySet)
		if len(a.dependents[k]) == 0 {
			leaves.Add(k)
		}
		for t := range a.dependents[k] {
			leaves.AddAll(a.leavesOf[t])
		}
		a.leavesOf[k] = leaves

		for d := range a.deps[k] {
			pending[d]--
			if pending[d] == 0 {
				ready = append(ready, d)
			}
		}
	}
	for root := range a.rootFanout {
		a.leavesPerRoot[root] = len(a.leavesOf[root])
	}
	return nil
}

// chooseStrategy classifies the graph by how evenly its roots feed its
// leaves (step 2).
func (a *assignor) chooseStrategy(ratio float64) {
	minLeaves, maxLeaves := 0, 0
	first := true
	for _, n := range a.leavesPerRoot {
		if first {
			minLeaves, maxLeaves = n, n
			first = false
			continue
		}
		if n < minLeaves {
			minLeaves = n
		}
		if n > maxLeaves {
			maxLeaves = n
		}
	}
	a.symmetric = first || float64(maxLeaves) <= ratio*float64(minLeaves)
}

// pickTarget selects the next critical-path endpoint among unranked
// leaves.
func (a *assignor) pickTarget() (task.Key, bool) {
	remaining := a.leaves[:0]
	for _, l := range a.leaves {
		if _, done := a.rank[l]; !done {
			remaining = append(remaining, l)
		}
	}
	a.leaves = remaining
	if len(remaining) == 0 {
		return task.Key{}, false
	}
	if a.symmetric {
		// classic longest chain: metrically largest leaf first
		best := remaining[0]
		for _, l := range remaining[1:] {
			if a.totalDeps[l] > a.totalDeps[best] ||
				(a.totalDeps[l] == a.totalDeps[best] && l.Less(best)) {
				best = l
			}
		}
		return best, true
	}
	// frequency-biased: prefer the leaf attached to the most-shared root,
	// then the metrically largest leaf
	best := remaining[0]
	bestFreq := a.maxRootFrequency(best)
	for _, l := range remaining[1:] {
		freq := a.maxRootFrequency(l)
		switch {
		case freq > bestFreq:
			best, bestFreq = l, freq
		case freq == bestFreq:
			if a.totalDeps[l] > a.totalDeps[best] ||
				(a.totalDeps[l] == a.totalDeps[best] && l.Less(best)) {
				best = l
			}
		}
	}
	return best, true
}

// maxRootFrequency is the share count of the node's most widely shared
// root.
func (a *assignor) maxRootFrequency(k task.Key) int {
	max := 0
	for r := range a.rootsOf[k] {
		if f := a.leavesPerRoot[r]; f > max {
			max = f
		}
	}
	return max
}

// critBetter reports whether x beats y as the next critical-path step
// (step 3): fewest connected roots, most transitive dependencies, highest
// fan-out among its roots, then key order.
func (a *assignor) critBetter(x, y task.Key) bool {
	if lx, ly := len(a.rootsOf[x]), len(a.rootsOf[y]); lx != ly {
		return lx < ly
	}
	if tx, ty := a.totalDeps[x], a.totalDeps[y]; tx != ty {
		return tx > ty
	}
	if fx, fy := a.maxRootFanout(x), a.maxRootFanout(y); fx != fy {
		return fx > fy
	}
	return x.Less(y)
}

func (a *assignor) maxRootFanout(k task.Key) int {
	max := 0
	for r := range a.rootsOf[k] {
		if f := a.rootFanout[r]; f > max {
			max = f
		}
	}
	return max
}

// buildPath walks from the target toward a root, always stepping to the
// best unranked dependency, and returns the chain with the root end last.
func (a *assignor) buildPath(target task.Key) []task.Key {
	var path []task.Key
	cur := target
	for {
		path = append(path, cur)
		var next task.Key
		found := false
		for d := range a.deps[cur] {
			if _, done := a.rank[d]; done {
				continue
			}
			if !found || a.critBetter(d, next) {
				next, found = d, true
			}
		}
		if !found {
			return path
		}
		cur = next
	}
}

// consumePath pops the chain from the root end, ranking nodes whose
// dependencies are all satisfied and walking back through the ones that
// are not (steps 4 and 5). The chain is an explicit stack on purpose:
// linear chains can be tens of thousands of nodes deep, far beyond what
// call-stack recursion tolerates.
func (a *assignor) consumePath(chain []task.Key) {
	var runnable []task.Key
	for len(chain) > 0 {
		k := chain[len(chain)-1]
		chain = chain[:len(chain)-1]
		if _, done := a.rank[k]; done {
			continue
		}
		if a.unmet[k] == 0 {
			runnable = a.place(k, runnable)
			runnable = a.processRunnables(runnable)
			continue
		}

		// Walk back: push the node and its unresolved dependencies, best
		// step last so it pops first. Dependencies already expanded from
		// an alternate branch are skipped unless nothing new remains, in
		// which case they are re-pushed to keep the chain moving.
		chain = append(chain, k)
		var blocked []task.Key
		for d := range a.deps[k] {
			if _, done := a.rank[d]; !done {
				blocked = append(blocked, d)
			}
		}
		sort.Slice(blocked, func(i, j int) bool { return a.critBetter(blocked[j], blocked[i]) })
		pushed := false
		for _, d := range blocked {
			if !a.expanded.Has(d) {
				a.expanded.Add(d)
				chain = append(chain, d)
				pushed = true
			}
		}
		if !pushed {
			chain = append(chain, blocked...)
		}
	}
}

// place gives k the next rank and collects dependents whose last
// dependency this satisfied.
func (a *assignor) place(k task.Key, runnable []task.Key) []task.Key {
	a.rank[k] = a.next
	a.generation[k] = a.gen
	a.next++
	for t := range a.dependents[k] {
		a.unmet[t]--
		if a.unmet[t] == 0 {
			runnable = append(runnable, t)
		}
	}
	return runnable
}

// processRunnables drains nodes unlocked off the critical path. Fully
// satisfied nodes rank immediately; pure linear extensions (a single
// dependency) go first so a finished predecessor never lingers in memory
// waiting on an unrelated branch. Joins enter the queue only when their
// final branch arrives, because place adds a node the moment its unmet
// counter reaches zero and never before.
func (a *assignor) processRunnables(queue []task.Key) []task.Key {
	for len(queue) > 0 {
		sort.Slice(queue, func(i, j int) bool {
			qi, qj := queue[i], queue[j]
			li, lj := a.numDeps[qi] <= 1, a.numDeps[qj] <= 1
			if li != lj {
				return li
			}
			return qi.Less(qj)
		})
		k := queue[0]
		queue = queue[1:]
		if _, done := a.rank[k]; done || a.unmet[k] > 0 {
			continue
		}
		queue = a.place(k, queue)
	}
	return queue[:0]
}

// unranked lists the keys that never received a rank, for the structured
// cycle error.
func (a *assignor) unranked() []task.Key {
	var out []task.Key
	for k := range a.deps {
		if _, done := a.rank[k]; !done {
			out = append(out, k)
		}
	}
	task.SortKeys(out)
	return out
}
