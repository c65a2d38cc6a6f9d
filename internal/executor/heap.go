package executor

import (
	"container/heap"

	"github.com/vk/gridflow/internal/task"
)

// readyQueue is a priority queue over ready keys, ordered by static rank
// with the key's own order as the final tie-break.
type readyQueue struct {
	keys []task.Key
	rank map[task.Key]int
}

func newReadyQueue(rank map[task.Key]int) *readyQueue {
	return &readyQueue{rank: rank}
}

func (q *readyQueue) Len() int { return len(q.keys) }

func (q *readyQueue) Less(i, j int) bool {
	ri, rj := q.rank[q.keys[i]], q.rank[q.keys[j]]
	if ri != rj {
		return ri < rj
	}
	return q.keys[i].Less(q.keys[j])
}

func (q *readyQueue) Swap(i, j int) { q.keys[i], q.keys[j] = q.keys[j], q.keys[i] }

func (q *readyQueue) Push(x any) { q.keys = append(q.keys, x.(task.Key)) }

func (q *readyQueue) Pop() any {
	old := q.keys
	n := len(old)
	k := old[n-1]
	q.keys = old[:n-1]
	return k
}

func (q *readyQueue) add(k task.Key) { heap.Push(q, k) }

func (q *readyQueue) next() task.Key { return heap.Pop(q).(task.Key) }
