package vector

import "container/heap"

// Compile time check to ensure priorityQueue satisfies the heap interface.
var _ heap.Interface = (*priorityQueue)(nil)

// pqItem is a graph node with its distance to the current query. Lower distance is closer.
type pqItem struct {
	node uint32
	dist float64
}

// priorityQueue is a min-heap on distance, or a max-heap when max is set.
// Equal distances are ordered by node id so results are deterministic.
type priorityQueue struct {
	max   bool
	items []pqItem
}

func (pq *priorityQueue) Len() int { return len(pq.items) }

func (pq *priorityQueue) Less(i, j int) bool {
	a, b := pq.items[i], pq.items[j]
	if pq.max {
		return closer(b, a)
	}
	return closer(a, b)
}

func (pq *priorityQueue) Swap(i, j int) { pq.items[i], pq.items[j] = pq.items[j], pq.items[i] }

func (pq *priorityQueue) Push(x any) { pq.items = append(pq.items, x.(pqItem)) }

func (pq *priorityQueue) Pop() any {
	old := pq.items
	n := len(old)
	item := old[n-1]
	pq.items = old[:n-1]
	return item
}

func (pq *priorityQueue) top() pqItem { return pq.items[0] }

func (pq *priorityQueue) push(it pqItem) { heap.Push(pq, it) }

func (pq *priorityQueue) pop() pqItem { return heap.Pop(pq).(pqItem) }

// drainAscending empties the queue and returns its items closest first.
func (pq *priorityQueue) drainAscending() []pqItem {
	out := make([]pqItem, pq.Len())
	if pq.max {
		for i := len(out) - 1; i >= 0; i-- {
			out[i] = pq.pop()
		}
		return out
	}
	for i := range out {
		out[i] = pq.pop()
	}
	return out
}

// closer orders by distance, then by lower node id.
func closer(a, b pqItem) bool {
	if a.dist != b.dist {
		return a.dist < b.dist
	}
	return a.node < b.node
}

// boundedTopK keeps the k closest items seen so far.
type boundedTopK struct {
	k  int
	pq priorityQueue
}

func newBoundedTopK(k int) *boundedTopK {
	return &boundedTopK{k: k, pq: priorityQueue{max: true, items: make([]pqItem, 0, k)}}
}

func (b *boundedTopK) offer(it pqItem) {
	if b.pq.Len() < b.k {
		b.pq.push(it)
		return
	}
	if closer(it, b.pq.top()) {
		b.pq.items[0] = it
		heap.Fix(&b.pq, 0)
	}
}

func (b *boundedTopK) results() []pqItem { return b.pq.drainAscending() }
