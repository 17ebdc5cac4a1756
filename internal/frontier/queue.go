package frontier

import "container/heap"

type item struct {
	entry Entry
	seq   uint64
	index int
}

// hostQueue orders a host's entries by NotBefore, then priority (high first),
// then arrival.
type hostQueue []*item

func (q hostQueue) Len() int { return len(q) }

func (q hostQueue) Less(i, j int) bool {
	a, b := q[i].entry, q[j].entry
	if !a.NotBefore.Equal(b.NotBefore) {
		return a.NotBefore.Before(b.NotBefore)
	}
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return q[i].seq < q[j].seq
}

func (q hostQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *hostQueue) Push(x any) {
	it, _ := x.(*item)
	it.index = len(*q)
	*q = append(*q, it)
}

func (q *hostQueue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*q = old[:n-1]
	return it
}

func (q *hostQueue) peek() *item {
	if len(*q) == 0 {
		return nil
	}
	return (*q)[0]
}

func (q *hostQueue) push(it *item) { heap.Push(q, it) }

func (q *hostQueue) pop() *item {
	it, _ := heap.Pop(q).(*item)
	return it
}

func (q *hostQueue) remove(it *item) {
	if it.index >= 0 && it.index < len(*q) {
		heap.Remove(q, it.index)
	}
}
