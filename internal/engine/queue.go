package engine

import (
	"container/heap"
	"sort"

	"github.com/launchex/exchange/internal/models"
)

// bookEntry wraps a resting order for heap operations.
type bookEntry struct {
	order *models.Order
	seq   int64
	index int
	bid   bool
}

// priceTimeQueue implements price-time priority over resting orders: bids
// by descending price, asks by ascending price, ties broken by earliest
// creation time, then by insertion sequence.
type priceTimeQueue []*bookEntry

func (q priceTimeQueue) Len() int { return len(q) }

func (q priceTimeQueue) Less(i, j int) bool {
	return entryLess(q[i], q[j])
}

func (q priceTimeQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *priceTimeQueue) Push(x any) {
	entry := x.(*bookEntry)
	entry.index = len(*q)
	*q = append(*q, entry)
}

func (q *priceTimeQueue) Pop() any {
	old := *q
	n := len(old)
	entry := old[n-1]
	entry.index = -1
	*q = old[0 : n-1]
	return entry
}

func (q priceTimeQueue) peek() *bookEntry {
	if len(q) == 0 {
		return nil
	}
	return q[0]
}

func (q *priceTimeQueue) remove(entry *bookEntry) {
	heap.Remove(q, entry.index)
}

// sorted returns the queue's entries in priority order without disturbing
// the heap. Used for depth snapshots.
func (q priceTimeQueue) sorted() []*bookEntry {
	out := make([]*bookEntry, len(q))
	copy(out, q)
	sort.Slice(out, func(i, j int) bool { return entryLess(out[i], out[j]) })
	return out
}

func entryLess(a, b *bookEntry) bool {
	if c := a.order.Price.Cmp(b.order.Price); c != 0 {
		if a.bid {
			return c > 0
		}
		return c < 0
	}
	if !a.order.CreatedAt.Equal(b.order.CreatedAt) {
		return a.order.CreatedAt.Before(b.order.CreatedAt)
	}
	return a.seq < b.seq
}
