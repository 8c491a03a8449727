package engine

import (
	"sync"

	"github.com/you/dex-arb/internal/metrics"
	"github.com/you/dex-arb/internal/types"
)

// queue is a bounded opportunity buffer ordered by profit. When full, a new
// entry displaces the worst queued one only if it is strictly better;
// otherwise it is rejected. Re-submitting a path that is already queued
// (same pair and venue ordering) replaces the stale copy.
type queue struct {
	mu    sync.Mutex
	items []types.ArbitragePath
	cap   int
}

func newQueue(capacity int) *queue {
	if capacity <= 0 {
		capacity = 64
	}
	return &queue{cap: capacity}
}

func (q *queue) Push(p types.ArbitragePath) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	id := p.ID()
	for i := range q.items {
		if q.items[i].ID() == id {
			q.items[i] = p
			q.sortLocked()
			return true
		}
	}

	if len(q.items) >= q.cap {
		worst := len(q.items) - 1
		if p.ProfitBps <= q.items[worst].ProfitBps {
			return false
		}
		q.items[worst] = p
	} else {
		q.items = append(q.items, p)
	}
	q.sortLocked()
	metrics.QueueDepth.Set(float64(len(q.items)))
	return true
}

// Pop removes and returns the most profitable queued opportunity.
func (q *queue) Pop() (types.ArbitragePath, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return types.ArbitragePath{}, false
	}
	p := q.items[0]
	q.items = q.items[1:]
	metrics.QueueDepth.Set(float64(len(q.items)))
	return p, true
}

func (q *queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// insertion sort keeps best-first order; the queue is small and mostly sorted
func (q *queue) sortLocked() {
	for i := 1; i < len(q.items); i++ {
		for j := i; j > 0 && q.items[j].ProfitBps > q.items[j-1].ProfitBps; j-- {
			q.items[j], q.items[j-1] = q.items[j-1], q.items[j]
		}
	}
}
