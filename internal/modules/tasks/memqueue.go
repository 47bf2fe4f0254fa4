// README: In-process task queue (min-heap by due time) for tests and single-node runs.
package tasks

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

type MemQueue struct {
	mu    sync.Mutex
	items taskHeap
	seen  map[string]bool
}

func NewMemQueue() *MemQueue {
	return &MemQueue{seen: make(map[string]bool)}
}

func (q *MemQueue) Schedule(_ context.Context, t Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	k := t.key()
	if q.seen[k] {
		return nil
	}
	q.seen[k] = true
	heap.Push(&q.items, t)
	return nil
}

func (q *MemQueue) Due(_ context.Context, now time.Time, limit int) ([]Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Task
	for q.items.Len() > 0 && (limit <= 0 || len(out) < limit) {
		if q.items[0].DueAt.After(now) {
			break
		}
		t := heap.Pop(&q.items).(Task)
		delete(q.seen, t.key())
		out = append(out, t)
	}
	return out, nil
}

func (q *MemQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Pending returns a snapshot of queued tasks in no particular order.
func (q *MemQueue) Pending() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Task(nil), q.items...)
}

type taskHeap []Task

func (h taskHeap) Len() int           { return len(h) }
func (h taskHeap) Less(i, j int) bool { return h[i].DueAt.Before(h[j].DueAt) }
func (h taskHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)        { *h = append(*h, x.(Task)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	*h = old[:n-1]
	return t
}
