// Package queue implements the scheduler's ready queue: a bounded
// priority queue ordered (priority desc, sequence asc), adapted from
// the orchestrator's container/heap task queue.
package queue

import (
	"container/heap"
	"errors"
	"sync"

	"github.com/kandev/agentkernel/internal/kernel/task"
)

var (
	ErrQueueFull  = errors.New("queue: full")
	ErrTaskExists = errors.New("queue: task already present")
)

type entry struct {
	task  *task.Task
	index int
}

type taskHeap []*entry

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority > h[j].task.Priority
	}
	return h[i].task.Sequence < h[j].task.Sequence
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	item := x.(*entry)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[0 : n-1]
	return item
}

// ReadyQueue holds tasks whose dependencies are satisfied, ordered for
// dispatch.
type ReadyQueue struct {
	mu      sync.RWMutex
	heap    taskHeap
	byID    map[string]*entry
	maxSize int
}

// NewReadyQueue returns a queue bounded at maxSize (0 means
// unbounded).
func NewReadyQueue(maxSize int) *ReadyQueue {
	q := &ReadyQueue{
		byID:    make(map[string]*entry),
		maxSize: maxSize,
	}
	heap.Init(&q.heap)
	return q
}

// Push admits t into the ready queue.
func (q *ReadyQueue) Push(t *task.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.byID[t.ID]; exists {
		return ErrTaskExists
	}
	if q.maxSize > 0 && len(q.heap) >= q.maxSize {
		return ErrQueueFull
	}
	e := &entry{task: t}
	heap.Push(&q.heap, e)
	q.byID[t.ID] = e
	return nil
}

// Pop removes and returns the highest-priority, earliest-sequence
// task. Returns nil if empty.
func (q *ReadyQueue) Pop() *task.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return nil
	}
	e := heap.Pop(&q.heap).(*entry)
	delete(q.byID, e.task.ID)
	return e.task
}

// Remove removes a specific task id, returning whether it was present.
func (q *ReadyQueue) Remove(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.byID[taskID]
	if !ok {
		return false
	}
	heap.Remove(&q.heap, e.index)
	delete(q.byID, taskID)
	return true
}

// Len reports the number of ready tasks.
func (q *ReadyQueue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.heap)
}
