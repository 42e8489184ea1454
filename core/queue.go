package core

import "sync"

// TaskQueue defines the interface for the pool's pending-task storage.
type TaskQueue interface {
	// TryPush enqueues the item, returning false if the queue is full.
	TryPush(item TaskItem) bool
	Pop() (TaskItem, bool)
	Len() int
	Cap() int
	IsEmpty() bool
	// Drain removes and returns every queued item.
	Drain() []TaskItem
}

// =============================================================================
// BoundedFIFOQueue: Fixed-capacity ring of task slots
// =============================================================================

type BoundedFIFOQueue struct {
	mu    sync.Mutex
	slots []TaskItem
	head  int
	count int
}

func NewBoundedFIFOQueue(capacity int) *BoundedFIFOQueue {
	if capacity < 1 {
		capacity = DefaultQueueCapacity
	}
	return &BoundedFIFOQueue{slots: make([]TaskItem, capacity)}
}

func (q *BoundedFIFOQueue) TryPush(item TaskItem) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == len(q.slots) {
		return false
	}
	tail := (q.head + q.count) % len(q.slots)
	q.slots[tail] = item
	q.count++
	return true
}

func (q *BoundedFIFOQueue) Pop() (TaskItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		return TaskItem{}, false
	}
	item := q.slots[q.head]
	// Zero out the slot to release the closure
	q.slots[q.head] = TaskItem{}
	q.head = (q.head + 1) % len(q.slots)
	q.count--
	return item, true
}

func (q *BoundedFIFOQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

func (q *BoundedFIFOQueue) Cap() int {
	return len(q.slots)
}

func (q *BoundedFIFOQueue) IsEmpty() bool {
	return q.Len() == 0
}

func (q *BoundedFIFOQueue) Drain() []TaskItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		return nil
	}
	out := make([]TaskItem, 0, q.count)
	for q.count > 0 {
		out = append(out, q.slots[q.head])
		q.slots[q.head] = TaskItem{}
		q.head = (q.head + 1) % len(q.slots)
		q.count--
	}
	q.head = 0
	return out
}
