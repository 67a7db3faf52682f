package loop

import (
	"context"
	"sync"
)

// Queue is an unbounded FIFO. Put never blocks; Get suspends until an element
// is available or the context ends.
type Queue[T any] struct {
	mu    sync.Mutex
	cond  *Cond
	items []T
}

// NewQueue creates an empty queue.
func NewQueue[T any]() *Queue[T] {
	q := &Queue[T]{}
	q.cond = NewCond(&q.mu)
	return q
}

// Put appends v to the queue.
func (q *Queue[T]) Put(v T) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = append(q.items, v)
	q.cond.Broadcast()
}

// Get removes and returns the oldest element.
func (q *Queue[T]) Get(ctx context.Context) (T, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.cond.WaitFor(ctx, func() bool { return len(q.items) > 0 }); err != nil {
		var zero T
		return zero, err
	}
	return q.pop(), nil
}

// TryGet returns the oldest element without waiting.
func (q *Queue[T]) TryGet() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		var zero T
		return zero, false
	}
	return q.pop(), true
}

// Len returns the number of queued elements.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue[T]) pop() T {
	v := q.items[0]
	var zero T
	q.items[0] = zero
	q.items = q.items[1:]
	return v
}
