package stream

import (
	"context"
	"sync/atomic"
)

// BoundedQueue is a FIFO of fixed capacity. Push blocks while the queue is
// full, which is how the producer is held back when workers fall behind.
type BoundedQueue[T any] struct {
	ch        chan T
	highWater atomic.Int64
}

// NewBoundedQueue returns an empty queue holding at most capacity items.
func NewBoundedQueue[T any](capacity int) *BoundedQueue[T] {
	return &BoundedQueue[T]{ch: make(chan T, max(capacity, 1))}
}

// Push appends v, blocking until there is room or ctx ends.
func (q *BoundedQueue[T]) Push(ctx context.Context, v T) error {
	select {
	case q.ch <- v:
	case <-ctx.Done():
		return ctx.Err()
	}

	n := int64(len(q.ch))
	for {
		hw := q.highWater.Load()
		if n <= hw || q.highWater.CompareAndSwap(hw, n) {
			return nil
		}
	}
}

// Pop removes the oldest item, blocking until one is available or ctx
// ends.
func (q *BoundedQueue[T]) Pop(ctx context.Context) (T, error) {
	select {
	case v := <-q.ch:
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Len returns the number of queued items.
func (q *BoundedQueue[T]) Len() int { return len(q.ch) }

// Cap returns the capacity.
func (q *BoundedQueue[T]) Cap() int { return cap(q.ch) }

// HighWater returns the largest length observed after a Push.
func (q *BoundedQueue[T]) HighWater() int { return int(q.highWater.Load()) }
