// Package buffer provides a generic, thread-safe bounded queue with
// configurable overflow policies. Reading engines use it to hold completely
// received steps until the application's BeginStep consumes them; the
// blocking read with timeout is what gives BeginStep its bounded wait.
package buffer

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rupertnash/adios2/errors"
)

// OverflowPolicy defines how the queue behaves when it reaches capacity.
type OverflowPolicy int

const (
	// DropOldest removes the oldest item to make room for new items.
	DropOldest OverflowPolicy = iota
	// DropNewest drops new items when the queue is full.
	DropNewest
	// Block causes Write to block until space is available.
	Block
)

// String returns a human-readable representation of the overflow policy.
func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "DropOldest"
	case DropNewest:
		return "DropNewest"
	case Block:
		return "Block"
	default:
		return "Unknown"
	}
}

// Statistics tracks queue activity for observability.
type Statistics struct {
	Writes  atomic.Int64
	Reads   atomic.Int64
	Drops   atomic.Int64
	Timeout atomic.Int64
}

// Queue is a bounded FIFO queue of items of type T.
type Queue[T any] struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	items    []T
	head     int
	size     int
	capacity int
	policy   OverflowPolicy
	closed   bool
	stats    Statistics
}

// New creates a queue with the given capacity and overflow policy.
func New[T any](capacity int, policy OverflowPolicy) (*Queue[T], error) {
	if capacity <= 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("capacity %d: %w", capacity, errors.ErrInvalidArgument),
			"Queue", "New", "capacity validation")
	}
	q := &Queue[T]{
		items:    make([]T, capacity),
		capacity: capacity,
		policy:   policy,
	}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q, nil
}

// Write adds an item according to the overflow policy. Writing to a closed
// queue fails with ErrInvalidState.
func (q *Queue[T]) Write(item T) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return errors.WrapInvalid(errors.ErrInvalidState, "Queue", "Write", "queue closed")
	}

	if q.size == q.capacity {
		switch q.policy {
		case DropOldest:
			q.head = (q.head + 1) % q.capacity
			q.size--
			q.stats.Drops.Add(1)
		case DropNewest:
			q.stats.Drops.Add(1)
			return nil
		case Block:
			for q.size == q.capacity && !q.closed {
				q.notFull.Wait()
			}
			if q.closed {
				return errors.WrapInvalid(errors.ErrInvalidState, "Queue", "Write", "queue closed")
			}
		}
	}

	q.items[(q.head+q.size)%q.capacity] = item
	q.size++
	q.stats.Writes.Add(1)
	q.notEmpty.Signal()
	return nil
}

// TryRead removes and returns the oldest item without blocking.
func (q *Queue[T]) TryRead() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pop()
}

// ReadWait removes and returns the oldest item, waiting up to timeout for one
// to arrive. A zero timeout is equivalent to TryRead; a negative timeout waits
// until an item arrives or the queue closes. Returns false when the wait
// elapsed or the queue is closed and empty.
func (q *Queue[T]) ReadWait(timeout time.Duration) (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if item, ok := q.pop(); ok {
		return item, ok
	}
	if timeout == 0 {
		var zero T
		return zero, false
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
		// Wake the waiter when the deadline passes; Cond has no native timeout
		stop := time.AfterFunc(timeout, func() {
			q.mu.Lock()
			q.notEmpty.Broadcast()
			q.mu.Unlock()
		})
		defer stop.Stop()
	}

	for q.size == 0 && !q.closed {
		if timeout > 0 && !time.Now().Before(deadline) {
			q.stats.Timeout.Add(1)
			var zero T
			return zero, false
		}
		q.notEmpty.Wait()
	}
	return q.pop()
}

// pop removes the head item; caller holds the lock.
func (q *Queue[T]) pop() (T, bool) {
	var zero T
	if q.size == 0 {
		return zero, false
	}
	item := q.items[q.head]
	q.items[q.head] = zero
	q.head = (q.head + 1) % q.capacity
	q.size--
	q.stats.Reads.Add(1)
	q.notFull.Signal()
	return item, true
}

// Len returns the current number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Cap returns the queue capacity.
func (q *Queue[T]) Cap() int {
	return q.capacity
}

// Stats returns the queue's activity counters.
func (q *Queue[T]) Stats() *Statistics {
	return &q.stats
}

// Close wakes all waiters. Queued items remain readable; further writes fail.
// Close is idempotent.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		q.notEmpty.Broadcast()
		q.notFull.Broadcast()
	}
}

// Closed reports whether the queue has been closed.
func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
