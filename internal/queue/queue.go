// Package queue provides the in-memory FIFO queues between the bus and the
// detection pipeline.
//
// A Queue is a ring buffer. With a positive capacity it never holds more than
// that many items: pushing onto a full queue evicts the oldest item first
// (drop-oldest). With capacity <= 0 the ring grows as needed.
//
// Consumers block in Wait, Pop or PopBatch until an item is available or the
// context is done. Producers never block.
package queue

import (
	"context"
	"sync"
	"sync/atomic"
)

// Option configures a Queue
type Option[T any] func(*Queue[T])

// WithDropCallback registers a function called (outside the lock) with every evicted item
func WithDropCallback[T any](fn func(T)) Option[T] {
	return func(q *Queue[T]) {
		q.onDrop = fn
	}
}

// WithLengthObserver registers a function called with the queue length after every change
func WithLengthObserver[T any](fn func(int)) Option[T] {
	return func(q *Queue[T]) {
		q.onLen = fn
	}
}

// Queue is a multi-producer multi-consumer FIFO with drop-oldest overflow
type Queue[T any] struct {
	mu       sync.Mutex
	buf      []T
	head     int
	size     int
	capacity int

	// notify holds at most one pending wake-up token
	notify chan struct{}

	drops  uint64
	onDrop func(T)
	onLen  func(int)
}

const initialUnboundedSize = 16

// New creates a queue. capacity <= 0 means unbounded.
func New[T any](capacity int, opts ...Option[T]) *Queue[T] {
	size := capacity
	if capacity <= 0 {
		capacity = 0
		size = initialUnboundedSize
	}

	q := &Queue[T]{
		buf:      make([]T, size),
		capacity: capacity,
		notify:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Push appends an item. On a full bounded queue the oldest item is evicted
// first and Push reports true.
func (q *Queue[T]) Push(item T) (evicted bool) {
	var dropped T

	q.mu.Lock()
	if q.capacity > 0 && q.size == q.capacity {
		var zero T
		dropped = q.buf[q.head]
		q.buf[q.head] = zero
		q.head = (q.head + 1) % len(q.buf)
		q.size--
		evicted = true
	}
	if q.size == len(q.buf) {
		q.grow()
	}
	q.buf[(q.head+q.size)%len(q.buf)] = item
	q.size++
	n := q.size
	q.mu.Unlock()

	if evicted {
		atomic.AddUint64(&q.drops, 1)
		if q.onDrop != nil {
			q.onDrop(dropped)
		}
	}
	q.observe(n)
	q.signal()

	return evicted
}

// grow doubles the ring, keeping items in order. Caller holds mu.
func (q *Queue[T]) grow() {
	next := make([]T, len(q.buf)*2)
	for i := 0; i < q.size; i++ {
		next[i] = q.buf[(q.head+i)%len(q.buf)]
	}
	q.buf = next
	q.head = 0
}

// TryPop removes the oldest item without blocking
func (q *Queue[T]) TryPop() (T, bool) {
	items := q.take(1)
	if len(items) == 0 {
		var zero T
		return zero, false
	}
	return items[0], true
}

// Drain removes up to max items without blocking, oldest first
func (q *Queue[T]) Drain(max int) []T {
	return q.take(max)
}

func (q *Queue[T]) take(max int) []T {
	q.mu.Lock()
	n := q.size
	if max > 0 && max < n {
		n = max
	}
	if n == 0 {
		q.mu.Unlock()
		return nil
	}

	out := make([]T, n)
	var zero T
	for i := 0; i < n; i++ {
		out[i] = q.buf[q.head]
		q.buf[q.head] = zero
		q.head = (q.head + 1) % len(q.buf)
	}
	q.size -= n
	remaining := q.size
	q.mu.Unlock()

	q.observe(remaining)
	if remaining > 0 {
		// pass the wake-up on to another consumer
		q.signal()
	}
	return out
}

// Wait blocks until the queue is non-empty or ctx is done
func (q *Queue[T]) Wait(ctx context.Context) error {
	for {
		if q.Len() > 0 {
			return nil
		}
		select {
		case <-q.notify:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Pop blocks until an item is available or ctx is done
func (q *Queue[T]) Pop(ctx context.Context) (T, error) {
	for {
		if item, ok := q.TryPop(); ok {
			return item, nil
		}
		if err := q.Wait(ctx); err != nil {
			var zero T
			return zero, err
		}
	}
}

// PopBatch blocks until at least one item is available, then removes up to max items
func (q *Queue[T]) PopBatch(ctx context.Context, max int) ([]T, error) {
	for {
		if items := q.take(max); len(items) > 0 {
			return items, nil
		}
		if err := q.Wait(ctx); err != nil {
			return nil, err
		}
	}
}

// Len returns the number of queued items
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Cap returns the capacity (0 = unbounded)
func (q *Queue[T]) Cap() int {
	return q.capacity
}

// Drops returns how many items were evicted since creation
func (q *Queue[T]) Drops() uint64 {
	return atomic.LoadUint64(&q.drops)
}

// Snapshot returns a copy of the queued items, oldest first
func (q *Queue[T]) Snapshot() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]T, q.size)
	for i := 0; i < q.size; i++ {
		out[i] = q.buf[(q.head+i)%len(q.buf)]
	}
	return out
}

func (q *Queue[T]) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *Queue[T]) observe(n int) {
	if q.onLen != nil {
		q.onLen(n)
	}
}
