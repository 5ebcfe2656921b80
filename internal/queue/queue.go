package queue

import "sync"

// Queue is a thread-safe ring buffer that doubles its capacity when full.
// Push never blocks; Pop blocks until an item arrives or the queue is closed.
type Queue[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []T
	head   int
	count  int
	closed bool

	pushed  int64
	popped  int64
	resizes int
}

// Stats is a point-in-time view of a queue.
type Stats struct {
	Len      int
	Capacity int
	Pushed   int64
	Popped   int64
	Resizes  int
}

// New creates a queue with the given initial capacity.
func New[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	q := &Queue[T]{items: make([]T, capacity)}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends an item. Returns false if the queue is closed.
func (q *Queue[T]) Push(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	if q.count == len(q.items) {
		q.grow()
	}

	q.items[(q.head+q.count)%len(q.items)] = item
	q.count++
	q.pushed++
	q.cond.Signal()
	return true
}

// Pop removes the oldest item, blocking while the queue is empty.
// Returns false once the queue is closed and drained.
func (q *Queue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.count == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.count == 0 {
		var zero T
		return zero, false
	}
	return q.popLocked(), true
}

// TryPop removes the oldest item without blocking.
func (q *Queue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		var zero T
		return zero, false
	}
	return q.popLocked(), true
}

// Drain removes up to max items (all items when max <= 0).
func (q *Queue[T]) Drain(max int) []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := q.count
	if max > 0 && max < n {
		n = max
	}
	if n == 0 {
		return nil
	}

	out := make([]T, n)
	for i := range out {
		out[i] = q.popLocked()
	}
	return out
}

// Close stops accepting items and wakes blocked consumers.
// Items already queued can still be popped.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.cond.Broadcast()
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Stats returns queue counters.
func (q *Queue[T]) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Len:      q.count,
		Capacity: len(q.items),
		Pushed:   q.pushed,
		Popped:   q.popped,
		Resizes:  q.resizes,
	}
}

// popLocked must be called with q.mu held and q.count > 0.
func (q *Queue[T]) popLocked() T {
	var zero T
	item := q.items[q.head]
	q.items[q.head] = zero
	q.head = (q.head + 1) % len(q.items)
	q.count--
	q.popped++
	return item
}

// grow doubles capacity, unwrapping the ring so head starts at zero.
func (q *Queue[T]) grow() {
	next := make([]T, len(q.items)*2)
	n := copy(next, q.items[q.head:])
	copy(next[n:], q.items[:q.head])
	q.items = next
	q.head = 0
	q.resizes++
}
