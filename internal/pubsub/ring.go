package pubsub

import "sync"

// Ring is a thread-safe bounded ring buffer with drop-oldest overflow
// semantics: Send never blocks and never fails while open; when the ring is
// full the oldest item is evicted to make room and the drop counter bumps.
type Ring[T any] struct {
	mu       sync.Mutex
	cond     *sync.Cond
	buf      []T
	head     int // read position
	tail     int // write position
	count    int
	capacity int
	closed   bool

	// Stats
	totalReceived int64
	totalSent     int64
	totalDropped  int64
}

// NewRing creates a ring with the given capacity.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	r := &Ring[T]{
		buf:      make([]T, capacity),
		capacity: capacity,
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Send adds an item, evicting the oldest item if full.
// Returns false only if the ring is closed.
func (r *Ring[T]) Send(item T) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return false
	}

	if r.count == r.capacity {
		// Evict oldest
		var zero T
		r.buf[r.head] = zero
		r.head = (r.head + 1) % r.capacity
		r.count--
		r.totalDropped++
	}

	r.buf[r.tail] = item
	r.tail = (r.tail + 1) % r.capacity
	r.count++
	r.totalReceived++

	r.cond.Signal()
	return true
}

// Receive blocks until an item is available or the ring is closed and empty.
func (r *Ring[T]) Receive() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for r.count == 0 && !r.closed {
		r.cond.Wait()
	}

	if r.count == 0 && r.closed {
		var zero T
		return zero, false
	}

	return r.take(), true
}

// TryReceive attempts to receive without blocking.
func (r *Ring[T]) TryReceive() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == 0 {
		var zero T
		return zero, false
	}

	return r.take(), true
}

// take removes the head item. Must be called with the lock held.
func (r *Ring[T]) take() T {
	item := r.buf[r.head]
	var zero T
	r.buf[r.head] = zero
	r.head = (r.head + 1) % r.capacity
	r.count--
	r.totalSent++
	return item
}

// DrainTo drains up to max items (all if max <= 0) for batch processing.
func (r *Ring[T]) DrainTo(max int) []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == 0 {
		return nil
	}

	n := r.count
	if max > 0 && max < n {
		n = max
	}

	result := make([]T, n)
	for i := 0; i < n; i++ {
		result[i] = r.take()
	}
	return result
}

// Close closes the ring. Pending items remain receivable; after they drain,
// Receive returns false.
func (r *Ring[T]) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	r.cond.Broadcast()
}

// Len returns the current number of buffered items.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Stats returns ring statistics.
func (r *Ring[T]) Stats() RingStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RingStats{
		Count:         r.count,
		Capacity:      r.capacity,
		TotalReceived: r.totalReceived,
		TotalSent:     r.totalSent,
		TotalDropped:  r.totalDropped,
	}
}

// RingStats contains ring statistics.
type RingStats struct {
	Count         int
	Capacity      int
	TotalReceived int64
	TotalSent     int64
	TotalDropped  int64
}
