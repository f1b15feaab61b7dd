package journal

import "sync"

// Queue is a thread-safe FIFO ring that doubles its capacity at 70% fill,
// up to a hard limit. Pushes beyond the limit are rejected.
type Queue[T any] struct {
	mu       sync.Mutex
	buf      []T
	head     int
	tail     int
	count    int
	capacity int
	limit    int
	closed   bool

	pushed   int64
	popped   int64
	rejected int64
	resizes  int
}

// QueueStats contains queue statistics.
type QueueStats struct {
	Count    int
	Capacity int
	Limit    int
	Pushed   int64
	Popped   int64
	Rejected int64
	Resizes  int
}

// NewQueue creates a queue that starts at initial capacity and never holds
// more than limit items.
func NewQueue[T any](initial, limit int) *Queue[T] {
	if limit < 1 {
		limit = 1
	}
	if initial < 1 {
		initial = 1
	}
	if initial > limit {
		initial = limit
	}
	return &Queue[T]{
		buf:      make([]T, initial),
		capacity: initial,
		limit:    limit,
	}
}

// Push appends item. It returns false if the queue is full or closed.
func (q *Queue[T]) Push(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || q.count >= q.limit {
		q.rejected++
		return false
	}

	threshold := (q.capacity * 70) / 100
	if threshold < 1 {
		threshold = 1
	}
	if q.count+1 >= threshold && q.capacity < q.limit {
		q.grow()
	}

	q.buf[q.tail] = item
	q.tail = (q.tail + 1) % q.capacity
	q.count++
	q.pushed++
	return true
}

// DrainTo removes up to max items (all items if max <= 0) in FIFO order.
func (q *Queue[T]) DrainTo(max int) []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		return nil
	}

	n := q.count
	if max > 0 && max < n {
		n = max
	}

	out := make([]T, n)
	var zero T
	for i := range out {
		out[i] = q.buf[q.head]
		q.buf[q.head] = zero
		q.head = (q.head + 1) % q.capacity
	}
	q.count -= n
	q.popped += int64(n)

	return out
}

// Close rejects further pushes. Queued items can still be drained.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Stats returns queue statistics.
func (q *Queue[T]) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		Count:    q.count,
		Capacity: q.capacity,
		Limit:    q.limit,
		Pushed:   q.pushed,
		Popped:   q.popped,
		Rejected: q.rejected,
		Resizes:  q.resizes,
	}
}

// grow doubles capacity, capped at limit. Must be called with lock held.
func (q *Queue[T]) grow() {
	newCapacity := q.capacity * 2
	if newCapacity > q.limit {
		newCapacity = q.limit
	}
	newBuf := make([]T, newCapacity)

	if q.count > 0 {
		if q.head < q.tail {
			copy(newBuf, q.buf[q.head:q.tail])
		} else {
			n := copy(newBuf, q.buf[q.head:])
			copy(newBuf[n:], q.buf[:q.tail])
		}
	}

	q.buf = newBuf
	q.head = 0
	q.tail = q.count
	q.capacity = newCapacity
	q.resizes++
}
