package recorder

import "sync"

// Queue is a FIFO ring buffer that doubles its capacity when full, up to a
// hard limit. Pushes past the limit are rejected.
type Queue[T any] struct {
	mu    sync.Mutex
	buf   []T
	head  int // Read position
	count int
	limit int

	pushed   int64
	rejected int64
	grows    int
}

// NewQueue creates a Queue starting at initial slots and never holding more
// than limit items.
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
		buf:   make([]T, initial),
		limit: limit,
	}
}

// Push appends item. It returns false when the queue is at its limit.
func (q *Queue[T]) Push(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == len(q.buf) {
		if len(q.buf) >= q.limit {
			q.rejected++
			return false
		}
		q.grow()
	}

	q.buf[(q.head+q.count)%len(q.buf)] = item
	q.count++
	q.pushed++
	return true
}

// Drain removes up to upTo items (all when upTo <= 0) in FIFO order.
func (q *Queue[T]) Drain(upTo int) []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := q.count
	if upTo > 0 && upTo < n {
		n = upTo
	}
	if n == 0 {
		return nil
	}

	out := make([]T, n)
	var zero T
	for i := range out {
		out[i] = q.buf[q.head]
		q.buf[q.head] = zero // Release reference
		q.head = (q.head + 1) % len(q.buf)
	}
	q.count -= n
	return out
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// QueueStats contains queue statistics.
type QueueStats struct {
	Len      int   `json:"len"`
	Cap      int   `json:"cap"`
	Pushed   int64 `json:"pushed"`
	Rejected int64 `json:"rejected"`
	Grows    int   `json:"grows"`
}

// Stats returns queue statistics.
func (q *Queue[T]) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		Len:      q.count,
		Cap:      len(q.buf),
		Pushed:   q.pushed,
		Rejected: q.rejected,
		Grows:    q.grows,
	}
}

// grow doubles capacity, capped at limit. Must be called with mu held.
func (q *Queue[T]) grow() {
	size := min(len(q.buf)*2, q.limit)
	next := make([]T, size)

	// Unwrap [head...end) + [0...tail) into the front of next
	n := copy(next, q.buf[q.head:])
	if n < q.count {
		copy(next[n:], q.buf[:q.count-n])
	}

	q.buf = next
	q.head = 0
	q.grows++
}
