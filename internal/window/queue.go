package window

import (
	"sync"

	"argosd/internal/metrics"
)

// Queue is the unbounded FIFO buffer between window sealing and the
// processing stage. Push never blocks; Pop blocks until a window is
// available or the queue is closed and drained.
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []Window
	closed bool
}

// NewQueue builds an empty queue.
func NewQueue() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends a window. Returns false if the queue is closed.
func (q *Queue) Push(w Window) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, w)
	metrics.QueueDepth.Set(float64(len(q.items)))
	q.cond.Signal()
	return true
}

// Pop removes the oldest window, blocking while the queue is empty and
// open. The second return is false once the queue is closed and fully
// drained.
func (q *Queue) Pop() (Window, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return Window{}, false
	}
	w := q.items[0]
	q.items = q.items[1:]
	metrics.QueueDepth.Set(float64(len(q.items)))
	return w, true
}

// Close marks the stream end. Pending windows remain poppable; blocked
// Pop calls wake.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// Depth returns the number of queued windows.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
