package transfer

import (
	"sync"

	"github.com/bucketdesk/bucketdesk/internal/metrics"
)

// queue is an unbounded FIFO of task IDs. pop parks on a condition variable
// until an item arrives or the queue is closed.
type queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []string
	closed bool
}

func newQueue() *queue {
	q := &queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push appends id. It reports false once the queue is closed.
func (q *queue) push(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, id)
	metrics.TasksQueued.Inc()
	q.cond.Signal()
	return true
}

// pop blocks until an item is available. It returns false when the queue
// is closed.
func (q *queue) pop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.closed {
		return "", false
	}
	id := q.items[0]
	q.items[0] = ""
	q.items = q.items[1:]
	metrics.TasksQueued.Dec()
	return id, true
}

// close wakes every waiter and returns the items that were never popped.
func (q *queue) close() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	rest := q.items
	q.items = nil
	metrics.TasksQueued.Sub(float64(len(rest)))
	q.cond.Broadcast()
	return rest
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
