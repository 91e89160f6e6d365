package futures

import "sync"

// submissionQueue is the ordered buffer between Submit and the worker
// pool. FIFO, no priorities: requests reach workers in submission order.
type submissionQueue struct {
	mu       sync.Mutex
	nonEmpty *sync.Cond
	items    []*Future
	closed   bool
}

func newSubmissionQueue() *submissionQueue {
	q := &submissionQueue{}
	q.nonEmpty = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends a future to the tail. Returns ErrShutdown after Close.
func (q *submissionQueue) Enqueue(f *Future) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrShutdown
	}
	q.items = append(q.items, f)
	q.nonEmpty.Signal()
	return nil
}

// Dequeue blocks until an item is available or the queue is closed. The
// second return value is false once the queue is closed; workers use it
// as the signal to exit. Items still queued at close time are not handed
// out.
func (q *submissionQueue) Dequeue() (*Future, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.nonEmpty.Wait()
	}
	if q.closed {
		return nil, false
	}
	f := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return f, true
}

// Close shuts the queue down, wakes all blocked Dequeue calls and returns
// the futures that were still queued.
func (q *submissionQueue) Close() []*Future {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	rest := q.items
	q.items = nil
	q.nonEmpty.Broadcast()
	return rest
}

// Len returns the number of queued futures.
func (q *submissionQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
