package session

import "sync"

// queue is an unbounded FIFO with a single consumer. Push never blocks, so
// producers (channel reader, recognizer, speaker, clock) can never stall each
// other or the event loop.
type queue[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	ready  chan struct{} // capacity 1; signalled when items become available
}

func newQueue[T any]() *queue[T] {
	return &queue[T]{ready: make(chan struct{}, 1)}
}

// push appends v. It reports false, and drops v, once the queue is closed.
func (q *queue[T]) push(v T) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, v)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return true
}

// take removes and returns every queued item.
func (q *queue[T]) take() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// close rejects further pushes and returns what was still queued. The ready
// channel is signalled so a waiting consumer wakes up.
func (q *queue[T]) close() []T {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	items := q.items
	q.items = nil
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return items
}

// isClosed reports whether close has been called.
func (q *queue[T]) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
