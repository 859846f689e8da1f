package server

import (
	"errors"
	"sync"
)

var errQueueFull = errors.New("server: pending queue full")

// queue is the single FIFO shared by all connections. Connections push under
// the lock; the host only ever pops with TryLock.
type queue struct {
	mu     sync.Mutex
	calls  []*PendingCall
	closed bool
}

func (q *queue) push(pc *PendingCall, max int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrServerClosed
	}
	if max > 0 && len(q.calls) >= max {
		return errQueueFull
	}
	q.calls = append(q.calls, pc)
	return nil
}

// tryPop returns the oldest call, or false if the queue is empty, closed or
// currently locked by a producer.
func (q *queue) tryPop() (*PendingCall, bool) {
	if !q.mu.TryLock() {
		return nil, false
	}
	defer q.mu.Unlock()
	if q.closed || len(q.calls) == 0 {
		return nil, false
	}
	pc := q.calls[0]
	q.calls[0] = nil
	q.calls = q.calls[1:]
	return pc, true
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.calls)
}

// close drops every queued call and refuses further pushes. It returns the
// number of calls dropped.
func (q *queue) close() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.calls)
	q.calls = nil
	q.closed = true
	return n
}
