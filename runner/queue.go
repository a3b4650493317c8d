package runner

import (
	"context"
	"sync"

	"github.com/tokwatch/tokwatch/models"
)

// targetQueue is the run's FIFO work queue. Workers pop from the head;
// follow-up targets are appended during the run. A target stays
// "outstanding" from push until its worker calls done, so the queue can
// tell a momentarily empty head apart from a drained run.
type targetQueue struct {
	mu          sync.Mutex
	items       []models.Target
	outstanding int
	closed      bool

	wake     chan struct{}
	finished chan struct{}
}

func newTargetQueue() *targetQueue {
	return &targetQueue{
		wake:     make(chan struct{}, 1),
		finished: make(chan struct{}),
	}
}

// push appends a target. It reports false when the queue no longer
// accepts work (drained or draining).
func (q *targetQueue) push(t models.Target) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, t)
	q.outstanding++
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// pop blocks until a target is available, the run drains, or ctx ends.
// The second return is false when the worker should exit.
func (q *targetQueue) pop(ctx context.Context) (models.Target, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			t := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return t, true
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return models.Target{}, false
		case <-q.finished:
			return models.Target{}, false
		case <-q.wake:
		}
	}
}

// done marks one popped target fully handled. The worker must push any
// follow-ups before calling done, otherwise the queue can drain early.
func (q *targetQueue) done() {
	q.mu.Lock()
	q.outstanding--
	drained := q.outstanding == 0 && !q.closed
	if drained {
		q.closed = true
	}
	q.mu.Unlock()

	if drained {
		close(q.finished)
	} else {
		select {
		case q.wake <- struct{}{}:
		default:
		}
	}
}

// drain rejects further pushes and releases blocked workers. Pending
// targets are discarded; in-flight ones finish on their own.
func (q *targetQueue) drain() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.outstanding -= len(q.items)
	q.items = nil
	q.mu.Unlock()
	close(q.finished)
}
