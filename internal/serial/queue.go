// Package serial provides an unbounded FIFO executor: functions posted to
// a Queue run one at a time, in order, on a single goroutine.
//
// It backs the call controller's event loop and per-subscription callback
// delivery in the signaling layer. Posting never blocks, so a function
// running on the queue may post further work to the same queue.
package serial

import "sync"

// Queue runs posted functions sequentially on its own goroutine.
type Queue struct {
	mu      sync.Mutex
	items   []func()
	closed  bool
	wake    chan struct{}
	stopped chan struct{}
}

// NewQueue starts a queue.
func NewQueue() *Queue {
	q := &Queue{
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	go q.run()
	return q
}

// Post appends fn to the queue. It returns false if the queue is closed.
func (q *Queue) Post(fn func()) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, fn)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// Close stops the queue. Functions not yet started are dropped. Close does
// not wait; use Done to wait for the worker to exit.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.items = nil
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Closed reports whether Close has been called.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Done is closed once the worker goroutine has exited.
func (q *Queue) Done() <-chan struct{} {
	return q.stopped
}

func (q *Queue) run() {
	defer close(q.stopped)
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return
		}
		if len(q.items) == 0 {
			q.mu.Unlock()
			<-q.wake
			continue
		}
		fn := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		q.mu.Unlock()

		fn()
	}
}
