package server

import "sync"

// outQueue is the unbounded per-agent outbound frame queue. Enqueueing never
// blocks; a dedicated writer goroutine drains it onto the socket. Closing
// wakes the drainer and makes further pushes no-ops.
type outQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	frames [][]byte
	closed bool
}

func newOutQueue() *outQueue {
	q := &outQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends a frame. Pushes after Close are dropped silently; the session
// is already tearing down at that point.
func (q *outQueue) Push(frame []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.frames = append(q.frames, frame)
	q.cond.Signal()
}

// Drain blocks until at least one frame is queued or the queue is closed,
// then returns all queued frames in order. It returns ok=false once the
// queue is closed and empty.
func (q *outQueue) Drain() (frames [][]byte, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.frames) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.frames) == 0 {
		return nil, false
	}
	frames = q.frames
	q.frames = nil
	return frames, true
}

// Close releases the queue. Idempotent.
func (q *outQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.cond.Broadcast()
}

// Closed reports whether Close has been called.
func (q *outQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
