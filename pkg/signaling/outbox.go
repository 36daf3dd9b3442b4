package signaling

import "sync"

// Outbox accepts frames for one peer's delivery path. Push never blocks; it
// returns false once the outbox is closed or over its limit.
type Outbox interface {
	Push(frame []byte) bool
}

// queue is an unbounded (or optionally capped) FIFO of frames drained by a
// single writer goroutine.
type queue struct {
	mu         sync.Mutex
	frames     [][]byte
	limit      int
	closed     bool
	// overflowed is set when a push found the queue at its limit.
	overflowed bool
	ready      chan struct{}
	onLimit    func()
}

func newQueue(limit int, onLimit func()) *queue {
	return &queue{
		limit:   limit,
		ready:   make(chan struct{}, 1),
		onLimit: onLimit,
	}
}

// Push appends frame and wakes the writer.
func (q *queue) Push(frame []byte) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	if q.limit > 0 && len(q.frames) >= q.limit {
		q.closed = true
		q.overflowed = true
		q.frames = nil
		q.mu.Unlock()
		q.wake()
		if q.onLimit != nil {
			q.onLimit()
		}
		return false
	}
	q.frames = append(q.frames, frame)
	q.mu.Unlock()
	q.wake()
	return true
}

// Close stops accepting frames. Frames already queued are still drained.
func (q *queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

// take returns every pending frame. done is true once the queue is closed;
// the returned frames are the last ones.
func (q *queue) take() (frames [][]byte, done bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	frames = q.frames
	q.frames = nil
	return frames, q.closed
}

// Overflowed reports whether the queue was closed for exceeding its limit.
func (q *queue) Overflowed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.overflowed
}

// Len reports the number of pending frames.
func (q *queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

func (q *queue) wake() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
