package ring

import "sync"

// OutboundQueue is an unbounded FIFO of data frames waiting for the token.
// It is safe for concurrent use.
type OutboundQueue struct {
	mu     sync.Mutex
	frames []Frame
}

// NewOutboundQueue creates an empty queue.
func NewOutboundQueue() *OutboundQueue {
	return &OutboundQueue{}
}

// Push appends f to the tail.
func (q *OutboundQueue) Push(f Frame) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.frames = append(q.frames, f)
}

// Peek returns the head without removing it.
func (q *OutboundQueue) Peek() (Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.frames) == 0 {
		return Frame{}, false
	}
	return q.frames[0], true
}

// Pop removes and returns the head.
func (q *OutboundQueue) Pop() (Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.frames) == 0 {
		return Frame{}, false
	}
	f := q.frames[0]
	q.frames[0] = Frame{}
	q.frames = q.frames[1:]
	if len(q.frames) == 0 {
		q.frames = nil
	}
	return f, true
}

// Len returns the number of pending frames.
func (q *OutboundQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

// Snapshot returns a copy of the pending frames in send order.
func (q *OutboundQueue) Snapshot() []Frame {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Frame, len(q.frames))
	copy(out, q.frames)
	return out
}

// Clear drops every pending frame and returns how many were dropped.
func (q *OutboundQueue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.frames)
	q.frames = nil
	return n
}
