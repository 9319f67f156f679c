// Package outbox buffers encoded frames submitted while the connection is down.
package outbox

import "sync"

// Queue is an unbounded FIFO of encoded frames.
type Queue struct {
	mu     sync.Mutex
	frames [][]byte
}

// New returns an empty queue.
func New() *Queue {
	return &Queue{}
}

// Push appends a frame.
func (q *Queue) Push(frame []byte) {
	q.mu.Lock()
	q.frames = append(q.frames, frame)
	q.mu.Unlock()
}

// Drain removes and returns every frame in insertion order.
func (q *Queue) Drain() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.frames
	q.frames = nil
	return out
}

// Requeue puts frames back at the front, ahead of anything pushed since they were drained.
func (q *Queue) Requeue(frames [][]byte) {
	if len(frames) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	merged := make([][]byte, 0, len(frames)+len(q.frames))
	merged = append(merged, frames...)
	q.frames = append(merged, q.frames...)
}

// Clear drops every frame and returns how many were dropped.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.frames)
	q.frames = nil
	return n
}

// Len returns the number of queued frames.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}
