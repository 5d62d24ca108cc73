package voice

import (
	"context"
	"sync"
)

// Frame is one inbound audio chunk. Index is the transport's sequence
// number and must increase strictly.
type Frame struct {
	Index   int64
	Payload []byte
}

type pushResult int

const (
	pushAccepted pushResult = iota
	pushStale
	pushOverrun
)

// frameQueue is a bounded FIFO of inbound audio. When full, the oldest
// frame is discarded so the live edge of the caller's speech is kept.
type frameQueue struct {
	mu      sync.Mutex
	frames  []Frame
	limit   int
	last    int64
	started bool
	ready   chan struct{}
}

func newFrameQueue(limit int) *frameQueue {
	if limit <= 0 {
		limit = 50
	}
	return &frameQueue{
		frames: make([]Frame, 0, limit),
		limit:  limit,
		ready:  make(chan struct{}, 1),
	}
}

// push enqueues f. Duplicate and out-of-order indices are rejected as stale.
func (q *frameQueue) push(f Frame) (pushResult, Frame) {
	q.mu.Lock()
	if q.started && f.Index <= q.last {
		q.mu.Unlock()
		return pushStale, Frame{}
	}
	q.started = true
	q.last = f.Index

	result := pushAccepted
	var dropped Frame
	if len(q.frames) >= q.limit {
		dropped = q.frames[0]
		q.frames = q.frames[1:]
		result = pushOverrun
	}
	q.frames = append(q.frames, f)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return result, dropped
}

// requeue puts a frame that failed to send back at the head. It is dropped
// if newer audio has already filled the queue.
func (q *frameQueue) requeue(f Frame) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.frames) >= q.limit {
		return
	}
	q.frames = append([]Frame{f}, q.frames...)
}

// pop blocks until a frame is available or ctx ends.
func (q *frameQueue) pop(ctx context.Context) (Frame, error) {
	for {
		q.mu.Lock()
		if len(q.frames) > 0 {
			f := q.frames[0]
			q.frames = q.frames[1:]
			more := len(q.frames) > 0
			q.mu.Unlock()
			if more {
				select {
				case q.ready <- struct{}{}:
				default:
				}
			}
			return f, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		case <-q.ready:
		}
	}
}

// reset discards queued audio and forgets the last index so a new
// transport stream can number its frames from the start.
func (q *frameQueue) reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.frames = q.frames[:0]
	q.started = false
	q.last = 0
}

func (q *frameQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}
