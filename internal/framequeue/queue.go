// Package framequeue provides the bounded work queue that feeds sampled
// frames to the detection pipeline.
//
// The queue is deliberately single-consumer: inference calls are
// I/O-bound and rate-limited upstream, so parallel dispatch would not
// raise throughput but would break the ordering guarantee that batches
// for different frames are emitted in enqueue order.
package framequeue

import (
	"sync"

	"github.com/sitesight/visionrelay/internal/logger"
	"github.com/sitesight/visionrelay/pkg/types"
)

// DefaultCapacity is the number of entries the queue holds before it
// starts rejecting new frames.
const DefaultCapacity = 3

// Processor handles one dequeued frame. Errors are logged and do not
// stop the queue.
type Processor func(types.Frame) error

// Queue is a bounded FIFO with a single worker. Enqueue never blocks:
// when the queue is full the incoming entry is dropped, preserving the
// order of entries already accepted.
type Queue struct {
	mu        sync.Mutex
	entries   []types.Frame
	capacity  int
	processor Processor
	busy      bool
	closed    bool
	clearGen  uint64

	accepted uint64
	rejected uint64
}

// New returns a Queue with the given capacity (<=0 selects
// DefaultCapacity). The processor runs on the queue's worker goroutine,
// strictly one call at a time.
func New(capacity int, processor Processor) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{
		capacity:  capacity,
		processor: processor,
	}
}

// Enqueue offers a frame to the queue. It reports whether the frame was
// accepted; a full queue rejects the incoming frame.
func (q *Queue) Enqueue(frame types.Frame) bool {
	q.mu.Lock()

	if q.closed || len(q.entries) >= q.capacity {
		q.rejected++
		q.mu.Unlock()
		logger.Debug("FrameQueue", "queue full, dropping frame %d (%s)", frame.Number, frame.Source)
		return false
	}

	q.entries = append(q.entries, frame)
	q.accepted++

	start := !q.busy
	if start {
		q.busy = true
	}
	q.mu.Unlock()

	if start {
		go q.drain()
	}
	return true
}

// drain processes entries serially until the queue is empty. The head
// entry stays in the queue while its processor call is in flight, so an
// entry being processed still occupies capacity and the accept/reject
// decision in Enqueue is deterministic.
func (q *Queue) drain() {
	for {
		q.mu.Lock()
		if len(q.entries) == 0 || q.closed {
			q.busy = false
			q.mu.Unlock()
			return
		}
		entry := q.entries[0]
		gen := q.clearGen
		q.mu.Unlock()

		q.process(entry)

		q.mu.Lock()
		// Pop the head only if Clear has not already removed it; anything
		// enqueued after a Clear must not be dropped by this pop.
		if gen == q.clearGen && len(q.entries) > 0 {
			q.entries = q.entries[1:]
		}
		q.mu.Unlock()
	}
}

// process invokes the processor with panic containment so a failing
// frame never kills the worker.
func (q *Queue) process(frame types.Frame) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("FrameQueue", "processor panic on frame %d: %v", frame.Number, r)
		}
	}()

	if q.processor == nil {
		return
	}
	if err := q.processor(frame); err != nil {
		logger.Warn("FrameQueue", "processing frame %d failed: %v", frame.Number, err)
	}
}

// Clear drops all queued-but-unprocessed entries. An in-flight processor
// call is allowed to finish.
func (q *Queue) Clear() {
	q.mu.Lock()
	dropped := len(q.entries)
	q.entries = nil
	q.clearGen++
	q.mu.Unlock()

	if dropped > 0 {
		logger.Info("FrameQueue", "cleared %d pending entries", dropped)
	}
}

// Close clears the queue and rejects all future entries.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.entries = nil
	q.clearGen++
	q.mu.Unlock()
}

// Depth reports the number of entries waiting to be processed.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Stats reports accepted and rejected entry counts.
func (q *Queue) Stats() (accepted, rejected uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.accepted, q.rejected
}
