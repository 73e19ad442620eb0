// Package queue implements the per-element bounded FIFO (§4.5) that holds
// in-flight Profiles between the profile receiver and a consumer (either a
// direct TryTakeNextProfile caller or the frame assembler).
package queue

import (
	"context"
	"sync"

	"github.com/scanworks/pinchot/internal/scanerr"
	"github.com/scanworks/pinchot/internal/wire"
)

// FrameQueue is a bounded, single-producer/single-consumer ring buffer of
// wire.Profile for one (head, camera, laser) element. Enqueue never blocks:
// on overflow it overwrites the oldest entry and sets OverflowedSticky,
// which only Clear resets.
type FrameQueue struct {
	mu sync.Mutex

	capacity int
	items    []wire.Profile
	start    int // ring index of the oldest item
	count    int

	firstSequence uint32
	lastSequence  uint32
	hasData       bool

	overflowedSticky bool

	waitCh chan struct{} // closed and replaced on every Enqueue
	stopCh chan struct{} // closed (and replaced) to wake blocked Dequeue callers with Stopped
}

// New creates a FrameQueue with the given capacity. Capacity must be at
// least 1.
func New(capacity int) *FrameQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &FrameQueue{
		capacity: capacity,
		items:    make([]wire.Profile, capacity),
		waitCh:   make(chan struct{}),
		stopCh:   make(chan struct{}),
	}
}

// Capacity returns the queue's fixed capacity.
func (q *FrameQueue) Capacity() int {
	return q.capacity
}

// Enqueue adds p to the queue. It never blocks: if the queue is at
// capacity, the oldest entry is overwritten and OverflowedSticky is set.
func (q *FrameQueue) Enqueue(p wire.Profile) {
	q.mu.Lock()
	if q.count == q.capacity {
		// Overwrite oldest: advance start, keep count at capacity.
		q.start = (q.start + 1) % q.capacity
		q.overflowedSticky = true
	} else {
		q.count++
	}
	idx := (q.start + q.count - 1) % q.capacity
	q.items[idx] = p

	if !q.hasData {
		q.firstSequence = p.Sequence
		q.hasData = true
	} else if q.count == q.capacity {
		// We just evicted the previous oldest; recompute FirstSequence from
		// the new oldest slot.
		q.firstSequence = q.items[q.start].Sequence
	}
	q.lastSequence = p.Sequence

	ch := q.waitCh
	q.waitCh = make(chan struct{})
	q.mu.Unlock()
	close(ch)
}

// popLocked removes and returns the oldest item. Caller must hold q.mu and
// have verified q.count > 0.
func (q *FrameQueue) popLocked() wire.Profile {
	p := q.items[q.start]
	q.items[q.start] = wire.Profile{}
	q.start = (q.start + 1) % q.capacity
	q.count--
	if q.count > 0 {
		q.firstSequence = q.items[q.start].Sequence
	} else {
		q.hasData = false
	}
	return p
}

// TryDequeue removes and returns the oldest item without blocking. ok is
// false if the queue was empty.
func (q *FrameQueue) TryDequeue() (p wire.Profile, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == 0 {
		return wire.Profile{}, false
	}
	return q.popLocked(), true
}

// Dequeue blocks until an item is available, ctx is cancelled, or the queue
// is stopped (via StopWaiters). It returns a *scanerr.Error of kind
// Cancelled or Stopped in those latter cases.
func (q *FrameQueue) Dequeue(ctx context.Context) (wire.Profile, error) {
	for {
		q.mu.Lock()
		if q.count > 0 {
			p := q.popLocked()
			q.mu.Unlock()
			return p, nil
		}
		wait := q.waitCh
		stop := q.stopCh
		q.mu.Unlock()

		select {
		case <-wait:
			// retry
		case <-stop:
			return wire.Profile{}, scanerr.New(scanerr.Stopped, "queue stopped while waiting to dequeue")
		case <-ctx.Done():
			return wire.Profile{}, scanerr.Wrap(scanerr.Cancelled, ctx.Err(), "dequeue cancelled")
		}
	}
}

// Peek returns the oldest item without removing it. ok is false if the
// queue is empty.
func (q *FrameQueue) Peek() (p wire.Profile, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == 0 {
		return wire.Profile{}, false
	}
	return q.items[q.start], true
}

// Clear empties the queue and resets OverflowedSticky and the sequence
// stats. Per §4.5/§8, OverflowedSticky is cleared only by Clear.
func (q *FrameQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.items {
		q.items[i] = wire.Profile{}
	}
	q.start = 0
	q.count = 0
	q.hasData = false
	q.firstSequence = 0
	q.lastSequence = 0
	q.overflowedSticky = false
}

// StopWaiters wakes every goroutine currently blocked in Dequeue with a
// Stopped error, and arms the queue so that, until Reopen is called, a
// future Dequeue call on an empty queue returns Stopped immediately instead
// of blocking; profiles already queued are still returned first.
// ScanSystem.StopScanning does not call it.
func (q *FrameQueue) StopWaiters() {
	q.mu.Lock()
	defer q.mu.Unlock()
	select {
	case <-q.stopCh:
		// already stopped
	default:
		close(q.stopCh)
	}
}

// Reopen clears the stopped state set by StopWaiters, so the queue can be
// reused across a subsequent StartScanning.
func (q *FrameQueue) Reopen() {
	q.mu.Lock()
	defer q.mu.Unlock()
	select {
	case <-q.stopCh:
		q.stopCh = make(chan struct{})
	default:
	}
}

// Stats is a snapshot of queue bookkeeping, per §4.5/§4.6.
type Stats struct {
	FirstSequence    uint32
	LastSequence     uint32
	Count            int
	Capacity         int
	OverflowedSticky bool
}

// Stats returns the queue's current bookkeeping snapshot.
func (q *FrameQueue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		FirstSequence:    q.firstSequence,
		LastSequence:     q.lastSequence,
		Count:            q.count,
		Capacity:         q.capacity,
		OverflowedSticky: q.overflowedSticky,
	}
}

// Len returns the current number of items in the queue.
func (q *FrameQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}
