// Package frameassembler aligns profiles from each active element's queue
// by sequence number into Frames (§4.6), grounded on the teacher's
// mutex-guarded FrameBuilder shape but driven by strict sequence alignment
// rather than azimuth-wrap rotation detection.
package frameassembler

import (
	"context"
	"sync"
	"time"

	"github.com/scanworks/pinchot/internal/queue"
	"github.com/scanworks/pinchot/internal/scanerr"
	"github.com/scanworks/pinchot/internal/wire"
)

// waitPollInterval bounds how promptly DequeueWait notices a newly queued
// profile or a cancelled context, mirroring the teacher's receiver.go
// read-deadline poll loop rather than a dynamic select across every tracked
// queue.
const waitPollInterval = 2 * time.Millisecond

// ElementKey identifies one (camera, laser) element contributing to frames.
type ElementKey struct {
	Camera, Laser uint8
}

// Frame is one sequence-aligned set of per-element profiles. A nil entry in
// Slots means that element had no profile for this sequence (§4.6); IsComplete
// is false whenever any slot is nil.
type Frame struct {
	Sequence   uint32
	Slots      map[ElementKey]*wire.Profile
	IsComplete bool
}

// Stats summarises assembler bookkeeping across all tracked queues, per
// §4.6's "min/max queue size, min/max head sequence, aggregate
// OverflowedSticky" requirement.
type Stats struct {
	MinQueueSize            int
	MaxQueueSize            int
	MinHeadSequence         uint32
	MaxHeadSequence         uint32
	AggregateOverflowSticky bool
}

// Assembler maintains the shared currentSequence cursor (§4.6) across a
// fixed, ordered set of element queues and emits Frames on demand.
type Assembler struct {
	mu      sync.Mutex
	order   []ElementKey
	queues  map[ElementKey]*queue.FrameQueue
	current uint32
	started bool
}

// New constructs an Assembler over the given elements, in the fixed order
// the phase table dictates (§4.6). All queues must already exist.
func New(order []ElementKey, queues map[ElementKey]*queue.FrameQueue) *Assembler {
	ordered := make([]ElementKey, len(order))
	copy(ordered, order)
	return &Assembler{
		order:  ordered,
		queues: queues,
	}
}

// Start initialises currentSequence to the smallest FirstSequence across all
// tracked queues, per §4.6. Call once at StartScanning after the first
// profiles have begun arriving, or lazily on the first Dequeue call if not
// called explicitly.
func (a *Assembler) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.initCursorLocked()
}

func (a *Assembler) initCursorLocked() {
	if a.started {
		return
	}
	min := uint32(0)
	have := false
	for _, key := range a.order {
		q, ok := a.queues[key]
		if !ok {
			continue
		}
		stats := q.Stats()
		if stats.Count == 0 {
			continue
		}
		if !have || stats.FirstSequence < min {
			min = stats.FirstSequence
			have = true
		}
	}
	a.current = min
	a.started = true
}

// Dequeue assembles and returns the next Frame at the current cursor
// position, then advances the cursor by one, per §4.6's fill algorithm. It
// never blocks: a slot whose queue has nothing ready yet is left nil and
// IsComplete is false.
func (a *Assembler) Dequeue() Frame {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dequeueLocked()
}

// DequeueWait blocks until a complete Frame can be assembled at the current
// cursor or ctx is cancelled. It does not observe StopWaiters on the tracked
// queues; only ctx ends the wait early (§5:
// "TakeFrame blocks on the slowest queue via the frame assembler... All
// blocking operations accept a timeout and a cancellation token"; §8
// scenario 6: a cancelled token returns Cancelled and the next call
// succeeds once data catches up). Unlike Dequeue, the cursor only advances
// once every slot is actually filled.
func (a *Assembler) DequeueWait(ctx context.Context) (Frame, error) {
	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()
	for {
		if err := ctx.Err(); err != nil {
			return Frame{}, scanerr.Wrap(scanerr.Cancelled, err, "dequeue wait cancelled")
		}
		if a.peekComplete() {
			a.mu.Lock()
			frame := a.dequeueLocked()
			a.mu.Unlock()
			return frame, nil
		}
		select {
		case <-ctx.Done():
			return Frame{}, scanerr.Wrap(scanerr.Cancelled, ctx.Err(), "dequeue wait cancelled")
		case <-ticker.C:
		}
	}
}

// peekComplete reports whether every tracked queue currently holds an item
// at the cursor, opportunistically discarding now-stale entries behind it
// along the way. It never blocks and never advances the cursor.
func (a *Assembler) peekComplete() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.initCursorLocked()

	seq := a.current
	for _, key := range a.order {
		q, ok := a.queues[key]
		if !ok {
			return false
		}
		for {
			head, ok := q.Peek()
			if !ok {
				return false
			}
			if wire.SeqLess(head.Sequence, seq) {
				q.TryDequeue()
				continue
			}
			if head.Sequence != seq {
				return false
			}
			break
		}
	}
	return true
}

// dequeueLocked is Dequeue's body, shared with DequeueWait once it has
// confirmed a frame is ready. Callers must hold a.mu.
func (a *Assembler) dequeueLocked() Frame {
	a.initCursorLocked()

	seq := a.current
	frame := Frame{
		Sequence:   seq,
		Slots:      make(map[ElementKey]*wire.Profile, len(a.order)),
		IsComplete: true,
	}

	for _, key := range a.order {
		q, ok := a.queues[key]
		if !ok {
			frame.Slots[key] = nil
			frame.IsComplete = false
			continue
		}

		head, ok := q.Peek()
		if !ok {
			frame.Slots[key] = nil
			frame.IsComplete = false
			continue
		}
		if wire.SeqGreater(head.Sequence, seq) {
			frame.Slots[key] = nil
			frame.IsComplete = false
			continue
		}

		var filled *wire.Profile
		for {
			peeked, ok := q.Peek()
			if !ok {
				frame.IsComplete = false
				break
			}
			if wire.SeqLess(peeked.Sequence, seq) {
				q.TryDequeue() // discard stale entry
				continue
			}
			if peeked.Sequence == seq {
				p, _ := q.TryDequeue()
				filled = &p
			} else {
				// peeked.Sequence > seq: a gap in this element's sequence
				// skipped over currentSequence entirely. Leave it in place
				// for the next frame rather than discarding it.
				frame.IsComplete = false
			}
			break
		}
		frame.Slots[key] = filled
		if filled == nil {
			frame.IsComplete = false
		}
	}

	a.current++
	return frame
}

// Stats returns the current min/max queue size, min/max head sequence, and
// aggregate OverflowedSticky across all tracked element queues (§4.6).
func (a *Assembler) Stats() Stats {
	a.mu.Lock()
	order := append([]ElementKey(nil), a.order...)
	queues := a.queues
	a.mu.Unlock()

	var s Stats
	first := true
	for _, key := range order {
		q, ok := queues[key]
		if !ok {
			continue
		}
		st := q.Stats()
		if first {
			s.MinQueueSize, s.MaxQueueSize = st.Count, st.Count
			s.MinHeadSequence, s.MaxHeadSequence = st.FirstSequence, st.FirstSequence
			first = false
		} else {
			if st.Count < s.MinQueueSize {
				s.MinQueueSize = st.Count
			}
			if st.Count > s.MaxQueueSize {
				s.MaxQueueSize = st.Count
			}
			if st.FirstSequence < s.MinHeadSequence {
				s.MinHeadSequence = st.FirstSequence
			}
			if st.FirstSequence > s.MaxHeadSequence {
				s.MaxHeadSequence = st.FirstSequence
			}
		}
		s.AggregateOverflowSticky = s.AggregateOverflowSticky || st.OverflowedSticky
	}
	return s
}

// CurrentSequence returns the assembler's current cursor value.
func (a *Assembler) CurrentSequence() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.initCursorLocked()
	return a.current
}
