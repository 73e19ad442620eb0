package wire

import (
	"fmt"
	"time"
)

// slotKey identifies one in-flight profile's reassembly slot.
type slotKey struct {
	camera, laser uint8
	sequence      uint32
}

type slot struct {
	header      Header
	payload     []byte
	seen        []bool
	receivedAt  time.Time
	fragmentLen int
}

// Reassembler accumulates fragments of profile packets keyed by
// (camera, laser, sequence) and emits completed Profiles, per §4.4 and
// §4.1's fragment-completion rule.
type Reassembler struct {
	slots           map[slotKey]*slot
	assemblyTimeout time.Duration
	now             func() time.Time

	// IncompleteDrops counts slots evicted before all fragments arrived.
	IncompleteDrops int
}

// NewReassembler creates a Reassembler with the given profile assembly
// timeout (§4.1). A zero timeout disables time-based eviction (EvictStale
// becomes a no-op), which is useful for deterministic tests.
func NewReassembler(assemblyTimeout time.Duration) *Reassembler {
	return &Reassembler{
		slots:           make(map[slotKey]*slot),
		assemblyTimeout: assemblyTimeout,
		now:             time.Now,
	}
}

// AddFragment ingests one packet's header and payload fragment. It returns
// the completed Profile and true once every declared fragment for that
// (camera, laser, sequence) has arrived; otherwise it returns (Profile{},
// false) and the fragment is held pending the rest.
func (r *Reassembler) AddFragment(h Header, payload []byte) (Profile, bool, error) {
	if h.FragmentCount == 0 {
		return Profile{}, false, fmt.Errorf("wire: fragment count is zero")
	}
	if h.FragmentIndex >= h.FragmentCount {
		return Profile{}, false, fmt.Errorf("wire: fragment index %d out of range [0,%d)", h.FragmentIndex, h.FragmentCount)
	}

	key := slotKey{camera: h.Camera, laser: h.Laser, sequence: h.Sequence}
	s, ok := r.slots[key]
	if !ok {
		s = &slot{
			header: h,
			seen:   make([]bool, h.FragmentCount),
		}
		r.slots[key] = s
	}
	s.receivedAt = r.now()

	if h.FragmentCount == 1 {
		s.payload = payload
	} else {
		if s.payload == nil {
			s.fragmentLen = len(payload)
			s.payload = make([]byte, s.fragmentLen*int(h.FragmentCount))
		}
		off := int(h.FragmentIndex) * s.fragmentLen
		copy(s.payload[off:], payload)
	}
	s.seen[h.FragmentIndex] = true

	for _, got := range s.seen {
		if !got {
			return Profile{}, false, nil
		}
	}

	delete(r.slots, key)
	points, err := DecodePoints(s.payload, h.DataTypes)
	if err != nil {
		return Profile{}, false, fmt.Errorf("wire: decoding completed profile: %w", err)
	}
	profile := ProfileFromHeader(h)
	profile.Points = points
	return profile, true, nil
}

// EvictStale removes reassembly slots older than the configured assembly
// timeout, incrementing IncompleteDrops for each. Returns the number
// evicted. A zero assemblyTimeout disables eviction.
func (r *Reassembler) EvictStale() int {
	if r.assemblyTimeout <= 0 {
		return 0
	}
	now := r.now()
	evicted := 0
	for key, s := range r.slots {
		if now.Sub(s.receivedAt) > r.assemblyTimeout {
			delete(r.slots, key)
			r.IncompleteDrops++
			evicted++
		}
	}
	return evicted
}

// Pending returns the number of reassembly slots currently awaiting more
// fragments.
func (r *Reassembler) Pending() int {
	return len(r.slots)
}
