// Package receiver owns the UDP socket for one scan head and turns arriving
// profile fragments into completed Profiles on the per-element queues (§4.4).
package receiver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/scanworks/pinchot/internal/monitoring"
	"github.com/scanworks/pinchot/internal/queue"
	"github.com/scanworks/pinchot/internal/wire"
)

// ElementKey identifies one (camera, laser) element of a head.
type ElementKey struct {
	Camera, Laser uint8
}

// Config configures one Receiver. Queues must be populated before Start is
// called, one per element this head will deliver profiles for.
type Config struct {
	Address string // UDP listen address, e.g. "0.0.0.0:12345"
	RcvBuf  int    // SO_RCVBUF size; zero leaves the OS default

	// AssemblyTimeout bounds how long a partial multi-fragment profile may
	// sit incomplete before being dropped (§4.1/§4.4).
	AssemblyTimeout time.Duration

	// LateWindow is the maximum amount a packet's sequence may trail the
	// element's current cursor before being dropped as a late-drop (§4.4,
	// default 64).
	LateWindow uint32

	Queues map[ElementKey]*queue.FrameQueue

	// EvictInterval controls how often stale reassembly slots are checked;
	// zero selects a one-second default.
	EvictInterval time.Duration
}

// Stats is a snapshot of receiver-side counters.
type Stats struct {
	PacketsReceived int64
	LateDrops       int64
	IncompleteDrops int64
	NonProfileDrops int64
}

// Receiver reads profile packets for one head from a single UDP socket,
// reassembles fragments, and enqueues completed Profiles onto the matching
// per-element queue. It never blocks on a full queue: FrameQueue.Enqueue
// itself evicts the oldest entry and sets OverflowedSticky (§4.4).
type Receiver struct {
	cfg    Config
	reasm  *wire.Reassembler
	cursor map[ElementKey]uint32
	conn   *net.UDPConn

	packetsReceived atomic.Int64
	lateDrops       atomic.Int64
	incompleteDrops atomic.Int64
	nonProfileDrops atomic.Int64
}

// New constructs a Receiver. Call Start to begin reading.
func New(cfg Config) *Receiver {
	if cfg.LateWindow == 0 {
		cfg.LateWindow = 64
	}
	if cfg.EvictInterval == 0 {
		cfg.EvictInterval = time.Second
	}
	return &Receiver{
		cfg:    cfg,
		reasm:  wire.NewReassembler(cfg.AssemblyTimeout),
		cursor: make(map[ElementKey]uint32),
	}
}

// Start opens the UDP socket and blocks processing datagrams until ctx is
// cancelled or a fatal socket error occurs. It follows the teacher's
// read-deadline poll pattern so that context cancellation is observed
// promptly without needing a second goroutine to interrupt the read.
func (r *Receiver) Start(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", r.cfg.Address)
	if err != nil {
		return fmt.Errorf("receiver: resolve %q: %w", r.cfg.Address, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("receiver: listen on %q: %w", r.cfg.Address, err)
	}
	r.conn = conn
	defer conn.Close()

	if r.cfg.RcvBuf > 0 {
		if err := conn.SetReadBuffer(r.cfg.RcvBuf); err != nil {
			monitoring.Logf("receiver: failed to set receive buffer to %d: %v", r.cfg.RcvBuf, err)
		}
	}

	go r.evictLoop(ctx)

	buf := make([]byte, 2048)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
			n, _, err := conn.ReadFromUDP(buf)
			if err != nil {
				if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
					continue
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if errors.Is(err, net.ErrClosed) {
					return fmt.Errorf("receiver: socket on %q closed: %w", r.cfg.Address, err)
				}
				monitoring.Logf("receiver: read error on %s: %v", r.cfg.Address, err)
				continue
			}
			r.handlePacket(buf[:n])
		}
	}
}

// Close releases the UDP socket. Safe to call even if Start never ran.
func (r *Receiver) Close() error {
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}

func (r *Receiver) handlePacket(packet []byte) {
	r.packetsReceived.Add(1)

	if !wire.IsProfilePacket(packet) {
		r.nonProfileDrops.Add(1)
		monitoring.Debugf("receiver: dropped non-profile packet (%d bytes)", len(packet))
		return
	}
	h, err := wire.DecodeHeader(packet)
	if err != nil {
		r.nonProfileDrops.Add(1)
		monitoring.Debugf("receiver: dropped packet with unparseable header: %v", err)
		return
	}
	key := ElementKey{Camera: h.Camera, Laser: h.Laser}

	if cur, ok := r.cursor[key]; ok {
		behindBy := wire.SeqDistance(cur, h.Sequence)
		if behindBy > 0 && uint32(behindBy) > r.cfg.LateWindow {
			r.lateDrops.Add(1)
			monitoring.Debugf("receiver: late-dropped camera=%d laser=%d seq=%d (behind by %d)", h.Camera, h.Laser, h.Sequence, behindBy)
			return
		}
	}

	payload, err := wire.Payload(packet, h)
	if err != nil {
		r.nonProfileDrops.Add(1)
		return
	}

	profile, complete, err := r.reasm.AddFragment(h, payload)
	if err != nil {
		monitoring.Logf("receiver: reassembly error for camera=%d laser=%d seq=%d: %v", h.Camera, h.Laser, h.Sequence, err)
		return
	}
	if !complete {
		return
	}

	r.cursor[key] = profile.Sequence
	q, ok := r.cfg.Queues[key]
	if !ok {
		return
	}
	q.Enqueue(profile)
}

func (r *Receiver) evictLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.EvictInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.reasm.EvictStale(); n > 0 {
				r.incompleteDrops.Add(int64(n))
				monitoring.Debugf("receiver: evicted %d stale incomplete profile(s)", n)
			}
		}
	}
}

// Stats returns a snapshot of the receiver's counters.
func (r *Receiver) Stats() Stats {
	return Stats{
		PacketsReceived: r.packetsReceived.Load(),
		LateDrops:       r.lateDrops.Load(),
		IncompleteDrops: r.incompleteDrops.Load(),
		NonProfileDrops: r.nonProfileDrops.Load(),
	}
}
