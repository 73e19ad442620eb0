// Package discovery implements the broadcast/solicit probe that enumerates
// reachable scan heads and ScanSync modules on the LAN (§4.2), in the shape
// of the teacher's internal/lidar/network.UDPListener: a config struct, a
// send-then-collect-until-quiet loop, and a Close-able socket.
package discovery

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scanworks/pinchot/internal/monitoring"
	"github.com/scanworks/pinchot/internal/scanerr"
	"github.com/scanworks/pinchot/internal/timeutil"
)

// ScanSyncFlags is a bit-exact re-export of the ScanSync announcement's
// on-wire status bitset (§3, §4.10).
type ScanSyncFlags uint32

// The bit positions are those of wire.EncoderFlags.
const (
	ScanSyncFaulted     ScanSyncFlags = 0xF    // FAULT_A..FAULT_Z (bits 0-3): an encoder fault is latched
	ScanSyncTermination ScanSyncFlags = 1 << 5 // TERMINATION_ENABLE: RS-422 termination resistor enabled
	ScanSyncIndexPulse  ScanSyncFlags = 1 << 6 // INDEX_Z: the encoder index channel has pulsed at least once
	ScanSyncSyncValid   ScanSyncFlags = 1 << 7 // SYNC: the module has a valid synchronization source
)

func (f ScanSyncFlags) Faulted() bool      { return f&ScanSyncFaulted != 0 }
func (f ScanSyncFlags) Terminated() bool   { return f&ScanSyncTermination != 0 }
func (f ScanSyncFlags) IndexPulsed() bool  { return f&ScanSyncIndexPulse != 0 }
func (f ScanSyncFlags) SyncValid() bool    { return f&ScanSyncSyncValid != 0 }

// ScanHeadRecord is one discovered scan head (§3's ScanSyncRecord sibling).
type ScanHeadRecord struct {
	Serial                                       uint32
	ProductType                                  string
	FirmwareMajor, FirmwareMinor, FirmwarePatch   uint32
	IP                                            net.IP
}

// ScanSyncRecord is one discovered ScanSync module. Firmware below 2.1.0
// does not report IP/version in its announcement, per §4.2; HasVersionInfo
// distinguishes that case so callers don't mistake zero values for real data.
type ScanSyncRecord struct {
	Serial                                     uint32
	HasVersionInfo                              bool
	FirmwareMajor, FirmwareMinor, FirmwarePatch uint32
	IP                                          net.IP
	Flags                                       ScanSyncFlags
}

// wire messages, gob-encoded the same way as internal/control/codec, since
// discovery is a low-volume control-plane exchange rather than the
// high-rate profile data path that internal/wire serves.
type solicitation struct {
	CorrelationID uuid.UUID
}

type scanHeadAnnouncement struct {
	CorrelationID                                uuid.UUID
	Serial                                        uint32
	ProductType                                   string
	FirmwareMajor, FirmwareMinor, FirmwarePatch    uint32
}

type scanSyncAnnouncement struct {
	CorrelationID                                uuid.UUID
	Serial                                        uint32
	HasVersionInfo                                bool
	FirmwareMajor, FirmwareMinor, FirmwarePatch   uint32
	Flags                                         uint32
}

func encode(v any) []byte {
	var buf bytes.Buffer
	// gob encoding of these small, fixed-shape structs cannot fail.
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		panic(fmt.Sprintf("discovery: encode %T: %v", v, err))
	}
	return buf.Bytes()
}

func decode(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

// Config governs one Discover call.
type Config struct {
	// ScanHeadBroadcastAddr is the broadcast address:port scan heads listen
	// for solicitations on, e.g. "255.255.255.255:30303".
	ScanHeadBroadcastAddr string
	// ScanSyncBroadcastAddr is the ScanSync modules' equivalent.
	ScanSyncBroadcastAddr string
	// QuietWindow is how long Discover waits after the last new responder
	// before concluding the LAN has been fully enumerated (§4.2 default:
	// 500ms).
	QuietWindow time.Duration
	// RcvBuf sizes the UDP socket receive buffer.
	RcvBuf int
	// Clock abstracts time for the quiet-window timer, so tests can inject
	// a timeutil.MockClock instead of sleeping in real time.
	Clock timeutil.Clock
}

func (c Config) withDefaults() Config {
	if c.QuietWindow <= 0 {
		c.QuietWindow = 500 * time.Millisecond
	}
	if c.RcvBuf <= 0 {
		c.RcvBuf = 65536
	}
	if c.Clock == nil {
		c.Clock = timeutil.RealClock{}
	}
	return c
}

// Result is the aggregate outcome of a Discover call.
type Result struct {
	ScanHeads []ScanHeadRecord
	ScanSyncs []ScanSyncRecord
}

// Discover sends independent solicitations on the scan-head and ScanSync
// broadcast addresses concurrently, each carrying its own correlation ID,
// and aggregates distinct responders (deduplicated by serial) until a
// quiet window elapses on both with no new responder. Discovery is
// idempotent and side-effect free (§4.2).
func Discover(ctx context.Context, cfg Config) (Result, error) {
	cfg = cfg.withDefaults()

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		result    Result
		firstErr  error
	)

	record := func(fn func()) {
		mu.Lock()
		defer mu.Unlock()
		fn()
	}

	if cfg.ScanHeadBroadcastAddr != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			heads, err := solicitScanHeads(ctx, cfg)
			record(func() {
				if err != nil && firstErr == nil {
					firstErr = err
				}
				result.ScanHeads = heads
			})
		}()
	}

	if cfg.ScanSyncBroadcastAddr != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			syncs, err := solicitScanSyncs(ctx, cfg)
			record(func() {
				if err != nil && firstErr == nil {
					firstErr = err
				}
				result.ScanSyncs = syncs
			})
		}()
	}

	wg.Wait()

	if firstErr != nil {
		return Result{}, scanerr.Wrap(scanerr.DiscoveryIncomplete, firstErr, "discovery: solicitation failed")
	}
	return result, nil
}

// scanHeadAggregator applies the dedup/new-responder rule independent of
// the network transport, so it can be driven directly by tests the way
// receiver.handlePacket is (§4.2: "deduplicated by (serial, correlation
// ID) rather than arrival order").
type scanHeadAggregator struct {
	seen  map[uint32]ScanHeadRecord
	dedup map[string]bool
}

func newScanHeadAggregator() *scanHeadAggregator {
	return &scanHeadAggregator{seen: make(map[uint32]ScanHeadRecord), dedup: make(map[string]bool)}
}

// handle decodes one datagram and folds it into the aggregate, returning
// whether it represents a previously-unseen serial (a "new responder",
// which resets the caller's quiet-window timer).
func (a *scanHeadAggregator) handle(data []byte) (isNew bool, err error) {
	var ann scanHeadAnnouncement
	if err := decode(data, &ann); err != nil {
		return false, err
	}
	key := fmt.Sprintf("%d:%s", ann.Serial, ann.CorrelationID)
	if a.dedup[key] {
		return false, nil
	}
	a.dedup[key] = true
	_, alreadyKnown := a.seen[ann.Serial]
	a.seen[ann.Serial] = ScanHeadRecord{
		Serial:        ann.Serial,
		ProductType:   ann.ProductType,
		FirmwareMajor: ann.FirmwareMajor,
		FirmwareMinor: ann.FirmwareMinor,
		FirmwarePatch: ann.FirmwarePatch,
	}
	return !alreadyKnown, nil
}

func (a *scanHeadAggregator) records() []ScanHeadRecord {
	out := make([]ScanHeadRecord, 0, len(a.seen))
	for _, r := range a.seen {
		out = append(out, r)
	}
	return out
}

// scanSyncAggregator mirrors scanHeadAggregator for ScanSync announcements.
type scanSyncAggregator struct {
	seen  map[uint32]ScanSyncRecord
	dedup map[string]bool
}

func newScanSyncAggregator() *scanSyncAggregator {
	return &scanSyncAggregator{seen: make(map[uint32]ScanSyncRecord), dedup: make(map[string]bool)}
}

func (a *scanSyncAggregator) handle(data []byte) (isNew bool, err error) {
	var ann scanSyncAnnouncement
	if err := decode(data, &ann); err != nil {
		return false, err
	}
	key := fmt.Sprintf("%d:%s", ann.Serial, ann.CorrelationID)
	if a.dedup[key] {
		return false, nil
	}
	a.dedup[key] = true
	_, alreadyKnown := a.seen[ann.Serial]
	a.seen[ann.Serial] = ScanSyncRecord{
		Serial:         ann.Serial,
		HasVersionInfo: ann.HasVersionInfo,
		FirmwareMajor:  ann.FirmwareMajor,
		FirmwareMinor:  ann.FirmwareMinor,
		FirmwarePatch:  ann.FirmwarePatch,
		Flags:          ScanSyncFlags(ann.Flags),
	}
	return !alreadyKnown, nil
}

func (a *scanSyncAggregator) records() []ScanSyncRecord {
	out := make([]ScanSyncRecord, 0, len(a.seen))
	for _, r := range a.seen {
		out = append(out, r)
	}
	return out
}

// solicitScanHeads broadcasts a solicitation on the scan-head port and
// aggregates distinct responses until cfg.QuietWindow elapses with no new
// responder.
func solicitScanHeads(ctx context.Context, cfg Config) ([]ScanHeadRecord, error) {
	conn, _, err := openAndSolicit(cfg.ScanHeadBroadcastAddr, cfg.RcvBuf)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	agg := newScanHeadAggregator()
	collect(ctx, conn, cfg.Clock, cfg.QuietWindow, func(data []byte) bool {
		isNew, err := agg.handle(data)
		if err != nil {
			monitoring.Logf("discovery: dropping malformed scan-head announcement: %v", err)
			return true // malformed packets never reset the quiet window
		}
		return !isNew
	})
	return agg.records(), nil
}

// solicitScanSyncs mirrors solicitScanHeads for the ScanSync broadcast
// address; firmware below 2.1.0 omits IP/version in its announcement
// (§4.2), surfaced via HasVersionInfo.
func solicitScanSyncs(ctx context.Context, cfg Config) ([]ScanSyncRecord, error) {
	conn, _, err := openAndSolicit(cfg.ScanSyncBroadcastAddr, cfg.RcvBuf)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	agg := newScanSyncAggregator()
	collect(ctx, conn, cfg.Clock, cfg.QuietWindow, func(data []byte) bool {
		isNew, err := agg.handle(data)
		if err != nil {
			monitoring.Logf("discovery: dropping malformed ScanSync announcement: %v", err)
			return true // malformed packets never reset the quiet window
		}
		return !isNew
	})
	return agg.records(), nil
}

// openAndSolicit resolves broadcastAddr, opens an ephemeral UDP socket,
// sends one solicitation tagged with a fresh correlation ID, and returns
// the socket for the caller to read responses from.
func openAndSolicit(broadcastAddr string, rcvBuf int) (*net.UDPConn, uuid.UUID, error) {
	addr, err := net.ResolveUDPAddr("udp4", broadcastAddr)
	if err != nil {
		return nil, uuid.UUID{}, fmt.Errorf("discovery: resolve %q: %w", broadcastAddr, err)
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: 0})
	if err != nil {
		return nil, uuid.UUID{}, fmt.Errorf("discovery: open socket: %w", err)
	}
	if err := conn.SetReadBuffer(rcvBuf); err != nil {
		monitoring.Logf("discovery: warning: failed to set read buffer to %d: %v", rcvBuf, err)
	}

	corrID := uuid.New()
	packet := encode(solicitation{CorrelationID: corrID})
	if _, err := conn.WriteToUDP(packet, addr); err != nil {
		conn.Close()
		return nil, uuid.UUID{}, fmt.Errorf("discovery: send solicitation to %q: %w", broadcastAddr, err)
	}

	return conn, corrID, nil
}

// collect reads datagrams from conn until ctx is cancelled or clock's
// quiet-window timer fires with no intervening new responder. onPacket
// decodes one datagram and returns true when it represents a response
// already seen (i.e. not a new responder), which does not reset the
// quiet-window timer.
func collect(ctx context.Context, conn *net.UDPConn, clock timeutil.Clock, quietWindow time.Duration, onPacket func([]byte) bool) {
	type readResult struct {
		data []byte
		err  error
	}
	reads := make(chan readResult, 8)
	done := make(chan struct{})
	defer close(done)

	go func() {
		buf := make([]byte, 2048)
		for {
			select {
			case <-done:
				return
			default:
			}
			conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
			n, _, err := conn.ReadFromUDP(buf)
			if err != nil {
				if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
					continue
				}
				select {
				case <-done:
				default:
					reads <- readResult{err: err}
				}
				return
			}
			cp := make([]byte, n)
			copy(cp, buf[:n])
			select {
			case reads <- readResult{data: cp}:
			case <-done:
				return
			}
		}
	}()

	timer := clock.NewTimer(quietWindow)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C():
			return
		case r := <-reads:
			if r.err != nil {
				return
			}
			alreadySeen := onPacket(r.data)
			if !alreadySeen {
				timer.Reset(quietWindow)
			}
		}
	}
}
