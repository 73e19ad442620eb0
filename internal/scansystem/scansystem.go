// Package scansystem implements the orchestrator that fans Connect/Start/
// Stop across a fleet of scan heads with shared deadlines and aggregates
// partial failures (§4.9). It also owns the optional debug HTTP mux and
// calibration-cache handle, both lazily initialised and no-ops by default,
// grounded on the teacher's internal/serialmux.AttachAdminRoutes /
// internal/db.AttachAdminRoutes pattern.
package scansystem

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"tailscale.com/tsweb"

	"github.com/scanworks/pinchot/internal/control"
	"github.com/scanworks/pinchot/internal/frameassembler"
	"github.com/scanworks/pinchot/internal/monitoring"
	"github.com/scanworks/pinchot/internal/phase"
	"github.com/scanworks/pinchot/internal/queue"
	"github.com/scanworks/pinchot/internal/receiver"
	"github.com/scanworks/pinchot/internal/scanerr"
	"github.com/scanworks/pinchot/internal/scanhead"
	"github.com/scanworks/pinchot/internal/timeutil"
	"github.com/scanworks/pinchot/internal/units"
	"github.com/scanworks/pinchot/internal/wire"
)

// CalibrationCache is the narrow interface of the optional per-head
// calibration cache a ScanSystem can hold, implemented concretely by
// internal/calibration's sqlite-backed store. No ScanSystem method or
// debug-mux route reads from it.
type CalibrationCache interface {
	Get(serial uint32) (json.RawMessage, bool)
}

// ScanSystem owns a fleet of scan heads and their control-channel clients,
// the active phase table, and the per-element queues/frame assembler built
// from it (§3's ownership rule: "the scan system exclusively owns its scan
// heads").
type ScanSystem struct {
	mu sync.Mutex

	unit  units.Unit
	heads map[uint32]*headEntry
	order []uint32 // insertion order, so fan-out and rollback are deterministic

	phaseTable phase.Table
	assembler  *frameassembler.Assembler

	calibration CalibrationCache
	clock       timeutil.Clock
}

type headEntry struct {
	scanHead *scanhead.ScanHead
	client   *control.Client
	queues   map[frameassembler.ElementKey]*queue.FrameQueue
}

// New constructs an empty ScanSystem reporting coordinates in unit (§6:
// "units are selectable once per system").
func New(unit units.Unit) *ScanSystem {
	return &ScanSystem{unit: unit, heads: make(map[uint32]*headEntry), clock: timeutil.RealClock{}}
}

// SetClock overrides the clock used to timestamp the status samples Connect
// and PollStatus record, mirroring internal/discovery's injectable Clock so
// rate-statistics tests don't depend on real wall-clock timing. Passing nil
// reverts to the real clock.
func (s *ScanSystem) SetClock(c timeutil.Clock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c == nil {
		c = timeutil.RealClock{}
	}
	s.clock = c
}

// Unit returns the system-wide selected length unit.
func (s *ScanSystem) Unit() units.Unit { return s.unit }

// AddScanHead registers a head and its control-channel client with the
// system, along with the per-element queues the receiver will feed.
func (s *ScanSystem) AddScanHead(h *scanhead.ScanHead, client *control.Client, queues map[frameassembler.ElementKey]*queue.FrameQueue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	serial := h.Serial()
	if _, exists := s.heads[serial]; !exists {
		s.order = append(s.order, serial)
	}
	s.heads[serial] = &headEntry{scanHead: h, client: client, queues: queues}
}

// ReceiverElement names one (camera, laser) element of a head that a live
// receiver.Receiver should reassemble profiles for, and the queue capacity
// to back it with (§4.4, §4.5).
type ReceiverElement struct {
	Camera, Laser uint8
	QueueCapacity int
}

// AddScanHeadWithReceiver registers h and client, builds one bounded
// FrameQueue per named element, and starts a live receiver.Receiver on
// listenAddr feeding those same queues, registering them with the system so
// the frame assembler and TryTakeNextProfile/TakeNextProfile can consume
// them (§4.4). The receiver runs until ctx is cancelled; the caller owns
// ctx's lifetime. The returned *receiver.Receiver exposes Stats for
// diagnostics and Close to release the socket early.
func (s *ScanSystem) AddScanHeadWithReceiver(ctx context.Context, h *scanhead.ScanHead, client *control.Client, listenAddr string, elements []ReceiverElement, assemblyTimeout time.Duration) *receiver.Receiver {
	queues := make(map[frameassembler.ElementKey]*queue.FrameQueue, len(elements))
	recvQueues := make(map[receiver.ElementKey]*queue.FrameQueue, len(elements))
	for _, el := range elements {
		capacity := el.QueueCapacity
		if capacity <= 0 {
			capacity = 64
		}
		q := queue.New(capacity)
		key := frameassembler.ElementKey{Camera: el.Camera, Laser: el.Laser}
		queues[key] = q
		recvQueues[receiver.ElementKey{Camera: el.Camera, Laser: el.Laser}] = q
	}

	r := receiver.New(receiver.Config{
		Address:         listenAddr,
		AssemblyTimeout: assemblyTimeout,
		Queues:          recvQueues,
	})

	serial := h.Serial()
	go func() {
		if err := r.Start(ctx); err != nil && ctx.Err() == nil {
			monitoring.Logf("scansystem: receiver for head %d stopped: %v", serial, err)
		}
	}()

	s.AddScanHead(h, client, queues)
	return r
}

// orderedEntries returns the registered heads in insertion order. Callers
// must hold s.mu or treat the result as a point-in-time snapshot.
func (s *ScanSystem) orderedEntries() []*headEntry {
	entries := make([]*headEntry, 0, len(s.order))
	for _, serial := range s.order {
		if e, ok := s.heads[serial]; ok {
			entries = append(entries, e)
		}
	}
	return entries
}

// SetCalibrationCache stores an optional calibration cache on the system;
// it is not exposed via the debug mux. Passing nil clears it.
func (s *ScanSystem) SetCalibrationCache(c CalibrationCache) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calibration = c
}

// NextFrame dequeues the next sequence-aligned Frame from the active phase
// table's assembler. The second return value is false if no phase table has
// been set yet (§6's IFrame surface reads through this accessor).
func (s *ScanSystem) NextFrame() (frameassembler.Frame, bool) {
	s.mu.Lock()
	assembler := s.assembler
	s.mu.Unlock()
	if assembler == nil {
		return frameassembler.Frame{}, false
	}
	return assembler.Dequeue(), true
}

// TakeFrame blocks until the active phase table's assembler can produce a
// complete sequence-aligned Frame, ctx is cancelled, or returns a
// *scanerr.Error of kind Cancelled (§5: "TakeFrame blocks on the slowest
// queue via the frame assembler... accepts a timeout and a cancellation
// token"; §8 scenario 6).
func (s *ScanSystem) TakeFrame(ctx context.Context) (frameassembler.Frame, error) {
	s.mu.Lock()
	assembler := s.assembler
	s.mu.Unlock()
	if assembler == nil {
		return frameassembler.Frame{}, scanerr.New(scanerr.InvalidState, "TakeFrame requires a phase table to be set first")
	}
	return assembler.DequeueWait(ctx)
}

// queueFor locates the per-element queue for (serial, camera, laser),
// enforcing that the head is registered and currently in a state where
// direct profile consumption is legal (§4.8's Scanning/IdleScanning rows).
func (s *ScanSystem) queueFor(op string, serial uint32, camera, laser uint8) (*queue.FrameQueue, error) {
	s.mu.Lock()
	e, ok := s.heads[serial]
	s.mu.Unlock()
	if !ok {
		return nil, scanerr.New(scanerr.InvalidArgument, "%s: no such head %d", op, serial)
	}
	if st := e.scanHead.State(); st != scanhead.Scanning && st != scanhead.IdleScanning {
		return nil, scanerr.New(scanerr.InvalidState, "%s is not legal in state %s", op, st)
	}
	q, ok := e.queues[frameassembler.ElementKey{Camera: camera, Laser: laser}]
	if !ok {
		return nil, scanerr.New(scanerr.InvalidArgument, "%s: head %d has no queue for camera=%d laser=%d", op, serial, camera, laser)
	}
	return q, nil
}

// TryTakeNextProfile returns the oldest queued profile for one (camera,
// laser) element of a head without blocking (§1, §2, §4.8's profile-mode
// consumption path). ok is false if the queue was empty.
func (s *ScanSystem) TryTakeNextProfile(serial uint32, camera, laser uint8) (wire.Profile, bool, error) {
	q, err := s.queueFor("TryTakeNextProfile", serial, camera, laser)
	if err != nil {
		return wire.Profile{}, false, err
	}
	p, ok := q.TryDequeue()
	return p, ok, nil
}

// TakeNextProfile blocks until a profile is available for one (camera,
// laser) element of a head, ctx is cancelled, or the element's queue is
// stopped (§1, §2, §4.8's profile-mode consumption path).
func (s *ScanSystem) TakeNextProfile(ctx context.Context, serial uint32, camera, laser uint8) (wire.Profile, error) {
	q, err := s.queueFor("TakeNextProfile", serial, camera, laser)
	if err != nil {
		return wire.Profile{}, err
	}
	return q.Dequeue(ctx)
}

// connectResult is one head's outcome from a fan-out Connect/Start/Stop call.
type connectResult struct {
	serial uint32
	err    error
}

// Connect issues parallel connect attempts to every registered head,
// bounded by ctx, and returns the serials of heads that failed (§4.9).
func (s *ScanSystem) Connect(ctx context.Context) ([]uint32, error) {
	s.mu.Lock()
	entries := s.orderedEntries()
	clock := s.clock
	s.mu.Unlock()

	results := fanOut(ctx, entries, func(ctx context.Context, e *headEntry) error {
		resp, err := e.client.GetStatus(ctx)
		if err != nil {
			return err
		}
		e.scanHead.RecordStatusSample(*resp, clock.Now())
		return e.scanHead.MarkConnected()
	})

	var failed []uint32
	for _, r := range results {
		if r.err != nil {
			monitoring.Logf("scansystem: connect failed for head %d: %v", r.serial, r.err)
			failed = append(failed, r.serial)
		}
	}
	if len(failed) > 0 {
		return failed, scanerr.New(scanerr.PartialStart, "connect failed for %d of %d heads", len(failed), len(entries))
	}
	return nil, nil
}

// PollStatus issues a GetStatus RPC to every registered head and records the
// response into that head's recent-rate history (§7), for a caller that
// wants to refresh RequestStatus's mean/variance rates on its own schedule
// rather than relying solely on the one sample taken at Connect time.
func (s *ScanSystem) PollStatus(ctx context.Context) {
	s.mu.Lock()
	entries := s.orderedEntries()
	clock := s.clock
	s.mu.Unlock()

	fanOut(ctx, entries, func(ctx context.Context, e *headEntry) error {
		resp, err := e.client.GetStatus(ctx)
		if err != nil {
			return err
		}
		e.scanHead.RecordStatusSample(*resp, clock.Now())
		return nil
	})
}

// Status returns the named head's current RequestStatus snapshot.
func (s *ScanSystem) Status(serial uint32) (scanhead.Status, bool) {
	s.mu.Lock()
	e, ok := s.heads[serial]
	s.mu.Unlock()
	if !ok {
		return scanhead.Status{}, false
	}
	return e.scanHead.RequestStatus(), true
}

// SetPhaseTable validates t against the set of currently Connected heads and
// installs it, rebuilding the frame assembler over the phase table's
// element order (§4.7, §4.9 "Every element referenced must belong to a
// connected head").
func (s *ScanSystem) SetPhaseTable(t phase.Table) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	connected := make(map[uint32]bool, len(s.heads))
	for serial, e := range s.heads {
		if e.scanHead.State() != scanhead.Disconnected {
			connected[serial] = true
		}
	}
	if err := t.Validate(connected); err != nil {
		return err
	}

	order := make([]frameassembler.ElementKey, 0, len(t.Elements()))
	queues := make(map[frameassembler.ElementKey]*queue.FrameQueue)
	for _, el := range t.Elements() {
		key := frameassembler.ElementKey{Camera: el.Camera, Laser: el.Laser}
		order = append(order, key)
		if e, ok := s.heads[el.HeadID]; ok {
			if q, ok := e.queues[key]; ok {
				queues[key] = q
			}
		}
	}

	s.phaseTable = t
	s.assembler = frameassembler.New(order, queues)
	return nil
}

// uploadDirty pushes every facet e's head currently reports dirty over the
// control channel and, once all uploads succeed, drains the bitset (§4.8:
// "a pre-scan upload drains all dirty flags atomically before StartScanning
// proceeds"; §8: "Dirty flags after a successful pre-scan upload are all
// Clean"). A facet with nothing dirty is skipped entirely.
func (s *ScanSystem) uploadDirty(ctx context.Context, e *headEntry) error {
	dirty := e.scanHead.Dirty()
	if dirty == 0 {
		return nil
	}

	if dirty&scanhead.DirtyConfiguration != 0 {
		snap := configurationSnapshot(e.scanHead.Configuration(), dirty)
		if _, err := e.client.ApplyConfiguration(ctx, snap); err != nil {
			return err
		}
	}
	if dirty&scanhead.DirtyWindow != 0 {
		if _, err := e.client.SetWindow(ctx, windowSnapshot(e.scanHead.Window())); err != nil {
			return err
		}
	}
	if dirty&scanhead.DirtyExclusionMask != 0 {
		camera, mask := e.scanHead.ExclusionMask()
		if _, err := e.client.SetExclusionMask(ctx, control.SetExclusionMaskRequest{Camera: camera, Mask: mask}); err != nil {
			return err
		}
	}
	if dirty&scanhead.DirtyBrightnessCorrection != 0 {
		camera, table := e.scanHead.BrightnessCorrection()
		if _, err := e.client.SetBrightnessCorrection(ctx, control.SetBrightnessCorrectionRequest{Camera: camera, Table: table}); err != nil {
			return err
		}
	}

	e.scanHead.DrainDirty()
	return nil
}

// configurationSnapshot converts a scanhead.Configuration plus its dirty
// mask into the wire form ApplyConfiguration uploads (§3, §4.3).
func configurationSnapshot(c scanhead.Configuration, dirty scanhead.DirtyFlag) control.ConfigurationSnapshot {
	return control.ConfigurationSnapshot{
		LaserOnMinUS:            int32(c.LaserOnMinUS),
		LaserOnDefaultUS:        int32(c.LaserOnDefaultUS),
		LaserOnMaxUS:            int32(c.LaserOnMaxUS),
		CameraExposureMinUS:     int32(c.CameraExposureMinUS),
		CameraExposureDefaultUS: int32(c.CameraExposureDefaultUS),
		CameraExposureMaxUS:     int32(c.CameraExposureMaxUS),
		DetectionThreshold:      int32(c.DetectionThreshold),
		SaturationThreshold:     int32(c.SaturationThreshold),
		SaturatedPercentLimit:   c.SaturatedPercentLimit,
		ScanPhaseOffsetUS:       int32(c.ScanPhaseOffsetUS),
		DirtyMask:               uint32(dirty),
	}
}

// windowSnapshot converts a scanhead.Window into the wire form SetWindow
// uploads (§3, §4.3).
func windowSnapshot(w scanhead.Window) control.WindowSnapshot {
	snap := control.WindowSnapshot{
		Type:   control.WindowType(w.Type),
		Top:    w.Top,
		Bottom: w.Bottom,
		Left:   w.Left,
		Right:  w.Right,
	}
	if len(w.Vertices) > 0 {
		snap.VertexX = make([]float64, len(w.Vertices))
		snap.VertexY = make([]float64, len(w.Vertices))
		for i, v := range w.Vertices {
			snap.VertexX[i] = v.X
			snap.VertexY[i] = v.Y
		}
	}
	return snap
}

// StartScanning fans StartScanning out to every connected head with a
// shared deadline via ctx. Each head's dirty facets are uploaded and
// drained immediately before its StartScanning RPC (§4.8). If any head
// fails, already-started heads are stopped and the call returns
// *scanerr.PartialStart (§4.9).
func (s *ScanSystem) StartScanning(ctx context.Context, req control.StartScanningRequest) error {
	s.mu.Lock()
	entries := s.orderedEntries()
	assembler := s.assembler
	s.mu.Unlock()

	started := make([]*headEntry, 0, len(entries))
	var failErr error

	for _, e := range entries {
		if err := s.uploadDirty(ctx, e); err != nil {
			failErr = err
			break
		}
		if _, err := e.client.StartScanning(ctx, req); err != nil {
			failErr = err
			break
		}
		if err := e.scanHead.StartScanning(); err != nil {
			failErr = err
			break
		}
		started = append(started, e)
	}

	if failErr != nil {
		for _, e := range started {
			stopCtx, cancel := context.WithCancel(context.Background())
			_, _ = e.client.StopScanning(stopCtx)
			_ = e.scanHead.StopScanning()
			cancel()
		}
		return scanerr.Wrap(scanerr.PartialStart, failErr, "StartScanning failed after %d of %d heads started", len(started), len(entries))
	}

	if assembler != nil {
		assembler.Start()
	}
	return nil
}

// StopScanning fans StopScanning out to every head with a shared deadline.
// It is best-effort: per-head failures are logged but do not abort the
// fan-out, and the call always completes (§4.9). It does not stop the heads'
// queues, so a TakeNextProfile or TakeFrame call blocked at that moment
// keeps waiting until its own ctx ends.
func (s *ScanSystem) StopScanning(ctx context.Context) error {
	s.mu.Lock()
	entries := s.orderedEntries()
	s.mu.Unlock()

	results := fanOut(ctx, entries, func(ctx context.Context, e *headEntry) error {
		if _, err := e.client.StopScanning(ctx); err != nil {
			return err
		}
		return e.scanHead.StopScanning()
	})
	for _, r := range results {
		if r.err != nil {
			monitoring.Logf("scansystem: stop failed for head %d: %v", r.serial, r.err)
		}
	}
	return nil
}

// Disconnect moves every head back to Disconnected, best-effort, always
// completing (§4.9). It does not close the heads' control-channel clients.
func (s *ScanSystem) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	entries := s.orderedEntries()
	s.mu.Unlock()

	for _, e := range entries {
		if err := e.scanHead.Disconnect(); err != nil {
			monitoring.Logf("scansystem: disconnect failed for head %d: %v", e.scanHead.Serial(), err)
		}
	}
	return nil
}

// fanOut runs fn over every entry concurrently and collects each result,
// mirroring the Connect/Start/Stop "parallel attempts with a shared
// deadline" requirement of §4.9.
func fanOut(ctx context.Context, entries []*headEntry, fn func(context.Context, *headEntry) error) []connectResult {
	results := make([]connectResult, len(entries))
	var wg sync.WaitGroup
	for i, e := range entries {
		wg.Add(1)
		go func(i int, e *headEntry) {
			defer wg.Done()
			results[i] = connectResult{serial: e.scanHead.Serial(), err: fn(ctx, e)}
		}(i, e)
	}
	wg.Wait()
	return results
}

// AttachAdminRoutes mounts /debug/scansystem/queues and
// /debug/scansystem/phasetable, grounded on the teacher's
// serialmux.AttachAdminRoutes / db.AttachAdminRoutes pattern of gating
// debug endpoints behind tsweb.Debugger.
func (s *ScanSystem) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.Handle("scansystem/queues", "Per-element frame queue depth and overflow state (JSON)", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		var stats frameassembler.Stats
		if s.assembler != nil {
			stats = s.assembler.Stats()
		}
		s.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(stats); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}))

	debug.Handle("scansystem/phasetable", "The currently active phase table (JSON)", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		t := s.phaseTable
		s.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(t); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}))

	debug.Handle("scansystem/status", "Per-head RequestStatus snapshots, including recent profile/drop rate statistics (JSON)", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		entries := s.orderedEntries()
		s.mu.Unlock()

		statuses := make(map[uint32]scanhead.Status, len(entries))
		for _, e := range entries {
			statuses[e.scanHead.Serial()] = e.scanHead.RequestStatus()
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(statuses); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}))
}
