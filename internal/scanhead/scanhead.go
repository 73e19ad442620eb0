// Package scanhead models one ScanHead's state machine, configuration, and
// dirty-flag bookkeeping (§4.8), in the shape of the teacher's
// mutex-guarded device handle (internal/serialmux.SerialMux).
package scanhead

import (
	"math"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/scanworks/pinchot/internal/control"
	"github.com/scanworks/pinchot/internal/scanerr"
	"github.com/scanworks/pinchot/internal/units"
)

// rateSampleWindow bounds how many recent GetStatus samples feed the
// mean/variance computed by RequestStatus (§7's "recent per-cycle profile
// rates").
const rateSampleWindow = 32

// State is one of the scan head's lifecycle states (§4.8).
type State int

const (
	Disconnected State = iota
	Connected
	Scanning
	IdleScanning
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connected:
		return "Connected"
	case Scanning:
		return "Scanning"
	case IdleScanning:
		return "IdleScanning"
	default:
		return "Unknown"
	}
}

// DirtyFlag identifies one local change category not yet pushed to the head
// (§4.8, §9 "Dirty-flag bitset").
type DirtyFlag int

const (
	DirtyWindow DirtyFlag = 1 << iota
	DirtyConfiguration
	DirtyExclusionMask
	DirtyBrightnessCorrection
)

// WindowType enumerates the ScanWindow shapes (§3).
type WindowType int

const (
	WindowUnconstrained WindowType = iota
	WindowRectangular
	WindowPolygonal
)

// Point2D is a window vertex in world units.
type Point2D struct {
	X, Y float64
}

// Window describes a ScanWindow (§3): rectangular windows must satisfy
// Top > Bottom and Right > Left; polygonal windows must be non-self-
// intersecting (validated by the caller's geometry collaborator, out of
// scope per §1).
type Window struct {
	Type                   WindowType
	Top, Bottom            float64
	Left, Right            float64
	Vertices               []Point2D
}

// Validate checks the rectangular-window invariant from §3. Polygon
// self-intersection is a geometry-helper concern explicitly out of scope
// (§1) and is not re-implemented here.
func (w Window) Validate() error {
	if w.Type == WindowRectangular {
		if !(w.Top > w.Bottom) || !(w.Right > w.Left) {
			return scanerr.New(scanerr.InvalidArgument, "rectangular window requires top>bottom and right>left, got top=%v bottom=%v left=%v right=%v", w.Top, w.Bottom, w.Left, w.Right)
		}
	}
	return nil
}

// Configuration mirrors ScanHeadConfiguration (§3).
type Configuration struct {
	LaserOnMinUS, LaserOnDefaultUS, LaserOnMaxUS       int
	CameraExposureMinUS, CameraExposureDefaultUS, CameraExposureMaxUS int
	DetectionThreshold                                 int
	SaturationThreshold                                int
	SaturatedPercentLimit                               float64
	ScanPhaseOffsetUS                                   int
}

// Validate enforces min ≤ default ≤ max and non-negativity (§3). Bounding
// against head capabilities (from GetCapabilities) is the caller's
// responsibility since capabilities are per-head and fetched over the
// control channel.
func (c Configuration) Validate() error {
	if c.LaserOnMinUS < 0 || c.CameraExposureMinUS < 0 {
		return scanerr.New(scanerr.InvalidArgument, "configuration values must be non-negative")
	}
	if !(c.LaserOnMinUS <= c.LaserOnDefaultUS && c.LaserOnDefaultUS <= c.LaserOnMaxUS) {
		return scanerr.New(scanerr.InvalidArgument, "laser-on min<=default<=max violated: %d/%d/%d", c.LaserOnMinUS, c.LaserOnDefaultUS, c.LaserOnMaxUS)
	}
	if !(c.CameraExposureMinUS <= c.CameraExposureDefaultUS && c.CameraExposureDefaultUS <= c.CameraExposureMaxUS) {
		return scanerr.New(scanerr.InvalidArgument, "camera-exposure min<=default<=max violated: %d/%d/%d", c.CameraExposureMinUS, c.CameraExposureDefaultUS, c.CameraExposureMaxUS)
	}
	return nil
}

// Capabilities is the outcome of GetCapabilities (§2.3), used to bound a
// Configuration client-side before ApplyConfiguration is attempted.
type Capabilities struct {
	LaserOnMinUS, LaserOnMaxUS             int
	CameraExposureMinUS, CameraExposureMaxUS int
}

// CheckWithin reports whether c falls within caps, returning InvalidArgument
// describing the first violation found.
func (caps Capabilities) CheckWithin(c Configuration) error {
	if c.LaserOnMinUS < caps.LaserOnMinUS || c.LaserOnMaxUS > caps.LaserOnMaxUS {
		return scanerr.New(scanerr.InvalidArgument, "laser-on range [%d,%d] exceeds head capability [%d,%d]", c.LaserOnMinUS, c.LaserOnMaxUS, caps.LaserOnMinUS, caps.LaserOnMaxUS)
	}
	if c.CameraExposureMinUS < caps.CameraExposureMinUS || c.CameraExposureMaxUS > caps.CameraExposureMaxUS {
		return scanerr.New(scanerr.InvalidArgument, "camera-exposure range [%d,%d] exceeds head capability [%d,%d]", c.CameraExposureMinUS, c.CameraExposureMaxUS, caps.CameraExposureMinUS, caps.CameraExposureMaxUS)
	}
	return nil
}

// ScanHead tracks one head's state, configuration, and dirty flags. All
// mutation is serialised through mu, mirroring the teacher's SerialMux
// device-handle shape.
type ScanHead struct {
	mu sync.Mutex

	serial    uint32
	id        uint32
	unit      units.Unit
	state     State
	config    Configuration
	window    Window
	dirty     DirtyFlag

	exclusionMaskCamera uint8
	exclusionMask       []byte
	brightnessCamera    uint8
	brightnessTable     []byte

	lastSample    control.StatusResponse
	haveSample    bool
	lastSampledAt time.Time

	profileRateHz    []float64
	lateDropRateHz   []float64
	incompleteRateHz []float64
}

// New constructs a ScanHead in the Disconnected state (§4.8).
func New(serial, id uint32, unit units.Unit) *ScanHead {
	return &ScanHead{serial: serial, id: id, unit: unit, state: Disconnected}
}

func (h *ScanHead) Serial() uint32 { return h.serial }
func (h *ScanHead) ID() uint32     { return h.id }

func (h *ScanHead) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// requireState fails with InvalidState unless the head is currently in one
// of the allowed states (§4.8's per-state legal-operation table).
func (h *ScanHead) requireState(op string, allowed ...State) error {
	for _, s := range allowed {
		if h.state == s {
			return nil
		}
	}
	return scanerr.New(scanerr.InvalidState, "%s is not legal in state %s", op, h.state)
}

// Configure sets the configuration while Disconnected (§4.8).
func (h *ScanHead) Configure(c Configuration) error {
	if err := c.Validate(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.requireState("Configure", Disconnected); err != nil {
		return err
	}
	h.config = c
	h.dirty |= DirtyConfiguration
	return nil
}

// ApplyConfiguration re-dirties the configuration while Connected (§4.8),
// for post-connect reconfiguration.
func (h *ScanHead) ApplyConfiguration(c Configuration) error {
	if err := c.Validate(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.requireState("ApplyConfiguration", Disconnected, Connected); err != nil {
		return err
	}
	h.config = c
	h.dirty |= DirtyConfiguration
	return nil
}

// SetWindow sets the scan window; legal while Disconnected or Connected,
// always re-dirties (§3, §4.8).
func (h *ScanHead) SetWindow(w Window) error {
	if err := w.Validate(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.requireState("SetWindow", Disconnected, Connected); err != nil {
		return err
	}
	h.window = w
	h.dirty |= DirtyWindow
	return nil
}

// SetExclusionMask stores a per-pixel exclusion bitmap for camera and marks
// it dirty; legal while Connected (§4.8). The mask is held until the next
// pre-scan upload pushes it over the control channel.
func (h *ScanHead) SetExclusionMask(camera uint8, mask []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.requireState("SetExclusionMask", Connected); err != nil {
		return err
	}
	h.exclusionMaskCamera = camera
	h.exclusionMask = mask
	h.dirty |= DirtyExclusionMask
	return nil
}

// ExclusionMask returns the exclusion mask most recently set by
// SetExclusionMask.
func (h *ScanHead) ExclusionMask() (camera uint8, mask []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exclusionMaskCamera, h.exclusionMask
}

// SetBrightnessCorrection stores a per-pixel brightness correction table for
// camera and marks it dirty; legal while Connected (§4.8).
func (h *ScanHead) SetBrightnessCorrection(camera uint8, table []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.requireState("SetBrightnessCorrection", Connected); err != nil {
		return err
	}
	h.brightnessCamera = camera
	h.brightnessTable = table
	h.dirty |= DirtyBrightnessCorrection
	return nil
}

// BrightnessCorrection returns the correction table most recently set by
// SetBrightnessCorrection.
func (h *ScanHead) BrightnessCorrection() (camera uint8, table []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.brightnessCamera, h.brightnessTable
}

// MarkConnected transitions Disconnected -> Connected, set by the
// orchestrator once the control channel handshake succeeds.
func (h *ScanHead) MarkConnected() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.requireState("Connect", Disconnected); err != nil {
		return err
	}
	h.state = Connected
	return nil
}

// Disconnect transitions back to Disconnected from Connected, Scanning or
// IdleScanning; from Disconnected it fails with InvalidState.
func (h *ScanHead) Disconnect() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.requireState("Disconnect", Connected, Scanning, IdleScanning); err != nil {
		return err
	}
	h.state = Disconnected
	return nil
}

// Dirty returns the current dirty-flag bitset.
func (h *ScanHead) Dirty() DirtyFlag {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dirty
}

// DrainDirty clears every dirty flag atomically, as a pre-scan upload would
// after successfully pushing every dirty category (§4.8, §8: "Dirty flags
// after a successful pre-scan upload are all Clean").
func (h *ScanHead) DrainDirty() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dirty = 0
}

// StartScanning transitions Connected -> Scanning once dirty flags have
// been drained by the pre-scan upload (§4.8).
func (h *ScanHead) StartScanning() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.requireState("StartScanning", Connected); err != nil {
		return err
	}
	h.state = Scanning
	return nil
}

// StopScanning transitions Scanning/IdleScanning -> Connected (§4.8).
func (h *ScanHead) StopScanning() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.requireState("StopScanning", Scanning, IdleScanning); err != nil {
		return err
	}
	h.state = Connected
	return nil
}

// SetIdle toggles between Scanning and IdleScanning, e.g. while a phase
// table re-negotiation is in flight but the cycle is still live.
func (h *ScanHead) SetIdle(idle bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if idle {
		if err := h.requireState("SetIdle(true)", Scanning); err != nil {
			return err
		}
		h.state = IdleScanning
		return nil
	}
	if err := h.requireState("SetIdle(false)", IdleScanning); err != nil {
		return err
	}
	h.state = Scanning
	return nil
}

// Window returns the currently configured window.
func (h *ScanHead) Window() Window {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.window
}

// Configuration returns the currently configured ScanHeadConfiguration.
func (h *ScanHead) Configuration() Configuration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.config
}

// Unit returns the system-wide selected unit (inches or millimetres, §6).
func (h *ScanHead) Unit() units.Unit {
	return h.unit
}

// Status is the snapshot returned by RequestStatus (§7): lifecycle state,
// dirty flags, the head's most recently reported counters, and
// mean/standard-deviation of recent per-cycle profile, late-drop, and
// incomplete-drop rates.
type Status struct {
	State      State
	Dirty      DirtyFlag
	LastReport control.StatusResponse

	ProfileRateMeanHz, ProfileRateStdDevHz       float64
	LateDropRateMeanHz, LateDropRateStdDevHz     float64
	IncompleteRateMeanHz, IncompleteRateStdDevHz float64
}

// RecordStatusSample folds one polled control.StatusResponse into the
// head's recent-rate history, converting the cumulative counters the head
// reports into a per-second rate against the previous sample and
// appending it to a bounded window (§7). The first sample after
// construction or a reconnect only seeds lastSample; it takes two samples
// to produce a rate.
func (h *ScanHead) RecordStatusSample(resp control.StatusResponse, observedAt time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.haveSample {
		elapsed := observedAt.Sub(h.lastSampledAt).Seconds()
		if elapsed > 0 {
			h.profileRateHz = appendBounded(h.profileRateHz, counterRate(h.lastSample.ProfilesSentCount, resp.ProfilesSentCount, elapsed))
			h.lateDropRateHz = appendBounded(h.lateDropRateHz, counterRate(h.lastSample.LateDropCount, resp.LateDropCount, elapsed))
			h.incompleteRateHz = appendBounded(h.incompleteRateHz, counterRate(h.lastSample.IncompleteDropCount, resp.IncompleteDropCount, elapsed))
		}
	}
	h.lastSample = resp
	h.lastSampledAt = observedAt
	h.haveSample = true
}

// counterRate converts a monotonically increasing counter's delta across
// elapsedSeconds into a per-second rate. A counter that appears to have
// gone backwards (a head reboot resetting its counters) is treated as a
// fresh start rather than a negative rate.
func counterRate(prev, cur uint64, elapsedSeconds float64) float64 {
	if cur < prev {
		return 0
	}
	return float64(cur-prev) / elapsedSeconds
}

// appendBounded appends v to samples, discarding the oldest entries once
// the window exceeds rateSampleWindow.
func appendBounded(samples []float64, v float64) []float64 {
	samples = append(samples, v)
	if len(samples) > rateSampleWindow {
		samples = samples[len(samples)-rateSampleWindow:]
	}
	return samples
}

// meanStdDev reports the mean and standard deviation of samples via
// gonum/stat, mirroring the teacher's own db.go use of gonum.org/v1/gonum/stat
// for aggregate statistics. A single sample has no defined sample variance
// (stat.MeanVariance divides by n-1, which would yield NaN and break JSON
// encoding of Status), so it is reported as zero spread rather than passed
// through.
func meanStdDev(samples []float64) (mean, stdDev float64) {
	switch len(samples) {
	case 0:
		return 0, 0
	case 1:
		return samples[0], 0
	}
	mean, variance := stat.MeanVariance(samples, nil)
	return mean, math.Sqrt(variance)
}

// RequestStatus implements the §2.3/§7 RequestStatus operation: the head's
// lifecycle state, dirty flags, most recently polled counters, and
// mean/standard-deviation of recent profile, late-drop, and
// incomplete-drop rates.
func (h *ScanHead) RequestStatus() Status {
	h.mu.Lock()
	defer h.mu.Unlock()

	st := Status{State: h.state, Dirty: h.dirty, LastReport: h.lastSample}
	st.ProfileRateMeanHz, st.ProfileRateStdDevHz = meanStdDev(h.profileRateHz)
	st.LateDropRateMeanHz, st.LateDropRateStdDevHz = meanStdDev(h.lateDropRateHz)
	st.IncompleteRateMeanHz, st.IncompleteRateStdDevHz = meanStdDev(h.incompleteRateHz)
	return st
}
