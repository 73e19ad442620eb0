// Package phase models the phase table that time-multiplexes a scan
// system's cameras and lasers across one scan cycle, and computes the
// minimum feasible scan period from per-element timing constraints (§4.7).
package phase

import (
	"fmt"

	"github.com/scanworks/pinchot/internal/scanerr"
)

// ElementRole distinguishes whether a PhaseElement's head is camera-driven
// or laser-driven, which governs the adjacency validation rules (§4.7).
type ElementRole int

const (
	// RoleLaserDriven heads fire one laser against a shared camera set;
	// the same camera may not appear in two adjacent phases.
	RoleLaserDriven ElementRole = iota
	// RoleCameraDriven heads expose two independent cameras; both may not
	// be scheduled within the same phase.
	RoleCameraDriven
)

// Element identifies one (head, camera|laser) unit that can be scheduled
// into a phase.
type Element struct {
	HeadID uint32
	Role   ElementRole
	Camera uint8 // meaningful for both roles
	Laser  uint8 // meaningful for RoleLaserDriven

	// LaserOnTimeUS, CameraReadoutUS and WindowRowCostUS feed the
	// per-element lower bound: laser_on_time + camera_readout +
	// window_row_cost(window) (§4.7).
	LaserOnTimeUS   int
	CameraReadoutUS int
	WindowRowCostUS int
}

// lowerBoundUS is the element's contribution to a phase's duration.
func (e Element) lowerBoundUS() int {
	return e.LaserOnTimeUS + e.CameraReadoutUS + e.WindowRowCostUS
}

// cameraKey identifies a head's physical camera, used by the adjacency
// rules regardless of which role scheduled it.
type cameraKey struct {
	headID uint32
	camera uint8
}

// Phase is a set of Elements that fire together within one scan-cycle slot.
type Phase struct {
	Elements []Element
}

// InterPhaseOverheadUS is the fixed per-phase-boundary overhead added to the
// minimum scan period (§4.7).
const InterPhaseOverheadUS = 0

// Table is an ordered list of Phases describing one scan cycle.
type Table struct {
	Phases []Phase

	// InterPhaseOverheadUS overrides the package default fixed overhead
	// added once per phase boundary. Zero selects InterPhaseOverheadUS.
	InterPhaseOverheadUS int
}

// Validate checks the table against the three StartScanning validation
// rules: every element's head must be connected, no camera-driven head may
// schedule both its cameras in one phase, and no laser-driven head may
// reuse the same camera across adjacent phases (adjacency wraps).
func (t *Table) Validate(connectedHeads map[uint32]bool) error {
	for _, e := range t.Elements() {
		if !connectedHeads[e.HeadID] {
			return scanerr.New(scanerr.InvalidArgument, "phase table references head %d which is not connected", e.HeadID)
		}
	}

	if err := t.validateCameraDrivenSamePhase(); err != nil {
		return err
	}
	if err := t.validateLaserDrivenAdjacency(); err != nil {
		return err
	}
	return nil
}

// Elements flattens the table's phases into a single slice, in phase order.
func (t *Table) Elements() []Element {
	var all []Element
	for _, ph := range t.Phases {
		all = append(all, ph.Elements...)
	}
	return all
}

// validateCameraDrivenSamePhase enforces: "a camera-driven head may not
// schedule both of its cameras in the same phase."
func (t *Table) validateCameraDrivenSamePhase() error {
	for i, ph := range t.Phases {
		seen := make(map[uint32]bool)
		for _, e := range ph.Elements {
			if e.Role != RoleCameraDriven {
				continue
			}
			if seen[e.HeadID] {
				return scanerr.New(scanerr.InvalidArgument, "phase %d schedules camera-driven head %d more than once (camera %d)", i, e.HeadID, e.Camera)
			}
			seen[e.HeadID] = true
		}
	}
	return nil
}

// validateLaserDrivenAdjacency enforces: "laser-driven heads may not
// schedule the same camera in two adjacent phases (adjacency wraps from
// last to first)."
func (t *Table) validateLaserDrivenAdjacency() error {
	n := len(t.Phases)
	if n < 2 {
		return nil
	}
	for i := 0; i < n; i++ {
		next := (i + 1) % n
		cur := laserDrivenCameras(t.Phases[i])
		adj := laserDrivenCameras(t.Phases[next])
		for key := range cur {
			if adj[key] {
				return scanerr.New(scanerr.InvalidArgument, "phases %d and %d reuse head %d camera %d on a laser-driven head", i, next, key.headID, key.camera)
			}
		}
	}
	return nil
}

func laserDrivenCameras(ph Phase) map[cameraKey]bool {
	set := make(map[cameraKey]bool)
	for _, e := range ph.Elements {
		if e.Role == RoleLaserDriven {
			set[cameraKey{headID: e.HeadID, camera: e.Camera}] = true
		}
	}
	return set
}

// MinScanPeriodUS computes the minimum feasible scan period: the sum over
// phases of the max over phase-elements of the element's lower bound, plus
// fixed inter-phase overhead (§4.7). MinScanPeriodUS is monotone
// non-decreasing in laser-on time and window size by construction, since it
// is built entirely from per-element sums and maxima of those inputs.
func (t *Table) MinScanPeriodUS() int {
	overhead := t.InterPhaseOverheadUS
	if overhead == 0 {
		overhead = InterPhaseOverheadUS
	}
	total := 0
	for _, ph := range t.Phases {
		max := 0
		for _, e := range ph.Elements {
			if lb := e.lowerBoundUS(); lb > max {
				max = lb
			}
		}
		total += max + overhead
	}
	return total
}

// String renders a compact human-readable summary, useful for CLI/debug
// output (cmd/scanctl, the tsweb debug mux).
func (t *Table) String() string {
	return fmt.Sprintf("phase table: %d phases, %d elements, min period %dus", len(t.Phases), len(t.Elements()), t.MinScanPeriodUS())
}
