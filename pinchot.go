// Package pinchot is the public surface of this module: ScanSystem,
// ScanHead, IProfile and IFrame, as named in the design's external
// interfaces section. Everything else (wire codec, receiver, discovery,
// control channel, frame assembler, calibration cache) lives under
// internal/ and is reached only through this surface or the cmd/*
// binaries.
package pinchot

import (
	"context"

	"github.com/scanworks/pinchot/internal/control"
	"github.com/scanworks/pinchot/internal/frameassembler"
	"github.com/scanworks/pinchot/internal/scanhead"
	"github.com/scanworks/pinchot/internal/scansystem"
	"github.com/scanworks/pinchot/internal/units"
	"github.com/scanworks/pinchot/internal/wire"
)

// Unit is the length unit a ScanSystem reports coordinates in, selectable
// once per system (§6).
type Unit = units.Unit

// The two unit systems a ScanSystem may be constructed with.
const (
	Inches      = units.Inches
	Millimetres = units.Millimetres
)

// ScanSystem owns a fleet of scan heads and fans Connect/Start/Stop across
// them with shared deadlines (§4.9). See internal/scansystem for the full
// method set; this alias keeps the orchestrator's identity stable across
// the package boundary.
type ScanSystem = scansystem.ScanSystem

// NewScanSystem constructs an empty ScanSystem reporting coordinates in u.
func NewScanSystem(u Unit) *ScanSystem {
	return scansystem.New(u)
}

// ScanHead is one physical JS-50-class unit's client-side state machine
// (§4.8): Disconnected / Connected / Scanning / IdleScanning, its
// configuration, window, and dirty-flag set.
type ScanHead = scanhead.ScanHead

// NewScanHead constructs a ScanHead with the given serial and user id,
// reporting coordinates in u.
func NewScanHead(serial, id uint32, u Unit) *ScanHead {
	return scanhead.New(serial, id, u)
}

// Client is the control-channel client for one ScanHead (§4.3).
type Client = control.Client

// DialHead establishes a control-channel connection to a head at address
// (host:port).
func DialHead(address string) (*Client, error) {
	return control.Dial(address)
}

// IProfile is a read-only view over one completed profile: one head's
// (camera, laser) element reading for one scan cycle sequence (§3's
// Profile entity).
type IProfile interface {
	HeadSerial() uint32
	Camera() uint8
	Laser() uint8
	Sequence() uint32
	TimestampNS() int64
	Points() []wire.Point
}

// profileView adapts a *wire.Profile to IProfile without copying its point
// slice.
type profileView struct{ p *wire.Profile }

func (v profileView) HeadSerial() uint32   { return v.p.HeadSerial }
func (v profileView) Camera() uint8        { return v.p.Camera }
func (v profileView) Laser() uint8         { return v.p.Laser }
func (v profileView) Sequence() uint32     { return v.p.Sequence }
func (v profileView) TimestampNS() int64   { return v.p.TimestampNS }
func (v profileView) Points() []wire.Point { return v.p.Points }

// IFrame is a read-only view over one sequence-aligned Frame: the set of
// per-element profiles the active phase table selected for one scan cycle
// (§3's Frame entity, §4.6).
type IFrame interface {
	Sequence() uint32
	IsComplete() bool
	Element(camera, laser uint8) (IProfile, bool)
}

// frameView adapts a frameassembler.Frame to IFrame.
type frameView struct{ f frameassembler.Frame }

func (v frameView) Sequence() uint32 { return v.f.Sequence }
func (v frameView) IsComplete() bool { return v.f.IsComplete }

func (v frameView) Element(camera, laser uint8) (IProfile, bool) {
	p, ok := v.f.Slots[frameassembler.ElementKey{Camera: camera, Laser: laser}]
	if !ok || p == nil {
		return nil, false
	}
	return profileView{p}, true
}

// NextFrame dequeues the next sequence-aligned frame from sys's active
// phase-table assembler. The second return is false if sys has no phase
// table set yet.
func NextFrame(sys *ScanSystem) (IFrame, bool) {
	f, ok := sys.NextFrame()
	if !ok {
		return nil, false
	}
	return frameView{f}, true
}

// TakeFrame blocks until sys's active phase table can assemble a complete
// sequence-aligned frame, ctx is cancelled, or sys has no phase table set
// yet (in which case it returns immediately with an error).
func TakeFrame(ctx context.Context, sys *ScanSystem) (IFrame, error) {
	f, err := sys.TakeFrame(ctx)
	if err != nil {
		return nil, err
	}
	return frameView{f}, nil
}

// TryTakeNextProfile returns the oldest queued profile for one (camera,
// laser) element of the named head without blocking: the direct
// single-profile consumption path alongside NextFrame's frame-grouped one.
func TryTakeNextProfile(sys *ScanSystem, serial uint32, camera, laser uint8) (IProfile, bool, error) {
	p, ok, err := sys.TryTakeNextProfile(serial, camera, laser)
	if err != nil || !ok {
		return nil, ok, err
	}
	return profileView{&p}, true, nil
}

// TakeNextProfile blocks until a profile is available for one (camera,
// laser) element of the named head, or ctx is cancelled.
func TakeNextProfile(ctx context.Context, sys *ScanSystem, serial uint32, camera, laser uint8) (IProfile, error) {
	p, err := sys.TakeNextProfile(ctx, serial, camera, laser)
	if err != nil {
		return nil, err
	}
	return profileView{&p}, nil
}
