package pinchot

import (
	"context"
	"testing"
	"time"

	"github.com/scanworks/pinchot/internal/frameassembler"
	"github.com/scanworks/pinchot/internal/scanerr"
	"github.com/scanworks/pinchot/internal/wire"
)

func TestProfileViewReadsThroughToUnderlyingProfile(t *testing.T) {
	p := &wire.Profile{
		HeadSerial:  1001,
		Camera:      0,
		Laser:       1,
		Sequence:    42,
		TimestampNS: 123456789,
		Points:      []wire.Point{{X: 1, Y: 2, Brightness: 3}},
	}
	v := profileView{p}

	if v.HeadSerial() != 1001 {
		t.Errorf("HeadSerial() = %d, want 1001", v.HeadSerial())
	}
	if v.Camera() != 0 || v.Laser() != 1 {
		t.Errorf("Camera()/Laser() = %d/%d, want 0/1", v.Camera(), v.Laser())
	}
	if v.Sequence() != 42 {
		t.Errorf("Sequence() = %d, want 42", v.Sequence())
	}
	if v.TimestampNS() != 123456789 {
		t.Errorf("TimestampNS() = %d, want 123456789", v.TimestampNS())
	}
	if len(v.Points()) != 1 {
		t.Fatalf("Points() len = %d, want 1", len(v.Points()))
	}
}

func TestFrameViewElementReturnsFalseForMissingOrNilSlot(t *testing.T) {
	key := frameassembler.ElementKey{Camera: 0, Laser: 0}
	f := frameassembler.Frame{
		Sequence:   7,
		IsComplete: false,
		Slots: map[frameassembler.ElementKey]*wire.Profile{
			key: nil,
		},
	}
	v := frameView{f}

	if v.Sequence() != 7 {
		t.Errorf("Sequence() = %d, want 7", v.Sequence())
	}
	if v.IsComplete() {
		t.Error("IsComplete() = true, want false")
	}
	if _, ok := v.Element(0, 0); ok {
		t.Error("Element(0, 0) = ok, want !ok for a nil slot")
	}
	if _, ok := v.Element(9, 9); ok {
		t.Error("Element(9, 9) = ok, want !ok for an absent key")
	}
}

func TestFrameViewElementReturnsProfileForFilledSlot(t *testing.T) {
	key := frameassembler.ElementKey{Camera: 2, Laser: 3}
	p := &wire.Profile{HeadSerial: 2002, Camera: 2, Laser: 3, Sequence: 7}
	f := frameassembler.Frame{
		Sequence:   7,
		IsComplete: true,
		Slots:      map[frameassembler.ElementKey]*wire.Profile{key: p},
	}
	v := frameView{f}

	prof, ok := v.Element(2, 3)
	if !ok {
		t.Fatal("Element(2, 3) = !ok, want ok for a filled slot")
	}
	if prof.HeadSerial() != 2002 {
		t.Errorf("HeadSerial() = %d, want 2002", prof.HeadSerial())
	}
}

func TestNextFrameReturnsFalseBeforeSetPhaseTable(t *testing.T) {
	sys := NewScanSystem(Inches)
	if _, ok := NextFrame(sys); ok {
		t.Error("NextFrame() = ok before SetPhaseTable, want !ok")
	}
}

func TestTakeFrameFailsBeforeSetPhaseTable(t *testing.T) {
	sys := NewScanSystem(Inches)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := TakeFrame(ctx, sys); !scanerr.Is(err, scanerr.InvalidState) {
		t.Errorf("TakeFrame before SetPhaseTable: expected InvalidState, got %v", err)
	}
}

func TestTryTakeNextProfileFailsForUnregisteredHead(t *testing.T) {
	sys := NewScanSystem(Inches)
	if _, ok, err := TryTakeNextProfile(sys, 9999, 0, 0); ok || !scanerr.Is(err, scanerr.InvalidArgument) {
		t.Errorf("TryTakeNextProfile(9999, ...) = ok=%v err=%v, want !ok and InvalidArgument", ok, err)
	}
}
