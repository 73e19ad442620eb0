package discovery

import (
	"testing"

	"github.com/google/uuid"
)

func TestScanSyncFlagsBits(t *testing.T) {
	f := ScanSyncFaulted | ScanSyncSyncValid
	if !f.Faulted() {
		t.Error("expected Faulted() true")
	}
	if f.Terminated() {
		t.Error("expected Terminated() false")
	}
	if f.IndexPulsed() {
		t.Error("expected IndexPulsed() false")
	}
	if !f.SyncValid() {
		t.Error("expected SyncValid() true")
	}
}

func TestScanHeadAggregatorDedupesByResponderSerial(t *testing.T) {
	agg := newScanHeadAggregator()
	corr := uuid.New()

	ann := scanHeadAnnouncement{CorrelationID: corr, Serial: 1001, ProductType: "JS-50", FirmwareMajor: 2}
	data := encode(ann)

	isNew, err := agg.handle(data)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !isNew {
		t.Error("expected first response from a serial to be new")
	}

	// Same correlation ID and serial arriving twice (e.g. a multi-homed
	// host receiving its own broadcast reply on two interfaces) must not
	// be double-counted or treated as a new responder.
	isNew, err = agg.handle(data)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if isNew {
		t.Error("expected duplicate (serial, correlationID) not to be new")
	}

	if got := len(agg.records()); got != 1 {
		t.Fatalf("records() len = %d, want 1", got)
	}
}

func TestScanHeadAggregatorTreatsDifferentCorrelationAsRefresh(t *testing.T) {
	agg := newScanHeadAggregator()

	ann1 := scanHeadAnnouncement{CorrelationID: uuid.New(), Serial: 1001, ProductType: "JS-50"}
	isNew, err := agg.handle(encode(ann1))
	if err != nil || !isNew {
		t.Fatalf("first handle: isNew=%v err=%v", isNew, err)
	}

	// A second solicitation (different correlation ID) answered by the
	// same head updates the record but is not a "new responder" for the
	// purpose of resetting the quiet-window timer.
	ann2 := scanHeadAnnouncement{CorrelationID: uuid.New(), Serial: 1001, ProductType: "JS-50", FirmwareMajor: 3}
	isNew, err = agg.handle(encode(ann2))
	if err != nil {
		t.Fatalf("second handle: %v", err)
	}
	if isNew {
		t.Error("expected re-announcement of a known serial not to count as new")
	}

	records := agg.records()
	if len(records) != 1 || records[0].FirmwareMajor != 3 {
		t.Errorf("expected the refreshed record to be kept, got %+v", records)
	}
}

func TestScanHeadAggregatorTracksMultipleDistinctHeads(t *testing.T) {
	agg := newScanHeadAggregator()
	for _, serial := range []uint32{1001, 1002, 1003} {
		isNew, err := agg.handle(encode(scanHeadAnnouncement{CorrelationID: uuid.New(), Serial: serial}))
		if err != nil || !isNew {
			t.Fatalf("serial %d: isNew=%v err=%v", serial, isNew, err)
		}
	}
	if got := len(agg.records()); got != 3 {
		t.Fatalf("records() len = %d, want 3", got)
	}
}

func TestScanHeadAggregatorRejectsMalformedData(t *testing.T) {
	agg := newScanHeadAggregator()
	if _, err := agg.handle([]byte{1, 2, 3}); err == nil {
		t.Error("expected an error decoding a malformed announcement")
	}
}

func TestScanSyncAggregatorPreservesVersionAbsence(t *testing.T) {
	agg := newScanSyncAggregator()
	ann := scanSyncAnnouncement{CorrelationID: uuid.New(), Serial: 5, HasVersionInfo: false}
	isNew, err := agg.handle(encode(ann))
	if err != nil || !isNew {
		t.Fatalf("isNew=%v err=%v", isNew, err)
	}

	records := agg.records()
	if len(records) != 1 {
		t.Fatalf("records() len = %d, want 1", len(records))
	}
	if records[0].HasVersionInfo {
		t.Error("expected HasVersionInfo false for an old-firmware ScanSync")
	}
	if records[0].FirmwareMajor != 0 {
		t.Error("expected zero-value firmware fields when version info is absent")
	}
}

func TestScanSyncAggregatorFlagsRoundTrip(t *testing.T) {
	agg := newScanSyncAggregator()
	ann := scanSyncAnnouncement{
		CorrelationID: uuid.New(), Serial: 7, HasVersionInfo: true,
		FirmwareMajor: 2, FirmwareMinor: 1, FirmwarePatch: 0,
		Flags: uint32(ScanSyncIndexPulse | ScanSyncSyncValid),
	}
	if _, err := agg.handle(encode(ann)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	records := agg.records()
	if len(records) != 1 {
		t.Fatalf("records() len = %d, want 1", len(records))
	}
	got := records[0].Flags
	if !got.IndexPulsed() || !got.SyncValid() || got.Faulted() {
		t.Errorf("unexpected flags round trip: %#x", got)
	}
}
