package control

import (
	"google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// StatusRequest carries no fields; GetStatus takes none per §4.3.
type StatusRequest struct{}

// StatusResponse mirrors the per-head counters exposed via RequestStatus
// (§2.3, §7): late-drop, incomplete-drop, packets received, profiles sent,
// plus the encoder-derived GlobalTimeNs that crosses the RPC boundary as a
// genuine protobuf well-known type (§2.2).
type StatusResponse struct {
	GlobalTime            *timestamppb.Timestamp
	PacketsReceivedCount  uint64
	LateDropCount         uint64
	IncompleteDropCount   uint64
	ProfilesSentCount     uint64
	State                 string
}

// CapabilitiesRequest carries no fields.
type CapabilitiesRequest struct{}

// CapabilitiesResponse reports the head's configuration bounds (§2.3),
// consumed client-side to validate a Configuration before ApplyConfiguration.
type CapabilitiesResponse struct {
	LaserOnMinUS, LaserOnMaxUS               int32
	CameraExposureMinUS, CameraExposureMaxUS int32
	NumCameras, NumLasers                     int32
	ProductType                              string
	FirmwareMajor, FirmwareMinor, FirmwarePatch uint32
}

// ConfigurationSnapshot is the wire form of ScanHeadConfiguration (§3)
// uploaded by ApplyConfiguration, carrying the dirty mask so the head knows
// which fields actually changed.
type ConfigurationSnapshot struct {
	LaserOnMinUS, LaserOnDefaultUS, LaserOnMaxUS             int32
	CameraExposureMinUS, CameraExposureDefaultUS, CameraExposureMaxUS int32
	DetectionThreshold    int32
	SaturationThreshold   int32
	SaturatedPercentLimit float64
	ScanPhaseOffsetUS     int32
	DirtyMask             uint32
}

// ApplyConfigurationResponse acknowledges an upload.
type ApplyConfigurationResponse struct {
	Accepted bool
}

// WindowSnapshot is the wire form of a ScanWindow (§3).
type WindowSnapshot struct {
	Type                WindowType
	Top, Bottom         float64
	Left, Right         float64
	VertexX, VertexY    []float64
}

// WindowType mirrors scanhead.WindowType on the wire; kept independent so
// the control package has no compile-time dependency on scanhead.
type WindowType int32

const (
	WindowUnconstrained WindowType = iota
	WindowRectangular
	WindowPolygonal
)

// SetWindowResponse acknowledges a window upload.
type SetWindowResponse struct {
	Accepted bool
}

// SetExclusionMaskRequest carries an opaque per-pixel exclusion bitmap.
type SetExclusionMaskRequest struct {
	Camera uint8
	Mask   []byte
}

// SetExclusionMaskResponse acknowledges the upload.
type SetExclusionMaskResponse struct {
	Accepted bool
}

// SetBrightnessCorrectionRequest carries an opaque correction table.
type SetBrightnessCorrectionRequest struct {
	Camera uint8
	Table  []byte
}

// SetBrightnessCorrectionResponse acknowledges the upload.
type SetBrightnessCorrectionResponse struct {
	Accepted bool
}

// StartScanningRequest starts the head streaming at the negotiated period
// (§4.3). AssemblyTimeout crosses the RPC boundary as a genuine protobuf
// well-known type (§2.2).
type StartScanningRequest struct {
	PeriodUS        int64
	DataFormat      uint16 // wire.DataType bits
	FrameMode       bool
	AssemblyTimeout *durationpb.Duration
}

// StartScanningResponse acknowledges the start.
type StartScanningResponse struct {
	Accepted bool
}

// StopScanningRequest carries no fields.
type StopScanningRequest struct{}

// StopScanningResponse acknowledges the stop.
type StopScanningResponse struct {
	Accepted bool
}

// DiagnosticImageRequest requests a snapshot image from one camera (§4.3).
// CorrelationID deduplicates retried requests, mirroring the discovery
// service's use of google/uuid correlation IDs (§2.2).
type DiagnosticImageRequest struct {
	Camera        uint8
	ImageType     string
	CorrelationID string
}

// DiagnosticImageResponse carries the opaque image payload.
type DiagnosticImageResponse struct {
	Width, Height int32
	PixelFormat   string
	Data          []byte
}

// KeepAliveRequest carries no fields; used to detect and clear a Stale
// connection marking (§4.3).
type KeepAliveRequest struct{}

// KeepAliveResponse acknowledges liveness.
type KeepAliveResponse struct {
	Alive bool
}
