package scansystem

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/scanworks/pinchot/internal/control"
	"github.com/scanworks/pinchot/internal/frameassembler"
	"github.com/scanworks/pinchot/internal/phase"
	"github.com/scanworks/pinchot/internal/queue"
	"github.com/scanworks/pinchot/internal/scanerr"
	"github.com/scanworks/pinchot/internal/scanhead"
	"github.com/scanworks/pinchot/internal/units"
	"github.com/scanworks/pinchot/internal/wire"
)

// fakeHandler implements control.Handler; startFails forces StartScanning
// to fail so tests can exercise the orchestrator's partial-start rollback.
// It also records which pre-scan upload RPCs arrived, so tests can confirm
// StartScanning actually drains dirty flags before starting.
type fakeHandler struct {
	mu                     sync.Mutex
	startFails             bool
	stopCalls              int
	applyConfigurationReqs []control.ConfigurationSnapshot
	setWindowReqs          []control.WindowSnapshot
	setExclusionMaskReqs   []control.SetExclusionMaskRequest
}

func (h *fakeHandler) GetStatus(ctx context.Context, req *control.StatusRequest) (*control.StatusResponse, error) {
	return &control.StatusResponse{State: "Connected"}, nil
}
func (h *fakeHandler) GetCapabilities(ctx context.Context, req *control.CapabilitiesRequest) (*control.CapabilitiesResponse, error) {
	return &control.CapabilitiesResponse{}, nil
}
func (h *fakeHandler) ApplyConfiguration(ctx context.Context, req *control.ConfigurationSnapshot) (*control.ApplyConfigurationResponse, error) {
	h.mu.Lock()
	h.applyConfigurationReqs = append(h.applyConfigurationReqs, *req)
	h.mu.Unlock()
	return &control.ApplyConfigurationResponse{Accepted: true}, nil
}
func (h *fakeHandler) SetWindow(ctx context.Context, req *control.WindowSnapshot) (*control.SetWindowResponse, error) {
	h.mu.Lock()
	h.setWindowReqs = append(h.setWindowReqs, *req)
	h.mu.Unlock()
	return &control.SetWindowResponse{Accepted: true}, nil
}
func (h *fakeHandler) SetExclusionMask(ctx context.Context, req *control.SetExclusionMaskRequest) (*control.SetExclusionMaskResponse, error) {
	h.mu.Lock()
	h.setExclusionMaskReqs = append(h.setExclusionMaskReqs, *req)
	h.mu.Unlock()
	return &control.SetExclusionMaskResponse{Accepted: true}, nil
}
func (h *fakeHandler) SetBrightnessCorrection(ctx context.Context, req *control.SetBrightnessCorrectionRequest) (*control.SetBrightnessCorrectionResponse, error) {
	return &control.SetBrightnessCorrectionResponse{Accepted: true}, nil
}
func (h *fakeHandler) StartScanning(ctx context.Context, req *control.StartScanningRequest) (*control.StartScanningResponse, error) {
	h.mu.Lock()
	fail := h.startFails
	h.mu.Unlock()
	if fail {
		return nil, errors.New("simulated head rejected StartScanning")
	}
	return &control.StartScanningResponse{Accepted: true}, nil
}
func (h *fakeHandler) StopScanning(ctx context.Context, req *control.StopScanningRequest) (*control.StopScanningResponse, error) {
	h.mu.Lock()
	h.stopCalls++
	h.mu.Unlock()
	return &control.StopScanningResponse{Accepted: true}, nil
}
func (h *fakeHandler) GetDiagnosticImage(ctx context.Context, req *control.DiagnosticImageRequest) (*control.DiagnosticImageResponse, error) {
	return &control.DiagnosticImageResponse{}, nil
}
func (h *fakeHandler) KeepAlive(ctx context.Context, req *control.KeepAliveRequest) (*control.KeepAliveResponse, error) {
	return &control.KeepAliveResponse{Alive: true}, nil
}

// dialFake spins up an in-process grpc.Server over bufconn serving h, and
// returns a connected *control.Client plus a teardown func.
func dialFake(t *testing.T, h control.Handler) (*control.Client, func()) {
	t.Helper()
	lis := bufconn.Listen(1024 * 1024)
	srv := grpc.NewServer()
	control.RegisterService(srv, h)
	go srv.Serve(lis)

	dialer := func(ctx context.Context, addr string) (net.Conn, error) { return lis.DialContext(ctx) }
	cc, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(dialer),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	client := control.NewClient(cc)
	return client, func() { client.Close(); srv.Stop() }
}

func newTestHead(t *testing.T, serial uint32, h control.Handler) (*scanhead.ScanHead, *control.Client, func()) {
	t.Helper()
	client, teardown := dialFake(t, h)
	return scanhead.New(serial, 0, units.Inches), client, teardown
}

func TestConnectAggregatesPartialFailures(t *testing.T) {
	sys := New(units.Inches)

	h1, c1, teardown1 := newTestHead(t, 1001, &fakeHandler{})
	defer teardown1()
	sys.AddScanHead(h1, c1, nil)

	// Second head's client is closed up front so every RPC fails.
	h2, c2, teardown2 := newTestHead(t, 1002, &fakeHandler{})
	teardown2()
	sys.AddScanHead(h2, c2, nil)

	failed, err := sys.Connect(context.Background())
	if err == nil {
		t.Fatal("expected an error from a partially-failed Connect")
	}
	if !scanerr.Is(err, scanerr.PartialStart) {
		t.Errorf("expected PartialStart, got %v", err)
	}
	if len(failed) != 1 || failed[0] != 1002 {
		t.Errorf("failed = %v, want [1002]", failed)
	}
	if h1.State() != scanhead.Connected {
		t.Errorf("head 1001 State() = %v, want Connected", h1.State())
	}
	if h2.State() != scanhead.Disconnected {
		t.Errorf("head 1002 State() = %v, want Disconnected", h2.State())
	}
}

func TestStartScanningRollsBackOnPartialFailure(t *testing.T) {
	sys := New(units.Inches)

	hdl1 := &fakeHandler{}
	h1, c1, teardown1 := newTestHead(t, 1001, hdl1)
	defer teardown1()
	sys.AddScanHead(h1, c1, nil)

	hdl2 := &fakeHandler{startFails: true}
	h2, c2, teardown2 := newTestHead(t, 1002, hdl2)
	defer teardown2()
	sys.AddScanHead(h2, c2, nil)

	if _, err := sys.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	err := sys.StartScanning(context.Background(), control.StartScanningRequest{PeriodUS: 1000})
	if !scanerr.Is(err, scanerr.PartialStart) {
		t.Fatalf("expected PartialStart, got %v", err)
	}

	// head 1 must have been rolled back to Connected, not left Scanning.
	if h1.State() != scanhead.Connected {
		t.Errorf("head 1001 State() = %v, want Connected after rollback", h1.State())
	}
	hdl1.mu.Lock()
	stopCalls := hdl1.stopCalls
	hdl1.mu.Unlock()
	if stopCalls != 1 {
		t.Errorf("expected StopScanning to be called once on head 1001 during rollback, got %d", stopCalls)
	}
}

func TestSetPhaseTableRejectsUnconnectedHead(t *testing.T) {
	sys := New(units.Inches)
	h1, c1, teardown1 := newTestHead(t, 1001, &fakeHandler{})
	defer teardown1()
	sys.AddScanHead(h1, c1, nil)

	table := phase.Table{Phases: []phase.Phase{{Elements: []phase.Element{
		{HeadID: 1001, Role: phase.RoleCameraDriven, Camera: 0, Laser: 0},
	}}}}

	// head 1001 is still Disconnected: Validate must reject it.
	if err := sys.SetPhaseTable(table); !scanerr.Is(err, scanerr.InvalidArgument) {
		t.Errorf("expected InvalidArgument rejecting a disconnected head, got %v", err)
	}
}

func TestSetPhaseTableBuildsAssemblerOverQueues(t *testing.T) {
	sys := New(units.Inches)
	h1, c1, teardown1 := newTestHead(t, 1001, &fakeHandler{})
	defer teardown1()
	if err := h1.MarkConnected(); err != nil {
		t.Fatal(err)
	}

	key := frameassembler.ElementKey{Camera: 0, Laser: 0}
	q := queue.New(4)
	sys.AddScanHead(h1, c1, map[frameassembler.ElementKey]*queue.FrameQueue{key: q})

	table := phase.Table{Phases: []phase.Phase{{Elements: []phase.Element{
		{HeadID: 1001, Role: phase.RoleCameraDriven, Camera: 0, Laser: 0},
	}}}}
	if err := sys.SetPhaseTable(table); err != nil {
		t.Fatalf("SetPhaseTable: %v", err)
	}
	if sys.assembler == nil {
		t.Fatal("expected assembler to be built")
	}
}

func TestAttachAdminRoutesServesQueuesAndPhaseTable(t *testing.T) {
	sys := New(units.Inches)
	mux := http.NewServeMux()
	sys.AttachAdminRoutes(mux)

	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/debug/scansystem/queues")
	if err != nil {
		t.Fatalf("GET queues: %v", err)
	}
	defer resp.Body.Close()
	var stats frameassembler.Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Errorf("decode queues response: %v", err)
	}

	resp2, err := http.Get(srv.URL + "/debug/scansystem/phasetable")
	if err != nil {
		t.Fatalf("GET phasetable: %v", err)
	}
	defer resp2.Body.Close()
	var table phase.Table
	if err := json.NewDecoder(resp2.Body).Decode(&table); err != nil {
		t.Errorf("decode phasetable response: %v", err)
	}

	resp3, err := http.Get(srv.URL + "/debug/scansystem/status")
	if err != nil {
		t.Fatalf("GET status: %v", err)
	}
	defer resp3.Body.Close()
	var statuses map[uint32]scanhead.Status
	if err := json.NewDecoder(resp3.Body).Decode(&statuses); err != nil {
		t.Errorf("decode status response: %v", err)
	}
}

func TestConnectAndPollStatusFeedScanHeadRequestStatus(t *testing.T) {
	h1, c1, teardown1 := newTestHead(t, 1001, &fakeHandler{})
	defer teardown1()

	sys := New(units.Inches)
	sys.AddScanHead(h1, c1, nil)

	ctx := context.Background()
	if _, err := sys.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// Connect's own GetStatus only seeds the first sample; a second poll is
	// needed before RequestStatus can report a rate.
	sys.PollStatus(ctx)

	st, ok := sys.Status(1001)
	if !ok {
		t.Fatal("Status(1001) = !ok, want ok for a registered head")
	}
	if st.LastReport.State != "Connected" {
		t.Errorf("LastReport.State = %q, want %q", st.LastReport.State, "Connected")
	}

	if _, ok := sys.Status(9999); ok {
		t.Error("Status(9999) = ok, want !ok for an unregistered head")
	}
}

func TestStartScanningUploadsDirtyFacetsAndDrainsBitset(t *testing.T) {
	sys := New(units.Inches)
	hdl := &fakeHandler{}
	h1, c1, teardown1 := newTestHead(t, 1001, hdl)
	defer teardown1()
	sys.AddScanHead(h1, c1, nil)

	if _, err := sys.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	cfg := scanhead.Configuration{
		LaserOnMinUS: 100, LaserOnDefaultUS: 200, LaserOnMaxUS: 1000,
		CameraExposureMinUS: 50, CameraExposureDefaultUS: 100, CameraExposureMaxUS: 500,
	}
	if err := h1.ApplyConfiguration(cfg); err != nil {
		t.Fatalf("ApplyConfiguration: %v", err)
	}
	win := scanhead.Window{Type: scanhead.WindowRectangular, Top: 30, Bottom: -30, Left: -30, Right: 30}
	if err := h1.SetWindow(win); err != nil {
		t.Fatalf("SetWindow: %v", err)
	}
	if err := h1.SetExclusionMask(0, []byte{1, 2, 3}); err != nil {
		t.Fatalf("SetExclusionMask: %v", err)
	}
	if h1.Dirty() == 0 {
		t.Fatal("expected dirty flags set before StartScanning")
	}

	if err := sys.StartScanning(context.Background(), control.StartScanningRequest{PeriodUS: 1000}); err != nil {
		t.Fatalf("StartScanning: %v", err)
	}

	hdl.mu.Lock()
	applyCount, windowCount, maskCount := len(hdl.applyConfigurationReqs), len(hdl.setWindowReqs), len(hdl.setExclusionMaskReqs)
	hdl.mu.Unlock()
	if applyCount != 1 {
		t.Errorf("ApplyConfiguration calls = %d, want 1", applyCount)
	}
	if windowCount != 1 {
		t.Errorf("SetWindow calls = %d, want 1", windowCount)
	}
	if maskCount != 1 {
		t.Errorf("SetExclusionMask calls = %d, want 1", maskCount)
	}
	if h1.Dirty() != 0 {
		t.Errorf("Dirty() = %v, want 0 after a successful pre-scan upload", h1.Dirty())
	}
}

func TestTryTakeNextProfileRequiresScanningState(t *testing.T) {
	sys := New(units.Inches)
	h1, c1, teardown1 := newTestHead(t, 1001, &fakeHandler{})
	defer teardown1()

	key := frameassembler.ElementKey{Camera: 0, Laser: 0}
	q := queue.New(4)
	sys.AddScanHead(h1, c1, map[frameassembler.ElementKey]*queue.FrameQueue{key: q})

	if _, _, err := sys.TryTakeNextProfile(1001, 0, 0); !scanerr.Is(err, scanerr.InvalidState) {
		t.Errorf("expected InvalidState before Scanning, got %v", err)
	}

	if _, err := sys.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := sys.StartScanning(context.Background(), control.StartScanningRequest{PeriodUS: 1000}); err != nil {
		t.Fatalf("StartScanning: %v", err)
	}

	q.Enqueue(wire.Profile{Sequence: 7, Camera: 0, Laser: 0})
	p, ok, err := sys.TryTakeNextProfile(1001, 0, 0)
	if err != nil || !ok {
		t.Fatalf("TryTakeNextProfile = %+v, %v, %v", p, ok, err)
	}
	if p.Sequence != 7 {
		t.Errorf("Sequence = %d, want 7", p.Sequence)
	}

	if _, ok, err := sys.TryTakeNextProfile(1001, 0, 0); ok || err != nil {
		t.Errorf("expected !ok, nil err on an empty queue, got ok=%v err=%v", ok, err)
	}

	if _, _, err := sys.TryTakeNextProfile(9999, 0, 0); !scanerr.Is(err, scanerr.InvalidArgument) {
		t.Errorf("expected InvalidArgument for an unregistered head, got %v", err)
	}
}

func TestTakeNextProfileBlocksUntilEnqueued(t *testing.T) {
	sys := New(units.Inches)
	h1, c1, teardown1 := newTestHead(t, 1001, &fakeHandler{})
	defer teardown1()

	key := frameassembler.ElementKey{Camera: 0, Laser: 0}
	q := queue.New(4)
	sys.AddScanHead(h1, c1, map[frameassembler.ElementKey]*queue.FrameQueue{key: q})

	if _, err := sys.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := sys.StartScanning(context.Background(), control.StartScanningRequest{PeriodUS: 1000}); err != nil {
		t.Fatalf("StartScanning: %v", err)
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		q.Enqueue(wire.Profile{Sequence: 3, Camera: 0, Laser: 0})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	p, err := sys.TakeNextProfile(ctx, 1001, 0, 0)
	if err != nil {
		t.Fatalf("TakeNextProfile: %v", err)
	}
	if p.Sequence != 3 {
		t.Errorf("Sequence = %d, want 3", p.Sequence)
	}
}

func TestTakeFrameBlocksUntilQueueFilled(t *testing.T) {
	sys := New(units.Inches)
	h1, c1, teardown1 := newTestHead(t, 1001, &fakeHandler{})
	defer teardown1()
	if err := h1.MarkConnected(); err != nil {
		t.Fatal(err)
	}

	key := frameassembler.ElementKey{Camera: 0, Laser: 0}
	q := queue.New(4)
	sys.AddScanHead(h1, c1, map[frameassembler.ElementKey]*queue.FrameQueue{key: q})

	table := phase.Table{Phases: []phase.Phase{{Elements: []phase.Element{
		{HeadID: 1001, Role: phase.RoleCameraDriven, Camera: 0, Laser: 0},
	}}}}
	if err := sys.SetPhaseTable(table); err != nil {
		t.Fatalf("SetPhaseTable: %v", err)
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		q.Enqueue(wire.Profile{Sequence: 0, Camera: 0, Laser: 0})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	frame, err := sys.TakeFrame(ctx)
	if err != nil {
		t.Fatalf("TakeFrame: %v", err)
	}
	if !frame.IsComplete {
		t.Errorf("expected complete frame, got %+v", frame)
	}
}

func TestTakeFrameFailsWithoutPhaseTable(t *testing.T) {
	sys := New(units.Inches)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := sys.TakeFrame(ctx); !scanerr.Is(err, scanerr.InvalidState) {
		t.Errorf("expected InvalidState before SetPhaseTable, got %v", err)
	}
}

func TestAddScanHeadWithReceiverRegistersQueuesAndHead(t *testing.T) {
	sys := New(units.Inches)
	h1, c1, teardown1 := newTestHead(t, 1001, &fakeHandler{})
	defer teardown1()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	elements := []ReceiverElement{{Camera: 0, Laser: 0, QueueCapacity: 8}}
	r := sys.AddScanHeadWithReceiver(ctx, h1, c1, "127.0.0.1:0", elements, 50*time.Millisecond)
	if r == nil {
		t.Fatal("expected a non-nil receiver")
	}
	defer r.Close()

	sys.mu.Lock()
	e, ok := sys.heads[1001]
	sys.mu.Unlock()
	if !ok {
		t.Fatal("expected head 1001 to be registered")
	}
	if _, ok := e.queues[frameassembler.ElementKey{Camera: 0, Laser: 0}]; !ok {
		t.Error("expected a queue to be registered for camera=0 laser=0")
	}
}
