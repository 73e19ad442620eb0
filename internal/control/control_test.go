package control_test

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/scanworks/pinchot/internal/control"
	"github.com/scanworks/pinchot/internal/scanerr"
)

// simulator is an in-process control.Handler standing in for a head's
// firmware, used to exercise the gob-codec grpc plumbing end to end.
type simulator struct {
	mu       sync.Mutex
	snapshot control.ConfigurationSnapshot
	window   control.WindowSnapshot
	delay    time.Duration // artificial latency, used to force a deadline
}

func (s *simulator) GetStatus(ctx context.Context, req *control.StatusRequest) (*control.StatusResponse, error) {
	return &control.StatusResponse{
		GlobalTime:           timestamppb.New(time.Unix(1700000000, 0)),
		PacketsReceivedCount: 42,
		State:                "Scanning",
	}, nil
}

func (s *simulator) GetCapabilities(ctx context.Context, req *control.CapabilitiesRequest) (*control.CapabilitiesResponse, error) {
	return &control.CapabilitiesResponse{LaserOnMinUS: 10, LaserOnMaxUS: 1000, NumCameras: 2, NumLasers: 2}, nil
}

func (s *simulator) ApplyConfiguration(ctx context.Context, req *control.ConfigurationSnapshot) (*control.ApplyConfigurationResponse, error) {
	s.mu.Lock()
	s.snapshot = *req
	s.mu.Unlock()
	return &control.ApplyConfigurationResponse{Accepted: true}, nil
}

func (s *simulator) SetWindow(ctx context.Context, req *control.WindowSnapshot) (*control.SetWindowResponse, error) {
	s.mu.Lock()
	s.window = *req
	s.mu.Unlock()
	return &control.SetWindowResponse{Accepted: true}, nil
}

func (s *simulator) SetExclusionMask(ctx context.Context, req *control.SetExclusionMaskRequest) (*control.SetExclusionMaskResponse, error) {
	return &control.SetExclusionMaskResponse{Accepted: true}, nil
}

func (s *simulator) SetBrightnessCorrection(ctx context.Context, req *control.SetBrightnessCorrectionRequest) (*control.SetBrightnessCorrectionResponse, error) {
	return &control.SetBrightnessCorrectionResponse{Accepted: true}, nil
}

func (s *simulator) StartScanning(ctx context.Context, req *control.StartScanningRequest) (*control.StartScanningResponse, error) {
	s.mu.Lock()
	delay := s.delay
	s.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &control.StartScanningResponse{Accepted: true}, nil
}

func (s *simulator) StopScanning(ctx context.Context, req *control.StopScanningRequest) (*control.StopScanningResponse, error) {
	return &control.StopScanningResponse{Accepted: true}, nil
}

func (s *simulator) GetDiagnosticImage(ctx context.Context, req *control.DiagnosticImageRequest) (*control.DiagnosticImageResponse, error) {
	return &control.DiagnosticImageResponse{Width: 1, Height: 1, PixelFormat: "gray8", Data: []byte{0xff}}, nil
}

func (s *simulator) KeepAlive(ctx context.Context, req *control.KeepAliveRequest) (*control.KeepAliveResponse, error) {
	return &control.KeepAliveResponse{Alive: true}, nil
}

// dial spins up an in-process grpc.Server over bufconn, registers sim, and
// returns a connected *control.Client plus a teardown func.
func dial(t *testing.T, sim *simulator) (*control.Client, func()) {
	t.Helper()

	lis := bufconn.Listen(1024 * 1024)
	srv := grpc.NewServer()
	control.RegisterService(srv, sim)
	go srv.Serve(lis)

	dialer := func(ctx context.Context, addr string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}
	cc, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(dialer),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)

	client := control.NewClient(cc)
	teardown := func() {
		client.Close()
		srv.Stop()
	}
	return client, teardown
}

func TestGetStatusRoundTripsTimestamp(t *testing.T) {
	sim := &simulator{}
	client, teardown := dial(t, sim)
	defer teardown()

	resp, err := client.GetStatus(context.Background())
	require.NoError(t, err)
	require.Equal(t, "Scanning", resp.State)
	require.Equal(t, uint64(42), resp.PacketsReceivedCount)
	require.NotNil(t, resp.GlobalTime)
	require.Equal(t, int64(1700000000), resp.GlobalTime.Seconds)
}

func TestApplyConfigurationAndSetWindowRoundTrip(t *testing.T) {
	sim := &simulator{}
	client, teardown := dial(t, sim)
	defer teardown()

	snap := control.ConfigurationSnapshot{
		LaserOnMinUS: 10, LaserOnDefaultUS: 50, LaserOnMaxUS: 100,
		DirtyMask: 1,
	}
	resp, err := client.ApplyConfiguration(context.Background(), snap)
	require.NoError(t, err)
	require.True(t, resp.Accepted)

	sim.mu.Lock()
	got := sim.snapshot
	sim.mu.Unlock()
	require.Equal(t, snap, got)

	win := control.WindowSnapshot{Type: control.WindowRectangular, Top: 30, Bottom: -30, Left: -30, Right: 30}
	wresp, err := client.SetWindow(context.Background(), win)
	require.NoError(t, err)
	require.True(t, wresp.Accepted)
}

func TestGetCapabilities(t *testing.T) {
	sim := &simulator{}
	client, teardown := dial(t, sim)
	defer teardown()

	caps, err := client.GetCapabilities(context.Background())
	require.NoError(t, err)
	require.Equal(t, int32(2), caps.NumCameras)
}

func TestDeadlineExceededMarksClientStale(t *testing.T) {
	sim := &simulator{delay: 200 * time.Millisecond}
	client, teardown := dial(t, sim)
	defer teardown()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := client.StartScanning(ctx, control.StartScanningRequest{PeriodUS: 1000})
	require.Error(t, err)
	require.True(t, scanerr.Is(err, scanerr.Timeout), "expected Timeout kind, got %v", err)
	require.True(t, client.Stale(), "expected client marked Stale after a deadline-exceeded RPC")
}

func TestKeepAliveClearsStaleness(t *testing.T) {
	sim := &simulator{delay: 200 * time.Millisecond}
	client, teardown := dial(t, sim)
	defer teardown()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, _ = client.StartScanning(ctx, control.StartScanningRequest{PeriodUS: 1000})
	require.True(t, client.Stale())

	sim.mu.Lock()
	sim.delay = 0
	sim.mu.Unlock()

	_, err := client.KeepAlive(context.Background())
	require.NoError(t, err)
	require.False(t, client.Stale(), "expected KeepAlive to clear Stale on success")
}

func TestDiagnosticImageRoundTrip(t *testing.T) {
	sim := &simulator{}
	client, teardown := dial(t, sim)
	defer teardown()

	resp, err := client.GetDiagnosticImage(context.Background(), 0, "raw", "corr-1")
	require.NoError(t, err)
	require.Equal(t, "gray8", resp.PixelFormat)
	require.Equal(t, []byte{0xff}, resp.Data)
}

func TestStopScanningAndSetExclusionMask(t *testing.T) {
	sim := &simulator{}
	client, teardown := dial(t, sim)
	defer teardown()

	_, err := client.SetExclusionMask(context.Background(), control.SetExclusionMaskRequest{Camera: 0, Mask: []byte{1, 2, 3}})
	require.NoError(t, err)

	_, err = client.StopScanning(context.Background())
	require.NoError(t, err)
}
