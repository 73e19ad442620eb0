// Package control implements the client side of the control channel (§4.3):
// one logical request/response path per head, realised concretely over a
// grpc.ClientConn using a custom gob codec (internal/control/codec) so the
// wire messages stay plain Go structs with no protoc step, while genuinely
// exercising grpc.Invoke and, for a couple of boundary-crossing fields, the
// pre-built protobuf well-known types (§2.2).
//
// Commands are serialised per head by commandMu, a FIFO mutex modelled on
// the teacher's internal/serialmux.SerialMux.commandMu.
package control

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/scanworks/pinchot/internal/control/codec"
	"github.com/scanworks/pinchot/internal/scanerr"
)

const serviceName = "pinchot.control.Control"

func fullMethod(name string) string {
	return "/" + serviceName + "/" + name
}

// Client is a control-channel client for one scan head.
type Client struct {
	cc *grpc.ClientConn

	commandMu sync.Mutex // serialises all RPCs on this head, FIFO via Go's mutex wait queue

	staleMu sync.Mutex
	stale   bool
}

// NewClient wraps an established *grpc.ClientConn for one head.
func NewClient(cc *grpc.ClientConn) *Client {
	return &Client{cc: cc}
}

// Dial establishes a plaintext control-channel connection to a head's
// control address (host:port) and wraps it as a Client. The control
// channel is assumed to run on a trusted management network, mirroring the
// teacher's own in-fleet gRPC usage with insecure transport credentials.
func Dial(address string) (*Client, error) {
	cc, err := grpc.NewClient(address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("control: dialing %s: %w", address, err)
	}
	return NewClient(cc), nil
}

// Stale reports whether the last command on this head timed out, per §4.3:
// "the head's connection is marked Stale and a reconnect is attempted at
// the next command."
func (c *Client) Stale() bool {
	c.staleMu.Lock()
	defer c.staleMu.Unlock()
	return c.stale
}

func (c *Client) markStale(stale bool) {
	c.staleMu.Lock()
	c.stale = stale
	c.staleMu.Unlock()
}

// invoke serialises one RPC behind commandMu and translates a context
// deadline/cancellation or a grpc DeadlineExceeded status into *scanerr.Error
// of kind Timeout, marking the connection Stale (§4.3).
func (c *Client) invoke(ctx context.Context, method string, req, reply any) error {
	c.commandMu.Lock()
	defer c.commandMu.Unlock()

	err := c.cc.Invoke(ctx, fullMethod(method), req, reply, grpc.CallContentSubtype(codec.Name))
	if err == nil {
		c.markStale(false)
		return nil
	}
	if ctx.Err() != nil || status.Code(err) == codes.DeadlineExceeded {
		c.markStale(true)
		return scanerr.Wrap(scanerr.Timeout, err, "control: %s timed out", method)
	}
	return scanerr.Wrap(scanerr.ProtocolError, err, "control: %s failed", method)
}

// GetStatus implements the §4.3 GetStatus operation.
func (c *Client) GetStatus(ctx context.Context) (*StatusResponse, error) {
	resp := &StatusResponse{}
	if err := c.invoke(ctx, "GetStatus", &StatusRequest{}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// GetCapabilities implements the §2.3 GetCapabilities operation.
func (c *Client) GetCapabilities(ctx context.Context) (*CapabilitiesResponse, error) {
	resp := &CapabilitiesResponse{}
	if err := c.invoke(ctx, "GetCapabilities", &CapabilitiesRequest{}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// ApplyConfiguration implements §4.3's ApplyConfiguration(snapshot, dirty mask).
func (c *Client) ApplyConfiguration(ctx context.Context, snap ConfigurationSnapshot) (*ApplyConfigurationResponse, error) {
	resp := &ApplyConfigurationResponse{}
	if err := c.invoke(ctx, "ApplyConfiguration", &snap, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// SetWindow implements §4.3's SetWindow.
func (c *Client) SetWindow(ctx context.Context, w WindowSnapshot) (*SetWindowResponse, error) {
	resp := &SetWindowResponse{}
	if err := c.invoke(ctx, "SetWindow", &w, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// SetExclusionMask implements §4.3's SetExclusionMask.
func (c *Client) SetExclusionMask(ctx context.Context, req SetExclusionMaskRequest) (*SetExclusionMaskResponse, error) {
	resp := &SetExclusionMaskResponse{}
	if err := c.invoke(ctx, "SetExclusionMask", &req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// SetBrightnessCorrection implements §4.3's SetBrightnessCorrection.
func (c *Client) SetBrightnessCorrection(ctx context.Context, req SetBrightnessCorrectionRequest) (*SetBrightnessCorrectionResponse, error) {
	resp := &SetBrightnessCorrectionResponse{}
	if err := c.invoke(ctx, "SetBrightnessCorrection", &req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// StartScanning implements §4.3's StartScanning(period_µs, data format, mode).
func (c *Client) StartScanning(ctx context.Context, req StartScanningRequest) (*StartScanningResponse, error) {
	resp := &StartScanningResponse{}
	if err := c.invoke(ctx, "StartScanning", &req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// StopScanning implements §4.3's StopScanning.
func (c *Client) StopScanning(ctx context.Context) (*StopScanningResponse, error) {
	resp := &StopScanningResponse{}
	if err := c.invoke(ctx, "StopScanning", &StopScanningRequest{}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// GetDiagnosticImage implements §4.3's GetDiagnosticImage(camera, type).
func (c *Client) GetDiagnosticImage(ctx context.Context, camera uint8, imageType, correlationID string) (*DiagnosticImageResponse, error) {
	req := DiagnosticImageRequest{Camera: camera, ImageType: imageType, CorrelationID: correlationID}
	resp := &DiagnosticImageResponse{}
	if err := c.invoke(ctx, "GetDiagnosticImage", &req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// KeepAlive pings the head to clear a Stale marking without issuing a real
// command (§4.3's "a reconnect is attempted at the next command").
func (c *Client) KeepAlive(ctx context.Context) (*KeepAliveResponse, error) {
	resp := &KeepAliveResponse{}
	if err := c.invoke(ctx, "KeepAlive", &KeepAliveRequest{}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Close tears down the underlying connection.
func (c *Client) Close() error {
	return c.cc.Close()
}
