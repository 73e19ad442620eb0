package control

import (
	"context"

	"google.golang.org/grpc"
)

// Handler implements the server side of every control-channel operation
// (§4.3). A real deployment target is the head's own firmware; in this
// codebase Handler is implemented only by the in-process simulators used in
// the control and scansystem tests.
type Handler interface {
	GetStatus(ctx context.Context, req *StatusRequest) (*StatusResponse, error)
	GetCapabilities(ctx context.Context, req *CapabilitiesRequest) (*CapabilitiesResponse, error)
	ApplyConfiguration(ctx context.Context, req *ConfigurationSnapshot) (*ApplyConfigurationResponse, error)
	SetWindow(ctx context.Context, req *WindowSnapshot) (*SetWindowResponse, error)
	SetExclusionMask(ctx context.Context, req *SetExclusionMaskRequest) (*SetExclusionMaskResponse, error)
	SetBrightnessCorrection(ctx context.Context, req *SetBrightnessCorrectionRequest) (*SetBrightnessCorrectionResponse, error)
	StartScanning(ctx context.Context, req *StartScanningRequest) (*StartScanningResponse, error)
	StopScanning(ctx context.Context, req *StopScanningRequest) (*StopScanningResponse, error)
	GetDiagnosticImage(ctx context.Context, req *DiagnosticImageRequest) (*DiagnosticImageResponse, error)
	KeepAlive(ctx context.Context, req *KeepAliveRequest) (*KeepAliveResponse, error)
}

func wrapHandler[Req, Resp any](method string, call func(Handler, context.Context, *Req) (*Resp, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		h := srv.(Handler)
		req := new(Req)
		if err := dec(req); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(h, ctx, req)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(h, ctx, req.(*Req))
		}
		return interceptor(ctx, req, info, handler)
	}
}

// serviceDesc describes the gob-codec control service for RegisterService.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Handler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetStatus", Handler: wrapHandler("GetStatus", func(h Handler, ctx context.Context, req *StatusRequest) (*StatusResponse, error) {
			return h.GetStatus(ctx, req)
		})},
		{MethodName: "GetCapabilities", Handler: wrapHandler("GetCapabilities", func(h Handler, ctx context.Context, req *CapabilitiesRequest) (*CapabilitiesResponse, error) {
			return h.GetCapabilities(ctx, req)
		})},
		{MethodName: "ApplyConfiguration", Handler: wrapHandler("ApplyConfiguration", func(h Handler, ctx context.Context, req *ConfigurationSnapshot) (*ApplyConfigurationResponse, error) {
			return h.ApplyConfiguration(ctx, req)
		})},
		{MethodName: "SetWindow", Handler: wrapHandler("SetWindow", func(h Handler, ctx context.Context, req *WindowSnapshot) (*SetWindowResponse, error) {
			return h.SetWindow(ctx, req)
		})},
		{MethodName: "SetExclusionMask", Handler: wrapHandler("SetExclusionMask", func(h Handler, ctx context.Context, req *SetExclusionMaskRequest) (*SetExclusionMaskResponse, error) {
			return h.SetExclusionMask(ctx, req)
		})},
		{MethodName: "SetBrightnessCorrection", Handler: wrapHandler("SetBrightnessCorrection", func(h Handler, ctx context.Context, req *SetBrightnessCorrectionRequest) (*SetBrightnessCorrectionResponse, error) {
			return h.SetBrightnessCorrection(ctx, req)
		})},
		{MethodName: "StartScanning", Handler: wrapHandler("StartScanning", func(h Handler, ctx context.Context, req *StartScanningRequest) (*StartScanningResponse, error) {
			return h.StartScanning(ctx, req)
		})},
		{MethodName: "StopScanning", Handler: wrapHandler("StopScanning", func(h Handler, ctx context.Context, req *StopScanningRequest) (*StopScanningResponse, error) {
			return h.StopScanning(ctx, req)
		})},
		{MethodName: "GetDiagnosticImage", Handler: wrapHandler("GetDiagnosticImage", func(h Handler, ctx context.Context, req *DiagnosticImageRequest) (*DiagnosticImageResponse, error) {
			return h.GetDiagnosticImage(ctx, req)
		})},
		{MethodName: "KeepAlive", Handler: wrapHandler("KeepAlive", func(h Handler, ctx context.Context, req *KeepAliveRequest) (*KeepAliveResponse, error) {
			return h.KeepAlive(ctx, req)
		})},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pinchot/control.proto",
}

// RegisterService registers h against grpcServer under the control
// service's method table, mirroring the teacher's RegisterService helper in
// internal/lidar/visualiser/grpc_server.go.
func RegisterService(grpcServer *grpc.Server, h Handler) {
	grpcServer.RegisterService(&serviceDesc, h)
}
