package fleetrpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "fleet.v1.FleetService"

const (
	MethodRankDevices         = "RankDevices"
	MethodGetDevice           = "GetDevice"
	MethodFleetSummary        = "FleetSummary"
	MethodCycleCounts         = "CycleCounts"
	MethodListCycleTally      = "ListCycleTally"
	MethodIncrementCycleTally = "IncrementCycleTally"
	MethodSetCycleTally       = "SetCycleTally"
)

// FullMethod returns the gRPC path of a FleetService method.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// FleetServer is the server API of FleetService.
type FleetServer interface {
	RankDevices(context.Context, *RankDevicesRequest) (*RankDevicesResponse, error)
	GetDevice(context.Context, *GetDeviceRequest) (*GetDeviceResponse, error)
	FleetSummary(context.Context, *FleetSummaryRequest) (*FleetSummaryResponse, error)
	CycleCounts(context.Context, *CycleCountsRequest) (*CycleCountsResponse, error)
	ListCycleTally(context.Context, *ListCycleTallyRequest) (*ListCycleTallyResponse, error)
	IncrementCycleTally(context.Context, *IncrementCycleTallyRequest) (*IncrementCycleTallyResponse, error)
	SetCycleTally(context.Context, *SetCycleTallyRequest) (*SetCycleTallyResponse, error)
}

// RegisterFleetServer registers srv on s.
func RegisterFleetServer(s grpc.ServiceRegistrar, srv FleetServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// unaryHandler adapts a typed FleetServer method to a grpc.MethodHandler
// exchanging structpb.Struct messages.
func unaryHandler[Req, Resp any](method string, call func(FleetServer, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := &structpb.Struct{}
		if err := dec(in); err != nil {
			return nil, err
		}

		invoke := func(ctx context.Context, req any) (any, error) {
			var typed Req
			if err := Decode(req.(*structpb.Struct), &typed); err != nil {
				return nil, status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
			}

			resp, err := call(srv.(FleetServer), ctx, &typed)
			if err != nil {
				return nil, err
			}

			out, err := Encode(resp)
			if err != nil {
				return nil, status.Errorf(codes.Internal, "encode response: %v", err)
			}
			return out, nil
		}

		if interceptor == nil {
			return invoke(ctx, in)
		}

		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: FullMethod(method),
		}
		return interceptor(ctx, in, info, invoke)
	}
}

// ServiceDesc is the grpc.ServiceDesc of FleetService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*FleetServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: MethodRankDevices,
			Handler:    unaryHandler(MethodRankDevices, FleetServer.RankDevices),
		},
		{
			MethodName: MethodGetDevice,
			Handler:    unaryHandler(MethodGetDevice, FleetServer.GetDevice),
		},
		{
			MethodName: MethodFleetSummary,
			Handler:    unaryHandler(MethodFleetSummary, FleetServer.FleetSummary),
		},
		{
			MethodName: MethodCycleCounts,
			Handler:    unaryHandler(MethodCycleCounts, FleetServer.CycleCounts),
		},
		{
			MethodName: MethodListCycleTally,
			Handler:    unaryHandler(MethodListCycleTally, FleetServer.ListCycleTally),
		},
		{
			MethodName: MethodIncrementCycleTally,
			Handler:    unaryHandler(MethodIncrementCycleTally, FleetServer.IncrementCycleTally),
		},
		{
			MethodName: MethodSetCycleTally,
			Handler:    unaryHandler(MethodSetCycleTally, FleetServer.SetCycleTally),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "fleet/v1/fleet.proto",
}

// Client is the FleetService client.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient creates a FleetService client on cc.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func invoke[Req, Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, req *Req, opts ...grpc.CallOption) (*Resp, error) {
	in, err := Encode(req)
	if err != nil {
		return nil, err
	}

	out := &structpb.Struct{}
	if err := cc.Invoke(ctx, FullMethod(method), in, out, opts...); err != nil {
		return nil, err
	}

	resp := new(Resp)
	if err := Decode(out, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) RankDevices(ctx context.Context, req *RankDevicesRequest, opts ...grpc.CallOption) (*RankDevicesResponse, error) {
	return invoke[RankDevicesRequest, RankDevicesResponse](ctx, c.cc, MethodRankDevices, req, opts...)
}

func (c *Client) GetDevice(ctx context.Context, req *GetDeviceRequest, opts ...grpc.CallOption) (*GetDeviceResponse, error) {
	return invoke[GetDeviceRequest, GetDeviceResponse](ctx, c.cc, MethodGetDevice, req, opts...)
}

func (c *Client) FleetSummary(ctx context.Context, req *FleetSummaryRequest, opts ...grpc.CallOption) (*FleetSummaryResponse, error) {
	return invoke[FleetSummaryRequest, FleetSummaryResponse](ctx, c.cc, MethodFleetSummary, req, opts...)
}

func (c *Client) CycleCounts(ctx context.Context, req *CycleCountsRequest, opts ...grpc.CallOption) (*CycleCountsResponse, error) {
	return invoke[CycleCountsRequest, CycleCountsResponse](ctx, c.cc, MethodCycleCounts, req, opts...)
}

func (c *Client) ListCycleTally(ctx context.Context, req *ListCycleTallyRequest, opts ...grpc.CallOption) (*ListCycleTallyResponse, error) {
	return invoke[ListCycleTallyRequest, ListCycleTallyResponse](ctx, c.cc, MethodListCycleTally, req, opts...)
}

func (c *Client) IncrementCycleTally(ctx context.Context, req *IncrementCycleTallyRequest, opts ...grpc.CallOption) (*IncrementCycleTallyResponse, error) {
	return invoke[IncrementCycleTallyRequest, IncrementCycleTallyResponse](ctx, c.cc, MethodIncrementCycleTally, req, opts...)
}

func (c *Client) SetCycleTally(ctx context.Context, req *SetCycleTallyRequest, opts ...grpc.CallOption) (*SetCycleTallyResponse, error) {
	return invoke[SetCycleTallyRequest, SetCycleTallyResponse](ctx, c.cc, MethodSetCycleTally, req, opts...)
}
