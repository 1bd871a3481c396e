package control

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"
)

// jsonCodecName is the gRPC content-subtype this package registers and
// requires clients to select (grpc.CallContentSubtype(jsonCodecName)),
// replacing the usual protobuf wire codec so the service can be hand
// written without a protoc step (see DESIGN.md).
const jsonCodecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)        { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error   { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                         { return jsonCodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// ServiceName is the fully qualified gRPC service name clients dial.
const ServiceName = "netmate.control.Control"

// ControlServer is the gRPC-facing interface; Service below adapts a
// Controller to it.
type ControlServer interface {
	GetInfo(ctx context.Context, req *GetInfoRequest) (*GetInfoResponse, error)
	GetModInfo(ctx context.Context, req *GetModInfoRequest) (*GetModInfoResponse, error)
	AddTask(ctx context.Context, req *AddTaskRequest) (*AddTaskResponse, error)
	RmTask(ctx context.Context, req *RmTaskRequest) (*RmTaskResponse, error)
}

// Service adapts a Controller to ControlServer, translating between the
// JSON wire types and the classifier/metrics domain types and mapping
// Controller's typed Code into the matching grpc/codes.Code.
type Service struct {
	ctrl *Controller
}

// NewService wraps ctrl for gRPC registration.
func NewService(ctrl *Controller) *Service {
	return &Service{ctrl: ctrl}
}

func grpcError(err error) error {
	ce, ok := err.(*Error)
	if !ok {
		return status.Error(codes.Internal, err.Error())
	}
	var c codes.Code
	switch ce.Code {
	case CodeInvalidArgument:
		c = codes.InvalidArgument
	case CodeNotFound:
		c = codes.NotFound
	case CodeAlreadyExists:
		c = codes.AlreadyExists
	default:
		c = codes.Internal
	}
	return status.Error(c, ce.Error())
}

func (s *Service) GetInfo(ctx context.Context, req *GetInfoRequest) (*GetInfoResponse, error) {
	rs, err := s.ctrl.GetInfo(req.Type, req.Param)
	if err != nil {
		return nil, grpcError(err)
	}
	resp := &GetInfoResponse{}
	for _, r := range rs {
		resp.Rules = append(resp.Rules, ruleToWire(r))
	}
	return resp, nil
}

func (s *Service) GetModInfo(ctx context.Context, req *GetModInfoRequest) (*GetModInfoResponse, error) {
	fields, err := s.ctrl.GetModInfo(req.Name)
	if err != nil {
		return nil, grpcError(err)
	}
	resp := &GetModInfoResponse{}
	for _, f := range fields {
		resp.Fields = append(resp.Fields, FieldInfoWire{Name: f.Name, Type: dataTypeToWire(f.Type)})
	}
	return resp, nil
}

func (s *Service) AddTask(ctx context.Context, req *AddTaskRequest) (*AddTaskResponse, error) {
	r, err := ruleFromWire(req.Rule)
	if err != nil {
		return nil, grpcError(wrapf(CodeInvalidArgument, "add_task", "%w", err))
	}
	id, err := s.ctrl.AddTask(r)
	if err != nil {
		return nil, grpcError(err)
	}
	return &AddTaskResponse{ID: id}, nil
}

func (s *Service) RmTask(ctx context.Context, req *RmTaskRequest) (*RmTaskResponse, error) {
	if err := s.ctrl.RmTask(req.ID); err != nil {
		return nil, grpcError(err)
	}
	return &RmTaskResponse{}, nil
}

func _Control_GetInfo_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(GetInfoRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControlServer).GetInfo(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/GetInfo"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ControlServer).GetInfo(ctx, req.(*GetInfoRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Control_GetModInfo_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(GetModInfoRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControlServer).GetModInfo(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/GetModInfo"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ControlServer).GetModInfo(ctx, req.(*GetModInfoRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Control_AddTask_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(AddTaskRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControlServer).AddTask(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/AddTask"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ControlServer).AddTask(ctx, req.(*AddTaskRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Control_RmTask_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(RmTaskRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControlServer).RmTask(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/RmTask"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ControlServer).RmTask(ctx, req.(*RmTaskRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// ServiceDesc is the hand-written equivalent of what protoc-gen-go-grpc
// would emit from a control.proto — there is no .proto in this repo (spec
// §9 DESIGN NOTES, DESIGN.md), so the method table is written directly
// against grpc.ServiceDesc/grpc.MethodDesc.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetInfo", Handler: _Control_GetInfo_Handler},
		{MethodName: "GetModInfo", Handler: _Control_GetModInfo_Handler},
		{MethodName: "AddTask", Handler: _Control_AddTask_Handler},
		{MethodName: "RmTask", Handler: _Control_RmTask_Handler},
	},
	Metadata: "internal/control/control.go",
}

// RegisterControlServer registers srv on a gRPC server under ServiceDesc.
func RegisterControlServer(s *grpc.Server, srv ControlServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// Client is a thin wrapper over a grpc.ClientConnInterface selecting the
// JSON content-subtype for every call, standing in for the Invoke calls a
// generated *ControlClient would make.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps cc.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) callOpts(opts []grpc.CallOption) []grpc.CallOption {
	return append([]grpc.CallOption{grpc.CallContentSubtype(jsonCodecName)}, opts...)
}

func (c *Client) GetInfo(ctx context.Context, req *GetInfoRequest, opts ...grpc.CallOption) (*GetInfoResponse, error) {
	out := new(GetInfoResponse)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/GetInfo", req, out, c.callOpts(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetModInfo(ctx context.Context, req *GetModInfoRequest, opts ...grpc.CallOption) (*GetModInfoResponse, error) {
	out := new(GetModInfoResponse)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/GetModInfo", req, out, c.callOpts(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) AddTask(ctx context.Context, req *AddTaskRequest, opts ...grpc.CallOption) (*AddTaskResponse, error) {
	out := new(AddTaskResponse)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/AddTask", req, out, c.callOpts(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) RmTask(ctx context.Context, req *RmTaskRequest, opts ...grpc.CallOption) (*RmTaskResponse, error) {
	out := new(RmTaskResponse)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/RmTask", req, out, c.callOpts(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}
