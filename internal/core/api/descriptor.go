package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

/*
 * pointsflow.v1.RuleEngine carries JSON documents as google.protobuf.Struct,
 * so the descriptor below is the whole contract:
 *
 *   service RuleEngine {
 *     rpc ProcessEvent(google.protobuf.Struct) returns (google.protobuf.Struct);
 *     rpc ValidateGraph(google.protobuf.Struct) returns (google.protobuf.Struct);
 *     rpc SimulateRule(google.protobuf.Struct) returns (google.protobuf.Struct);
 *   }
 */

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "pointsflow.v1.RuleEngine"

const (
	methodProcessEvent  = "ProcessEvent"
	methodValidateGraph = "ValidateGraph"
	methodSimulateRule  = "SimulateRule"
)

// RuleEngineServer is the server API for pointsflow.v1.RuleEngine.
type RuleEngineServer interface {
	ProcessEvent(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ValidateGraph(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SimulateRule(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryMethod func(RuleEngineServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(method string, call unaryMethod) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(RuleEngineServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(RuleEngineServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// ServiceDesc describes pointsflow.v1.RuleEngine for grpc.Server.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RuleEngineServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: methodProcessEvent, Handler: unaryHandler(methodProcessEvent, RuleEngineServer.ProcessEvent)},
		{MethodName: methodValidateGraph, Handler: unaryHandler(methodValidateGraph, RuleEngineServer.ValidateGraph)},
		{MethodName: methodSimulateRule, Handler: unaryHandler(methodSimulateRule, RuleEngineServer.SimulateRule)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pointsflow/v1/rule_engine.proto",
}

// RegisterRuleEngineServer registers srv on s.
func RegisterRuleEngineServer(s grpc.ServiceRegistrar, srv RuleEngineServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// RuleEngineClient calls pointsflow.v1.RuleEngine.
type RuleEngineClient struct {
	cc grpc.ClientConnInterface
}

// NewRuleEngineClient wraps a client connection.
func NewRuleEngineClient(cc grpc.ClientConnInterface) *RuleEngineClient {
	return &RuleEngineClient{cc: cc}
}

func (c *RuleEngineClient) invoke(ctx context.Context, method string, in *structpb.Struct, opts []grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *RuleEngineClient) ProcessEvent(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, methodProcessEvent, in, opts)
}

func (c *RuleEngineClient) ValidateGraph(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, methodValidateGraph, in, opts)
}

func (c *RuleEngineClient) SimulateRule(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, methodSimulateRule, in, opts)
}
