package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// NodeServiceServer is implemented by the node daemon's RPC-facing
// adapter over JobQueue/WorkerSupervisor.
type NodeServiceServer interface {
	Dispatch(ctx context.Context, req *DispatchRequest) (*DispatchReply, error)
	CancelWork(ctx context.Context, req *CancelWorkRequest) (*CancelWorkReply, error)
	Result(ctx context.Context, req *ResultRequest) (*ResultReply, error)
}

var nodeServiceDesc = grpc.ServiceDesc{
	ServiceName: "powernode.NodeService",
	HandlerType: (*NodeServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Dispatch", Handler: nodeDispatchHandler},
		{MethodName: "CancelWork", Handler: nodeCancelWorkHandler},
		{MethodName: "Result", Handler: nodeResultHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "powernode/node_service.proto",
}

func nodeDispatchHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(DispatchRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NodeServiceServer).Dispatch(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/powernode.NodeService/Dispatch"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(NodeServiceServer).Dispatch(ctx, req.(*DispatchRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func nodeCancelWorkHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(CancelWorkRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NodeServiceServer).CancelWork(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/powernode.NodeService/CancelWork"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(NodeServiceServer).CancelWork(ctx, req.(*CancelWorkRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func nodeResultHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ResultRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NodeServiceServer).Result(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/powernode.NodeService/Result"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(NodeServiceServer).Result(ctx, req.(*ResultRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func RegisterNodeServiceServer(s *grpc.Server, srv NodeServiceServer) {
	s.RegisterService(&nodeServiceDesc, srv)
}

// NodeServiceClient dials a node daemon's NodeService endpoint.
type NodeServiceClient struct {
	conn *grpc.ClientConn
}

func NewNodeServiceClient(conn *grpc.ClientConn) *NodeServiceClient {
	return &NodeServiceClient{conn: conn}
}

func (c *NodeServiceClient) Dispatch(ctx context.Context, req *DispatchRequest) (*DispatchReply, error) {
	out := new(DispatchReply)
	err := c.conn.Invoke(ctx, "/powernode.NodeService/Dispatch", req, out, grpc.CallContentSubtype(codecName))
	return out, err
}

func (c *NodeServiceClient) CancelWork(ctx context.Context, req *CancelWorkRequest) (*CancelWorkReply, error) {
	out := new(CancelWorkReply)
	err := c.conn.Invoke(ctx, "/powernode.NodeService/CancelWork", req, out, grpc.CallContentSubtype(codecName))
	return out, err
}

func (c *NodeServiceClient) Result(ctx context.Context, req *ResultRequest) (*ResultReply, error) {
	out := new(ResultReply)
	err := c.conn.Invoke(ctx, "/powernode.NodeService/Result", req, out, grpc.CallContentSubtype(codecName))
	return out, err
}
