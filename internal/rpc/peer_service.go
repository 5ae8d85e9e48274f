package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// PeerServiceServer is implemented by each orchestrator replica's
// PeerCoordinator to answer heartbeats and handoff offers point-to-point,
// as a fallback/accept-race companion to the gossip bus broadcast.
type PeerServiceServer interface {
	Heartbeat(ctx context.Context, req *HeartbeatRequest) (*HeartbeatReply, error)
	Offer(ctx context.Context, req *OfferRequest) (*OfferReply, error)
}

var peerServiceDesc = grpc.ServiceDesc{
	ServiceName: "powernode.PeerService",
	HandlerType: (*PeerServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Heartbeat", Handler: peerHeartbeatHandler},
		{MethodName: "Offer", Handler: peerOfferHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "powernode/peer_service.proto",
}

func peerHeartbeatHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(HeartbeatRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PeerServiceServer).Heartbeat(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/powernode.PeerService/Heartbeat"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(PeerServiceServer).Heartbeat(ctx, req.(*HeartbeatRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func peerOfferHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(OfferRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PeerServiceServer).Offer(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/powernode.PeerService/Offer"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(PeerServiceServer).Offer(ctx, req.(*OfferRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func RegisterPeerServiceServer(s *grpc.Server, srv PeerServiceServer) {
	s.RegisterService(&peerServiceDesc, srv)
}

// PeerServiceClient dials a peer orchestrator replica's PeerService endpoint.
type PeerServiceClient struct {
	conn *grpc.ClientConn
}

func NewPeerServiceClient(conn *grpc.ClientConn) *PeerServiceClient {
	return &PeerServiceClient{conn: conn}
}

func (c *PeerServiceClient) Heartbeat(ctx context.Context, req *HeartbeatRequest) (*HeartbeatReply, error) {
	out := new(HeartbeatReply)
	err := c.conn.Invoke(ctx, "/powernode.PeerService/Heartbeat", req, out, grpc.CallContentSubtype(codecName))
	return out, err
}

func (c *PeerServiceClient) Offer(ctx context.Context, req *OfferRequest) (*OfferReply, error) {
	out := new(OfferReply)
	err := c.conn.Invoke(ctx, "/powernode.PeerService/Offer", req, out, grpc.CallContentSubtype(codecName))
	return out, err
}
