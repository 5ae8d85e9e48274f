// Package grpcserver starts and stops the gRPC listener shared by the node
// daemon's NodeService and the orchestrator replica's PeerService. Grounded
// on the teacher's own internal/grpcserver: listen, register, serve in a
// goroutine, return a stoppable handle — the exact shape, generalized from
// a single hardcoded Gossip service to any grpc.Server the caller has
// already registered services on.
package grpcserver

import (
	"fmt"
	"net"

	"github.com/pai3-ceo/powernode-dim/internal/logx"

	"google.golang.org/grpc"
)

// Start listens on addr and serves s in a background goroutine. Callers
// register their services (rpc.RegisterNodeServiceServer,
// rpc.RegisterPeerServiceServer) on s before calling Start.
func Start(addr string, s *grpc.Server, log *logx.Logger) (net.Listener, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	go func() {
		if err := s.Serve(lis); err != nil {
			log.Errorf("gRPC serve on %s: %v", addr, err)
		}
	}()
	log.Infof("gRPC listening on %s", addr)
	return lis, nil
}

// Stop is idempotent: stops the server and closes the listener.
func Stop(s *grpc.Server, lis net.Listener, log *logx.Logger) {
	if s != nil {
		s.Stop()
	}
	if lis != nil {
		_ = lis.Close()
	}
	log.Warnf("gRPC stopped")
}
