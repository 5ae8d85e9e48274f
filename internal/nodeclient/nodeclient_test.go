package nodeclient

import (
	"context"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"

	"github.com/pai3-ceo/powernode-dim/internal/gateway"
	"github.com/pai3-ceo/powernode-dim/internal/job"
	"github.com/pai3-ceo/powernode-dim/internal/logx"
	"github.com/pai3-ceo/powernode-dim/internal/registry"
	"github.com/pai3-ceo/powernode-dim/internal/rpc"
	"github.com/pai3-ceo/powernode-dim/internal/simclock"
)

// fakeNodeService is a minimal in-process stand-in for a node daemon, just
// enough to exercise Dispatcher.Dispatch/Await/Cancel over real gRPC.
type fakeNodeService struct {
	dispatched chan string
	ready      bool
	outputRef  string
	errorKind  string
}

func (f *fakeNodeService) Dispatch(ctx context.Context, req *rpc.DispatchRequest) (*rpc.DispatchReply, error) {
	f.dispatched <- req.WorkItemID
	return &rpc.DispatchReply{Accepted: true}, nil
}

func (f *fakeNodeService) CancelWork(ctx context.Context, req *rpc.CancelWorkRequest) (*rpc.CancelWorkReply, error) {
	return &rpc.CancelWorkReply{Acknowledged: true}, nil
}

func (f *fakeNodeService) Result(ctx context.Context, req *rpc.ResultRequest) (*rpc.ResultReply, error) {
	if !f.ready {
		return &rpc.ResultReply{Ready: false}, nil
	}
	return &rpc.ResultReply{Ready: true, OutputRef: f.outputRef, ErrorKind: f.errorKind, ElapsedMs: 12}, nil
}

func startFakeNode(t *testing.T) (addr string, fake *fakeNodeService, stop func()) {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	fake = &fakeNodeService{dispatched: make(chan string, 4)}
	s := grpc.NewServer()
	rpc.RegisterNodeServiceServer(s, fake)
	go s.Serve(lis)
	return lis.Addr().String(), fake, s.Stop
}

func newTestPool(t *testing.T, endpoint string) *Pool {
	t.Helper()
	clock := simclock.New(1000)
	log := logx.New("t", clock)
	gw := gateway.NewInMemory(clock, log)
	reg := registry.New(gw, log, clock, registry.Config{HeartbeatTopic: "nodes.heartbeat"})
	reg.ApplyHeartbeat(registry.HeartbeatPayload{NodeID: "n1", Endpoint: endpoint, Capacity: 4})
	return NewPool(reg, log, clock)
}

func TestDispatchReachesNode(t *testing.T) {
	addr, fake, stop := startFakeNode(t)
	defer stop()

	pool := newTestPool(t, addr)
	d := pool.Dispatcher("n1")

	err := d.Dispatch(context.Background(), job.WorkItem{ID: "w1", JobID: "j1", ModelID: "m1"})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	select {
	case id := <-fake.dispatched:
		if id != "w1" {
			t.Fatalf("expected w1, got %s", id)
		}
	case <-time.After(time.Second):
		t.Fatal("fake node never received dispatch")
	}
}

func TestAwaitPollsUntilReady(t *testing.T) {
	addr, fake, stop := startFakeNode(t)
	defer stop()

	pool := newTestPool(t, addr)
	d := pool.Dispatcher("n1")

	go func() {
		time.Sleep(30 * time.Millisecond)
		fake.ready = true
		fake.outputRef = "blob://out"
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := d.Await(ctx, "w1")
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if res.OutputRef != "blob://out" {
		t.Fatalf("expected output ref, got %q", res.OutputRef)
	}
}

func TestDispatchUnknownNodeFails(t *testing.T) {
	pool := newTestPool(t, "127.0.0.1:1")
	d := pool.Dispatcher("does-not-exist")
	if err := d.Dispatch(context.Background(), job.WorkItem{ID: "w1"}); err == nil {
		t.Fatal("expected error dispatching to unregistered node")
	}
}
