// Package nodeclient implements the orchestrator side of pattern.Dispatcher
// over internal/rpc's NodeService, pooling one gRPC connection per node
// endpoint. Grounded on the teacher's internal/scheduler/rpcclient.go
// (dial-once-cache-by-address, per-call context timeout) and
// internal/swim/manager.go's connection-pool idiom.
package nodeclient

import (
	"context"
	"sync"
	"time"

	"github.com/pai3-ceo/powernode-dim/internal/job"
	"github.com/pai3-ceo/powernode-dim/internal/joberr"
	"github.com/pai3-ceo/powernode-dim/internal/logx"
	"github.com/pai3-ceo/powernode-dim/internal/registry"
	"github.com/pai3-ceo/powernode-dim/internal/rpc"
	"github.com/pai3-ceo/powernode-dim/internal/simclock"

	"google.golang.org/grpc"
)

const dialTimeout = 5 * time.Second

// Pool dials and caches one connection per node endpoint, handing out a
// pattern.Dispatcher scoped to a single node id on demand.
type Pool struct {
	reg   *registry.Registry
	log   *logx.Logger
	clock *simclock.Clock

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn // keyed by endpoint
}

func NewPool(reg *registry.Registry, log *logx.Logger, clock *simclock.Clock) *Pool {
	return &Pool{reg: reg, log: log, clock: clock, conns: make(map[string]*grpc.ClientConn)}
}

func (p *Pool) connFor(ctx context.Context, nodeID string) (*grpc.ClientConn, error) {
	rec, ok := p.reg.Get(nodeID)
	if !ok || rec.Endpoint == "" {
		return nil, joberr.New(joberr.NodeUnavailable, "node %s not in registry or has no endpoint", nodeID)
	}
	p.mu.Lock()
	conn, ok := p.conns[rec.Endpoint]
	p.mu.Unlock()
	if ok {
		return conn, nil
	}
	conn, err := rpc.Dial(ctx, rec.Endpoint, dialTimeout)
	if err != nil {
		return nil, joberr.Wrap(joberr.NodeUnavailable, err, "dial node %s at %s", nodeID, rec.Endpoint)
	}
	p.mu.Lock()
	p.conns[rec.Endpoint] = conn
	p.mu.Unlock()
	return conn, nil
}

// Dispatcher returns a pattern.Dispatcher that routes every call to nodeID,
// matching jobmanager's dispatcherFor(nodeID) shape.
func (p *Pool) Dispatcher(nodeID string) *Dispatcher {
	return &Dispatcher{pool: p, nodeID: nodeID}
}

// Dispatcher is a pattern.Dispatcher bound to one node id.
type Dispatcher struct {
	pool   *Pool
	nodeID string
}

func (d *Dispatcher) client(ctx context.Context) (*rpc.NodeServiceClient, error) {
	conn, err := d.pool.connFor(ctx, d.nodeID)
	if err != nil {
		return nil, err
	}
	return rpc.NewNodeServiceClient(conn), nil
}

func (d *Dispatcher) Dispatch(ctx context.Context, item job.WorkItem) error {
	c, err := d.client(ctx)
	if err != nil {
		return err
	}
	reply, err := c.Dispatch(ctx, &rpc.DispatchRequest{
		WorkItemID: item.ID,
		JobID:      item.JobID,
		ModelID:    item.ModelID,
		InputsRef:  item.InputsRef,
		Deadline:   item.Deadline,
	})
	if err != nil {
		return joberr.Wrap(joberr.NodeUnavailable, err, "dispatch %s to %s", item.ID, d.nodeID)
	}
	if reply.Backpressure {
		return joberr.New(joberr.Backpressure, "%s", reply.Reason)
	}
	if !reply.Accepted {
		return joberr.New(joberr.NodeUnavailable, "node %s rejected %s: %s", d.nodeID, item.ID, reply.Reason)
	}
	return nil
}

// Await polls Result at a fixed interval until the node daemon reports the
// work item done or ctx is cancelled/deadline exceeded. The node daemon
// also pushes results.ready proactively; polling is the fallback path this
// type owns so pattern.Dispatcher stays a single narrow contract.
func (d *Dispatcher) Await(ctx context.Context, workItemID string) (*job.PartialResult, error) {
	c, err := d.client(ctx)
	if err != nil {
		return nil, err
	}
	for {
		reply, err := c.Result(ctx, &rpc.ResultRequest{WorkItemID: workItemID})
		if err != nil {
			return nil, joberr.Wrap(joberr.NodeUnavailable, err, "poll result %s from %s", workItemID, d.nodeID)
		}
		if reply.Ready {
			res := &job.PartialResult{
				WorkItemID: workItemID,
				NodeID:     d.nodeID,
				OutputRef:  reply.OutputRef,
				Elapsed:    time.Duration(reply.ElapsedMs) * time.Millisecond,
			}
			if reply.ErrorKind != "" {
				res.Err = joberr.New(joberr.Kind(reply.ErrorKind), "%s", reply.ErrorMsg)
			}
			return res, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d.pool.clock.ToReal(250 * time.Millisecond)):
		}
	}
}

func (d *Dispatcher) Cancel(ctx context.Context, workItemID string) {
	c, err := d.client(ctx)
	if err != nil {
		return
	}
	_, _ = c.CancelWork(ctx, &rpc.CancelWorkRequest{WorkItemID: workItemID})
}
