// Package nodedaemon wires JobQueue, WorkerSupervisor, ModelCache, and
// ResourceAccountant behind rpc.NodeServiceServer — the node-side half of
// §4.6/§4.7/§4.8/§4.9, grounded on the original source's daemon.py
// (DIMDaemon: submit_job/get_job_status backed by a queue + worker pool)
// fused with the teacher's explicit Start/Stop component lifecycle.
package nodedaemon

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/pai3-ceo/powernode-dim/internal/gateway"
	"github.com/pai3-ceo/powernode-dim/internal/gateway/mutable"
	"github.com/pai3-ceo/powernode-dim/internal/job"
	"github.com/pai3-ceo/powernode-dim/internal/joberr"
	"github.com/pai3-ceo/powernode-dim/internal/logx"
	"github.com/pai3-ceo/powernode-dim/internal/modelcache"
	"github.com/pai3-ceo/powernode-dim/internal/queue"
	"github.com/pai3-ceo/powernode-dim/internal/resource"
	"github.com/pai3-ceo/powernode-dim/internal/rpc"
	"github.com/pai3-ceo/powernode-dim/internal/simclock"
	"github.com/pai3-ceo/powernode-dim/internal/worker"
)

// Daemon is one node's local service: admits work through Queue, fetches
// model bytes through Cache, and runs work items through Supervisor.
type Daemon struct {
	nodeID string
	gw     *gateway.StateGateway
	acct   *resource.Accountant
	cache  *modelcache.Cache
	sup    *worker.Supervisor
	q      *queue.Queue
	log    *logx.Logger

	resultsTopic string
	defaultReq   resource.Request

	mu      sync.Mutex
	results map[string]*job.PartialResult
}

func New(nodeID string, gw *gateway.StateGateway, acct *resource.Accountant, cache *modelcache.Cache,
	sup *worker.Supervisor, log *logx.Logger, clock *simclock.Clock, resultsTopic string, defaultReq resource.Request) *Daemon {
	d := &Daemon{
		nodeID:       nodeID,
		gw:           gw,
		acct:         acct,
		cache:        cache,
		sup:          sup,
		log:          log,
		resultsTopic: resultsTopic,
		defaultReq:   defaultReq,
		results:      make(map[string]*job.PartialResult),
	}
	d.q = queue.New(acct, log, clock, d.runWorkItem)
	return d
}

// stageInput fetches a work item's input blob and writes it to a temp file,
// the on-disk handoff ProcessBackend/PodmanBackend both expect.
func stageInput(ctx context.Context, gw *gateway.StateGateway, inputsRef string) (string, error) {
	data, err := gw.GetBlob(ctx, inputsRef)
	if err != nil {
		return "", joberr.Wrap(joberr.WorkerCrashed, err, "fetch input blob %s", inputsRef)
	}
	f, err := os.CreateTemp("", "powernode-input-*.json")
	if err != nil {
		return "", fmt.Errorf("stage input: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return "", fmt.Errorf("stage input: %w", err)
	}
	return f.Name(), nil
}

// Run starts the dispatcher loop; call from the node daemon's main
// goroutine tree before serving RPCs.
func (d *Daemon) Run(ctx context.Context) {
	d.q.Run(ctx, func(job.WorkItem) resource.Request { return d.defaultReq })
}

// modelBlobRef resolves a model id to its blob handle via the model
// catalog mutable record, the node daemon's only indirect lookup.
func (d *Daemon) modelBlobRef(ctx context.Context, modelID string) (string, error) {
	var catalog map[string]string
	if err := d.gw.GetJSONRecord(ctx, mutable.ModelCatalogName, &catalog); err != nil {
		return "", joberr.Wrap(joberr.ModelFetchFailed, err, "read model catalog")
	}
	ref, ok := catalog[modelID]
	if !ok {
		return "", joberr.New(joberr.ModelFetchFailed, "model %s not in catalog", modelID)
	}
	return ref, nil
}

func (d *Daemon) runWorkItem(ctx context.Context, item job.WorkItem, tok resource.Token) (res *job.PartialResult) {
	defer func() {
		d.mu.Lock()
		d.results[item.ID] = res
		d.mu.Unlock()

		if d.resultsTopic != "" {
			if err := d.gw.Publish(ctx, d.resultsTopic, d.nodeID, "work_item.result", res); err != nil {
				d.log.Warnf("publish result for %s: %v", item.ID, err)
			}
		}
	}()

	blobRef, err := d.modelBlobRef(ctx, item.ModelID)
	if err != nil {
		return &job.PartialResult{WorkItemID: item.ID, NodeID: d.nodeID, Err: err}
	}
	if _, err := d.cache.Acquire(ctx, item.ModelID, blobRef); err != nil {
		return &job.PartialResult{WorkItemID: item.ID, NodeID: d.nodeID, Err: err}
	}
	defer d.cache.Release(item.ModelID)

	inputPath, err := stageInput(ctx, d.gw, item.InputsRef)
	if err != nil {
		return &job.PartialResult{WorkItemID: item.ID, NodeID: d.nodeID, Err: err}
	}

	res = d.sup.Run(ctx, item, inputPath)
	res.NodeID = d.nodeID
	return res
}

// Dispatch implements rpc.NodeServiceServer.
func (d *Daemon) Dispatch(ctx context.Context, req *rpc.DispatchRequest) (*rpc.DispatchReply, error) {
	item := job.WorkItem{
		ID:        req.WorkItemID,
		JobID:     req.JobID,
		NodeID:    d.nodeID,
		ModelID:   req.ModelID,
		InputsRef: req.InputsRef,
		Deadline:  req.Deadline,
	}
	if err := d.q.Enqueue(item, job.Priority(req.Priority), d.defaultReq); err != nil {
		if joberr.KindOf(err) == joberr.Backpressure {
			return &rpc.DispatchReply{Accepted: false, Backpressure: true, Reason: err.Error()}, nil
		}
		return &rpc.DispatchReply{Accepted: false, Reason: err.Error()}, nil
	}
	return &rpc.DispatchReply{Accepted: true}, nil
}

// CancelWork implements rpc.NodeServiceServer. Best-effort: a work item
// already running to completion cannot be interrupted mid-backend-call
// here, matching the Dispatcher.Cancel contract's "best-effort" wording.
func (d *Daemon) CancelWork(ctx context.Context, req *rpc.CancelWorkRequest) (*rpc.CancelWorkReply, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.results[req.WorkItemID]; !ok {
		d.results[req.WorkItemID] = &job.PartialResult{
			WorkItemID: req.WorkItemID,
			NodeID:     d.nodeID,
			Err:        joberr.New(joberr.Timeout, "work item %s cancelled before completion", req.WorkItemID),
		}
	}
	return &rpc.CancelWorkReply{Acknowledged: true}, nil
}

// Result implements rpc.NodeServiceServer, the point-read fallback to the
// results.ready broadcast.
func (d *Daemon) Result(ctx context.Context, req *rpc.ResultRequest) (*rpc.ResultReply, error) {
	d.mu.Lock()
	res, ok := d.results[req.WorkItemID]
	d.mu.Unlock()
	if !ok {
		return &rpc.ResultReply{Ready: false}, nil
	}
	reply := &rpc.ResultReply{Ready: true, OutputRef: res.OutputRef, ElapsedMs: res.Elapsed.Milliseconds()}
	if res.Failed() {
		reply.ErrorKind = string(joberr.KindOf(res.Err))
		reply.ErrorMsg = res.Err.Error()
	}
	return reply, nil
}

var _ rpc.NodeServiceServer = (*Daemon)(nil)
