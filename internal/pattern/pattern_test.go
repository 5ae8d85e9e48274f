package pattern

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/pai3-ceo/powernode-dim/internal/gateway"
	"github.com/pai3-ceo/powernode-dim/internal/job"
	"github.com/pai3-ceo/powernode-dim/internal/joberr"
	"github.com/pai3-ceo/powernode-dim/internal/logx"
	"github.com/pai3-ceo/powernode-dim/internal/registry"
	"github.com/pai3-ceo/powernode-dim/internal/simclock"
)

// fakeDispatcher resolves each node's WorkItem according to a per-node
// script: a numeric vector to return, or an error to simulate a crash.
type fakeDispatcher struct {
	mu      sync.Mutex
	gw      *gateway.StateGateway
	byNode  map[string][]float64
	failing map[string]bool
	calls   map[string]int // dispatch count per node, for retry assertions
}

func newFakeDispatcher(gw *gateway.StateGateway) *fakeDispatcher {
	return &fakeDispatcher{gw: gw, byNode: map[string][]float64{}, failing: map[string]bool{}, calls: map[string]int{}}
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, item job.WorkItem) error {
	f.mu.Lock()
	f.calls[item.NodeID]++
	f.mu.Unlock()
	return nil
}

func (f *fakeDispatcher) Await(ctx context.Context, workItemID string) (*job.PartialResult, error) {
	return nil, nil // unused directly; tests go through nodeAwareDispatcher.Await below
}

func (f *fakeDispatcher) Cancel(ctx context.Context, workItemID string) {}

// nodeAwareDispatcher wraps fakeDispatcher so Await can resolve by the node
// the work item targeted (tracked out of band since fakeDispatcher doesn't
// persist items by id in this minimal harness).
type nodeAwareDispatcher struct {
	*fakeDispatcher
	itemNode map[string]string
	mu       sync.Mutex
}

func newNodeAwareDispatcher(gw *gateway.StateGateway) *nodeAwareDispatcher {
	return &nodeAwareDispatcher{fakeDispatcher: newFakeDispatcher(gw), itemNode: map[string]string{}}
}

func (d *nodeAwareDispatcher) Dispatch(ctx context.Context, item job.WorkItem) error {
	d.mu.Lock()
	d.itemNode[item.ID] = item.NodeID
	d.mu.Unlock()
	return d.fakeDispatcher.Dispatch(ctx, item)
}

func (d *nodeAwareDispatcher) Await(ctx context.Context, workItemID string) (*job.PartialResult, error) {
	d.mu.Lock()
	nodeID := d.itemNode[workItemID]
	d.mu.Unlock()

	if d.failing[nodeID] {
		return &job.PartialResult{WorkItemID: workItemID, NodeID: nodeID, Err: joberr.New(joberr.WorkerCrashed, "simulated crash")}, nil
	}
	vals := d.byNode[nodeID]
	raw, _ := json.Marshal(vals)
	handle, _ := d.gw.PutBlob(ctx, raw)
	return &job.PartialResult{WorkItemID: workItemID, NodeID: nodeID, OutputRef: handle, Elapsed: time.Millisecond}, nil
}

func testNodes(ids ...string) []registry.NodeRecord {
	out := make([]registry.NodeRecord, len(ids))
	for i, id := range ids {
		out[i] = registry.NodeRecord{NodeID: id, Reputation: 0.8, Capacity: 10}
	}
	return out
}

func TestFanOutHappyPath(t *testing.T) {
	clock := simclock.New(1)
	log := logx.New("t", clock)
	gw := gateway.NewInMemory(clock, log)
	d := newNodeAwareDispatcher(gw)
	d.byNode["A"] = []float64{1, 1}
	d.byNode["B"] = []float64{3, 3}
	d.byNode["C"] = []float64{5, 5}

	spec := &job.FanOutSpec{ModelID: "m1", NodeIDs: []string{"A", "B", "C"}, Aggregation: job.AggMean, Timeout: time.Second}
	j := &job.Job{ID: "job-1"}
	handle, err := RunFanOut(context.Background(), gw, d, j, spec, testNodes("A", "B", "C"), time.Now(), rand.New(rand.NewSource(1)), 1.0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var out []float64
	if e := gw.GetJSON(context.Background(), handle, &out); e != nil {
		t.Fatalf("get result: %v", e)
	}
	if out[0] != 3 || out[1] != 3 {
		t.Fatalf("expected [3 3], got %v", out)
	}
}

func TestFanOutQuorumWithOneFailure(t *testing.T) {
	clock := simclock.New(1)
	log := logx.New("t", clock)
	gw := gateway.NewInMemory(clock, log)
	d := newNodeAwareDispatcher(gw)
	d.byNode["A"] = []float64{1, 1}
	d.byNode["C"] = []float64{5, 5}
	d.failing["B"] = true

	spec := &job.FanOutSpec{ModelID: "m1", NodeIDs: []string{"A", "B", "C"}, Aggregation: job.AggMean, Timeout: time.Second}
	j := &job.Job{ID: "job-2"}
	handle, err := RunFanOut(context.Background(), gw, d, j, spec, testNodes("A", "B", "C"), time.Now(), rand.New(rand.NewSource(1)), 1.0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var out []float64
	_ = gw.GetJSON(context.Background(), handle, &out)
	if out[0] != 3 || out[1] != 3 {
		t.Fatalf("expected [3 3], got %v", out)
	}
}

func TestFanOutQuorumLostWithTwoFailures(t *testing.T) {
	clock := simclock.New(1)
	log := logx.New("t", clock)
	gw := gateway.NewInMemory(clock, log)
	d := newNodeAwareDispatcher(gw)
	d.byNode["A"] = []float64{1, 1}
	d.failing["B"] = true
	d.failing["C"] = true

	spec := &job.FanOutSpec{ModelID: "m1", NodeIDs: []string{"A", "B", "C"}, Aggregation: job.AggMean, Timeout: time.Second}
	j := &job.Job{ID: "job-3"}
	_, err := RunFanOut(context.Background(), gw, d, j, spec, testNodes("A", "B", "C"), time.Now(), rand.New(rand.NewSource(1)), 1.0)
	if err == nil || err.Kind != joberr.QuorumLost {
		t.Fatalf("expected QuorumLost, got %v", err)
	}
}

func TestConsensusWeighted(t *testing.T) {
	clock := simclock.New(1)
	log := logx.New("t", clock)
	gw := gateway.NewInMemory(clock, log)

	labelsByModel := map[string]string{"m1": "X", "m2": "X", "m3": "Y"}
	spec := &job.ConsensusSpec{ModelIDs: []string{"m1", "m2", "m3"}, NodeID: "A", Kind: job.ConsensusWeighted, MinimumAgreement: 0.5, Timeout: time.Second}
	j := &job.Job{ID: "job-4"}

	// consensus dispatches one work item per model id to the same node;
	// consensusFake records each work item's model id and answers Await
	// with that model's label.
	consensusDispatcher := &consensusFake{gw: gw, labelsByModel: labelsByModel, itemModel: map[string]string{}}

	reps := map[string]float64{"m1": 0.9, "m2": 0.2, "m3": 0.8}
	handle, err := RunConsensus(context.Background(), gw, consensusDispatcher, j, spec, registry.NodeRecord{NodeID: "A"}, reps, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var v struct{ Label string }
	if e := gw.GetJSON(context.Background(), handle, &v); e != nil {
		t.Fatalf("get result: %v", e)
	}
	if v.Label != "X" {
		t.Fatalf("expected label X, got %s", v.Label)
	}
}

type consensusFake struct {
	gw            *gateway.StateGateway
	labelsByModel map[string]string
	itemModel     map[string]string
	mu            sync.Mutex
}

func (f *consensusFake) Dispatch(ctx context.Context, item job.WorkItem) error {
	f.mu.Lock()
	f.itemModel[item.ID] = item.ModelID
	f.mu.Unlock()
	return nil
}

func (f *consensusFake) Await(ctx context.Context, workItemID string) (*job.PartialResult, error) {
	f.mu.Lock()
	modelID := f.itemModel[workItemID]
	f.mu.Unlock()
	raw, _ := json.Marshal(struct{ Label string }{Label: f.labelsByModel[modelID]})
	handle, _ := f.gw.PutBlob(ctx, raw)
	return &job.PartialResult{WorkItemID: workItemID, OutputRef: handle}, nil
}

func (f *consensusFake) Cancel(ctx context.Context, workItemID string) {}

func TestPipelineRollbackAndRetry(t *testing.T) {
	clock := simclock.New(1)
	log := logx.New("t", clock)
	gw := gateway.NewInMemory(clock, log)

	attempts := 0
	d := &pipelineFake{gw: gw, onStep2: func() (bool, []byte) {
		attempts++
		if attempts == 1 {
			return false, nil // first attempt times out
		}
		return true, []byte(`"done"`)
	}}

	spec := &job.PipelineSpec{
		Steps: []job.PipelineStep{
			{Index: 0, ModelID: "m1", NodeID: "A", InputRef: "client"},
			{Index: 1, ModelID: "m2", NodeID: "B", InputRef: "step-0"},
		},
		FailurePolicy: job.RollbackAndRetry,
		RetryLimit:    2,
	}
	j := &job.Job{ID: "job-5"}
	_, err := RunPipeline(context.Background(), gw, d, j, spec, "client-input", time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected step 2 dispatched twice, got %d", attempts)
	}
}

type pipelineFake struct {
	gw      *gateway.StateGateway
	onStep2 func() (bool, []byte)
	step    int
}

func (f *pipelineFake) Dispatch(ctx context.Context, item job.WorkItem) error {
	f.step = item.StepIndex
	return nil
}

func (f *pipelineFake) Await(ctx context.Context, workItemID string) (*job.PartialResult, error) {
	if f.step == 0 {
		handle, _ := f.gw.PutBlob(ctx, []byte(`"step0-out"`))
		return &job.PartialResult{WorkItemID: workItemID, OutputRef: handle}, nil
	}
	ok, payload := f.onStep2()
	if !ok {
		return &job.PartialResult{WorkItemID: workItemID, Err: joberr.New(joberr.Timeout, "deadline exceeded")}, nil
	}
	handle, _ := f.gw.PutBlob(ctx, payload)
	return &job.PartialResult{WorkItemID: workItemID, OutputRef: handle}, nil
}

func (f *pipelineFake) Cancel(ctx context.Context, workItemID string) {}
