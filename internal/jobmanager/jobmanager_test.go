package jobmanager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pai3-ceo/powernode-dim/internal/coordinator"
	"github.com/pai3-ceo/powernode-dim/internal/gateway"
	"github.com/pai3-ceo/powernode-dim/internal/job"
	"github.com/pai3-ceo/powernode-dim/internal/joberr"
	"github.com/pai3-ceo/powernode-dim/internal/logx"
	"github.com/pai3-ceo/powernode-dim/internal/pattern"
	"github.com/pai3-ceo/powernode-dim/internal/registry"
	"github.com/pai3-ceo/powernode-dim/internal/selector"
	"github.com/pai3-ceo/powernode-dim/internal/simclock"
)

// fakeDispatcher answers every Await immediately with a successful result
// for any work item dispatched to it, whose output blob holds the vector
// [1 1], enough to drive PatternExecutor's fan-out path to completion
// without a real node.
type fakeDispatcher struct {
	gw      *gateway.StateGateway
	mu      sync.Mutex
	outputs map[string]string
	fail    map[string]bool
}

func newFakeDispatcher(gw *gateway.StateGateway) *fakeDispatcher {
	return &fakeDispatcher{gw: gw, outputs: make(map[string]string), fail: make(map[string]bool)}
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, item job.WorkItem) error {
	ref, err := f.gw.PutJSON(ctx, []float64{1, 1})
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.outputs[item.ID] = ref
	f.mu.Unlock()
	return nil
}

func (f *fakeDispatcher) Await(ctx context.Context, workItemID string) (*job.PartialResult, error) {
	f.mu.Lock()
	ref, ok := f.outputs[workItemID]
	failed := f.fail[workItemID]
	f.mu.Unlock()
	if !ok {
		return nil, joberr.New(joberr.NotFound, "no such work item %s", workItemID)
	}
	if failed {
		return &job.PartialResult{WorkItemID: workItemID, Err: joberr.New(joberr.WorkerCrashed, "simulated crash")}, nil
	}
	return &job.PartialResult{WorkItemID: workItemID, OutputRef: ref, Elapsed: time.Millisecond}, nil
}

func (f *fakeDispatcher) Cancel(ctx context.Context, workItemID string) {}

var _ pattern.Dispatcher = (*fakeDispatcher)(nil)

func newTestManager(t *testing.T) (*Manager, *fakeDispatcher) {
	t.Helper()
	clock := simclock.New(1000)
	log := logx.New("t", clock)
	gw := gateway.NewInMemory(clock, log)
	reg := registry.New(gw, log, clock, registry.Config{HeartbeatTopic: "nodes.heartbeat"})
	reg.ApplyHeartbeat(registry.HeartbeatPayload{NodeID: "n1", Endpoint: "n1:9001", Capacity: 4})
	reg.ApplyHeartbeat(registry.HeartbeatPayload{NodeID: "n2", Endpoint: "n2:9001", Capacity: 4})

	sel := selector.New(reg, selector.DefaultWeights())
	// High watermark above 1.0 load fraction ensures ShouldOfferHandoff
	// never fires for these tests, which run a single job at a time.
	coord := coordinator.New(gw, log, clock, coordinator.Config{SelfID: "self", Capacity: 4, HighWatermark: 2, PeerLowWatermark: 0})

	fake := newFakeDispatcher(gw)
	mgr := New(gw, reg, sel, coord, log, clock, Config{
		JobsUpdatesTopic: "jobs.updates",
		JobsCancelTopic:  "jobs.cancel",
	}, func(nodeID string) pattern.Dispatcher { return fake })
	return mgr, fake
}

func fanOutSpec() *job.Spec {
	return &job.Spec{
		Pattern: job.FanOut,
		FanOut: &job.FanOutSpec{
			ModelID:      "m1",
			NodeIDs:      []string{"n1", "n2"},
			DataSelector: "blob://input",
			Aggregation:  job.AggMean,
		},
	}
}

func waitForTerminal(t *testing.T, mgr *Manager, jobID string) *job.Job {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		j, err := mgr.Status(jobID)
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if j.State.Terminal() {
			return j
		}
		select {
		case <-deadline:
			t.Fatalf("job %s never reached a terminal state (stuck at %s)", jobID, j.State)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestSubmitFanOutCompletes(t *testing.T) {
	mgr, _ := newTestManager(t)
	jobID, _, err := mgr.Submit(context.Background(), fanOutSpec(), "alice", job.PriorityNormal, 0)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	j := waitForTerminal(t, mgr, jobID)
	if j.State != job.Completed {
		t.Fatalf("expected completed, got %s (failure=%s %s)", j.State, j.FailureKind, j.FailureMsg)
	}
	if j.ResultHandle == "" {
		t.Fatal("expected a non-empty result handle")
	}

	handle, err := mgr.Result(jobID)
	if err != nil || handle != j.ResultHandle {
		t.Fatalf("result: handle=%q err=%v", handle, err)
	}
}

func TestSubmitRejectsBadSpec(t *testing.T) {
	mgr, _ := newTestManager(t)
	spec := &job.Spec{Pattern: job.FanOut, FanOut: &job.FanOutSpec{ModelID: "m1", NodeIDs: []string{"n1"}, Aggregation: job.AggMean}}
	_, _, err := mgr.Submit(context.Background(), spec, "alice", job.PriorityNormal, 0)
	if joberr.KindOf(err) != joberr.BadSpec {
		t.Fatalf("expected BadSpec, got %v", err)
	}
}

func TestSubmitRejectsInactiveNode(t *testing.T) {
	mgr, _ := newTestManager(t)
	spec := &job.Spec{Pattern: job.FanOut, FanOut: &job.FanOutSpec{ModelID: "m1", NodeIDs: []string{"n1", "does-not-exist"}, Aggregation: job.AggMean}}
	_, _, err := mgr.Submit(context.Background(), spec, "alice", job.PriorityNormal, 0)
	if joberr.KindOf(err) != joberr.BadSpec {
		t.Fatalf("expected BadSpec for unknown node, got %v", err)
	}
}

func TestCancelUnknownJob(t *testing.T) {
	mgr, _ := newTestManager(t)
	err := mgr.Cancel(context.Background(), "does-not-exist")
	if joberr.KindOf(err) != joberr.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestResultAvailableAfterCompletion(t *testing.T) {
	mgr, _ := newTestManager(t)
	jobID, _, err := mgr.Submit(context.Background(), fanOutSpec(), "alice", job.PriorityNormal, 0)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitForTerminal(t, mgr, jobID)
	if _, err := mgr.Result(jobID); err != nil {
		t.Fatalf("expected result ready after terminal state: %v", err)
	}
}
