package nodedaemon

import (
	"context"
	"testing"
	"time"

	"github.com/pai3-ceo/powernode-dim/internal/gateway"
	"github.com/pai3-ceo/powernode-dim/internal/gateway/mutable"
	"github.com/pai3-ceo/powernode-dim/internal/joberr"
	"github.com/pai3-ceo/powernode-dim/internal/logx"
	"github.com/pai3-ceo/powernode-dim/internal/modelcache"
	"github.com/pai3-ceo/powernode-dim/internal/resource"
	"github.com/pai3-ceo/powernode-dim/internal/rpc"
	"github.com/pai3-ceo/powernode-dim/internal/simclock"
	"github.com/pai3-ceo/powernode-dim/internal/worker"
)

func newTestDaemon(t *testing.T) *Daemon {
	t.Helper()
	clock := simclock.New(1000)
	log := logx.New("t", clock)
	gw := gateway.NewInMemory(clock, log)

	modelRef, err := gw.PutBlob(context.Background(), []byte("fake-model-bytes"))
	if err != nil {
		t.Fatalf("put model blob: %v", err)
	}
	if err := gw.PutJSONRecord(context.Background(), mutable.ModelCatalogName, map[string]string{"m1": modelRef}); err != nil {
		t.Fatalf("put model catalog: %v", err)
	}

	acct := resource.New(resource.Budget{CPUFraction: 4, MemoryBytes: 1 << 20, MaxWorkers: 4})
	cache := modelcache.New(gw, log, 1<<20)
	sup := worker.New(worker.NewProcessBackend("/bin/echo", "handle-123"), log)

	d := New("n1", gw, acct, cache, sup, log, clock, "", resource.Request{CPUFraction: 1})
	return d
}

func TestDispatchThenResult(t *testing.T) {
	d := newTestDaemon(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	reply, err := d.Dispatch(ctx, &rpc.DispatchRequest{
		WorkItemID: "w1",
		JobID:      "j1",
		ModelID:    "m1",
		InputsRef:  mustPutInput(t, d),
		Priority:   "normal",
		Deadline:   time.Now().Add(5 * time.Second),
	})
	if err != nil || !reply.Accepted {
		t.Fatalf("dispatch: %+v, err=%v", reply, err)
	}

	deadline := time.After(2 * time.Second)
	for {
		r, err := d.Result(ctx, &rpc.ResultRequest{WorkItemID: "w1"})
		if err != nil {
			t.Fatalf("result: %v", err)
		}
		if r.Ready {
			if r.ErrorKind != "" {
				t.Fatalf("unexpected failure: %s %s", r.ErrorKind, r.ErrorMsg)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for result")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestDispatchUnknownModelFails(t *testing.T) {
	d := newTestDaemon(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	reply, err := d.Dispatch(ctx, &rpc.DispatchRequest{
		WorkItemID: "w2",
		JobID:      "j1",
		ModelID:    "does-not-exist",
		InputsRef:  mustPutInput(t, d),
		Priority:   "normal",
		Deadline:   time.Now().Add(5 * time.Second),
	})
	if err != nil || !reply.Accepted {
		t.Fatalf("dispatch: %+v, err=%v", reply, err)
	}

	deadline := time.After(2 * time.Second)
	for {
		r, err := d.Result(ctx, &rpc.ResultRequest{WorkItemID: "w2"})
		if err != nil {
			t.Fatalf("result: %v", err)
		}
		if r.Ready {
			if joberr.Kind(r.ErrorKind) != joberr.ModelFetchFailed {
				t.Fatalf("expected ModelFetchFailed, got %s", r.ErrorKind)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for result")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func mustPutInput(t *testing.T, d *Daemon) string {
	t.Helper()
	ref, err := d.gw.PutBlob(context.Background(), []byte(`{"prompt":"hi"}`))
	if err != nil {
		t.Fatalf("put input blob: %v", err)
	}
	return ref
}
