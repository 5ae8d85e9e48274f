package worker

import (
	"context"
	"testing"
	"time"

	"github.com/pai3-ceo/powernode-dim/internal/job"
	"github.com/pai3-ceo/powernode-dim/internal/joberr"
	"github.com/pai3-ceo/powernode-dim/internal/logx"
	"github.com/pai3-ceo/powernode-dim/internal/simclock"
)

func TestSupervisorRunSuccess(t *testing.T) {
	clock := simclock.New(1)
	log := logx.New("t", clock)
	backend := NewProcessBackend("/bin/echo", "blob-handle-123")
	sup := New(backend, log)

	item := job.WorkItem{ID: "w1", ModelID: "m1", Deadline: time.Now().Add(5 * time.Second)}
	res := sup.Run(context.Background(), item, "/tmp/input.json")
	if res.Failed() {
		t.Fatalf("unexpected failure: %v", res.Err)
	}
}

func TestSupervisorRunTimeout(t *testing.T) {
	clock := simclock.New(1)
	log := logx.New("t", clock)
	backend := NewProcessBackend("/bin/sleep", "5")
	sup := New(backend, log)

	item := job.WorkItem{ID: "w2", ModelID: "m1", Deadline: time.Now().Add(50 * time.Millisecond)}
	res := sup.Run(context.Background(), item, "/tmp/input.json")
	if !res.Failed() || joberr.KindOf(res.Err) != joberr.Timeout {
		t.Fatalf("expected Timeout, got %v", res.Err)
	}
}

func TestSupervisorRunWorkerCrashed(t *testing.T) {
	clock := simclock.New(1)
	log := logx.New("t", clock)
	backend := NewProcessBackend("/bin/false")
	sup := New(backend, log)

	item := job.WorkItem{ID: "w3", ModelID: "m1", Deadline: time.Now().Add(5 * time.Second)}
	res := sup.Run(context.Background(), item, "/tmp/input.json")
	if !res.Failed() || joberr.KindOf(res.Err) != joberr.WorkerCrashed {
		t.Fatalf("expected WorkerCrashed, got %v", res.Err)
	}
}
