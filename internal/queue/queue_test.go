package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pai3-ceo/powernode-dim/internal/job"
	"github.com/pai3-ceo/powernode-dim/internal/joberr"
	"github.com/pai3-ceo/powernode-dim/internal/logx"
	"github.com/pai3-ceo/powernode-dim/internal/resource"
	"github.com/pai3-ceo/powernode-dim/internal/simclock"
)

func TestEnqueueBackpressureWhenFull(t *testing.T) {
	clock := simclock.New(1)
	log := logx.New("t", clock)
	acct := resource.New(resource.Budget{MaxWorkers: 1, CPUFraction: 1})
	q := New(acct, log, clock, func(ctx context.Context, item job.WorkItem, tok resource.Token) *job.PartialResult { return nil })

	if err := q.Enqueue(job.WorkItem{ID: "w1"}, job.PriorityNormal, resource.Request{CPUFraction: 1}); err != nil {
		t.Fatalf("unexpected error on first enqueue: %v", err)
	}
	// Reserve the remaining headroom directly to simulate it being consumed.
	if _, err := acct.TryReserve(resource.Request{CPUFraction: 1}); err != nil {
		t.Fatalf("unexpected reservation error: %v", err)
	}
	err := q.Enqueue(job.WorkItem{ID: "w2"}, job.PriorityNormal, resource.Request{CPUFraction: 1})
	if err == nil || joberr.KindOf(err) != joberr.Backpressure {
		t.Fatalf("expected Backpressure, got %v", err)
	}
}

func TestDispatchOrderHighBeforeLow(t *testing.T) {
	clock := simclock.New(1)
	log := logx.New("t", clock)
	acct := resource.New(resource.Budget{MaxWorkers: 10, CPUFraction: 10})

	var mu sync.Mutex
	var order []string
	done := make(chan struct{}, 2)

	q := New(acct, log, clock, func(ctx context.Context, item job.WorkItem, tok resource.Token) *job.PartialResult {
		mu.Lock()
		order = append(order, item.ID)
		mu.Unlock()
		done <- struct{}{}
		return &job.PartialResult{WorkItemID: item.ID}
	})

	_ = q.Enqueue(job.WorkItem{ID: "low-1"}, job.PriorityLow, resource.Request{CPUFraction: 1})
	_ = q.Enqueue(job.WorkItem{ID: "high-1"}, job.PriorityHigh, resource.Request{CPUFraction: 1})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx, func(item job.WorkItem) resource.Request { return resource.Request{CPUFraction: 1} })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for first dispatch")
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for second dispatch")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "high-1" {
		t.Fatalf("expected high-1 dispatched first, got %v", order)
	}
}
