// Package pattern implements PatternExecutor's three strategies: FanOut,
// Consensus, and Pipeline, plus fusion of FanOut partials. Each RunFanOut,
// RunConsensus or RunPipeline call orchestrates exactly one Job, per §4.2.
package pattern

import (
	"context"
	"time"

	"github.com/pai3-ceo/powernode-dim/internal/job"
)

// Dispatcher is the narrow interface PatternExecutor uses to hand work to
// node daemons and await results, without depending directly on
// internal/rpc — production wiring backs it with rpc.NodeServiceClient
// pooled per node endpoint; tests back it with an in-memory fake.
type Dispatcher interface {
	// Dispatch sends a WorkItem to its target node. A Backpressure error
	// means "try elsewhere", not failure, per §4.6.
	Dispatch(ctx context.Context, item job.WorkItem) error
	// Await blocks until the work item's PartialResult is observed or ctx
	// is cancelled/deadline exceeded.
	Await(ctx context.Context, workItemID string) (*job.PartialResult, error)
	// Cancel tombstones an outstanding WorkItem; best-effort.
	Cancel(ctx context.Context, workItemID string)
}

func dispatchDeadline(now time.Time, specTimeout time.Duration, globalDeadline time.Time) time.Time {
	candidate := now.Add(specTimeout)
	if globalDeadline.IsZero() || candidate.Before(globalDeadline) {
		return candidate
	}
	return globalDeadline
}

func quorum(n int) int {
	return (n + 1) / 2 // ceil(n/2)
}
