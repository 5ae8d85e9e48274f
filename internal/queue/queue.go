// Package queue implements JobQueue, the node daemon's admission-controlled
// priority queue. Grounded on the original source's job_queue.py three-deque
// priority shape (high/normal/low, FIFO within a priority), rebased onto
// container/heap so "highest priority, earliest enqueue-time" is a single
// ordering relation rather than three separate deques, and admission now
// goes through ResourceAccountant.TryReserve instead of a bare queue-length
// cap, per §4.6.
package queue

import (
	"container/heap"
	"context"
	"sync"

	"github.com/pai3-ceo/powernode-dim/internal/job"
	"github.com/pai3-ceo/powernode-dim/internal/joberr"
	"github.com/pai3-ceo/powernode-dim/internal/logx"
	"github.com/pai3-ceo/powernode-dim/internal/resource"
	"github.com/pai3-ceo/powernode-dim/internal/simclock"
)

func priorityRank(p job.Priority) int {
	switch p {
	case job.PriorityHigh:
		return 0
	case job.PriorityNormal:
		return 1
	case job.PriorityLow:
		return 2
	default:
		return 1
	}
}

// queuedItem is one admitted-but-not-yet-dispatched WorkItem.
type queuedItem struct {
	item       job.WorkItem
	priority   job.Priority
	enqueuedAt int64 // monotonic sequence, not wall time, so ties break deterministically
	index      int
}

type priorityHeap []*queuedItem

func (h priorityHeap) Len() int { return len(h) }
func (h priorityHeap) Less(i, j int) bool {
	pi, pj := priorityRank(h[i].priority), priorityRank(h[j].priority)
	if pi != pj {
		return pi < pj
	}
	return h[i].enqueuedAt < h[j].enqueuedAt
}
func (h priorityHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *priorityHeap) Push(x any) {
	it := x.(*queuedItem)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// Dispatch is what the queue's single dispatcher loop starts, in its own
// goroutine, once resources are reserved for a popped item; it runs the
// worker, and the queue releases the reservation when it returns.
type Dispatch func(ctx context.Context, item job.WorkItem, tok resource.Token) *job.PartialResult

// Queue is the node daemon's single admission-controlled dispatch loop.
type Queue struct {
	acct  *resource.Accountant
	log   *logx.Logger
	clock *simclock.Clock

	mu       sync.Mutex
	notEmpty chan struct{}
	h        priorityHeap
	seq      int64

	dispatch Dispatch
	stopCh   chan struct{}
}

func New(acct *resource.Accountant, log *logx.Logger, clock *simclock.Clock, dispatch Dispatch) *Queue {
	q := &Queue{
		acct:     acct,
		log:      log,
		clock:    clock,
		notEmpty: make(chan struct{}, 1),
		dispatch: dispatch,
		stopCh:   make(chan struct{}),
	}
	heap.Init(&q.h)
	return q
}

// Enqueue admits a work item iff ResourceAccountant has headroom right now
// for its declared request; otherwise it returns Backpressure immediately
// rather than queuing, per §4.6 — the orchestrator is expected to try
// another node, not retry this one blindly.
func (q *Queue) Enqueue(item job.WorkItem, priority job.Priority, req resource.Request) error {
	if !q.acct.Fits(req) {
		return joberr.New(joberr.Backpressure, "node cannot admit work item %s: no headroom", item.ID)
	}

	q.mu.Lock()
	q.seq++
	heap.Push(&q.h, &queuedItem{item: item, priority: priority, enqueuedAt: q.seq})
	q.mu.Unlock()

	select {
	case q.notEmpty <- struct{}{}:
	default:
	}
	return nil
}

// Run is the single dispatcher loop: pop highest-priority ready item,
// re-reserve resources, run it, release on exit. Kept single-threaded so
// admission order stays deterministic, per §5.
func (q *Queue) Run(ctx context.Context, reqFor func(item job.WorkItem) resource.Request) {
	for {
		select {
		case <-q.stopCh:
			return
		case <-ctx.Done():
			return
		case <-q.notEmpty:
		}

		for {
			q.mu.Lock()
			if q.h.Len() == 0 {
				q.mu.Unlock()
				break
			}
			next := q.h[0]
			q.mu.Unlock()

			tok, err := q.acct.TryReserve(reqFor(next.item))
			if err != nil {
				// Headroom consumed by something else between admission and
				// pop; leave it queued and wait for the next notify.
				break
			}

			q.mu.Lock()
			heap.Remove(&q.h, next.index)
			q.mu.Unlock()

			go func(it *queuedItem, t resource.Token) {
				defer q.acct.Release(t)
				q.dispatch(ctx, it.item, t)
			}(next, tok)
		}
	}
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.h.Len()
}

func (q *Queue) Stop() {
	select {
	case <-q.stopCh:
	default:
		close(q.stopCh)
	}
}
