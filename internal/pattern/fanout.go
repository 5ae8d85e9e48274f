package pattern

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/pai3-ceo/powernode-dim/internal/gateway"
	"github.com/pai3-ceo/powernode-dim/internal/ids"
	"github.com/pai3-ceo/powernode-dim/internal/job"
	"github.com/pai3-ceo/powernode-dim/internal/joberr"
	"github.com/pai3-ceo/powernode-dim/internal/registry"
)

// RunFanOut implements §4.2's FanOut strategy. nodes must already be the
// live, filtered candidate set from NodeSelector (the required count has
// been confirmed by the caller via InsufficientNodes on failure).
func RunFanOut(ctx context.Context, gw *gateway.StateGateway, d Dispatcher,
	j *job.Job, spec *job.FanOutSpec, nodes []registry.NodeRecord, now time.Time, rnd *rand.Rand, defaultDPSensitivity float64) (string, *joberr.Error) {

	global := dispatchDeadline(now, spec.Timeout, time.Time{})

	items := make([]job.WorkItem, len(nodes))
	for i, n := range nodes {
		items[i] = job.WorkItem{
			ID:        ids.NewWorkItemID(),
			JobID:     j.ID,
			NodeID:    n.NodeID,
			ModelID:   spec.ModelID,
			InputsRef: spec.DataSelector,
			Deadline:  global,
		}
	}

	type outcome struct {
		idx    int
		result *job.PartialResult
	}
	results := make([]*job.PartialResult, len(items))
	var wg sync.WaitGroup
	outcomes := make(chan outcome, len(items))

	dctx, cancel := context.WithDeadline(ctx, global)
	defer cancel()

	for i, item := range items {
		wg.Add(1)
		go func(i int, item job.WorkItem) {
			defer wg.Done()
			if err := d.Dispatch(dctx, item); err != nil {
				outcomes <- outcome{idx: i, result: &job.PartialResult{WorkItemID: item.ID, NodeID: item.NodeID, Err: err}}
				return
			}
			res, err := d.Await(dctx, item.ID)
			if err != nil {
				res = &job.PartialResult{WorkItemID: item.ID, NodeID: item.NodeID, Err: err}
			}
			outcomes <- outcome{idx: i, result: res}
		}(i, item)
	}

	go func() {
		wg.Wait()
		close(outcomes)
	}()

	k := quorum(len(items))
	completed := 0
	for o := range outcomes {
		results[o.idx] = o.result
		if !o.result.Failed() {
			completed++
		}
	}
	if completed < k {
		for _, item := range items {
			d.Cancel(ctx, item.ID)
		}
		return "", joberr.New(joberr.QuorumLost, "fan_out needed %d, got %d", k, completed)
	}

	votes := make([]fanoutVote, 0, len(items))
	for i, r := range results {
		if r == nil || r.Failed() {
			continue
		}
		var vals []float64
		if err := gw.GetJSON(ctx, r.OutputRef, &vals); err != nil {
			continue
		}
		votes = append(votes, fanoutVote{nodeID: nodes[i].NodeID, reputation: nodes[i].Reputation, values: vals})
	}
	if len(votes) < k {
		return "", joberr.New(joberr.QuorumLost, "fan_out fused votes %d below quorum %d", len(votes), k)
	}

	fused := Fuse(spec, votes, rnd, defaultDPSensitivity)
	raw, err := json.Marshal(fused)
	if err != nil {
		return "", joberr.Wrap(joberr.QuorumLost, err, "marshal fused result")
	}
	handle, err := gw.PutBlob(ctx, raw)
	if err != nil {
		return "", joberr.Wrap(joberr.QuorumLost, err, "store fused result")
	}
	return handle, nil
}
