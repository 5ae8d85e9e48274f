package pattern

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pai3-ceo/powernode-dim/internal/gateway"
	"github.com/pai3-ceo/powernode-dim/internal/ids"
	"github.com/pai3-ceo/powernode-dim/internal/job"
	"github.com/pai3-ceo/powernode-dim/internal/joberr"
	"github.com/pai3-ceo/powernode-dim/internal/registry"
)

// vote is the wire shape a consensus WorkItem's output blob carries.
type vote struct {
	Label string `json:"label"`
}

// RunConsensus implements §4.2's Consensus strategy: every model id is
// dispatched as its own WorkItem to the single target node, sequentially,
// since the node executes them sequentially on the same inputs.
func RunConsensus(ctx context.Context, gw *gateway.StateGateway, d Dispatcher, j *job.Job, spec *job.ConsensusSpec, node registry.NodeRecord, modelReputations map[string]float64, now time.Time) (string, *joberr.Error) {
	global := dispatchDeadline(now, spec.Timeout, time.Time{})
	dctx, cancel := context.WithDeadline(ctx, global)
	defer cancel()

	labels := make([]string, len(spec.ModelIDs))
	present := make([]bool, len(spec.ModelIDs))

	for i, modelID := range spec.ModelIDs {
		item := job.WorkItem{
			ID:        ids.NewWorkItemID(),
			JobID:     j.ID,
			NodeID:    spec.NodeID,
			ModelID:   modelID,
			InputsRef: spec.DataSelector,
			Deadline:  global,
		}
		if err := d.Dispatch(dctx, item); err != nil {
			continue // vote absent, per §4.2 "mark that vote absent"
		}
		res, err := d.Await(dctx, item.ID)
		if err != nil || res.Failed() {
			continue
		}
		var v vote
		if err := gw.GetJSON(ctx, res.OutputRef, &v); err != nil {
			continue
		}
		labels[i] = v.Label
		present[i] = true
	}

	label, cerr := combine(spec, labels, present, modelReputations)
	if cerr != nil {
		return "", cerr
	}
	raw, err := json.Marshal(vote{Label: label})
	if err != nil {
		return "", joberr.Wrap(joberr.NoConsensus, err, "marshal consensus result")
	}
	handle, err := gw.PutBlob(ctx, raw)
	if err != nil {
		return "", joberr.Wrap(joberr.NoConsensus, err, "store consensus result")
	}
	return handle, nil
}

func combine(spec *job.ConsensusSpec, labels []string, present []bool, reputations map[string]float64) (string, *joberr.Error) {
	weight := map[string]float64{}
	count := map[string]int{}
	for i, l := range labels {
		if !present[i] {
			continue
		}
		count[l]++
		w := 1.0
		if reputations != nil {
			if rv, ok := reputations[spec.ModelIDs[i]]; ok {
				w = rv
			}
		}
		weight[l] += w
	}
	if len(count) == 0 {
		return "", joberr.New(joberr.NoConsensus, "no votes present")
	}

	switch spec.Kind {
	case job.ConsensusMajority:
		top, _, tie := topByCount(count)
		if tie {
			return "", joberr.New(joberr.NoConsensus, "majority tie")
		}
		return top, nil
	case job.ConsensusWeighted, job.ConsensusReview:
		total := 0.0
		for _, w := range weight {
			total += w
		}
		topLabel, topWeight := topByWeight(weight)
		share := 0.0
		if total > 0 {
			share = topWeight / total
		}
		if share < spec.MinimumAgreement {
			if spec.Kind == job.ConsensusReview {
				return "", joberr.New(joberr.ReviewRequired, "top label share %.3f below agreement %.3f", share, spec.MinimumAgreement)
			}
			return "", joberr.New(joberr.NoConsensus, "top label share %.3f below agreement %.3f", share, spec.MinimumAgreement)
		}
		return topLabel, nil
	default:
		return "", joberr.New(joberr.NoConsensus, "unknown consensus kind %q", spec.Kind)
	}
}

func topByCount(count map[string]int) (label string, n int, tie bool) {
	best, bestN := "", -1
	tieCount := 0
	for l, c := range count {
		if c > bestN {
			best, bestN = l, c
			tieCount = 1
		} else if c == bestN {
			tieCount++
		}
	}
	return best, bestN, tieCount > 1
}

func topByWeight(weight map[string]float64) (label string, w float64) {
	best, bestW := "", -1.0
	for l, v := range weight {
		if v > bestW || (v == bestW && l < best) {
			best, bestW = l, v
		}
	}
	return best, bestW
}

