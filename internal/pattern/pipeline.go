package pattern

import (
	"context"
	"time"

	"github.com/pai3-ceo/powernode-dim/internal/gateway"
	"github.com/pai3-ceo/powernode-dim/internal/ids"
	"github.com/pai3-ceo/powernode-dim/internal/job"
	"github.com/pai3-ceo/powernode-dim/internal/joberr"
)

// RunPipeline implements §4.2's Pipeline strategy: steps dispatch strictly
// sequentially, step N never before step N-1's PartialResult is observed.
func RunPipeline(ctx context.Context, gw *gateway.StateGateway, d Dispatcher, j *job.Job, spec *job.PipelineSpec, clientInputRef string, now time.Time) (string, *joberr.Error) {
	currentRef := clientInputRef

	for _, step := range spec.Steps {
		global := dispatchDeadline(now, step.Timeout, time.Time{})
		dctx, cancel := context.WithDeadline(ctx, global)

		attempts := 1
		if spec.FailurePolicy == job.RollbackAndRetry {
			attempts = spec.RetryLimit + 1
		}

		var result *job.PartialResult
		var lastErr error
		for attempt := 0; attempt < attempts; attempt++ {
			item := job.WorkItem{
				ID:        ids.NewWorkItemID(),
				JobID:     j.ID,
				NodeID:    step.NodeID,
				ModelID:   step.ModelID,
				InputsRef: currentRef,
				Deadline:  global,
				StepIndex: step.Index,
			}
			if err := d.Dispatch(dctx, item); err != nil {
				lastErr = err
				continue
			}
			res, err := d.Await(dctx, item.ID)
			if err != nil {
				lastErr = err
				continue
			}
			if res.Failed() {
				lastErr = res.Err
				continue
			}
			result = res
			lastErr = nil
			break
		}
		cancel()

		if result == nil {
			return "", joberr.StepFailure(step.Index, lastErr)
		}
		currentRef = result.OutputRef
	}

	return currentRef, nil
}
