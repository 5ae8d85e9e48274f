// Package job defines the data model shared by JobManager and
// PatternExecutor: jobs, the three job-spec variants, work items, and
// partial results, plus the job state machine.
package job

import (
	"time"

	"github.com/pai3-ceo/powernode-dim/internal/joberr"
)

// State is one of the five values a Job can occupy. It never regresses.
type State string

const (
	Pending   State = "pending"
	Running   State = "running"
	Completed State = "completed"
	Failed    State = "failed"
	Cancelled State = "cancelled"
)

func (s State) Terminal() bool {
	return s == Completed || s == Failed || s == Cancelled
}

// validTransitions enumerates the edges the state machine allows.
var validTransitions = map[State]map[State]bool{
	Pending: {Running: true, Cancelled: true, Failed: true},
	Running: {Completed: true, Failed: true, Cancelled: true},
}

func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	edges, ok := validTransitions[from]
	return ok && edges[to]
}

// Pattern tags the three execution strategies.
type Pattern string

const (
	FanOut    Pattern = "fan_out"
	Consensus Pattern = "consensus"
	Pipeline  Pattern = "pipeline"
)

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Aggregation kinds for FanOut.
type Aggregation string

const (
	AggMean         Aggregation = "mean"
	AggWeightedMean Aggregation = "weighted_mean"
	AggMedian       Aggregation = "median"
)

// ConsensusKind names the vote-combination strategies for Consensus.
type ConsensusKind string

const (
	ConsensusMajority ConsensusKind = "majority"
	ConsensusWeighted ConsensusKind = "weighted"
	ConsensusReview   ConsensusKind = "review"
)

// FailurePolicy governs Pipeline step-failure handling.
type FailurePolicy string

const (
	FailFast          FailurePolicy = "fail_fast"
	RollbackAndRetry  FailurePolicy = "rollback_and_retry"
)

// FanOutSpec is the JobSpec variant for the fan-out-and-aggregate pattern.
type FanOutSpec struct {
	ModelID         string
	NodeIDs         []string
	DataSelector    string
	Aggregation     Aggregation
	DPEpsilon       float64 // 0 means no DP noise requested
	DPSensitivity   float64 // 0 means "use configured default"
	MinReputation   float64
	Timeout         time.Duration
}

// ConsensusSpec is the JobSpec variant for single-node multi-model
// consensus.
type ConsensusSpec struct {
	ModelIDs         []string
	NodeID           string
	DataSelector     string
	Kind             ConsensusKind
	MinimumAgreement float64
	Timeout          time.Duration
}

// PipelineStep is one step of a Pipeline JobSpec.
type PipelineStep struct {
	Index   int
	ModelID string
	NodeID  string
	// InputRef is either "client" (step 1) or "step-N" referencing a prior
	// step's output handle. RunPipeline does not read it: each step takes
	// the previous step's output (step 1 takes the client input).
	InputRef string
	Timeout  time.Duration
}

// PipelineSpec is the JobSpec variant for sequential, chained execution.
type PipelineSpec struct {
	Steps         []PipelineStep
	FailurePolicy FailurePolicy
	RetryLimit    int
}

// Spec is a tagged union over the three variants. Exactly one of the
// pointer fields is non-nil, matching Pattern.
type Spec struct {
	Pattern   Pattern
	FanOut    *FanOutSpec
	Consensus *ConsensusSpec
	Pipeline  *PipelineSpec
}

// Validate checks the structural requirements from §4.1. It does not
// check node liveness or reputation bounds — callers with access to the
// registry perform that cross-cutting check separately (see
// internal/jobmanager).
func (s *Spec) Validate() error {
	switch s.Pattern {
	case FanOut:
		if s.FanOut == nil {
			return joberr.New(joberr.BadSpec, "fan_out spec missing")
		}
		if len(s.FanOut.NodeIDs) < 2 {
			return joberr.New(joberr.BadSpec, "fan_out requires at least two nodes")
		}
		if s.FanOut.ModelID == "" {
			return joberr.New(joberr.BadSpec, "fan_out requires a model id")
		}
		switch s.FanOut.Aggregation {
		case AggMean, AggWeightedMean, AggMedian:
		default:
			return joberr.New(joberr.BadSpec, "fan_out aggregation %q unknown", s.FanOut.Aggregation)
		}
	case Consensus:
		if s.Consensus == nil {
			return joberr.New(joberr.BadSpec, "consensus spec missing")
		}
		if len(s.Consensus.ModelIDs) < 2 {
			return joberr.New(joberr.BadSpec, "consensus requires at least two models")
		}
		if s.Consensus.NodeID == "" {
			return joberr.New(joberr.BadSpec, "consensus requires a node id")
		}
		switch s.Consensus.Kind {
		case ConsensusMajority, ConsensusWeighted, ConsensusReview:
		default:
			return joberr.New(joberr.BadSpec, "consensus kind %q unknown", s.Consensus.Kind)
		}
	case Pipeline:
		if s.Pipeline == nil {
			return joberr.New(joberr.BadSpec, "pipeline spec missing")
		}
		if len(s.Pipeline.Steps) < 2 {
			return joberr.New(joberr.BadSpec, "pipeline requires at least two steps")
		}
		for i, st := range s.Pipeline.Steps {
			if st.NodeID == "" || st.ModelID == "" {
				return joberr.New(joberr.BadSpec, "pipeline step %d missing node or model id", i)
			}
		}
		switch s.Pipeline.FailurePolicy {
		case FailFast, RollbackAndRetry:
		default:
			return joberr.New(joberr.BadSpec, "pipeline failure policy %q unknown", s.Pipeline.FailurePolicy)
		}
	default:
		return joberr.New(joberr.BadSpec, "unknown pattern %q", s.Pattern)
	}
	return nil
}

// NodeIDs returns every node id the spec references, for the "is this node
// active" submit-time check.
func (s *Spec) NodeIDs() []string {
	switch s.Pattern {
	case FanOut:
		return append([]string(nil), s.FanOut.NodeIDs...)
	case Consensus:
		return []string{s.Consensus.NodeID}
	case Pipeline:
		out := make([]string, 0, len(s.Pipeline.Steps))
		for _, st := range s.Pipeline.Steps {
			out = append(out, st.NodeID)
		}
		return out
	}
	return nil
}

// MinReputation returns the floor the submit-time check compares against
// the registry's maximum available reputation (0 when the spec has none).
func (s *Spec) MinReputation() float64 {
	if s.Pattern == FanOut && s.FanOut != nil {
		return s.FanOut.MinReputation
	}
	return 0
}

// Job is the orchestrator's record of a single client request.
type Job struct {
	ID           string
	Pattern      Pattern
	Spec         *Spec
	SubmittedAt  time.Time
	Owner        string
	Priority     Priority
	CostCeiling  float64
	State        State
	ResultHandle string
	FailureKind  joberr.Kind
	FailureMsg   string

	// EstimatedCompletion is advisory only, computed from a moving average
	// of recent same-pattern durations.
	EstimatedCompletion time.Time

	Progress Progress
}

// Progress tracks work-item completion for GetStatus.
type Progress struct {
	Completed int
	Total     int
}

func (p Progress) Percent() float64 {
	if p.Total == 0 {
		return 0
	}
	return float64(p.Completed) / float64(p.Total) * 100
}

// WorkItem is one unit of dispatched work for a specific node.
type WorkItem struct {
	ID         string
	JobID      string
	NodeID     string
	ModelID    string
	InputsRef  string
	Deadline   time.Time
	StepIndex  int // meaningful only for Pipeline work items
}

// PartialResult is produced once per WorkItem, by the node that executed
// it (or synthesized locally on timeout/dispatch failure).
type PartialResult struct {
	WorkItemID string
	NodeID     string
	OutputRef  string
	Elapsed    time.Duration
	Err        error
}

func (p *PartialResult) Failed() bool { return p.Err != nil }
