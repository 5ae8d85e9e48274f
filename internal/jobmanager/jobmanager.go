// Package jobmanager implements JobManager: per-job state machines,
// submit/status/cancel/result, and StateGateway writes + bus publication
// on every transition. Grounded on the teacher's app/runtime.go shape of
// "own a state, mutate it safely, publish side effects on every change".
package jobmanager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pai3-ceo/powernode-dim/internal/coordinator"
	"github.com/pai3-ceo/powernode-dim/internal/gateway"
	"github.com/pai3-ceo/powernode-dim/internal/ids"
	"github.com/pai3-ceo/powernode-dim/internal/job"
	"github.com/pai3-ceo/powernode-dim/internal/joberr"
	"github.com/pai3-ceo/powernode-dim/internal/logx"
	"github.com/pai3-ceo/powernode-dim/internal/pattern"
	"github.com/pai3-ceo/powernode-dim/internal/registry"
	"github.com/pai3-ceo/powernode-dim/internal/selector"
	"github.com/pai3-ceo/powernode-dim/internal/simclock"
)

type Config struct {
	MaxConcurrentJobs    int
	DefaultDPSensitivity float64
	PerNodeCostRate      float64
	JobsUpdatesTopic     string
	JobsCancelTopic      string
}

// durationTracker keeps a tiny moving average per pattern for the advisory
// EstimatedCompletion field, entirely in-memory and not persisted.
type durationTracker struct {
	mu   sync.Mutex
	avg  map[job.Pattern]time.Duration
}

func newDurationTracker() *durationTracker {
	return &durationTracker{avg: make(map[job.Pattern]time.Duration)}
}

func (t *durationTracker) estimate(p job.Pattern) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if d, ok := t.avg[p]; ok {
		return d
	}
	return 30 * time.Second
}

func (t *durationTracker) observe(p job.Pattern, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev, ok := t.avg[p]
	if !ok {
		t.avg[p] = d
		return
	}
	t.avg[p] = (prev*3 + d) / 4
}

type Manager struct {
	cfg   Config
	gw    *gateway.StateGateway
	reg   *registry.Registry
	sel   *selector.Selector
	coord *coordinator.Coordinator
	log   *logx.Logger
	clock *simclock.Clock

	dispatcherFor func(nodeID string) pattern.Dispatcher

	mu       sync.Mutex
	jobs     map[string]*job.Job
	sem      chan struct{}
	cancels  map[string]context.CancelFunc
	durations *durationTracker
}

func New(gw *gateway.StateGateway, reg *registry.Registry, sel *selector.Selector, coord *coordinator.Coordinator,
	log *logx.Logger, clock *simclock.Clock, cfg Config, dispatcherFor func(nodeID string) pattern.Dispatcher) *Manager {
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = 64
	}
	if cfg.DefaultDPSensitivity <= 0 {
		cfg.DefaultDPSensitivity = 1.0
	}
	return &Manager{
		cfg:           cfg,
		gw:            gw,
		reg:           reg,
		sel:           sel,
		coord:         coord,
		log:           log,
		clock:         clock,
		dispatcherFor: dispatcherFor,
		jobs:          make(map[string]*job.Job),
		sem:           make(chan struct{}, cfg.MaxConcurrentJobs),
		cancels:       make(map[string]context.CancelFunc),
		durations:     newDurationTracker(),
	}
}

// Submit validates the spec, persists it, and starts asynchronous
// execution. Returns BadSpec before any state is created, per §4.1;
// InsufficientNodes surfaces later, from node selection, as a job failure.
func (m *Manager) Submit(ctx context.Context, spec *job.Spec, owner string, priority job.Priority, costCeiling float64) (string, time.Time, error) {
	if err := spec.Validate(); err != nil {
		return "", time.Time{}, err
	}
	if err := m.checkNodesActive(spec); err != nil {
		return "", time.Time{}, err
	}
	if costCeiling > 0 && m.cfg.PerNodeCostRate > 0 {
		estCost := float64(len(spec.NodeIDs())) * m.cfg.PerNodeCostRate
		if estCost > costCeiling {
			return "", time.Time{}, joberr.New(joberr.BadSpec, "estimated cost %.2f exceeds ceiling %.2f", estCost, costCeiling)
		}
	}

	j := &job.Job{
		ID:          ids.NewJobID(),
		Pattern:     spec.Pattern,
		Spec:        spec,
		SubmittedAt: m.clock.Now(),
		Owner:       owner,
		Priority:    priority,
		CostCeiling: costCeiling,
		State:       job.Pending,
	}
	j.EstimatedCompletion = m.clock.Now().Add(m.durations.estimate(spec.Pattern))

	m.mu.Lock()
	m.jobs[j.ID] = j
	m.mu.Unlock()

	if err := m.persist(ctx, j); err != nil {
		return "", time.Time{}, err
	}
	m.publishTransition(ctx, j)

	if _, ok := m.coord.ShouldOfferHandoff(); ok {
		specRef, _ := m.gw.PutJSON(ctx, spec)
		if accepted, peer := m.coord.OfferHandoff(ctx, j.ID, specRef); accepted {
			m.log.Infof("job %s handed off to %s", j.ID, peer)
			return j.ID, j.EstimatedCompletion, nil
		}
	}

	go m.run(j)

	return j.ID, j.EstimatedCompletion, nil
}

func (m *Manager) checkNodesActive(spec *job.Spec) error {
	maxRep := m.reg.MaxReputation()
	if spec.MinReputation() > maxRep {
		return joberr.New(joberr.BadSpec, "minimum reputation %.2f exceeds registry max %.2f", spec.MinReputation(), maxRep)
	}
	for _, id := range spec.NodeIDs() {
		n, ok := m.reg.Get(id)
		if !ok || n.Status == registry.Stale || n.Status == registry.Evicted {
			return joberr.New(joberr.BadSpec, "node %s is not currently active", id)
		}
	}
	return nil
}

func (m *Manager) persist(ctx context.Context, j *job.Job) error {
	if _, err := m.gw.PutJSON(ctx, j); err != nil {
		return fmt.Errorf("persist job %s: %w", j.ID, err)
	}
	return nil
}

func (m *Manager) publishTransition(ctx context.Context, j *job.Job) {
	if err := m.gw.Publish(ctx, m.cfg.JobsUpdatesTopic, j.Owner, "job.transition", j); err != nil {
		m.log.Warnf("publish job transition for %s: %v", j.ID, err)
	}
}

func (m *Manager) transition(ctx context.Context, j *job.Job, to job.State) {
	m.mu.Lock()
	if !job.CanTransition(j.State, to) {
		m.mu.Unlock()
		return
	}
	j.State = to
	m.mu.Unlock()
	m.publishTransition(ctx, j)
}

func (m *Manager) run(j *job.Job) {
	m.sem <- struct{}{}
	defer func() { <-m.sem }()

	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.cancels[j.ID] = cancel
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.cancels, j.ID)
		m.mu.Unlock()
		cancel()
	}()

	m.transition(ctx, j, job.Running)
	start := m.clock.Now()

	var handle string
	var perr *joberr.Error

	switch j.Spec.Pattern {
	case job.FanOut:
		handle, perr = m.runFanOut(ctx, j)
	case job.Consensus:
		handle, perr = m.runConsensus(ctx, j)
	case job.Pipeline:
		handle, perr = m.runPipeline(ctx, j)
	}

	if ctx.Err() != nil {
		m.transition(ctx, j, job.Cancelled)
		return
	}

	if perr != nil {
		m.mu.Lock()
		j.FailureKind = perr.Kind
		j.FailureMsg = perr.Error()
		m.mu.Unlock()
		m.transition(ctx, j, job.Failed)
		return
	}

	m.mu.Lock()
	j.ResultHandle = handle
	m.mu.Unlock()
	m.durations.observe(j.Spec.Pattern, m.clock.Now().Sub(start))
	m.transition(ctx, j, job.Completed)
}

func (m *Manager) runFanOut(ctx context.Context, j *job.Job) (string, *joberr.Error) {
	spec := j.Spec.FanOut
	nodes, err := m.sel.Select(selector.Filters{MinReputation: spec.MinReputation, Allowlist: spec.NodeIDs}, len(spec.NodeIDs))
	if err != nil {
		return "", err.(*joberr.Error)
	}
	j.Progress = job.Progress{Total: len(nodes)}
	d := m.multiNodeDispatcher(nodes)
	return pattern.RunFanOut(ctx, m.gw, d, j, spec, nodes, m.clock.Now(), nil, m.cfg.DefaultDPSensitivity)
}

func (m *Manager) runConsensus(ctx context.Context, j *job.Job) (string, *joberr.Error) {
	spec := j.Spec.Consensus
	n, ok := m.reg.Get(spec.NodeID)
	if !ok {
		return "", joberr.New(joberr.NodeUnavailable, "node %s not in registry", spec.NodeID)
	}
	j.Progress = job.Progress{Total: len(spec.ModelIDs)}
	d := m.dispatcherFor(spec.NodeID)
	return pattern.RunConsensus(ctx, m.gw, d, j, spec, n, nil, m.clock.Now())
}

func (m *Manager) runPipeline(ctx context.Context, j *job.Job) (string, *joberr.Error) {
	spec := j.Spec.Pipeline
	j.Progress = job.Progress{Total: len(spec.Steps)}
	d := m.multiStepDispatcher(spec)
	return pattern.RunPipeline(ctx, m.gw, d, j, spec, "client", m.clock.Now())
}

// multiNodeDispatcher and multiStepDispatcher route each WorkItem to the
// dispatcher for its target node; FanOut work items target distinct
// nodes, Pipeline steps may target the same or different nodes.
func (m *Manager) multiNodeDispatcher(nodes []registry.NodeRecord) pattern.Dispatcher {
	return newRoutingDispatcher(m)
}

func (m *Manager) multiStepDispatcher(spec *job.PipelineSpec) pattern.Dispatcher {
	return newRoutingDispatcher(m)
}

// routingDispatcher fans Dispatch out to the per-node dispatcher named by
// each WorkItem, and remembers that assignment so a later Await/Cancel by
// work-item id alone is routed back to the same node instead of the
// zero-value node id (which resolves to no node at all).
type routingDispatcher struct {
	m *Manager

	mu     sync.Mutex
	nodeOf map[string]string
}

func newRoutingDispatcher(m *Manager) *routingDispatcher {
	return &routingDispatcher{m: m, nodeOf: make(map[string]string)}
}

func (r *routingDispatcher) Dispatch(ctx context.Context, item job.WorkItem) error {
	r.mu.Lock()
	r.nodeOf[item.ID] = item.NodeID
	r.mu.Unlock()
	return r.m.dispatcherFor(item.NodeID).Dispatch(ctx, item)
}

func (r *routingDispatcher) Await(ctx context.Context, workItemID string) (*job.PartialResult, error) {
	r.mu.Lock()
	nodeID := r.nodeOf[workItemID]
	r.mu.Unlock()
	return r.m.dispatcherFor(nodeID).Await(ctx, workItemID)
}

func (r *routingDispatcher) Cancel(ctx context.Context, workItemID string) {
	r.mu.Lock()
	nodeID := r.nodeOf[workItemID]
	r.mu.Unlock()
	r.m.dispatcherFor(nodeID).Cancel(ctx, workItemID)
}

func (m *Manager) Status(jobID string) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, joberr.New(joberr.NotFound, "job %s not found", jobID)
	}
	cp := *j
	return &cp, nil
}

func (m *Manager) Cancel(ctx context.Context, jobID string) error {
	m.mu.Lock()
	j, ok := m.jobs[jobID]
	if !ok {
		m.mu.Unlock()
		return joberr.New(joberr.NotFound, "job %s not found", jobID)
	}
	if j.State.Terminal() {
		m.mu.Unlock()
		return joberr.New(joberr.AlreadyTerminal, "job %s already %s", jobID, j.State)
	}
	cancel := m.cancels[jobID]
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if err := m.gw.Publish(ctx, m.cfg.JobsCancelTopic, j.Owner, "job.cancel", jobID); err != nil {
		m.log.Warnf("publish job.cancel for %s: %v", jobID, err)
	}
	return nil
}

func (m *Manager) Result(jobID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return "", joberr.New(joberr.NotFound, "job %s not found", jobID)
	}
	switch j.State {
	case job.Completed:
		return j.ResultHandle, nil
	case job.Failed:
		return "", joberr.New(j.FailureKind, "%s", j.FailureMsg)
	default:
		return "", joberr.New(joberr.NotReady, "job %s not yet terminal", jobID)
	}
}
