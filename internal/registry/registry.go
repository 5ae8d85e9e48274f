// Package registry maintains the orchestrator's in-memory fleet view:
// NodeRegistry. It reconciles periodically against the mutable-name
// fleet-registry record and applies heartbeat-bus upserts in between,
// following the teacher's swim.Manager shape (mutex-guarded map, single
// background tick loop) fused with the original source's split between
// reconciliation and heartbeat application.
package registry

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/pai3-ceo/powernode-dim/internal/gateway"
	"github.com/pai3-ceo/powernode-dim/internal/gateway/mutable"
	"github.com/pai3-ceo/powernode-dim/internal/logx"
	"github.com/pai3-ceo/powernode-dim/internal/simclock"
)

type Status string

const (
	Active   Status = "active"
	Draining Status = "draining"
	Stale    Status = "stale"
	Evicted  Status = "evicted"
)

// NodeRecord is the registry's view of one fleet member.
type NodeRecord struct {
	NodeID        string            `json:"node_id"`
	Endpoint      string            `json:"endpoint"`
	Capabilities  map[string]bool   `json:"capabilities"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
	ActiveJobs    int               `json:"active_jobs"`
	Capacity      int               `json:"capacity"`
	Reputation    float64           `json:"reputation"`
	Status        Status            `json:"status"`
	Sequence      uint64            `json:"sequence"`

	// seenInLastReconcile tracks whether the most recent full
	// reconciliation snapshot named this node; a node heartbeating between
	// reconciliations is never evicted purely because the snapshot doesn't
	// mention it yet (resolves the distilled spec's ambiguity here).
	seenInLastReconcile bool
}

func (n NodeRecord) LoadFraction() float64 {
	if n.Capacity <= 0 {
		return 0
	}
	return float64(n.ActiveJobs) / float64(n.Capacity)
}

// HeartbeatPayload is the body carried on nodes.heartbeat, matching
// HeartbeatEmitter's publication shape.
type HeartbeatPayload struct {
	NodeID       string          `json:"node_id"`
	Endpoint     string          `json:"endpoint"`
	Capabilities map[string]bool `json:"capabilities"`
	ActiveJobs   int             `json:"active_jobs"`
	Capacity     int             `json:"capacity"`
	Sequence     uint64          `json:"sequence"`
}

type Registry struct {
	log   *logx.Logger
	clock *simclock.Clock
	gw    *gateway.StateGateway

	heartbeatInterval  time.Duration
	staleMultiplier    float64
	evictedMultiplier  float64
	reconcileInterval  time.Duration
	topic              string

	mu    sync.RWMutex
	nodes map[string]*NodeRecord

	stopCh chan struct{}
}

type Config struct {
	HeartbeatInterval time.Duration
	StaleMultiplier   float64
	EvictedMultiplier float64
	ReconcileInterval time.Duration
	HeartbeatTopic    string
}

func New(gw *gateway.StateGateway, log *logx.Logger, clock *simclock.Clock, cfg Config) *Registry {
	if cfg.StaleMultiplier <= 0 {
		cfg.StaleMultiplier = 3
	}
	if cfg.EvictedMultiplier <= 0 {
		cfg.EvictedMultiplier = 10
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = 10 * time.Second
	}
	return &Registry{
		log:               log,
		clock:             clock,
		gw:                gw,
		heartbeatInterval: cfg.HeartbeatInterval,
		staleMultiplier:   cfg.StaleMultiplier,
		evictedMultiplier: cfg.EvictedMultiplier,
		reconcileInterval: cfg.ReconcileInterval,
		topic:             cfg.HeartbeatTopic,
		nodes:             make(map[string]*NodeRecord),
		stopCh:            make(chan struct{}),
	}
}

// ApplyHeartbeat upserts a node from a heartbeat arrival, promoting it back
// to Active immediately regardless of prior status.
func (r *Registry) ApplyHeartbeat(p HeartbeatPayload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[p.NodeID]
	if !ok {
		n = &NodeRecord{NodeID: p.NodeID}
		r.nodes[p.NodeID] = n
	}
	n.Endpoint = p.Endpoint
	n.Capabilities = p.Capabilities
	n.ActiveJobs = p.ActiveJobs
	n.Capacity = p.Capacity
	n.LastHeartbeat = r.clock.Now()
	n.Status = Active
	n.Sequence = p.Sequence
}

// reconcileSnapshot is the wire shape of the fleet-registry mutable record.
type reconcileSnapshot struct {
	Nodes []NodeRecord `json:"nodes"`
}

// Reconcile pulls the authoritative fleet-registry record and merges it:
// nodes present there get their reputation/capability baseline refreshed;
// nodes heartbeating locally but absent from the snapshot are left alone.
func (r *Registry) Reconcile(ctx context.Context) error {
	raw, err := r.gw.GetRecord(ctx, mutable.FleetRegistryName)
	if err != nil {
		return err
	}
	var snap reconcileSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sn := range snap.Nodes {
		n, ok := r.nodes[sn.NodeID]
		if !ok {
			n = &NodeRecord{NodeID: sn.NodeID}
			r.nodes[sn.NodeID] = n
		}
		n.Reputation = sn.Reputation
		if n.Endpoint == "" {
			n.Endpoint = sn.Endpoint
		}
		n.seenInLastReconcile = true
	}
	return nil
}

// Sweep marks nodes stale/evicted by elapsed time since last heartbeat.
// Runs every heartbeat interval, per §4.3.
func (r *Registry) Sweep() {
	now := r.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	staleAfter := time.Duration(float64(r.heartbeatInterval) * r.staleMultiplier)
	evictedAfter := time.Duration(float64(r.heartbeatInterval) * r.evictedMultiplier)
	for _, n := range r.nodes {
		if n.LastHeartbeat.IsZero() {
			continue
		}
		elapsed := now.Sub(n.LastHeartbeat)
		switch {
		case elapsed > evictedAfter:
			if n.Status != Evicted {
				r.log.Warnf("node %s evicted after %s silence", n.NodeID, elapsed)
			}
			n.Status = Evicted
		case elapsed > staleAfter:
			if n.Status == Active || n.Status == Draining {
				r.log.Warnf("node %s marked stale after %s silence", n.NodeID, elapsed)
			}
			n.Status = Stale
		}
	}
}

// Snapshot returns a consistent copy of the registry's view for selection;
// selection never reads the remote store directly, only this cache.
func (r *Registry) Snapshot() []NodeRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]NodeRecord, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, *n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

func (r *Registry) Get(nodeID string) (NodeRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[nodeID]
	if !ok {
		return NodeRecord{}, false
	}
	return *n, true
}

func (r *Registry) MaxReputation() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	max := 0.0
	for _, n := range r.nodes {
		if n.Reputation > max {
			max = n.Reputation
		}
	}
	return max
}

// Start runs the staleness sweep and periodic reconciliation loops, and
// drains the heartbeat subscription, mirroring the teacher's single
// background tick goroutine per component.
func (r *Registry) Start(ctx context.Context) {
	go r.sweepLoop(ctx)
	go r.reconcileLoop(ctx)
	go r.heartbeatLoop(ctx)
}

func (r *Registry) sweepLoop(ctx context.Context) {
	for {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		default:
			r.clock.Sleep(r.heartbeatInterval)
			r.Sweep()
		}
	}
}

func (r *Registry) reconcileLoop(ctx context.Context) {
	for {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		default:
			r.clock.Sleep(r.reconcileInterval)
			if err := r.Reconcile(ctx); err != nil {
				r.log.Warnf("reconcile fleet-registry: %v", err)
			}
		}
	}
}

func (r *Registry) heartbeatLoop(ctx context.Context) {
	sub, err := r.gw.Subscribe(ctx, r.topic)
	if err != nil {
		r.log.Errorf("subscribe %s: %v", r.topic, err)
		return
	}
	defer sub.Close()
	for {
		env, err := sub.Next(ctx)
		if err != nil {
			return
		}
		var p HeartbeatPayload
		if err := json.Unmarshal(env.Body, &p); err != nil {
			r.log.Warnf("bad heartbeat payload: %v", err)
			continue
		}
		r.ApplyHeartbeat(p)
	}
}

func (r *Registry) Stop() {
	select {
	case <-r.stopCh:
	default:
		close(r.stopCh)
	}
}
