// Package coordinator implements PeerCoordinator: orchestrator-replica
// heartbeats and load-aware job handoff, fused from the teacher's
// seed.Registry peer-table idiom and the original source's
// orchestrator_coordinator.py handoff thresholds.
package coordinator

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/pai3-ceo/powernode-dim/internal/gateway"
	"github.com/pai3-ceo/powernode-dim/internal/logx"
	"github.com/pai3-ceo/powernode-dim/internal/rpc"
	"github.com/pai3-ceo/powernode-dim/internal/simclock"
)

var _ rpc.PeerServiceServer = (*Coordinator)(nil)

// PeerRecord mirrors NodeRecord's lifecycle shape for orchestrator peers.
type PeerRecord struct {
	PeerID        string
	LastHeartbeat time.Time
	ActiveJobs    int
	Capacity      int
}

func (p PeerRecord) LoadFraction() float64 {
	if p.Capacity <= 0 {
		return 0
	}
	return float64(p.ActiveJobs) / float64(p.Capacity)
}

type heartbeatPayload struct {
	PeerID     string `json:"peer_id"`
	ActiveJobs int    `json:"active_jobs"`
	Capacity   int    `json:"capacity"`
	Sequence   uint64 `json:"sequence"`
}

type offerPayload struct {
	JobID   string `json:"job_id"`
	SpecRef string `json:"spec_ref"`
	FromID  string `json:"from_id"`
}

type acceptPayload struct {
	JobID  string `json:"job_id"`
	PeerID string `json:"peer_id"`
}

// Config carries the watermarks and topic names PeerCoordinator needs.
type Config struct {
	SelfID               string
	Capacity             int
	HeartbeatInterval    time.Duration
	HighWatermark        float64 // local load above this considers handoff
	PeerLowWatermark     float64 // peer load below this is an eligible target
	OfferWindow          time.Duration
	HeartbeatTopic       string
	HandoffTopic         string
}

type Coordinator struct {
	cfg   Config
	gw    *gateway.StateGateway
	log   *logx.Logger
	clock *simclock.Clock

	mu          sync.RWMutex
	peers       map[string]*PeerRecord
	activeJobs  int
	seq         uint64

	// forwarding keeps a grace-period entry for jobs handed off away from
	// this replica, so status/result queries against the original replica
	// keep working during the handoff grace period.
	forwarding map[string]string // jobID -> new owner peer id

	stopCh chan struct{}
}

func New(gw *gateway.StateGateway, log *logx.Logger, clock *simclock.Clock, cfg Config) *Coordinator {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if cfg.HighWatermark <= 0 {
		cfg.HighWatermark = 0.8
	}
	if cfg.PeerLowWatermark <= 0 {
		cfg.PeerLowWatermark = 0.5
	}
	if cfg.OfferWindow <= 0 {
		cfg.OfferWindow = 2 * time.Second
	}
	return &Coordinator{
		cfg:        cfg,
		gw:         gw,
		log:        log,
		clock:      clock,
		peers:      make(map[string]*PeerRecord),
		forwarding: make(map[string]string),
		stopCh:     make(chan struct{}),
	}
}

func (c *Coordinator) SetActiveJobs(n int) {
	c.mu.Lock()
	c.activeJobs = n
	c.mu.Unlock()
}

func (c *Coordinator) LoadFraction() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.cfg.Capacity <= 0 {
		return 0
	}
	return float64(c.activeJobs) / float64(c.cfg.Capacity)
}

func (c *Coordinator) Start(ctx context.Context) {
	go c.heartbeatLoop(ctx)
	go c.listenHeartbeats(ctx)
	go c.listenOffers(ctx)
}

func (c *Coordinator) heartbeatLoop(ctx context.Context) {
	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		default:
			c.clock.Sleep(c.cfg.HeartbeatInterval)
			c.publishHeartbeat(ctx)
		}
	}
}

func (c *Coordinator) publishHeartbeat(ctx context.Context) {
	c.mu.Lock()
	c.seq++
	p := heartbeatPayload{PeerID: c.cfg.SelfID, ActiveJobs: c.activeJobs, Capacity: c.cfg.Capacity, Sequence: c.seq}
	c.mu.Unlock()
	if err := c.gw.Publish(ctx, c.cfg.HeartbeatTopic, c.cfg.SelfID, "peer.heartbeat", p); err != nil {
		c.log.Warnf("publish orchestrator heartbeat: %v", err)
	}
}

func (c *Coordinator) listenHeartbeats(ctx context.Context) {
	sub, err := c.gw.Subscribe(ctx, c.cfg.HeartbeatTopic)
	if err != nil {
		c.log.Errorf("subscribe %s: %v", c.cfg.HeartbeatTopic, err)
		return
	}
	defer sub.Close()
	for {
		env, err := sub.Next(ctx)
		if err != nil {
			return
		}
		var p heartbeatPayload
		if err := json.Unmarshal(env.Body, &p); err != nil {
			continue
		}
		if p.PeerID == c.cfg.SelfID {
			continue
		}
		c.mu.Lock()
		pr, ok := c.peers[p.PeerID]
		if !ok {
			pr = &PeerRecord{PeerID: p.PeerID}
			c.peers[p.PeerID] = pr
		}
		pr.ActiveJobs = p.ActiveJobs
		pr.Capacity = p.Capacity
		pr.LastHeartbeat = c.clock.Now()
		c.mu.Unlock()
	}
}

// listenOffers is the bus-driven companion to Offer: it subscribes to
// job.offer broadcasts on the handoff topic and publishes job.accept for
// any offer this replica is willing and able to take, the consumer side
// OfferHandoff's wait loop depends on to ever see an accept.
func (c *Coordinator) listenOffers(ctx context.Context) {
	sub, err := c.gw.Subscribe(ctx, c.cfg.HandoffTopic)
	if err != nil {
		c.log.Errorf("subscribe %s: %v", c.cfg.HandoffTopic, err)
		return
	}
	defer sub.Close()
	for {
		env, err := sub.Next(ctx)
		if err != nil {
			return
		}
		if env.Type != "job.offer" {
			continue
		}
		var o offerPayload
		if json.Unmarshal(env.Body, &o) != nil || o.FromID == c.cfg.SelfID {
			continue
		}
		if c.LoadFraction() >= c.cfg.PeerLowWatermark {
			continue
		}
		if err := c.AcceptOffer(ctx, o.JobID); err != nil {
			c.log.Warnf("accept offer for %s: %v", o.JobID, err)
		}
	}
}

func (c *Coordinator) Peers() []PeerRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]PeerRecord, 0, len(c.peers))
	for _, p := range c.peers {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

// ShouldOfferHandoff reports whether local load exceeds the high
// watermark and at least one peer is below the low watermark, per §4.5.
func (c *Coordinator) ShouldOfferHandoff() (target string, ok bool) {
	if c.LoadFraction() <= c.cfg.HighWatermark {
		return "", false
	}
	best := PeerRecord{Capacity: -1}
	found := false
	for _, p := range c.Peers() {
		if p.LoadFraction() < c.cfg.PeerLowWatermark {
			if !found || p.LoadFraction() < best.LoadFraction() {
				best = p
				found = true
			}
		}
	}
	if !found {
		return "", false
	}
	return best.PeerID, true
}

// OfferHandoff publishes a job.offer and waits up to OfferWindow for an
// accept. Handoff is best-effort: if the window elapses with no accept,
// the caller keeps the job locally, never blocking submit.
func (c *Coordinator) OfferHandoff(ctx context.Context, jobID, specRef string) (accepted bool, ownerPeerID string) {
	sub, err := c.gw.Subscribe(ctx, c.cfg.HandoffTopic)
	if err != nil {
		return false, ""
	}
	defer sub.Close()

	if err := c.gw.Publish(ctx, c.cfg.HandoffTopic, c.cfg.SelfID, "job.offer", offerPayload{JobID: jobID, SpecRef: specRef, FromID: c.cfg.SelfID}); err != nil {
		c.log.Warnf("publish job.offer: %v", err)
		return false, ""
	}

	wctx, cancel := context.WithTimeout(ctx, c.cfg.OfferWindow)
	defer cancel()
	for {
		env, err := sub.Next(wctx)
		if err != nil {
			return false, ""
		}
		if env.Type != "job.accept" {
			continue
		}
		var a acceptPayload
		if json.Unmarshal(env.Body, &a) != nil || a.JobID != jobID {
			continue
		}
		c.mu.Lock()
		c.forwarding[jobID] = a.PeerID
		c.mu.Unlock()
		return true, a.PeerID
	}
}

// AcceptOffer is called by a peer's offer listener when it decides to take
// ownership of an offered job.
func (c *Coordinator) AcceptOffer(ctx context.Context, jobID string) error {
	return c.gw.Publish(ctx, c.cfg.HandoffTopic, c.cfg.SelfID, "job.accept", acceptPayload{JobID: jobID, PeerID: c.cfg.SelfID})
}

// ForwardingOwner returns the peer a job was handed off to, if any, for
// routing status/result queries during the grace period.
func (c *Coordinator) ForwardingOwner(jobID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	owner, ok := c.forwarding[jobID]
	return owner, ok
}

func (c *Coordinator) Stop() {
	select {
	case <-c.stopCh:
	default:
		close(c.stopCh)
	}
}

// Heartbeat implements rpc.PeerServiceServer as the point-to-point
// fallback to the gossip-bus heartbeat: a peer that missed a broadcast (or
// is probing a specific replica directly) gets the same upsert the bus
// listener would have applied.
func (c *Coordinator) Heartbeat(ctx context.Context, req *rpc.HeartbeatRequest) (*rpc.HeartbeatReply, error) {
	if req.PeerID != c.cfg.SelfID {
		c.mu.Lock()
		pr, ok := c.peers[req.PeerID]
		if !ok {
			pr = &PeerRecord{PeerID: req.PeerID}
			c.peers[req.PeerID] = pr
		}
		pr.ActiveJobs = req.ActiveJobs
		pr.Capacity = req.Capacity
		pr.LastHeartbeat = c.clock.Now()
		c.mu.Unlock()
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return &rpc.HeartbeatReply{PeerID: c.cfg.SelfID, ActiveJobs: c.activeJobs, Capacity: c.cfg.Capacity}, nil
}

// Offer implements rpc.PeerServiceServer: the direct-call companion to the
// job.offer/job.accept gossip race, used when a replica wants a
// synchronous accept/reject rather than waiting out OfferWindow on the bus.
func (c *Coordinator) Offer(ctx context.Context, req *rpc.OfferRequest) (*rpc.OfferReply, error) {
	if c.LoadFraction() >= c.cfg.PeerLowWatermark {
		return &rpc.OfferReply{Accepted: false}, nil
	}
	if err := c.AcceptOffer(ctx, req.JobID); err != nil {
		return &rpc.OfferReply{Accepted: false}, nil
	}
	return &rpc.OfferReply{Accepted: true, PeerID: c.cfg.SelfID}, nil
}
