// Package heartbeat implements HeartbeatEmitter: a node daemon's periodic
// liveness + capacity broadcast, grounded on the teacher's
// antientropy.Engine/Reporter loop shape (single background tick goroutine,
// publish-and-sleep, clock-driven) fused with ResourceAccountant as the
// load source instead of the teacher's piggyback queue.
package heartbeat

import (
	"context"
	"time"

	"github.com/pai3-ceo/powernode-dim/internal/gateway"
	"github.com/pai3-ceo/powernode-dim/internal/logx"
	"github.com/pai3-ceo/powernode-dim/internal/registry"
	"github.com/pai3-ceo/powernode-dim/internal/resource"
	"github.com/pai3-ceo/powernode-dim/internal/simclock"
)

type Config struct {
	NodeID       string
	Endpoint     string
	Capabilities map[string]bool
	Interval     time.Duration
	Topic        string
}

// Emitter publishes a HeartbeatPayload on every tick. Missed publications
// never alter local behavior — the control plane infers staleness on its
// own side, per §4.10.
type Emitter struct {
	cfg   Config
	gw    *gateway.StateGateway
	acct  *resource.Accountant
	log   *logx.Logger
	clock *simclock.Clock

	seq    uint64
	stopCh chan struct{}
}

func New(gw *gateway.StateGateway, acct *resource.Accountant, log *logx.Logger, clock *simclock.Clock, cfg Config) *Emitter {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	return &Emitter{cfg: cfg, gw: gw, acct: acct, log: log, clock: clock, stopCh: make(chan struct{})}
}

func (e *Emitter) Start(ctx context.Context) {
	go e.loop(ctx)
}

func (e *Emitter) loop(ctx context.Context) {
	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		default:
			e.publish(ctx)
			e.clock.Sleep(e.cfg.Interval)
		}
	}
}

func (e *Emitter) publish(ctx context.Context) {
	e.seq++
	p := registry.HeartbeatPayload{
		NodeID:       e.cfg.NodeID,
		Endpoint:     e.cfg.Endpoint,
		Capabilities: e.cfg.Capabilities,
		ActiveJobs:   e.acct.ActiveWorkers(),
		Capacity:     e.acct.Budget().MaxWorkers,
		Sequence:     e.seq,
	}
	if err := e.gw.Publish(ctx, e.cfg.Topic, e.cfg.NodeID, "node.heartbeat", p); err != nil {
		e.log.Warnf("publish heartbeat: %v", err)
	}
}

func (e *Emitter) Stop() {
	select {
	case <-e.stopCh:
	default:
		close(e.stopCh)
	}
}
