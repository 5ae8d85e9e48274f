package registry

import (
	"testing"
	"time"

	"github.com/pai3-ceo/powernode-dim/internal/gateway"
	"github.com/pai3-ceo/powernode-dim/internal/logx"
	"github.com/pai3-ceo/powernode-dim/internal/simclock"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	clock := simclock.New(1000) // compress real time heavily for the test
	log := logx.New("test", clock)
	gw := gateway.NewInMemory(clock, log)
	return New(gw, log, clock, Config{
		HeartbeatInterval: 10 * time.Millisecond,
		HeartbeatTopic:    "nodes.heartbeat",
	})
}

func TestStalenessInvariant(t *testing.T) {
	r := newTestRegistry(t)
	r.ApplyHeartbeat(HeartbeatPayload{NodeID: "a", Capacity: 1})

	r.mu.Lock()
	r.nodes["a"].LastHeartbeat = r.clock.Now().Add(-4 * r.heartbeatInterval)
	r.mu.Unlock()

	r.Sweep()

	n, ok := r.Get("a")
	if !ok {
		t.Fatal("node a missing")
	}
	if n.Status != Stale {
		t.Fatalf("expected Stale after 4H silence, got %s", n.Status)
	}
}

func TestEvictionAfterLongSilence(t *testing.T) {
	r := newTestRegistry(t)
	r.ApplyHeartbeat(HeartbeatPayload{NodeID: "a", Capacity: 1})
	r.mu.Lock()
	r.nodes["a"].LastHeartbeat = r.clock.Now().Add(-11 * r.heartbeatInterval)
	r.mu.Unlock()

	r.Sweep()

	n, _ := r.Get("a")
	if n.Status != Evicted {
		t.Fatalf("expected Evicted after 11H silence, got %s", n.Status)
	}
}

func TestHeartbeatPromotesToActive(t *testing.T) {
	r := newTestRegistry(t)
	r.ApplyHeartbeat(HeartbeatPayload{NodeID: "a", Capacity: 1})
	r.mu.Lock()
	r.nodes["a"].Status = Stale
	r.mu.Unlock()

	r.ApplyHeartbeat(HeartbeatPayload{NodeID: "a", Capacity: 1})

	n, _ := r.Get("a")
	if n.Status != Active {
		t.Fatalf("expected Active after fresh heartbeat, got %s", n.Status)
	}
}
