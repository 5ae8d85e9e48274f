package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/pai3-ceo/powernode-dim/internal/gateway"
	"github.com/pai3-ceo/powernode-dim/internal/logx"
	"github.com/pai3-ceo/powernode-dim/internal/rpc"
	"github.com/pai3-ceo/powernode-dim/internal/simclock"
)

func newTestCoordinator(t *testing.T, selfID string) (*Coordinator, *gateway.StateGateway) {
	t.Helper()
	clock := simclock.New(1000)
	log := logx.New(selfID, clock)
	gw := gateway.NewInMemory(clock, log)
	c := New(gw, log, clock, Config{
		SelfID:            selfID,
		Capacity:          4,
		HeartbeatTopic:    "orchestrator.heartbeat",
		HandoffTopic:      "orchestrator.handoff",
		HighWatermark:     0.8,
		PeerLowWatermark:  0.5,
		OfferWindow:       200 * time.Millisecond,
	})
	return c, gw
}

func TestHeartbeatRPCUpsertsPeer(t *testing.T) {
	c, _ := newTestCoordinator(t, "self")
	reply, err := c.Heartbeat(context.Background(), &rpc.HeartbeatRequest{PeerID: "peer-a", ActiveJobs: 1, Capacity: 4})
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if reply.PeerID != "self" {
		t.Fatalf("expected reply from self, got %s", reply.PeerID)
	}
	peers := c.Peers()
	if len(peers) != 1 || peers[0].PeerID != "peer-a" {
		t.Fatalf("expected peer-a upserted, got %+v", peers)
	}
}

func TestOfferRPCRejectsWhenLoadHigh(t *testing.T) {
	c, _ := newTestCoordinator(t, "self")
	c.SetActiveJobs(4) // load fraction 1.0, above PeerLowWatermark
	reply, err := c.Offer(context.Background(), &rpc.OfferRequest{JobID: "j1", FromID: "other"})
	if err != nil {
		t.Fatalf("offer: %v", err)
	}
	if reply.Accepted {
		t.Fatalf("expected rejection at high load, got accepted")
	}
}

func TestOfferRPCAcceptsWhenLoadLow(t *testing.T) {
	c, _ := newTestCoordinator(t, "self")
	c.SetActiveJobs(0)
	reply, err := c.Offer(context.Background(), &rpc.OfferRequest{JobID: "j2", FromID: "other"})
	if err != nil {
		t.Fatalf("offer: %v", err)
	}
	if !reply.Accepted || reply.PeerID != "self" {
		t.Fatalf("expected acceptance by self, got %+v", reply)
	}
}

func TestShouldOfferHandoffPicksLeastLoadedPeer(t *testing.T) {
	c, _ := newTestCoordinator(t, "self")
	c.SetActiveJobs(4) // 1.0 local load, above HighWatermark
	c.mu.Lock()
	c.peers["peer-busy"] = &PeerRecord{PeerID: "peer-busy", ActiveJobs: 3, Capacity: 4}
	c.peers["peer-idle"] = &PeerRecord{PeerID: "peer-idle", ActiveJobs: 0, Capacity: 4}
	c.mu.Unlock()

	target, ok := c.ShouldOfferHandoff()
	if !ok || target != "peer-idle" {
		t.Fatalf("expected peer-idle, got %q ok=%v", target, ok)
	}
}
