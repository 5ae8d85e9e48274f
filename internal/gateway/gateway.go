// Package gateway provides StateGateway, the single component allowed to
// touch the blob store, the mutable-name registry, and the broadcast bus.
// Every other component in the system holds only the narrow interface it
// needs, following the teacher's app.App/Runtime pattern of one struct
// owning every long-lived subsystem handle.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/pai3-ceo/powernode-dim/internal/gateway/blob"
	"github.com/pai3-ceo/powernode-dim/internal/gateway/bus"
	"github.com/pai3-ceo/powernode-dim/internal/gateway/mutable"
	"github.com/pai3-ceo/powernode-dim/internal/logx"
	"github.com/pai3-ceo/powernode-dim/internal/simclock"
)

type StateGateway struct {
	blobs    blob.Store
	mutables mutable.Store
	bus      bus.Bus
	clock    *simclock.Clock
	log      *logx.Logger
	seq      uint64 // accessed only via atomic, Publish is called concurrently
}

func New(blobs blob.Store, mutables mutable.Store, b bus.Bus, clock *simclock.Clock, log *logx.Logger) *StateGateway {
	return &StateGateway{blobs: blobs, mutables: mutables, bus: b, clock: clock, log: log}
}

// NewInMemory wires the three in-process defaults, the configuration every
// test and single-replica deployment uses.
func NewInMemory(clock *simclock.Clock, log *logx.Logger) *StateGateway {
	return New(blob.NewMemStore(), mutable.NewMemStore(), bus.NewMemBus(), clock, log)
}

func (g *StateGateway) PutBlob(ctx context.Context, data []byte) (string, error) {
	return g.blobs.Put(ctx, data)
}

func (g *StateGateway) GetBlob(ctx context.Context, handle string) ([]byte, error) {
	return g.blobs.Get(ctx, handle)
}

// PutJSON marshals v and stores it as a blob, returning the handle.
func (g *StateGateway) PutJSON(ctx context.Context, v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal: %w", err)
	}
	return g.PutBlob(ctx, b)
}

func (g *StateGateway) GetJSON(ctx context.Context, handle string, v any) error {
	b, err := g.GetBlob(ctx, handle)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

func (g *StateGateway) PutRecord(ctx context.Context, name string, value []byte) error {
	return g.mutables.Put(ctx, name, value)
}

func (g *StateGateway) GetRecord(ctx context.Context, name string) ([]byte, error) {
	return g.mutables.Get(ctx, name)
}

func (g *StateGateway) PutJSONRecord(ctx context.Context, name string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return g.PutRecord(ctx, name, b)
}

func (g *StateGateway) GetJSONRecord(ctx context.Context, name string, v any) error {
	b, err := g.GetRecord(ctx, name)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// Publish wraps body in a self-describing Envelope and publishes it,
// stamping a monotonic sequence number per §5's ordering guarantee.
func (g *StateGateway) Publish(ctx context.Context, topic, senderID, msgType string, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal body: %w", err)
	}
	env := bus.Envelope{
		Type:        msgType,
		SenderID:    senderID,
		Sequence:    atomic.AddUint64(&g.seq, 1),
		TimestampMs: g.clock.NowMs(),
		Body:        raw,
	}
	return g.bus.Publish(ctx, topic, env)
}

func (g *StateGateway) Subscribe(ctx context.Context, topic string) (bus.Subscription, error) {
	return g.bus.Subscribe(ctx, topic)
}
