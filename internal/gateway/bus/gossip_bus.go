package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/libp2p/go-libp2p/core/host"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
)

// GossipBus backs each topic with a libp2p GossipSub topic, grounded on
// beemesh's pubsub.NewGossipSub + Subscribe/Next loop.
type GossipBus struct {
	ps     *pubsub.PubSub
	topics map[string]*pubsub.Topic
}

func NewGossipBus(ctx context.Context, h host.Host) (*GossipBus, error) {
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		return nil, fmt.Errorf("new gossipsub: %w", err)
	}
	return &GossipBus{ps: ps, topics: make(map[string]*pubsub.Topic)}, nil
}

func (b *GossipBus) topic(name string) (*pubsub.Topic, error) {
	if t, ok := b.topics[name]; ok {
		return t, nil
	}
	t, err := b.ps.Join(name)
	if err != nil {
		return nil, fmt.Errorf("join topic %s: %w", name, err)
	}
	b.topics[name] = t
	return t, nil
}

func (b *GossipBus) Publish(ctx context.Context, topic string, env Envelope) error {
	t, err := b.topic(topic)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return t.Publish(ctx, data)
}

func (b *GossipBus) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	t, err := b.topic(topic)
	if err != nil {
		return nil, err
	}
	sub, err := t.Subscribe()
	if err != nil {
		return nil, fmt.Errorf("subscribe topic %s: %w", topic, err)
	}
	return &gossipSub{sub: sub}, nil
}

type gossipSub struct {
	sub *pubsub.Subscription
}

func (s *gossipSub) Next(ctx context.Context) (Envelope, error) {
	msg, err := s.sub.Next(ctx)
	if err != nil {
		return Envelope{}, err
	}
	var env Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		return Envelope{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return env, nil
}

func (s *gossipSub) Close() error {
	s.sub.Cancel()
	return nil
}
