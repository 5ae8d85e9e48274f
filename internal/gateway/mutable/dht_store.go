package mutable

import (
	"context"
	"fmt"

	dht "github.com/libp2p/go-libp2p-kad-dht"
)

// DHTStore backs the mutable-name records with Kademlia PutValue/
// GetValue, grounded on beemesh's registry.StoreManifest/GetManifest.
type DHTStore struct {
	dht *dht.IpfsDHT
}

func NewDHTStore(d *dht.IpfsDHT) *DHTStore {
	return &DHTStore{dht: d}
}

func (s *DHTStore) Put(ctx context.Context, name string, value []byte) error {
	if err := s.dht.PutValue(ctx, dhtKey(name), value); err != nil {
		return fmt.Errorf("put mutable record %q: %w", name, err)
	}
	return nil
}

func (s *DHTStore) Get(ctx context.Context, name string) ([]byte, error) {
	v, err := s.dht.GetValue(ctx, dhtKey(name))
	if err != nil {
		return nil, fmt.Errorf("get mutable record %q: %w", name, err)
	}
	return v, nil
}

func dhtKey(name string) string {
	return "/powernode/mutable/" + name
}
