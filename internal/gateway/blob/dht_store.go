package blob

import (
	"context"
	"fmt"

	dht "github.com/libp2p/go-libp2p-kad-dht"
)

// DHTStore backs the content store with the same Kademlia DHT the mutable
// registry uses, keyed by the CID handle rather than a well-known name.
// This is a simplification of a full bitswap-backed blob exchange (no
// bitswap client appears anywhere in the retrieved pack); it is adequate
// for the artifact sizes this system moves (specs, small result vectors)
// and keeps the single DHT dependency doing double duty instead of adding
// a second transport.
type DHTStore struct {
	dht *dht.IpfsDHT
}

func NewDHTStore(d *dht.IpfsDHT) *DHTStore {
	return &DHTStore{dht: d}
}

func (s *DHTStore) Put(ctx context.Context, data []byte) (string, error) {
	h, err := Handle(data)
	if err != nil {
		return "", err
	}
	if err := s.dht.PutValue(ctx, dhtKey(h), data); err != nil {
		return "", fmt.Errorf("put blob %s: %w", h, err)
	}
	return h, nil
}

func (s *DHTStore) Get(ctx context.Context, handle string) ([]byte, error) {
	v, err := s.dht.GetValue(ctx, dhtKey(handle))
	if err != nil {
		return nil, fmt.Errorf("get blob %s: %w", handle, err)
	}
	return v, nil
}

func dhtKey(handle string) string {
	return "/powernode/blob/" + handle
}
