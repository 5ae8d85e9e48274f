// Package blob is the content-addressed store StateGateway uses to persist
// job specs, model artifacts, and result payloads. Handles are CIDs over a
// sha2-256 multihash of the content, following the hashing convention in
// beemesh's DHT-backed registry.
package blob

import (
	"context"
	"fmt"
	"sync"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
)

// Store is the narrow interface every caller outside internal/gateway is
// given: put immutable bytes, get them back by handle.
type Store interface {
	Put(ctx context.Context, data []byte) (handle string, err error)
	Get(ctx context.Context, handle string) ([]byte, error)
}

// Handle hashes data into the store's content-addressed key scheme without
// storing anything; used by callers that need to predict a handle (e.g.
// pipeline step chaining referencing a not-yet-written output).
func Handle(data []byte) (string, error) {
	hashed, err := mh.Sum(data, mh.SHA2_256, -1)
	if err != nil {
		return "", fmt.Errorf("hash content: %w", err)
	}
	return cid.NewCidV1(cid.Raw, hashed).String(), nil
}

// MemStore is an in-process content store: the default for single-replica
// deployments and the implementation every test uses. It satisfies Store
// with no network dependency, mirroring how the teacher's seed.Registry
// keeps fleet state in a guarded map rather than a remote service.
type MemStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemStore() *MemStore {
	return &MemStore{data: make(map[string][]byte)}
}

func (s *MemStore) Put(_ context.Context, data []byte) (string, error) {
	h, err := Handle(data)
	if err != nil {
		return "", err
	}
	cp := append([]byte(nil), data...)
	s.mu.Lock()
	s.data[h] = cp
	s.mu.Unlock()
	return h, nil
}

func (s *MemStore) Get(_ context.Context, handle string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[handle]
	if !ok {
		return nil, fmt.Errorf("blob %s: not found", handle)
	}
	return append([]byte(nil), v...), nil
}
