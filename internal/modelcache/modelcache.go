// Package modelcache implements ModelCache: a byte-budgeted LRU of model
// artifacts fetched from the blob store by model id, with refcounted
// release and single-flight acquire coalescing. Grounded on the original
// source's ModelCache (daemon/src/model_cache.py — size-bounded LRU); no
// eviction watermark is kept: entries are evicted only until a new one fits
// the byte budget. Its async download is replaced by a blocking
// gateway.StateGateway.GetBlob call, and single-flight/LRU hand-rolled with
// container/list and sync.Mutex since no such library appears anywhere in
// the retrieved pack.
package modelcache

import (
	"container/list"
	"context"
	"sync"

	"github.com/pai3-ceo/powernode-dim/internal/gateway"
	"github.com/pai3-ceo/powernode-dim/internal/joberr"
	"github.com/pai3-ceo/powernode-dim/internal/logx"
)

// Handle is a refcounted reference to a cached model's bytes.
type Handle struct {
	ModelID string
	Data    []byte
}

type entry struct {
	modelID  string
	data     []byte
	size     int64
	refcount int
	elem     *list.Element
}

// inflight is the single-flight coordination record for one model id:
// the first caller downloads, everyone else waits on done.
type inflight struct {
	done chan struct{}
	data []byte
	err  error
}

type Cache struct {
	gw     *gateway.StateGateway
	log    *logx.Logger
	budget int64

	mu         sync.Mutex
	entries    map[string]*entry
	lru        *list.List // front = most recently used
	size       int64
	loadsInFlight map[string]*inflight
}

func New(gw *gateway.StateGateway, log *logx.Logger, budgetBytes int64) *Cache {
	return &Cache{
		gw:            gw,
		log:           log,
		budget:        budgetBytes,
		entries:       make(map[string]*entry),
		lru:           list.New(),
		loadsInFlight: make(map[string]*inflight),
	}
}

// Acquire returns a Handle for modelID, fetching it via blobRef on miss.
// Concurrent callers for the same model id block on the first caller's
// fetch rather than downloading redundantly.
func (c *Cache) Acquire(ctx context.Context, modelID, blobRef string) (Handle, error) {
	c.mu.Lock()
	if e, ok := c.entries[modelID]; ok {
		e.refcount++
		c.lru.MoveToFront(e.elem)
		c.mu.Unlock()
		return Handle{ModelID: modelID, Data: e.data}, nil
	}
	if inf, ok := c.loadsInFlight[modelID]; ok {
		c.mu.Unlock()
		<-inf.done
		if inf.err != nil {
			return Handle{}, inf.err
		}
		return c.Acquire(ctx, modelID, blobRef) // re-check cache for the now-inserted entry
	}

	inf := &inflight{done: make(chan struct{})}
	c.loadsInFlight[modelID] = inf
	c.mu.Unlock()

	data, err := c.gw.GetBlob(ctx, blobRef)

	c.mu.Lock()
	delete(c.loadsInFlight, modelID)
	if err != nil {
		inf.err = err
		c.mu.Unlock()
		close(inf.done)
		return Handle{}, joberr.Wrap(joberr.ModelFetchFailed, err, "fetch model %s", modelID)
	}

	size := int64(len(data))
	if !c.makeRoomLocked(size) {
		c.mu.Unlock()
		inf.err = joberr.New(joberr.CacheFull, "no evictable entries for model %s (%d bytes)", modelID, size)
		close(inf.done)
		return Handle{}, inf.err
	}

	e := &entry{modelID: modelID, data: data, size: size, refcount: 1}
	e.elem = c.lru.PushFront(e)
	c.entries[modelID] = e
	c.size += size
	inf.data = data
	c.mu.Unlock()
	close(inf.done)

	return Handle{ModelID: modelID, Data: data}, nil
}

// Release decrements modelID's refcount; at zero, the entry becomes
// evictable (it is not removed immediately — eviction only happens on the
// next insert that needs the room, per §4.8).
func (c *Cache) Release(modelID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[modelID]
	if !ok || e.refcount == 0 {
		return
	}
	e.refcount--
}

// makeRoomLocked evicts zero-refcount entries in LRU order until size+need
// fits the budget. Caller holds c.mu.
func (c *Cache) makeRoomLocked(need int64) bool {
	if c.budget <= 0 || c.size+need <= c.budget {
		return true
	}
	for elem := c.lru.Back(); elem != nil; {
		prev := elem.Prev()
		e := elem.Value.(*entry)
		if e.refcount == 0 {
			c.lru.Remove(elem)
			delete(c.entries, e.modelID)
			c.size -= e.size
			if c.size+need <= c.budget {
				return true
			}
		}
		elem = prev
	}
	return c.size+need <= c.budget
}

// Stats reports current occupancy for diagnostics/logging.
type Stats struct {
	Entries     int
	CurrentSize int64
	Budget      int64
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Entries: len(c.entries), CurrentSize: c.size, Budget: c.budget}
}

// PreWarm eagerly acquires every model id in hot whose access count meets
// threshold, then immediately releases it (the cache entry and its bytes
// stay resident; only the refcount returns to zero), per §4.8's optional
// pre-warm loop and the original source's model_prewarmer.py access-log
// replay.
func (c *Cache) PreWarm(ctx context.Context, hot map[string]int, threshold int, resolveBlob func(modelID string) (string, bool)) {
	for modelID, count := range hot {
		if count < threshold {
			continue
		}
		blobRef, ok := resolveBlob(modelID)
		if !ok {
			continue
		}
		if _, err := c.Acquire(ctx, modelID, blobRef); err != nil {
			c.log.Warnf("pre-warm acquire %s: %v", modelID, err)
			continue
		}
		c.Release(modelID)
	}
}
