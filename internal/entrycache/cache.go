// Package entrycache keeps a process-wide in-memory mirror of catalog
// entries, indexed by inode, path and id. It is a lookup accelerator only:
// on any doubt the catalog store wins.
//
// The maps are partitioned into 16 shards selected by FNV-1a of the lookup
// key; each index (inode, path, id) hashes independently, so one entry's
// keys may live in different shards. Cross-shard updates are applied
// per-shard without a global lock, which can expose a momentarily stale
// alias key between shard writes; that is within the cache's contract.
package entrycache

import (
	"context"
	"encoding/binary"
	"hash/fnv"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vaulthalla/vaulthalla/internal/catalog"
	"github.com/vaulthalla/vaulthalla/internal/metrics"
	"github.com/vaulthalla/vaulthalla/internal/types"
)

const (
	shardCount = 16
	shardMask  = shardCount - 1
)

// Stats is a snapshot of the cache counters. The numbers are an estimate
// for dashboarding and are not transactional with the catalog.
type Stats struct {
	Hits          uint64
	Misses        uint64
	Inserts       uint64
	Evictions     uint64
	Invalidations uint64
	UsedBytes     uint64
}

// shard is one bucket of the partitioned maps, guarded by its own
// reader/writer lock.
type shard struct {
	mu          sync.RWMutex
	byInode     map[uint64]types.Node
	byPath      map[string]types.Node // keyed by fuse path
	byID        map[uint]types.Node
	parentOf    map[uint]uint // child id -> parent id
	inodeToPath map[uint64]string
	pathToInode map[string]uint64
}

func newShard() *shard {
	return &shard{
		byInode:     make(map[uint64]types.Node),
		byPath:      make(map[string]types.Node),
		byID:        make(map[uint]types.Node),
		parentOf:    make(map[uint]uint),
		inodeToPath: make(map[uint64]string),
		pathToInode: make(map[string]uint64),
	}
}

// Cache is the entry cache. Lookups that miss load from the catalog and
// insert; writes are write-through (the caller commits to the catalog
// first).
type Cache struct {
	loader  catalog.EntryStore
	metrics *metrics.CacheMetrics

	shards [shardCount]*shard

	hits, misses, inserts, evictions, invalidations atomic.Uint64
	usedBytes                                       atomic.Uint64
}

// New builds an empty cache over the given loader. m may be nil.
func New(loader catalog.EntryStore, m *metrics.CacheMetrics) *Cache {
	c := &Cache{loader: loader, metrics: m}
	for i := range c.shards {
		c.shards[i] = newShard()
	}
	return c
}

func hashString(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}

func hashUint64(v uint64) uint64 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	h := fnv.New64a()
	_, _ = h.Write(buf[:])
	return h.Sum64()
}

// getShard selectors, one per index.

func (c *Cache) inodeShard(inode uint64) *shard {
	return c.shards[hashUint64(inode)&shardMask]
}

func (c *Cache) pathShard(fusePath string) *shard {
	return c.shards[hashString(fusePath)&shardMask]
}

func (c *Cache) idShard(id uint) *shard {
	return c.shards[hashUint64(uint64(id))&shardMask]
}

// GetByPath resolves a mount-visible path, loading on miss.
func (c *Cache) GetByPath(ctx context.Context, fusePath string) (types.Node, error) {
	s := c.pathShard(fusePath)
	s.mu.RLock()
	n, ok := s.byPath[fusePath]
	s.mu.RUnlock()
	if ok {
		c.hit()
		return n, nil
	}
	return c.load(func() (types.Node, error) { return c.loader.ByFusePath(ctx, fusePath) })
}

// GetByInode resolves an inode, loading on miss.
func (c *Cache) GetByInode(ctx context.Context, inode uint64) (types.Node, error) {
	s := c.inodeShard(inode)
	s.mu.RLock()
	n, ok := s.byInode[inode]
	s.mu.RUnlock()
	if ok {
		c.hit()
		return n, nil
	}
	return c.load(func() (types.Node, error) { return c.loader.ByInode(ctx, inode) })
}

// GetByID resolves an entry id, loading on miss.
func (c *Cache) GetByID(ctx context.Context, id uint) (types.Node, error) {
	s := c.idShard(id)
	s.mu.RLock()
	n, ok := s.byID[id]
	s.mu.RUnlock()
	if ok {
		c.hit()
		return n, nil
	}
	return c.load(func() (types.Node, error) { return c.loader.ByID(ctx, id) })
}

func (c *Cache) load(fetch func() (types.Node, error)) (types.Node, error) {
	c.miss()
	begin := time.Now()
	n, err := fetch()
	if err != nil {
		return nil, err
	}
	if c.metrics != nil {
		c.metrics.MissLoad.Observe(time.Since(begin).Seconds())
	}
	c.Put(n)
	return n, nil
}

// Put inserts or replaces an entry under all of its keys. Re-linking an
// inode to the path it already maps to is a no-op, not an error.
func (c *Cache) Put(n types.Node) {
	meta := n.Meta()

	// The inode shard holds the canonical previous state; learn from it
	// which alias keys went stale before touching the other shards.
	is := c.inodeShard(meta.Inode)
	is.mu.Lock()
	prev, existed := is.byInode[meta.Inode]
	is.byInode[meta.Inode] = n
	is.inodeToPath[meta.Inode] = meta.FusePath
	is.mu.Unlock()

	if existed {
		prevMeta := prev.Meta()
		if prevMeta.FusePath != meta.FusePath {
			c.dropPathKeys(prevMeta.FusePath)
		}
		if prevMeta.ID != meta.ID {
			c.dropIDKeys(prevMeta.ID)
		}
	}

	ps := c.pathShard(meta.FusePath)
	ps.mu.Lock()
	ps.byPath[meta.FusePath] = n
	ps.pathToInode[meta.FusePath] = meta.Inode
	ps.mu.Unlock()

	ids := c.idShard(meta.ID)
	ids.mu.Lock()
	ids.byID[meta.ID] = n
	if meta.ParentID != nil {
		ids.parentOf[meta.ID] = *meta.ParentID
	} else {
		delete(ids.parentOf, meta.ID)
	}
	ids.mu.Unlock()

	c.inserts.Add(1)
	var delta int64
	if existed {
		delta = sizeDelta(prev, n)
	} else if !n.IsDir() {
		delta = int64(n.Size())
	}
	c.addUsed(delta)
	if c.metrics != nil {
		c.metrics.Inserts.Inc()
		c.metrics.UsedBytes.Set(float64(c.usedBytes.Load()))
	}
}

func (c *Cache) dropPathKeys(fusePath string) {
	s := c.pathShard(fusePath)
	s.mu.Lock()
	delete(s.byPath, fusePath)
	delete(s.pathToInode, fusePath)
	s.mu.Unlock()
}

func (c *Cache) dropIDKeys(id uint) {
	s := c.idShard(id)
	s.mu.Lock()
	delete(s.byID, id)
	delete(s.parentOf, id)
	s.mu.Unlock()
}

func (c *Cache) dropInodeKeys(inode uint64) {
	s := c.inodeShard(inode)
	s.mu.Lock()
	delete(s.byInode, inode)
	delete(s.inodeToPath, inode)
	s.mu.Unlock()
}

// EvictPath drops the entry cached under the given fuse path from all maps.
func (c *Cache) EvictPath(fusePath string) {
	s := c.pathShard(fusePath)
	s.mu.RLock()
	n, ok := s.byPath[fusePath]
	s.mu.RUnlock()
	if !ok {
		return
	}
	c.remove(n)
	c.evicted(n)
}

// EvictInode drops the entry cached under the given inode from all maps.
func (c *Cache) EvictInode(inode uint64) {
	s := c.inodeShard(inode)
	s.mu.RLock()
	n, ok := s.byInode[inode]
	s.mu.RUnlock()
	if !ok {
		return
	}
	c.remove(n)
	c.evicted(n)
}

// Invalidate drops an entry the catalog disagreed with.
func (c *Cache) Invalidate(n types.Node) {
	s := c.idShard(n.Meta().ID)
	s.mu.RLock()
	_, ok := s.byID[n.Meta().ID]
	s.mu.RUnlock()
	if !ok {
		return
	}
	c.remove(n)
	c.invalidations.Add(1)
	if !n.IsDir() {
		c.addUsed(-int64(n.Size()))
	}
	if c.metrics != nil {
		c.metrics.Invalidations.Inc()
		c.metrics.UsedBytes.Set(float64(c.usedBytes.Load()))
	}
}

// remove drops every key of n, each from its own shard.
func (c *Cache) remove(n types.Node) {
	meta := n.Meta()
	c.dropInodeKeys(meta.Inode)
	c.dropPathKeys(meta.FusePath)
	c.dropIDKeys(meta.ID)
}

func (c *Cache) evicted(n types.Node) {
	c.evictions.Add(1)
	if !n.IsDir() {
		c.addUsed(-int64(n.Size()))
	}
	if c.metrics != nil {
		c.metrics.Evictions.Inc()
		c.metrics.UsedBytes.Set(float64(c.usedBytes.Load()))
	}
}

// ResolveInode returns the cached fuse path of an inode.
func (c *Cache) ResolveInode(inode uint64) (string, bool) {
	s := c.inodeShard(inode)
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.inodeToPath[inode]
	return p, ok
}

// ResolvePath returns the cached inode of a fuse path.
func (c *Cache) ResolvePath(fusePath string) (uint64, bool) {
	s := c.pathShard(fusePath)
	s.mu.RLock()
	defer s.mu.RUnlock()
	ino, ok := s.pathToInode[fusePath]
	return ino, ok
}

// Parent returns the cached parent id of an entry.
func (c *Cache) Parent(childID uint) (uint, bool) {
	s := c.idShard(childID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.parentOf[childID]
	return p, ok
}

// Stats snapshots the counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Inserts:       c.inserts.Load(),
		Evictions:     c.evictions.Load(),
		Invalidations: c.invalidations.Load(),
		UsedBytes:     c.usedBytes.Load(),
	}
}

// UsedBytes is the current resident-size estimate.
func (c *Cache) UsedBytes() uint64 { return c.usedBytes.Load() }

func (c *Cache) hit() {
	c.hits.Add(1)
	if c.metrics != nil {
		c.metrics.Hits.Inc()
	}
}

func (c *Cache) miss() {
	c.misses.Add(1)
	if c.metrics != nil {
		c.metrics.Misses.Inc()
	}
}

// addUsed applies a signed delta, saturating at 0 and at the uint64 range.
func (c *Cache) addUsed(delta int64) {
	for {
		cur := c.usedBytes.Load()
		var next uint64
		switch {
		case delta >= 0:
			if cur > math.MaxUint64-uint64(delta) {
				next = math.MaxUint64
			} else {
				next = cur + uint64(delta)
			}
		default:
			dec := uint64(-delta)
			if dec > cur {
				next = 0
			} else {
				next = cur - dec
			}
		}
		if c.usedBytes.CompareAndSwap(cur, next) {
			return
		}
	}
}

func sizeDelta(prev, next types.Node) int64 {
	var before, after int64
	if !prev.IsDir() {
		before = int64(prev.Size())
	}
	if !next.IsDir() {
		after = int64(next.Size())
	}
	return after - before
}
