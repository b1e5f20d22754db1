package datascope

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash/fnv"
	"strconv"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
)

// ============================================================================
// SCOPE CACHE
// ============================================================================

// ScopeKey identifies one cached resolution. Any configuration change
// bumps HierarchyVersion, which turns every existing key into a miss; the
// TTL on Put is a secondary net against missed invalidation events.
type ScopeKey struct {
	UserID           int64
	RoleFingerprint  string
	HierarchyVersion uint64
}

func (k ScopeKey) String() string {
	return "scope:" + strconv.FormatInt(k.UserID, 10) + ":" + k.RoleFingerprint + ":" + strconv.FormatUint(k.HierarchyVersion, 10)
}

// scopeKey builds the cache key for a principal. The fingerprint hashes
// the sorted role-id set together with the principal's department and
// admin flag, so a changed home department can never serve a stale scope
// even before the next version bump.
func (e *Engine) scopeKey(p *Principal) ScopeKey {
	return ScopeKey{
		UserID:           p.UserID,
		RoleFingerprint:  principalFingerprint(p),
		HierarchyVersion: e.version.Load(),
	}
}

func principalFingerprint(p *Principal) string {
	h := sha256.New()
	var buf [8]byte
	for _, id := range dedupRoleIDs(p.RoleIDs) {
		binary.BigEndian.PutUint64(buf[:], uint64(id))
		h.Write(buf[:])
	}
	binary.BigEndian.PutUint64(buf[:], uint64(p.DeptID))
	h.Write(buf[:])
	if p.SuperAdmin {
		h.Write([]byte{1})
	} else {
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// ScopeCache stores resolved scopes. Implementations must be safe for
// concurrent use; a backend failure is reported as a miss, never as an
// error, because the cache is an optimization and not a correctness
// dependency.
type ScopeCache interface {
	Get(key ScopeKey) (*ResolvedScope, bool)
	Put(key ScopeKey, scope *ResolvedScope, ttl time.Duration)
	Purge()
}

// ============================================================================
// DEFAULT SHARDED CACHE
// ============================================================================

const defaultCacheShards = 16

type scopeCacheEntry struct {
	scope     *ResolvedScope
	expiresAt time.Time
}

type cacheShard struct {
	mu      sync.RWMutex
	entries map[ScopeKey]scopeCacheEntry
}

// shardedScopeCache is the in-process default: a key-sharded TTL map, so
// high request rates do not contend on a single lock.
type shardedScopeCache struct {
	shards []*cacheShard
	now    func() time.Time
}

func newShardedScopeCache(shards int, now func() time.Time) *shardedScopeCache {
	if shards <= 0 {
		shards = defaultCacheShards
	}
	if now == nil {
		now = time.Now
	}
	c := &shardedScopeCache{shards: make([]*cacheShard, shards), now: now}
	for i := range c.shards {
		c.shards[i] = &cacheShard{entries: make(map[ScopeKey]scopeCacheEntry)}
	}
	return c
}

// NewShardedScopeCache builds the default cache with an explicit shard
// count, for callers wiring it through WithScopeCache.
func NewShardedScopeCache(shards int) ScopeCache {
	return newShardedScopeCache(shards, time.Now)
}

func (c *shardedScopeCache) shard(key ScopeKey) *cacheShard {
	h := fnv.New32a()
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(key.UserID))
	h.Write(buf[:])
	h.Write([]byte(key.RoleFingerprint))
	return c.shards[h.Sum32()%uint32(len(c.shards))]
}

func (c *shardedScopeCache) Get(key ScopeKey) (*ResolvedScope, bool) {
	s := c.shard(key)
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if c.now().After(entry.expiresAt) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return nil, false
	}
	return entry.scope, true
}

func (c *shardedScopeCache) Put(key ScopeKey, scope *ResolvedScope, ttl time.Duration) {
	s := c.shard(key)
	s.mu.Lock()
	s.entries[key] = scopeCacheEntry{scope: scope, expiresAt: c.now().Add(ttl)}
	s.mu.Unlock()
}

func (c *shardedScopeCache) Purge() {
	for _, s := range c.shards {
		s.mu.Lock()
		for k := range s.entries {
			delete(s.entries, k)
		}
		s.mu.Unlock()
	}
}

// ============================================================================
// RISTRETTO BACKEND
// ============================================================================

// RistrettoScopeCache is a cost-bounded ScopeCache backend for processes
// resolving scopes for very large principal populations.
type RistrettoScopeCache struct {
	cache *ristretto.Cache
}

func NewRistrettoScopeCache(numCounters, maxCost, bufferItems int64) (*RistrettoScopeCache, error) {
	if numCounters <= 0 {
		numCounters = 1 << 16
	}
	if maxCost <= 0 {
		maxCost = 1 << 14
	}
	if bufferItems <= 0 {
		bufferItems = 64
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: numCounters,
		MaxCost:     maxCost,
		BufferItems: bufferItems,
	})
	if err != nil {
		return nil, err
	}
	return &RistrettoScopeCache{cache: c}, nil
}

func (r *RistrettoScopeCache) Get(key ScopeKey) (*ResolvedScope, bool) {
	v, ok := r.cache.Get(key.String())
	if !ok {
		return nil, false
	}
	scope, ok := v.(*ResolvedScope)
	return scope, ok
}

func (r *RistrettoScopeCache) Put(key ScopeKey, scope *ResolvedScope, ttl time.Duration) {
	r.cache.SetWithTTL(key.String(), scope, 1, ttl)
}

// Wait blocks until buffered writes are applied. Admission is
// asynchronous, so tests call this between Put and Get.
func (r *RistrettoScopeCache) Wait() { r.cache.Wait() }

func (r *RistrettoScopeCache) Purge() { r.cache.Clear() }

// ConfigureRistrettoScopeCache swaps the engine's cache for a ristretto
// backend. Previously cached scopes are discarded. The swap is a plain
// write: call it during setup, before the engine serves Resolve.
func (e *Engine) ConfigureRistrettoScopeCache(numCounters, maxCost, bufferItems int64) error {
	c, err := NewRistrettoScopeCache(numCounters, maxCost, bufferItems)
	if err != nil {
		return err
	}
	e.cache = c
	e.logger.Info("ristretto scope cache configured", "num_counters", int(numCounters), "max_cost", int(maxCost))
	return nil
}
