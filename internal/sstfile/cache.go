package sstfile

import (
	"hash/fnv"

	"github.com/horaedb/analytic-engine/internal/cache"
)

// metaCache and dataCache hold the raw bytes Reader.Open and readRowGroup
// fetch from the object store, shared process-wide across every Reader —
// object-store reads, not decoding, are the expensive part a cache here is
// meant to save. Grounded on the teacher's internal/cache.LRUCache (a
// Handle-refcounted LRU keyed by {FileNumber, BlockOffset}, exactly the
// shape of a (file, block) cache key this package needs) and its
// internal/table.TableCache, which caches per-SST-file state process-wide
// the same way; unlike TableCache's own hand-rolled LRU list this reuses
// the real internal/cache.LRUCache rather than a second LRU implementation.
// Configure installs both from options.EngineOptions.SstMetaCacheCap/
// SstDataCacheCap; a Reader opened before Configure runs, or with a
// nonpositive capacity, simply reads through to the store every time.
var (
	metaCache *cache.LRUCache
	dataCache *cache.LRUCache
)

// Configure installs process-wide meta/data block caches sized in entries
// (one charge unit per cached block, matching SstMetaCacheCap/
// SstDataCacheCap's item-count meaning in internal/options). Called once
// from Engine.Open before any table is opened.
func Configure(metaCacheCap, dataCacheCap int) {
	if metaCacheCap > 0 {
		metaCache = cache.NewLRUCache(uint64(metaCacheCap))
	}
	if dataCacheCap > 0 {
		dataCache = cache.NewLRUCache(uint64(dataCacheCap))
	}
}

// pathKey hashes an SST path into the cache's FileNumber field. Paths, not
// a numeric file id, are what every caller of this package already has in
// hand (objectstore.Store addresses objects by path, not by an allocated
// SST number), so the key is derived from the path instead of threading a
// file id through sstfile.Open's signature.
func pathKey(path string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(path))
	return h.Sum64()
}

// cacheGet reads through c for key, falling back to fetch on a miss or
// when c is nil (caching disabled). The returned bytes must not be
// mutated by the caller: a hit returns the cache's own backing array.
func cacheGet(c *cache.LRUCache, key cache.CacheKey, fetch func() ([]byte, error)) ([]byte, error) {
	if c == nil {
		return fetch()
	}
	if h := c.Lookup(key); h != nil {
		v := h.Value()
		c.Release(h)
		return v, nil
	}
	v, err := fetch()
	if err != nil {
		return nil, err
	}
	h := c.Insert(key, v, 1)
	c.Release(h)
	return v, nil
}
