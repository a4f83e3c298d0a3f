package walmgr

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/horaedb/analytic-engine/internal/objectstore"
	"github.com/horaedb/analytic-engine/internal/testutil"
)

// BucketDuration is the time-bucket window spec.md §4.1 names: one table
// per 24h window per shard.
const BucketDuration = 24 * time.Hour

const permanentBucketKey int64 = -1

// TTLLookup reports whether regionID's table has TTL enabled and, if so,
// its retention window. The bucketed backend asks this before routing a
// write (enabled → time-bucketed; disabled → the one permanent bucket)
// and before purging (a bucket is dropped once its window plus ttl has
// fully elapsed).
type TTLLookup func(regionID uint64) (ttl time.Duration, enabled bool)

type regionState struct {
	nextSeq SequenceNumber
	buckets map[int64]bool // bucket keys this region has ever written to
}

// BucketedBackend is the "distributed table-KV backend organized by time
// buckets" spec.md §4.1 names: regions with TTL enabled are sharded
// across one object-store sub-path per BucketDuration window, so an
// expired window can be dropped in one Delete instead of a scan-and-
// filter rewrite; regions with TTL disabled live in a single permanent
// bucket, matching the teacher's KV backend behavior of never expiring
// data absent an explicit policy.
type BucketedBackend struct {
	store objectstore.Store
	dir   string
	ttl   TTLLookup
	clock func() time.Time

	mu      sync.Mutex
	regions map[uint64]*regionState
	logs    map[string]*LocalBackend // bucket dir -> backend
}

// NewBucketedBackend creates a BucketedBackend rooted at dir, consulting
// ttl to decide each region's bucketing policy.
func NewBucketedBackend(store objectstore.Store, dir string, ttl TTLLookup) *BucketedBackend {
	return &BucketedBackend{
		store:   store,
		dir:     dir,
		ttl:     ttl,
		clock:   time.Now,
		regions: make(map[uint64]*regionState),
		logs:    make(map[string]*LocalBackend),
	}
}

func (b *BucketedBackend) bucketKeyFor(regionID uint64, t time.Time) int64 {
	if _, enabled := b.ttl(regionID); !enabled {
		return permanentBucketKey
	}
	return t.Truncate(BucketDuration).Unix()
}

func (b *BucketedBackend) bucketDir(key int64) string {
	if key == permanentBucketKey {
		return fmt.Sprintf("%s/permanent", b.dir)
	}
	return fmt.Sprintf("%s/bucket-%020d", b.dir, key)
}

// backendFor returns (creating if needed) the LocalBackend for one
// bucket. Caller must hold b.mu.
func (b *BucketedBackend) backendFor(key int64) *LocalBackend {
	dir := b.bucketDir(key)
	if lb, ok := b.logs[dir]; ok {
		return lb
	}
	lb := NewLocalBackend(b.store, dir)
	b.logs[dir] = lb
	return lb
}

func (b *BucketedBackend) regionFor(regionID uint64) *regionState {
	rs, ok := b.regions[regionID]
	if !ok {
		rs = &regionState{buckets: make(map[int64]bool)}
		b.regions[regionID] = rs
	}
	return rs
}

func (b *BucketedBackend) Write(ctx context.Context, batch WriteBatch) (SequenceNumber, error) {
	b.mu.Lock()
	key := b.bucketKeyFor(batch.RegionID, b.clock())
	rs := b.regionFor(batch.RegionID)
	lb := b.backendFor(key)
	rs.buckets[key] = true
	b.mu.Unlock()

	// The region-global sequence counter lives here, not in the
	// per-bucket LocalBackend (which only knows its own bucket's
	// entries), so sequence numbers stay monotonic across a bucket
	// rotation.
	b.mu.Lock()
	startSeq := rs.nextSeq
	b.mu.Unlock()

	seq, err := lb.writeFrom(ctx, batch, startSeq)
	if err != nil {
		return 0, err
	}

	b.mu.Lock()
	rs.nextSeq = seq
	b.mu.Unlock()
	return seq, nil
}

func (b *BucketedBackend) ReadBatch(ctx context.Context, req ReadBatchRequest) (*BatchLogIterator, error) {
	b.mu.Lock()
	rs, ok := b.regions[req.RegionID]
	var keys []int64
	if ok {
		for k := range rs.buckets {
			keys = append(keys, k)
		}
	}
	b.mu.Unlock()
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	batchSize := req.BatchSize
	if batchSize <= 0 {
		batchSize = 500
	}

	var all []*entry
	for _, key := range keys {
		b.mu.Lock()
		lb := b.backendFor(key)
		b.mu.Unlock()
		entries, err := lb.readLog(ctx, req.RegionID)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.Sequence < req.Start {
				continue
			}
			if req.End != 0 && e.Sequence > req.End {
				continue
			}
			all = append(all, e)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Sequence < all[j].Sequence })
	return &BatchLogIterator{entries: all, batchSize: batchSize}, nil
}

func (b *BucketedBackend) MarkDeleteEntriesUpTo(ctx context.Context, regionID uint64, seq SequenceNumber) error {
	b.mu.Lock()
	rs, ok := b.regions[regionID]
	var keys []int64
	if ok {
		for k := range rs.buckets {
			keys = append(keys, k)
		}
	}
	b.mu.Unlock()

	for _, key := range keys {
		b.mu.Lock()
		lb := b.backendFor(key)
		b.mu.Unlock()
		if err := lb.MarkDeleteEntriesUpTo(ctx, regionID, seq); err != nil {
			return err
		}
	}
	return nil
}

func (b *BucketedBackend) SequenceNum(ctx context.Context, regionID uint64) (SequenceNumber, error) {
	b.mu.Lock()
	rs, ok := b.regions[regionID]
	b.mu.Unlock()
	if !ok {
		return 0, nil
	}
	return rs.nextSeq, nil
}

// RunBucketMonitor periodically rotates to the next bucket (a no-op here
// since buckets are created lazily on write) and purges buckets whose
// entire window plus the owning region's TTL has elapsed, per spec.md
// §4.1's "bucket monitor runs periodically to create the next bucket and
// purge expired ones". It runs until ctx is cancelled.
func (b *BucketedBackend) RunBucketMonitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.purgeExpiredBuckets(ctx)
		}
	}
}

func (b *BucketedBackend) purgeExpiredBuckets(ctx context.Context) {
	testutil.SP(testutil.SPWALBucketRotate)
	now := b.clock()

	b.mu.Lock()
	type target struct {
		regionID uint64
		key      int64
	}
	var expired []target
	for regionID, rs := range b.regions {
		ttl, enabled := b.ttl(regionID)
		if !enabled {
			continue
		}
		for key := range rs.buckets {
			if key == permanentBucketKey {
				continue
			}
			bucketEnd := time.Unix(key, 0).Add(BucketDuration)
			if now.After(bucketEnd.Add(ttl)) {
				expired = append(expired, target{regionID: regionID, key: key})
			}
		}
	}
	b.mu.Unlock()

	for _, t := range expired {
		dir := b.bucketDir(t.key)
		path := fmt.Sprintf("%s/region-%020d.wal", dir, t.regionID)
		if err := b.store.Delete(ctx, path); err != nil {
			continue // best-effort; next tick retries
		}
		b.mu.Lock()
		if rs, ok := b.regions[t.regionID]; ok {
			delete(rs.buckets, t.key)
		}
		b.mu.Unlock()
	}
}
