package walmgr

// walmgr_test.go implements tests for Manager, LocalBackend, and
// BucketedBackend.

import (
	"context"
	"testing"
	"time"

	"github.com/horaedb/analytic-engine/internal/objectstore"
)

func newLocalStore(t *testing.T) objectstore.Store {
	t.Helper()
	store, err := objectstore.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore failed: %v", err)
	}
	return store
}

// TestRegionIDFoldsShardAndTable tests that RegionID keeps distinct
// (shard, table) pairs distinct and is stable for the same pair.
func TestRegionIDFoldsShardAndTable(t *testing.T) {
	a := RegionID(1, 2)
	b := RegionID(1, 2)
	c := RegionID(2, 1)
	if a != b {
		t.Fatalf("RegionID not stable: %d != %d", a, b)
	}
	if a == c {
		t.Fatalf("RegionID(1,2) collided with RegionID(2,1): %d", a)
	}
}

// TestLocalBackendWriteThenReadBatch tests that entries written in one
// batch come back in order with the requested start/end bounds honored.
func TestLocalBackendWriteThenReadBatch(t *testing.T) {
	ctx := context.Background()
	store := newLocalStore(t)
	b := NewLocalBackend(store, "wal")

	region := RegionID(0, 1)
	seq, err := b.Write(ctx, WriteBatch{RegionID: region, Payloads: [][]byte{[]byte("a"), []byte("b"), []byte("c")}})
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if seq != 3 {
		t.Fatalf("Write returned seq %d, want 3", seq)
	}

	it, err := b.ReadBatch(ctx, ReadBatchRequest{RegionID: region, Start: 2})
	if err != nil {
		t.Fatalf("ReadBatch failed: %v", err)
	}
	batch, ok := it.Next()
	if !ok {
		t.Fatalf("expected at least one batch")
	}
	if len(batch) != 2 {
		t.Fatalf("got %d entries, want 2 (sequences 2 and 3)", len(batch))
	}
	if string(batch[0].Payload) != "b" || string(batch[1].Payload) != "c" {
		t.Fatalf("unexpected payloads: %q %q", batch[0].Payload, batch[1].Payload)
	}
	if _, ok := it.Next(); ok {
		t.Fatalf("expected iterator to be exhausted")
	}
}

// TestLocalBackendSequenceNumAcrossWrites tests that a second write
// starts its sequence numbers just past the first's.
func TestLocalBackendSequenceNumAcrossWrites(t *testing.T) {
	ctx := context.Background()
	store := newLocalStore(t)
	b := NewLocalBackend(store, "wal")
	region := RegionID(0, 1)

	if _, err := b.Write(ctx, WriteBatch{RegionID: region, Payloads: [][]byte{[]byte("a")}}); err != nil {
		t.Fatalf("first Write failed: %v", err)
	}
	seq, err := b.Write(ctx, WriteBatch{RegionID: region, Payloads: [][]byte{[]byte("b"), []byte("c")}})
	if err != nil {
		t.Fatalf("second Write failed: %v", err)
	}
	if seq != 3 {
		t.Fatalf("second Write returned seq %d, want 3", seq)
	}

	got, err := b.SequenceNum(ctx, region)
	if err != nil {
		t.Fatalf("SequenceNum failed: %v", err)
	}
	if got != 3 {
		t.Fatalf("SequenceNum = %d, want 3", got)
	}
}

// TestLocalBackendMarkDeleteEntriesUpTo tests that entries at or below
// the watermark are dropped on the next rewrite, while later entries
// survive.
func TestLocalBackendMarkDeleteEntriesUpTo(t *testing.T) {
	ctx := context.Background()
	store := newLocalStore(t)
	b := NewLocalBackend(store, "wal")
	region := RegionID(0, 1)

	if _, err := b.Write(ctx, WriteBatch{RegionID: region, Payloads: [][]byte{[]byte("a"), []byte("b"), []byte("c")}}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := b.MarkDeleteEntriesUpTo(ctx, region, 2); err != nil {
		t.Fatalf("MarkDeleteEntriesUpTo failed: %v", err)
	}

	it, err := b.ReadBatch(ctx, ReadBatchRequest{RegionID: region, Start: 0})
	if err != nil {
		t.Fatalf("ReadBatch failed: %v", err)
	}
	batch, _ := it.Next()
	if len(batch) != 1 || batch[0].Sequence != 3 {
		t.Fatalf("expected only sequence 3 to survive, got %v", batch)
	}
}

// TestManagerDelegatesToBackend tests that Manager.Write/ReadBatch pass
// through to the configured Backend unchanged.
func TestManagerDelegatesToBackend(t *testing.T) {
	ctx := context.Background()
	store := newLocalStore(t)
	m := NewManager(NewLocalBackend(store, "wal"))
	region := RegionID(0, 1)

	if _, err := m.Write(ctx, WriteBatch{RegionID: region, Payloads: [][]byte{[]byte("x")}}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	it, err := m.ReadBatch(ctx, ReadBatchRequest{RegionID: region, Start: 1})
	if err != nil {
		t.Fatalf("ReadBatch failed: %v", err)
	}
	batch, ok := it.Next()
	if !ok || len(batch) != 1 || string(batch[0].Payload) != "x" {
		t.Fatalf("unexpected batch from Manager.ReadBatch: %v", batch)
	}
}

// TestBucketedBackendRoutesByTTL tests that a TTL-enabled region's
// writes land in a time bucket while a TTL-disabled region's land in the
// permanent bucket, and both replay correctly regardless.
func TestBucketedBackendRoutesByTTL(t *testing.T) {
	ctx := context.Background()
	store := newLocalStore(t)

	ttlRegion := RegionID(0, 1)
	permRegion := RegionID(0, 2)
	ttl := func(regionID uint64) (time.Duration, bool) {
		if regionID == ttlRegion {
			return time.Hour, true
		}
		return 0, false
	}
	b := NewBucketedBackend(store, "wal", ttl)

	if _, err := b.Write(ctx, WriteBatch{RegionID: ttlRegion, Payloads: [][]byte{[]byte("a")}}); err != nil {
		t.Fatalf("Write(ttlRegion) failed: %v", err)
	}
	if _, err := b.Write(ctx, WriteBatch{RegionID: permRegion, Payloads: [][]byte{[]byte("b")}}); err != nil {
		t.Fatalf("Write(permRegion) failed: %v", err)
	}

	for _, region := range []uint64{ttlRegion, permRegion} {
		it, err := b.ReadBatch(ctx, ReadBatchRequest{RegionID: region, Start: 0})
		if err != nil {
			t.Fatalf("ReadBatch(%d) failed: %v", region, err)
		}
		batch, ok := it.Next()
		if !ok || len(batch) != 1 {
			t.Fatalf("ReadBatch(%d) returned %v, want exactly one entry", region, batch)
		}
	}
}

// TestBucketedBackendPurgeExpiredBuckets tests that a bucket whose window
// plus TTL has fully elapsed is purged by purgeExpiredBuckets, while an
// unexpired bucket for another region survives.
func TestBucketedBackendPurgeExpiredBuckets(t *testing.T) {
	ctx := context.Background()
	store := newLocalStore(t)

	expiringRegion := RegionID(0, 1)
	freshRegion := RegionID(0, 2)
	ttl := func(uint64) (time.Duration, bool) { return time.Minute, true }
	b := NewBucketedBackend(store, "wal", ttl)

	base := time.Unix(0, 0)
	b.clock = func() time.Time { return base }
	if _, err := b.Write(ctx, WriteBatch{RegionID: expiringRegion, Payloads: [][]byte{[]byte("old")}}); err != nil {
		t.Fatalf("Write(expiringRegion) failed: %v", err)
	}

	b.clock = func() time.Time { return base.Add(2 * BucketDuration) }
	if _, err := b.Write(ctx, WriteBatch{RegionID: freshRegion, Payloads: [][]byte{[]byte("new")}}); err != nil {
		t.Fatalf("Write(freshRegion) failed: %v", err)
	}

	b.purgeExpiredBuckets(ctx)

	it, err := b.ReadBatch(ctx, ReadBatchRequest{RegionID: expiringRegion, Start: 0})
	if err != nil {
		t.Fatalf("ReadBatch(expiringRegion) failed: %v", err)
	}
	if batch, ok := it.Next(); ok && len(batch) != 0 {
		t.Fatalf("expected expiringRegion's bucket to be purged, got %v", batch)
	}

	it, err = b.ReadBatch(ctx, ReadBatchRequest{RegionID: freshRegion, Start: 0})
	if err != nil {
		t.Fatalf("ReadBatch(freshRegion) failed: %v", err)
	}
	batch, ok := it.Next()
	if !ok || len(batch) != 1 {
		t.Fatalf("expected freshRegion's entry to survive, got %v", batch)
	}
}

// TestEncodeDecodeEntryRoundTrips tests the record-framing round trip
// encodeEntry/decodeAllEntries relies on.
func TestEncodeDecodeEntryRoundTrips(t *testing.T) {
	framed := encodeEntry(RegionID(1, 2), 7, []byte("payload"))
	entries, err := decodeAllEntries(framed)
	if err != nil {
		t.Fatalf("decodeAllEntries failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	e := entries[0]
	if e.RegionID != RegionID(1, 2) || e.Sequence != 7 || string(e.Payload) != "payload" {
		t.Fatalf("unexpected decoded entry: %+v", e)
	}
}

// TestDecodeAllEntriesRejectsCorruption tests that a flipped byte in a
// framed record is caught by the checksum rather than silently accepted.
func TestDecodeAllEntriesRejectsCorruption(t *testing.T) {
	framed := encodeEntry(RegionID(1, 2), 1, []byte("payload"))
	framed[len(framed)-1] ^= 0xff

	if _, err := decodeAllEntries(framed); err == nil {
		t.Fatalf("expected decodeAllEntries to reject a corrupted checksum")
	}
}
