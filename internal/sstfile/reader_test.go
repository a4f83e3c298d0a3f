package sstfile

// reader_test.go implements tests for Builder/Reader: row-group pruning,
// bloom-filter probes, and the hybrid run-length encoding.

import (
	"context"
	"fmt"
	"testing"

	"github.com/horaedb/analytic-engine/internal/compression"
	"github.com/horaedb/analytic-engine/internal/objectstore"
	"github.com/horaedb/analytic-engine/internal/schema"
)

func testSstSchema() *schema.Schema {
	return &schema.Schema{
		Columns: []schema.Column{
			{ID: 1, Name: "region", DataType: schema.String, IsTag: true},
			{ID: 2, Name: "ts", DataType: schema.Timestamp},
			{ID: 3, Name: "value", DataType: schema.Double, Nullable: true},
		},
		TimestampIdx: 1,
		PrimaryKey:   []int{0},
		Version:      1,
	}
}

func sstRow(region string, ts int64, value float64) schema.Row {
	return schema.Row{Values: []schema.Datum{
		schema.DatumFromString(region),
		schema.DatumFromTimestamp(ts),
		schema.DatumFromDouble(value),
	}}
}

func newTestStore(t *testing.T) objectstore.Store {
	t.Helper()
	store, err := objectstore.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore failed: %v", err)
	}
	return store
}

// buildSst writes rows to path using the given row-group size and storage
// format hint, one region per row group (regions sort: "a" < "b" < "c" ...).
func buildSst(t *testing.T, store objectstore.Store, path string, rowsPerGroup int, hint StorageFormat, rows []schema.Row) {
	t.Helper()
	opts := DefaultBuilderOptions()
	opts.NumRowsPerRowGroup = rowsPerGroup
	opts.StorageFormatHint = hint

	b := NewBuilder(store, path, testSstSchema(), opts)
	for i, row := range rows {
		if err := b.Add(row, uint64(i+1)); err != nil {
			t.Fatalf("Add row %d failed: %v", i, err)
		}
	}
	if _, err := b.Finish(context.Background()); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
}

func TestBuilderReaderRoundTrip(t *testing.T) {
	store := newTestStore(t)
	rows := []schema.Row{
		sstRow("us-east", 1, 1.0),
		sstRow("us-east", 2, 2.0),
		sstRow("us-west", 3, 3.0),
	}
	buildSst(t, store, "rt.sst", 8192, FormatColumnar, rows)

	r, err := Open(context.Background(), store, "rt.sst")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	got, err := r.Read(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(got) != len(rows) {
		t.Fatalf("got %d rows, want %d", len(got), len(rows))
	}
	if r.MetaData().RowNum != uint64(len(rows)) {
		t.Fatalf("MetaData.RowNum = %d, want %d", r.MetaData().RowNum, len(rows))
	}
}

// TestRowGroupPruning writes one row group per region (one row per group,
// sorted so each row group's key range is disjoint) and checks that a
// predicate naming a single region's key range only returns that region's
// rows, exercising overlapsKeyRange before any row group outside the
// range is even fetched.
func TestRowGroupPruning(t *testing.T) {
	store := newTestStore(t)
	rows := []schema.Row{
		sstRow("a-region", 10, 1.0),
		sstRow("b-region", 20, 2.0),
		sstRow("c-region", 30, 3.0),
	}
	// One row per row group, so each row group carries a distinct key range.
	buildSst(t, store, "pruned.sst", 1, FormatColumnar, rows)

	r, err := Open(context.Background(), store, "pruned.sst")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if r.MetaData().NumRowGroups() != len(rows) {
		t.Fatalf("got %d row groups, want %d", r.MetaData().NumRowGroups(), len(rows))
	}

	pred := &Predicate{
		LowerKey: rows[1].PrimaryKeyBytes(testSstSchema()),
		UpperKey: rows[2].PrimaryKeyBytes(testSstSchema()), // exclusive, so only row 1 ("b-region")
	}
	got, err := r.Read(context.Background(), nil, pred)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d rows, want 1", len(got))
	}
	if string(got[0].Values[0].Bytes) != "b-region" {
		t.Fatalf("got region %q, want b-region", got[0].Values[0].Bytes)
	}
}

// TestTimestampRangePruning exercises overlapsTSRange the same way, with
// every row sharing one primary key so only the timestamp bound can skip
// row groups.
func TestTimestampRangePruning(t *testing.T) {
	store := newTestStore(t)
	rows := []schema.Row{
		sstRow("fixed", 100, 1.0),
		sstRow("fixed", 200, 2.0),
		sstRow("fixed", 300, 3.0),
	}
	buildSst(t, store, "ts.sst", 1, FormatColumnar, rows)

	r, err := Open(context.Background(), store, "ts.sst")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	pred := &Predicate{HasTSRange: true, MinTS: 150, MaxTS: 250}
	got, err := r.Read(context.Background(), nil, pred)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(got) != 1 || got[0].Timestamp(testSstSchema()) != 200 {
		t.Fatalf("got %v, want exactly the row at ts=200", got)
	}
}

// TestBloomFilterPointLookup checks that a point-lookup predicate (equal
// lower/upper key) for a key never added to a row group is pruned by the
// bloom filter without decompressing the row group's payload — forcing a
// corrupt row-group block so a false MayContain would surface as a read
// error rather than silently returning no rows.
func TestBloomFilterPointLookup(t *testing.T) {
	store := newTestStore(t)
	rows := []schema.Row{
		sstRow("present", 1, 1.0),
	}
	buildSst(t, store, "bloom.sst", 8192, FormatColumnar, rows)

	data, err := store.GetRange(context.Background(), "bloom.sst", 0, -1)
	if err != nil {
		t.Fatalf("GetRange failed: %v", err)
	}
	// Corrupt the row group's payload bytes (everything before the footer
	// and metadata block) so that if the bloom filter failed to prune a
	// miss, decompression/checksum would fail loudly instead of passing.
	for i := range data[:4] {
		data[i] ^= 0xFF
	}
	if err := store.Put(context.Background(), "bloom.sst", data); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	r, err := Open(context.Background(), store, "bloom.sst")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	missingKey := sstRow("absent", 1, 1.0).PrimaryKeyBytes(testSstSchema())
	pred := &Predicate{LowerKey: missingKey, UpperKey: missingKey}
	got, err := r.Read(context.Background(), nil, pred)
	if err != nil {
		t.Fatalf("Read of a bloom-pruned miss should not touch the corrupted block, got error: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("got %d rows for a key never added, want 0", len(got))
	}
}

// TestBloomFilterFalsePositiveRate builds a filter over a few thousand
// present keys and checks the false-positive rate against absent keys
// stays in the neighborhood NewBloomFilterBuilder's ~1%-at-10-bits-per-key
// doc comment promises, with slack for a small sample.
func TestBloomFilterFalsePositiveRate(t *testing.T) {
	store := newTestStore(t)
	const n = 4096
	rows := make([]schema.Row, n)
	for i := 0; i < n; i++ {
		rows[i] = sstRow(fmt.Sprintf("region-%05d", i), int64(i), float64(i))
	}
	buildSst(t, store, "fp.sst", n, FormatColumnar, rows)

	r, err := Open(context.Background(), store, "fp.sst")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if r.MetaData().NumRowGroups() != 1 {
		t.Fatalf("expected a single row group, got %d", r.MetaData().NumRowGroups())
	}

	falsePositives := 0
	const trials = 4096
	for i := 0; i < trials; i++ {
		absentKey := sstRow(fmt.Sprintf("absent-%05d", i), 0, 0).PrimaryKeyBytes(testSstSchema())
		pred := &Predicate{LowerKey: absentKey, UpperKey: absentKey}
		got, err := r.Read(context.Background(), nil, pred)
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		if len(got) != 0 {
			falsePositives++
		}
	}
	rate := float64(falsePositives) / float64(trials)
	if rate > 0.05 {
		t.Fatalf("bloom filter false positive rate %.4f exceeds 5%% tolerance around the ~1%% target", rate)
	}
}

// TestHybridFormatRoundTrip checks that FormatHybrid's run-length
// collapsing of primary-key tag columns is lossless across a mix of
// repeated and changing tag values, including a tag value that recurs
// after a run of a different one.
func TestHybridFormatRoundTrip(t *testing.T) {
	s := testSstSchema()
	rows := []schema.Row{
		sstRow("east", 1, 1.0),
		sstRow("east", 2, 2.0),
		sstRow("east", 3, 3.0),
		sstRow("west", 4, 4.0),
		sstRow("west", 5, 5.0),
		sstRow("east", 6, 6.0),
	}

	payload, err := encodeRowGroup(s, rows, FormatHybrid)
	if err != nil {
		t.Fatalf("encodeRowGroup failed: %v", err)
	}
	got, err := decodeRowGroup(s, payload)
	if err != nil {
		t.Fatalf("decodeRowGroup failed: %v", err)
	}
	if len(got) != len(rows) {
		t.Fatalf("got %d rows, want %d", len(got), len(rows))
	}
	for i, want := range rows {
		if string(got[i].Values[0].Bytes) != string(want.Values[0].Bytes) {
			t.Fatalf("row %d: got region %q, want %q", i, got[i].Values[0].Bytes, want.Values[0].Bytes)
		}
		if got[i].Timestamp(s) != want.Timestamp(s) {
			t.Fatalf("row %d: got ts %d, want %d", i, got[i].Timestamp(s), want.Timestamp(s))
		}
		if got[i].Values[2].AsDouble() != want.Values[2].AsDouble() {
			t.Fatalf("row %d: got value %v, want %v", i, got[i].Values[2].AsDouble(), want.Values[2].AsDouble())
		}
	}
}

// TestHybridFormatViaBuilder exercises the same round trip through the
// full Builder/Reader path rather than calling the row-group codec
// directly, confirming the storage-format hint survives the footer.
func TestHybridFormatViaBuilder(t *testing.T) {
	store := newTestStore(t)
	rows := []schema.Row{
		sstRow("east", 1, 1.0),
		sstRow("east", 2, 2.0),
		sstRow("west", 3, 3.0),
	}
	buildSst(t, store, "hybrid.sst", 8192, FormatHybrid, rows)

	r, err := Open(context.Background(), store, "hybrid.sst")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if r.MetaData().StorageFormat != FormatHybrid {
		t.Fatalf("got storage format %v, want Hybrid", r.MetaData().StorageFormat)
	}
	got, err := r.Read(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(got) != len(rows) {
		t.Fatalf("got %d rows, want %d", len(got), len(rows))
	}
}

// TestBuilderCompressionFallback confirms an incompressible row group's
// block is tagged compression.None rather than the configured codec, so
// a reader decompresses with the codec actually used on disk.
func TestBuilderCompressionFallback(t *testing.T) {
	store := newTestStore(t)
	rows := []schema.Row{sstRow("solo", 1, 1.0)}

	opts := DefaultBuilderOptions()
	opts.Compression = compression.Lz4Compression
	b := NewBuilder(store, "fallback.sst", testSstSchema(), opts)
	if err := b.Add(rows[0], 1); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if _, err := b.Finish(context.Background()); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}

	r, err := Open(context.Background(), store, "fallback.sst")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	got, err := r.Read(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d rows, want 1", len(got))
	}
}
