package flush

// job_test.go implements tests for Job.

import (
	"context"
	"testing"

	"github.com/horaedb/analytic-engine/internal/manifest"
	"github.com/horaedb/analytic-engine/internal/memtable"
	"github.com/horaedb/analytic-engine/internal/objectstore"
	"github.com/horaedb/analytic-engine/internal/options"
	"github.com/horaedb/analytic-engine/internal/schema"
	"github.com/horaedb/analytic-engine/internal/sstfile"
	"github.com/horaedb/analytic-engine/internal/version"
)

func testSchema() *schema.Schema {
	return &schema.Schema{
		Columns: []schema.Column{
			{ID: 1, Name: "tag", DataType: schema.String, IsTag: true},
			{ID: 2, Name: "ts", DataType: schema.Timestamp},
			{ID: 3, Name: "value", DataType: schema.Double},
		},
		TimestampIdx: 1,
		PrimaryKey:   []int{0, 1},
		Version:      1,
	}
}

func row(tag string, ts int64, value float64) schema.Row {
	return schema.Row{Values: []schema.Datum{
		schema.DatumFromString(tag),
		schema.DatumFromTimestamp(ts),
		schema.DatumFromDouble(value),
	}}
}

func putRow(t *testing.T, mem *memtable.Table, sc *schema.Schema, seq uint64, r schema.Row) {
	t.Helper()
	encoded, err := schema.EncodeRow(sc, r)
	if err != nil {
		t.Fatalf("EncodeRow failed: %v", err)
	}
	mem.Put(r.PrimaryKeyBytes(sc), r.Timestamp(sc), seq, encoded)
}

func newTestVersionSet(t *testing.T) (*version.VersionSet, objectstore.Store, string) {
	t.Helper()
	ctx := context.Background()
	root := t.TempDir()
	store, err := objectstore.NewLocalStore(root)
	if err != nil {
		t.Fatalf("NewLocalStore failed: %v", err)
	}
	m, err := manifest.Open(ctx, store, "manifest")
	if err != nil {
		t.Fatalf("manifest.Open failed: %v", err)
	}
	vs := version.NewVersionSet(m, 1, 1)
	if _, err := vs.Recover(ctx); err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	return vs, store, "sst"
}

// TestRunWritesSSTAndPublishesEdit tests that a successful flush produces
// a level-0 file visible through the VersionSet and advances
// LastFlushedSequence to the job's read sequence.
func TestRunWritesSSTAndPublishesEdit(t *testing.T) {
	ctx := context.Background()
	vs, store, basePath := newTestVersionSet(t)
	sc := testSchema()

	mem := memtable.New()
	putRow(t, mem, sc, 1, row("a", 1, 1.5))
	putRow(t, mem, sc, 2, row("b", 2, 2.5))

	job := NewJob(store, basePath, sc, vs, options.DefaultTableOptions(), mem, 2)
	meta, err := job.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if meta.Level != 0 {
		t.Fatalf("expected flush output at level 0, got %d", meta.Level)
	}
	if meta.RowNum != 2 {
		t.Fatalf("expected 2 rows in the flush output, got %d", meta.RowNum)
	}

	v := vs.Current()
	if v.NumFiles(0) != 1 {
		t.Fatalf("expected 1 file in level 0, got %d", v.NumFiles(0))
	}
	if vs.LastFlushedSequence() != 2 {
		t.Fatalf("LastFlushedSequence = %d, want 2", vs.LastFlushedSequence())
	}

	reader, err := sstfile.Open(ctx, store, meta.Path)
	if err != nil {
		t.Fatalf("sstfile.Open failed: %v", err)
	}
	rows, err := reader.Read(ctx, nil, nil)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows readable from the flush output, got %d", len(rows))
	}
}

// TestRunRespectsReadSeqBoundary tests that rows written to the memtable
// after the job's readSeq snapshot are not included in the flush output —
// the boundary that keeps a flush from racing ahead of the immutable
// snapshot it was handed.
func TestRunRespectsReadSeqBoundary(t *testing.T) {
	ctx := context.Background()
	vs, store, basePath := newTestVersionSet(t)
	sc := testSchema()

	mem := memtable.New()
	putRow(t, mem, sc, 1, row("a", 1, 1))
	putRow(t, mem, sc, 2, row("b", 2, 2))

	job := NewJob(store, basePath, sc, vs, options.DefaultTableOptions(), mem, 1)
	meta, err := job.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if meta.RowNum != 1 {
		t.Fatalf("expected only the row at or below readSeq=1, got %d rows", meta.RowNum)
	}
}

// TestRunEmptyMemtableReturnsErrNoOutput tests that flushing an empty
// memtable neither writes an SST nor publishes a manifest edit.
func TestRunEmptyMemtableReturnsErrNoOutput(t *testing.T) {
	ctx := context.Background()
	vs, store, basePath := newTestVersionSet(t)
	sc := testSchema()

	job := NewJob(store, basePath, sc, vs, options.DefaultTableOptions(), memtable.New(), 0)
	if _, err := job.Run(ctx); err != ErrNoOutput {
		t.Fatalf("Run(empty) = %v, want ErrNoOutput", err)
	}
	if vs.Current().TotalFiles() != 0 {
		t.Fatalf("expected no files published for an empty flush")
	}
}
