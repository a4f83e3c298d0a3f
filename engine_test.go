package analyticengine

// engine_test.go implements tests for Engine.

import (
	"context"
	"testing"

	"github.com/horaedb/analytic-engine/internal/options"
	"github.com/horaedb/analytic-engine/internal/schema"
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

// TestCreateWriteScanRoundTrips tests the write path and read path
// end to end through the engine façade.
func TestCreateWriteScanRoundTrips(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	eng, err := Open(ctx, root, options.DefaultEngineOptions())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	td, err := eng.CreateTable(ctx, CreateTableRequest{
		SpaceID: 1, TableID: 1, Name: "metrics",
		Schema: testSchema(), Options: options.DefaultTableOptions(),
		ShardID: 1, Role: RoleLeader,
	})
	if err != nil {
		t.Fatalf("CreateTable failed: %v", err)
	}

	if _, err := td.Write(ctx, []schema.Row{row("a", 1, 1.5), row("b", 2, 2.5)}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	got, err := td.Scan(ctx, nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Scan returned %d rows, want 2", len(got))
	}
}

// TestRecoveryReplaysUnflushedWAL tests that reopening the engine after
// a write that never flushed still serves those rows, replayed from the
// WAL into a fresh memtable.
func TestRecoveryReplaysUnflushedWAL(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	eng, err := Open(ctx, root, options.DefaultEngineOptions())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	td, err := eng.CreateTable(ctx, CreateTableRequest{
		SpaceID: 1, TableID: 1, Name: "metrics",
		Schema: testSchema(), Options: options.DefaultTableOptions(),
		ShardID: 1, Role: RoleLeader,
	})
	if err != nil {
		t.Fatalf("CreateTable failed: %v", err)
	}
	if _, err := td.Write(ctx, []schema.Row{row("a", 1, 1), row("b", 2, 2), row("c", 3, 3)}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	// No flush: the table's state is WAL-only when the engine "restarts".

	eng2, err := Open(ctx, root, options.DefaultEngineOptions())
	if err != nil {
		t.Fatalf("reopen Open failed: %v", err)
	}
	reopened, ok := eng2.Table(1, 1)
	if !ok {
		t.Fatalf("expected table (1,1) to be recovered")
	}

	got, err := reopened.Scan(ctx, nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("Scan after recovery failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Scan after recovery returned %d rows, want 3", len(got))
	}
}

// TestRecoverySkipsFlushedRows tests that rows already durable in an SST
// before restart are not duplicated by WAL replay.
func TestRecoverySkipsFlushedRows(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	eng, err := Open(ctx, root, options.DefaultEngineOptions())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	td, err := eng.CreateTable(ctx, CreateTableRequest{
		SpaceID: 1, TableID: 1, Name: "metrics",
		Schema: testSchema(), Options: options.DefaultTableOptions(),
		ShardID: 1, Role: RoleLeader,
	})
	if err != nil {
		t.Fatalf("CreateTable failed: %v", err)
	}
	if _, err := td.Write(ctx, []schema.Row{row("a", 1, 1), row("b", 2, 2)}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	td.ForceFlush(ctx, true)

	eng2, err := Open(ctx, root, options.DefaultEngineOptions())
	if err != nil {
		t.Fatalf("reopen Open failed: %v", err)
	}
	reopened, ok := eng2.Table(1, 1)
	if !ok {
		t.Fatalf("expected table (1,1) to be recovered")
	}
	if reopened.MemoryUsage() != 0 {
		t.Fatalf("expected no WAL replay into the memtable for already-flushed rows, got usage %d", reopened.MemoryUsage())
	}

	got, err := reopened.Scan(ctx, nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("Scan after recovery failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Scan after recovery returned %d rows, want 2 (no duplication)", len(got))
	}
}

// TestDropTableReportsExistence tests spec.md §4.8's "drop_table(req) →
// bool (true if existed)" contract.
func TestDropTableReportsExistence(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	eng, err := Open(ctx, root, options.DefaultEngineOptions())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, err := eng.CreateTable(ctx, CreateTableRequest{
		SpaceID: 1, TableID: 1, Name: "metrics",
		Schema: testSchema(), Options: options.DefaultTableOptions(),
		ShardID: 1, Role: RoleLeader,
	}); err != nil {
		t.Fatalf("CreateTable failed: %v", err)
	}

	existed, err := eng.DropTable(ctx, 1, 1)
	if err != nil {
		t.Fatalf("DropTable failed: %v", err)
	}
	if !existed {
		t.Fatalf("expected DropTable to report true for an existing table")
	}

	existed, err = eng.DropTable(ctx, 1, 1)
	if err != nil {
		t.Fatalf("second DropTable failed: %v", err)
	}
	if existed {
		t.Fatalf("expected DropTable to report false for an already-dropped table")
	}
}

// TestCloseFlushesPendingWrites tests that Close drains unflushed rows
// best-effort, per spec.md §4.8's close() contract.
func TestCloseFlushesPendingWrites(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	eng, err := Open(ctx, root, options.DefaultEngineOptions())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	td, err := eng.CreateTable(ctx, CreateTableRequest{
		SpaceID: 1, TableID: 1, Name: "metrics",
		Schema: testSchema(), Options: options.DefaultTableOptions(),
		ShardID: 1, Role: RoleLeader,
	})
	if err != nil {
		t.Fatalf("CreateTable failed: %v", err)
	}
	if _, err := td.Write(ctx, []schema.Row{row("a", 1, 1)}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	eng.Close(ctx)

	if td.MemoryUsage() != 0 {
		t.Fatalf("expected Close to flush pending rows, memtable usage = %d", td.MemoryUsage())
	}
}
