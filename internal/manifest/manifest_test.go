package manifest

// manifest_test.go implements tests for MetaEdit encode/decode and the
// Manifest log/snapshot durability protocol.

import (
	"context"
	"testing"

	"github.com/horaedb/analytic-engine/internal/compression"
	"github.com/horaedb/analytic-engine/internal/objectstore"
	"github.com/horaedb/analytic-engine/internal/schema"
)

func testManifestSchema() *schema.Schema {
	return &schema.Schema{
		Columns: []schema.Column{
			{ID: 1, Name: "region", DataType: schema.String, IsTag: true},
			{ID: 2, Name: "ts", DataType: schema.Timestamp},
		},
		TimestampIdx: 1,
		PrimaryKey:   []int{0},
		Version:      1,
	}
}

func TestMetaEditEncodeDecodeRoundTrip(t *testing.T) {
	cases := []*MetaEdit{
		{SpaceID: 1, TableID: 2, Kind: EditAddTable, TableName: "metrics", Schema: testManifestSchema()},
		{SpaceID: 1, TableID: 2, Kind: EditAlterSchema, Schema: testManifestSchema()},
		{SpaceID: 1, TableID: 2, Kind: EditAlterOptions, OptionsBlob: []byte{1, 2, 3}},
		{SpaceID: 1, TableID: 2, Kind: EditAddFile, NewFile: &FileMeta{
			ID: 7, Level: 0, Path: "sst/7.sst",
			MinKey: []byte("a"), MaxKey: []byte("z"),
			MinTS: -5, MaxTS: 100, MaxSequence: 42,
			SizeBytes: 1024, RowNum: 10,
			StorageFormat: 1, Compression: compression.Lz4Compression,
		}},
		{SpaceID: 1, TableID: 2, Kind: EditRemoveFiles, RemovedLevel: 0, RemovedFileIDs: []uint64{3, 4, 5}},
		{SpaceID: 1, TableID: 2, Kind: EditVersion, LastSequence: 99, LastFlushedSequence: 50},
		{SpaceID: 1, TableID: 2, Kind: EditDropTable},
	}

	for _, want := range cases {
		t.Run(want.Kind.String(), func(t *testing.T) {
			data := want.Encode()
			got, err := DecodeMetaEdit(data)
			if err != nil {
				t.Fatalf("DecodeMetaEdit failed: %v", err)
			}
			if got.SpaceID != want.SpaceID || got.TableID != want.TableID || got.Kind != want.Kind {
				t.Fatalf("got %+v, want %+v", got, want)
			}
			switch want.Kind {
			case EditAddTable:
				if got.TableName != want.TableName || got.Schema == nil {
					t.Fatalf("got %+v, want %+v", got, want)
				}
			case EditAddFile:
				if got.NewFile.Path != want.NewFile.Path || got.NewFile.MinTS != want.NewFile.MinTS || got.NewFile.MaxTS != want.NewFile.MaxTS {
					t.Fatalf("got %+v, want %+v", got.NewFile, want.NewFile)
				}
			case EditRemoveFiles:
				if len(got.RemovedFileIDs) != len(want.RemovedFileIDs) {
					t.Fatalf("got %d removed ids, want %d", len(got.RemovedFileIDs), len(want.RemovedFileIDs))
				}
			}
		})
	}
}

func TestManifestStoreUpdateAndLoadData(t *testing.T) {
	ctx := context.Background()
	store, err := objectstore.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore failed: %v", err)
	}
	m, err := Open(ctx, store, "space-1")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	edits := []*MetaEdit{
		{SpaceID: 1, TableID: 2, Kind: EditAddTable, TableName: "metrics", Schema: testManifestSchema()},
		{SpaceID: 1, TableID: 2, Kind: EditAddFile, NewFile: &FileMeta{ID: 1, Path: "sst/1.sst", MaxSequence: 5}},
		{SpaceID: 1, TableID: 2, Kind: EditVersion, LastSequence: 5, LastFlushedSequence: 5},
	}
	for _, e := range edits {
		if err := m.StoreUpdate(ctx, e); err != nil {
			t.Fatalf("StoreUpdate failed: %v", err)
		}
	}

	state, err := m.LoadData(ctx, 1, 2)
	if err != nil {
		t.Fatalf("LoadData failed: %v", err)
	}
	if state == nil {
		t.Fatal("expected a non-nil state after AddTable")
	}
	if state.TableName != "metrics" || len(state.Files) != 1 || state.LastSequence != 5 {
		t.Fatalf("unexpected state: %+v", state)
	}

	unknown, err := m.LoadData(ctx, 1, 999)
	if err != nil {
		t.Fatalf("LoadData for unknown table failed: %v", err)
	}
	if unknown != nil {
		t.Fatalf("expected nil state for a table never added, got %+v", unknown)
	}
}

func TestManifestDoSnapshotCompactsAndPreservesState(t *testing.T) {
	ctx := context.Background()
	store, err := objectstore.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore failed: %v", err)
	}
	m, err := Open(ctx, store, "space-1")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if err := m.StoreUpdate(ctx, &MetaEdit{SpaceID: 1, TableID: 2, Kind: EditAddTable, TableName: "metrics", Schema: testManifestSchema()}); err != nil {
		t.Fatalf("StoreUpdate failed: %v", err)
	}
	if err := m.StoreUpdate(ctx, &MetaEdit{SpaceID: 1, TableID: 2, Kind: EditAddFile, NewFile: &FileMeta{ID: 1, Path: "sst/1.sst"}}); err != nil {
		t.Fatalf("StoreUpdate failed: %v", err)
	}

	state := &TableState{
		SpaceID: 1, TableID: 2, TableName: "metrics", Schema: testManifestSchema(),
		Files:        map[uint64]*FileMeta{1: {ID: 1, Path: "sst/1.sst"}},
		LastSequence: 10, LastFlushedSequence: 10,
	}
	if err := m.DoSnapshot(ctx, []*TableState{state}); err != nil {
		t.Fatalf("DoSnapshot failed: %v", err)
	}

	reopened, err := Open(ctx, store, "space-1")
	if err != nil {
		t.Fatalf("reopen after snapshot failed: %v", err)
	}
	got, err := reopened.LoadData(ctx, 1, 2)
	if err != nil {
		t.Fatalf("LoadData after snapshot failed: %v", err)
	}
	if got == nil || got.TableName != "metrics" || len(got.Files) != 1 || got.LastSequence != 10 {
		t.Fatalf("state did not survive snapshot: %+v", got)
	}
}
