package version

// version_set_test.go implements tests for VersionSet's Recover/LogAndApply
// commit path and Version's level bookkeeping/ref counting.

import (
	"context"
	"testing"

	"github.com/horaedb/analytic-engine/internal/manifest"
	"github.com/horaedb/analytic-engine/internal/objectstore"
	"github.com/horaedb/analytic-engine/internal/schema"
)

func newTestManifest(t *testing.T) *manifest.Manifest {
	t.Helper()
	store, err := objectstore.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore failed: %v", err)
	}
	m, err := manifest.Open(context.Background(), store, "space-1")
	if err != nil {
		t.Fatalf("manifest.Open failed: %v", err)
	}
	return m
}

func TestVersionSetRecoverFreshTable(t *testing.T) {
	m := newTestManifest(t)
	vs := NewVersionSet(m, 1, 2)

	state, err := vs.Recover(context.Background())
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if state != nil {
		t.Fatalf("expected nil state for a table with no manifest records, got %+v", state)
	}
	if vs.Current() == nil {
		t.Fatal("expected Recover to install an empty current version")
	}
	if vs.Current().TotalFiles() != 0 {
		t.Fatalf("got %d files, want 0", vs.Current().TotalFiles())
	}
}

func TestVersionSetLogAndApplyAddsFileToCurrentVersion(t *testing.T) {
	m := newTestManifest(t)
	vs := NewVersionSet(m, 1, 2)
	if _, err := vs.Recover(context.Background()); err != nil {
		t.Fatalf("Recover failed: %v", err)
	}

	file := &manifest.FileMeta{ID: vs.NextFileNumber(), Level: 0, Path: "sst/1.sst", SizeBytes: 100}
	edits := []*manifest.MetaEdit{
		{Kind: manifest.EditAddFile, NewFile: file},
		{Kind: manifest.EditVersion, LastSequence: 1, LastFlushedSequence: 1},
	}
	if err := vs.LogAndApply(context.Background(), edits...); err != nil {
		t.Fatalf("LogAndApply failed: %v", err)
	}

	cur := vs.Current()
	if cur.NumFiles(0) != 1 {
		t.Fatalf("got %d files at level 0, want 1", cur.NumFiles(0))
	}
	if cur.NumLevelBytes(0) != 100 {
		t.Fatalf("got %d bytes at level 0, want 100", cur.NumLevelBytes(0))
	}
	if vs.LastSequence() != 1 || vs.LastFlushedSequence() != 1 {
		t.Fatalf("got lastSeq=%d lastFlushed=%d, want 1/1", vs.LastSequence(), vs.LastFlushedSequence())
	}
}

func TestVersionSetRecoverReplaysManifestState(t *testing.T) {
	store, err := objectstore.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore failed: %v", err)
	}
	ctx := context.Background()
	m, err := manifest.Open(ctx, store, "space-1")
	if err != nil {
		t.Fatalf("manifest.Open failed: %v", err)
	}

	sc := &schema.Schema{
		Columns:      []schema.Column{{ID: 1, Name: "region", DataType: schema.String, IsTag: true}, {ID: 2, Name: "ts", DataType: schema.Timestamp}},
		TimestampIdx: 1, PrimaryKey: []int{0}, Version: 1,
	}
	if err := m.StoreUpdate(ctx, &manifest.MetaEdit{SpaceID: 1, TableID: 2, Kind: manifest.EditAddTable, TableName: "metrics", Schema: sc}); err != nil {
		t.Fatalf("StoreUpdate failed: %v", err)
	}
	if err := m.StoreUpdate(ctx, &manifest.MetaEdit{SpaceID: 1, TableID: 2, Kind: manifest.EditAddFile, NewFile: &manifest.FileMeta{ID: 5, Level: 1, Path: "sst/5.sst", SizeBytes: 50}}); err != nil {
		t.Fatalf("StoreUpdate failed: %v", err)
	}
	if err := m.StoreUpdate(ctx, &manifest.MetaEdit{SpaceID: 1, TableID: 2, Kind: manifest.EditVersion, LastSequence: 7, LastFlushedSequence: 7}); err != nil {
		t.Fatalf("StoreUpdate failed: %v", err)
	}

	vs := NewVersionSet(m, 1, 2)
	state, err := vs.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if state == nil || state.TableName != "metrics" {
		t.Fatalf("got state %+v, want TableName=metrics", state)
	}
	if vs.Current().NumFiles(1) != 1 {
		t.Fatalf("got %d files at level 1, want 1", vs.Current().NumFiles(1))
	}
	if vs.LastSequence() != 7 {
		t.Fatalf("got LastSequence %d, want 7", vs.LastSequence())
	}
	// A recovered file's ID must bump nextFileNumber past it so a later
	// flush never reuses an already-live file's number.
	if next := vs.NextFileNumber(); next <= 5 {
		t.Fatalf("got next file number %d, want greater than 5", next)
	}
}

func TestVersionRefUnrefUnlinksFromVersionSet(t *testing.T) {
	m := newTestManifest(t)
	vs := NewVersionSet(m, 1, 2)
	if _, err := vs.Recover(context.Background()); err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if vs.NumLiveVersions() != 1 {
		t.Fatalf("got %d live versions after Recover, want 1", vs.NumLiveVersions())
	}

	file := &manifest.FileMeta{ID: vs.NextFileNumber(), Level: 0, Path: "sst/1.sst"}
	if err := vs.LogAndApply(context.Background(), &manifest.MetaEdit{Kind: manifest.EditAddFile, NewFile: file}); err != nil {
		t.Fatalf("LogAndApply failed: %v", err)
	}
	if vs.NumLiveVersions() != 1 {
		t.Fatalf("got %d live versions after one LogAndApply, want 1 (old version unreffed)", vs.NumLiveVersions())
	}
}

func TestVersionOverlappingInputs(t *testing.T) {
	vs := NewVersionSet(newTestManifest(t), 1, 2)
	v := NewVersion(vs, 1)
	v.files[0] = []*manifest.FileMeta{
		{ID: 1, MinKey: []byte("a"), MaxKey: []byte("c")},
		{ID: 2, MinKey: []byte("d"), MaxKey: []byte("f")},
		{ID: 3, MinKey: []byte("g"), MaxKey: []byte("i")},
	}

	got := v.OverlappingInputs(0, []byte("b"), []byte("e"))
	if len(got) != 2 {
		t.Fatalf("got %d overlapping files, want 2", len(got))
	}
	ids := map[uint64]bool{}
	for _, f := range got {
		ids[f.ID] = true
	}
	if !ids[1] || !ids[2] {
		t.Fatalf("got files %v, want files 1 and 2", got)
	}
}
