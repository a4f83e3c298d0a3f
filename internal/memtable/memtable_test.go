package memtable

// memtable_test.go implements tests for Table's Put/Scan ordering and
// multi-version visibility rules.

import (
	"testing"
)

func scanAll(t *testing.T, it *ScanIterator) []string {
	t.Helper()
	var out []string
	for it.Next() {
		out = append(out, string(it.PrimaryKey()))
	}
	return out
}

func TestScanOrdersByPrimaryKeyThenTimestamp(t *testing.T) {
	tbl := New()
	tbl.Put([]byte("b"), 1, 1, []byte("row-b-1"))
	tbl.Put([]byte("a"), 2, 2, []byte("row-a-2"))
	tbl.Put([]byte("a"), 1, 3, []byte("row-a-1"))

	it := tbl.Scan(nil, nil, ^SequenceNumber(0))
	var keys []string
	var timestamps []int64
	for it.Next() {
		keys = append(keys, string(it.PrimaryKey()))
		timestamps = append(timestamps, it.Timestamp())
	}
	wantKeys := []string{"a", "a", "b"}
	for i, k := range wantKeys {
		if keys[i] != k {
			t.Fatalf("got keys %v, want prefix matching %v", keys, wantKeys)
		}
	}
	if timestamps[0] != 1 || timestamps[1] != 2 {
		t.Fatalf("got timestamps %v, want [1 2 ...] for key \"a\"", timestamps)
	}
}

func TestScanVisibilityBySequence(t *testing.T) {
	tbl := New()
	tbl.Put([]byte("k"), 1, 1, []byte("v1"))
	tbl.Put([]byte("k"), 1, 2, []byte("v2"))

	it := tbl.Scan(nil, nil, 1)
	if !it.Next() {
		t.Fatal("expected one visible row at readSeq=1")
	}
	if string(it.Row()) != "v1" {
		t.Fatalf("got row %q, want v1 (seq 2 not yet visible)", it.Row())
	}
	if it.Next() {
		t.Fatal("expected only one visible version at readSeq=1")
	}
}

func TestScanDedupesToNewestVersion(t *testing.T) {
	tbl := New()
	tbl.Put([]byte("k"), 1, 1, []byte("v1"))
	tbl.Put([]byte("k"), 1, 2, []byte("v2"))

	it := tbl.Scan(nil, nil, ^SequenceNumber(0))
	if !it.Next() {
		t.Fatal("expected a row")
	}
	if string(it.Row()) != "v2" {
		t.Fatalf("got row %q, want v2 (newest sequence for identical (pk, ts))", it.Row())
	}
	if it.Next() {
		t.Fatal("expected the superseded version to be skipped, not yielded again")
	}
}

func TestScanBounds(t *testing.T) {
	tbl := New()
	for _, k := range []string{"a", "b", "c", "d"} {
		tbl.Put([]byte(k), 1, 1, []byte(k))
	}

	it := tbl.Scan([]byte("b"), []byte("d"), ^SequenceNumber(0))
	got := scanAll(t, it)
	if len(got) != 2 || got[0] != "b" || got[1] != "c" {
		t.Fatalf("got %v, want [b c] (upper bound exclusive)", got)
	}
}

func TestMemoryUsageAndRowCount(t *testing.T) {
	tbl := New()
	if tbl.MemoryUsage() != 0 || tbl.ApproximateRowCount() != 0 {
		t.Fatal("expected a fresh table to report zero usage and rows")
	}
	tbl.Put([]byte("k"), 1, 1, []byte("row"))
	if tbl.ApproximateRowCount() != 1 {
		t.Fatalf("got row count %d, want 1", tbl.ApproximateRowCount())
	}
	if tbl.MemoryUsage() <= 0 {
		t.Fatal("expected a nonzero memory usage after one Put")
	}
}
