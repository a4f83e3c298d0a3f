package options

// options_test.go implements tests for the TableOptions wire codec and the
// [Section] key=value engine/table options file parser.

import (
	"strings"
	"testing"
	"time"

	"github.com/horaedb/analytic-engine/internal/compression"
)

func TestTableOptionsEncodeDecodeRoundTrip(t *testing.T) {
	want := TableOptions{
		SegmentDuration:    3 * time.Hour,
		EnableTTL:          true,
		TTL:                24 * time.Hour,
		ArenaBlockSize:     1 << 20,
		WriteBufferSize:    1 << 25,
		CompactionStrategy: CompactionLeveled,
		NumRowsPerRowGroup: 4096,
		Compression:        compression.Lz4Compression,
		UpdateMode:         UpdateAppend,
		StorageFormatHint:  StorageFormatHybrid,
	}

	data := want.Encode(nil)
	got, err := DecodeTableOptions(data)
	if err != nil {
		t.Fatalf("DecodeTableOptions failed: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestVersionedOptionsEncodeDecodeRoundTrip(t *testing.T) {
	opts := DefaultTableOptions()
	opts.NumRowsPerRowGroup = 123

	data := EncodeVersionedOptions(7, opts)
	version, got, err := DecodeVersionedOptions(data)
	if err != nil {
		t.Fatalf("DecodeVersionedOptions failed: %v", err)
	}
	if version != 7 {
		t.Fatalf("got version %d, want 7", version)
	}
	if got != opts {
		t.Fatalf("got %+v, want %+v", got, opts)
	}
}

func TestParseEngineOptionsOverlaysDefaults(t *testing.T) {
	input := `
[Engine]
wal_path = /var/lib/wal
sst_meta_cache_cap = 2000
scan_batch_size = 256

[Table]
segment_duration = 1h
`
	opts, err := ParseEngineOptions(strings.NewReader(input))
	if err != nil {
		t.Fatalf("ParseEngineOptions failed: %v", err)
	}
	if opts.WALPath != "/var/lib/wal" {
		t.Fatalf("got WALPath %q, want /var/lib/wal", opts.WALPath)
	}
	if opts.SstMetaCacheCap != 2000 {
		t.Fatalf("got SstMetaCacheCap %d, want 2000", opts.SstMetaCacheCap)
	}
	if opts.ScanBatchSize != 256 {
		t.Fatalf("got ScanBatchSize %d, want 256", opts.ScanBatchSize)
	}
	// Untouched fields keep their defaults.
	if opts.WriteGroupWorkerNum != DefaultEngineOptions().WriteGroupWorkerNum {
		t.Fatalf("got WriteGroupWorkerNum %d, want default %d", opts.WriteGroupWorkerNum, DefaultEngineOptions().WriteGroupWorkerNum)
	}
	// The [Table] section must not leak into EngineOptions.
	if opts.SstDataCacheCap != DefaultEngineOptions().SstDataCacheCap {
		t.Fatalf("unexpected cross-section leakage into SstDataCacheCap: %d", opts.SstDataCacheCap)
	}
}

func TestParseTableOptionsOverlaysDefaults(t *testing.T) {
	input := `
[Table]
enable_ttl = true
ttl = 48h
compaction_strategy = Leveled
compression = Zstd
update_mode = Append
storage_format_hint = Hybrid
`
	opts, err := ParseTableOptions(strings.NewReader(input))
	if err != nil {
		t.Fatalf("ParseTableOptions failed: %v", err)
	}
	if !opts.EnableTTL || opts.TTL != 48*time.Hour {
		t.Fatalf("got EnableTTL=%v TTL=%v, want true/48h", opts.EnableTTL, opts.TTL)
	}
	if opts.CompactionStrategy != CompactionLeveled {
		t.Fatalf("got CompactionStrategy %v, want Leveled", opts.CompactionStrategy)
	}
	if opts.Compression != compression.ZstdCompression {
		t.Fatalf("got Compression %v, want Zstd", opts.Compression)
	}
	if opts.UpdateMode != UpdateAppend {
		t.Fatalf("got UpdateMode %v, want Append", opts.UpdateMode)
	}
	if opts.StorageFormatHint != StorageFormatHybrid {
		t.Fatalf("got StorageFormatHint %v, want Hybrid", opts.StorageFormatHint)
	}
}

func TestParseEngineOptionsIgnoresCommentsAndBlankLines(t *testing.T) {
	input := "# a comment\n\n[Engine]\n# another comment\nstorage = s3\n"
	opts, err := ParseEngineOptions(strings.NewReader(input))
	if err != nil {
		t.Fatalf("ParseEngineOptions failed: %v", err)
	}
	if opts.Storage != "s3" {
		t.Fatalf("got Storage %q, want s3", opts.Storage)
	}
}
