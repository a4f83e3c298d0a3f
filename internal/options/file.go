// Package options implements the engine and per-table configuration file
// format: a flat `[Section]` / `key = value` layout, the same shape the
// teacher used for its OPTIONS file, reused here because the engine's
// configuration is likewise a small, mostly-scalar, human-edited key set
// rather than a nested document a structured-config library would earn
// its keep on.
package options

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/horaedb/analytic-engine/internal/compression"
)

// CompactionStrategy selects the per-table compaction policy.
type CompactionStrategy int

const (
	CompactionDefault CompactionStrategy = iota
	CompactionSizeTiered
	CompactionLeveled
)

func (s CompactionStrategy) String() string {
	switch s {
	case CompactionSizeTiered:
		return "SizeTiered"
	case CompactionLeveled:
		return "Leveled"
	default:
		return "Default"
	}
}

// UpdateMode controls whether a later write for an identical
// (primary_key, timestamp) overwrites or appends alongside the earlier one.
type UpdateMode int

const (
	UpdateOverwrite UpdateMode = iota
	UpdateAppend
)

func (m UpdateMode) String() string {
	if m == UpdateAppend {
		return "Append"
	}
	return "Overwrite"
}

// StorageFormatHint names the engine's StorageFormat choice without this
// package importing internal/sstfile (which itself has no need of
// options), keeping the two packages decoupled; tabledata maps this to
// sstfile.StorageFormat when constructing a Builder.
type StorageFormatHint int

const (
	StorageFormatAuto StorageFormatHint = iota
	StorageFormatColumnar
	StorageFormatHybrid
)

// EngineOptions holds the engine-wide settings from spec.md §6.
type EngineOptions struct {
	WALPath     string
	Storage     string // object-store backend identifier, e.g. "local"
	StorageRoot string

	ReplayBatchSize         int
	MaxReplayTablesPerBatch int

	WriteGroupWorkerNum          int
	WriteGroupCommandChannelCap  int

	SstMetaCacheCap int
	SstDataCacheCap int

	SpaceWriteBufferSize int64
	DBWriteBufferSize    int64

	ScanBatchSize                 int
	ScanMaxRecordBatchesInFlight  int
}

// DefaultEngineOptions returns spec.md §6's defaults.
func DefaultEngineOptions() EngineOptions {
	return EngineOptions{
		Storage:                      "local",
		ReplayBatchSize:              500,
		MaxReplayTablesPerBatch:      64,
		WriteGroupWorkerNum:          8,
		WriteGroupCommandChannelCap:  128,
		SstMetaCacheCap:              1000,
		SstDataCacheCap:              1000,
		SpaceWriteBufferSize:         0,
		DBWriteBufferSize:            0,
		ScanBatchSize:                512,
		ScanMaxRecordBatchesInFlight: 64,
	}
}

// TableOptions holds per-table settings from spec.md §6.
type TableOptions struct {
	SegmentDuration time.Duration
	EnableTTL       bool
	TTL             time.Duration

	ArenaBlockSize  int64
	WriteBufferSize int64

	CompactionStrategy CompactionStrategy

	NumRowsPerRowGroup int
	Compression        compression.Type
	UpdateMode         UpdateMode
	StorageFormatHint  StorageFormatHint
}

// DefaultTableOptions returns spec.md §6's per-table defaults.
func DefaultTableOptions() TableOptions {
	return TableOptions{
		SegmentDuration:    2 * time.Hour,
		EnableTTL:          false,
		ArenaBlockSize:     8 * 1024 * 1024,
		WriteBufferSize:    32 * 1024 * 1024,
		CompactionStrategy: CompactionDefault,
		NumRowsPerRowGroup: 8192,
		Compression:        compression.None,
		UpdateMode:          UpdateOverwrite,
		StorageFormatHint:   StorageFormatAuto,
	}
}

// ReadEngineOptionsFile reads and parses an engine OPTIONS file from the
// local filesystem. Config loading is a startup-time, local-disk concern
// distinct from the engine's object-store data path, so it talks to os
// directly rather than through internal/objectstore.
func ReadEngineOptionsFile(path string) (*EngineOptions, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = file.Close() }()

	return ParseEngineOptions(file)
}

// ParseEngineOptions parses engine options from the [Engine] section of a
// reader, overlaying onto DefaultEngineOptions.
func ParseEngineOptions(r io.Reader) (*EngineOptions, error) {
	opts := DefaultEngineOptions()

	err := scanSections(r, func(section, key, value string) {
		if section != "Engine" {
			return
		}
		switch key {
		case "wal_path":
			opts.WALPath = value
		case "storage":
			opts.Storage = value
		case "storage_root":
			opts.StorageRoot = value
		case "replay_batch_size":
			opts.ReplayBatchSize, _ = strconv.Atoi(value)
		case "max_replay_tables_per_batch":
			opts.MaxReplayTablesPerBatch, _ = strconv.Atoi(value)
		case "write_group_worker_num":
			opts.WriteGroupWorkerNum, _ = strconv.Atoi(value)
		case "write_group_command_channel_cap":
			opts.WriteGroupCommandChannelCap, _ = strconv.Atoi(value)
		case "sst_meta_cache_cap":
			opts.SstMetaCacheCap, _ = strconv.Atoi(value)
		case "sst_data_cache_cap":
			opts.SstDataCacheCap, _ = strconv.Atoi(value)
		case "space_write_buffer_size":
			opts.SpaceWriteBufferSize, _ = strconv.ParseInt(value, 10, 64)
		case "db_write_buffer_size":
			opts.DBWriteBufferSize, _ = strconv.ParseInt(value, 10, 64)
		case "scan_batch_size":
			opts.ScanBatchSize, _ = strconv.Atoi(value)
		case "scan_max_record_batches_in_flight":
			opts.ScanMaxRecordBatchesInFlight, _ = strconv.Atoi(value)
		}
	})
	return &opts, err
}

// ParseTableOptions parses per-table options from the [Table] section of a
// reader, overlaying onto DefaultTableOptions.
func ParseTableOptions(r io.Reader) (*TableOptions, error) {
	opts := DefaultTableOptions()

	err := scanSections(r, func(section, key, value string) {
		if section != "Table" {
			return
		}
		switch key {
		case "segment_duration":
			if d, err := time.ParseDuration(value); err == nil {
				opts.SegmentDuration = d
			}
		case "enable_ttl":
			opts.EnableTTL = value == "true"
		case "ttl":
			if d, err := time.ParseDuration(value); err == nil {
				opts.TTL = d
			}
		case "arena_block_size":
			opts.ArenaBlockSize, _ = strconv.ParseInt(value, 10, 64)
		case "write_buffer_size":
			opts.WriteBufferSize, _ = strconv.ParseInt(value, 10, 64)
		case "compaction_strategy":
			opts.CompactionStrategy = stringToCompactionStrategy(value)
		case "num_rows_per_row_group":
			opts.NumRowsPerRowGroup, _ = strconv.Atoi(value)
		case "compression":
			opts.Compression = stringToCompressionType(value)
		case "update_mode":
			opts.UpdateMode = stringToUpdateMode(value)
		case "storage_format_hint":
			opts.StorageFormatHint = stringToStorageFormatHint(value)
		}
	})
	return &opts, err
}

func scanSections(r io.Reader, set func(section, key, value string)) error {
	scanner := bufio.NewScanner(r)
	currentSection := ""

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			currentSection = line[1 : len(line)-1]
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		set(currentSection, strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]))
	}
	return scanner.Err()
}

func stringToCompressionType(s string) compression.Type {
	switch s {
	case "Lz4":
		return compression.Lz4Compression
	case "Snappy":
		return compression.SnappyCompression
	case "Zstd":
		return compression.ZstdCompression
	default:
		return compression.None
	}
}

func stringToCompactionStrategy(s string) CompactionStrategy {
	switch s {
	case "SizeTiered":
		return CompactionSizeTiered
	case "Leveled":
		return CompactionLeveled
	default:
		return CompactionDefault
	}
}

func stringToUpdateMode(s string) UpdateMode {
	if s == "Append" {
		return UpdateAppend
	}
	return UpdateOverwrite
}

func stringToStorageFormatHint(s string) StorageFormatHint {
	switch s {
	case "Columnar":
		return StorageFormatColumnar
	case "Hybrid":
		return StorageFormatHybrid
	default:
		return StorageFormatAuto
	}
}
