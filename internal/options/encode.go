package options

import (
	"time"

	"github.com/horaedb/analytic-engine/internal/compression"
	"github.com/horaedb/analytic-engine/internal/encoding"
	"github.com/horaedb/analytic-engine/internal/errs"
)

// Encode appends a wire encoding of o to dst, for embedding as the
// opaque options blob in an AlterOptions WAL entry or manifest edit.
// Kept in this package (rather than internal/manifest, which only stores
// the bytes) since only options knows TableOptions's own field layout.
func (o TableOptions) Encode(dst []byte) []byte {
	dst = encoding.AppendVarint64(dst, uint64(o.SegmentDuration))
	flags := byte(0)
	if o.EnableTTL {
		flags |= 1
	}
	dst = append(dst, flags)
	dst = encoding.AppendVarint64(dst, uint64(o.TTL))
	dst = encoding.AppendVarint64(dst, uint64(o.ArenaBlockSize))
	dst = encoding.AppendVarint64(dst, uint64(o.WriteBufferSize))
	dst = append(dst, byte(o.CompactionStrategy))
	dst = encoding.AppendVarint64(dst, uint64(o.NumRowsPerRowGroup))
	dst = append(dst, byte(o.Compression))
	dst = append(dst, byte(o.UpdateMode))
	dst = append(dst, byte(o.StorageFormatHint))
	return dst
}

// DecodeTableOptions parses a TableOptions previously written by Encode.
func DecodeTableOptions(data []byte) (TableOptions, error) {
	s := encoding.NewSlice(data)
	var o TableOptions

	segmentDuration, ok := s.GetVarint64()
	if !ok {
		return o, errs.New(errs.Corruption, "options", "truncated table options: segment_duration")
	}
	o.SegmentDuration = time.Duration(segmentDuration)

	flags, ok := s.GetBytes(1)
	if !ok {
		return o, errs.New(errs.Corruption, "options", "truncated table options: flags")
	}
	o.EnableTTL = flags[0]&1 != 0

	ttl, ok := s.GetVarint64()
	if !ok {
		return o, errs.New(errs.Corruption, "options", "truncated table options: ttl")
	}
	o.TTL = time.Duration(ttl)

	arenaBlockSize, ok := s.GetVarint64()
	if !ok {
		return o, errs.New(errs.Corruption, "options", "truncated table options: arena_block_size")
	}
	o.ArenaBlockSize = int64(arenaBlockSize)

	writeBufferSize, ok := s.GetVarint64()
	if !ok {
		return o, errs.New(errs.Corruption, "options", "truncated table options: write_buffer_size")
	}
	o.WriteBufferSize = int64(writeBufferSize)

	compactionByte, ok := s.GetBytes(1)
	if !ok {
		return o, errs.New(errs.Corruption, "options", "truncated table options: compaction_strategy")
	}
	o.CompactionStrategy = CompactionStrategy(compactionByte[0])

	numRows, ok := s.GetVarint64()
	if !ok {
		return o, errs.New(errs.Corruption, "options", "truncated table options: num_rows_per_row_group")
	}
	o.NumRowsPerRowGroup = int(numRows)

	rest, ok := s.GetBytes(3)
	if !ok {
		return o, errs.New(errs.Corruption, "options", "truncated table options: compression/update_mode/storage_format_hint")
	}
	o.Compression = compression.Type(rest[0])
	o.UpdateMode = UpdateMode(rest[1])
	o.StorageFormatHint = StorageFormatHint(rest[2])

	return o, nil
}

// EncodeVersionedOptions packs a table's alter-options generation counter
// alongside the options values themselves, so the version an AlterOptions
// pre-check compares against survives a manifest snapshot or process
// restart the same way schema.Schema.Version already does for
// AlterSchema. The manifest and WAL treat the result as an opaque blob.
func EncodeVersionedOptions(version uint64, o TableOptions) []byte {
	dst := encoding.AppendVarint64(nil, version)
	return o.Encode(dst)
}

// DecodeVersionedOptions parses a blob previously written by
// EncodeVersionedOptions.
func DecodeVersionedOptions(data []byte) (version uint64, o TableOptions, err error) {
	s := encoding.NewSlice(data)
	version, ok := s.GetVarint64()
	if !ok {
		return 0, o, errs.New(errs.Corruption, "options", "truncated versioned options: version")
	}
	o, err = DecodeTableOptions(s.Data())
	return version, o, err
}
