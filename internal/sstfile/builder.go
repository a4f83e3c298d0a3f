package sstfile

import (
	"context"
	"encoding/binary"

	"github.com/horaedb/analytic-engine/internal/checksum"
	"github.com/horaedb/analytic-engine/internal/compression"
	"github.com/horaedb/analytic-engine/internal/errs"
	"github.com/horaedb/analytic-engine/internal/filter"
	"github.com/horaedb/analytic-engine/internal/objectstore"
	"github.com/horaedb/analytic-engine/internal/schema"
	"github.com/horaedb/analytic-engine/internal/testutil"
)

// BuilderOptions configures SST construction, threaded through exactly as
// the Rust builder threads WriteOptions: rows-per-row-group, the
// compression codec, and a write-time storage-format hint.
type BuilderOptions struct {
	NumRowsPerRowGroup int
	Compression        compression.Type
	StorageFormatHint  StorageFormat
}

// DefaultBuilderOptions returns the spec's default row-group size (8192)
// with no compression and the Auto format hint.
func DefaultBuilderOptions() BuilderOptions {
	return BuilderOptions{
		NumRowsPerRowGroup: 8192,
		Compression:        compression.None,
		StorageFormatHint:  FormatAuto,
	}
}

// SstInfo is the result of a successful build, per spec.md §4.3.
type SstInfo struct {
	FileSize uint64
	RowNum   uint64
}

// Builder accumulates rows into row groups and, on Finish, writes one
// object-store object containing all row groups plus a footer.
type Builder struct {
	store   objectstore.Store
	path    string
	options BuilderOptions
	schema  *schema.Schema

	buf       []byte // accumulated file bytes, in-memory (SST sizes are bounded by segment_duration in practice)
	rowGroups []rowGroupHandle

	pending    []schema.Row
	pendingPKs [][]byte

	minKey, maxKey []byte
	minTS, maxTS   int64
	maxSeq         uint64
	rowNum         uint64
	haveRange      bool
}

// NewBuilder creates a Builder that will write to path in store once
// Finish is called.
func NewBuilder(store objectstore.Store, path string, sc *schema.Schema, opts BuilderOptions) *Builder {
	testutil.SP(testutil.SPSstBuildStart)
	return &Builder{store: store, path: path, options: opts, schema: sc}
}

// Add appends one row (already sequenced by the caller) to the builder,
// flushing a row group once NumRowsPerRowGroup rows have accumulated.
func (b *Builder) Add(row schema.Row, seq uint64) error {
	pk := row.PrimaryKeyBytes(b.schema)
	ts := row.Timestamp(b.schema)

	if !b.haveRange || compareBytes(pk, b.minKey) < 0 {
		if !b.haveRange {
			b.minKey = append([]byte(nil), pk...)
		} else if compareBytes(pk, b.minKey) < 0 {
			b.minKey = append([]byte(nil), pk...)
		}
	}
	if !b.haveRange || compareBytes(pk, b.maxKey) > 0 {
		b.maxKey = append([]byte(nil), pk...)
	}
	if !b.haveRange || ts < b.minTS {
		b.minTS = ts
	}
	if !b.haveRange || ts > b.maxTS {
		b.maxTS = ts
	}
	b.haveRange = true
	if seq > b.maxSeq {
		b.maxSeq = seq
	}

	b.pending = append(b.pending, row)
	b.pendingPKs = append(b.pendingPKs, pk)
	b.rowNum++

	if len(b.pending) >= b.options.NumRowsPerRowGroup {
		return b.flushRowGroup()
	}
	return nil
}

func (b *Builder) flushRowGroup() error {
	if len(b.pending) == 0 {
		return nil
	}

	stats := RowGroupStats{RowCount: uint64(len(b.pending))}
	stats.MinKey = b.pendingPKs[0]
	stats.MaxKey = b.pendingPKs[0]
	for i, row := range b.pending {
		pk := b.pendingPKs[i]
		if compareBytes(pk, stats.MinKey) < 0 {
			stats.MinKey = pk
		}
		if compareBytes(pk, stats.MaxKey) > 0 {
			stats.MaxKey = pk
		}
		ts := row.Timestamp(b.schema)
		if i == 0 || ts < stats.MinTS {
			stats.MinTS = ts
		}
		if i == 0 || ts > stats.MaxTS {
			stats.MaxTS = ts
		}
	}

	bloomBuilder := filter.NewBloomFilterBuilder(filterBitsPerKey)
	for _, pk := range b.pendingPKs {
		bloomBuilder.AddKey(pk)
	}
	bloom := bloomBuilder.Finish()

	payload, err := encodeRowGroup(b.schema, b.pending, b.options.StorageFormatHint)
	if err != nil {
		return err
	}
	compressed, err := compression.Compress(b.options.Compression, payload)
	if err != nil {
		return errs.Wrap(errs.InvalidInput, "sstfile", err, "compress row group")
	}
	storedCompression := b.options.Compression
	if compressed == nil { // incompressible, fall back to raw
		compressed = payload
		storedCompression = compression.None
	}

	sum := checksum.ComputeChecksum(checksumType, compressed, 0)
	block := make([]byte, 0, len(compressed)+9)
	block = binary.LittleEndian.AppendUint32(block, uint32(len(compressed)))
	block = append(block, byte(storedCompression))
	block = append(block, compressed...)
	var sumb [4]byte
	binary.LittleEndian.PutUint32(sumb[:], uint32(sum))
	block = append(block, sumb[:]...)

	handle := rowGroupHandle{
		Offset: uint64(len(b.buf)),
		Length: uint64(len(block)),
		Stats:  stats,
		Bloom:  bloom,
	}
	b.buf = append(b.buf, block...)
	b.rowGroups = append(b.rowGroups, handle)

	b.pending = b.pending[:0]
	b.pendingPKs = b.pendingPKs[:0]
	return nil
}

// Finish flushes any pending rows, writes the footer, and atomically
// `put`s the completed object, verifying it with `head` afterward exactly
// as spec.md's builder contract requires.
func (b *Builder) Finish(ctx context.Context) (*SstInfo, error) {
	if err := b.flushRowGroup(); err != nil {
		return nil, err
	}

	meta := &MetaData{
		MinKey:        b.minKey,
		MaxKey:        b.maxKey,
		MinTS:         b.minTS,
		MaxTS:         b.maxTS,
		MaxSequence:   b.maxSeq,
		Schema:        b.schema,
		RowNum:        b.rowNum,
		StorageFormat: b.options.StorageFormatHint,
		Compression:   b.options.Compression,
		rowGroups:     b.rowGroups,
	}
	metaBytes := encodeMeta(meta)

	metaOffset := uint64(len(b.buf))
	out := append(b.buf, metaBytes...)

	var footer [footerLen]byte
	binary.LittleEndian.PutUint64(footer[0:8], metaOffset)
	binary.LittleEndian.PutUint64(footer[8:16], uint64(len(metaBytes)))
	binary.LittleEndian.PutUint32(footer[16:20], currentFormatVersion)
	binary.LittleEndian.PutUint64(footer[20:28], magic)
	out = append(out, footer[:]...)

	meta.SizeBytes = uint64(len(out))
	// Re-encode with the final size now known, since SstMetaData.size is
	// part of the persisted footer per spec.md §4.3.
	metaBytes = encodeMeta(meta)
	out = append(b.buf, metaBytes...)
	binary.LittleEndian.PutUint64(footer[8:16], uint64(len(metaBytes)))
	out = append(out, footer[:]...)

	if err := b.store.Put(ctx, b.path, out); err != nil {
		return nil, errs.Wrap(errs.TransientIO, "sstfile", err, "put %s", b.path)
	}
	head, err := b.store.Head(ctx, b.path)
	if err != nil {
		return nil, errs.Wrap(errs.TransientIO, "sstfile", err, "head %s after put", b.path)
	}
	if head.Size != int64(len(out)) {
		return nil, errs.New(errs.Corruption, "sstfile", "size mismatch after put: wrote %d, head reports %d", len(out), head.Size)
	}
	testutil.SP(testutil.SPSstBuildFinish)

	return &SstInfo{FileSize: uint64(len(out)), RowNum: b.rowNum}, nil
}
