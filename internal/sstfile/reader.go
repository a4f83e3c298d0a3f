package sstfile

import (
	"context"
	"encoding/binary"

	"github.com/horaedb/analytic-engine/internal/cache"
	"github.com/horaedb/analytic-engine/internal/checksum"
	"github.com/horaedb/analytic-engine/internal/compression"
	"github.com/horaedb/analytic-engine/internal/errs"
	"github.com/horaedb/analytic-engine/internal/filter"
	"github.com/horaedb/analytic-engine/internal/objectstore"
	"github.com/horaedb/analytic-engine/internal/schema"
	"github.com/horaedb/analytic-engine/internal/testutil"
)

// Predicate narrows a scan to rows whose primary key and timestamp fall
// within the given bounds; nil bounds are unbounded. This mirrors the
// row-group/bloom pruning spec.md §4.3 requires before any page is
// decompressed.
type Predicate struct {
	LowerKey, UpperKey []byte // UpperKey exclusive
	MinTS, MaxTS       int64
	HasTSRange         bool
}

func (p *Predicate) overlapsKeyRange(minKey, maxKey []byte) bool {
	if p == nil {
		return true
	}
	if p.LowerKey != nil && compareBytes(maxKey, p.LowerKey) < 0 {
		return false
	}
	if p.UpperKey != nil && compareBytes(minKey, p.UpperKey) >= 0 {
		return false
	}
	return true
}

func (p *Predicate) overlapsTSRange(minTS, maxTS int64) bool {
	if p == nil || !p.HasTSRange {
		return true
	}
	return maxTS >= p.MinTS && minTS <= p.MaxTS
}

// Reader opens an SST object and serves meta_data()/read() per spec.md
// §4.3. Opening only reads the footer and metadata block; row-group
// bytes are fetched lazily in Read.
type Reader struct {
	store   objectstore.Store
	path    string
	fileKey uint64
	meta    *MetaData
}

// Open reads and validates path's footer and metadata block.
func Open(ctx context.Context, store objectstore.Store, path string) (*Reader, error) {
	testutil.SP(testutil.SPSstReadStart)

	head, err := store.Head(ctx, path)
	if err != nil {
		return nil, errs.Wrap(errs.TransientIO, "sstfile", err, "head %s", path)
	}
	if head.Size < footerLen {
		return nil, errs.New(errs.Corruption, "sstfile", "%s too small to contain a footer", path)
	}

	footerBytes, err := store.GetRange(ctx, path, head.Size-footerLen, footerLen)
	if err != nil {
		return nil, errs.Wrap(errs.TransientIO, "sstfile", err, "read footer of %s", path)
	}
	metaOffset := binary.LittleEndian.Uint64(footerBytes[0:8])
	metaLength := binary.LittleEndian.Uint64(footerBytes[8:16])
	version := binary.LittleEndian.Uint32(footerBytes[16:20])
	gotMagic := binary.LittleEndian.Uint64(footerBytes[20:28])
	if gotMagic != magic {
		return nil, errs.New(errs.Corruption, "sstfile", "%s: bad magic", path)
	}
	if version != currentFormatVersion {
		return nil, errs.New(errs.Corruption, "sstfile", "%s: unsupported format version %d", path, version)
	}

	fileKey := pathKey(path)
	metaBytes, err := cacheGet(metaCache, cache.CacheKey{FileNumber: fileKey, BlockOffset: 0}, func() ([]byte, error) {
		b, err := store.GetRange(ctx, path, int64(metaOffset), int64(metaLength))
		if err != nil {
			return nil, errs.Wrap(errs.TransientIO, "sstfile", err, "read metadata of %s", path)
		}
		return b, nil
	})
	if err != nil {
		return nil, err
	}
	meta, err := decodeMeta(metaBytes)
	if err != nil {
		return nil, err
	}

	testutil.SP(testutil.SPSstReadComplete)
	return &Reader{store: store, path: path, fileKey: fileKey, meta: meta}, nil
}

// MetaData returns the file's footer metadata.
func (r *Reader) MetaData() *MetaData { return r.meta }

// Read streams decoded rows matching predicate and projecting only the
// requested columns (by index into the file's schema; nil projection
// means all columns). Row-group pruning by key/timestamp range happens
// first, then a bloom-filter probe per candidate row group when the
// predicate names a single lower-bound key, then page (row-group payload)
// decompression and per-row filtering.
func (r *Reader) Read(ctx context.Context, projection []int, pred *Predicate) ([]schema.Row, error) {
	var out []schema.Row

	for _, rg := range r.meta.rowGroups {
		if !pred.overlapsKeyRange(rg.Stats.MinKey, rg.Stats.MaxKey) {
			continue
		}
		if !pred.overlapsTSRange(rg.Stats.MinTS, rg.Stats.MaxTS) {
			continue
		}
		if pred != nil && pred.LowerKey != nil && pred.UpperKey != nil && compareBytes(pred.LowerKey, pred.UpperKey) == 0 {
			// Point lookup: probe the bloom filter before paying for a
			// get_range + decompress.
			bf := filter.NewBloomFilterReader(rg.Bloom)
			if !bf.MayContain(pred.LowerKey) {
				continue
			}
		}

		rows, err := r.readRowGroup(ctx, rg)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			pk := row.PrimaryKeyBytes(r.meta.Schema)
			ts := row.Timestamp(r.meta.Schema)
			if pred != nil {
				if pred.LowerKey != nil && compareBytes(pk, pred.LowerKey) < 0 {
					continue
				}
				if pred.UpperKey != nil && compareBytes(pk, pred.UpperKey) >= 0 {
					continue
				}
				if pred.HasTSRange && (ts < pred.MinTS || ts > pred.MaxTS) {
					continue
				}
			}
			out = append(out, projectRow(row, projection))
		}
	}
	return out, nil
}

func projectRow(row schema.Row, projection []int) schema.Row {
	if projection == nil {
		return row
	}
	vals := make([]schema.Datum, len(projection))
	for i, idx := range projection {
		vals[i] = row.Values[idx]
	}
	return schema.Row{Values: vals}
}

func (r *Reader) readRowGroup(ctx context.Context, rg rowGroupHandle) ([]schema.Row, error) {
	block, err := cacheGet(dataCache, cache.CacheKey{FileNumber: r.fileKey, BlockOffset: rg.Offset}, func() ([]byte, error) {
		b, err := r.store.GetRange(ctx, r.path, int64(rg.Offset), int64(rg.Length))
		if err != nil {
			return nil, errs.Wrap(errs.TransientIO, "sstfile", err, "read row group at offset %d", rg.Offset)
		}
		return b, nil
	})
	if err != nil {
		return nil, err
	}
	if len(block) < 9 {
		return nil, errs.New(errs.Corruption, "sstfile", "row group block too short")
	}
	payloadLen := binary.LittleEndian.Uint32(block[0:4])
	compType := compression.Type(block[4])
	if 5+int(payloadLen)+4 > len(block) {
		return nil, errs.New(errs.Corruption, "sstfile", "row group block length mismatch")
	}
	payload := block[5 : 5+payloadLen]
	wantSum := binary.LittleEndian.Uint32(block[5+payloadLen:])
	gotSum := checksum.ComputeChecksum(checksumType, payload, 0)
	if uint32(gotSum) != wantSum {
		return nil, errs.New(errs.Corruption, "sstfile", "row group checksum mismatch")
	}

	raw, err := compression.Decompress(compType, payload)
	if err != nil {
		return nil, errs.Wrap(errs.Corruption, "sstfile", err, "decompress row group")
	}
	return decodeRowGroup(r.meta.Schema, raw)
}
