// Package flush implements the flush operation that drains a table's
// immutable memtable into a new SST file and records it in the manifest.
//
// Grounded on the teacher's db/flush_job.cc: the
// allocate-file-number/write-SST/sync/apply-version-edit sequence and its
// sync points are kept verbatim in shape. What changes is the source and
// destination of the data: the teacher iterates an internal-key memtable
// and writes a block-based table; this job iterates a
// (primary_key, timestamp, sequence)-ordered memtable.Table and writes a
// row-group SST via internal/sstfile, then commits the new file through
// internal/version.VersionSet instead of a raw MANIFEST append.
package flush

import (
	"context"
	"errors"

	"github.com/horaedb/analytic-engine/internal/errs"
	"github.com/horaedb/analytic-engine/internal/manifest"
	"github.com/horaedb/analytic-engine/internal/memtable"
	"github.com/horaedb/analytic-engine/internal/objectstore"
	"github.com/horaedb/analytic-engine/internal/options"
	"github.com/horaedb/analytic-engine/internal/schema"
	"github.com/horaedb/analytic-engine/internal/sstfile"
	"github.com/horaedb/analytic-engine/internal/testutil"
	"github.com/horaedb/analytic-engine/internal/version"
)

// ErrNoOutput is returned when a flush would produce an empty SST (the
// memtable held no rows).
var ErrNoOutput = errors.New("flush: no output")

// Job flushes one immutable memtable to an SST file and publishes it.
type Job struct {
	store    objectstore.Store
	basePath string
	schema   *schema.Schema
	vs       *version.VersionSet
	tabOpts  options.TableOptions

	mem     *memtable.Table
	readSeq memtable.SequenceNumber
	fileNum uint64
}

// NewJob creates a flush job for mem, reading every row up to (and
// including) readSeq — the table's last_sequence snapshot at the moment
// the memtable was switched to immutable.
func NewJob(store objectstore.Store, basePath string, sc *schema.Schema, vs *version.VersionSet, tabOpts options.TableOptions, mem *memtable.Table, readSeq memtable.SequenceNumber) *Job {
	return &Job{store: store, basePath: basePath, schema: sc, vs: vs, tabOpts: tabOpts, mem: mem, readSeq: readSeq}
}

// Run executes the flush: writes a new L0 SST file for every visible row
// in the memtable and publishes it as one EditAddFile + EditVersion
// manifest update. Returns ErrNoOutput if the memtable held no rows.
func (fj *Job) Run(ctx context.Context) (*manifest.FileMeta, error) {
	testutil.SP(testutil.SPFlushStart)
	testutil.MaybeKill(testutil.KPFlushStart0)

	fj.fileNum = fj.vs.NextFileNumber()
	sstPath := sstFilePath(fj.basePath, fj.fileNum)

	testutil.SP(testutil.SPFlushWriteSST)
	testutil.MaybeKill(testutil.KPFlushWriteSST0)

	builder := sstfile.NewBuilder(fj.store, sstPath, fj.schema, sstfile.BuilderOptions{
		NumRowsPerRowGroup: fj.tabOpts.NumRowsPerRowGroup,
		Compression:        fj.tabOpts.Compression,
	})

	it := fj.mem.Scan(nil, nil, fj.readSeq)
	var rowCount int
	var minKey, maxKey []byte
	var minTS, maxTS int64
	var maxSeq uint64
	for it.Next() {
		row, err := it.DecodeRow(fj.schema)
		if err != nil {
			return nil, errs.Wrap(errs.Corruption, "flush", err, "decode memtable row")
		}
		if err := builder.Add(row, it.Sequence()); err != nil {
			return nil, errs.Wrap(errs.InvalidInput, "flush", err, "add row to SST builder")
		}

		pk, ts, seq := it.PrimaryKey(), it.Timestamp(), it.Sequence()
		if rowCount == 0 || compareBytes(pk, minKey) < 0 {
			minKey = append([]byte(nil), pk...)
		}
		if rowCount == 0 || compareBytes(pk, maxKey) > 0 {
			maxKey = append([]byte(nil), pk...)
		}
		if rowCount == 0 || ts < minTS {
			minTS = ts
		}
		if rowCount == 0 || ts > maxTS {
			maxTS = ts
		}
		if seq > maxSeq {
			maxSeq = seq
		}
		rowCount++
	}

	if rowCount == 0 {
		return nil, ErrNoOutput
	}

	testutil.MaybeKill(testutil.KPFileSync0)
	info, err := builder.Finish(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.TransientIO, "flush", err, "finish SST")
	}
	testutil.MaybeKill(testutil.KPFileSync1)

	testutil.SP(testutil.SPFlushSyncSST)

	meta := &manifest.FileMeta{
		ID:            fj.fileNum,
		Level:         0,
		Path:          sstPath,
		MinKey:        minKey,
		MaxKey:        maxKey,
		MinTS:         minTS,
		MaxTS:         maxTS,
		MaxSequence:   maxSeq,
		SizeBytes:     info.FileSize,
		RowNum:        info.RowNum,
		StorageFormat: uint8(sstfile.FormatAuto),
		Compression:   fj.tabOpts.Compression,
	}

	testutil.MaybeKill(testutil.KPFlushUpdateManifest0)
	testutil.SP(testutil.SPFlushApplyVersionEdit)
	err = fj.vs.LogAndApply(ctx,
		&manifest.MetaEdit{Kind: manifest.EditAddFile, NewFile: meta},
		&manifest.MetaEdit{Kind: manifest.EditVersion, LastSequence: fj.vs.LastSequence(), LastFlushedSequence: fj.readSeq},
	)
	if err != nil {
		testutil.SP(testutil.SPFlushFailed)
		return nil, errs.Wrap(errs.TransientIO, "flush", err, "apply flush version edit")
	}
	testutil.MaybeKill(testutil.KPFlushUpdateManifest1)

	testutil.SP(testutil.SPFlushComplete)
	return meta, nil
}

func compareBytes(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

func sstFilePath(basePath string, id uint64) string {
	return basePath + "/" + uint64ToPaddedString(id) + ".sst"
}

func uint64ToPaddedString(id uint64) string {
	const digits = "0123456789"
	buf := [20]byte{}
	for i := len(buf) - 1; i >= 0; i-- {
		buf[i] = digits[id%10]
		id /= 10
	}
	return string(buf[:])
}
