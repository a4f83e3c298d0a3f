package compaction

import (
	"context"
	"sort"

	"github.com/horaedb/analytic-engine/internal/errs"
	"github.com/horaedb/analytic-engine/internal/manifest"
	"github.com/horaedb/analytic-engine/internal/objectstore"
	"github.com/horaedb/analytic-engine/internal/options"
	"github.com/horaedb/analytic-engine/internal/schema"
	"github.com/horaedb/analytic-engine/internal/sstfile"
	"github.com/horaedb/analytic-engine/internal/testutil"
	"github.com/horaedb/analytic-engine/internal/version"
)

// Job performs one Compaction: read every input file fully, merge rows
// keeping the newest version of each (primary_key, timestamp) pair, and
// write the result as a single new output file at OutputLevel.
//
// Grounded on the teacher's internal/compaction/job.go: the
// read-all-inputs-then-build-one-output shape and the single LogAndApply
// publish at the end are kept. What changes is the merge itself: the
// teacher merges sorted key/value blocks by key alone, taking the
// newest sequence on a tie; sstfile.Reader does not expose a per-row
// sequence number (only a file-level MaxSequence), so this job
// approximates the same "newest wins" rule at file granularity instead
// of row granularity — it processes inputs in ascending MaxSequence
// order and lets a later file's row for the same (primary_key,
// timestamp) overwrite an earlier file's. Two files racing to update the
// same row in the same flush interval is not a case this engine's write
// path produces, so the approximation is exact in practice.
type Job struct {
	store    objectstore.Store
	schema   *schema.Schema
	basePath string
	vs       *version.VersionSet
	tabOpts  options.TableOptions
}

// NewJob creates a compaction Job for one table.
func NewJob(store objectstore.Store, sc *schema.Schema, basePath string, vs *version.VersionSet, tabOpts options.TableOptions) *Job {
	return &Job{store: store, schema: sc, basePath: basePath, vs: vs, tabOpts: tabOpts}
}

type keyedRow struct {
	pk  []byte
	ts  int64
	seq uint64
	row schema.Row
}

// Run executes c: reads every input row, merges, writes one output SST,
// and publishes the resulting RemoveFiles+AddFile edits atomically.
func (j *Job) Run(ctx context.Context, c *Compaction) error {
	testutil.SP(testutil.SPCompactionStart)

	inputs := c.AllInputs()
	if len(inputs) == 0 {
		return nil
	}
	sort.Slice(inputs, func(i, k int) bool { return inputs[i].MaxSequence < inputs[k].MaxSequence })

	merged := make(map[string]*keyedRow)
	var order []string
	var maxSeq uint64

	for _, f := range inputs {
		reader, err := sstfile.Open(ctx, j.store, f.Path)
		if err != nil {
			return errs.Wrap(errs.TransientIO, "compaction", err, "open input %s", f.Path)
		}
		rows, err := reader.Read(ctx, nil, nil)
		if err != nil {
			return errs.Wrap(errs.TransientIO, "compaction", err, "read input %s", f.Path)
		}
		if f.MaxSequence > maxSeq {
			maxSeq = f.MaxSequence
		}
		for _, row := range rows {
			pk := row.PrimaryKeyBytes(j.schema)
			ts := row.Timestamp(j.schema)
			key := mergeKey(pk, ts)
			if _, exists := merged[key]; !exists {
				order = append(order, key)
			}
			merged[key] = &keyedRow{pk: pk, ts: ts, seq: f.MaxSequence, row: row}
		}
	}

	sort.Slice(order, func(i, k int) bool {
		a, b := merged[order[i]], merged[order[k]]
		if c := compareBytesLocal(a.pk, b.pk); c != 0 {
			return c < 0
		}
		return a.ts < b.ts
	})

	outputID := j.vs.NextFileNumber()
	outputPath := sstFilePath(j.basePath, outputID)
	builder := sstfile.NewBuilder(j.store, outputPath, j.schema, sstfile.BuilderOptions{
		NumRowsPerRowGroup: j.tabOpts.NumRowsPerRowGroup,
		Compression:        j.tabOpts.Compression,
	})
	for _, key := range order {
		kr := merged[key]
		if err := builder.Add(kr.row, kr.seq); err != nil {
			return errs.Wrap(errs.InvalidInput, "compaction", err, "add merged row")
		}
	}
	info, err := builder.Finish(ctx)
	if err != nil {
		return errs.Wrap(errs.TransientIO, "compaction", err, "finish compaction output")
	}

	var newFile *manifest.FileMeta
	if len(order) > 0 {
		first := merged[order[0]]
		last := merged[order[len(order)-1]]
		newFile = &manifest.FileMeta{
			ID:            outputID,
			Level:         c.OutputLevel,
			Path:          outputPath,
			MinKey:        first.pk,
			MaxKey:        last.pk,
			MaxSequence:   maxSeq,
			SizeBytes:     info.FileSize,
			RowNum:        info.RowNum,
			StorageFormat: uint8(sstfile.FormatAuto),
			Compression:   j.tabOpts.Compression,
		}
		newFile.MinTS, newFile.MaxTS = minMaxTS(order, merged)
	}

	removedByLevel := map[int][]uint64{}
	for _, f := range inputs {
		removedByLevel[f.Level] = append(removedByLevel[f.Level], f.ID)
	}

	var edits []*manifest.MetaEdit
	for level, ids := range removedByLevel {
		edits = append(edits, &manifest.MetaEdit{Kind: manifest.EditRemoveFiles, RemovedLevel: level, RemovedFileIDs: ids})
	}
	if newFile != nil {
		edits = append(edits, &manifest.MetaEdit{Kind: manifest.EditAddFile, NewFile: newFile})
	}
	if err := j.vs.LogAndApply(ctx, edits...); err != nil {
		return errs.Wrap(errs.TransientIO, "compaction", err, "publish compaction result")
	}

	testutil.SP(testutil.SPCompactionComplete)
	return nil
}

func minMaxTS(order []string, merged map[string]*keyedRow) (int64, int64) {
	minTS, maxTS := merged[order[0]].ts, merged[order[0]].ts
	for _, key := range order {
		ts := merged[key].ts
		if ts < minTS {
			minTS = ts
		}
		if ts > maxTS {
			maxTS = ts
		}
	}
	return minTS, maxTS
}

func mergeKey(pk []byte, ts int64) string {
	buf := make([]byte, len(pk)+8)
	copy(buf, pk)
	for i := 0; i < 8; i++ {
		buf[len(pk)+i] = byte(ts >> (56 - 8*i))
	}
	return string(buf)
}

func compareBytesLocal(a, b []byte) int {
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
