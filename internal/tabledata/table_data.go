// Package tabledata holds TableData, the in-memory state of one open
// table: its schema and options, its active and immutable memtables, its
// SST file set (via internal/version.VersionSet), and the serial
// executor that enforces spec.md §3's at-most-one-mutating-operation
// invariant.
//
// Grounded on the teacher's db_impl.go / column_family.go split: a
// ColumnFamilyData there bundles exactly this same set of collaborators
// (memtables, a Version chain, write controller, options) behind one
// per-keyspace object that db_apis.go's Get/Put/Write dispatch through.
// TableData is that same bundle, narrowed from "one keyspace among many
// sharing one WAL" to "one table with its own WAL region", and widened
// with the primary-key+timestamp row shape spec.md §3 requires instead
// of RocksDB's flat byte-string keys.
package tabledata

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/horaedb/analytic-engine/internal/errs"
	"github.com/horaedb/analytic-engine/internal/manifest"
	"github.com/horaedb/analytic-engine/internal/memtable"
	"github.com/horaedb/analytic-engine/internal/objectstore"
	"github.com/horaedb/analytic-engine/internal/options"
	"github.com/horaedb/analytic-engine/internal/purger"
	"github.com/horaedb/analytic-engine/internal/schema"
	"github.com/horaedb/analytic-engine/internal/serialexec"
	"github.com/horaedb/analytic-engine/internal/sstfile"
	"github.com/horaedb/analytic-engine/internal/testutil"
	"github.com/horaedb/analytic-engine/internal/version"
	"github.com/horaedb/analytic-engine/internal/walmgr"
)

// Role is a table's replication role within its shard. Follower reads
// are out of scope (an Open Question resolved that way); a Follower
// simply rejects writes.
type Role int

const (
	RoleLeader Role = iota
	RoleFollower
)

// ShardInfo is the table's placement: which shard it belongs to and this
// replica's role in it.
type ShardInfo struct {
	ShardID uint32
	Role    Role
}

// immutableMemtable is one memtable switched out of active, pending
// flush. readSeq is the table's last_sequence at the moment of the
// switch — the flush job's visibility bound, so a flush never picks up
// rows appended to the new active memtable afterward.
type immutableMemtable struct {
	mem     *memtable.Table
	readSeq memtable.SequenceNumber
}

// TableData is one open table's full in-memory state.
type TableData struct {
	TableID uint64
	SpaceID uint64
	Name    string

	store    objectstore.Store
	basePath string

	vs      *version.VersionSet
	wal     *walmgr.Manager
	region  uint64
	purge   *purger.Purger
	serial  *serialexec.Executor

	mu             sync.RWMutex
	schema         *schema.Schema
	opts           options.TableOptions
	optionsVersion uint64 // bumped on every AlterOptions; the pre_options_version an alter is checked against
	active         *memtable.Table
	immutables     []*immutableMemtable
	shardInfo      ShardInfo
	isDropped      bool

	lastSequence uint64 // atomic; largest WAL sequence durably appended
}

// New creates TableData for a freshly created (never-before-persisted)
// table: engine.CreateTable calls this after writing the AddTable
// meta-edit. The caller must call vs.Recover(ctx) once before this
// table serves any read or write, to install vs's initial (empty)
// current Version — New itself does no I/O.
func New(
	tableID, spaceID uint64,
	name string,
	sc *schema.Schema,
	opts options.TableOptions,
	store objectstore.Store,
	basePath string,
	vs *version.VersionSet,
	wal *walmgr.Manager,
	region uint64,
	purge *purger.Purger,
	shardInfo ShardInfo,
) *TableData {
	return &TableData{
		TableID:   tableID,
		SpaceID:   spaceID,
		Name:      name,
		store:     store,
		basePath:  basePath,
		vs:        vs,
		wal:       wal,
		region:    region,
		purge:     purge,
		serial:    serialexec.NewExecutor(tableID),
		schema:    sc,
		opts:      opts,
		active:    memtable.New(),
		shardInfo: shardInfo,
	}
}

// Open reconstructs TableData from a previously recorded manifest
// TableState, per spec.md §4.9 step 2. WAL replay (step 3) is the
// caller's responsibility once the table's region id is known (it needs
// the engine's shard/region mapping, not just this table's own state).
func Open(
	state *manifest.TableState,
	opts options.TableOptions,
	store objectstore.Store,
	basePath string,
	vs *version.VersionSet,
	wal *walmgr.Manager,
	region uint64,
	purge *purger.Purger,
	shardInfo ShardInfo,
) *TableData {
	td := &TableData{
		TableID:   state.TableID,
		SpaceID:   state.SpaceID,
		Name:      state.TableName,
		store:     store,
		basePath:  basePath,
		vs:        vs,
		wal:       wal,
		region:    region,
		purge:     purge,
		serial:    serialexec.NewExecutor(state.TableID),
		schema:    state.Schema,
		opts:      opts,
		active:    memtable.New(),
		shardInfo: shardInfo,
	}
	// A recorded OptionsBlob reflects an AlterOptions that happened since
	// the table was created; it takes precedence over the caller-supplied
	// defaults the same way state.Schema always wins over a caller-passed
	// initial schema.
	if len(state.OptionsBlob) > 0 {
		if version, decoded, err := options.DecodeVersionedOptions(state.OptionsBlob); err == nil {
			td.opts = decoded
			td.optionsVersion = version
		}
	}
	atomic.StoreUint64(&td.lastSequence, state.LastSequence)
	return td
}

// ReplayWAL applies one previously WAL-durable row into the active
// memtable, used during recovery (spec.md §4.9 step 3) for entries whose
// sequence is > last_flushed_sequence. Entries at or below
// last_flushed_sequence are already represented in some SST and must be
// skipped by the caller before reaching here.
func (td *TableData) ReplayWAL(seq memtable.SequenceNumber, row schema.Row) {
	pk := row.PrimaryKeyBytes(td.schema)
	ts := row.Timestamp(td.schema)
	encoded, err := schema.EncodeRow(td.schema, row)
	if err != nil {
		return // corrupt WAL tail entry; best-effort replay per spec.md §4.9
	}
	td.active.Put(pk, ts, seq, encoded)
	if seq > atomic.LoadUint64(&td.lastSequence) {
		atomic.StoreUint64(&td.lastSequence, seq)
	}
}

// LastSequence returns the largest WAL sequence durably appended so far.
func (td *TableData) LastSequence() uint64 {
	return atomic.LoadUint64(&td.lastSequence)
}

// LastFlushedSequence returns the largest sequence whose writes are
// already represented in an SST — the watermark recovery's WAL replay
// starts just past, per spec.md §4.9 step 3.
func (td *TableData) LastFlushedSequence() uint64 {
	return td.vs.LastFlushedSequence()
}

// Schema returns the table's current schema.
func (td *TableData) Schema() *schema.Schema {
	td.mu.RLock()
	defer td.mu.RUnlock()
	return td.schema
}

// Options returns the table's current options.
func (td *TableData) Options() options.TableOptions {
	td.mu.RLock()
	defer td.mu.RUnlock()
	return td.opts
}

// OptionsVersion returns the generation counter AlterOptions bumps on
// every successful call, the value a caller must pass back as
// pre_options_version to alter from the current state.
func (td *TableData) OptionsVersion() uint64 {
	td.mu.RLock()
	defer td.mu.RUnlock()
	return td.optionsVersion
}

// IsDropped reports whether Drop has already run.
func (td *TableData) IsDropped() bool {
	td.mu.RLock()
	defer td.mu.RUnlock()
	return td.isDropped
}

// MemoryUsage returns the combined approximate byte size of the active
// memtable plus every immutable memtable still awaiting flush, the
// figure a Space sums across its tables to weigh against its
// write-buffer budget.
func (td *TableData) MemoryUsage() int64 {
	td.mu.RLock()
	defer td.mu.RUnlock()
	usage := td.active.MemoryUsage()
	for _, im := range td.immutables {
		usage += im.mem.MemoryUsage()
	}
	return usage
}

// ForceFlush switches the active memtable out and flushes it regardless
// of the write-buffer threshold, for the memory-pressure monitor's
// "force-schedule a flush" backpressure path (spec.md §5).
func (td *TableData) ForceFlush(ctx context.Context, blocking bool) {
	td.maybeScheduleFlush(ctx, blocking)
}

// SnapshotState captures the table's current manifest-visible state (its
// live file set and sequence watermarks) for a space-wide DoSnapshot.
func (td *TableData) SnapshotState() *manifest.TableState {
	td.mu.RLock()
	sc := td.schema
	name := td.Name
	dropped := td.isDropped
	td.mu.RUnlock()

	state := &manifest.TableState{
		SpaceID:             td.SpaceID,
		TableID:             td.TableID,
		TableName:           name,
		Schema:              sc,
		Files:               make(map[uint64]*manifest.FileMeta),
		LastSequence:        td.LastSequence(),
		LastFlushedSequence: td.vs.LastFlushedSequence(),
		Dropped:             dropped,
	}

	v := td.vs.Current()
	if v != nil {
		v.Ref()
		for level := 0; level < version.MaxNumLevels; level++ {
			for _, f := range v.Files(level) {
				state.Files[f.ID] = f
			}
		}
		v.Unref()
	}
	return state
}

// Write appends rows to the WAL and inserts them into the active
// memtable, returning the sequence of the last row. It is the write path
// spec.md §2 describes: WAL append before memtable insert, under the
// table's serial executor.
func (td *TableData) Write(ctx context.Context, rows []schema.Row) (uint64, error) {
	release := td.serial.Acquire()

	lastSeq, needsFlush, err := td.writeLocked(ctx, rows)
	release()
	if err != nil {
		return 0, err
	}

	// schedule_flush is deliberately run after the op lock above is
	// released, per the write path's "... executor released → (if
	// memtable ≥ threshold) schedule flush" ordering: flush scheduling
	// takes its own op-lock acquisition (to publish intent) and must not
	// nest inside the write's.
	if needsFlush {
		td.maybeScheduleFlush(ctx, false)
	}

	testutil.SP(testutil.SPWriteComplete)
	return lastSeq, nil
}

// writeLocked performs the WAL append and memtable insert while the
// caller holds the table's op lock, reporting whether the active
// memtable has crossed its flush threshold.
func (td *TableData) writeLocked(ctx context.Context, rows []schema.Row) (lastSeq uint64, needsFlush bool, err error) {
	testutil.SP(testutil.SPWriteStart)

	if td.IsDropped() {
		return 0, false, errs.New(errs.InvalidInput, "tabledata", "table %d is dropped", td.TableID)
	}
	td.mu.RLock()
	role := td.shardInfo.Role
	sc := td.schema
	td.mu.RUnlock()
	if role != RoleLeader {
		testutil.SP(testutil.SPWriteRejectedNotLeader)
		return 0, false, errs.New(errs.InvalidInput, "tabledata", "table %d: not leader", td.TableID)
	}
	if len(rows) == 0 {
		return td.LastSequence(), false, nil
	}

	payloads := make([][]byte, len(rows))
	walPayloads := make([][]byte, len(rows))
	for i, row := range rows {
		encoded, encErr := schema.EncodeRow(sc, row)
		if encErr != nil {
			return 0, false, errs.Wrap(errs.InvalidInput, "tabledata", encErr, "encode row %d", i)
		}
		payloads[i] = encoded
		walPayloads[i] = encodeWalPayload(walOpRow, encoded)
	}

	testutil.SP(testutil.SPWriteBeforeWAL)
	lastSeq, err = td.wal.Write(ctx, walmgr.WriteBatch{RegionID: td.region, Payloads: walPayloads})
	if err != nil {
		return 0, false, errs.Wrap(errs.TransientIO, "tabledata", err, "append WAL for table %d", td.TableID)
	}
	testutil.SP(testutil.SPWriteAfterWAL)

	startSeq := lastSeq - uint64(len(rows)-1)

	testutil.SP(testutil.SPWriteBeforeMemtable)
	td.mu.Lock()
	for i, row := range rows {
		seq := startSeq + uint64(i)
		td.active.Put(row.PrimaryKeyBytes(sc), row.Timestamp(sc), seq, payloads[i])
	}
	active := td.active
	td.mu.Unlock()
	atomic.StoreUint64(&td.lastSequence, lastSeq)
	testutil.SP(testutil.SPWriteAfterMemtable)

	needsFlush = td.opts.WriteBufferSize > 0 && active.MemoryUsage() >= td.opts.WriteBufferSize
	return lastSeq, needsFlush, nil
}

// scanResult is one deduplicated, merged row pending projection.
type scanResult struct {
	pk  []byte
	ts  int64
	seq uint64
	row schema.Row
}

// Scan returns every row visible as of this call, within [lowerBound,
// upperBound) and pred, deduplicated across the active memtable,
// immutable memtables, and SST files by keeping the highest sequence per
// (primary_key, timestamp), per spec.md §5's read-snapshot guarantee.
func (td *TableData) Scan(ctx context.Context, lowerBound, upperBound []byte, projection []int, pred *sstfile.Predicate) ([]schema.Row, error) {
	testutil.SP(testutil.SPScanStart)

	td.mu.RLock()
	sc := td.schema
	active := td.active
	immus := append([]*immutableMemtable(nil), td.immutables...)
	readSeq := atomic.LoadUint64(&td.lastSequence)
	v := td.vs.Current()
	if v != nil {
		v.Ref()
	}
	td.mu.RUnlock()
	if v != nil {
		defer v.Unref()
	}

	merged := make(map[string]*scanResult)

	testutil.SP(testutil.SPScanMemtables)
	mergeMemtable(merged, sc, active, lowerBound, upperBound, readSeq)
	for _, im := range immus {
		mergeMemtable(merged, sc, im.mem, lowerBound, upperBound, im.readSeq)
	}

	testutil.SP(testutil.SPScanSST)
	if v != nil {
		for level := 0; level < version.MaxNumLevels; level++ {
			for _, f := range v.Files(level) {
				// File-level min/max key check avoids opening files with no
				// chance of overlap; sstfile.Reader.Read applies the finer
				// row-group and bloom-filter pruning from pred itself.
				if !keyRangeOverlaps(f.MinKey, f.MaxKey, lowerBound, upperBound) {
					continue
				}
				reader, err := sstfile.Open(ctx, td.store, f.Path)
				if err != nil {
					return nil, errs.Wrap(errs.Corruption, "tabledata", err, "open sst %s", f.Path)
				}
				// Full rows are read so the merge can key them; projection
				// is applied once below, to every merged row.
				rows, err := reader.Read(ctx, nil, pred)
				if err != nil {
					return nil, errs.Wrap(errs.Corruption, "tabledata", err, "read sst %s", f.Path)
				}
				for _, row := range rows {
					pk := row.PrimaryKeyBytes(sc)
					ts := row.Timestamp(sc)
					if !withinBounds(pk, lowerBound, upperBound) {
						continue
					}
					upsertMerged(merged, pk, ts, f.MaxSequence, row)
				}
			}
		}
	}

	out := make([]*scanResult, 0, len(merged))
	for _, r := range merged {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		c := compareBytes(out[i].pk, out[j].pk)
		if c != 0 {
			return c < 0
		}
		return out[i].ts < out[j].ts
	})

	rows := make([]schema.Row, 0, len(out))
	for _, r := range out {
		// Memtable rows have not been through the SST reader's pred check.
		if pred != nil && (!withinBounds(r.pk, pred.LowerKey, pred.UpperKey) ||
			(pred.HasTSRange && (r.ts < pred.MinTS || r.ts > pred.MaxTS))) {
			continue
		}
		if projection != nil {
			rows = append(rows, projectRow(r.row, projection))
		} else {
			rows = append(rows, r.row)
		}
	}

	testutil.SP(testutil.SPScanComplete)
	return rows, nil
}

func mergeMemtable(merged map[string]*scanResult, sc *schema.Schema, mem *memtable.Table, lowerBound, upperBound []byte, readSeq memtable.SequenceNumber) {
	if mem == nil {
		return
	}
	it := mem.Scan(lowerBound, upperBound, readSeq)
	for it.Next() {
		row, err := it.DecodeRow(sc)
		if err != nil {
			continue // corrupt in-memory entry should never happen; skip defensively
		}
		upsertMerged(merged, it.PrimaryKey(), it.Timestamp(), it.Sequence(), row)
	}
}

func upsertMerged(merged map[string]*scanResult, pk []byte, ts int64, seq uint64, row schema.Row) {
	key := mergeKey(pk, ts)
	existing, ok := merged[key]
	if ok && existing.seq >= seq {
		return
	}
	merged[key] = &scanResult{pk: pk, ts: ts, seq: seq, row: row}
}

func projectRow(row schema.Row, projection []int) schema.Row {
	values := make([]schema.Datum, len(projection))
	for i, idx := range projection {
		if idx >= 0 && idx < len(row.Values) {
			values[i] = row.Values[idx]
		}
	}
	return schema.Row{Values: values}
}

func withinBounds(pk, lowerBound, upperBound []byte) bool {
	if lowerBound != nil && compareBytes(pk, lowerBound) < 0 {
		return false
	}
	if upperBound != nil && compareBytes(pk, upperBound) >= 0 {
		return false
	}
	return true
}

func keyRangeOverlaps(minKey, maxKey, lowerBound, upperBound []byte) bool {
	if lowerBound != nil && compareBytes(maxKey, lowerBound) < 0 {
		return false
	}
	if upperBound != nil && compareBytes(minKey, upperBound) >= 0 {
		return false
	}
	return true
}

func mergeKey(pk []byte, ts int64) string {
	buf := make([]byte, len(pk)+8)
	copy(buf, pk)
	for i := 0; i < 8; i++ {
		buf[len(pk)+i] = byte(ts >> (56 - 8*i))
	}
	return string(buf)
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
