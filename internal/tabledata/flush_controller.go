// flush_controller.go schedules flushes and the compaction that follows
// a successful one, using the table's serialexec.Executor as the
// at-most-one-flush gate spec.md §4.4 describes.
//
// Grounded on the teacher's flush.go/write_buffer_manager.go: the
// switch-active-memtable-to-immutable-then-hand-off-to-background shape
// is kept; what changes is that this table has one memtable chain per
// table rather than one shared across column families, and a successful
// flush here triggers this table's own compaction.Picker instead of a
// DB-wide compaction queue.
package tabledata

import (
	"context"

	"github.com/horaedb/analytic-engine/internal/compaction"
	"github.com/horaedb/analytic-engine/internal/flush"
	"github.com/horaedb/analytic-engine/internal/memtable"
	"github.com/horaedb/analytic-engine/internal/testutil"
)

// maybeScheduleFlush switches the active memtable to immutable and
// schedules its flush. Errors are swallowed here (as opposed to
// Write's own errors): a flush trigger is a side effect of a successful
// write, and the flush's own failure surfaces later through the serial
// executor's FlushFailed state, not through the write that triggered it.
func (td *TableData) maybeScheduleFlush(ctx context.Context, blocking bool) {
	testutil.SP(testutil.SPScheduleFlushStart)

	td.mu.Lock()
	if td.active.ApproximateRowCount() == 0 {
		td.mu.Unlock()
		return
	}
	switched := &immutableMemtable{mem: td.active, readSeq: td.LastSequence()}
	td.immutables = append(td.immutables, switched)
	td.active = memtable.New()
	td.mu.Unlock()

	testutil.SP(testutil.SPMemtableSwitch)

	_ = td.serial.AcquireAndHandOff(ctx, blocking, func(ctx context.Context) error {
		return td.runFlush(ctx, switched)
	})

	testutil.SP(testutil.SPScheduleFlushComplete)
}

// runFlush flushes one immutable memtable and, on success, triggers a
// compaction check. It always removes the memtable from td.immutables on
// success; on failure it leaves the memtable immutable (per spec.md
// §4.5's failure semantics) so a retried flush or a restart's WAL replay
// can still recover it.
func (td *TableData) runFlush(ctx context.Context, im *immutableMemtable) error {
	td.mu.RLock()
	sc := td.schema
	opts := td.opts
	td.mu.RUnlock()

	job := flush.NewJob(td.store, td.basePath, sc, td.vs, opts, im.mem, im.readSeq)
	meta, err := job.Run(ctx)
	if err == flush.ErrNoOutput {
		td.removeImmutable(im)
		return nil
	}
	if err != nil {
		return err
	}

	td.removeImmutable(im)
	_ = meta

	td.maybeScheduleCompaction(ctx)
	return nil
}

// flushAllLocked switches out the active memtable (if non-empty) and
// flushes it along with any immutables already pending, running each
// flush inline on the calling goroutine rather than handing off through
// AcquireAndHandOff. It is only safe to call while already holding the
// table's serial executor op lock (AlterSchema's "flush before alter"
// step, per the Rust source's process_alter_schema_command): runFlush
// itself never touches the serial executor, so there is no self-deadlock,
// and running inline guarantees no write can interleave between the
// flush completing and the alter that follows it.
func (td *TableData) flushAllLocked(ctx context.Context) error {
	td.mu.Lock()
	if td.active.ApproximateRowCount() > 0 {
		switched := &immutableMemtable{mem: td.active, readSeq: td.LastSequence()}
		td.immutables = append(td.immutables, switched)
		td.active = memtable.New()
	}
	pending := append([]*immutableMemtable(nil), td.immutables...)
	td.mu.Unlock()

	for _, im := range pending {
		if err := td.runFlush(ctx, im); err != nil {
			return err
		}
	}
	return nil
}

func (td *TableData) removeImmutable(im *immutableMemtable) {
	td.mu.Lock()
	defer td.mu.Unlock()
	for i, other := range td.immutables {
		if other == im {
			td.immutables = append(td.immutables[:i], td.immutables[i+1:]...)
			return
		}
	}
}

// maybeScheduleCompaction runs the table's compaction.Picker against the
// current version and, if a compaction is due, runs it inline on the
// calling (background) goroutine. Concurrency with a new flush is safe:
// compaction only reads the version it was picked against and publishes
// through the same single-writer VersionSet.LogAndApply flush itself
// uses, per spec.md §4.6's "at most one compaction concurrent with at
// most one flush, for a single table" rule — enforced here simply by
// compaction running on the same serial flush-gate goroutine, never
// overlapping another compaction or flush for this table.
func (td *TableData) maybeScheduleCompaction(ctx context.Context) {
	td.mu.RLock()
	sc := td.schema
	opts := td.opts
	td.mu.RUnlock()

	v := td.vs.Current()
	if v == nil {
		return
	}
	v.Ref()
	defer v.Unref()

	picker := compaction.NewPicker(opts.CompactionStrategy)
	c := picker.Pick(v)
	if c == nil {
		return
	}

	job := compaction.NewJob(td.store, sc, td.basePath, td.vs, opts)
	if err := job.Run(ctx, c); err != nil {
		return // logged and retried on the next flush/compaction tick, per spec.md §7
	}

	paths := make([]string, 0, len(c.AllInputs()))
	for _, f := range c.AllInputs() {
		paths = append(paths, f.Path)
	}
	_ = td.purge.EnqueueAll(ctx, paths)
}
