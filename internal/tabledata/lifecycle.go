package tabledata

import (
	"context"

	"github.com/horaedb/analytic-engine/internal/manifest"
	"github.com/horaedb/analytic-engine/internal/testutil"
	"github.com/horaedb/analytic-engine/internal/version"
)

// Drop marks the table dropped, durably records DropTable, and enqueues
// every live SST for deletion through the purger, per spec.md §3's Drop
// lifecycle step. It acquires the serial executor like any other
// mutating operation.
func (td *TableData) Drop(ctx context.Context) error {
	release := td.serial.Acquire()
	defer release()

	testutil.SP(testutil.SPDropTableStart)

	td.mu.Lock()
	if td.isDropped {
		td.mu.Unlock()
		testutil.SP(testutil.SPDropTableComplete)
		return nil
	}
	td.isDropped = true
	td.mu.Unlock()

	if err := td.vs.LogAndApply(ctx, &manifest.MetaEdit{Kind: manifest.EditDropTable}); err != nil {
		return err
	}

	v := td.vs.Current()
	if v != nil {
		v.Ref()
		var paths []string
		for level := 0; level < version.MaxNumLevels; level++ {
			for _, f := range v.Files(level) {
				paths = append(paths, f.Path)
			}
		}
		v.Unref()
		if err := td.purge.EnqueueAll(ctx, paths); err != nil {
			return err
		}
	}

	testutil.SP(testutil.SPDropTableComplete)
	return nil
}

// Close flushes any pending writes best-effort and releases the table's
// handles, per spec.md §4.8's close_table contract. Flush failures are
// swallowed: Close is a best-effort drain, not a guarantee — a replayed
// WAL tail on next open reconstructs whatever did not make it out.
func (td *TableData) Close(ctx context.Context) {
	td.mu.RLock()
	hasRows := td.active.ApproximateRowCount() > 0 || len(td.immutables) > 0
	td.mu.RUnlock()
	if hasRows {
		td.maybeScheduleFlush(ctx, true)
	}
}
