// Package purger defers SST file deletion until every outstanding reader
// reference is gone and the manifest edit that removed the file from its
// table's version is durable.
//
// Grounded on internal/cache.LRUCache's Handle refcounting: Erase there
// marks an entry deleted but only actually removes it once its last
// Release drops refs to zero, so a reader already holding a block never
// has it vanish under it. A pending delete here is the same shape,
// widened from one in-process cache entry to a file shared by however
// many concurrent sstfile.Readers have it open: Ref/Unref move the
// count, and the delete runs the moment it reaches zero — whether that
// happens on the enqueuing Unref or on a later one.
package purger

import (
	"context"
	"sync"

	"github.com/horaedb/analytic-engine/internal/errs"
	"github.com/horaedb/analytic-engine/internal/objectstore"
	"github.com/horaedb/analytic-engine/internal/testutil"
)

// pending is one file queued for deletion.
type pending struct {
	path string
	refs int64
}

// Purger owns the queue of SST files a compaction or drop-table has
// removed from a table's version but that readers may still have open.
// Spec calls this an MPSC queue of files with outstanding-reader
// refcounts; here the queue is a map keyed by path since lookups by path
// (Ref/Unref from a reader open/close) are far more frequent than the
// drain a background goroutine performs.
type Purger struct {
	store objectstore.Store

	mu      sync.Mutex
	entries map[string]*pending
}

// New creates a Purger that deletes files from store.
func New(store objectstore.Store) *Purger {
	return &Purger{
		store:   store,
		entries: make(map[string]*pending),
	}
}

// Ref records one more outstanding reader of path. Callers open an
// sstfile.Reader under Ref and Unref when they close it; Ref is a no-op
// (returns immediately) for a path that was never enqueued for deletion,
// since most open files are never pending removal at all.
func (p *Purger) Ref(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[path]; ok {
		e.refs++
	}
}

// Unref releases one reference previously taken by Ref or implicitly held
// by Enqueue itself. If this was the last reference to a file enqueued
// for deletion, the file is deleted from the object store immediately.
func (p *Purger) Unref(ctx context.Context, path string) error {
	p.mu.Lock()
	e, ok := p.entries[path]
	if !ok {
		p.mu.Unlock()
		return nil
	}
	e.refs--
	if e.refs > 0 {
		p.mu.Unlock()
		return nil
	}
	delete(p.entries, path)
	p.mu.Unlock()

	return p.delete(ctx, path)
}

// Enqueue schedules path for deletion once its manifest-removal edit is
// durable (the caller is responsible for calling Enqueue only after that
// edit has been applied, per spec.md's "a file is deleted only when
// refcount = 0 and the removing manifest edit is durable") and
// outstandingRefs readers currently have it open. outstandingRefs is
// typically 0 for a file no live query is scanning, in which case the
// file is deleted before Enqueue returns.
func (p *Purger) Enqueue(ctx context.Context, path string, outstandingRefs int64) error {
	p.mu.Lock()
	if _, ok := p.entries[path]; ok {
		p.mu.Unlock()
		return nil
	}
	if outstandingRefs <= 0 {
		delete(p.entries, path)
		p.mu.Unlock()
		return p.delete(ctx, path)
	}
	p.entries[path] = &pending{path: path, refs: outstandingRefs}
	p.mu.Unlock()
	return nil
}

// EnqueueAll enqueues every path in paths with zero outstanding readers,
// for the compaction/drop-table case where the caller does not track
// per-file reader counts. Each path not already pending is deleted before
// EnqueueAll returns: a Ref taken on a path before it was enqueued records
// nothing, so a reader that still has the file open does not delay the
// delete.
func (p *Purger) EnqueueAll(ctx context.Context, paths []string) error {
	var firstErr error
	for _, path := range paths {
		if err := p.Enqueue(ctx, path, 0); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Pending reports how many files are currently queued, waiting on
// readers to release them. For diagnostics and tests.
func (p *Purger) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

func (p *Purger) delete(ctx context.Context, path string) error {
	testutil.SP(testutil.SPPurgerDelete)
	if err := p.store.Delete(ctx, path); err != nil {
		return errs.Wrap(errs.TransientIO, "purger", err, "delete sst %s", path)
	}
	testutil.SP(testutil.SPPurgerDeleteComplete)
	return nil
}
