// Package serialexec enforces spec.md §3's per-table serialization
// invariant: within one table, no two concurrent mutating operations
// execute, and at most one flush is ever in flight.
//
// Grounded on analytic_engine/src/instance/serial_executor.rs's
// TableOpSerialExecutor/TableFlushScheduler split: Acquire models holding
// the table's op lock for the duration of a foreground mutation (write,
// alter schema, drop); AcquireAndHandOff models flush_sequentially's
// "publish intent, then either run inline or hand off to the background
// runtime" behavior. The flush itself runs outside the table op lock,
// which is held only while publishing the intent to flush; that step waits
// for an already-running flush to finish, so writes arriving meanwhile
// queue behind the op lock. The wait-for-the-running-flush loop is grounded on the
// teacher's write_controller.go/write_buffer_manager.go stallCond
// pattern: a sync.Cond broadcasting state changes to any number of
// waiters, generalized from "wait for write-buffer headroom" to "wait
// for the table's one flush to finish".
package serialexec

import (
	"context"
	"sync"

	"github.com/horaedb/analytic-engine/internal/errs"
	"github.com/horaedb/analytic-engine/internal/testutil"
)

// FlushState is the table's background flush status.
type FlushState int

const (
	FlushReady FlushState = iota
	FlushRunning
	FlushFailed
)

// Executor serializes every mutating operation on one table.
type Executor struct {
	tableID uint64

	opMu sync.Mutex // held for the duration of one foreground mutation

	flushMu    sync.Mutex
	flushCond  *sync.Cond
	flushState FlushState
	flushErr   error
}

// NewExecutor creates an Executor for tableID.
func NewExecutor(tableID uint64) *Executor {
	e := &Executor{tableID: tableID}
	e.flushCond = sync.NewCond(&e.flushMu)
	return e
}

// TableID returns the table this executor serializes.
func (e *Executor) TableID() uint64 { return e.tableID }

// Acquire serializes one foreground table-mutating operation (write,
// alter schema, drop table). The returned func must be called exactly
// once to release it.
func (e *Executor) Acquire() func() {
	testutil.SP(testutil.SPSerialAcquire)
	e.opMu.Lock()
	return func() {
		testutil.SP(testutil.SPSerialRelease)
		e.opMu.Unlock()
	}
}

// AcquireAndHandOff runs fn as the table's flush procedure. It first
// waits for any already-running flush to finish (returning its error
// immediately if the prior flush failed, since a failed flush leaves the
// table unable to make progress until recovered), marks a new flush
// running, and releases the table op lock before fn actually executes —
// unlike Acquire, the op lock is not held for the duration of the flush
// itself, only long enough to publish the intent to flush. If blocking
// is true, fn runs on the calling goroutine and AcquireAndHandOff returns
// once it completes; otherwise fn runs on a new goroutine and
// AcquireAndHandOff returns immediately after handing off.
func (e *Executor) AcquireAndHandOff(ctx context.Context, blocking bool, fn func(context.Context) error) error {
	testutil.SP(testutil.SPSerialHandOff)
	release := e.Acquire()
	if err := e.acquireFlush(); err != nil {
		release()
		return err
	}
	release()

	run := func() {
		err := fn(ctx)
		e.releaseFlush(err)
	}
	if blocking {
		run()
		return nil
	}
	go run()
	return nil
}

// acquireFlush blocks until no flush is running, then marks one running.
// Returns an error without blocking if the previous flush already failed
// — a failed flush requires operator intervention, not a retry loop.
func (e *Executor) acquireFlush() error {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()
	for {
		switch e.flushState {
		case FlushReady:
			e.flushState = FlushRunning
			return nil
		case FlushRunning:
			e.flushCond.Wait()
		case FlushFailed:
			return errs.Wrap(errs.Fatal, "serialexec", e.flushErr, "table %d: background flush already failed", e.tableID)
		}
	}
}

// releaseFlush records the outcome of the flush acquireFlush most
// recently granted and wakes every waiter.
func (e *Executor) releaseFlush(err error) {
	e.flushMu.Lock()
	if err != nil {
		e.flushState = FlushFailed
		e.flushErr = err
	} else {
		e.flushState = FlushReady
	}
	e.flushMu.Unlock()
	e.flushCond.Broadcast()
}

// FlushState reports the table's current background flush status, for
// diagnostics and tests.
func (e *Executor) FlushState() (FlushState, error) {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()
	return e.flushState, e.flushErr
}

// ResetFlush clears a FlushFailed state, allowing the next flush attempt
// to proceed. Called after an operator-driven recovery (e.g. freeing
// disk space) rather than automatically, since a failed flush's cause
// may still be present.
func (e *Executor) ResetFlush() {
	e.flushMu.Lock()
	e.flushState = FlushReady
	e.flushErr = nil
	e.flushMu.Unlock()
	e.flushCond.Broadcast()
}
