// engine.go implements the TableEngine façade (spec.md §4.8): create,
// open, drop, and close tables, plus the recovery/replay orchestration
// (§4.9) that runs on Open.
//
// Grounded on the teacher's db.Open/DBImpl shape (db/db.go): allocate
// collaborators (filesystem/object store, version set, write
// controller), recover-or-create, then start background workers. Engine
// keeps that same "construct collaborators, recover, go live" sequence,
// widened from one DB over one WAL into one Engine over many Spaces,
// each with its own manifest and WAL region namespace.
package analyticengine

import (
	"context"
	"fmt"
	"sync"

	"github.com/horaedb/analytic-engine/internal/encoding"
	"github.com/horaedb/analytic-engine/internal/errs"
	"github.com/horaedb/analytic-engine/internal/objectstore"
	"github.com/horaedb/analytic-engine/internal/options"
	"github.com/horaedb/analytic-engine/internal/purger"
	"github.com/horaedb/analytic-engine/internal/schema"
	"github.com/horaedb/analytic-engine/internal/space"
	"github.com/horaedb/analytic-engine/internal/sstfile"
	"github.com/horaedb/analytic-engine/internal/tabledata"
	"github.com/horaedb/analytic-engine/internal/testutil"
	"github.com/horaedb/analytic-engine/internal/walmgr"
)

// Table is the handle callers read and write through. It is a type
// alias, not a wrapper, so the engine façade never duplicates
// TableData's API surface.
type Table = tabledata.TableData

// Role mirrors tabledata.Role at the engine boundary.
type Role = tabledata.Role

const (
	RoleLeader   = tabledata.RoleLeader
	RoleFollower = tabledata.RoleFollower
)

const spaceRegistryPath = "ENGINE/SPACES"

// CreateTableRequest names a table to create, per spec.md §4.8's
// create_table(req).
type CreateTableRequest struct {
	SpaceID uint32
	TableID uint64
	Name    string
	Schema  *schema.Schema
	Options options.TableOptions
	ShardID uint32
	Role    Role
}

// OpenTableRequest names a previously created table to reopen.
type OpenTableRequest struct {
	SpaceID uint32
	TableID uint64
	Options options.TableOptions
	ShardID uint32
	Role    Role
}

// Engine is the top-level handle onto every open Space and Table, and
// the owner of the collaborators (object store, WAL manager, file
// purger) every Space shares.
type Engine struct {
	store objectstore.Store
	wal   *walmgr.Manager
	purge *purger.Purger
	opts  options.EngineOptions

	mu     sync.RWMutex
	spaces map[uint32]*space.Space
	closed bool
}

// Open constructs every collaborator spec.md §2 lists in dependency
// order (object store, WAL manager, manifest-backed spaces), then
// recovers every previously registered space and table, replaying each
// table's WAL tail into its active memtable before returning. No table
// is reachable through the returned Engine until its own recovery step
// has completed, per §4.9 step 5.
func Open(ctx context.Context, rootPath string, opts options.EngineOptions) (*Engine, error) {
	testutil.SP(testutil.SPEngineOpen)

	store, err := objectstore.NewLocalStore(rootPath)
	if err != nil {
		return nil, errs.Wrap(errs.TransientIO, "engine", err, "open object store at %s", rootPath)
	}
	backend := walmgr.NewLocalBackend(store, "wal")
	wal := walmgr.NewManager(backend)
	purge := purger.New(store)

	sstfile.Configure(opts.SstMetaCacheCap, opts.SstDataCacheCap)

	eng := &Engine{
		store:  store,
		wal:    wal,
		purge:  purge,
		opts:   opts,
		spaces: make(map[uint32]*space.Space),
	}

	testutil.SP(testutil.SPEngineRecoverStart)
	spaceIDs, err := eng.readSpaceRegistry(ctx)
	if err != nil {
		return nil, err
	}
	for _, spaceID := range spaceIDs {
		sp, err := eng.openSpace(ctx, spaceID)
		if err != nil {
			return nil, err
		}
		if err := eng.recoverSpace(ctx, sp); err != nil {
			return nil, err
		}
	}
	testutil.SP(testutil.SPEngineRecoverComplete)

	testutil.SP(testutil.SPEngineOpenComplete)
	return eng, nil
}

// readSpaceRegistry loads the set of space ids this engine has ever
// created, the same append-then-replay idiom internal/manifest.Manifest
// uses for its table ids, applied one level up so Engine.Open knows
// which space directories to recover without a directory listing
// capability the object store interface does not expose.
func (e *Engine) readSpaceRegistry(ctx context.Context) ([]uint32, error) {
	head, err := e.store.Head(ctx, spaceRegistryPath)
	if err != nil {
		return nil, nil // no space ever created
	}
	data, err := e.store.GetRange(ctx, spaceRegistryPath, 0, head.Size)
	if err != nil {
		return nil, errs.Wrap(errs.TransientIO, "engine", err, "read space registry")
	}
	seen := make(map[uint32]bool)
	var ids []uint32
	for off := 0; off+4 <= len(data); off += 4 {
		id := encoding.DecodeFixed32(data[off : off+4])
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (e *Engine) appendSpaceRegistry(ctx context.Context, spaceID uint32) error {
	head, err := e.store.Head(ctx, spaceRegistryPath)
	var existing []byte
	if err == nil {
		existing, err = e.store.GetRange(ctx, spaceRegistryPath, 0, head.Size)
		if err != nil {
			return errs.Wrap(errs.TransientIO, "engine", err, "read space registry")
		}
	}
	buf := encoding.AppendFixed32(existing, spaceID)
	if err := e.store.Put(ctx, spaceRegistryPath, buf); err != nil {
		return errs.Wrap(errs.TransientIO, "engine", err, "append space registry")
	}
	return nil
}

func spaceBasePath(spaceID uint32) string {
	return fmt.Sprintf("spaces/%d", spaceID)
}

// tableRegion maps a table id to its WAL region. Region is nominally
// (shard_id, table_id) per spec.md §4.1, but shard/cluster routing is
// out of this engine's scope (spec.md §1's non-goals) and shard_info is
// not itself part of the durable manifest state, so a table's region
// here is keyed on its id alone: stable across CreateTable, OpenTable,
// and recovery regardless of which shard_id a caller's ShardInfo names.
func tableRegion(tableID uint64) uint64 {
	return walmgr.RegionID(0, tableID)
}

func (e *Engine) openSpace(ctx context.Context, spaceID uint32) (*space.Space, error) {
	sp, err := space.New(ctx, spaceID, e.store, spaceBasePath(spaceID), e.wal, e.purge, e.opts.SpaceWriteBufferSize)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.spaces[spaceID] = sp
	e.mu.Unlock()
	return sp, nil
}

// ensureSpace returns the space for spaceID, creating and registering
// it durably on first use.
func (e *Engine) ensureSpace(ctx context.Context, spaceID uint32) (*space.Space, error) {
	e.mu.RLock()
	sp, ok := e.spaces[spaceID]
	e.mu.RUnlock()
	if ok {
		return sp, nil
	}

	sp, err := e.openSpace(ctx, spaceID)
	if err != nil {
		return nil, err
	}
	if err := e.appendSpaceRegistry(ctx, spaceID); err != nil {
		return nil, err
	}
	return sp, nil
}

// recoverSpace reconstructs every table the space's manifest knows
// about and replays its WAL tail, per spec.md §4.9 steps 2-3. Entries
// with sequence <= last_flushed_sequence are already represented in an
// SST and are skipped.
func (e *Engine) recoverSpace(ctx context.Context, sp *space.Space) error {
	ids, err := sp.Manifest().LoadAllTableIDs(ctx)
	if err != nil {
		return err
	}
	for _, pair := range ids {
		tableID := pair[1]
		region := tableRegion(tableID)
		shard := tabledata.ShardInfo{ShardID: 0, Role: tabledata.RoleLeader}

		td, err := sp.OpenTable(ctx, tableID, options.DefaultTableOptions(), region, shard)
		if err != nil {
			return err
		}
		if err := e.replayWAL(ctx, td, region); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) replayWAL(ctx context.Context, td *Table, region uint64) error {
	lastFlushed := td.LastFlushedSequence()
	req := walmgr.ReadBatchRequest{
		RegionID:  region,
		Start:     lastFlushed + 1,
		End:       0,
		BatchSize: e.replayBatchSize(),
	}
	it, err := e.wal.ReadBatch(ctx, req)
	if err != nil {
		return err
	}
	for {
		entries, ok := it.Next()
		if !ok {
			break
		}
		td.ApplyWALEntries(ctx, entries)
	}
	return nil
}

func (e *Engine) replayBatchSize() int {
	if e.opts.ReplayBatchSize > 0 {
		return e.opts.ReplayBatchSize
	}
	return 500
}

// CreateTable allocates TableId's storage and registers a brand-new
// table, per spec.md §4.8's create_table(req) → TableRef.
func (e *Engine) CreateTable(ctx context.Context, req CreateTableRequest) (*Table, error) {
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return nil, errs.New(errs.InvalidInput, "engine", "engine is closed")
	}

	sp, err := e.ensureSpace(ctx, req.SpaceID)
	if err != nil {
		return nil, err
	}
	region := tableRegion(req.TableID)
	shard := tabledata.ShardInfo{ShardID: req.ShardID, Role: req.Role}
	return sp.CreateTable(ctx, req.TableID, req.Name, req.Schema, req.Options, region, shard)
}

// OpenTable reconstructs a previously created table and replays its WAL
// tail, returning (nil, false-flavored error) if it was never created
// or has been dropped.
func (e *Engine) OpenTable(ctx context.Context, req OpenTableRequest) (*Table, error) {
	sp, err := e.ensureSpace(ctx, req.SpaceID)
	if err != nil {
		return nil, err
	}
	region := tableRegion(req.TableID)
	shard := tabledata.ShardInfo{ShardID: req.ShardID, Role: req.Role}
	td, err := sp.OpenTable(ctx, req.TableID, req.Options, region, shard)
	if err != nil {
		return nil, err
	}
	if err := e.replayWAL(ctx, td, region); err != nil {
		return nil, err
	}
	return td, nil
}

// Table returns an already-open table, if any.
func (e *Engine) Table(spaceID uint32, tableID uint64) (*Table, bool) {
	e.mu.RLock()
	sp, ok := e.spaces[spaceID]
	e.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return sp.Table(tableID)
}

// DropTable marks a table dropped and enqueues its files for deletion.
// Reports whether the table existed, per spec.md §4.8's drop_table(req)
// → bool contract.
func (e *Engine) DropTable(ctx context.Context, spaceID uint32, tableID uint64) (bool, error) {
	e.mu.RLock()
	sp, ok := e.spaces[spaceID]
	e.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if _, ok := sp.Table(tableID); !ok {
		return false, nil
	}
	if err := sp.DropTable(ctx, tableID); err != nil {
		return false, err
	}
	return true, nil
}

// AlterSchema alters an open table's schema under its serial executor,
// per spec.md §4.4. preSchemaVersion must equal the table's current
// schema version or the call fails with InvalidInput (scenario S5).
func (e *Engine) AlterSchema(ctx context.Context, spaceID uint32, tableID uint64, sc *schema.Schema, preSchemaVersion uint32) error {
	e.mu.RLock()
	sp, ok := e.spaces[spaceID]
	e.mu.RUnlock()
	if !ok {
		return errs.New(errs.InvalidInput, "engine", "space %d not open", spaceID)
	}
	return sp.AlterSchema(ctx, tableID, sc, preSchemaVersion)
}

// AlterOptions alters an open table's options under its serial executor,
// per spec.md §4.4.
func (e *Engine) AlterOptions(ctx context.Context, spaceID uint32, tableID uint64, opts options.TableOptions, preOptionsVersion uint64) error {
	e.mu.RLock()
	sp, ok := e.spaces[spaceID]
	e.mu.RUnlock()
	if !ok {
		return errs.New(errs.InvalidInput, "engine", "space %d not open", spaceID)
	}
	return sp.AlterOptions(ctx, tableID, opts, preOptionsVersion)
}

// CloseTable flushes a table best-effort and releases its in-memory
// handle, leaving its durable state intact for a later OpenTable.
func (e *Engine) CloseTable(ctx context.Context, spaceID uint32, tableID uint64) {
	e.mu.RLock()
	sp, ok := e.spaces[spaceID]
	e.mu.RUnlock()
	if ok {
		sp.CloseTable(ctx, tableID)
	}
}

// CheckWriteBuffers runs the engine-wide half of spec.md §5's
// memory-pressure monitor: across every space, find the one using the
// most memtable memory and, if the engine or that space is over its
// write_buffer_size budget, force a flush of its most-loaded table.
// Callers typically invoke this after every write or on a timer; it is
// a no-op when both budgets are disabled (size 0).
func (e *Engine) CheckWriteBuffers(ctx context.Context) {
	e.mu.RLock()
	spaces := make([]*space.Space, 0, len(e.spaces))
	for _, sp := range e.spaces {
		spaces = append(spaces, sp)
	}
	e.mu.RUnlock()

	for _, sp := range spaces {
		sp.CheckAndForceFlush(ctx)
	}

	if e.opts.DBWriteBufferSize <= 0 {
		return
	}
	var total int64
	var worstSpace *space.Space
	var worstUsage int64
	for _, sp := range spaces {
		usage := sp.WriteBufferUsage()
		total += usage
		if worstSpace == nil || usage > worstUsage {
			worstSpace = sp
			worstUsage = usage
		}
	}
	if total < e.opts.DBWriteBufferSize || worstSpace == nil {
		return
	}
	td, usage := worstSpace.MostLoadedTable()
	if td != nil && usage > 0 {
		td.ForceFlush(ctx, false)
	}
}

// Close shuts down the engine: every open table is flushed best-effort
// and released, per spec.md §4.8's close() contract. It does not delete
// any durable state; a later Open recovers everything closed here.
func (e *Engine) Close(ctx context.Context) {
	testutil.SP(testutil.SPEngineClose)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	spaces := make([]*space.Space, 0, len(e.spaces))
	for _, sp := range e.spaces {
		spaces = append(spaces, sp)
	}
	e.mu.Unlock()

	for _, sp := range spaces {
		for _, td := range sp.Tables() {
			td.Close(ctx)
		}
	}

	testutil.SP(testutil.SPEngineCloseComplete)
}
