// alter.go implements AlterSchema and AlterOptions, the two serialized
// table-mutation operations spec.md §4.4 lists alongside write/drop.
//
// Grounded on the teacher's... there is no direct teacher analogue
// (rockyardkv has no schema), so this is grounded instead on
// original_source/analytic_engine/src/instance/alter.rs's
// validate_before_alter / process_alter_schema_command /
// process_alter_options_command: flush any pending writes under the old
// definition first, check the caller's pre-version against the table's
// current version, then append a WAL record before the manifest record
// (so a crash between the two is recoverable from the WAL tail) and
// finally update the in-memory copy.
package tabledata

import (
	"context"

	"github.com/horaedb/analytic-engine/internal/encoding"
	"github.com/horaedb/analytic-engine/internal/errs"
	"github.com/horaedb/analytic-engine/internal/manifest"
	"github.com/horaedb/analytic-engine/internal/memtable"
	"github.com/horaedb/analytic-engine/internal/options"
	"github.com/horaedb/analytic-engine/internal/schema"
	"github.com/horaedb/analytic-engine/internal/testutil"
	"github.com/horaedb/analytic-engine/internal/walmgr"
)

// AlterSchema validates and applies a schema change, per spec.md §4.4 and
// scenarios S4/S5. newSchema must be a superset-compatible evolution of
// the table's current schema (schema.Schema.CompatibleWith) with a
// strictly higher Version, and preSchemaVersion must equal the table's
// current schema version exactly — a stale caller fails with
// InvalidInput rather than silently clobbering a newer concurrent alter.
func (td *TableData) AlterSchema(ctx context.Context, newSchema *schema.Schema, preSchemaVersion uint32) error {
	release := td.serial.Acquire()
	defer release()

	testutil.SP(testutil.SPAlterSchemaStart)

	if td.IsDropped() {
		return errs.New(errs.InvalidInput, "tabledata", "table %d is dropped", td.TableID)
	}

	td.mu.RLock()
	current := td.schema
	td.mu.RUnlock()

	if current.Version >= newSchema.Version {
		return errs.New(errs.InvalidInput, "tabledata", "table %d: alter schema requires a version greater than the current %d, got %d", td.TableID, current.Version, newSchema.Version)
	}
	if current.Version != preSchemaVersion {
		return errs.New(errs.InvalidInput, "tabledata", "table %d: invalid pre_schema_version %d (current %d)", td.TableID, preSchemaVersion, current.Version)
	}
	if err := current.CompatibleWith(newSchema); err != nil {
		return err
	}

	// Flush every WAL entry written under the old schema before recording
	// the alter, so nothing in an unflushed memtable ever needs decoding
	// with a schema other than the one it was written with.
	if err := td.flushAllLocked(ctx); err != nil {
		return err
	}

	payload := encodeWalPayload(walOpAlterSchema, newSchema.Encode(nil))
	if _, err := td.wal.Write(ctx, walmgr.WriteBatch{RegionID: td.region, Payloads: [][]byte{payload}}); err != nil {
		return errs.Wrap(errs.TransientIO, "tabledata", err, "append AlterSchema WAL for table %d", td.TableID)
	}

	if err := td.vs.LogAndApply(ctx, &manifest.MetaEdit{Kind: manifest.EditAlterSchema, Schema: newSchema}); err != nil {
		return err
	}

	td.mu.Lock()
	td.schema = newSchema
	td.mu.Unlock()

	testutil.SP(testutil.SPAlterSchemaComplete)
	return nil
}

// AlterOptions validates and applies an options change. Unlike
// AlterSchema this needs no pre-flush: table options only affect future
// writes and flushes, never how an already-memtable-resident row is
// decoded. preOptionsVersion is checked the same way schema's
// pre_schema_version is, generalized from the schema case since the
// upstream source takes no version at all for options alter.
func (td *TableData) AlterOptions(ctx context.Context, newOpts options.TableOptions, preOptionsVersion uint64) error {
	release := td.serial.Acquire()
	defer release()

	testutil.SP(testutil.SPAlterOptionsStart)

	if td.IsDropped() {
		return errs.New(errs.InvalidInput, "tabledata", "table %d is dropped", td.TableID)
	}

	td.mu.RLock()
	current := td.optionsVersion
	td.mu.RUnlock()
	if current != preOptionsVersion {
		return errs.New(errs.InvalidInput, "tabledata", "table %d: invalid pre_options_version %d (current %d)", td.TableID, preOptionsVersion, current)
	}

	nextVersion := current + 1
	blob := options.EncodeVersionedOptions(nextVersion, newOpts)

	payload := encodeWalPayload(walOpAlterOptions, blob)
	if _, err := td.wal.Write(ctx, walmgr.WriteBatch{RegionID: td.region, Payloads: [][]byte{payload}}); err != nil {
		return errs.Wrap(errs.TransientIO, "tabledata", err, "append AlterOptions WAL for table %d", td.TableID)
	}

	if err := td.vs.LogAndApply(ctx, &manifest.MetaEdit{Kind: manifest.EditAlterOptions, OptionsBlob: blob}); err != nil {
		return err
	}

	td.mu.Lock()
	td.opts = newOpts
	td.optionsVersion = nextVersion
	td.mu.Unlock()

	testutil.SP(testutil.SPAlterOptionsComplete)
	return nil
}

// ReplayAlterSchema re-applies a WAL-tail AlterSchema entry during
// recovery, per spec.md §4.9 step 4. The manifest's copy is authoritative:
// if it already reflects a version at or past newSchema, the WAL entry
// only describes work the original manifest write already durably
// finished, and replay is a no-op. Otherwise the crash landed between the
// WAL append and the manifest append, and replay redrives the manifest
// write from the WAL copy.
func (td *TableData) ReplayAlterSchema(ctx context.Context, newSchema *schema.Schema) {
	td.mu.RLock()
	current := td.schema
	td.mu.RUnlock()
	if current != nil && newSchema.Version <= current.Version {
		return
	}
	if err := td.vs.LogAndApply(ctx, &manifest.MetaEdit{Kind: manifest.EditAlterSchema, Schema: newSchema}); err != nil {
		return // best-effort; a subsequent crash before the next manifest write retries this same replay
	}
	td.mu.Lock()
	td.schema = newSchema
	td.mu.Unlock()
}

// ReplayAlterOptions is ReplayAlterSchema's counterpart for AlterOptions.
func (td *TableData) ReplayAlterOptions(ctx context.Context, version uint64, newOpts options.TableOptions) {
	td.mu.RLock()
	current := td.optionsVersion
	td.mu.RUnlock()
	if version <= current {
		return
	}
	blob := options.EncodeVersionedOptions(version, newOpts)
	if err := td.vs.LogAndApply(ctx, &manifest.MetaEdit{Kind: manifest.EditAlterOptions, OptionsBlob: blob}); err != nil {
		return
	}
	td.mu.Lock()
	td.opts = newOpts
	td.optionsVersion = version
	td.mu.Unlock()
}

// ApplyWALEntries replays one batch of WAL-tail entries read back for this
// table during recovery, per spec.md §4.9 step 4. It lives here rather than
// in the engine's recovery loop because only this package knows the WAL
// op-kind tag encodeWalPayload/decodeWalPayload use to tell a row write
// apart from an AlterSchema/AlterOptions record within the same region.
//
// A row entry is decoded against the schema version in effect at that point
// in the WAL tail, not the table's final schema: an AlterSchema entry
// updates the tracked schema for every entry that follows it in the same
// batch, mirroring how the live write path would have seen the alter take
// effect before any later write.
func (td *TableData) ApplyWALEntries(ctx context.Context, entries []walmgr.WalEntry) {
	td.mu.RLock()
	cur := td.schema
	td.mu.RUnlock()

	for _, e := range entries {
		kind, body, err := decodeWalPayload(e.Payload)
		if err != nil {
			continue // corrupt WAL tail entry; best-effort replay per spec.md §4.9
		}
		switch kind {
		case walOpRow:
			row, err := schema.DecodeRow(cur, body)
			if err != nil {
				continue
			}
			td.ReplayWAL(memtable.SequenceNumber(e.Sequence), row)
		case walOpAlterSchema:
			newSchema, err := schema.Decode(encoding.NewSlice(body))
			if err != nil {
				continue
			}
			td.ReplayAlterSchema(ctx, newSchema)
			cur = newSchema
		case walOpAlterOptions:
			version, opts, err := options.DecodeVersionedOptions(body)
			if err != nil {
				continue
			}
			td.ReplayAlterOptions(ctx, version, opts)
		}
	}
}
