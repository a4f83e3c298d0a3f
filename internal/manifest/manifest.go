package manifest

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"sync"

	"github.com/horaedb/analytic-engine/internal/checksum"
	"github.com/horaedb/analytic-engine/internal/errs"
	"github.com/horaedb/analytic-engine/internal/objectstore"
	"github.com/horaedb/analytic-engine/internal/schema"
	"github.com/horaedb/analytic-engine/internal/testutil"
)

const currentObject = "MANIFEST/CURRENT"

// TableState is a table's manifest-derived state: the accumulated effect
// of replaying every MetaEdit recorded for its (space_id, table_id).
type TableState struct {
	SpaceID             uint64
	TableID             uint64
	TableName           string
	Schema              *schema.Schema
	OptionsBlob         []byte
	Files               map[uint64]*FileMeta
	LastSequence        uint64
	LastFlushedSequence uint64
	Dropped             bool
}

func newTableState(spaceID, tableID uint64) *TableState {
	return &TableState{SpaceID: spaceID, TableID: tableID, Files: make(map[uint64]*FileMeta)}
}

func (t *TableState) apply(e *MetaEdit) {
	switch e.Kind {
	case EditAddTable:
		t.TableName = e.TableName
		t.Schema = e.Schema
	case EditAlterSchema:
		t.Schema = e.Schema
	case EditAlterOptions:
		t.OptionsBlob = e.OptionsBlob
	case EditAddFile:
		t.Files[e.NewFile.ID] = e.NewFile
	case EditRemoveFiles:
		for _, id := range e.RemovedFileIDs {
			delete(t.Files, id)
		}
	case EditVersion:
		t.LastSequence = e.LastSequence
		t.LastFlushedSequence = e.LastFlushedSequence
	case EditDropTable:
		t.Dropped = true
	}
}

// Manifest is the durable log of MetaEdits for every table in a space,
// backed by one growing object plus a snapshot mechanism, mirroring the
// teacher's MANIFEST-log-plus-CURRENT-pointer durability protocol:
// updates are appended as framed records; do_snapshot rewrites a compact
// log containing only live state and atomically repoints CURRENT at it.
type Manifest struct {
	store objectstore.Store
	dir   string

	mu        sync.Mutex
	activeLog string
	nextLogID uint64
}

// Open locates (or creates) the active manifest log under dir.
func Open(ctx context.Context, store objectstore.Store, dir string) (*Manifest, error) {
	testutil.SP(testutil.SPManifestRecoverStart)
	m := &Manifest{store: store, dir: dir}

	currentPath := dir + "/" + currentObject
	if head, err := store.Head(ctx, currentPath); err == nil && head.Size > 0 {
		data, err := store.GetRange(ctx, currentPath, 0, head.Size)
		if err != nil {
			return nil, errs.Wrap(errs.TransientIO, "manifest", err, "read CURRENT")
		}
		m.activeLog = string(data)
		// Resume log numbering after the active log, so the next snapshot
		// never reuses (and then deletes) the log CURRENT points at.
		_, _ = fmt.Sscanf(strings.TrimPrefix(m.activeLog, dir+"/MANIFEST/"), "%d.log", &m.nextLogID)
	} else {
		m.activeLog = m.logPath(1)
		m.nextLogID = 1
		if err := store.Put(ctx, currentPath, []byte(m.activeLog)); err != nil {
			return nil, errs.Wrap(errs.TransientIO, "manifest", err, "init CURRENT")
		}
	}
	testutil.SP(testutil.SPManifestRecoverDone)
	return m, nil
}

func (m *Manifest) logPath(id uint64) string {
	return fmt.Sprintf("%s/MANIFEST/%020d.log", m.dir, id)
}

// StoreUpdate durably appends edit to the active log.
func (m *Manifest) StoreUpdate(ctx context.Context, edit *MetaEdit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	testutil.SP(testutil.SPManifestLogAndApply)
	record := frameRecord(edit.Encode())

	existing, err := m.readActiveLog(ctx)
	if err != nil {
		return err
	}
	if err := m.store.Put(ctx, m.activeLog, append(existing, record...)); err != nil {
		return errs.Wrap(errs.TransientIO, "manifest", err, "append manifest record")
	}
	testutil.SP(testutil.SPManifestLogAndApplyDone)
	return nil
}

func (m *Manifest) readActiveLog(ctx context.Context) ([]byte, error) {
	head, err := m.store.Head(ctx, m.activeLog)
	if err != nil {
		return nil, nil // log not created yet
	}
	data, err := m.store.GetRange(ctx, m.activeLog, 0, head.Size)
	if err != nil {
		return nil, errs.Wrap(errs.TransientIO, "manifest", err, "read manifest log")
	}
	return data, nil
}

// LoadData replays every record in the active log, returning the
// accumulated TableState for (spaceID, tableID), or nil if the table was
// never added.
func (m *Manifest) LoadData(ctx context.Context, spaceID, tableID uint64) (*TableState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := m.readActiveLog(ctx)
	if err != nil {
		return nil, err
	}

	var state *TableState
	for len(data) > 0 {
		payload, rest, err := unframeRecord(data)
		if err != nil {
			return nil, err
		}
		data = rest

		edit, err := DecodeMetaEdit(payload)
		if err != nil {
			return nil, err
		}
		if edit.SpaceID != spaceID || edit.TableID != tableID {
			continue
		}
		if state == nil {
			state = newTableState(spaceID, tableID)
		}
		state.apply(edit)
	}
	return state, nil
}

// LoadAllTableIDs returns the (spaceID, tableID) pairs with at least one
// AddTable record in the log that was never followed by DropTable,
// supporting engine-wide table recovery on open.
func (m *Manifest) LoadAllTableIDs(ctx context.Context) ([][2]uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := m.readActiveLog(ctx)
	if err != nil {
		return nil, err
	}

	seen := map[[2]uint64]bool{}
	for len(data) > 0 {
		payload, rest, err := unframeRecord(data)
		if err != nil {
			return nil, err
		}
		data = rest

		edit, err := DecodeMetaEdit(payload)
		if err != nil {
			return nil, err
		}
		key := [2]uint64{edit.SpaceID, edit.TableID}
		switch edit.Kind {
		case EditAddTable:
			seen[key] = true
		case EditDropTable:
			delete(seen, key)
		}
	}

	ids := make([][2]uint64, 0, len(seen))
	for k := range seen {
		ids = append(ids, k)
	}
	return ids, nil
}

// DoSnapshot rewrites the active log to contain only a minimal edit
// sequence reconstructing every table's current state, then atomically
// repoints CURRENT at it. A snapshot is space-wide rather than per-table
// because every table in a space shares one log; the caller (typically
// the space on a size/count trigger) passes the full set of live tables
// it wants preserved, and any table not included is treated as dropped
// by the next recovery.
func (m *Manifest) DoSnapshot(ctx context.Context, states []*TableState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	testutil.SP(testutil.SPManifestSnapshotStart)
	testutil.MaybeKill(testutil.KPManifestSnapshot0)

	var buf []byte
	for _, state := range states {
		edits := []*MetaEdit{
			{SpaceID: state.SpaceID, TableID: state.TableID, Kind: EditAddTable, TableName: state.TableName, Schema: state.Schema},
		}
		if len(state.OptionsBlob) > 0 {
			edits = append(edits, &MetaEdit{SpaceID: state.SpaceID, TableID: state.TableID, Kind: EditAlterOptions, OptionsBlob: state.OptionsBlob})
		}
		for _, f := range state.Files {
			edits = append(edits, &MetaEdit{SpaceID: state.SpaceID, TableID: state.TableID, Kind: EditAddFile, NewFile: f})
		}
		edits = append(edits, &MetaEdit{
			SpaceID: state.SpaceID, TableID: state.TableID, Kind: EditVersion,
			LastSequence: state.LastSequence, LastFlushedSequence: state.LastFlushedSequence,
		})
		for _, e := range edits {
			buf = append(buf, frameRecord(e.Encode())...)
		}
	}

	m.nextLogID++
	newLog := m.logPath(m.nextLogID)
	if err := m.store.Put(ctx, newLog, buf); err != nil {
		return errs.Wrap(errs.TransientIO, "manifest", err, "write snapshot log")
	}

	currentPath := m.dir + "/" + currentObject
	if err := m.store.Put(ctx, currentPath, []byte(newLog)); err != nil {
		return errs.Wrap(errs.TransientIO, "manifest", err, "repoint CURRENT")
	}
	oldLog := m.activeLog
	m.activeLog = newLog

	testutil.MaybeKill(testutil.KPManifestSnapshot1)
	_ = m.store.Delete(ctx, oldLog) // best-effort; a dangling old log is harmless, just wasted space
	testutil.SP(testutil.SPManifestSnapshotDone)
	return nil
}

func frameRecord(payload []byte) []byte {
	buf := make([]byte, 0, len(payload)+8)
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, payload...)
	sum := checksum.ComputeChecksum(checksum.TypeCRC32C, payload, 0)
	var sumBuf [4]byte
	binary.LittleEndian.PutUint32(sumBuf[:], sum)
	buf = append(buf, sumBuf[:]...)
	return buf
}

func unframeRecord(data []byte) (payload []byte, rest []byte, err error) {
	if len(data) < 8 {
		return nil, nil, errs.New(errs.Corruption, "manifest", "truncated record header")
	}
	length := binary.LittleEndian.Uint32(data[0:4])
	if uint64(len(data)-8) < uint64(length) {
		return nil, nil, errs.New(errs.Corruption, "manifest", "truncated record payload")
	}
	payload = data[4 : 4+length]
	wantSum := binary.LittleEndian.Uint32(data[4+length : 8+length])
	gotSum := checksum.ComputeChecksum(checksum.TypeCRC32C, payload, 0)
	if gotSum != wantSum {
		return nil, nil, errs.New(errs.Corruption, "manifest", "record checksum mismatch")
	}
	return payload, data[8+length:], nil
}
