// Package manifest implements the durable record of every table's schema,
// options, and live SST set: a MetaEdit log plus periodic snapshotting.
//
// Grounded on the teacher's version_edit.go: the tag-prefixed,
// varint-length-framed record encoding and the log-plus-snapshot recovery
// shape are kept. What changes is scope — RocksDB's VersionEdit describes
// one shared LSM-tree's state (column families, file levels, log
// numbers); a MetaEdit instead always names the (space_id, table_id) pair
// it applies to, because this engine keeps one independent file set per
// table rather than one shared keyspace.
package manifest

import (
	"errors"

	"github.com/horaedb/analytic-engine/internal/compression"
	"github.com/horaedb/analytic-engine/internal/encoding"
	"github.com/horaedb/analytic-engine/internal/errs"
	"github.com/horaedb/analytic-engine/internal/schema"
)

// EditKind identifies the shape of a MetaEdit's payload.
type EditKind uint8

const (
	EditAddTable EditKind = iota + 1
	EditDropTable
	EditAlterSchema
	EditAlterOptions
	EditAddFile
	EditRemoveFiles
	EditVersion
)

func (k EditKind) String() string {
	switch k {
	case EditAddTable:
		return "AddTable"
	case EditDropTable:
		return "DropTable"
	case EditAlterSchema:
		return "AlterSchema"
	case EditAlterOptions:
		return "AlterOptions"
	case EditAddFile:
		return "AddFile"
	case EditRemoveFiles:
		return "RemoveFiles"
	case EditVersion:
		return "VersionEdit"
	default:
		return "Unknown"
	}
}

// FileMeta describes one SST file tracked in a table's manifest state. It
// mirrors internal/sstfile.MetaData's pruning-relevant fields without
// importing that package, since the manifest only needs to reference
// files by path and range, not read them.
type FileMeta struct {
	ID            uint64
	Level         int
	Path          string
	MinKey        []byte
	MaxKey        []byte
	MinTS         int64
	MaxTS         int64
	MaxSequence   uint64
	SizeBytes     uint64
	RowNum        uint64
	StorageFormat uint8
	Compression   compression.Type
}

// MetaEdit is one durable change to a single table's manifest state.
type MetaEdit struct {
	SpaceID uint64
	TableID uint64
	Kind    EditKind

	// EditAddTable / EditAlterSchema
	TableName string
	Schema    *schema.Schema

	// EditAlterOptions: opaque, engine-defined option blob (internal/options
	// structs are flat and self-describing enough to round-trip as bytes
	// without this package importing internal/options).
	OptionsBlob []byte

	// EditAddFile
	NewFile *FileMeta

	// EditRemoveFiles
	RemovedFileIDs []uint64
	RemovedLevel   int

	// EditVersion
	LastSequence        uint64
	LastFlushedSequence uint64
}

var errTruncated = errors.New("manifest: truncated record")

// Encode serializes the edit as a tag-prefixed record.
func (e *MetaEdit) Encode() []byte {
	var dst []byte
	dst = encoding.AppendVarint64(dst, e.SpaceID)
	dst = encoding.AppendVarint64(dst, e.TableID)
	dst = append(dst, byte(e.Kind))

	switch e.Kind {
	case EditAddTable:
		dst = encoding.AppendLengthPrefixedSlice(dst, []byte(e.TableName))
		dst = encoding.AppendLengthPrefixedSlice(dst, e.Schema.Encode(nil))
	case EditAlterSchema:
		dst = encoding.AppendLengthPrefixedSlice(dst, e.Schema.Encode(nil))
	case EditAlterOptions:
		dst = encoding.AppendLengthPrefixedSlice(dst, e.OptionsBlob)
	case EditAddFile:
		dst = encodeFileMeta(dst, e.NewFile)
	case EditRemoveFiles:
		dst = encoding.AppendVarint32(dst, uint32(e.RemovedLevel))
		dst = encoding.AppendVarint64(dst, uint64(len(e.RemovedFileIDs)))
		for _, id := range e.RemovedFileIDs {
			dst = encoding.AppendVarint64(dst, id)
		}
	case EditVersion:
		dst = encoding.AppendVarint64(dst, e.LastSequence)
		dst = encoding.AppendVarint64(dst, e.LastFlushedSequence)
	case EditDropTable:
		// No payload.
	}
	return dst
}

func encodeFileMeta(dst []byte, f *FileMeta) []byte {
	dst = encoding.AppendVarint64(dst, f.ID)
	dst = encoding.AppendVarint32(dst, uint32(f.Level))
	dst = encoding.AppendLengthPrefixedSlice(dst, []byte(f.Path))
	dst = encoding.AppendLengthPrefixedSlice(dst, f.MinKey)
	dst = encoding.AppendLengthPrefixedSlice(dst, f.MaxKey)
	dst = encoding.AppendVarsignedint64(dst, f.MinTS)
	dst = encoding.AppendVarsignedint64(dst, f.MaxTS)
	dst = encoding.AppendVarint64(dst, f.MaxSequence)
	dst = encoding.AppendVarint64(dst, f.SizeBytes)
	dst = encoding.AppendVarint64(dst, f.RowNum)
	dst = append(dst, f.StorageFormat, byte(f.Compression))
	return dst
}

// DecodeMetaEdit decodes one record previously produced by Encode.
func DecodeMetaEdit(data []byte) (*MetaEdit, error) {
	s := encoding.NewSlice(data)
	e := &MetaEdit{}

	var ok bool
	if e.SpaceID, ok = s.GetVarint64(); !ok {
		return nil, errs.Wrap(errs.Corruption, "manifest", errTruncated, "space_id")
	}
	if e.TableID, ok = s.GetVarint64(); !ok {
		return nil, errs.Wrap(errs.Corruption, "manifest", errTruncated, "table_id")
	}
	kindByte, ok := s.GetBytes(1)
	if !ok {
		return nil, errs.Wrap(errs.Corruption, "manifest", errTruncated, "kind")
	}
	e.Kind = EditKind(kindByte[0])

	switch e.Kind {
	case EditAddTable:
		name, ok := s.GetLengthPrefixedSlice()
		if !ok {
			return nil, errs.Wrap(errs.Corruption, "manifest", errTruncated, "table_name")
		}
		e.TableName = string(name)
		schemaBytes, ok := s.GetLengthPrefixedSlice()
		if !ok {
			return nil, errs.Wrap(errs.Corruption, "manifest", errTruncated, "schema")
		}
		sc, err := schema.Decode(encoding.NewSlice(schemaBytes))
		if err != nil {
			return nil, err
		}
		e.Schema = sc
	case EditAlterSchema:
		schemaBytes, ok := s.GetLengthPrefixedSlice()
		if !ok {
			return nil, errs.Wrap(errs.Corruption, "manifest", errTruncated, "schema")
		}
		sc, err := schema.Decode(encoding.NewSlice(schemaBytes))
		if err != nil {
			return nil, err
		}
		e.Schema = sc
	case EditAlterOptions:
		blob, ok := s.GetLengthPrefixedSlice()
		if !ok {
			return nil, errs.Wrap(errs.Corruption, "manifest", errTruncated, "options")
		}
		e.OptionsBlob = blob
	case EditAddFile:
		f, err := decodeFileMeta(s)
		if err != nil {
			return nil, err
		}
		e.NewFile = f
	case EditRemoveFiles:
		level, ok := s.GetVarint32()
		if !ok {
			return nil, errs.Wrap(errs.Corruption, "manifest", errTruncated, "level")
		}
		e.RemovedLevel = int(level)
		n, ok := s.GetVarint64()
		if !ok {
			return nil, errs.Wrap(errs.Corruption, "manifest", errTruncated, "file count")
		}
		e.RemovedFileIDs = make([]uint64, n)
		for i := range e.RemovedFileIDs {
			id, ok := s.GetVarint64()
			if !ok {
				return nil, errs.Wrap(errs.Corruption, "manifest", errTruncated, "file id")
			}
			e.RemovedFileIDs[i] = id
		}
	case EditVersion:
		lastSeq, ok := s.GetVarint64()
		if !ok {
			return nil, errs.Wrap(errs.Corruption, "manifest", errTruncated, "last_sequence")
		}
		e.LastSequence = lastSeq
		lastFlushed, ok := s.GetVarint64()
		if !ok {
			return nil, errs.Wrap(errs.Corruption, "manifest", errTruncated, "last_flushed_sequence")
		}
		e.LastFlushedSequence = lastFlushed
	case EditDropTable:
		// No payload.
	default:
		return nil, errs.New(errs.Corruption, "manifest", "unknown edit kind %d", e.Kind)
	}
	return e, nil
}

func decodeFileMeta(s *encoding.Slice) (*FileMeta, error) {
	f := &FileMeta{}
	var ok bool
	if f.ID, ok = s.GetVarint64(); !ok {
		return nil, errs.Wrap(errs.Corruption, "manifest", errTruncated, "file id")
	}
	level, ok := s.GetVarint32()
	if !ok {
		return nil, errs.Wrap(errs.Corruption, "manifest", errTruncated, "level")
	}
	f.Level = int(level)
	path, ok := s.GetLengthPrefixedSlice()
	if !ok {
		return nil, errs.Wrap(errs.Corruption, "manifest", errTruncated, "path")
	}
	f.Path = string(path)
	if f.MinKey, ok = s.GetLengthPrefixedSlice(); !ok {
		return nil, errs.Wrap(errs.Corruption, "manifest", errTruncated, "min_key")
	}
	if f.MaxKey, ok = s.GetLengthPrefixedSlice(); !ok {
		return nil, errs.Wrap(errs.Corruption, "manifest", errTruncated, "max_key")
	}
	minTS, ok := s.GetVarsignedint64()
	if !ok {
		return nil, errs.Wrap(errs.Corruption, "manifest", errTruncated, "min_ts")
	}
	f.MinTS = minTS
	maxTS, ok := s.GetVarsignedint64()
	if !ok {
		return nil, errs.Wrap(errs.Corruption, "manifest", errTruncated, "max_ts")
	}
	f.MaxTS = maxTS
	if f.MaxSequence, ok = s.GetVarint64(); !ok {
		return nil, errs.Wrap(errs.Corruption, "manifest", errTruncated, "max_sequence")
	}
	if f.SizeBytes, ok = s.GetVarint64(); !ok {
		return nil, errs.Wrap(errs.Corruption, "manifest", errTruncated, "size_bytes")
	}
	if f.RowNum, ok = s.GetVarint64(); !ok {
		return nil, errs.Wrap(errs.Corruption, "manifest", errTruncated, "row_num")
	}
	rest, ok := s.GetBytes(2)
	if !ok {
		return nil, errs.Wrap(errs.Corruption, "manifest", errTruncated, "format/compression")
	}
	f.StorageFormat = rest[0]
	f.Compression = compression.Type(rest[1])
	return f, nil
}
