// Package schema defines the engine's typed columnar row model: DataType,
// Column, Schema, and the Datum/Row encodings that flow through the
// memtable, WAL, and SST layers.
//
// Reference: teacher's internal/manifest FileMetaData for the idea of a
// small self-describing struct set with explicit encode/decode helpers;
// the column/row shape itself is grounded on analytic_engine's
// common_types crate (Schema, RowGroup) per original_source/common_types.
package schema

import (
	"fmt"

	"github.com/horaedb/analytic-engine/internal/encoding"
	"github.com/horaedb/analytic-engine/internal/errs"
)

// DataType enumerates the column types a table's schema may use.
type DataType uint8

const (
	Null DataType = iota
	Timestamp
	Double
	Float
	Varbinary
	String
	UInt64
	UInt32
	UInt16
	UInt8
	Int64
	Int32
	Int16
	Int8
	Boolean
	Date
	Time
)

func (t DataType) String() string {
	switch t {
	case Null:
		return "Null"
	case Timestamp:
		return "Timestamp"
	case Double:
		return "Double"
	case Float:
		return "Float"
	case Varbinary:
		return "Varbinary"
	case String:
		return "String"
	case UInt64:
		return "UInt64"
	case UInt32:
		return "UInt32"
	case UInt16:
		return "UInt16"
	case UInt8:
		return "UInt8"
	case Int64:
		return "Int64"
	case Int32:
		return "Int32"
	case Int16:
		return "Int16"
	case Int8:
		return "Int8"
	case Boolean:
		return "Boolean"
	case Date:
		return "Date"
	case Time:
		return "Time"
	default:
		return fmt.Sprintf("DataType(%d)", t)
	}
}

// IsFixedWidth reports whether values of this type have a fixed in-memory
// width (as opposed to String/Varbinary, which carry a variable-length
// payload appended after the fixed row header).
func (t DataType) IsFixedWidth() bool {
	switch t {
	case String, Varbinary:
		return false
	default:
		return true
	}
}

// FixedWidth returns the encoded width in bytes for fixed-width types.
// Panics if called on a variable-width type; callers must check
// IsFixedWidth first.
func (t DataType) FixedWidth() int {
	switch t {
	case Timestamp, Double, UInt64, Int64, Date, Time:
		return 8
	case Float, UInt32, Int32:
		return 4
	case UInt16, Int16:
		return 2
	case UInt8, Int8, Boolean:
		return 1
	case Null:
		return 0
	default:
		panic(fmt.Sprintf("schema: FixedWidth called on variable-width type %s", t))
	}
}

// MaxStringLen is the largest encodable length, in bytes, of a single
// String or Varbinary value.
const MaxStringLen = 16 * 1024 * 1024

// MaxRowLen is the largest encodable length, in bytes, of a single encoded
// row (fixed header plus variable-length tail).
const MaxRowLen = 1 << 30

// Column describes one column of a table's schema.
type Column struct {
	ID       uint32
	Name     string
	DataType DataType
	Nullable bool
	IsTag    bool
	Default  []byte // nil if no default; raw encoded Datum bytes otherwise
}

// Schema describes the shape of a table's rows: an ordered column list,
// which column holds the time-series timestamp, which columns form the
// primary key (conventionally the tag columns plus the timestamp column),
// and a monotonically increasing version bumped on every AlterSchema.
type Schema struct {
	Columns      []Column
	TimestampIdx int // index into Columns of the timestamp column
	PrimaryKey   []int // indices into Columns, in key order
	Version      uint32
}

// ColumnByName returns the column with the given name, or false if absent.
func (s *Schema) ColumnByName(name string) (Column, bool) {
	for _, c := range s.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// TimestampColumn returns the schema's designated timestamp column.
func (s *Schema) TimestampColumn() Column {
	return s.Columns[s.TimestampIdx]
}

// Validate checks the schema's internal invariants: at least one column,
// exactly one valid timestamp column of type Timestamp, a non-empty
// primary key, and unique column names/ids.
func (s *Schema) Validate() error {
	if len(s.Columns) == 0 {
		return errs.New(errs.InvalidInput, "schema", "schema has no columns")
	}
	if s.TimestampIdx < 0 || s.TimestampIdx >= len(s.Columns) {
		return errs.New(errs.InvalidInput, "schema", "timestamp index %d out of range", s.TimestampIdx)
	}
	if s.Columns[s.TimestampIdx].DataType != Timestamp {
		return errs.New(errs.InvalidInput, "schema", "timestamp column %q is not of type Timestamp", s.Columns[s.TimestampIdx].Name)
	}
	if len(s.PrimaryKey) == 0 {
		return errs.New(errs.InvalidInput, "schema", "schema has empty primary key")
	}
	seenName := make(map[string]bool, len(s.Columns))
	seenID := make(map[uint32]bool, len(s.Columns))
	for _, c := range s.Columns {
		if seenName[c.Name] {
			return errs.New(errs.InvalidInput, "schema", "duplicate column name %q", c.Name)
		}
		seenName[c.Name] = true
		if seenID[c.ID] {
			return errs.New(errs.InvalidInput, "schema", "duplicate column id %d", c.ID)
		}
		seenID[c.ID] = true
	}
	return nil
}

// CompatibleWith reports whether an AlterSchema from s to next is a valid
// transition: columns may only be appended (never removed or retyped),
// and the primary key / timestamp column must be unchanged.
func (s *Schema) CompatibleWith(next *Schema) error {
	if len(next.Columns) < len(s.Columns) {
		return errs.New(errs.InvalidInput, "schema", "alter schema may not drop columns")
	}
	for i, c := range s.Columns {
		nc := next.Columns[i]
		if c.ID != nc.ID || c.DataType != nc.DataType || c.Name != nc.Name {
			return errs.New(errs.InvalidInput, "schema", "alter schema may not modify existing column %q", c.Name)
		}
	}
	if next.TimestampIdx != s.TimestampIdx {
		return errs.New(errs.InvalidInput, "schema", "alter schema may not change the timestamp column")
	}
	if len(next.PrimaryKey) != len(s.PrimaryKey) {
		return errs.New(errs.InvalidInput, "schema", "alter schema may not change the primary key")
	}
	for i := range s.PrimaryKey {
		if s.PrimaryKey[i] != next.PrimaryKey[i] {
			return errs.New(errs.InvalidInput, "schema", "alter schema may not change the primary key")
		}
	}
	return nil
}

// Encode appends a length-prefixed wire encoding of the schema to dst,
// for embedding in manifest AddTable/AlterSchema edits.
func (s *Schema) Encode(dst []byte) []byte {
	dst = encoding.AppendVarint64(dst, uint64(s.Version))
	dst = encoding.AppendVarint64(dst, uint64(s.TimestampIdx))
	dst = encoding.AppendVarint64(dst, uint64(len(s.PrimaryKey)))
	for _, idx := range s.PrimaryKey {
		dst = encoding.AppendVarint64(dst, uint64(idx))
	}
	dst = encoding.AppendVarint64(dst, uint64(len(s.Columns)))
	for _, c := range s.Columns {
		dst = encoding.AppendVarint64(dst, uint64(c.ID))
		dst = encoding.AppendLengthPrefixedSlice(dst, []byte(c.Name))
		dst = append(dst, byte(c.DataType))
		flags := byte(0)
		if c.Nullable {
			flags |= 1
		}
		if c.IsTag {
			flags |= 2
		}
		dst = append(dst, flags)
		dst = encoding.AppendLengthPrefixedSlice(dst, c.Default)
	}
	return dst
}

// Decode parses a schema previously written by Encode.
func Decode(s *encoding.Slice) (*Schema, error) {
	version, ok := s.GetVarint64()
	if !ok {
		return nil, errs.New(errs.Corruption, "schema", "truncated schema: version")
	}
	tsIdx, ok := s.GetVarint64()
	if !ok {
		return nil, errs.New(errs.Corruption, "schema", "truncated schema: timestamp index")
	}
	pkLen, ok := s.GetVarint64()
	if !ok {
		return nil, errs.New(errs.Corruption, "schema", "truncated schema: primary key length")
	}
	pk := make([]int, pkLen)
	for i := range pk {
		v, ok := s.GetVarint64()
		if !ok {
			return nil, errs.New(errs.Corruption, "schema", "truncated schema: primary key entry")
		}
		pk[i] = int(v)
	}
	numCols, ok := s.GetVarint64()
	if !ok {
		return nil, errs.New(errs.Corruption, "schema", "truncated schema: column count")
	}
	cols := make([]Column, numCols)
	for i := range cols {
		id, ok := s.GetVarint64()
		if !ok {
			return nil, errs.New(errs.Corruption, "schema", "truncated schema: column id")
		}
		name, ok := s.GetLengthPrefixedSlice()
		if !ok {
			return nil, errs.New(errs.Corruption, "schema", "truncated schema: column name")
		}
		dtb, ok := s.GetBytes(1)
		if !ok {
			return nil, errs.New(errs.Corruption, "schema", "truncated schema: column type")
		}
		dt := dtb[0]
		flagsb, ok := s.GetBytes(1)
		if !ok {
			return nil, errs.New(errs.Corruption, "schema", "truncated schema: column flags")
		}
		flags := flagsb[0]
		def, ok := s.GetLengthPrefixedSlice()
		if !ok {
			return nil, errs.New(errs.Corruption, "schema", "truncated schema: column default")
		}
		cols[i] = Column{
			ID:       uint32(id),
			Name:     string(name),
			DataType: DataType(dt),
			Nullable: flags&1 != 0,
			IsTag:    flags&2 != 0,
			Default:  append([]byte(nil), def...),
		}
	}
	return &Schema{
		Columns:      cols,
		TimestampIdx: int(tsIdx),
		PrimaryKey:   pk,
		Version:      uint32(version),
	}, nil
}
