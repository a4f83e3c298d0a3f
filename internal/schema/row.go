package schema

import (
	"encoding/binary"
	"math"

	"github.com/horaedb/analytic-engine/internal/errs"
)

// Datum is a single typed value. Exactly one of the typed fields is valid,
// selected by Type; nil rows use Type == Null.
type Datum struct {
	Type  DataType
	Num   uint64 // holds integer/float/timestamp/boolean values, bit-reinterpreted
	Bytes []byte // holds String/Varbinary payload
}

// NullDatum returns a null value for the given type.
func NullDatum(t DataType) Datum { return Datum{Type: Null, Num: 0, Bytes: nil} }

func (d Datum) IsNull() bool { return d.Type == Null }

func DatumFromInt64(v int64) Datum    { return Datum{Type: Int64, Num: uint64(v)} }
func DatumFromUint64(v uint64) Datum  { return Datum{Type: UInt64, Num: v} }
func DatumFromTimestamp(v int64) Datum { return Datum{Type: Timestamp, Num: uint64(v)} }
func DatumFromDouble(v float64) Datum { return Datum{Type: Double, Num: math.Float64bits(v)} }
func DatumFromString(v string) Datum  { return Datum{Type: String, Bytes: []byte(v)} }
func DatumFromBool(v bool) Datum {
	if v {
		return Datum{Type: Boolean, Num: 1}
	}
	return Datum{Type: Boolean, Num: 0}
}

func (d Datum) AsInt64() int64     { return int64(d.Num) }
func (d Datum) AsUint64() uint64   { return d.Num }
func (d Datum) AsDouble() float64  { return math.Float64frombits(d.Num) }
func (d Datum) AsBool() bool       { return d.Num != 0 }
func (d Datum) AsBytes() []byte    { return d.Bytes }
func (d Datum) AsTimestamp() int64 { return int64(d.Num) }

// Row is a single decoded row: one Datum per schema column, in column order.
type Row struct {
	Values []Datum
}

// PrimaryKeyBytes encodes the row's primary-key columns into a single
// comparable byte string, used as the first component of a memtable key.
// Fixed-width columns are encoded big-endian (for correct lexicographic
// ordering); variable-width columns are length-prefixed.
func (r Row) PrimaryKeyBytes(s *Schema) []byte {
	var buf []byte
	for _, idx := range s.PrimaryKey {
		buf = appendOrderedDatum(buf, r.Values[idx])
	}
	return buf
}

// Timestamp returns the row's timestamp-column value.
func (r Row) Timestamp(s *Schema) int64 {
	return r.Values[s.TimestampIdx].AsTimestamp()
}

func appendOrderedDatum(dst []byte, d Datum) []byte {
	switch d.Type {
	case String, Varbinary:
		var lb [4]byte
		binary.BigEndian.PutUint32(lb[:], uint32(len(d.Bytes)))
		dst = append(dst, lb[:]...)
		dst = append(dst, d.Bytes...)
	case Double, Float:
		// Flip sign bit / invert for correct big-endian float ordering.
		bits := d.Num
		if d.Type == Float {
			bits = math.Float64bits(float64(math.Float32frombits(uint32(bits))))
		}
		if int64(bits) < 0 {
			bits = ^bits
		} else {
			bits |= 1 << 63
		}
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], bits)
		dst = append(dst, b[:]...)
	default:
		// Integers/timestamp/boolean: bias to unsigned so two's-complement
		// negative values still sort correctly, big-endian.
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], d.Num^(1<<63))
		dst = append(dst, b[:]...)
	}
	return dst
}

// EncodeRow serializes a row into the engine's row wire format: a fixed
// header of per-column null-bitset bits followed by fixed-width values
// inline, and variable-width values appended to a tail, each referenced
// from the header by a u32 tail offset and a u32 length. This mirrors the teacher's
// length-prefixed-slice idiom in internal/encoding, generalized to a
// multi-column row instead of a single key/value pair.
func EncodeRow(s *Schema, r Row) ([]byte, error) {
	if len(r.Values) != len(s.Columns) {
		return nil, errs.New(errs.InvalidInput, "schema", "row has %d values, schema has %d columns", len(r.Values), len(s.Columns))
	}
	nullBitsetLen := (len(s.Columns) + 7) / 8
	var fixed []byte
	var tail []byte
	bitset := make([]byte, nullBitsetLen)

	for i, c := range s.Columns {
		v := r.Values[i]
		if v.IsNull() {
			if !c.Nullable {
				return nil, errs.New(errs.InvalidInput, "schema", "column %q is not nullable", c.Name)
			}
			bitset[i/8] |= 1 << uint(i%8)
			if c.DataType.IsFixedWidth() {
				fixed = append(fixed, make([]byte, c.DataType.FixedWidth())...)
			} else {
				fixed = binary.LittleEndian.AppendUint32(fixed, uint32(len(tail)))
				fixed = binary.LittleEndian.AppendUint32(fixed, 0)
			}
			continue
		}
		if c.DataType.IsFixedWidth() {
			var b [8]byte
			binary.LittleEndian.PutUint64(b[:], v.Num)
			fixed = append(fixed, b[:c.DataType.FixedWidth()]...)
		} else {
			if len(v.Bytes) > MaxStringLen {
				return nil, errs.New(errs.InvalidInput, "schema", "column %q value exceeds max string length", c.Name)
			}
			fixed = binary.LittleEndian.AppendUint32(fixed, uint32(len(tail)))
			fixed = binary.LittleEndian.AppendUint32(fixed, uint32(len(v.Bytes)))
			tail = append(tail, v.Bytes...)
		}
	}

	out := make([]byte, 0, nullBitsetLen+len(fixed)+len(tail))
	out = append(out, bitset...)
	out = append(out, fixed...)
	out = append(out, tail...)
	if len(out) > MaxRowLen {
		return nil, errs.New(errs.InvalidInput, "schema", "encoded row exceeds max row length")
	}
	return out, nil
}

// DecodeRow parses a row previously written by EncodeRow.
func DecodeRow(s *Schema, data []byte) (Row, error) {
	nullBitsetLen := (len(s.Columns) + 7) / 8
	if len(data) < nullBitsetLen {
		return Row{}, errs.New(errs.Corruption, "schema", "row too short for null bitset")
	}
	bitset := data[:nullBitsetLen]
	off := nullBitsetLen

	type fixedSlot struct {
		isNull bool
		raw    []byte
	}
	fixedWidths := make([]int, len(s.Columns))
	var tailStart int
	for i, c := range s.Columns {
		if c.DataType.IsFixedWidth() {
			fixedWidths[i] = c.DataType.FixedWidth()
		} else {
			fixedWidths[i] = 8 // offset+length, u32 each
		}
	}

	values := make([]Datum, len(s.Columns))
	fixedBase := off
	for i, c := range s.Columns {
		w := fixedWidths[i]
		if off+w > len(data) {
			return Row{}, errs.New(errs.Corruption, "schema", "row truncated at column %q", c.Name)
		}
		raw := data[off : off+w]
		off += w
		isNull := bitset[i/8]&(1<<uint(i%8)) != 0
		if isNull {
			values[i] = NullDatum(c.DataType)
			continue
		}
		if c.DataType.IsFixedWidth() {
			var buf [8]byte
			copy(buf[:], raw)
			values[i] = Datum{Type: c.DataType, Num: binary.LittleEndian.Uint64(buf[:])}
		} else {
			values[i] = Datum{Type: c.DataType} // resolved below once tail is known
		}
	}
	tailStart = off
	_ = fixedBase

	// Second pass to resolve variable-width payloads against the tail.
	off = nullBitsetLen
	for i, c := range s.Columns {
		w := fixedWidths[i]
		if !c.DataType.IsFixedWidth() {
			raw := data[off : off+w]
			valOff := binary.LittleEndian.Uint32(raw[0:4])
			valLen := binary.LittleEndian.Uint32(raw[4:8])
			start := tailStart + int(valOff)
			end := start + int(valLen)
			if values[i].IsNull() {
				off += w
				continue
			}
			if start < tailStart || end > len(data) || end < start {
				return Row{}, errs.New(errs.Corruption, "schema", "row tail out of range for column %q", c.Name)
			}
			values[i] = Datum{Type: c.DataType, Bytes: data[start:end]}
		}
		off += w
	}

	return Row{Values: values}, nil
}
