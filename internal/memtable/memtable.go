// Package memtable implements the in-memory sorted buffer each table's
// active and immutable memtables are built from.
//
// Grounded on the teacher's memtable.go, generalized from RocksDB's flat
// user-key+seq+type internal key to spec's (primary_key_bytes, timestamp,
// sequence) key, with row payloads instead of an opaque value plus
// deletion/merge value types (this engine has no deletes or merge
// operators). The underlying SkipList (skiplist.go) is kept unmodified:
// it only ever compares opaque byte strings via the Comparator it is
// constructed with, so the key scheme change is entirely expressed by the
// entry encoding and comparator below.
package memtable

import (
	"encoding/binary"
	"math"
	"sync"
	"sync/atomic"

	"github.com/horaedb/analytic-engine/internal/schema"
)

// SequenceNumber identifies a write's position in a table's WAL region.
type SequenceNumber = uint64

// entry wire format stored in the skip list:
//
//	pkLen(varint32) | primaryKey(pkLen bytes) | timestamp(8, big-endian) |
//	seq(8, big-endian, bit-inverted so higher seq sorts first) |
//	rowLen(varint32) | row(rowLen bytes)
//
// Encoding timestamp and the inverted sequence in big-endian fixed width
// means the skip list's plain byte-wise comparator, extended only to
// decode the pk length prefix, produces exactly the order the spec
// requires: primary key ascending, timestamp ascending, sequence
// descending (newest write for an identical (pk, ts) shadows older ones).
type Table struct {
	skiplist *SkipList

	memoryUsage int64
	rowCount    int64

	// readSeq is the sequence number snapshot readers started after this
	// value was set will never see writes beyond. Set to the table's
	// last_sequence at scan start by the caller; the memtable itself does
	// not track it, so there is no field here - retained as a doc note
	// for Scan's contract.

	mu sync.Mutex // serializes Put; the skip list itself needs none for reads
}

// New creates an empty memtable.
func New() *Table {
	return &Table{skiplist: NewSkipListWithParams(compareEntries, DefaultMaxHeight, DefaultBranchingFactor)}
}

// Put inserts one row. REQUIRES external synchronization equivalent to the
// owning table's serial executor holding "single writer" - the spec's
// put(key_bytes, sequence, row_contiguous_bytes) contract.
func (t *Table) Put(primaryKey []byte, ts int64, seq SequenceNumber, row []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry := encodeEntry(primaryKey, ts, seq, row)
	t.skiplist.Insert(entry)
	atomic.AddInt64(&t.memoryUsage, int64(len(entry)+entryOverhead))
	atomic.AddInt64(&t.rowCount, 1)
}

// entryOverhead approximates per-node skiplist bookkeeping (pointer array
// plus struct header), mirroring the teacher's fixed 64-byte estimate.
const entryOverhead = 64

// MemoryUsage returns the approximate number of bytes held by the memtable.
func (t *Table) MemoryUsage() int64 { return atomic.LoadInt64(&t.memoryUsage) }

// ApproximateRowCount returns the number of Put calls recorded, including
// multiple versions of the same (primary_key, timestamp).
func (t *Table) ApproximateRowCount() int64 { return atomic.LoadInt64(&t.rowCount) }

// Scan returns an iterator over rows whose primary key falls in
// [lowerBound, upperBound) (nil bound = unbounded) and whose sequence is
// <= readSeq, deduplicated so only the newest visible version of each
// (primary_key, timestamp) is yielded. Projection and predicate
// evaluation happen one layer up, against decoded schema.Row values -
// this layer only deals in raw row bytes.
func (t *Table) Scan(lowerBound, upperBound []byte, readSeq SequenceNumber) *ScanIterator {
	it := t.skiplist.NewIterator()
	if lowerBound != nil {
		it.Seek(encodeEntry(lowerBound, math.MinInt64, ^SequenceNumber(0), nil))
	} else {
		it.SeekToFirst()
	}
	return &ScanIterator{it: it, upperBound: upperBound, readSeq: readSeq}
}

// ScanIterator walks the memtable in (primary_key, timestamp) order,
// skipping versions not yet visible at readSeq and superseded versions of
// the same (primary_key, timestamp) pair.
type ScanIterator struct {
	it         *Iterator
	upperBound []byte
	readSeq    SequenceNumber

	valid bool
	pk    []byte
	ts    int64
	seq   SequenceNumber
	row   []byte

	lastPK []byte
	lastTS int64
	haveLast bool
}

// Next advances to the next visible, non-superseded entry. Returns false
// when iteration is exhausted.
func (s *ScanIterator) Next() bool {
	for s.it.Valid() {
		pk, ts, seq, row, ok := decodeEntry(s.it.Key())
		s.it.Next()
		if !ok {
			continue
		}
		if s.upperBound != nil && compareBytes(pk, s.upperBound) >= 0 {
			break
		}
		if seq > s.readSeq {
			continue
		}
		if s.haveLast && compareBytes(pk, s.lastPK) == 0 && ts == s.lastTS {
			// A newer (larger) sequence for this (pk, ts) was already
			// emitted, since entries are ordered seq-descending within
			// an identical (pk, ts) group.
			continue
		}
		s.pk, s.ts, s.seq, s.row = pk, ts, seq, row
		s.lastPK, s.lastTS, s.haveLast = pk, ts, true
		s.valid = true
		return true
	}
	s.valid = false
	return false
}

func (s *ScanIterator) PrimaryKey() []byte      { return s.pk }
func (s *ScanIterator) Timestamp() int64        { return s.ts }
func (s *ScanIterator) Sequence() SequenceNumber { return s.seq }
func (s *ScanIterator) Row() []byte             { return s.row }

// DecodeRow decodes the current row's bytes against the given schema.
func (s *ScanIterator) DecodeRow(sc *schema.Schema) (schema.Row, error) {
	return schema.DecodeRow(sc, s.row)
}

func encodeEntry(pk []byte, ts int64, seq SequenceNumber, row []byte) []byte {
	entry := make([]byte, 0, 5+len(pk)+16+5+len(row))
	entry = appendVarint32(entry, uint32(len(pk)))
	entry = append(entry, pk...)
	var tsb [8]byte
	binary.BigEndian.PutUint64(tsb[:], uint64(ts)^(1<<63))
	entry = append(entry, tsb[:]...)
	var seqb [8]byte
	binary.BigEndian.PutUint64(seqb[:], ^seq) // invert so larger seq sorts first
	entry = append(entry, seqb[:]...)
	entry = appendVarint32(entry, uint32(len(row)))
	entry = append(entry, row...)
	return entry
}

func decodeEntry(entry []byte) (pk []byte, ts int64, seq SequenceNumber, row []byte, ok bool) {
	pkLen, n := decodeVarint32(entry)
	if n <= 0 || int(pkLen) > len(entry)-n {
		return nil, 0, 0, nil, false
	}
	entry = entry[n:]
	pk = entry[:pkLen]
	entry = entry[pkLen:]
	if len(entry) < 16 {
		return nil, 0, 0, nil, false
	}
	ts = int64(binary.BigEndian.Uint64(entry[:8]) ^ (1 << 63))
	seq = ^binary.BigEndian.Uint64(entry[8:16])
	entry = entry[16:]
	rowLen, n := decodeVarint32(entry)
	if n <= 0 || int(rowLen) > len(entry)-n {
		return nil, 0, 0, nil, false
	}
	entry = entry[n:]
	row = entry[:rowLen]
	return pk, ts, seq, row, true
}

// compareEntries compares two raw skip-list entries by decoding their
// (primary_key, timestamp, inverted_sequence) prefix; since timestamp and
// the inverted sequence are fixed-width big-endian, this reduces to
// byte-wise comparison of [pkLen-prefixed-pk | ts | invSeq], which is
// exactly the order the entry encoding already produces up through that
// point, so we fall back to byte comparison once the pk boundary is
// located.
func compareEntries(a, b []byte) int {
	aPK, aRest, aOK := splitKeyPrefix(a)
	bPK, bRest, bOK := splitKeyPrefix(b)
	if !aOK || !bOK {
		return compareBytes(a, b)
	}
	if c := compareBytes(aPK, bPK); c != 0 {
		return c
	}
	// aRest/bRest are [ts(8)|invSeq(8)|...]; compare only those 16 bytes.
	return compareBytes(aRest[:16], bRest[:16])
}

func splitKeyPrefix(entry []byte) (pk []byte, rest []byte, ok bool) {
	pkLen, n := decodeVarint32(entry)
	if n <= 0 || int(pkLen) > len(entry)-n {
		return nil, nil, false
	}
	pk = entry[n : n+int(pkLen)]
	rest = entry[n+int(pkLen):]
	if len(rest) < 16 {
		return nil, nil, false
	}
	return pk, rest, true
}

func compareBytes(a, b []byte) int {
	minLen := len(a)
	if len(b) < minLen {
		minLen = len(b)
	}
	for i := 0; i < minLen; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

func appendVarint32(buf []byte, v uint32) []byte {
	for v >= 0x80 {
		buf = append(buf, byte(v)|0x80)
		v >>= 7
	}
	return append(buf, byte(v))
}

func decodeVarint32(data []byte) (uint32, int) {
	var v uint32
	for i := 0; i < 5 && i < len(data); i++ {
		b := data[i]
		v |= uint32(b&0x7F) << (7 * i)
		if b < 0x80 {
			return v, i + 1
		}
	}
	return 0, 0
}
