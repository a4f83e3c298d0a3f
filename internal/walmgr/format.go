// Package walmgr implements the append-only, region-partitioned write-ahead
// log every table's writes go through before reaching a memtable.
//
// Grounded on the teacher's internal/wal (format.go/reader.go/writer.go):
// the CRC-checked, length-prefixed physical record framing is kept, but
// generalized from RocksDB's single fixed-size-block log file (with
// fragment spanning across 32KB blocks) to a flat, per-region sequence of
// framed records stored as one growing internal/objectstore object,
// mirroring the same append-log-plus-sidecar-pointer shape
// internal/manifest already uses for its own durability. What changes is
// the key: RocksDB's WAL has no addressable key space (replay is a pure
// sequential scan); this format prefixes every record with the
// (namespace, region_id, sequence) triple spec.md §4.1 requires so a
// region's records remain independently identifiable even though several
// regions' local-backend logs never actually interleave in one object.
package walmgr

import (
	"encoding/binary"

	"github.com/horaedb/analytic-engine/internal/checksum"
	"github.com/horaedb/analytic-engine/internal/encoding"
	"github.com/horaedb/analytic-engine/internal/errs"
)

// SequenceNumber identifies one WAL entry's position within a region.
type SequenceNumber = uint64

// namespace tags the kind of a framed record, per spec.md §4.1's encoding
// note: "(namespace=1B, region_id=u64, sequence=u64, version=1B) |
// (version=1B, payload_bytes)".
type namespace uint8

const (
	namespaceData namespace = 1
)

const currentEntryVersion uint8 = 1

// entry is one decoded WAL record.
type entry struct {
	RegionID uint64
	Sequence SequenceNumber
	Payload  []byte
}

// encodeEntry serializes one data record and wraps it in a checksummed,
// length-prefixed frame, exactly as internal/manifest frames MetaEdits.
func encodeEntry(regionID uint64, seq SequenceNumber, payload []byte) []byte {
	var body []byte
	body = append(body, byte(namespaceData))
	var regionBuf [8]byte
	binary.BigEndian.PutUint64(regionBuf[:], regionID)
	body = append(body, regionBuf[:]...)
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], seq)
	body = append(body, seqBuf[:]...)
	body = append(body, currentEntryVersion)
	body = encoding.AppendLengthPrefixedSlice(body, payload)
	return frameRecord(body)
}

// decodeEntry parses one record body previously produced by encodeEntry.
func decodeEntry(body []byte) (*entry, error) {
	if len(body) < 1+8+8+1 {
		return nil, errs.New(errs.Corruption, "walmgr", "truncated entry header")
	}
	ns := namespace(body[0])
	if ns != namespaceData {
		return nil, errs.New(errs.Corruption, "walmgr", "unexpected namespace %d", ns)
	}
	regionID := binary.BigEndian.Uint64(body[1:9])
	seq := binary.BigEndian.Uint64(body[9:17])
	version := body[17]
	if version != currentEntryVersion {
		return nil, errs.New(errs.Corruption, "walmgr", "unsupported entry version %d", version)
	}
	s := encoding.NewSlice(body[18:])
	payload, ok := s.GetLengthPrefixedSlice()
	if !ok {
		return nil, errs.New(errs.Corruption, "walmgr", "truncated entry payload")
	}
	return &entry{RegionID: regionID, Sequence: seq, Payload: payload}, nil
}

// frameRecord and unframeRecord wrap/unwrap a record body with a 4-byte
// little-endian length and a CRC32C checksum, matching
// internal/manifest's record framing so both logs share one on-disk
// idiom for "one engine-durable append-only stream".
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
		return nil, nil, errs.New(errs.Corruption, "walmgr", "truncated record header")
	}
	length := binary.LittleEndian.Uint32(data[0:4])
	if uint64(len(data)-8) < uint64(length) {
		return nil, nil, errs.New(errs.Corruption, "walmgr", "truncated record payload")
	}
	payload = data[4 : 4+length]
	wantSum := binary.LittleEndian.Uint32(data[4+length : 8+length])
	gotSum := checksum.ComputeChecksum(checksum.TypeCRC32C, payload, 0)
	if gotSum != wantSum {
		return nil, nil, errs.New(errs.Corruption, "walmgr", "record checksum mismatch")
	}
	return payload, data[8+length:], nil
}

// decodeAllEntries replays every framed record in a region log object.
func decodeAllEntries(data []byte) ([]*entry, error) {
	var out []*entry
	for len(data) > 0 {
		body, rest, err := unframeRecord(data)
		if err != nil {
			return nil, err
		}
		data = rest
		e, err := decodeEntry(body)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}
