package sstable

import (
	"encoding/binary"
	"fmt"

	"cityhall/record"
)

// encodeBlock serializes recs (already sorted by key) into a single
// uncompressed data block using prefix-compressed keys, per spec.md §4.3:
// each entry after the first stores only the suffix beyond the common
// prefix shared with the previous key.
//
// Entry layout: shared_len u16 | suffix_len u16 | suffix | op u8 |
// timestamp u64 | value_len u32 | value
func encodeBlock(recs []*record.Record) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(len(recs)))

	var prevKey []byte
	for _, rec := range recs {
		shared := commonPrefixLen(prevKey, rec.Key)
		suffix := rec.Key[shared:]

		entry := make([]byte, 2+2+len(suffix)+1+8+4+len(rec.Value))
		off := 0
		binary.LittleEndian.PutUint16(entry[off:], uint16(shared))
		off += 2
		binary.LittleEndian.PutUint16(entry[off:], uint16(len(suffix)))
		off += 2
		copy(entry[off:], suffix)
		off += len(suffix)
		entry[off] = byte(rec.Op)
		off++
		binary.LittleEndian.PutUint64(entry[off:], rec.Timestamp)
		off += 8
		binary.LittleEndian.PutUint32(entry[off:], uint32(len(rec.Value)))
		off += 4
		copy(entry[off:], rec.Value)

		buf = append(buf, entry...)
		prevKey = rec.Key
	}
	return buf
}

// decodeBlock reverses encodeBlock.
func decodeBlock(data []byte) ([]*record.Record, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("sstable: block too short")
	}
	count := binary.LittleEndian.Uint32(data)
	offset := 4

	recs := make([]*record.Record, 0, count)
	var prevKey []byte
	for i := uint32(0); i < count; i++ {
		if offset+4 > len(data) {
			return nil, fmt.Errorf("sstable: truncated block entry header")
		}
		shared := int(binary.LittleEndian.Uint16(data[offset:]))
		suffixLen := int(binary.LittleEndian.Uint16(data[offset+2:]))
		offset += 4

		if offset+suffixLen > len(data) || shared > len(prevKey) {
			return nil, fmt.Errorf("sstable: corrupt block entry")
		}
		key := make([]byte, shared+suffixLen)
		copy(key, prevKey[:shared])
		copy(key[shared:], data[offset:offset+suffixLen])
		offset += suffixLen

		if offset+1+8+4 > len(data) {
			return nil, fmt.Errorf("sstable: truncated block entry tail")
		}
		op := record.Op(data[offset])
		offset++
		ts := binary.LittleEndian.Uint64(data[offset:])
		offset += 8
		valueLen := int(binary.LittleEndian.Uint32(data[offset:]))
		offset += 4
		if offset+valueLen > len(data) {
			return nil, fmt.Errorf("sstable: truncated block entry value")
		}
		var value []byte
		if valueLen > 0 {
			value = make([]byte, valueLen)
			copy(value, data[offset:offset+valueLen])
		}
		offset += valueLen

		recs = append(recs, &record.Record{Key: key, Value: value, Timestamp: ts, Op: op})
		prevKey = key
	}
	return recs, nil
}

func commonPrefixLen(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}
