// Package record defines the on-disk and in-memory representation of a
// single CityHall key-value entry, shared by the WAL, memtable, and
// sorted-table packages.
package record

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"math"
)

// Op identifies the kind of mutation a record represents.
type Op byte

const (
	OpPut    Op = 1
	OpDelete Op = 2
)

// Limits from spec.md §3: key <= 65535 bytes, value <= ~4GiB.
const (
	MaxKeyLen   = math.MaxUint16
	MaxValueLen = math.MaxUint32
)

var (
	// ErrKeyTooLarge is returned when a key exceeds MaxKeyLen.
	ErrKeyTooLarge = errors.New("record: key exceeds maximum length")
	// ErrValueTooLarge is returned when a value exceeds MaxValueLen.
	ErrValueTooLarge = errors.New("record: value exceeds maximum length")
	// ErrCorrupt is returned by Decode when a CRC or length check fails.
	ErrCorrupt = errors.New("record: corrupt encoding")
)

// Record is a single logical mutation: a Put carries a value, a Delete is a
// tombstone with an empty value.
type Record struct {
	Key       []byte
	Value     []byte
	Timestamp uint64 // microseconds since epoch
	Op        Op
}

// NewPut builds a Put record with the given timestamp.
func NewPut(key, value []byte, ts uint64) *Record {
	return &Record{Key: key, Value: value, Timestamp: ts, Op: OpPut}
}

// NewDelete builds a tombstone record with the given timestamp.
func NewDelete(key []byte, ts uint64) *Record {
	return &Record{Key: key, Timestamp: ts, Op: OpDelete}
}

// IsTombstone reports whether the record marks its key as deleted.
func (r *Record) IsTombstone() bool {
	return r.Op == OpDelete
}

// Validate enforces the key/value size limits from spec.md §3.
func (r *Record) Validate() error {
	if len(r.Key) > MaxKeyLen {
		return ErrKeyTooLarge
	}
	if len(r.Value) > MaxValueLen {
		return ErrValueTooLarge
	}
	return nil
}

// EncodedLen returns the length in bytes of Encode's output.
func (r *Record) EncodedLen() int {
	return wireHeaderSize + len(r.Key) + len(r.Value)
}

// Wire format (little-endian), per spec.md §4.1:
//
//	crc32 (4) | payload_len u16 (2) | op u8 (1) | timestamp u64 (8)
//	| key_len u16 (2) | key bytes | value_len u32 (4) | value bytes
//
// CRC covers everything after the crc32 field.
const (
	crcSize        = 4
	payloadLenSize = 2
	opSize         = 1
	tsSize         = 8
	keyLenSize     = 2
	valueLenSize   = 4
	wireHeaderSize = crcSize + payloadLenSize + opSize + tsSize + keyLenSize + valueLenSize
)

// Encode serializes the record into the WAL/replication wire format.
func (r *Record) Encode() ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	buf := make([]byte, r.EncodedLen())
	payloadLen := uint16(opSize + tsSize + keyLenSize + len(r.Key) + valueLenSize + len(r.Value))

	binary.LittleEndian.PutUint16(buf[crcSize:], payloadLen)
	buf[crcSize+payloadLenSize] = byte(r.Op)
	binary.LittleEndian.PutUint64(buf[crcSize+payloadLenSize+opSize:], r.Timestamp)
	binary.LittleEndian.PutUint16(buf[crcSize+payloadLenSize+opSize+tsSize:], uint16(len(r.Key)))
	copy(buf[wireHeaderSize:], r.Key)
	binary.LittleEndian.PutUint32(buf[wireHeaderSize+len(r.Key):], uint32(len(r.Value)))
	copy(buf[wireHeaderSize+len(r.Key)+valueLenSize:], r.Value)

	crc := crc32.ChecksumIEEE(buf[crcSize:])
	binary.LittleEndian.PutUint32(buf[:crcSize], crc)
	return buf, nil
}

// Decode reconstructs a Record from Encode's wire format, returning the
// number of bytes consumed. ErrCorrupt signals a CRC mismatch or a length
// field that runs past the end of data; callers (WAL recovery, replication
// decoding) treat this as "stop here, the rest is a torn write."
func Decode(data []byte) (*Record, int, error) {
	if len(data) < wireHeaderSize {
		return nil, 0, ErrCorrupt
	}
	storedCRC := binary.LittleEndian.Uint32(data[:crcSize])
	payloadLen := binary.LittleEndian.Uint16(data[crcSize:])
	total := crcSize + int(payloadLen)
	if total > len(data) || int(payloadLen) < opSize+tsSize+keyLenSize+valueLenSize {
		return nil, 0, ErrCorrupt
	}
	if crc32.ChecksumIEEE(data[crcSize:total]) != storedCRC {
		return nil, 0, ErrCorrupt
	}

	op := Op(data[crcSize+payloadLenSize])
	ts := binary.LittleEndian.Uint64(data[crcSize+payloadLenSize+opSize:])
	keyLen := binary.LittleEndian.Uint16(data[crcSize+payloadLenSize+opSize+tsSize:])

	keyStart := wireHeaderSize
	keyEnd := keyStart + int(keyLen)
	if keyEnd+valueLenSize > total {
		return nil, 0, ErrCorrupt
	}
	valueLen := binary.LittleEndian.Uint32(data[keyEnd:])
	valueStart := keyEnd + valueLenSize
	valueEnd := valueStart + int(valueLen)
	if valueEnd > total {
		return nil, 0, ErrCorrupt
	}

	key := make([]byte, keyLen)
	copy(key, data[keyStart:keyEnd])
	var value []byte
	if valueLen > 0 {
		value = make([]byte, valueLen)
		copy(value, data[valueStart:valueEnd])
	}

	return &Record{Key: key, Value: value, Timestamp: ts, Op: op}, total, nil
}
