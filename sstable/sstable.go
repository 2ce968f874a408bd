// Package sstable implements CityHall's immutable, sorted, on-disk table
// file: snappy-compressed, prefix-key-compressed data blocks, a membership
// filter, and a sparse index, framed by a fixed-size header and footer
// (spec.md §3, §4.3). Grounded on the teacher's lsm/sstable package for the
// overall write/read shape (data blocks, summary/sparse index, filter,
// binary search down to a block, then linear scan) but collapsed from the
// teacher's multi-component-file layout into the single-file format
// spec.md describes, and compressed with github.com/golang/snappy per the
// domain-stack wiring in SPEC_FULL.md.
package sstable

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"cityhall/bloomfilter"
	"cityhall/cache"
	"cityhall/crc"
	"cityhall/record"

	"github.com/golang/snappy"
)

const (
	magic         = "CTYHALL1"
	headerSize    = 64
	footerSize    = 64
	formatVersion = uint32(1)
)

// ErrNotFound is returned by Get when the key is absent from this table.
var ErrNotFound = errors.New("sstable: key not found")

// ErrCorrupt is returned when header/footer/index/filter validation fails.
var ErrCorrupt = errors.New("sstable: corrupt file")

// indexEntry is one sparse-index record: the first key of a data block and
// that block's file offset, per the SparseStepIndex sampling in
// config.Config. Blocks are self-framed (each prefixed with its own
// length), so a lookup that lands on a non-indexed block can keep
// scanning forward without needing its own index entry.
type indexEntry struct {
	key    []byte
	offset uint64
}

// BlockCacheKey identifies one decoded data block by the file it came from
// and that block's offset within the file, per SPEC_FULL.md's supplemented
// block cache (grounded on the teacher's lsm/block_manager.go +
// lsm/lru_cache).
type BlockCacheKey struct {
	Path   string
	Offset uint64
}

type cachedBlock struct {
	recs []*record.Record
	next uint64
}

// BlockCache caches decoded blocks across every open Table sharing it, so a
// hot block is only decompressed once regardless of how many tables'
// readers ask for it. Sized from config.Config.Cache.BlockCacheEntries.
type BlockCache = cache.LRU[BlockCacheKey, cachedBlock]

// NewBlockCache creates a block cache with the given entry capacity. A
// capacity of zero disables caching.
func NewBlockCache(capacity uint32) *BlockCache {
	return cache.New[BlockCacheKey, cachedBlock](capacity)
}

// Write encodes recs (sorted ascending, one entry per key) into a new
// sorted-table file at path. blockTarget is the uncompressed-byte target
// per data block; sparseStep is the number of blocks per sparse index
// entry (1 = index every block).
func Write(path string, recs []*record.Record, blockTarget uint64, sparseStep uint64, falsePositiveRate float64) error {
	if sparseStep == 0 {
		sparseStep = 1
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("sstable: creating %s: %w", path, err)
	}
	defer f.Close()

	filter := bloomfilter.New(len(recs), falsePositiveRate)
	for _, r := range recs {
		filter.Add(r.Key)
	}

	header := make([]byte, headerSize)
	copy(header, magic)
	binary.LittleEndian.PutUint32(header[8:], formatVersion)
	if _, err := f.Write(header); err != nil {
		return err
	}

	var (
		indexEntries []indexEntry
		offset       = uint64(headerSize)
		batch        []*record.Record
		batchBytes   uint64
		blockNum     uint64
	)

	flushBlock := func() error {
		if len(batch) == 0 {
			return nil
		}
		raw := encodeBlock(batch)
		compressed := snappy.Encode(nil, raw)
		// Frame: len_prefix u32 | crc32 u32 | compressed. The length
		// prefix makes every block self-delimiting on disk, so a scan
		// that starts at a sparse index entry can walk forward through
		// blocks the index skipped over.
		inner := make([]byte, 4+len(compressed))
		crc.PutChecksum(inner[:4], compressed)
		copy(inner[4:], compressed)
		frame := make([]byte, 4+len(inner))
		binary.LittleEndian.PutUint32(frame[:4], uint32(len(inner)))
		copy(frame[4:], inner)

		if blockNum%sparseStep == 0 {
			key := append([]byte(nil), batch[0].Key...)
			indexEntries = append(indexEntries, indexEntry{key: key, offset: offset})
		}

		if _, err := f.Write(frame); err != nil {
			return err
		}
		offset += uint64(len(frame))
		blockNum++
		batch = batch[:0]
		batchBytes = 0
		return nil
	}

	for _, r := range recs {
		batch = append(batch, r)
		batchBytes += uint64(len(r.Key) + len(r.Value) + 15)
		if batchBytes >= blockTarget {
			if err := flushBlock(); err != nil {
				return err
			}
		}
	}
	if err := flushBlock(); err != nil {
		return err
	}

	filterOffset := offset
	filterBytes := filter.Serialize()
	if _, err := f.Write(filterBytes); err != nil {
		return err
	}
	offset += uint64(len(filterBytes))

	indexOffset := offset
	indexBytes := serializeIndex(indexEntries)
	if _, err := f.Write(indexBytes); err != nil {
		return err
	}
	offset += uint64(len(indexBytes))

	footer := make([]byte, footerSize)
	binary.LittleEndian.PutUint64(footer[0:], indexOffset)
	binary.LittleEndian.PutUint64(footer[8:], uint64(len(indexBytes)))
	binary.LittleEndian.PutUint64(footer[16:], filterOffset)
	binary.LittleEndian.PutUint64(footer[24:], uint64(len(filterBytes)))
	binary.LittleEndian.PutUint64(footer[32:], uint64(len(recs)))
	binary.LittleEndian.PutUint64(footer[40:], blockNum)
	crc.PutChecksum(footer[48:52], footer[:48])
	copy(footer[56:], magic)
	if _, err := f.Write(footer); err != nil {
		return err
	}

	return f.Sync()
}

func serializeIndex(entries []indexEntry) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(len(entries)))
	for _, e := range entries {
		rec := make([]byte, 2+len(e.key)+8)
		off := 0
		binary.LittleEndian.PutUint16(rec[off:], uint16(len(e.key)))
		off += 2
		copy(rec[off:], e.key)
		off += len(e.key)
		binary.LittleEndian.PutUint64(rec[off:], e.offset)
		buf = append(buf, rec...)
	}
	return buf
}

func deserializeIndex(data []byte) ([]indexEntry, error) {
	if len(data) < 4 {
		return nil, ErrCorrupt
	}
	count := binary.LittleEndian.Uint32(data)
	offset := 4
	entries := make([]indexEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		if offset+2 > len(data) {
			return nil, ErrCorrupt
		}
		keyLen := int(binary.LittleEndian.Uint16(data[offset:]))
		offset += 2
		if offset+keyLen+8 > len(data) {
			return nil, ErrCorrupt
		}
		key := make([]byte, keyLen)
		copy(key, data[offset:offset+keyLen])
		offset += keyLen
		blockOffset := binary.LittleEndian.Uint64(data[offset:])
		offset += 8
		entries = append(entries, indexEntry{key: key, offset: blockOffset})
	}
	return entries, nil
}

// Table is an opened, read-only sorted-table file. The engine keeps
// copy-on-write snapshots of []*Table around without holding its own lock
// across a read, so a Table guards its own file handle: Close blocks until
// any read in flight against it (Get/readBlockAt) has finished, rather than
// yanking the fd out from under a concurrent reader once compaction has
// replaced this table in the engine's table set.
type Table struct {
	mu      sync.RWMutex
	path    string
	file    *os.File
	filter  *bloomfilter.Filter
	index   []indexEntry
	entries uint64
	blocks  uint64
	dataEnd uint64 // end of the data-block region (start of the filter)
	cache   *BlockCache
}

// SetBlockCache attaches a shared block cache to an already-open table.
// Callers that don't care about caching (tests, one-off tooling) can keep
// calling Open without it.
func (t *Table) SetBlockCache(c *BlockCache) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cache = c
}

// Open validates the header/footer and loads the filter and sparse index
// into memory, per spec.md §4.3's "validated on open" requirement.
func Open(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	header := make([]byte, headerSize)
	if _, err := f.ReadAt(header, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("sstable: reading header: %w", err)
	}
	if !bytes.Equal(header[:len(magic)], []byte(magic)) {
		f.Close()
		return nil, ErrCorrupt
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.Size() < headerSize+footerSize {
		f.Close()
		return nil, ErrCorrupt
	}

	footer := make([]byte, footerSize)
	if _, err := f.ReadAt(footer, info.Size()-footerSize); err != nil {
		f.Close()
		return nil, fmt.Errorf("sstable: reading footer: %w", err)
	}
	if !bytes.Equal(footer[56:56+len(magic)], []byte(magic)) {
		f.Close()
		return nil, ErrCorrupt
	}
	if err := crc.Check(footer[48:52], footer[:48]); err != nil {
		f.Close()
		return nil, fmt.Errorf("sstable: footer checksum: %w", ErrCorrupt)
	}

	indexOffset := binary.LittleEndian.Uint64(footer[0:])
	indexLen := binary.LittleEndian.Uint64(footer[8:])
	filterOffset := binary.LittleEndian.Uint64(footer[16:])
	filterLen := binary.LittleEndian.Uint64(footer[24:])
	entryCount := binary.LittleEndian.Uint64(footer[32:])
	blockCount := binary.LittleEndian.Uint64(footer[40:])

	filterBytes := make([]byte, filterLen)
	if _, err := f.ReadAt(filterBytes, int64(filterOffset)); err != nil {
		f.Close()
		return nil, fmt.Errorf("sstable: reading filter: %w", err)
	}
	filter, err := bloomfilter.Deserialize(filterBytes)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("sstable: %s: %w", err, ErrCorrupt)
	}

	indexBytes := make([]byte, indexLen)
	if _, err := f.ReadAt(indexBytes, int64(indexOffset)); err != nil {
		f.Close()
		return nil, fmt.Errorf("sstable: reading index: %w", err)
	}
	index, err := deserializeIndex(indexBytes)
	if err != nil {
		f.Close()
		return nil, err
	}

	return &Table{path: path, file: f, filter: filter, index: index, entries: entryCount, blocks: blockCount, dataEnd: filterOffset}, nil
}

// Path returns the table's file path.
func (t *Table) Path() string { return t.path }

// EntryCount returns the number of records written to the table.
func (t *Table) EntryCount() uint64 { return t.entries }

// SizeBytes returns the table file's on-disk size, for the disk_usage
// gauge (spec.md §4.9).
func (t *Table) SizeBytes() (uint64, error) {
	info, err := os.Stat(t.path)
	if err != nil {
		return 0, err
	}
	return uint64(info.Size()), nil
}

// Close releases the underlying file handle, waiting for any read in
// flight against this table to finish first.
func (t *Table) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.file.Close()
}

// Get returns the record stored for key, or ErrNotFound. A bloom-filter
// miss is the fast path spec.md §4.4/§8 S2 calls for: no block is read.
//
// The sparse index only names every SparseStepIndex-th block, so the
// block located by the binary search below may be several blocks before
// the one that actually holds key: Get walks forward block by block
// (each self-framed on disk) until it finds a block whose range covers
// key, or passes it.
func (t *Table) Get(key []byte) (*record.Record, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if !t.filter.MayContain(key) {
		return nil, ErrNotFound
	}

	blockIdx := sort.Search(len(t.index), func(i int) bool {
		return bytes.Compare(t.index[i].key, key) > 0
	}) - 1
	if blockIdx < 0 {
		return nil, ErrNotFound
	}

	offset := t.index[blockIdx].offset
	for offset < t.dataEnd {
		recs, next, err := t.readBlockAt(offset)
		if err != nil {
			return nil, err
		}
		if len(recs) == 0 {
			offset = next
			continue
		}
		if bytes.Compare(recs[len(recs)-1].Key, key) < 0 {
			offset = next
			continue
		}
		i := sort.Search(len(recs), func(i int) bool {
			return bytes.Compare(recs[i].Key, key) >= 0
		})
		if i < len(recs) && bytes.Equal(recs[i].Key, key) {
			return recs[i], nil
		}
		return nil, ErrNotFound
	}
	return nil, ErrNotFound
}

// readBlockAt reads the self-framed block starting at offset, returning
// its records and the offset of the next block. Callers must hold t.mu
// (for reading, at least) so a concurrent Close cannot close the file
// handle mid-read.
func (t *Table) readBlockAt(offset uint64) ([]*record.Record, uint64, error) {
	var key BlockCacheKey
	if t.cache != nil {
		key = BlockCacheKey{Path: t.path, Offset: offset}
		if cb, err := t.cache.Get(key); err == nil {
			return cb.recs, cb.next, nil
		}
	}

	lenPrefix := make([]byte, 4)
	if _, err := t.file.ReadAt(lenPrefix, int64(offset)); err != nil {
		return nil, 0, fmt.Errorf("sstable: reading block frame: %w", err)
	}
	innerLen := binary.LittleEndian.Uint32(lenPrefix)
	inner := make([]byte, innerLen)
	if _, err := t.file.ReadAt(inner, int64(offset)+4); err != nil {
		return nil, 0, fmt.Errorf("sstable: reading block: %w", err)
	}
	if len(inner) < 4 {
		return nil, 0, fmt.Errorf("sstable: %w", ErrCorrupt)
	}
	compressed := inner[4:]
	if err := crc.Check(inner[:4], compressed); err != nil {
		return nil, 0, fmt.Errorf("sstable: block checksum: %w", ErrCorrupt)
	}
	raw, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, 0, fmt.Errorf("sstable: decompressing block: %w", err)
	}
	recs, err := decodeBlock(raw)
	if err != nil {
		return nil, 0, err
	}
	next := offset + 4 + uint64(innerLen)
	if t.cache != nil {
		t.cache.Put(key, cachedBlock{recs: recs, next: next})
	}
	return recs, next, nil
}

// Iterator scans every record in the table in ascending key order, for
// full scans and compaction's k-way merge. It walks the self-framed data
// blocks directly rather than through the sparse index, since the index
// only names a subset of blocks.
type Iterator struct {
	table  *Table
	offset uint64
	recs   []*record.Record
	pos    int
	err    error
}

// NewIterator returns an Iterator positioned before the first record.
func (t *Table) NewIterator() *Iterator {
	return &Iterator{table: t, offset: headerSize, pos: -1}
}

// Next advances the iterator, loading the next block on demand. It
// returns false at end of table or on error (check Err).
func (it *Iterator) Next() bool {
	if it.err != nil {
		return false
	}
	for {
		it.pos++
		if it.pos < len(it.recs) {
			return true
		}
		if it.offset >= it.table.dataEnd {
			return false
		}
		it.table.mu.RLock()
		recs, next, err := it.table.readBlockAt(it.offset)
		it.table.mu.RUnlock()
		if err != nil {
			it.err = err
			return false
		}
		it.recs = recs
		it.pos = -1
		it.offset = next
	}
}

// Record returns the record at the iterator's current position.
func (it *Iterator) Record() *record.Record { return it.recs[it.pos] }

// Err returns any error encountered while iterating.
func (it *Iterator) Err() error { return it.err }
