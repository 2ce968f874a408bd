// Package memtable implements CityHall's in-memory sorted table: the
// active (mutable) and immutable-pending-flush stages of the LSM write
// path. Grounded on the teacher's lsm/memtable/btree package for the
// ordered-structure shape (sorted keys, in-order drain for flush), but
// rebuilt on a plain slice sorted with sort.Strings rather than a hand-rolled
// B-tree — spec.md does not call for B-tree-specific rebalancing, only
// "insert", "get", "len", "byte_estimate", and an ordered drain.
package memtable

import (
	"sort"
	"sync"

	"cityhall/record"
)

// perEntryOverhead approximates the bookkeeping cost (map/slice/pointer
// overhead) added to every stored entry, matching spec.md §4.2's
// byte_estimate formula: key.len + value.len + 8 (timestamp) + 40 (overhead).
const perEntryOverhead = 8 + 40

// Memtable is a thread-safe, sorted, in-memory collection of records.
type Memtable struct {
	mu      sync.RWMutex
	entries map[string]*record.Record
	keys    []string // kept sorted; rebuilt lazily on drain/iteration
	dirty   bool
	bytes   uint64
}

// New returns an empty Memtable.
func New() *Memtable {
	return &Memtable{entries: make(map[string]*record.Record)}
}

// Insert adds or overwrites rec, keyed by rec.Key. A later Insert of the
// same key replaces the earlier one in arrival order; timestamps are not
// compared, here or in the engine.
func (m *Memtable) Insert(rec *record.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := string(rec.Key)
	if old, ok := m.entries[key]; ok {
		m.bytes -= entrySize(old)
	} else {
		m.dirty = true
	}
	m.entries[key] = rec
	m.bytes += entrySize(rec)
}

func entrySize(rec *record.Record) uint64 {
	return uint64(len(rec.Key)+len(rec.Value)) + perEntryOverhead
}

// Get returns the record stored for key, if any.
func (m *Memtable) Get(key []byte) (*record.Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.entries[string(key)]
	return rec, ok
}

// Len returns the number of distinct keys held (including tombstones).
func (m *Memtable) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// ByteEstimate returns the approximate resident size used to decide when
// to rotate the active memtable (spec.md §4.2/§4.5).
func (m *Memtable) ByteEstimate() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bytes
}

// DrainOrdered returns every record in ascending key order, the form the
// sorted-table writer consumes when flushing an immutable memtable.
func (m *Memtable) DrainOrdered() []*record.Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rebuildKeysLocked()
	out := make([]*record.Record, len(m.keys))
	for i, k := range m.keys {
		out[i] = m.entries[k]
	}
	return out
}

func (m *Memtable) rebuildKeysLocked() {
	if !m.dirty && len(m.keys) == len(m.entries) {
		return
	}
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	m.keys = keys
	m.dirty = false
}
