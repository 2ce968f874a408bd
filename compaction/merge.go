// Package compaction implements CityHall's size-tiered compaction: groups
// of sorted tables are merged via a key-ordered k-way merge, with
// tombstones dropped once a key reaches the oldest tier. Grounded on the
// teacher's lsm/sstable Compact/performStreamingDataCompaction/
// findMinIterator shape (streaming iterator-based merge, one replacement
// table written per compaction), but findMinIterator's linear scan for the
// minimum key is replaced with a container/heap min-heap, per spec.md
// §4.6's explicit "min-heap keyed by current key" wording.
package compaction

import (
	"bytes"
	"container/heap"

	"cityhall/record"
	"cityhall/sstable"
)

// mergeSource is one input table's iterator, tagged with its recency rank:
// rank 0 is the newest table, so equal keys resolve in favor of the lower
// rank (last-writer-wins without needing to compare timestamps).
type mergeSource struct {
	it   *sstable.Iterator
	rank int
}

// mergeHeap is a min-heap of active merge sources ordered by current key,
// then by rank to break ties in favor of the newer table.
type mergeHeap []*mergeSource

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	ki, kj := h[i].it.Record().Key, h[j].it.Record().Key
	c := bytes.Compare(ki, kj)
	if c != 0 {
		return c < 0
	}
	return h[i].rank < h[j].rank
}
func (h mergeHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x interface{}) { *h = append(*h, x.(*mergeSource)) }
func (h *mergeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Merge performs a k-way merge across tables (ordered newest-first by
// rank), dropping superseded duplicate keys and — when dropTombstones is
// true, i.e. this merge reaches the oldest tier per spec.md §4.6 — also
// dropping tombstone records entirely. It streams results to emit in
// ascending key order rather than materializing the whole merge.
func Merge(tables []*sstable.Table, dropTombstones bool, emit func(*record.Record) error) error {
	h := &mergeHeap{}
	heap.Init(h)
	for i, t := range tables {
		it := t.NewIterator()
		if it.Next() {
			heap.Push(h, &mergeSource{it: it, rank: i})
		} else if err := it.Err(); err != nil {
			return err
		}
	}

	var lastKey []byte
	first := true
	for h.Len() > 0 {
		src := (*h)[0]
		rec := src.it.Record()

		isDuplicate := !first && bytes.Equal(rec.Key, lastKey)
		if !isDuplicate {
			if !(dropTombstones && rec.IsTombstone()) {
				if err := emit(rec); err != nil {
					return err
				}
			}
			lastKey = append(lastKey[:0], rec.Key...)
			first = false
		}

		if src.it.Next() {
			heap.Fix(h, 0)
		} else {
			if err := src.it.Err(); err != nil {
				return err
			}
			heap.Pop(h)
		}
	}
	return nil
}
