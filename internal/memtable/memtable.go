// Package memtable is a minimal in-memory sorted table standing in for
// the external mutable table the core consumes as an ordered iterator
// (spec §1, §2). It is not the façade's memtable: no WAL, no background
// flush scheduling, no size-based freeze policy. It exists so this
// module's tests can exercise SegmentSet.RangeScan without a real
// façade.
package memtable

import (
	"sort"
	"sync"

	"github.com/datnguyenzzz/segstore/internal/kv"
)

// Table is a sorted, concurrency-safe map of pending writes.
type Table struct {
	mu      sync.RWMutex
	entries map[string]*kv.Entry
}

func New() *Table {
	return &Table{entries: make(map[string]*kv.Entry)}
}

// Put inserts or overwrites key with value. A nil value records a
// tombstone.
func (t *Table) Put(key, value []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[string(key)] = &kv.Entry{Key: append([]byte(nil), key...), Value: value}
}

// Delete records a tombstone for key.
func (t *Table) Delete(key []byte) {
	t.Put(key, nil)
}

// Get returns the entry for key, or nil if absent.
func (t *Table) Get(key []byte) *kv.Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.entries[string(key)]
}

// Len reports the number of keys currently tracked, tombstones included.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Snapshot returns entries in ascending key order, from <= key < to. A
// nil from is unbounded below; a nil to is unbounded above. The result
// is a point-in-time copy safe to iterate without holding the table's
// lock.
func (t *Table) Snapshot(from, to []byte) kv.Iterator {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*kv.Entry, 0, len(t.entries))
	for _, e := range t.entries {
		if from != nil && kv.DefaultComparer.Compare(e.Key, from) < 0 {
			continue
		}
		if to != nil && kv.DefaultComparer.Compare(e.Key, to) >= 0 {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		return kv.DefaultComparer.Compare(out[i].Key, out[j].Key) < 0
	})
	return &sliceIter{entries: out}
}

type sliceIter struct {
	entries []*kv.Entry
	pos     int
}

func (it *sliceIter) Next() (*kv.Entry, bool, error) {
	if it.pos >= len(it.entries) {
		return nil, false, nil
	}
	e := it.entries[it.pos]
	it.pos++
	return e, true, nil
}

var _ kv.Iterator = (*sliceIter)(nil)
