package iterator

import (
	"container/heap"

	"github.com/datnguyenzzz/segstore/internal/kv"
)

// Merging is a k-way merge over Peeking iterators, ordered by
// (currentKey ASC, priority DESC): the freshest iterator wins ties.
// Tombstones are suppressed at the merged-output boundary.
type Merging struct {
	h   peekHeap
	cmp kv.Comparer
	err error
}

// NewMerging builds a merging iterator over srcs. Already-exhausted
// iterators are dropped immediately. An iterator that errored on its
// very first fetch (before Next is ever called on Merging) is recorded
// so the first call to Next reports it, instead of silently treating
// it the same as an iterator with no entries at all.
func NewMerging(srcs []*Peeking, cmp kv.Comparer) *Merging {
	m := &Merging{cmp: cmp}
	for _, s := range srcs {
		if err := s.Err(); err != nil && m.err == nil {
			m.err = err
		}
		if !s.Exhausted() {
			m.h = append(m.h, s)
		}
	}
	heap.Init(&heapAdapter{h: &m.h, cmp: cmp})
	return m
}

// Next returns the next entry in strictly ascending key order, with
// tombstones suppressed. Returns ok=false once every source iterator is
// exhausted. A non-nil error aborts the merge: once returned, every
// subsequent call reports the same error.
func (m *Merging) Next() (*kv.Entry, bool, error) {
	if m.err != nil {
		return nil, false, m.err
	}
	ad := &heapAdapter{h: &m.h, cmp: m.cmp}
	for {
		if ad.Len() == 0 {
			return nil, false, nil
		}
		top := heap.Pop(ad).(*Peeking)
		candidate := top.Advance()
		// An error here came from prefetching the entry after candidate;
		// candidate itself decoded cleanly, so it is still returned and
		// the error is reported by the next call.
		if err := top.Err(); err != nil {
			m.err = err
		}
		if !top.Exhausted() {
			heap.Push(ad, top)
		}

		for ad.Len() > 0 && m.cmp.Compare(m.h[0].Peek().Key, candidate.Key) == 0 {
			dup := heap.Pop(ad).(*Peeking)
			dup.Advance()
			if err := dup.Err(); err != nil && m.err == nil {
				m.err = err
			}
			if !dup.Exhausted() {
				heap.Push(ad, dup)
			}
		}

		if candidate.IsTombstone() {
			if m.err != nil {
				return nil, false, m.err
			}
			continue
		}
		return candidate, true, nil
	}
}

var _ kv.Iterator = (*Merging)(nil)

type peekHeap []*Peeking

// heapAdapter implements heap.Interface over a *peekHeap with an
// explicit comparer, so Merging doesn't need a package-level comparer.
type heapAdapter struct {
	h   *peekHeap
	cmp kv.Comparer
}

func (a *heapAdapter) Len() int { return len(*a.h) }

func (a *heapAdapter) Less(i, j int) bool {
	h := *a.h
	ki, kj := h[i].Peek().Key, h[j].Peek().Key
	c := a.cmp.Compare(ki, kj)
	if c != 0 {
		return c < 0
	}
	return h[i].Priority() > h[j].Priority()
}

func (a *heapAdapter) Swap(i, j int) {
	h := *a.h
	h[i], h[j] = h[j], h[i]
}

func (a *heapAdapter) Push(x any) {
	*a.h = append(*a.h, x.(*Peeking))
}

func (a *heapAdapter) Pop() any {
	h := *a.h
	n := len(h)
	item := h[n-1]
	*a.h = h[:n-1]
	return item
}
