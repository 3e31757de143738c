// Package iterator implements the peeking indexed iterator and the
// k-way merging iterator described in spec §4.2–4.3.
package iterator

import "github.com/datnguyenzzz/segstore/internal/kv"

// Peeking wraps an ordered kv.Iterator with a priority and an eagerly
// cached next entry, so callers can inspect the current key without
// consuming it.
type Peeking struct {
	src      kv.Iterator
	priority int
	cur      *kv.Entry
	done     bool
	err      error
}

// NewPeeking wraps src, assigning it priority. The first entry (if any)
// is eagerly fetched.
func NewPeeking(src kv.Iterator, priority int) *Peeking {
	p := &Peeking{src: src, priority: priority}
	p.fetch()
	return p
}

// fetch pulls the next entry from src into cur, recording any error and
// treating an error the same as exhaustion from that point on: once err
// is non-nil, Peek/Advance never call src.Next() again.
func (p *Peeking) fetch() {
	if p.err != nil {
		p.done = true
		return
	}
	e, ok, err := p.src.Next()
	if err != nil {
		p.err = err
		p.cur = nil
		p.done = true
		return
	}
	p.cur = e
	p.done = !ok
}

// Priority reports the iterator's freshness rank: higher wins ties.
func (p *Peeking) Priority() int {
	return p.priority
}

// Peek returns the current entry without consuming it, or nil if
// exhausted or errored.
func (p *Peeking) Peek() *kv.Entry {
	if p.done {
		return nil
	}
	return p.cur
}

// Advance consumes and returns the current entry, fetching the next one.
// Returns nil once exhausted or errored.
func (p *Peeking) Advance() *kv.Entry {
	if p.done {
		return nil
	}
	cur := p.cur
	p.fetch()
	return cur
}

// Exhausted reports whether Peek would return nil: either the source
// ran out, or it errored (check Err to tell them apart).
func (p *Peeking) Exhausted() bool {
	return p.done
}

// Err returns the first error the wrapped iterator produced, if any.
func (p *Peeking) Err() error {
	return p.err
}
