// Package segset implements the SegmentSet: the ordered list of segments
// (freshest first), the storage directory, and the flush/compact lock,
// per spec §4.4.
package segset

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync/atomic"

	lock "github.com/datnguyenzzz/nogodb/lib/go-context-aware-lock"
	"github.com/datnguyenzzz/segstore/internal/iterator"
	"github.com/datnguyenzzz/segstore/internal/kv"
	"github.com/datnguyenzzz/segstore/internal/memtable"
	"github.com/datnguyenzzz/segstore/internal/segment"
	"go.uber.org/zap"
)

// snapshot is an immutable view of the segment list, freshest first.
// Readers pin it for the duration of a read; segments retired by a
// subsequent flush or compact are unmapped only once the last pin on the
// snapshot that last referenced them drops (spec §9).
type snapshot struct {
	segments []*segment.Segment
	refs     atomic.Int32
	retiring []*segment.Segment
}

// SegmentSet owns the ordered list of segments and serializes flush and
// compaction behind a single lock. Readers (FindEntry, RangeScan) never
// take that lock and run concurrently with each other and with at most
// one writer.
type SegmentSet struct {
	dir  string
	opts options

	flushCompactLock lock.ICtxLock
	current          atomic.Pointer[snapshot]
	closed           atomic.Bool
}

// Load recovers the segment set at dir: it finishes any in-flight
// compaction swap first, then probes ordinals 0, 1, 2, … until one is
// missing, loading each as a Segment.
func Load(dir string, opts ...OptionFn) (*SegmentSet, error) {
	ss := &SegmentSet{dir: dir, opts: defaultOptions, flushCompactLock: lock.NewLocalLock()}
	for _, o := range opts {
		o(ss)
	}

	if err := finishCompact(dir); err != nil {
		return nil, fmt.Errorf("segset: finishCompact during load: %w", err)
	}

	var ascending []*segment.Segment
	for ordinal := 0; ; ordinal++ {
		idxPath, datPath := segmentPaths(dir, ordinal)
		if !bothExist(idxPath, datPath) {
			break
		}
		seg, err := segment.Load(idxPath, datPath, ordinal, ss.opts.segmentOpts...)
		if err != nil {
			return nil, fmt.Errorf("segset: load segment %d: %w", ordinal, err)
		}
		ascending = append(ascending, seg)
	}

	freshestFirst := make([]*segment.Segment, len(ascending))
	for i, seg := range ascending {
		freshestFirst[len(ascending)-1-i] = seg
	}

	snap := &snapshot{segments: freshestFirst}
	snap.refs.Store(1)
	ss.current.Store(snap)

	return ss, nil
}

// pin returns the current snapshot, incrementing its reader count.
func (ss *SegmentSet) pin() *snapshot {
	snap := ss.current.Load()
	snap.refs.Add(1)
	return snap
}

// unpin releases a reference obtained from pin, closing any segments the
// snapshot retired once the last reference drops.
func (ss *SegmentSet) unpin(snap *snapshot) {
	if snap.refs.Add(-1) == 0 {
		closeSegments(snap.retiring)
	}
}

func closeSegments(segs []*segment.Segment) {
	for _, seg := range segs {
		if err := seg.Close(); err != nil {
			zap.L().Warn("segset: error closing retired segment", zap.Int("ordinal", seg.Ordinal()), zap.Error(err))
		}
	}
}

// swap installs newSegments as the current list. segments present in
// the old list but absent from newSegments are retired: closed once no
// reader holds a pin on the snapshot that last saw them.
func (ss *SegmentSet) swap(newSegments []*segment.Segment) {
	old := ss.current.Load()

	kept := make(map[*segment.Segment]bool, len(newSegments))
	for _, seg := range newSegments {
		kept[seg] = true
	}
	var retiring []*segment.Segment
	for _, seg := range old.segments {
		if !kept[seg] {
			retiring = append(retiring, seg)
		}
	}
	old.retiring = retiring

	next := &snapshot{segments: newSegments}
	next.refs.Store(1)
	ss.current.Store(next)

	ss.unpin(old)
}

// FindEntry scans segments freshest-first, returning the first match. A
// tombstone is returned as an entry with a nil value; callers interpret
// it as a deletion.
func (ss *SegmentSet) FindEntry(key []byte) (*kv.Entry, error) {
	if ss.closed.Load() {
		return nil, ErrClosed
	}
	snap := ss.pin()
	defer ss.unpin(snap)

	for _, seg := range snap.segments {
		e, err := seg.Get(key)
		if err != nil {
			return nil, fmt.Errorf("segset: find entry in segment %d: %w", seg.Ordinal(), err)
		}
		if e != nil {
			return e, nil
		}
	}
	return nil, nil
}

// RangeScan returns a merged, tombstone-suppressed iterator over every
// segment plus the caller-supplied memtables, from <= key < to. The
// first memtable argument is treated as the freshest.
func (ss *SegmentSet) RangeScan(from, to []byte, memtables ...*memtable.Table) (kv.Iterator, error) {
	if ss.closed.Load() {
		return nil, ErrClosed
	}
	snap := ss.pin()

	peekers := make([]*iterator.Peeking, 0, len(snap.segments)+len(memtables))
	for _, seg := range snap.segments {
		peekers = append(peekers, iterator.NewPeeking(seg.RangeIter(from, to), seg.Ordinal()))
	}
	for k, mt := range memtables {
		priority := math.MaxInt - k
		peekers = append(peekers, iterator.NewPeeking(mt.Snapshot(from, to), priority))
	}

	merged := iterator.NewMerging(peekers, kv.DefaultComparer)
	return &pinnedIterator{ss: ss, snap: snap, inner: merged}, nil
}

// pinnedIterator releases its snapshot pin once exhausted, so a fully
// drained RangeScan result does not hold segments open indefinitely. A
// caller that abandons the iterator early should call Close.
type pinnedIterator struct {
	ss       *SegmentSet
	snap     *snapshot
	inner    kv.Iterator
	released bool
}

func (p *pinnedIterator) Next() (*kv.Entry, bool, error) {
	e, ok, err := p.inner.Next()
	if !ok || err != nil {
		p.Close()
	}
	return e, ok, err
}

// Close releases the pinned snapshot. Idempotent.
func (p *pinnedIterator) Close() {
	if !p.released {
		p.ss.unpin(p.snap)
		p.released = true
	}
}

var _ kv.Iterator = (*pinnedIterator)(nil)

// Flush writes a new segment from snapshot and prepends it to the list.
// A snapshot with no entries is a silent no-op.
func (ss *SegmentSet) Flush(ctx context.Context, snap kv.Iterator) error {
	if ss.closed.Load() {
		return ErrClosed
	}
	first, ok, err := snap.Next()
	if err != nil {
		return fmt.Errorf("segset: read flush source: %w", err)
	}
	if !ok {
		return nil
	}
	combined := &prependIterator{first: first, rest: snap, hasFirst: true}

	if err := ss.flushCompactLock.AcquireCtx(ctx); err != nil {
		return fmt.Errorf("segset: acquire flush lock: %w", err)
	}
	defer ss.flushCompactLock.ReleaseCtx(ctx)

	cur := ss.current.Load()
	n := len(cur.segments)

	idxPath, datPath := segmentPaths(ss.dir, n)
	tmpIdx, tmpDat := tmpSegmentPaths(ss.dir, n)
	removeStale(tmpIdx, tmpDat)

	if err := segment.SaveSegment(tmpIdx, tmpDat, combined); err != nil {
		return fmt.Errorf("segset: save flushed segment: %w", err)
	}
	if err := os.Rename(tmpIdx, idxPath); err != nil {
		return fmt.Errorf("segset: rename %s: %w", tmpIdx, err)
	}
	if err := os.Rename(tmpDat, datPath); err != nil {
		return fmt.Errorf("segset: rename %s: %w", tmpDat, err)
	}

	newSeg, err := segment.Load(idxPath, datPath, n, ss.opts.segmentOpts...)
	if err != nil {
		return fmt.Errorf("segset: load flushed segment: %w", err)
	}

	newList := make([]*segment.Segment, 0, n+1)
	newList = append(newList, newSeg)
	newList = append(newList, cur.segments...)
	ss.swap(newList)

	return nil
}

// Compact merges every segment into one, with tombstones suppressed,
// via the crash-safe sentinel-file protocol (§4.4.3). It runs even on a
// one-segment set (a tombstone-suppression rewrite pass).
func (ss *SegmentSet) Compact(ctx context.Context) error {
	if ss.closed.Load() {
		return ErrClosed
	}
	if err := ss.flushCompactLock.AcquireCtx(ctx); err != nil {
		return fmt.Errorf("segset: acquire compact lock: %w", err)
	}
	defer ss.flushCompactLock.ReleaseCtx(ctx)

	cur := ss.current.Load()

	peekers := make([]*iterator.Peeking, 0, len(cur.segments))
	for _, seg := range cur.segments {
		peekers = append(peekers, iterator.NewPeeking(seg.RangeIter(nil, nil), seg.Ordinal()))
	}
	merged := iterator.NewMerging(peekers, kv.DefaultComparer)

	compIdx := filepath.Join(ss.dir, "compacted_.idx")
	compDat := filepath.Join(ss.dir, "compacted_.dat")
	tmpCompIdx := filepath.Join(ss.dir, "tmp_compacted_.idx")
	tmpCompDat := filepath.Join(ss.dir, "tmp_compacted_.dat")
	removeStale(tmpCompIdx, tmpCompDat)

	if err := segment.SaveSegment(tmpCompIdx, tmpCompDat, merged); err != nil {
		return fmt.Errorf("segset: save compacted segment: %w", err)
	}
	if err := os.Rename(tmpCompIdx, compIdx); err != nil {
		return fmt.Errorf("segset: rename %s: %w", tmpCompIdx, err)
	}
	if err := os.Rename(tmpCompDat, compDat); err != nil {
		return fmt.Errorf("segset: rename %s: %w", tmpCompDat, err)
	}

	if err := finishCompact(ss.dir); err != nil {
		return fmt.Errorf("segset: finishCompact: %w", err)
	}

	idxPath, datPath := segmentPaths(ss.dir, 0)
	newSeg, err := segment.Load(idxPath, datPath, 0, ss.opts.segmentOpts...)
	if err != nil {
		return fmt.Errorf("segset: load compacted segment: %w", err)
	}

	ss.swap([]*segment.Segment{newSeg})
	return nil
}

// IsCompacted reports whether the segment set currently holds at most
// one segment.
func (ss *SegmentSet) IsCompacted() bool {
	return len(ss.current.Load().segments) <= 1
}

// SegmentCount reports the number of segments currently live.
func (ss *SegmentSet) SegmentCount() int {
	return len(ss.current.Load().segments)
}

// Ordinals reports the ordinals of every live segment, freshest first.
func (ss *SegmentSet) Ordinals() []int {
	snap := ss.current.Load()
	out := make([]int, len(snap.segments))
	for i, seg := range snap.segments {
		out[i] = seg.Ordinal()
	}
	return out
}

// Close releases every segment's memory map. The SegmentSet must not be
// used afterward.
func (ss *SegmentSet) Close() error {
	if !ss.closed.CompareAndSwap(false, true) {
		return nil
	}
	snap := ss.current.Load()
	closeSegments(snap.segments)
	ss.current.Store(&snapshot{})
	return nil
}

func segmentPaths(dir string, ordinal int) (idxPath, datPath string) {
	return filepath.Join(dir, fmt.Sprintf("%d.idx", ordinal)), filepath.Join(dir, fmt.Sprintf("%d.dat", ordinal))
}

func tmpSegmentPaths(dir string, ordinal int) (idxPath, datPath string) {
	return filepath.Join(dir, fmt.Sprintf("tmp_%d.idx", ordinal)), filepath.Join(dir, fmt.Sprintf("tmp_%d.dat", ordinal))
}

func bothExist(paths ...string) bool {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}

func removeStale(paths ...string) {
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			zap.L().Warn("segset: failed to remove stale temporary", zap.String("path", p), zap.Error(err))
		}
	}
}

// prependIterator re-splices a prefetched first entry back onto an
// iterator, so Flush can peek for emptiness without losing the entry.
type prependIterator struct {
	first    *kv.Entry
	hasFirst bool
	rest     kv.Iterator
}

func (p *prependIterator) Next() (*kv.Entry, bool, error) {
	if p.hasFirst {
		p.hasFirst = false
		return p.first, true, nil
	}
	return p.rest.Next()
}

var _ kv.Iterator = (*prependIterator)(nil)
