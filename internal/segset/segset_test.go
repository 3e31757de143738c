package segset

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/datnguyenzzz/segstore/internal/kv"
	"github.com/datnguyenzzz/segstore/internal/memtable"
	"github.com/datnguyenzzz/segstore/internal/segment"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func flushEntries(t *testing.T, ss *SegmentSet, pairs ...[2]string) {
	t.Helper()
	entries := make([]*kv.Entry, len(pairs))
	for i, p := range pairs {
		var v []byte
		if p[1] != "<tomb>" {
			v = []byte(p[1])
		}
		entries[i] = &kv.Entry{Key: []byte(p[0]), Value: v}
	}
	require.NoError(t, ss.Flush(context.Background(), &sliceIter{entries: entries}))
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

func collectScan(t *testing.T, ss *SegmentSet, from, to []byte, mts ...*memtable.Table) []*kv.Entry {
	t.Helper()
	it, err := ss.RangeScan(from, to, mts...)
	require.NoError(t, err)
	var out []*kv.Entry
	for {
		e, ok, err := it.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		out = append(out, e)
	}
	return out
}

// S1
func TestScenario_TombstoneAcrossFlushAndCompact(t *testing.T) {
	dir := t.TempDir()
	ss, err := Load(dir)
	require.NoError(t, err)
	defer ss.Close()

	flushEntries(t, ss, [2]string{"a", "1"}, [2]string{"c", "3"})
	flushEntries(t, ss, [2]string{"b", "2"}, [2]string{"c", "<tomb>"})

	e, err := ss.FindEntry([]byte("c"))
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.True(t, e.IsTombstone())

	got := collectScan(t, ss, nil, nil)
	require.Len(t, got, 2)
	assert.Equal(t, "a", string(got[0].Key))
	assert.Equal(t, "b", string(got[1].Key))

	require.NoError(t, ss.Compact(context.Background()))
	gotAfter := collectScan(t, ss, nil, nil)
	require.Len(t, gotAfter, 2)
	assert.Equal(t, "a", string(gotAfter[0].Key))
	assert.Equal(t, "b", string(gotAfter[1].Key))
	assert.Equal(t, 1, ss.SegmentCount())
}

// S2
func TestScenario_RepeatedFlushesFreshnessWins(t *testing.T) {
	dir := t.TempDir()
	ss, err := Load(dir)
	require.NoError(t, err)
	defer ss.Close()

	flushEntries(t, ss, [2]string{"a", "1"})
	flushEntries(t, ss, [2]string{"a", "2"})
	flushEntries(t, ss, [2]string{"a", "3"})

	e, err := ss.FindEntry([]byte("a"))
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, "3", string(e.Value))

	require.NoError(t, ss.Compact(context.Background()))
	got := collectScan(t, ss, nil, nil)
	require.Len(t, got, 1)
	assert.Equal(t, "3", string(got[0].Value))
}

// S3
func TestScenario_RangeScanExclusiveUpperBound(t *testing.T) {
	dir := t.TempDir()
	ss, err := Load(dir)
	require.NoError(t, err)
	defer ss.Close()

	flushEntries(t, ss, [2]string{"a", "1"}, [2]string{"b", "2"}, [2]string{"c", "3"}, [2]string{"d", "4"})

	got := collectScan(t, ss, []byte("b"), []byte("d"))
	require.Len(t, got, 2)
	assert.Equal(t, "b", string(got[0].Key))
	assert.Equal(t, "c", string(got[1].Key))
}

// S4
func TestScenario_CrashRecoveryFromSentinels(t *testing.T) {
	dir := t.TempDir()
	ss, err := Load(dir)
	require.NoError(t, err)
	flushEntries(t, ss, [2]string{"x", "9"})
	require.NoError(t, ss.Close())

	// Hand-write the compaction sentinels as if a crash landed right
	// after the compacted write but before finishCompact ran.
	tmpSS, err := Load(dir)
	require.NoError(t, err)
	entries := []*kv.Entry{{Key: []byte("x"), Value: []byte("sentinel-value")}}
	require.NoError(t, segment.SaveSegment(
		filepath.Join(dir, "compacted_.idx"), filepath.Join(dir, "compacted_.dat"), &sliceIter{entries: entries}))
	require.NoError(t, tmpSS.Close())

	recovered, err := Load(dir)
	require.NoError(t, err)
	defer recovered.Close()

	assert.False(t, fileExists(filepath.Join(dir, "compacted_.idx")))
	assert.False(t, fileExists(filepath.Join(dir, "compacted_.dat")))
	assert.Equal(t, 1, recovered.SegmentCount())

	e, err := recovered.FindEntry([]byte("x"))
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, "sentinel-value", string(e.Value))
}

// S5
func TestScenario_RangeScanWithMemtable(t *testing.T) {
	dir := t.TempDir()
	ss, err := Load(dir)
	require.NoError(t, err)
	defer ss.Close()

	flushEntries(t, ss, [2]string{"a", "seg"}, [2]string{"b", "seg"})

	mt := memtable.New()
	mt.Put([]byte("a"), []byte("mem"))

	got := collectScan(t, ss, nil, nil, mt)
	require.Len(t, got, 2)
	assert.Equal(t, "a", string(got[0].Key))
	assert.Equal(t, "mem", string(got[0].Value))
	assert.Equal(t, "b", string(got[1].Key))
	assert.Equal(t, "seg", string(got[1].Value))
}

// S6
func TestScenario_EmptyFlushIsNoop(t *testing.T) {
	dir := t.TempDir()
	ss, err := Load(dir)
	require.NoError(t, err)
	defer ss.Close()

	before := ss.IsCompacted()
	require.NoError(t, ss.Flush(context.Background(), &sliceIter{}))
	assert.Equal(t, before, ss.IsCompacted())
	assert.Equal(t, 0, ss.SegmentCount())
}

// A corrupt entry must abort RangeScan and Compact with an error, not
// truncate their output silently (spec's "corrupt aborts the affected
// operation" rule).
func TestScenario_CorruptEntryAbortsRangeScanAndCompact(t *testing.T) {
	dir := t.TempDir()
	ss, err := Load(dir)
	require.NoError(t, err)
	flushEntries(t, ss, [2]string{"a", "1"}, [2]string{"b", "2"})
	require.NoError(t, ss.Close())

	// Corrupt entry "b"'s value-length field the same way
	// segment.TestSegment_RangeIter_CorruptEntrySurfacesError does.
	f, err := os.OpenFile(filepath.Join(dir, "0.dat"), os.O_RDWR, 0o644)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0x7f, 0xff, 0xff, 0xff}, 15)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := Load(dir)
	require.NoError(t, err)
	defer reopened.Close()

	it, err := reopened.RangeScan(nil, nil)
	require.NoError(t, err)
	_, ok, err := it.Next()
	require.NoError(t, err)
	require.True(t, ok)
	_, ok, err = it.Next()
	assert.False(t, ok)
	assert.ErrorIs(t, err, segment.ErrCorrupt)

	assert.ErrorIs(t, reopened.Compact(context.Background()), segment.ErrCorrupt)
}

func TestFinishCompact_HandlesOrdinalGap(t *testing.T) {
	dir := t.TempDir()
	ss, err := Load(dir)
	require.NoError(t, err)
	flushEntries(t, ss, [2]string{"a", "1"})
	flushEntries(t, ss, [2]string{"b", "2"})
	flushEntries(t, ss, [2]string{"c", "3"})
	require.NoError(t, ss.Close())

	// Simulate a crash mid-finishCompact: ordinal 0 already deleted,
	// ordinal 1 still present (a hole the naive "stop at first gap"
	// deletion loop would mishandle), sentinels present.
	require.NoError(t, os.Remove(filepath.Join(dir, "0.idx")))
	require.NoError(t, os.Remove(filepath.Join(dir, "0.dat")))
	entries := []*kv.Entry{{Key: []byte("z"), Value: []byte("final")}}
	require.NoError(t, segment.SaveSegment(
		filepath.Join(dir, "compacted_.idx"), filepath.Join(dir, "compacted_.dat"), &sliceIter{entries: entries}))

	recovered, err := Load(dir)
	require.NoError(t, err)
	defer recovered.Close()

	assert.Equal(t, 1, recovered.SegmentCount())
	assert.False(t, fileExists(filepath.Join(dir, "1.idx")))
	assert.False(t, fileExists(filepath.Join(dir, "2.idx")))

	e, err := recovered.FindEntry([]byte("z"))
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, "final", string(e.Value))
}

// TestFinishCompact_RetrySafeAfterPartialRename reproduces a crash
// strictly inside a prior finishCompact call, after it already deleted
// the stale ordinal files and renamed one sentinel to 0.idx/0.dat but
// not the other. Rerunning finishCompact must finish the swap rather
// than deleting the half that was already renamed into place.
func TestFinishCompact_RetrySafeAfterPartialRename(t *testing.T) {
	dir := t.TempDir()
	ss, err := Load(dir)
	require.NoError(t, err)
	flushEntries(t, ss, [2]string{"a", "1"})
	flushEntries(t, ss, [2]string{"b", "2"})
	require.NoError(t, ss.Close())

	entries := []*kv.Entry{
		{Key: []byte("a"), Value: []byte("1")},
		{Key: []byte("b"), Value: []byte("2")},
	}
	require.NoError(t, segment.SaveSegment(
		filepath.Join(dir, "compacted_.idx"), filepath.Join(dir, "compacted_.dat"), &sliceIter{entries: entries}))

	// Hand-simulate what a prior finishCompact already did before it
	// crashed: stale non-zero ordinals deleted, the idx half of the
	// sentinel swapped into place, the dat half still pending.
	require.NoError(t, os.Remove(filepath.Join(dir, "1.idx")))
	require.NoError(t, os.Remove(filepath.Join(dir, "1.dat")))
	require.NoError(t, os.Remove(filepath.Join(dir, "0.idx")))
	require.NoError(t, os.Rename(filepath.Join(dir, "compacted_.idx"), filepath.Join(dir, "0.idx")))
	// 0.dat is still the stale pre-compaction data; compacted_.dat is
	// still pending its rename.

	recovered, err := Load(dir)
	require.NoError(t, err)
	defer recovered.Close()

	assert.False(t, fileExists(filepath.Join(dir, "compacted_.idx")))
	assert.False(t, fileExists(filepath.Join(dir, "compacted_.dat")))
	assert.Equal(t, 1, recovered.SegmentCount())

	got := collectScan(t, recovered, nil, nil)
	require.Len(t, got, 2)
	assert.Equal(t, "a", string(got[0].Key))
	assert.Equal(t, "1", string(got[0].Value))
	assert.Equal(t, "b", string(got[1].Key))
	assert.Equal(t, "2", string(got[1].Value))
}
