// Package segment implements the single immutable sorted run: a pair of
// memory-mapped files (index, data) that support point lookup and bounded
// range scan, per spec §4.1.
package segment

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/datnguyenzzz/segstore/internal/bloom"
	"github.com/datnguyenzzz/segstore/internal/kv"
	"github.com/edsrzf/mmap-go"
	"go.uber.org/zap"
)

const lenForNull = -1

// Segment is one immutable sorted run: an index file of fixed-width
// offsets and a data file of variable-length entries, both memory-mapped
// read-only for the lifetime of the Segment.
type Segment struct {
	ordinal int
	opts    options

	indexFile *os.File
	dataFile  *os.File
	indexMM   mmap.MMap
	dataMM    mmap.MMap

	count          int
	minKey, maxKey []byte
	filter         []byte
}

// Load memory-maps indexPath and dataPath read-only and reads the
// trailing entry count. It fails when either file is missing or
// unreadable, or when the index is non-empty but shorter than 4 bytes.
func Load(indexPath, dataPath string, ordinal int, opts ...OptionFn) (*Segment, error) {
	s := &Segment{ordinal: ordinal, opts: defaultOptions}
	for _, o := range opts {
		o(s)
	}

	indexFile, err := os.Open(indexPath)
	if err != nil {
		return nil, fmt.Errorf("segment: open index %s: %w", indexPath, err)
	}
	indexInfo, err := indexFile.Stat()
	if err != nil {
		indexFile.Close()
		return nil, fmt.Errorf("segment: stat index %s: %w", indexPath, err)
	}

	dataFile, err := os.Open(dataPath)
	if err != nil {
		indexFile.Close()
		return nil, fmt.Errorf("segment: open data %s: %w", dataPath, err)
	}

	s.indexFile = indexFile
	s.dataFile = dataFile

	if indexInfo.Size() == 0 {
		return s, nil
	}
	if indexInfo.Size() < 4 {
		s.Close()
		return nil, fmt.Errorf("%w: index file %s is %d bytes, need at least 4", ErrCorrupt, indexPath, indexInfo.Size())
	}

	indexMM, err := mmap.Map(indexFile, mmap.RDONLY, 0)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("segment: mmap index %s: %w", indexPath, err)
	}
	s.indexMM = indexMM
	s.count = int(binary.BigEndian.Uint32(indexMM[len(indexMM)-4:]))

	dataInfo, err := dataFile.Stat()
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("segment: stat data %s: %w", dataPath, err)
	}
	if dataInfo.Size() > 0 {
		dataMM, err := mmap.Map(dataFile, mmap.RDONLY, 0)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("segment: mmap data %s: %w", dataPath, err)
		}
		s.dataMM = dataMM
	}

	if err := s.buildCatalog(); err != nil {
		s.Close()
		return nil, err
	}

	return s, nil
}

// buildCatalog scans every key once to record the segment's key range and,
// if enabled, populate an in-memory bloom filter. This is pure
// acceleration state: it is never persisted and carries no compatibility
// requirement with the on-disk format.
func (s *Segment) buildCatalog() error {
	if s.count == 0 {
		return nil
	}
	var bw *bloom.Writer
	if s.opts.useBloom {
		bw = bloom.NewWriter()
	}
	for p := 0; p < s.count; p++ {
		key, err := s.keyAt(p)
		if err != nil {
			return err
		}
		if p == 0 {
			s.minKey = key
		}
		if p == s.count-1 {
			s.maxKey = key
		}
		if bw != nil {
			bw.Add(key)
		}
	}
	if bw != nil {
		s.filter = bw.Build()
	}
	return nil
}

// Ordinal reports the segment's freshness rank: higher is fresher.
func (s *Segment) Ordinal() int {
	return s.ordinal
}

// Count reports the number of entries in the segment.
func (s *Segment) Count() int {
	return s.count
}

// Contains reports whether key could fall within this segment's key
// range. A false result means the key is definitely absent; a true
// result requires an actual lookup to confirm.
func (s *Segment) Contains(key []byte) bool {
	if s.count == 0 {
		return false
	}
	cmp := s.opts.comparer
	return cmp.Compare(key, s.minKey) >= 0 && cmp.Compare(key, s.maxKey) <= 0
}

// Get returns the entry with exactly this key, or nil if absent. A
// tombstone is returned as an entry with a nil value; the segment does
// not interpret tombstones itself.
func (s *Segment) Get(key []byte) (*kv.Entry, error) {
	if !s.Contains(key) {
		return nil, nil
	}
	if s.filter != nil && !bloom.MayContain(s.filter, key) {
		return nil, nil
	}
	pos := s.greaterOrEqual(key)
	if pos >= s.count {
		return nil, nil
	}
	e, err := s.entryAt(pos)
	if err != nil {
		return nil, err
	}
	if s.opts.comparer.Compare(e.Key, key) != 0 {
		return nil, nil
	}
	return e, nil
}

// RangeIter yields all entries with from <= key < to in ascending order.
// A nil from means unbounded below; a nil to means unbounded above.
func (s *Segment) RangeIter(from, to []byte) kv.Iterator {
	start := s.greaterOrEqual(from)
	end := s.count
	if to != nil {
		end = s.greaterOrEqual(to)
	}
	if start > end {
		start = end
	}
	return &rangeIter{seg: s, pos: start, end: end}
}

// Close unmaps both files. The Segment must not be used afterward.
func (s *Segment) Close() error {
	var err error
	if s.indexMM != nil {
		if unmapErr := s.indexMM.Unmap(); unmapErr != nil {
			err = unmapErr
		}
		s.indexMM = nil
	}
	if s.dataMM != nil {
		if unmapErr := s.dataMM.Unmap(); unmapErr != nil {
			err = unmapErr
		}
		s.dataMM = nil
	}
	if s.indexFile != nil {
		s.indexFile.Close()
		s.indexFile = nil
	}
	if s.dataFile != nil {
		s.dataFile.Close()
		s.dataFile = nil
	}
	if err != nil {
		zap.L().Warn("segment: error unmapping", zap.Int("ordinal", s.ordinal), zap.Error(err))
	}
	return err
}

// greaterOrEqual returns the lowest position whose key is >= key, or
// count if none exists. A nil key returns 0. Unlike the source this
// implementation never reads an entry at a position outside [0,count),
// which is what made the source's boundary case fragile.
func (s *Segment) greaterOrEqual(key []byte) int {
	if key == nil {
		return 0
	}
	if s.count == 0 {
		return 0
	}
	first, last := 0, s.count-1
	position := (first + last) / 2
	for first <= last {
		k, err := s.keyAt(position)
		if err != nil {
			return s.count
		}
		cmp := s.opts.comparer.Compare(k, key)
		if cmp == 0 {
			return position
		}
		if cmp > 0 {
			last = position - 1
		} else {
			first = position + 1
		}
		position = (first + last) / 2
	}
	if position < 0 {
		return 0
	}
	if position >= s.count {
		return s.count
	}
	k, err := s.keyAt(position)
	if err != nil {
		return s.count
	}
	if s.opts.comparer.Compare(k, key) < 0 {
		position++
	}
	return position
}

func (s *Segment) offsetAt(p int) (uint32, error) {
	o := p * 4
	if o+4 > len(s.indexMM)-4 {
		return 0, fmt.Errorf("%w: index position %d out of range", ErrCorrupt, p)
	}
	return binary.BigEndian.Uint32(s.indexMM[o : o+4]), nil
}

// keyAt decodes only the key at position p, skipping the value, for use
// during binary search.
func (s *Segment) keyAt(p int) ([]byte, error) {
	off, err := s.offsetAt(p)
	if err != nil {
		return nil, err
	}
	key, _, err := s.decodeKey(int(off))
	return key, err
}

func (s *Segment) entryAt(p int) (*kv.Entry, error) {
	off, err := s.offsetAt(p)
	if err != nil {
		return nil, err
	}
	return s.decodeEntry(int(off))
}

func (s *Segment) decodeKey(offset int) (key []byte, next int, err error) {
	data := s.dataMM
	if offset < 0 || offset+4 > len(data) {
		return nil, 0, fmt.Errorf("%w: truncated entry at offset %d", ErrCorrupt, offset)
	}
	klen := int32(binary.BigEndian.Uint32(data[offset : offset+4]))
	if klen < 0 {
		return nil, 0, fmt.Errorf("%w: negative key length at offset %d", ErrCorrupt, offset)
	}
	keyStart := offset + 4
	keyEnd := keyStart + int(klen)
	if keyEnd > len(data) {
		return nil, 0, fmt.Errorf("%w: truncated key at offset %d", ErrCorrupt, offset)
	}
	return data[keyStart:keyEnd], keyEnd, nil
}

func (s *Segment) decodeEntry(offset int) (*kv.Entry, error) {
	key, next, err := s.decodeKey(offset)
	if err != nil {
		return nil, err
	}
	data := s.dataMM
	if next+4 > len(data) {
		return nil, fmt.Errorf("%w: truncated value length at offset %d", ErrCorrupt, offset)
	}
	vlen := int32(binary.BigEndian.Uint32(data[next : next+4]))
	if vlen == lenForNull {
		return &kv.Entry{Key: key, Value: nil}, nil
	}
	if vlen < 0 {
		return nil, fmt.Errorf("%w: negative value length at offset %d", ErrCorrupt, offset)
	}
	valStart := next + 4
	valEnd := valStart + int(vlen)
	if valEnd > len(data) {
		return nil, fmt.Errorf("%w: truncated value at offset %d", ErrCorrupt, offset)
	}
	// A zero-length, non-nil slice keeps "present but empty" distinct
	// from "absent" (nil) once returned to callers.
	value := data[valStart:valEnd]
	if value == nil {
		value = []byte{}
	}
	return &kv.Entry{Key: key, Value: value}, nil
}

type rangeIter struct {
	seg      *Segment
	pos, end int
}

func (it *rangeIter) Next() (*kv.Entry, bool, error) {
	if it.pos >= it.end {
		return nil, false, nil
	}
	e, err := it.seg.entryAt(it.pos)
	it.pos++
	if err != nil {
		return nil, false, fmt.Errorf("segment: corrupt entry in segment %d during range scan: %w", it.seg.ordinal, err)
	}
	return e, true, nil
}

var _ kv.Iterator = (*rangeIter)(nil)
