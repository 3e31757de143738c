package segment

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	bufpool "github.com/datnguyenzzz/nogodb/lib/go-bytesbufferpool"
	"github.com/datnguyenzzz/segstore/internal/kv"
)

// idxFlushBatch is the number of offsets accumulated in memory before
// being flushed to the index file, matching the source's periodic-flush
// strategy. Unlike the source, the final partial batch is always flushed
// before the trailing count: every offset is present before the count is
// written, with no gap (spec §9 open question).
const idxFlushBatch = 10

// SaveSegment streams entries from it to fresh index and data files at
// indexPath/dataPath, in order. It fails if either path already exists.
// After the last entry it writes the trailing 32-bit entry count to the
// index file.
func SaveSegment(indexPath, dataPath string, it kv.Iterator) (err error) {
	dataFile, openErr := os.OpenFile(dataPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if openErr != nil {
		if errors.Is(openErr, os.ErrExist) {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, dataPath)
		}
		return fmt.Errorf("segment: create data file %s: %w", dataPath, openErr)
	}
	defer func() {
		if cerr := dataFile.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	indexFile, openErr := os.OpenFile(indexPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if openErr != nil {
		if errors.Is(openErr, os.ErrExist) {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, indexPath)
		}
		return fmt.Errorf("segment: create index file %s: %w", indexPath, openErr)
	}
	defer func() {
		if cerr := indexFile.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	idxBuf := bufpool.Get(4 * idxFlushBatch)
	defer bufpool.Put(idxBuf)

	var bytesWritten uint32
	var count uint32

	for {
		e, ok, nerr := it.Next()
		if nerr != nil {
			return fmt.Errorf("segment: read source entry: %w", nerr)
		}
		if !ok {
			break
		}

		var off [4]byte
		binary.BigEndian.PutUint32(off[:], bytesWritten)
		idxBuf = append(idxBuf, off[:]...)
		if len(idxBuf) == 4*idxFlushBatch {
			if _, werr := indexFile.Write(idxBuf); werr != nil {
				return fmt.Errorf("segment: write index %s: %w", indexPath, werr)
			}
			idxBuf = idxBuf[:0]
		}

		entrySize := entryByteSize(e)
		dataBuf := bufpool.Get(entrySize)[:0]
		dataBuf = encodeEntry(dataBuf, e)
		if _, werr := dataFile.Write(dataBuf); werr != nil {
			bufpool.Put(dataBuf)
			return fmt.Errorf("segment: write data %s: %w", dataPath, werr)
		}
		bufpool.Put(dataBuf)

		bytesWritten += uint32(entrySize)
		count++
	}

	if len(idxBuf) > 0 {
		if _, werr := indexFile.Write(idxBuf); werr != nil {
			return fmt.Errorf("segment: write index %s: %w", indexPath, werr)
		}
	}

	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], count)
	if _, werr := indexFile.Write(countBuf[:]); werr != nil {
		return fmt.Errorf("segment: write index count %s: %w", indexPath, werr)
	}

	if serr := dataFile.Sync(); serr != nil {
		return fmt.Errorf("segment: sync data %s: %w", dataPath, serr)
	}
	if serr := indexFile.Sync(); serr != nil {
		return fmt.Errorf("segment: sync index %s: %w", indexPath, serr)
	}

	return nil
}

// entryByteSize is the encoded size of e: 8 bytes of length fields plus
// the key and (if present) value bytes.
func entryByteSize(e *kv.Entry) int {
	n := 8 + len(e.Key)
	if e.Value != nil {
		n += len(e.Value)
	}
	return n
}

func encodeEntry(dst []byte, e *kv.Entry) []byte {
	var lenBuf [4]byte

	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(e.Key)))
	dst = append(dst, lenBuf[:]...)
	dst = append(dst, e.Key...)

	if e.Value == nil {
		nullLen := int32(lenForNull)
		binary.BigEndian.PutUint32(lenBuf[:], uint32(nullLen))
		dst = append(dst, lenBuf[:]...)
		return dst
	}

	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(e.Value)))
	dst = append(dst, lenBuf[:]...)
	dst = append(dst, e.Value...)
	return dst
}
