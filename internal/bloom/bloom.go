// Package bloom is a blocked Bloom filter used to accelerate point lookups
// against a Segment without touching its mapped index or data files on a
// miss. It is never persisted: a segment's filter is rebuilt in memory on
// every Load and carries no format compatibility requirement.
package bloom

import "encoding/binary"

const (
	defaultBitsPerKey = 10
	blockBytesSize    = 64 // one CPU cache line
	blockBitsSize     = 8 * blockBytesSize
)

// Writer accumulates keys and builds an encoded filter.
type Writer struct {
	bitsPerKey int
	hashes     []uint32
}

func NewWriter() *Writer {
	return &Writer{bitsPerKey: defaultBitsPerKey}
}

func (w *Writer) Add(key []byte) {
	w.hashes = append(w.hashes, hash(key))
}

// Build encodes the accumulated keys into filter bytes. The writer is left
// usable for another Build after this call.
func (w *Writer) Build() []byte {
	numKeys := len(w.hashes)
	nBlocks := (numKeys*w.bitsPerKey + blockBitsSize - 1) / blockBitsSize
	if nBlocks == 0 {
		nBlocks = 1
	}
	if nBlocks%2 == 0 {
		nBlocks++
	}
	nBytes := nBlocks * blockBytesSize

	buf := make([]byte, nBytes+5)
	nProbes := probes(w.bitsPerKey)
	for _, h := range w.hashes {
		delta := h>>17 | h<<15
		block := (h % uint32(nBlocks)) * blockBitsSize
		for p := byte(0); p < nProbes; p++ {
			bitPos := block + (h % blockBitsSize)
			byteIdx, bitIdx := bitPos/8, bitPos%8
			buf[byteIdx] |= 1 << bitIdx
			h += delta
		}
	}
	buf[nBytes] = nProbes
	binary.LittleEndian.PutUint32(buf[nBytes+1:], uint32(nBlocks))

	w.hashes = w.hashes[:0]
	return buf
}

// MayContain reports whether filter may contain key. False positives are
// possible; false negatives are not.
func MayContain(filter, key []byte) bool {
	if len(filter) <= 5 {
		return false
	}
	n := len(filter) - 5
	nProbes := filter[n]
	nBlocks := binary.LittleEndian.Uint32(filter[n+1:])
	if nBlocks == 0 {
		return false
	}
	cacheLineBits := 8 * (uint32(n) / nBlocks)

	h := hash(key)
	delta := h>>17 | h<<15
	block := (h % nBlocks) * cacheLineBits
	for j := byte(0); j < nProbes; j++ {
		bitPos := block + (h % cacheLineBits)
		byteIdx := bitPos / 8
		if filter[byteIdx]&(1<<(bitPos%8)) == 0 {
			return false
		}
		h += delta
	}
	return true
}

func probes(bitsPerKey int) byte {
	n := byte(float64(bitsPerKey) * 0.69)
	if n < 1 {
		n = 1
	}
	if n > 30 {
		n = 30
	}
	return n
}

// hash is the same murmur-like mix the original blocked-filter
// implementation uses, kept so filter output is reproducible within a
// process lifetime (the filter is never written to disk, so cross-process
// stability is not required).
func hash(b []byte) uint32 {
	const (
		seed = 0xbc9f1d34
		m    = 0xc6a4a793
	)
	h := uint32(seed) ^ uint32(uint64(uint32(len(b))*m))
	for ; len(b) >= 4; b = b[4:] {
		h += uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
		h *= m
		h ^= h >> 16
	}

	switch len(b) {
	case 3:
		h += uint32(int8(b[2])) << 16
		fallthrough
	case 2:
		h += uint32(int8(b[1])) << 8
		fallthrough
	case 1:
		h += uint32(int8(b[0]))
		h *= m
		h ^= h >> 24
	}
	return h
}
