package segment

import "github.com/datnguyenzzz/segstore/internal/kv"

// OptionFn configures a Segment at Load time.
type OptionFn func(*Segment)

type options struct {
	comparer   kv.Comparer
	useBloom   bool
}

var defaultOptions = options{
	comparer: kv.DefaultComparer,
	useBloom: true,
}

// WithComparer overrides the key ordering used for binary search. Rarely
// needed: DefaultComparer matches the spec's unsigned byte-wise ordering.
func WithComparer(c kv.Comparer) OptionFn {
	return func(s *Segment) {
		s.opts.comparer = c
	}
}

// WithBloomFilter toggles the in-memory bloom filter built during Load.
// Disabling it trades a small CPU win on miss-heavy workloads for a
// slightly cheaper Load.
func WithBloomFilter(enabled bool) OptionFn {
	return func(s *Segment) {
		s.opts.useBloom = enabled
	}
}
