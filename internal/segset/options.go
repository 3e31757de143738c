package segset

import "github.com/datnguyenzzz/segstore/internal/segment"

// OptionFn configures a SegmentSet at Load time.
type OptionFn func(*SegmentSet)

type options struct {
	segmentOpts []segment.OptionFn
}

var defaultOptions = options{}

// WithSegmentOptions forwards opts to every Segment.Load call the set
// performs, for its initial load and for every flush/compact.
func WithSegmentOptions(opts ...segment.OptionFn) OptionFn {
	return func(ss *SegmentSet) {
		ss.opts.segmentOpts = append(ss.opts.segmentOpts, opts...)
	}
}
