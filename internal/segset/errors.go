package segset

import "errors"

// ErrClosed is returned by FindEntry, RangeScan, Flush and Compact when
// called after Close.
var ErrClosed = errors.New("segset: segment set is closed")
