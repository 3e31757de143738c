package segment

import "errors"

// ErrCorrupt signals a decode failure: an out-of-range length, a truncated
// read, or an index file shorter than the minimum trailing count field.
// The affected segment's operation aborts; the core does not retry.
var ErrCorrupt = errors.New("segment: corrupt data")

// ErrAlreadyExists signals that a create-new file write landed on a path
// that a prior crash left behind. Callers recover by pre-deleting stale
// temporaries before writing and relying on atomic rename for finals.
var ErrAlreadyExists = errors.New("segment: file already exists")
