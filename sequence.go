package flowplug

import "sync/atomic"

// Sequence hands out process-unique, monotonically increasing ids. The zero
// value is ready to use and starts at 0. Safe for concurrent use.
type Sequence struct {
	next atomic.Uint64
}

// Next returns the next id in the sequence.
func (s *Sequence) Next() uint64 {
	return s.next.Add(1) - 1
}
