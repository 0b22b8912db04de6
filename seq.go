package blockfs

import "math"

// sequence is a monotonic handle generator shared by the open-file and
// open-directory maps (spec.md §3, §9). It wraps at math.MaxInt32 rather than
// overflowing a signed int, and the caller is responsible for skipping any
// candidate already live in either handle map. The zero value is ready to
// use and never hands out handle 0, which is reserved for "no handle".
type sequence struct {
	next uint32
}

func (s *sequence) advance() uint32 {
	if s.next == 0 || s.next == math.MaxInt32 {
		s.next = 1
	} else {
		s.next++
	}
	return s.next
}
