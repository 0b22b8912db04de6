package blockfs

import "strings"

// OpenFlags is the bitset passed to Open (spec.md §6).
type OpenFlags uint16

const (
	OpenCreate   OpenFlags = 1 << iota // create the file if it does not exist (handled by the caller via Create, kept for parity with spec.md's bit layout)
	OpenSeekEnd                        // seek to end-of-file once opened
	OpenTruncate                       // truncate to zero length on open; fails Busy if already open elsewhere
	OpenRead                           // handle may Read
	OpenWrite                          // handle may Write
)

func (f OpenFlags) String() string {
	var opt []string
	if f&OpenCreate != 0 {
		opt = append(opt, "CREATE")
	}
	if f&OpenSeekEnd != 0 {
		opt = append(opt, "SEEK_END")
	}
	if f&OpenTruncate != 0 {
		opt = append(opt, "TRUNCATE")
	}
	if f&OpenRead != 0 {
		opt = append(opt, "READ")
	}
	if f&OpenWrite != 0 {
		opt = append(opt, "WRITE")
	}
	return strings.Join(opt, "|")
}

func (f OpenFlags) Has(what OpenFlags) bool {
	return f&what == what
}

// Whence selects the reference point for Seek (spec.md §6).
type Whence int

const (
	SeekAbs     Whence = 0
	SeekRelCurr Whence = 1
	SeekRelEnd  Whence = 2
)
