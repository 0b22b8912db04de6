package blockfs

import (
	"encoding/binary"
	"fmt"
)

// FileType is the Stat.Type discriminant (spec.md §6).
type FileType uint8

const (
	TypeFile FileType = 1
	TypeDir  FileType = 2
)

func (t FileType) String() string {
	switch t {
	case TypeFile:
		return "file"
	case TypeDir:
		return "dir"
	default:
		return fmt.Sprintf("FileType(%d)", t)
	}
}

// Stat is the shape callers observe for an inode (spec.md §6). Name is only
// populated when the record came from Readdir; every other field comes
// straight from the inode record.
type Stat struct {
	Name       string
	Inode      uint32
	Type       FileType
	Executable bool
	Mtime      uint32
	Size       uint32
}

// statWireSize is the host-bridge wire encoding of a Stat: 14-byte name +
// null, u8 type, u8 executable, u32 inode, u32 mtime, u32 size (spec.md §6).
const statWireSize = 14 + 1 + 1 + 1 + 4 + 4 + 4

// MarshalBinary encodes the Stat in the fixed 29-byte host-bridge wire
// format. Name is truncated to 14 bytes if longer.
func (s Stat) MarshalBinary() ([]byte, error) {
	buf := make([]byte, statWireSize)
	copy(buf[0:dirNameLen], s.Name)
	buf[dirNameLen] = 0 // null terminator
	buf[15] = byte(s.Type)
	if s.Executable {
		buf[16] = 1
	}
	binary.BigEndian.PutUint32(buf[17:21], s.Inode)
	binary.BigEndian.PutUint32(buf[21:25], s.Mtime)
	binary.BigEndian.PutUint32(buf[25:29], s.Size)
	return buf, nil
}

// UnmarshalBinary decodes a 29-byte host-bridge stat record.
func (s *Stat) UnmarshalBinary(buf []byte) error {
	if len(buf) != statWireSize {
		return fmt.Errorf("%w: stat record must be %d bytes", ErrFatalInternalError, statWireSize)
	}
	end := dirNameLen
	for end > 0 && buf[end-1] == 0 {
		end--
	}
	s.Name = string(buf[0:end])
	s.Type = FileType(buf[15])
	s.Executable = buf[16] != 0
	s.Inode = binary.BigEndian.Uint32(buf[17:21])
	s.Mtime = binary.BigEndian.Uint32(buf[21:25])
	s.Size = binary.BigEndian.Uint32(buf[25:29])
	return nil
}
