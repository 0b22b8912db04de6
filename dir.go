package blockfs

import "fmt"

// dirNameLen and dirEntrySize are the fixed on-disk directory entry layout
// (spec.md §3): 14-byte zero-padded name, 2-byte big-endian inode pointer.
const (
	dirNameLen   = 14
	dirEntrySize = 16
)

// dirEntry is the in-memory decoding of one 16-byte directory entry.
type dirEntry struct {
	Name  string
	Inode uint32
}

// isTombstone reports whether a raw 16-byte entry buffer is a tombstone: a
// previously-deleted or never-used slot (spec.md §3, §4.7).
func isTombstone(buf []byte) bool {
	return buf[0] == 0
}

func (e dirEntry) marshal() []byte {
	buf := make([]byte, dirEntrySize)
	copy(buf[0:dirNameLen], e.Name)
	buf[14] = byte(e.Inode >> 8)
	buf[15] = byte(e.Inode)
	return buf
}

func unmarshalDirEntry(buf []byte) dirEntry {
	end := dirNameLen
	for end > 0 && buf[end-1] == 0 {
		end--
	}
	return dirEntry{
		Name:  string(buf[0:end]),
		Inode: uint32(buf[14])<<8 | uint32(buf[15]),
	}
}

// dirWalk visits every entry of a directory file in order, including
// tombstones, calling visit(offset, raw 16-byte entry). Stopping early is
// signalled by visit returning stop=true.
func (fsys *FS) dirWalk(rootBlk, size uint32, visit func(offset uint32, buf []byte) (stop bool)) error {
	cur, err := fsys.openCursor(rootBlk)
	if err != nil {
		return err
	}
	buf := make([]byte, dirEntrySize)
	for off := uint32(0); off < size; off += dirEntrySize {
		n, _, err := fsys.readAt(cur, buf, size)
		if err != nil {
			return err
		}
		if n != dirEntrySize {
			return fmt.Errorf("%w: short directory entry read at offset %d", ErrFatalInternalError, off)
		}
		if visit(off, buf) {
			return nil
		}
	}
	return nil
}

// lookupEntry returns the inode pointer bound to name in the directory
// rooted at rootBlk, and the byte offset of that entry.
func (fsys *FS) lookupEntry(rootBlk, size uint32, name string) (inode, offset uint32, found bool, err error) {
	err = fsys.dirWalk(rootBlk, size, func(off uint32, buf []byte) bool {
		if isTombstone(buf) {
			return false
		}
		e := unmarshalDirEntry(buf)
		if e.Name == name {
			inode, offset, found = e.Inode, off, true
			return true
		}
		return false
	})
	return
}

// findInsertSlot returns the offset of the first tombstone encountered, or
// size (append) if there is none (spec.md §4.7 find_insert_slot).
func (fsys *FS) findInsertSlot(rootBlk, size uint32) (offset uint32, err error) {
	offset = size
	found := false
	err = fsys.dirWalk(rootBlk, size, func(off uint32, buf []byte) bool {
		if isTombstone(buf) && !found {
			offset = off
			found = true
		}
		return false
	})
	return
}

// writeDirEntrySlot writes e at offset within the directory rooted at
// rootBlk, whose current logical size is size.
func (fsys *FS) writeDirEntrySlot(rootBlk, size, offset uint32, e dirEntry) error {
	cur, err := fsys.openCursor(rootBlk)
	if err != nil {
		return err
	}
	cur.seek(offset)
	n, err := fsys.writeAt(cur, e.marshal(), size)
	if err != nil {
		return err
	}
	if n != dirEntrySize {
		return fmt.Errorf("%w: short directory entry write at offset %d", ErrFatalInternalError, offset)
	}
	return nil
}

// dirIsEmpty reports whether every entry in the directory is a tombstone.
func (fsys *FS) dirIsEmpty(rootBlk, size uint32) (bool, error) {
	empty := true
	err := fsys.dirWalk(rootBlk, size, func(off uint32, buf []byte) bool {
		if !isTombstone(buf) {
			empty = false
			return true
		}
		return false
	})
	return empty, err
}

// CompactDir rewrites a directory's entries with tombstones stripped,
// shrinking its backing storage. spec.md §9 leaves directory compaction as
// an acknowledged gap ("periodic compaction is described in design comments
// but not implemented"); this is the opt-in implementation of that gap,
// callable from the CLI's `gc` subcommand.
func (fsys *FS) CompactDir(dirInode uint32) error {
	rec, ok, err := fsys.inodes.Read(dirInode)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNoEnt
	}
	if !rec.Flags.IsDir() {
		return ErrNotDir
	}

	var live []dirEntry
	err = fsys.dirWalk(rec.DataBlk, rec.Size, func(off uint32, buf []byte) bool {
		if !isTombstone(buf) {
			live = append(live, unmarshalDirEntry(buf))
		}
		return false
	})
	if err != nil {
		return err
	}

	if err := fsys.truncateToZero(rec.DataBlk); err != nil {
		return err
	}
	var newSize uint32
	for i, e := range live {
		off := uint32(i) * dirEntrySize
		if err := fsys.writeDirEntrySlot(rec.DataBlk, newSize, off, e); err != nil {
			return err
		}
		newSize = off + dirEntrySize
	}
	return fsys.inodes.Update(dirInode, &newSize, nil)
}
