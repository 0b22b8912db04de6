package blockfs

import "time"

// liveFile is the single per-open-inode record shared by every handle on
// that inode (spec.md §3, §4.6): cached size, deletion flag, refcount.
type liveFile struct {
	inodePtr uint32
	rootBlk  uint32
	size     uint32
	deleted  bool
	refCount int
}

// FileHandle is a per-open-instance cursor over a regular file.
type FileHandle struct {
	num   uint32
	live  *liveFile
	flags OpenFlags
	cur   cursor
}

// DirHandle is a per-open-instance cursor over a directory, kept in a
// separate map from FileHandle so directory-only operations can't be
// performed through a file descriptor (spec.md §4.7).
type DirHandle struct {
	num  uint32
	live *liveFile
	cur  cursor
}

// openLive finds or creates the live-state record for inodePtr and bumps its
// refcount, enforcing the Busy-on-truncate-while-open rule (spec.md §4.6).
func (fsys *FS) openLive(inodePtr, rootBlk, size uint32, truncate bool) (*liveFile, error) {
	live, ok := fsys.liveFiles[inodePtr]
	if !ok {
		live = &liveFile{inodePtr: inodePtr, rootBlk: rootBlk, size: size}
		fsys.liveFiles[inodePtr] = live
	}
	if truncate && live.refCount > 0 {
		return nil, ErrBusy
	}
	live.refCount++
	return live, nil
}

// closeLive decrements refCount and, on the last close of a deleted file,
// purges its storage and inode slot (spec.md §4.6 Closing).
func (fsys *FS) closeLive(live *liveFile) error {
	live.refCount--
	if live.refCount > 0 {
		return nil
	}
	delete(fsys.liveFiles, live.inodePtr)
	if !live.deleted {
		return nil
	}
	dataBlk, _, err := fsys.inodes.MustFree(live.inodePtr)
	if err != nil {
		return err
	}
	return fsys.purge(dataBlk)
}

func (fsys *FS) now() uint32 {
	return uint32(time.Now().Unix())
}
