package blockfs

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

// rootInode is the inode pointer of the filesystem root directory, created
// by Format and always present after Init (spec.md §3).
const rootInode = 0

// FS is one initialized filesystem instance bound to a Device: the inode
// table, freelist, block pool, sequence generator and open-handle maps
// described across spec.md §2-§5, composed behind the public operations of
// §6. An FS is not safe for concurrent use from more than one goroutine
// (spec.md §5); callers needing concurrent access must serialize externally.
type FS struct {
	id        uuid.UUID
	dev       Device
	blockSize uint32

	pool   *blockPool
	fl     *freelist
	inodes *InodeTable
	seq    sequence

	liveFiles   map[uint32]*liveFile
	fileHandles map[uint32]*FileHandle
	dirHandles  map[uint32]*DirHandle
}

var (
	registryMu sync.Mutex
	registry   = map[uuid.UUID]*FS{}
)

// Format lays out a fresh filesystem on dev: the inode table, the freelist
// immediately after it, and a root directory inode pointing at a freshly
// allocated index/data block pair (spec.md §4.8). It returns the 16-byte
// config header the caller is responsible for persisting externally (spec.md
// §6: block 0 / the config surface is out of the core's scope).
func Format(dev Device, inodeBlockCount uint32) ([configHeaderSize]byte, error) {
	if inodeBlockCount == 0 || inodeBlockCount%8 != 0 {
		return [configHeaderSize]byte{}, fmt.Errorf("%w: inode_block_count must be a positive multiple of 8", ErrInvalidFSParams)
	}

	inodeStart := uint32(1)
	it, err := createInodeTable(dev, inodeStart, inodeBlockCount)
	if err != nil {
		return [configHeaderSize]byte{}, err
	}

	freelistStart := inodeStart + inodeBlockCount
	fl, _, err := createFreelist(dev, freelistStart)
	if err != nil {
		return [configHeaderSize]byte{}, err
	}

	fsys := &FS{
		dev:         dev,
		blockSize:   dev.BlockSize(),
		pool:        newBlockPool(dev.BlockSize()),
		fl:          fl,
		inodes:      it,
		liveFiles:   map[uint32]*liveFile{},
		fileHandles: map[uint32]*FileHandle{},
		dirHandles:  map[uint32]*DirHandle{},
	}

	rootBlk, err := fsys.allocZeroed()
	if err != nil {
		return [configHeaderSize]byte{}, err
	}
	dataBlk, err := fsys.allocZeroed()
	if err != nil {
		return [configHeaderSize]byte{}, err
	}
	if err := fsys.writePtr(rootBlk, 0, dataBlk); err != nil {
		return [configHeaderSize]byte{}, err
	}

	ptr, err := it.Create(true, false, rootBlk)
	if err != nil {
		return [configHeaderSize]byte{}, err
	}
	if ptr != rootInode {
		return [configHeaderSize]byte{}, fmt.Errorf("%w: root inode allocated at %d, expected %d", ErrFatalInternalError, ptr, rootInode)
	}

	logger.WithFields(logrus.Fields{
		"inode_block_count": inodeBlockCount,
		"root_blk":          rootBlk,
	}).Info("blockfs: formatted filesystem")

	return configHeader{inodeBlockCount: inodeBlockCount}.marshal(), nil
}

// Init loads a filesystem previously laid out by Format, registers it under
// a fresh fs_id, and returns the bound instance (spec.md §4.8, §6). It fails
// with Busy if the device is already bound to another live instance.
func Init(dev Device, config []byte) (*FS, error) {
	hdr, err := unmarshalConfigHeader(config)
	if err != nil {
		return nil, err
	}

	if b, ok := dev.(interface{ acquire() error }); ok {
		if err := b.acquire(); err != nil {
			return nil, err
		}
	}

	inodeStart := uint32(1)
	it, err := initInodeTable(dev, inodeStart, hdr.inodeBlockCount)
	if err != nil {
		releaseDevice(dev)
		return nil, err
	}

	freelistStart := inodeStart + hdr.inodeBlockCount
	fl, err := initFreelist(dev, freelistStart)
	if err != nil {
		releaseDevice(dev)
		return nil, err
	}

	fsys := &FS{
		id:          uuid.New(),
		dev:         dev,
		blockSize:   dev.BlockSize(),
		pool:        newBlockPool(dev.BlockSize()),
		fl:          fl,
		inodes:      it,
		liveFiles:   map[uint32]*liveFile{},
		fileHandles: map[uint32]*FileHandle{},
		dirHandles:  map[uint32]*DirHandle{},
	}

	registryMu.Lock()
	registry[fsys.id] = fsys
	registryMu.Unlock()

	logger.WithFields(logrus.Fields{"fs_id": fsys.id}).Info("blockfs: initialized filesystem")
	return fsys, nil
}

func releaseDevice(dev Device) {
	if b, ok := dev.(interface{ release() }); ok {
		b.release()
	}
}

// GetFS looks up a previously Init'd instance by its fs_id, for callers (such
// as a host bridge) that address filesystems by an opaque identifier rather
// than holding the *FS directly.
func GetFS(id uuid.UUID) (*FS, bool) {
	registryMu.Lock()
	defer registryMu.Unlock()
	fsys, ok := registry[id]
	return fsys, ok
}

// ID returns the fs_id this instance was registered under by Init.
func (fsys *FS) ID() uuid.UUID { return fsys.id }

// Destroy drops the in-memory structures and unbinds the device, allowing it
// to be Init'd again (spec.md §4.8 deinit). The device itself is owned
// externally and is left untouched.
func (fsys *FS) Destroy() error {
	registryMu.Lock()
	delete(registry, fsys.id)
	registryMu.Unlock()
	releaseDevice(fsys.dev)
	logger.WithFields(logrus.Fields{"fs_id": fsys.id}).Info("blockfs: destroyed filesystem")
	return nil
}

// Lookup returns the inode pointer bound to name within the directory
// dirInode (spec.md §4.7).
func (fsys *FS) Lookup(dirInode uint32, name string) (uint32, error) {
	rec, ok, err := fsys.inodes.Read(dirInode)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrNoEnt
	}
	if !rec.Flags.IsDir() {
		return 0, ErrNotDir
	}
	inode, _, found, err := fsys.lookupEntry(rec.DataBlk, rec.Size, name)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, ErrNoEnt
	}
	return inode, nil
}

// Exists reports whether name is present in dirInode.
func (fsys *FS) Exists(dirInode uint32, name string) (bool, error) {
	_, err := fsys.Lookup(dirInode, name)
	if err == nil {
		return true, nil
	}
	if err == ErrNoEnt {
		return false, nil
	}
	return false, err
}

// Stat returns the metadata record for inodePtr (spec.md §4.8, §6). Name is
// always empty; it is only populated by Readdir.
func (fsys *FS) Stat(inodePtr uint32) (Stat, error) {
	rec, ok, err := fsys.inodes.Read(inodePtr)
	if err != nil {
		return Stat{}, err
	}
	if !ok {
		return Stat{}, ErrNoEnt
	}
	typ := TypeFile
	if rec.Flags.IsDir() {
		typ = TypeDir
	}
	return Stat{
		Inode:      inodePtr,
		Type:       typ,
		Executable: rec.Flags.IsExecutable(),
		Mtime:      rec.Mtime,
		Size:       rec.Size,
	}, nil
}

// allocFilePair allocates and links a fresh index block and its first data
// block, as required of every inode (spec.md §3: "a file always has at least
// one index block and one data block pre-allocated").
func (fsys *FS) allocFilePair() (rootBlk, dataBlk uint32, err error) {
	rootBlk, err = fsys.allocZeroed()
	if err != nil {
		return 0, 0, err
	}
	dataBlk, err = fsys.allocZeroed()
	if err != nil {
		fsys.fl.free(rootBlk)
		return 0, 0, err
	}
	if err := fsys.writePtr(rootBlk, 0, dataBlk); err != nil {
		return 0, 0, err
	}
	return rootBlk, dataBlk, nil
}

// createEntry implements the shared body of mkdir and create (spec.md §4.7):
// reject on name collision, allocate an index+data pair and an inode, insert
// the directory entry, and roll back every allocation on any failure along
// the way.
func (fsys *FS) createEntry(dirInode uint32, name string, isDir bool) (uint32, error) {
	if len(name) > dirNameLen {
		return 0, ErrNameTooLong
	}

	parent, ok, err := fsys.inodes.Read(dirInode)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrNoEnt
	}
	if !parent.Flags.IsDir() {
		return 0, ErrNotDir
	}

	_, _, found, err := fsys.lookupEntry(parent.DataBlk, parent.Size, name)
	if err != nil {
		return 0, err
	}
	if found {
		return 0, ErrExists
	}

	rootBlk, _, err := fsys.allocFilePair()
	if err != nil {
		return 0, err
	}

	inodePtr, err := fsys.inodes.Create(isDir, false, rootBlk)
	if err != nil {
		if ferr := fsys.purge(rootBlk); ferr != nil {
			return 0, multierror.Append(err, ferr)
		}
		return 0, err
	}

	offset, err := fsys.findInsertSlot(parent.DataBlk, parent.Size)
	if err != nil {
		return 0, fsys.rollbackEntry(inodePtr, err)
	}
	if err := fsys.writeDirEntrySlot(parent.DataBlk, parent.Size, offset, dirEntry{Name: name, Inode: inodePtr}); err != nil {
		return 0, fsys.rollbackEntry(inodePtr, err)
	}

	if offset == parent.Size {
		newSize := offset + dirEntrySize
		if err := fsys.inodes.Update(dirInode, &newSize, nil); err != nil {
			return 0, fsys.rollbackEntry(inodePtr, err)
		}
	}

	return inodePtr, nil
}

// rollbackEntry undoes a partially completed createEntry: it frees the inode
// and the storage it referenced, aggregating any secondary failure onto the
// original error (spec.md §7 "rollback is local").
func (fsys *FS) rollbackEntry(inodePtr uint32, cause error) error {
	dataBlk, _, err := fsys.inodes.MustFree(inodePtr)
	if err != nil {
		return multierror.Append(cause, err)
	}
	if err := fsys.purge(dataBlk); err != nil {
		return multierror.Append(cause, err)
	}
	return cause
}

// Create allocates a new regular-file inode named name inside dirInode
// (spec.md §6 create). Fails Exists if the name is taken, NameTooLong if the
// name exceeds 14 bytes.
func (fsys *FS) Create(dirInode uint32, name string) (uint32, error) {
	return fsys.createEntry(dirInode, name, false)
}

// Mkdir allocates a new directory inode named name inside dirInode.
func (fsys *FS) Mkdir(dirInode uint32, name string) (uint32, error) {
	return fsys.createEntry(dirInode, name, true)
}

// Rmdir removes an empty directory entry (spec.md §4.7, and the NotEmpty
// check added per the open question in spec.md §9).
func (fsys *FS) Rmdir(dirInode uint32, name string) error {
	parent, ok, err := fsys.inodes.Read(dirInode)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNoEnt
	}

	inodePtr, offset, found, err := fsys.lookupEntry(parent.DataBlk, parent.Size, name)
	if err != nil {
		return err
	}
	if !found {
		return ErrNoEnt
	}

	rec, ok, err := fsys.inodes.Read(inodePtr)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: directory entry %q points at absent inode %d", ErrFatalInternalError, name, inodePtr)
	}
	if !rec.Flags.IsDir() {
		return ErrNotDir
	}

	empty, err := fsys.dirIsEmpty(rec.DataBlk, rec.Size)
	if err != nil {
		return err
	}
	if !empty {
		return ErrNotEmpty
	}

	if err := fsys.writeDirEntrySlot(parent.DataBlk, parent.Size, offset, dirEntry{}); err != nil {
		return err
	}

	dataBlk, _, err := fsys.inodes.MustFree(inodePtr)
	if err != nil {
		return err
	}
	return fsys.purge(dataBlk)
}

// Unlink removes a regular-file entry (spec.md §4.7). Directories are
// rejected with IsDir. If the inode is currently open, purge is deferred to
// the last close.
func (fsys *FS) Unlink(dirInode uint32, name string) error {
	parent, ok, err := fsys.inodes.Read(dirInode)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNoEnt
	}

	inodePtr, offset, found, err := fsys.lookupEntry(parent.DataBlk, parent.Size, name)
	if err != nil {
		return err
	}
	if !found {
		return ErrNoEnt
	}

	rec, ok, err := fsys.inodes.Read(inodePtr)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: directory entry %q points at absent inode %d", ErrFatalInternalError, name, inodePtr)
	}
	if rec.Flags.IsDir() {
		return ErrIsDir
	}

	if err := fsys.writeDirEntrySlot(parent.DataBlk, parent.Size, offset, dirEntry{}); err != nil {
		return err
	}

	if live, open := fsys.liveFiles[inodePtr]; open {
		live.deleted = true
		return nil
	}

	dataBlk, _, err := fsys.inodes.MustFree(inodePtr)
	if err != nil {
		return err
	}
	return fsys.purge(dataBlk)
}

// nextHandle draws the next handle number from the shared sequence,
// skipping any value already live in either handle map (spec.md §9
// "Handle-number collisions after wrap").
func (fsys *FS) nextHandle() uint32 {
	for {
		n := fsys.seq.advance()
		if _, busy := fsys.fileHandles[n]; busy {
			continue
		}
		if _, busy := fsys.dirHandles[n]; busy {
			continue
		}
		return n
	}
}

// Open opens a regular-file inode for reading and/or writing (spec.md §4.6,
// §6). flags is a bitset of OpenSeekEnd, OpenTruncate, OpenRead, OpenWrite
// (OpenCreate is accepted but has no effect here; callers create the inode
// via Create first).
func (fsys *FS) Open(inodePtr uint32, flags OpenFlags) (uint32, error) {
	rec, ok, err := fsys.inodes.Read(inodePtr)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrNoEnt
	}
	if rec.Flags.IsDir() {
		return 0, ErrIsDir
	}

	live, err := fsys.openLive(inodePtr, rec.DataBlk, rec.Size, flags.Has(OpenTruncate))
	if err != nil {
		return 0, err
	}

	cur, err := fsys.openCursor(live.rootBlk)
	if err != nil {
		fsys.closeLive(live)
		return 0, err
	}

	if flags.Has(OpenTruncate) {
		if err := fsys.truncateToZero(live.rootBlk); err != nil {
			fsys.closeLive(live)
			return 0, err
		}
		live.size = 0
		if err := fsys.inodes.Update(inodePtr, &live.size, nil); err != nil {
			fsys.closeLive(live)
			return 0, err
		}
	}
	if flags.Has(OpenSeekEnd) {
		cur.seek(live.size)
	}

	num := fsys.nextHandle()
	fsys.fileHandles[num] = &FileHandle{num: num, live: live, flags: flags, cur: *cur}
	return num, nil
}

// Close releases a file handle (spec.md §4.6).
func (fsys *FS) Close(fd uint32) error {
	fh, ok := fsys.fileHandles[fd]
	if !ok {
		return ErrInvalidFileHandle
	}
	delete(fsys.fileHandles, fd)
	return fsys.closeLive(fh.live)
}

// Read reads into dst from fd's current offset (spec.md §4.5, §6).
func (fsys *FS) Read(fd uint32, dst []byte) (int, bool, error) {
	fh, ok := fsys.fileHandles[fd]
	if !ok {
		return 0, false, ErrInvalidFileHandle
	}
	if !fh.flags.Has(OpenRead) {
		return 0, false, ErrNotReadable
	}
	return fsys.readAt(&fh.cur, dst, fh.live.size)
}

// Write writes src at fd's current offset, extending the file and updating
// its size if the write passes the previous end (spec.md §4.5, §6). Rejects
// writes that would exceed the geometry's maximum file size with NoSpace.
func (fsys *FS) Write(fd uint32, src []byte) (int, error) {
	fh, ok := fsys.fileHandles[fd]
	if !ok {
		return 0, ErrInvalidFileHandle
	}
	if !fh.flags.Has(OpenWrite) {
		return 0, ErrNotWritable
	}
	if uint64(fh.cur.absOffset)+uint64(len(src)) > uint64(fsys.maxFileSize()) {
		return 0, ErrNoSpace
	}

	n, err := fsys.writeAt(&fh.cur, src, fh.live.size)
	if err != nil {
		return n, err
	}
	if fh.cur.absOffset > fh.live.size {
		fh.live.size = fh.cur.absOffset
		mtime := fsys.now()
		if err := fsys.inodes.Update(fh.live.inodePtr, &fh.live.size, &mtime); err != nil {
			return n, err
		}
	}
	return n, nil
}

// Seek repositions fd's cursor (spec.md §4.8 seek). whence selects the
// reference point; the target must land within [0, size].
func (fsys *FS) Seek(fd uint32, offset int64, whence Whence) error {
	fh, ok := fsys.fileHandles[fd]
	if !ok {
		return ErrInvalidFileHandle
	}

	var base int64
	switch whence {
	case SeekAbs:
		base = 0
	case SeekRelCurr:
		base = int64(fh.cur.absOffset)
	case SeekRelEnd:
		base = int64(fh.live.size)
	default:
		return ErrInvalidOffset
	}

	target := base + offset
	if target < 0 || target > int64(fh.live.size) {
		return ErrInvalidOffset
	}
	fh.cur.seek(uint32(target))
	return nil
}

// Tell returns fd's current absolute offset.
func (fsys *FS) Tell(fd uint32) (uint32, error) {
	fh, ok := fsys.fileHandles[fd]
	if !ok {
		return 0, ErrInvalidFileHandle
	}
	return fh.cur.absOffset, nil
}

// Eof reports whether fd's cursor sits at end-of-file.
func (fsys *FS) Eof(fd uint32) (bool, error) {
	fh, ok := fsys.fileHandles[fd]
	if !ok {
		return false, ErrInvalidFileHandle
	}
	return fh.cur.absOffset >= fh.live.size, nil
}

// Opendir opens a directory inode for Readdir iteration (spec.md §4.7).
func (fsys *FS) Opendir(inodePtr uint32) (uint32, error) {
	rec, ok, err := fsys.inodes.Read(inodePtr)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrNoEnt
	}
	if !rec.Flags.IsDir() {
		return 0, ErrNotDir
	}

	live, err := fsys.openLive(inodePtr, rec.DataBlk, rec.Size, false)
	if err != nil {
		return 0, err
	}
	cur, err := fsys.openCursor(live.rootBlk)
	if err != nil {
		fsys.closeLive(live)
		return 0, err
	}

	num := fsys.nextHandle()
	fsys.dirHandles[num] = &DirHandle{num: num, live: live, cur: *cur}
	return num, nil
}

// Closedir releases a directory handle.
func (fsys *FS) Closedir(fd uint32) error {
	dh, ok := fsys.dirHandles[fd]
	if !ok {
		return ErrInvalidFileHandle
	}
	delete(fsys.dirHandles, fd)
	return fsys.closeLive(dh.live)
}

// Readdir returns the next non-tombstone entry of fd as a Stat, or found=false
// at end-of-iteration (spec.md §4.7, §6).
func (fsys *FS) Readdir(fd uint32) (Stat, bool, error) {
	dh, ok := fsys.dirHandles[fd]
	if !ok {
		return Stat{}, false, ErrInvalidFileHandle
	}

	buf := make([]byte, dirEntrySize)
	for dh.cur.absOffset < dh.live.size {
		n, _, err := fsys.readAt(&dh.cur, buf, dh.live.size)
		if err != nil {
			return Stat{}, false, err
		}
		if n != dirEntrySize {
			return Stat{}, false, fmt.Errorf("%w: short directory entry read at offset %d", ErrFatalInternalError, dh.cur.absOffset-uint32(n))
		}
		if isTombstone(buf) {
			continue
		}
		e := unmarshalDirEntry(buf)
		rec, ok, err := fsys.inodes.Read(e.Inode)
		if err != nil {
			return Stat{}, false, err
		}
		if !ok {
			return Stat{}, false, fmt.Errorf("%w: directory entry %q points at absent inode %d", ErrFatalInternalError, e.Name, e.Inode)
		}
		typ := TypeFile
		if rec.Flags.IsDir() {
			typ = TypeDir
		}
		return Stat{
			Name:       e.Name,
			Inode:      e.Inode,
			Type:       typ,
			Executable: rec.Flags.IsExecutable(),
			Mtime:      rec.Mtime,
			Size:       rec.Size,
		}, true, nil
	}
	return Stat{}, false, nil
}

// FreeBlockCount reports the number of blocks currently unallocated.
func (fsys *FS) FreeBlockCount() uint32 {
	return fsys.fl.freeBlockCount()
}
