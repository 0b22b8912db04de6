package blockfs

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// InodeFlags is the flags field of an on-disk inode record (spec.md §3).
type InodeFlags uint16

const (
	// InodeDir marks a directory inode.
	InodeDir InodeFlags = 1 << 0
	// InodeFile marks a regular-file inode.
	InodeFile InodeFlags = 1 << 1
	// InodeExecutable marks the single "executable" permission bit this
	// filesystem supports (spec.md §1 Non-goals: no other permission bits).
	InodeExecutable InodeFlags = 1 << 15
)

func (f InodeFlags) IsDir() bool        { return f&InodeDir != 0 }
func (f InodeFlags) IsFile() bool       { return f&InodeFile != 0 }
func (f InodeFlags) IsExecutable() bool { return f&InodeExecutable != 0 }
func (f InodeFlags) present() bool      { return f != 0 }

// inodeRecordSize is the fixed on-disk size of an inode record, in bytes.
const inodeRecordSize = 16

// InodeRecord is the in-memory decoding of a 16-byte on-disk inode record.
type InodeRecord struct {
	Flags   InodeFlags
	DataBlk uint32 // root index-block pointer
	MetaBlk uint32 // reserved for future extended metadata, always 0 today
	Mtime   uint32 // seconds since epoch
	Size    uint32 // logical byte length
}

func (r InodeRecord) marshal() []byte {
	buf := make([]byte, inodeRecordSize)
	binary.BigEndian.PutUint16(buf[0:2], uint16(r.Flags))
	// bytes 2:4 reserved, zero
	binary.BigEndian.PutUint16(buf[4:6], uint16(r.DataBlk))
	binary.BigEndian.PutUint16(buf[6:8], uint16(r.MetaBlk))
	binary.BigEndian.PutUint32(buf[8:12], r.Mtime)
	binary.BigEndian.PutUint32(buf[12:16], r.Size)
	return buf
}

func unmarshalInodeRecord(buf []byte) InodeRecord {
	return InodeRecord{
		Flags:   InodeFlags(binary.BigEndian.Uint16(buf[0:2])),
		DataBlk: uint32(binary.BigEndian.Uint16(buf[4:6])),
		MetaBlk: uint32(binary.BigEndian.Uint16(buf[6:8])),
		Mtime:   binary.BigEndian.Uint32(buf[8:12]),
		Size:    binary.BigEndian.Uint32(buf[12:16]),
	}
}

// InodeTable is the fixed-size persistent array of inode records described
// in spec.md §4.3. The in-memory free stack is populated in reverse on load
// so popping it yields low indices first, mirroring the freelist's policy;
// slots released by MustFree are pushed on top and are reused first.
type InodeTable struct {
	dev      Device
	startBlk uint32
	perBlock uint32 // records per block
	count    uint32 // total slots, capped at 65536
	stack    []uint32
	nowFunc  func() time.Time // overridable for tests
}

// maxInodeCount is the hard cap on inode table slots: inode pointers are
// 16-bit (spec.md §3).
const maxInodeCount = 65536

func createInodeTable(dev Device, startBlk, inodeBlockCount uint32) (*InodeTable, error) {
	blockSize := dev.BlockSize()
	perBlock := blockSize / inodeRecordSize
	count := perBlock * inodeBlockCount
	if count > maxInodeCount {
		count = maxInodeCount
	}

	it := &InodeTable{
		dev:      dev,
		startBlk: startBlk,
		perBlock: perBlock,
		count:    count,
		nowFunc:  time.Now,
	}

	zero := make([]byte, blockSize)
	for b := uint32(0); b < inodeBlockCount; b++ {
		if err := dev.WriteBlock(startBlk+b, zero); err != nil {
			return nil, err
		}
	}

	it.rebuildStack()
	logger.WithFields(logrus.Fields{"slots": count, "start_blk": startBlk}).Debug("blockfs: inode table formatted")
	return it, nil
}

func initInodeTable(dev Device, startBlk, inodeBlockCount uint32) (*InodeTable, error) {
	blockSize := dev.BlockSize()
	perBlock := blockSize / inodeRecordSize
	count := perBlock * inodeBlockCount
	if count > maxInodeCount {
		count = maxInodeCount
	}

	it := &InodeTable{
		dev:      dev,
		startBlk: startBlk,
		perBlock: perBlock,
		count:    count,
		nowFunc:  time.Now,
	}
	it.rebuildStack()
	return it, nil
}

// rebuildStack walks the table in reverse, pushing free slot indices so the
// free stack pops the lowest index next (spec.md §4.3).
func (it *InodeTable) rebuildStack() {
	it.stack = it.stack[:0]
	buf := make([]byte, it.dev.BlockSize())
	for i := it.count; i > 0; i-- {
		ptr := i - 1
		rec, err := it.readBlockRecord(buf, ptr)
		if err != nil {
			panic(fmt.Sprintf("blockfs: rebuilding inode free stack: %v", err))
		}
		if !rec.Flags.present() {
			it.stack = append(it.stack, ptr)
		}
	}
}

func (it *InodeTable) blockAndOffset(ptr uint32) (blk uint32, off uint32) {
	return it.startBlk + ptr/it.perBlock, (ptr % it.perBlock) * inodeRecordSize
}

func (it *InodeTable) readBlockRecord(scratch []byte, ptr uint32) (InodeRecord, error) {
	blk, off := it.blockAndOffset(ptr)
	if err := it.dev.ReadBlock(scratch, blk); err != nil {
		return InodeRecord{}, fmt.Errorf("%w: reading inode block %d: %v", ErrFatalInternalError, blk, err)
	}
	return unmarshalInodeRecord(scratch[off : off+inodeRecordSize]), nil
}

func (it *InodeTable) writeRecord(ptr uint32, rec InodeRecord) error {
	blk, off := it.blockAndOffset(ptr)
	scratch := make([]byte, it.dev.BlockSize())
	if err := it.dev.ReadBlock(scratch, blk); err != nil {
		return fmt.Errorf("%w: reading inode block %d: %v", ErrFatalInternalError, blk, err)
	}
	copy(scratch[off:off+inodeRecordSize], rec.marshal())
	return it.dev.WriteBlock(blk, scratch)
}

// Create allocates a fresh inode with the given kind, executable bit and
// root index-block pointer, returning its inode pointer. Returns
// ErrNoFreeInodes if the table is full.
func (it *InodeTable) Create(isDir, executable bool, dataBlk uint32) (uint32, error) {
	n := len(it.stack)
	if n == 0 {
		return 0, ErrNoFreeInodes
	}
	ptr := it.stack[n-1]

	flags := InodeFile
	if isDir {
		flags = InodeDir
	}
	if executable {
		flags |= InodeExecutable
	}

	rec := InodeRecord{
		Flags:   flags,
		DataBlk: dataBlk,
		Mtime:   uint32(it.nowFunc().Unix()),
	}
	if err := it.writeRecord(ptr, rec); err != nil {
		return 0, err
	}
	it.stack = it.stack[:n-1]
	return ptr, nil
}

// Read returns the record at ptr and whether a present inode occupies it.
func (it *InodeTable) Read(ptr uint32) (InodeRecord, bool, error) {
	if ptr >= it.count {
		return InodeRecord{}, false, fmt.Errorf("%w: inode pointer %d out of range", ErrFatalInternalError, ptr)
	}
	scratch := make([]byte, it.dev.BlockSize())
	rec, err := it.readBlockRecord(scratch, ptr)
	if err != nil {
		return InodeRecord{}, false, err
	}
	return rec, rec.Flags.present(), nil
}

// Update performs a partial update of size and/or mtime, leaving omitted
// fields (signalled by nil) at their prior value.
func (it *InodeTable) Update(ptr uint32, size, mtime *uint32) error {
	rec, ok, err := it.Read(ptr)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: update on absent inode %d", ErrFatalInternalError, ptr)
	}
	if size != nil {
		rec.Size = *size
	}
	if mtime != nil {
		rec.Mtime = *mtime
	}
	return it.writeRecord(ptr, rec)
}

// MustFree zeroes the inode slot, pushes it back onto the free stack, and
// returns the data/meta block pointers it held so the caller can reclaim
// the storage they reference.
func (it *InodeTable) MustFree(ptr uint32) (dataBlk, metaBlk uint32, err error) {
	rec, ok, err := it.Read(ptr)
	if err != nil {
		return 0, 0, err
	}
	if !ok {
		return 0, 0, fmt.Errorf("%w: freeing absent inode %d", ErrFatalInternalError, ptr)
	}
	if err := it.writeRecord(ptr, InodeRecord{}); err != nil {
		return 0, 0, err
	}
	it.stack = append(it.stack, ptr)
	return rec.DataBlk, rec.MetaBlk, nil
}
