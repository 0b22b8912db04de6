package blockfs

import (
	"encoding/binary"
	"fmt"
)

// blkOff is one (block, byte-offset-within-block) pair of the cursor's
// tri-level position (spec.md §4.5).
type blkOff struct {
	blk uint32
	off uint32
}

// cursor is the per-handle tri-level position into a file's two-level index
// (spec.md §3, §4.5): abs_offset plus root/mid/data block-and-offset pairs,
// a deep flag once the cursor has crossed into indirect territory, and
// refsInvalid meaning the three pairs are stale and must be recomputed from
// abs_offset before the next I/O.
type cursor struct {
	absOffset   uint32
	root        blkOff
	mid         blkOff
	data        blkOff
	deep        bool
	refsInvalid bool
}

// --- geometry, derived purely from block size (spec.md §3) ---

// halfBlock is P = blockSize/2: the byte length of each half of an index
// block, and coincidentally also the number of data pointers a full
// indirect block holds.
func (fsys *FS) halfBlock() uint32 { return fsys.blockSize / 2 }

// directSlots is the number of direct pointers in an index block's first
// half: P/2 entries of 2 bytes each.
func (fsys *FS) directSlots() uint32 { return fsys.halfBlock() / 2 }

// indirectSlots is the number of indirect pointers in an index block's
// second half, equal to directSlots.
func (fsys *FS) indirectSlots() uint32 { return fsys.halfBlock() / 2 }

// indirectThreshold (T) is the first absolute offset requiring indirect
// addressing.
func (fsys *FS) indirectThreshold() uint32 { return fsys.directSlots() * fsys.blockSize }

// maxFileSize is T + (P/2)*P*B (spec.md §3).
func (fsys *FS) maxFileSize() uint32 {
	return fsys.indirectThreshold() + fsys.indirectSlots()*fsys.halfBlock()*fsys.blockSize
}

// --- raw pointer IO ---

func (fsys *FS) readPtr(blk, off uint32) (uint32, error) {
	buf := fsys.pool.take()
	defer fsys.pool.give(buf)
	if err := fsys.dev.ReadBlock(buf, blk); err != nil {
		return 0, fmt.Errorf("%w: reading block %d: %v", ErrFatalInternalError, blk, err)
	}
	return uint32(binary.BigEndian.Uint16(buf[off : off+2])), nil
}

func (fsys *FS) writePtr(blk, off, val uint32) error {
	buf := fsys.pool.take()
	defer fsys.pool.give(buf)
	if err := fsys.dev.ReadBlock(buf, blk); err != nil {
		return fmt.Errorf("%w: reading block %d: %v", ErrFatalInternalError, blk, err)
	}
	binary.BigEndian.PutUint16(buf[off:off+2], uint16(val))
	return fsys.dev.WriteBlock(blk, buf)
}

func (fsys *FS) readDataBlock(dst []byte, blk uint32) error {
	if err := fsys.dev.ReadBlock(dst, blk); err != nil {
		return fmt.Errorf("%w: reading data block %d: %v", ErrFatalInternalError, blk, err)
	}
	return nil
}

func (fsys *FS) writeDataBlock(blk uint32, src []byte) error {
	return fsys.dev.WriteBlock(blk, src)
}

// allocZeroed allocates a fresh block from the freelist and zeroes it.
func (fsys *FS) allocZeroed() (uint32, error) {
	blk, err := fsys.fl.alloc()
	if err != nil {
		return 0, err
	}
	if err := fsys.dev.ZeroBlock(blk); err != nil {
		return 0, err
	}
	return blk, nil
}

// openCursor builds a fresh cursor for a file whose root index block is
// rootBlk, per the open-time initialization in spec.md §4.5.
func (fsys *FS) openCursor(rootBlk uint32) (*cursor, error) {
	dataBlk, err := fsys.readPtr(rootBlk, 0)
	if err != nil {
		return nil, err
	}
	return &cursor{
		root: blkOff{blk: rootBlk, off: 0},
		data: blkOff{blk: dataBlk, off: 0},
	}, nil
}

// seek stores target and defers the index walk, as spec.md §4.5 describes:
// only abs_offset and refsInvalid are touched here. It does not check target
// against [0, size]; FS.Seek does that before calling it.
func (c *cursor) seek(target uint32) {
	c.absOffset = target
	c.refsInvalid = true
}

// updateRefs recomputes root/mid/data purely from arithmetic on abs_offset,
// per spec.md §4.5's shallow/deep paths and the size-aligned priming edge
// case.
func (fsys *FS) updateRefs(c *cursor, size uint32) error {
	B := fsys.blockSize
	T := fsys.indirectThreshold()
	P := fsys.halfBlock()

	off := c.absOffset
	primeNext := false
	if off == size && size > 0 && size%B == 0 {
		off -= B
		primeNext = true
	}

	rootBlk := c.root.blk

	if off < T {
		rootOff := (off / B) * 2
		dataBlk, err := fsys.readPtr(rootBlk, rootOff)
		if err != nil {
			return err
		}
		c.root = blkOff{blk: rootBlk, off: rootOff}
		c.mid = blkOff{}
		c.data = blkOff{blk: dataBlk, off: off % B}
		c.deep = false
	} else {
		rel := off - T
		k := rel / (P * B)
		rootOff := fsys.halfBlock() + k*2
		indirectBlk, err := fsys.readPtr(rootBlk, rootOff)
		if err != nil {
			return err
		}
		midOff := (rel % (P * B) / B) * 2
		dataBlk, err := fsys.readPtr(indirectBlk, midOff)
		if err != nil {
			return err
		}
		c.root = blkOff{blk: rootBlk, off: rootOff}
		c.mid = blkOff{blk: indirectBlk, off: midOff}
		c.data = blkOff{blk: dataBlk, off: off % B}
		c.deep = true
	}

	if primeNext {
		c.data.off = B
	}
	c.refsInvalid = false
	return nil
}

// advance implements the branching rule of spec.md §4.5, invoked when the
// current data block is exhausted and more bytes are needed. It may
// allocate a new data block, indirect block, or both.
func (fsys *FS) advance(c *cursor) error {
	B := fsys.blockSize
	halfB := fsys.halfBlock()

	switch {
	case !c.deep && c.root.off+2 < halfB:
		// more direct slots available
		newOff := c.root.off + 2
		ptr, err := fsys.readPtr(c.root.blk, newOff)
		if err != nil {
			return err
		}
		if ptr == 0 {
			ptr, err = fsys.allocZeroed()
			if err != nil {
				return err
			}
			if err := fsys.writePtr(c.root.blk, newOff, ptr); err != nil {
				return err
			}
		}
		c.root.off = newOff
		c.data = blkOff{blk: ptr, off: 0}

	case !c.deep:
		// crossing from direct to indirect addressing: first indirect slot
		rootOff := halfB
		indirectBlk, err := fsys.readPtr(c.root.blk, rootOff)
		if err != nil {
			return err
		}
		freshIndirect := indirectBlk == 0
		if freshIndirect {
			indirectBlk, err = fsys.allocZeroed()
			if err != nil {
				return err
			}
			if err := fsys.writePtr(c.root.blk, rootOff, indirectBlk); err != nil {
				return err
			}
		}
		dataBlk, err := fsys.readPtr(indirectBlk, 0)
		if err != nil {
			return err
		}
		if dataBlk == 0 {
			dataBlk, err = fsys.allocZeroed()
			if err != nil {
				return err
			}
			if err := fsys.writePtr(indirectBlk, 0, dataBlk); err != nil {
				return err
			}
		}
		c.root = blkOff{blk: c.root.blk, off: rootOff}
		c.mid = blkOff{blk: indirectBlk, off: 0}
		c.data = blkOff{blk: dataBlk, off: 0}
		c.deep = true

	case c.mid.off+2 < B:
		// more data pointers in the current indirect block
		newOff := c.mid.off + 2
		ptr, err := fsys.readPtr(c.mid.blk, newOff)
		if err != nil {
			return err
		}
		if ptr == 0 {
			ptr, err = fsys.allocZeroed()
			if err != nil {
				return err
			}
			if err := fsys.writePtr(c.mid.blk, newOff, ptr); err != nil {
				return err
			}
		}
		c.mid.off = newOff
		c.data = blkOff{blk: ptr, off: 0}

	case c.root.off+2 < B:
		// advance to the next indirect slot
		newRootOff := c.root.off + 2
		indirectBlk, err := fsys.readPtr(c.root.blk, newRootOff)
		if err != nil {
			return err
		}
		if indirectBlk == 0 {
			indirectBlk, err = fsys.allocZeroed()
			if err != nil {
				return err
			}
			if err := fsys.writePtr(c.root.blk, newRootOff, indirectBlk); err != nil {
				return err
			}
			dataBlk, err := fsys.allocZeroed()
			if err != nil {
				return err
			}
			if err := fsys.writePtr(indirectBlk, 0, dataBlk); err != nil {
				return err
			}
			c.root.off = newRootOff
			c.mid = blkOff{blk: indirectBlk, off: 0}
			c.data = blkOff{blk: dataBlk, off: 0}
		} else {
			dataBlk, err := fsys.readPtr(indirectBlk, 0)
			if err != nil {
				return err
			}
			if dataBlk == 0 {
				dataBlk, err = fsys.allocZeroed()
				if err != nil {
					return err
				}
				if err := fsys.writePtr(indirectBlk, 0, dataBlk); err != nil {
					return err
				}
			}
			c.root.off = newRootOff
			c.mid = blkOff{blk: indirectBlk, off: 0}
			c.data = blkOff{blk: dataBlk, off: 0}
		}

	default:
		return ErrNoSpace
	}

	return nil
}

// readAt clamps to min(requested, size-absOffset) and copies bytes out of
// the file, advancing the cursor as needed (spec.md §4.5 Read).
func (fsys *FS) readAt(c *cursor, dst []byte, size uint32) (int, bool, error) {
	requested := len(dst)
	remaining := uint32(0)
	if size > c.absOffset {
		remaining = size - c.absOffset
	}
	n := uint32(requested)
	if n > remaining {
		n = remaining
	}
	if n == 0 {
		return 0, requested > 0, nil
	}

	if c.refsInvalid {
		if err := fsys.updateRefs(c, size); err != nil {
			return 0, false, err
		}
	}

	B := fsys.blockSize
	scratch := fsys.pool.take()
	defer fsys.pool.give(scratch)

	var copied uint32
	for copied < n {
		if c.data.off == B {
			if err := fsys.advance(c); err != nil {
				return int(copied), false, err
			}
		}
		if err := fsys.readDataBlock(scratch, c.data.blk); err != nil {
			return int(copied), false, err
		}
		chunk := B - c.data.off
		if rem := n - copied; chunk > rem {
			chunk = rem
		}
		copy(dst[copied:copied+chunk], scratch[c.data.off:c.data.off+chunk])
		copied += chunk
		c.data.off += chunk
		c.absOffset += chunk
	}

	eof := uint32(requested) > n && c.absOffset == size
	return int(copied), eof, nil
}

// writeAt writes src into the file starting at the cursor, allocating blocks
// as needed (spec.md §4.5 Write). Returns the number of bytes written; the
// caller is responsible for updating cached/inode size. size is the file's
// current logical size, needed only to resolve the seek-to-end-of-block
// priming edge case when the cursor's refs are stale.
func (fsys *FS) writeAt(c *cursor, src []byte, size uint32) (int, error) {
	if c.refsInvalid {
		if err := fsys.updateRefs(c, size); err != nil {
			return 0, err
		}
	}

	B := fsys.blockSize
	scratch := fsys.pool.take()
	defer fsys.pool.give(scratch)

	var written uint32
	total := uint32(len(src))
	for written < total {
		if c.data.off == B {
			if err := fsys.advance(c); err != nil {
				return int(written), err
			}
		}
		if err := fsys.readDataBlock(scratch, c.data.blk); err != nil {
			return int(written), err
		}
		chunk := B - c.data.off
		if rem := total - written; chunk > rem {
			chunk = rem
		}
		copy(scratch[c.data.off:c.data.off+chunk], src[written:written+chunk])
		if err := fsys.writeDataBlock(c.data.blk, scratch); err != nil {
			return int(written), err
		}
		written += chunk
		c.data.off += chunk
		c.absOffset += chunk
	}
	return int(written), nil
}

// truncateToZero frees every block beyond the always-present first data
// block and zeroes the retained one (spec.md §4.5). The index block itself
// is never freed.
func (fsys *FS) truncateToZero(rootBlk uint32) error {
	halfB := fsys.halfBlock()
	B := fsys.blockSize

	// free direct blocks at slots [2, halfB) (slot 0 / offset 0 is retained)
	for off := uint32(2); off < halfB; off += 2 {
		ptr, err := fsys.readPtr(rootBlk, off)
		if err != nil {
			return err
		}
		if ptr == 0 {
			continue
		}
		if err := fsys.fl.free(ptr); err != nil {
			return err
		}
		if err := fsys.writePtr(rootBlk, off, 0); err != nil {
			return err
		}
	}

	// free indirect blocks and everything they reference
	for off := halfB; off < B; off += 2 {
		indirectBlk, err := fsys.readPtr(rootBlk, off)
		if err != nil {
			return err
		}
		if indirectBlk == 0 {
			continue
		}
		if err := fsys.freeIndirectChain(indirectBlk); err != nil {
			return err
		}
		if err := fsys.writePtr(rootBlk, off, 0); err != nil {
			return err
		}
	}

	// zero the retained first data block
	firstData, err := fsys.readPtr(rootBlk, 0)
	if err != nil {
		return err
	}
	if firstData != 0 {
		if err := fsys.dev.ZeroBlock(firstData); err != nil {
			return err
		}
	}
	return nil
}

func (fsys *FS) freeIndirectChain(indirectBlk uint32) error {
	B := fsys.blockSize
	for off := uint32(0); off < B; off += 2 {
		ptr, err := fsys.readPtr(indirectBlk, off)
		if err != nil {
			return err
		}
		if ptr == 0 {
			continue
		}
		if err := fsys.fl.free(ptr); err != nil {
			return err
		}
	}
	return fsys.fl.free(indirectBlk)
}

// purge frees every block a file's index references, then the index block
// itself (spec.md §4.5 Purge, used on delete).
func (fsys *FS) purge(rootBlk uint32) error {
	halfB := fsys.halfBlock()
	B := fsys.blockSize

	for off := uint32(0); off < halfB; off += 2 {
		ptr, err := fsys.readPtr(rootBlk, off)
		if err != nil {
			return err
		}
		if ptr != 0 {
			if err := fsys.fl.free(ptr); err != nil {
				return err
			}
		}
	}
	for off := halfB; off < B; off += 2 {
		indirectBlk, err := fsys.readPtr(rootBlk, off)
		if err != nil {
			return err
		}
		if indirectBlk != 0 {
			if err := fsys.freeIndirectChain(indirectBlk); err != nil {
				return err
			}
		}
	}
	return fsys.fl.free(rootBlk)
}
