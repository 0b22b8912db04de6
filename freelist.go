package blockfs

import (
	"encoding/binary"
	"fmt"

	"github.com/bits-and-blooms/bitset"
	"github.com/sirupsen/logrus"
)

// freelist is the persistent block bitmap described in spec.md §4.2: bit i
// set means block i is free, stored LSB-first in byte 0, in a contiguous
// block range immediately after the inode table. An in-memory stack mirrors
// the bitmap for O(1) allocation.
//
// The bitmap itself is backed by a []uint64 word buffer wrapped with
// bitset.From so bit tests/sets go through github.com/bits-and-blooms/bitset
// while the on-disk byte layout stays exactly as specified: each bitmap
// block maps to blockSize/8 contiguous words, written little-endian.
type freelist struct {
	dev        Device
	startBlk   uint32 // first block of the bitmap on disk
	blockCount uint32 // total device blocks covered by the bitmap
	bitsPerBlk uint32 // bits covered by one bitmap block (blockSize * 8)
	words      []uint64
	bits       *bitset.BitSet
	stack      []uint32 // free blocks, highest pushed first so pop yields lowest
}

func wordsPerBlock(blockSize uint32) uint32 {
	return blockSize / 8
}

// createFreelist formats a fresh bitmap covering the whole device, marking
// blocks [0, startBlk+bitmapLen) occupied and the remainder free. It returns
// the freelist and the first data block past the bitmap.
func createFreelist(dev Device, startBlk uint32) (*freelist, uint32, error) {
	blockSize := dev.BlockSize()
	total := dev.BlockCount()
	bitsPerBlk := blockSize * 8

	bitmapBlocks := (total + bitsPerBlk - 1) / bitsPerBlk
	words := make([]uint64, uint64(bitmapBlocks)*uint64(wordsPerBlock(blockSize)))
	bits := bitset.From(words)

	fl := &freelist{
		dev:        dev,
		startBlk:   startBlk,
		blockCount: total,
		bitsPerBlk: bitsPerBlk,
		words:      words,
		bits:       bits,
	}

	occupiedEnd := startBlk + bitmapBlocks
	for b := uint32(0); b < total; b++ {
		if b < occupiedEnd {
			continue // leave bit clear (used)
		}
		bits.Set(uint(b))
	}

	if err := fl.flushAll(); err != nil {
		return nil, 0, err
	}
	fl.rebuildStack()

	logger.WithFields(logrus.Fields{
		"start_blk":     startBlk,
		"bitmap_blocks": bitmapBlocks,
		"free_blocks":   fl.freeBlockCount(),
	}).Debug("blockfs: freelist formatted")

	return fl, occupiedEnd, nil
}

// initFreelist loads an existing bitmap and populates the in-memory stack.
func initFreelist(dev Device, startBlk uint32) (*freelist, error) {
	blockSize := dev.BlockSize()
	total := dev.BlockCount()
	bitsPerBlk := blockSize * 8
	bitmapBlocks := (total + bitsPerBlk - 1) / bitsPerBlk

	words := make([]uint64, uint64(bitmapBlocks)*uint64(wordsPerBlock(blockSize)))
	buf := make([]byte, blockSize)
	wpb := wordsPerBlock(blockSize)
	for i := uint32(0); i < bitmapBlocks; i++ {
		if err := dev.ReadBlock(buf, startBlk+i); err != nil {
			return nil, fmt.Errorf("%w: reading freelist block %d: %v", ErrFatalInternalError, startBlk+i, err)
		}
		for w := uint32(0); w < wpb; w++ {
			words[uint64(i)*uint64(wpb)+uint64(w)] = binary.LittleEndian.Uint64(buf[w*8 : w*8+8])
		}
	}

	fl := &freelist{
		dev:        dev,
		startBlk:   startBlk,
		blockCount: total,
		bitsPerBlk: bitsPerBlk,
		words:      words,
		bits:       bitset.From(words),
	}
	fl.rebuildStack()
	return fl, nil
}

// bitmapBlockSpan returns how many blocks the bitmap occupies on disk.
func (fl *freelist) bitmapBlockSpan() uint32 {
	return uint32(len(fl.words)) / wordsPerBlock(fl.dev.BlockSize())
}

// rebuildStack scans the bitmap from the highest block to the lowest,
// pushing every free block so that popping the stack yields low-numbered
// blocks first (spec.md §3, §4.2).
func (fl *freelist) rebuildStack() {
	fl.stack = fl.stack[:0]
	for b := fl.blockCount; b > 0; b-- {
		blk := b - 1
		if fl.bits.Test(uint(blk)) {
			fl.stack = append(fl.stack, blk)
		}
	}
}

// alloc pops the top of the free stack, or returns ErrNoSpace. On a freshly
// built stack that is the smallest free block; blocks released by free since
// then sit on top and are handed out again first, most recently freed first.
func (fl *freelist) alloc() (uint32, error) {
	n := len(fl.stack)
	if n == 0 {
		return 0, ErrNoSpace
	}
	blk := fl.stack[n-1]
	fl.stack = fl.stack[:n-1]
	fl.bits.Clear(uint(blk))
	if err := fl.flushBlockOf(blk); err != nil {
		return 0, err
	}
	return blk, nil
}

// free marks blk as free again. Double-freeing an already-free block is a
// programming error (spec.md §4.2) and panics rather than being silently
// accepted.
func (fl *freelist) free(blk uint32) error {
	if fl.bits.Test(uint(blk)) {
		panic(fmt.Sprintf("blockfs: double free of block %d", blk))
	}
	fl.bits.Set(uint(blk))
	fl.stack = append(fl.stack, blk)
	return fl.flushBlockOf(blk)
}

func (fl *freelist) freeBlockCount() uint32 {
	return uint32(fl.bits.Count())
}

// flushBlockOf writes back only the bitmap block containing blk.
func (fl *freelist) flushBlockOf(blk uint32) error {
	idx := blk / fl.bitsPerBlk
	return fl.flushBlock(idx)
}

func (fl *freelist) flushBlock(idx uint32) error {
	wpb := wordsPerBlock(fl.dev.BlockSize())
	buf := make([]byte, fl.dev.BlockSize())
	base := uint64(idx) * uint64(wpb)
	for w := uint32(0); w < wpb; w++ {
		binary.LittleEndian.PutUint64(buf[w*8:w*8+8], fl.words[base+uint64(w)])
	}
	return fl.dev.WriteBlock(fl.startBlk+idx, buf)
}

func (fl *freelist) flushAll() error {
	for i := uint32(0); i < fl.bitmapBlockSpan(); i++ {
		if err := fl.flushBlock(i); err != nil {
			return err
		}
	}
	return nil
}
