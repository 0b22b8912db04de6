package blockfs

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// ChangeFunc is fired after every successful WriteBlock and ZeroBlock, naming
// the device and the block that changed. Device implementations are not
// required to call it; MemDevice does when one is registered via
// WithChangeNotify.
type ChangeFunc func(deviceID string, blk uint32)

// Device is the block-addressable storage contract the engine is built on.
// It is a deliberately thin, external collaborator (spec.md §1, §4.1): block
// size is fixed and a power of two, blocks are addressed by a dense uint32
// range, and every write is synchronously durable by the time the call
// returns — the engine never defers a flush.
type Device interface {
	// BlockSize returns the fixed block size in bytes.
	BlockSize() uint32
	// BlockCount returns the total number of addressable blocks.
	BlockCount() uint32
	// ReadBlock reads block blk into dst, which must be exactly BlockSize()
	// bytes. May return ErrBlockNotReady to model a not-yet-loaded block;
	// callers in this engine treat that as fatal (spec.md §4.1, §9).
	ReadBlock(dst []byte, blk uint32) error
	// WriteBlock writes src (exactly BlockSize() bytes) to block blk.
	WriteBlock(blk uint32, src []byte) error
	// ZeroBlock fills block blk with zero bytes.
	ZeroBlock(blk uint32) error
}

// ErrBlockNotReady models a device that has not yet paged a block in. The
// current engine design treats this as fatal (see spec.md §9): a future
// redesign would carry a retryable transaction context instead.
var ErrBlockNotReady = fmt.Errorf("block not ready")

// MemDevice is a Device entirely backed by memory: a fixed-size array of
// block-sized byte slices. It is the reference Device implementation used
// by the CLI and by every test in this repository.
type MemDevice struct {
	mu        sync.Mutex
	id        string
	blockSize uint32
	blocks    [][]byte
	onChange  ChangeFunc
	boundFS   int32 // reference count of bound *FS instances, see Init's Busy check
}

// DeviceOption configures a MemDevice at construction time.
type DeviceOption func(*MemDevice)

// WithChangeNotify registers a hook invoked after every write/zero to a block.
func WithChangeNotify(fn ChangeFunc) DeviceOption {
	return func(d *MemDevice) {
		d.onChange = fn
	}
}

// NewMemDevice allocates an in-memory block device of blockCount blocks,
// each blockSize bytes, all initially zeroed. blockSize must be a power of
// two; id is an opaque label used only in change notifications and logs.
func NewMemDevice(id string, blockSize, blockCount uint32, opts ...DeviceOption) (*MemDevice, error) {
	if blockSize == 0 || blockSize&(blockSize-1) != 0 {
		return nil, fmt.Errorf("%w: block size %d is not a power of two", ErrInvalidFSParams, blockSize)
	}
	d := &MemDevice{
		id:        id,
		blockSize: blockSize,
		blocks:    make([][]byte, blockCount),
	}
	for i := range d.blocks {
		d.blocks[i] = make([]byte, blockSize)
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

func (d *MemDevice) BlockSize() uint32  { return d.blockSize }
func (d *MemDevice) BlockCount() uint32 { return uint32(len(d.blocks)) }

func (d *MemDevice) ReadBlock(dst []byte, blk uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkBounds(dst, blk); err != nil {
		return err
	}
	copy(dst, d.blocks[blk])
	return nil
}

func (d *MemDevice) WriteBlock(blk uint32, src []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkBounds(src, blk); err != nil {
		return err
	}
	copy(d.blocks[blk], src)
	d.notify(blk)
	return nil
}

func (d *MemDevice) ZeroBlock(blk uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if blk >= uint32(len(d.blocks)) {
		return fmt.Errorf("%w: block %d out of range", ErrFatalInternalError, blk)
	}
	for i := range d.blocks[blk] {
		d.blocks[blk][i] = 0
	}
	d.notify(blk)
	return nil
}

func (d *MemDevice) checkBounds(buf []byte, blk uint32) error {
	if blk >= uint32(len(d.blocks)) {
		return fmt.Errorf("%w: block %d out of range", ErrFatalInternalError, blk)
	}
	if uint32(len(buf)) != d.blockSize {
		return fmt.Errorf("%w: buffer length %d != block size %d", ErrFatalInternalError, len(buf), d.blockSize)
	}
	return nil
}

func (d *MemDevice) notify(blk uint32) {
	if d.onChange != nil {
		d.onChange(d.id, blk)
	}
}

// acquire binds one more filesystem instance to this device, returning
// ErrBusy if the device is already bound (spec.md §5).
func (d *MemDevice) acquire() error {
	if !atomic.CompareAndSwapInt32(&d.boundFS, 0, 1) {
		return ErrBusy
	}
	return nil
}

func (d *MemDevice) release() {
	atomic.StoreInt32(&d.boundFS, 0)
}
