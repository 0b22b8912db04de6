package blockfs

// blockPool is a process-wide reusable buffer source keyed by block size
// (spec.md §4.4). It exists purely to avoid a per-operation allocation in the
// single-threaded engine and is itself not safe for concurrent use.
type blockPool struct {
	size uint32
	free [][]byte
}

func newBlockPool(size uint32) *blockPool {
	return &blockPool{size: size}
}

// take returns a block-sized buffer, allocating a new one if the pool is
// empty. The contents are not zeroed; callers that need a clean buffer must
// zero it themselves.
func (p *blockPool) take() []byte {
	n := len(p.free)
	if n == 0 {
		return make([]byte, p.size)
	}
	buf := p.free[n-1]
	p.free = p.free[:n-1]
	return buf
}

// give returns a buffer to the pool. Every borrow must be released on all
// exit paths (spec.md §5, §9) — callers should `defer pool.give(buf)`
// immediately after take().
func (p *blockPool) give(buf []byte) {
	if uint32(len(buf)) != p.size {
		// wrong size buffer, not ours to cache
		return
	}
	p.free = append(p.free, buf)
}
