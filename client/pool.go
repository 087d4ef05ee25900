package client

import (
	"fmt"
	"sync/atomic"

	"github.com/nettlelabs/ibverbs-go/mem"
	"github.com/nettlelabs/ibverbs-go/verbs"
)

// regionPool carves one page-aligned, registered allocation into fixed-size
// regions handed out to in-flight operations. Registration is expensive, so
// the pool registers once at connection setup instead of per message.
type regionPool struct {
	buf    *mem.Buffer
	mr     *verbs.MemoryRegion
	size   int
	free   chan int
	closed atomic.Bool
}

type regionHandle struct {
	pool *regionPool
	idx  int
	size int
}

func newRegionPool(pd *verbs.ProtectionDomain, regionSize, capacity int) (*regionPool, error) {
	if regionSize <= 0 || capacity <= 0 {
		return nil, fmt.Errorf("rdma client: invalid pool geometry (%d x %d)", capacity, regionSize)
	}
	buf, err := mem.Alloc(regionSize * capacity)
	if err != nil {
		return nil, fmt.Errorf("allocate pool backing: %w", err)
	}
	mr, err := buf.Register(pd, verbs.AccessLocalWrite)
	if err != nil {
		_ = buf.Close()
		return nil, fmt.Errorf("register pool backing: %w", err)
	}
	p := &regionPool{
		buf:  buf,
		mr:   mr,
		size: regionSize,
		free: make(chan int, capacity),
	}
	for i := 0; i < capacity; i++ {
		p.free <- i
	}
	return p, nil
}

func (p *regionPool) regionSize() int { return p.size }

func (p *regionPool) acquire() (regionHandle, bool) {
	select {
	case idx := <-p.free:
		return regionHandle{pool: p, idx: idx, size: p.size}, true
	default:
		return regionHandle{}, false
	}
}

func (p *regionPool) release(r regionHandle) {
	if r.pool != p || p.closed.Load() {
		return
	}
	p.free <- r.idx
}

func (p *regionPool) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := p.mr.Close()
	if cerr := p.buf.Close(); err == nil {
		err = cerr
	}
	return err
}

func (r regionHandle) bytes() []byte {
	off := r.idx * r.size
	return r.pool.mr.Bytes()[off : off+r.size]
}

func (r regionHandle) slice(n int) verbs.MRSlice {
	return r.pool.mr.Slice(r.idx*r.size, n)
}
