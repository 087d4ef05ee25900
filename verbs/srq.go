package verbs

import (
	"sync/atomic"

	"github.com/nettlelabs/ibverbs-go/internal/hw"
)

// SRQConfig configures SharedReceiveQueue creation.
type SRQConfig struct {
	CQ    *CompletionQueue
	MaxWR uint32 // zero selects the default queue pair depth
}

// SharedReceiveQueue pools posted receives for any number of DC targets
// created against it. Receive completions for every consumer land on the
// pool's completion queue; the entry's QPN names the consuming target. The
// pool holds references on its protection domain and completion queue for
// its lifetime.
type SharedReceiveQueue struct {
	inner  *srqInner
	closed atomic.Bool
}

type srqInner struct {
	rc *refCount
	pd *pdInner
	cq *cqInner
	hw *hw.SRQ
}

func (s *srqInner) teardown() {
	_ = s.hw.Destroy()
	s.cq.rc.release()
	s.pd.rc.release()
}

// CreateSRQ creates a shared receive queue under the protection domain.
func (p *ProtectionDomain) CreateSRQ(cfg *SRQConfig) (*SharedReceiveQueue, error) {
	if cfg == nil || cfg.CQ == nil {
		panic("verbs: shared receive queue construction requires a completion queue")
	}
	maxWR := cfg.MaxWR
	if maxWR == 0 {
		maxWR = DefaultQPCaps().MaxRecvWR
	}
	hwSRQ, err := p.inner.hw.CreateSRQ(hw.SRQOptions{CQ: cfg.CQ.inner.hw, MaxWR: maxWR})
	if err != nil {
		return nil, translate(err)
	}
	p.inner.rc.hold()
	cfg.CQ.inner.rc.hold()
	inner := &srqInner{pd: p.inner, cq: cfg.CQ.inner, hw: hwSRQ}
	inner.rc = newRefCount(inner.teardown)
	return &SharedReceiveQueue{inner: inner}, nil
}

// Clone returns a new handle sharing the underlying queue.
func (s *SharedReceiveQueue) Clone() *SharedReceiveQueue {
	s.inner.rc.hold()
	return &SharedReceiveQueue{inner: s.inner}
}

// Close releases this handle; the queue is destroyed when the last handle
// and the last target drawing from it are gone.
func (s *SharedReceiveQueue) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.inner.rc.release()
	return nil
}

// Num returns the queue number.
func (s *SharedReceiveQueue) Num() uint32 { return s.inner.hw.Num() }

// PostRecv adds a receive to the shared pool. Any target created against
// the pool may consume it; payloads carry the GRHSize routing header
// prefix.
func (s *SharedReceiveQueue) PostRecv(id uint64, buffers []MRSlice) error {
	views := make([][]byte, len(buffers))
	for i, sl := range buffers {
		if sl.mr == nil {
			panic("verbs: scatter/gather entry references no memory region")
		}
		if sl.mr.pd != s.inner.pd {
			panic("verbs: memory region registered under a different protection domain")
		}
		views[i] = sl.Bytes()
	}
	return translate(s.inner.hw.PostRecv(hw.RecvWR{ID: id, Sgl: views}))
}
