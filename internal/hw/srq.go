package hw

import (
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
)

// SRQ is a shared receive queue: a posted-receive pool drawn on by every
// DC target created against it. Completions for consumed receives land on
// the queue's own completion queue, regardless of which target consumed
// them.
type SRQ struct {
	pd    *PD
	cq    *CQ
	num   uint32
	maxWR uint32

	mu      sync.Mutex
	recvQ   *queue.Queue
	outRecv atomic.Int32
	closed  atomic.Bool
}

// SRQOptions configures shared receive queue creation.
type SRQOptions struct {
	CQ    *CQ
	MaxWR uint32
}

// CreateSRQ creates a shared receive queue under the protection domain.
func (p *PD) CreateSRQ(opts SRQOptions) (*SRQ, error) {
	if opts.MaxWR > p.ctx.dev.attrs.MaxQPWR {
		return nil, &CapacityError{Attr: "max_srq_wr", Supported: p.ctx.dev.attrs.MaxQPWR, Requested: opts.MaxWR}
	}
	return &SRQ{
		pd:    p,
		cq:    opts.CQ,
		num:   nextQPN(),
		maxWR: opts.MaxWR,
		recvQ: queue.New(),
	}, nil
}

// Num returns the queue number.
func (s *SRQ) Num() uint32 { return s.num }

// PD returns the owning protection domain.
func (s *SRQ) PD() *PD { return s.pd }

// PostRecv adds a receive work request to the shared pool.
func (s *SRQ) PostRecv(wr RecvWR) error {
	if s.outRecv.Load() >= int32(s.maxWR) {
		return ErrRecvQueueFull
	}
	if err := s.cq.Reserve(); err != nil {
		return err
	}
	s.outRecv.Add(1)
	s.mu.Lock()
	s.recvQ.Add(&wr)
	s.mu.Unlock()
	return nil
}

func (s *SRQ) popRecv() (*RecvWR, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recvQ.Length() == 0 {
		return nil, false
	}
	return s.recvQ.Remove().(*RecvWR), true
}

// Destroy releases the queue. Posted but unconsumed receives are dropped
// and their completion slots returned.
func (s *SRQ) Destroy() error {
	if !s.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	for {
		if _, ok := s.popRecv(); !ok {
			return nil
		}
		s.outRecv.Add(-1)
		s.cq.Unreserve()
	}
}
