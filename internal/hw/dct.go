package hw

import (
	"sync/atomic"
)

// DCT is a dynamically-connected target: a passive receive endpoint that
// any number of DC initiator queue pairs may address by number and key,
// without per-peer queue pairs. Its receives come from a shared receive
// queue, either private to the target or shared with other targets.
type DCT struct {
	pd     *PD
	srq    *SRQ
	ownSRQ bool
	num    uint32
	dcKey  uint64
	closed atomic.Bool
}

// DCTOptions configures DC target creation. When SRQ is set the target
// draws receives from that shared pool and CQ/MaxRecvWR are ignored;
// otherwise a private pool is created from them.
type DCTOptions struct {
	CQ        *CQ
	SRQ       *SRQ
	DCKey     uint64
	MaxRecvWR uint32
}

// CreateDCT creates a DC target under the protection domain and joins it to
// the loopback fabric.
func (p *PD) CreateDCT(opts DCTOptions) (*DCT, error) {
	srq := opts.SRQ
	own := false
	if srq == nil {
		var err error
		srq, err = p.CreateSRQ(SRQOptions{CQ: opts.CQ, MaxWR: opts.MaxRecvWR})
		if err != nil {
			return nil, err
		}
		own = true
	}
	d := &DCT{
		pd:     p,
		srq:    srq,
		ownSRQ: own,
		num:    nextQPN(),
		dcKey:  opts.DCKey,
	}
	fabric.addDCT(d)
	return d, nil
}

// Num returns the target number used by initiators to address it.
func (d *DCT) Num() uint32 { return d.num }

// DCKey returns the access key initiators must present.
func (d *DCT) DCKey() uint64 { return d.dcKey }

// SRQ returns the receive pool the target draws from.
func (d *DCT) SRQ() *SRQ { return d.srq }

// PostRecv queues a receive on the target's shared receive queue.
func (d *DCT) PostRecv(wr RecvWR) error {
	return d.srq.PostRecv(wr)
}

func (d *DCT) popRecv() (*RecvWR, bool) {
	return d.srq.popRecv()
}

// Destroy removes the target from the fabric. A private receive pool dies
// with its target; a shared one stays for its other consumers.
func (d *DCT) Destroy() error {
	if !d.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	fabric.removeDCT(d.num)
	if d.ownSRQ {
		_ = d.srq.Destroy()
	}
	return nil
}
