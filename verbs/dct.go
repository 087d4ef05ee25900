package verbs

import (
	"sync/atomic"

	"github.com/nettlelabs/ibverbs-go/internal/hw"
)

// DCTargetConfig configures DCTarget creation. When SRQ is set the target
// draws its receives from that shared pool and CQ and MaxRecvWR are
// ignored; otherwise the target gets a private pool built from them.
type DCTargetConfig struct {
	CQ  *CompletionQueue
	SRQ *SharedReceiveQueue
	// DCKey is the access key initiators must present; the zero value
	// selects GlobalDCKey.
	DCKey     uint64
	MaxRecvWR uint32 // zero selects the default queue pair depth
}

// DCTarget is a dynamically-connected target: a passive receive endpoint
// addressable by any number of DC initiator queue pairs without per-peer
// state on this side. It holds references on its protection domain and
// completion queue for its lifetime.
type DCTarget struct {
	inner  *dctInner
	closed atomic.Bool
}

type dctInner struct {
	rc  *refCount
	pd  *pdInner
	cq  *cqInner  // private receive pool's completion queue
	srq *srqInner // shared receive pool, when configured
	hw  *hw.DCT
}

func (d *dctInner) teardown() {
	_ = d.hw.Destroy()
	if d.srq != nil {
		d.srq.rc.release()
	} else {
		d.cq.rc.release()
	}
	d.pd.rc.release()
}

// CreateDCTarget creates a DC target under the protection domain.
//
// Creating one on a context whose capability set lacks the
// dynamically-connected transport is a caller bug and panics.
func (p *ProtectionDomain) CreateDCTarget(cfg *DCTargetConfig) (*DCTarget, error) {
	if cfg == nil || (cfg.CQ == nil && cfg.SRQ == nil) {
		panic("verbs: DC target construction requires a completion queue or a shared receive queue")
	}
	if !p.inner.ctx.caps.DCTransport {
		panic("verbs: dynamically-connected transport not in the capability set")
	}
	dcKey := cfg.DCKey
	if dcKey == 0 {
		dcKey = GlobalDCKey
	}
	if cfg.SRQ != nil {
		if cfg.SRQ.inner.pd != p.inner {
			panic("verbs: shared receive queue created under a different protection domain")
		}
		hwDCT, err := p.inner.hw.CreateDCT(hw.DCTOptions{
			SRQ:   cfg.SRQ.inner.hw,
			DCKey: dcKey,
		})
		if err != nil {
			return nil, translate(err)
		}
		p.inner.rc.hold()
		cfg.SRQ.inner.rc.hold()
		inner := &dctInner{pd: p.inner, srq: cfg.SRQ.inner, hw: hwDCT}
		inner.rc = newRefCount(inner.teardown)
		return &DCTarget{inner: inner}, nil
	}
	maxRecvWR := cfg.MaxRecvWR
	if maxRecvWR == 0 {
		maxRecvWR = DefaultQPCaps().MaxRecvWR
	}
	hwDCT, err := p.inner.hw.CreateDCT(hw.DCTOptions{
		CQ:        cfg.CQ.inner.hw,
		DCKey:     dcKey,
		MaxRecvWR: maxRecvWR,
	})
	if err != nil {
		return nil, translate(err)
	}
	p.inner.rc.hold()
	cfg.CQ.inner.rc.hold()
	inner := &dctInner{pd: p.inner, cq: cfg.CQ.inner, hw: hwDCT}
	inner.rc = newRefCount(inner.teardown)
	return &DCTarget{inner: inner}, nil
}

// Clone returns a new handle sharing the underlying target.
func (d *DCTarget) Clone() *DCTarget {
	d.inner.rc.hold()
	return &DCTarget{inner: d.inner}
}

// Close releases this handle; the target is destroyed when the last handle
// is gone.
func (d *DCTarget) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	d.inner.rc.release()
	return nil
}

// Num returns the target number initiators address it by.
func (d *DCTarget) Num() uint32 { return d.inner.hw.Num() }

// DCKey returns the access key initiators must present.
func (d *DCTarget) DCKey() uint64 { return d.inner.hw.DCKey() }

// Endpoint returns the connection info a DC initiator needs to reach this
// target: the local port identity plus the target number.
func (d *DCTarget) Endpoint() EndpointInfo {
	ctx := d.inner.pd.ctx
	return EndpointInfo{
		GID:     ctx.hw.GID(),
		LID:     ctx.hw.LID(),
		PortNum: ctx.hw.Port(),
		QPN:     d.inner.hw.Num(),
		PSN:     InitialPSN,
		PathMTU: DefaultPathMTU,
	}
}

// PostRecv posts a receive to the target's shared receive queue. Incoming
// DC payloads carry the GRHSize routing header prefix, as on datagram
// queue pairs.
func (d *DCTarget) PostRecv(id uint64, buffers []MRSlice) error {
	views := make([][]byte, len(buffers))
	for i, s := range buffers {
		if s.mr == nil {
			panic("verbs: scatter/gather entry references no memory region")
		}
		if s.mr.pd != d.inner.pd {
			panic("verbs: memory region registered under a different protection domain")
		}
		views[i] = s.Bytes()
	}
	return translate(d.inner.hw.PostRecv(hw.RecvWR{ID: id, Sgl: views}))
}
