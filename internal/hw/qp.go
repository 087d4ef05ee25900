package hw

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
)

// QPType is the transport type of a queue pair.
type QPType int

const (
	// QPTypeRC is a reliable-connected queue pair.
	QPTypeRC QPType = iota
	// QPTypeUD is an unreliable-datagram queue pair.
	QPTypeUD
	// QPTypeDCIni is a dynamic-connect initiator queue pair.
	QPTypeDCIni
)

// QPState mirrors the queue pair connection state so delivery can tell
// whether a destination is ready to receive. The wrapper layer owns the
// transition rules and mirrors the value here.
type QPState int32

const (
	QPStateReset QPState = iota
	QPStateInit
	QPStateRTR
	QPStateRTS
	QPStateError
)

func (s QPState) String() string {
	switch s {
	case QPStateReset:
		return "RESET"
	case QPStateInit:
		return "INIT"
	case QPStateRTR:
		return "RTR"
	case QPStateRTS:
		return "RTS"
	case QPStateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// GRHSize is the global routing header prefix that precedes every datagram
// receive payload.
const GRHSize = 40

// QPCaps bounds the work a queue pair can keep outstanding.
type QPCaps struct {
	MaxSendWR  uint32
	MaxRecvWR  uint32
	MaxSendSGE uint32
	MaxRecvSGE uint32
	MaxInline  uint32
}

// QPOptions configures queue pair creation.
type QPOptions struct {
	Type   QPType
	SendCQ *CQ
	RecvCQ *CQ
	Caps   QPCaps
	QKey   uint64
}

// RecvWR is a posted receive with its scatter list already resolved to
// registered memory views.
type RecvWR struct {
	ID  uint64
	Sgl [][]byte
}

// SendWR is a send-side work request with its gather list already resolved
// to registered memory views.
type SendWR struct {
	ID       uint64
	Op       Opcode
	Sgl      [][]byte
	Imm      uint32
	HasImm   bool
	Signaled bool

	// Remote memory target for RDMA and atomic operations.
	RemoteAddr uint64
	RKey       uint32

	// 8-byte atomic operands; CompareAdd doubles as the addend.
	CompareAdd uint64
	Swap       uint64

	// Extended atomic operands, AtomicWidth bytes each.
	AtomicWidth uint32
	CompareExt  []byte
	SwapExt     []byte
	AddExt      []byte

	// Datagram / dynamic-connect addressing. Zero means the connected
	// peer.
	Dest uint32
	QKey uint64
}

// QP models the hardware half of a queue pair: bounded send/receive queues,
// completion routing and loopback delivery.
type QP struct {
	pd     *PD
	qpn    uint32
	typ    QPType
	caps   QPCaps
	qkey   uint64
	sendCQ *CQ
	recvCQ *CQ

	state   atomic.Int32
	peerQPN atomic.Uint32

	mu      sync.Mutex
	recvQ   *queue.Queue
	outSend atomic.Int32
	outRecv atomic.Int32
	closed  atomic.Bool
}

// CreateQP creates a queue pair under the protection domain and joins it to
// the loopback fabric.
func (p *PD) CreateQP(opts QPOptions) (*QP, error) {
	attrs := p.ctx.dev.attrs
	if opts.Caps.MaxSendWR > attrs.MaxQPWR {
		return nil, &CapacityError{Attr: "max_send_wr", Supported: attrs.MaxQPWR, Requested: opts.Caps.MaxSendWR}
	}
	if opts.Caps.MaxRecvWR > attrs.MaxQPWR {
		return nil, &CapacityError{Attr: "max_recv_wr", Supported: attrs.MaxQPWR, Requested: opts.Caps.MaxRecvWR}
	}
	if opts.Caps.MaxSendSGE > attrs.MaxSGE {
		return nil, &CapacityError{Attr: "max_send_sge", Supported: attrs.MaxSGE, Requested: opts.Caps.MaxSendSGE}
	}
	if opts.Caps.MaxRecvSGE > attrs.MaxSGE {
		return nil, &CapacityError{Attr: "max_recv_sge", Supported: attrs.MaxSGE, Requested: opts.Caps.MaxRecvSGE}
	}
	q := &QP{
		pd:     p,
		qpn:    nextQPN(),
		typ:    opts.Type,
		caps:   opts.Caps,
		qkey:   opts.QKey,
		sendCQ: opts.SendCQ,
		recvCQ: opts.RecvCQ,
		recvQ:  queue.New(),
	}
	fabric.addQP(q)
	return q, nil
}

// QPN returns the queue pair number.
func (q *QP) QPN() uint32 { return q.qpn }

// Type returns the transport type.
func (q *QP) Type() QPType { return q.typ }

// Caps returns the creation-time queue bounds.
func (q *QP) Caps() QPCaps { return q.caps }

// PD returns the owning protection domain.
func (q *QP) PD() *PD { return q.pd }

// State returns the mirrored connection state.
func (q *QP) State() QPState { return QPState(q.state.Load()) }

// SetState mirrors the wrapper-layer connection state into the adapter.
func (q *QP) SetState(s QPState) { q.state.Store(int32(s)) }

// SetPeer records the connected remote queue number.
func (q *QP) SetPeer(qpn uint32) { q.peerQPN.Store(qpn) }

// Destroy removes the queue pair from the fabric.
func (q *QP) Destroy() error {
	if !q.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	fabric.removeQP(q.qpn)
	return nil
}

// PostRecv queues a receive work request. The posting is non-blocking; the
// request is consumed when a matching message arrives.
func (q *QP) PostRecv(wr RecvWR) error {
	if q.outRecv.Load() >= int32(q.caps.MaxRecvWR) {
		return ErrRecvQueueFull
	}
	if err := q.recvCQ.Reserve(); err != nil {
		return err
	}
	q.outRecv.Add(1)
	q.mu.Lock()
	q.recvQ.Add(&wr)
	q.mu.Unlock()
	return nil
}

// popRecv takes the oldest posted receive, if any.
func (q *QP) popRecv() (*RecvWR, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.recvQ.Length() == 0 {
		return nil, false
	}
	return q.recvQ.Remove().(*RecvWR), true
}

// Flush drains the posted receives, completing each with a flush status.
// Called when the owning connection enters the error state.
func (q *QP) Flush() {
	for {
		wr, ok := q.popRecv()
		if !ok {
			return
		}
		q.recvCQ.push(Completion{
			QPN:     q.qpn,
			WRID:    wr.ID,
			Opcode:  OpRecv,
			Status:  StatusWRFlushErr,
			release: func() { q.outRecv.Add(-1) },
		}, true)
	}
}

// PostSend submits a send-side work request and returns once the request
// has been handed to the fabric. Completion timing is reported only through
// the send completion queue.
func (q *QP) PostSend(wr SendWR) error {
	if wr.Signaled && q.outSend.Load() >= int32(q.caps.MaxSendWR) {
		return ErrSendQueueFull
	}
	if wr.Signaled {
		if err := q.sendCQ.Reserve(); err != nil {
			return err
		}
		q.outSend.Add(1)
	}
	status := q.deliver(&wr)
	q.completeSend(&wr, status)
	return nil
}

// completeSend reports a send-side outcome. Unsignaled requests complete
// silently on success but still surface faults, the way adapters raise
// error completions regardless of the signal flag.
func (q *QP) completeSend(wr *SendWR, status Status) {
	if !wr.Signaled {
		if status == StatusSuccess {
			return
		}
		q.sendCQ.push(Completion{QPN: q.qpn, WRID: wr.ID, Opcode: wr.Op, Status: status}, false)
		return
	}
	q.sendCQ.push(Completion{
		QPN:     q.qpn,
		WRID:    wr.ID,
		Opcode:  wr.Op,
		Status:  status,
		ByteLen: uint32(sglLen(wr.Sgl)),
		release: func() { q.outSend.Add(-1) },
	}, true)
}

// deliver executes the work request against the destination and returns the
// status for the sender's completion entry.
func (q *QP) deliver(wr *SendWR) Status {
	switch wr.Op {
	case OpSend:
		return q.deliverSend(wr)
	case OpRDMAWrite:
		return q.deliverWrite(wr)
	case OpRDMARead:
		return q.deliverRead(wr)
	case OpCompSwap, OpFetchAdd:
		return q.deliverAtomic(wr)
	default:
		return StatusGeneralErr
	}
}

// resolveDest finds the destination queue pair for a two-sided operation.
func (q *QP) resolveDest(wr *SendWR) (*QP, Status) {
	switch q.typ {
	case QPTypeUD:
		dest, ok := fabric.lookupQP(wr.Dest)
		if !ok || dest.qkey != wr.QKey || dest.State() < QPStateRTR {
			// Datagram traffic to an absent or mismatched peer is
			// dropped on the floor; the sender still completes.
			return nil, StatusSuccess
		}
		return dest, StatusSuccess
	default:
		qpn := wr.Dest
		if qpn == 0 {
			qpn = q.peerQPN.Load()
		}
		dest, ok := fabric.lookupQP(qpn)
		if !ok || dest.State() < QPStateRTR || dest.State() == QPStateError {
			return nil, StatusRetryExcErr
		}
		return dest, StatusSuccess
	}
}

func (q *QP) deliverSend(wr *SendWR) Status {
	if q.typ == QPTypeDCIni {
		return q.deliverDC(wr)
	}
	dest, status := q.resolveDest(wr)
	if dest == nil {
		return status
	}
	grh := 0
	if q.typ == QPTypeUD {
		grh = GRHSize
	}
	rwr, ok := dest.popRecv()
	if !ok {
		if q.typ == QPTypeUD {
			return StatusSuccess // dropped
		}
		return StatusRNRRetryExcErr
	}
	n, fit := scatter(rwr.Sgl, wr.Sgl, grh)
	if !fit {
		dest.recvCQ.push(Completion{
			QPN:     dest.qpn,
			WRID:    rwr.ID,
			Opcode:  OpRecv,
			Status:  StatusLocLenErr,
			release: func() { dest.outRecv.Add(-1) },
		}, true)
		if q.typ == QPTypeUD {
			return StatusSuccess
		}
		return StatusRemInvReqErr
	}
	dest.recvCQ.push(Completion{
		QPN:     dest.qpn,
		WRID:    rwr.ID,
		Opcode:  OpRecv,
		Status:  StatusSuccess,
		ByteLen: uint32(n),
		Imm:     wr.Imm,
		HasImm:  wr.HasImm,
		release: func() { dest.outRecv.Add(-1) },
	}, true)
	return StatusSuccess
}

func (q *QP) deliverWrite(wr *SendWR) Status {
	dest, status := q.resolveDest(wr)
	if dest == nil {
		return status
	}
	length := uint32(sglLen(wr.Sgl))
	view, ok := dest.pd.resolveRemote(wr.RKey, wr.RemoteAddr, length, AccessRemoteWrite)
	if !ok {
		return StatusRemAccessErr
	}
	// Resolve the notifying receive before touching remote memory, so a
	// failed write-with-immediate leaves the destination unchanged.
	var rwr *RecvWR
	if wr.HasImm {
		rwr, ok = dest.popRecv()
		if !ok {
			return StatusRNRRetryExcErr
		}
	}
	gather(view, wr.Sgl)
	if wr.HasImm {
		dest.recvCQ.push(Completion{
			QPN:     dest.qpn,
			WRID:    rwr.ID,
			Opcode:  OpRecvRDMAImm,
			Status:  StatusSuccess,
			ByteLen: length,
			Imm:     wr.Imm,
			HasImm:  true,
			release: func() { dest.outRecv.Add(-1) },
		}, true)
	}
	return StatusSuccess
}

func (q *QP) deliverRead(wr *SendWR) Status {
	dest, status := q.resolveDest(wr)
	if dest == nil {
		return status
	}
	length := uint32(sglLen(wr.Sgl))
	view, ok := dest.pd.resolveRemote(wr.RKey, wr.RemoteAddr, length, AccessRemoteRead)
	if !ok {
		return StatusRemAccessErr
	}
	scatterExact(wr.Sgl, view)
	return StatusSuccess
}

func (q *QP) deliverAtomic(wr *SendWR) Status {
	dest, status := q.resolveDest(wr)
	if dest == nil {
		return status
	}
	width := wr.AtomicWidth
	if width == 0 {
		width = 8
	}
	if wr.RemoteAddr%uint64(width) != 0 {
		return StatusRemAccessErr
	}
	view, ok := dest.pd.resolveRemote(wr.RKey, wr.RemoteAddr, width, AccessRemoteAtomic)
	if !ok {
		return StatusRemAccessErr
	}
	old := make([]byte, width)
	dest.pd.mu.Lock()
	copy(old, view)
	switch {
	case wr.Op == OpCompSwap && width == 8 && wr.AtomicWidth == 0:
		if binary.LittleEndian.Uint64(view) == wr.CompareAdd {
			binary.LittleEndian.PutUint64(view, wr.Swap)
		}
	case wr.Op == OpFetchAdd && width == 8 && wr.AtomicWidth == 0:
		binary.LittleEndian.PutUint64(view, binary.LittleEndian.Uint64(view)+wr.CompareAdd)
	case wr.Op == OpCompSwap:
		if bytesEqual(view, wr.CompareExt) {
			copy(view, wr.SwapExt)
		}
	default:
		addLE(view, wr.AddExt)
	}
	dest.pd.mu.Unlock()
	scatterExact(wr.Sgl, old)
	return StatusSuccess
}

// deliverDC routes a dynamic-connect send to a DC target's shared receive
// queue.
func (q *QP) deliverDC(wr *SendWR) Status {
	dct, ok := fabric.lookupDCT(wr.Dest)
	if !ok || dct.dcKey != wr.QKey {
		return StatusRetryExcErr
	}
	rwr, ok := dct.popRecv()
	if !ok {
		return StatusRNRRetryExcErr
	}
	srq := dct.srq
	n, fit := scatter(rwr.Sgl, wr.Sgl, GRHSize)
	if !fit {
		srq.cq.push(Completion{
			QPN:     dct.num,
			WRID:    rwr.ID,
			Opcode:  OpRecv,
			Status:  StatusLocLenErr,
			release: func() { srq.outRecv.Add(-1) },
		}, true)
		return StatusRemInvReqErr
	}
	srq.cq.push(Completion{
		QPN:     dct.num,
		WRID:    rwr.ID,
		Opcode:  OpRecv,
		Status:  StatusSuccess,
		ByteLen: uint32(n),
		Imm:     wr.Imm,
		HasImm:  wr.HasImm,
		release: func() { srq.outRecv.Add(-1) },
	}, true)
	return StatusSuccess
}

func sglLen(sgl [][]byte) int {
	n := 0
	for _, s := range sgl {
		n += len(s)
	}
	return n
}

// gather copies the gather list into dst, which must be exactly as long as
// the list's total length.
func gather(dst []byte, sgl [][]byte) {
	off := 0
	for _, s := range sgl {
		copy(dst[off:], s)
		off += len(s)
	}
}

// scatter copies the gather list src into the scatter list dst after
// prefixing prefix zero bytes (the GRH slot on datagram receives). It
// returns the delivered byte count including the prefix and whether the
// payload fit.
func scatter(dst [][]byte, src [][]byte, prefix int) (int, bool) {
	payload := sglLen(src)
	if payload+prefix > sglLen(dst) {
		return 0, false
	}
	flat := make([]byte, prefix+payload)
	off := prefix
	for _, s := range src {
		copy(flat[off:], s)
		off += len(s)
	}
	off = 0
	for _, d := range dst {
		if off >= len(flat) {
			break
		}
		off += copy(d, flat[off:])
	}
	return len(flat), true
}

// scatterExact copies src across the scatter list, which has exactly
// len(src) total bytes.
func scatterExact(dst [][]byte, src []byte) {
	off := 0
	for _, d := range dst {
		off += copy(d, src[off:])
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// addLE adds b into a in place, treating both as little-endian unsigned
// integers of equal width.
func addLE(a, b []byte) {
	var carry uint16
	for i := range a {
		sum := uint16(a[i]) + uint16(b[i]) + carry
		a[i] = byte(sum)
		carry = sum >> 8
	}
}
