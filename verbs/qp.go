package verbs

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nettlelabs/ibverbs-go/internal/hw"
)

// QPType is the transport type of a queue pair.
type QPType = hw.QPType

const (
	// QPTypeRC is the reliable-connected transport: connected, ordered,
	// and the only type that carries one-sided and atomic operations.
	QPTypeRC = hw.QPTypeRC
	// QPTypeUD is the unreliable-datagram transport: connectionless,
	// per-send peer addressing, receives carry a GRH prefix.
	QPTypeUD = hw.QPTypeUD
	// QPTypeDCIni is a dynamic-connect initiator, which addresses
	// DCTarget endpoints per send without per-peer queue pairs.
	QPTypeDCIni = hw.QPTypeDCIni
)

// QPState is the connection state of a queue pair.
type QPState = hw.QPState

const (
	QPStateReset = hw.QPStateReset
	QPStateInit  = hw.QPStateInit
	QPStateRTR   = hw.QPStateRTR
	QPStateRTS   = hw.QPStateRTS
	QPStateError = hw.QPStateError
)

// GRHSize is the global routing header prefix preceding every datagram
// receive payload. Reported datagram receive byte counts include it.
const GRHSize = hw.GRHSize

// QPCaps bounds the work a queue pair can keep outstanding. The maxima are
// adapter-dependent; creation fails when they exceed the device limits.
type QPCaps = hw.QPCaps

// DefaultQPCaps returns the default queue bounds: 128 outstanding work
// requests per side and 16 scatter/gather entries per request.
func DefaultQPCaps() QPCaps {
	return QPCaps{
		MaxSendWR:  128,
		MaxRecvWR:  128,
		MaxSendSGE: 16,
		MaxRecvSGE: 16,
		MaxInline:  64,
	}
}

// DefaultDCIniCaps returns the default bounds for a dynamic-connect
// initiator, which has no receive side.
func DefaultDCIniCaps() QPCaps {
	return QPCaps{
		MaxSendWR:  128,
		MaxSendSGE: 8,
		MaxInline:  64,
	}
}

// QPConfig configures queue pair creation.
type QPConfig struct {
	Type   QPType
	SendCQ *CompletionQueue
	RecvCQ *CompletionQueue // defaults to SendCQ
	Caps   QPCaps           // zero value selects the type's defaults

	// ExtendedAtomicWidths opts the queue pair into extended atomics of
	// the listed operand byte widths. Each width must be present in the
	// context's capability set; requesting an absent one panics.
	ExtendedAtomicWidths []uint32
}

// QueuePair is an RDMA communication endpoint: a paired send/receive
// hardware queue created under a protection domain and bound to one or two
// completion queues, which it holds references on for its lifetime.
//
// A queue pair is single-use per connection: it moves RESET→INIT→RTR→RTS
// once, and a fatal completion status moves it to the terminal ERROR state,
// after which it must be recreated. Concurrent posting to the same side
// from multiple goroutines requires external synchronization.
type QueuePair struct {
	inner  *qpInner
	closed atomic.Bool
}

type qpInner struct {
	rc     *refCount
	pd     *pdInner
	sendCQ *cqInner
	recvCQ *cqInner
	hw     *hw.QP

	extWidths map[uint32]bool

	mu      sync.Mutex // guards connection transitions
	peer    EndpointInfo
	hasPeer bool
	errOnce sync.Once
}

func (q *qpInner) teardown() {
	qpn := q.hw.QPN()
	q.sendCQ.detach(qpn)
	q.recvCQ.detach(qpn)
	_ = q.hw.Destroy()
	q.sendCQ.rc.release()
	q.recvCQ.rc.release()
	q.pd.rc.release()
}

// enterError moves the queue pair to the terminal ERROR state and flushes
// its outstanding receives. Invoked when polling surfaces a fatal status.
func (q *qpInner) enterError() {
	q.errOnce.Do(func() {
		q.hw.SetState(hw.QPStateError)
		q.hw.Flush()
	})
}

// CreateQP creates a queue pair under the protection domain.
//
// A nil send completion queue, or a capability opt-in absent from the
// context's capability set, is a caller bug and panics. Attribute values
// beyond the device limits are reported as an error.
func (p *ProtectionDomain) CreateQP(cfg *QPConfig) (*QueuePair, error) {
	if cfg == nil || cfg.SendCQ == nil {
		panic("verbs: queue pair construction requires a send completion queue")
	}
	recvCQ := cfg.RecvCQ
	if recvCQ == nil {
		recvCQ = cfg.SendCQ
	}
	caps := cfg.Caps
	if caps == (QPCaps{}) {
		if cfg.Type == QPTypeDCIni {
			caps = DefaultDCIniCaps()
		} else {
			caps = DefaultQPCaps()
		}
	}
	devCaps := p.inner.ctx.caps
	if cfg.Type == QPTypeDCIni && !devCaps.DCTransport {
		panic("verbs: dynamically-connected transport not in the capability set")
	}
	extWidths := make(map[uint32]bool, len(cfg.ExtendedAtomicWidths))
	for _, w := range cfg.ExtendedAtomicWidths {
		if !devCaps.SupportsExtendedAtomic(w) {
			panic(fmt.Sprintf("verbs: extended atomic width %d not in the capability set", w))
		}
		extWidths[w] = true
	}
	var qkey uint64
	if cfg.Type == QPTypeUD {
		qkey = GlobalQKey
	}
	hwQP, err := p.inner.hw.CreateQP(hw.QPOptions{
		Type:   cfg.Type,
		SendCQ: cfg.SendCQ.inner.hw,
		RecvCQ: recvCQ.inner.hw,
		Caps:   caps,
		QKey:   qkey,
	})
	if err != nil {
		return nil, translate(err)
	}
	p.inner.rc.hold()
	cfg.SendCQ.inner.rc.hold()
	recvCQ.inner.rc.hold()
	inner := &qpInner{
		pd:        p.inner,
		sendCQ:    cfg.SendCQ.inner,
		recvCQ:    recvCQ.inner,
		hw:        hwQP,
		extWidths: extWidths,
	}
	inner.rc = newRefCount(inner.teardown)
	inner.sendCQ.attach(inner, hwQP.QPN())
	inner.recvCQ.attach(inner, hwQP.QPN())
	return &QueuePair{inner: inner}, nil
}

// Clone returns a new handle sharing the underlying queue pair.
func (q *QueuePair) Clone() *QueuePair {
	q.inner.rc.hold()
	return &QueuePair{inner: q.inner}
}

// Close releases this handle. The queue pair is destroyed when the last
// handle is gone; its protection domain and completion queues are released
// only then.
func (q *QueuePair) Close() error {
	if !q.closed.CompareAndSwap(false, true) {
		return nil
	}
	q.inner.rc.release()
	return nil
}

// Type returns the transport type.
func (q *QueuePair) Type() QPType { return q.inner.hw.Type() }

// QPN returns the queue pair number.
func (q *QueuePair) QPN() uint32 { return q.inner.hw.QPN() }

// Caps returns the creation-time queue bounds.
func (q *QueuePair) Caps() QPCaps { return q.inner.hw.Caps() }

// State returns the current connection state.
func (q *QueuePair) State() QPState { return q.inner.hw.State() }

// Peer returns the bound remote endpoint, if any.
func (q *QueuePair) Peer() (EndpointInfo, bool) {
	q.inner.mu.Lock()
	defer q.inner.mu.Unlock()
	return q.inner.peer, q.inner.hasPeer
}

// BindLocalPort moves the queue pair RESET→INIT, binding it to the port its
// context was opened on. No peer information is required. Datagram and
// dynamic-connect initiator queue pairs are brought all the way to RTS, as
// they have no per-peer connection to establish.
//
// Binding twice, or binding a queue pair that has left RESET, is a caller
// bug and panics. An inactive port is an environmental condition and is
// returned as an error.
func (q *QueuePair) BindLocalPort() error {
	q.inner.mu.Lock()
	defer q.inner.mu.Unlock()
	if st := q.State(); st != QPStateReset {
		panic(fmt.Sprintf("verbs: queue pair already bound to a local port (state %s)", st))
	}
	ctx := q.inner.pd.ctx
	if ctx.hw.Device().PortState(ctx.hw.Port()) != hw.PortStateActive {
		return ErrPortDown
	}
	if q.Type() == QPTypeUD || q.Type() == QPTypeDCIni {
		q.inner.hw.SetState(hw.QPStateRTS)
	} else {
		q.inner.hw.SetState(hw.QPStateInit)
	}
	return nil
}

// BindPeer moves a connected queue pair INIT→RTR, binding it to the remote
// endpoint and setting the expected receive packet sequence number and path
// parameters. Exactly one peer may ever be bound.
//
// Calling before BindLocalPort, rebinding, or supplying malformed endpoint
// info (zero queue pair number, unusable path MTU) is a caller bug and
// panics.
//
// For a datagram queue pair this sets the default send target only; no
// state transition occurs.
func (q *QueuePair) BindPeer(ep EndpointInfo) error {
	q.inner.mu.Lock()
	defer q.inner.mu.Unlock()
	if !ep.Valid() {
		panic(fmt.Sprintf("verbs: malformed peer endpoint info (qpn=%d, port=%d, mtu=%d)", ep.QPN, ep.PortNum, ep.PathMTU))
	}
	if q.Type() == QPTypeUD || q.Type() == QPTypeDCIni {
		if q.State() == QPStateReset {
			panic("verbs: queue pair not yet bound to a local port")
		}
		q.inner.peer = ep
		q.inner.hasPeer = true
		q.inner.hw.SetPeer(ep.QPN)
		return nil
	}
	switch st := q.State(); st {
	case QPStateReset:
		panic("verbs: queue pair not yet bound to a local port")
	case QPStateInit:
	default:
		panic(fmt.Sprintf("verbs: queue pair already bound to a remote peer (state %s)", st))
	}
	q.inner.peer = ep
	q.inner.hasPeer = true
	q.inner.hw.SetPeer(ep.QPN)
	q.inner.hw.SetState(hw.QPStateRTR)
	return nil
}

// ReadyToSend moves a connected queue pair RTR→RTS with the given starting
// send packet sequence number. Calling it in any state but RTR is a caller
// bug and panics.
func (q *QueuePair) ReadyToSend(psn uint32) error {
	q.inner.mu.Lock()
	defer q.inner.mu.Unlock()
	if st := q.State(); st != QPStateRTR {
		panic(fmt.Sprintf("verbs: queue pair not ready to receive (state %s)", st))
	}
	_ = psn // the emulated adapter does not sequence packets
	q.inner.hw.SetState(hw.QPStateRTS)
	return nil
}

// Connect fuses BindPeer and ReadyToSend with the initial packet sequence
// number, bringing a port-bound connected queue pair from INIT to RTS in
// one call. For datagram and dynamic-connect queue pairs it only sets the
// default send target.
func (q *QueuePair) Connect(ep EndpointInfo) error {
	if err := q.BindPeer(ep); err != nil {
		return err
	}
	if q.Type() != QPTypeRC {
		return nil
	}
	return q.ReadyToSend(InitialPSN)
}

// RecvRequest describes a receive work request.
type RecvRequest struct {
	ID      uint64
	Buffers []MRSlice
}

// SendRequest describes a two-sided send.
type SendRequest struct {
	ID      uint64
	Buffers []MRSlice
	// Peer addresses the destination on datagram and dynamic-connect
	// queue pairs; connected queue pairs send to their bound peer and
	// ignore it.
	Peer    *Peer
	Imm     uint32
	WithImm bool
	// Unsignaled suppresses the success completion entry.
	Unsignaled bool
}

// WriteRequest describes a one-sided RDMA write.
type WriteRequest struct {
	ID         uint64
	Local      []MRSlice
	Remote     RemoteMemory
	Imm        uint32
	WithImm    bool
	Unsignaled bool
}

// ReadRequest describes a one-sided RDMA read.
type ReadRequest struct {
	ID         uint64
	Local      []MRSlice
	Remote     RemoteMemory
	Unsignaled bool
}

// AtomicRequest describes an 8-byte atomic operation. Local receives the
// prior remote value; Remote must be an 8-byte-aligned 8-byte window.
type AtomicRequest struct {
	ID         uint64
	Local      MRSlice
	Remote     RemoteMemory
	Compare    uint64 // compare-and-swap only
	Swap       uint64 // compare-and-swap only
	Add        uint64 // fetch-and-add only
	Unsignaled bool
}

// ExtAtomicRequest describes an extended-width atomic operation. Operand
// slices must be exactly Width bytes; the queue pair must have opted into
// the width at construction.
type ExtAtomicRequest struct {
	ID         uint64
	Local      MRSlice
	Remote     RemoteMemory
	Width      uint32
	Compare    []byte // compare-and-swap only
	Swap       []byte // compare-and-swap only
	Add        []byte // fetch-and-add only
	Unsignaled bool
}

// sendReady validates the state for a send-side post: RTS is required and
// any other live state is a caller bug. The terminal ERROR state is an
// adapter-reported condition and returns a recoverable error instead.
func (q *QueuePair) sendReady() error {
	switch st := q.State(); st {
	case QPStateRTS:
		return nil
	case QPStateError:
		return &StateError{State: st}
	default:
		panic(fmt.Sprintf("verbs: send-side post on queue pair in %s state", st))
	}
}

// recvReady validates the state for a receive post: any state past RESET
// accepts receives.
func (q *QueuePair) recvReady() error {
	switch st := q.State(); st {
	case QPStateInit, QPStateRTR, QPStateRTS:
		return nil
	case QPStateError:
		return &StateError{State: st}
	default:
		panic(fmt.Sprintf("verbs: receive post on queue pair in %s state", st))
	}
}

// resolveSgl validates a scatter/gather list against the queue pair's
// protection domain and resolves it to buffer views. A region registered
// under a different domain is a key mismatch and panics.
func (q *QueuePair) resolveSgl(slices []MRSlice, max uint32, side string) [][]byte {
	if uint32(len(slices)) > max {
		panic(fmt.Sprintf("verbs: %d scatter/gather entries exceed the %s limit of %d", len(slices), side, max))
	}
	views := make([][]byte, len(slices))
	for i, s := range slices {
		if s.mr == nil {
			panic("verbs: scatter/gather entry references no memory region")
		}
		if s.mr.pd != q.inner.pd {
			panic("verbs: memory region registered under a different protection domain")
		}
		views[i] = s.Bytes()
	}
	return views
}

// PostRecv posts a receive work request tagged with the caller's
// identifier. Non-blocking; the request completes on the receive completion
// queue when a matching message arrives.
func (q *QueuePair) PostRecv(req *RecvRequest) error {
	if err := q.recvReady(); err != nil {
		return err
	}
	sgl := q.resolveSgl(req.Buffers, q.Caps().MaxRecvSGE, "receive")
	return translate(q.inner.hw.PostRecv(hw.RecvWR{ID: req.ID, Sgl: sgl}))
}

// PostSend posts a two-sided send. Non-blocking: the call enqueues the
// request and returns immediately, with no guarantee about completion
// timing; completion is discovered only by polling the send completion
// queue for the request's identifier.
func (q *QueuePair) PostSend(req *SendRequest) error {
	if err := q.sendReady(); err != nil {
		return err
	}
	sgl := q.resolveSgl(req.Buffers, q.Caps().MaxSendSGE, "send")
	wr := hw.SendWR{
		ID:       req.ID,
		Op:       hw.OpSend,
		Sgl:      sgl,
		Imm:      req.Imm,
		HasImm:   req.WithImm,
		Signaled: !req.Unsignaled,
	}
	switch q.Type() {
	case QPTypeUD, QPTypeDCIni:
		peer := req.Peer
		if peer == nil {
			if !q.inner.hasPeer {
				panic("verbs: datagram send requires a peer")
			}
			wr.Dest = q.inner.peer.QPN
			wr.QKey = q.peerKey()
		} else {
			wr.Dest = peer.destQPN
			wr.QKey = peer.qkey
		}
	}
	return translate(q.inner.hw.PostSend(wr))
}

func (q *QueuePair) peerKey() uint64 {
	if q.Type() == QPTypeDCIni {
		return GlobalDCKey
	}
	return GlobalQKey
}

// PostWrite posts a one-sided RDMA write of the local gather list into the
// remote window. Reliable-connected transport only.
func (q *QueuePair) PostWrite(req *WriteRequest) error {
	q.requireRC("RDMA write")
	if err := q.sendReady(); err != nil {
		return err
	}
	sgl := q.resolveSgl(req.Local, q.Caps().MaxSendSGE, "send")
	if total := sglTotal(sgl); total > int(req.Remote.Len) {
		panic(fmt.Sprintf("verbs: %dB write exceeds %dB remote window", total, req.Remote.Len))
	}
	wr := hw.SendWR{
		ID:         req.ID,
		Op:         hw.OpRDMAWrite,
		Sgl:        sgl,
		Imm:        req.Imm,
		HasImm:     req.WithImm,
		Signaled:   !req.Unsignaled,
		RemoteAddr: req.Remote.Addr,
		RKey:       req.Remote.RKey,
	}
	return translate(q.inner.hw.PostSend(wr))
}

// PostRead posts a one-sided RDMA read of the remote window into the local
// scatter list. Reliable-connected transport only.
func (q *QueuePair) PostRead(req *ReadRequest) error {
	q.requireRC("RDMA read")
	if err := q.sendReady(); err != nil {
		return err
	}
	sgl := q.resolveSgl(req.Local, q.Caps().MaxSendSGE, "send")
	if total := sglTotal(sgl); total > int(req.Remote.Len) {
		panic(fmt.Sprintf("verbs: %dB read exceeds %dB remote window", total, req.Remote.Len))
	}
	wr := hw.SendWR{
		ID:         req.ID,
		Op:         hw.OpRDMARead,
		Sgl:        sgl,
		Signaled:   !req.Unsignaled,
		RemoteAddr: req.Remote.Addr,
		RKey:       req.Remote.RKey,
	}
	return translate(q.inner.hw.PostSend(wr))
}

// CompareSwap posts an 8-byte atomic compare-and-swap against the remote
// window; the prior remote value lands in the local slice.
func (q *QueuePair) CompareSwap(req *AtomicRequest) error {
	q.requireRC("atomic compare-and-swap")
	if err := q.sendReady(); err != nil {
		return err
	}
	sgl := q.atomicSgl(req.Local, req.Remote, 8)
	wr := hw.SendWR{
		ID:         req.ID,
		Op:         hw.OpCompSwap,
		Sgl:        sgl,
		Signaled:   !req.Unsignaled,
		RemoteAddr: req.Remote.Addr,
		RKey:       req.Remote.RKey,
		CompareAdd: req.Compare,
		Swap:       req.Swap,
	}
	return translate(q.inner.hw.PostSend(wr))
}

// FetchAdd posts an 8-byte atomic fetch-and-add against the remote window;
// the prior remote value lands in the local slice.
func (q *QueuePair) FetchAdd(req *AtomicRequest) error {
	q.requireRC("atomic fetch-and-add")
	if err := q.sendReady(); err != nil {
		return err
	}
	sgl := q.atomicSgl(req.Local, req.Remote, 8)
	wr := hw.SendWR{
		ID:         req.ID,
		Op:         hw.OpFetchAdd,
		Sgl:        sgl,
		Signaled:   !req.Unsignaled,
		RemoteAddr: req.Remote.Addr,
		RKey:       req.Remote.RKey,
		CompareAdd: req.Add,
	}
	return translate(q.inner.hw.PostSend(wr))
}

// CompareSwapExt posts an extended-width atomic compare-and-swap. The queue
// pair must have opted into the width at construction; posting without the
// opt-in is a caller bug and panics.
func (q *QueuePair) CompareSwapExt(req *ExtAtomicRequest) error {
	q.requireRC("extended atomic compare-and-swap")
	q.requireExtWidth(req.Width)
	if err := q.sendReady(); err != nil {
		return err
	}
	if uint32(len(req.Compare)) != req.Width || uint32(len(req.Swap)) != req.Width {
		panic(fmt.Sprintf("verbs: extended atomic operands must be %d bytes", req.Width))
	}
	sgl := q.atomicSgl(req.Local, req.Remote, int(req.Width))
	wr := hw.SendWR{
		ID:          req.ID,
		Op:          hw.OpCompSwap,
		Sgl:         sgl,
		Signaled:    !req.Unsignaled,
		RemoteAddr:  req.Remote.Addr,
		RKey:        req.Remote.RKey,
		AtomicWidth: req.Width,
		CompareExt:  req.Compare,
		SwapExt:     req.Swap,
	}
	return translate(q.inner.hw.PostSend(wr))
}

// FetchAddExt posts an extended-width atomic fetch-and-add, adding the
// little-endian operand into the remote window.
func (q *QueuePair) FetchAddExt(req *ExtAtomicRequest) error {
	q.requireRC("extended atomic fetch-and-add")
	q.requireExtWidth(req.Width)
	if err := q.sendReady(); err != nil {
		return err
	}
	if uint32(len(req.Add)) != req.Width {
		panic(fmt.Sprintf("verbs: extended atomic operands must be %d bytes", req.Width))
	}
	sgl := q.atomicSgl(req.Local, req.Remote, int(req.Width))
	wr := hw.SendWR{
		ID:          req.ID,
		Op:          hw.OpFetchAdd,
		Sgl:         sgl,
		Signaled:    !req.Unsignaled,
		RemoteAddr:  req.Remote.Addr,
		RKey:        req.Remote.RKey,
		AtomicWidth: req.Width,
		AddExt:      req.Add,
	}
	return translate(q.inner.hw.PostSend(wr))
}

func (q *QueuePair) requireRC(op string) {
	if q.Type() != QPTypeRC {
		panic(fmt.Sprintf("verbs: %s requires a reliable-connected queue pair", op))
	}
}

func (q *QueuePair) requireExtWidth(width uint32) {
	if !q.inner.extWidths[width] {
		panic(fmt.Sprintf("verbs: queue pair not constructed with extended atomic width %d", width))
	}
}

// atomicSgl validates the local and remote windows of an atomic operation:
// both must be exactly width bytes and width-aligned on the remote side.
// Violations are caller bugs and panic.
func (q *QueuePair) atomicSgl(local MRSlice, remote RemoteMemory, width int) [][]byte {
	sgl := q.resolveSgl([]MRSlice{local}, q.Caps().MaxSendSGE, "send")
	if local.Len() != width {
		panic(fmt.Sprintf("verbs: atomic local buffer must be %d bytes, got %d", width, local.Len()))
	}
	if int(remote.Len) < width {
		panic(fmt.Sprintf("verbs: atomic remote window must be at least %d bytes, got %d", width, remote.Len))
	}
	if remote.Addr%uint64(width) != 0 {
		panic(fmt.Sprintf("verbs: atomic remote address %#x not %d-byte aligned", remote.Addr, width))
	}
	return sgl
}

func sglTotal(sgl [][]byte) int {
	n := 0
	for _, s := range sgl {
		n += len(s)
	}
	return n
}

// Peer is an address handle naming a remote endpoint for per-send
// addressing on datagram and dynamic-connect queue pairs. It holds a
// reference on the protection domain it was created under.
type Peer struct {
	pd      *pdInner
	destQPN uint32
	qkey    uint64
	closed  atomic.Bool
}

// NewPeer creates an address handle for a datagram destination.
func (p *ProtectionDomain) NewPeer(ep EndpointInfo) (*Peer, error) {
	if !ep.Valid() {
		panic(fmt.Sprintf("verbs: malformed peer endpoint info (qpn=%d)", ep.QPN))
	}
	p.inner.rc.hold()
	return &Peer{pd: p.inner, destQPN: ep.QPN, qkey: GlobalQKey}, nil
}

// NewDCPeer creates an address handle for a dynamically-connected target.
func (p *ProtectionDomain) NewDCPeer(ep EndpointInfo, dcKey uint64) (*Peer, error) {
	if !ep.Valid() {
		panic(fmt.Sprintf("verbs: malformed peer endpoint info (qpn=%d)", ep.QPN))
	}
	p.inner.rc.hold()
	return &Peer{pd: p.inner, destQPN: ep.QPN, qkey: dcKey}, nil
}

// Close releases the address handle's reference on its protection domain.
func (p *Peer) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.pd.rc.release()
	return nil
}
