package hw

import (
	"sync"
	"sync/atomic"
)

// Access bits for a memory registration.
type Access uint32

const (
	AccessLocalWrite Access = 1 << iota
	AccessRemoteRead
	AccessRemoteWrite
	AccessRemoteAtomic
)

var (
	keyCounter  atomic.Uint32
	baseCounter atomic.Uint32
)

// MR is an adapter-visible registration of a caller-owned buffer.
//
// Registrations are address-based: the MR records a stable virtual base
// address for the buffer and all wire-visible references (scatter/gather
// entries, remote descriptors) name offsets within [Base, Base+len).
type MR struct {
	pd     *PD
	data   []byte
	base   uint64
	lkey   uint32
	rkey   uint32
	access Access
	closed atomic.Bool
}

// RegisterMR registers buf under the protection domain. The caller keeps
// ownership of buf and must keep it valid and unmoved for the registration's
// lifetime.
func (p *PD) RegisterMR(buf []byte, access Access) (*MR, error) {
	if uint64(len(buf)) > p.ctx.dev.attrs.MaxMRLen {
		return nil, &CapacityError{Attr: "mr length", Supported: uint32(p.ctx.dev.attrs.MaxMRLen), Requested: uint32(len(buf))}
	}
	mr := &MR{
		pd:     p,
		data:   buf,
		base:   uint64(baseCounter.Add(1)) << 32,
		lkey:   keyCounter.Add(1),
		rkey:   keyCounter.Add(1),
		access: access,
	}
	p.mu.Lock()
	p.byLkey[mr.lkey] = mr
	p.byRkey[mr.rkey] = mr
	p.mu.Unlock()
	return mr, nil
}

// Base returns the registration's virtual base address.
func (m *MR) Base() uint64 { return m.base }

// Len returns the registered length in bytes.
func (m *MR) Len() int { return len(m.data) }

// LKey returns the local access key.
func (m *MR) LKey() uint32 { return m.lkey }

// RKey returns the remote access key.
func (m *MR) RKey() uint32 { return m.rkey }

// Access returns the registered access bits.
func (m *MR) Access() Access { return m.access }

// Bytes returns the registered buffer.
func (m *MR) Bytes() []byte { return m.data }

// Deregister removes the registration from the protection domain.
func (m *MR) Deregister() error {
	if !m.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	m.pd.mu.Lock()
	delete(m.pd.byLkey, m.lkey)
	delete(m.pd.byRkey, m.rkey)
	m.pd.mu.Unlock()
	return nil
}

// resolveRemote maps a remote descriptor to a writable view of registered
// memory, checking the key, the address range and the access bits.
func (p *PD) resolveRemote(rkey uint32, addr uint64, length uint32, need Access) ([]byte, bool) {
	p.mu.Lock()
	mr, ok := p.byRkey[rkey]
	p.mu.Unlock()
	if !ok || mr.access&need != need {
		return nil, false
	}
	if addr < mr.base || addr+uint64(length) > mr.base+uint64(len(mr.data)) {
		return nil, false
	}
	off := addr - mr.base
	return mr.data[off : off+uint64(length)], true
}

// LookupLocal maps a local key and address range to the registered bytes.
// Used by the wrapper layer to validate scatter/gather entries before they
// reach the queue.
func (p *PD) LookupLocal(lkey uint32, addr uint64, length uint32) ([]byte, bool) {
	p.mu.Lock()
	mr, ok := p.byLkey[lkey]
	p.mu.Unlock()
	if !ok {
		return nil, false
	}
	if addr < mr.base || addr+uint64(length) > mr.base+uint64(len(mr.data)) {
		return nil, false
	}
	off := addr - mr.base
	return mr.data[off : off+uint64(length)], true
}

// PD scopes memory registrations and queue pairs created under a context.
type PD struct {
	ctx    *Context
	mu     sync.Mutex
	byLkey map[uint32]*MR
	byRkey map[uint32]*MR
	closed atomic.Bool
}

// AllocPD allocates a protection domain on the context.
func (c *Context) AllocPD() *PD {
	return &PD{
		ctx:    c,
		byLkey: make(map[uint32]*MR),
		byRkey: make(map[uint32]*MR),
	}
}

// Context returns the owning context.
func (p *PD) Context() *Context { return p.ctx }

// Dealloc releases the protection domain.
func (p *PD) Dealloc() error {
	if !p.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	return nil
}
