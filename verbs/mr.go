package verbs

import (
	"fmt"
	"sync/atomic"

	"github.com/nettlelabs/ibverbs-go/internal/hw"
)

// AccessFlags controls what the adapter and remote peers may do with a
// registered memory region.
type AccessFlags = hw.Access

const (
	AccessLocalWrite   = hw.AccessLocalWrite
	AccessRemoteRead   = hw.AccessRemoteRead
	AccessRemoteWrite  = hw.AccessRemoteWrite
	AccessRemoteAtomic = hw.AccessRemoteAtomic
)

// MemoryRegion is a caller-owned buffer registered for adapter access. The
// registration is address-based: the buffer must stay valid and unmoved for
// the region's entire lifetime. The region holds a reference on its
// protection domain.
type MemoryRegion struct {
	inner  *mrInner
	closed atomic.Bool
}

type mrInner struct {
	rc *refCount
	pd *pdInner
	hw *hw.MR
}

func (m *mrInner) teardown() {
	_ = m.hw.Deregister()
	m.pd.rc.release()
}

// RegisterMemory registers buf under the protection domain with the given
// access flags. The caller keeps ownership of buf and guarantees it
// outlives the registration.
func (p *ProtectionDomain) RegisterMemory(buf []byte, access AccessFlags) (*MemoryRegion, error) {
	if len(buf) == 0 {
		panic("verbs: memory registration requires a non-empty buffer")
	}
	hwMR, err := p.inner.hw.RegisterMR(buf, access)
	if err != nil {
		return nil, translate(err)
	}
	p.inner.rc.hold()
	inner := &mrInner{pd: p.inner, hw: hwMR}
	inner.rc = newRefCount(inner.teardown)
	return &MemoryRegion{inner: inner}, nil
}

// Clone returns a new handle sharing the underlying registration.
func (m *MemoryRegion) Clone() *MemoryRegion {
	m.inner.rc.hold()
	return &MemoryRegion{inner: m.inner}
}

// Close releases this handle. The registration is torn down when the last
// handle is gone.
func (m *MemoryRegion) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.inner.rc.release()
	return nil
}

// Bytes returns the registered buffer.
func (m *MemoryRegion) Bytes() []byte { return m.inner.hw.Bytes() }

// Len returns the registered length in bytes.
func (m *MemoryRegion) Len() int { return m.inner.hw.Len() }

// LKey returns the local access key.
func (m *MemoryRegion) LKey() uint32 { return m.inner.hw.LKey() }

// RKey returns the remote access key.
func (m *MemoryRegion) RKey() uint32 { return m.inner.hw.RKey() }

// Access returns the access flags the region was registered with.
func (m *MemoryRegion) Access() AccessFlags { return m.inner.hw.Access() }

// Slice returns a view of [offset, offset+length) within the registered
// range. Sub-views are created without re-registration and carry the same
// keys. Out-of-range bounds are a caller bug and panic.
func (m *MemoryRegion) Slice(offset, length int) MRSlice {
	if offset < 0 || length < 0 || offset+length > m.Len() {
		panic(fmt.Sprintf("verbs: slice [%d:+%d] out of range of %dB memory region", offset, length, m.Len()))
	}
	return MRSlice{mr: m.inner, off: offset, n: length}
}

// Whole returns a view covering the entire registered range.
func (m *MemoryRegion) Whole() MRSlice {
	return MRSlice{mr: m.inner, n: m.Len()}
}

// Remote describes the full region for RDMA access by remote peers.
func (m *MemoryRegion) Remote() RemoteMemory {
	return RemoteMemory{
		Addr: m.inner.hw.Base(),
		Len:  uint32(m.Len()),
		RKey: m.RKey(),
	}
}

// MRSlice is a view into a registered memory region, used as a
// scatter/gather element in work requests.
type MRSlice struct {
	mr  *mrInner
	off int
	n   int
}

// Len returns the view length in bytes.
func (s MRSlice) Len() int { return s.n }

// Bytes returns the viewed buffer window.
func (s MRSlice) Bytes() []byte {
	return s.mr.hw.Bytes()[s.off : s.off+s.n]
}

// Slice narrows the view further. Out-of-range bounds panic.
func (s MRSlice) Slice(offset, length int) MRSlice {
	if offset < 0 || length < 0 || offset+length > s.n {
		panic(fmt.Sprintf("verbs: slice [%d:+%d] out of range of %dB view", offset, length, s.n))
	}
	return MRSlice{mr: s.mr, off: s.off + offset, n: length}
}

// Remote describes the view for RDMA access by remote peers.
func (s MRSlice) Remote() RemoteMemory {
	return RemoteMemory{
		Addr: s.mr.hw.Base() + uint64(s.off),
		Len:  uint32(s.n),
		RKey: s.mr.hw.RKey(),
	}
}

// RemoteMemory names a remote registered range for one-sided operations.
// Peers exchange it out of band alongside EndpointInfo.
type RemoteMemory struct {
	Addr uint64 `json:"addr"`
	Len  uint32 `json:"len"`
	RKey uint32 `json:"rkey"`
}

// Slice returns the sub-range [offset, offset+length). Out-of-range bounds
// panic.
func (r RemoteMemory) Slice(offset, length uint32) RemoteMemory {
	if offset+length > r.Len {
		panic(fmt.Sprintf("verbs: slice [%d:+%d] out of range of %dB remote memory", offset, length, r.Len))
	}
	return RemoteMemory{Addr: r.Addr + uint64(offset), Len: length, RKey: r.RKey}
}
