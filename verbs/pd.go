package verbs

import (
	"sync/atomic"

	"github.com/nettlelabs/ibverbs-go/internal/hw"
)

// ProtectionDomain scopes memory registrations and queue pairs created
// under a context. Every memory region and queue pair created under the
// domain holds a reference on it, so the domain outlives its dependents no
// matter the close order.
type ProtectionDomain struct {
	inner  *pdInner
	closed atomic.Bool
}

type pdInner struct {
	rc  *refCount
	ctx *contextInner
	hw  *hw.PD
}

func (p *pdInner) teardown() {
	_ = p.hw.Dealloc()
	p.ctx.rc.release()
}

// AllocPD allocates a protection domain under the context.
func (c *Context) AllocPD() (*ProtectionDomain, error) {
	c.inner.rc.hold()
	inner := &pdInner{ctx: c.inner, hw: c.inner.hw.AllocPD()}
	inner.rc = newRefCount(inner.teardown)
	return &ProtectionDomain{inner: inner}, nil
}

// Clone returns a new handle sharing the underlying protection domain.
func (p *ProtectionDomain) Clone() *ProtectionDomain {
	p.inner.rc.hold()
	return &ProtectionDomain{inner: p.inner}
}

// Close releases this handle. The domain is deallocated when the last
// handle and the last dependent resource are gone.
func (p *ProtectionDomain) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.inner.rc.release()
	return nil
}

// Context returns a new handle on the owning context.
func (p *ProtectionDomain) Context() *Context {
	p.inner.ctx.rc.hold()
	return &Context{inner: p.inner.ctx}
}
