package verbs

import "sync/atomic"

// refCount implements the shared-ownership model applied to every resource
// type: each clone holds one reference, and the destructor runs exactly
// once, when the last reference is released, regardless of release order or
// goroutine. Dependent resources take a reference on their dependencies at
// creation and release it from their own destructor, which is what enforces
// teardown ordering without an explicit destruction sequence.
type refCount struct {
	refs    atomic.Int64
	destroy func()
}

func newRefCount(destroy func()) *refCount {
	rc := &refCount{destroy: destroy}
	rc.refs.Store(1)
	return rc
}

func (rc *refCount) hold() {
	rc.refs.Add(1)
}

func (rc *refCount) release() {
	if n := rc.refs.Add(-1); n == 0 {
		rc.destroy()
	} else if n < 0 {
		panic("verbs: resource released more times than held")
	}
}
