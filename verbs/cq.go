package verbs

import (
	"sync"
	"sync/atomic"

	"github.com/nettlelabs/ibverbs-go/internal/hw"
)

// DefaultCQDepth is the completion queue capacity used when none is given.
const DefaultCQDepth = 128

// CompletionQueue is a fixed-capacity ring of completion entries written by
// the adapter as posted work finishes. The ring's capacity must cover the
// sum of outstanding work requests across every queue pair targeting it;
// posting beyond that fails with ErrCompletionQueueFull.
//
// Polling is the only way entries are consumed and never blocks. Concurrent
// polling of the same queue from multiple goroutines requires external
// synchronization.
type CompletionQueue struct {
	inner  *cqInner
	closed atomic.Bool
}

type cqInner struct {
	rc  *refCount
	ctx *contextInner
	hw  *hw.CQ

	// Queue pairs attached to this queue, so a fatal completion status
	// observed during polling can move its origin to the error state.
	mu  sync.Mutex
	qps map[uint32]*qpInner
}

func (c *cqInner) teardown() {
	c.ctx.rc.release()
}

// CreateCQ creates a completion queue with the given entry capacity; a
// non-positive capacity selects DefaultCQDepth.
func (c *Context) CreateCQ(capacity int) (*CompletionQueue, error) {
	if capacity <= 0 {
		capacity = DefaultCQDepth
	}
	hwCQ, err := c.inner.hw.CreateCQ(capacity)
	if err != nil {
		return nil, translate(err)
	}
	c.inner.rc.hold()
	inner := &cqInner{ctx: c.inner, hw: hwCQ, qps: make(map[uint32]*qpInner)}
	inner.rc = newRefCount(inner.teardown)
	return &CompletionQueue{inner: inner}, nil
}

// Clone returns a new handle sharing the underlying completion queue.
func (q *CompletionQueue) Clone() *CompletionQueue {
	q.inner.rc.hold()
	return &CompletionQueue{inner: q.inner}
}

// Close releases this handle. The queue is destroyed when the last handle
// and the last queue pair targeting it are gone.
func (q *CompletionQueue) Close() error {
	if !q.closed.CompareAndSwap(false, true) {
		return nil
	}
	q.inner.rc.release()
	return nil
}

// Capacity returns the entry capacity of the ring.
func (q *CompletionQueue) Capacity() int { return q.inner.hw.Capacity() }

// Poll removes and returns up to max completion entries. It returns
// immediately with zero or more entries; with nothing pending the result is
// empty. Entry order reflects adapter arrival order, which interleaves
// completions from every queue attached to the ring.
//
// A fatal status on an entry moves the originating queue pair to the ERROR
// state and flushes its outstanding receives; the caller discovers the
// flushed requests on subsequent polls.
func (q *CompletionQueue) Poll(max int) []WorkCompletion {
	raw := q.inner.hw.Poll(max)
	if len(raw) == 0 {
		return nil
	}
	out := make([]WorkCompletion, len(raw))
	for i, c := range raw {
		out[i] = WorkCompletion{
			ID:      c.WRID,
			Opcode:  c.Opcode,
			Status:  c.Status,
			ByteLen: c.ByteLen,
			Imm:     c.Imm,
			HasImm:  c.HasImm,
			qpn:     c.QPN,
		}
		if c.Status.Fatal() && c.Status != hw.StatusWRFlushErr {
			q.inner.mu.Lock()
			qp := q.inner.qps[c.QPN]
			q.inner.mu.Unlock()
			if qp != nil {
				qp.enterError()
			}
		}
	}
	return out
}

// PollOne removes and returns a single completion entry, if one is pending.
func (q *CompletionQueue) PollOne() (WorkCompletion, bool) {
	wcs := q.Poll(1)
	if len(wcs) == 0 {
		return WorkCompletion{}, false
	}
	return wcs[0], true
}

func (c *cqInner) attach(qp *qpInner, qpn uint32) {
	c.mu.Lock()
	c.qps[qpn] = qp
	c.mu.Unlock()
}

func (c *cqInner) detach(qpn uint32) {
	c.mu.Lock()
	delete(c.qps, qpn)
	c.mu.Unlock()
}
