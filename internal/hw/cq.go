package hw

import "sync"

// Opcode identifies the operation a completion reports on.
type Opcode int

const (
	OpSend Opcode = iota
	OpRDMAWrite
	OpRDMARead
	OpCompSwap
	OpFetchAdd
	OpRecv
	OpRecvRDMAImm
)

func (o Opcode) String() string {
	switch o {
	case OpSend:
		return "SEND"
	case OpRDMAWrite:
		return "RDMA_WRITE"
	case OpRDMARead:
		return "RDMA_READ"
	case OpCompSwap:
		return "COMP_SWAP"
	case OpFetchAdd:
		return "FETCH_ADD"
	case OpRecv:
		return "RECV"
	case OpRecvRDMAImm:
		return "RECV_RDMA_WITH_IMM"
	default:
		return "UNKNOWN"
	}
}

// Status is the outcome reported in a completion entry.
type Status int

const (
	StatusSuccess Status = iota
	StatusLocLenErr
	StatusLocProtErr
	StatusWRFlushErr
	StatusRemInvReqErr
	StatusRemAccessErr
	StatusRemOpErr
	StatusRetryExcErr
	StatusRNRRetryExcErr
	StatusFatalErr
	StatusGeneralErr
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusLocLenErr:
		return "local length error"
	case StatusLocProtErr:
		return "local protection error"
	case StatusWRFlushErr:
		return "work request flushed"
	case StatusRemInvReqErr:
		return "remote invalid request error"
	case StatusRemAccessErr:
		return "remote access error"
	case StatusRemOpErr:
		return "remote operation error"
	case StatusRetryExcErr:
		return "transport retry counter exceeded"
	case StatusRNRRetryExcErr:
		return "RNR retry counter exceeded"
	case StatusFatalErr:
		return "fatal error"
	case StatusGeneralErr:
		return "general error"
	default:
		return "unknown status"
	}
}

// Fatal reports whether the status tears down the connection that produced
// it. Anything other than success is fatal on a reliable-connected queue
// pair; the adapter flushes the remainder of the queue.
func (s Status) Fatal() bool { return s != StatusSuccess }

// Completion is one completion queue entry.
type Completion struct {
	QPN     uint32
	WRID    uint64
	Opcode  Opcode
	Status  Status
	ByteLen uint32
	Imm     uint32
	HasImm  bool

	// release returns the outstanding-slot bookkeeping for the owning
	// queue when the entry is polled.
	release func()
}

// CQ is a fixed-capacity completion ring. The ring is populated by work
// delivery and drained by Poll; polling never blocks.
//
// Capacity accounting is reservation-based: every outstanding work request
// that will produce a completion on this queue holds one slot from post
// time until its entry is polled. Error completions bypass reservation the
// way adapters report async faults regardless of ring pressure.
type CQ struct {
	mu       sync.Mutex
	capacity int
	reserved int
	entries  []Completion
}

// CreateCQ creates a completion queue on the context.
func (c *Context) CreateCQ(capacity int) (*CQ, error) {
	if capacity <= 0 || uint32(capacity) > c.dev.attrs.MaxCQE {
		return nil, &CapacityError{Attr: "cq capacity", Supported: c.dev.attrs.MaxCQE, Requested: uint32(capacity)}
	}
	return &CQ{capacity: capacity}, nil
}

// Capacity returns the ring capacity.
func (q *CQ) Capacity() int { return q.capacity }

// Reserve claims a slot for an outstanding work request. It fails when the
// sum of outstanding requests already equals the ring capacity.
func (q *CQ) Reserve() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.reserved >= q.capacity {
		return ErrCompletionQueueFull
	}
	q.reserved++
	return nil
}

// Unreserve returns a slot claimed by Reserve without producing an entry.
// Used when a post fails after the slot was claimed.
func (q *CQ) Unreserve() {
	q.mu.Lock()
	if q.reserved > 0 {
		q.reserved--
	}
	q.mu.Unlock()
}

// push appends an entry. reservedSlot marks entries whose slot was claimed
// by Reserve; the slot is released when the entry is polled.
func (q *CQ) push(c Completion, reservedSlot bool) {
	q.mu.Lock()
	if reservedSlot {
		prev := c.release
		c.release = func() {
			q.mu.Lock()
			if q.reserved > 0 {
				q.reserved--
			}
			q.mu.Unlock()
			if prev != nil {
				prev()
			}
		}
	}
	q.entries = append(q.entries, c)
	q.mu.Unlock()
}

// Poll removes and returns up to max entries. It returns immediately with
// however many entries are present, possibly none.
func (q *CQ) Poll(max int) []Completion {
	if max <= 0 {
		return nil
	}
	q.mu.Lock()
	n := len(q.entries)
	if n > max {
		n = max
	}
	out := make([]Completion, n)
	copy(out, q.entries[:n])
	q.entries = append(q.entries[:0], q.entries[n:]...)
	q.mu.Unlock()
	for i := range out {
		if out[i].release != nil {
			out[i].release()
			out[i].release = nil
		}
	}
	return out
}
