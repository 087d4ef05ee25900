package verbs

import "github.com/nettlelabs/ibverbs-go/internal/hw"

// WCOpcode identifies the operation a completion entry reports on.
type WCOpcode = hw.Opcode

const (
	WCSend        = hw.OpSend
	WCRDMAWrite   = hw.OpRDMAWrite
	WCRDMARead    = hw.OpRDMARead
	WCCompSwap    = hw.OpCompSwap
	WCFetchAdd    = hw.OpFetchAdd
	WCRecv        = hw.OpRecv
	WCRecvRDMAImm = hw.OpRecvRDMAImm
)

// WCStatus is the adapter-reported outcome carried by a completion entry.
type WCStatus = hw.Status

const (
	WCSuccess        = hw.StatusSuccess
	WCLocLenErr      = hw.StatusLocLenErr
	WCLocProtErr     = hw.StatusLocProtErr
	WCWRFlushErr     = hw.StatusWRFlushErr
	WCRemInvReqErr   = hw.StatusRemInvReqErr
	WCRemAccessErr   = hw.StatusRemAccessErr
	WCRemOpErr       = hw.StatusRemOpErr
	WCRetryExcErr    = hw.StatusRetryExcErr
	WCRNRRetryExcErr = hw.StatusRNRRetryExcErr
	WCFatalErr       = hw.StatusFatalErr
	WCGeneralErr     = hw.StatusGeneralErr
)

// WorkCompletion is one polled completion entry. The ID is the identifier
// the caller supplied when posting the work request it reports on.
type WorkCompletion struct {
	ID      uint64
	Opcode  WCOpcode
	Status  WCStatus
	ByteLen uint32
	Imm     uint32
	HasImm  bool

	qpn uint32
}

// QPN returns the number of the queue pair (or DC target) the entry
// originated on. On a completion queue shared by several queue pairs this
// is the only way to attribute an entry to its source.
func (wc *WorkCompletion) QPN() uint32 { return wc.qpn }

// OK reports whether the entry carries a success status.
func (wc *WorkCompletion) OK() bool {
	return wc.Status == WCSuccess
}

// Err returns nil for a successful entry and a *CompletionError otherwise.
// Failed entries must never be silently dropped; callers that do not match
// on Status should at least propagate this error.
func (wc *WorkCompletion) Err() error {
	if wc.Status == WCSuccess {
		return nil
	}
	return &CompletionError{ID: wc.ID, Opcode: wc.Opcode, Status: wc.Status}
}
