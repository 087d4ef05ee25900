package hw

import (
	"bytes"
	"testing"
)

func newTestQP(t *testing.T, typ QPType, qkey uint64) (*PD, *CQ, *QP) {
	t.Helper()
	ctx := openTestContext(t)
	pd := ctx.AllocPD()
	t.Cleanup(func() { _ = pd.Dealloc() })
	cq, err := ctx.CreateCQ(64)
	if err != nil {
		t.Fatalf("CreateCQ failed: %v", err)
	}
	qp, err := pd.CreateQP(QPOptions{
		Type:   typ,
		SendCQ: cq,
		RecvCQ: cq,
		Caps:   QPCaps{MaxSendWR: 16, MaxRecvWR: 16, MaxSendSGE: 4, MaxRecvSGE: 4},
		QKey:   qkey,
	})
	if err != nil {
		t.Fatalf("CreateQP failed: %v", err)
	}
	t.Cleanup(func() { _ = qp.Destroy() })
	return pd, cq, qp
}

func TestSwitchboardRoutesByQueueNumber(t *testing.T) {
	_, _, a := newTestQP(t, QPTypeRC, 0)
	_, _, b := newTestQP(t, QPTypeRC, 0)

	if a.QPN() == b.QPN() {
		t.Fatal("two queue pairs share a queue number")
	}
	if got, ok := fabric.lookupQP(a.QPN()); !ok || got != a {
		t.Fatal("switchboard does not resolve the first queue pair")
	}
	if got, ok := fabric.lookupQP(b.QPN()); !ok || got != b {
		t.Fatal("switchboard does not resolve the second queue pair")
	}
	if err := b.Destroy(); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}
	if _, ok := fabric.lookupQP(b.QPN()); ok {
		t.Fatal("destroyed queue pair still resolvable")
	}
}

func TestQueueNumbersStartAwayFromZero(t *testing.T) {
	_, _, a := newTestQP(t, QPTypeRC, 0)
	if a.QPN() <= 0x100 {
		t.Fatalf("QPN = %#x, want above the reserved range", a.QPN())
	}
}

func TestFlushDrainsPostedReceives(t *testing.T) {
	_, cq, qp := newTestQP(t, QPTypeRC, 0)
	qp.SetState(QPStateInit)

	buf := make([]byte, 8)
	for i := 0; i < 3; i++ {
		if err := qp.PostRecv(RecvWR{ID: uint64(i), Sgl: [][]byte{buf}}); err != nil {
			t.Fatalf("PostRecv failed: %v", err)
		}
	}
	qp.SetState(QPStateError)
	qp.Flush()

	got := cq.Poll(8)
	if len(got) != 3 {
		t.Fatalf("Poll returned %d entries, want 3 flushed receives", len(got))
	}
	for i, c := range got {
		if c.WRID != uint64(i) || c.Status != StatusWRFlushErr {
			t.Fatalf("entry %d = %+v, want flush status", i, c)
		}
	}
	// The flushed slots are back; posting is limited by state policy in
	// the wrapper layer, not here.
	if err := qp.PostRecv(RecvWR{ID: 9, Sgl: [][]byte{buf}}); err != nil {
		t.Fatalf("PostRecv after flush failed: %v", err)
	}
}

func TestRemoteResolutionChecksKeysAndAccess(t *testing.T) {
	ctx := openTestContext(t)
	pd := ctx.AllocPD()
	buf := make([]byte, 64)
	mr, err := pd.RegisterMR(buf, AccessRemoteWrite)
	if err != nil {
		t.Fatalf("RegisterMR failed: %v", err)
	}

	if _, ok := pd.resolveRemote(mr.RKey(), mr.Base(), 64, AccessRemoteWrite); !ok {
		t.Fatal("in-range resolution failed")
	}
	if _, ok := pd.resolveRemote(mr.RKey()+1, mr.Base(), 8, AccessRemoteWrite); ok {
		t.Fatal("resolution succeeded with a wrong key")
	}
	if _, ok := pd.resolveRemote(mr.RKey(), mr.Base()+60, 8, AccessRemoteWrite); ok {
		t.Fatal("resolution succeeded past the registered range")
	}
	if _, ok := pd.resolveRemote(mr.RKey(), mr.Base(), 8, AccessRemoteAtomic); ok {
		t.Fatal("resolution succeeded without the needed access bit")
	}
	if err := mr.Deregister(); err != nil {
		t.Fatalf("Deregister failed: %v", err)
	}
	if _, ok := pd.resolveRemote(mr.RKey(), mr.Base(), 8, AccessRemoteWrite); ok {
		t.Fatal("resolution succeeded after deregistration")
	}
}

func TestScatterPrefixesRoutingHeader(t *testing.T) {
	src := [][]byte{[]byte("abc"), []byte("de")}
	dst := [][]byte{make([]byte, GRHSize), make([]byte, 8)}

	n, fit := scatter(dst, src, GRHSize)
	if !fit || n != GRHSize+5 {
		t.Fatalf("scatter = (%d, %t)", n, fit)
	}
	if !bytes.Equal(dst[1][:5], []byte("abcde")) {
		t.Fatalf("payload after header = %q", dst[1][:5])
	}

	short := [][]byte{make([]byte, GRHSize+4)}
	if _, fit := scatter(short, src, GRHSize); fit {
		t.Fatal("scatter fit a payload larger than the destination")
	}
}

func TestFailedImmediateWriteLeavesRemoteUntouched(t *testing.T) {
	_, sendCQ, a := newTestQP(t, QPTypeRC, 0)
	destPD, _, b := newTestQP(t, QPTypeRC, 0)

	a.SetPeer(b.QPN())
	a.SetState(QPStateRTS)
	b.SetState(QPStateRTS)

	window := make([]byte, 32)
	mr, err := destPD.RegisterMR(window, AccessRemoteWrite)
	if err != nil {
		t.Fatalf("RegisterMR failed: %v", err)
	}

	// No receive posted on b: the immediate cannot be delivered, and the
	// failure must be reported before the window is written.
	err = a.PostSend(SendWR{
		ID:         1,
		Op:         OpRDMAWrite,
		Sgl:        [][]byte{[]byte("poisoned")},
		Imm:        7,
		HasImm:     true,
		Signaled:   true,
		RemoteAddr: mr.Base(),
		RKey:       mr.RKey(),
	})
	if err != nil {
		t.Fatalf("PostSend failed: %v", err)
	}

	got := sendCQ.Poll(1)
	if len(got) != 1 || got[0].Status != StatusRNRRetryExcErr {
		t.Fatalf("Poll = %+v, want an RNR retry failure", got)
	}
	if !bytes.Equal(window, make([]byte, 32)) {
		t.Fatalf("remote window mutated by a failed write: %q", window)
	}
}

func TestAddLECarriesAcrossBytes(t *testing.T) {
	a := []byte{0xff, 0xff, 0x00}
	addLE(a, []byte{0x01, 0x00, 0x00})
	if !bytes.Equal(a, []byte{0x00, 0x00, 0x01}) {
		t.Fatalf("addLE result = %x", a)
	}
}
