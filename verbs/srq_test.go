package verbs

import (
	"bytes"
	"errors"
	"testing"
)

func newSRQHarness(t *testing.T) (*peerHarness, *SharedReceiveQueue) {
	t.Helper()
	h := newPeerHarness(t, nil, nil)
	if !h.ctx.Capabilities().DCTransport {
		t.Skip("dynamically-connected transport unavailable")
	}
	srq, err := h.pd.CreateSRQ(&SRQConfig{CQ: h.cq})
	if err != nil {
		t.Fatalf("CreateSRQ failed: %v", err)
	}
	t.Cleanup(func() { _ = srq.Close() })
	return h, srq
}

func TestSharedReceiveQueueFeedsMultipleTargets(t *testing.T) {
	h, srq := newSRQHarness(t)

	first, err := h.pd.CreateDCTarget(&DCTargetConfig{SRQ: srq})
	if err != nil {
		t.Fatalf("CreateDCTarget failed: %v", err)
	}
	t.Cleanup(func() { _ = first.Close() })
	second, err := h.pd.CreateDCTarget(&DCTargetConfig{SRQ: srq})
	if err != nil {
		t.Fatalf("CreateDCTarget failed: %v", err)
	}
	t.Cleanup(func() { _ = second.Close() })

	recvA := h.registerBuffer(t, GRHSize+8)
	recvB := h.registerBuffer(t, GRHSize+8)
	if err := srq.PostRecv(11, []MRSlice{recvA.Whole()}); err != nil {
		t.Fatalf("PostRecv failed: %v", err)
	}
	if err := srq.PostRecv(12, []MRSlice{recvB.Whole()}); err != nil {
		t.Fatalf("PostRecv failed: %v", err)
	}

	ini := newPeerHarness(t, nil, &QPConfig{Type: QPTypeDCIni})
	if err := ini.qp.BindLocalPort(); err != nil {
		t.Fatalf("BindLocalPort failed: %v", err)
	}
	sendMR := ini.registerBuffer(t, 8)

	send := func(id uint64, target *DCTarget, payload string) {
		t.Helper()
		copy(sendMR.Bytes(), payload)
		peer, err := ini.pd.NewDCPeer(target.Endpoint(), target.DCKey())
		if err != nil {
			t.Fatalf("NewDCPeer failed: %v", err)
		}
		t.Cleanup(func() { _ = peer.Close() })
		if err := ini.qp.PostSend(&SendRequest{ID: id, Buffers: []MRSlice{sendMR.Whole()}, Peer: peer}); err != nil {
			t.Fatalf("PostSend failed: %v", err)
		}
		if swc := pollCompletion(t, ini.cq); !swc.OK() {
			t.Fatalf("send completion = %+v", swc)
		}
	}

	// The pool is consumed in posting order regardless of which target
	// the initiator addressed; the entry's QPN names the consumer.
	send(21, first, "to-first")
	rwc := pollCompletion(t, h.cq)
	if rwc.ID != 11 || rwc.QPN() != first.Num() {
		t.Fatalf("first completion = (ID %d, QPN %d), want (11, %d)", rwc.ID, rwc.QPN(), first.Num())
	}
	if !bytes.Equal(recvA.Bytes()[GRHSize:], []byte("to-first")) {
		t.Fatal("first payload not found after the routing header")
	}

	send(22, second, "to-other")
	rwc = pollCompletion(t, h.cq)
	if rwc.ID != 12 || rwc.QPN() != second.Num() {
		t.Fatalf("second completion = (ID %d, QPN %d), want (12, %d)", rwc.ID, rwc.QPN(), second.Num())
	}
	if !bytes.Equal(recvB.Bytes()[GRHSize:], []byte("to-other")) {
		t.Fatal("second payload not found after the routing header")
	}
}

func TestSharedReceiveQueueDepthEnforced(t *testing.T) {
	h := newPeerHarness(t, nil, nil)
	if !h.ctx.Capabilities().DCTransport {
		t.Skip("dynamically-connected transport unavailable")
	}
	srq, err := h.pd.CreateSRQ(&SRQConfig{CQ: h.cq, MaxWR: 1})
	if err != nil {
		t.Fatalf("CreateSRQ failed: %v", err)
	}
	t.Cleanup(func() { _ = srq.Close() })

	mr := h.registerBuffer(t, GRHSize+8)
	if err := srq.PostRecv(1, []MRSlice{mr.Whole()}); err != nil {
		t.Fatalf("PostRecv failed: %v", err)
	}
	if err := srq.PostRecv(2, []MRSlice{mr.Whole()}); !errors.Is(err, ErrReceiveQueueFull) {
		t.Fatalf("PostRecv beyond depth = %v, want ErrReceiveQueueFull", err)
	}
}

func TestSharedReceiveQueueCrossDomainRejected(t *testing.T) {
	_, srq := newSRQHarness(t)
	other := newPeerHarness(t, nil, nil)

	expectPanic(t, func() {
		_, _ = other.pd.CreateDCTarget(&DCTargetConfig{SRQ: srq})
	})

	foreign := other.registerBuffer(t, GRHSize+8)
	expectPanic(t, func() {
		_ = srq.PostRecv(3, []MRSlice{foreign.Whole()})
	})
}
