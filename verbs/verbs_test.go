package verbs

import (
	"testing"
)

// peerHarness bundles the resources one fabric node needs for a test:
// an opened context, a protection domain, a completion queue and one
// queue pair.
type peerHarness struct {
	ctx *Context
	pd  *ProtectionDomain
	cq  *CompletionQueue
	qp  *QueuePair
}

func newPeerHarness(t *testing.T, ctxCfg *ContextConfig, qpCfg *QPConfig) *peerHarness {
	t.Helper()

	ctx, err := Open(ctxCfg)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = ctx.Close() })

	pd, err := ctx.AllocPD()
	if err != nil {
		t.Fatalf("AllocPD failed: %v", err)
	}
	t.Cleanup(func() { _ = pd.Close() })

	cq, err := ctx.CreateCQ(0)
	if err != nil {
		t.Fatalf("CreateCQ failed: %v", err)
	}
	t.Cleanup(func() { _ = cq.Close() })

	if qpCfg == nil {
		qpCfg = &QPConfig{Type: QPTypeRC}
	}
	if qpCfg.SendCQ == nil {
		qpCfg.SendCQ = cq
	}
	qp, err := pd.CreateQP(qpCfg)
	if err != nil {
		t.Fatalf("CreateQP failed: %v", err)
	}
	t.Cleanup(func() { _ = qp.Close() })

	return &peerHarness{ctx: ctx, pd: pd, cq: cq, qp: qp}
}

func (h *peerHarness) endpoint(t *testing.T) EndpointInfo {
	t.Helper()
	ep, ok := h.qp.Endpoint()
	if !ok {
		t.Fatal("queue pair has no endpoint before local port binding")
	}
	return ep
}

func (h *peerHarness) registerBuffer(t *testing.T, n int) *MemoryRegion {
	t.Helper()
	mr, err := h.pd.RegisterMemory(make([]byte, n),
		AccessLocalWrite|AccessRemoteRead|AccessRemoteWrite|AccessRemoteAtomic)
	if err != nil {
		t.Fatalf("RegisterMemory failed: %v", err)
	}
	t.Cleanup(func() { _ = mr.Close() })
	return mr
}

// connectPair builds two fabric nodes and cross-connects their
// reliable-connected queue pairs.
func connectPair(t *testing.T) (*peerHarness, *peerHarness) {
	t.Helper()
	a := newPeerHarness(t, nil, nil)
	b := newPeerHarness(t, nil, nil)
	if err := a.qp.BindLocalPort(); err != nil {
		t.Fatalf("BindLocalPort failed: %v", err)
	}
	if err := b.qp.BindLocalPort(); err != nil {
		t.Fatalf("BindLocalPort failed: %v", err)
	}
	epA, epB := a.endpoint(t), b.endpoint(t)
	if err := a.qp.Connect(epB); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := b.qp.Connect(epA); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	return a, b
}

// pollCompletion expects exactly one pending completion entry. Delivery in
// the loopback fabric is synchronous, so a completed request is pollable as
// soon as the post returns.
func pollCompletion(t *testing.T, cq *CompletionQueue) WorkCompletion {
	t.Helper()
	wc, ok := cq.PollOne()
	if !ok {
		t.Fatal("no completion entry pending")
	}
	return wc
}

// deviceCapabilities probes the default adapter's capability set.
func deviceCapabilities(t *testing.T) Capabilities {
	t.Helper()
	ctx, err := Open(nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer ctx.Close()
	return ctx.Capabilities()
}

func expectPanic(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic, got none")
		}
	}()
	fn()
}
