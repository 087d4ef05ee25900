package verbs

import (
	"bytes"
	"testing"
)

func TestRegisterMemoryRejectsEmptyBuffer(t *testing.T) {
	h := newPeerHarness(t, nil, nil)
	expectPanic(t, func() {
		_, _ = h.pd.RegisterMemory(nil, AccessLocalWrite)
	})
}

func TestMemoryRegionSliceBounds(t *testing.T) {
	h := newPeerHarness(t, nil, nil)
	mr := h.registerBuffer(t, 16)

	view := mr.Slice(4, 8)
	if view.Len() != 8 {
		t.Fatalf("view length = %d, want 8", view.Len())
	}
	copy(view.Bytes(), []byte("slice it"))
	if !bytes.Equal(mr.Bytes()[4:12], []byte("slice it")) {
		t.Fatal("view writes not visible in the registered buffer")
	}

	narrowed := view.Slice(2, 4)
	if !bytes.Equal(narrowed.Bytes(), []byte("ice ")) {
		t.Fatalf("narrowed view = %q", narrowed.Bytes())
	}

	expectPanic(t, func() { mr.Slice(0, 17) })
	expectPanic(t, func() { mr.Slice(-1, 4) })
	expectPanic(t, func() { mr.Slice(12, 8) })
	expectPanic(t, func() { view.Slice(0, 9) })
}

func TestMemoryRegionRemoteDescriptor(t *testing.T) {
	h := newPeerHarness(t, nil, nil)
	mr := h.registerBuffer(t, 64)

	whole := mr.Remote()
	if whole.Len != 64 || whole.RKey != mr.RKey() {
		t.Fatalf("remote descriptor = %+v", whole)
	}

	sub := mr.Slice(8, 16).Remote()
	if sub.Addr != whole.Addr+8 || sub.Len != 16 || sub.RKey != whole.RKey {
		t.Fatalf("sub-view descriptor = %+v, base %+v", sub, whole)
	}

	again := whole.Slice(8, 16)
	if again != sub {
		t.Fatalf("remote slice = %+v, want %+v", again, sub)
	}
	expectPanic(t, func() { whole.Slice(60, 8) })
}

func TestCrossDomainRegionRejected(t *testing.T) {
	a, b := connectPair(t)
	foreign := b.registerBuffer(t, 16)

	expectPanic(t, func() {
		_ = a.qp.PostRecv(&RecvRequest{ID: 1, Buffers: []MRSlice{foreign.Whole()}})
	})
	expectPanic(t, func() {
		_ = a.qp.PostSend(&SendRequest{ID: 2, Buffers: []MRSlice{foreign.Whole()}})
	})
	expectPanic(t, func() {
		_ = a.qp.PostRecv(&RecvRequest{ID: 3, Buffers: []MRSlice{{}}})
	})
}
