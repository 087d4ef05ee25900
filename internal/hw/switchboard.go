package hw

import (
	"sync"
	"sync/atomic"
)

// switchboard joins every queue pair and DC target created in the process
// into one loopback fabric, keyed by queue number.
type switchboard struct {
	mu   sync.Mutex
	qps  map[uint32]*QP
	dcts map[uint32]*DCT
}

var fabric = &switchboard{
	qps:  make(map[uint32]*QP),
	dcts: make(map[uint32]*DCT),
}

// Queue numbers start away from zero so a zero QPN is always invalid on the
// wire, matching real adapters.
var qpnCounter atomic.Uint32

func init() { qpnCounter.Store(0x100) }

func nextQPN() uint32 { return qpnCounter.Add(1) }

func (s *switchboard) addQP(q *QP) {
	s.mu.Lock()
	s.qps[q.qpn] = q
	s.mu.Unlock()
}

func (s *switchboard) removeQP(qpn uint32) {
	s.mu.Lock()
	delete(s.qps, qpn)
	s.mu.Unlock()
}

func (s *switchboard) lookupQP(qpn uint32) (*QP, bool) {
	s.mu.Lock()
	q, ok := s.qps[qpn]
	s.mu.Unlock()
	return q, ok
}

func (s *switchboard) addDCT(d *DCT) {
	s.mu.Lock()
	s.dcts[d.num] = d
	s.mu.Unlock()
}

func (s *switchboard) removeDCT(num uint32) {
	s.mu.Lock()
	delete(s.dcts, num)
	s.mu.Unlock()
}

func (s *switchboard) lookupDCT(num uint32) (*DCT, bool) {
	s.mu.Lock()
	d, ok := s.dcts[num]
	s.mu.Unlock()
	return d, ok
}
