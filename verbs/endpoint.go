package verbs

// InitialPSN is the starting packet sequence number used by Connect.
const InitialPSN uint32 = 0

// GlobalQKey is the queue key shared by unreliable-datagram queue pairs.
const GlobalQKey uint64 = 0x11111111

// GlobalDCKey is the access key shared by dynamically-connected endpoints.
const GlobalDCKey uint64 = 0x1ee7d00d

// EndpointInfo identifies one queue pair endpoint on the fabric. Peers
// exchange it through any out-of-band side channel before connecting; it is
// consumed exactly once to move a queue pair out of its initial state.
type EndpointInfo struct {
	GID     [16]byte `json:"gid"`
	LID     uint16   `json:"lid"`
	PortNum uint8    `json:"port_num"`
	QPN     uint32   `json:"qpn"`
	PSN     uint32   `json:"psn"`
	PathMTU uint32   `json:"path_mtu"`
}

// Valid reports whether the info names a reachable endpoint: a non-zero
// queue pair number, a non-zero port and a sane path MTU.
func (e EndpointInfo) Valid() bool {
	if e.QPN == 0 || e.PortNum == 0 {
		return false
	}
	switch e.PathMTU {
	case 256, 512, 1024, 2048, 4096:
		return true
	}
	return false
}

// Endpoint returns the local endpoint descriptor of the queue pair, valid
// once the pair is bound to its local port. The second return is false
// before binding.
func (q *QueuePair) Endpoint() (EndpointInfo, bool) {
	if q.State() == QPStateReset {
		return EndpointInfo{}, false
	}
	ctx := q.inner.pd.ctx
	return EndpointInfo{
		GID:     ctx.hw.GID(),
		LID:     ctx.hw.LID(),
		PortNum: ctx.hw.Port(),
		QPN:     q.inner.hw.QPN(),
		PSN:     InitialPSN,
		PathMTU: DefaultPathMTU,
	}, true
}
