package ctrl

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"
)

// DefaultBarrierPort is the TCP port Barrier uses when none is given.
const DefaultBarrierPort = 13373

// barrierRetryDelay paces reconnection attempts while rank 0 is not yet
// listening.
const barrierRetryDelay = 100 * time.Millisecond

// Cluster describes the processes of a multi-node job: the peer host list
// and this process's rank within it. Every process must be constructed
// from the same list in the same order; a process's rank is its position
// in it.
type Cluster struct {
	peers []string
	rank  int
}

// NewCluster builds the cluster description, determining this process's
// rank by matching the peer hosts against the local interface addresses.
func NewCluster(peers []string) (*Cluster, error) {
	local, err := localAddrs()
	if err != nil {
		return nil, fmt.Errorf("ctrl: enumerate local addresses: %w", err)
	}
	for rank, peer := range peers {
		if local[peer] {
			return NewClusterWithRank(peers, rank)
		}
	}
	return nil, fmt.Errorf("ctrl: no local interface address among the %d peers", len(peers))
}

// NewClusterWithRank builds the cluster description with an explicit rank.
func NewClusterWithRank(peers []string, rank int) (*Cluster, error) {
	if rank < 0 || rank >= len(peers) {
		return nil, fmt.Errorf("ctrl: rank %d out of range for %d peers", rank, len(peers))
	}
	return &Cluster{peers: append([]string(nil), peers...), rank: rank}, nil
}

func localAddrs() (map[string]bool, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}
	local := make(map[string]bool, len(addrs))
	for _, addr := range addrs {
		if ipn, ok := addr.(*net.IPNet); ok {
			local[ipn.IP.String()] = true
		}
	}
	return local, nil
}

// Rank returns this process's position in the peer list.
func (c *Cluster) Rank() int { return c.rank }

// Size returns the number of processes in the cluster.
func (c *Cluster) Size() int { return len(c.peers) }

// Peers returns the peer host list.
func (c *Cluster) Peers() []string { return append([]string(nil), c.peers...) }

// Peer returns the host of the given rank.
func (c *Cluster) Peer(rank int) (string, bool) {
	if rank < 0 || rank >= len(c.peers) {
		return "", false
	}
	return c.peers[rank], true
}

// Barrier blocks until every process in the cluster has reached it, using
// DefaultBarrierPort.
func (c *Cluster) Barrier(ctx context.Context) error {
	return c.BarrierOnPort(ctx, DefaultBarrierPort)
}

// BarrierOnPort blocks until every process in the cluster has reached it.
// Rank 0 listens on the port and collects one connection per other rank,
// then releases them all with a single byte; the other ranks connect,
// retrying until rank 0 is listening, and wait for the release byte.
func (c *Cluster) BarrierOnPort(ctx context.Context, port uint16) error {
	if c.Size() == 1 {
		return nil
	}
	if c.rank == 0 {
		return c.releasePeers(ctx, port)
	}
	return c.awaitRelease(ctx, port)
}

func (c *Cluster) releasePeers(ctx context.Context, port uint16) error {
	l, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(int(port))))
	if err != nil {
		return fmt.Errorf("ctrl: barrier listen: %w", err)
	}
	defer l.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = l.Close()
		case <-done:
		}
	}()

	conns := make([]net.Conn, 0, c.Size()-1)
	defer func() {
		for _, nc := range conns {
			_ = nc.Close()
		}
	}()
	for len(conns) < c.Size()-1 {
		nc, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("ctrl: barrier accept: %w", err)
		}
		conns = append(conns, nc)
	}
	for _, nc := range conns {
		if _, err := nc.Write([]byte{0}); err != nil {
			return fmt.Errorf("ctrl: barrier release: %w", err)
		}
	}
	return nil
}

func (c *Cluster) awaitRelease(ctx context.Context, port uint16) error {
	addr := net.JoinHostPort(c.peers[0], strconv.Itoa(int(port)))
	var nc net.Conn
	for {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			nc = conn
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(barrierRetryDelay):
		}
	}
	defer nc.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = nc.SetReadDeadline(deadline)
	}
	buf := make([]byte, 1)
	if _, err := io.ReadFull(nc, buf); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("ctrl: barrier wait: %w", err)
	}
	return nil
}
