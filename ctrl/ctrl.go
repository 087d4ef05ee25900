// Package ctrl implements the out-of-band control channel used to bootstrap
// RDMA connections. Peers have no way to learn each other's queue pair
// numbers or memory keys in-band, so both sides exchange that bootstrap
// state over a plain TCP connection carrying length-prefixed JSON frames,
// then hand off to the verbs transport.
package ctrl

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"

	"go.uber.org/zap"

	"github.com/nettlelabs/ibverbs-go/verbs"
)

// maxFrameSize bounds a single control frame. Bootstrap payloads are tiny;
// anything larger indicates a framing error or a misdirected peer.
const maxFrameSize = 1 << 20

// Option configures a control connection.
type Option func(*Conn)

// WithLogger attaches a logger to the connection. The default discards.
func WithLogger(log *zap.Logger) Option {
	return func(c *Conn) { c.log = log }
}

// Conn is one side of an established control channel.
type Conn struct {
	nc  net.Conn
	log *zap.Logger
}

// Dial connects to a listening peer.
func Dial(ctx context.Context, addr string, opts ...Option) (*Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("ctrl: dial %s: %w", addr, err)
	}
	c := newConn(nc, opts)
	c.log.Debug("control channel established",
		zap.String("role", "client"),
		zap.String("remote", nc.RemoteAddr().String()))
	return c, nil
}

// Listener accepts control connections from dialing peers.
type Listener struct {
	l    net.Listener
	opts []Option
}

// Listen starts listening for control connections on addr.
func Listen(addr string, opts ...Option) (*Listener, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("ctrl: listen %s: %w", addr, err)
	}
	return &Listener{l: l, opts: opts}, nil
}

// Addr returns the bound listen address.
func (l *Listener) Addr() net.Addr { return l.l.Addr() }

// Accept waits for the next control connection. Cancelling the context
// closes the listener and unblocks the wait.
func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	if deadline, ok := ctx.Deadline(); ok {
		if tl, ok := l.l.(*net.TCPListener); ok {
			_ = tl.SetDeadline(deadline)
		}
	}
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = l.l.Close()
		case <-done:
		}
	}()
	nc, err := l.l.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("ctrl: accept: %w", err)
	}
	c := newConn(nc, l.opts)
	c.log.Debug("control channel established",
		zap.String("role", "server"),
		zap.String("remote", nc.RemoteAddr().String()))
	return c, nil
}

// Close stops the listener.
func (l *Listener) Close() error { return l.l.Close() }

func newConn(nc net.Conn, opts []Option) *Conn {
	c := &Conn{nc: nc, log: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Close closes the channel. Both sides normally close after the handoff to
// the verbs transport; the channel is not needed once connected.
func (c *Conn) Close() error { return c.nc.Close() }

// Send transmits one JSON-encoded frame.
func (c *Conn) Send(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("ctrl: encode frame: %w", err)
	}
	if len(payload) > maxFrameSize {
		return fmt.Errorf("ctrl: frame of %d bytes exceeds limit", len(payload))
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := c.nc.Write(hdr[:]); err != nil {
		return fmt.Errorf("ctrl: write frame header: %w", err)
	}
	if _, err := c.nc.Write(payload); err != nil {
		return fmt.Errorf("ctrl: write frame: %w", err)
	}
	return nil
}

// Recv reads one JSON-encoded frame into v.
func (c *Conn) Recv(v any) error {
	var hdr [4]byte
	if _, err := io.ReadFull(c.nc, hdr[:]); err != nil {
		return fmt.Errorf("ctrl: read frame header: %w", err)
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrameSize {
		return fmt.Errorf("ctrl: frame of %d bytes exceeds limit", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(c.nc, payload); err != nil {
		return fmt.Errorf("ctrl: read frame: %w", err)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("ctrl: decode frame: %w", err)
	}
	return nil
}

// ExchangeEndpoint sends the local endpoint info and returns the peer's.
// Both sides send before reading, so either side may call first.
func (c *Conn) ExchangeEndpoint(local verbs.EndpointInfo) (verbs.EndpointInfo, error) {
	if err := c.Send(local); err != nil {
		return verbs.EndpointInfo{}, err
	}
	var remote verbs.EndpointInfo
	if err := c.Recv(&remote); err != nil {
		return verbs.EndpointInfo{}, err
	}
	c.log.Debug("endpoint info exchanged",
		zap.Uint32("local_qpn", local.QPN),
		zap.Uint32("remote_qpn", remote.QPN))
	return remote, nil
}

// ConnectMany exchanges endpoint info for a list of port-bound queue pairs
// and connects each to its positional counterpart on the peer. Both sides
// must pass the same number of queue pairs, in matching order.
func (c *Conn) ConnectMany(qps []*verbs.QueuePair) error {
	locals := make([]verbs.EndpointInfo, len(qps))
	for i, qp := range qps {
		ep, ok := qp.Endpoint()
		if !ok {
			return fmt.Errorf("ctrl: queue pair %d not bound to a local port", i)
		}
		locals[i] = ep
	}
	if err := c.Send(locals); err != nil {
		return err
	}
	var remotes []verbs.EndpointInfo
	if err := c.Recv(&remotes); err != nil {
		return err
	}
	if len(remotes) != len(qps) {
		return fmt.Errorf("ctrl: peer offered %d endpoints for %d queue pairs", len(remotes), len(qps))
	}
	for i, qp := range qps {
		if err := qp.Connect(remotes[i]); err != nil {
			return fmt.Errorf("ctrl: connect queue pair %d: %w", i, err)
		}
	}
	c.log.Debug("queue pair group connected", zap.Int("count", len(qps)))
	return nil
}

// ExchangeRemote sends the local memory window and returns the peer's.
func (c *Conn) ExchangeRemote(local verbs.RemoteMemory) (verbs.RemoteMemory, error) {
	if err := c.Send(local); err != nil {
		return verbs.RemoteMemory{}, err
	}
	var remote verbs.RemoteMemory
	if err := c.Recv(&remote); err != nil {
		return verbs.RemoteMemory{}, err
	}
	return remote, nil
}
