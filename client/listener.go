package client

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/nettlelabs/ibverbs-go/ctrl"
	"github.com/nettlelabs/ibverbs-go/verbs"
)

// Listener accepts control channel connections and converts each into a
// high-level Client. Accepted clients share the listener's adapter context
// but each gets its own protection domain, completion queue, and queue
// pair.
type Listener struct {
	cfg    Config
	vctx   *verbs.Context
	cl     *ctrl.Listener
	closed atomic.Bool
}

// Listen opens the adapter and binds the control channel listener on
// cfg.Addr.
func Listen(cfg Config) (*Listener, error) {
	if cfg.Addr == "" {
		return nil, errors.New("rdma client listener: control address required")
	}
	applyDefaults(&cfg)

	vctx, err := verbs.Open(&verbs.ContextConfig{Device: cfg.Device, Port: cfg.Port})
	if err != nil {
		return nil, fmt.Errorf("open device: %w", err)
	}
	cfg.Device = vctx.DeviceName()

	cl, err := ctrl.Listen(cfg.Addr)
	if err != nil {
		_ = vctx.Close()
		return nil, err
	}

	return &Listener{cfg: cfg, vctx: vctx, cl: cl}, nil
}

// Addr returns the bound control channel address.
func (l *Listener) Addr() string {
	return l.cl.Addr().String()
}

// Accept waits for the next control connection and returns a fully
// established Client.
func (l *Listener) Accept(ctx context.Context) (*Client, error) {
	if l == nil || l.closed.Load() {
		return nil, errors.New("rdma client listener: closed")
	}
	conn, err := l.cl.Accept(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	// The accepted client clones the listener context so the adapter
	// stays open for as long as either side needs it.
	vctx := l.vctx.Clone()
	client, err := setupConnection(vctx, l.cfg, conn.ExchangeEndpoint)
	if err != nil {
		_ = vctx.Close()
		return nil, err
	}
	return client, nil
}

// Close stops the listener. Accepted clients stay usable and are closed
// individually.
func (l *Listener) Close() error {
	if l == nil {
		return nil
	}
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := l.cl.Close()
	if cerr := l.vctx.Close(); err == nil {
		err = cerr
	}
	return err
}
