package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nettlelabs/ibverbs-go/ctrl"
	"github.com/nettlelabs/ibverbs-go/verbs"
)

const (
	defaultQueueDepth  = 64
	defaultMessageSize = 4096
	defaultTimeout     = 5 * time.Second
)

// Dial connects to a listening peer: it opens the adapter, establishes the
// control channel to cfg.Addr, exchanges endpoint info, and brings the
// queue pair to RTS before returning.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Addr == "" {
		return nil, errors.New("rdma client: control address required")
	}
	applyDefaults(&cfg)

	vctx, err := verbs.Open(&verbs.ContextConfig{Device: cfg.Device, Port: cfg.Port})
	if err != nil {
		return nil, fmt.Errorf("open device: %w", err)
	}
	cfg.Device = vctx.DeviceName()

	client, err := setupConnection(vctx, cfg, func(local verbs.EndpointInfo) (verbs.EndpointInfo, error) {
		conn, err := ctrl.Dial(ctx, cfg.Addr)
		if err != nil {
			return verbs.EndpointInfo{}, err
		}
		defer conn.Close()
		return conn.ExchangeEndpoint(local)
	})
	if err != nil {
		_ = vctx.Close()
		return nil, err
	}
	return client, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Port == 0 {
		cfg.Port = 1
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = defaultQueueDepth
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMessageSize
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
}

// setupConnection builds the per-connection verbs resources under an opened
// context, runs the endpoint exchange, and starts the dispatcher. The pool
// carries one region per possible outstanding operation in each direction.
func setupConnection(vctx *verbs.Context, cfg Config, exchange func(verbs.EndpointInfo) (verbs.EndpointInfo, error)) (*Client, error) {
	pd, err := vctx.AllocPD()
	if err != nil {
		return nil, fmt.Errorf("alloc protection domain: %w", err)
	}

	cq, err := vctx.CreateCQ(cfg.QueueDepth * 2)
	if err != nil {
		_ = pd.Close()
		return nil, fmt.Errorf("create completion queue: %w", err)
	}

	caps := verbs.DefaultQPCaps()
	caps.MaxSendWR = uint32(cfg.QueueDepth)
	caps.MaxRecvWR = uint32(cfg.QueueDepth)
	qp, err := pd.CreateQP(&verbs.QPConfig{
		Type:   verbs.QPTypeRC,
		SendCQ: cq,
		Caps:   caps,
	})
	if err != nil {
		_ = cq.Close()
		_ = pd.Close()
		return nil, fmt.Errorf("create queue pair: %w", err)
	}

	pool, err := newRegionPool(pd, cfg.MaxMessageSize, cfg.QueueDepth*2)
	if err != nil {
		_ = qp.Close()
		_ = cq.Close()
		_ = pd.Close()
		return nil, err
	}

	teardown := func() {
		_ = pool.Close()
		_ = qp.Close()
		_ = cq.Close()
		_ = pd.Close()
	}

	if err := qp.BindLocalPort(); err != nil {
		teardown()
		return nil, fmt.Errorf("bind local port: %w", err)
	}

	local, ok := qp.Endpoint()
	if !ok {
		teardown()
		return nil, errors.New("rdma client: queue pair has no endpoint after port bind")
	}
	remote, err := exchange(local)
	if err != nil {
		teardown()
		return nil, fmt.Errorf("endpoint exchange: %w", err)
	}
	if err := qp.Connect(remote); err != nil {
		teardown()
		return nil, fmt.Errorf("connect queue pair: %w", err)
	}

	structured := cfg.StructuredLogger
	if structured == nil {
		if logger, ok := cfg.Logger.(StructuredLogger); ok {
			structured = logger
		}
	}

	client := &Client{
		cfg:              cfg,
		id:               uuid.New(),
		vctx:             vctx,
		pd:               pd,
		cq:               cq,
		qp:               qp,
		pool:             pool,
		peer:             remote,
		stopCh:           make(chan struct{}),
		logger:           cfg.Logger,
		structuredLogger: structured,
		tracer:           cfg.Tracer,
		metrics:          cfg.Metrics,
	}
	client.logf("client: connected conn_id=%s local_qpn=%d remote_qpn=%d", client.id, local.QPN, remote.QPN)

	client.wg.Add(1)
	go client.dispatch()

	return client, nil
}
