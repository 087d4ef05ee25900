// Package client provides a high-level message transport over the verbs
// layer. Dial and Listen bootstrap a reliable-connected queue pair through
// the ctrl channel, Send and Receive move messages through a registered
// buffer pool, and a background dispatcher resolves completions into
// futures, handlers, and telemetry.
package client

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nettlelabs/ibverbs-go/verbs"
)

// ErrClosed indicates the client has already been closed.
var ErrClosed = errors.New("rdma client: closed")

// ErrPoolExhausted indicates no pooled buffer region is free to carry the
// operation. Await an outstanding operation and retry.
var ErrPoolExhausted = errors.New("rdma client: buffer pool exhausted")

const (
	labelTransport = "transport"
	labelDevice    = "device"
	labelPort      = "port"
	labelKind      = "kind"
	labelOperation = "operation"
	labelStatus    = "status"
)

// Config controls Dial and Listen behaviour for the high-level Client.
type Config struct {
	// Addr is the control channel address: dialed by Dial, bound by Listen.
	Addr string
	// Device selects the adapter; empty selects the first one present.
	Device string
	// Port selects the adapter port, defaulting to 1.
	Port uint8
	// QueueDepth bounds outstanding operations per direction, default 64.
	QueueDepth int
	// MaxMessageSize bounds a single message payload, default 4096.
	MaxMessageSize int
	// Timeout applies to blocking operations whose context has no deadline.
	Timeout          time.Duration
	Logger           Logger
	StructuredLogger StructuredLogger
	Tracer           Tracer
	Metrics          MetricHook
}

// Client owns the verbs resources behind one established connection.
type Client struct {
	cfg  Config
	id   uuid.UUID
	vctx *verbs.Context
	pd   *verbs.ProtectionDomain
	cq   *verbs.CompletionQueue
	qp   *verbs.QueuePair
	pool *regionPool
	peer verbs.EndpointInfo

	closed        atomic.Bool
	dispatcherErr atomic.Pointer[errorHolder]

	stopCh chan struct{}
	wg     sync.WaitGroup

	pendingMu sync.Mutex
	pending   map[uint64]*operation
	wrSeq     atomic.Uint64

	handlersMu      sync.RWMutex
	sendHandlers    map[uint64]SendHandler
	receiveHandlers map[uint64]ReceiveHandler
	handlerSeq      atomic.Uint64

	logger           Logger
	structuredLogger StructuredLogger
	tracer           Tracer
	metrics          MetricHook
	stats            clientStats
}

// OperationKind identifies the type of posted operation tracked by a future.
type OperationKind int

type errorHolder struct {
	err error
}

const (
	OperationSend OperationKind = iota
	OperationReceive
)

func (k OperationKind) String() string {
	switch k {
	case OperationSend:
		return "send"
	case OperationReceive:
		return "receive"
	default:
		return "operation"
	}
}

// OperationError exposes the completion status behind a failed operation.
type OperationError struct {
	Kind   OperationKind
	Opcode verbs.WCOpcode
	Status verbs.WCStatus
}

func (e OperationError) Error() string {
	return fmt.Sprintf("rdma %s completion error: %s (opcode=%s)", e.Kind, e.Status, e.Opcode)
}

// SendCompletion describes the outcome of a send dispatched through a handler.
type SendCompletion struct {
	Size int
	Err  error
}

// ReceiveCompletion describes a completed receive delivered through a handler.
type ReceiveCompletion struct {
	Payload []byte
	Err     error
}

// SendHandler is invoked when a send operation completes.
type SendHandler func(SendCompletion)

// ReceiveHandler is invoked when a receive operation completes.
type ReceiveHandler func(ReceiveCompletion)

// Logger provides structured debug logging hooks for the client.
type Logger interface {
	Debugf(format string, args ...any)
}

// StructuredLogger emits key/value pairs for structured logging backends.
type StructuredLogger interface {
	Debugw(msg string, keyvals ...any)
}

// TraceAttribute represents a tracing attribute attached to dispatcher spans or events.
type TraceAttribute struct {
	Key   string
	Value any
}

// Tracer starts spans that wrap dispatcher activity.
type Tracer interface {
	StartSpan(name string, attrs ...TraceAttribute) Span
}

// Span records dispatcher lifecycle, events, and errors for tracing systems.
type Span interface {
	End(err error)
	AddEvent(name string, attrs ...TraceAttribute)
	RecordError(err error)
}

// Stats contains counters for client operations.
type Stats struct {
	SendPosted     uint64
	SendCompleted  uint64
	SendErrored    uint64
	ReceivePosted  uint64
	ReceiveMatched uint64
	ReceiveErrored uint64
}

type clientStats struct {
	sendPosted    atomic.Uint64
	sendCompleted atomic.Uint64
	sendErrored   atomic.Uint64
	recvPosted    atomic.Uint64
	recvMatched   atomic.Uint64
	recvErrored   atomic.Uint64
}

// MetricHook captures dispatcher telemetry events.
type MetricHook interface {
	DispatcherStarted(attrs map[string]string)
	DispatcherStopped(attrs map[string]string)
	DispatcherCQError(kind string, err error, attrs map[string]string)
	SendCompleted(attrs map[string]string)
	SendFailed(err error, attrs map[string]string)
	ReceiveCompleted(attrs map[string]string)
	ReceiveFailed(err error, attrs map[string]string)
}

type logField struct {
	key   string
	value any
}

func logKV(key string, value any) logField {
	return logField{key: key, value: value}
}

func (c *Client) metricAttrs(fields ...logField) map[string]string {
	attrs := make(map[string]string, len(fields)+3)
	attrs[labelTransport] = "rc"
	if c.cfg.Device != "" {
		attrs[labelDevice] = c.cfg.Device
	}
	attrs[labelPort] = strconv.Itoa(int(c.cfg.Port))
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		attrs[field.key] = fmt.Sprint(field.value)
	}
	return attrs
}

func (c *Client) logDispatcherEvent(event string, fields ...logField) {
	if c == nil {
		return
	}
	if c.structuredLogger != nil {
		kv := make([]any, 0, len(fields)*2+4)
		kv = append(kv, "event", event, "conn_id", c.id.String())
		for _, field := range fields {
			if field.key == "" {
				continue
			}
			kv = append(kv, field.key, field.value)
		}
		c.structuredLogger.Debugw("rdma client dispatcher", kv...)
		return
	}
	if c.logger == nil {
		return
	}
	var b strings.Builder
	b.WriteString(event)
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		b.WriteString(" ")
		b.WriteString(field.key)
		b.WriteString("=")
		b.WriteString(fmt.Sprint(field.value))
	}
	c.logger.Debugf("client dispatcher %s", b.String())
}

func (c *Client) metricDispatcherStarted(fields ...logField) {
	if c == nil || c.metrics == nil {
		return
	}
	c.metrics.DispatcherStarted(c.metricAttrs(fields...))
}

func (c *Client) metricDispatcherStopped(fields ...logField) {
	if c == nil || c.metrics == nil {
		return
	}
	c.metrics.DispatcherStopped(c.metricAttrs(fields...))
}

func (c *Client) metricDispatcherCQError(kind string, err error, fields ...logField) {
	if c == nil || c.metrics == nil {
		return
	}
	c.metrics.DispatcherCQError(kind, err, c.metricAttrs(fields...))
}

func (c *Client) metricSendCompleted(fields ...logField) {
	if c == nil || c.metrics == nil {
		return
	}
	c.metrics.SendCompleted(c.metricAttrs(fields...))
}

func (c *Client) metricSendFailed(err error, fields ...logField) {
	if c == nil || c.metrics == nil {
		return
	}
	c.metrics.SendFailed(err, c.metricAttrs(fields...))
}

func (c *Client) metricReceiveCompleted(fields ...logField) {
	if c == nil || c.metrics == nil {
		return
	}
	c.metrics.ReceiveCompleted(c.metricAttrs(fields...))
}

func (c *Client) metricReceiveFailed(err error, fields ...logField) {
	if c == nil || c.metrics == nil {
		return
	}
	c.metrics.ReceiveFailed(err, c.metricAttrs(fields...))
}

type operationResult struct {
	length int
	err    error
}

type operation struct {
	client  *Client
	kind    OperationKind
	size    int
	done    chan struct{}
	release func()
	meta    any

	mu        sync.Mutex
	once      sync.Once
	completed bool
	result    operationResult
	callbacks []func(operationResult)
}

type receiveMeta struct {
	region regionHandle
	buffer []byte
}

func newOperation(client *Client, kind OperationKind, size int, meta any) *operation {
	return &operation{
		client: client,
		kind:   kind,
		size:   size,
		done:   make(chan struct{}),
		meta:   meta,
	}
}

func (op *operation) complete(res operationResult) {
	op.once.Do(func() {
		op.mu.Lock()
		op.result = res
		op.completed = true
		callbacks := append([]func(operationResult){}, op.callbacks...)
		op.callbacks = nil
		op.mu.Unlock()

		if op.client != nil {
			op.client.emit(op, res)
		}

		if op.release != nil {
			op.release()
		}

		close(op.done)

		for _, cb := range callbacks {
			cb := cb
			go cb(res)
		}
	})
}

func (op *operation) resultSnapshot() operationResult {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.result
}

func (op *operation) addCallback(cb func(operationResult)) {
	if cb == nil {
		return
	}
	op.mu.Lock()
	if op.completed {
		res := op.result
		op.mu.Unlock()
		go cb(res)
		return
	}
	op.callbacks = append(op.callbacks, cb)
	op.mu.Unlock()
}

// SendFuture tracks the completion of a posted send operation.
type SendFuture struct {
	op *operation
}

// Await blocks until the send operation completes or the context is cancelled.
func (f *SendFuture) Await(ctx context.Context) error {
	if f == nil || f.op == nil {
		return errors.New("rdma client: nil send future")
	}
	ctx = ensureContext(ctx)
	select {
	case <-ctx.Done():
		select {
		case <-f.op.done:
			return f.op.resultSnapshot().err
		default:
		}
		return ctx.Err()
	case <-f.op.done:
		return f.op.resultSnapshot().err
	}
}

// Done exposes a channel that closes when the send operation resolves.
func (f *SendFuture) Done() <-chan struct{} {
	if f == nil || f.op == nil {
		return nil
	}
	return f.op.done
}

// OnComplete registers a callback invoked asynchronously when the send resolves.
func (f *SendFuture) OnComplete(fn func(error)) {
	if f == nil || f.op == nil || fn == nil {
		return
	}
	f.op.addCallback(func(res operationResult) {
		fn(res.err)
	})
}

// ReceiveFuture tracks the completion of a posted receive operation.
type ReceiveFuture struct {
	op  *operation
	buf []byte
}

// Await blocks until the receive resolves or the context is cancelled.
func (f *ReceiveFuture) Await(ctx context.Context) (int, error) {
	if f == nil || f.op == nil {
		return 0, errors.New("rdma client: nil receive future")
	}
	ctx = ensureContext(ctx)
	select {
	case <-ctx.Done():
		select {
		case <-f.op.done:
			res := f.op.resultSnapshot()
			return res.length, res.err
		default:
		}
		return 0, ctx.Err()
	case <-f.op.done:
		res := f.op.resultSnapshot()
		return res.length, res.err
	}
}

// Buffer returns the caller-provided buffer passed to ReceiveAsync.
func (f *ReceiveFuture) Buffer() []byte {
	if f == nil {
		return nil
	}
	return f.buf
}

// Done exposes a channel that closes when the receive completes.
func (f *ReceiveFuture) Done() <-chan struct{} {
	if f == nil || f.op == nil {
		return nil
	}
	return f.op.done
}

// OnComplete registers a callback invoked asynchronously once data arrives.
func (f *ReceiveFuture) OnComplete(fn func(int, error)) {
	if f == nil || f.op == nil || fn == nil {
		return
	}
	f.op.addCallback(func(res operationResult) {
		fn(res.length, res.err)
	})
}

// ID returns the connection identifier assigned at establishment.
func (c *Client) ID() uuid.UUID { return c.id }

// PeerEndpoint returns the remote endpoint this client is connected to.
func (c *Client) PeerEndpoint() verbs.EndpointInfo { return c.peer }

// Close tears the connection down and releases the verbs resources.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	close(c.stopCh)
	c.wg.Wait()

	c.handlersMu.Lock()
	c.sendHandlers = nil
	c.receiveHandlers = nil
	c.handlersMu.Unlock()

	c.pendingMu.Lock()
	pending := c.pending
	c.pending = nil
	c.pendingMu.Unlock()
	for _, op := range pending {
		op.complete(operationResult{err: ErrClosed})
	}

	if c.qp != nil {
		_ = c.qp.Close()
	}
	if c.pool != nil {
		_ = c.pool.Close()
	}
	if c.cq != nil {
		_ = c.cq.Close()
	}
	if c.pd != nil {
		_ = c.pd.Close()
	}
	if c.vctx != nil {
		_ = c.vctx.Close()
	}
	return nil
}

// Send posts a blocking send using the configured timeout when the supplied
// context lacks a deadline.
func (c *Client) Send(ctx context.Context, payload []byte) error {
	ctx, cancel := c.operationContext(ctx)
	defer cancel()
	if err := ctx.Err(); err != nil {
		return err
	}
	future, err := c.SendAsync(payload)
	if err != nil {
		return err
	}
	return future.Await(ctx)
}

// SendAsync posts a send and returns a future that resolves on completion.
func (c *Client) SendAsync(payload []byte) (*SendFuture, error) {
	if err := c.ensureOpen(); err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		return nil, errors.New("rdma client: empty payload")
	}
	if len(payload) > c.pool.regionSize() {
		return nil, fmt.Errorf("rdma client: payload of %d bytes exceeds message size limit %d", len(payload), c.pool.regionSize())
	}
	if err := c.dispatchFailure(); err != nil {
		return nil, err
	}

	region, ok := c.pool.acquire()
	if !ok {
		return nil, ErrPoolExhausted
	}
	copy(region.bytes(), payload)

	op := newOperation(c, OperationSend, len(payload), nil)
	op.release = func() { c.pool.release(region) }

	wrID := c.wrSeq.Add(1)
	c.track(wrID, op)

	err := c.qp.PostSend(&verbs.SendRequest{
		ID:      wrID,
		Buffers: []verbs.MRSlice{region.slice(len(payload))},
	})
	if err != nil {
		c.untrack(wrID)
		c.pool.release(region)
		return nil, fmt.Errorf("post send: %w", err)
	}
	c.stats.sendPosted.Add(1)
	c.logf("client: send posted size=%d wr=%d", len(payload), wrID)
	return &SendFuture{op: op}, nil
}

// Receive posts a blocking receive, filling buf once the completion resolves.
func (c *Client) Receive(ctx context.Context, buf []byte) (int, error) {
	ctx, cancel := c.operationContext(ctx)
	defer cancel()
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	future, err := c.ReceiveAsync(buf)
	if err != nil {
		return 0, err
	}
	return future.Await(ctx)
}

// ReceiveAsync posts a receive and returns a future that resolves when data
// arrives. The message is copied into buf; a message longer than buf is
// truncated to fit.
func (c *Client) ReceiveAsync(buf []byte) (*ReceiveFuture, error) {
	if err := c.ensureOpen(); err != nil {
		return nil, err
	}
	if len(buf) == 0 {
		return nil, errors.New("rdma client: buffer must be non-empty")
	}
	if err := c.dispatchFailure(); err != nil {
		return nil, err
	}

	region, ok := c.pool.acquire()
	if !ok {
		return nil, ErrPoolExhausted
	}

	meta := &receiveMeta{region: region, buffer: buf}
	op := newOperation(c, OperationReceive, len(buf), meta)
	op.release = func() { c.pool.release(region) }

	wrID := c.wrSeq.Add(1)
	c.track(wrID, op)

	err := c.qp.PostRecv(&verbs.RecvRequest{
		ID:      wrID,
		Buffers: []verbs.MRSlice{region.slice(region.size)},
	})
	if err != nil {
		c.untrack(wrID)
		c.pool.release(region)
		return nil, fmt.Errorf("post recv: %w", err)
	}
	c.stats.recvPosted.Add(1)
	c.logf("client: receive posted size=%d wr=%d", len(buf), wrID)
	return &ReceiveFuture{op: op, buf: buf}, nil
}

func (c *Client) ensureOpen() error {
	if c == nil {
		return ErrClosed
	}
	if c.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (c *Client) dispatchFailure() error {
	if err := c.dispatcherError(); err != nil {
		return fmt.Errorf("rdma client dispatcher failed: %w", err)
	}
	return nil
}

// Stats returns a snapshot of client counters.
func (c *Client) Stats() Stats {
	if c == nil {
		return Stats{}
	}
	return Stats{
		SendPosted:     c.stats.sendPosted.Load(),
		SendCompleted:  c.stats.sendCompleted.Load(),
		SendErrored:    c.stats.sendErrored.Load(),
		ReceivePosted:  c.stats.recvPosted.Load(),
		ReceiveMatched: c.stats.recvMatched.Load(),
		ReceiveErrored: c.stats.recvErrored.Load(),
	}
}

func (c *Client) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	timeout := c.cfg.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ctx, func() {}
		}
		if timeout <= 0 || remaining < timeout {
			return ctx, func() {}
		}
		timeout = remaining
	}
	if timeout <= 0 {
		return ctx, func() {}
	}
	ctxWithTimeout, cancel := context.WithTimeout(ctx, timeout)
	return ctxWithTimeout, cancel
}

func (c *Client) track(wrID uint64, op *operation) {
	c.pendingMu.Lock()
	if c.pending == nil {
		c.pending = make(map[uint64]*operation)
	}
	c.pending[wrID] = op
	c.pendingMu.Unlock()
}

func (c *Client) untrack(wrID uint64) *operation {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	op, ok := c.pending[wrID]
	if !ok {
		return nil
	}
	delete(c.pending, wrID)
	return op
}

// RegisterSendHandler installs a callback invoked for every completed send. The returned
// function unregisters the handler when invoked. Passing a nil handler is a no-op.
func (c *Client) RegisterSendHandler(handler SendHandler) func() {
	if c == nil || handler == nil {
		return func() {}
	}
	id := c.handlerSeq.Add(1)
	c.handlersMu.Lock()
	if c.sendHandlers == nil {
		c.sendHandlers = make(map[uint64]SendHandler)
	}
	c.sendHandlers[id] = handler
	c.handlersMu.Unlock()
	return func() {
		c.handlersMu.Lock()
		delete(c.sendHandlers, id)
		c.handlersMu.Unlock()
	}
}

// RegisterReceiveHandler installs a callback invoked for every completed receive. The returned
// function unregisters the handler when invoked. Passing a nil handler is a no-op.
func (c *Client) RegisterReceiveHandler(handler ReceiveHandler) func() {
	if c == nil || handler == nil {
		return func() {}
	}
	id := c.handlerSeq.Add(1)
	c.handlersMu.Lock()
	if c.receiveHandlers == nil {
		c.receiveHandlers = make(map[uint64]ReceiveHandler)
	}
	c.receiveHandlers[id] = handler
	c.handlersMu.Unlock()
	return func() {
		c.handlersMu.Lock()
		delete(c.receiveHandlers, id)
		c.handlersMu.Unlock()
	}
}

const pollBatch = 16

func (c *Client) dispatch() {
	defer c.wg.Done()

	span := c.startDispatcherSpan()
	startFields := []logField{
		logKV(labelTransport, "rc"),
		logKV(labelDevice, c.cfg.Device),
	}
	c.logDispatcherEvent("start", startFields...)
	spanAddEvent(span, "start", startFields...)
	c.metricDispatcherStarted(startFields...)

	defer func() {
		err := c.dispatcherError()
		status := "ok"
		fields := []logField{logKV(labelStatus, status)}
		if err != nil {
			status = "error"
			fields[0] = logKV(labelStatus, status)
			fields = append(fields, logKV("error", err))
			spanRecordError(span, err)
		}
		c.logDispatcherEvent("stop", fields...)
		spanAddEvent(span, "stop", fields...)
		c.metricDispatcherStopped(fields...)
		c.finishDispatcherSpan(span, err)
	}()

	backoff := time.Millisecond
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		completions := c.cq.Poll(pollBatch)
		if len(completions) > 0 {
			for i := range completions {
				c.handleCompletion(&completions[i], span)
			}
			// Keep polling after a fatal status to drain the flushed
			// receives, but refuse new posts from here on.
			if c.qp.State() == verbs.QPStateError && c.dispatcherError() == nil {
				err := errors.New("queue pair entered error state")
				c.recordDispatcherFailure(span, "qp_error_state", err)
				c.recordDispatcherError(err)
			}
			backoff = time.Millisecond
			continue
		}

		select {
		case <-c.stopCh:
			return
		case <-time.After(backoff):
		}

		if backoff < 10*time.Millisecond {
			backoff *= 2
		}
	}
}

func (c *Client) handleCompletion(wc *verbs.WorkCompletion, span Span) {
	op := c.untrack(wc.ID)
	if op == nil {
		c.recordDispatcherFailure(span, "orphan_completion",
			fmt.Errorf("completion for unknown work request %d", wc.ID))
		return
	}
	result := operationResult{}
	if wc.OK() {
		switch op.kind {
		case OperationSend:
			result.length = op.size
		case OperationReceive:
			result.length = int(wc.ByteLen)
			if meta, ok := op.meta.(*receiveMeta); ok && meta != nil {
				if result.length > len(meta.buffer) {
					result.length = len(meta.buffer)
				}
				copy(meta.buffer[:result.length], meta.region.bytes()[:result.length])
			}
		}
	} else {
		result.err = OperationError{Kind: op.kind, Opcode: wc.Opcode, Status: wc.Status}
	}
	c.logOperationCompletion(op, result, wc, span)
	op.complete(result)
}

func (c *Client) emit(op *operation, res operationResult) {
	if c == nil {
		return
	}
	switch op.kind {
	case OperationSend:
		if res.err != nil {
			c.stats.sendErrored.Add(1)
			c.logf("client: send errored: %v", res.err)
		} else {
			c.stats.sendCompleted.Add(1)
			c.logf("client: send completed size=%d", res.length)
		}
		c.handlersMu.RLock()
		handlers := make([]SendHandler, 0, len(c.sendHandlers))
		for _, h := range c.sendHandlers {
			handlers = append(handlers, h)
		}
		c.handlersMu.RUnlock()
		if len(handlers) == 0 {
			return
		}
		completion := SendCompletion{Size: res.length, Err: res.err}
		for _, handler := range handlers {
			h := handler
			go h(completion)
		}
	case OperationReceive:
		if res.err != nil {
			c.stats.recvErrored.Add(1)
			c.logf("client: receive errored: %v", res.err)
		} else {
			c.stats.recvMatched.Add(1)
			c.logf("client: receive completed size=%d", res.length)
		}
		meta, _ := op.meta.(*receiveMeta)
		c.handlersMu.RLock()
		handlers := make([]ReceiveHandler, 0, len(c.receiveHandlers))
		for _, h := range c.receiveHandlers {
			handlers = append(handlers, h)
		}
		c.handlersMu.RUnlock()
		if len(handlers) == 0 {
			return
		}
		var basePayload []byte
		if res.length > 0 && meta != nil && len(meta.buffer) >= res.length {
			basePayload = make([]byte, res.length)
			copy(basePayload, meta.buffer[:res.length])
		}
		for _, handler := range handlers {
			h := handler
			var payloadCopy []byte
			if basePayload != nil {
				payloadCopy = append([]byte(nil), basePayload...)
			}
			go h(ReceiveCompletion{Payload: payloadCopy, Err: res.err})
		}
	}
}

func (c *Client) recordDispatcherError(err error) {
	if err == nil {
		return
	}
	c.dispatcherErr.CompareAndSwap(nil, &errorHolder{err: err})
}

func (c *Client) dispatcherError() error {
	if c == nil {
		return nil
	}
	if holder := c.dispatcherErr.Load(); holder != nil {
		return holder.err
	}
	return nil
}

func (c *Client) startDispatcherSpan() Span {
	if c == nil || c.tracer == nil {
		return nil
	}
	attrs := []TraceAttribute{
		{Key: "component", Value: "rdma-client"},
		{Key: labelTransport, Value: "rc"},
		{Key: "conn_id", Value: c.id.String()},
	}
	if c.cfg.Device != "" {
		attrs = append(attrs, TraceAttribute{Key: labelDevice, Value: c.cfg.Device})
	}
	return c.tracer.StartSpan("rdma-client-dispatcher", attrs...)
}

func (c *Client) finishDispatcherSpan(span Span, err error) {
	if span == nil {
		return
	}
	span.End(err)
}

func (c *Client) recordDispatcherFailure(span Span, event string, err error) {
	if err == nil {
		return
	}
	fields := []logField{logKV("error", err)}
	c.logDispatcherEvent(event, fields...)
	spanAddEvent(span, event, fields...)
	spanRecordError(span, err)
	c.metricDispatcherCQError(event, err, fields...)
}

func (c *Client) logOperationCompletion(op *operation, res operationResult, wc *verbs.WorkCompletion, span Span) {
	if c == nil || op == nil {
		return
	}
	status := "ok"
	eventName := "completion"
	if res.err != nil {
		status = "error"
		eventName = "completion_error"
	}
	fields := []logField{
		logKV(labelOperation, op.kind.String()),
		logKV(labelStatus, status),
		logKV("wr_id", wc.ID),
	}
	if op.size > 0 {
		fields = append(fields, logKV("requested_size", op.size))
	}
	if res.length > 0 {
		fields = append(fields, logKV("length", res.length))
	}
	if res.err != nil {
		fields = append(fields, logKV("wc_status", wc.Status.String()), logKV("error", res.err))
	}
	c.logDispatcherEvent(eventName, fields...)
	spanAddEvent(span, eventName, fields...)
	if res.err != nil {
		spanRecordError(span, res.err)
	}
	switch op.kind {
	case OperationSend:
		if res.err != nil {
			c.metricSendFailed(res.err, fields...)
		} else {
			c.metricSendCompleted(fields...)
		}
	case OperationReceive:
		if res.err != nil {
			c.metricReceiveFailed(res.err, fields...)
		} else {
			c.metricReceiveCompleted(fields...)
		}
	}
}

func spanAddEvent(span Span, name string, fields ...logField) {
	if span == nil {
		return
	}
	span.AddEvent(name, attributesFromFields(fields...)...)
}

func spanRecordError(span Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
}

func attributesFromFields(fields ...logField) []TraceAttribute {
	if len(fields) == 0 {
		return nil
	}
	attrs := make([]TraceAttribute, 0, len(fields))
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		attrs = append(attrs, TraceAttribute{Key: field.key, Value: field.value})
	}
	return attrs
}

func ensureContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}

func (c *Client) logf(format string, args ...any) {
	if c == nil || c.logger == nil {
		return
	}
	c.logger.Debugf(format, args...)
}
