package client

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newClientPair(t *testing.T, cfg Config) (*Client, *Client) {
	t.Helper()
	listenCfg := cfg
	listenCfg.Addr = "127.0.0.1:0"
	listener, err := Listen(listenCfg)
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	t.Cleanup(func() { _ = listener.Close() })

	type acceptResult struct {
		cli *Client
		err error
	}
	accepted := make(chan acceptResult, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		cli, err := listener.Accept(ctx)
		accepted <- acceptResult{cli: cli, err: err}
	}()

	dialCfg := cfg
	dialCfg.Addr = listener.Addr()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	dialer, err := Dial(ctx, dialCfg)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { _ = dialer.Close() })

	res := <-accepted
	if res.err != nil {
		t.Fatalf("Accept failed: %v", res.err)
	}
	t.Cleanup(func() { _ = res.cli.Close() })

	return dialer, res.cli
}

func TestClientSendReceiveAsync(t *testing.T) {
	sender, receiver := newClientPair(t, Config{Timeout: 2 * time.Second})

	payload := []byte("async-roundtrip")
	recvBuf := make([]byte, len(payload))

	recvFuture, err := receiver.ReceiveAsync(recvBuf)
	if err != nil {
		t.Fatalf("ReceiveAsync failed: %v", err)
	}

	callback := make(chan error, 1)
	recvFuture.OnComplete(func(n int, err error) {
		if err != nil {
			callback <- err
			return
		}
		if n != len(payload) {
			callback <- fmt.Errorf("callback length mismatch: got %d want %d", n, len(payload))
			return
		}
		if string(recvBuf[:n]) != string(payload) {
			callback <- fmt.Errorf("callback payload mismatch: got %q want %q", string(recvBuf[:n]), string(payload))
			return
		}
		callback <- nil
	})

	sendFuture, err := sender.SendAsync(payload)
	if err != nil {
		t.Fatalf("SendAsync failed: %v", err)
	}

	if err := sendFuture.Await(context.Background()); err != nil {
		t.Fatalf("Send await failed: %v", err)
	}

	n, err := recvFuture.Await(context.Background())
	if err != nil {
		t.Fatalf("Receive await failed: %v", err)
	}
	if n != len(payload) {
		t.Fatalf("unexpected length: got %d want %d", n, len(payload))
	}
	if string(recvBuf[:n]) != string(payload) {
		t.Fatalf("payload mismatch: got %q want %q", string(recvBuf[:n]), string(payload))
	}

	select {
	case cbErr := <-callback:
		if cbErr != nil {
			t.Fatalf("receive callback error: %v", cbErr)
		}
	case <-time.After(time.Second):
		t.Fatal("receive callback not invoked")
	}
}

func TestClientSendReceiveSync(t *testing.T) {
	sender, receiver := newClientPair(t, Config{Timeout: 2 * time.Second})

	payload := []byte("sync-roundtrip")
	recvBuf := make([]byte, len(payload))

	recvErr := make(chan error, 1)
	go func() {
		n, err := receiver.Receive(context.Background(), recvBuf)
		if err != nil {
			recvErr <- err
			return
		}
		if n != len(payload) {
			recvErr <- fmt.Errorf("unexpected length: got %d want %d", n, len(payload))
			return
		}
		if string(recvBuf[:n]) != string(payload) {
			recvErr <- fmt.Errorf("payload mismatch: got %q want %q", string(recvBuf[:n]), string(payload))
			return
		}
		recvErr <- nil
	}()

	time.Sleep(20 * time.Millisecond)

	if err := sender.Send(context.Background(), payload); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	select {
	case err := <-recvErr:
		if err != nil {
			t.Fatalf("receive failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("receive did not complete")
	}
}

func TestClientStats(t *testing.T) {
	sender, receiver := newClientPair(t, Config{Timeout: 2 * time.Second})

	payload := []byte("stats")
	recvBuf := make([]byte, len(payload))

	recvFuture, err := receiver.ReceiveAsync(recvBuf)
	if err != nil {
		t.Fatalf("ReceiveAsync failed: %v", err)
	}
	if err := sender.Send(context.Background(), payload); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if _, err := recvFuture.Await(context.Background()); err != nil {
		t.Fatalf("Receive await failed: %v", err)
	}

	sStats := sender.Stats()
	if sStats.SendPosted != 1 || sStats.SendCompleted != 1 || sStats.SendErrored != 0 {
		t.Fatalf("unexpected sender stats: %+v", sStats)
	}
	rStats := receiver.Stats()
	if rStats.ReceivePosted != 1 || rStats.ReceiveMatched != 1 || rStats.ReceiveErrored != 0 {
		t.Fatalf("unexpected receiver stats: %+v", rStats)
	}
}

func TestClientReceiveHandler(t *testing.T) {
	sender, receiver := newClientPair(t, Config{Timeout: 2 * time.Second})

	payload := []byte("handler-delivery")
	delivered := make(chan []byte, 1)
	unregister := receiver.RegisterReceiveHandler(func(c ReceiveCompletion) {
		if c.Err == nil {
			delivered <- c.Payload
		}
	})
	defer unregister()

	recvBuf := make([]byte, 64)
	recvFuture, err := receiver.ReceiveAsync(recvBuf)
	if err != nil {
		t.Fatalf("ReceiveAsync failed: %v", err)
	}
	if err := sender.Send(context.Background(), payload); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if _, err := recvFuture.Await(context.Background()); err != nil {
		t.Fatalf("Receive await failed: %v", err)
	}

	select {
	case got := <-delivered:
		if string(got) != string(payload) {
			t.Fatalf("handler payload mismatch: got %q want %q", string(got), string(payload))
		}
	case <-time.After(time.Second):
		t.Fatal("receive handler not invoked")
	}
}

func TestClientPayloadTooLarge(t *testing.T) {
	sender, _ := newClientPair(t, Config{Timeout: 2 * time.Second, MaxMessageSize: 128})

	if _, err := sender.SendAsync(make([]byte, 129)); err == nil {
		t.Fatal("expected error for payload beyond message size limit")
	}
}

func TestClientClosedOperations(t *testing.T) {
	sender, _ := newClientPair(t, Config{Timeout: 2 * time.Second})

	if err := sender.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := sender.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
	if _, err := sender.SendAsync([]byte("x")); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := sender.ReceiveAsync(make([]byte, 1)); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestClientStructuredLoggingAndTracing(t *testing.T) {
	logger, observedLogs := newObservedLogger()
	tp, recorder := newTestTracerProvider()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = tp.Shutdown(ctx)
	}()
	tracer := &otelTracerAdapter{tracer: tp.Tracer("client-structured-test")}

	metrics := newMetricRecorder()
	cfg := Config{
		Timeout:          2 * time.Second,
		Logger:           logger,
		StructuredLogger: logger,
		Tracer:           tracer,
		Metrics:          metrics,
	}

	sender, receiver := newClientPair(t, cfg)

	payload := []byte("structured-logging")
	recvBuf := make([]byte, len(payload))

	recvFuture, err := receiver.ReceiveAsync(recvBuf)
	if err != nil {
		t.Fatalf("ReceiveAsync failed: %v", err)
	}
	if err := sender.Send(context.Background(), payload); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	n, err := recvFuture.Await(context.Background())
	if err != nil {
		t.Fatalf("Receive await failed: %v", err)
	}
	if n != len(payload) || string(recvBuf[:n]) != string(payload) {
		t.Fatalf("unexpected payload: %q", string(recvBuf[:n]))
	}

	if err := sender.Close(); err != nil {
		t.Fatalf("sender close failed: %v", err)
	}
	if err := receiver.Close(); err != nil {
		t.Fatalf("receiver close failed: %v", err)
	}

	if !waitForLogEvent(observedLogs, "start", time.Second) {
		t.Fatal("missing dispatcher start log")
	}
	if !waitForLogEvent(observedLogs, "completion", time.Second) {
		t.Fatal("missing dispatcher completion log")
	}
	if !waitForLogEvent(observedLogs, "stop", time.Second) {
		t.Fatal("missing dispatcher stop log")
	}

	if !spanHasEvent(recorder, "start") {
		t.Fatal("missing dispatcher start span event")
	}
	if !spanHasEvent(recorder, "completion") {
		t.Fatal("missing dispatcher completion span event")
	}
	if !spanHasEvent(recorder, "stop") {
		t.Fatal("missing dispatcher stop span event")
	}

	_ = logger.Sync()

	snapshot := metrics.Snapshot()
	if snapshot.DispatcherStarted < 1 || snapshot.DispatcherStopped < 1 {
		t.Fatalf("dispatcher metrics missing: %+v", snapshot)
	}
	if snapshot.SendCompleted < 1 || snapshot.ReceiveCompleted < 1 {
		t.Fatalf("missing send/receive completion metrics: %+v", snapshot)
	}
	if snapshot.SendFailed != 0 || snapshot.ReceiveFailed != 0 {
		t.Fatalf("unexpected failure metrics: send=%d recv=%d", snapshot.SendFailed, snapshot.ReceiveFailed)
	}
	if len(snapshot.CQErrors) != 0 {
		t.Fatalf("unexpected CQ errors recorded: %+v", snapshot.CQErrors)
	}
}

func newObservedLogger() (*zap.SugaredLogger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)
	return logger.Sugar(), logs
}

func newTestTracerProvider() (*tracesdk.TracerProvider, *tracetest.SpanRecorder) {
	recorder := tracetest.NewSpanRecorder()
	tp := tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(recorder))
	return tp, recorder
}

func waitForLogEvent(logs *observer.ObservedLogs, event string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		entries := logs.All()
		for _, entry := range entries {
			if evt, ok := entry.ContextMap()["event"].(string); ok && evt == event {
				return true
			}
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func spanHasEvent(recorder *tracetest.SpanRecorder, event string) bool {
	for _, span := range recorder.Ended() {
		if span.Name() != "rdma-client-dispatcher" {
			continue
		}
		for _, evt := range span.Events() {
			if evt.Name == event {
				return true
			}
		}
	}
	return false
}

type otelTracerAdapter struct {
	tracer trace.Tracer
}

func (o *otelTracerAdapter) StartSpan(name string, attrs ...TraceAttribute) Span {
	if o == nil || o.tracer == nil {
		return nil
	}
	attributes := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		attributes = append(attributes, toAttribute(attr))
	}
	_, span := o.tracer.Start(context.Background(), name, trace.WithAttributes(attributes...))
	return &otelSpanAdapter{span: span}
}

type otelSpanAdapter struct {
	span trace.Span
}

func (s *otelSpanAdapter) End(err error) {
	if s == nil || s.span == nil {
		return
	}
	if err != nil {
		s.span.RecordError(err)
	}
	s.span.End()
}

func (s *otelSpanAdapter) AddEvent(name string, attrs ...TraceAttribute) {
	if s == nil || s.span == nil {
		return
	}
	attributes := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		attributes = append(attributes, toAttribute(attr))
	}
	s.span.AddEvent(name, trace.WithAttributes(attributes...))
}

func (s *otelSpanAdapter) RecordError(err error) {
	if s == nil || s.span == nil || err == nil {
		return
	}
	s.span.RecordError(err)
}

func toAttribute(attr TraceAttribute) attribute.KeyValue {
	if attr.Key == "" {
		return attribute.String("undefined", fmt.Sprint(attr.Value))
	}
	switch v := attr.Value.(type) {
	case nil:
		return attribute.String(attr.Key, "")
	case string:
		return attribute.String(attr.Key, v)
	case fmt.Stringer:
		return attribute.String(attr.Key, v.String())
	case bool:
		return attribute.Bool(attr.Key, v)
	case int:
		return attribute.Int(attr.Key, v)
	case int64:
		return attribute.Int64(attr.Key, v)
	case uint32:
		return attribute.Int64(attr.Key, int64(v))
	case uint64:
		return attribute.Int64(attr.Key, int64(v))
	case float64:
		return attribute.Float64(attr.Key, v)
	case error:
		return attribute.String(attr.Key, v.Error())
	default:
		return attribute.String(attr.Key, fmt.Sprint(attr.Value))
	}
}

type metricRecorder struct {
	mu                sync.Mutex
	dispatcherStarted int
	dispatcherStopped int
	cqErrors          []string
	sendCompleted     int
	sendFailed        int
	receiveCompleted  int
	receiveFailed     int
}

type metricSnapshot struct {
	DispatcherStarted int
	DispatcherStopped int
	CQErrors          []string
	SendCompleted     int
	SendFailed        int
	ReceiveCompleted  int
	ReceiveFailed     int
}

func newMetricRecorder() *metricRecorder {
	return &metricRecorder{}
}

func (m *metricRecorder) DispatcherStarted(_ map[string]string) {
	m.mu.Lock()
	m.dispatcherStarted++
	m.mu.Unlock()
}

func (m *metricRecorder) DispatcherStopped(_ map[string]string) {
	m.mu.Lock()
	m.dispatcherStopped++
	m.mu.Unlock()
}

func (m *metricRecorder) DispatcherCQError(kind string, _ error, _ map[string]string) {
	m.mu.Lock()
	m.cqErrors = append(m.cqErrors, kind)
	m.mu.Unlock()
}

func (m *metricRecorder) SendCompleted(_ map[string]string) {
	m.mu.Lock()
	m.sendCompleted++
	m.mu.Unlock()
}

func (m *metricRecorder) SendFailed(_ error, _ map[string]string) {
	m.mu.Lock()
	m.sendFailed++
	m.mu.Unlock()
}

func (m *metricRecorder) ReceiveCompleted(_ map[string]string) {
	m.mu.Lock()
	m.receiveCompleted++
	m.mu.Unlock()
}

func (m *metricRecorder) ReceiveFailed(_ error, _ map[string]string) {
	m.mu.Lock()
	m.receiveFailed++
	m.mu.Unlock()
}

func (m *metricRecorder) Snapshot() metricSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return metricSnapshot{
		DispatcherStarted: m.dispatcherStarted,
		DispatcherStopped: m.dispatcherStopped,
		CQErrors:          append([]string(nil), m.cqErrors...),
		SendCompleted:     m.sendCompleted,
		SendFailed:        m.sendFailed,
		ReceiveCompleted:  m.receiveCompleted,
		ReceiveFailed:     m.receiveFailed,
	}
}
