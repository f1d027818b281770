package audit

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type countingSink struct {
	count atomic.Int64
}

func (s *countingSink) Emit(context.Context, Event) {
	s.count.Add(1)
}

type gateSink struct {
	gate chan struct{}
}

func newGateSink() *gateSink {
	return &gateSink{gate: make(chan struct{})}
}

func (s *gateSink) Emit(context.Context, Event) {
	<-s.gate
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestDisabledDispatcherIsNil(t *testing.T) {
	d := NewDispatcher(Config{Enabled: false}, &countingSink{})
	if d != nil {
		t.Fatal("expected nil dispatcher when disabled")
	}
	// nil receiver is safe
	d.Emit(context.Background(), Event{EventType: "x"})
	d.Close()
	if d.Dropped() != 0 {
		t.Fatal("nil dispatcher must report zero drops")
	}
}

func TestDispatcherDeliversOnClose(t *testing.T) {
	sink := &countingSink{}
	d := NewDispatcher(Config{Enabled: true, BufferSize: 16}, sink)
	for i := 0; i < 10; i++ {
		d.Emit(context.Background(), Event{EventType: "rate_limit_denied"})
	}
	d.Close()
	if got := sink.count.Load(); got != 10 {
		t.Fatalf("expected 10 delivered events, got %d", got)
	}
}

func TestDropIfFullDoesNotBlock(t *testing.T) {
	sink := newGateSink()
	d := NewDispatcher(Config{Enabled: true, BufferSize: 1, DropIfFull: true}, sink)
	defer func() {
		close(sink.gate)
		d.Close()
	}()

	d.Emit(context.Background(), Event{EventType: "e1"})
	d.Emit(context.Background(), Event{EventType: "e2"})

	start := time.Now()
	d.Emit(context.Background(), Event{EventType: "e3"})
	if time.Since(start) > 100*time.Millisecond {
		t.Fatal("expected non-blocking emit when DropIfFull is true")
	}
	if d.Dropped() == 0 {
		t.Fatal("expected dropped counter to increment when queue is full")
	}
}

func TestBlockingEmitWaitsForSpace(t *testing.T) {
	sink := newGateSink()
	d := NewDispatcher(Config{Enabled: true, BufferSize: 1}, sink)
	defer func() {
		close(sink.gate)
		d.Close()
	}()

	d.Emit(context.Background(), Event{EventType: "e1"})
	d.Emit(context.Background(), Event{EventType: "e2"})

	done := make(chan struct{})
	go func() {
		d.Emit(context.Background(), Event{EventType: "e3"})
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("expected emit to block while buffer is full")
	case <-time.After(150 * time.Millisecond):
	}

	sink.gate <- struct{}{}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected blocked emit to proceed after space is available")
	}
}

func TestCloseIdempotentAndEmitAfterCloseSafe(t *testing.T) {
	d := NewDispatcher(Config{Enabled: true, BufferSize: 4, DropIfFull: true}, &countingSink{})
	d.Emit(context.Background(), Event{EventType: "e1"})
	d.Close()
	d.Close()
	d.Emit(context.Background(), Event{EventType: "e2"})
}

func TestJSONWriterSinkWritesLines(t *testing.T) {
	var buf syncBuffer
	sink := NewJSONWriterSink(&buf)
	sink.Emit(context.Background(), Event{
		Timestamp: time.Now().UTC(),
		EventType: "authorization_denied",
		UserID:    "u1",
		IP:        "127.0.0.1",
		Reason:    "not_admin",
	})
	sink.Emit(context.Background(), Event{EventType: "upload_rejected"})

	out := buf.String()
	if strings.Count(out, "\n") != 2 {
		t.Fatalf("expected two JSON lines, got %q", out)
	}
	for _, needle := range []string{`"event_type":"authorization_denied"`, `"user_id":"u1"`, `"reason":"not_admin"`} {
		if !strings.Contains(out, needle) {
			t.Fatalf("expected %s in %q", needle, out)
		}
	}
}

func TestZapSinkWritesStructuredEntry(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	sink := NewZapSink(zap.New(core))

	sink.Emit(context.Background(), Event{
		EventType: "rate_limit_denied",
		IP:        "203.0.113.9",
		Policy:    "auth",
		Metadata:  map[string]string{"count": "6"},
	})

	entries := logs.FilterMessage("rate_limit_denied").All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	ctx := entries[0].ContextMap()
	if ctx["policy"] != "auth" || ctx["ip"] != "203.0.113.9" || ctx["meta.count"] != "6" {
		t.Fatalf("unexpected fields %v", ctx)
	}
	if entries[0].LoggerName != "audit" {
		t.Fatalf("expected audit logger, got %q", entries[0].LoggerName)
	}
}

type panicSink struct{ calls atomic.Int64 }

func (s *panicSink) Emit(_ context.Context, ev Event) {
	s.calls.Add(1)
	if ev.EventType == "boom" {
		panic("sink exploded")
	}
}

func TestPanickingSinkDoesNotStopDelivery(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	sink := &panicSink{}
	d := NewDispatcher(Config{Enabled: true, BufferSize: 8, Logger: zap.New(core)}, sink)

	d.Emit(context.Background(), Event{EventType: "boom"})
	d.Emit(context.Background(), Event{EventType: "upload_rejected"})
	d.Close()

	if got := sink.calls.Load(); got != 2 {
		t.Fatalf("expected sink to see both events, got %d", got)
	}
	if got := d.Delivered(); got != 1 {
		t.Fatalf("expected 1 delivered event, got %d", got)
	}
	if logs.FilterMessage("audit sink panicked").Len() != 1 {
		t.Fatal("expected the panic to be logged")
	}
}

type deadlineSink struct{ hasDeadline atomic.Bool }

func (s *deadlineSink) Emit(ctx context.Context, _ Event) {
	_, ok := ctx.Deadline()
	s.hasDeadline.Store(ok)
}

func TestSinkTimeoutSetsDeadline(t *testing.T) {
	sink := &deadlineSink{}
	d := NewDispatcher(Config{Enabled: true, BufferSize: 1, SinkTimeout: time.Second}, sink)
	d.Emit(context.Background(), Event{EventType: "authorization_denied"})
	d.Close()
	if !sink.hasDeadline.Load() {
		t.Fatal("expected sink context to carry a deadline")
	}
}

func TestDropsAreLoggedSparsely(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	sink := newGateSink()
	d := NewDispatcher(Config{Enabled: true, BufferSize: 1, DropIfFull: true, Logger: zap.New(core)}, sink)
	defer func() {
		close(sink.gate)
		d.Close()
	}()

	// one event parks in the sink, one fills the queue
	d.Emit(context.Background(), Event{EventType: "e0"})
	deadline := time.Now().Add(time.Second)
	for len(d.queue) != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	d.Emit(context.Background(), Event{EventType: "e1"})

	for i := 0; i < 5; i++ {
		d.Emit(context.Background(), Event{EventType: "rate_limit_denied"})
	}
	if got := d.Dropped(); got != 5 {
		t.Fatalf("expected 5 drops, got %d", got)
	}
	// drops 1, 2 and 4
	if got := logs.FilterMessage("audit events dropped").Len(); got != 3 {
		t.Fatalf("expected 3 drop log lines, got %d", got)
	}
}
