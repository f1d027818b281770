package audit

import (
	"context"
	"math/bits"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Config controls buffering and delivery of audit events.
type Config struct {
	Enabled    bool
	BufferSize int
	// DropIfFull makes Emit discard events instead of waiting when the
	// queue is full. Drops are counted and logged.
	DropIfFull bool
	// SinkTimeout bounds the context handed to each Sink.Emit call. Zero
	// means no deadline.
	SinkTimeout time.Duration
	Logger      *zap.Logger
}

// Dispatcher relays events from request goroutines to a single sink
// goroutine so a slow sink never sits on the request path.
type Dispatcher struct {
	cfg    Config
	sink   Sink
	logger *zap.Logger

	queue chan Event
	stop  chan struct{}
	wg    sync.WaitGroup

	stopped   atomic.Bool
	stopOnce  sync.Once
	dropped   atomic.Uint64
	delivered atomic.Uint64
	panicked  atomic.Uint64
}

// NewDispatcher starts the delivery goroutine. It returns nil when audit
// is disabled; every method is safe on a nil Dispatcher.
func NewDispatcher(cfg Config, sink Sink) *Dispatcher {
	if !cfg.Enabled {
		return nil
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1
	}
	if sink == nil {
		sink = NoOpSink{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	d := &Dispatcher{
		cfg:    cfg,
		sink:   sink,
		logger: logger.Named("audit"),
		queue:  make(chan Event, cfg.BufferSize),
		stop:   make(chan struct{}),
	}
	d.wg.Add(1)
	go d.loop()
	return d
}

func (d *Dispatcher) loop() {
	defer d.wg.Done()
	for {
		select {
		case ev := <-d.queue:
			d.deliver(ev)
		case <-d.stop:
			d.drain()
			return
		}
	}
}

// drain flushes whatever is still queued after Close.
func (d *Dispatcher) drain() {
	for {
		select {
		case ev := <-d.queue:
			d.deliver(ev)
		default:
			return
		}
	}
}

// deliver hands ev to the sink. A panicking sink loses that one event and
// the loop keeps running.
func (d *Dispatcher) deliver(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			d.panicked.Add(1)
			d.logger.Error("audit sink panicked", zap.String("event_type", ev.EventType), zap.Any("panic", r))
		}
	}()

	ctx := context.Background()
	if d.cfg.SinkTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.SinkTimeout)
		defer cancel()
	}
	d.sink.Emit(ctx, ev)
	d.delivered.Add(1)
}

// Emit queues ev. In blocking mode it waits for room until ctx is done or
// the dispatcher is closed; events emitted after Close are discarded.
func (d *Dispatcher) Emit(ctx context.Context, ev Event) {
	if d == nil || d.stopped.Load() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if d.cfg.DropIfFull {
		select {
		case d.queue <- ev:
		case <-d.stop:
		default:
			d.recordDrop(ev)
		}
		return
	}

	select {
	case d.queue <- ev:
	case <-ctx.Done():
		d.recordDrop(ev)
	case <-d.stop:
	}
}

// recordDrop counts a lost event and logs on the 1st, 2nd, 4th, 8th...
// drop so a sustained overload does not flood the log.
func (d *Dispatcher) recordDrop(ev Event) {
	n := d.dropped.Add(1)
	if bits.OnesCount64(n) == 1 {
		d.logger.Warn("audit events dropped",
			zap.Uint64("dropped_total", n),
			zap.String("event_type", ev.EventType),
			zap.Int("buffer_size", d.cfg.BufferSize),
		)
	}
}

// Close stops accepting events, flushes the queue and waits for the sink.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.stopOnce.Do(func() {
		d.stopped.Store(true)
		close(d.stop)
		d.wg.Wait()
	})
}

// Dropped reports events lost to a full queue or a canceled caller.
func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}

// Delivered reports events the sink accepted without panicking.
func (d *Dispatcher) Delivered() uint64 {
	if d == nil {
		return 0
	}
	return d.delivered.Load()
}
