package sink

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"

	"github.com/solentix/feedmux/errs"
	"github.com/solentix/feedmux/internal/schema"
	"github.com/solentix/feedmux/internal/telemetry"
)

// MemorySink is a bounded in-process event queue. Senders block when the
// queue is full, which is how backpressure reaches the upstream TCP stream.
type MemorySink struct {
	ch          chan schema.Event
	instruments *telemetry.Instruments

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// MemoryConfig sizes the sink.
type MemoryConfig struct {
	Capacity    int
	Instruments *telemetry.Instruments
}

func (c MemoryConfig) normalize() MemoryConfig {
	if c.Capacity <= 0 {
		c.Capacity = 1024
	}
	if c.Instruments == nil {
		c.Instruments = telemetry.NewInstruments(otel.Meter("sink"))
	}
	return c
}

// NewMemorySink constructs a memory-backed sink.
func NewMemorySink(cfg MemoryConfig) *MemorySink {
	cfg = cfg.normalize()
	return &MemorySink{
		ch:          make(chan schema.Event, cfg.Capacity),
		instruments: cfg.Instruments,
		done:        make(chan struct{}),
	}
}

// Send enqueues one event, blocking while the queue is full. It fails with
// cancelled when ctx trips and with unavailable after Close.
func (s *MemorySink) Send(ctx context.Context, evt schema.Event) error {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-s.done:
		s.instruments.EventDropped(ctx, evt.Dataset, string(evt.Kind))
		return ErrClosed()
	default:
	}
	select {
	case s.ch <- evt:
		s.instruments.EventForwarded(ctx, evt.Dataset, string(evt.Kind))
		return nil
	case <-s.done:
		s.instruments.EventDropped(ctx, evt.Dataset, string(evt.Kind))
		return ErrClosed()
	case <-ctx.Done():
		s.instruments.EventDropped(ctx, evt.Dataset, string(evt.Kind))
		return errs.New("sink", errs.CodeCancelled,
			errs.WithMessage("send interrupted"), errs.WithCause(ctx.Err()))
	}
}

// TrySend enqueues one event without blocking. It fails with channel_full
// when the queue has no room and with unavailable after Close.
func (s *MemorySink) TrySend(evt schema.Event) error {
	ctx := context.Background()
	select {
	case <-s.done:
		s.instruments.EventDropped(ctx, evt.Dataset, string(evt.Kind))
		return ErrClosed()
	default:
	}
	select {
	case s.ch <- evt:
		s.instruments.EventForwarded(ctx, evt.Dataset, string(evt.Kind))
		return nil
	case <-s.done:
		s.instruments.EventDropped(ctx, evt.Dataset, string(evt.Kind))
		return ErrClosed()
	default:
		s.instruments.EventDropped(ctx, evt.Dataset, string(evt.Kind))
		return errs.New("sink", errs.CodeChannelFull,
			errs.WithMessage("sink queue full"))
	}
}

// Events returns the consumer side of the queue.
func (s *MemorySink) Events() <-chan schema.Event {
	return s.ch
}

// Close rejects further sends. Events already queued remain readable.
func (s *MemorySink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
}
