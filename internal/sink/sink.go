// Package sink defines the capability the feed core emits events through
// and an in-memory bounded implementation of it.
package sink

import (
	"context"

	"github.com/solentix/feedmux/errs"
	"github.com/solentix/feedmux/internal/schema"
)

// EventSink accepts normalized events from session forwarders and
// historical request callbacks. Implementations must be safe for concurrent
// senders.
type EventSink interface {
	Send(ctx context.Context, evt schema.Event) error
}

// TrySender is the optional non-blocking capability of a sink. Callers that
// cannot wait, such as a forwarder shutting down with an event in hand, use
// it instead of Send.
type TrySender interface {
	TrySend(evt schema.Event) error
}

// ErrClosed builds the error a sink returns after Close.
func ErrClosed() error {
	return errs.New("sink", errs.CodeUnavailable,
		errs.WithMessage("sink is closed"))
}
