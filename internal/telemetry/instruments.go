package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// Instruments bundles the meters the feed core records on its hot paths.
// All methods tolerate a nil receiver or missing instruments so library code
// never needs to check whether telemetry is wired.
type Instruments struct {
	recordsDecoded  metric.Int64Counter
	eventsForwarded metric.Int64Counter
	eventsDropped   metric.Int64Counter
	reconnects      metric.Int64Counter
	authFailures    metric.Int64Counter
	subscribeFrames metric.Int64Counter
	decodeErrors    metric.Int64Counter
}

// NewInstruments registers the feed instruments on the meter. Instrument
// creation failures leave the corresponding counter nil, which its record
// method treats as a noop.
func NewInstruments(meter metric.Meter) *Instruments {
	in := new(Instruments)
	in.recordsDecoded, _ = meter.Int64Counter("feedmux.records.decoded",
		metric.WithDescription("Records decoded from the upstream stream"))
	in.eventsForwarded, _ = meter.Int64Counter("feedmux.events.forwarded",
		metric.WithDescription("Events forwarded to the sink"))
	in.eventsDropped, _ = meter.Int64Counter("feedmux.events.dropped",
		metric.WithDescription("Events the sink rejected"))
	in.reconnects, _ = meter.Int64Counter("feedmux.session.reconnects",
		metric.WithDescription("Session reconnect attempts"))
	in.authFailures, _ = meter.Int64Counter("feedmux.session.auth_failures",
		metric.WithDescription("Gateway authentication rejections"))
	in.subscribeFrames, _ = meter.Int64Counter("feedmux.subscribe.frames",
		metric.WithDescription("Subscribe lines written upstream"))
	in.decodeErrors, _ = meter.Int64Counter("feedmux.decode.errors",
		metric.WithDescription("Record decode failures"))
	return in
}

// RecordDecoded counts one decoded record.
func (in *Instruments) RecordDecoded(ctx context.Context, dataset string, rtype uint8) {
	if in == nil || in.recordsDecoded == nil {
		return
	}
	in.recordsDecoded.Add(ctx, 1, metric.WithAttributes(RecordAttributes(dataset, rtype)...))
}

// EventForwarded counts one event handed to the sink.
func (in *Instruments) EventForwarded(ctx context.Context, dataset, kind string) {
	if in == nil || in.eventsForwarded == nil {
		return
	}
	in.eventsForwarded.Add(ctx, 1, metric.WithAttributes(EventAttributes(dataset, kind)...))
}

// EventDropped counts one event the sink rejected.
func (in *Instruments) EventDropped(ctx context.Context, dataset, kind string) {
	if in == nil || in.eventsDropped == nil {
		return
	}
	in.eventsDropped.Add(ctx, 1, metric.WithAttributes(EventAttributes(dataset, kind)...))
}

// Reconnect counts one reconnect attempt and its result.
func (in *Instruments) Reconnect(ctx context.Context, dataset, result string) {
	if in == nil || in.reconnects == nil {
		return
	}
	in.reconnects.Add(ctx, 1, metric.WithAttributes(
		AttrDataset.String(dataset), AttrResult.String(result)))
}

// AuthFailure counts one rejected authentication.
func (in *Instruments) AuthFailure(ctx context.Context, dataset string) {
	if in == nil || in.authFailures == nil {
		return
	}
	in.authFailures.Add(ctx, 1, metric.WithAttributes(AttrDataset.String(dataset)))
}

// SubscribeFrame counts one subscribe line written upstream.
func (in *Instruments) SubscribeFrame(ctx context.Context, dataset, schema string) {
	if in == nil || in.subscribeFrames == nil {
		return
	}
	in.subscribeFrames.Add(ctx, 1, metric.WithAttributes(
		AttrDataset.String(dataset), AttrSchema.String(schema)))
}

// DecodeError counts one record decode failure.
func (in *Instruments) DecodeError(ctx context.Context, dataset, code string) {
	if in == nil || in.decodeErrors == nil {
		return
	}
	in.decodeErrors.Add(ctx, 1, metric.WithAttributes(
		AttrDataset.String(dataset), AttrErrorCode.String(code)))
}
