// Package telemetry semantic conventions for feedmux observability.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys for feedmux-specific telemetry, following OpenTelemetry
// naming conventions: namespace.attribute_name.
const (
	AttrDataset   = attribute.Key("feed.dataset")
	AttrVenue     = attribute.Key("feed.venue")
	AttrSchema    = attribute.Key("feed.schema")
	AttrEventKind = attribute.Key("event.kind")
	AttrRType     = attribute.Key("record.rtype")
	AttrState     = attribute.Key("session.state")
	AttrResult    = attribute.Key("result")
	AttrErrorCode = attribute.Key("error.code")
)

// SessionAttributes returns common attributes for session metrics.
func SessionAttributes(dataset, state string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrDataset.String(dataset),
		AttrState.String(state),
	}
}

// RecordAttributes returns common attributes for record decode metrics.
func RecordAttributes(dataset string, rtype uint8) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrDataset.String(dataset),
		AttrRType.Int(int(rtype)),
	}
}

// EventAttributes returns common attributes for sink metrics.
func EventAttributes(dataset, kind string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrDataset.String(dataset),
		AttrEventKind.String(kind),
	}
}
