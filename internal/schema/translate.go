package schema

import (
	"strconv"

	"github.com/solentix/feedmux/internal/dbn"
	"github.com/solentix/feedmux/internal/observability"
	"github.com/solentix/feedmux/internal/symbology"
)

// Translator maps decoded wire records onto events. Both the live session
// forwarder and the historical client run every record through one of
// these; the live path keeps a translator per session, the historical path
// one per request.
type Translator struct {
	Dataset              string
	Table                *symbology.PublisherTable
	Resolver             *symbology.SymbolResolver
	Pit                  *symbology.PitSymbolMap
	ExchangeAsVenue      bool
	BarsTimestampOnClose bool
	Logger               observability.Logger

	unknownRTypes map[dbn.RType]struct{}
}

// NewTranslator builds a translator with a fresh pit-session map.
func NewTranslator(dataset string, table *symbology.PublisherTable, resolver *symbology.SymbolResolver) *Translator {
	return &Translator{
		Dataset:              dataset,
		Table:                table,
		Resolver:             resolver,
		Pit:                  symbology.NewPitSymbolMap(),
		BarsTimestampOnClose: true,
		Logger:               observability.Log(),
		unknownRTypes:        make(map[dbn.RType]struct{}),
	}
}

// Translate turns one decoded record into the event for its rtype. Symbol
// mapping, system, and gateway error records update local state or log and
// produce no event, as do records of unknown rtypes, which are logged once
// per type.
func (t *Translator) Translate(rec *dbn.Record) (Event, bool) {
	h := rec.Header
	switch h.RType {
	case dbn.RTypeSymbolMapping:
		mapping, err := rec.SymbolMapping()
		if err != nil {
			t.logError(h.RType, err)
			return Event{}, false
		}
		t.Pit.OnMapping(h.InstrumentID, mapping.STypeOutSymbol)
		return Event{}, false
	case dbn.RTypeSystem:
		msg, err := rec.System()
		if err != nil {
			t.logError(h.RType, err)
			return Event{}, false
		}
		t.Logger.Debug("gateway system message",
			observability.F("dataset", t.Dataset),
			observability.F("message", msg.Msg),
			observability.F("heartbeat", msg.IsHeartbeat()))
		return Event{}, false
	case dbn.RTypeError:
		msg, err := rec.ErrMsg()
		if err != nil {
			t.logError(h.RType, err)
			return Event{}, false
		}
		t.Logger.Error("gateway error record",
			observability.F("dataset", t.Dataset),
			observability.F("message", msg.Err))
		return Event{}, false
	case dbn.RTypeInstrumentDef:
		def, err := rec.InstrumentDef()
		if err != nil {
			t.logError(h.RType, err)
			return Event{}, false
		}
		instrument := t.instrumentFor(h, def.RawSymbol)
		if t.ExchangeAsVenue && def.Exchange != "" && def.Exchange != instrument.Venue {
			if t.Resolver != nil {
				t.Resolver.Promote(def.RawSymbol, def.Exchange)
			}
			instrument.Venue = def.Exchange
		}
		return NewInstrument(t.Dataset, instrument, def), true
	case dbn.RTypeStatus:
		st, err := rec.Status()
		if err != nil {
			t.logError(h.RType, err)
			return Event{}, false
		}
		return NewStatus(t.Dataset, t.instrumentFor(h, ""), st), true
	case dbn.RTypeImbalance:
		im, err := rec.Imbalance()
		if err != nil {
			t.logError(h.RType, err)
			return Event{}, false
		}
		return NewImbalance(t.Dataset, t.instrumentFor(h, ""), im), true
	case dbn.RTypeStatistics:
		st, err := rec.Stat()
		if err != nil {
			t.logError(h.RType, err)
			return Event{}, false
		}
		return NewStatistics(t.Dataset, t.instrumentFor(h, ""), st), true
	case dbn.RTypeMbp0, dbn.RTypeMbp1, dbn.RTypeMbo,
		dbn.RTypeOhlcv1s, dbn.RTypeOhlcv1m, dbn.RTypeOhlcv1h, dbn.RTypeOhlcv1d:
		msg, err := rec.Decode()
		if err != nil {
			t.logError(h.RType, err)
			return Event{}, false
		}
		tsEvent := h.TsEvent
		if interval := h.RType.BarInterval(); interval != 0 && t.BarsTimestampOnClose {
			tsEvent = h.TsEvent + interval
		}
		evt := NewData(t.Dataset, t.instrumentFor(h, ""), tsEvent, msg)
		if tsOut, ok := rec.TsOut(); ok {
			evt.TsOut = tsOut
		}
		return evt, true
	default:
		if _, seen := t.unknownRTypes[h.RType]; !seen {
			t.unknownRTypes[h.RType] = struct{}{}
			t.Logger.Warn("unknown rtype, skipping",
				observability.F("dataset", t.Dataset),
				observability.F("rtype", uint8(h.RType)))
		}
		return Event{}, false
	}
}

func (t *Translator) logError(rtype dbn.RType, err error) {
	t.Logger.Error("record translation failed",
		observability.F("dataset", t.Dataset),
		observability.F("rtype", uint8(rtype)),
		observability.F("error", err.Error()))
}

// instrumentFor resolves the venue-qualified instrument for a record
// header. The symbol comes from the pit map unless the record carries one;
// the venue from the publisher table, falling back to the live symbol
// table.
func (t *Translator) instrumentFor(h dbn.Header, rawSymbol string) symbology.InstrumentID {
	symbol := rawSymbol
	if symbol == "" {
		if mapped, ok := t.Pit.Resolve(h.InstrumentID); ok {
			symbol = mapped
		} else {
			symbol = strconv.FormatUint(uint64(h.InstrumentID), 10)
		}
	}
	venue, ok := t.Table.Venue(h.PublisherID)
	if !ok && t.Resolver != nil {
		venue, _ = t.Resolver.VenueOf(symbol)
	}
	return symbology.InstrumentID{Symbol: symbol, Venue: venue}
}
