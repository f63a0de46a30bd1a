// Package schema defines the normalized event type that every decoded
// upstream record is wrapped in before it reaches the process-wide sink.
package schema

import (
	"github.com/solentix/feedmux/internal/dbn"
	"github.com/solentix/feedmux/internal/symbology"
)

// Kind discriminates the event variants.
type Kind string

const (
	// KindData carries a market data record: trade, quote, book delta, bar.
	KindData Kind = "data"
	// KindInstrument carries an instrument definition.
	KindInstrument Kind = "instrument"
	// KindStatus carries a trading status change.
	KindStatus Kind = "status"
	// KindImbalance carries an auction imbalance update.
	KindImbalance Kind = "imbalance"
	// KindStatistics carries a venue statistics update.
	KindStatistics Kind = "statistics"
	// KindError reports a session failure the consumer should observe.
	KindError Kind = "error"
	// KindClose marks the end of a session's event stream.
	KindClose Kind = "close"
)

// Event is the single value type flowing to the EventSink. Record holds the
// decoded typed message for data-bearing kinds; Err is set only for
// KindError.
type Event struct {
	Kind       Kind
	Dataset    string
	Instrument symbology.InstrumentID
	TsEvent    uint64
	TsOut      uint64
	Record     any
	Err        error
}

// NewData wraps a market data record.
func NewData(dataset string, instrument symbology.InstrumentID, tsEvent uint64, record any) Event {
	return Event{
		Kind:       KindData,
		Dataset:    dataset,
		Instrument: instrument,
		TsEvent:    tsEvent,
		Record:     record,
	}
}

// NewInstrument wraps an instrument definition.
func NewInstrument(dataset string, instrument symbology.InstrumentID, def *dbn.InstrumentDefMsg) Event {
	return Event{
		Kind:       KindInstrument,
		Dataset:    dataset,
		Instrument: instrument,
		TsEvent:    def.TsEvent,
		Record:     def,
	}
}

// NewStatus wraps a trading status change.
func NewStatus(dataset string, instrument symbology.InstrumentID, st *dbn.StatusMsg) Event {
	return Event{
		Kind:       KindStatus,
		Dataset:    dataset,
		Instrument: instrument,
		TsEvent:    st.TsEvent,
		Record:     st,
	}
}

// NewImbalance wraps an auction imbalance update.
func NewImbalance(dataset string, instrument symbology.InstrumentID, im *dbn.ImbalanceMsg) Event {
	return Event{
		Kind:       KindImbalance,
		Dataset:    dataset,
		Instrument: instrument,
		TsEvent:    im.TsEvent,
		Record:     im,
	}
}

// NewStatistics wraps a venue statistics update.
func NewStatistics(dataset string, instrument symbology.InstrumentID, st *dbn.StatMsg) Event {
	return Event{
		Kind:       KindStatistics,
		Dataset:    dataset,
		Instrument: instrument,
		TsEvent:    st.TsEvent,
		Record:     st,
	}
}

// NewError reports a session failure.
func NewError(dataset string, err error) Event {
	return Event{Kind: KindError, Dataset: dataset, Err: err}
}

// NewClose marks the end of a session's stream.
func NewClose(dataset string) Event {
	return Event{Kind: KindClose, Dataset: dataset}
}

// Trade returns the trade payload when the event carries one.
func (e Event) Trade() (*dbn.TradeMsg, bool) {
	msg, ok := e.Record.(*dbn.TradeMsg)
	return msg, ok
}

// Quote returns the quote payload when the event carries one.
func (e Event) Quote() (*dbn.QuoteMsg, bool) {
	msg, ok := e.Record.(*dbn.QuoteMsg)
	return msg, ok
}

// Bar returns the bar payload when the event carries one.
func (e Event) Bar() (*dbn.OhlcvMsg, bool) {
	msg, ok := e.Record.(*dbn.OhlcvMsg)
	return msg, ok
}

// BookDelta returns the book event payload when the event carries one.
func (e Event) BookDelta() (*dbn.MboMsg, bool) {
	msg, ok := e.Record.(*dbn.MboMsg)
	return msg, ok
}
