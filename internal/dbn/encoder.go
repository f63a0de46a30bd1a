package dbn

import (
	"encoding/binary"
	"io"

	"github.com/solentix/feedmux/errs"
)

// Encoder writes metadata and record frames. The live client never encodes
// records; the encoder exists for replay tooling and test gateways.
type Encoder struct {
	w     io.Writer
	tsOut bool
}

// NewEncoder wraps w. When tsOut is set every record carries a send
// timestamp trailer, matching a session negotiated with ts_out.
func NewEncoder(w io.Writer, tsOut bool) *Encoder {
	return &Encoder{w: w, tsOut: tsOut}
}

// EncodeMetadata writes the stream's metadata frame.
func (e *Encoder) EncodeMetadata(m *Metadata) error {
	if _, err := e.w.Write(EncodeMetadata(m)); err != nil {
		return errs.New("dbn/encoder", errs.CodeNetwork,
			errs.WithMessage("writing metadata frame"), errs.WithCause(err))
	}
	return nil
}

// EncodeRecord writes one record frame. When the encoder was built with
// tsOut the trailer is zero; use EncodeRecordTs to set it.
func (e *Encoder) EncodeRecord(msg any) error {
	return e.EncodeRecordTs(msg, 0)
}

// EncodeRecordTs writes one record frame with the given send timestamp
// trailer. The trailer is dropped unless the encoder was built with tsOut.
func (e *Encoder) EncodeRecordTs(msg any, tsOut uint64) error {
	frame, err := MarshalRecord(msg, e.tsOut, tsOut)
	if err != nil {
		return err
	}
	if _, err := e.w.Write(frame); err != nil {
		return errs.New("dbn/encoder", errs.CodeNetwork,
			errs.WithMessage("writing record frame"), errs.WithCause(err))
	}
	return nil
}

// MarshalRecord renders one complete record frame, length prefix included.
func MarshalRecord(msg any, withTsOut bool, tsOut uint64) ([]byte, error) {
	body, err := marshalBody(msg)
	if err != nil {
		return nil, err
	}
	if withTsOut {
		body = binary.LittleEndian.AppendUint64(body, tsOut)
	}
	frame := make([]byte, 0, recordPrefixLen+len(body))
	frame = binary.BigEndian.AppendUint16(frame, uint16(len(body)))
	return append(frame, body...), nil
}

func appendHeader(dst []byte, h Header) []byte {
	dst = append(dst, byte(h.RType))
	dst = binary.LittleEndian.AppendUint16(dst, h.PublisherID)
	dst = binary.LittleEndian.AppendUint32(dst, h.InstrumentID)
	return binary.LittleEndian.AppendUint64(dst, h.TsEvent)
}

func appendCstr(dst []byte, s string, width int) []byte {
	field := make([]byte, width)
	copy(field, s)
	return append(dst, field...)
}

func marshalBody(msg any) ([]byte, error) {
	switch m := msg.(type) {
	case *TradeMsg:
		b := appendHeader(nil, m.Header)
		b = binary.LittleEndian.AppendUint64(b, uint64(m.Price))
		b = binary.LittleEndian.AppendUint32(b, m.Size)
		b = append(b, m.Action, m.Side, m.Depth, m.Flags)
		b = binary.LittleEndian.AppendUint64(b, m.TsRecv)
		return binary.LittleEndian.AppendUint32(b, m.Sequence), nil
	case *QuoteMsg:
		b := appendHeader(nil, m.Header)
		b = binary.LittleEndian.AppendUint64(b, uint64(m.BidPx))
		b = binary.LittleEndian.AppendUint64(b, uint64(m.AskPx))
		b = binary.LittleEndian.AppendUint32(b, m.BidSz)
		b = binary.LittleEndian.AppendUint32(b, m.AskSz)
		b = append(b, m.Flags)
		return binary.LittleEndian.AppendUint32(b, m.Sequence), nil
	case *MboMsg:
		b := appendHeader(nil, m.Header)
		b = binary.LittleEndian.AppendUint64(b, m.OrderID)
		b = binary.LittleEndian.AppendUint64(b, uint64(m.Price))
		b = binary.LittleEndian.AppendUint32(b, m.Size)
		b = append(b, m.Action, m.Side, m.Flags)
		return binary.LittleEndian.AppendUint32(b, m.Sequence), nil
	case *OhlcvMsg:
		b := appendHeader(nil, m.Header)
		b = binary.LittleEndian.AppendUint64(b, uint64(m.Open))
		b = binary.LittleEndian.AppendUint64(b, uint64(m.High))
		b = binary.LittleEndian.AppendUint64(b, uint64(m.Low))
		b = binary.LittleEndian.AppendUint64(b, uint64(m.Close))
		return binary.LittleEndian.AppendUint64(b, m.Volume), nil
	case *StatusMsg:
		b := appendHeader(nil, m.Header)
		b = binary.LittleEndian.AppendUint16(b, m.Action)
		b = binary.LittleEndian.AppendUint16(b, m.Reason)
		b = binary.LittleEndian.AppendUint16(b, m.TradingEvent)
		return append(b, m.IsTrading, m.IsQuoting, m.IsShortSellRestricted), nil
	case *InstrumentDefMsg:
		b := appendHeader(nil, m.Header)
		b = appendCstr(b, m.RawSymbol, SymbolCstrLen)
		b = appendCstr(b, m.Exchange, ExchangeCstrLen)
		b = binary.LittleEndian.AppendUint64(b, uint64(m.MinPriceIncrement))
		b = binary.LittleEndian.AppendUint64(b, uint64(m.DisplayFactor))
		b = binary.LittleEndian.AppendUint64(b, m.Expiration)
		b = binary.LittleEndian.AppendUint64(b, m.Activation)
		return append(b, m.InstrumentClass), nil
	case *ImbalanceMsg:
		b := appendHeader(nil, m.Header)
		b = binary.LittleEndian.AppendUint64(b, uint64(m.RefPrice))
		b = binary.LittleEndian.AppendUint32(b, m.PairedQty)
		b = binary.LittleEndian.AppendUint32(b, m.TotalImbalanceQty)
		return append(b, m.AuctionType, m.Side, m.SignificantImbalance), nil
	case *StatMsg:
		b := appendHeader(nil, m.Header)
		b = binary.LittleEndian.AppendUint64(b, m.TsRef)
		b = binary.LittleEndian.AppendUint64(b, uint64(m.Price))
		b = binary.LittleEndian.AppendUint64(b, uint64(m.Quantity))
		b = binary.LittleEndian.AppendUint32(b, m.Sequence)
		b = binary.LittleEndian.AppendUint16(b, m.StatType)
		return append(b, m.StatFlags), nil
	case *ErrorMsg:
		b := appendHeader(nil, m.Header)
		return appendCstr(b, m.Err, TextCstrLen), nil
	case *SystemMsg:
		b := appendHeader(nil, m.Header)
		return appendCstr(b, m.Msg, TextCstrLen), nil
	case *SymbolMappingMsg:
		b := appendHeader(nil, m.Header)
		b = appendCstr(b, m.STypeInSymbol, SymbolCstrLen)
		return appendCstr(b, m.STypeOutSymbol, SymbolCstrLen), nil
	default:
		return nil, errs.New("dbn/encoder", errs.CodeInvalid,
			errs.WithMessage("unsupported record type"))
	}
}
