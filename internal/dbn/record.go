// Package dbn implements the upstream binary record format shared by the
// live gateway stream and historical API responses: a metadata header
// followed by length-prefixed typed records.
package dbn

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/shopspring/decimal"
)

// Version is the current wire format version produced by the gateway.
const Version uint8 = 2

// UndefPrice marks an unset fixed-point price field.
const UndefPrice int64 = math.MaxInt64

// FixedPriceScale is the number of fixed-point units per whole price unit.
// All wire prices are 1e-9 fixed-point integers.
const FixedPriceScale int64 = 1_000_000_000

// Symbol field widths. Version 1 carried narrower symbol fields; the decoder
// widens them on read when the upgrade policy requests it.
const (
	SymbolCstrLen   = 32
	SymbolCstrLenV1 = 22
	ExchangeCstrLen = 5
	TextCstrLen     = 64
)

// RType tags the layout of one record body.
type RType uint8

const (
	// RTypeMbp0 is a trade tick (market-by-price depth 0).
	RTypeMbp0 RType = 0x00
	// RTypeMbp1 is a top-of-book quote update.
	RTypeMbp1 RType = 0x01
	// RTypeStatus is an instrument trading status change.
	RTypeStatus RType = 0x12
	// RTypeInstrumentDef is an instrument definition.
	RTypeInstrumentDef RType = 0x13
	// RTypeImbalance is an auction imbalance update.
	RTypeImbalance RType = 0x14
	// RTypeStatistics is a venue statistics update.
	RTypeStatistics RType = 0x15
	// RTypeError is a gateway error notice.
	RTypeError RType = 0x16
	// RTypeSymbolMapping maps an upstream numeric instrument id to a symbol.
	RTypeSymbolMapping RType = 0x17
	// RTypeSystem is a gateway system or heartbeat notice.
	RTypeSystem RType = 0x18
	// RTypeOhlcv1s is a one-second bar.
	RTypeOhlcv1s RType = 0x20
	// RTypeOhlcv1m is a one-minute bar.
	RTypeOhlcv1m RType = 0x21
	// RTypeOhlcv1h is a one-hour bar.
	RTypeOhlcv1h RType = 0x22
	// RTypeOhlcv1d is a one-day bar.
	RTypeOhlcv1d RType = 0x23
	// RTypeMbo is a full-depth order book event.
	RTypeMbo RType = 0xA0
)

// BarInterval returns the nanosecond aggregation interval for OHLCV rtypes
// and zero for every other rtype.
func (r RType) BarInterval() uint64 {
	switch r {
	case RTypeOhlcv1s:
		return 1_000_000_000
	case RTypeOhlcv1m:
		return 60_000_000_000
	case RTypeOhlcv1h:
		return 3_600_000_000_000
	case RTypeOhlcv1d:
		return 86_400_000_000_000
	default:
		return 0
	}
}

// headerLen is the fixed size of the record header on the wire.
const headerLen = 1 + 2 + 4 + 8

// Header is the fixed prefix shared by every record body.
type Header struct {
	RType        RType
	PublisherID  uint16
	InstrumentID uint32
	TsEvent      uint64
}

// TradeMsg is a trade tick (rtype mbp-0).
type TradeMsg struct {
	Header
	Price    int64
	Size     uint32
	Action   byte
	Side     byte
	Depth    uint8
	Flags    uint8
	TsRecv   uint64
	Sequence uint32
}

// QuoteMsg is a top-of-book update (rtype mbp-1).
type QuoteMsg struct {
	Header
	BidPx    int64
	AskPx    int64
	BidSz    uint32
	AskSz    uint32
	Flags    uint8
	Sequence uint32
}

// MboMsg is a full-depth book event (rtype mbo).
type MboMsg struct {
	Header
	OrderID  uint64
	Price    int64
	Size     uint32
	Action   byte
	Side     byte
	Flags    uint8
	Sequence uint32
}

// Book event flag bits carried on MboMsg.Flags.
const (
	// FlagLast marks the final event of a book update packet.
	FlagLast uint8 = 1 << 7
	// FlagSnapshot marks events that belong to an initial book snapshot.
	FlagSnapshot uint8 = 1 << 5
)

// OhlcvMsg is an aggregated bar (rtype ohlcv-*).
type OhlcvMsg struct {
	Header
	Open   int64
	High   int64
	Low    int64
	Close  int64
	Volume uint64
}

// StatusMsg is an instrument status change.
type StatusMsg struct {
	Header
	Action                uint16
	Reason                uint16
	TradingEvent          uint16
	IsTrading             byte
	IsQuoting             byte
	IsShortSellRestricted byte
}

// InstrumentDefMsg is an instrument definition.
type InstrumentDefMsg struct {
	Header
	RawSymbol         string
	Exchange          string
	MinPriceIncrement int64
	DisplayFactor     int64
	Expiration        uint64
	Activation        uint64
	InstrumentClass   byte
}

// ImbalanceMsg is an auction imbalance update.
type ImbalanceMsg struct {
	Header
	RefPrice             int64
	PairedQty            uint32
	TotalImbalanceQty    uint32
	AuctionType          byte
	Side                 byte
	SignificantImbalance byte
}

// StatMsg is a venue statistics update.
type StatMsg struct {
	Header
	TsRef     uint64
	Price     int64
	Quantity  int64
	Sequence  uint32
	StatType  uint16
	StatFlags uint8
}

// ErrorMsg is a gateway error notice.
type ErrorMsg struct {
	Header
	Err string
}

// SystemMsg is a gateway system or heartbeat notice.
type SystemMsg struct {
	Header
	Msg string
}

// IsHeartbeat reports whether the system message is a gateway heartbeat.
func (m *SystemMsg) IsHeartbeat() bool {
	return m.Msg == "Heartbeat"
}

// SymbolMappingMsg maps the upstream numeric instrument id in the header to
// a raw symbol for the remainder of the session.
type SymbolMappingMsg struct {
	Header
	STypeInSymbol  string
	STypeOutSymbol string
}

// PriceToDecimal converts a fixed-point wire price to a decimal rounded to
// the given precision. Undefined prices convert to the zero decimal.
func PriceToDecimal(price int64, precision int32) decimal.Decimal {
	if price == UndefPrice {
		return decimal.Zero
	}
	return decimal.New(price, -9).Round(precision)
}

// PriceFromDecimal converts a decimal price to fixed-point wire units.
func PriceFromDecimal(d decimal.Decimal) int64 {
	return d.Mul(decimal.New(FixedPriceScale, 0)).IntPart()
}

func decodeHeader(body []byte) Header {
	return Header{
		RType:        RType(body[0]),
		PublisherID:  binary.LittleEndian.Uint16(body[1:3]),
		InstrumentID: binary.LittleEndian.Uint32(body[3:7]),
		TsEvent:      binary.LittleEndian.Uint64(body[7:15]),
	}
}

func cstr(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
