package dbn

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/solentix/feedmux/errs"
)

const scope = "dbn/decoder"

// recordPrefixLen is the big-endian length prefix in front of every record.
const recordPrefixLen = 2

// FrameDecoder reads the metadata frame and the length-prefixed records that
// follow it. It tolerates arbitrary partial reads: bytes already buffered
// survive a failed or timed-out Read, and the next call resumes exactly where
// the previous one stopped, so a record split across any number of reads
// decodes identically to one delivered whole.
type FrameDecoder struct {
	r       io.Reader
	upgrade UpgradePolicy
	meta    *Metadata

	buf    []byte
	start  int
	end    int
	offset int64
}

// DecoderOption configures a FrameDecoder.
type DecoderOption func(*FrameDecoder)

// WithUpgradePolicy sets how records from older wire versions are decoded.
func WithUpgradePolicy(p UpgradePolicy) DecoderOption {
	return func(d *FrameDecoder) { d.upgrade = p }
}

// NewFrameDecoder wraps r. DecodeMetadata must succeed before the first
// DecodeNext call.
func NewFrameDecoder(r io.Reader, opts ...DecoderOption) *FrameDecoder {
	d := &FrameDecoder{
		r:       r,
		upgrade: UpgradeToCurrent,
		meta:    nil,
		buf:     make([]byte, 0, 4096),
		start:   0,
		end:     0,
		offset:  0,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Metadata returns the decoded metadata frame, or nil before DecodeMetadata.
func (d *FrameDecoder) Metadata() *Metadata {
	return d.meta
}

// DecodeMetadata reads and parses the metadata frame. Calling it a second
// time is a protocol misuse error.
func (d *FrameDecoder) DecodeMetadata() (*Metadata, error) {
	if d.meta != nil {
		return nil, errs.New(scope, errs.CodeProtocol,
			errs.WithMessage("metadata already decoded"))
	}
	prefix, err := d.peek(metadataPrefixLen)
	if err != nil {
		return nil, d.readErr(err, "reading metadata prefix")
	}
	if prefix[0] != metadataMagic[0] || prefix[1] != metadataMagic[1] || prefix[2] != metadataMagic[2] {
		return nil, errs.New(scope, errs.CodeDecode,
			errs.WithMessage("bad metadata magic"),
			errs.WithOffset(d.offset))
	}
	version := prefix[3]
	if version == 0 || version > Version {
		return nil, errs.New(scope, errs.CodeDecode,
			errs.WithMessage("unsupported wire version"),
			errs.WithOffset(d.offset))
	}
	length := int(binary.BigEndian.Uint32(prefix[4:8]))
	if length > maxMetadataLen {
		return nil, errs.New(scope, errs.CodeDecode,
			errs.WithMessage("metadata length exceeds limit"),
			errs.WithOffset(d.offset))
	}
	frame, err := d.peek(metadataPrefixLen + length)
	if err != nil {
		return nil, d.readErr(err, "reading metadata payload")
	}
	meta, err := parseMetadata(version, frame[metadataPrefixLen:])
	if err != nil {
		return nil, err
	}
	d.consume(metadataPrefixLen + length)
	d.meta = meta
	return meta, nil
}

// DecodeNext reads the next record. It returns (nil, nil) on a clean end of
// stream at a frame boundary; an end of stream inside a frame is a decode
// error carrying the stream offset.
func (d *FrameDecoder) DecodeNext() (*Record, error) {
	if d.meta == nil {
		return nil, errs.New(scope, errs.CodeNotStarted,
			errs.WithMessage("metadata not yet decoded"))
	}
	prefix, err := d.peek(recordPrefixLen)
	if err != nil {
		if errors.Is(err, io.EOF) && d.end == d.start {
			return nil, nil
		}
		return nil, d.readErr(err, "reading record length")
	}
	length := int(binary.BigEndian.Uint16(prefix))
	minLen := headerLen
	if d.meta.TsOut {
		minLen += tsOutLen
	}
	if length < minLen {
		return nil, errs.New(scope, errs.CodeDecode,
			errs.WithMessage("record shorter than header"),
			errs.WithOffset(d.offset))
	}
	frame, err := d.peek(recordPrefixLen + length)
	if err != nil {
		return nil, d.readErr(err, "reading record body")
	}
	body := make([]byte, length)
	copy(body, frame[recordPrefixLen:])
	d.consume(recordPrefixLen + length)

	rec := &Record{
		Header:  decodeHeader(body),
		version: d.meta.Version,
		body:    body,
		tsOut:   -1,
	}
	if d.meta.TsOut {
		tail := body[length-tsOutLen:]
		rec.tsOut = int64(binary.LittleEndian.Uint64(tail))
		rec.body = body[:length-tsOutLen]
	}
	if d.upgrade == UpgradeToCurrent && rec.version < Version {
		rec.body = upgradeBody(rec.Header.RType, rec.body)
		rec.version = Version
	}
	return rec, nil
}

// Offset returns the count of stream bytes fully consumed so far.
func (d *FrameDecoder) Offset() int64 {
	return d.offset
}

// peek ensures n unread bytes are buffered and returns them without
// consuming. Partial progress is kept across failed reads.
func (d *FrameDecoder) peek(n int) ([]byte, error) {
	for d.end-d.start < n {
		if d.start > 0 && len(d.buf)-d.start < n {
			copy(d.buf, d.buf[d.start:d.end])
			d.end -= d.start
			d.start = 0
		}
		if len(d.buf) < d.start+n {
			grown := make([]byte, d.start+n+4096)
			copy(grown, d.buf[:d.end])
			d.buf = grown
		}
		read, err := d.r.Read(d.buf[d.end:])
		d.end += read
		if err != nil && d.end-d.start < n {
			return nil, err
		}
	}
	return d.buf[d.start : d.start+n], nil
}

func (d *FrameDecoder) consume(n int) {
	d.start += n
	d.offset += int64(n)
}

func (d *FrameDecoder) readErr(err error, context string) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return errs.New(scope, errs.CodeDecode,
			errs.WithMessage("stream ended mid-frame"),
			errs.WithOffset(d.offset),
			errs.WithCause(err))
	}
	return errs.New(scope, errs.CodeNetwork,
		errs.WithMessage(context),
		errs.WithOffset(d.offset),
		errs.WithCause(err))
}

// tsOutLen is the size of the optional send-timestamp trailer.
const tsOutLen = 8

// Record is one decoded record frame. The typed accessors parse the body on
// demand so callers pay only for the record kinds they handle.
type Record struct {
	Header  Header
	version uint8
	body    []byte
	tsOut   int64
}

// TsOut returns the gateway send timestamp trailer when the session
// requested it.
func (r *Record) TsOut() (uint64, bool) {
	if r.tsOut < 0 {
		return 0, false
	}
	return uint64(r.tsOut), true
}

// Version is the wire version the record body is laid out as, after any
// upgrade.
func (r *Record) Version() uint8 {
	return r.version
}

func (r *Record) payload() []byte {
	return r.body[headerLen:]
}

func (r *Record) short() error {
	return errs.New(scope, errs.CodeDecode,
		errs.WithMessage("record body too short for rtype"))
}

func (r *Record) symbolLen() int {
	if r.version < Version {
		return SymbolCstrLenV1
	}
	return SymbolCstrLen
}

// Trade parses an mbp-0 record body.
func (r *Record) Trade() (*TradeMsg, error) {
	p := r.payload()
	if len(p) < 28 {
		return nil, r.short()
	}
	return &TradeMsg{
		Header:   r.Header,
		Price:    int64(binary.LittleEndian.Uint64(p[0:8])),
		Size:     binary.LittleEndian.Uint32(p[8:12]),
		Action:   p[12],
		Side:     p[13],
		Depth:    p[14],
		Flags:    p[15],
		TsRecv:   binary.LittleEndian.Uint64(p[16:24]),
		Sequence: binary.LittleEndian.Uint32(p[24:28]),
	}, nil
}

// Quote parses an mbp-1 record body.
func (r *Record) Quote() (*QuoteMsg, error) {
	p := r.payload()
	if len(p) < 29 {
		return nil, r.short()
	}
	return &QuoteMsg{
		Header:   r.Header,
		BidPx:    int64(binary.LittleEndian.Uint64(p[0:8])),
		AskPx:    int64(binary.LittleEndian.Uint64(p[8:16])),
		BidSz:    binary.LittleEndian.Uint32(p[16:20]),
		AskSz:    binary.LittleEndian.Uint32(p[20:24]),
		Flags:    p[24],
		Sequence: binary.LittleEndian.Uint32(p[25:29]),
	}, nil
}

// Mbo parses a full-depth book event body.
func (r *Record) Mbo() (*MboMsg, error) {
	p := r.payload()
	if len(p) < 27 {
		return nil, r.short()
	}
	return &MboMsg{
		Header:   r.Header,
		OrderID:  binary.LittleEndian.Uint64(p[0:8]),
		Price:    int64(binary.LittleEndian.Uint64(p[8:16])),
		Size:     binary.LittleEndian.Uint32(p[16:20]),
		Action:   p[20],
		Side:     p[21],
		Flags:    p[22],
		Sequence: binary.LittleEndian.Uint32(p[23:27]),
	}, nil
}

// Ohlcv parses a bar record body.
func (r *Record) Ohlcv() (*OhlcvMsg, error) {
	p := r.payload()
	if len(p) < 40 {
		return nil, r.short()
	}
	return &OhlcvMsg{
		Header: r.Header,
		Open:   int64(binary.LittleEndian.Uint64(p[0:8])),
		High:   int64(binary.LittleEndian.Uint64(p[8:16])),
		Low:    int64(binary.LittleEndian.Uint64(p[16:24])),
		Close:  int64(binary.LittleEndian.Uint64(p[24:32])),
		Volume: binary.LittleEndian.Uint64(p[32:40]),
	}, nil
}

// Status parses a trading status body.
func (r *Record) Status() (*StatusMsg, error) {
	p := r.payload()
	if len(p) < 9 {
		return nil, r.short()
	}
	return &StatusMsg{
		Header:                r.Header,
		Action:                binary.LittleEndian.Uint16(p[0:2]),
		Reason:                binary.LittleEndian.Uint16(p[2:4]),
		TradingEvent:          binary.LittleEndian.Uint16(p[4:6]),
		IsTrading:             p[6],
		IsQuoting:             p[7],
		IsShortSellRestricted: p[8],
	}, nil
}

// InstrumentDef parses an instrument definition body.
func (r *Record) InstrumentDef() (*InstrumentDefMsg, error) {
	p := r.payload()
	symLen := r.symbolLen()
	fixed := symLen + ExchangeCstrLen + 8 + 8 + 8 + 8 + 1
	if len(p) < fixed {
		return nil, r.short()
	}
	off := 0
	rawSymbol := cstr(p[off : off+symLen])
	off += symLen
	exchange := cstr(p[off : off+ExchangeCstrLen])
	off += ExchangeCstrLen
	msg := &InstrumentDefMsg{
		Header:            r.Header,
		RawSymbol:         rawSymbol,
		Exchange:          exchange,
		MinPriceIncrement: int64(binary.LittleEndian.Uint64(p[off : off+8])),
		DisplayFactor:     int64(binary.LittleEndian.Uint64(p[off+8 : off+16])),
		Expiration:        binary.LittleEndian.Uint64(p[off+16 : off+24]),
		Activation:        binary.LittleEndian.Uint64(p[off+24 : off+32]),
		InstrumentClass:   p[off+32],
	}
	return msg, nil
}

// Imbalance parses an auction imbalance body.
func (r *Record) Imbalance() (*ImbalanceMsg, error) {
	p := r.payload()
	if len(p) < 19 {
		return nil, r.short()
	}
	return &ImbalanceMsg{
		Header:               r.Header,
		RefPrice:             int64(binary.LittleEndian.Uint64(p[0:8])),
		PairedQty:            binary.LittleEndian.Uint32(p[8:12]),
		TotalImbalanceQty:    binary.LittleEndian.Uint32(p[12:16]),
		AuctionType:          p[16],
		Side:                 p[17],
		SignificantImbalance: p[18],
	}, nil
}

// Stat parses a venue statistics body.
func (r *Record) Stat() (*StatMsg, error) {
	p := r.payload()
	if len(p) < 31 {
		return nil, r.short()
	}
	return &StatMsg{
		Header:    r.Header,
		TsRef:     binary.LittleEndian.Uint64(p[0:8]),
		Price:     int64(binary.LittleEndian.Uint64(p[8:16])),
		Quantity:  int64(binary.LittleEndian.Uint64(p[16:24])),
		Sequence:  binary.LittleEndian.Uint32(p[24:28]),
		StatType:  binary.LittleEndian.Uint16(p[28:30]),
		StatFlags: p[30],
	}, nil
}

// ErrMsg parses a gateway error notice body.
func (r *Record) ErrMsg() (*ErrorMsg, error) {
	p := r.payload()
	if len(p) < TextCstrLen {
		return nil, r.short()
	}
	return &ErrorMsg{Header: r.Header, Err: cstr(p[:TextCstrLen])}, nil
}

// System parses a gateway system notice body.
func (r *Record) System() (*SystemMsg, error) {
	p := r.payload()
	if len(p) < TextCstrLen {
		return nil, r.short()
	}
	return &SystemMsg{Header: r.Header, Msg: cstr(p[:TextCstrLen])}, nil
}

// SymbolMapping parses a symbol mapping body.
func (r *Record) SymbolMapping() (*SymbolMappingMsg, error) {
	p := r.payload()
	symLen := r.symbolLen()
	if len(p) < 2*symLen {
		return nil, r.short()
	}
	return &SymbolMappingMsg{
		Header:         r.Header,
		STypeInSymbol:  cstr(p[:symLen]),
		STypeOutSymbol: cstr(p[symLen : 2*symLen]),
	}, nil
}

// Decode parses the body into the typed message for the record's rtype.
func (r *Record) Decode() (any, error) {
	switch r.Header.RType {
	case RTypeMbp0:
		return r.Trade()
	case RTypeMbp1:
		return r.Quote()
	case RTypeMbo:
		return r.Mbo()
	case RTypeOhlcv1s, RTypeOhlcv1m, RTypeOhlcv1h, RTypeOhlcv1d:
		return r.Ohlcv()
	case RTypeStatus:
		return r.Status()
	case RTypeInstrumentDef:
		return r.InstrumentDef()
	case RTypeImbalance:
		return r.Imbalance()
	case RTypeStatistics:
		return r.Stat()
	case RTypeError:
		return r.ErrMsg()
	case RTypeSystem:
		return r.System()
	case RTypeSymbolMapping:
		return r.SymbolMapping()
	default:
		return nil, errs.New(scope, errs.CodeDecode,
			errs.WithMessage("unknown rtype"))
	}
}

// upgradeBody rewrites a version 1 body to the current layout. Only rtypes
// with symbol fields changed between versions.
func upgradeBody(rtype RType, body []byte) []byte {
	switch rtype {
	case RTypeInstrumentDef:
		return widenCstrs(body, []int{SymbolCstrLenV1}, []int{SymbolCstrLen})
	case RTypeSymbolMapping:
		return widenCstrs(body,
			[]int{SymbolCstrLenV1, SymbolCstrLenV1},
			[]int{SymbolCstrLen, SymbolCstrLen})
	default:
		return body
	}
}

// widenCstrs rewrites leading fixed-width string fields of the payload to
// new widths, zero-padding, and carries the rest of the body unchanged.
func widenCstrs(body []byte, oldWidths, newWidths []int) []byte {
	if len(body) < headerLen {
		return body
	}
	oldTotal, newTotal := 0, 0
	for i := range oldWidths {
		oldTotal += oldWidths[i]
		newTotal += newWidths[i]
	}
	if len(body) < headerLen+oldTotal {
		return body
	}
	out := make([]byte, 0, len(body)-oldTotal+newTotal)
	out = append(out, body[:headerLen]...)
	src := headerLen
	for i := range oldWidths {
		field := make([]byte, newWidths[i])
		copy(field, body[src:src+oldWidths[i]])
		out = append(out, field...)
		src += oldWidths[i]
	}
	return append(out, body[src:]...)
}
