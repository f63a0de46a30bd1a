package dbn

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
	"testing/iotest"

	"github.com/shopspring/decimal"

	"github.com/solentix/feedmux/errs"
)

func testMetadata(tsOut bool) *Metadata {
	return &Metadata{
		Version:  Version,
		Dataset:  "GLBX.MDP3",
		Schema:   SchemaNone,
		STypeIn:  STypeRawSymbol,
		STypeOut: STypeInstrumentID,
		TsOut:    tsOut,
		Start:    1_700_000_000_000_000_000,
		End:      0,
		Limit:    0,
		Symbols:  []string{"ESZ6", "NQZ6"},
	}
}

func TestMetadataRoundTrip(t *testing.T) {
	want := testMetadata(true)
	dec := NewFrameDecoder(bytes.NewReader(EncodeMetadata(want)))
	got, err := dec.DecodeMetadata()
	if err != nil {
		t.Fatalf("DecodeMetadata: %v", err)
	}
	if got.Dataset != want.Dataset || got.Schema != want.Schema ||
		got.STypeIn != want.STypeIn || got.STypeOut != want.STypeOut ||
		got.TsOut != want.TsOut || got.Start != want.Start {
		t.Fatalf("metadata mismatch: got %+v want %+v", got, want)
	}
	if len(got.Symbols) != 2 || got.Symbols[0] != "ESZ6" || got.Symbols[1] != "NQZ6" {
		t.Fatalf("symbols mismatch: %v", got.Symbols)
	}
}

func TestDecodeNextBeforeMetadata(t *testing.T) {
	dec := NewFrameDecoder(bytes.NewReader(nil))
	if _, err := dec.DecodeNext(); !errs.Is(err, errs.CodeNotStarted) {
		t.Fatalf("want not-started error, got %v", err)
	}
}

func TestDecodeMetadataTwice(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(EncodeMetadata(testMetadata(false)))
	dec := NewFrameDecoder(&buf)
	if _, err := dec.DecodeMetadata(); err != nil {
		t.Fatalf("first DecodeMetadata: %v", err)
	}
	if _, err := dec.DecodeMetadata(); !errs.Is(err, errs.CodeProtocol) {
		t.Fatalf("want protocol error on second call, got %v", err)
	}
}

func TestRecordRoundTrip(t *testing.T) {
	trade := &TradeMsg{
		Header: Header{
			RType:        RTypeMbp0,
			PublisherID:  1,
			InstrumentID: 42,
			TsEvent:      1_700_000_000_000_000_001,
		},
		Price:    5_850_250_000_000,
		Size:     3,
		Action:   'T',
		Side:     'B',
		Flags:    FlagLast,
		TsRecv:   1_700_000_000_000_000_002,
		Sequence: 7,
	}
	quote := &QuoteMsg{
		Header: Header{RType: RTypeMbp1, PublisherID: 1, InstrumentID: 42, TsEvent: 2},
		BidPx:  5_850_000_000_000,
		AskPx:  5_850_500_000_000,
		BidSz:  10,
		AskSz:  12,
	}

	var buf bytes.Buffer
	enc := NewEncoder(&buf, false)
	if err := enc.EncodeMetadata(testMetadata(false)); err != nil {
		t.Fatalf("EncodeMetadata: %v", err)
	}
	if err := enc.EncodeRecord(trade); err != nil {
		t.Fatalf("EncodeRecord trade: %v", err)
	}
	if err := enc.EncodeRecord(quote); err != nil {
		t.Fatalf("EncodeRecord quote: %v", err)
	}

	dec := NewFrameDecoder(&buf)
	if _, err := dec.DecodeMetadata(); err != nil {
		t.Fatalf("DecodeMetadata: %v", err)
	}
	rec, err := dec.DecodeNext()
	if err != nil {
		t.Fatalf("DecodeNext: %v", err)
	}
	gotTrade, err := rec.Trade()
	if err != nil {
		t.Fatalf("Trade: %v", err)
	}
	if *gotTrade != *trade {
		t.Fatalf("trade mismatch: got %+v want %+v", gotTrade, trade)
	}
	rec, err = dec.DecodeNext()
	if err != nil {
		t.Fatalf("DecodeNext: %v", err)
	}
	gotQuote, err := rec.Quote()
	if err != nil {
		t.Fatalf("Quote: %v", err)
	}
	if *gotQuote != *quote {
		t.Fatalf("quote mismatch: got %+v want %+v", gotQuote, quote)
	}
	rec, err = dec.DecodeNext()
	if err != nil || rec != nil {
		t.Fatalf("want clean end of stream, got rec=%v err=%v", rec, err)
	}
}

func TestPartialReadsDecodeIdentically(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf, true)
	if err := enc.EncodeMetadata(testMetadata(true)); err != nil {
		t.Fatalf("EncodeMetadata: %v", err)
	}
	for i := 0; i < 5; i++ {
		msg := &TradeMsg{
			Header:   Header{RType: RTypeMbp0, PublisherID: 1, InstrumentID: uint32(i), TsEvent: uint64(i)},
			Price:    int64(i) * FixedPriceScale,
			Size:     uint32(i),
			Sequence: uint32(i),
		}
		if err := enc.EncodeRecordTs(msg, uint64(1000+i)); err != nil {
			t.Fatalf("EncodeRecordTs: %v", err)
		}
	}
	stream := buf.Bytes()

	decodeAll := func(dec *FrameDecoder) []TradeMsg {
		t.Helper()
		if _, err := dec.DecodeMetadata(); err != nil {
			t.Fatalf("DecodeMetadata: %v", err)
		}
		var out []TradeMsg
		for {
			rec, err := dec.DecodeNext()
			if err != nil {
				t.Fatalf("DecodeNext: %v", err)
			}
			if rec == nil {
				return out
			}
			if tsOut, ok := rec.TsOut(); !ok || tsOut < 1000 {
				t.Fatalf("missing ts_out trailer: %v %v", tsOut, ok)
			}
			msg, err := rec.Trade()
			if err != nil {
				t.Fatalf("Trade: %v", err)
			}
			out = append(out, *msg)
		}
	}

	whole := decodeAll(NewFrameDecoder(bytes.NewReader(stream)))
	split := decodeAll(NewFrameDecoder(iotest.OneByteReader(bytes.NewReader(stream))))
	if len(whole) != 5 || len(split) != 5 {
		t.Fatalf("record counts: whole=%d split=%d", len(whole), len(split))
	}
	for i := range whole {
		if whole[i] != split[i] {
			t.Fatalf("record %d differs under partial reads: %+v vs %+v", i, whole[i], split[i])
		}
	}
}

func TestTruncatedRecordReportsOffset(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf, false)
	if err := enc.EncodeMetadata(testMetadata(false)); err != nil {
		t.Fatalf("EncodeMetadata: %v", err)
	}
	metaLen := buf.Len()
	if err := enc.EncodeRecord(&OhlcvMsg{Header: Header{RType: RTypeOhlcv1s}}); err != nil {
		t.Fatalf("EncodeRecord: %v", err)
	}
	truncated := buf.Bytes()[:buf.Len()-4]

	dec := NewFrameDecoder(bytes.NewReader(truncated))
	if _, err := dec.DecodeMetadata(); err != nil {
		t.Fatalf("DecodeMetadata: %v", err)
	}
	_, err := dec.DecodeNext()
	if !errs.Is(err, errs.CodeDecode) {
		t.Fatalf("want decode error, got %v", err)
	}
	var e *errs.E
	if !errors.As(err, &e) || e.Offset != int64(metaLen) {
		t.Fatalf("want offset %d in error, got %v", metaLen, err)
	}
}

func TestUpgradeWidensSymbolFields(t *testing.T) {
	// Hand-build a version 1 symbol mapping record with 22-byte symbol
	// fields and check the decoder widens them when upgrading.
	h := Header{RType: RTypeSymbolMapping, PublisherID: 1, InstrumentID: 9, TsEvent: 5}
	body := appendHeader(nil, h)
	body = appendCstr(body, "ESZ6", SymbolCstrLenV1)
	body = appendCstr(body, "9", SymbolCstrLenV1)
	frame := binary.BigEndian.AppendUint16(nil, uint16(len(body)))
	frame = append(frame, body...)

	meta := testMetadata(false)
	meta.Version = 1
	stream := append(EncodeMetadata(meta), frame...)

	dec := NewFrameDecoder(bytes.NewReader(stream), WithUpgradePolicy(UpgradeToCurrent))
	if _, err := dec.DecodeMetadata(); err != nil {
		t.Fatalf("DecodeMetadata: %v", err)
	}
	rec, err := dec.DecodeNext()
	if err != nil {
		t.Fatalf("DecodeNext: %v", err)
	}
	if rec.Version() != Version {
		t.Fatalf("record not upgraded: version %d", rec.Version())
	}
	mapping, err := rec.SymbolMapping()
	if err != nil {
		t.Fatalf("SymbolMapping: %v", err)
	}
	if mapping.STypeInSymbol != "ESZ6" || mapping.STypeOutSymbol != "9" {
		t.Fatalf("mapping mismatch: %+v", mapping)
	}

	asIs := NewFrameDecoder(bytes.NewReader(stream), WithUpgradePolicy(UpgradeAsIs))
	if _, err := asIs.DecodeMetadata(); err != nil {
		t.Fatalf("DecodeMetadata: %v", err)
	}
	rec, err = asIs.DecodeNext()
	if err != nil {
		t.Fatalf("DecodeNext: %v", err)
	}
	if rec.Version() != 1 {
		t.Fatalf("as-is record rewritten: version %d", rec.Version())
	}
	mapping, err = rec.SymbolMapping()
	if err != nil {
		t.Fatalf("SymbolMapping v1: %v", err)
	}
	if mapping.STypeInSymbol != "ESZ6" {
		t.Fatalf("v1 mapping mismatch: %+v", mapping)
	}
}

func TestPriceConversion(t *testing.T) {
	d := PriceToDecimal(5_850_250_000_000, 2)
	if d.String() != "5850.25" {
		t.Fatalf("PriceToDecimal: got %s", d.String())
	}
	if !PriceToDecimal(UndefPrice, 2).Equal(decimal.Zero) {
		t.Fatalf("undefined price should convert to zero")
	}
	if got := PriceFromDecimal(decimal.RequireFromString("1.5")); got != 1_500_000_000 {
		t.Fatalf("PriceFromDecimal: got %d", got)
	}
}

func TestSchemaAndSTypeParsing(t *testing.T) {
	s, err := ParseSchema("trades")
	if err != nil || s != SchemaTrades {
		t.Fatalf("ParseSchema trades: %v %v", s, err)
	}
	if _, err := ParseSchema("bogus"); err == nil {
		t.Fatalf("ParseSchema should reject unknown names")
	}
	if got := InferSType([]string{"12", "345"}); got != STypeInstrumentID {
		t.Fatalf("InferSType numeric: %v", got)
	}
	if got := InferSType([]string{"ESZ6", "345"}); got != STypeRawSymbol {
		t.Fatalf("InferSType mixed: %v", got)
	}
}
