package historical

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/solentix/feedmux/errs"
	"github.com/solentix/feedmux/internal/dbn"
	"github.com/solentix/feedmux/internal/schema"
	"github.com/solentix/feedmux/internal/symbology"
)

const testManifest = `[
  {"publisher_id": 1, "dataset": "XNAS.ITCH", "venue": "XNAS", "description": "Nasdaq"}
]`

func testTable(t *testing.T) *symbology.PublisherTable {
	t.Helper()
	table, err := symbology.ParsePublishers([]byte(testManifest))
	if err != nil {
		t.Fatalf("ParsePublishers: %v", err)
	}
	return table
}

func rangeBody(t *testing.T, records ...any) []byte {
	t.Helper()
	body := dbn.EncodeMetadata(&dbn.Metadata{
		Version:  dbn.Version,
		Dataset:  "XNAS.ITCH",
		Schema:   dbn.SchemaTrades,
		STypeIn:  dbn.STypeRawSymbol,
		STypeOut: dbn.STypeInstrumentID,
	})
	for _, rec := range records {
		frame, err := dbn.MarshalRecord(rec, false, 0)
		if err != nil {
			t.Fatalf("MarshalRecord: %v", err)
		}
		body = append(body, frame...)
	}
	return body
}

func TestGetRangeTradesDecodesStream(t *testing.T) {
	var gotQuery map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v0/timeseries.get_range" {
			t.Errorf("path: %s", r.URL.Path)
		}
		if user, _, ok := r.BasicAuth(); !ok || user != "db-range-key" {
			t.Errorf("basic auth user: %q ok=%v", user, ok)
		}
		if r.Header.Get("X-Request-ID") == "" {
			t.Errorf("missing request id header")
		}
		q := r.URL.Query()
		gotQuery = map[string]string{
			"dataset":         q.Get("dataset"),
			"symbols":         q.Get("symbols"),
			"schema":          q.Get("schema"),
			"stype_in":        q.Get("stype_in"),
			"encoding":        q.Get("encoding"),
			"start":           q.Get("start"),
			"end":             q.Get("end"),
			"limit":           q.Get("limit"),
			"price_precision": q.Get("price_precision"),
		}
		_, _ = w.Write(rangeBody(t,
			&dbn.SymbolMappingMsg{
				Header:         dbn.Header{RType: dbn.RTypeSymbolMapping, PublisherID: 1, InstrumentID: 9},
				STypeInSymbol:  "AAPL",
				STypeOutSymbol: "AAPL",
			},
			&dbn.TradeMsg{
				Header: dbn.Header{RType: dbn.RTypeMbp0, PublisherID: 1, InstrumentID: 9, TsEvent: 100},
				Price:  1234500000,
				Size:   10,
			},
			&dbn.TradeMsg{
				Header: dbn.Header{RType: dbn.RTypeMbp0, PublisherID: 1, InstrumentID: 9, TsEvent: 200},
				Price:  1234600000,
				Size:   4,
			},
		))
	}))
	defer srv.Close()

	client := New(Config{BaseURL: srv.URL, Key: "db-range-key", Table: testTable(t)})
	stream, err := client.GetRangeTrades(context.Background(), RangeParams{
		Dataset: "XNAS.ITCH",
		Symbols: []string{"AAPL", "MSFT"},
		Start:   100,
		End:     200,
		Limit:   1000,

		PricePrecision: 2,
	})
	if err != nil {
		t.Fatalf("GetRangeTrades: %v", err)
	}
	defer func() { _ = stream.Close() }()

	if stream.Metadata().Dataset != "XNAS.ITCH" {
		t.Fatalf("metadata dataset: %q", stream.Metadata().Dataset)
	}
	events, err := stream.Collect()
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("want 2 events, got %d", len(events))
	}
	for _, evt := range events {
		if evt.Kind != schema.KindData {
			t.Fatalf("event kind: %v", evt.Kind)
		}
		if evt.Instrument.Symbol != "AAPL" || evt.Instrument.Venue != "XNAS" {
			t.Fatalf("instrument: %+v", evt.Instrument)
		}
	}
	trade, ok := events[0].Trade()
	if !ok || trade.Size != 10 {
		t.Fatalf("first trade: %+v", trade)
	}
	if got := stream.DecimalPrice(trade.Price).String(); got != "1.23" {
		t.Fatalf("decimal price: %s", got)
	}

	want := map[string]string{
		"dataset":         "XNAS.ITCH",
		"symbols":         "AAPL,MSFT",
		"schema":          "trades",
		"stype_in":        "raw_symbol",
		"encoding":        "dbn",
		"start":           "100",
		"end":             "200",
		"limit":           "1000",
		"price_precision": "2",
	}
	for k, v := range want {
		if gotQuery[k] != v {
			t.Fatalf("query %s: got %q want %q", k, gotQuery[k], v)
		}
	}
}

func TestGetDatasetRange(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v0/metadata.get_dataset_range" {
			t.Errorf("path: %s", r.URL.Path)
		}
		if r.URL.Query().Get("dataset") != "XNAS.ITCH" {
			t.Errorf("dataset: %s", r.URL.Query().Get("dataset"))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"start": "2018-05-01T00:00:00Z", "end": "2026-08-29T00:00:00Z"}`))
	}))
	defer srv.Close()

	client := New(Config{BaseURL: srv.URL, Key: "k"})
	rng, err := client.GetDatasetRange(context.Background(), "XNAS.ITCH")
	if err != nil {
		t.Fatalf("GetDatasetRange: %v", err)
	}
	if rng.Start != "2018-05-01T00:00:00Z" || rng.End != "2026-08-29T00:00:00Z" {
		t.Fatalf("range: %+v", rng)
	}
}

func TestMixedSymbologyRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("request must not reach the server")
	}))
	defer srv.Close()

	client := New(Config{BaseURL: srv.URL, Key: "k"})
	_, err := client.GetRangeTrades(context.Background(), RangeParams{
		Dataset: "XNAS.ITCH",
		Symbols: []string{"AAPL", "12345"},
		Start:   100,
	})
	if !errs.Is(err, errs.CodeInvalid) {
		t.Fatalf("want invalid_request, got %v", err)
	}
}

func TestRangeRequiresStart(t *testing.T) {
	client := New(Config{BaseURL: "http://unused", Key: "k"})
	_, err := client.GetRangeTrades(context.Background(), RangeParams{
		Dataset: "XNAS.ITCH",
		Symbols: []string{"AAPL"},
	})
	if !errs.Is(err, errs.CodeInvalid) {
		t.Fatalf("want invalid_request, got %v", err)
	}
}

func TestRangeRejectsPrecisionOutOfBounds(t *testing.T) {
	client := New(Config{BaseURL: "http://unused", Key: "k"})
	for _, precision := range []int32{-1, 10} {
		_, err := client.GetRangeTrades(context.Background(), RangeParams{
			Dataset: "XNAS.ITCH",
			Symbols: []string{"AAPL"},
			Start:   100,

			PricePrecision: precision,
		})
		if !errs.Is(err, errs.CodeInvalid) {
			t.Fatalf("precision %d: want invalid_request, got %v", precision, err)
		}
	}
}

func TestGetRangeBarsRejectsNonBarSchema(t *testing.T) {
	client := New(Config{BaseURL: "http://unused", Key: "k"})
	_, err := client.GetRangeBars(context.Background(), RangeParams{
		Dataset: "XNAS.ITCH",
		Symbols: []string{"AAPL"},
		Start:   100,
	}, dbn.SchemaTrades)
	if !errs.Is(err, errs.CodeInvalid) {
		t.Fatalf("want invalid_request, got %v", err)
	}
}

func TestStatusCodeMapping(t *testing.T) {
	cases := []struct {
		status int
		code   errs.Code
	}{
		{http.StatusUnauthorized, errs.CodeAuth},
		{http.StatusForbidden, errs.CodeAuth},
		{http.StatusUnprocessableEntity, errs.CodeInvalid},
		{http.StatusInternalServerError, errs.CodeNetwork},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", tc.status)
		}))
		client := New(Config{BaseURL: srv.URL, Key: "k"})
		_, err := client.GetRangeTrades(context.Background(), RangeParams{
			Dataset: "XNAS.ITCH",
			Symbols: []string{"AAPL"},
			Start:   100,
		})
		srv.Close()
		if !errs.Is(err, tc.code) {
			t.Fatalf("status %d: want %s, got %v", tc.status, tc.code, err)
		}
	}
}
