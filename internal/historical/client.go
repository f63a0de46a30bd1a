// Package historical implements the HTTP range-query client. Responses
// carry the same binary framing as the live stream and run through the same
// decoder.
package historical

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/solentix/feedmux/errs"
	"github.com/solentix/feedmux/internal/dbn"
	"github.com/solentix/feedmux/internal/observability"
	"github.com/solentix/feedmux/internal/schema"
	"github.com/solentix/feedmux/internal/symbology"
)

const scope = "historical"

// Config carries the client's collaborators and pacing.
type Config struct {
	BaseURL              string
	Key                  string
	HTTPClient           *http.Client
	RequestsPerSecond    float64
	Table                *symbology.PublisherTable
	UpgradePolicy        dbn.UpgradePolicy
	BarsTimestampOnClose bool
	Logger               observability.Logger
}

func (c Config) normalize() Config {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = 5
	}
	if c.Logger == nil {
		c.Logger = observability.Log()
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	return c
}

// Client is stateless apart from its HTTP connection pool and request
// pacing; one Client serves all datasets.
type Client struct {
	cfg     Config
	limiter *rate.Limiter
}

// New builds a historical client.
func New(cfg Config) *Client {
	cfg = cfg.normalize()
	return &Client{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
	}
}

// RangeParams describe one range query. PricePrecision sets the decimal
// places used when converting the response's fixed-point prices; zero
// keeps the full wire precision.
type RangeParams struct {
	Dataset        string
	Symbols        []string
	Schema         dbn.Schema
	Start          int64
	End            int64
	Limit          uint64
	PricePrecision int32
}

const maxPricePrecision = 9

func (p RangeParams) validate() error {
	if p.Dataset == "" {
		return errs.New(scope, errs.CodeInvalid,
			errs.WithMessage("dataset is required"))
	}
	if p.PricePrecision < 0 || p.PricePrecision > maxPricePrecision {
		return errs.New(scope, errs.CodeInvalid,
			errs.WithDataset(p.Dataset),
			errs.WithMessage("price precision must be between 0 and 9"))
	}
	if len(p.Symbols) == 0 {
		return errs.New(scope, errs.CodeInvalid,
			errs.WithDataset(p.Dataset), errs.WithMessage("symbols are required"))
	}
	if p.Start <= 0 {
		return errs.New(scope, errs.CodeInvalid,
			errs.WithDataset(p.Dataset), errs.WithMessage("start is required"))
	}
	return checkConsistentSymbology(p.Dataset, p.Symbols)
}

// checkConsistentSymbology rejects symbol lists that mix numeric ids with
// raw tickers; one request must use one symbology type.
func checkConsistentSymbology(dataset string, symbols []string) error {
	want := dbn.InferSType(symbols[:1])
	for _, sym := range symbols[1:] {
		if got := dbn.InferSType([]string{sym}); got != want {
			return errs.New(scope, errs.CodeInvalid,
				errs.WithDataset(dataset),
				errs.WithMessage("all symbols in one request must share a symbology type"))
		}
	}
	return nil
}

// DatasetRange is the served time extent of a dataset.
type DatasetRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// GetDatasetRange queries the served range for a dataset.
func (c *Client) GetDatasetRange(ctx context.Context, dataset string) (DatasetRange, error) {
	if dataset == "" {
		return DatasetRange{}, errs.New(scope, errs.CodeInvalid,
			errs.WithMessage("dataset is required"))
	}
	query := url.Values{"dataset": []string{dataset}}
	resp, err := c.get(ctx, "/v0/metadata.get_dataset_range", query, dataset)
	if err != nil {
		return DatasetRange{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	var out DatasetRange
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return DatasetRange{}, errs.New(scope, errs.CodeDecode,
			errs.WithDataset(dataset),
			errs.WithMessage("parsing dataset range"), errs.WithCause(err))
	}
	return out, nil
}

// GetRange issues one range query and returns the lazily decoded stream.
func (c *Client) GetRange(ctx context.Context, p RangeParams) (*Stream, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	query := url.Values{
		"dataset":  []string{p.Dataset},
		"symbols":  []string{strings.Join(p.Symbols, ",")},
		"schema":   []string{p.Schema.String()},
		"stype_in": []string{dbn.InferSType(p.Symbols).String()},
		"encoding": []string{"dbn"},
		"start":    []string{strconv.FormatInt(p.Start, 10)},
	}
	if p.End > 0 {
		query.Set("end", strconv.FormatInt(p.End, 10))
	}
	if p.Limit > 0 {
		query.Set("limit", strconv.FormatUint(p.Limit, 10))
	}
	if p.PricePrecision > 0 {
		query.Set("price_precision", strconv.FormatInt(int64(p.PricePrecision), 10))
	}
	resp, err := c.get(ctx, "/v0/timeseries.get_range", query, p.Dataset)
	if err != nil {
		return nil, err
	}

	dec := dbn.NewFrameDecoder(resp.Body, dbn.WithUpgradePolicy(c.cfg.UpgradePolicy))
	meta, err := dec.DecodeMetadata()
	if err != nil {
		_ = resp.Body.Close()
		return nil, err
	}
	translator := schema.NewTranslator(p.Dataset, c.cfg.Table, nil)
	translator.BarsTimestampOnClose = c.cfg.BarsTimestampOnClose
	translator.Logger = c.cfg.Logger
	precision := p.PricePrecision
	if precision == 0 {
		precision = maxPricePrecision
	}
	return &Stream{
		body:       resp.Body,
		dec:        dec,
		translator: translator,
		meta:       meta,
		precision:  precision,
	}, nil
}

// GetRangeTrades queries trade ticks.
func (c *Client) GetRangeTrades(ctx context.Context, p RangeParams) (*Stream, error) {
	p.Schema = dbn.SchemaTrades
	return c.GetRange(ctx, p)
}

// GetRangeQuotes queries top-of-book updates.
func (c *Client) GetRangeQuotes(ctx context.Context, p RangeParams) (*Stream, error) {
	p.Schema = dbn.SchemaMbp1
	return c.GetRange(ctx, p)
}

// GetRangeInstruments queries instrument definitions.
func (c *Client) GetRangeInstruments(ctx context.Context, p RangeParams) (*Stream, error) {
	p.Schema = dbn.SchemaDefinition
	return c.GetRange(ctx, p)
}

// GetRangeBars queries aggregated bars at the given ohlcv schema.
func (c *Client) GetRangeBars(ctx context.Context, p RangeParams, barSchema dbn.Schema) (*Stream, error) {
	switch barSchema {
	case dbn.SchemaOhlcv1s, dbn.SchemaOhlcv1m, dbn.SchemaOhlcv1h, dbn.SchemaOhlcv1d:
	default:
		return nil, errs.New(scope, errs.CodeInvalid,
			errs.WithDataset(p.Dataset),
			errs.WithMessage("bar schema must be one of the ohlcv layouts"))
	}
	p.Schema = barSchema
	return c.GetRange(ctx, p)
}

func (c *Client) get(ctx context.Context, path string, query url.Values, dataset string) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, errs.New(scope, errs.CodeCancelled,
			errs.WithDataset(dataset), errs.WithCause(err))
	}
	requestID := uuid.NewString()
	endpoint := c.cfg.BaseURL + path + "?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errs.New(scope, errs.CodeInvalid,
			errs.WithDataset(dataset),
			errs.WithMessage("building request"), errs.WithCause(err))
	}
	req.SetBasicAuth(c.cfg.Key, "")
	req.Header.Set("X-Request-ID", requestID)

	c.cfg.Logger.Debug("historical request",
		observability.F("path", path),
		observability.F("dataset", dataset),
		observability.F("request_id", requestID))

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, errs.New(scope, errs.CodeNetwork,
			errs.WithDataset(dataset),
			errs.WithMessage("issuing request"), errs.WithCause(err))
	}
	if resp.StatusCode == http.StatusOK {
		return resp, nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
	code := errs.CodeNetwork
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		code = errs.CodeAuth
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		code = errs.CodeInvalid
	}
	return nil, errs.New(scope, code,
		errs.WithDataset(dataset),
		errs.WithMessage(fmt.Sprintf("gateway returned %d: %s",
			resp.StatusCode, strings.TrimSpace(string(body)))))
}

// Stream is one lazily decoded range response. Next decodes records on
// demand; nothing is buffered beyond the decoder's rolling window.
type Stream struct {
	body       io.ReadCloser
	dec        *dbn.FrameDecoder
	translator *schema.Translator
	meta       *dbn.Metadata
	precision  int32
}

// Metadata returns the response's metadata frame.
func (s *Stream) Metadata() *dbn.Metadata {
	return s.meta
}

// DecimalPrice converts a fixed-point wire price from this stream at the
// precision the range was requested with.
func (s *Stream) DecimalPrice(raw int64) decimal.Decimal {
	return dbn.PriceToDecimal(raw, s.precision)
}

// Next returns the next event. ok is false with a nil error at the clean
// end of the response.
func (s *Stream) Next() (evt schema.Event, ok bool, err error) {
	for {
		rec, err := s.dec.DecodeNext()
		if err != nil {
			return schema.Event{}, false, err
		}
		if rec == nil {
			return schema.Event{}, false, nil
		}
		if evt, ok := s.translator.Translate(rec); ok {
			return evt, true, nil
		}
	}
}

// Collect drains the stream into a slice.
func (s *Stream) Collect() ([]schema.Event, error) {
	var out []schema.Event
	for {
		evt, ok, err := s.Next()
		if err != nil {
			return out, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, evt)
	}
}

// Close releases the underlying response body.
func (s *Stream) Close() error {
	return s.body.Close()
}
