package feed

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/solentix/feedmux/errs"
	"github.com/solentix/feedmux/internal/dbn"
	"github.com/solentix/feedmux/internal/historical"
	"github.com/solentix/feedmux/internal/observability"
	"github.com/solentix/feedmux/internal/schema"
	"github.com/solentix/feedmux/internal/sink"
	"github.com/solentix/feedmux/internal/symbology"
	"github.com/solentix/feedmux/internal/telemetry"
	"github.com/solentix/feedmux/internal/wire"
	"github.com/solentix/feedmux/lib/async"
)

// ManagerConfig assembles the collaborators and session defaults for a
// FeedManager.
type ManagerConfig struct {
	Key                  string
	GatewayAddr          string
	TsOut                bool
	HeartbeatInterval    int
	AuthTimeout          time.Duration
	RecordBuffer         int
	ExchangeAsVenue      bool
	BarsTimestampOnClose bool
	UpgradePolicy        dbn.UpgradePolicy
	RequestWorkers       int
	RequestQueue         int

	Sink        sink.EventSink
	Table       *symbology.PublisherTable
	Historical  *historical.Client
	Instruments *telemetry.Instruments
	Logger      observability.Logger
	Dial        Dialer
}

func (c ManagerConfig) normalize() ManagerConfig {
	if c.RequestWorkers <= 0 {
		c.RequestWorkers = 4
	}
	if c.RequestQueue <= 0 {
		c.RequestQueue = 64
	}
	if c.Logger == nil {
		c.Logger = observability.Log()
	}
	return c
}

// Manager is the public feed surface: it multiplexes consumer subscription
// commands onto lazy per-dataset sessions and services historical range
// requests.
type Manager struct {
	cfg      ManagerConfig
	resolver *symbology.SymbolResolver

	mu        sync.Mutex
	registry  *DatasetRegistry
	pool      *async.Pool
	rootCtx   context.Context
	cancel    context.CancelFunc
	connected atomic.Bool
}

// NewManager builds a manager. No upstream connection is made until a
// subscription needs one.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	cfg = cfg.normalize()
	if cfg.Sink == nil {
		return nil, errs.New("feed/manager", errs.CodeInvalid,
			errs.WithMessage("event sink is required"))
	}
	if cfg.Table == nil {
		return nil, errs.New("feed/manager", errs.CodeInvalid,
			errs.WithMessage("publisher table is required"))
	}
	return &Manager{
		cfg:      cfg,
		resolver: symbology.NewSymbolResolver(),
	}, nil
}

// Connect marks the manager ready. Sessions open lazily on first use, so
// this performs no network activity.
func (m *Manager) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connected.Load() {
		return nil
	}
	pool, err := async.NewPool(m.cfg.RequestWorkers, m.cfg.RequestQueue)
	if err != nil {
		return err
	}
	m.pool = pool
	m.rootCtx, m.cancel = context.WithCancel(context.Background())
	m.registry = NewDatasetRegistry(m.buildSupervisor)
	m.connected.Store(true)
	m.cfg.Logger.Info("feed manager ready")
	return nil
}

func (m *Manager) buildSupervisor(dataset string) *SessionSupervisor {
	return NewSessionSupervisor(SessionConfig{
		Dataset:              dataset,
		Key:                  m.cfg.Key,
		GatewayAddr:          m.cfg.GatewayAddr,
		TsOut:                m.cfg.TsOut,
		HeartbeatInterval:    m.cfg.HeartbeatInterval,
		AuthTimeout:          m.cfg.AuthTimeout,
		RecordBuffer:         m.cfg.RecordBuffer,
		ExchangeAsVenue:      m.cfg.ExchangeAsVenue,
		BarsTimestampOnClose: m.cfg.BarsTimestampOnClose,
		UpgradePolicy:        m.cfg.UpgradePolicy,
		Sink:                 m.cfg.Sink,
		Table:                m.cfg.Table,
		Resolver:             m.resolver,
		Instruments:          m.cfg.Instruments,
		Logger:               m.cfg.Logger,
		Dial:                 m.cfg.Dial,
	})
}

// IsConnected reports whether the manager accepts commands.
func (m *Manager) IsConnected() bool {
	return m.connected.Load()
}

// Disconnect cancels every session, waits for all their tasks to join, and
// clears the registry. Calling it on a disconnected manager is a no-op.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected.Load() {
		return nil
	}
	m.connected.Store(false)
	m.cancel()
	m.registry.BroadcastClose()
	m.registry.Drain()

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	poolErr := m.pool.Shutdown(shutdownCtx)
	m.registry = nil
	m.pool = nil
	m.cfg.Logger.Info("feed manager disconnected")
	return observability.AggregateErrors("feed.disconnect", []error{poolErr})
}

// Dispose is Disconnect; it returns only after every task has joined.
func (m *Manager) Dispose() error {
	return m.Disconnect()
}

// Reset disconnects and discards the live symbol table so the manager can
// be reconnected from a clean slate.
func (m *Manager) Reset() error {
	if err := m.Disconnect(); err != nil {
		return err
	}
	m.mu.Lock()
	m.resolver = symbology.NewSymbolResolver()
	m.mu.Unlock()
	return nil
}

// DatasetForVenue resolves the dataset serving a venue.
func (m *Manager) DatasetForVenue(venue string) (string, error) {
	return m.cfg.Table.DatasetForVenue(venue)
}

// SubscribeCommand is one consumer subscription: a venue-qualified primary
// instrument, optional extra symbols on the same venue, an optional replay
// start, and the snapshot flag.
type SubscribeCommand struct {
	Instrument symbology.InstrumentID
	Symbols    []string
	Start      int64
	Snapshot   bool
}

// SubscribeQuotes subscribes to top-of-book updates.
func (m *Manager) SubscribeQuotes(ctx context.Context, cmd SubscribeCommand) error {
	return m.subscribe(ctx, dbn.SchemaMbp1, cmd)
}

// SubscribeTrades subscribes to trade ticks.
func (m *Manager) SubscribeTrades(ctx context.Context, cmd SubscribeCommand) error {
	return m.subscribe(ctx, dbn.SchemaTrades, cmd)
}

// SubscribeBookDeltas subscribes to full-depth book events.
func (m *Manager) SubscribeBookDeltas(ctx context.Context, cmd SubscribeCommand) error {
	return m.subscribe(ctx, dbn.SchemaMbo, cmd)
}

// SubscribeInstrumentStatus subscribes to trading status changes.
func (m *Manager) SubscribeInstrumentStatus(ctx context.Context, cmd SubscribeCommand) error {
	return m.subscribe(ctx, dbn.SchemaStatus, cmd)
}

// SubscribeBars subscribes to aggregated bars at the given ohlcv schema.
func (m *Manager) SubscribeBars(ctx context.Context, cmd SubscribeCommand, barSchema dbn.Schema) error {
	if barSchema.BarRType() == 0 {
		return errs.New("feed/manager", errs.CodeInvalid,
			errs.WithMessage("bar schema must be one of the ohlcv layouts"))
	}
	return m.subscribe(ctx, barSchema, cmd)
}

func (m *Manager) subscribe(ctx context.Context, sch dbn.Schema, cmd SubscribeCommand) error {
	if !m.connected.Load() {
		return errs.New("feed/manager", errs.CodeUnavailable,
			errs.WithMessage("manager is not connected"))
	}
	symbols := append([]string{m.resolver.Intern(cmd.Instrument)}, cmd.Symbols...)
	sub := &wire.Subscription{
		Schema:   sch,
		STypeIn:  dbn.InferSType(symbols),
		Symbols:  symbols,
		Start:    cmd.Start,
		Snapshot: cmd.Snapshot,
	}
	// Reject bad parameter combinations before any session is opened.
	if err := sub.Validate(); err != nil {
		return err
	}
	dataset, err := m.cfg.Table.DatasetForVenue(cmd.Instrument.Venue)
	if err != nil {
		return err
	}
	m.mu.Lock()
	registry := m.registry
	rootCtx := m.rootCtx
	m.mu.Unlock()
	if registry == nil {
		return errs.New("feed/manager", errs.CodeUnavailable,
			errs.WithMessage("manager is not connected"))
	}
	sup, wasNew, err := registry.GetOrCreate(ctx, dataset)
	if err != nil {
		return err
	}
	if !wasNew {
		return sup.Subscribe(ctx, sub)
	}
	// a freshly created session must make it all the way to running;
	// a partial setup would hand later subscribers a dead stream
	if err := sup.Subscribe(ctx, sub); err != nil {
		sup.Close()
		registry.Evict(dataset, sup)
		return err
	}
	if _, err := sup.Start(ctx); err != nil {
		sup.Close()
		registry.Evict(dataset, sup)
		return err
	}
	sup.Run(rootCtx)
	return nil
}

// UnsubscribeQuotes accepts the command but keeps the subscription; the
// upstream protocol has no granular unsubscribe.
func (m *Manager) UnsubscribeQuotes(ctx context.Context, cmd SubscribeCommand) error {
	return m.unsubscribe(ctx, dbn.SchemaMbp1, cmd)
}

// UnsubscribeTrades accepts the command but keeps the subscription.
func (m *Manager) UnsubscribeTrades(ctx context.Context, cmd SubscribeCommand) error {
	return m.unsubscribe(ctx, dbn.SchemaTrades, cmd)
}

// UnsubscribeBookDeltas accepts the command but keeps the subscription.
func (m *Manager) UnsubscribeBookDeltas(ctx context.Context, cmd SubscribeCommand) error {
	return m.unsubscribe(ctx, dbn.SchemaMbo, cmd)
}

// UnsubscribeInstrumentStatus accepts the command but keeps the
// subscription.
func (m *Manager) UnsubscribeInstrumentStatus(ctx context.Context, cmd SubscribeCommand) error {
	return m.unsubscribe(ctx, dbn.SchemaStatus, cmd)
}

func (m *Manager) unsubscribe(_ context.Context, sch dbn.Schema, cmd SubscribeCommand) error {
	m.cfg.Logger.Warn("upstream protocol does not support granular unsubscribe, subscription retained",
		observability.F("schema", sch.String()),
		observability.F("instrument", cmd.Instrument.String()))
	return nil
}

// RangeRequest is one historical query. Dataset is resolved from Venue when
// empty.
type RangeRequest struct {
	Dataset        string
	Venue          string
	Symbols        []string
	Start          int64
	End            int64
	Limit          uint64
	PricePrecision int32
	BarSchema      dbn.Schema
}

// RequestInstruments fetches instrument definitions for the range.
func (m *Manager) RequestInstruments(ctx context.Context, req RangeRequest) ([]schema.Event, error) {
	return m.request(ctx, req, func(ctx context.Context, p historical.RangeParams) (*historical.Stream, error) {
		return m.cfg.Historical.GetRangeInstruments(ctx, p)
	})
}

// RequestQuotes fetches top-of-book updates for the range.
func (m *Manager) RequestQuotes(ctx context.Context, req RangeRequest) ([]schema.Event, error) {
	return m.request(ctx, req, func(ctx context.Context, p historical.RangeParams) (*historical.Stream, error) {
		return m.cfg.Historical.GetRangeQuotes(ctx, p)
	})
}

// RequestTrades fetches trade ticks for the range.
func (m *Manager) RequestTrades(ctx context.Context, req RangeRequest) ([]schema.Event, error) {
	return m.request(ctx, req, func(ctx context.Context, p historical.RangeParams) (*historical.Stream, error) {
		return m.cfg.Historical.GetRangeTrades(ctx, p)
	})
}

// RequestBars fetches aggregated bars for the range at req.BarSchema.
func (m *Manager) RequestBars(ctx context.Context, req RangeRequest) ([]schema.Event, error) {
	return m.request(ctx, req, func(ctx context.Context, p historical.RangeParams) (*historical.Stream, error) {
		return m.cfg.Historical.GetRangeBars(ctx, p, req.BarSchema)
	})
}

type rangeOpener func(ctx context.Context, p historical.RangeParams) (*historical.Stream, error)

// request dispatches one historical query on the bounded worker pool and
// waits for its outcome.
func (m *Manager) request(ctx context.Context, req RangeRequest, open rangeOpener) ([]schema.Event, error) {
	if !m.connected.Load() {
		return nil, errs.New("feed/manager", errs.CodeUnavailable,
			errs.WithMessage("manager is not connected"))
	}
	if m.cfg.Historical == nil {
		return nil, errs.New("feed/manager", errs.CodeUnavailable,
			errs.WithMessage("no historical client configured"))
	}
	dataset := req.Dataset
	if dataset == "" {
		resolved, err := m.cfg.Table.DatasetForVenue(req.Venue)
		if err != nil {
			return nil, err
		}
		dataset = resolved
	}
	params := historical.RangeParams{
		Dataset:        dataset,
		Symbols:        req.Symbols,
		Start:          req.Start,
		End:            req.End,
		Limit:          req.Limit,
		PricePrecision: req.PricePrecision,
	}

	type outcome struct {
		events []schema.Event
		err    error
	}
	done := make(chan outcome, 1)
	m.mu.Lock()
	pool := m.pool
	m.mu.Unlock()
	if pool == nil {
		return nil, errs.New("feed/manager", errs.CodeUnavailable,
			errs.WithMessage("manager is not connected"))
	}
	err := pool.Submit(ctx, func(taskCtx context.Context) error {
		stream, err := open(taskCtx, params)
		if err != nil {
			done <- outcome{err: err}
			return err
		}
		defer func() { _ = stream.Close() }()
		events, err := stream.Collect()
		done <- outcome{events: events, err: err}
		return err
	})
	if err != nil {
		return nil, err
	}
	select {
	case out := <-done:
		return out.events, out.err
	case <-ctx.Done():
		return nil, errs.New("feed/manager", errs.CodeCancelled,
			errs.WithDataset(dataset), errs.WithCause(ctx.Err()))
	}
}

// Sessions exposes the live supervisors, primarily for shutdown checks.
func (m *Manager) Sessions() []*SessionSupervisor {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.registry == nil {
		return nil
	}
	return m.registry.Sessions()
}
