// Command feedmux streams normalized market data events to stdout. It
// subscribes the requested instruments on the live gateway and prints one
// JSON event per line until interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/goccy/go-json"

	"github.com/solentix/feedmux/config"
	"github.com/solentix/feedmux/internal/dbn"
	"github.com/solentix/feedmux/internal/feed"
	"github.com/solentix/feedmux/internal/historical"
	"github.com/solentix/feedmux/internal/observability"
	"github.com/solentix/feedmux/internal/schema"
	"github.com/solentix/feedmux/internal/sink"
	"github.com/solentix/feedmux/internal/symbology"
	"github.com/solentix/feedmux/internal/telemetry"
)

const (
	loggerPrefix             = "feedmux "
	telemetryShutdownTimeout = 5 * time.Second
)

type flags struct {
	configPath string
	schemaName string
	symbols    string
	start      int64
	snapshot   bool
}

func main() {
	fl := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	stdLog := log.New(os.Stderr, loggerPrefix, log.LstdFlags|log.Lmicroseconds)

	cfg, err := loadSettings(fl.configPath)
	if err != nil {
		stdLog.Fatalf("load config: %v", err)
	}
	if cfg.APIKey == "" {
		stdLog.Fatal("api key required (set FEEDMUX_API_KEY or apiKey in the settings file)")
	}

	logger, err := observability.NewProductionLogger(cfg.LogLevel)
	if err != nil {
		stdLog.Fatalf("initialise logger: %v", err)
	}
	observability.SetLogger(logger)
	defer func() { _ = logger.Sync() }()

	provider, instruments, err := initTelemetry(ctx, cfg)
	if err != nil {
		stdLog.Fatalf("initialise telemetry: %v", err)
	}

	table, err := symbology.LoadPublishers(cfg.PublishersFilepath)
	if err != nil {
		stdLog.Fatalf("load publisher manifest: %v", err)
	}

	snk := sink.NewMemorySink(sink.MemoryConfig{
		Capacity:    cfg.Sink.Capacity,
		Instruments: telemetry.NewInstruments(provider.Meter("feedmux/sink")),
	})

	hist := historical.New(historical.Config{
		BaseURL:              cfg.Historical.BaseURL,
		Key:                  cfg.APIKey,
		RequestsPerSecond:    cfg.Historical.RequestsPerSecond,
		Table:                table,
		BarsTimestampOnClose: cfg.Live.BarsTimestampOnClose,
		Logger:               logger,
	})

	mgr, err := feed.NewManager(feed.ManagerConfig{
		Key:                  cfg.APIKey,
		GatewayAddr:          cfg.Live.GatewayAddr,
		TsOut:                cfg.Live.TsOut,
		HeartbeatInterval:    cfg.Live.HeartbeatIntervalS,
		AuthTimeout:          cfg.Live.AuthTimeout,
		RecordBuffer:         cfg.Live.RecordBuffer,
		ExchangeAsVenue:      cfg.Live.ExchangeAsVenue,
		BarsTimestampOnClose: cfg.Live.BarsTimestampOnClose,
		RequestWorkers:       cfg.Historical.RequestWorkers,
		RequestQueue:         cfg.Historical.RequestQueue,
		Sink:                 snk,
		Table:                table,
		Historical:           hist,
		Instruments:          instruments,
		Logger:               logger,
	})
	if err != nil {
		stdLog.Fatalf("build feed manager: %v", err)
	}
	if err := mgr.Connect(); err != nil {
		stdLog.Fatalf("connect feed manager: %v", err)
	}

	if err := subscribeAll(ctx, mgr, fl); err != nil {
		stdLog.Fatalf("subscribe: %v", err)
	}

	go printEvents(snk)

	stdLog.Print("feedmux started; awaiting shutdown signal")
	<-ctx.Done()
	stdLog.Print("shutdown signal received, initiating graceful shutdown")

	shutdownStart := time.Now()
	if err := mgr.Disconnect(); err != nil {
		stdLog.Printf("disconnect: %v", err)
	}
	snk.Close()

	telemetryCtx, telemetryCancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
	defer telemetryCancel()
	if err := provider.Shutdown(telemetryCtx); err != nil {
		stdLog.Printf("telemetry shutdown: %v", err)
	}
	stdLog.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() flags {
	var fl flags
	flag.StringVar(&fl.configPath, "config", "", "path to the settings file (default: config/feedmux.yaml)")
	flag.StringVar(&fl.schemaName, "schema", "trades", "schema to stream: trades, mbp-1, mbo, status, ohlcv-1s/1m/1h/1d")
	flag.StringVar(&fl.symbols, "symbols", "", "comma-separated SYMBOL.VENUE instruments to subscribe")
	flag.Int64Var(&fl.start, "start", 0, "replay start, nanoseconds since the epoch (0 streams from now)")
	flag.BoolVar(&fl.snapshot, "snapshot", false, "request an initial snapshot (incompatible with -start)")
	flag.Parse()
	return fl
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// loadSettings prefers the settings file but falls back to environment
// overrides when none exists.
func loadSettings(path string) (config.Settings, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		cfg = config.FromEnv()
		return cfg, cfg.Validate()
	}
	return config.Settings{}, err
}

func initTelemetry(ctx context.Context, cfg config.Settings) (*telemetry.Provider, *telemetry.Instruments, error) {
	telemetryCfg := telemetry.DefaultConfig()
	telemetryCfg.Environment = string(cfg.Environment)
	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	return provider, telemetry.NewInstruments(provider.Meter("feedmux/feed")), nil
}

func subscribeAll(ctx context.Context, mgr *feed.Manager, fl flags) error {
	if strings.TrimSpace(fl.symbols) == "" {
		return fmt.Errorf("at least one -symbols instrument required")
	}
	sch, err := dbn.ParseSchema(fl.schemaName)
	if err != nil {
		return err
	}
	for _, raw := range strings.Split(fl.symbols, ",") {
		instrument, ok := symbology.ParseInstrumentID(strings.TrimSpace(raw))
		if !ok {
			return fmt.Errorf("instrument %q must be SYMBOL.VENUE", raw)
		}
		cmd := feed.SubscribeCommand{
			Instrument: instrument,
			Start:      fl.start,
			Snapshot:   fl.snapshot,
		}
		switch sch {
		case dbn.SchemaTrades:
			err = mgr.SubscribeTrades(ctx, cmd)
		case dbn.SchemaMbp1:
			err = mgr.SubscribeQuotes(ctx, cmd)
		case dbn.SchemaMbo:
			err = mgr.SubscribeBookDeltas(ctx, cmd)
		case dbn.SchemaStatus:
			err = mgr.SubscribeInstrumentStatus(ctx, cmd)
		case dbn.SchemaOhlcv1s, dbn.SchemaOhlcv1m, dbn.SchemaOhlcv1h, dbn.SchemaOhlcv1d:
			err = mgr.SubscribeBars(ctx, cmd, sch)
		default:
			return fmt.Errorf("schema %s is not streamable", sch)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func printEvents(snk *sink.MemorySink) {
	enc := json.NewEncoder(os.Stdout)
	for evt := range snk.Events() {
		if evt.Kind == schema.KindClose {
			continue
		}
		if err := enc.Encode(evt); err != nil {
			observability.Log().Error("encode event",
				observability.F("error", err.Error()))
		}
	}
}
