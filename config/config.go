// Package config centralises runtime configuration for the feedmux
// services.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment identifies the runtime environment where feedmux operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// LiveSettings configure the streaming gateway sessions.
type LiveSettings struct {
	GatewayAddr          string        `yaml:"gatewayAddr"`
	TsOut                bool          `yaml:"tsOut"`
	HeartbeatIntervalS   int           `yaml:"heartbeatIntervalS"`
	AuthTimeout          time.Duration `yaml:"authTimeout"`
	RecordBuffer         int           `yaml:"recordBuffer"`
	ExchangeAsVenue      bool          `yaml:"exchangeAsVenue"`
	BarsTimestampOnClose bool          `yaml:"barsTimestampOnClose"`
}

// HistoricalSettings configure the HTTP range-query client.
type HistoricalSettings struct {
	BaseURL           string  `yaml:"baseUrl"`
	RequestsPerSecond float64 `yaml:"requestsPerSecond"`
	RequestWorkers    int     `yaml:"requestWorkers"`
	RequestQueue      int     `yaml:"requestQueue"`
}

// SinkSettings configure the in-process event queue.
type SinkSettings struct {
	Capacity int `yaml:"capacity"`
}

// Settings contains the feedmux configuration tree loaded from defaults
// and overrides.
type Settings struct {
	Environment        Environment        `yaml:"environment"`
	APIKey             string             `yaml:"apiKey"`
	PublishersFilepath string             `yaml:"publishersFilepath"`
	LogLevel           string             `yaml:"logLevel"`
	Live               LiveSettings       `yaml:"live"`
	Historical         HistoricalSettings `yaml:"historical"`
	Sink               SinkSettings       `yaml:"sink"`
}

// Default returns the default feedmux configuration.
func Default() Settings {
	return Settings{
		Environment:        EnvProd,
		PublishersFilepath: "config/publishers.json",
		LogLevel:           "info",
		Live: LiveSettings{
			GatewayAddr:          "glbx-mdp3.lsg.databento.com:13000",
			TsOut:                false,
			HeartbeatIntervalS:   0,
			AuthTimeout:          5 * time.Second,
			RecordBuffer:         1000,
			ExchangeAsVenue:      false,
			BarsTimestampOnClose: true,
		},
		Historical: HistoricalSettings{
			BaseURL:           "https://hist.databento.com",
			RequestsPerSecond: 5,
			RequestWorkers:    4,
			RequestQueue:      64,
		},
		Sink: SinkSettings{Capacity: 1024},
	}
}

// FromEnv loads configuration values from environment variables, overriding
// defaults.
func FromEnv() Settings {
	cfg := Default()
	if v := strings.TrimSpace(os.Getenv("FEEDMUX_ENV")); v != "" {
		cfg.Environment = Environment(strings.ToLower(v))
	}
	if v := strings.TrimSpace(os.Getenv("FEEDMUX_API_KEY")); v != "" {
		cfg.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("FEEDMUX_PUBLISHERS_FILE")); v != "" {
		cfg.PublishersFilepath = v
	}
	if v := strings.TrimSpace(os.Getenv("FEEDMUX_LOG_LEVEL")); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv("FEEDMUX_GATEWAY_ADDR")); v != "" {
		cfg.Live.GatewayAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("FEEDMUX_TS_OUT")); v != "" {
		cfg.Live.TsOut = v == "1" || strings.EqualFold(v, "true")
	}
	if v := strings.TrimSpace(os.Getenv("FEEDMUX_HEARTBEAT_INTERVAL_S")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Live.HeartbeatIntervalS = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("FEEDMUX_AUTH_TIMEOUT")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			cfg.Live.AuthTimeout = dur
		}
	}
	if v := strings.TrimSpace(os.Getenv("FEEDMUX_RECORD_BUFFER")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Live.RecordBuffer = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("FEEDMUX_EXCHANGE_AS_VENUE")); v != "" {
		cfg.Live.ExchangeAsVenue = v == "1" || strings.EqualFold(v, "true")
	}
	if v := strings.TrimSpace(os.Getenv("FEEDMUX_BARS_TS_ON_CLOSE")); v != "" {
		cfg.Live.BarsTimestampOnClose = v == "1" || strings.EqualFold(v, "true")
	}
	if v := strings.TrimSpace(os.Getenv("FEEDMUX_HISTORICAL_URL")); v != "" {
		cfg.Historical.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("FEEDMUX_HISTORICAL_RPS")); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.Historical.RequestsPerSecond = f
		}
	}
	if v := strings.TrimSpace(os.Getenv("FEEDMUX_REQUEST_WORKERS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Historical.RequestWorkers = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("FEEDMUX_SINK_CAPACITY")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Sink.Capacity = n
		}
	}
	return cfg
}

// Option mutates Settings when applied via Apply.
type Option func(*Settings)

// Apply applies the provided Option set to a copy of the base Settings.
func Apply(base Settings, opts ...Option) Settings {
	cfg := base
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}

// WithEnvironment configures the top-level environment.
func WithEnvironment(env Environment) Option {
	return func(s *Settings) {
		if env != "" {
			s.Environment = env
		}
	}
}

// WithAPIKey configures the vendor API key.
func WithAPIKey(key string) Option {
	key = strings.TrimSpace(key)
	return func(s *Settings) {
		if key != "" {
			s.APIKey = key
		}
	}
}

// WithGatewayAddr overrides the live gateway address.
func WithGatewayAddr(addr string) Option {
	addr = strings.TrimSpace(addr)
	return func(s *Settings) {
		if addr != "" {
			s.Live.GatewayAddr = addr
		}
	}
}

// WithHistoricalBaseURL overrides the historical API base URL.
func WithHistoricalBaseURL(baseURL string) Option {
	baseURL = strings.TrimSpace(baseURL)
	return func(s *Settings) {
		if baseURL != "" {
			s.Historical.BaseURL = baseURL
		}
	}
}
