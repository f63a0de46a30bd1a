package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads a YAML settings file layered over Default. An empty path falls
// back to FEEDMUX_CONFIG and then to config/feedmux.yaml.
func Load(path string) (Settings, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = strings.TrimSpace(os.Getenv("FEEDMUX_CONFIG"))
	}
	if path == "" {
		path = "config/feedmux.yaml"
	}

	file, err := os.Open(filepath.Clean(path))
	if err != nil {
		return Settings{}, fmt.Errorf("open settings file: %w", err)
	}
	defer func() { _ = file.Close() }()

	bytes, err := io.ReadAll(file)
	if err != nil {
		return Settings{}, fmt.Errorf("read settings file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return Settings{}, fmt.Errorf("unmarshal settings file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Settings{}, err
	}
	return cfg, nil
}

// Validate performs semantic validation on the loaded configuration.
func (s Settings) Validate() error {
	switch s.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("unknown environment %q", s.Environment)
	}
	if s.Live.GatewayAddr == "" {
		return fmt.Errorf("live gateway address required")
	}
	if !strings.Contains(s.Live.GatewayAddr, ":") {
		return fmt.Errorf("live gateway address %q missing port", s.Live.GatewayAddr)
	}
	if s.Historical.BaseURL != "" && !strings.HasPrefix(s.Historical.BaseURL, "http") {
		return fmt.Errorf("historical base url %q must be http(s)", s.Historical.BaseURL)
	}
	if s.Live.RecordBuffer < 0 || s.Sink.Capacity < 0 {
		return fmt.Errorf("buffer sizes must be non-negative")
	}
	if s.Live.HeartbeatIntervalS < 0 {
		return fmt.Errorf("heartbeat interval must be non-negative")
	}
	return nil
}
