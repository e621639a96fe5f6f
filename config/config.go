package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Depthflow DepthflowConfig `yaml:"depthflow"`
	Engine    EngineConfig    `yaml:"engine"`
	Pool      PoolConfig      `yaml:"pool"`
	Venues    VenuesConfig    `yaml:"venues"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type DepthflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type EngineConfig struct {
	// BookDepth caps the sorted levels per side exposed to subscribers.
	BookDepth int `yaml:"book_depth"`
	// CoalesceInterval batches high-frequency book updates; at most one
	// fan-out flush per interval, latest value wins.
	CoalesceInterval time.Duration `yaml:"coalesce_interval"`
	// SnapshotRate limits REST snapshot/recovery requests per second.
	SnapshotRate  float64 `yaml:"snapshot_rate"`
	SnapshotBurst int     `yaml:"snapshot_burst"`
}

type PoolConfig struct {
	Backoff      BackoffConfig `yaml:"backoff"`
	StaleTimeout time.Duration `yaml:"stale_timeout"`
}

type BackoffConfig struct {
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Factor      float64       `yaml:"factor"`
	Jitter      bool          `yaml:"jitter"`
	AttemptCap  int           `yaml:"attempt_cap"`
	MaxAttempts int           `yaml:"max_attempts"`
}

type VenuesConfig struct {
	Binance VenueConfig `yaml:"binance"`
	Bybit   VenueConfig `yaml:"bybit"`
	Okx     VenueConfig `yaml:"okx"`
}

type VenueConfig struct {
	Enabled           bool          `yaml:"enabled"`
	StreamURL         string        `yaml:"stream_url"`
	RestURL           string        `yaml:"rest_url"`
	MaxBatchTopics    int           `yaml:"max_batch_topics"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	DepthLimit        int           `yaml:"depth_limit"`
	// Symbols is the venue-native ticker universe acquired by the shared
	// ticker manager.
	Symbols []string `yaml:"symbols"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

type MetricsConfig struct {
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
	Dashboard string `yaml:"dashboard"`
}

// LoadConfig reads, defaults and validates the yaml configuration.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if v := os.Getenv("AWS_REGION"); v != "" {
		config.Metrics.CloudWatch.Region = strings.TrimSpace(v)
	}

	applyDefaults(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Engine.BookDepth <= 0 {
		cfg.Engine.BookDepth = 200
	}
	if cfg.Engine.CoalesceInterval <= 0 {
		cfg.Engine.CoalesceInterval = 16 * time.Millisecond
	}
	if cfg.Engine.SnapshotRate <= 0 {
		cfg.Engine.SnapshotRate = 5
	}
	if cfg.Engine.SnapshotBurst <= 0 {
		cfg.Engine.SnapshotBurst = 5
	}
	if cfg.Pool.StaleTimeout <= 0 {
		cfg.Pool.StaleTimeout = 60 * time.Second
	}

	b := &cfg.Pool.Backoff
	if b.BaseDelay <= 0 {
		b.BaseDelay = time.Second
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = 30 * time.Second
	}
	if b.Factor <= 1 {
		b.Factor = 2
	}
	if b.AttemptCap <= 0 {
		b.AttemptCap = 6
	}
	if b.MaxAttempts <= 0 {
		b.MaxAttempts = 10
	}

	for _, vc := range []*VenueConfig{&cfg.Venues.Binance, &cfg.Venues.Bybit, &cfg.Venues.Okx} {
		if vc.MaxBatchTopics <= 0 {
			vc.MaxBatchTopics = 10
		}
		if vc.HeartbeatInterval <= 0 {
			vc.HeartbeatInterval = 20 * time.Second
		}
		if vc.DepthLimit <= 0 {
			vc.DepthLimit = 50
		}
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Pool.Backoff.MaxDelay < cfg.Pool.Backoff.BaseDelay {
		return fmt.Errorf("pool.backoff.max_delay must be >= base_delay")
	}

	venues := map[string]*VenueConfig{
		"binance": &cfg.Venues.Binance,
		"bybit":   &cfg.Venues.Bybit,
		"okx":     &cfg.Venues.Okx,
	}
	anyEnabled := false
	for name, vc := range venues {
		if !vc.Enabled {
			continue
		}
		anyEnabled = true
		if vc.StreamURL == "" {
			return fmt.Errorf("venues.%s.stream_url is required when enabled", name)
		}
		if !strings.HasPrefix(vc.StreamURL, "ws://") && !strings.HasPrefix(vc.StreamURL, "wss://") {
			return fmt.Errorf("venues.%s.stream_url must be a websocket URL", name)
		}
	}
	if !anyEnabled {
		return fmt.Errorf("at least one venue must be enabled")
	}

	switch strings.ToLower(cfg.Logging.Format) {
	case "", "json", "text":
	default:
		return fmt.Errorf("invalid logging.format '%s'", cfg.Logging.Format)
	}

	return nil
}
