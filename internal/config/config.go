// Package config loads the engine's single YAML configuration file,
// mirroring cryptorun's internal/application.LoadXConfig(path) pattern: read
// the file, yaml.Unmarshal into a typed struct, then Validate() it with
// descriptive errors. Secrets (venue API credentials, DB DSN) are never
// read from this file — see internal/secrets for environment overrides.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ingestcore/marketdata/internal/candle"
)

// Config is the root configuration object, covering every option
// enumerated in the external interfaces section.
type Config struct {
	Venues map[string]VenueConfig `yaml:"venues"`

	Timeframes       []candle.Timeframe `yaml:"timeframes"`
	WSTimeframes     []candle.Timeframe `yaml:"ws_timeframes"`
	DeriveTimeframes []candle.Timeframe `yaml:"derive_timeframes"`

	Storage      StorageConfig      `yaml:"storage"`
	Validation   ValidationConfig   `yaml:"validation"`
	GapDetection GapDetectionConfig `yaml:"gap_detection"`
	Aggregation  AggregationConfig  `yaml:"aggregation"`

	ShutdownTimeoutS   int    `yaml:"shutdown_timeout_s"`
	HeartbeatIntervalS int    `yaml:"heartbeat_interval_s"`
	LogLevel           string `yaml:"log_level"`

	EventLog   EventLogConfig   `yaml:"event_log"`
	KillSwitch KillSwitchConfig `yaml:"kill_switch"`
	HTTPAPI    HTTPAPIConfig    `yaml:"http_api"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// VenueConfig configures one trading venue.
type VenueConfig struct {
	Enabled        bool     `yaml:"enabled"`
	RESTURL        string   `yaml:"rest_url"`
	WSURL          string   `yaml:"ws_url"`
	Symbols        []string `yaml:"symbols"`
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec"`
}

// StorageConfig configures the partitioned columnar writer's root.
type StorageConfig struct {
	Path          string `yaml:"path"`
	SchemaVersion int    `yaml:"schema_version"`
}

// ValidationConfig configures the validator's out-of-order window.
type ValidationConfig struct {
	OutOfOrderWindow int `yaml:"out_of_order_window"`
}

// GapDetectionConfig configures the bounded backfill scheduler.
type GapDetectionConfig struct {
	Enabled                         bool `yaml:"enabled"`
	LookbackDays                    int  `yaml:"lookback_days"`
	CooldownMinutes                 int  `yaml:"cooldown_minutes"`
	LateGraceIntervals              int  `yaml:"late_grace_intervals"`
	MaxGapsPerStreamPerRun          int  `yaml:"max_gaps_per_stream_per_run"`
	MaxBackfillMinutesPerStreamPerRun int `yaml:"max_backfill_minutes_per_stream_per_run"`
	BackfillChunkSize               int  `yaml:"backfill_chunk_size"`
}

// AggregationConfig configures the online aggregator.
type AggregationConfig struct {
	Enabled       bool             `yaml:"enabled"`
	BaseTimeframe candle.Timeframe `yaml:"base_timeframe"`
}

// EventLogConfig configures the event sink backend.
type EventLogConfig struct {
	Backend  string `yaml:"backend"` // "sqlite" (default) or "postgres"
	SQLite   struct {
		Path string `yaml:"path"`
	} `yaml:"sqlite"`
	Postgres struct {
		DSNEnv string `yaml:"dsn_env"` // name of the env var holding the DSN
	} `yaml:"postgres"`
}

// KillSwitchConfig configures the kill-switch file path.
type KillSwitchConfig struct {
	Path string `yaml:"path"`
}

// HTTPAPIConfig configures the optional read-only query server.
type HTTPAPIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// MetricsConfig configures the optional Prometheus /metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Load reads and parses the YAML configuration file at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.ShutdownTimeoutS == 0 {
		c.ShutdownTimeoutS = 5
	}
	if c.HeartbeatIntervalS == 0 {
		c.HeartbeatIntervalS = 30
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Validation.OutOfOrderWindow == 0 {
		c.Validation.OutOfOrderWindow = 5
	}
	if c.Storage.SchemaVersion == 0 {
		c.Storage.SchemaVersion = 1
	}
	if c.EventLog.Backend == "" {
		c.EventLog.Backend = "sqlite"
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		c.Metrics.Addr = "127.0.0.1:9090"
	}
}

// Validate checks the configuration for structural problems, following
// WeightsConfig.Validate()'s style of returning one descriptive error per
// failed check.
func (c *Config) Validate() error {
	anyEnabled := false
	for name, v := range c.Venues {
		if !v.Enabled {
			continue
		}
		anyEnabled = true
		if v.RESTURL == "" && v.WSURL == "" {
			return fmt.Errorf("config: venue %q enabled but has neither rest_url nor ws_url", name)
		}
		if len(v.Symbols) == 0 {
			return fmt.Errorf("config: venue %q enabled but has no symbols", name)
		}
		if v.RateLimitPerSec <= 0 {
			return fmt.Errorf("config: venue %q rate_limit_per_sec must be > 0, got %g", name, v.RateLimitPerSec)
		}
	}
	if !anyEnabled {
		return fmt.Errorf("config: at least one venue must be enabled")
	}

	if len(c.Timeframes) == 0 {
		return fmt.Errorf("config: timeframes must not be empty")
	}
	tfSet := map[candle.Timeframe]bool{}
	for _, tf := range c.Timeframes {
		if !tf.Valid() {
			return fmt.Errorf("config: unknown timeframe %q", tf)
		}
		tfSet[tf] = true
	}
	wsSet := map[candle.Timeframe]bool{}
	for _, tf := range c.WSTimeframes {
		if !tfSet[tf] {
			return fmt.Errorf("config: ws_timeframes entry %q is not in timeframes", tf)
		}
		wsSet[tf] = true
	}
	for _, tf := range c.DeriveTimeframes {
		if !tfSet[tf] {
			return fmt.Errorf("config: derive_timeframes entry %q is not in timeframes", tf)
		}
		if wsSet[tf] {
			return fmt.Errorf("config: derive_timeframes entry %q overlaps ws_timeframes (must be disjoint)", tf)
		}
	}

	if c.Storage.Path == "" {
		return fmt.Errorf("config: storage.path is required")
	}
	if c.Validation.OutOfOrderWindow <= 0 {
		return fmt.Errorf("config: validation.out_of_order_window must be > 0")
	}

	if c.GapDetection.Enabled {
		g := c.GapDetection
		if g.LookbackDays <= 0 {
			return fmt.Errorf("config: gap_detection.lookback_days must be > 0")
		}
		if g.CooldownMinutes <= 0 {
			return fmt.Errorf("config: gap_detection.cooldown_minutes must be > 0")
		}
		if g.LateGraceIntervals < 0 {
			return fmt.Errorf("config: gap_detection.late_grace_intervals must be >= 0")
		}
		if g.MaxGapsPerStreamPerRun <= 0 {
			return fmt.Errorf("config: gap_detection.max_gaps_per_stream_per_run must be > 0")
		}
		if g.MaxBackfillMinutesPerStreamPerRun <= 0 {
			return fmt.Errorf("config: gap_detection.max_backfill_minutes_per_stream_per_run must be > 0")
		}
		if g.BackfillChunkSize <= 0 {
			return fmt.Errorf("config: gap_detection.backfill_chunk_size must be > 0")
		}
	}

	if c.Aggregation.Enabled {
		if !tfSet[c.Aggregation.BaseTimeframe] {
			return fmt.Errorf("config: aggregation.base_timeframe %q is not in timeframes", c.Aggregation.BaseTimeframe)
		}
	}

	if c.EventLog.Backend != "sqlite" && c.EventLog.Backend != "postgres" {
		return fmt.Errorf("config: event_log.backend must be sqlite or postgres, got %q", c.EventLog.Backend)
	}
	if c.EventLog.Backend == "sqlite" && c.EventLog.SQLite.Path == "" {
		return fmt.Errorf("config: event_log.sqlite.path is required when backend=sqlite")
	}
	if c.EventLog.Backend == "postgres" && c.EventLog.Postgres.DSNEnv == "" {
		return fmt.Errorf("config: event_log.postgres.dsn_env is required when backend=postgres")
	}

	if c.ShutdownTimeoutS <= 0 {
		return fmt.Errorf("config: shutdown_timeout_s must be > 0")
	}
	if c.HeartbeatIntervalS <= 0 {
		return fmt.Errorf("config: heartbeat_interval_s must be > 0")
	}

	return nil
}
