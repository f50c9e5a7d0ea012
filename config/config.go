// Package config loads the horde coordinator configuration.
package config

import (
	"time"

	"github.com/teranos/horde/errors"
)

// Config represents the horde coordinator configuration
type Config struct {
	DB      DBConfig      `mapstructure:"db"`
	Reaper  ReaperConfig  `mapstructure:"reaper"`
	Stats   StatsConfig   `mapstructure:"stats"`
	Oracle  OracleConfig  `mapstructure:"oracle"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Log     LogConfig     `mapstructure:"log"`
}

// DBConfig configures the JSON snapshot store
type DBConfig struct {
	Dir                     string `mapstructure:"dir"`                       // Directory holding users.json / servers.json / stats.json
	SnapshotIntervalSeconds int    `mapstructure:"snapshot_interval_seconds"` // How often state is flushed to disk
}

// ReaperConfig configures stale-prompt reaping
type ReaperConfig struct {
	IntervalSeconds int `mapstructure:"interval_seconds"` // Sweep cadence for stale waiting prompts
}

// StatsConfig configures throughput statistics
type StatsConfig struct {
	PruneIntervalSeconds int `mapstructure:"prune_interval_seconds"` // Fulfillment window prune cadence
}

// OracleConfig configures the model parameter-count oracle
type OracleConfig struct {
	BaseURL           string `mapstructure:"base_url"`            // Hugging Face Hub API base URL
	RequestsPerMinute int    `mapstructure:"requests_per_minute"` // Lookup rate limit
	TimeoutSeconds    int    `mapstructure:"timeout_seconds"`     // Per-lookup HTTP timeout
}

// MetricsConfig configures the Prometheus exposition endpoint
type MetricsConfig struct {
	ListenAddr string `mapstructure:"listen_addr"` // Empty disables the listener
}

// LogConfig configures logging output
type LogConfig struct {
	JSON bool `mapstructure:"json"` // JSON structured output instead of console
}

// SnapshotInterval returns the snapshot cadence as a duration
func (c *Config) SnapshotInterval() time.Duration {
	return time.Duration(c.DB.SnapshotIntervalSeconds) * time.Second
}

// ReaperInterval returns the reaper sweep cadence as a duration
func (c *Config) ReaperInterval() time.Duration {
	return time.Duration(c.Reaper.IntervalSeconds) * time.Second
}

// StatsPruneInterval returns the fulfillment prune cadence as a duration
func (c *Config) StatsPruneInterval() time.Duration {
	return time.Duration(c.Stats.PruneIntervalSeconds) * time.Second
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.DB.Dir == "" {
		err := errors.New("db.dir cannot be empty")
		return errors.WithHint(err, "set db.dir to the directory that should hold the JSON snapshots")
	}
	if c.DB.SnapshotIntervalSeconds <= 0 {
		return errors.Newf("db.snapshot_interval_seconds must be > 0, got %d", c.DB.SnapshotIntervalSeconds)
	}
	if c.Reaper.IntervalSeconds <= 0 {
		return errors.Newf("reaper.interval_seconds must be > 0, got %d", c.Reaper.IntervalSeconds)
	}
	if c.Stats.PruneIntervalSeconds <= 0 {
		return errors.Newf("stats.prune_interval_seconds must be > 0, got %d", c.Stats.PruneIntervalSeconds)
	}
	// Oracle rate limit: 0 = unlimited, negative = invalid
	if c.Oracle.RequestsPerMinute < 0 {
		return errors.Newf("oracle.requests_per_minute must be >= 0 (0 = unlimited), got %d", c.Oracle.RequestsPerMinute)
	}
	if c.Oracle.TimeoutSeconds <= 0 {
		return errors.Newf("oracle.timeout_seconds must be > 0, got %d", c.Oracle.TimeoutSeconds)
	}
	return nil
}
