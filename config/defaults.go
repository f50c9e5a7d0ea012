package config

import "github.com/spf13/viper"

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Snapshot store defaults
	v.SetDefault("db.dir", "db")
	v.SetDefault("db.snapshot_interval_seconds", 10)

	// Reaper defaults
	v.SetDefault("reaper.interval_seconds", 60)

	// Stats defaults
	v.SetDefault("stats.prune_interval_seconds", 60)

	// Oracle defaults
	v.SetDefault("oracle.base_url", "https://huggingface.co")
	v.SetDefault("oracle.requests_per_minute", 30)
	v.SetDefault("oracle.timeout_seconds", 30)

	// Metrics defaults (empty listen address disables the endpoint)
	v.SetDefault("metrics.listen_addr", "")

	// Logging defaults
	v.SetDefault("log.json", false)
}
