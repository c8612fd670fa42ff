// Package config loads linkwatch runtime configuration via Viper from an
// optional config file and LINKWATCH_-prefixed environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all runtime configuration for linkwatch.
type Config struct {
	// Storage
	DatabaseURL string `mapstructure:"database_url"`
	RedisURL    string `mapstructure:"redis_url"` // optional; empty disables fanout

	// Polling
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	RealtimeInterval time.Duration `mapstructure:"realtime_interval"`
	FetchTimeout     time.Duration `mapstructure:"fetch_timeout"`
	Workers          int           `mapstructure:"workers"`

	// Retention and rollups
	RetentionHorizon time.Duration `mapstructure:"retention_horizon"`
	CompressionAfter time.Duration `mapstructure:"compression_after"`
	RollupInterval   time.Duration `mapstructure:"rollup_interval"`
	CacheEvictAfter  time.Duration `mapstructure:"cache_evict_after"`

	// Auto-acknowledge on recovery, per breach cause.
	AutoAckTraffic bool `mapstructure:"alert_auto_ack_traffic"`
	AutoAckLink    bool `mapstructure:"alert_auto_ack_link"`

	// Operator websocket endpoint.
	ListenAddr string `mapstructure:"listen_addr"`
}

// Load reads config from ./config.yaml or ~/.linkwatch/config.yaml and
// falls back to defaults. Environment variables with prefix LINKWATCH_
// override file values.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("database_url", "postgres://linkwatch@localhost/linkwatch?sslmode=disable")
	v.SetDefault("redis_url", "")

	v.SetDefault("poll_interval", 60*time.Second)
	v.SetDefault("realtime_interval", time.Second)
	v.SetDefault("fetch_timeout", 10*time.Second)
	v.SetDefault("workers", 8)

	v.SetDefault("retention_horizon", 730*24*time.Hour) // two years
	v.SetDefault("compression_after", 7*24*time.Hour)
	v.SetDefault("rollup_interval", 5*time.Minute)
	v.SetDefault("cache_evict_after", 0) // 0 = never evict

	v.SetDefault("alert_auto_ack_traffic", true)
	v.SetDefault("alert_auto_ack_link", true)

	v.SetDefault("listen_addr", ":8077")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.linkwatch")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("LINKWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %v", c.PollInterval)
	}
	if c.RealtimeInterval <= 0 {
		return fmt.Errorf("realtime_interval must be positive, got %v", c.RealtimeInterval)
	}
	if c.FetchTimeout <= 0 || c.FetchTimeout >= c.PollInterval {
		return fmt.Errorf("fetch_timeout must be positive and shorter than poll_interval, got %v", c.FetchTimeout)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if c.RetentionHorizon <= c.CompressionAfter {
		return fmt.Errorf("retention_horizon (%v) must exceed compression_after (%v)",
			c.RetentionHorizon, c.CompressionAfter)
	}
	return nil
}
