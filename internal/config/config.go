// Package config loads engine configuration from a yaml file with
// environment overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type AssetConfig struct {
	ID    string
	Scale int32
}

type PairConfig struct {
	ID         string
	BaseAsset  string `mapstructure:"base_asset"`
	QuoteAsset string `mapstructure:"quote_asset"`
}

// LimitsConfig caps one pair's admission batch. Decimal values travel as
// strings to avoid float parsing.
type LimitsConfig struct {
	MaxVolume string `mapstructure:"max_volume"`
	MaxValue  string `mapstructure:"max_value"`
}

type DedupConfig struct {
	RollInterval time.Duration `mapstructure:"roll_interval"`
	ExemptTypes  []int         `mapstructure:"exempt_types"`
}

type RedisConfig struct {
	Addr       string
	Password   string
	DB         int
	MessageTTL time.Duration `mapstructure:"message_ttl"`
}

type DatabaseConfig struct {
	DSN string
}

type Config struct {
	LogLevel string `mapstructure:"log_level"`

	Dedup              DedupConfig
	ReconcilerInterval time.Duration `mapstructure:"reconciler_interval"`

	TrustedClients []string `mapstructure:"trusted_clients"`

	Assets []AssetConfig
	Pairs  []PairConfig

	AdmissionLimits map[string]LimitsConfig `mapstructure:"admission_limits"`

	Redis    RedisConfig
	Database DatabaseConfig
}

// Load reads the yaml file at path. Any key can be overridden through the
// environment with an ENGINECORE_ prefix, dots replaced by underscores.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("ENGINECORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("log_level", "info")
	v.SetDefault("dedup.roll_interval", time.Hour)
	v.SetDefault("reconciler_interval", time.Minute)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.message_ttl", 2*time.Hour)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Redis.MessageTTL < 2*cfg.Dedup.RollInterval {
		return nil, fmt.Errorf("redis.message_ttl %s must cover two dedup roll intervals (%s)",
			cfg.Redis.MessageTTL, cfg.Dedup.RollInterval)
	}
	for _, t := range cfg.Dedup.ExemptTypes {
		if t < 0 || t > 255 {
			return nil, fmt.Errorf("dedup.exempt_types: message type %d out of byte range", t)
		}
	}
	return &cfg, nil
}

// ExemptTypes converts the configured exempt message types to bytes.
func (c *DedupConfig) ExemptTypeBytes() []byte {
	out := make([]byte, len(c.ExemptTypes))
	for i, t := range c.ExemptTypes {
		out[i] = byte(t)
	}
	return out
}
