// Package config contains goatdb sync core configuration definitions.
package config

import (
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const defaultConfigFileName = "./config.toml"

// Config defines the top level configuration for the sync core.
type Config struct {
	BaseConfig `mapstructure:"main"`
	Sync       SyncConfig `mapstructure:"sync"`
}

// BaseConfig defines process-wide options.
type BaseConfig struct {
	ConfigFile string `mapstructure:"config"`

	CollectMetrics bool `mapstructure:"metrics"`
	MetricsPort    int  `mapstructure:"metrics-port"`

	LogLevel string `mapstructure:"log-level"`
}

// SyncConfig holds the knobs of the anti-entropy engine.
type SyncConfig struct {
	// TTL is the window of commits considered for sync. Commits older than
	// TTL are not shipped and not expected from peers.
	TTL time.Duration `mapstructure:"ttl"`

	// ExpectedSyncCycles is the convergence budget: the target number of
	// round-trips after which two diverged peers should hold equal
	// collections. Lower values produce larger filters.
	ExpectedSyncCycles int `mapstructure:"expected-sync-cycles"`

	// LowAccuracy forces the filter false-positive rate to 0.5, minimizing
	// bandwidth at the cost of more cycles.
	LowAccuracy bool `mapstructure:"low-accuracy"`

	// IncludeMissing attaches commits the peer appears to lack to outgoing
	// messages. When false only the filter is sent.
	IncludeMissing bool `mapstructure:"include-missing"`

	// SyncInterval is the initial interval between cycles. The engine adjusts
	// the effective interval between MinSyncInterval and MaxSyncInterval
	// based on measured cycle latency and local write activity.
	SyncInterval    time.Duration `mapstructure:"sync-interval"`
	MinSyncInterval time.Duration `mapstructure:"min-sync-interval"`
	MaxSyncInterval time.Duration `mapstructure:"max-sync-interval"`

	// CycleTimeout is the end-to-end ceiling for a single cycle. A cycle
	// exceeding it is abandoned and the next cycle runs with a coarser
	// filter.
	CycleTimeout time.Duration `mapstructure:"cycle-timeout"`
}

// DefaultConfig returns the default configuration for the sync core.
func DefaultConfig() Config {
	return Config{
		BaseConfig: BaseConfig{
			ConfigFile:     defaultConfigFileName,
			CollectMetrics: false,
			MetricsPort:    1010,
			LogLevel:       "info",
		},
		Sync: DefaultSyncConfig(),
	}
}

// DefaultSyncConfig returns the default engine knobs.
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		TTL:                30 * 24 * time.Hour,
		ExpectedSyncCycles: 3,
		LowAccuracy:        false,
		IncludeMissing:     true,
		SyncInterval:       time.Second,
		MinSyncInterval:    300 * time.Millisecond,
		MaxSyncInterval:    90 * time.Second,
		CycleTimeout:       time.Minute,
	}
}

// LoadConfig loads config into cfg from the file at path, keeping defaults
// for keys the file does not set.
func LoadConfig(path string, vip *viper.Viper, cfg *Config) error {
	if path == "" {
		path = defaultConfigFileName
	}
	vip.SetConfigFile(path)
	if err := vip.ReadInConfig(); err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := vip.Unmarshal(cfg, hook); err != nil {
		return fmt.Errorf("unmarshal config file %s: %w", path, err)
	}
	return nil
}
