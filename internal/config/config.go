// Package config provides configuration management for mptpass.
//
// Configuration is loaded from multiple sources with the following precedence:
//  1. Command-line flags (highest priority)
//  2. Environment variables (MPTPASS_* prefix)
//  3. Configuration file (mptpass.yaml)
//  4. Default values (lowest priority)
//
// Example usage:
//
//	cfg, err := config.Load("/etc/mptpass/mptpass.yaml", config.Options{})
//	if err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/piwi3910/mptpass/internal/adapter"
	"github.com/piwi3910/mptpass/internal/dma"
)

// Log data backends.
const (
	LogDataMemory = "memory"
	LogDataBadger = "badger"
)

// Config holds all configuration for mptpass
type Config struct {
	// Logging
	LogLevel string `mapstructure:"log_level"`

	// Admin HTTP API
	Admin AdminConfig `mapstructure:"admin"`

	// Passthrough command limits
	Passthrough PassthroughConfig `mapstructure:"passthrough"`

	// Device memory pool, one per adapter
	DMA dma.Config `mapstructure:"dma"`

	// Log data cache storage
	LogData LogDataConfig `mapstructure:"logdata"`

	// Adapters to bring up. A single simulated adapter 0 is used when empty.
	Adapters []adapter.Config `mapstructure:"adapters"`
}

// AdminConfig configures the admin API listener.
type AdminConfig struct {
	Address string `mapstructure:"address"`

	// ShutdownTimeout bounds graceful shutdown of the listener
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// AllowedOrigins enables CORS for browser clients
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// PassthroughConfig holds command timing settings.
type PassthroughConfig struct {
	// MinTimeout is the floor applied to every passthrough command timeout
	MinTimeout time.Duration `mapstructure:"min_timeout"`

	// PELAbortTimeout bounds the wait for a PEL abort acknowledgement
	PELAbortTimeout time.Duration `mapstructure:"pel_abort_timeout"`
}

// LogDataConfig selects where cached log data lives.
type LogDataConfig struct {
	// Backend is "memory" or "badger"
	Backend string `mapstructure:"backend"`

	// Dir is the BadgerDB directory; empty keeps badger in memory
	Dir string `mapstructure:"dir"`
}

// Options are command line overrides
type Options struct {
	AdminAddress string
	LogLevel     string
}

// Load loads configuration from file and applies command line options
func Load(configPath string, opts Options) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("mptpass")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/mptpass")
		v.AddConfigPath("$HOME/.mptpass")

		// Ignore error if config file not found
		_ = v.ReadInConfig()
	}

	v.SetEnvPrefix("MPTPASS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.AdminAddress != "" {
		v.Set("admin.address", opts.AdminAddress)
	}

	if opts.LogLevel != "" {
		v.Set("log_level", opts.LogLevel)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")

	v.SetDefault("admin.address", "127.0.0.1:9310")
	v.SetDefault("admin.shutdown_timeout", 10*time.Second)
	v.SetDefault("admin.allowed_origins", []string{})

	v.SetDefault("passthrough.min_timeout", 10*time.Second)
	v.SetDefault("passthrough.pel_abort_timeout", adapter.DefaultPELAbortTimeout)

	d := dma.DefaultConfig()
	v.SetDefault("dma.base_address", d.BaseAddress)
	v.SetDefault("dma.max_bytes", d.MaxBytes)
	v.SetDefault("dma.alignment", d.Alignment)

	v.SetDefault("logdata.backend", LogDataMemory)
	v.SetDefault("logdata.dir", "")
}

func (c *Config) validate() error {
	switch strings.ToLower(c.LogLevel) {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}

	if c.Passthrough.MinTimeout <= 0 {
		return fmt.Errorf("passthrough.min_timeout must be positive, got %s", c.Passthrough.MinTimeout)
	}

	if c.Passthrough.PELAbortTimeout <= 0 {
		return fmt.Errorf("passthrough.pel_abort_timeout must be positive, got %s", c.Passthrough.PELAbortTimeout)
	}

	if c.DMA.MaxBytes <= 0 {
		return fmt.Errorf("dma.max_bytes must be positive")
	}

	if c.DMA.Alignment <= 0 || c.DMA.Alignment&(c.DMA.Alignment-1) != 0 {
		return fmt.Errorf("dma.alignment must be a power of two, got %d", c.DMA.Alignment)
	}

	switch c.LogData.Backend {
	case LogDataMemory, LogDataBadger:
	default:
		return fmt.Errorf("invalid logdata.backend %q", c.LogData.Backend)
	}

	if len(c.Adapters) == 0 {
		c.Adapters = []adapter.Config{{ID: 0, Name: "adapter0"}}
	}

	seen := make(map[int]bool, len(c.Adapters))
	for i, a := range c.Adapters {
		if seen[a.ID] {
			return fmt.Errorf("duplicate adapter id: %d", a.ID)
		}

		seen[a.ID] = true

		if a.ReplySize != 0 && (a.ReplySize < 32 || a.ReplySize%4 != 0) {
			return fmt.Errorf("adapters[%d]: reply_size must be a multiple of 4 of at least 32, got %d", i, a.ReplySize)
		}

		if err := validateTargets(i, a.Targets); err != nil {
			return err
		}
	}

	return nil
}

func validateTargets(idx int, targets []adapter.Target) error {
	handles := make(map[uint16]bool, len(targets))

	for _, t := range targets {
		if handles[t.Handle] {
			return fmt.Errorf("adapters[%d]: duplicate target handle: 0x%04x", idx, t.Handle)
		}

		handles[t.Handle] = true

		if t.PageSizeExp != 0 && (t.PageSizeExp < 12 || t.PageSizeExp > 16) {
			return fmt.Errorf("adapters[%d]: target 0x%04x page_size_exp %d outside 12-16", idx, t.Handle, t.PageSizeExp)
		}
	}

	return nil
}
