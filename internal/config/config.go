// Package config loads chronoscope configuration using Viper: defaults, an
// optional config file, CHRONOSCOPE_* environment variables, then flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/amirkhaki/chronoscope/internal/logging"
	"github.com/amirkhaki/chronoscope/pkg/rwlock"
	"github.com/joeycumines/logiface"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g.
// CHRONOSCOPE_LOCK_STRATEGY for lock.strategy.
const EnvPrefix = "CHRONOSCOPE"

type (
	// Config holds the runtime configuration.
	Config struct {
		Lock   LockConfig   `mapstructure:"lock"`
		Log    LogConfig    `mapstructure:"log"`
		Sample SampleConfig `mapstructure:"sample"`
		Device DeviceConfig `mapstructure:"device"`
		Trace  TraceConfig  `mapstructure:"trace"`
		Stats  StatsConfig  `mapstructure:"stats"`
		OTel   OTelConfig   `mapstructure:"otel"`
		Node   NodeConfig   `mapstructure:"node"`
	}

	LockConfig struct {
		// Strategy is auto, native, timed or mutex.
		Strategy string `mapstructure:"strategy"`
	}

	LogConfig struct {
		Level string `mapstructure:"level"`
	}

	SampleConfig struct {
		// Period between periodic ticks, 0 disables the ticker.
		Period time.Duration `mapstructure:"period"`
	}

	DeviceConfig struct {
		QueryTimeout time.Duration `mapstructure:"query_timeout"`
	}

	TraceConfig struct {
		// File is the trace output path, empty disables tracing.
		File        string `mapstructure:"file"`
		Format      string `mapstructure:"format"`
		Compression string `mapstructure:"compression"`
	}

	StatsConfig struct {
		Enabled bool `mapstructure:"enabled"`

		// SampleRate measures one in every SampleRate timer starts.
		SampleRate int `mapstructure:"sample_rate"`
	}

	OTelConfig struct {
		Enabled bool `mapstructure:"enabled"`

		// Endpoint is the OTLP gRPC collector, empty keeps metrics local.
		Endpoint string        `mapstructure:"endpoint"`
		Interval time.Duration `mapstructure:"interval"`
	}

	NodeConfig struct {
		ID int `mapstructure:"id"`
	}
)

var defaults = map[string]any{
	"lock.strategy":        "auto",
	"log.level":            "info",
	"sample.period":        time.Second,
	"device.query_timeout": 250 * time.Millisecond,
	"trace.file":           "",
	"trace.format":         "jsonl",
	"trace.compression":    "none",
	"stats.enabled":        true,
	"stats.sample_rate":    1,
	"otel.enabled":         false,
	"otel.endpoint":        "",
	"otel.interval":        10 * time.Second,
	"node.id":              0,
}

// FlagKeys maps flag names to the config keys they override, see Load.
var FlagKeys = map[string]string{
	"lock-strategy":  "lock.strategy",
	"log-level":      "log.level",
	"sample-period":  "sample.period",
	"query-timeout":  "device.query_timeout",
	"trace-file":     "trace.file",
	"trace-format":   "trace.format",
	"trace-compress": "trace.compression",
	"stats":          "stats.enabled",
	"stats-rate":     "stats.sample_rate",
	"otel":           "otel.enabled",
	"otel-endpoint":  "otel.endpoint",
	"node-id":        "node.id",
}

// Load builds a Config. If file is non-empty it must exist, and its format is
// inferred from the extension. Any flag in flags named by FlagKeys overrides
// the other sources once set. flags may be nil.
func Load(file string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", file, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range FlagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("config: bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration with no file, environment or flags.
func Default() *Config {
	return &Config{
		Lock:   LockConfig{Strategy: "auto"},
		Log:    LogConfig{Level: "info"},
		Sample: SampleConfig{Period: time.Second},
		Device: DeviceConfig{QueryTimeout: 250 * time.Millisecond},
		Trace:  TraceConfig{Format: "jsonl", Compression: "none"},
		Stats:  StatsConfig{Enabled: true, SampleRate: 1},
		OTel:   OTelConfig{Interval: 10 * time.Second},
	}
}

// Validate reports the first invalid field.
func (c *Config) Validate() error {
	if _, err := c.LockStrategy(); err != nil {
		return fmt.Errorf("config: lock.strategy: %w", err)
	}
	if _, err := c.LogLevel(); err != nil {
		return fmt.Errorf("config: log.level: %w", err)
	}
	if c.Sample.Period < 0 {
		return errors.New("config: sample.period must not be negative")
	}
	switch c.Trace.Format {
	case "jsonl", "cbor":
	default:
		return fmt.Errorf("config: trace.format must be jsonl or cbor, got %q", c.Trace.Format)
	}
	switch c.Trace.Compression {
	case "none", "zstd":
	default:
		return fmt.Errorf("config: trace.compression must be none or zstd, got %q", c.Trace.Compression)
	}
	if c.Stats.SampleRate < 1 {
		return errors.New("config: stats.sample_rate must be at least 1")
	}
	if c.OTel.Interval < 0 {
		return errors.New("config: otel.interval must not be negative")
	}
	if c.Node.ID < 0 {
		return errors.New("config: node.id must not be negative")
	}
	return nil
}

func (c *Config) LockStrategy() (rwlock.Strategy, error) {
	return rwlock.ParseStrategy(c.Lock.Strategy)
}

func (c *Config) LogLevel() (logiface.Level, error) {
	return logging.ParseLevel(c.Log.Level)
}
