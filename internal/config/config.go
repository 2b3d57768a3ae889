// Package config loads and validates the inspection engine configuration.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// EnvPrefix is the prefix for environment overrides, e.g. DPI_DPI_CACHE_SIZE.
const EnvPrefix = "DPI"

// DPIConfig is read once at construction and never changed afterwards.
type DPIConfig struct {
	MaxDeepInspectPerSecond       int           `mapstructure:"max_deep_inspect_per_second"`
	PriorityProtocols             []string      `mapstructure:"priority_protocols"`
	CacheSize                     int           `mapstructure:"cache_size"`
	MinPayloadLength              int           `mapstructure:"min_payload_length"`
	MaxPayloadLength              int           `mapstructure:"max_payload_length"`
	EnableHeuristics              bool          `mapstructure:"enable_heuristics"`
	EnableSignatures              bool          `mapstructure:"enable_signatures"`
	EscalationTimeout             time.Duration `mapstructure:"escalation_timeout"`
	EscalationConfidenceThreshold float64       `mapstructure:"escalation_confidence_threshold"`
	UnknownSampleBuffer           int           `mapstructure:"unknown_sample_buffer"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Config is the full file layout.
type Config struct {
	DPI DPIConfig `mapstructure:"dpi"`
	Log LogConfig `mapstructure:"log"`
}

// DefaultDPIConfig returns the engine defaults.
func DefaultDPIConfig() DPIConfig {
	return DPIConfig{
		MaxDeepInspectPerSecond:       1000,
		PriorityProtocols:             []string{"TCP"},
		CacheSize:                     10000,
		MinPayloadLength:              16,
		MaxPayloadLength:              65535,
		EnableHeuristics:              true,
		EnableSignatures:              true,
		EscalationTimeout:             50 * time.Millisecond,
		EscalationConfidenceThreshold: 0.5,
		UnknownSampleBuffer:           64,
	}
}

// Default returns the full default configuration.
func Default() Config {
	return Config{
		DPI: DefaultDPIConfig(),
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Validate reports the first invalid setting.
func (c DPIConfig) Validate() error {
	switch {
	case c.MaxDeepInspectPerSecond < 1:
		return fmt.Errorf("%w: max_deep_inspect_per_second must be positive, got %d", ErrInvalidConfig, c.MaxDeepInspectPerSecond)
	case c.CacheSize < 1:
		return fmt.Errorf("%w: cache_size must be positive, got %d", ErrInvalidConfig, c.CacheSize)
	case c.MinPayloadLength < 0:
		return fmt.Errorf("%w: min_payload_length must not be negative, got %d", ErrInvalidConfig, c.MinPayloadLength)
	case c.MaxPayloadLength < c.MinPayloadLength:
		return fmt.Errorf("%w: max_payload_length %d is below min_payload_length %d", ErrInvalidConfig, c.MaxPayloadLength, c.MinPayloadLength)
	case c.EscalationTimeout <= 0:
		return fmt.Errorf("%w: escalation_timeout must be positive, got %s", ErrInvalidConfig, c.EscalationTimeout)
	case c.EscalationConfidenceThreshold < 0 || c.EscalationConfidenceThreshold > 1:
		return fmt.Errorf("%w: escalation_confidence_threshold must be within [0,1], got %g", ErrInvalidConfig, c.EscalationConfidenceThreshold)
	case c.UnknownSampleBuffer < 0:
		return fmt.Errorf("%w: unknown_sample_buffer must not be negative, got %d", ErrInvalidConfig, c.UnknownSampleBuffer)
	}
	for _, p := range c.PriorityProtocols {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("%w: priority_protocols contains an empty entry", ErrInvalidConfig)
		}
	}
	return nil
}

// Validate checks both sections.
func (c Config) Validate() error {
	if err := c.DPI.Validate(); err != nil {
		return err
	}
	if _, ok := logLevels[strings.ToLower(c.Log.Level)]; !ok {
		return fmt.Errorf("%w: unknown log level %q", ErrInvalidConfig, c.Log.Level)
	}
	return nil
}

var logLevels = map[string]struct{}{
	"trace": {}, "debug": {}, "info": {}, "warn": {}, "error": {}, "fatal": {}, "panic": {}, "disabled": {},
}

// SetDefaults registers all defaults on v.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("dpi.max_deep_inspect_per_second", d.DPI.MaxDeepInspectPerSecond)
	v.SetDefault("dpi.priority_protocols", d.DPI.PriorityProtocols)
	v.SetDefault("dpi.cache_size", d.DPI.CacheSize)
	v.SetDefault("dpi.min_payload_length", d.DPI.MinPayloadLength)
	v.SetDefault("dpi.max_payload_length", d.DPI.MaxPayloadLength)
	v.SetDefault("dpi.enable_heuristics", d.DPI.EnableHeuristics)
	v.SetDefault("dpi.enable_signatures", d.DPI.EnableSignatures)
	v.SetDefault("dpi.escalation_timeout", d.DPI.EscalationTimeout)
	v.SetDefault("dpi.escalation_confidence_threshold", d.DPI.EscalationConfidenceThreshold)
	v.SetDefault("dpi.unknown_sample_buffer", d.DPI.UnknownSampleBuffer)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
	v.SetDefault("log.compress", d.Log.Compress)
}

// Load reads configuration from path (optional), DPI_* environment
// variables and any flags already bound on v. A nil v uses a fresh instance.
func Load(v *viper.Viper, path string) (Config, error) {
	if v == nil {
		v = viper.New()
	}
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
