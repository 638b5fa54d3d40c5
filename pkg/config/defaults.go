package config

import (
	"strings"
	"time"
)

// Default values.
const (
	DefaultBindHost         = "127.0.0.1"
	DefaultStartupTimeout   = 180 * time.Second
	DefaultPollInterval     = 10 * time.Second
	DefaultProbeTimeout     = 5 * time.Second
	DefaultShutdownTimeout  = 30 * time.Second
	DefaultPartitionCount   = 1
	DefaultTopicCreation    = TopicTypeNonPartitioned
	DefaultAutoTopicEnabled = true
)

// Default returns a fully populated configuration. Programmatic callers
// should start from it rather than from a zero Config, since
// AllowAutoTopicCreation defaults to true.
func Default() Config {
	cfg := Config{AllowAutoTopicCreation: DefaultAutoTopicEnabled}
	ApplyDefaults(&cfg)
	return cfg
}

// ApplyDefaults sets default values for any unspecified fields.
//
// Zero values are replaced with defaults and explicit values are preserved.
// Booleans cannot be told apart from their zero value and are left alone.
func ApplyDefaults(cfg *Config) {
	if cfg.AutoTopicCreationType == "" {
		cfg.AutoTopicCreationType = DefaultTopicCreation
	}
	if cfg.DefaultPartitionCount == 0 {
		cfg.DefaultPartitionCount = DefaultPartitionCount
	}
	if cfg.BindHost == "" {
		cfg.BindHost = DefaultBindHost
	}
	if cfg.StartupTimeout == 0 {
		cfg.StartupTimeout = DefaultStartupTimeout
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	applyLoggingDefaults(&cfg.Logging)
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	cfg.Format = strings.ToLower(cfg.Format)

	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}
