// Package config defines the Instance Configuration of an embedded broker.
//
// A Config is supplied once when an instance is constructed and never
// mutated afterwards. Ports left at 0 are allocated automatically; explicit
// ports are used exactly as given.
//
// Configuration sources for Load (in order of precedence):
//  1. Environment variables (EMBEDDEDBROKER_*)
//  2. Configuration file (YAML or TOML)
//  3. Default values
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of environment variable overrides.
const EnvPrefix = "EMBEDDEDBROKER"

// TopicType is the kind of topic created on first use.
type TopicType string

const (
	// TopicTypeNonPartitioned creates a single-partition topic.
	TopicTypeNonPartitioned TopicType = "non-partitioned"

	// TopicTypePartitioned creates a topic with DefaultPartitionCount partitions.
	TopicTypePartitioned TopicType = "partitioned"
)

// ParseTopicType accepts the canonical names plus the upper-case
// underscore variants used by broker configuration files.
func ParseTopicType(s string) (TopicType, error) {
	normalized := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-")
	switch TopicType(normalized) {
	case TopicTypeNonPartitioned, TopicTypePartitioned:
		return TopicType(normalized), nil
	default:
		return "", fmt.Errorf("unknown topic creation type %q", s)
	}
}

// Config is the Instance Configuration.
type Config struct {
	// StoragePort is the ledger (log storage) service port. 0 = auto.
	StoragePort int `mapstructure:"storage_port" validate:"gte=0,lte=65535" yaml:"storage_port"`

	// CoordinationPort is the coordination (metadata) service port. 0 = auto.
	CoordinationPort int `mapstructure:"coordination_port" validate:"gte=0,lte=65535" yaml:"coordination_port"`

	// AllowAutoTopicCreation lets producers create topics on first publish.
	// Default: true
	AllowAutoTopicCreation bool `mapstructure:"allow_auto_topic_creation" yaml:"allow_auto_topic_creation"`

	// AutoTopicCreationType selects the kind of topic auto-created.
	// Valid values: non-partitioned, partitioned
	AutoTopicCreationType TopicType `mapstructure:"auto_topic_creation_type" validate:"required,oneof=non-partitioned partitioned" yaml:"auto_topic_creation_type"`

	// DefaultPartitionCount is the partition count of auto-created
	// partitioned topics. Default: 1
	DefaultPartitionCount int `mapstructure:"default_partition_count" validate:"gte=1,lte=1024" yaml:"default_partition_count"`

	// BindHost is the interface every service of the instance binds to.
	// Default: 127.0.0.1
	BindHost string `mapstructure:"bind_host" validate:"required" yaml:"bind_host"`

	// StartupTimeout bounds the convergence loop. Default: 180s
	StartupTimeout time.Duration `mapstructure:"startup_timeout" validate:"gt=0" yaml:"startup_timeout"`

	// PollInterval is the fixed pause between health probes. Default: 10s
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"gt=0" yaml:"poll_interval"`

	// PollJitter adds up to PollJitter*PollInterval of random delay to every
	// pause. 0 disables jitter. Default: 0
	PollJitter float64 `mapstructure:"poll_jitter" validate:"gte=0,lte=1" yaml:"poll_jitter"`

	// ProbeTimeout bounds a single health request. Default: 5s
	ProbeTimeout time.Duration `mapstructure:"probe_timeout" validate:"gt=0" yaml:"probe_timeout"`

	// ShutdownTimeout bounds the dependency shutdown. Default: 30s
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0" yaml:"shutdown_timeout"`

	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (normalized to uppercase)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR" yaml:"level"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output specifies where logs are written: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// Load loads configuration from file, environment, and defaults, then
// validates it. An empty or missing configPath yields defaults plus any
// environment overrides.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	if configPath != "" {
		if err := v.ReadInConfig(); err != nil && !isNotFound(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// SaveConfig writes cfg to path as YAML.
func SaveConfig(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// setupViper registers every key with its default so that environment
// variables are honored even without a config file.
// Example: EMBEDDEDBROKER_LOGGING_LEVEL=DEBUG
func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	d := Default()
	v.SetDefault("storage_port", d.StoragePort)
	v.SetDefault("coordination_port", d.CoordinationPort)
	v.SetDefault("allow_auto_topic_creation", d.AllowAutoTopicCreation)
	v.SetDefault("auto_topic_creation_type", string(d.AutoTopicCreationType))
	v.SetDefault("default_partition_count", d.DefaultPartitionCount)
	v.SetDefault("bind_host", d.BindHost)
	v.SetDefault("startup_timeout", d.StartupTimeout)
	v.SetDefault("poll_interval", d.PollInterval)
	v.SetDefault("poll_jitter", d.PollJitter)
	v.SetDefault("probe_timeout", d.ProbeTimeout)
	v.SetDefault("shutdown_timeout", d.ShutdownTimeout)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.output", d.Logging.Output)

	if configPath != "" {
		v.SetConfigFile(configPath)
	}
}

func isNotFound(err error) bool {
	if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		return true
	}
	return os.IsNotExist(err)
}

// configDecodeHooks returns a combined decode hook for all custom types.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		topicTypeDecodeHook(),
	)
}

// topicTypeDecodeHook normalizes topic creation type spellings such as
// "PARTITIONED" or "non_partitioned".
func topicTypeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(TopicType("")) || from.Kind() != reflect.String {
			return data, nil
		}
		return ParseTopicType(data.(string))
	}
}
