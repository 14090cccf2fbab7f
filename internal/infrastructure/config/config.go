package config

import (
	"fmt"
	"os"
	"reflect"

	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all broker configuration.
type Config struct {
	Admin     AdminConfig
	Broker    BrokerConfig
	Logging   LogConfig
	RateLimit RateLimitConfig
}

// AdminConfig holds the admin HTTP server configuration.
type AdminConfig struct {
	Port    string `envconfig:"ADMIN_PORT" default:"9410" yaml:"port"`
	Host    string `envconfig:"ADMIN_HOST" default:"0.0.0.0" yaml:"host"`
	Enabled bool   `envconfig:"ADMIN_ENABLED" default:"true" yaml:"enabled"`
}

// BrokerConfig holds IPC core configuration.
type BrokerConfig struct {
	// MaxMapSize caps the shared mapping each endpoint may reserve.
	MaxMapSize uint64 `envconfig:"IPC_MAX_MAP_SIZE" default:"4194304" yaml:"max_map_size"`
	// NiceLimit models the per-process RLIMIT_NICE ceiling used to clamp
	// inherited priorities. 40 allows the full -20..19 range.
	NiceLimit int `envconfig:"IPC_NICE_LIMIT" default:"40" yaml:"nice_limit"`
	// TransactionLogSize is the capacity of the in-memory transaction ring.
	TransactionLogSize int `envconfig:"IPC_TXN_LOG_SIZE" default:"32" yaml:"transaction_log_size"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info" yaml:"level"`
	Development bool   `envconfig:"LOG_DEV" default:"false" yaml:"development"`
}

// RateLimitConfig holds admin API rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"100" yaml:"requests_per_second"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"200" yaml:"burst"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true" yaml:"enabled"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadFile loads configuration from a YAML file, then lets environment
// variables override it.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	// envconfig resets every unset field to its default tag, so only the
	// variables that are actually set are copied over the file's values.
	env, err := Load()
	if err != nil {
		return nil, fmt.Errorf("failed to apply env overrides: %w", err)
	}
	dst, src := reflect.ValueOf(cfg).Elem(), reflect.ValueOf(env).Elem()
	for i := 0; i < dst.NumField(); i++ {
		section := dst.Type().Field(i).Type
		for j := 0; j < section.NumField(); j++ {
			if _, ok := os.LookupEnv(section.Field(j).Tag.Get("envconfig")); ok {
				dst.Field(i).Field(j).Set(src.Field(i).Field(j))
			}
		}
	}
	return cfg, nil
}

// LoadOrDefault loads configuration from environment or returns defaults.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Admin: AdminConfig{
			Port:    "9410",
			Host:    "0.0.0.0",
			Enabled: true,
		},
		Broker: BrokerConfig{
			MaxMapSize:         4 << 20,
			NiceLimit:          40,
			TransactionLogSize: 32,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
	}
}
