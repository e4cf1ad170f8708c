package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// ConfigPathEnvVar points at an explicit config file; when unset the default
// paths are searched.
const ConfigPathEnvVar = "ORDERD_CONFIG"

var defaultConfigPaths = []string{
	"orderd.yaml",
	"/etc/orderd/orderd.yaml",
}

type Config struct {
	Listen string       `koanf:"listen"`
	Log    LogConfig    `koanf:"log"`
	Store  StoreConfig  `koanf:"store"`
	Outbox OutboxConfig `koanf:"outbox"`
	Retry  RetryConfig  `koanf:"retry"`
}

type LogConfig struct {
	Level string `koanf:"level"`
}

type StoreConfig struct {
	Path string `koanf:"path"`
}

type OutboxConfig struct {
	PollInterval time.Duration `koanf:"poll_interval"`
	BatchSize    int           `koanf:"batch_size"`
}

type RetryConfig struct {
	MaxAttempts int           `koanf:"max_attempts"`
	Delay       time.Duration `koanf:"delay"`
}

func defaultConfig() Config {
	return Config{
		Listen: ":8080",
		Log:    LogConfig{Level: "info"},
		Store:  StoreConfig{Path: "orderd.db"},
		Outbox: OutboxConfig{
			PollInterval: 100 * time.Millisecond,
			BatchSize:    64,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			Delay:       250 * time.Millisecond,
		},
	}
}

// loadConfig loads configuration with layered sources, later layers winning:
//  1. built-in defaults
//  2. optional YAML config file
//  3. ORDERD_* environment variables (ORDERD_RETRY_MAX_ATTEMPTS -> retry.max_attempts)
func loadConfig() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	envProvider := env.Provider("ORDERD_", ".", func(s string) string {
		key := strings.ToLower(strings.TrimPrefix(s, "ORDERD_"))
		// First segment is the section, the rest is the key:
		// ORDERD_RETRY_MAX_ATTEMPTS -> retry.max_attempts
		parts := strings.SplitN(key, "_", 2)
		if len(parts) == 1 {
			return key
		}
		return parts[0] + "." + parts[1]
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Outbox.PollInterval <= 0 {
		return fmt.Errorf("outbox.poll_interval must be positive, got %s", c.Outbox.PollInterval)
	}
	return nil
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range defaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}
