// Package config loads engine configuration from layered sources using
// Koanf v2: built-in defaults, then an optional YAML file, then
// environment variables. Precedence is ENV > file > defaults.
package config

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
	"github.com/shopspring/decimal"
)

// DefaultConfigPaths lists the paths where config files are searched in
// order of priority. The first file found wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/points-engine/config.yaml",
	"/etc/points-engine/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "POINTS_CONFIG_PATH"

// envPrefix namespaces the engine's environment variables:
// POINTS_SERVER_PORT -> server.port, POINTS_SWAP_MIN_AMOUNT -> swap.min_amount.
const envPrefix = "POINTS_"

// Config is the full engine configuration.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Database    DatabaseConfig    `koanf:"database"`
	Swap        SwapConfig        `koanf:"swap"`
	Purchase    PurchaseConfig    `koanf:"purchase"`
	Quota       QuotaConfig       `koanf:"quota"`
	Idempotency IdempotencyConfig `koanf:"idempotency"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port            int           `koanf:"port"`
	Host            string        `koanf:"host"`
	APIKey          string        `koanf:"api_key"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	DefaultPageSize int           `koanf:"default_page_size"`
	MaxPageSize     int           `koanf:"max_page_size"`
}

// DatabaseConfig configures the SQLite store.
type DatabaseConfig struct {
	Path string `koanf:"path"`
}

// SwapConfig configures the token-swap workflow. ExchangeRate is a
// decimal string ("0.001" tokens per point).
type SwapConfig struct {
	Active           bool          `koanf:"active"`
	ExchangeRate     string        `koanf:"exchange_rate"`
	MinAmount        int64         `koanf:"min_amount"`
	MaxAmount        int64         `koanf:"max_amount"`
	MinConfirmations int           `koanf:"min_confirmations"`
	Expiry           time.Duration `koanf:"expiry"`
}

// PurchaseConfig configures the purchase workflow.
type PurchaseConfig struct {
	MinConfirmations int           `koanf:"min_confirmations"`
	Expiry           time.Duration `koanf:"expiry"`
	CatalogPath      string        `koanf:"catalog_path"`
}

// QuotaConfig configures the swap quota windows.
type QuotaConfig struct {
	DailyLimit   int64 `koanf:"daily_limit"`
	MonthlyLimit int64 `koanf:"monthly_limit"`
}

// IdempotencyConfig configures the duplicate-request guard.
type IdempotencyConfig struct {
	Retention time.Duration `koanf:"retention"`
}

// defaultConfig returns a Config with all default values. These are
// applied first, then overridden by the config file and env vars.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			Host:            "0.0.0.0",
			APIKey:          "",
			ShutdownTimeout: 10 * time.Second,
			DefaultPageSize: 20,
			MaxPageSize:     100,
		},
		Database: DatabaseConfig{
			Path: "./data/points.db",
		},
		Swap: SwapConfig{
			Active:           true,
			ExchangeRate:     "0.001",
			MinAmount:        100,
			MaxAmount:        50000,
			MinConfirmations: 3,
			Expiry:           24 * time.Hour,
		},
		Purchase: PurchaseConfig{
			MinConfirmations: 3,
			Expiry:           24 * time.Hour,
			CatalogPath:      "", // empty means built-in catalog
		},
		Quota: QuotaConfig{
			DailyLimit:   10000,
			MonthlyLimit: 100000,
		},
		Idempotency: IdempotencyConfig{
			Retention: 24 * time.Hour,
		},
	}
}

// Load loads configuration with layered sources:
//  1. Built-in defaults
//  2. Optional YAML config file
//  3. Environment variables (highest priority)
func Load() (*Config, error) {
	return LoadFile(findConfigFile())
}

// LoadFile is Load with an explicit config file path. An empty path
// skips the file layer.
func LoadFile(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	envProvider := env.Provider(envPrefix, ".", func(s string) string {
		return strings.Replace(
			strings.ToLower(strings.TrimPrefix(s, envPrefix)), "_", ".", 1)
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Server.DefaultPageSize < 1 || c.Server.DefaultPageSize > c.Server.MaxPageSize {
		return fmt.Errorf("server.default_page_size must be 1-%d, got %d",
			c.Server.MaxPageSize, c.Server.DefaultPageSize)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if _, err := decimal.NewFromString(c.Swap.ExchangeRate); err != nil {
		return fmt.Errorf("swap.exchange_rate %q is not a decimal: %w", c.Swap.ExchangeRate, err)
	}
	if c.Swap.MinAmount <= 0 || c.Swap.MaxAmount < c.Swap.MinAmount {
		return fmt.Errorf("swap amounts invalid: min %d max %d", c.Swap.MinAmount, c.Swap.MaxAmount)
	}
	if c.Swap.Expiry <= 0 {
		return fmt.Errorf("swap.expiry must be positive")
	}
	if c.Quota.DailyLimit <= 0 || c.Quota.MonthlyLimit < c.Quota.DailyLimit {
		return fmt.Errorf("quota limits invalid: daily %d monthly %d",
			c.Quota.DailyLimit, c.Quota.MonthlyLimit)
	}
	if c.Idempotency.Retention <= 0 {
		return fmt.Errorf("idempotency.retention must be positive")
	}
	return nil
}

// ExchangeRateDecimal returns the parsed swap exchange rate. Validate
// already guaranteed it parses.
func (c *Config) ExchangeRateDecimal() decimal.Decimal {
	d, _ := decimal.NewFromString(c.Swap.ExchangeRate)
	return d
}

// findConfigFile searches for a config file: the env override first,
// then the default paths.
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}
