package config

import (
	"fmt"
	"net/url"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the opencatd server.
type Config struct {
	// Listen is the host:port the HTTP server binds.
	Listen string `yaml:"listen"`
	// Upstream is the base URL of the proxied completion API.
	Upstream string `yaml:"upstream"`

	Store   StoreConfig   `yaml:"store"`
	Log     LogConfig     `yaml:"log"`
	Pricing PricingConfig `yaml:"pricing"`
}

// StoreConfig selects the KV backend by DSN: mem://, redis://, a postgres
// URL or keyword DSN, or a sqlite file path.
type StoreConfig struct {
	DSN string `yaml:"dsn"`
}

// LogConfig controls logrus output. When File is set, output is rotated
// with lumberjack.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// PricingConfig points at an optional per-model price file; when set it is
// loaded at startup and hot-reloaded on change.
type PricingConfig struct {
	File string `yaml:"file"`
}

// Load reads the YAML config at path, applies defaults and environment
// overrides, and validates the result. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, errRead := os.ReadFile(path)
		if errRead != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, errRead)
		}
		if errDecode := yaml.Unmarshal(data, cfg); errDecode != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, errDecode)
		}
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	if errValidate := validate(cfg); errValidate != nil {
		return nil, errValidate
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Listen == "" {
		cfg.Listen = ":8000"
	}
	if cfg.Upstream == "" {
		cfg.Upstream = "https://api.openai.com"
	}
	if cfg.Store.DSN == "" {
		cfg.Store.DSN = "data/opencatd.db"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.MaxSizeMB <= 0 {
		cfg.Log.MaxSizeMB = 100
	}
	if cfg.Log.MaxBackups <= 0 {
		cfg.Log.MaxBackups = 3
	}
	if cfg.Log.MaxAgeDays <= 0 {
		cfg.Log.MaxAgeDays = 28
	}
}

// applyEnvOverrides lets OPENCATD_* variables take precedence over the file.
func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("OPENCATD_LISTEN"); val != "" {
		cfg.Listen = val
	}
	if val := os.Getenv("OPENCATD_UPSTREAM"); val != "" {
		cfg.Upstream = val
	}
	if val := os.Getenv("OPENCATD_STORE_DSN"); val != "" {
		cfg.Store.DSN = val
	}
	if val := os.Getenv("OPENCATD_LOG_LEVEL"); val != "" {
		cfg.Log.Level = val
	}
	if val := os.Getenv("OPENCATD_LOG_FILE"); val != "" {
		cfg.Log.File = val
	}
	if val := os.Getenv("OPENCATD_PRICING_FILE"); val != "" {
		cfg.Pricing.File = val
	}
}

func validate(cfg *Config) error {
	parsed, errParse := url.Parse(cfg.Upstream)
	if errParse != nil {
		return fmt.Errorf("config: upstream %q: %w", cfg.Upstream, errParse)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("config: upstream %q needs scheme and host", cfg.Upstream)
	}
	return nil
}
