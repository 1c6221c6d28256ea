// Package config loads the service configuration from a YAML file with
// environment overrides, and holds the engine's risk, fee, funding, spread
// and hedge parameters.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config holds every setting of the perp-engine process. LoadConfig reads it
// from YAML and then lets environment variables override connection strings
// and secrets.
type Config struct {
	Server struct {
		Port            string        `yaml:"port"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`

	Redis struct {
		URL      string        `yaml:"url"`
		CacheTTL time.Duration `yaml:"cache_ttl"`
	} `yaml:"redis"`

	NATS struct {
		URL     string `yaml:"url"`
		Subject string `yaml:"subject"`
	} `yaml:"nats"`

	Logging struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"`
	} `yaml:"logging"`

	Market struct {
		Underlying string `yaml:"underlying"`
		// Controller is the account allowed to change parameters.
		Controller string `yaml:"controller"`
		// Spot seeds the development oracle, 1e8 precision.
		Spot decimal.Decimal `yaml:"spot"`
	} `yaml:"market"`

	Params Params `yaml:"params"`
}

// ErrInvalidConfig wraps every validation failure of Config.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Default returns a configuration usable for local development.
func Default() *Config {
	var cfg Config
	cfg.Server.Port = "8080"
	cfg.Server.ShutdownTimeout = 5 * time.Second
	cfg.Redis.CacheTTL = 30 * time.Second
	cfg.NATS.Subject = "perp.events"
	cfg.Logging.Level = "info"
	cfg.Market.Underlying = "ETH"
	cfg.Market.Controller = "controller"
	cfg.Market.Spot = decimal.New(2000, 8)
	cfg.Params = DefaultParams()
	return &cfg
}

// LoadConfig reads and parses the configuration file at path. Fields missing
// from the file keep their Default values. An empty path loads defaults and
// environment overrides only.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	overrideWithEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("%w: server port is required", ErrInvalidConfig)
	}
	if c.Market.Controller == "" {
		return fmt.Errorf("%w: market controller is required", ErrInvalidConfig)
	}
	if c.Market.Underlying == "" || strings.ToUpper(c.Market.Underlying) != c.Market.Underlying {
		return fmt.Errorf("%w: underlying must be an upper-case symbol, got %q", ErrInvalidConfig, c.Market.Underlying)
	}
	if !c.Market.Spot.IsPositive() {
		return fmt.Errorf("%w: market spot must be positive", ErrInvalidConfig)
	}
	if c.Redis.URL != "" && c.Database.URL == "" {
		return fmt.Errorf("%w: redis cache requires a database url", ErrInvalidConfig)
	}
	if err := c.Params.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// overrideWithEnv replaces settings with environment variables when present.
func overrideWithEnv(cfg *Config) {
	if port := os.Getenv("PORT"); port != "" {
		cfg.Server.Port = port
	}
	if url := os.Getenv("DATABASE_URL"); url != "" {
		cfg.Database.URL = url
	}
	if url := os.Getenv("REDIS_URL"); url != "" {
		cfg.Redis.URL = url
	}
	if url := os.Getenv("NATS_URL"); url != "" {
		cfg.NATS.URL = url
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if controller := os.Getenv("PERP_CONTROLLER"); controller != "" {
		cfg.Market.Controller = controller
	}
	if spot := os.Getenv("PERP_SPOT"); spot != "" {
		if v, err := decimal.NewFromString(spot); err == nil {
			cfg.Market.Spot = v
		}
	}
}
