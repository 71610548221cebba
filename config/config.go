// Package config loads the service configuration from a YAML file and
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/GoCodeAlone/subscriptions/cache"
	"github.com/GoCodeAlone/subscriptions/durable"
	"github.com/GoCodeAlone/subscriptions/effects"
	"github.com/GoCodeAlone/subscriptions/notify"
	"github.com/GoCodeAlone/subscriptions/observability/tracing"
	"github.com/GoCodeAlone/subscriptions/store"
)

// EnvPrefix prefixes every environment override, e.g.
// SUBSCRIPTIONS_STORE_DRIVER.
const EnvPrefix = "SUBSCRIPTIONS_"

// Config is the complete service configuration.
type Config struct {
	Server  ServerConfig          `yaml:"server" envPrefix:"SERVER_"`
	Log     LogConfig             `yaml:"log" envPrefix:"LOG_"`
	Store   StoreConfig           `yaml:"store" envPrefix:"STORE_"`
	Lock    LockConfig            `yaml:"lock" envPrefix:"LOCK_"`
	Cache   CacheConfig           `yaml:"cache" envPrefix:"CACHE_"`
	Effects EffectsConfig         `yaml:"effects" envPrefix:"EFFECTS_"`
	NATS    NATSConfig            `yaml:"nats" envPrefix:"NATS_"`
	Tracing tracing.Config        `yaml:"tracing" envPrefix:"TRACING_"`
	Metrics durable.MetricsConfig `yaml:"metrics" envPrefix:"METRICS_"`
	Runtime durable.Config        `yaml:"runtime" envPrefix:"RUNTIME_"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr string `yaml:"addr" env:"ADDR"`
	// RateLimit is the number of API requests per minute per client IP.
	RateLimit         int           `yaml:"rate_limit" env:"RATE_LIMIT"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" env:"READ_HEADER_TIMEOUT"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

// StoreConfig selects the history store.
type StoreConfig struct {
	// Driver is memory, sqlite or postgres.
	Driver   string         `yaml:"driver" env:"DRIVER"`
	Path     string         `yaml:"path" env:"PATH"`
	Postgres store.PGConfig `yaml:"postgres" envPrefix:"POSTGRES_"`
}

// LockConfig selects the instance lock. The redis driver uses the
// connection settings of cache.redis; the postgres driver uses
// store.postgres.
type LockConfig struct {
	// Driver is memory, postgres or redis.
	Driver string `yaml:"driver" env:"DRIVER"`
	Prefix string `yaml:"prefix" env:"PREFIX"`
}

// CacheConfig selects the snapshot cache.
type CacheConfig struct {
	// Driver is memory or redis.
	Driver string             `yaml:"driver" env:"DRIVER"`
	Memory cache.MemoryConfig `yaml:"memory" envPrefix:"MEMORY_"`
	Redis  cache.RedisConfig  `yaml:"redis" envPrefix:"REDIS_"`
}

// EffectsConfig configures effect execution.
type EffectsConfig struct {
	Retry effects.RetryConfig `yaml:"retry" envPrefix:"RETRY_"`
	// Charger is log or stripe.
	Charger string               `yaml:"charger" env:"CHARGER"`
	Stripe  effects.StripeConfig `yaml:"stripe" envPrefix:"STRIPE_"`
}

// NATSConfig enables transition notifications.
type NATSConfig struct {
	Enabled           bool `yaml:"enabled" env:"ENABLED"`
	notify.NATSConfig `yaml:",inline"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:              ":8080",
			RateLimit:         600,
			ReadHeaderTimeout: 5 * time.Second,
			ShutdownTimeout:   15 * time.Second,
		},
		Log:   LogConfig{Level: "info", Format: "text"},
		Store: StoreConfig{Driver: "sqlite", Path: "subscriptions.db"},
		Lock:  LockConfig{Driver: "memory", Prefix: "subscriptions:lock:"},
		Cache: CacheConfig{
			Driver: "memory",
			Memory: cache.DefaultMemoryConfig(),
			Redis: cache.RedisConfig{
				Address: "localhost:6379",
				Prefix:  "subscriptions:state:",
				TTL:     24 * time.Hour,
			},
		},
		Effects: EffectsConfig{
			Retry:   effects.DefaultRetryConfig(),
			Charger: "log",
			Stripe:  effects.StripeConfig{Currency: "usd"},
		},
		NATS:    NATSConfig{NATSConfig: notify.DefaultNATSConfig()},
		Tracing: tracing.DefaultConfig(),
		Metrics: durable.DefaultMetricsConfig(),
		Runtime: durable.DefaultConfig(),
	}
}

// LoadFromFile reads path over the defaults and applies environment
// overrides. An empty path loads only defaults and environment.
func LoadFromFile(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with SUBSCRIPTIONS_* environment variables.
func ApplyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate rejects unknown drivers and unusable values.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}
	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required for sqlite"))
		}
	case "postgres":
		if c.Store.Postgres.URL == "" {
			errs = append(errs, errors.New("store.postgres.url is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q must be memory, sqlite or postgres", c.Store.Driver))
	}
	switch c.Lock.Driver {
	case "memory", "redis":
	case "postgres":
		if c.Store.Postgres.URL == "" {
			errs = append(errs, errors.New("lock.driver postgres needs store.postgres.url"))
		}
	default:
		errs = append(errs, fmt.Errorf("lock.driver %q must be memory, postgres or redis", c.Lock.Driver))
	}
	switch c.Cache.Driver {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("cache.driver %q must be memory or redis", c.Cache.Driver))
	}
	if (c.Lock.Driver == "redis" || c.Cache.Driver == "redis") && c.Cache.Redis.Address == "" {
		errs = append(errs, errors.New("cache.redis.address is required when redis is used"))
	}
	switch c.Effects.Charger {
	case "log":
	case "stripe":
		if c.Effects.Stripe.APIKey == "" {
			errs = append(errs, errors.New("effects.stripe.api_key is required for the stripe charger"))
		}
	default:
		errs = append(errs, fmt.Errorf("effects.charger %q must be log or stripe", c.Effects.Charger))
	}
	if c.Effects.Retry.Timeout <= 0 {
		errs = append(errs, errors.New("effects.retry.timeout must be positive"))
	}
	if c.Effects.Retry.MaxAttempts <= 0 {
		errs = append(errs, errors.New("effects.retry.max_attempts must be positive"))
	}
	if c.Runtime.Workers.MaxWorkers <= 0 {
		errs = append(errs, errors.New("runtime.workers.max_workers must be positive"))
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("tracing.sample_rate %v must be within [0, 1]", c.Tracing.SampleRate))
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		errs = append(errs, errors.New("nats.url is required when nats is enabled"))
	}
	return errors.Join(errs...)
}
