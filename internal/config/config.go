// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Crawler CrawlerConfig `mapstructure:"crawler"`
	Fetch   FetchConfig   `mapstructure:"fetch"`
	Verify  VerifyConfig  `mapstructure:"verify"`
	Store   StoreConfig   `mapstructure:"store"`
	Signal  SignalConfig  `mapstructure:"signal"`
	Logging LoggingConfig `mapstructure:"logging"`
	Tracing TracingConfig `mapstructure:"tracing"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                  int `mapstructure:"port"`
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CrawlerConfig governs the worker pool.
type CrawlerConfig struct {
	Concurrency      int    `mapstructure:"concurrency"`
	PollIntervalMs   int    `mapstructure:"poll_interval_ms"`
	StopGraceSeconds int    `mapstructure:"stop_grace_seconds"`
	MaxRetries       int    `mapstructure:"max_retries"`
	UserAgent        string `mapstructure:"user_agent"`
	RespectRobots    bool   `mapstructure:"respect_robots"`
}

// FetchConfig configures the primary page fetch.
type FetchConfig struct {
	TimeoutSeconds int   `mapstructure:"timeout_seconds"`
	MaxRedirects   int   `mapstructure:"max_redirects"`
	MaxBodyBytes   int64 `mapstructure:"max_body_bytes"`
}

// VerifyConfig configures link verification.
type VerifyConfig struct {
	Concurrency    int     `mapstructure:"concurrency"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	PerHostRPS     float64 `mapstructure:"per_host_rps"`
	PerHostBurst   int     `mapstructure:"per_host_burst"`
}

// StoreConfig selects and configures the job store.
type StoreConfig struct {
	Driver                 string `mapstructure:"driver"`
	DSN                    string `mapstructure:"dsn"`
	MaxConns               int32  `mapstructure:"max_conns"`
	MinConns               int32  `mapstructure:"min_conns"`
	MaxConnLifetimeMinutes int    `mapstructure:"max_conn_lifetime_minutes"`
	Migrate                bool   `mapstructure:"migrate"`
}

// SignalConfig selects how idle workers are woken.
type SignalConfig struct {
	Driver        string `mapstructure:"driver"`
	Buffer        int    `mapstructure:"buffer"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	Channel       string `mapstructure:"channel"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TracingConfig controls OpenTelemetry span sampling.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 30)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("crawler.concurrency", 4)
	v.SetDefault("crawler.poll_interval_ms", 1000)
	v.SetDefault("crawler.stop_grace_seconds", 5)
	v.SetDefault("crawler.max_retries", 0)
	v.SetDefault("crawler.user_agent", "site-analyzer/0.1")
	v.SetDefault("crawler.respect_robots", false)
	v.SetDefault("fetch.timeout_seconds", 30)
	v.SetDefault("fetch.max_redirects", 10)
	v.SetDefault("fetch.max_body_bytes", 10<<20)
	v.SetDefault("verify.concurrency", 10)
	v.SetDefault("verify.timeout_seconds", 10)
	v.SetDefault("verify.per_host_rps", 0)
	v.SetDefault("verify.per_host_burst", 5)
	v.SetDefault("store.driver", DriverMemory)
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 0)
	v.SetDefault("store.max_conn_lifetime_minutes", 30)
	v.SetDefault("store.migrate", true)
	v.SetDefault("signal.driver", DriverMemory)
	v.SetDefault("signal.buffer", 64)
	v.SetDefault("signal.channel", "crawler:wake")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Crawler.Concurrency <= 0 {
		return fmt.Errorf("crawler.concurrency must be > 0")
	}
	if c.Crawler.PollIntervalMs <= 0 {
		return fmt.Errorf("crawler.poll_interval_ms must be > 0")
	}
	if c.Crawler.MaxRetries < 0 {
		return fmt.Errorf("crawler.max_retries must be >= 0")
	}
	if c.Fetch.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetch.timeout_seconds must be > 0")
	}
	if c.Fetch.MaxRedirects < 0 {
		return fmt.Errorf("fetch.max_redirects must be >= 0")
	}
	if c.Verify.Concurrency <= 0 {
		return fmt.Errorf("verify.concurrency must be > 0")
	}
	if c.Verify.TimeoutSeconds <= 0 {
		return fmt.Errorf("verify.timeout_seconds must be > 0")
	}
	if c.Verify.PerHostRPS < 0 {
		return fmt.Errorf("verify.per_host_rps must be >= 0")
	}
	switch c.Store.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("store.driver must be %q or %q", DriverMemory, DriverPostgres)
	}
	switch c.Signal.Driver {
	case DriverMemory:
	case DriverRedis:
		if c.Signal.RedisAddr == "" {
			return fmt.Errorf("signal.redis_addr is required for the redis driver")
		}
	default:
		return fmt.Errorf("signal.driver must be %q or %q", DriverMemory, DriverRedis)
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0, 1]")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// FetchTimeout returns the primary fetch timeout.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetch.TimeoutSeconds) * time.Second
}

// VerifyTimeout returns the per-link probe timeout.
func (c Config) VerifyTimeout() time.Duration {
	return time.Duration(c.Verify.TimeoutSeconds) * time.Second
}

// PollInterval returns how often idle workers look for queued jobs.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Crawler.PollIntervalMs) * time.Millisecond
}

// StopGrace bounds how long shutdown waits for in-flight runs.
func (c Config) StopGrace() time.Duration {
	return time.Duration(c.Crawler.StopGraceSeconds) * time.Second
}

// RequestTimeout bounds a single API request.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}

// ConnLifetime returns the Postgres connection lifetime.
func (c Config) ConnLifetime() time.Duration {
	return time.Duration(c.Store.MaxConnLifetimeMinutes) * time.Minute
}
