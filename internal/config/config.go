// Package config loads and validates engine configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Driver kinds.
const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Bus kinds.
const (
	BusMemory = "memory"
	BusRedis  = "redis"
	BusNATS   = "nats"
)

// Config is the root engine configuration.
type Config struct {
	Worker        WorkerConfig        `yaml:"worker"`
	Driver        DriverConfig        `yaml:"driver"`
	Bus           BusConfig           `yaml:"bus"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// WorkerConfig describes how a worker pulls and runs workflows.
type WorkerConfig struct {
	PullLimit               int           `yaml:"pull_limit"`
	LeaseTTL                time.Duration `yaml:"lease_ttl"`
	TickInterval            time.Duration `yaml:"tick_interval"`
	GCInterval              time.Duration `yaml:"gc_interval"`
	ShutdownTimeout         time.Duration `yaml:"shutdown_timeout"`
	ActivityConcurrency     int           `yaml:"activity_concurrency"`
	ActivityTimeout         time.Duration `yaml:"activity_timeout"`
	MaxActivityRetries      int           `yaml:"max_activity_retries"`
	InProcessSleepThreshold time.Duration `yaml:"in_process_sleep_threshold"`
}

// DriverConfig selects and configures the storage driver.
type DriverConfig struct {
	Kind   string      `yaml:"kind"`
	Redis  RedisConfig `yaml:"redis"`
	SQL    SQLConfig   `yaml:"sql"`
	SQLite string      `yaml:"sqlite_path"`
}

// RedisConfig describes the Redis connection shared by the Redis driver and
// the Redis bus.
type RedisConfig struct {
	AddrEnv string `yaml:"addr_env"`
	Addr    string `yaml:"addr"`
	DB      int    `yaml:"db"`
	Prefix  string `yaml:"prefix"`
}

// SQLConfig describes the Postgres connection.
type SQLConfig struct {
	DSNEnv          string        `yaml:"dsn_env"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// BusConfig selects the wake and message plane.
type BusConfig struct {
	Kind       string `yaml:"kind"`
	NATSURLEnv string `yaml:"nats_url_env"`
	NATSURL    string `yaml:"nats_url"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes the ops HTTP server that exposes Prometheus
// metrics and health endpoints.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Worker: WorkerConfig{
			PullLimit:               50,
			LeaseTTL:                60 * time.Second,
			TickInterval:            5 * time.Second,
			GCInterval:              20 * time.Second,
			ShutdownTimeout:         30 * time.Second,
			ActivityConcurrency:     64,
			ActivityTimeout:         60 * time.Second,
			MaxActivityRetries:      8,
			InProcessSleepThreshold: time.Second,
		},
		Driver: DriverConfig{
			Kind: DriverMemory,
			Redis: RedisConfig{
				AddrEnv: "DURABLE_REDIS_ADDR",
				Addr:    "localhost:6379",
				Prefix:  "durable",
			},
			SQL: SQLConfig{
				DSNEnv:          "DURABLE_DATABASE_URL",
				MaxOpenConns:    25,
				MaxIdleConns:    5,
				ConnMaxLifetime: 5 * time.Minute,
			},
			SQLite: "durable.db",
		},
		Bus: BusConfig{
			Kind:       BusMemory,
			NATSURLEnv: "DURABLE_NATS_URL",
			NATSURL:    "nats://localhost:4222",
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Listen:  ":9464",
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Worker.PullLimit < 1 {
		errs = append(errs, "worker.pull_limit must be positive")
	}
	if c.Worker.LeaseTTL <= 0 {
		errs = append(errs, "worker.lease_ttl must be positive")
	}
	if c.Worker.GCInterval >= c.Worker.LeaseTTL {
		errs = append(errs, "worker.gc_interval must be shorter than worker.lease_ttl")
	}
	if c.Worker.TickInterval <= 0 {
		errs = append(errs, "worker.tick_interval must be positive")
	}
	if c.Worker.ActivityConcurrency < 1 {
		errs = append(errs, "worker.activity_concurrency must be positive")
	}
	if c.Worker.MaxActivityRetries < 1 {
		errs = append(errs, "worker.max_activity_retries must be positive")
	}

	switch c.Driver.Kind {
	case DriverMemory:
	case DriverRedis:
		if c.Driver.Redis.Addr == "" {
			errs = append(errs, "driver.redis.addr is required for the redis driver")
		}
	case DriverPostgres:
		if c.Driver.SQL.DSN == "" {
			errs = append(errs, "driver.sql.dsn (or its dsn_env variable) is required for the postgres driver")
		}
	case DriverSQLite:
		if c.Driver.SQLite == "" {
			errs = append(errs, "driver.sqlite_path is required for the sqlite driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("driver.kind %q is not one of memory, redis, postgres, sqlite", c.Driver.Kind))
	}

	switch c.Bus.Kind {
	case BusMemory, BusRedis:
	case BusNATS:
		if c.Bus.NATSURL == "" {
			errs = append(errs, "bus.nats_url is required for the nats bus")
		}
	default:
		errs = append(errs, fmt.Sprintf("bus.kind %q is not one of memory, redis, nats", c.Bus.Kind))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads DURABLE_* environment variables and overrides
// config values. Connection strings are read from the variables the config
// names, so secrets stay out of the file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DURABLE_DRIVER"); v != "" {
		cfg.Driver.Kind = v
	}
	if v := os.Getenv("DURABLE_BUS"); v != "" {
		cfg.Bus.Kind = v
	}
	if v := os.Getenv("DURABLE_SQLITE_PATH"); v != "" {
		cfg.Driver.SQLite = v
	}
	if v := os.Getenv("DURABLE_PULL_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Worker.PullLimit = n
		}
	}
	if v := os.Getenv("DURABLE_LEASE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Worker.LeaseTTL = d
		}
	}
	if v := os.Getenv("DURABLE_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if env := cfg.Driver.Redis.AddrEnv; env != "" {
		if v := os.Getenv(env); v != "" {
			cfg.Driver.Redis.Addr = v
		}
	}
	if env := cfg.Driver.SQL.DSNEnv; env != "" {
		if v := os.Getenv(env); v != "" {
			cfg.Driver.SQL.DSN = v
		}
	}
	if env := cfg.Bus.NATSURLEnv; env != "" {
		if v := os.Getenv(env); v != "" {
			cfg.Bus.NATSURL = v
		}
	}
}
