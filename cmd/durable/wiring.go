package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/pitabwire/durable/bus"
	"github.com/pitabwire/durable/driver"
	"github.com/pitabwire/durable/driver/memory"
	"github.com/pitabwire/durable/driver/redisdb"
	"github.com/pitabwire/durable/driver/sqldb"
	"github.com/pitabwire/durable/internal/config"
	"github.com/pitabwire/durable/internal/observability"
	"github.com/pitabwire/durable/model"
	"github.com/pitabwire/durable/workflow"
)

// loadConfig reads the file named by --config and applies the global flags
// on top of it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return nil, err
	}
	if v := viper.GetString("driver"); v != "" {
		cfg.Driver.Kind = v
	}
	if v := viper.GetString("bus"); v != "" {
		cfg.Bus.Kind = v
	}
	if v := viper.GetString("log-level"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}
	return cfg, nil
}

// openDriver builds the configured bus and driver. The returned closer
// releases them in reverse order.
func openDriver(ctx context.Context, cfg *config.Config, logger *zap.Logger) (model.Driver, func(), error) {
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	var rdb *redis.Client
	if cfg.Driver.Kind == config.DriverRedis || cfg.Bus.Kind == config.BusRedis {
		rdb = redis.NewClient(&redis.Options{
			Addr: cfg.Driver.Redis.Addr,
			DB:   cfg.Driver.Redis.DB,
		})
		closers = append(closers, func() {
			if err := rdb.Close(); err != nil {
				logger.Warn("redis close failed", zap.Error(err))
			}
		})
	}

	opts := []driver.Option{
		driver.WithLogger(logger),
		driver.WithPullLimit(cfg.Worker.PullLimit),
		driver.WithLeaseTTL(cfg.Worker.LeaseTTL),
	}

	switch cfg.Bus.Kind {
	case config.BusRedis:
		opts = append(opts, driver.WithBus(bus.NewRedis(rdb)))
	case config.BusNATS:
		nb, err := bus.ConnectNATS(cfg.Bus.NATSURL)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("bus: %w", err)
		}
		closers = append(closers, func() {
			if err := nb.Close(); err != nil {
				logger.Warn("nats close failed", zap.Error(err))
			}
		})
		opts = append(opts, driver.WithBus(nb))
	}

	var drv model.Driver
	switch cfg.Driver.Kind {
	case config.DriverMemory:
		logger.Info("using in-memory driver")
		drv = memory.New(opts...)
	case config.DriverRedis:
		logger.Info("using redis driver", zap.String("addr", cfg.Driver.Redis.Addr))
		drv = redisdb.New(rdb, cfg.Driver.Redis.Prefix, opts...)
	case config.DriverPostgres:
		poolCfg, err := pgxpool.ParseConfig(cfg.Driver.SQL.DSN)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("driver: parse DSN: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.Driver.SQL.MaxOpenConns)
		poolCfg.MinConns = int32(cfg.Driver.SQL.MaxIdleConns)
		poolCfg.MaxConnLifetime = cfg.Driver.SQL.ConnMaxLifetime

		d, err := sqldb.OpenPostgresPool(ctx, poolCfg, opts...)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("driver: %w", err)
		}
		logger.Info("using postgres driver")
		drv = d
	case config.DriverSQLite:
		d, err := sqldb.OpenSQLite(ctx, cfg.Driver.SQLite, opts...)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("driver: %w", err)
		}
		logger.Info("using sqlite driver", zap.String("path", cfg.Driver.SQLite))
		drv = d
	default:
		closeAll()
		return nil, nil, fmt.Errorf("driver: unsupported kind %q", cfg.Driver.Kind)
	}

	closers = append(closers, func() {
		if err := drv.Close(); err != nil {
			logger.Warn("driver close failed", zap.Error(err))
		}
	})
	return drv, closeAll, nil
}

// withClient opens the configured driver for a single operator command.
func withClient(ctx context.Context, fn func(context.Context, *workflow.Client) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Driver.Kind == config.DriverMemory {
		fmt.Fprintln(os.Stderr, "warning: the memory driver does not outlive this command")
	}
	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	drv, closeDriver, err := openDriver(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeDriver()

	return fn(ctx, workflow.NewClient(drv, workflow.WithLogger(logger)))
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// jsonArg validates an optional JSON positional argument. A missing argument
// is JSON null.
func jsonArg(args []string, i int) ([]byte, error) {
	if len(args) <= i {
		return []byte("null"), nil
	}
	raw := []byte(args[i])
	if !json.Valid(raw) {
		return nil, errors.New("argument is not valid JSON")
	}
	return raw, nil
}
