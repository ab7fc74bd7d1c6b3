package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/rl1809/collectible-market/internal/adapter/storage"
	"github.com/rl1809/collectible-market/internal/config"
	"github.com/rl1809/collectible-market/internal/port"
	"github.com/rl1809/collectible-market/migrations"
)

type storeBackend interface {
	port.Store
	port.CatalogRepository
}

type database struct {
	store   storeBackend
	migrate func(ctx context.Context) error
	close   func()
}

func openDatabase(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (*database, error) {
	switch cfg.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to connect postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to ping postgres: %w", err)
		}
		logger.Info("connected to postgres")
		return &database{
			store:   storage.NewPostgresAdapter(pool),
			migrate: func(ctx context.Context) error { return migrations.ApplyPostgres(ctx, pool) },
			close:   pool.Close,
		}, nil

	case "sqlite":
		db, err := storage.OpenSQLite(cfg.DSN)
		if err != nil {
			return nil, err
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to open sqlite %s: %w", cfg.DSN, err)
		}
		logger.Info("opened sqlite", "path", cfg.DSN)
		return &database{
			store:   storage.NewSQLiteAdapter(db),
			migrate: func(ctx context.Context) error { return migrations.ApplySQL(ctx, db, "sqlite") },
			close:   func() { db.Close() },
		}, nil

	default:
		db, err := sql.Open("mysql", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to connect mysql: %w", err)
		}
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to ping mysql: %w", err)
		}
		logger.Info("connected to mysql")
		return &database{
			store:   storage.NewMySQLAdapter(db),
			migrate: func(ctx context.Context) error { return migrations.ApplySQL(ctx, db, "mysql") },
			close:   func() { db.Close() },
		}, nil
	}
}

// openRedis returns nil when no address is configured.
func openRedis(ctx context.Context, cfg config.RedisConfig, logger *slog.Logger) (*redis.Client, error) {
	if cfg.Addr == "" {
		logger.Info("redis disabled; rate limiting, webhook dedupe and sweep leadership are off")
		return nil, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect redis: %w", err)
	}
	logger.Info("connected to redis", "addr", cfg.Addr)
	return rdb, nil
}
