// Package infra connects the external services selected by configuration.
package infra

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/maibot/chatpoints/internal/config"
	"github.com/maibot/chatpoints/internal/store"
)

// Resources are the connections a process holds. DB and Cache are nil
// when not configured.
type Resources struct {
	Backend store.Backend
	DB      *pgxpool.Pool
	Cache   *redis.Client

	closers []func() error
}

// Open connects Redis when REDIS_URL is set and builds the document
// backend named by STORE_DRIVER.
func Open(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Resources, error) {
	r := &Resources{}
	if cfg.RedisURL != "" {
		cache, err := NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		r.Cache = cache
		r.closers = append(r.closers, cache.Close)
	}

	backend, err := r.openBackend(ctx, cfg)
	if err != nil {
		_ = r.Close()
		return nil, err
	}
	r.Backend = backend
	logger.Info("document store ready", zap.String("driver", cfg.StoreDriver), zap.Bool("redis", r.Cache != nil))
	return r, nil
}

func (r *Resources) openBackend(ctx context.Context, cfg config.Config) (store.Backend, error) {
	switch cfg.StoreDriver {
	case config.DriverFile:
		return store.NewFileBackend(cfg.DataDir)
	case config.DriverSQLite:
		b, err := store.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		r.closers = append(r.closers, b.Close)
		return b, nil
	case config.DriverPostgres:
		pool, err := NewPostgresPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		r.DB = pool
		r.closers = append(r.closers, func() error { pool.Close(); return nil })
		return store.NewPostgresBackend(ctx, pool)
	case config.DriverRedis:
		if r.Cache == nil {
			return nil, fmt.Errorf("store driver redis: REDIS_URL is not set")
		}
		return store.NewRedisBackend(r.Cache, ""), nil
	case config.DriverMemory:
		return store.NewMemoryBackend(), nil
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.StoreDriver)
	}
}

// Close releases every connection in reverse order of opening.
func (r *Resources) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}
