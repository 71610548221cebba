package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"github.com/GoCodeAlone/subscriptions/cache"
	"github.com/GoCodeAlone/subscriptions/config"
	"github.com/GoCodeAlone/subscriptions/effects"
	"github.com/GoCodeAlone/subscriptions/notify"
	"github.com/GoCodeAlone/subscriptions/scale"
	"github.com/GoCodeAlone/subscriptions/store"
)

// newLogger builds the process logger from the log section.
func newLogger(w io.Writer, cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(cfg.Level))); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// deps holds the shared connections and closes them in reverse order.
type deps struct {
	pg      *pgxpool.Pool
	redis   *redis.Client
	closers []func() error
}

func (d *deps) onClose(fn func() error) {
	d.closers = append(d.closers, fn)
}

func (d *deps) Close() error {
	var first error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	d.closers = nil
	return first
}

func (d *deps) postgres(ctx context.Context, cfg store.PGConfig) (*pgxpool.Pool, error) {
	if d.pg != nil {
		return d.pg, nil
	}
	pool, err := store.OpenPGPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	d.pg = pool
	d.onClose(func() error { pool.Close(); return nil })
	return pool, nil
}

func (d *deps) redisClient(ctx context.Context, cfg cache.RedisConfig) (*redis.Client, error) {
	if d.redis != nil {
		return d.redis, nil
	}
	client, err := cache.NewRedisClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	d.redis = client
	d.onClose(client.Close)
	return client, nil
}

func (d *deps) historyStore(ctx context.Context, cfg config.StoreConfig) (store.HistoryStore, error) {
	switch cfg.Driver {
	case "memory":
		return store.NewInMemoryHistoryStore(), nil
	case "sqlite":
		hs, err := store.NewSQLiteHistoryStore(cfg.Path)
		if err != nil {
			return nil, err
		}
		d.onClose(hs.Close)
		return hs, nil
	case "postgres":
		pool, err := d.postgres(ctx, cfg.Postgres)
		if err != nil {
			return nil, err
		}
		return store.NewPGHistoryStore(ctx, pool)
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

func (d *deps) lock(ctx context.Context, cfg *config.Config, logger *slog.Logger) (scale.DistributedLock, error) {
	switch cfg.Lock.Driver {
	case "memory":
		return scale.NewInMemoryLock(), nil
	case "postgres":
		pool, err := d.postgres(ctx, cfg.Store.Postgres)
		if err != nil {
			return nil, err
		}
		db := stdlib.OpenDBFromPool(pool)
		d.onClose(db.Close)
		return scale.NewPGAdvisoryLock(db), nil
	case "redis":
		client, err := d.redisClient(ctx, cfg.Cache.Redis)
		if err != nil {
			return nil, err
		}
		return scale.NewRedisLock(client, cfg.Lock.Prefix, logger), nil
	}
	return nil, fmt.Errorf("unknown lock driver %q", cfg.Lock.Driver)
}

func (d *deps) stateCache(ctx context.Context, cfg config.CacheConfig) (cache.StateCache, error) {
	switch cfg.Driver {
	case "memory":
		return cache.NewMemoryStateCache(cfg.Memory), nil
	case "redis":
		client, err := d.redisClient(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		return cache.NewRedisStateCache(client, cfg.Redis.Prefix, cfg.Redis.TTL), nil
	}
	return nil, fmt.Errorf("unknown cache driver %q", cfg.Driver)
}

func (d *deps) publisher(cfg config.NATSConfig, logger *slog.Logger) (notify.Publisher, error) {
	if !cfg.Enabled {
		return notify.NopPublisher{}, nil
	}
	pub, err := notify.DialNATS(cfg.NATSConfig, logger)
	if err != nil {
		return nil, err
	}
	d.onClose(pub.Close)
	return pub, nil
}

// effectTable builds the effect implementations from the effects section.
func effectTable(cfg config.EffectsConfig, logger *slog.Logger) (effects.Table, error) {
	var charger effects.Charger
	switch cfg.Charger {
	case "log":
		charger = effects.NewLogCharger(logger)
	case "stripe":
		charger = effects.NewStripeCharger(cfg.Stripe)
	default:
		return nil, fmt.Errorf("unknown charger %q", cfg.Charger)
	}
	return effects.NewTable(effects.NewLogMailer(logger), charger), nil
}
