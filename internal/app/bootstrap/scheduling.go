// Package bootstrap wires the scheduling service from configuration for the
// binaries under cmd/.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/hackgods/clinic-scheduling/internal/config"
	"github.com/hackgods/clinic-scheduling/internal/db"
	"github.com/hackgods/clinic-scheduling/internal/logger"
	"github.com/hackgods/clinic-scheduling/internal/metrics"
	redisclient "github.com/hackgods/clinic-scheduling/internal/redis"
	"github.com/hackgods/clinic-scheduling/internal/scheduling"
)

// Runtime holds the service and the connections behind it.
type Runtime struct {
	Service  *scheduling.Service
	Store    scheduling.Store
	Pool     *pgxpool.Pool
	Redis    *redis.Client
	Registry *prometheus.Registry
}

// Build connects to the configured store and lock backend. With the memory
// store an unreachable Redis falls back to an in-process lock; with Postgres
// it is an error, since several instances share the slots.
func Build(ctx context.Context, cfg config.Config, log *logger.Logger) (*Runtime, error) {
	rt := &Runtime{Registry: prometheus.NewRegistry()}
	rt.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	switch cfg.Store {
	case config.StorePostgres:
		pgCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		pool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("postgres connection error: %w", err)
		}
		rt.Pool = pool
		rt.Store = scheduling.NewPgStore(pool)
		log.Info("connected to Postgres")
	case config.StoreMemory:
		rt.Store = scheduling.NewMemoryStore()
		log.Warn("using in-memory store, data is lost on restart")
	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Store)
	}

	var locker redisclient.Locker
	if cfg.RedisAddr != "" {
		rdb, err := redisclient.NewRedisClient(redisclient.Options{
			Addr:     cfg.RedisAddr,
			Username: cfg.RedisUsername,
			Password: cfg.RedisPassword,
		})
		switch {
		case err == nil:
			rt.Redis = rdb
			locker = redisclient.NewRedisSlotLocker(rdb, cfg.LockTTL)
			log.Info("connected to Redis")
		case cfg.Store == config.StoreMemory:
			log.WithError(err).Warn("redis unavailable, using in-process slot lock")
		default:
			rt.Close()
			return nil, fmt.Errorf("redis connection error: %w", err)
		}
	}
	if locker == nil {
		locker = redisclient.NewLocalLocker()
	}

	m := metrics.NewSchedulingMetrics(rt.Registry)
	rt.Service = scheduling.NewService(rt.Store, locker, cfg, m, log)
	return rt, nil
}

func (rt *Runtime) Close() {
	if rt.Redis != nil {
		_ = rt.Redis.Close()
	}
	if rt.Pool != nil {
		rt.Pool.Close()
	}
}
