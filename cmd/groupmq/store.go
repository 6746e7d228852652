package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"

	"goa.design/groupmq/groupmq"
	"goa.design/groupmq/queue"
	"goa.design/groupmq/store"
	"goa.design/groupmq/store/pgstore"
	"goa.design/groupmq/store/redisstore"
)

// openStore connects to the configured backend. The returned function closes
// the store and its connections.
func openStore(ctx context.Context, cfg *config) (store.Store, func(), error) {
	logger := groupmq.ClueLogger(ctx)
	switch cfg.Backend {
	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		st, err := redisstore.New(ctx, rdb, cfg.Namespace,
			redisstore.WithKeyPrefix(cfg.RedisKeyPrefix),
			redisstore.WithLogger(logger))
		if err != nil {
			_ = rdb.Close()
			return nil, nil, err
		}
		return st, func() {
			_ = st.Close()
			_ = rdb.Close()
		}, nil
	case "postgres":
		pool, err := openPool(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		st, err := pgstore.New(ctx, pool, cfg.Namespace, pgstore.WithLogger(logger))
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		return st, func() {
			_ = st.Close()
			pool.Close()
		}, nil
	}
	return nil, nil, fmt.Errorf("unsupported backend %q", cfg.Backend)
}

func openPool(ctx context.Context, cfg *config) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return pool, nil
}

// withQueue opens the configured queue and calls fn.
func withQueue(ctx context.Context, cfg *config, fn func(context.Context, *queue.Queue) error) error {
	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()
	q, err := queue.New(st, queue.WithLogger(groupmq.ClueLogger(ctx)))
	if err != nil {
		return err
	}
	log.Debugf(ctx, "opened queue %q on %s", q.Name, cfg.Backend)
	return fn(ctx, q)
}
