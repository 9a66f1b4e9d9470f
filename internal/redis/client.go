// Package redis opens the go-redis client behind the redis store backend.
package redis

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/mossy-p/meet-signaling/config"
	"github.com/redis/go-redis/v9"
)

const defaultTimeout = 5 * time.Second

// Options maps the server configuration onto go-redis options. Every network
// call of the store is bounded by timeout.
func Options(cfg config.RedisConfig, timeout time.Duration) *redis.Options {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &redis.Options{
		Addr:         net.JoinHostPort(cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
		// chat appends and participant records come in bursts on join
		MinIdleConns: 2,
	}
}

// Connect opens a client and pings the server once. The caller owns the
// returned client and closes it on shutdown.
func Connect(ctx context.Context, cfg config.RedisConfig, timeout time.Duration) (*redis.Client, error) {
	opts := Options(cfg, timeout)
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", opts.Addr, err)
	}

	return client, nil
}
