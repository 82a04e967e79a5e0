// Package redis connects to the feature-flag backend.
package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"census/internal/platform/config"
)

// New dials the flag backend described by cfg and verifies it with a ping.
// Returns (nil, nil) when no URL is configured; callers treat a nil client
// as "every flag off".
func New(cfg config.RedisConfig) (*redis.Client, error) {
	if cfg.URL == "" {
		return nil, nil
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse flag backend URL: %w", err)
	}
	opts.PoolSize = cfg.PoolSize
	opts.MinIdleConns = cfg.MinIdleConns
	opts.DialTimeout = cfg.DialTimeout
	opts.ReadTimeout = cfg.ReadTimeout
	opts.WriteTimeout = cfg.WriteTimeout

	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping flag backend: %w", err)
	}
	return client, nil
}
