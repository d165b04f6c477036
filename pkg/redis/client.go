// Package redis opens the Redis client used by the Redis cursor store.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/redis/go-redis/v9"
)

type Config struct {
	URL         string        `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	KeyPrefix   string        `env:"REDIS_KEY_PREFIX" envDefault:"ingestor"`
	DialTimeout time.Duration `env:"REDIS_DIAL_TIMEOUT" envDefault:"5s"`
}

// LoadConfig reads the Redis configuration from the environment.
func LoadConfig() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("failed to parse redis config: %w", err)
	}
	return cfg, nil
}

// New parses cfg.URL, connects and pings the server.
func New(ctx context.Context, cfg Config) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}
