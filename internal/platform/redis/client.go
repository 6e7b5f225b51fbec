// Package redis owns the shared redis connection. The only redis consumer
// in this service is the gate verdict cache, so the client is optional:
// an empty URL means verdicts are cached in process memory instead.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"signgate/internal/platform/config"
)

// startupPingTimeout bounds the connectivity check in New. A redis that
// cannot answer a ping at boot is a misconfiguration, not a transient.
const startupPingTimeout = 5 * time.Second

// Client embeds the go-redis client and adds a health probe for /healthz.
type Client struct {
	*redis.Client
}

// New dials redis from cfg, or returns (nil, nil) when no URL is set so
// callers can fall back to the in-memory cache.
func New(cfg config.RedisConfig) (*Client, error) {
	if cfg.URL == "" {
		return nil, nil
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.MinIdleConns > 0 {
		opts.MinIdleConns = cfg.MinIdleConns
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if cfg.ReadTimeout > 0 {
		opts.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		opts.WriteTimeout = cfg.WriteTimeout
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), startupPingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &Client{Client: client}, nil
}

// Health reports whether redis is reachable.
func (c *Client) Health(ctx context.Context) error {
	return c.Ping(ctx).Err()
}
