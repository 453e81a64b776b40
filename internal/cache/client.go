// Package cache wraps the optional Redis dependency.
package cache

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/redis/go-redis/v9"

	"sdexindexer/internal/config"
)

// Client wraps a go-redis client. The indexer only needs its liveness.
type Client struct {
	rdb *redis.Client
}

// New builds a client without contacting the server. An unreachable cache
// then shows up as unhealthy instead of failing startup.
func New(cfg config.RedisConfig) (*Client, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis: addr is required")
	}

	opts := &redis.Options{
		Addr:       cfg.Addr,
		Password:   cfg.Password,
		DB:         cfg.DB,
		PoolSize:   cfg.PoolSize,
		MaxRetries: cfg.MaxRetries,
	}
	if cfg.TLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	return &Client{rdb: redis.NewClient(opts)}, nil
}

// Connect creates the client and pings it once.
func Connect(ctx context.Context, cfg config.RedisConfig) (*Client, error) {
	client, err := New(cfg)
	if err != nil {
		return nil, err
	}
	if err := client.rdb.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return client, nil
}

// NewClient wraps an existing go-redis client.
func NewClient(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

// IsHealthy reports whether a PING round trip succeeds before ctx expires.
func (c *Client) IsHealthy(ctx context.Context) bool {
	if c == nil || c.rdb == nil {
		return false
	}
	return c.rdb.Ping(ctx).Err() == nil
}

// Close closes the Redis connection pool.
func (c *Client) Close() error {
	if c == nil || c.rdb == nil {
		return nil
	}
	return c.rdb.Close()
}
