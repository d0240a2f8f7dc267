// Package redis implements the shared cache, pub/sub, locking and emergency
// mirror on go-redis/v9. Every key lives under one namespace so several
// deployments can share a Redis database.
package redis

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// ClientConfig holds connection parameters for the Redis client.
type ClientConfig struct {
	Addr       string
	Password   string
	DB         int
	PoolSize   int
	MaxRetries int
	TLSEnabled bool
	// Namespace prefixes every key and channel. Defaults to "venuecore".
	Namespace string
}

// Client wraps a go-redis Client with the key namespace.
type Client struct {
	rdb *redis.Client
	ns  string
}

// New connects and pings Redis.
func New(ctx context.Context, cfg ClientConfig) (*Client, error) {
	opts := &redis.Options{
		Addr:       cfg.Addr,
		Password:   cfg.Password,
		DB:         cfg.DB,
		PoolSize:   cfg.PoolSize,
		MaxRetries: cfg.MaxRetries,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return &Client{rdb: rdb, ns: namespace(cfg.Namespace)}, nil
}

func namespace(ns string) string {
	if ns == "" {
		return "venuecore"
	}
	return ns
}

// Key returns parts joined under the client namespace.
func (c *Client) Key(parts ...string) string {
	return joinKey(c.ns, parts...)
}

func joinKey(ns string, parts ...string) string {
	k := ns
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

// Ping checks the Redis connection.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Underlying returns the raw *redis.Client.
func (c *Client) Underlying() *redis.Client {
	return c.rdb
}
