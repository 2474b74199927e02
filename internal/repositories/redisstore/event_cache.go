// Package redisstore keeps short-lived gateway event markers in Redis so duplicate webhook
// deliveries are answered without touching the primary store.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/storefront/api/internal/platform/config"
)

const (
	eventKeyPrefix  = "webhook:event:"
	defaultEventTTL = 72 * time.Hour
)

// EventCache remembers processed webhook event ids for a bounded time. It is an accelerator in
// front of the durable ledger, never a replacement for it.
type EventCache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewClient builds a Redis client from configuration and verifies connectivity.
func NewClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     strings.TrimSpace(cfg.Addr),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// NewEventCache wraps client. A non-positive ttl falls back to three days.
func NewEventCache(client redis.UniversalClient, ttl time.Duration) (*EventCache, error) {
	if client == nil {
		return nil, errors.New("redis event cache: client is required")
	}
	if ttl <= 0 {
		ttl = defaultEventTTL
	}
	return &EventCache{client: client, ttl: ttl}, nil
}

// Seen reports whether eventID was remembered.
func (c *EventCache) Seen(ctx context.Context, eventID string) (bool, error) {
	n, err := c.client.Exists(ctx, eventKeyPrefix+eventID).Result()
	if err != nil {
		return false, fmt.Errorf("redis: exists %s: %w", eventID, err)
	}
	return n > 0, nil
}

// Remember records eventID. It reports false when the id was already present.
func (c *EventCache) Remember(ctx context.Context, eventID string) (bool, error) {
	ok, err := c.client.SetNX(ctx, eventKeyPrefix+eventID, 1, c.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis: setnx %s: %w", eventID, err)
	}
	return ok, nil
}

// Ping checks connectivity for readiness probes.
func (c *EventCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
