// Package redis connects the agent to the Redis instance backing the
// cross-instance event relay.
package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Client wraps the go-redis client used by the event relay.
type Client struct {
	*redis.Client
	logger *zap.Logger
}

// NewClient connects and pings. The relay is optional at config time, so a
// failure here is surfaced to the caller rather than retried.
func NewClient(ctx context.Context, addr, password string, db int, logger *zap.Logger) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	logger.Info("event relay connected", zap.String("addr", addr))
	return &Client{Client: rdb, logger: logger}, nil
}
