// Package redis publishes device telemetry over Redis pub/sub.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/koios/hass-renderer/internal/config"
	"github.com/koios/hass-renderer/internal/telemetry"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// retainedPrefix namespaces the keys holding the last retained message of a
// topic, so late subscribers can catch up with GET
const retainedPrefix = "retained:"

// Client wraps the Redis client for pub/sub operations
type Client struct {
	client *redis.Client
	config config.RedisConfig
	logger *zap.Logger
}

// NewClient creates a new Redis client
func NewClient(cfg config.RedisConfig, logger *zap.Logger) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		PoolTimeout:  30 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Test the connection
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Connected to Redis",
		zap.String("addr", cfg.Addr),
		zap.Int("db", cfg.DB))

	return &Client{
		client: rdb,
		config: cfg,
		logger: logger,
	}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.client.Close()
}

// Publish sends payload on the topic channel. Retained messages are also
// stored under retained:<topic> in the same transaction.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte, opts telemetry.PublishOptions) error {
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if opts.Retain {
			pipe.Set(ctx, retainedPrefix+topic, payload, 0)
		}
		pipe.Publish(ctx, topic, payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to publish to Redis channel %s: %w", topic, err)
	}

	c.logger.Debug("Published telemetry message",
		zap.String("channel", topic),
		zap.Bool("retained", opts.Retain))

	return nil
}

// Retained returns the last retained message of topic
func (c *Client) Retained(ctx context.Context, topic string) ([]byte, bool, error) {
	payload, err := c.client.Get(ctx, retainedPrefix+topic).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read retained message for %s: %w", topic, err)
	}
	return payload, true, nil
}

// IsHealthy checks if Redis connection is healthy
func (c *Client) IsHealthy() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return c.client.Ping(ctx).Err() == nil
}
