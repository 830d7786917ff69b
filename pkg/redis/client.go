package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/canopy-network/chainfeed/pkg/utils"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// FeedUpdatesChannel carries every event the relay accepts into its retained
// list, one JSON record per message.
const FeedUpdatesChannel = "chainfeed:feed.updates"

// FeedStream keeps the same records as FeedUpdatesChannel in a capped stream
// so readers that attach late can replay recent events.
const FeedStream = "chainfeed:feed.stream"

// feedStreamMaxLen caps FeedStream (approximately).
const feedStreamMaxLen = 1000

// ErrNotFound is returned by Get for missing keys.
var ErrNotFound = errors.New("redis key not found")

// Client wraps the Redis client used for session persistence and for relaying
// feed updates to other processes over Pub/Sub.
type Client struct {
	client redis.UniversalClient
	logger *zap.Logger
}

// NewClient creates a new Redis client using environment variables for configuration.
// Environment variables:
//   - REDIS_HOST: Redis host (default: "localhost")
//   - REDIS_PORT: Redis port (default: "6379")
//   - REDIS_PASSWORD: Redis password (default: "")
//   - REDIS_DB: Redis database number (default: "0")
func NewClient(ctx context.Context, logger *zap.Logger) (*Client, error) {
	host := utils.Env("REDIS_HOST", "localhost")
	port := utils.Env("REDIS_PORT", "6379")
	password := utils.Env("REDIS_PASSWORD", "")
	db := int(utils.EnvInt64("REDIS_DB", 0))

	addr := fmt.Sprintf("%s:%s", host, port)

	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,

		// Connection pool
		PoolSize:     10,
		MinIdleConns: 2,

		// Timeouts
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	// Test connection
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}

	logger.Info("Connected to Redis",
		zap.String("addr", addr),
		zap.Int("db", db))

	return &Client{client: rdb, logger: logger}, nil
}

// Wrap adapts an existing go-redis client.
func Wrap(rdb redis.UniversalClient, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{client: rdb, logger: logger}
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.client.Close()
}

// Publish publishes a message to a Redis Pub/Sub channel.
// This is a best-effort operation - errors are logged but not returned
// so a Redis outage never stalls the feed.
func (c *Client) Publish(ctx context.Context, channel string, message interface{}) {
	if err := c.client.Publish(ctx, channel, message).Err(); err != nil {
		c.logger.Warn("Failed to publish Redis message",
			zap.String("channel", channel),
			zap.Error(err))
	}
}

// PublishEvent relays one feed event record to FeedUpdatesChannel and appends
// it to FeedStream. Best-effort like Publish.
func (c *Client) PublishEvent(ctx context.Context, data []byte) {
	c.Publish(ctx, FeedUpdatesChannel, string(data))

	err := c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: FeedStream,
		MaxLen: feedStreamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"data": string(data)},
	}).Err()
	if err != nil {
		c.logger.Warn("Failed to append to Redis stream",
			zap.String("stream", FeedStream),
			zap.Error(err))
	}
}

// XRead reads entries after the given IDs. streams alternates names and IDs.
func (c *Client) XRead(ctx context.Context, streams []string, count int64, block time.Duration) ([]redis.XStream, error) {
	return c.client.XRead(ctx, &redis.XReadArgs{
		Streams: streams,
		Count:   count,
		Block:   block,
	}).Result()
}

// Subscribe subscribes to one or more Redis Pub/Sub channels.
// The caller is responsible for closing the PubSub object when done.
func (c *Client) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return c.client.Subscribe(ctx, channels...)
}

// Get returns the string value at key or ErrNotFound.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	v, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return v, err
}

// Set stores value at key. A zero ttl keeps it until deleted.
func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

// Del removes keys; missing keys are not an error.
func (c *Client) Del(ctx context.Context, keys ...string) error {
	return c.client.Del(ctx, keys...).Err()
}

// Health checks if Redis is healthy.
func (c *Client) Health(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
