package redis

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// StreamConsumerConfig configures a StreamConsumer.
type StreamConsumerConfig struct {
	// Stream is the Redis stream name to consume from. Defaults to FeedStream.
	Stream string

	// LastID is the starting position:
	//   - "0" = replay everything still in the stream
	//   - "$" = only entries added from now on
	//   - "<id>" = entries after a specific ID (e.g., "1234567890123-0")
	// Default: "$"
	LastID string

	// Count is the max number of entries to read per batch. Default: 100.
	Count int64

	// Block is how long each read waits for new entries. Default: 5 seconds.
	Block time.Duration

	// RetryInterval is how long to wait before retrying after an error.
	// Default: 1 second.
	RetryInterval time.Duration

	// MaxRetryInterval caps the exponential retry backoff. Default: 30 seconds.
	MaxRetryInterval time.Duration

	// Logger for logging. If nil, uses a no-op logger.
	Logger *zap.Logger
}

// MessageHandler processes a stream entry. Errors are logged and the entry
// is skipped.
type MessageHandler func(ctx context.Context, msg Message) error

// Message is a single stream entry.
type Message struct {
	// ID is the Redis stream entry ID (e.g., "1234567890123-0").
	ID string

	// Stream is the stream name this message came from.
	Stream string

	// Values contains the entry fields as key-value pairs.
	Values map[string]interface{}
}

// StreamConsumer follows a Redis stream with automatic reconnection.
type StreamConsumer struct {
	client *Client
	config StreamConsumerConfig
	logger *zap.Logger
}

// NewStreamConsumer creates a new stream consumer.
func NewStreamConsumer(client *Client, config StreamConsumerConfig) (*StreamConsumer, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}

	if config.Stream == "" {
		config.Stream = FeedStream
	}
	if config.LastID == "" {
		config.LastID = "$"
	}
	if config.Count == 0 {
		config.Count = 100
	}
	if config.Block == 0 {
		config.Block = 5 * time.Second
	}
	if config.RetryInterval == 0 {
		config.RetryInterval = 1 * time.Second
	}
	if config.MaxRetryInterval == 0 {
		config.MaxRetryInterval = 30 * time.Second
	}

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &StreamConsumer{
		client: client,
		config: config,
		logger: logger,
	}, nil
}

// Run calls handler for every entry until ctx is cancelled.
func (sc *StreamConsumer) Run(ctx context.Context, handler MessageHandler) error {
	lastID := sc.config.LastID
	retryInterval := sc.config.RetryInterval

	for {
		select {
		case <-ctx.Done():
			sc.logger.Info("Stream consumer shutting down", zap.String("stream", sc.config.Stream))
			return ctx.Err()
		default:
		}

		messages, newLastID, err := sc.readMessages(ctx, lastID)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			if errors.Is(err, redis.Nil) {
				// block timed out with nothing new
				continue
			}

			sc.logger.Warn("Error reading from stream, will retry",
				zap.String("stream", sc.config.Stream),
				zap.Error(err),
				zap.Duration("retryIn", retryInterval))

			select {
			case <-time.After(retryInterval):
				retryInterval = min(retryInterval*2, sc.config.MaxRetryInterval)
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		retryInterval = sc.config.RetryInterval
		if newLastID != "" {
			lastID = newLastID
		}

		for _, msg := range messages {
			if err := handler(ctx, msg); err != nil {
				sc.logger.Warn("Error processing stream entry",
					zap.String("stream", sc.config.Stream),
					zap.String("id", msg.ID),
					zap.Error(err))
			}
		}
	}
}

func (sc *StreamConsumer) readMessages(ctx context.Context, lastID string) ([]Message, string, error) {
	streams, err := sc.client.XRead(ctx,
		[]string{sc.config.Stream, lastID},
		sc.config.Count,
		sc.config.Block,
	)
	if err != nil {
		return nil, "", err
	}

	var messages []Message
	var newLastID string
	for _, stream := range streams {
		for _, xmsg := range stream.Messages {
			messages = append(messages, Message{
				ID:     xmsg.ID,
				Stream: stream.Stream,
				Values: xmsg.Values,
			})
			newLastID = xmsg.ID
		}
	}

	return messages, newLastID, nil
}

// GetData returns the "data" field, or nil if absent.
func (m *Message) GetData() []byte {
	if data, ok := m.Values["data"].(string); ok {
		return []byte(data)
	}
	if data, ok := m.Values["data"].([]byte); ok {
		return data
	}
	return nil
}
