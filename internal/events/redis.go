package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisChannel publishes events over Redis pub/sub. Each room maps to one
// Redis channel; the realtime gateway subscribed on the other side fans
// messages out to its websocket clients.
type RedisChannel struct {
	client *redis.Client
}

// NewRedisChannel creates a RedisChannel from a Redis URL.
func NewRedisChannel(redisURL string) (*RedisChannel, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	return &RedisChannel{client: redis.NewClient(opts)}, nil
}

// NewRedisChannelFromClient wraps an existing client, used by tests and by
// callers that share one connection pool.
func NewRedisChannelFromClient(client *redis.Client) *RedisChannel {
	return &RedisChannel{client: client}
}

// envelope is the wire shape delivered to a room.
type envelope struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

// Publish sends the event to the room's channel. No acknowledgement is
// expected; zero subscribers is not an error.
func (c *RedisChannel) Publish(ctx context.Context, room string, event string, payload any) error {
	body, err := json.Marshal(envelope{Event: event, Payload: payload})
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}

	if err := c.client.Publish(ctx, room, body).Err(); err != nil {
		return fmt.Errorf("failed to publish to room %s: %w", room, err)
	}

	return nil
}

// Ping verifies connectivity, used by startup wiring.
func (c *RedisChannel) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close releases the underlying client.
func (c *RedisChannel) Close() error {
	return c.client.Close()
}
