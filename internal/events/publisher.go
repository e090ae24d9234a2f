// Package events mirrors durable AppPost status transitions onto a Redis
// stream for the notification scheduler. Postgres stays the source of truth;
// the stream is a best-effort delivery channel and losing an entry only
// delays a digest until the scheduler replays from the status_events table.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"crosspost/api/internal/store"
)

type Publisher struct {
	client *redis.Client
	stream string
}

// NewPublisher connects to Redis and verifies the connection.
func NewPublisher(redisURL, stream string) (*Publisher, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &Publisher{client: client, stream: stream}, nil
}

// NewPublisherWithClient builds a publisher from an existing client.
func NewPublisherWithClient(client *redis.Client, stream string) *Publisher {
	return &Publisher{client: client, stream: stream}
}

// Publish appends one status transition to the stream.
func (p *Publisher) Publish(ctx context.Context, event store.StatusEvent) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("encode event payload: %w", err)
	}

	err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]any{
			"id":        strconv.FormatInt(event.ID, 10),
			"appPostId": event.AppPostID,
			"type":      event.EventType,
			"payload":   string(payload),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("publish event %d: %w", event.ID, err)
	}
	return nil
}

func (p *Publisher) Close() error {
	return p.client.Close()
}

func (p *Publisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}
