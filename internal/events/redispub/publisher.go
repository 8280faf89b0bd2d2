// Package redispub forwards marketplace events to a Redis pub/sub channel so
// that other processes can follow registry activity.
package redispub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/R3E-Network/marketplace/internal/events"
	"github.com/R3E-Network/marketplace/internal/logging"
)

// DefaultChannel is used when no channel is configured.
const DefaultChannel = "marketplace.events"

// Publisher publishes events as JSON messages.
type Publisher struct {
	client  redis.UniversalClient
	channel string
	timeout time.Duration
	log     *logging.Logger
}

// New connects to the Redis server at url (redis://host:port/db) and pings it.
func New(ctx context.Context, url, channel string, log *logging.Logger) (*Publisher, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewWithClient(client, channel, log), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client redis.UniversalClient, channel string, log *logging.Logger) *Publisher {
	if channel == "" {
		channel = DefaultChannel
	}
	if log == nil {
		log = logging.NewDefault("redispub")
	}
	return &Publisher{client: client, channel: channel, timeout: 2 * time.Second, log: log}
}

// Channel returns the channel events are published on.
func (p *Publisher) Channel() string {
	return p.channel
}

// Handle is an events.Handler. Delivery failures are logged, never returned.
func (p *Publisher) Handle(evt events.Event) {
	payload, err := json.Marshal(evt)
	if err != nil {
		p.log.WithError(err).Warn("marshal event for redis")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		p.log.WithError(err).WithField("event_id", evt.ID).Warn("publish event to redis")
	}
}

// Close releases the client.
func (p *Publisher) Close() error {
	return p.client.Close()
}
