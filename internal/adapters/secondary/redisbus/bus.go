// Package redisbus fans broadcast events out to every server instance over
// a Redis pub/sub channel. Each instance relays what it receives to its
// local websocket hub.
package redisbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/lorrc/service-desk-realtime/internal/core/domain"
	"github.com/lorrc/service-desk-realtime/internal/core/ports"
	"github.com/redis/go-redis/v9"
)

// envelope is what travels over the Redis channel.
type envelope struct {
	Origin   string           `json:"origin"`
	TicketID string           `json:"ticketId"`
	Type     domain.EventType `json:"type"`
	Payload  json.RawMessage  `json:"payload,omitempty"`
}

// Bus implements ports.EventBroadcaster on top of Redis pub/sub.
type Bus struct {
	client     redis.UniversalClient
	channel    string
	local      ports.EventBroadcaster
	instanceID string
	logger     *slog.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
	done   chan struct{}
}

var _ ports.EventBroadcaster = (*Bus)(nil)

// New creates a bus publishing to channel and relaying into local.
func New(client redis.UniversalClient, channel string, local ports.EventBroadcaster, logger *slog.Logger) *Bus {
	return &Bus{
		client:     client,
		channel:    channel,
		local:      local,
		instanceID: uuid.NewString(),
		logger:     logger.With("component", "redis_bus", "channel", channel),
	}
}

// NewClient parses a redis:// URL and verifies the server answers.
func NewClient(ctx context.Context, rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Broadcast publishes the event for every instance, this one included.
// If Redis is unreachable the event is still delivered locally and the
// publish error is returned.
func (b *Bus) Broadcast(event domain.Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event.Type, err)
	}
	data, err := json.Marshal(envelope{
		Origin:   b.instanceID,
		TicketID: event.TicketID,
		Type:     event.Type,
		Payload:  payload,
	})
	if err != nil {
		return err
	}

	if err := b.client.Publish(context.Background(), b.channel, data).Err(); err != nil {
		b.logger.Warn("redis publish failed, delivering locally only", "event_type", event.Type, "error", err)
		return errors.Join(fmt.Errorf("publish to redis: %w", err), b.local.Broadcast(event))
	}
	return nil
}

// Start subscribes to the channel and relays messages until Close or ctx
// is done. It returns once the subscription is confirmed.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pubsub != nil {
		return errors.New("redis bus already started")
	}

	pubsub := b.client.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}

	b.pubsub = pubsub
	b.done = make(chan struct{})
	go b.relay(ctx, pubsub, b.done)

	b.logger.Info("redis bus subscribed")
	return nil
}

func (b *Bus) relay(ctx context.Context, pubsub *redis.PubSub, done chan struct{}) {
	defer close(done)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.deliver(msg.Payload)
		}
	}
}

func (b *Bus) deliver(raw string) {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		b.logger.Warn("dropping malformed bus message", "error", err)
		return
	}
	if env.TicketID == "" || env.Type == "" {
		b.logger.Warn("dropping bus message without routing info", "type", env.Type)
		return
	}

	event := domain.Event{Type: env.Type, TicketID: env.TicketID}
	if len(env.Payload) > 0 {
		event.Payload = env.Payload
	}
	if err := b.local.Broadcast(event); err != nil {
		b.logger.Error("local broadcast failed", "event_type", env.Type, "ticket_id", env.TicketID, "error", err)
	}
}

// Close stops relaying and waits for the relay goroutine to exit.
func (b *Bus) Close() error {
	b.mu.Lock()
	pubsub, done := b.pubsub, b.done
	b.pubsub = nil
	b.mu.Unlock()

	if pubsub == nil {
		return nil
	}
	err := pubsub.Close()
	<-done
	return err
}

// Ping checks the Redis connection. It lets the bus act as a readiness check.
func (b *Bus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}
