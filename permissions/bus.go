package permissions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	invalidateChannel = "chatbot:permissions"
	eventInvalidate   = "permissions.invalidate"
)

type busEvent struct {
	Type       string    `json:"type"`
	InstanceID string    `json:"instance_id"`
	Timestamp  time.Time `json:"timestamp"`
}

// Bus fans permission invalidations out to every bot instance over Redis
// pub/sub.
type Bus struct {
	client     *redis.Client
	instanceID string
	channel    string
	log        *slog.Logger
}

// DialRedis connects and pings addr.
func DialRedis(ctx context.Context, addr, password string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// NewBus returns a bus identified by instanceID; empty picks a random id.
func NewBus(client *redis.Client, instanceID string) *Bus {
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	return &Bus{
		client:     client,
		instanceID: instanceID,
		channel:    invalidateChannel,
		log:        slog.Default().With(slog.String("component", "permissions_bus")),
	}
}

// InstanceID identifies this process on the bus.
func (b *Bus) InstanceID() string { return b.instanceID }

// Publish announces that permission definitions changed.
func (b *Bus) Publish(ctx context.Context) error {
	data, err := json.Marshal(busEvent{Type: eventInvalidate, InstanceID: b.instanceID, Timestamp: time.Now()})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	b.log.Debug("published permission invalidation")
	return nil
}

// Listen calls onInvalidate for every invalidation published by another
// instance until ctx is done.
func (b *Bus) Listen(ctx context.Context, onInvalidate func(context.Context) error) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	ch := sub.Channel()
	b.log.Info("listening for permission invalidations", slog.String("instance", b.instanceID))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("permission bus subscription closed")
			}
			var ev busEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				b.log.Warn("failed to unmarshal event", slog.Any("err", err), slog.String("payload", msg.Payload))
				continue
			}
			if ev.InstanceID == b.instanceID || ev.Type != eventInvalidate {
				continue
			}
			if err := onInvalidate(ctx); err != nil {
				b.log.Warn("error handling invalidation", slog.Any("err", err), slog.String("from", ev.InstanceID))
			}
		}
	}
}
