package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// AuthEventsChannel is the Redis pub/sub channel carrying auth events.
const AuthEventsChannel = "auth_events"

// RedisBus publishes auth events over Redis pub/sub so every server
// instance observes sign-ins and sign-outs made through any other.
type RedisBus struct {
	rdb      *redis.Client
	channel  string
	handlers handlerSet
	logger   *zap.Logger
}

// NewRedisBus creates a RedisBus. Call Start to begin receiving.
func NewRedisBus(rdb *redis.Client, logger *zap.Logger) *RedisBus {
	return &RedisBus{rdb: rdb, channel: AuthEventsChannel, logger: logger}
}

// Publish sends evt to the channel. Local subscribers receive it through
// the subscription, not directly.
func (b *RedisBus) Publish(ctx context.Context, evt Event) error {
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal auth event: %w", err)
	}
	if err := b.rdb.Publish(ctx, b.channel, payload).Err(); err != nil {
		b.logger.Warn("publish auth event",
			zap.String("type", string(evt.Type)),
			zap.String("user_id", evt.UserID.String()),
			zap.Error(err),
		)
		return fmt.Errorf("publish auth event: %w", err)
	}
	return nil
}

// Subscribe registers fn and returns a function that removes it.
func (b *RedisBus) Subscribe(fn func(Event)) func() {
	return b.handlers.add(fn)
}

// Start subscribes to the channel and dispatches messages until ctx ends.
func (b *RedisBus) Start(ctx context.Context) error {
	pubsub := b.rdb.Subscribe(ctx, b.channel)

	// Wait for confirmation that the subscription is live.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	b.logger.Info("subscribed to auth events", zap.String("channel", b.channel))

	go b.listen(ctx, pubsub)
	return nil
}

func (b *RedisBus) listen(ctx context.Context, pubsub *redis.PubSub) {
	defer pubsub.Close()
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var evt Event
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				b.logger.Warn("discard malformed auth event", zap.Error(err))
				continue
			}
			b.handlers.dispatch(evt)
		}
	}
}
