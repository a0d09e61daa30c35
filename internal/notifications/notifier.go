package notifications

import (
	"context"
	"log/slog"
	"runtime/debug"

	"parley/internal/middleware"

	"github.com/redis/go-redis/v9"
)

// EventsChannel carries fan-out envelopes between nodes.
const EventsChannel = "parley:events"

// Notifier publishes fan-out frames into Redis so every node can deliver to
// its own sessions.
type Notifier struct {
	rdb     *redis.Client
	channel string
}

// NewNotifier creates a new Notifier instance using the provided Redis client.
func NewNotifier(rdb *redis.Client) *Notifier {
	return &Notifier{rdb: rdb, channel: EventsChannel}
}

// Enabled reports whether a Redis client is configured.
func (n *Notifier) Enabled() bool {
	return n != nil && n.rdb != nil
}

// Publish sends payload to the events channel.
func (n *Notifier) Publish(ctx context.Context, payload []byte) error {
	if !n.Enabled() {
		return nil
	}
	return n.rdb.Publish(ctx, n.channel, payload).Err()
}

// StartSubscriber subscribes to the events channel and calls onMessage for
// each payload until ctx is cancelled. It returns once the subscription is live.
func (n *Notifier) StartSubscriber(ctx context.Context, onMessage func(payload string)) error {
	if !n.Enabled() {
		return nil
	}
	sub := n.rdb.Subscribe(ctx, n.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return err
	}
	ch := sub.Channel()

	go func() {
		defer func() { _ = sub.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				func() {
					defer func() {
						if r := recover(); r != nil {
							middleware.Logger.Error("panic in events subscriber",
								slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
						}
					}()
					onMessage(msg.Payload)
				}()
			}
		}
	}()

	return nil
}
