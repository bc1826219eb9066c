package redis

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/mfeltner/polysim/internal/domain"
)

// DefaultChannel is where the telemetry bus sink publishes session
// events for external consumers.
const DefaultChannel = "polysim:events"

// Bus implements the event bus over redis pub/sub. Delivery is
// fire-and-forget: subscribers that fall behind lose messages, which is
// the right trade for telemetry fan-out.
type Bus struct {
	rdb *redis.Client
}

func NewBus(c *Client) *Bus {
	return &Bus{rdb: c.Underlying()}
}

func (b *Bus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe returns a channel of raw payloads. The subscription lives
// until ctx ends, at which point the channel closes. Glob patterns
// (binary-*, polysim:*) switch to PSUBSCRIBE.
func (b *Bus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	var pubsub *redis.PubSub
	if strings.ContainsAny(channel, "*?[") {
		pubsub = b.rdb.PSubscribe(ctx, channel)
	} else {
		pubsub = b.rdb.Subscribe(ctx, channel)
	}

	// Confirm the subscription before handing the channel out, so a
	// publish immediately after Subscribe returns is not lost.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", channel, err)
	}

	out := make(chan []byte, 128)
	go func() {
		defer close(out)
		defer pubsub.Close()

		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

var _ domain.EventBus = (*Bus)(nil)
