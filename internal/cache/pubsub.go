package cache

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// MessageChannel names the pub/sub channel carrying direct messages for
// one receiver.
func MessageChannel(receiverID string) string {
	return "message:" + receiverID
}

// Publish sends payload to one channel. Fire-and-forget: delivery to
// current subscribers only, durability comes from the event log.
func (c *Cache) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := c.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// Subscription is one live pub/sub registration over a set of channels.
// Messages are delivered on the channel returned by Messages; when the
// receive buffer is full go-redis drops for this subscriber, which is
// the fabric's slow-consumer policy.
type Subscription struct {
	pubsub *redis.PubSub
	ch     <-chan *redis.Message
}

// Subscribe registers on the given channels and confirms the
// registration before returning, so a publish issued after Subscribe
// returns is observed. The receive channel is buffered to the configured
// pending-event limit.
func (c *Cache) Subscribe(ctx context.Context, channels ...string) (*Subscription, error) {
	pubsub := c.client.Subscribe(ctx, channels...)

	// Receive forces the subscribe round trip; without it the
	// registration races with the caller's first publish.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %v: %w", channels, err)
	}

	c.logger.Debug().Strs("channels", channels).Msg("pubsub subscribed")

	return &Subscription{
		pubsub: pubsub,
		ch:     pubsub.Channel(redis.WithChannelSize(c.pendingLimit)),
	}, nil
}

// Messages is the receive side of the subscription. It is closed when
// the subscription is closed.
func (s *Subscription) Messages() <-chan *redis.Message {
	return s.ch
}

// Close tears the Redis subscription down and closes Messages.
func (s *Subscription) Close() error {
	return s.pubsub.Close()
}
