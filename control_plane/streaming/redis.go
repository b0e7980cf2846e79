package streaming

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisBus implements Bus over Redis pub/sub. Delivery is fire-and-forget:
// a subscriber that is offline at publish time misses the event, which is
// why the dispatch transport keeps a reconciliation sweep regardless.
type RedisBus struct {
	client *redis.Client
}

func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{client: client}
}

func (b *RedisBus) Publish(ctx context.Context, topic string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	event := Event{
		ID:        uuid.NewString(),
		Topic:     topic,
		Payload:   data,
		Timestamp: time.Now(),
		Source:    "control-plane",
	}
	raw, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, topic, raw).Err()
}

func (b *RedisBus) Subscribe(topic string, handler func(event Event)) (Subscription, error) {
	ctx, cancel := context.WithCancel(context.Background())
	pubsub := b.client.Subscribe(ctx, topic)

	// Force the subscription to be established before returning so callers
	// cannot publish into a not-yet-listening channel.
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		pubsub.Close()
		return nil, err
	}

	go func() {
		ch := pubsub.Channel()
		for msg := range ch {
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				log.Printf("[STREAMING] Dropping malformed event on %s: %v", topic, err)
				continue
			}
			handler(event)
		}
	}()

	return &redisSub{pubsub: pubsub, cancel: cancel}, nil
}

func (b *RedisBus) Close() error {
	// The client is shared with the store; closing it is the owner's job.
	return nil
}

type redisSub struct {
	pubsub *redis.PubSub
	cancel context.CancelFunc
}

func (s *redisSub) Unsubscribe() error {
	s.cancel()
	return s.pubsub.Close()
}
