package streaming

import (
	"context"
	"time"
)

// Event is one message on the bus.
type Event struct {
	ID        string    `json:"id"`
	Topic     string    `json:"topic"`
	Payload   []byte    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}

// Publisher pushes change notifications onto the bus.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload interface{}) error
	Close() error
}

// Subscriber delivers bus events to a handler until unsubscribed.
// Subscriptions are long-lived and must be released on caller teardown.
type Subscriber interface {
	Subscribe(topic string, handler func(event Event)) (Subscription, error)
}

type Subscription interface {
	Unsubscribe() error
}

// Bus combines both halves. The dispatch transport only needs this.
type Bus interface {
	Publisher
	Subscriber
}

// Topic helpers. One channel per node for command delivery, one per command
// for result propagation, one per bot for status fan-out to observers.

func NodeCommandTopic(nodeID string) string {
	return "relay.node." + nodeID + ".commands"
}

func CommandResultTopic(commandID string) string {
	return "relay.command." + commandID + ".result"
}

func BotStatusTopic(botID string) string {
	return "relay.bot." + botID + ".status"
}
