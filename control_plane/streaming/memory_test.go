package streaming

import (
	"context"
	"testing"
	"time"
)

func TestMemoryBus_DeliversToTopicSubscribers(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	got := make(chan Event, 1)
	sub, err := bus.Subscribe("relay.node.n1.commands", func(e Event) { got <- e })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	other := make(chan Event, 1)
	otherSub, _ := bus.Subscribe("relay.node.n2.commands", func(e Event) { other <- e })
	defer otherSub.Unsubscribe()

	if err := bus.Publish(context.Background(), "relay.node.n1.commands", map[string]string{"action": "stop"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case e := <-got:
		if e.Topic != "relay.node.n1.commands" {
			t.Errorf("Wrong topic: %s", e.Topic)
		}
		if e.ID == "" || e.Timestamp.IsZero() {
			t.Errorf("Event not stamped: %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("Subscriber never received the event")
	}

	select {
	case e := <-other:
		t.Fatalf("Event leaked across topics: %s", e.Topic)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBus_UnsubscribeStopsDelivery(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	got := make(chan Event, 1)
	sub, _ := bus.Subscribe("t", func(e Event) { got <- e })
	sub.Unsubscribe()

	bus.Publish(context.Background(), "t", "payload")

	select {
	case <-got:
		t.Fatal("Unsubscribed handler still invoked")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTopicHelpers(t *testing.T) {
	if got := NodeCommandTopic("n1"); got != "relay.node.n1.commands" {
		t.Errorf("NodeCommandTopic: %s", got)
	}
	if got := CommandResultTopic("c1"); got != "relay.command.c1.result" {
		t.Errorf("CommandResultTopic: %s", got)
	}
	if got := BotStatusTopic("b1"); got != "relay.bot.b1.status" {
		t.Errorf("BotStatusTopic: %s", got)
	}
}
