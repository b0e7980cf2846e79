package streaming

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryBus is an in-process Bus. It backs single-node deployments and
// tests; multi-process deployments use the Redis bus.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string]map[int]*memorySub
	nextID int
	closed bool
}

type memorySub struct {
	bus     *MemoryBus
	topic   string
	id      int
	handler func(Event)
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subs: make(map[string]map[int]*memorySub),
	}
}

func (b *MemoryBus) Publish(ctx context.Context, topic string, payload interface{}) error {
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

	b.mu.RLock()
	handlers := make([]func(Event), 0, len(b.subs[topic]))
	for _, sub := range b.subs[topic] {
		handlers = append(handlers, sub.handler)
	}
	b.mu.RUnlock()

	// Handlers run off the publisher's goroutine so a slow subscriber never
	// stalls command issuance.
	for _, h := range handlers {
		go h(event)
	}
	return nil
}

func (b *MemoryBus) Subscribe(topic string, handler func(event Event)) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &memorySub{bus: b, topic: topic, id: b.nextID, handler: handler}
	b.nextID++
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]*memorySub)
	}
	b.subs[topic][sub.id] = sub
	return sub, nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[string]map[int]*memorySub)
	b.closed = true
	return nil
}

func (s *memorySub) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if subs, ok := s.bus.subs[s.topic]; ok {
		delete(subs, s.id)
		if len(subs) == 0 {
			delete(s.bus.subs, s.topic)
		}
	}
	return nil
}
