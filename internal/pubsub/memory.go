package pubsub

import (
	"context"
	"sync"
)

// Bus is an in-process Channel implementation. It backs unit tests and
// single-node deployments where Redis is not configured.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]map[*busSub]struct{}
}

func NewBus() *Bus {
	return &Bus{subs: map[string]map[*busSub]struct{}{}}
}

func (b *Bus) Publish(_ context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	targets := make([]*busSub, 0, len(b.subs[topic]))
	for s := range b.subs[topic] {
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	for _, s := range targets {
		s.deliver(Event{Topic: topic, Payload: payload})
	}
	return nil
}

func (b *Bus) Subscribe(_ context.Context, topic string) (Subscription, error) {
	sub := &busSub{
		bus:   b,
		topic: topic,
		out:   make(chan Event, 64),
	}
	b.mu.Lock()
	if b.subs[topic] == nil {
		b.subs[topic] = map[*busSub]struct{}{}
	}
	b.subs[topic][sub] = struct{}{}
	b.mu.Unlock()
	return sub, nil
}

type busSub struct {
	bus    *Bus
	topic  string
	out    chan Event
	mu     sync.Mutex
	closed bool
}

func (s *busSub) deliver(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.out <- ev:
	default:
		// slow subscriber, drop rather than block the publisher
	}
}

func (s *busSub) C() <-chan Event { return s.out }

func (s *busSub) Close() error {
	s.bus.mu.Lock()
	if set, ok := s.bus.subs[s.topic]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(s.bus.subs, s.topic)
		}
	}
	s.bus.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.out)
	return nil
}
