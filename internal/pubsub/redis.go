package pubsub

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisChannel backs the Channel interface with Redis Pub/Sub, so events fan
// out across server instances.
type RedisChannel struct {
	rdb *redis.Client
}

func NewRedis(rdb *redis.Client) *RedisChannel {
	return &RedisChannel{rdb: rdb}
}

func (c *RedisChannel) Publish(ctx context.Context, topic string, payload []byte) error {
	return c.rdb.Publish(ctx, topic, payload).Err()
}

func (c *RedisChannel) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	ps := c.rdb.Subscribe(ctx, topic)

	// Receive blocks until Redis confirms the subscription; callers that
	// publish right after Subscribe returns will not miss their own events.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, err
	}

	sub := &redisSub{
		ps:    ps,
		topic: topic,
		out:   make(chan Event, 64),
		done:  make(chan struct{}),
	}
	go sub.pump()
	return sub, nil
}

type redisSub struct {
	ps    *redis.PubSub
	topic string
	out   chan Event
	done  chan struct{}
	once  sync.Once
}

func (s *redisSub) pump() {
	defer close(s.out)
	ch := s.ps.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			select {
			case s.out <- Event{Topic: s.topic, Payload: []byte(msg.Payload)}:
			case <-s.done:
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *redisSub) C() <-chan Event { return s.out }

func (s *redisSub) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}
