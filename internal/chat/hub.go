package chat

import (
	"context"

	"go.uber.org/zap"

	"huddle/internal/presence"
	"huddle/internal/pubsub"
)

// Hub routes pub/sub topics to connected websocket clients. It owns one
// subscription per open conversation topic, shared by every client viewing
// it, plus the global presence topic. All state is touched only by Run's
// goroutine, so no locking is needed.
type Hub struct {
	Register   chan *Client
	Unregister chan *Client

	commands chan roomCommand
	events   chan pubsub.Event

	clients map[*Client]bool
	online  map[string]int // live connections per user id
	rooms   map[string]map[*Client]bool
	subs    map[string]pubsub.Subscription

	channel pubsub.Channel
	tracker *presence.Tracker
	log     *zap.Logger
}

type roomCommand struct {
	client *Client
	topic  string
	open   bool
	done   chan struct{}
}

func NewHub(channel pubsub.Channel, tracker *presence.Tracker, log *zap.Logger) *Hub {
	return &Hub{
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		commands:   make(chan roomCommand),
		events:     make(chan pubsub.Event, 256),
		clients:    make(map[*Client]bool),
		online:     make(map[string]int),
		rooms:      make(map[string]map[*Client]bool),
		subs:       make(map[string]pubsub.Subscription),
		channel:    channel,
		tracker:    tracker,
		log:        log,
	}
}

// OpenRoom attaches the client to a topic, subscribing the hub if this is the
// first viewer. It returns once the subscription is live.
func (h *Hub) OpenRoom(c *Client, topic string) {
	done := make(chan struct{})
	h.commands <- roomCommand{client: c, topic: topic, open: true, done: done}
	<-done
}

// CloseRoom detaches the client. The last viewer closes the underlying
// subscription synchronously, so nothing is delivered into a torn-down view.
func (h *Hub) CloseRoom(c *Client, topic string) {
	done := make(chan struct{})
	h.commands <- roomCommand{client: c, topic: topic, open: false, done: done}
	<-done
}

func (h *Hub) Run(ctx context.Context) {
	// Presence changes fan out to every connected client; each screen patches
	// matching roster entries by id.
	h.subscribeTopic(ctx, presence.Topic)

	for {
		select {
		case <-ctx.Done():
			for topic, sub := range h.subs {
				sub.Close()
				delete(h.subs, topic)
			}
			return

		case client := <-h.Register:
			h.clients[client] = true
			// A user can hold several connections (tabs, devices); only the
			// first one flips them online.
			h.online[client.UserID]++
			if h.online[client.UserID] == 1 {
				if err := h.tracker.SetOnline(ctx, client.UserID); err != nil {
					h.log.Warn("set online failed", zap.String("user_id", client.UserID), zap.Error(err))
				}
			}

		case client := <-h.Unregister:
			if _, ok := h.clients[client]; !ok {
				continue
			}
			for topic := range h.rooms {
				h.leaveRoom(client, topic)
			}
			delete(h.clients, client)
			close(client.events)
			h.online[client.UserID]--
			if h.online[client.UserID] <= 0 {
				delete(h.online, client.UserID)
				if err := h.tracker.SetOffline(ctx, client.UserID); err != nil {
					h.log.Warn("set offline failed", zap.String("user_id", client.UserID), zap.Error(err))
				}
			}

		case cmd := <-h.commands:
			if cmd.open {
				h.joinRoom(ctx, cmd.client, cmd.topic)
			} else {
				h.leaveRoom(cmd.client, cmd.topic)
			}
			close(cmd.done)

		case ev := <-h.events:
			if ev.Topic == presence.Topic {
				for client := range h.clients {
					client.deliver(ev)
				}
				continue
			}
			for client := range h.rooms[ev.Topic] {
				client.deliver(ev)
			}
		}
	}
}

func (h *Hub) joinRoom(ctx context.Context, c *Client, topic string) {
	if !h.clients[c] {
		return
	}
	if h.rooms[topic] == nil {
		h.rooms[topic] = make(map[*Client]bool)
	}
	if len(h.rooms[topic]) == 0 {
		if !h.subscribeTopic(ctx, topic) {
			return
		}
	}
	h.rooms[topic][c] = true
}

func (h *Hub) leaveRoom(c *Client, topic string) {
	room, ok := h.rooms[topic]
	if !ok || !room[c] {
		return
	}
	delete(room, c)
	if len(room) == 0 {
		delete(h.rooms, topic)
		if sub, ok := h.subs[topic]; ok {
			sub.Close()
			delete(h.subs, topic)
		}
	}
}

func (h *Hub) subscribeTopic(ctx context.Context, topic string) bool {
	if _, ok := h.subs[topic]; ok {
		return true
	}
	sub, err := h.channel.Subscribe(ctx, topic)
	if err != nil {
		h.log.Error("subscribe failed", zap.String("topic", topic), zap.Error(err))
		return false
	}
	h.subs[topic] = sub
	go func() {
		for ev := range sub.C() {
			h.events <- ev
		}
	}()
	return true
}
