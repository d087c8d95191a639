package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"huddle/internal/permission"
	"huddle/internal/presence"
	"huddle/internal/pubsub"
)

// countingChannel wraps the in-memory bus and counts live subscriptions per
// topic, so tests can observe when the hub opens and closes them.
type countingChannel struct {
	*pubsub.Bus
	mu   sync.Mutex
	live map[string]int
}

func newCountingChannel() *countingChannel {
	return &countingChannel{Bus: pubsub.NewBus(), live: map[string]int{}}
}

func (c *countingChannel) Subscribe(ctx context.Context, topic string) (pubsub.Subscription, error) {
	sub, err := c.Bus.Subscribe(ctx, topic)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.live[topic]++
	c.mu.Unlock()
	return &countedSub{Subscription: sub, parent: c, topic: topic}, nil
}

func (c *countingChannel) subscriptions(topic string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.live[topic]
}

type countedSub struct {
	pubsub.Subscription
	parent *countingChannel
	topic  string
	once   sync.Once
}

func (s *countedSub) Close() error {
	var err error
	s.once.Do(func() {
		err = s.Subscription.Close()
		s.parent.mu.Lock()
		s.parent.live[s.topic]--
		s.parent.mu.Unlock()
	})
	return err
}

type hubPresenceStore struct {
	mu   sync.Mutex
	recs map[string]presence.Record
}

func newHubPresenceStore() *hubPresenceStore {
	return &hubPresenceStore{recs: map[string]presence.Record{}}
}

func (s *hubPresenceStore) Upsert(_ context.Context, rec presence.Record) error {
	s.mu.Lock()
	s.recs[rec.UserID] = rec
	s.mu.Unlock()
	return nil
}

func (s *hubPresenceStore) Get(_ context.Context, userID string) (presence.Record, bool, error) {
	rec, ok := s.record(userID)
	return rec, ok, nil
}

func (s *hubPresenceStore) record(userID string) (presence.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[userID]
	return rec, ok
}

func newHubHarness(t *testing.T, store Store) (*Hub, *Service, *countingChannel, *hubPresenceStore) {
	t.Helper()
	channel := newCountingChannel()
	pstore := newHubPresenceStore()
	tracker := presence.NewTracker(pstore, channel, 5*time.Minute, zap.NewNop())
	edges := newPermEdges()
	svc := NewService(store, fakeDirectory{},
		permission.NewResolver(edges, edges, edges),
		channel, NewRedactor(true), zap.NewNop())
	hub := NewHub(channel, tracker, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)
	return hub, svc, channel, pstore
}

func connectClient(t *testing.T, hub *Hub, svc *Service, userID string) *Client {
	t.Helper()
	c := NewClient(hub, svc, nil, userID, userID, zap.NewNop())
	hub.Register <- c
	go c.ProcessEvents()
	return c
}

// fence returns once the hub has drained everything queued before it; a
// close command for a topic nobody opened is a synchronous no-op.
func fence(hub *Hub, c *Client) {
	hub.CloseRoom(c, ConversationTopic("fence"))
}

func TestLastViewerClosesRoomSubscription(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	seedDirect(t, store, "c1", "a1", "b2")
	hub, svc, channel, _ := newHubHarness(t, store)

	a := connectClient(t, hub, svc, "a1")
	b := connectClient(t, hub, svc, "b2")
	a.openConversation(ctx, "c1")
	b.openConversation(ctx, "c1")

	topic := ConversationTopic("c1")
	require.Equal(t, 1, channel.subscriptions(topic), "viewers share one subscription")

	a.closeConversation("c1")
	assert.Equal(t, 1, channel.subscriptions(topic), "a remaining viewer keeps it open")

	b.closeConversation("c1")
	assert.Equal(t, 0, channel.subscriptions(topic), "the last viewer closes it")
}

func TestUnregisterLeavesOpenRooms(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	seedDirect(t, store, "c1", "a1", "b2")
	hub, svc, channel, _ := newHubHarness(t, store)

	a := connectClient(t, hub, svc, "a1")
	a.openConversation(ctx, "c1")
	require.Equal(t, 1, channel.subscriptions(ConversationTopic("c1")))

	hub.Unregister <- a
	fence(hub, a)
	assert.Equal(t, 0, channel.subscriptions(ConversationTopic("c1")),
		"a dropped connection releases its rooms")
}

func TestPresenceEventPatchesOpenRoster(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	seedDirect(t, store, "c1", "a1", "b2")
	hub, svc, _, _ := newHubHarness(t, store)

	a := connectClient(t, hub, svc, "a1")
	a.openConversation(ctx, "c1")

	// b2 connecting flips them online; the change must reach a1's roster.
	connectClient(t, hub, svc, "b2")

	require.Eventually(t, func() bool {
		v, ok := a.view("c1")
		if !ok {
			return false
		}
		a.viewsMu.Lock()
		defer a.viewsMu.Unlock()
		for _, s := range v.roster {
			if s.ID == "b2" {
				return s.IsOnline
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestSecondConnectionDoesNotFlapPresence(t *testing.T) {
	hub, svc, _, pstore := newHubHarness(t, newFakeStore())

	first := connectClient(t, hub, svc, "a1")
	second := connectClient(t, hub, svc, "a1")
	fence(hub, second)

	rec, ok := pstore.record("a1")
	require.True(t, ok)
	require.True(t, rec.IsOnline)

	// Dropping one of two connections must not stamp the user offline.
	hub.Unregister <- first
	fence(hub, second)

	rec, ok = pstore.record("a1")
	require.True(t, ok)
	assert.True(t, rec.IsOnline, "still connected elsewhere")

	hub.Unregister <- second
	require.Eventually(t, func() bool {
		rec, ok := pstore.record("a1")
		return ok && !rec.IsOnline && rec.LastSeen != nil
	}, time.Second, 5*time.Millisecond)
}

// raceStore publishes a fresh message while a history fetch is in flight,
// reproducing a write landing between the REST read and the first delivered
// event.
type raceStore struct {
	*fakeStore
	channel pubsub.Channel
	once    sync.Once
}

func (r *raceStore) Messages(ctx context.Context, convID string, limit int) ([]Message, error) {
	snapshot, err := r.fakeStore.Messages(ctx, convID, limit)
	r.once.Do(func() {
		m := &Message{ID: "m-race", ConversationID: convID, SenderID: "b2", Content: "in flight", MessageType: TypeText}
		if err := r.fakeStore.InsertMessage(ctx, m); err != nil {
			return
		}
		payload, err := pubsub.MarshalInsert(m)
		if err != nil {
			return
		}
		r.channel.Publish(ctx, ConversationTopic(convID), payload)
	})
	return snapshot, err
}

func TestOpenConversationKeepsMessageRacingTheFetch(t *testing.T) {
	ctx := context.Background()
	channel := newCountingChannel()
	store := &raceStore{fakeStore: newFakeStore(), channel: channel}
	seedDirect(t, store.fakeStore, "c1", "a1", "b2")

	pstore := newHubPresenceStore()
	tracker := presence.NewTracker(pstore, channel, 5*time.Minute, zap.NewNop())
	edges := newPermEdges()
	svc := NewService(store, fakeDirectory{},
		permission.NewResolver(edges, edges, edges),
		channel, NewRedactor(true), zap.NewNop())
	hub := NewHub(channel, tracker, zap.NewNop())

	runCtx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(runCtx)

	a := connectClient(t, hub, svc, "a1")
	a.openConversation(ctx, "c1")

	// The racing row is in neither the returned snapshot nor any event sent
	// before the subscription went live; the open view must still end up
	// holding it.
	require.Eventually(t, func() bool {
		v, ok := a.view("c1")
		if !ok {
			return false
		}
		for _, m := range v.merger.Messages() {
			if m.ID == "m-race" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}
