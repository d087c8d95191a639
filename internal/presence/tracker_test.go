package presence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"huddle/internal/pubsub"
)

type memStore struct {
	recs map[string]Record
}

func newMemStore() *memStore { return &memStore{recs: map[string]Record{}} }

func (m *memStore) Upsert(_ context.Context, rec Record) error {
	m.recs[rec.UserID] = rec
	return nil
}

func (m *memStore) Get(_ context.Context, userID string) (Record, bool, error) {
	rec, ok := m.recs[userID]
	return rec, ok, nil
}

func newTestTracker(t *testing.T) (*Tracker, *memStore, *pubsub.Bus) {
	t.Helper()
	store := newMemStore()
	bus := pubsub.NewBus()
	tr := NewTracker(store, bus, 5*time.Minute, zap.NewNop())
	return tr, store, bus
}

func TestSetOnlineClearsLastSeen(t *testing.T) {
	ctx := context.Background()
	tr, store, _ := newTestTracker(t)

	require.NoError(t, tr.SetOffline(ctx, "u1"))
	require.NoError(t, tr.SetOnline(ctx, "u1"))

	rec := store.recs["u1"]
	require.True(t, rec.IsOnline)
	require.Nil(t, rec.LastSeen, "is_online=true implies last_seen=null")
}

func TestSetOfflineStampsLastSeen(t *testing.T) {
	ctx := context.Background()
	tr, store, _ := newTestTracker(t)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return base }

	require.NoError(t, tr.SetOffline(ctx, "u1"))

	rec := store.recs["u1"]
	require.False(t, rec.IsOnline)
	require.NotNil(t, rec.LastSeen)
	require.Equal(t, base, *rec.LastSeen)

	// Replaying the same upsert leaves identical state.
	require.NoError(t, tr.SetOffline(ctx, "u1"))
	require.Equal(t, rec, store.recs["u1"])
}

func TestPresenceChangeIsPublished(t *testing.T) {
	ctx := context.Background()
	tr, _, bus := newTestTracker(t)

	sub, err := bus.Subscribe(ctx, Topic)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, tr.SetOnline(ctx, "u1"))

	select {
	case ev := <-sub.C():
		rec, ok := DecodeEvent(ev.Payload)
		require.True(t, ok)
		require.Equal(t, "u1", rec.UserID)
		require.True(t, rec.IsOnline)
	case <-time.After(time.Second):
		t.Fatal("no presence event published")
	}
}

func TestPerceived(t *testing.T) {
	ctx := context.Background()
	tr, store, _ := newTestTracker(t)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return now }

	t.Run("explicit online record", func(t *testing.T) {
		store.recs["u1"] = Record{UserID: "u1", IsOnline: true}
		st, err := tr.Perceived(ctx, "u1", now.Add(-time.Hour))
		require.NoError(t, err)
		require.True(t, st.Online)
	})

	t.Run("explicit offline record", func(t *testing.T) {
		seen := now.Add(-10 * time.Minute)
		store.recs["u2"] = Record{UserID: "u2", LastSeen: &seen}
		st, err := tr.Perceived(ctx, "u2", now)
		require.NoError(t, err)
		require.False(t, st.Online)
		require.Equal(t, seen, *st.LastSeen)
	})

	t.Run("no record, recent profile update counts as online", func(t *testing.T) {
		st, err := tr.Perceived(ctx, "u3", now.Add(-time.Minute))
		require.NoError(t, err)
		require.True(t, st.Online)
	})

	t.Run("no record, stale profile update becomes last seen", func(t *testing.T) {
		updated := now.Add(-time.Hour)
		st, err := tr.Perceived(ctx, "u4", updated)
		require.NoError(t, err)
		require.False(t, st.Online)
		require.Equal(t, updated, *st.LastSeen)
	})

	t.Run("nothing known at all", func(t *testing.T) {
		st, err := tr.Perceived(ctx, "u5", time.Time{})
		require.NoError(t, err)
		require.False(t, st.Online)
		require.Nil(t, st.LastSeen)
	})
}
