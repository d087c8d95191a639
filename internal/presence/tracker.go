// Package presence maintains each user's online flag and last-seen timestamp
// and pushes changes to open conversation rosters over the pub/sub channel.
package presence

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"huddle/internal/pubsub"
)

// Topic carries every presence change; subscribers patch matching roster
// entries in place by user id.
const Topic = "presence"

// Record invariant: IsOnline implies LastSeen == nil; going offline always
// stamps LastSeen.
type Record struct {
	UserID   string     `json:"user_id"`
	IsOnline bool       `json:"is_online"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
}

type Store interface {
	Upsert(ctx context.Context, rec Record) error
	Get(ctx context.Context, userID string) (Record, bool, error)
}

// Status is the display shape: online, or a last-seen time the UI renders as
// a relative "last seen". The heuristic fallback is approximate.
type Status struct {
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
}

type Tracker struct {
	store   Store
	channel pubsub.Channel
	window  time.Duration
	log     *zap.Logger
	now     func() time.Time
}

func NewTracker(store Store, channel pubsub.Channel, window time.Duration, log *zap.Logger) *Tracker {
	return &Tracker{
		store:   store,
		channel: channel,
		window:  window,
		log:     log,
		now:     time.Now,
	}
}

// SetOnline upserts {is_online: true, last_seen: null}. The upsert is
// idempotent; replaying it does not corrupt state.
func (t *Tracker) SetOnline(ctx context.Context, userID string) error {
	return t.apply(ctx, Record{UserID: userID, IsOnline: true})
}

// SetOffline stamps last_seen with the current time.
func (t *Tracker) SetOffline(ctx context.Context, userID string) error {
	now := t.now()
	return t.apply(ctx, Record{UserID: userID, IsOnline: false, LastSeen: &now})
}

func (t *Tracker) apply(ctx context.Context, rec Record) error {
	if err := t.store.Upsert(ctx, rec); err != nil {
		return err
	}

	payload, err := pubsub.MarshalUpdate(rec)
	if err != nil {
		return err
	}
	if err := t.channel.Publish(ctx, Topic, payload); err != nil {
		// Rosters self-heal on the next fetch; the persisted record is the
		// source of truth, so a lost push is not fatal.
		t.log.Warn("presence publish failed", zap.String("user_id", rec.UserID), zap.Error(err))
	}
	return nil
}

// Perceived resolves a user's display status. With no explicit presence
// record it falls back to the profile's updated_at: within the staleness
// window the user counts as online, past it the update time stands in for
// last seen.
func (t *Tracker) Perceived(ctx context.Context, userID string, profileUpdatedAt time.Time) (Status, error) {
	rec, found, err := t.store.Get(ctx, userID)
	if err != nil {
		return Status{}, err
	}

	if found {
		if rec.IsOnline {
			return Status{Online: true}, nil
		}
		return Status{LastSeen: rec.LastSeen}, nil
	}

	if !profileUpdatedAt.IsZero() && t.now().Sub(profileUpdatedAt) <= t.window {
		return Status{Online: true}, nil
	}
	if profileUpdatedAt.IsZero() {
		return Status{}, nil
	}
	return Status{LastSeen: &profileUpdatedAt}, nil
}

// DecodeEvent parses a presence event delivered on Topic.
func DecodeEvent(payload []byte) (Record, bool) {
	var env pubsub.Envelope
	if err := json.Unmarshal(payload, &env); err != nil || env.Kind != pubsub.KindUpdate {
		return Record{}, false
	}
	var rec Record
	if err := json.Unmarshal(env.Row, &rec); err != nil || rec.UserID == "" {
		return Record{}, false
	}
	return rec, true
}
