package chat

import (
	"encoding/json"
	"sort"
	"sync"

	"huddle/internal/presence"
	"huddle/internal/pubsub"
	"huddle/internal/user"
)

// Merger reconciles REST-fetched history with push-delivered events for one
// open conversation into a single deduplicated, time-ordered sequence. The
// transport gives no ordering guarantee relative to the REST fetch, so every
// merge re-sorts by sent_at instead of assuming append-only correctness.
type Merger struct {
	mu   sync.Mutex
	msgs []Message
	seen map[string]int // message id -> index

	// onAppend fires after every accepted append (the scroll-to-end trigger).
	onAppend func(Message)
}

func NewMerger(onAppend func(Message)) *Merger {
	return &Merger{seen: map[string]int{}, onAppend: onAppend}
}

// Reset replaces the baseline with a REST-fetched history.
func (g *Merger) Reset(baseline []Message) {
	g.mu.Lock()
	g.msgs = make([]Message, len(baseline))
	copy(g.msgs, baseline)
	g.sortAndIndex()
	g.mu.Unlock()
}

// MergeBaseline folds a REST-fetched history into the sequence without
// discarding events that arrived while the fetch was in flight. Rows present
// on both sides dedup by id.
func (g *Merger) MergeBaseline(baseline []Message) {
	g.mu.Lock()
	for _, m := range baseline {
		if _, ok := g.seen[m.ID]; ok {
			continue
		}
		g.msgs = append(g.msgs, m)
		g.seen[m.ID] = len(g.msgs) - 1
	}
	g.sortAndIndex()
	g.mu.Unlock()
}

// ApplyInsert appends the message unless its id is already present. The dedup
// covers the sender's own optimistic append racing with the same row arriving
// over the subscription. Returns true if the message was accepted.
func (g *Merger) ApplyInsert(m Message) bool {
	g.mu.Lock()
	if _, ok := g.seen[m.ID]; ok {
		g.mu.Unlock()
		return false
	}
	g.msgs = append(g.msgs, m)
	g.sortAndIndex()
	g.mu.Unlock()

	if g.onAppend != nil {
		g.onAppend(m)
	}
	return true
}

// ApplyUpdate patches the stored message by id. Unknown ids are ignored; an
// update for a message the baseline never fetched carries nothing to patch.
func (g *Merger) ApplyUpdate(m Message) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	i, ok := g.seen[m.ID]
	if !ok {
		return false
	}
	g.msgs[i].Read = m.Read
	g.msgs[i].ReadAt = m.ReadAt
	// Read receipts arrive as partial rows; only patch content when present.
	if m.Content != "" {
		g.msgs[i].Content = m.Content
	}
	return true
}

// ApplyEvent decodes a conversation topic payload and routes it.
func (g *Merger) ApplyEvent(payload []byte) bool {
	var env pubsub.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return false
	}
	var m Message
	if err := json.Unmarshal(env.Row, &m); err != nil || m.ID == "" {
		return false
	}
	switch env.Kind {
	case pubsub.KindInsert:
		return g.ApplyInsert(m)
	case pubsub.KindUpdate:
		return g.ApplyUpdate(m)
	}
	return false
}

// Messages returns a snapshot of the merged sequence, sent_at ascending.
func (g *Merger) Messages() []Message {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Message, len(g.msgs))
	copy(out, g.msgs)
	return out
}

func (g *Merger) sortAndIndex() {
	sort.SliceStable(g.msgs, func(i, j int) bool {
		return g.msgs[i].SentAt.Before(g.msgs[j].SentAt)
	})
	for k := range g.seen {
		delete(g.seen, k)
	}
	for i, m := range g.msgs {
		g.seen[m.ID] = i
	}
}

// PatchRoster applies a presence change to a roster in place, matching the
// entry by id. The rest of the entry is left alone so concurrently-updated
// fields like name or avatar are never clobbered.
func PatchRoster(roster []user.Summary, rec presence.Record) bool {
	for i := range roster {
		if roster[i].ID == rec.UserID {
			roster[i].IsOnline = rec.IsOnline
			roster[i].LastSeen = rec.LastSeen
			return true
		}
	}
	return false
}
