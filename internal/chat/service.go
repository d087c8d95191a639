package chat

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"huddle/internal/apperr"
	"huddle/internal/permission"
	"huddle/internal/pubsub"
	"huddle/internal/user"
)

// Store is what the service needs from the persistence layer; *Repository
// implements it.
type Store interface {
	ListConversations(ctx context.Context, userID string) ([]Conversation, error)
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ParticipantIDs(ctx context.Context, conversationIDs []string) (map[string][]string, error)
	LastMessages(ctx context.Context, conversationIDs []string) (map[string]*Message, error)
	CreateConversation(ctx context.Context, c *Conversation) error
	FindDirectConversation(ctx context.Context, a, b string) (*Conversation, error)
	DeleteConversation(ctx context.Context, id string) error
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
	InsertMessage(ctx context.Context, m *Message) error
	Messages(ctx context.Context, conversationID string, limit int) ([]Message, error)
	MarkRead(ctx context.Context, conversationID string, messageIDs []string) error
	DeleteMessages(ctx context.Context, conversationID string, messageIDs []string) error
	UnreadCount(ctx context.Context, conversationID, userID string) (int, error)
	UnreadCounts(ctx context.Context, conversationIDs []string, userID string) (map[string]int, error)
}

// Directory batch-resolves participant profile summaries with presence.
type Directory interface {
	Summaries(ctx context.Context, ids []string) (map[string]user.Summary, error)
}

// Resolver gates direct messaging; *permission.Resolver implements it.
type Resolver interface {
	Resolve(ctx context.Context, fromUser, toUser string) (permission.Decision, error)
}

type Service struct {
	store    Store
	users    Directory
	perms    Resolver
	channel  pubsub.Channel
	redactor *Redactor
	log      *zap.Logger
}

func NewService(store Store, users Directory, perms Resolver, channel pubsub.Channel, redactor *Redactor, log *zap.Logger) *Service {
	return &Service{
		store:    store,
		users:    users,
		perms:    perms,
		channel:  channel,
		redactor: redactor,
		log:      log,
	}
}

// pairKey identifies a 1:1 conversation by its unordered participant pair.
func pairKey(ids []string) string {
	pair := make([]string, len(ids))
	copy(pair, ids)
	sort.Strings(pair)
	return strings.Join(pair, "|")
}

// ListConversations builds the viewer's conversation list: deduplicated by id
// and by 1:1 participant pair, rosters hydrated with presence, last message
// and unread count attached, sorted by updated_at descending.
func (s *Service) ListConversations(ctx context.Context, userID string) ([]Conversation, error) {
	raw, err := s.store.ListConversations(ctx, userID)
	if err != nil {
		return nil, apperr.TransientIO("list conversations", err)
	}

	// Defend against duplicate rows from upstream joins.
	seen := make(map[string]bool, len(raw))
	convs := make([]Conversation, 0, len(raw))
	ids := make([]string, 0, len(raw))
	for _, c := range raw {
		if seen[c.ID] {
			continue
		}
		seen[c.ID] = true
		convs = append(convs, c)
		ids = append(ids, c.ID)
	}

	rosters, err := s.store.ParticipantIDs(ctx, ids)
	if err != nil {
		return nil, apperr.TransientIO("load participants", err)
	}

	// Defend against race-created duplicate 1:1 conversations sharing the
	// same unordered pair; the first (most recently updated) wins.
	pairSeen := map[string]bool{}
	deduped := convs[:0]
	for _, c := range convs {
		c.ParticipantIDs = rosters[c.ID]
		if !c.IsGroup && len(c.ParticipantIDs) == 2 {
			key := pairKey(c.ParticipantIDs)
			if pairSeen[key] {
				continue
			}
			pairSeen[key] = true
		}
		deduped = append(deduped, c)
	}
	convs = deduped

	allParticipants := make([]string, 0, len(convs)*2)
	for _, c := range convs {
		allParticipants = append(allParticipants, c.ParticipantIDs...)
	}
	summaries, err := s.users.Summaries(ctx, allParticipants)
	if err != nil {
		return nil, apperr.TransientIO("load profiles", err)
	}

	finalIDs := make([]string, len(convs))
	for i, c := range convs {
		finalIDs[i] = c.ID
	}
	lastMsgs, err := s.store.LastMessages(ctx, finalIDs)
	if err != nil {
		return nil, apperr.TransientIO("load last messages", err)
	}

	unread := s.UnreadCounts(ctx, userID, finalIDs)

	for i := range convs {
		c := &convs[i]
		c.Participants = make([]user.Summary, 0, len(c.ParticipantIDs))
		for _, pid := range c.ParticipantIDs {
			if sum, ok := summaries[pid]; ok {
				c.Participants = append(c.Participants, sum)
			}
		}
		c.LastMessage = lastMsgs[c.ID]
		c.UnreadCount = unread[c.ID]
	}

	sort.SliceStable(convs, func(i, j int) bool {
		return convs[i].UpdatedAt.After(convs[j].UpdatedAt)
	})
	return convs, nil
}

func uniqueWith(self string, others []string) []string {
	out := []string{self}
	seen := map[string]bool{self: true}
	for _, id := range others {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func (s *Service) CreateConversation(ctx context.Context, selfID string, req *CreateConversationRequest) (*Conversation, error) {
	participants := uniqueWith(selfID, req.ParticipantIDs)
	if len(participants) < 2 {
		return nil, apperr.InvalidArg("a conversation needs at least two participants")
	}
	if !req.IsGroup {
		if len(participants) != 2 {
			return nil, apperr.InvalidArg("a direct conversation has exactly two participants")
		}
		d, err := s.perms.Resolve(ctx, selfID, participants[1])
		if err != nil {
			return nil, err
		}
		if err := d.Deny(); err != nil {
			return nil, err
		}
	}

	c := &Conversation{
		ID:             uuid.NewString(),
		IsGroup:        req.IsGroup,
		GroupName:      req.GroupName,
		ParticipantIDs: participants,
	}
	if err := s.store.CreateConversation(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// GetOrCreateDirectConversation re-runs the permission resolver even when a
// conversation already exists: a block added after creation still denies.
func (s *Service) GetOrCreateDirectConversation(ctx context.Context, selfID, otherID string) (*Conversation, bool, error) {
	d, err := s.perms.Resolve(ctx, selfID, otherID)
	if err != nil {
		return nil, false, err
	}
	if err := d.Deny(); err != nil {
		return nil, false, err
	}

	existing, err := s.store.FindDirectConversation(ctx, selfID, otherID)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	c := &Conversation{
		ID:             uuid.NewString(),
		ParticipantIDs: []string{selfID, otherID},
	}
	if err := s.store.CreateConversation(ctx, c); err != nil {
		return nil, false, err
	}
	return c, true, nil
}

// Roster returns the hydrated participant roster for one conversation.
func (s *Service) Roster(ctx context.Context, selfID, conversationID string) ([]user.Summary, error) {
	if err := s.requireParticipant(ctx, conversationID, selfID); err != nil {
		return nil, err
	}
	rosters, err := s.store.ParticipantIDs(ctx, []string{conversationID})
	if err != nil {
		return nil, apperr.TransientIO("load participants", err)
	}
	ids := rosters[conversationID]
	summaries, err := s.users.Summaries(ctx, ids)
	if err != nil {
		return nil, apperr.TransientIO("load profiles", err)
	}
	out := make([]user.Summary, 0, len(ids))
	for _, id := range ids {
		if sum, ok := summaries[id]; ok {
			out = append(out, sum)
		}
	}
	return out, nil
}

func (s *Service) requireParticipant(ctx context.Context, conversationID, userID string) error {
	ok, err := s.store.IsParticipant(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.ErrNotParticipant
	}
	return nil
}

func (s *Service) DeleteConversation(ctx context.Context, selfID, conversationID string) error {
	if err := s.requireParticipant(ctx, conversationID, selfID); err != nil {
		return err
	}
	return s.store.DeleteConversation(ctx, conversationID)
}

// SendMessage persists the message and publishes the insert to the
// conversation topic. Text content passes the PII filter before persistence.
func (s *Service) SendMessage(ctx context.Context, selfID string, req *SendMessageRequest) (*Message, error) {
	msgType := req.MessageType
	if msgType == "" {
		msgType = TypeText
	}
	if !ValidType(msgType) {
		return nil, apperr.InvalidArg("unknown message type")
	}

	if err := s.requireParticipant(ctx, req.ConversationID, selfID); err != nil {
		return nil, err
	}

	conv, err := s.store.GetConversation(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}
	// Permission can change after a conversation exists; 1:1 sends re-check.
	if !conv.IsGroup && len(conv.ParticipantIDs) == 2 {
		other := conv.ParticipantIDs[0]
		if other == selfID {
			other = conv.ParticipantIDs[1]
		}
		d, err := s.perms.Resolve(ctx, selfID, other)
		if err != nil {
			return nil, err
		}
		if err := d.Deny(); err != nil {
			return nil, err
		}
	}

	content := req.Content
	if msgType == TypeText {
		content = s.redactor.Redact(content)
	}

	m := &Message{
		ID:             uuid.NewString(),
		ConversationID: req.ConversationID,
		SenderID:       selfID,
		Content:        content,
		MessageType:    msgType,
		Metadata:       req.Metadata,
	}
	if err := s.store.InsertMessage(ctx, m); err != nil {
		return nil, err
	}

	s.publish(ctx, m.ConversationID, pubsub.KindInsert, m)
	return m, nil
}

func (s *Service) History(ctx context.Context, selfID, conversationID string, limit int) ([]Message, error) {
	if err := s.requireParticipant(ctx, conversationID, selfID); err != nil {
		return nil, err
	}
	return s.store.Messages(ctx, conversationID, limit)
}

// MarkAsRead flips the given messages and returns the freshly recomputed
// unread count. Counting again, rather than decrementing, stays correct under
// concurrent inserts. An empty id list is a no-op.
func (s *Service) MarkAsRead(ctx context.Context, selfID string, req *MarkReadRequest) (int, error) {
	if err := s.requireParticipant(ctx, req.ConversationID, selfID); err != nil {
		return 0, err
	}
	if len(req.MessageIDs) == 0 {
		return s.store.UnreadCount(ctx, req.ConversationID, selfID)
	}

	if err := s.store.MarkRead(ctx, req.ConversationID, req.MessageIDs); err != nil {
		return 0, err
	}

	now := time.Now()
	for _, id := range req.MessageIDs {
		s.publish(ctx, req.ConversationID, pubsub.KindUpdate, &Message{
			ID:             id,
			ConversationID: req.ConversationID,
			Read:           true,
			ReadAt:         &now,
		})
	}

	return s.store.UnreadCount(ctx, req.ConversationID, selfID)
}

func (s *Service) DeleteMessages(ctx context.Context, selfID string, req *DeleteMessagesRequest) error {
	if err := s.requireParticipant(ctx, req.ConversationID, selfID); err != nil {
		return err
	}
	return s.store.DeleteMessages(ctx, req.ConversationID, req.MessageIDs)
}

func (s *Service) UnreadCount(ctx context.Context, userID, conversationID string) (int, error) {
	return s.store.UnreadCount(ctx, conversationID, userID)
}

// UnreadCounts returns a count for every requested id, zero-initialized so
// conversations with no unread messages are never silently omitted. If the
// batched query fails it falls back to per-conversation queries; this is a
// read path, so degrading beats failing the whole list.
func (s *Service) UnreadCounts(ctx context.Context, userID string, conversationIDs []string) map[string]int {
	out := make(map[string]int, len(conversationIDs))
	for _, id := range conversationIDs {
		out[id] = 0
	}

	counts, err := s.store.UnreadCounts(ctx, conversationIDs, userID)
	if err == nil {
		for id, n := range counts {
			out[id] = n
		}
		return out
	}

	s.log.Warn("batched unread query failed, falling back", zap.Error(err))
	for _, id := range conversationIDs {
		n, err := s.store.UnreadCount(ctx, id, userID)
		if err != nil {
			s.log.Warn("unread fallback failed", zap.String("conversation_id", id), zap.Error(err))
			continue
		}
		out[id] = n
	}
	return out
}

func (s *Service) CanDirectMessage(ctx context.Context, fromUser, toUser string) (permission.Decision, error) {
	return s.perms.Resolve(ctx, fromUser, toUser)
}

func (s *Service) publish(ctx context.Context, conversationID, kind string, m *Message) {
	var payload []byte
	var err error
	switch kind {
	case pubsub.KindInsert:
		payload, err = pubsub.MarshalInsert(m)
	default:
		payload, err = pubsub.MarshalUpdate(m)
	}
	if err == nil {
		err = s.channel.Publish(ctx, ConversationTopic(conversationID), payload)
	}
	if err != nil {
		// The row is persisted; open views catch up on the next fetch.
		s.log.Warn("publish failed",
			zap.String("conversation_id", conversationID),
			zap.String("kind", kind),
			zap.Error(err))
	}
}
