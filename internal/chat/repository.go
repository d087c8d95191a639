package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"huddle/internal/apperr"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const conversationColumns = `c.id, c.is_group, c.group_name, c.group_avatar, c.created_at, c.updated_at`

// ListConversations returns every conversation the user participates in,
// newest activity first. Upstream joins can in principle produce duplicate
// rows; the service layer dedups rather than trusting this query.
func (r *Repository) ListConversations(ctx context.Context, userID string) ([]Conversation, error) {
	query := fmt.Sprintf(`SELECT %s
        FROM conversations c
        JOIN participants p ON p.conversation_id = c.id
        WHERE p.user_id = $1
        ORDER BY c.updated_at DESC`, conversationColumns)

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.IsGroup, &c.GroupName, &c.GroupAvatar, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

func (r *Repository) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	c := &Conversation{}
	query := fmt.Sprintf(`SELECT %s FROM conversations c WHERE c.id = $1`, conversationColumns)
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&c.ID, &c.IsGroup, &c.GroupName, &c.GroupAvatar, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrConversationGone
	}
	if err != nil {
		return nil, err
	}

	ids, err := r.ParticipantIDs(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	c.ParticipantIDs = ids[id]
	return c, nil
}

// ParticipantIDs batch-loads rosters for a set of conversations.
func (r *Repository) ParticipantIDs(ctx context.Context, conversationIDs []string) (map[string][]string, error) {
	out := make(map[string][]string, len(conversationIDs))
	if len(conversationIDs) == 0 {
		return out, nil
	}

	placeholders, args := inArgs(conversationIDs, 0)
	query := fmt.Sprintf(`SELECT conversation_id, user_id FROM participants
        WHERE conversation_id IN (%s)`, placeholders)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var convID, userID string
		if err := rows.Scan(&convID, &userID); err != nil {
			return nil, err
		}
		out[convID] = append(out[convID], userID)
	}
	return out, rows.Err()
}

// LastMessages fetches the newest message per conversation in one query.
func (r *Repository) LastMessages(ctx context.Context, conversationIDs []string) (map[string]*Message, error) {
	out := make(map[string]*Message, len(conversationIDs))
	if len(conversationIDs) == 0 {
		return out, nil
	}

	placeholders, args := inArgs(conversationIDs, 0)
	query := fmt.Sprintf(`SELECT DISTINCT ON (conversation_id)
            id, conversation_id, sender_id, content, message_type, metadata, read, read_at, sent_at
        FROM messages
        WHERE conversation_id IN (%s)
        ORDER BY conversation_id, sent_at DESC`, placeholders)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		m := &Message{}
		if err := scanMessage(rows, m); err != nil {
			return nil, err
		}
		out[m.ConversationID] = m
	}
	return out, rows.Err()
}

func (r *Repository) CreateConversation(ctx context.Context, c *Conversation) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO conversations (id, is_group, group_name, group_avatar, created_at, updated_at)
         VALUES ($1, $2, $3, $4, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`,
		c.ID, c.IsGroup, c.GroupName, c.GroupAvatar)
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}

	for _, userID := range c.ParticipantIDs {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO participants (conversation_id, user_id) VALUES ($1, $2)
             ON CONFLICT DO NOTHING`,
			c.ID, userID)
		if err != nil {
			return fmt.Errorf("insert participant: %w", err)
		}
	}
	return tx.Commit()
}

// FindDirectConversation locates a non-group conversation containing exactly
// {a, b}. Race-created duplicates are possible; the oldest wins so both sides
// converge on the same row.
func (r *Repository) FindDirectConversation(ctx context.Context, a, b string) (*Conversation, error) {
	query := fmt.Sprintf(`SELECT %s
        FROM conversations c
        WHERE NOT c.is_group
          AND EXISTS (SELECT 1 FROM participants WHERE conversation_id = c.id AND user_id = $1)
          AND EXISTS (SELECT 1 FROM participants WHERE conversation_id = c.id AND user_id = $2)
          AND (SELECT COUNT(*) FROM participants WHERE conversation_id = c.id) = 2
        ORDER BY c.created_at
        LIMIT 1`, conversationColumns)

	c := &Conversation{}
	err := r.db.QueryRowContext(ctx, query, a, b).Scan(
		&c.ID, &c.IsGroup, &c.GroupName, &c.GroupAvatar, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.ParticipantIDs = []string{a, b}
	return c, nil
}

// DeleteConversation removes messages first, then the conversation row, so an
// interrupted delete never leaves orphaned messages.
func (r *Repository) DeleteConversation(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = $1`, id); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.ErrConversationGone
	}
	return tx.Commit()
}

func (r *Repository) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM participants WHERE conversation_id = $1 AND user_id = $2)`,
		conversationID, userID).Scan(&exists)
	return exists, err
}

// InsertMessage persists the message and bumps the conversation's updated_at
// in the same transaction.
func (r *Repository) InsertMessage(ctx context.Context, m *Message) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx,
		`INSERT INTO messages (id, conversation_id, sender_id, content, message_type, metadata)
         VALUES ($1, $2, $3, $4, $5, $6)
         RETURNING sent_at`,
		m.ID, m.ConversationID, m.SenderID, m.Content, m.MessageType, nullableJSON(m.Metadata)).Scan(&m.SentAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = CURRENT_TIMESTAMP WHERE id = $1`,
		m.ConversationID)
	if err != nil {
		return fmt.Errorf("bump conversation: %w", err)
	}
	return tx.Commit()
}

// Messages returns a conversation's history ordered by sent_at ascending.
func (r *Repository) Messages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, conversation_id, sender_id, content, message_type, metadata, read, read_at, sent_at
        FROM (
            SELECT * FROM messages
            WHERE conversation_id = $1
            ORDER BY sent_at DESC
            LIMIT $2
        ) recent
        ORDER BY sent_at ASC`

	rows, err := r.db.QueryContext(ctx, query, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := scanMessage(rows, &m); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// MarkRead flips read/read_at for exactly the given ids scoped to the
// conversation, defending against cross-conversation id collisions. Empty id
// lists are a no-op.
func (r *Repository) MarkRead(ctx context.Context, conversationID string, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}

	placeholders, args := inArgs(messageIDs, 1)
	args = append([]any{conversationID}, args...)
	query := fmt.Sprintf(`UPDATE messages
        SET read = TRUE, read_at = CURRENT_TIMESTAMP
        WHERE conversation_id = $1 AND id IN (%s)`, placeholders)

	_, err := r.db.ExecContext(ctx, query, args...)
	return err
}

func (r *Repository) DeleteMessages(ctx context.Context, conversationID string, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}

	placeholders, args := inArgs(messageIDs, 1)
	args = append([]any{conversationID}, args...)
	query := fmt.Sprintf(`DELETE FROM messages
        WHERE conversation_id = $1 AND id IN (%s)`, placeholders)

	_, err := r.db.ExecContext(ctx, query, args...)
	return err
}

// UnreadCount counts unread messages the viewer did not send.
func (r *Repository) UnreadCount(ctx context.Context, conversationID, userID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages
         WHERE conversation_id = $1 AND NOT read AND sender_id <> $2`,
		conversationID, userID).Scan(&n)
	return n, err
}

// UnreadCounts is the batched form used when hydrating a conversation list.
// Conversations with zero unread simply do not appear in the result; callers
// must zero-initialize.
func (r *Repository) UnreadCounts(ctx context.Context, conversationIDs []string, userID string) (map[string]int, error) {
	out := make(map[string]int, len(conversationIDs))
	if len(conversationIDs) == 0 {
		return out, nil
	}

	placeholders, args := inArgs(conversationIDs, 1)
	args = append([]any{userID}, args...)
	query := fmt.Sprintf(`SELECT conversation_id, COUNT(*)
        FROM messages
        WHERE NOT read AND sender_id <> $1 AND conversation_id IN (%s)
        GROUP BY conversation_id`, placeholders)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		out[id] = n
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(rows rowScanner, m *Message) error {
	var metadata sql.NullString
	if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.MessageType,
		&metadata, &m.Read, &m.ReadAt, &m.SentAt); err != nil {
		return err
	}
	if metadata.Valid {
		m.Metadata = []byte(metadata.String)
	}
	return nil
}

func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// inArgs builds "$n, $n+1, ..." placeholders starting after `offset`
// already-bound parameters.
func inArgs(ids []string, offset int) (string, []any) {
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", offset+i+1)
		args[i] = id
	}
	return strings.Join(placeholders, ", "), args
}
