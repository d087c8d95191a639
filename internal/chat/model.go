package chat

import (
	"encoding/json"
	"time"

	"huddle/internal/user"
)

// Message types accepted on the wire.
const (
	TypeText  = "text"
	TypeImage = "image"
	TypeFile  = "file"
	TypeVideo = "video"
)

type Conversation struct {
	ID          string    `json:"id"`
	IsGroup     bool      `json:"is_group"`
	GroupName   *string   `json:"group_name,omitempty"`
	GroupAvatar *string   `json:"group_avatar,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	// ParticipantIDs always holds the full roster ids; Participants carries
	// hydrated profile summaries when the list view is built.
	ParticipantIDs []string       `json:"participant_ids"`
	Participants   []user.Summary `json:"participants,omitempty"`

	LastMessage *Message `json:"last_message,omitempty"`

	// UnreadCount is computed per requesting viewer, never persisted.
	UnreadCount int `json:"unread_count"`
}

// Message rows are append-only; only read/read_at ever change after insert.
type Message struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	SenderID       string          `json:"sender_id"`
	Content        string          `json:"content"`
	MessageType    string          `json:"message_type"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	Read           bool            `json:"read"`
	ReadAt         *time.Time      `json:"read_at,omitempty"`
	SentAt         time.Time       `json:"sent_at"`
}

func ValidType(t string) bool {
	switch t {
	case TypeText, TypeImage, TypeFile, TypeVideo:
		return true
	}
	return false
}

// ConversationTopic names the pub/sub topic carrying one conversation's
// row-change events.
func ConversationTopic(conversationID string) string {
	return "conv:" + conversationID
}

// Requests/responses for the REST surface.

type CreateConversationRequest struct {
	ParticipantIDs []string `json:"participant_ids"`
	IsGroup        bool     `json:"is_group"`
	GroupName      *string  `json:"group_name,omitempty"`
}

type DirectConversationRequest struct {
	UserID string `json:"user_id"`
}

type SendMessageRequest struct {
	ConversationID string          `json:"conversation_id"`
	Content        string          `json:"content"`
	MessageType    string          `json:"message_type"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
}

type MarkReadRequest struct {
	ConversationID string   `json:"conversation_id"`
	MessageIDs     []string `json:"message_ids"`
}

type DeleteMessagesRequest struct {
	ConversationID string   `json:"conversation_id"`
	MessageIDs     []string `json:"message_ids"`
}
