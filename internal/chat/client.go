package chat

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"huddle/internal/presence"
	"huddle/internal/pubsub"
	"huddle/internal/user"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10 // must be less than pongWait
	maxMessageSize = 4096
)

// Command is what the frontend sends over the websocket.
type Command struct {
	Action         string          `json:"action"` // open | close | send | mark_read
	ConversationID string          `json:"conversation_id"`
	Content        string          `json:"content,omitempty"`
	MessageType    string          `json:"message_type,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	MessageIDs     []string        `json:"message_ids,omitempty"`
}

// Frame is what the server pushes back.
type Frame struct {
	Type           string           `json:"type"` // history | message | message_read | presence | unread | error
	ConversationID string           `json:"conversation_id,omitempty"`
	Message        *Message         `json:"message,omitempty"`
	Messages       []Message        `json:"messages,omitempty"`
	Roster         []user.Summary   `json:"roster,omitempty"`
	Presence       *presence.Record `json:"presence,omitempty"`
	Unread         *int             `json:"unread,omitempty"`
	Error          string           `json:"error,omitempty"`
}

// conversationView is one open conversation: its merged message sequence and
// the participant roster kept current by presence events.
type conversationView struct {
	merger *Merger
	roster []user.Summary
}

// Client is the middleman between one websocket connection and the hub. Each
// open conversation gets its own Merger, so the view the frontend renders is
// always the deduplicated, time-ordered merge of fetched history and pushed
// events. Events for this connection are processed by a single goroutine,
// sequential per room.
type Client struct {
	UserID   string
	Username string

	hub     *Hub
	service *Service
	conn    *websocket.Conn
	log     *zap.Logger

	send    chan []byte
	events  chan pubsub.Event
	limiter *rate.Limiter

	viewsMu sync.Mutex
	views   map[string]*conversationView // conversation id -> open view
}

func NewClient(hub *Hub, service *Service, conn *websocket.Conn, userID, username string, log *zap.Logger) *Client {
	return &Client{
		UserID:   userID,
		Username: username,
		hub:      hub,
		service:  service,
		conn:     conn,
		log:      log,
		send:     make(chan []byte, 256),
		events:   make(chan pubsub.Event, 256),
		views:    make(map[string]*conversationView),
		// 10 actions/sec with small bursts keeps one chatty client from
		// starving the connection.
		limiter: rate.NewLimiter(rate.Limit(10), 20),
	}
}

func (c *Client) deliver(ev pubsub.Event) {
	select {
	case c.events <- ev:
	default:
		// slow consumer; the view re-syncs on the next open
	}
}

func (c *Client) pushFrame(f *Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (c *Client) view(conversationID string) (*conversationView, bool) {
	c.viewsMu.Lock()
	defer c.viewsMu.Unlock()
	v, ok := c.views[conversationID]
	return v, ok
}

// applyPresence patches the matching roster entry of every open view in
// place, leaving the other profile fields untouched.
func (c *Client) applyPresence(rec presence.Record) {
	c.viewsMu.Lock()
	defer c.viewsMu.Unlock()
	for _, v := range c.views {
		PatchRoster(v.roster, rec)
	}
}

// ProcessEvents applies hub-delivered events to the open views. Runs until
// the hub closes the events channel on unregister, then closes the send
// channel so WritePump shuts down after draining.
func (c *Client) ProcessEvents() {
	defer close(c.send)
	for ev := range c.events {
		if ev.Topic == presence.Topic {
			if rec, ok := presence.DecodeEvent(ev.Payload); ok {
				c.applyPresence(rec)
				c.pushFrame(&Frame{Type: "presence", Presence: &rec})
			}
			continue
		}

		var env pubsub.Envelope
		if err := json.Unmarshal(ev.Payload, &env); err != nil {
			continue
		}
		var m Message
		if err := json.Unmarshal(env.Row, &m); err != nil || m.ID == "" {
			continue
		}
		view, ok := c.view(m.ConversationID)
		if !ok {
			continue
		}

		switch env.Kind {
		case pubsub.KindInsert:
			// The merger drops the echo of this client's own optimistic
			// append; only genuinely new messages reach the frontend.
			if view.merger.ApplyInsert(m) {
				c.pushFrame(&Frame{Type: "message", ConversationID: m.ConversationID, Message: &m})
			}
		case pubsub.KindUpdate:
			if view.merger.ApplyUpdate(m) {
				c.pushFrame(&Frame{Type: "message_read", ConversationID: m.ConversationID, Message: &m})
			}
		}
	}
}

func (c *Client) handleCommand(ctx context.Context, cmd *Command) {
	switch cmd.Action {
	case "open":
		c.openConversation(ctx, cmd.ConversationID)
	case "close":
		c.closeConversation(cmd.ConversationID)
	case "send":
		c.sendMessage(ctx, cmd)
	case "mark_read":
		c.markRead(ctx, cmd)
	default:
		c.pushFrame(&Frame{Type: "error", Error: "unknown action"})
	}
}

func (c *Client) openConversation(ctx context.Context, conversationID string) {
	if conversationID == "" {
		c.pushFrame(&Frame{Type: "error", Error: "conversation_id is required"})
		return
	}

	roster, err := c.service.Roster(ctx, c.UserID, conversationID)
	if err != nil {
		c.pushError(conversationID, err)
		return
	}

	// Register the view and go live on the topic before fetching history: a
	// message published during the fetch then lands in the merger as an
	// event, and merging the baseline afterwards dedups the overlap by id.
	// The other order loses anything persisted between fetch and subscribe.
	view := &conversationView{merger: NewMerger(nil), roster: roster}
	c.viewsMu.Lock()
	c.views[conversationID] = view
	c.viewsMu.Unlock()
	c.hub.OpenRoom(c, ConversationTopic(conversationID))

	history, err := c.service.History(ctx, c.UserID, conversationID, 100)
	if err != nil {
		c.closeConversation(conversationID)
		c.pushError(conversationID, err)
		return
	}
	view.merger.MergeBaseline(history)

	// The view owns the roster slice once registered; the frame gets its own
	// copy so presence patching never races the marshal.
	c.viewsMu.Lock()
	snapshot := make([]user.Summary, len(view.roster))
	copy(snapshot, view.roster)
	c.viewsMu.Unlock()

	c.pushFrame(&Frame{
		Type:           "history",
		ConversationID: conversationID,
		Messages:       view.merger.Messages(),
		Roster:         snapshot,
	})
}

func (c *Client) closeConversation(conversationID string) {
	if _, ok := c.view(conversationID); !ok {
		return
	}
	// Unsubscribe first; after CloseRoom returns no event reaches this view.
	c.hub.CloseRoom(c, ConversationTopic(conversationID))
	c.viewsMu.Lock()
	delete(c.views, conversationID)
	c.viewsMu.Unlock()
}

func (c *Client) sendMessage(ctx context.Context, cmd *Command) {
	m, err := c.service.SendMessage(ctx, c.UserID, &SendMessageRequest{
		ConversationID: cmd.ConversationID,
		Content:        cmd.Content,
		MessageType:    cmd.MessageType,
		Metadata:       cmd.Metadata,
	})
	if err != nil {
		c.pushError(cmd.ConversationID, err)
		return
	}

	// Optimistic append: show the sender their message immediately. The
	// pushed copy of the same row is deduplicated by id in ProcessEvents.
	if view, ok := c.view(cmd.ConversationID); ok {
		if view.merger.ApplyInsert(*m) {
			c.pushFrame(&Frame{Type: "message", ConversationID: cmd.ConversationID, Message: m})
		}
	}
}

func (c *Client) markRead(ctx context.Context, cmd *Command) {
	unread, err := c.service.MarkAsRead(ctx, c.UserID, &MarkReadRequest{
		ConversationID: cmd.ConversationID,
		MessageIDs:     cmd.MessageIDs,
	})
	if err != nil {
		c.pushError(cmd.ConversationID, err)
		return
	}
	c.pushFrame(&Frame{Type: "unread", ConversationID: cmd.ConversationID, Unread: &unread})
}

func (c *Client) pushError(conversationID string, err error) {
	c.pushFrame(&Frame{Type: "error", ConversationID: conversationID, Error: err.Error()})
}

// ReadPump pumps commands from the websocket connection into the services.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Debug("websocket closed", zap.String("user_id", c.UserID), zap.Error(err))
			}
			break
		}

		if !c.limiter.Allow() {
			c.pushFrame(&Frame{Type: "error", Error: "slow down"})
			continue
		}

		var cmd Command
		if err := json.Unmarshal(raw, &cmd); err != nil {
			c.pushFrame(&Frame{Type: "error", Error: "malformed command"})
			continue
		}
		c.handleCommand(ctx, &cmd)
	}
}

// WritePump pumps frames to the websocket connection and keeps it alive.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Coalesce queued frames into one write to cut syscalls.
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
