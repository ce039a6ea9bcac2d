// Package transport defines the duplex wire protocol spoken with the chat
// server and its WebSocket implementation. The JSON shapes mirror the
// server contract: every create-message op carries a client-generated
// idempotency key, and every room-scoped event carries a sequence number.
package transport

import (
	"time"

	"github.com/stackelite/chatsync/internal/store"
)

// Client op names. Message edits, deletes and reactions have no socket op;
// they go over HTTP and come back as message.updated / message.deleted
// pushes.
const (
	OpSubscribe   = "sub"
	OpUnsubscribe = "unsub"
	OpTyping      = "typing"
	OpSendMessage = "msg_send"
	OpRoomRead    = "room_read"
	OpPing        = "ping"
)

// Server event names.
const (
	EventMessageAck     = "message.ack"
	EventMessageCreated = "message.created"
	EventMessageUpdated = "message.updated"
	EventMessageDeleted = "message.deleted"
	EventRoomUpdated    = "room.updated"
	EventRoomRead       = "room.read"
	EventPrefsUpdated   = "prefs.updated"
	EventTypingChanged  = "typing.changed"
	EventPresenceUpdate = "presence.update"
	EventError          = "error"
	EventPong           = "pong"
)

// CreateMessage is the payload of a msg_send op.
type CreateMessage struct {
	ClientMsgID string `json:"client_msg_id"`
	Type        string `json:"type"`
	Content     string `json:"content"`
	ReplyToID   string `json:"reply_to_message_id,omitempty"`
	Quote       *Quote `json:"quote,omitempty"`
}

// ClientOp is a single client-to-server operation.
type ClientOp struct {
	Op                string         `json:"op"`
	RoomID            string         `json:"room_id,omitempty"`
	ClientMsgID       string         `json:"client_msg_id,omitempty"`
	IsTyping          bool           `json:"is_typing,omitempty"`
	LastReadMessageID string         `json:"last_read_message_id,omitempty"`
	Payload           *CreateMessage `json:"payload,omitempty"`
	T                 int64          `json:"t,omitempty"`
}

// ServerEvent is a single server-to-client event. Fields are populated
// according to Event.
type ServerEvent struct {
	Event       string   `json:"event"`
	RoomID      string   `json:"room_id,omitempty"`
	Seq         int64    `json:"seq,omitempty"`
	ClientMsgID string   `json:"client_msg_id,omitempty"`
	MessageID   string   `json:"message_id,omitempty"`
	Message     *Message `json:"message,omitempty"`
	Room        *Room    `json:"room,omitempty"`
	Prefs       *Prefs   `json:"prefs,omitempty"`
	UserID      string   `json:"user_id,omitempty"`
	IsTyping    bool     `json:"is_typing,omitempty"`
	Status      string   `json:"status,omitempty"`
	DeletedAt   string   `json:"deleted_at,omitempty"`
	DeletedBy   string   `json:"deleted_by,omitempty"`
	Code        string   `json:"code,omitempty"`
	Detail      string   `json:"message_text,omitempty"`
	T           int64    `json:"t,omitempty"`
}

// Room is the wire representation of a room.
type Room struct {
	ID                 string   `json:"id"`
	Type               string   `json:"type"`
	Name               string   `json:"name"`
	Status             string   `json:"status"`
	LastMessagePreview string   `json:"last_message_preview,omitempty"`
	LastActivityAt     string   `json:"last_activity_at"`
	UnreadCount        int      `json:"unread_count"`
	MemberIDs          []string `json:"member_ids,omitempty"`
	Seq                int64    `json:"seq"`
}

// Message is the wire representation of a message.
type Message struct {
	ID          string     `json:"id"`
	RoomID      string     `json:"room_id"`
	ClientMsgID string     `json:"client_msg_id,omitempty"`
	AuthorID    string     `json:"author_id"`
	Type        string     `json:"type"`
	Content     string     `json:"content"`
	ReplyToID   string     `json:"reply_to_message_id,omitempty"`
	Quote       *Quote     `json:"quote,omitempty"`
	Reactions   []Reaction `json:"reactions,omitempty"`
	CreatedAt   string     `json:"created_at"`
	EditedAt    string     `json:"edited_at,omitempty"`
	EditedBy    string     `json:"edited_by,omitempty"`
	DeletedAt   string     `json:"deleted_at,omitempty"`
	DeletedBy   string     `json:"deleted_by,omitempty"`
}

// Reaction is the wire representation of an emoji reaction.
type Reaction struct {
	MessageID string `json:"message_id"`
	UserID    string `json:"user_id"`
	Emoji     string `json:"emoji"`
	CreatedAt string `json:"created_at"`
}

// Quote is the wire representation of a quote payload.
type Quote struct {
	Source     string `json:"source"`
	Subject    string `json:"subject,omitempty"`
	Preview    string `json:"preview,omitempty"`
	Link       string `json:"link"`
	CapturedAt string `json:"captured_at,omitempty"`
}

// Prefs is the wire representation of per-room member prefs.
type Prefs struct {
	RoomID            string `json:"room_id"`
	IsPinned          bool   `json:"is_pinned"`
	IsArchived        bool   `json:"is_archived"`
	NotificationLevel string `json:"notification_level"`
	MuteUntil         string `json:"mute_until,omitempty"`
	LastReadMessageID string `json:"last_read_message_id,omitempty"`
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// FormatTime renders a timestamp in the wire format, empty for zero.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// ToStore converts a wire room into its store form.
func (r *Room) ToStore() store.Room {
	return store.Room{
		ID:                 r.ID,
		Type:               store.RoomType(r.Type),
		Name:               r.Name,
		Status:             store.RoomStatus(r.Status),
		LastMessagePreview: r.LastMessagePreview,
		LastActivityAt:     parseTime(r.LastActivityAt),
		UnreadCount:        r.UnreadCount,
		MemberIDs:          r.MemberIDs,
		Seq:                r.Seq,
	}
}

// ToStore converts a wire message into its store form.
func (m *Message) ToStore() store.Message {
	var reactions []store.Reaction
	for _, r := range m.Reactions {
		reactions = append(reactions, store.Reaction{
			MessageID: r.MessageID,
			UserID:    r.UserID,
			Emoji:     r.Emoji,
			CreatedAt: parseTime(r.CreatedAt),
		})
	}
	return store.Message{
		ID:          m.ID,
		RoomID:      m.RoomID,
		ClientMsgID: m.ClientMsgID,
		AuthorID:    m.AuthorID,
		Type:        store.MessageType(m.Type),
		Content:     m.Content,
		ReplyToID:   m.ReplyToID,
		Quote:       m.Quote.ToStore(),
		Reactions:   reactions,
		CreatedAt:   parseTime(m.CreatedAt),
		EditedAt:    parseTime(m.EditedAt),
		EditedBy:    m.EditedBy,
		DeletedAt:   parseTime(m.DeletedAt),
		DeletedBy:   m.DeletedBy,
	}
}

// ToStore converts a wire quote into its store form, nil-safe.
func (q *Quote) ToStore() *store.Quote {
	if q == nil {
		return nil
	}
	return &store.Quote{
		Source:     q.Source,
		Subject:    q.Subject,
		Preview:    q.Preview,
		Link:       q.Link,
		CapturedAt: parseTime(q.CapturedAt),
	}
}

// QuoteFromStore converts a store quote into its wire form, nil-safe.
func QuoteFromStore(q *store.Quote) *Quote {
	if q == nil {
		return nil
	}
	return &Quote{
		Source:     q.Source,
		Subject:    q.Subject,
		Preview:    q.Preview,
		Link:       q.Link,
		CapturedAt: FormatTime(q.CapturedAt),
	}
}

// ToStore converts wire prefs into their store form.
func (p *Prefs) ToStore() store.RoomMemberPrefs {
	return store.RoomMemberPrefs{
		RoomID:            p.RoomID,
		IsPinned:          p.IsPinned,
		IsArchived:        p.IsArchived,
		NotificationLevel: store.NotificationLevel(p.NotificationLevel),
		MuteUntil:         parseTime(p.MuteUntil),
		LastReadMessageID: p.LastReadMessageID,
	}
}
