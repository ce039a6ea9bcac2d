package store

import "time"

// RoomType distinguishes one-on-one conversations from group rooms.
type RoomType string

const (
	RoomDirect RoomType = "direct"
	RoomGroup  RoomType = "group"
)

// RoomStatus tracks whether a room is open or resolved.
type RoomStatus string

const (
	RoomOpen     RoomStatus = "open"
	RoomResolved RoomStatus = "resolved"
)

// MessageType classifies a message body.
type MessageType string

const (
	TypeText   MessageType = "text"
	TypeNote   MessageType = "note"
	TypeSystem MessageType = "system"
)

// SendState is the delivery state of a locally-authored message. Peer
// messages carry the empty state. Transitions are total: sending moves to
// sent or failed exactly once; failed may re-enter sending on retry.
type SendState string

const (
	SendStateNone    SendState = ""
	SendStateSending SendState = "sending"
	SendStateSent    SendState = "sent"
	SendStateFailed  SendState = "failed"
)

// NotificationLevel controls per-room notification preferences.
type NotificationLevel string

const (
	NotifyAll      NotificationLevel = "all"
	NotifyMentions NotificationLevel = "mentions"
	NotifyNone     NotificationLevel = "none"
)

// PresenceStatus is a peer's connection status.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceOffline PresenceStatus = "offline"
)

// Room is a cached room record. Rooms are created server-side and never
// deleted locally; archival is server state reflected through prefs.
type Room struct {
	ID                 string
	Type               RoomType
	Name               string
	Status             RoomStatus
	LastMessagePreview string
	LastActivityAt     time.Time
	UnreadCount        int
	MemberIDs          []string
	Seq                int64
}

// Quote is an embedded snapshot of an external conversation attached to a
// message at compose time.
type Quote struct {
	Source     string
	Subject    string
	Preview    string
	Link       string
	CapturedAt time.Time
}

// Reaction is a single emoji reaction on a message.
type Reaction struct {
	MessageID string
	UserID    string
	Emoji     string
	CreatedAt time.Time
}

// Message is a cached message. ID is the server identity once assigned; a
// locally-authored message carries its client_msg_id as ID until the ack
// replaces it.
type Message struct {
	ID          string
	RoomID      string
	AuthorID    string
	Type        MessageType
	Content     string
	ReplyToID   string
	Quote       *Quote
	CreatedAt   time.Time
	EditedAt    time.Time
	EditedBy    string
	DeletedAt   time.Time
	DeletedBy   string
	ClientMsgID string
	SendState   SendState
	Reactions   []Reaction
}

// Deleted reports whether the message carries a deletion tombstone.
func (m *Message) Deleted() bool { return !m.DeletedAt.IsZero() }

// PendingMessage ties a client-generated idempotency key to an unsettled
// send. It holds everything needed to retry with the same key.
type PendingMessage struct {
	ClientMsgID string
	RoomID      string
	Type        MessageType
	Content     string
	ReplyToID   string
	Quote       *Quote
	Status      SendState // sending or failed
	Error       string
	CreatedAt   time.Time
}

// DraftAttachment references an uploaded-but-unsent attachment.
type DraftAttachment struct {
	ObjectKey string
	MIME      string
	Size      int64
}

// DraftState is per-room compose state. Memory only, never synced.
type DraftState struct {
	Text        string
	ReplyToID   string
	Quote       *Quote
	Attachments []DraftAttachment
}

// RoomMemberPrefs is the local cache of the server-owned per-room,
// per-user preferences.
type RoomMemberPrefs struct {
	RoomID            string
	IsPinned          bool
	IsArchived        bool
	NotificationLevel NotificationLevel
	MuteUntil         time.Time
	LastReadMessageID string
}

// Pin associates a pinned message with who pinned it and when.
type Pin struct {
	RoomID    string
	MessageID string
	PinnedBy  string
	PinnedAt  time.Time
}
