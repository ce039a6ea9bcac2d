package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds published by the sync core. Subscribers filter by namespace
// prefix, e.g. "message." receives every message-scoped event.
const (
	KindConnStateChanged = "conn.state_changed"
	KindConnConnected    = "conn.connected"
	KindConnDisconnected = "conn.disconnected"

	KindRoomUpserted = "room.upserted"
	KindRoomRead     = "room.read"

	KindMessageUpserted   = "message.upserted"
	KindMessageDeleted    = "message.deleted"
	KindMessageSendAck    = "message.send_ack"
	KindMessageSendFailed = "message.send_failed"
	KindMessageConflict   = "message.conflict"

	KindTypingChanged   = "typing.changed"
	KindPresenceChanged = "presence.changed"

	KindPrefsUpdated = "prefs.updated"
	KindPinsUpdated  = "pins.updated"

	KindDraftUpdated = "draft.updated"

	KindSyncGapDetected = "sync.gap_detected"
	KindSyncCaughtUp    = "sync.caught_up"
)
