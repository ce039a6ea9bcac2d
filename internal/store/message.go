package store

import (
	"time"
	"unicode/utf8"

	"github.com/stackelite/chatsync/internal/bus"
)

// UpsertMessage inserts or updates a message, idempotent on message id. A
// new message is placed in creation-time order; an existing one is updated
// in place so settled positions never move. The owning room's preview and
// activity are bumped when the message is newer.
func (s *Store) UpsertMessage(m Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertMessageLocked(m)
	s.emit(bus.KindMessageUpserted, map[string]string{"room_id": m.RoomID, "message_id": m.ID})
}

func (s *Store) upsertMessageLocked(m Message) {
	if _, ok := s.messages[m.ID]; ok {
		s.messages[m.ID] = m
	} else {
		s.messages[m.ID] = m
		s.roomMessages[m.RoomID] = s.insertOrderedLocked(s.roomMessages[m.RoomID], m)
	}
	s.bumpRoomLocked(m)
}

// insertOrderedLocked places id into the room's ordering by CreatedAt.
// Scans from the tail since nearly all inserts are appends.
func (s *Store) insertOrderedLocked(ids []string, m Message) []string {
	i := len(ids)
	for i > 0 {
		prev := s.messages[ids[i-1]]
		if !prev.CreatedAt.After(m.CreatedAt) {
			break
		}
		i--
	}
	ids = append(ids, "")
	copy(ids[i+1:], ids[i:])
	ids[i] = m.ID
	return ids
}

func (s *Store) bumpRoomLocked(m Message) {
	r, ok := s.rooms[m.RoomID]
	if !ok || m.Deleted() || m.CreatedAt.Before(r.LastActivityAt) {
		return
	}
	r.LastActivityAt = m.CreatedAt
	r.LastMessagePreview = preview(m.Content)
	s.rooms[m.RoomID] = r
}

const previewLen = 100

// preview truncates on a rune boundary so multi-byte content never yields
// an invalid-UTF-8 snippet.
func preview(s string) string {
	if len(s) <= previewLen {
		return s
	}
	end := previewLen
	for end > 0 && !utf8.RuneStart(s[end]) {
		end--
	}
	return s[:end]
}

// Message returns a message by id.
func (s *Store) Message(id string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	return m, ok
}

// Messages returns a room's messages in creation order. Callers own the
// returned slice.
func (s *Store) Messages(roomID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.roomMessages[roomID]
	out := make([]Message, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.messages[id])
	}
	return out
}

// OldestMessageID returns the id of the oldest cached message in a room,
// which is the pagination cursor.
func (s *Store) OldestMessageID(roomID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.roomMessages[roomID]
	if len(ids) == 0 {
		return "", false
	}
	return ids[0], true
}

// HighWater returns the newest settled message timestamp in a room, used as
// the catch-up fetch floor after a reconnect.
func (s *Store) HighWater(roomID string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	var hw time.Time
	for _, id := range s.roomMessages[roomID] {
		m := s.messages[id]
		if m.SendState == SendStateSending || m.SendState == SendStateFailed {
			continue
		}
		if m.CreatedAt.After(hw) {
			hw = m.CreatedAt
		}
	}
	return hw
}

// MergeOlder merges a page of history into a room, skipping ids already
// present. Returns the number of messages actually added, so the paginator
// can distinguish a short page from an all-duplicates page.
func (s *Store) MergeOlder(roomID string, msgs []Message) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	added := 0
	for _, m := range msgs {
		if _, ok := s.messages[m.ID]; ok {
			continue
		}
		s.messages[m.ID] = m
		s.roomMessages[roomID] = s.insertOrderedLocked(s.roomMessages[roomID], m)
		added++
	}
	if added > 0 {
		s.emit(bus.KindMessageUpserted, map[string]string{"room_id": roomID})
	}
	return added
}

// MarkDeleted applies a deletion tombstone. Content is cleared; the entry
// keeps its position so reply references stay resolvable.
func (s *Store) MarkDeleted(roomID, messageID string, at time.Time, by string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok || m.Deleted() {
		return
	}
	m.Content = ""
	m.DeletedAt = at
	m.DeletedBy = by
	s.messages[messageID] = m
	s.emit(bus.KindMessageDeleted, map[string]string{"room_id": roomID, "message_id": messageID})
}

// AnnounceConflict publishes a conflict notice for a message whose local
// mutation lost to a concurrent server-side change.
func (s *Store) AnnounceConflict(roomID, messageID, detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emit(bus.KindMessageConflict, map[string]string{
		"room_id":    roomID,
		"message_id": messageID,
		"detail":     detail,
	})
}

// SetReactions replaces the reaction set on a message.
func (s *Store) SetReactions(messageID string, reactions []Reaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok {
		return
	}
	m.Reactions = reactions
	s.messages[messageID] = m
	s.emit(bus.KindMessageUpserted, map[string]string{"room_id": m.RoomID, "message_id": messageID})
}
