package store

import (
	"time"

	"github.com/stackelite/chatsync/internal/bus"
)

// SetPrefs replaces the cached prefs for a room.
func (s *Store) SetPrefs(p RoomMemberPrefs) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefs[p.RoomID] = p
	s.emit(bus.KindPrefsUpdated, map[string]string{"room_id": p.RoomID})
}

// Prefs returns the cached prefs for a room, zero-valued when unknown.
func (s *Store) Prefs(roomID string) RoomMemberPrefs {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prefs[roomID]
}

// SetPinned flips the pin flag for a room, returning the previous value so
// an optimistic toggle can be rolled back on rejection.
func (s *Store) SetPinned(roomID string, pinned bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.prefs[roomID]
	prev := p.IsPinned
	if prev == pinned {
		return prev
	}
	p.RoomID = roomID
	p.IsPinned = pinned
	s.prefs[roomID] = p
	s.emit(bus.KindPrefsUpdated, map[string]string{"room_id": roomID})
	return prev
}

// PinnedRoomCount counts pinned rooms of the given type, for enforcing the
// client-side pin caps before any round trip.
func (s *Store) PinnedRoomCount(t RoomType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for roomID, p := range s.prefs {
		if p.IsPinned && s.rooms[roomID].Type == t {
			count++
		}
	}
	return count
}

// SetLastRead advances the read cursor for a room. Moving it backwards is
// ignored; an out-of-order echo must not resurrect unread state.
func (s *Store) SetLastRead(roomID, messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.prefs[roomID]
	if p.LastReadMessageID == messageID {
		return
	}
	if cur, ok := s.messages[p.LastReadMessageID]; ok {
		if next, ok := s.messages[messageID]; ok && next.CreatedAt.Before(cur.CreatedAt) {
			return
		}
	}
	p.RoomID = roomID
	p.LastReadMessageID = messageID
	s.prefs[roomID] = p
	if r, ok := s.rooms[roomID]; ok {
		r.UnreadCount = 0
		s.rooms[roomID] = r
	}
	s.emit(bus.KindRoomRead, map[string]string{"room_id": roomID, "message_id": messageID})
}

// SetMute sets or clears the mute-until timestamp for a room.
func (s *Store) SetMute(roomID string, until time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.prefs[roomID]
	p.RoomID = roomID
	p.MuteUntil = until
	s.prefs[roomID] = p
	s.emit(bus.KindPrefsUpdated, map[string]string{"room_id": roomID})
}

// SetPins replaces the cached pin list for a room.
func (s *Store) SetPins(roomID string, pins []Pin) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pins[roomID] = pins
	s.emit(bus.KindPinsUpdated, map[string]string{"room_id": roomID})
}

// AddPin appends a message pin, deduped by message id.
func (s *Store) AddPin(p Pin) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.pins[p.RoomID] {
		if existing.MessageID == p.MessageID {
			return
		}
	}
	s.pins[p.RoomID] = append(s.pins[p.RoomID], p)
	s.emit(bus.KindPinsUpdated, map[string]string{"room_id": p.RoomID})
}

// RemovePin removes a message pin.
func (s *Store) RemovePin(roomID, messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pins := s.pins[roomID]
	for i, p := range pins {
		if p.MessageID == messageID {
			s.pins[roomID] = append(pins[:i], pins[i+1:]...)
			s.emit(bus.KindPinsUpdated, map[string]string{"room_id": roomID})
			return
		}
	}
}

// Pins returns the cached pins for a room. Callers own the returned slice.
func (s *Store) Pins(roomID string) []Pin {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Pin, len(s.pins[roomID]))
	copy(out, s.pins[roomID])
	return out
}
