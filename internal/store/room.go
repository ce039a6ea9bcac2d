package store

import (
	"sort"

	"github.com/stackelite/chatsync/internal/bus"
)

// UpsertRoom inserts or updates a room record.
func (s *Store) UpsertRoom(r Room) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.rooms[r.ID]
	if ok {
		// Never let a partial push regress activity ordering.
		if r.LastActivityAt.Before(prev.LastActivityAt) {
			r.LastActivityAt = prev.LastActivityAt
		}
		if r.LastMessagePreview == "" {
			r.LastMessagePreview = prev.LastMessagePreview
		}
		if len(r.MemberIDs) == 0 {
			r.MemberIDs = prev.MemberIDs
		}
	}
	s.rooms[r.ID] = r
	s.emit(bus.KindRoomUpserted, map[string]string{"room_id": r.ID})
}

// Room returns a room by id. The second result reports presence.
func (s *Store) Room(id string) (Room, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[id]
	return r, ok
}

// Rooms returns all cached rooms ordered by last activity, most recent
// first. Callers own the returned slice.
func (s *Store) Rooms() []Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActivityAt.Equal(out[j].LastActivityAt) {
			return out[i].LastActivityAt.After(out[j].LastActivityAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// RoomIDs returns the ids of all cached rooms, used for resubscription
// after a reconnect.
func (s *Store) RoomIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// UnreadCount derives the unread count for a room from the read cursor,
// falling back to the server-computed count when no messages are cached
// past the cursor.
func (s *Store) UnreadCount(roomID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cursor := s.prefs[roomID].LastReadMessageID
	if cursor == "" {
		return s.rooms[roomID].UnreadCount
	}
	ids := s.roomMessages[roomID]
	for i := len(ids) - 1; i >= 0; i-- {
		if ids[i] == cursor {
			count := 0
			for _, id := range ids[i+1:] {
				if m := s.messages[id]; !m.Deleted() && m.SendState == SendStateNone {
					count++
				}
			}
			return count
		}
	}
	return s.rooms[roomID].UnreadCount
}
