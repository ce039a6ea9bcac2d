package store

import (
	"sort"
	"time"

	"github.com/stackelite/chatsync/internal/bus"
)

// SetTyping records that a peer is typing in a room until expiry. The
// expiry protects against peers that disconnect without a stop signal.
func (s *Store) SetTyping(roomID, userID string, expiry time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.typing[roomID] == nil {
		s.typing[roomID] = make(map[string]int64)
	}
	s.typing[roomID][userID] = expiry.UnixMilli()
	s.emit(bus.KindTypingChanged, map[string]string{"room_id": roomID, "user_id": userID})
}

// ClearTyping removes a peer's typing flag on an explicit stop signal.
func (s *Store) ClearTyping(roomID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	users, ok := s.typing[roomID]
	if !ok {
		return
	}
	if _, ok := users[userID]; !ok {
		return
	}
	delete(users, userID)
	s.emit(bus.KindTypingChanged, map[string]string{"room_id": roomID, "user_id": userID})
}

// TypingUsers returns the peers currently typing in a room, expired
// entries excluded.
func (s *Store) TypingUsers(roomID string, now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := now.UnixMilli()
	var out []string
	for user, expiry := range s.typing[roomID] {
		if expiry > cutoff {
			out = append(out, user)
		}
	}
	sort.Strings(out)
	return out
}

// SweepTyping removes expired typing entries across all rooms and returns
// the rooms that changed.
func (s *Store) SweepTyping(now time.Time) []string {
	s.mu.Lock()
	cutoff := now.UnixMilli()
	var changed []string
	for roomID, users := range s.typing {
		roomChanged := false
		for user, expiry := range users {
			if expiry <= cutoff {
				delete(users, user)
				roomChanged = true
			}
		}
		if roomChanged {
			changed = append(changed, roomID)
		}
	}
	s.mu.Unlock()
	sort.Strings(changed)
	for _, roomID := range changed {
		s.emit(bus.KindTypingChanged, map[string]string{"room_id": roomID})
	}
	return changed
}

// SetPresence records a peer's connection status.
func (s *Store) SetPresence(userID string, status PresenceStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.presence[userID] == status {
		return
	}
	s.presence[userID] = status
	s.emit(bus.KindPresenceChanged, map[string]string{"user_id": userID, "status": string(status)})
}

// Presence returns a peer's last known status, offline when unknown.
func (s *Store) Presence(userID string) PresenceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.presence[userID]; ok {
		return st
	}
	return PresenceOffline
}
