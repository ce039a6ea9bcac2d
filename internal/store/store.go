// Package store is the single normalized in-memory cache behind the sync
// core: rooms, messages, drafts, pending sends, typing flags, prefs, pins
// and presence. It is the sole mutation authority; every mutation runs to
// completion under one mutex and announces itself on the bus, so readers
// always observe a consistent snapshot and reconciliation can read-then-
// write atomically. The store performs no I/O.
package store

import (
	"sync"

	"github.com/stackelite/chatsync/internal/bus"
)

// Store holds all synchronized client state.
type Store struct {
	mu  sync.Mutex
	bus *bus.Bus

	rooms        map[string]Room
	messages     map[string]Message
	roomMessages map[string][]string // ordered message ids per room
	drafts       map[string]DraftState
	pending      map[string]PendingMessage
	typing       map[string]map[string]int64 // room -> user -> expiry (unix ms)
	prefs        map[string]RoomMemberPrefs
	pins         map[string][]Pin
	presence     map[string]PresenceStatus
	users        map[string]User
	seqs         map[string]int64 // room -> last applied event seq
}

// New creates an empty store publishing mutation events on b.
func New(b *bus.Bus) *Store {
	s := &Store{bus: b}
	s.reset()
	return s
}

func (s *Store) reset() {
	s.rooms = make(map[string]Room)
	s.messages = make(map[string]Message)
	s.roomMessages = make(map[string][]string)
	s.drafts = make(map[string]DraftState)
	s.pending = make(map[string]PendingMessage)
	s.typing = make(map[string]map[string]int64)
	s.prefs = make(map[string]RoomMemberPrefs)
	s.pins = make(map[string][]Pin)
	s.presence = make(map[string]PresenceStatus)
	s.users = make(map[string]User)
	s.seqs = make(map[string]int64)
}

// emit publishes a mutation event. Called with s.mu held; the bus never
// blocks, so holding the lock across publish keeps mutations total-ordered
// with their notifications.
func (s *Store) emit(kind string, payload any) {
	if s.bus != nil {
		s.bus.Emit(kind, payload)
	}
}

// ApplySeq records a room-scoped event sequence number. It returns gap=true
// when the event skips ahead of the last applied seq, meaning events were
// missed and the room needs a catch-up fetch. Stale or duplicate seqs
// return applied=false; their payloads are still safe to apply because all
// mutations are idempotent by id.
func (s *Store) ApplySeq(roomID string, seq int64) (applied, gap bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	last := s.seqs[roomID]
	if seq <= last {
		return false, false
	}
	gap = last != 0 && seq > last+1
	s.seqs[roomID] = seq
	return true, gap
}

// ResetSeq advances the seq baseline for a room after a catch-up fetch, so
// live delivery resumes from the server's current position without flagging
// the jump as a gap. Never moves backwards.
func (s *Store) ResetSeq(roomID string, seq int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq > s.seqs[roomID] {
		s.seqs[roomID] = seq
	}
}

// Seq returns the last applied event seq for a room.
func (s *Store) Seq(roomID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seqs[roomID]
}
