package store

import (
	"sort"
	"time"

	"github.com/stackelite/chatsync/internal/bus"
)

// BeginSend records an optimistic send: the pending entry keyed by its
// idempotency key and the provisional message, inserted atomically so the
// message is visible before any network round trip.
func (s *Store) BeginSend(p PendingMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.Status = SendStateSending
	s.pending[p.ClientMsgID] = p
	s.upsertMessageLocked(Message{
		ID:          p.ClientMsgID,
		RoomID:      p.RoomID,
		AuthorID:    "self",
		Type:        p.Type,
		Content:     p.Content,
		ReplyToID:   p.ReplyToID,
		Quote:       p.Quote,
		CreatedAt:   p.CreatedAt,
		ClientMsgID: p.ClientMsgID,
		SendState:   SendStateSending,
	})
	s.emit(bus.KindMessageUpserted, map[string]string{"room_id": p.RoomID, "message_id": p.ClientMsgID})
}

// ResolvePending reconciles an acknowledged send: the provisional message is
// replaced in place by the authoritative server message and the pending
// entry is removed. Matching is by idempotency key, never by position — the
// provisional entry may have moved or been edited meanwhile. Returns false
// (no-op) when the key is unknown, which happens when a push event already
// reconciled it; the ack is then idempotent by construction.
func (s *Store) ResolvePending(clientMsgID string, authoritative Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[clientMsgID]
	if !ok {
		return false
	}
	delete(s.pending, clientMsgID)

	authoritative.ClientMsgID = clientMsgID
	authoritative.SendState = SendStateSent

	ids := s.roomMessages[p.RoomID]
	slot := -1
	for i, id := range ids {
		if id == clientMsgID {
			slot = i
			break
		}
	}

	_, serverSeen := s.messages[authoritative.ID]
	switch {
	case slot >= 0 && !serverSeen:
		// Swap the provisional id for the server id, keeping the slot so
		// settled neighbors never reorder.
		ids[slot] = authoritative.ID
		delete(s.messages, clientMsgID)
		s.messages[authoritative.ID] = authoritative
	case slot >= 0 && serverSeen:
		// A push event delivered the server copy first; drop the
		// provisional slot so the message appears exactly once.
		s.roomMessages[p.RoomID] = append(ids[:slot], ids[slot+1:]...)
		delete(s.messages, clientMsgID)
		s.messages[authoritative.ID] = authoritative
	default:
		s.upsertMessageLocked(authoritative)
	}
	s.bumpRoomLocked(authoritative)

	s.emit(bus.KindMessageSendAck, map[string]string{
		"room_id":       p.RoomID,
		"client_msg_id": clientMsgID,
		"message_id":    authoritative.ID,
	})
	return true
}

// FailPending marks an unsettled send as failed, keeping the provisional
// message visible with a retry affordance. Returns false for unknown keys.
func (s *Store) FailPending(clientMsgID, errMsg string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[clientMsgID]
	if !ok || p.Status == SendStateFailed {
		return false
	}
	p.Status = SendStateFailed
	p.Error = errMsg
	s.pending[clientMsgID] = p
	if m, ok := s.messages[clientMsgID]; ok {
		m.SendState = SendStateFailed
		s.messages[clientMsgID] = m
	}
	s.emit(bus.KindMessageSendFailed, map[string]string{
		"room_id":       p.RoomID,
		"client_msg_id": clientMsgID,
		"error":         errMsg,
	})
	return true
}

// RetryPending moves a failed send back to sending and returns a copy for
// retransmission with the same idempotency key and content.
func (s *Store) RetryPending(clientMsgID string) (PendingMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[clientMsgID]
	if !ok {
		return PendingMessage{}, false
	}
	p.Status = SendStateSending
	p.Error = ""
	s.pending[clientMsgID] = p
	if m, ok := s.messages[clientMsgID]; ok {
		m.SendState = SendStateSending
		s.messages[clientMsgID] = m
	}
	s.emit(bus.KindMessageUpserted, map[string]string{"room_id": p.RoomID, "message_id": clientMsgID})
	return p, true
}

// DiscardPending removes a failed send and its provisional message.
func (s *Store) DiscardPending(clientMsgID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[clientMsgID]
	if !ok {
		return
	}
	delete(s.pending, clientMsgID)
	if _, ok := s.messages[clientMsgID]; ok {
		delete(s.messages, clientMsgID)
		ids := s.roomMessages[p.RoomID]
		for i, id := range ids {
			if id == clientMsgID {
				s.roomMessages[p.RoomID] = append(ids[:i], ids[i+1:]...)
				break
			}
		}
	}
	s.emit(bus.KindMessageDeleted, map[string]string{"room_id": p.RoomID, "message_id": clientMsgID})
}

// Pending returns the pending entry for an idempotency key.
func (s *Store) Pending(clientMsgID string) (PendingMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[clientMsgID]
	return p, ok
}

// PendingSending returns all sends still in flight, oldest first. Used to
// flush unacknowledged sends after a reconnect.
func (s *Store) PendingSending() []PendingMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []PendingMessage
	for _, p := range s.pending {
		if p.Status == SendStateSending {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ExpirePendingBefore fails every in-flight send created before the cutoff.
// Sends older than the server's dedupe window cannot be retransmitted
// safely, so they surface as failed for an explicit user retry.
func (s *Store) ExpirePendingBefore(cutoff time.Time) []string {
	s.mu.Lock()
	var expired []string
	for key, p := range s.pending {
		if p.Status == SendStateSending && p.CreatedAt.Before(cutoff) {
			expired = append(expired, key)
		}
	}
	s.mu.Unlock()
	for _, key := range expired {
		s.FailPending(key, "send expired beyond the server dedupe window")
	}
	return expired
}
