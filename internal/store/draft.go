package store

import "github.com/stackelite/chatsync/internal/bus"

// Draft returns the compose state for a room, zero-valued when unset.
func (s *Store) Draft(roomID string) DraftState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drafts[roomID]
}

// SetDraftText updates the draft text for a room.
func (s *Store) SetDraftText(roomID, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.drafts[roomID]
	if d.Text == text {
		return
	}
	d.Text = text
	s.drafts[roomID] = d
	s.emit(bus.KindDraftUpdated, map[string]string{"room_id": roomID})
}

// SetDraftReply sets or clears the draft's reply target.
func (s *Store) SetDraftReply(roomID, replyToID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.drafts[roomID]
	if d.ReplyToID == replyToID {
		return
	}
	d.ReplyToID = replyToID
	s.drafts[roomID] = d
	s.emit(bus.KindDraftUpdated, map[string]string{"room_id": roomID})
}

// SetDraftQuote sets or clears the draft's quote payload.
func (s *Store) SetDraftQuote(roomID string, q *Quote) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.drafts[roomID]
	d.Quote = q
	s.drafts[roomID] = d
	s.emit(bus.KindDraftUpdated, map[string]string{"room_id": roomID})
}

// AddDraftAttachment appends an attachment, deduped by object key.
func (s *Store) AddDraftAttachment(roomID string, a DraftAttachment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.drafts[roomID]
	for _, existing := range d.Attachments {
		if existing.ObjectKey == a.ObjectKey {
			return
		}
	}
	d.Attachments = append(d.Attachments, a)
	s.drafts[roomID] = d
	s.emit(bus.KindDraftUpdated, map[string]string{"room_id": roomID})
}

// RemoveDraftAttachment removes an attachment by object key.
func (s *Store) RemoveDraftAttachment(roomID, objectKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.drafts[roomID]
	for i, a := range d.Attachments {
		if a.ObjectKey == objectKey {
			d.Attachments = append(d.Attachments[:i], d.Attachments[i+1:]...)
			s.drafts[roomID] = d
			s.emit(bus.KindDraftUpdated, map[string]string{"room_id": roomID})
			return
		}
	}
}

// ResetDraft clears a room's compose state, e.g. after a successful send.
func (s *Store) ResetDraft(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.drafts[roomID]; !ok {
		return
	}
	delete(s.drafts, roomID)
	s.emit(bus.KindDraftUpdated, map[string]string{"room_id": roomID})
}
