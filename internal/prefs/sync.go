// Package prefs keeps per-room member preferences in step with the server:
// pinning, archiving, notification levels, mute, the read cursor, and pinned
// messages. Local changes apply optimistically and roll back only when the
// server explicitly rejects them; a transient failure keeps the optimistic
// state and lets a later refresh reconcile it.
package prefs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stackelite/chatsync/internal/rest"
	"github.com/stackelite/chatsync/internal/store"
	"github.com/stackelite/chatsync/internal/transport"
)

// ErrUnknownRoom is returned for operations on rooms not in the cache.
var ErrUnknownRoom = errors.New("unknown room")

// PinLimitError reports that pinning would exceed the per-type cap. It is
// raised before any I/O.
type PinLimitError struct {
	RoomType store.RoomType
	Limit    int
}

func (e *PinLimitError) Error() string {
	return fmt.Sprintf("pin limit reached: at most %d %s rooms can be pinned", e.Limit, e.RoomType)
}

// API is the server surface for preference changes. Implemented by the REST
// client.
type API interface {
	UpdatePrefs(ctx context.Context, roomID string, update map[string]any) (transport.Prefs, error)
	MarkRead(ctx context.Context, roomID, lastReadMessageID string) error
	ListPins(ctx context.Context, roomID string) ([]rest.WirePin, error)
	AddPin(ctx context.Context, roomID, messageID string) (rest.WirePin, error)
	RemovePin(ctx context.Context, roomID, messageID string) error
}

// Transmitter pushes a client op over the live connection.
type Transmitter interface {
	Transmit(op transport.ClientOp) error
}

// Limits caps how many rooms of each type may be pinned at once.
type Limits struct {
	MaxGroupRooms  int
	MaxDirectRooms int
}

// Sync owns preference state reconciliation for the session.
type Sync struct {
	store  *store.Store
	api    API
	logger *zap.Logger
	limits Limits

	mu sync.Mutex
	tx Transmitter
}

// New creates a prefs synchronizer.
func New(st *store.Store, api API, logger *zap.Logger, limits Limits) *Sync {
	return &Sync{store: st, api: api, logger: logger, limits: limits}
}

// SetTransmitter attaches the live-connection transmit path, used for the
// read-cursor op when the socket is up.
func (s *Sync) SetTransmitter(tx Transmitter) {
	s.mu.Lock()
	s.tx = tx
	s.mu.Unlock()
}

// TogglePin flips a room's pin. The cap check runs before any state change
// or I/O, so an over-limit attempt has no side effects at all.
func (s *Sync) TogglePin(ctx context.Context, roomID string) error {
	room, ok := s.store.Room(roomID)
	if !ok {
		return ErrUnknownRoom
	}
	target := !s.store.Prefs(roomID).IsPinned
	if target {
		limit := s.limits.MaxDirectRooms
		if room.Type == store.RoomGroup {
			limit = s.limits.MaxGroupRooms
		}
		if s.store.PinnedRoomCount(room.Type) >= limit {
			return &PinLimitError{RoomType: room.Type, Limit: limit}
		}
	}

	prev := s.store.SetPinned(roomID, target)
	resp, err := s.api.UpdatePrefs(ctx, roomID, map[string]any{"is_pinned": target})
	if err != nil {
		if rest.IsRejection(err) {
			s.store.SetPinned(roomID, prev)
			return err
		}
		s.logger.Warn("pin update not confirmed", zap.Error(err), zap.String("room_id", roomID))
		return err
	}
	s.store.SetPrefs(resp.ToStore())
	return nil
}

// SetNotificationLevel updates how a room notifies.
func (s *Sync) SetNotificationLevel(ctx context.Context, roomID string, level store.NotificationLevel) error {
	prev := s.store.Prefs(roomID)
	next := prev
	next.RoomID = roomID
	next.NotificationLevel = level
	s.store.SetPrefs(next)

	resp, err := s.api.UpdatePrefs(ctx, roomID, map[string]any{"notification_level": string(level)})
	if err != nil {
		if rest.IsRejection(err) {
			s.store.SetPrefs(prev)
			return err
		}
		return err
	}
	s.store.SetPrefs(resp.ToStore())
	return nil
}

// Mute silences a room until the given time. A zero time unmutes.
func (s *Sync) Mute(ctx context.Context, roomID string, until time.Time) error {
	prev := s.store.Prefs(roomID)
	s.store.SetMute(roomID, until)

	resp, err := s.api.UpdatePrefs(ctx, roomID, map[string]any{"mute_until": transport.FormatTime(until)})
	if err != nil {
		if rest.IsRejection(err) {
			s.store.SetPrefs(prev)
			return err
		}
		return err
	}
	s.store.SetPrefs(resp.ToStore())
	return nil
}

// SetArchived moves a room in or out of the archive.
func (s *Sync) SetArchived(ctx context.Context, roomID string, archived bool) error {
	prev := s.store.Prefs(roomID)
	next := prev
	next.RoomID = roomID
	next.IsArchived = archived
	s.store.SetPrefs(next)

	resp, err := s.api.UpdatePrefs(ctx, roomID, map[string]any{"is_archived": archived})
	if err != nil {
		if rest.IsRejection(err) {
			s.store.SetPrefs(prev)
			return err
		}
		return err
	}
	s.store.SetPrefs(resp.ToStore())
	return nil
}

// MarkRead advances the read cursor to a message. The cursor is monotonic,
// so a late or duplicate call is a no-op locally and harmless on the wire.
func (s *Sync) MarkRead(ctx context.Context, roomID, messageID string) error {
	s.store.SetLastRead(roomID, messageID)

	s.mu.Lock()
	tx := s.tx
	s.mu.Unlock()
	if tx != nil {
		if err := tx.Transmit(transport.ClientOp{
			Op:                transport.OpRoomRead,
			RoomID:            roomID,
			LastReadMessageID: messageID,
		}); err == nil {
			return nil
		}
	}
	return s.api.MarkRead(ctx, roomID, messageID)
}

// HandlePrefs applies a server-pushed preference update.
func (s *Sync) HandlePrefs(p transport.Prefs) {
	s.store.SetPrefs(p.ToStore())
}

// RefreshPins replaces a room's pinned messages with the server's list.
func (s *Sync) RefreshPins(ctx context.Context, roomID string) error {
	wire, err := s.api.ListPins(ctx, roomID)
	if err != nil {
		return err
	}
	pins := make([]store.Pin, 0, len(wire))
	for _, w := range wire {
		pins = append(pins, pinToStore(w))
	}
	s.store.SetPins(roomID, pins)
	return nil
}

// PinMessage pins a message in a room.
func (s *Sync) PinMessage(ctx context.Context, roomID, messageID string) error {
	s.store.AddPin(store.Pin{RoomID: roomID, MessageID: messageID, PinnedBy: "self", PinnedAt: time.Now()})

	wire, err := s.api.AddPin(ctx, roomID, messageID)
	if err != nil {
		if rest.IsRejection(err) {
			s.store.RemovePin(roomID, messageID)
			return err
		}
		return err
	}
	// Replace the placeholder with the server's attribution.
	s.store.RemovePin(roomID, messageID)
	s.store.AddPin(pinToStore(wire))
	return nil
}

// UnpinMessage removes a pinned message.
func (s *Sync) UnpinMessage(ctx context.Context, roomID, messageID string) error {
	var prev *store.Pin
	for _, p := range s.store.Pins(roomID) {
		if p.MessageID == messageID {
			pin := p
			prev = &pin
			break
		}
	}
	s.store.RemovePin(roomID, messageID)

	if err := s.api.RemovePin(ctx, roomID, messageID); err != nil {
		if rest.IsRejection(err) && prev != nil {
			s.store.AddPin(*prev)
			return err
		}
		return err
	}
	return nil
}

func pinToStore(w rest.WirePin) store.Pin {
	return store.Pin{
		RoomID:    w.RoomID,
		MessageID: w.MessageID,
		PinnedBy:  w.PinnedBy,
		PinnedAt:  parsePinTime(w.PinnedAt),
	}
}

func parsePinTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
