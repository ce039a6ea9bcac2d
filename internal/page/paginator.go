// Package page loads older message history on demand. The cursor for a room
// is always the oldest message currently held, so pages stitch onto the
// in-memory window without gaps, and merging is idempotent under the overlap
// a server may return at page boundaries.
package page

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/stackelite/chatsync/internal/rest"
	"github.com/stackelite/chatsync/internal/store"
)

// Lister fetches one page of history ending before a cursor. Implemented by
// the REST client.
type Lister interface {
	ListMessages(ctx context.Context, roomID, before string, limit int) (rest.Page, error)
}

type roomState struct {
	inFlight   bool
	exhausted  bool
	lastCursor string
	seenCursor bool
}

// Paginator drives history loading, one page in flight per room.
type Paginator struct {
	store    *store.Store
	client   Lister
	logger   *zap.Logger
	pageSize int

	mu    sync.Mutex
	rooms map[string]*roomState
}

// New creates a paginator with the given page size.
func New(st *store.Store, client Lister, logger *zap.Logger, pageSize int) *Paginator {
	return &Paginator{
		store:    st,
		client:   client,
		logger:   logger,
		pageSize: pageSize,
		rooms:    make(map[string]*roomState),
	}
}

// LoadOlder fetches the next older page for a room. It returns the number of
// messages added and whether more history remains. Repeated triggers are
// absorbed: a request already in flight, an exhausted room, or an unchanged
// cursor all return without issuing a new request.
func (p *Paginator) LoadOlder(ctx context.Context, roomID string) (int, bool, error) {
	p.mu.Lock()
	st := p.rooms[roomID]
	if st == nil {
		st = &roomState{}
		p.rooms[roomID] = st
	}
	if st.inFlight {
		p.mu.Unlock()
		return 0, true, nil
	}
	if st.exhausted {
		p.mu.Unlock()
		return 0, false, nil
	}
	cursor, _ := p.store.OldestMessageID(roomID)
	if st.seenCursor && cursor == st.lastCursor {
		// Same cursor as the last completed request: a duplicate scroll
		// trigger, not new demand.
		p.mu.Unlock()
		return 0, true, nil
	}
	st.inFlight = true
	p.mu.Unlock()

	result, err := p.client.ListMessages(ctx, roomID, cursor, p.pageSize)

	p.mu.Lock()
	defer p.mu.Unlock()
	st.inFlight = false
	if err != nil {
		// Leave the cursor unrecorded so the next trigger retries.
		return 0, true, err
	}
	st.lastCursor = cursor
	st.seenCursor = true

	msgs := make([]store.Message, 0, len(result.Items))
	for i := range result.Items {
		msgs = append(msgs, result.Items[i].ToStore())
	}
	added := p.store.MergeOlder(roomID, msgs)

	if !result.HasMore {
		st.exhausted = true
	}
	p.logger.Debug("loaded history page",
		zap.String("room_id", roomID),
		zap.Int("received", len(result.Items)),
		zap.Int("added", added),
		zap.Bool("has_more", result.HasMore))
	return added, result.HasMore, nil
}

// HasMore reports whether a room may still have unloaded history.
func (p *Paginator) HasMore(roomID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.rooms[roomID]
	return st == nil || !st.exhausted
}

// Reset clears pagination state for a room. Called after a resync replaces
// the message window, since the old cursor no longer describes it.
func (p *Paginator) Reset(roomID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.rooms, roomID)
}

// ResetAll clears pagination state for every room.
func (p *Paginator) ResetAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rooms = make(map[string]*roomState)
}
