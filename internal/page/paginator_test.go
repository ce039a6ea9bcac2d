package page

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/stackelite/chatsync/internal/bus"
	"github.com/stackelite/chatsync/internal/rest"
	"github.com/stackelite/chatsync/internal/store"
	"github.com/stackelite/chatsync/internal/transport"
)

type fakeLister struct {
	mu      sync.Mutex
	cursors []string
	pages   []rest.Page
	err     error
	block   chan struct{}
}

func (f *fakeLister) ListMessages(_ context.Context, roomID, before string, limit int) (rest.Page, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cursors = append(f.cursors, before)
	if f.err != nil {
		return rest.Page{}, f.err
	}
	if len(f.pages) == 0 {
		return rest.Page{}, nil
	}
	page := f.pages[0]
	f.pages = f.pages[1:]
	return page, nil
}

func (f *fakeLister) requested() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.cursors))
	copy(out, f.cursors)
	return out
}

func wireMsg(id string, sec int) transport.Message {
	return transport.Message{
		ID:        id,
		RoomID:    "room-1",
		AuthorID:  "u1",
		Type:      "text",
		Content:   "msg " + id,
		CreatedAt: transport.FormatTime(time.Unix(int64(sec), 0)),
	}
}

func seedRoom(st *store.Store, ids ...int) {
	for _, i := range ids {
		st.UpsertMessage(store.Message{
			ID: fmt.Sprintf("m%d", i), RoomID: "room-1", AuthorID: "u1",
			Type: store.TypeText, Content: "x", CreatedAt: time.Unix(int64(i), 0),
		})
	}
}

func TestLoadOlderMergesPage(t *testing.T) {
	st := store.New(bus.New())
	seedRoom(st, 100, 101)
	lister := &fakeLister{pages: []rest.Page{{
		Items:   []transport.Message{wireMsg("m98", 98), wireMsg("m99", 99)},
		HasMore: true,
	}}}
	p := New(st, lister, zap.NewNop(), 50)

	added, hasMore, err := p.LoadOlder(context.Background(), "room-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if added != 2 || !hasMore {
		t.Fatalf("added=%d hasMore=%v", added, hasMore)
	}
	if got := lister.requested(); len(got) != 1 || got[0] != "m100" {
		t.Errorf("expected cursor m100, got %v", got)
	}

	msgs := st.Messages("room-1")
	if len(msgs) != 4 || msgs[0].ID != "m98" || msgs[3].ID != "m101" {
		t.Errorf("unexpected window: %+v", msgs)
	}
}

func TestBoundaryOverlapIsIdempotent(t *testing.T) {
	st := store.New(bus.New())
	seedRoom(st, 100)
	// The server includes the cursor message itself in the page.
	lister := &fakeLister{pages: []rest.Page{{
		Items:   []transport.Message{wireMsg("m99", 99), wireMsg("m100", 100)},
		HasMore: false,
	}}}
	p := New(st, lister, zap.NewNop(), 50)

	added, hasMore, err := p.LoadOlder(context.Background(), "room-1")
	if err != nil {
		t.Fatal(err)
	}
	if added != 1 {
		t.Errorf("duplicate boundary message must not be added twice, added=%d", added)
	}
	if hasMore {
		t.Error("expected exhausted")
	}
	if msgs := st.Messages("room-1"); len(msgs) != 2 {
		t.Errorf("expected 2 messages, got %d", len(msgs))
	}
}

func TestDuplicateTriggerWithUnchangedCursor(t *testing.T) {
	st := store.New(bus.New())
	seedRoom(st, 100)
	// First page is empty but reports more history (server-side filtering can
	// produce this). The cursor is unchanged afterwards.
	lister := &fakeLister{pages: []rest.Page{{Items: nil, HasMore: true}}}
	p := New(st, lister, zap.NewNop(), 50)

	if _, _, err := p.LoadOlder(context.Background(), "room-1"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := p.LoadOlder(context.Background(), "room-1"); err != nil {
		t.Fatal(err)
	}
	if got := lister.requested(); len(got) != 1 {
		t.Fatalf("unchanged cursor must not be re-requested, got %d requests", len(got))
	}
}

func TestExhaustedRoomStopsRequesting(t *testing.T) {
	st := store.New(bus.New())
	seedRoom(st, 100)
	lister := &fakeLister{pages: []rest.Page{{Items: []transport.Message{wireMsg("m99", 99)}, HasMore: false}}}
	p := New(st, lister, zap.NewNop(), 50)

	if _, _, err := p.LoadOlder(context.Background(), "room-1"); err != nil {
		t.Fatal(err)
	}
	added, hasMore, err := p.LoadOlder(context.Background(), "room-1")
	if err != nil || added != 0 || hasMore {
		t.Fatalf("exhausted room: added=%d hasMore=%v err=%v", added, hasMore, err)
	}
	if len(lister.requested()) != 1 {
		t.Error("exhausted room must not issue requests")
	}
	if p.HasMore("room-1") {
		t.Error("HasMore should report false")
	}
}

func TestSingleRequestInFlight(t *testing.T) {
	st := store.New(bus.New())
	seedRoom(st, 100)
	lister := &fakeLister{
		pages: []rest.Page{{Items: []transport.Message{wireMsg("m99", 99)}, HasMore: true}},
		block: make(chan struct{}),
	}
	p := New(st, lister, zap.NewNop(), 50)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _, _ = p.LoadOlder(context.Background(), "room-1")
	}()

	// Wait until the first request holds the in-flight guard.
	deadline := time.Now().Add(time.Second)
	for {
		p.mu.Lock()
		rs := p.rooms["room-1"]
		inFlight := rs != nil && rs.inFlight
		p.mu.Unlock()
		if inFlight {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first request never became in-flight")
		}
		time.Sleep(time.Millisecond)
	}

	added, hasMore, err := p.LoadOlder(context.Background(), "room-1")
	if added != 0 || !hasMore || err != nil {
		t.Fatalf("second trigger should be absorbed: added=%d hasMore=%v err=%v", added, hasMore, err)
	}

	close(lister.block)
	<-done
	if len(lister.requested()) != 1 {
		t.Fatalf("expected 1 request, got %d", len(lister.requested()))
	}
}

func TestErrorAllowsRetry(t *testing.T) {
	st := store.New(bus.New())
	seedRoom(st, 100)
	lister := &fakeLister{err: errors.New("boom")}
	p := New(st, lister, zap.NewNop(), 50)

	if _, _, err := p.LoadOlder(context.Background(), "room-1"); err == nil {
		t.Fatal("expected error")
	}

	lister.mu.Lock()
	lister.err = nil
	lister.pages = []rest.Page{{Items: []transport.Message{wireMsg("m99", 99)}, HasMore: false}}
	lister.mu.Unlock()

	added, _, err := p.LoadOlder(context.Background(), "room-1")
	if err != nil || added != 1 {
		t.Fatalf("retry after error should request again: added=%d err=%v", added, err)
	}
	if len(lister.requested()) != 2 {
		t.Errorf("expected 2 requests, got %d", len(lister.requested()))
	}
}

func TestResetAllowsRefetch(t *testing.T) {
	st := store.New(bus.New())
	seedRoom(st, 100)
	lister := &fakeLister{pages: []rest.Page{
		{Items: nil, HasMore: false},
		{Items: []transport.Message{wireMsg("m99", 99)}, HasMore: false},
	}}
	p := New(st, lister, zap.NewNop(), 50)

	if _, _, err := p.LoadOlder(context.Background(), "room-1"); err != nil {
		t.Fatal(err)
	}
	p.Reset("room-1")
	added, _, err := p.LoadOlder(context.Background(), "room-1")
	if err != nil || added != 1 {
		t.Fatalf("after reset: added=%d err=%v", added, err)
	}
}
