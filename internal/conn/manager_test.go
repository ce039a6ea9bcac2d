package conn

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/stackelite/chatsync/internal/bus"
	"github.com/stackelite/chatsync/internal/outbox"
	"github.com/stackelite/chatsync/internal/page"
	"github.com/stackelite/chatsync/internal/presence"
	"github.com/stackelite/chatsync/internal/prefs"
	"github.com/stackelite/chatsync/internal/rest"
	"github.com/stackelite/chatsync/internal/send"
	"github.com/stackelite/chatsync/internal/store"
	"github.com/stackelite/chatsync/internal/transport"
)

type fakeConn struct {
	mu     sync.Mutex
	ops    []transport.ClientOp
	in     chan transport.ServerEvent
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan transport.ServerEvent, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Send(op transport.ClientOp) error {
	select {
	case <-c.closed:
		return errors.New("connection closed")
	default:
	}
	c.mu.Lock()
	c.ops = append(c.ops, op)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Receive() (transport.ServerEvent, error) {
	select {
	case ev := <-c.in:
		return ev, nil
	case <-c.closed:
		return transport.ServerEvent{}, errors.New("connection closed")
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) sent() []transport.ClientOp {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]transport.ClientOp, len(c.ops))
	copy(out, c.ops)
	return out
}

func (c *fakeConn) push(ev transport.ServerEvent) { c.in <- ev }

type fakeDialer struct {
	mu        sync.Mutex
	failFirst int
	dials     int
	conns     []*fakeConn
}

func (d *fakeDialer) Dial(_ context.Context, _, _ string) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.dials <= d.failFirst {
		return nil, errors.New("connection refused")
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) conn(t *testing.T, i int) *fakeConn {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		d.mu.Lock()
		if len(d.conns) > i {
			c := d.conns[i]
			d.mu.Unlock()
			return c
		}
		d.mu.Unlock()
		if time.Now().After(deadline) {
			t.Fatalf("connection %d never established", i)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

type fakeAPI struct {
	mu       sync.Mutex
	rooms    []transport.Room
	since    map[string][]transport.Message
	sinceLog []string
}

func (f *fakeAPI) ListRooms(context.Context) ([]transport.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rooms, nil
}

func (f *fakeAPI) ListMessagesSince(_ context.Context, roomID string, _ time.Time) ([]transport.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinceLog = append(f.sinceLog, roomID)
	return f.since[roomID], nil
}

func (f *fakeAPI) ListUsers(context.Context) ([]rest.WireUser, error) {
	return []rest.WireUser{{ID: "u1", Name: "Ana"}}, nil
}

func (f *fakeAPI) sinceCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sinceLog))
	copy(out, f.sinceLog)
	return out
}

type fixture struct {
	bus      *bus.Bus
	store    *store.Store
	pipeline *send.Pipeline
	manager  *Manager
	dialer   *fakeDialer
	api      *fakeAPI
}

func newFixture(t *testing.T, dialer *fakeDialer, api *fakeAPI) *fixture {
	t.Helper()
	b := bus.New()
	st := store.New(b)

	db, err := outbox.Open(filepath.Join(t.TempDir(), "outbox.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := outbox.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	logger := zap.NewNop()
	pipeline := send.New(st, db, nil, logger, time.Minute)
	t.Cleanup(pipeline.Close)
	tracker := presence.New(st, logger, presence.Config{
		Debounce: 50 * time.Millisecond, IdleStop: time.Second,
		PeerTTL: time.Second, SweepInterval: time.Second,
	})
	prefsSync := prefs.New(st, nil, logger, prefs.Limits{MaxGroupRooms: 2, MaxDirectRooms: 3})
	pager := page.New(st, nil, logger, 50)

	m := New(dialer, Options{
		URL:          "ws://test/ws",
		Token:        "tok",
		BackoffBase:  5 * time.Millisecond,
		BackoffCap:   20 * time.Millisecond,
		Heartbeat:    time.Hour,
		DedupeWindow: 24 * time.Hour,
	}, b, st, api, pipeline, tracker, prefsSync, pager, logger)

	return &fixture{bus: b, store: st, pipeline: pipeline, manager: m, dialer: dialer, api: api}
}

func waitState(t *testing.T, m *Manager, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for m.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("state = %s, want %s", m.State(), want)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func wireMsg(id, roomID, author, content string, sec int) *transport.Message {
	return &transport.Message{
		ID: id, RoomID: roomID, AuthorID: author, Type: "text",
		Content: content, CreatedAt: transport.FormatTime(time.Unix(int64(sec), 0)),
	}
}

func TestConnectSubscribesAndCatchesUp(t *testing.T) {
	dialer := &fakeDialer{}
	api := &fakeAPI{rooms: []transport.Room{
		{ID: "r1", Type: "direct", Name: "Ana", Status: "open", LastActivityAt: transport.FormatTime(time.Unix(100, 0)), Seq: 7},
	}}
	f := newFixture(t, dialer, api)

	f.manager.Start(context.Background())
	defer f.manager.Stop()
	waitState(t, f.manager, Connected)

	c := dialer.conn(t, 0)
	waitFor(t, "subscribe op", func() bool {
		for _, op := range c.sent() {
			if op.Op == transport.OpSubscribe && op.RoomID == "r1" {
				return true
			}
		}
		return false
	})

	if _, ok := f.store.Room("r1"); !ok {
		t.Error("room listing should seed the store")
	}
	if f.store.Seq("r1") != 7 {
		t.Errorf("seq baseline = %d, want 7", f.store.Seq("r1"))
	}
	if len(f.store.Users()) != 1 {
		t.Error("user directory should be loaded")
	}
}

func TestDialRetriesWithBackoff(t *testing.T) {
	dialer := &fakeDialer{failFirst: 3}
	f := newFixture(t, dialer, &fakeAPI{})

	f.manager.Start(context.Background())
	defer f.manager.Stop()
	waitState(t, f.manager, Connected)

	if got := dialer.dialCount(); got != 4 {
		t.Errorf("expected 4 dials, got %d", got)
	}
}

func TestOfflineSendDeliveredOnceAfterReconnect(t *testing.T) {
	dialer := &fakeDialer{}
	f := newFixture(t, dialer, &fakeAPI{})

	// Compose while disconnected: the send stays queued with its key.
	key, err := f.pipeline.Send(context.Background(), "r1", "hello", send.Options{})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if m, ok := f.store.Message(key); !ok || m.SendState != store.SendStateSending {
		t.Fatalf("optimistic message missing: ok=%v %+v", ok, m)
	}

	f.manager.Start(context.Background())
	defer f.manager.Stop()
	waitState(t, f.manager, Connected)
	c := dialer.conn(t, 0)

	// The reconnect flush transmits under the original key.
	waitFor(t, "flushed msg_send", func() bool {
		for _, op := range c.sent() {
			if op.Op == transport.OpSendMessage && op.ClientMsgID == key {
				return true
			}
		}
		return false
	})

	// Server acks with the authoritative copy.
	srv := wireMsg("m1", "r1", "u-self", "hello", 200)
	srv.ClientMsgID = key
	c.push(transport.ServerEvent{Event: transport.EventMessageAck, RoomID: "r1", Seq: 1, ClientMsgID: key, Message: srv})

	waitFor(t, "settled message", func() bool {
		m, ok := f.store.Message("m1")
		return ok && m.SendState == store.SendStateSent
	})
	if msgs := f.store.Messages("r1"); len(msgs) != 1 {
		t.Fatalf("message must appear exactly once, got %d", len(msgs))
	}
	if _, ok := f.store.Message(key); ok {
		t.Error("provisional id should be replaced")
	}
}

func TestPushBeforeAckDeduplicates(t *testing.T) {
	dialer := &fakeDialer{}
	f := newFixture(t, dialer, &fakeAPI{})
	f.manager.Start(context.Background())
	defer f.manager.Stop()
	waitState(t, f.manager, Connected)
	c := dialer.conn(t, 0)

	key, _ := f.pipeline.Send(context.Background(), "r1", "hi", send.Options{})

	// The broadcast copy arrives before the ack, as it can with fan-out.
	srv := wireMsg("m1", "r1", "u-self", "hi", 200)
	srv.ClientMsgID = key
	c.push(transport.ServerEvent{Event: transport.EventMessageCreated, RoomID: "r1", Seq: 1, Message: srv})
	c.push(transport.ServerEvent{Event: transport.EventMessageAck, RoomID: "r1", Seq: 2, ClientMsgID: key, Message: srv})

	waitFor(t, "settled message", func() bool {
		m, ok := f.store.Message("m1")
		return ok && m.SendState == store.SendStateSent
	})
	if msgs := f.store.Messages("r1"); len(msgs) != 1 {
		t.Fatalf("message must appear exactly once, got %d", len(msgs))
	}
}

func TestSequenceGapTriggersTargetedResync(t *testing.T) {
	dialer := &fakeDialer{}
	api := &fakeAPI{since: map[string][]transport.Message{
		"r1": {*wireMsg("m2", "r1", "u2", "missed", 201), *wireMsg("m3", "r1", "u2", "latest", 202)},
	}}
	f := newFixture(t, dialer, api)
	f.manager.Start(context.Background())
	defer f.manager.Stop()
	waitState(t, f.manager, Connected)
	c := dialer.conn(t, 0)

	c.push(transport.ServerEvent{Event: transport.EventMessageCreated, RoomID: "r1", Seq: 1, Message: wireMsg("m1", "r1", "u2", "first", 200)})
	// Seq 2 is lost; seq 3 arrives and must trigger a catch-up fetch.
	c.push(transport.ServerEvent{Event: transport.EventMessageCreated, RoomID: "r1", Seq: 3, Message: wireMsg("m3", "r1", "u2", "latest", 202)})

	waitFor(t, "resync", func() bool { return len(f.store.Messages("r1")) == 3 })
	if len(api.sinceCalls()) == 0 {
		t.Fatal("gap should trigger a since fetch")
	}

	// The server re-delivers m3 after the resync; it must not duplicate.
	c.push(transport.ServerEvent{Event: transport.EventMessageCreated, RoomID: "r1", Seq: 3, Message: wireMsg("m3", "r1", "u2", "latest", 202)})
	time.Sleep(20 * time.Millisecond)
	if msgs := f.store.Messages("r1"); len(msgs) != 3 {
		t.Fatalf("re-delivery must be idempotent, got %d messages", len(msgs))
	}
}

func TestReconnectAfterReadFailure(t *testing.T) {
	dialer := &fakeDialer{}
	f := newFixture(t, dialer, &fakeAPI{rooms: []transport.Room{
		{ID: "r1", Type: "direct", Name: "Ana", Status: "open", LastActivityAt: transport.FormatTime(time.Unix(100, 0)), Seq: 1},
	}})
	f.manager.Start(context.Background())
	defer f.manager.Stop()
	waitState(t, f.manager, Connected)

	c0 := dialer.conn(t, 0)
	_ = c0.Close()

	c1 := dialer.conn(t, 1)
	waitState(t, f.manager, Connected)
	waitFor(t, "resubscribe", func() bool {
		for _, op := range c1.sent() {
			if op.Op == transport.OpSubscribe && op.RoomID == "r1" {
				return true
			}
		}
		return false
	})
}

func TestTypingAndPresenceEventsRouted(t *testing.T) {
	dialer := &fakeDialer{}
	f := newFixture(t, dialer, &fakeAPI{})
	f.manager.Start(context.Background())
	defer f.manager.Stop()
	waitState(t, f.manager, Connected)
	c := dialer.conn(t, 0)

	c.push(transport.ServerEvent{Event: transport.EventTypingChanged, RoomID: "r1", UserID: "u2", IsTyping: true})
	waitFor(t, "typing indicator", func() bool {
		return len(f.store.TypingUsers("r1", time.Now())) == 1
	})

	c.push(transport.ServerEvent{Event: transport.EventPresenceUpdate, UserID: "u2", Status: "online"})
	waitFor(t, "presence", func() bool {
		return f.store.Presence("u2") == store.PresenceOnline
	})
}

func TestServerErrorEventRejectsSend(t *testing.T) {
	dialer := &fakeDialer{}
	f := newFixture(t, dialer, &fakeAPI{})
	f.manager.Start(context.Background())
	defer f.manager.Stop()
	waitState(t, f.manager, Connected)
	c := dialer.conn(t, 0)

	key, _ := f.pipeline.Send(context.Background(), "r1", "nope", send.Options{})
	c.push(transport.ServerEvent{Event: transport.EventError, ClientMsgID: key, Code: "room_archived", Detail: "room is archived"})

	waitFor(t, "failed pending", func() bool {
		p, ok := f.store.Pending(key)
		return ok && p.Status == store.SendStateFailed
	})
	if p, _ := f.store.Pending(key); p.Error != "room is archived" {
		t.Errorf("error = %q", p.Error)
	}
}

func TestHeartbeatPings(t *testing.T) {
	dialer := &fakeDialer{}
	b := bus.New()
	st := store.New(b)
	m := New(dialer, Options{
		URL: "ws://test/ws", Token: "tok",
		BackoffBase: 5 * time.Millisecond, BackoffCap: 20 * time.Millisecond,
		Heartbeat: 10 * time.Millisecond, DedupeWindow: time.Hour,
	}, b, st, nil, nil, nil, nil, nil, zap.NewNop())

	m.Start(context.Background())
	defer m.Stop()
	waitState(t, m, Connected)
	c := dialer.conn(t, 0)

	waitFor(t, "ping", func() bool {
		for _, op := range c.sent() {
			if op.Op == transport.OpPing {
				return true
			}
		}
		return false
	})
}

func TestSubscribeUnsubscribe(t *testing.T) {
	dialer := &fakeDialer{}
	f := newFixture(t, dialer, &fakeAPI{})
	f.manager.Start(context.Background())
	defer f.manager.Stop()
	waitState(t, f.manager, Connected)
	c := dialer.conn(t, 0)

	if err := f.manager.Subscribe("r-new"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := f.manager.Unsubscribe("r-new"); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	waitFor(t, "sub then unsub", func() bool {
		var sub, unsub bool
		for _, op := range c.sent() {
			if op.Op == transport.OpSubscribe && op.RoomID == "r-new" {
				sub = true
			}
			if op.Op == transport.OpUnsubscribe && op.RoomID == "r-new" {
				unsub = true
			}
		}
		return sub && unsub
	})
}

func TestStopIsTerminal(t *testing.T) {
	dialer := &fakeDialer{}
	f := newFixture(t, dialer, &fakeAPI{})
	f.manager.Start(context.Background())
	waitState(t, f.manager, Connected)
	f.manager.Stop()

	if f.manager.State() != Closed {
		t.Fatalf("state = %s, want CLOSED", f.manager.State())
	}
	if err := f.manager.Transmit(transport.ClientOp{Op: transport.OpPing}); !errors.Is(err, send.ErrNotConnected) {
		t.Errorf("transmit after close should fail, got %v", err)
	}
}

func TestRoomAndPrefsEventsApplied(t *testing.T) {
	dialer := &fakeDialer{}
	f := newFixture(t, dialer, &fakeAPI{})
	f.manager.Start(context.Background())
	defer f.manager.Stop()
	waitState(t, f.manager, Connected)
	c := dialer.conn(t, 0)

	c.push(transport.ServerEvent{Event: transport.EventRoomUpdated, RoomID: "r1", Seq: 1, Room: &transport.Room{
		ID: "r1", Type: "group", Name: "Support", Status: "open",
		LastActivityAt: transport.FormatTime(time.Unix(300, 0)), Seq: 1,
	}})
	waitFor(t, "room", func() bool {
		r, ok := f.store.Room("r1")
		return ok && r.Name == "Support"
	})

	c.push(transport.ServerEvent{Event: transport.EventPrefsUpdated, RoomID: "r1", Prefs: &transport.Prefs{
		RoomID: "r1", IsPinned: true, NotificationLevel: "mentions",
	}})
	waitFor(t, "prefs", func() bool {
		p := f.store.Prefs("r1")
		return p.IsPinned && p.NotificationLevel == store.NotifyMentions
	})
}
