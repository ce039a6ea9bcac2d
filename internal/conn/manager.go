package conn

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stackelite/chatsync/internal/bus"
	"github.com/stackelite/chatsync/internal/page"
	"github.com/stackelite/chatsync/internal/presence"
	"github.com/stackelite/chatsync/internal/prefs"
	"github.com/stackelite/chatsync/internal/rest"
	"github.com/stackelite/chatsync/internal/send"
	"github.com/stackelite/chatsync/internal/store"
	"github.com/stackelite/chatsync/internal/transport"
)

// CatchUpAPI is the server surface used to close delivery gaps. Implemented
// by the REST client.
type CatchUpAPI interface {
	ListRooms(ctx context.Context) ([]transport.Room, error)
	ListMessagesSince(ctx context.Context, roomID string, since time.Time) ([]transport.Message, error)
	ListUsers(ctx context.Context) ([]rest.WireUser, error)
}

// Options carries the connection tunables.
type Options struct {
	URL          string
	Token        string
	BackoffBase  time.Duration
	BackoffCap   time.Duration
	Heartbeat    time.Duration
	DedupeWindow time.Duration
}

// Manager runs the connection lifecycle. All inbound events are applied by
// the single serve loop, so per-room delivery order is preserved end to end.
type Manager struct {
	dialer   transport.Dialer
	opts     Options
	machine  *Machine
	bus      *bus.Bus
	logger   *zap.Logger
	store    *store.Store
	api      CatchUpAPI
	pipeline *send.Pipeline
	presence *presence.Tracker
	prefs    *prefs.Sync
	pager    *page.Paginator

	mu     sync.Mutex
	conn   transport.Conn
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a connection manager and attaches itself as the transmit path
// of the send pipeline, presence tracker and prefs sync.
func New(
	dialer transport.Dialer,
	opts Options,
	b *bus.Bus,
	st *store.Store,
	api CatchUpAPI,
	pipeline *send.Pipeline,
	tracker *presence.Tracker,
	prefsSync *prefs.Sync,
	pager *page.Paginator,
	logger *zap.Logger,
) *Manager {
	m := &Manager{
		dialer:   dialer,
		opts:     opts,
		machine:  NewMachine(b),
		bus:      b,
		logger:   logger,
		store:    st,
		api:      api,
		pipeline: pipeline,
		presence: tracker,
		prefs:    prefsSync,
		pager:    pager,
	}
	if pipeline != nil {
		pipeline.SetTransmitter(m)
	}
	if tracker != nil {
		tracker.SetTransmitter(m)
	}
	if prefsSync != nil {
		prefsSync.SetTransmitter(m)
	}
	return m
}

// State returns the current connection state.
func (m *Manager) State() State {
	return m.machine.Current()
}

// Transmit sends a client op over the live connection.
func (m *Manager) Transmit(op transport.ClientOp) error {
	m.mu.Lock()
	c := m.conn
	m.mu.Unlock()
	if c == nil || m.machine.Current() != Connected {
		return send.ErrNotConnected
	}
	return c.Send(op)
}

// Subscribe asks the server to start streaming a room's events. Rooms known
// to the store are resubscribed automatically on reconnect; this is for rooms
// joined after the initial catch-up.
func (m *Manager) Subscribe(roomID string) error {
	return m.Transmit(transport.ClientOp{Op: transport.OpSubscribe, RoomID: roomID})
}

// Unsubscribe stops the server from streaming a room's events.
func (m *Manager) Unsubscribe(roomID string) error {
	return m.Transmit(transport.ClientOp{Op: transport.OpUnsubscribe, RoomID: roomID})
}

// Start launches the connect/serve/reconnect loop.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go m.run(ctx)
}

// Stop tears the connection down. The machine ends in Closed, which is
// terminal.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)
	defer func() { _ = m.machine.Transition(Closed) }()

	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		if err := m.machine.Transition(Connecting); err != nil {
			m.logger.Error("connection state error", zap.Error(err))
			return
		}

		c, err := m.dialer.Dial(ctx, m.opts.URL, m.opts.Token)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			_ = m.machine.Transition(Reconnecting)
			delay := m.backoff(attempt)
			attempt++
			m.logger.Warn("dial failed",
				zap.Error(err), zap.Duration("retry_in", delay), zap.Int("attempt", attempt))
			if !sleep(ctx, delay) {
				return
			}
			continue
		}
		attempt = 0

		m.setConn(c)
		_ = m.machine.Transition(Connected)
		m.bus.Emit(bus.KindConnConnected, nil)
		m.onConnected(ctx, c)

		err = m.serve(ctx, c)
		m.setConn(nil)
		_ = c.Close()
		if ctx.Err() != nil {
			return
		}

		m.logger.Warn("connection lost", zap.Error(err))
		m.bus.Emit(bus.KindConnDisconnected, map[string]string{"error": err.Error()})
		_ = m.machine.Transition(Reconnecting)
		delay := m.backoff(attempt)
		attempt++
		if !sleep(ctx, delay) {
			return
		}
	}
}

// onConnected runs the recovery sequence: catch up missed history over
// HTTP, resubscribe every room, expire sends past the dedupe window, and
// flush everything still unsettled under its original key.
func (m *Manager) onConnected(ctx context.Context, c transport.Conn) {
	m.catchUp(ctx)

	for _, roomID := range m.store.RoomIDs() {
		if err := c.Send(transport.ClientOp{Op: transport.OpSubscribe, RoomID: roomID}); err != nil {
			m.logger.Warn("subscribe failed", zap.Error(err), zap.String("room_id", roomID))
			return
		}
	}

	if m.pipeline != nil {
		m.pipeline.ExpireBefore(time.Now().Add(-m.opts.DedupeWindow))
		m.pipeline.Flush(ctx)
	}
}

func (m *Manager) catchUp(ctx context.Context) {
	if m.api == nil {
		return
	}
	if users, err := m.api.ListUsers(ctx); err == nil {
		list := make([]store.User, 0, len(users))
		for _, u := range users {
			list = append(list, store.User{ID: u.ID, Name: u.Name, Email: u.Email, AvatarURL: u.AvatarURL})
		}
		m.store.SetUsers(list)
	} else {
		m.logger.Warn("user directory fetch failed", zap.Error(err))
	}

	rooms, err := m.api.ListRooms(ctx)
	if err != nil {
		m.logger.Warn("room listing failed, continuing with cached rooms", zap.Error(err))
		return
	}
	for i := range rooms {
		room := rooms[i].ToStore()
		since := m.store.HighWater(room.ID)
		m.store.UpsertRoom(room)
		if !since.IsZero() {
			m.fetchSince(ctx, room.ID, since)
		}
		m.store.ResetSeq(room.ID, room.Seq)
	}
	m.bus.Emit(bus.KindSyncCaughtUp, map[string]int{"rooms": len(rooms)})
}

// fetchSince pulls everything a room saw after our newest settled message.
// Upserts are idempotent by id, so overlap with live events is harmless.
func (m *Manager) fetchSince(ctx context.Context, roomID string, since time.Time) {
	msgs, err := m.api.ListMessagesSince(ctx, roomID, since)
	if err != nil {
		m.logger.Warn("catch-up fetch failed", zap.Error(err), zap.String("room_id", roomID))
		return
	}
	for i := range msgs {
		m.applyMessage(msgs[i].ToStore())
	}
}

func (m *Manager) serve(ctx context.Context, c transport.Conn) error {
	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := make(chan transport.ServerEvent, 64)
	readErr := make(chan error, 1)
	go func() {
		for {
			ev, err := c.Receive()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case events <- ev:
			case <-serveCtx.Done():
				return
			}
		}
	}()

	heartbeat := time.NewTicker(m.opts.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case ev := <-events:
			m.handleEvent(ctx, ev)
		case err := <-readErr:
			return err
		case <-heartbeat.C:
			if err := c.Send(transport.ClientOp{Op: transport.OpPing, T: time.Now().UnixMilli()}); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *Manager) handleEvent(ctx context.Context, ev transport.ServerEvent) {
	m.applySeq(ctx, ev)

	switch ev.Event {
	case transport.EventPong:

	case transport.EventError:
		if ev.ClientMsgID != "" && m.pipeline != nil {
			m.pipeline.HandleReject(ev.ClientMsgID, ev.Detail)
			return
		}
		m.logger.Warn("server error event", zap.String("code", ev.Code), zap.String("detail", ev.Detail))

	case transport.EventMessageAck:
		if ev.Message != nil && m.pipeline != nil {
			m.pipeline.HandleAck(ev.ClientMsgID, ev.Message.ToStore())
		}

	case transport.EventMessageCreated, transport.EventMessageUpdated:
		if ev.Message != nil {
			m.applyMessage(ev.Message.ToStore())
		}

	case transport.EventMessageDeleted:
		m.store.MarkDeleted(ev.RoomID, ev.MessageID, parseEventTime(ev.DeletedAt), ev.DeletedBy)

	case transport.EventRoomUpdated:
		if ev.Room != nil {
			m.store.UpsertRoom(ev.Room.ToStore())
		}

	case transport.EventRoomRead:
		// Read cursor advanced from another device.
		m.store.SetLastRead(ev.RoomID, ev.MessageID)

	case transport.EventPrefsUpdated:
		if ev.Prefs != nil && m.prefs != nil {
			m.prefs.HandlePrefs(*ev.Prefs)
		}

	case transport.EventTypingChanged:
		if m.presence != nil {
			m.presence.HandleTyping(ev.RoomID, ev.UserID, ev.IsTyping)
		}

	case transport.EventPresenceUpdate:
		if m.presence != nil {
			m.presence.HandlePresence(ev.UserID, store.PresenceStatus(ev.Status))
		}

	default:
		// Unknown events are skipped, not fatal: the server may be newer.
		m.logger.Debug("unknown server event", zap.String("event", ev.Event))
	}
}

// applyMessage routes a server message through pending reconciliation when
// it answers one of our own sends, otherwise upserts it directly.
func (m *Manager) applyMessage(msg store.Message) {
	if msg.ClientMsgID != "" && m.pipeline != nil {
		if _, ok := m.store.Pending(msg.ClientMsgID); ok {
			m.pipeline.HandleAck(msg.ClientMsgID, msg)
			return
		}
	}
	m.store.UpsertMessage(msg)
}

// applySeq tracks room-scoped ordering. A gap means events were dropped
// while we were attached, so the room is resynchronized inline before later
// events are applied; re-delivered messages collapse via id idempotence.
func (m *Manager) applySeq(ctx context.Context, ev transport.ServerEvent) {
	if ev.Seq == 0 || ev.RoomID == "" {
		return
	}
	_, gap := m.store.ApplySeq(ev.RoomID, ev.Seq)
	if !gap {
		return
	}
	m.logger.Warn("sequence gap detected", zap.String("room_id", ev.RoomID), zap.Int64("seq", ev.Seq))
	m.bus.Emit(bus.KindSyncGapDetected, map[string]string{"room_id": ev.RoomID})
	since := m.store.HighWater(ev.RoomID)
	if since.IsZero() {
		since = time.Now().Add(-m.opts.DedupeWindow)
	}
	m.fetchSince(ctx, ev.RoomID, since)
	if m.pager != nil {
		m.pager.Reset(ev.RoomID)
	}
	m.bus.Emit(bus.KindSyncCaughtUp, map[string]string{"room_id": ev.RoomID})
}

func (m *Manager) setConn(c transport.Conn) {
	m.mu.Lock()
	m.conn = c
	m.mu.Unlock()
}

// backoff returns min(base * 2^attempt, cap) plus up to 25% jitter.
func (m *Manager) backoff(attempt int) time.Duration {
	delay := m.opts.BackoffBase
	for i := 0; i < attempt && delay < m.opts.BackoffCap; i++ {
		delay *= 2
	}
	if delay > m.opts.BackoffCap {
		delay = m.opts.BackoffCap
	}
	jitter := time.Duration(rand.Int63n(int64(delay/4) + 1))
	return delay + jitter
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func parseEventTime(s string) time.Time {
	if s == "" {
		return time.Now()
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Now()
	}
	return t
}
