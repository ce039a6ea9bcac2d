// Package presence tracks typing indicators and online status in both
// directions. Outbound typing starts are rate limited per room so rapid
// keystrokes produce one wire event per debounce interval, and an idle timer
// sends the stop once input pauses. Inbound indicators carry a TTL and are
// swept out even if the peer's stop event is lost.
package presence

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/stackelite/chatsync/internal/store"
	"github.com/stackelite/chatsync/internal/transport"
)

// Transmitter pushes a client op over the live connection.
type Transmitter interface {
	Transmit(op transport.ClientOp) error
}

// Config carries the typing timings.
type Config struct {
	Debounce      time.Duration
	IdleStop      time.Duration
	PeerTTL       time.Duration
	SweepInterval time.Duration
}

// Tracker owns typing and presence state for the session.
type Tracker struct {
	store  *store.Store
	logger *zap.Logger
	cfg    Config

	mu         sync.Mutex
	tx         Transmitter
	limiters   map[string]*rate.Limiter
	idleTimers map[string]*time.Timer
	active     map[string]bool

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a tracker. A Transmitter is attached via SetTransmitter once
// the connection manager exists.
func New(st *store.Store, logger *zap.Logger, cfg Config) *Tracker {
	return &Tracker{
		store:      st,
		logger:     logger,
		cfg:        cfg,
		limiters:   make(map[string]*rate.Limiter),
		idleTimers: make(map[string]*time.Timer),
		active:     make(map[string]bool),
	}
}

// SetTransmitter attaches the live-connection transmit path.
func (t *Tracker) SetTransmitter(tx Transmitter) {
	t.mu.Lock()
	t.tx = tx
	t.mu.Unlock()
}

// Start launches the sweep loop that expires stale peer indicators.
func (t *Tracker) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)
	t.done = make(chan struct{})
	go t.sweepLoop(ctx)
}

// Stop halts the sweep loop and cancels idle timers.
func (t *Tracker) Stop() {
	if t.cancel != nil {
		t.cancel()
		<-t.done
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for roomID, timer := range t.idleTimers {
		timer.Stop()
		delete(t.idleTimers, roomID)
	}
}

// InputActivity reports a keystroke in a room's composer. The first call and
// at most one call per debounce interval transmit a typing start; every call
// re-arms the idle stop timer. A failed transmit returns its rate token, so
// the next keystroke can try again instead of staying silent for a full
// debounce interval.
func (t *Tracker) InputActivity(roomID string) {
	t.mu.Lock()
	lim := t.limiters[roomID]
	if lim == nil {
		lim = rate.NewLimiter(rate.Every(t.cfg.Debounce), 1)
		t.limiters[roomID] = lim
	}
	res := lim.Reserve()
	send := res.OK() && res.Delay() == 0
	if !send {
		res.Cancel()
	}
	tx := t.tx

	if timer, ok := t.idleTimers[roomID]; ok {
		timer.Reset(t.cfg.IdleStop)
	} else {
		t.idleTimers[roomID] = time.AfterFunc(t.cfg.IdleStop, func() {
			t.idleStop(roomID)
		})
	}
	t.mu.Unlock()

	if !send {
		return
	}
	if tx == nil {
		res.Cancel()
		return
	}
	if err := tx.Transmit(typingOp(roomID, true)); err != nil {
		res.Cancel()
		t.logger.Debug("typing start not delivered", zap.Error(err), zap.String("room_id", roomID))
		return
	}
	t.mu.Lock()
	t.active[roomID] = true
	t.mu.Unlock()
}

// InputCleared reports that the composer was emptied or the message sent.
// The typing stop goes out immediately instead of waiting for idle.
func (t *Tracker) InputCleared(roomID string) {
	t.mu.Lock()
	if timer, ok := t.idleTimers[roomID]; ok {
		timer.Stop()
		delete(t.idleTimers, roomID)
	}
	wasActive := t.active[roomID]
	delete(t.active, roomID)
	tx := t.tx
	t.mu.Unlock()

	if wasActive && tx != nil {
		if err := tx.Transmit(typingOp(roomID, false)); err != nil {
			t.logger.Debug("typing stop not delivered", zap.Error(err), zap.String("room_id", roomID))
		}
	}
}

// HandleTyping applies a peer's typing indicator. Starts are stamped with the
// TTL; stops clear immediately.
func (t *Tracker) HandleTyping(roomID, userID string, isTyping bool) {
	if isTyping {
		t.store.SetTyping(roomID, userID, time.Now().Add(t.cfg.PeerTTL))
	} else {
		t.store.ClearTyping(roomID, userID)
	}
}

// HandlePresence applies a peer's online status change.
func (t *Tracker) HandlePresence(userID string, status store.PresenceStatus) {
	t.store.SetPresence(userID, status)
}

func (t *Tracker) idleStop(roomID string) {
	t.mu.Lock()
	delete(t.idleTimers, roomID)
	wasActive := t.active[roomID]
	delete(t.active, roomID)
	tx := t.tx
	t.mu.Unlock()

	if wasActive && tx != nil {
		if err := tx.Transmit(typingOp(roomID, false)); err != nil {
			t.logger.Debug("typing stop not delivered", zap.Error(err), zap.String("room_id", roomID))
		}
	}
}

func (t *Tracker) sweepLoop(ctx context.Context) {
	defer close(t.done)
	ticker := time.NewTicker(t.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			t.store.SweepTyping(now)
		case <-ctx.Done():
			return
		}
	}
}

func typingOp(roomID string, isTyping bool) transport.ClientOp {
	return transport.ClientOp{
		Op:       transport.OpTyping,
		RoomID:   roomID,
		IsTyping: isTyping,
		T:        time.Now().UnixMilli(),
	}
}
