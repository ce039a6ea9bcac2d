// Package send turns user compose actions into exactly-once-effective
// deliveries. Every send gets a client-generated idempotency key before any
// I/O, is shown optimistically, persisted to the durable queue, and then
// transmitted. Retries and reconnect flushes always reuse the original key so
// the server can collapse duplicates.
package send

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stackelite/chatsync/internal/outbox"
	"github.com/stackelite/chatsync/internal/rest"
	"github.com/stackelite/chatsync/internal/store"
	"github.com/stackelite/chatsync/internal/transport"
)

// ErrEmptyContent is returned when a send has no content after trimming.
var ErrEmptyContent = errors.New("message content is empty")

// ErrNotPending is returned when retrying or discarding an unknown key.
var ErrNotPending = errors.New("no pending send with that key")

// ErrNotConnected is returned by a Transmitter when the socket is down.
var ErrNotConnected = errors.New("not connected")

// Transmitter pushes a client op over the live connection.
type Transmitter interface {
	Transmit(op transport.ClientOp) error
}

// API is the HTTP surface for message mutations: the send fallback when no
// socket is available, plus edits, deletes and reactions, which are HTTP
// only. Implemented by the REST client.
type API interface {
	CreateMessage(ctx context.Context, roomID string, msg transport.CreateMessage) (transport.Message, error)
	EditMessage(ctx context.Context, roomID, messageID, content string) (transport.Message, error)
	DeleteMessage(ctx context.Context, roomID, messageID string) error
	AddReaction(ctx context.Context, messageID, emoji string) error
	RemoveReaction(ctx context.Context, messageID, emoji string) error
}

// Options carries the optional fields of a send.
type Options struct {
	Type      store.MessageType
	ReplyToID string
	Quote     *store.Quote
}

// Pipeline owns the send lifecycle from compose to settled.
type Pipeline struct {
	store  *store.Store
	db     *outbox.DB
	api    API
	logger *zap.Logger

	ackTimeout time.Duration

	mu     sync.Mutex
	tx     Transmitter
	timers map[string]*time.Timer
}

// New creates a send pipeline. A Transmitter is attached later via
// SetTransmitter once the connection manager exists.
func New(st *store.Store, db *outbox.DB, api API, logger *zap.Logger, ackTimeout time.Duration) *Pipeline {
	return &Pipeline{
		store:      st,
		db:         db,
		api:        api,
		logger:     logger,
		ackTimeout: ackTimeout,
		timers:     make(map[string]*time.Timer),
	}
}

// SetTransmitter attaches the live-connection transmit path.
func (p *Pipeline) SetTransmitter(tx Transmitter) {
	p.mu.Lock()
	p.tx = tx
	p.mu.Unlock()
}

// Send composes a new message. The idempotency key is assigned and the
// optimistic message made visible before any network I/O, so a crash or
// disconnect at any later point can only delay delivery, never lose or
// duplicate it.
func (p *Pipeline) Send(ctx context.Context, roomID, content string, opts Options) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", ErrEmptyContent
	}
	msgType := opts.Type
	if msgType == "" {
		msgType = store.TypeText
	}

	pending := store.PendingMessage{
		ClientMsgID: uuid.NewString(),
		RoomID:      roomID,
		Type:        msgType,
		Content:     content,
		ReplyToID:   opts.ReplyToID,
		Quote:       opts.Quote,
		CreatedAt:   time.Now(),
	}

	p.store.BeginSend(pending)
	p.store.ResetDraft(roomID)
	if err := p.db.Enqueue(outbox.Entry{
		ClientMsgID: pending.ClientMsgID,
		RoomID:      pending.RoomID,
		Type:        pending.Type,
		Content:     pending.Content,
		ReplyToID:   pending.ReplyToID,
		Quote:       pending.Quote,
		CreatedAt:   pending.CreatedAt,
	}); err != nil {
		p.logger.Error("failed to persist send", zap.Error(err), zap.String("client_msg_id", pending.ClientMsgID))
	}

	p.transmit(ctx, pending)
	return pending.ClientMsgID, nil
}

// ErrUnknownMessage is returned when editing or deleting a message that is
// not in the cache.
var ErrUnknownMessage = errors.New("unknown message")

// Edit changes a message's content. Edits go over HTTP only: the socket
// protocol has no edit op, and only the HTTP response carries the typed
// rejection needed to decide a rollback. The edit applies optimistically;
// on an explicit rejection the previous copy is restored and a conflict is
// announced, since someone else likely changed the message first. Peers
// converge through the pushed message.updated event.
func (p *Pipeline) Edit(ctx context.Context, roomID, messageID, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return ErrEmptyContent
	}
	prev, ok := p.store.Message(messageID)
	if !ok {
		return ErrUnknownMessage
	}
	next := prev
	next.Content = content
	next.EditedAt = time.Now()
	next.EditedBy = "self"
	p.store.UpsertMessage(next)

	if p.api == nil {
		p.store.UpsertMessage(prev)
		return ErrNotConnected
	}
	msg, err := p.api.EditMessage(ctx, roomID, messageID, content)
	if err != nil {
		if rest.IsRejection(err) {
			p.store.UpsertMessage(prev)
			p.announceConflict(roomID, messageID, err)
			return err
		}
		return err
	}
	settled := msg.ToStore()
	settled.SendState = prev.SendState
	p.store.UpsertMessage(settled)
	return nil
}

// Delete tombstones a message. HTTP only and optimistic like Edit; a
// rejection restores the previous copy.
func (p *Pipeline) Delete(ctx context.Context, roomID, messageID string) error {
	prev, ok := p.store.Message(messageID)
	if !ok {
		return ErrUnknownMessage
	}
	p.store.MarkDeleted(roomID, messageID, time.Now(), "self")

	if p.api == nil {
		p.store.UpsertMessage(prev)
		return ErrNotConnected
	}
	if err := p.api.DeleteMessage(ctx, roomID, messageID); err != nil {
		if rest.IsRejection(err) && !rest.IsConflict(err) {
			p.store.UpsertMessage(prev)
			return err
		}
		if rest.IsConflict(err) {
			// Already deleted elsewhere; the tombstone stands.
			p.announceConflict(roomID, messageID, err)
		}
		return err
	}
	return nil
}

func (p *Pipeline) announceConflict(roomID, messageID string, err error) {
	p.store.AnnounceConflict(roomID, messageID, err.Error())
}

// React adds the session user's emoji reaction to a message. Applied
// optimistically; an explicit rejection removes it again. The authoritative
// reaction set arrives with the pushed message.updated event.
func (p *Pipeline) React(ctx context.Context, messageID, emoji string) error {
	prev, ok := p.store.Message(messageID)
	if !ok {
		return ErrUnknownMessage
	}
	for _, r := range prev.Reactions {
		if r.UserID == "self" && r.Emoji == emoji {
			return nil
		}
	}
	next := append(append([]store.Reaction(nil), prev.Reactions...), store.Reaction{
		MessageID: messageID,
		UserID:    "self",
		Emoji:     emoji,
		CreatedAt: time.Now(),
	})
	p.store.SetReactions(messageID, next)

	if p.api == nil {
		p.store.SetReactions(messageID, prev.Reactions)
		return ErrNotConnected
	}
	if err := p.api.AddReaction(ctx, messageID, emoji); err != nil {
		if rest.IsRejection(err) {
			p.store.SetReactions(messageID, prev.Reactions)
		}
		return err
	}
	return nil
}

// Unreact removes the session user's emoji reaction from a message.
func (p *Pipeline) Unreact(ctx context.Context, messageID, emoji string) error {
	prev, ok := p.store.Message(messageID)
	if !ok {
		return ErrUnknownMessage
	}
	next := make([]store.Reaction, 0, len(prev.Reactions))
	for _, r := range prev.Reactions {
		if r.UserID == "self" && r.Emoji == emoji {
			continue
		}
		next = append(next, r)
	}
	if len(next) == len(prev.Reactions) {
		return nil
	}
	p.store.SetReactions(messageID, next)

	if p.api == nil {
		p.store.SetReactions(messageID, prev.Reactions)
		return ErrNotConnected
	}
	if err := p.api.RemoveReaction(ctx, messageID, emoji); err != nil {
		if rest.IsRejection(err) {
			p.store.SetReactions(messageID, prev.Reactions)
		}
		return err
	}
	return nil
}

// Retry retransmits a failed send under its original key and content.
func (p *Pipeline) Retry(ctx context.Context, clientMsgID string) error {
	pending, ok := p.store.RetryPending(clientMsgID)
	if !ok {
		return ErrNotPending
	}
	if err := p.db.Requeue(clientMsgID); err != nil {
		p.logger.Error("failed to requeue send", zap.Error(err), zap.String("client_msg_id", clientMsgID))
	}
	p.transmit(ctx, pending)
	return nil
}

// Discard drops a failed send entirely.
func (p *Pipeline) Discard(clientMsgID string) error {
	if _, ok := p.store.Pending(clientMsgID); !ok {
		return ErrNotPending
	}
	p.cancelTimer(clientMsgID)
	p.store.DiscardPending(clientMsgID)
	if err := p.db.Delete(clientMsgID); err != nil {
		p.logger.Error("failed to delete outbox entry", zap.Error(err), zap.String("client_msg_id", clientMsgID))
	}
	return nil
}

// HandleAck settles a send with the authoritative server message. Safe to
// call for keys already reconciled by a push event.
func (p *Pipeline) HandleAck(clientMsgID string, authoritative store.Message) {
	p.cancelTimer(clientMsgID)
	p.store.ResolvePending(clientMsgID, authoritative)
	if err := p.db.MarkSent(clientMsgID, authoritative.ID); err != nil {
		p.logger.Error("failed to mark sent", zap.Error(err), zap.String("client_msg_id", clientMsgID))
	}
}

// HandleReject marks a send as rejected by the server. Rejections are
// terminal for the attempt; the user decides between retry and discard.
func (p *Pipeline) HandleReject(clientMsgID, detail string) {
	p.cancelTimer(clientMsgID)
	if detail == "" {
		detail = "rejected by server"
	}
	if p.store.FailPending(clientMsgID, detail) {
		if err := p.db.MarkFailed(clientMsgID, detail); err != nil {
			p.logger.Error("failed to mark failed", zap.Error(err), zap.String("client_msg_id", clientMsgID))
		}
	}
}

// Restore re-seeds the in-memory store from the durable queue on startup.
// Unsettled entries reappear as in-flight sends and are retransmitted by the
// next Flush.
func (p *Pipeline) Restore() error {
	entries, err := p.db.Unsettled()
	if err != nil {
		return err
	}
	for _, e := range entries {
		p.store.BeginSend(store.PendingMessage{
			ClientMsgID: e.ClientMsgID,
			RoomID:      e.RoomID,
			Type:        e.Type,
			Content:     e.Content,
			ReplyToID:   e.ReplyToID,
			Quote:       e.Quote,
			CreatedAt:   e.CreatedAt,
		})
	}
	failed, err := p.db.Failed()
	if err != nil {
		return err
	}
	for _, e := range failed {
		p.store.BeginSend(store.PendingMessage{
			ClientMsgID: e.ClientMsgID,
			RoomID:      e.RoomID,
			Type:        e.Type,
			Content:     e.Content,
			ReplyToID:   e.ReplyToID,
			Quote:       e.Quote,
			CreatedAt:   e.CreatedAt,
		})
		p.store.FailPending(e.ClientMsgID, e.ErrorMessage)
	}
	return nil
}

// Flush retransmits every in-flight send, oldest first. Called on each
// transition to connected. Keys are unchanged, so re-sending an already
// delivered message is harmless.
func (p *Pipeline) Flush(ctx context.Context) {
	for _, pending := range p.store.PendingSending() {
		p.transmit(ctx, pending)
	}
}

// ExpireBefore fails in-flight sends older than the cutoff and prunes
// settled queue entries past retention.
func (p *Pipeline) ExpireBefore(cutoff time.Time) {
	for _, key := range p.store.ExpirePendingBefore(cutoff) {
		p.cancelTimer(key)
		if err := p.db.MarkFailed(key, "send expired beyond the server dedupe window"); err != nil {
			p.logger.Error("failed to mark expired", zap.Error(err), zap.String("client_msg_id", key))
		}
	}
	if _, err := p.db.PurgeSettledBefore(cutoff); err != nil {
		p.logger.Error("failed to purge settled entries", zap.Error(err))
	}
}

// Close stops all outstanding ack timers.
func (p *Pipeline) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, t := range p.timers {
		t.Stop()
		delete(p.timers, key)
	}
}

func (p *Pipeline) transmit(ctx context.Context, pending store.PendingMessage) {
	op := transport.ClientOp{
		Op:          transport.OpSendMessage,
		RoomID:      pending.RoomID,
		ClientMsgID: pending.ClientMsgID,
		Payload: &transport.CreateMessage{
			ClientMsgID: pending.ClientMsgID,
			Type:        string(pending.Type),
			Content:     pending.Content,
			ReplyToID:   pending.ReplyToID,
			Quote:       transport.QuoteFromStore(pending.Quote),
		},
	}

	p.mu.Lock()
	tx := p.tx
	p.mu.Unlock()

	if tx != nil {
		if err := tx.Transmit(op); err == nil {
			if err := p.db.MarkSending(pending.ClientMsgID); err != nil {
				p.logger.Error("failed to mark sending", zap.Error(err), zap.String("client_msg_id", pending.ClientMsgID))
			}
			p.armTimer(pending.ClientMsgID)
			return
		} else if !errors.Is(err, ErrNotConnected) {
			p.logger.Warn("socket transmit failed", zap.Error(err), zap.String("client_msg_id", pending.ClientMsgID))
		}
	}

	// No live socket. Try the HTTP path with the same idempotency key; on a
	// transient failure the entry stays queued for the reconnect flush.
	if p.api == nil {
		return
	}
	msg, err := p.api.CreateMessage(ctx, pending.RoomID, *op.Payload)
	if err != nil {
		if rest.IsRejection(err) {
			p.HandleReject(pending.ClientMsgID, err.Error())
			return
		}
		p.logger.Debug("http delivery unavailable, send stays queued",
			zap.Error(err), zap.String("client_msg_id", pending.ClientMsgID))
		return
	}
	p.HandleAck(pending.ClientMsgID, msg.ToStore())
}

func (p *Pipeline) armTimer(clientMsgID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.timers[clientMsgID]; ok {
		t.Stop()
	}
	p.timers[clientMsgID] = time.AfterFunc(p.ackTimeout, func() {
		p.onAckTimeout(clientMsgID)
	})
}

func (p *Pipeline) cancelTimer(clientMsgID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.timers[clientMsgID]; ok {
		t.Stop()
		delete(p.timers, clientMsgID)
	}
}

// An ack timeout is transient, not a rejection: the message may have been
// delivered and the ack lost, so the key is preserved for retransmission.
func (p *Pipeline) onAckTimeout(clientMsgID string) {
	p.mu.Lock()
	delete(p.timers, clientMsgID)
	p.mu.Unlock()
	if p.store.FailPending(clientMsgID, "no acknowledgement from server") {
		if err := p.db.MarkFailed(clientMsgID, "no acknowledgement from server"); err != nil {
			p.logger.Error("failed to mark timed-out send", zap.Error(err), zap.String("client_msg_id", clientMsgID))
		}
		p.logger.Warn("send ack timed out", zap.String("client_msg_id", clientMsgID))
	}
}
