package outbox

import (
	"encoding/json"
	"time"

	"github.com/stackelite/chatsync/internal/store"
)

// Entry statuses. An entry is unsettled until it reaches sent or is deleted.
const (
	StatusQueued  = "queued"
	StatusSending = "sending"
	StatusSent    = "sent"
	StatusFailed  = "failed"
)

// Entry is one durable send, keyed by its idempotency key.
type Entry struct {
	ClientMsgID  string
	RoomID       string
	Type         store.MessageType
	Content      string
	ReplyToID    string
	Quote        *store.Quote
	Status       string
	ErrorMessage string
	ServerMsgID  string
	CreatedAt    time.Time
}

// Enqueue adds a message to the send queue.
func (db *DB) Enqueue(e Entry) error {
	now := time.Now().UnixMilli()
	quoteJSON := ""
	if e.Quote != nil {
		b, err := json.Marshal(e.Quote)
		if err != nil {
			return err
		}
		quoteJSON = string(b)
	}
	created := now
	if !e.CreatedAt.IsZero() {
		created = e.CreatedAt.UnixMilli()
	}
	_, err := db.Exec(`
		INSERT INTO outbox (client_msg_id, room_id, msg_type, content, reply_to, quote_json, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 'queued', ?, ?)`,
		e.ClientMsgID, e.RoomID, string(e.Type), e.Content, e.ReplyToID, quoteJSON, created, now)
	return err
}

// MarkSending updates an entry to 'sending' status.
func (db *DB) MarkSending(clientMsgID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sending', updated_at = ? WHERE client_msg_id = ?`, now, clientMsgID)
	return err
}

// MarkSent settles an entry with the authoritative server message ID.
func (db *DB) MarkSent(clientMsgID, serverMsgID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sent', server_msg_id = ?, updated_at = ? WHERE client_msg_id = ?`, serverMsgID, now, clientMsgID)
	return err
}

// MarkFailed updates an entry to 'failed' with an error message.
func (db *DB) MarkFailed(clientMsgID, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'failed', error_message = ?, updated_at = ? WHERE client_msg_id = ?`, errMsg, now, clientMsgID)
	return err
}

// Requeue moves a failed entry back to 'queued' for another attempt under the
// same idempotency key.
func (db *DB) Requeue(clientMsgID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'queued', error_message = '', updated_at = ? WHERE client_msg_id = ?`, now, clientMsgID)
	return err
}

// Delete removes an entry. Used for discarded failed sends and settled entries
// past the retention window.
func (db *DB) Delete(clientMsgID string) error {
	_, err := db.Exec(`DELETE FROM outbox WHERE client_msg_id = ?`, clientMsgID)
	return err
}

// Unsettled returns entries that still need transmission or an ack, oldest
// first. Entries stuck in 'sending' are included: a crash between transmit and
// ack must resend under the same key and let the server dedupe.
func (db *DB) Unsettled() ([]Entry, error) {
	return db.selectEntries(`
		SELECT client_msg_id, room_id, msg_type, content, reply_to, quote_json, status, error_message, server_msg_id, created_at
		FROM outbox WHERE status IN ('queued', 'sending') ORDER BY created_at ASC`)
}

// Failed returns entries that need user attention, oldest first.
func (db *DB) Failed() ([]Entry, error) {
	return db.selectEntries(`
		SELECT client_msg_id, room_id, msg_type, content, reply_to, quote_json, status, error_message, server_msg_id, created_at
		FROM outbox WHERE status = 'failed' ORDER BY created_at ASC`)
}

// Get returns one entry by its idempotency key.
func (db *DB) Get(clientMsgID string) (Entry, bool, error) {
	entries, err := db.selectEntries(`
		SELECT client_msg_id, room_id, msg_type, content, reply_to, quote_json, status, error_message, server_msg_id, created_at
		FROM outbox WHERE client_msg_id = ?`, clientMsgID)
	if err != nil {
		return Entry{}, false, err
	}
	if len(entries) == 0 {
		return Entry{}, false, nil
	}
	return entries[0], true, nil
}

// PurgeSettledBefore deletes sent entries older than the cutoff. Settled rows
// are only kept long enough to answer "was this key already acked".
func (db *DB) PurgeSettledBefore(cutoff time.Time) (int64, error) {
	res, err := db.Exec(`DELETE FROM outbox WHERE status = 'sent' AND updated_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (db *DB) selectEntries(query string, args ...any) ([]Entry, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var msgType, quoteJSON string
		var createdMs int64
		if err := rows.Scan(&e.ClientMsgID, &e.RoomID, &msgType, &e.Content, &e.ReplyToID, &quoteJSON, &e.Status, &e.ErrorMessage, &e.ServerMsgID, &createdMs); err != nil {
			return nil, err
		}
		e.Type = store.MessageType(msgType)
		e.CreatedAt = time.UnixMilli(createdMs)
		if quoteJSON != "" {
			var q store.Quote
			if err := json.Unmarshal([]byte(quoteJSON), &q); err != nil {
				return nil, err
			}
			e.Quote = &q
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
