package outbox

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stackelite/chatsync/internal/store"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "outbox.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestMigrateIdempotent(t *testing.T) {
	db := testDB(t)
	res, err := Migrate(db)
	if err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	if res.Changed {
		t.Error("expected no change on second migrate")
	}
	if res.Dirty {
		t.Error("schema should not be dirty")
	}
}

func TestEnqueueAndUnsettled(t *testing.T) {
	db := testDB(t)

	base := time.Now().Add(-time.Minute)
	for i, id := range []string{"k1", "k2", "k3"} {
		err := db.Enqueue(Entry{
			ClientMsgID: id,
			RoomID:      "room-1",
			Type:        store.TypeText,
			Content:     "hello " + id,
			CreatedAt:   base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}

	entries, err := db.Unsettled()
	if err != nil {
		t.Fatalf("unsettled: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 unsettled, got %d", len(entries))
	}
	if entries[0].ClientMsgID != "k1" || entries[2].ClientMsgID != "k3" {
		t.Errorf("expected oldest-first order, got %s..%s", entries[0].ClientMsgID, entries[2].ClientMsgID)
	}
	if entries[0].Status != StatusQueued {
		t.Errorf("expected queued status, got %q", entries[0].Status)
	}
}

func TestSendingEntriesRemainUnsettled(t *testing.T) {
	db := testDB(t)
	if err := db.Enqueue(Entry{ClientMsgID: "k1", RoomID: "r", Content: "x"}); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkSending("k1"); err != nil {
		t.Fatal(err)
	}

	entries, err := db.Unsettled()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Status != StatusSending {
		t.Fatalf("entry in 'sending' must survive restart as unsettled, got %+v", entries)
	}
}

func TestMarkSentSettles(t *testing.T) {
	db := testDB(t)
	if err := db.Enqueue(Entry{ClientMsgID: "k1", RoomID: "r", Content: "x"}); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkSent("k1", "srv-42"); err != nil {
		t.Fatal(err)
	}

	entries, err := db.Unsettled()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("sent entry should not be unsettled, got %d", len(entries))
	}

	e, ok, err := db.Get("k1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if e.Status != StatusSent || e.ServerMsgID != "srv-42" {
		t.Errorf("got status=%q server=%q", e.Status, e.ServerMsgID)
	}
}

func TestFailRequeueFlow(t *testing.T) {
	db := testDB(t)
	if err := db.Enqueue(Entry{ClientMsgID: "k1", RoomID: "r", Content: "x"}); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkFailed("k1", "room archived"); err != nil {
		t.Fatal(err)
	}

	failed, err := db.Failed()
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 || failed[0].ErrorMessage != "room archived" {
		t.Fatalf("got %+v", failed)
	}

	if err := db.Requeue("k1"); err != nil {
		t.Fatal(err)
	}
	entries, err := db.Unsettled()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Status != StatusQueued || entries[0].ErrorMessage != "" {
		t.Fatalf("requeue should restore queued state, got %+v", entries)
	}
}

func TestQuoteRoundTrip(t *testing.T) {
	db := testDB(t)
	q := &store.Quote{Source: "ticket", Subject: "Billing issue", Preview: "customer reports", Link: "https://example.test/t/9"}
	if err := db.Enqueue(Entry{ClientMsgID: "k1", RoomID: "r", Content: "reply", ReplyToID: "m9", Quote: q}); err != nil {
		t.Fatal(err)
	}

	e, ok, err := db.Get("k1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if e.Quote == nil || e.Quote.Source != "ticket" || e.Quote.Link != "https://example.test/t/9" {
		t.Errorf("quote did not survive persistence: %+v", e.Quote)
	}
	if e.ReplyToID != "m9" {
		t.Errorf("reply_to = %q", e.ReplyToID)
	}
}

func TestDeleteAndPurge(t *testing.T) {
	db := testDB(t)
	if err := db.Enqueue(Entry{ClientMsgID: "k1", RoomID: "r", Content: "a"}); err != nil {
		t.Fatal(err)
	}
	if err := db.Enqueue(Entry{ClientMsgID: "k2", RoomID: "r", Content: "b"}); err != nil {
		t.Fatal(err)
	}
	if err := db.Delete("k1"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := db.Get("k1"); ok {
		t.Error("deleted entry still present")
	}

	if err := db.MarkSent("k2", "srv-1"); err != nil {
		t.Fatal(err)
	}
	n, err := db.PurgeSettledBefore(time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 purged, got %d", n)
	}
	if _, ok, _ := db.Get("k2"); ok {
		t.Error("purged entry still present")
	}
}
