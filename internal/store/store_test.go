package store

import (
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/nexuschat/nexus/internal/chat"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := testDB(t)

	// testDB already ran Migrate once.
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 1 {
		t.Errorf("version = %d, want 1", result.Version)
	}
}

func TestMigrateSchemaHasRequiredColumns(t *testing.T) {
	db := testDB(t)

	requiredOps := []struct {
		desc  string
		query string
		args  []any
	}{
		{"save credentials", "INSERT INTO credentials (id, token, user_id, expires_at) VALUES (1, ?, ?, ?)", []any{"tok", "u1", 0}},
		{"cache preview", "INSERT INTO previews (conversation_id, position, type, payload) VALUES (?, ?, ?, ?)", []any{"c1", 0, "private", "{}"}},
		{"queue outbox", "INSERT INTO outbox (client_msg_id, recipient_id, body, status) VALUES (?, ?, ?, ?)", []any{"cid", "u2", "text", "queued"}},
		{"set sync state", "INSERT INTO sync_state (key, value) VALUES (?, ?)", []any{"k", "v"}},
	}
	for _, op := range requiredOps {
		t.Run(op.desc, func(t *testing.T) {
			if _, err := db.Exec(op.query, op.args...); err != nil {
				t.Fatalf("%s failed: %v", op.desc, err)
			}
		})
	}
}

func TestCredentials(t *testing.T) {
	db := testDB(t)

	c, err := db.LoadCredentials()
	if err != nil {
		t.Fatal(err)
	}
	if c != nil {
		t.Fatalf("expected nil credentials on fresh db, got %+v", c)
	}

	if err := db.SaveCredentials(&Credentials{Token: "a", UserID: "u1", ExpiresAt: 100}); err != nil {
		t.Fatal(err)
	}
	if err := db.SaveCredentials(&Credentials{Token: "b", UserID: "u1", Name: "Ana", ExpiresAt: 200}); err != nil {
		t.Fatal(err)
	}
	c, err = db.LoadCredentials()
	if err != nil {
		t.Fatal(err)
	}
	if c == nil || c.Token != "b" || c.Name != "Ana" || c.ExpiresAt != 200 {
		t.Errorf("got %+v, want token b for Ana", c)
	}

	if err := db.ClearCredentials(); err != nil {
		t.Fatal(err)
	}
	if c, _ := db.LoadCredentials(); c != nil {
		t.Errorf("credentials survived clear: %+v", c)
	}
}

func TestPreviewsKeepOrder(t *testing.T) {
	db := testDB(t)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	list := []chat.ConversationPreview{
		{ID: "c2", Type: chat.Group, Group: &chat.Participant{ID: "g1", Name: "team"}, UnreadCount: 2,
			LastMessage: &chat.MessageSummary{ID: "m9", Content: "standup", CreatedAt: at, SenderID: "u3"}},
		{ID: "c1", Type: chat.Private, Recipient: &chat.Participant{ID: "u2", Name: "Bo"}},
	}
	if err := db.ReplacePreviews(list); err != nil {
		t.Fatal(err)
	}
	// Replacing twice must not duplicate rows.
	if err := db.ReplacePreviews(list); err != nil {
		t.Fatal(err)
	}

	got, err := db.ListPreviews()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "c2" || got[1].ID != "c1" {
		t.Fatalf("got %+v, want [c2 c1]", got)
	}
	if got[0].UnreadCount != 2 || got[0].LastMessage == nil || !got[0].LastMessage.CreatedAt.Equal(at) {
		t.Errorf("first preview = %+v", got[0])
	}
	if got[1].Recipient == nil || got[1].Recipient.Name != "Bo" {
		t.Errorf("second preview recipient = %+v", got[1].Recipient)
	}

	if err := db.ReplacePreviews(list[1:]); err != nil {
		t.Fatal(err)
	}
	if n, _ := db.PreviewCount(); n != 1 {
		t.Errorf("count = %d, want 1", n)
	}
}

func TestOutbox(t *testing.T) {
	db := testDB(t)

	if err := db.QueueOutbox(&OutboxEntry{ClientMsgID: "client1", RecipientID: "u2", Body: "test msg"}); err != nil {
		t.Fatal(err)
	}

	queued, err := db.OutboxByStatus(OutboxQueued)
	if err != nil {
		t.Fatal(err)
	}
	if len(queued) != 1 || queued[0].ClientMsgID != "client1" {
		t.Fatalf("queued = %+v, want client1", queued)
	}

	if err := db.MarkOutboxSending("client1"); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkOutboxSent("client1", "server1", "c9"); err != nil {
		t.Fatal(err)
	}

	e, err := db.GetOutbox("client1")
	if err != nil {
		t.Fatal(err)
	}
	if e.Status != OutboxSent || e.ServerMsgID != "server1" || e.ConversationID != "c9" || e.Attempts != 1 {
		t.Errorf("entry = %+v", e)
	}

	if queued, _ := db.OutboxByStatus(OutboxQueued); len(queued) != 0 {
		t.Errorf("got %d queued after sent, want 0", len(queued))
	}
}

func TestOutboxDuplicateClientID(t *testing.T) {
	db := testDB(t)

	e := &OutboxEntry{ClientMsgID: "dup", GroupID: "g1", Body: "x"}
	if err := db.QueueOutbox(e); err != nil {
		t.Fatal(err)
	}
	if err := db.QueueOutbox(e); err == nil {
		t.Error("second QueueOutbox with same client id should fail")
	}
}

func TestFailInterrupted(t *testing.T) {
	db := testDB(t)

	for _, id := range []string{"a", "b", "c"} {
		if err := db.QueueOutbox(&OutboxEntry{ClientMsgID: id, RecipientID: "u2", Body: id}); err != nil {
			t.Fatal(err)
		}
	}
	_ = db.MarkOutboxSending("b")
	_ = db.MarkOutboxSending("c")
	_ = db.MarkOutboxSent("c", "m1", "")

	n, err := db.FailInterrupted()
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("failed %d entries, want 2", n)
	}
	failed, _ := db.OutboxByStatus(OutboxFailed)
	if len(failed) != 2 || failed[0].ErrorMessage != "interrupted" {
		t.Errorf("failed = %+v", failed)
	}
}

func TestCheckpoint(t *testing.T) {
	db := testDB(t)

	v, at, err := db.Checkpoint("last_resync")
	if err != nil {
		t.Fatal(err)
	}
	if v != "" || !at.IsZero() {
		t.Errorf("missing key = %q/%v, want empty", v, at)
	}

	if err := db.SetCheckpoint("last_resync", "1"); err != nil {
		t.Fatal(err)
	}
	if err := db.SetCheckpoint("last_resync", "2"); err != nil {
		t.Fatal(err)
	}
	v, at, err = db.Checkpoint("last_resync")
	if err != nil {
		t.Fatal(err)
	}
	if v != "2" || at.IsZero() {
		t.Errorf("checkpoint = %q/%v, want 2 with timestamp", v, at)
	}
}

func TestOpenAppliesPragmas(t *testing.T) {
	db := testDB(t)

	var mode string
	if err := db.QueryRow(`PRAGMA journal_mode`).Scan(&mode); err != nil {
		t.Fatal(err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %q, want wal", mode)
	}
	var fk int
	if err := db.QueryRow(`PRAGMA foreign_keys`).Scan(&fk); err != nil {
		t.Fatal(err)
	}
	if fk != 1 {
		t.Errorf("foreign_keys = %d, want 1", fk)
	}
}

func TestInTxRollsBackOnError(t *testing.T) {
	db := testDB(t)
	if err := db.ReplacePreviews([]chat.ConversationPreview{{ID: "c1", Type: chat.Private}}); err != nil {
		t.Fatal(err)
	}

	boom := errors.New("boom")
	err := db.inTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM previews`); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("inTx() error = %v, want boom", err)
	}
	n, err := db.PreviewCount()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("previews after rollback = %d, want 1", n)
	}
}
