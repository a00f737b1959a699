package archive

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/matheus3301/gochat/internal/bus"
	"github.com/matheus3301/gochat/internal/conversation"
	"github.com/matheus3301/gochat/internal/frame"
	"github.com/matheus3301/gochat/internal/store"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

var sentAt = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func pending() conversation.Message {
	return conversation.Message{
		LocalID:         "l1",
		CorrelationID:   "c1",
		SenderID:        "alice",
		ConversationKey: "bob",
		Kind:            frame.TypeMessage,
		Content:         "hi",
		SentAt:          sentAt,
		State:           conversation.Pending,
		Outgoing:        true,
	}
}

func TestWriteAndHistory(t *testing.T) {
	db := testDB(t)
	e := NewEngine(db, bus.New(), nil)

	m := pending()
	if err := e.Write(m); err != nil {
		t.Fatal(err)
	}
	m.State = conversation.Sent
	m.ServerID = "srv-1"
	if err := e.Write(m); err != nil {
		t.Fatal(err)
	}

	got, err := History(db, "bob", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d messages, want 1", len(got))
	}
	if got[0].State != conversation.Sent || got[0].ServerID != "srv-1" || !got[0].SentAt.Equal(sentAt) {
		t.Errorf("message = %+v", got[0])
	}

	c, err := db.GetConversation("bob")
	if err != nil || c == nil || c.LastMessagePreview != "hi" {
		t.Errorf("conversation = %+v, %v", c, err)
	}
}

func TestHistoryOldestFirstWithAttachments(t *testing.T) {
	db := testDB(t)
	e := NewEngine(db, bus.New(), nil)

	first := pending()
	second := pending()
	second.LocalID, second.CorrelationID = "l2", "c2"
	second.Content = ""
	second.Kind = frame.TypeFile
	second.Attachments = []frame.Attachment{{FileName: "cat.png", FileSize: 3, FilePath: "/uploads/cat.png"}}
	second.SentAt = sentAt.Add(time.Second)
	for _, m := range []conversation.Message{second, first} {
		if err := e.Write(m); err != nil {
			t.Fatal(err)
		}
	}

	got, err := History(db, "bob", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].LocalID != "l1" || got[1].LocalID != "l2" {
		t.Fatalf("history = %+v", got)
	}
	if got[0].Attachments != nil {
		t.Errorf("text message attachments = %v, want nil", got[0].Attachments)
	}
	if len(got[1].Attachments) != 1 || got[1].Attachments[0].FilePath != "/uploads/cat.png" {
		t.Errorf("attachments = %+v", got[1].Attachments)
	}

	c, _ := db.GetConversation("bob")
	if c.LastMessagePreview != "[file] cat.png" {
		t.Errorf("preview = %q", c.LastMessagePreview)
	}
}

func TestEngineArchivesBusUpdates(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	e := NewEngine(db, b, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)
	defer e.Stop()

	written, unsub := b.Subscribe("archive.", 10)
	defer unsub()

	b.Publish(bus.Event{
		Kind:    bus.KindConversationAppended,
		Payload: conversation.Update{Kind: conversation.Appended, Message: pending()},
	})
	// Unrelated payloads are ignored.
	b.Publish(bus.Event{Kind: bus.KindConversationFailed, Payload: "junk"})

	select {
	case evt := <-written:
		if evt.Kind != KindArchived {
			t.Errorf("event kind = %q, want %s", evt.Kind, KindArchived)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for archive event")
	}

	count, err := db.MessageCount()
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
}
