package sync

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/matheus3301/dmsync/internal/bus"
	"github.com/matheus3301/dmsync/internal/store"
	"go.uber.org/zap"
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

func seedConversation(t *testing.T, db *store.DB) string {
	t.Helper()
	c, err := db.CreateConversation(context.Background(), "", false, []string{"a", "b"})
	if err != nil {
		t.Fatal(err)
	}
	return c.ID
}

func recv(t *testing.T, ch <-chan store.Message) store.Message {
	t.Helper()
	select {
	case m, ok := <-ch:
		if !ok {
			t.Fatal("feed closed")
		}
		return m
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for inserted message")
	}
	return store.Message{}
}

func TestEngineInsertPublishesToConversationFeed(t *testing.T) {
	db := testDB(t)
	e := NewEngine(db, bus.New(), nil)
	conv := seedConversation(t, db)
	other := seedConversation(t, db)

	feed, cancel := e.SubscribeInserts(conv)
	defer cancel()

	if _, err := e.InsertMessage(context.Background(), &store.Message{ConversationID: other, SenderID: "a", Content: "elsewhere"}); err != nil {
		t.Fatal(err)
	}
	sent, err := e.InsertMessage(context.Background(), &store.Message{ConversationID: conv, SenderID: "a", Content: "hello"})
	if err != nil {
		t.Fatal(err)
	}

	got := recv(t, feed)
	if got.ID != sent.ID || got.Content != "hello" {
		t.Errorf("got %+v, want message %s", got, sent.ID)
	}

	select {
	case m := <-feed:
		t.Errorf("unexpected message from another conversation: %+v", m)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEngineImportIsIdempotentButRedelivers(t *testing.T) {
	db := testDB(t)
	e := NewEngine(db, bus.New(), nil)
	conv := seedConversation(t, db)

	feed, cancel := e.SubscribeInserts(conv)
	defer cancel()

	msg := &store.Message{ID: "r1", ConversationID: conv, SenderID: "b", Content: "hi", Type: store.MessageTypeText, CreatedAt: 1000}
	first, err := e.ImportMessage(context.Background(), msg)
	if err != nil {
		t.Fatal(err)
	}
	second, err := e.ImportMessage(context.Background(), msg)
	if err != nil {
		t.Fatal(err)
	}
	if !first || second {
		t.Errorf("inserted = (%v, %v), want (true, false)", first, second)
	}

	// At-least-once: both deliveries reach the feed.
	recv(t, feed)
	recv(t, feed)

	msgs, err := db.ListMessages(context.Background(), conv)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Errorf("got %d stored messages, want 1", len(msgs))
	}
}

func TestEngineImportBatchCountsNew(t *testing.T) {
	db := testDB(t)
	e := NewEngine(db, bus.New(), nil)
	conv := seedConversation(t, db)

	batch := []*store.Message{
		{ID: "h1", ConversationID: conv, SenderID: "a", Content: "one", Type: store.MessageTypeText, CreatedAt: 1000},
		{ID: "h2", ConversationID: conv, SenderID: "b", Content: "two", Type: store.MessageTypeText, CreatedAt: 2000},
	}
	n, err := e.ImportBatch(context.Background(), batch)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("new = %d, want 2", n)
	}
	n, err = e.ImportBatch(context.Background(), batch)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("new on replay = %d, want 0", n)
	}
}

func TestSubscribeInsertsCancelReleasesFeed(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	e := NewEngine(db, b, nil)
	conv := seedConversation(t, db)

	feed, cancel := e.SubscribeInserts(conv)
	cancel()
	cancel()

	if _, ok := <-feed; ok {
		t.Error("feed still open after cancel")
	}
	if n := e.Feeds(); n != 0 {
		t.Errorf("open feeds = %d, want 0 after cancel", n)
	}
}

func TestSubscribeInsertsKeepsBurstForSlowReader(t *testing.T) {
	db := testDB(t)
	e := NewEngine(db, bus.New(), nil)
	conv := seedConversation(t, db)

	feed, cancel := e.SubscribeInserts(conv)
	defer cancel()

	// Nobody reads while the burst is written: well past every buffer.
	const total = 3*feedBuffer + 17
	batch := make([]*store.Message, total)
	for i := range batch {
		batch[i] = &store.Message{
			ID: fmt.Sprintf("burst-%04d", i), ConversationID: conv, SenderID: "a",
			Content: "x", Type: store.MessageTypeText, CreatedAt: int64(10000 + i),
		}
	}
	if n, err := e.ImportBatch(context.Background(), batch); err != nil || n != total {
		t.Fatalf("ImportBatch = %d, %v", n, err)
	}

	for i := range total {
		got := recv(t, feed)
		if want := fmt.Sprintf("burst-%04d", i); got.ID != want {
			t.Fatalf("message %d = %q, want %q", i, got.ID, want)
		}
		if i%50 == 0 {
			time.Sleep(time.Millisecond)
		}
	}
}

// TestEngineBusSubscription verifies remote events on the bus reach the store
// and the live feed.
func TestEngineBusSubscription(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	logger, _ := zap.NewDevelopment()
	e := NewEngine(db, b, logger)
	conv := seedConversation(t, db)

	e.Start(context.Background())
	defer e.Stop()

	feed, cancel := e.SubscribeInserts(conv)
	defer cancel()

	b.Publish(bus.Event{
		Kind: bus.KindRemoteMessage,
		Payload: &store.Message{
			ID: "rm1", ConversationID: conv, SenderID: "b", Content: "from bus",
			Type: store.MessageTypeText, CreatedAt: 5000,
		},
	})
	if got := recv(t, feed); got.ID != "rm1" {
		t.Errorf("feed got %q, want rm1", got.ID)
	}

	b.Publish(bus.Event{
		Kind: bus.KindRemoteBatch,
		Payload: []*store.Message{
			{ID: "rb1", ConversationID: conv, SenderID: "a", Content: "history", Type: store.MessageTypeText, CreatedAt: 6000},
			{ID: "rb2", ConversationID: conv, SenderID: "b", Content: "history2", Type: store.MessageTypeText, CreatedAt: 7000},
		},
	})
	recv(t, feed)
	recv(t, feed)

	msgs, err := db.ListMessages(context.Background(), conv)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Errorf("got %d messages, want 3", len(msgs))
	}
}

func TestCheckpoints(t *testing.T) {
	db := testDB(t)
	c := NewCheckpoints(db)
	ctx := context.Background()

	v, err := c.Get(ctx, CheckpointDirectoryRefreshed)
	if err != nil {
		t.Fatal(err)
	}
	if v != "" {
		t.Errorf("missing checkpoint = %q, want empty", v)
	}
	if err := c.Set(ctx, CheckpointDirectoryRefreshed, "1000"); err != nil {
		t.Fatal(err)
	}
	if err := c.Set(ctx, CheckpointDirectoryRefreshed, "2000"); err != nil {
		t.Fatal(err)
	}
	v, err = c.Get(ctx, CheckpointDirectoryRefreshed)
	if err != nil {
		t.Fatal(err)
	}
	if v != "2000" {
		t.Errorf("checkpoint = %q, want 2000", v)
	}
}
