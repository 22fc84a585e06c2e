package store

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"testing"
	"time"
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

// fixedClock makes store-assigned timestamps deterministic. Each call to the
// returned advance function moves the clock forward by d.
func fixedClock(db *DB, start int64) func(d time.Duration) {
	now := time.UnixMilli(start)
	db.now = func() time.Time { return now }
	return func(d time.Duration) { now = now.Add(d) }
}

func seedConversation(t *testing.T, db *DB, members ...string) *Conversation {
	t.Helper()
	c, err := db.CreateConversation(context.Background(), "", len(members) > 2, members)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := testDB(t)

	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 2 {
		t.Errorf("version = %d, want 2 (init + blobs/journal)", result.Version)
	}
}

func TestMigrateSchemaHasRequiredColumns(t *testing.T) {
	db := testDB(t)

	requiredOps := []struct {
		desc  string
		query string
		args  []any
	}{
		{"insert profile", "INSERT INTO profiles (id, username, display_name, avatar_url, last_seen_at) VALUES (?, ?, ?, ?, ?)", []any{"u1", "ana", "Ana", "", 0}},
		{"insert conversation", "INSERT INTO conversations (id, name, is_group, last_message_id, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)", []any{"c1", "", false, "", 1, 1}},
		{"insert participant", "INSERT INTO conversation_participants (conversation_id, user_id, last_read_at, last_read_message_id) VALUES (?, ?, ?, ?)", []any{"c1", "u1", 0, ""}},
		{"insert message", "INSERT INTO messages (id, conversation_id, sender_id, content, media_url, message_type, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)", []any{"m1", "c1", "u1", "hi", "", "text", 1}},
		{"insert read", "INSERT INTO message_reads (message_id, user_id) VALUES (?, ?)", []any{"m1", "u1"}},
		{"insert blob", "INSERT INTO blobs (ref, content_type, data) VALUES (?, ?, ?)", []any{"blob://x", "image/png", []byte{1}}},
		{"insert journal", "INSERT INTO send_journal (provisional_id, conversation_id, content) VALUES (?, ?, ?)", []any{"tmp-1", "c1", "hi"}},
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

func TestProfileUpsertKeepsNonEmptyFields(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := db.UpsertProfile(ctx, &Profile{ID: "u1", Username: "ana", DisplayName: "Ana"}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertProfile(ctx, &Profile{ID: "u1", AvatarURL: "blob://a"}); err != nil {
		t.Fatal(err)
	}

	p, err := db.GetProfile(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if p.DisplayName != "Ana" || p.AvatarURL != "blob://a" {
		t.Errorf("profile = %+v, want display name kept and avatar set", p)
	}

	if _, err := db.GetProfile(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetProfile(missing) error = %v, want ErrNotFound", err)
	}
}

func TestTouchLastSeenIsMonotonic(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := db.UpsertProfile(ctx, &Profile{ID: "u1", Username: "ana"}); err != nil {
		t.Fatal(err)
	}
	if err := db.TouchLastSeen(ctx, "u1", 2000); err != nil {
		t.Fatal(err)
	}
	if err := db.TouchLastSeen(ctx, "u1", 1000); err != nil {
		t.Fatal(err)
	}
	p, err := db.GetProfile(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if p.LastSeenAt != 2000 {
		t.Errorf("last_seen_at = %d, want 2000", p.LastSeenAt)
	}
}

func TestCreateConversationIsAtomic(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	// A duplicate member violates the participants primary key after the
	// conversation row was written; the whole unit must roll back.
	_, err := db.CreateConversation(ctx, "", true, []string{"a", "b", "b"})
	if err == nil {
		t.Fatal("expected error for duplicate participant")
	}

	n, err := db.ConversationCount(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("got %d conversations after failed create, want 0", n)
	}
	ids, err := db.ConversationIDsForUser(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 0 {
		t.Errorf("user a sees %v, want nothing", ids)
	}
}

func TestCreateConversationRequiresTwoMembers(t *testing.T) {
	db := testDB(t)
	if _, err := db.CreateConversation(context.Background(), "", false, []string{"a"}); err == nil {
		t.Error("expected error for single-member conversation")
	}
}

func TestFindDirectConversation(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	direct := seedConversation(t, db, "a", "b")
	seedConversation(t, db, "a", "b", "c")

	id, err := db.FindDirectConversation(ctx, "b", "a")
	if err != nil {
		t.Fatal(err)
	}
	if id != direct.ID {
		t.Errorf("id = %q, want %q", id, direct.ID)
	}

	if _, err := db.FindDirectConversation(ctx, "a", "c"); !errors.Is(err, ErrNotFound) {
		t.Errorf("FindDirectConversation(a, c) error = %v, want ErrNotFound", err)
	}
}

func TestInsertMessageBumpsConversation(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	advance := fixedClock(db, 1000)

	c := seedConversation(t, db, "a", "b")
	advance(time.Second)

	m, err := db.InsertMessage(ctx, &Message{ConversationID: c.ID, SenderID: "a", Content: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if m.ID == "" || m.CreatedAt != 2000 {
		t.Errorf("message = %+v, want durable id and created_at=2000", m)
	}
	if !slices.Equal(m.ReadBy, []string{"a"}) {
		t.Errorf("read_by = %v, want [a]", m.ReadBy)
	}
	if m.Type != MessageTypeText {
		t.Errorf("type = %q, want text", m.Type)
	}

	got, err := db.GetConversation(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.LastMessageID != m.ID || got.UpdatedAt != 2000 {
		t.Errorf("conversation = %+v, want last_message_id=%s updated_at=2000", got, m.ID)
	}
}

func TestInsertMessageRejectsNonMember(t *testing.T) {
	db := testDB(t)
	c := seedConversation(t, db, "a", "b")

	_, err := db.InsertMessage(context.Background(), &Message{ConversationID: c.ID, SenderID: "z", Content: "hi"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestListMessagesOrdersByTimestamp(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	c := seedConversation(t, db, "a", "b")

	// Imported out of order; listing must still be ascending.
	for _, m := range []Message{
		{ID: "m3", ConversationID: c.ID, SenderID: "a", Content: "three", Type: MessageTypeText, CreatedAt: 3000},
		{ID: "m1", ConversationID: c.ID, SenderID: "b", Content: "one", Type: MessageTypeText, CreatedAt: 1000},
		{ID: "m2", ConversationID: c.ID, SenderID: "a", Content: "two", Type: MessageTypeText, CreatedAt: 2000},
	} {
		if _, err := db.ImportMessage(ctx, &m); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := db.ListMessages(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	if !slices.Equal(ids, []string{"m1", "m2", "m3"}) {
		t.Errorf("order = %v, want [m1 m2 m3]", ids)
	}
	if !slices.Equal(msgs[0].ReadBy, []string{"b"}) {
		t.Errorf("m1 read_by = %v, want [b]", msgs[0].ReadBy)
	}
}

func TestImportMessageIdempotent(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	c := seedConversation(t, db, "a", "b")

	m := &Message{ID: "m1", ConversationID: c.ID, SenderID: "a", Content: "hi", Type: MessageTypeText, CreatedAt: 1000}
	inserted, err := db.ImportMessage(ctx, m)
	if err != nil {
		t.Fatal(err)
	}
	if !inserted {
		t.Error("first import should insert")
	}

	m.ReadBy = []string{"b"}
	inserted, err = db.ImportMessage(ctx, m)
	if err != nil {
		t.Fatal(err)
	}
	if inserted {
		t.Error("second import should not insert")
	}

	got, err := db.GetMessage(ctx, "m1")
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(got.ReadBy, []string{"a", "b"}) {
		t.Errorf("read_by = %v, want union [a b]", got.ReadBy)
	}
	n, _ := db.MessageCount(ctx)
	if n != 1 {
		t.Errorf("message count = %d, want 1", n)
	}
}

func TestAddReaderIsSetUnion(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	c := seedConversation(t, db, "a", "b", "c")

	m, err := db.InsertMessage(ctx, &Message{ConversationID: c.ID, SenderID: "a", Content: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	for _, u := range []string{"c", "b", "c"} {
		if err := db.AddReader(ctx, m.ID, u); err != nil {
			t.Fatal(err)
		}
	}

	got, err := db.GetMessage(ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(got.ReadBy, []string{"a", "b", "c"}) {
		t.Errorf("read_by = %v, want [a b c]", got.ReadBy)
	}
}

func TestCountUnreadUsesLastReadPointer(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	advance := fixedClock(db, 1000)
	c := seedConversation(t, db, "me", "ana")

	var ids []string
	for _, body := range []string{"one", "two", "three"} {
		advance(time.Second)
		m, err := db.InsertMessage(ctx, &Message{ConversationID: c.ID, SenderID: "ana", Content: body})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, m.ID)
	}
	advance(time.Second)
	if _, err := db.InsertMessage(ctx, &Message{ConversationID: c.ID, SenderID: "me", Content: "mine"}); err != nil {
		t.Fatal(err)
	}

	n, err := db.CountUnread(ctx, c.ID, "me")
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("unread = %d, want 3", n)
	}

	second, err := db.GetMessage(ctx, ids[1])
	if err != nil {
		t.Fatal(err)
	}
	if err := db.AdvanceLastRead(ctx, c.ID, "me", second.CreatedAt, second.ID); err != nil {
		t.Fatal(err)
	}
	n, err = db.CountUnread(ctx, c.ID, "me")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("unread after pointer = %d, want 1", n)
	}

	unread, err := db.UnreadMessagesThrough(ctx, c.ID, "me", second.CreatedAt)
	if err != nil {
		t.Fatal(err)
	}
	if len(unread) != 2 {
		t.Errorf("unread through second = %d, want 2 (pointer does not write read rows)", len(unread))
	}
}

func TestAdvanceLastReadIsMonotonic(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	c := seedConversation(t, db, "me", "ana")

	if err := db.AdvanceLastRead(ctx, c.ID, "me", 2000, "m2"); err != nil {
		t.Fatal(err)
	}
	if err := db.AdvanceLastRead(ctx, c.ID, "me", 1000, "m1"); err != nil {
		t.Fatal(err)
	}
	p, err := db.GetParticipant(ctx, c.ID, "me")
	if err != nil {
		t.Fatal(err)
	}
	if p.LastReadAt != 2000 || p.LastReadMessageID != "m2" {
		t.Errorf("pointer = (%d, %q), want (2000, m2)", p.LastReadAt, p.LastReadMessageID)
	}
}

func TestParticipantsAddRemove(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	c := seedConversation(t, db, "a", "b", "c")

	if err := db.AddParticipant(ctx, c.ID, "d"); err != nil {
		t.Fatal(err)
	}
	if err := db.AddParticipant(ctx, c.ID, "d"); err != nil {
		t.Fatal(err)
	}
	if err := db.RemoveParticipant(ctx, c.ID, "b"); err != nil {
		t.Fatal(err)
	}
	ids, err := db.ParticipantIDs(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(ids, []string{"a", "c", "d"}) {
		t.Errorf("participants = %v, want [a c d]", ids)
	}
}

func TestBlobRoundTrip(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	ref, err := db.Upload(ctx, []byte("png-bytes"), "image/png")
	if err != nil {
		t.Fatal(err)
	}
	data, ct, err := db.Download(ctx, ref)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "png-bytes" || ct != "image/png" {
		t.Errorf("got (%q, %q)", data, ct)
	}

	if _, err := db.Upload(ctx, nil, ""); err == nil {
		t.Error("expected error for empty upload")
	}
	if _, _, err := db.Download(ctx, "blob://missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Download(missing) error = %v, want ErrNotFound", err)
	}
}

func TestSendJournal(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := db.RecordSend(ctx, "tmp-1", "c1", "hello"); err != nil {
		t.Fatal(err)
	}
	if err := db.RecordSend(ctx, "tmp-2", "c1", "world"); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkSendFailed(ctx, "tmp-1", "network down"); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkSendConfirmed(ctx, "tmp-2", "42"); err != nil {
		t.Fatal(err)
	}

	failed, err := db.FailedSends(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 || failed[0].ProvisionalID != "tmp-1" || failed[0].ErrorMessage != "network down" {
		t.Errorf("failed = %+v, want tmp-1 with error", failed)
	}

	// Retrying puts the entry back into the provisional state.
	if err := db.RecordSend(ctx, "tmp-1", "c1", "hello"); err != nil {
		t.Fatal(err)
	}
	failed, err = db.FailedSends(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 0 {
		t.Errorf("got %d failed after retry, want 0", len(failed))
	}
}
