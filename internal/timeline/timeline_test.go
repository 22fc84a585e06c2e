package timeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/dmsync/internal/identity"
	"github.com/matheus3301/dmsync/internal/profile"
	"github.com/matheus3301/dmsync/internal/store"
	"github.com/matheus3301/dmsync/internal/syncerr"
)

type fakeProfiles struct{}

func (fakeProfiles) GetProfile(_ context.Context, id string) (*store.Profile, error) {
	if id == "ghost" {
		return nil, errors.New("no such profile")
	}
	return &store.Profile{ID: id, DisplayName: "User " + id}, nil
}

type fakeHistory struct {
	msgs []store.Message
	err  error
}

func (h *fakeHistory) ListMessages(context.Context, string) ([]store.Message, error) {
	return h.msgs, h.err
}

// fakeFeed hands out one channel per subscription and records cancels.
type fakeFeed struct {
	mu      sync.Mutex
	ch      chan store.Message
	open    int
	cancels int
}

func (f *fakeFeed) SubscribeInserts(string) (<-chan store.Message, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan store.Message, 16)
	f.ch = ch
	f.open++
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			f.open--
			f.cancels++
			f.mu.Unlock()
			close(ch)
		})
	}
}

func (f *fakeFeed) deliver(m store.Message) {
	f.mu.Lock()
	ch := f.ch
	f.mu.Unlock()
	ch <- m
}

func msg(id, sender, content string, at int64) store.Message {
	return store.Message{
		ID: id, ConversationID: "c1", SenderID: sender, Content: content,
		Type: store.MessageTypeText, CreatedAt: at, ReadBy: []string{sender},
	}
}

func newService(h *fakeHistory, f *fakeFeed) *Service {
	return NewService(h, f, profile.NewCache(fakeProfiles{}, nil), identity.Static("me"), 0, nil)
}

func ids(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Message.ID
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestLoadOrdersAscending(t *testing.T) {
	h := &fakeHistory{msgs: []store.Message{
		msg("m3", "ana", "third", 3000),
		msg("m1", "ana", "first", 1000),
		msg("m2b", "me", "tie b", 2000),
		msg("m2a", "me", "tie a", 2000),
	}}
	s := newService(h, &fakeFeed{})
	entries, err := s.Load(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"m1", "m2a", "m2b", "m3"}
	if got := ids(entries); !equal(got, want) {
		t.Errorf("order = %v, want %v", got, want)
	}
	if entries[0].Sender.DisplayName != "User ana" {
		t.Errorf("sender = %+v", entries[0].Sender)
	}
}

func TestLoadToleratesProfileFailure(t *testing.T) {
	h := &fakeHistory{msgs: []store.Message{msg("m1", "ghost", "boo", 1000)}}
	s := newService(h, &fakeFeed{})
	entries, err := s.Load(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Sender.ID != "ghost" {
		t.Errorf("entries = %+v", entries)
	}
}

func TestLoadErrors(t *testing.T) {
	s := newService(&fakeHistory{err: errors.New("db down")}, &fakeFeed{})
	if _, err := s.Load(context.Background(), "c1"); !syncerr.Retryable(err) {
		t.Errorf("store failure err = %v, want retryable", err)
	}

	anon := NewService(&fakeHistory{}, &fakeFeed{}, profile.NewCache(fakeProfiles{}, nil), identity.Static(""), 0, nil)
	if _, err := anon.Load(context.Background(), "c1"); !syncerr.IsUnauthenticated(err) {
		t.Errorf("signed out err = %v, want unauthenticated", err)
	}
}

func TestIngestDeduplicatesByID(t *testing.T) {
	tl := newTimeline("c1", 10_000)
	m := msg("m1", "ana", "hi", 1000)
	if _, out := tl.Ingest(m, store.Profile{ID: "ana"}); out != Appended {
		t.Errorf("first outcome = %s", out)
	}
	if _, out := tl.Ingest(m, store.Profile{ID: "ana"}); out != Duplicate {
		t.Errorf("second outcome = %s", out)
	}
	if tl.Len() != 1 {
		t.Errorf("len = %d, want 1", tl.Len())
	}
}

func TestIngestOnlyGrowsReadSet(t *testing.T) {
	tl := newTimeline("c1", 10_000)
	m := msg("m1", "ana", "hi", 1000)
	m.ReadBy = []string{"ana", "bea"}
	tl.Ingest(m, store.Profile{})

	stale := msg("m1", "ana", "hi", 1000)
	stale.ReadBy = []string{"ana", "luis"}
	e, _ := tl.Ingest(stale, store.Profile{})

	want := []string{"ana", "bea", "luis"}
	if !equal(e.Message.ReadBy, want) {
		t.Errorf("ReadBy = %v, want %v", e.Message.ReadBy, want)
	}
}

func TestOutOfOrderInsertsSort(t *testing.T) {
	tl := newTimeline("c1", 10_000)
	tl.Ingest(msg("m3", "ana", "3", 3000), store.Profile{})
	tl.Ingest(msg("m1", "ana", "1", 1000), store.Profile{})
	tl.Ingest(msg("m2", "ana", "2", 2000), store.Profile{})
	if got := ids(tl.Entries()); !equal(got, []string{"m1", "m2", "m3"}) {
		t.Errorf("order = %v", got)
	}
}

func TestProvisionalReplacedInPlace(t *testing.T) {
	tl := newTimeline("c1", 10_000)
	tl.Ingest(msg("m1", "ana", "before", 1000), store.Profile{})
	tl.AddProvisional(msg("tmp-1", "me", "hi", 5000), store.Profile{ID: "me"})

	e, out := tl.Ingest(msg("d1", "me", "hi", 5200), store.Profile{ID: "me"})
	if out != Reconciled {
		t.Fatalf("outcome = %s, want reconciled", out)
	}
	if e.State != Confirmed || e.ProvisionalID != "tmp-1" {
		t.Errorf("entry = %+v", e)
	}
	if got := ids(tl.Entries()); !equal(got, []string{"m1", "d1"}) {
		t.Errorf("timeline = %v", got)
	}
	if _, ok := tl.Get("tmp-1"); ok {
		t.Error("provisional id still indexed")
	}
}

func TestProvisionalOutsideWindowStaysDistinct(t *testing.T) {
	tl := newTimeline("c1", 10_000)
	tl.AddProvisional(msg("tmp-1", "me", "hi", 1000), store.Profile{})
	_, out := tl.Ingest(msg("d1", "me", "hi", 60_000), store.Profile{})
	if out != Appended {
		t.Errorf("outcome = %s, want appended", out)
	}
	if tl.Len() != 2 {
		t.Errorf("len = %d, want 2", tl.Len())
	}
}

func TestConfirmAfterFeedDelivery(t *testing.T) {
	tl := newTimeline("c1", 10_000)
	tl.AddProvisional(msg("tmp-1", "me", "hi", 1000), store.Profile{})
	durable := msg("d1", "me", "hi", 1100)
	tl.Ingest(durable, store.Profile{})

	e, ok := tl.Confirm("tmp-1", durable)
	if !ok || e.Message.ID != "d1" {
		t.Errorf("Confirm = %+v, %v", e, ok)
	}
	if tl.Len() != 1 {
		t.Errorf("len = %d, want 1", tl.Len())
	}
}

func TestConfirmBeforeFeedDelivery(t *testing.T) {
	tl := newTimeline("c1", 10_000)
	tl.AddProvisional(msg("tmp-1", "me", "hi", 1000), store.Profile{ID: "me"})
	durable := msg("d1", "me", "hi", 1100)

	e, ok := tl.Confirm("tmp-1", durable)
	if !ok || e.State != Confirmed || e.Sender.ID != "me" {
		t.Errorf("Confirm = %+v, %v", e, ok)
	}
	if _, out := tl.Ingest(durable, store.Profile{}); out != Duplicate {
		t.Errorf("late delivery outcome = %s, want duplicate", out)
	}
	if tl.Len() != 1 {
		t.Errorf("len = %d, want 1", tl.Len())
	}
}

func TestFailedAndRequeue(t *testing.T) {
	tl := newTimeline("c1", 10_000)
	tl.AddProvisional(msg("tmp-1", "me", "hi", 1000), store.Profile{})

	e, ok := tl.MarkFailed("tmp-1", "network down")
	if !ok || e.State != Failed || e.Err != "network down" {
		t.Errorf("MarkFailed = %+v, %v", e, ok)
	}
	// A failed entry is not matched by the live feed.
	if _, out := tl.Ingest(msg("d1", "me", "hi", 1100), store.Profile{}); out != Appended {
		t.Errorf("outcome = %s, want appended", out)
	}
	if _, ok := tl.MarkFailed("tmp-1", "again"); ok {
		t.Error("MarkFailed on a failed entry should be refused")
	}
	e, ok = tl.Requeue("tmp-1")
	if !ok || e.State != Provisional || e.Err != "" {
		t.Errorf("Requeue = %+v, %v", e, ok)
	}
}

func TestPendingReadOverlay(t *testing.T) {
	tl := newTimeline("c1", 10_000)
	tl.Ingest(msg("m1", "ana", "1", 1000), store.Profile{})
	tl.Ingest(msg("m2", "ana", "2", 2000), store.Profile{})
	tl.Ingest(msg("m3", "me", "3", 3000), store.Profile{})

	if n := tl.UnreadCount("me"); n != 2 {
		t.Fatalf("unread = %d, want 2", n)
	}
	marked := tl.MarkPendingRead("me", tl.UnreadFor("me", 2000))
	if !equal(marked, []string{"m1", "m2"}) {
		t.Errorf("marked = %v", marked)
	}
	if again := tl.MarkPendingRead("me", []string{"m1", "m2"}); len(again) != 0 {
		t.Errorf("second mark = %v, want none", again)
	}
	if n := tl.UnreadCount("me"); n != 0 {
		t.Errorf("unread with pending marks = %d, want 0", n)
	}

	tl.CommitRead("me", "m1")
	tl.RollbackRead("me", "m2")

	e1, _ := tl.Get("m1")
	e2, _ := tl.Get("m2")
	if !e1.Message.ReadByUser("me") || len(e1.PendingReaders) != 0 {
		t.Errorf("m1 = %+v", e1)
	}
	if e2.Message.ReadByUser("me") || e2.ReadLocally("me") {
		t.Errorf("m2 should be unread after rollback: %+v", e2)
	}
	if n := tl.UnreadCount("me"); n != 1 {
		t.Errorf("unread = %d, want 1", n)
	}
}

func TestSubscribeAppendsAndDedups(t *testing.T) {
	f := &fakeFeed{}
	s := newService(&fakeHistory{}, f)

	got := make(chan Entry, 10)
	if err := s.Subscribe(context.Background(), "c1", func(e Entry, _ Outcome) { got <- e }); err != nil {
		t.Fatal(err)
	}
	m := msg("m1", "ana", "hi", 1000)
	f.deliver(m)
	f.deliver(m)
	f.deliver(msg("m2", "ana", "again", 2000))

	for _, want := range []string{"m1", "m2"} {
		select {
		case e := <-got:
			if e.Message.ID != want {
				t.Errorf("handler got %s, want %s", e.Message.ID, want)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for handler")
		}
	}
	s.Unsubscribe("c1")
	if n := s.Timeline("c1").Len(); n != 2 {
		t.Errorf("len = %d, want 2", n)
	}
}

func TestUnsubscribeReleasesFeed(t *testing.T) {
	f := &fakeFeed{}
	s := newService(&fakeHistory{}, f)
	ctx := context.Background()

	if err := s.Subscribe(ctx, "c1", nil); err != nil {
		t.Fatal(err)
	}
	if err := s.Subscribe(ctx, "c1", nil); err != nil {
		t.Fatal(err)
	}
	if !s.Subscribed("c1") {
		t.Error("expected an open subscription")
	}
	s.Unsubscribe("c1")
	s.Unsubscribe("c1")

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.open != 0 || f.cancels != 2 {
		t.Errorf("open = %d cancels = %d, want 0 and 2", f.open, f.cancels)
	}
}

// switchIdentity is a provider that can be signed out mid-test.
type switchIdentity struct {
	mu   sync.Mutex
	user string
}

func (s *switchIdentity) CurrentUserID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return identity.Static(s.user).CurrentUserID()
}

func (s *switchIdentity) signOut() {
	s.mu.Lock()
	s.user = ""
	s.mu.Unlock()
}

func TestFeedClosesWhenSessionGone(t *testing.T) {
	f := &fakeFeed{}
	id := &switchIdentity{user: "me"}
	s := NewService(&fakeHistory{}, f, profile.NewCache(fakeProfiles{}, nil), id, 0, nil)

	got := make(chan Entry, 4)
	if err := s.Subscribe(context.Background(), "c1", func(e Entry, _ Outcome) { got <- e }); err != nil {
		t.Fatal(err)
	}
	f.deliver(msg("m1", "ana", "before", 1000))
	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for first delivery")
	}

	id.signOut()
	f.deliver(msg("m2", "ana", "after", 2000))

	deadline := time.Now().Add(time.Second)
	for s.Subscribed("c1") && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if s.Subscribed("c1") {
		t.Fatal("subscription still open after sign-out")
	}
	select {
	case e := <-got:
		t.Errorf("handler called after sign-out with %s", e.Message.ID)
	default:
	}
	if n := s.Timeline("c1").Len(); n != 1 {
		t.Errorf("len = %d, want 1", n)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.open != 0 {
		t.Errorf("open feeds = %d, want 0", f.open)
	}
	// Releasing an already closed feed is a no-op.
	s.Unsubscribe("c1")
}

// racingHistory delivers a live insert while the history is being read.
type racingHistory struct {
	fakeHistory
	feed *fakeFeed
	late store.Message
}

func (h *racingHistory) ListMessages(ctx context.Context, conv string) ([]store.Message, error) {
	h.feed.mu.Lock()
	ch := h.feed.ch
	h.feed.mu.Unlock()
	if ch != nil {
		ch <- h.late
	}
	return h.fakeHistory.ListMessages(ctx, conv)
}

func TestOpenKeepsInsertDuringLoad(t *testing.T) {
	f := &fakeFeed{}
	h := &racingHistory{
		fakeHistory: fakeHistory{msgs: []store.Message{msg("m1", "ana", "old", 1000)}},
		feed:        f,
		late:        msg("m2", "ana", "late", 2000),
	}
	s := NewService(h, f, profile.NewCache(fakeProfiles{}, nil), identity.Static("me"), 0, nil)

	appended := make(chan Entry, 4)
	if _, err := s.Open(context.Background(), context.Background(), "c1", func(e Entry, _ Outcome) { appended <- e }); err != nil {
		t.Fatal(err)
	}
	defer s.Unsubscribe("c1")

	select {
	case e := <-appended:
		if e.Message.ID != "m2" {
			t.Errorf("appended %s, want m2", e.Message.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("insert made during the load was lost")
	}
	if got, want := ids(s.Entries("c1")), []string{"m1", "m2"}; !equal(got, want) {
		t.Errorf("entries = %v, want %v", got, want)
	}
}

func TestOpenReleasesFeedWhenLoadFails(t *testing.T) {
	f := &fakeFeed{}
	s := newService(&fakeHistory{err: errors.New("db down")}, f)
	if _, err := s.Open(context.Background(), context.Background(), "c1", nil); err == nil {
		t.Fatal("expected load error")
	}
	if s.Subscribed("c1") {
		t.Error("subscription left open after failed load")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.open != 0 {
		t.Errorf("open feeds = %d, want 0", f.open)
	}
}

func TestSearchIsPure(t *testing.T) {
	h := &fakeHistory{msgs: []store.Message{
		msg("m1", "ana", "Hola Luis", 1000),
		msg("m2", "me", "bye", 2000),
		msg("m3", "ana", "hola otra vez", 3000),
	}}
	s := newService(h, &fakeFeed{})
	if _, err := s.Load(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	if got := ids(s.Search("c1", "HOLA")); !equal(got, []string{"m1", "m3"}) {
		t.Errorf("search = %v", got)
	}
	if n := len(s.Entries("c1")); n != 3 {
		t.Errorf("timeline mutated: %d entries", n)
	}
	if n := len(s.Search("c1", "  ")); n != 3 {
		t.Errorf("blank query returned %d entries, want all", n)
	}
}

func TestGroupByDay(t *testing.T) {
	day1 := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC).UnixMilli()
	day1late := time.Date(2024, 3, 1, 23, 59, 0, 0, time.UTC).UnixMilli()
	day2 := time.Date(2024, 3, 2, 0, 1, 0, 0, time.UTC).UnixMilli()
	entries := []Entry{
		{Message: msg("a", "x", "", day1)},
		{Message: msg("b", "x", "", day1late)},
		{Message: msg("c", "x", "", day2)},
	}
	days := GroupByDay(entries, time.UTC)
	if len(days) != 2 {
		t.Fatalf("days = %d, want 2", len(days))
	}
	if len(days[0].Entries) != 2 || days[1].Date.Day() != 2 {
		t.Errorf("days = %+v", days)
	}
}
