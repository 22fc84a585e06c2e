package timeline

import (
	"slices"
	"sort"
	"sync"

	"github.com/matheus3301/dmsync/internal/store"
)

// Timeline is the ordered message log of one conversation. Entries are kept
// sorted by creation time, then id, and are unique by message id.
type Timeline struct {
	conversationID string
	windowMillis   int64

	mu      sync.RWMutex
	entries []*Entry
	byID    map[string]*Entry
}

func newTimeline(conversationID string, windowMillis int64) *Timeline {
	return &Timeline{
		conversationID: conversationID,
		windowMillis:   windowMillis,
		byID:           make(map[string]*Entry),
	}
}

// ConversationID returns the conversation this timeline belongs to.
func (t *Timeline) ConversationID() string { return t.conversationID }

// Ingest applies a durable message. A known id only merges the read set. A
// message matching a provisional entry replaces it in place. Anything else
// is inserted in order.
func (t *Timeline) Ingest(m store.Message, sender store.Profile) (Entry, Outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.byID[m.ID]; ok {
		e.Message.MergeReaders(m.ReadBy)
		e.PendingReaders = slices.DeleteFunc(e.PendingReaders, e.Message.ReadByUser)
		return e.clone(), Duplicate
	}

	if e := t.matchProvisional(m); e != nil {
		t.replace(e, m, sender)
		return e.clone(), Reconciled
	}

	e := &Entry{Message: m, Sender: sender, State: Confirmed}
	t.insert(e)
	return e.clone(), Appended
}

// matchProvisional finds the oldest provisional entry with the same sender,
// conversation and content created within the reconcile window of m.
func (t *Timeline) matchProvisional(m store.Message) *Entry {
	for _, e := range t.entries {
		if e.State != Provisional {
			continue
		}
		p := e.Message
		if p.SenderID != m.SenderID || p.ConversationID != m.ConversationID || p.Content != m.Content {
			continue
		}
		if d := m.CreatedAt - p.CreatedAt; d > t.windowMillis || d < -t.windowMillis {
			continue
		}
		return e
	}
	return nil
}

func (t *Timeline) replace(e *Entry, m store.Message, sender store.Profile) {
	delete(t.byID, e.Message.ID)
	readers := e.Message.ReadBy
	e.Message = m
	e.Message.ReadBy = append([]string(nil), m.ReadBy...)
	e.Message.MergeReaders(readers)
	if sender.ID != "" {
		e.Sender = sender
	}
	e.State = Confirmed
	e.Err = ""
	t.byID[m.ID] = e
	sort.SliceStable(t.entries, func(i, j int) bool {
		return t.entries[i].Message.Before(&t.entries[j].Message)
	})
}

func (t *Timeline) insert(e *Entry) {
	i := sort.Search(len(t.entries), func(i int) bool {
		return e.Message.Before(&t.entries[i].Message)
	})
	t.entries = slices.Insert(t.entries, i, e)
	t.byID[e.Message.ID] = e
}

// AddProvisional appends a locally created message in the Provisional state.
func (t *Timeline) AddProvisional(m store.Message, sender store.Profile) Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := &Entry{Message: m, Sender: sender, State: Provisional, ProvisionalID: m.ID}
	t.insert(e)
	return e.clone()
}

// Confirm reconciles a provisional entry with the durable message returned by
// the store. If the live feed already delivered that message the provisional
// entry is dropped instead. It reports false when provisionalID is unknown.
func (t *Timeline) Confirm(provisionalID string, m store.Message) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.byID[provisionalID]
	if !ok || e.State == Confirmed {
		if done, ok := t.byID[m.ID]; ok {
			return done.clone(), true
		}
		return Entry{}, false
	}
	if dup, ok := t.byID[m.ID]; ok {
		dup.Message.MergeReaders(m.ReadBy)
		if dup.ProvisionalID == "" {
			dup.ProvisionalID = provisionalID
		}
		t.remove(e)
		return dup.clone(), true
	}
	t.replace(e, m, store.Profile{})
	return e.clone(), true
}

// MarkFailed moves a provisional entry to Failed with the given reason.
func (t *Timeline) MarkFailed(provisionalID, reason string) (Entry, bool) {
	return t.setState(provisionalID, Provisional, Failed, reason)
}

// Requeue moves a failed entry back to Provisional for a retry.
func (t *Timeline) Requeue(provisionalID string) (Entry, bool) {
	return t.setState(provisionalID, Failed, Provisional, "")
}

func (t *Timeline) setState(id string, from, to State, reason string) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byID[id]
	if !ok || e.State != from {
		return Entry{}, false
	}
	e.State = to
	e.Err = reason
	return e.clone(), true
}

func (t *Timeline) remove(e *Entry) {
	delete(t.byID, e.Message.ID)
	t.entries = slices.DeleteFunc(t.entries, func(x *Entry) bool { return x == e })
}

// Get returns the entry with the given message id.
func (t *Timeline) Get(id string) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.byID[id]
	if !ok {
		return Entry{}, false
	}
	return e.clone(), true
}

// Entries returns a snapshot of the timeline in order.
func (t *Timeline) Entries() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Entry, len(t.entries))
	for i, e := range t.entries {
		out[i] = e.clone()
	}
	return out
}

// Len returns the number of entries.
func (t *Timeline) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// LastConfirmed returns the newest entry with a durable id.
func (t *Timeline) LastConfirmed() (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for i := len(t.entries) - 1; i >= 0; i-- {
		if t.entries[i].State == Confirmed {
			return t.entries[i].clone(), true
		}
	}
	return Entry{}, false
}

// UnreadFor returns the ids of confirmed messages created at or before
// through that were sent by someone else and that userID has not read,
// counting in-flight marks as read.
func (t *Timeline) UnreadFor(userID string, through int64) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var ids []string
	for _, e := range t.entries {
		if e.Message.CreatedAt > through {
			break
		}
		if e.State != Confirmed || e.Message.SenderID == userID || e.ReadLocally(userID) {
			continue
		}
		ids = append(ids, e.Message.ID)
	}
	return ids
}

// UnreadCount counts confirmed messages from others that userID has not read.
func (t *Timeline) UnreadCount(userID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, e := range t.entries {
		if e.State == Confirmed && e.Message.SenderID != userID && !e.ReadLocally(userID) {
			n++
		}
	}
	return n
}

// MarkPendingRead records an in-flight read mark by userID on the given
// messages and returns the ids that were actually marked. Messages already
// read or already pending are skipped, which makes repeated calls no-ops.
func (t *Timeline) MarkPendingRead(userID string, ids []string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var marked []string
	for _, id := range ids {
		e, ok := t.byID[id]
		if !ok || e.ReadLocally(userID) {
			continue
		}
		e.PendingReaders = append(e.PendingReaders, userID)
		marked = append(marked, id)
	}
	return marked
}

// CommitRead turns a pending read mark into a durable reader.
func (t *Timeline) CommitRead(userID, id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byID[id]
	if !ok {
		return
	}
	e.dropPending(userID)
	e.Message.AddReader(userID)
}

// RollbackRead drops a pending read mark. The durable read set is untouched.
func (t *Timeline) RollbackRead(userID, id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.byID[id]; ok {
		e.dropPending(userID)
	}
}

func (e *Entry) dropPending(userID string) {
	e.PendingReaders = slices.DeleteFunc(e.PendingReaders, func(u string) bool { return u == userID })
}
