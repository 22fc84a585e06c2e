// Package directory maintains the ordered list of conversations visible to
// the current user, with participants, last message and unread count.
package directory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/dmsync/internal/bus"
	"github.com/matheus3301/dmsync/internal/identity"
	"github.com/matheus3301/dmsync/internal/profile"
	"github.com/matheus3301/dmsync/internal/store"
	"github.com/matheus3301/dmsync/internal/syncerr"
	"go.uber.org/zap"
)

// Store is the persistence the directory reads and writes.
type Store interface {
	ConversationIDsForUser(ctx context.Context, userID string) ([]string, error)
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	ParticipantIDs(ctx context.Context, conversationID string) ([]string, error)
	GetParticipant(ctx context.Context, conversationID, userID string) (*store.Participant, error)
	GetMessage(ctx context.Context, id string) (*store.Message, error)
	CreateConversation(ctx context.Context, name string, isGroup bool, participantIDs []string) (*store.Conversation, error)
	FindDirectConversation(ctx context.Context, a, b string) (string, error)
	AddParticipant(ctx context.Context, conversationID, userID string) error
	RemoveParticipant(ctx context.Context, conversationID, userID string) error
}

// Unreads derives unread counts.
type Unreads interface {
	UnreadCount(ctx context.Context, conversationID, userID string) (int, error)
}

// Conversation is a directory entry.
type Conversation struct {
	store.Conversation
	Participants []store.Profile
	LastMessage  *store.Message
	UnreadCount  int
	// LastReadAt is the current user's last-read pointer.
	LastReadAt int64
}

func (c Conversation) clone() Conversation {
	out := c
	out.Participants = slices.Clone(c.Participants)
	if c.LastMessage != nil {
		m := *c.LastMessage
		m.ReadBy = slices.Clone(c.LastMessage.ReadBy)
		out.LastMessage = &m
	}
	return out
}

// entry pairs a conversation with the logical time of its last local change.
type entry struct {
	conv Conversation
	seq  uint64
}

// Directory is the conversation list of one session. Refresh is a full
// reconciliation pass. Live changes applied while a refresh is in flight win
// over the refresh's aggregates.
type Directory struct {
	store    Store
	profiles *profile.Cache
	unreads  Unreads
	identity identity.Provider
	bus      *bus.Bus
	logger   *zap.Logger

	refreshMu sync.Mutex

	mu      sync.RWMutex
	seq     uint64
	entries map[string]*entry
}

// New creates an empty directory.
func New(s Store, profiles *profile.Cache, unreads Unreads, id identity.Provider, b *bus.Bus, logger *zap.Logger) *Directory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Directory{
		store:    s,
		profiles: profiles,
		unreads:  unreads,
		identity: id,
		bus:      b,
		logger:   logger,
		entries:  make(map[string]*entry),
	}
}

// Refresh re-fetches every conversation of the current user. A conversation
// that fails to load keeps its previous entry and the failure is returned as
// a retryable error once the pass is done.
func (d *Directory) Refresh(ctx context.Context) error {
	d.refreshMu.Lock()
	defer d.refreshMu.Unlock()
	return d.refresh(ctx)
}

// TryRefresh refreshes unless a refresh is already in flight, in which case
// it returns false immediately.
func (d *Directory) TryRefresh(ctx context.Context) (bool, error) {
	if !d.refreshMu.TryLock() {
		return false, nil
	}
	defer d.refreshMu.Unlock()
	return true, d.refresh(ctx)
}

func (d *Directory) refresh(ctx context.Context) error {
	me, err := d.identity.CurrentUserID()
	if err != nil {
		return err
	}
	start := time.Now()

	d.mu.Lock()
	startSeq := d.seq
	d.mu.Unlock()

	ids, err := d.store.ConversationIDsForUser(ctx, me)
	if err != nil {
		return syncerr.E(syncerr.Transient, "refresh directory", err)
	}

	loaded := make(map[string]Conversation, len(ids))
	var errs []error
	for _, id := range ids {
		c, err := d.load(ctx, id, me)
		if err != nil {
			d.logger.Warn("conversation refresh failed", zap.String("conversation_id", id), zap.Error(err))
			errs = append(errs, fmt.Errorf("conversation %s: %w", id, err))
			continue
		}
		loaded[id] = c
	}

	failed := make(map[string]bool, len(errs))
	for _, id := range ids {
		if _, ok := loaded[id]; !ok {
			failed[id] = true
		}
	}
	d.merge(loaded, failed, startSeq)

	d.logger.Debug("directory refreshed",
		zap.Int("conversations", len(ids)),
		zap.Int("failed", len(errs)),
		zap.Duration("took", time.Since(start)),
	)
	if d.bus != nil {
		d.bus.Publish(bus.Event{Kind: bus.KindDirectory, Timestamp: time.Now(), Payload: len(loaded)})
	}
	if len(errs) > 0 {
		return syncerr.E(syncerr.Transient, "refresh directory", errors.Join(errs...))
	}
	return nil
}

// load fetches one conversation. Profile lookups that fail fall back to a
// bare id so that one missing profile does not hide the conversation.
func (d *Directory) load(ctx context.Context, id, me string) (Conversation, error) {
	conv, err := d.store.GetConversation(ctx, id)
	if err != nil {
		return Conversation{}, err
	}
	memberIDs, err := d.store.ParticipantIDs(ctx, id)
	if err != nil {
		return Conversation{}, fmt.Errorf("participants: %w", err)
	}
	c := Conversation{Conversation: *conv}
	for _, uid := range memberIDs {
		p, err := d.profiles.Resolve(ctx, uid)
		if err != nil {
			d.logger.Warn("participant profile unavailable", zap.String("user_id", uid), zap.Error(err))
			p = store.Profile{ID: uid}
		}
		c.Participants = append(c.Participants, p)
	}
	if conv.LastMessageID != "" {
		m, err := d.store.GetMessage(ctx, conv.LastMessageID)
		if err != nil {
			return Conversation{}, fmt.Errorf("last message: %w", err)
		}
		c.LastMessage = m
	}
	part, err := d.store.GetParticipant(ctx, id, me)
	if err != nil {
		return Conversation{}, fmt.Errorf("membership: %w", err)
	}
	c.LastReadAt = part.LastReadAt
	if c.UnreadCount, err = d.unreads.UnreadCount(ctx, id, me); err != nil {
		return Conversation{}, err
	}
	return c, nil
}

// merge applies a refresh result. Entries changed locally since the refresh
// started keep their newer last message and update time. Unread counts only
// drop when the last-read pointer moved forward.
func (d *Directory) merge(loaded map[string]Conversation, failed map[string]bool, startSeq uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for id, e := range d.entries {
		if _, ok := loaded[id]; ok || failed[id] {
			continue
		}
		// Gone from the membership list, unless it was added locally meanwhile.
		if e.seq <= startSeq {
			delete(d.entries, id)
		}
	}

	for id, fresh := range loaded {
		old, ok := d.entries[id]
		if !ok {
			d.seq++
			d.entries[id] = &entry{conv: fresh, seq: d.seq}
			continue
		}
		merged := fresh
		cur := old.conv
		if fresh.LastReadAt <= cur.LastReadAt {
			merged.UnreadCount = max(fresh.UnreadCount, cur.UnreadCount)
			merged.LastReadAt = cur.LastReadAt
		}
		if old.seq > startSeq {
			merged.UpdatedAt = max(fresh.UpdatedAt, cur.UpdatedAt)
			if cur.LastMessage != nil && (merged.LastMessage == nil || merged.LastMessage.Before(cur.LastMessage)) {
				merged.LastMessage = cur.LastMessage
				merged.LastMessageID = cur.LastMessage.ID
			}
		}
		old.conv = merged
	}
}

// List returns the conversations, most recently active first, ties broken
// by id.
func (d *Directory) List() []Conversation {
	d.mu.RLock()
	out := make([]Conversation, 0, len(d.entries))
	for _, e := range d.entries {
		out = append(out, e.conv.clone())
	}
	d.mu.RUnlock()
	SortConversations(out)
	return out
}

// SortConversations orders by UpdatedAt descending, then id ascending.
func SortConversations(cs []Conversation) {
	slices.SortFunc(cs, func(a, b Conversation) int {
		if a.UpdatedAt != b.UpdatedAt {
			if a.UpdatedAt > b.UpdatedAt {
				return -1
			}
			return 1
		}
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
}

// Get returns one conversation.
func (d *Directory) Get(id string) (Conversation, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.entries[id]
	if !ok {
		return Conversation{}, false
	}
	return e.conv.clone(), true
}

// ApplyMessage records a live message: it bumps the conversation's update
// time and last message and, for an unread message from someone else,
// increments the unread count. A message that is not newer than the current
// last message changes nothing.
func (d *Directory) ApplyMessage(m store.Message, me string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[m.ConversationID]
	if !ok {
		return
	}
	c := &e.conv
	if c.LastMessage != nil && (c.LastMessage.ID == m.ID || !c.LastMessage.Before(&m)) {
		return
	}
	msg := m
	msg.ReadBy = slices.Clone(m.ReadBy)
	c.LastMessage = &msg
	c.LastMessageID = m.ID
	c.UpdatedAt = max(c.UpdatedAt, m.CreatedAt)
	if m.SenderID != me && !m.ReadByUser(me) && m.CreatedAt > c.LastReadAt {
		c.UnreadCount++
	}
	d.seq++
	e.seq = d.seq
}

// SetUnread records a recount after a read mark. lastReadAt never moves back.
func (d *Directory) SetUnread(conversationID string, n int, lastReadAt int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[conversationID]
	if !ok {
		return
	}
	e.conv.UnreadCount = max(n, 0)
	e.conv.LastReadAt = max(e.conv.LastReadAt, lastReadAt)
	d.seq++
	e.seq = d.seq
}

// Reset drops every entry, as on logout.
func (d *Directory) Reset() {
	d.mu.Lock()
	d.entries = make(map[string]*entry)
	d.mu.Unlock()
}

// Len returns the number of conversations.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}
