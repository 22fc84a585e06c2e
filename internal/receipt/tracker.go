// Package receipt propagates read state: per-message read sets and the
// per-member last-read pointer that unread counts are derived from.
package receipt

import (
	"context"
	"errors"
	"fmt"

	"github.com/matheus3301/dmsync/internal/identity"
	"github.com/matheus3301/dmsync/internal/store"
	"github.com/matheus3301/dmsync/internal/syncerr"
	"github.com/matheus3301/dmsync/internal/timeline"
	"go.uber.org/zap"
)

// Store is the persistence the tracker needs.
type Store interface {
	GetMessage(ctx context.Context, id string) (*store.Message, error)
	UnreadMessagesThrough(ctx context.Context, conversationID, userID string, through int64) ([]store.Message, error)
	AddReader(ctx context.Context, messageID, userID string) error
	AdvanceLastRead(ctx context.Context, conversationID, userID string, at int64, messageID string) error
	CountUnread(ctx context.Context, conversationID, userID string) (int, error)
}

// Tracker marks messages read, locally first and then durably.
type Tracker struct {
	store     Store
	timelines *timeline.Service
	identity  identity.Provider
	logger    *zap.Logger
}

// NewTracker creates a read receipt tracker.
func NewTracker(s Store, timelines *timeline.Service, id identity.Provider, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{store: s, timelines: timelines, identity: id, logger: logger}
}

// Result summarizes one MarkRead call.
type Result struct {
	Marked int
	Failed int
	// LastReadAt is the target's timestamp once the pointer was advanced,
	// zero otherwise.
	LastReadAt int64
}

func (t *Tracker) target(ctx context.Context, tl *timeline.Timeline, conversationID, messageID string) (store.Message, error) {
	if tl != nil {
		if e, ok := tl.Get(messageID); ok && e.State == timeline.Confirmed {
			return e.Message, nil
		}
	}
	m, err := t.store.GetMessage(ctx, messageID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Message{}, syncerr.Invalid("mark read", "message %q not found", messageID)
	}
	if err != nil {
		return store.Message{}, syncerr.E(syncerr.Transient, "mark read", err)
	}
	if m.ConversationID != conversationID {
		return store.Message{}, syncerr.Invalid("mark read", "message %q is not in conversation %q", messageID, conversationID)
	}
	return *m, nil
}

// MarkRead marks as read by the current user every message of the
// conversation created at or before throughMessageID that someone else sent
// and the user has not read yet. The local timeline reflects the marks at
// once; each mark is then written to the store. Marks that fail to persist
// are rolled back and reported as a retryable error. The last-read pointer
// only advances when every mark was persisted. Repeating a call, or calling
// with an earlier target, is a no-op.
func (t *Tracker) MarkRead(ctx context.Context, conversationID, throughMessageID string) (Result, error) {
	me, err := t.identity.CurrentUserID()
	if err != nil {
		return Result{}, err
	}
	tl, _ := t.timelines.Lookup(conversationID)

	target, err := t.target(ctx, tl, conversationID, throughMessageID)
	if err != nil {
		return Result{}, err
	}

	stored, err := t.store.UnreadMessagesThrough(ctx, conversationID, me, target.CreatedAt)
	if err != nil {
		return Result{}, syncerr.E(syncerr.Transient, "mark read", err)
	}
	seen := make(map[string]bool)
	var ids []string
	add := func(id string) {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	var local []string
	if tl != nil {
		local = tl.UnreadFor(me, target.CreatedAt)
	}
	for _, id := range local {
		add(id)
	}
	for _, m := range stored {
		add(m.ID)
	}

	optimistic := make(map[string]bool)
	if tl != nil {
		for _, id := range tl.MarkPendingRead(me, ids) {
			optimistic[id] = true
		}
	}

	var res Result
	var errs []error
	for _, id := range ids {
		if err := t.store.AddReader(ctx, id, me); err != nil {
			res.Failed++
			errs = append(errs, fmt.Errorf("message %s: %w", id, err))
			if tl != nil && optimistic[id] {
				tl.RollbackRead(me, id)
			}
			t.logger.Warn("read mark rolled back",
				zap.String("conversation_id", conversationID),
				zap.String("msg_id", id),
				zap.Error(err),
			)
			continue
		}
		res.Marked++
		if tl != nil {
			tl.CommitRead(me, id)
		}
	}
	if len(errs) > 0 {
		return res, syncerr.E(syncerr.Transient, "mark read", errors.Join(errs...))
	}

	if err := t.store.AdvanceLastRead(ctx, conversationID, me, target.CreatedAt, target.ID); err != nil {
		return res, syncerr.E(syncerr.Transient, "advance last read", err)
	}
	res.LastReadAt = target.CreatedAt
	if res.Marked > 0 {
		t.logger.Debug("messages marked read",
			zap.String("conversation_id", conversationID),
			zap.String("through", target.ID),
			zap.Int("count", res.Marked),
		)
	}
	return res, nil
}

// MarkAllRead marks the conversation read through its newest loaded message.
// It is a no-op when nothing is loaded.
func (t *Tracker) MarkAllRead(ctx context.Context, conversationID string) (Result, error) {
	tl, ok := t.timelines.Lookup(conversationID)
	if !ok {
		return Result{}, nil
	}
	last, ok := tl.LastConfirmed()
	if !ok {
		return Result{}, nil
	}
	return t.MarkRead(ctx, conversationID, last.Message.ID)
}

// UnreadCount returns how many messages of the conversation userID has not
// read, counted after the user's last-read pointer.
func (t *Tracker) UnreadCount(ctx context.Context, conversationID, userID string) (int, error) {
	n, err := t.store.CountUnread(ctx, conversationID, userID)
	if err != nil {
		return 0, syncerr.E(syncerr.Transient, "count unread", err)
	}
	return max(n, 0), nil
}
