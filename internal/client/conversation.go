package client

import (
	"context"

	"github.com/matheus3301/dmsync/internal/directory"
	"github.com/matheus3301/dmsync/internal/outbox"
	"github.com/matheus3301/dmsync/internal/receipt"
	"github.com/matheus3301/dmsync/internal/store"
	"github.com/matheus3301/dmsync/internal/syncerr"
	"github.com/matheus3301/dmsync/internal/timeline"
	"github.com/matheus3301/dmsync/internal/typing"
	"go.uber.org/zap"
)

// Open makes conversationID the viewed conversation. The previous one's live
// feed and typing timers are released first. The live feed is opened before
// the history is loaded, then everything through the newest message is
// marked read.
func (c *Client) Open(ctx context.Context, conversationID string) ([]timeline.Entry, error) {
	if _, err := c.identity.CurrentUserID(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	prev := c.active
	c.active = conversationID
	c.mu.Unlock()

	if prev != "" && prev != conversationID {
		c.release(prev)
	}

	if _, err := c.timelines.Open(ctx, c.sessionContext(), conversationID, c.onAppend); err != nil {
		return nil, err
	}
	if res, err := c.receipts.MarkAllRead(ctx, conversationID); err != nil {
		c.logger.Warn("mark read on open failed", zap.String("conversation_id", conversationID), zap.Error(err))
	} else {
		c.recount(ctx, conversationID, res)
	}
	return c.timelines.Entries(conversationID), nil
}

// CloseConversation releases the viewed conversation, if any.
func (c *Client) CloseConversation() {
	c.mu.Lock()
	prev := c.active
	c.active = ""
	c.mu.Unlock()
	if prev != "" {
		c.release(prev)
	}
}

func (c *Client) release(conversationID string) {
	c.timelines.Unsubscribe(conversationID)
	c.presence.Forget(conversationID)
}

// onAppend handles a live message on the open conversation. It runs on the
// feed's goroutine.
func (c *Client) onAppend(entry timeline.Entry, _ timeline.Outcome) {
	me, err := c.identity.CurrentUserID()
	if err != nil {
		return
	}
	m := entry.Message
	c.directory.ApplyMessage(m, me)
	if m.SenderID == me {
		return
	}
	// A message ends its sender's typing signal.
	c.presence.Registry().SetTyping(m.ConversationID, m.SenderID, false)

	if c.ActiveConversation() != m.ConversationID {
		return
	}
	ctx := c.sessionContext()
	res, err := c.receipts.MarkRead(ctx, m.ConversationID, m.ID)
	if err != nil {
		c.logger.Warn("implicit mark read failed", zap.String("msg_id", m.ID), zap.Error(err))
		return
	}
	c.recount(ctx, m.ConversationID, res)
}

func (c *Client) onSendConfirmed(entry timeline.Entry) {
	me, err := c.identity.CurrentUserID()
	if err != nil {
		return
	}
	c.directory.ApplyMessage(entry.Message, me)
}

// recount refreshes the directory's unread count after a read mark.
func (c *Client) recount(ctx context.Context, conversationID string, res receipt.Result) {
	me, err := c.identity.CurrentUserID()
	if err != nil {
		return
	}
	n, err := c.receipts.UnreadCount(ctx, conversationID, me)
	if err != nil {
		c.logger.Warn("unread recount failed", zap.String("conversation_id", conversationID), zap.Error(err))
		return
	}
	c.directory.SetUnread(conversationID, n, res.LastReadAt)
}

// MarkRead marks a conversation read through a message.
func (c *Client) MarkRead(ctx context.Context, conversationID, throughMessageID string) (receipt.Result, error) {
	res, err := c.receipts.MarkRead(ctx, conversationID, throughMessageID)
	if res.Marked > 0 || err == nil {
		c.recount(ctx, conversationID, res)
	}
	return res, err
}

// Send sends a message optimistically and ends the caller's typing signal.
func (c *Client) Send(ctx context.Context, conversationID, content string, media *outbox.Media) (timeline.Entry, error) {
	entry, err := c.outbox.Send(ctx, conversationID, content, media)
	if err != nil {
		return entry, err
	}
	if err := c.presence.StopTyping(ctx, conversationID, entry.Message.SenderID); err != nil {
		c.logger.Debug("stop typing after send failed", zap.Error(err))
	}
	return entry, nil
}

// Retry re-sends a failed message.
func (c *Client) Retry(ctx context.Context, conversationID, provisionalID string) error {
	return c.outbox.Retry(ctx, conversationID, provisionalID)
}

// WaitSends blocks until in-flight sends have settled.
func (c *Client) WaitSends() { c.outbox.Wait() }

// Keystroke signals that the current user is typing.
func (c *Client) Keystroke(ctx context.Context, conversationID string) error {
	me, err := c.identity.CurrentUserID()
	if err != nil {
		return err
	}
	return c.presence.Keystroke(ctx, conversationID, me)
}

// StopTyping clears the current user's typing signal.
func (c *Client) StopTyping(ctx context.Context, conversationID string) error {
	me, err := c.identity.CurrentUserID()
	if err != nil {
		return err
	}
	return c.presence.StopTyping(ctx, conversationID, me)
}

// Typing returns the ids typing in a conversation, excluding the caller.
func (c *Client) Typing(conversationID string) []string {
	me, _ := c.identity.CurrentUserID()
	return typing.Others(c.presence.Registry().Users(conversationID), me)
}

// TypingText renders the typing indicator of a conversation.
func (c *Client) TypingText(ctx context.Context, conversationID string) string {
	ids := c.Typing(conversationID)
	names := make([]string, 0, len(ids))
	for _, id := range ids {
		p, err := c.profiles.Resolve(ctx, id)
		if err != nil {
			names = append(names, id)
			continue
		}
		names = append(names, p.Name())
	}
	return typing.Text(names)
}

func (c *Client) typingChanged(conversationID string) {
	c.logger.Debug("typing set changed", zap.String("conversation_id", conversationID))
}

// Conversations lists the directory.
func (c *Client) Conversations() []directory.Conversation {
	return c.directory.List()
}

// Conversation returns one directory entry.
func (c *Client) Conversation(id string) (directory.Conversation, bool) {
	return c.directory.Get(id)
}

// DisplayName names a conversation for the current user.
func (c *Client) DisplayName(conv directory.Conversation) string {
	me, _ := c.identity.CurrentUserID()
	return directory.DisplayName(conv, me)
}

// Members returns the participants of a conversation.
func (c *Client) Members(conversationID string) ([]store.Profile, error) {
	conv, ok := c.directory.Get(conversationID)
	if !ok {
		return nil, syncerr.Invalid("members", "unknown conversation %q", conversationID)
	}
	return conv.Participants, nil
}

// CreateConversation starts a conversation with participantIDs.
func (c *Client) CreateConversation(ctx context.Context, participantIDs []string, name string) (string, error) {
	return c.directory.CreateConversation(ctx, participantIDs, name)
}

// AddParticipant adds a member to a group.
func (c *Client) AddParticipant(ctx context.Context, conversationID, userID string) error {
	return c.directory.AddParticipant(ctx, conversationID, userID)
}

// RemoveParticipant removes a member from a group.
func (c *Client) RemoveParticipant(ctx context.Context, conversationID, userID string) error {
	return c.directory.RemoveParticipant(ctx, conversationID, userID)
}

// Messages returns the loaded timeline of a conversation.
func (c *Client) Messages(conversationID string) []timeline.Entry {
	return c.timelines.Entries(conversationID)
}

// Search filters the loaded timeline of a conversation.
func (c *Client) Search(conversationID, query string) []timeline.Entry {
	return c.timelines.Search(conversationID, query)
}
