// Package outbox implements optimistic sends: a provisional message shows up
// in the timeline at once and is reconciled when the store confirms it.
package outbox

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/dmsync/internal/bus"
	"github.com/matheus3301/dmsync/internal/identity"
	"github.com/matheus3301/dmsync/internal/store"
	"github.com/matheus3301/dmsync/internal/syncerr"
	"github.com/matheus3301/dmsync/internal/timeline"
	"go.uber.org/zap"
)

// ProvisionalPrefix marks client-assigned message ids.
const ProvisionalPrefix = "tmp-"

// Writer performs the durable message insert.
type Writer interface {
	InsertMessage(ctx context.Context, m *store.Message) (*store.Message, error)
}

// Blobs stores media before the message row references it.
type Blobs interface {
	Upload(ctx context.Context, data []byte, contentType string) (string, error)
}

// Journal records the lifecycle of each send.
type Journal interface {
	RecordSend(ctx context.Context, provisionalID, conversationID, content string) error
	MarkSendConfirmed(ctx context.Context, provisionalID, messageID string) error
	MarkSendFailed(ctx context.Context, provisionalID, errMsg string) error
}

// Media is an attachment to upload with a message.
type Media struct {
	Data        []byte
	ContentType string
}

// SendResult is the payload of send ack and failure events.
type SendResult struct {
	ProvisionalID  string `json:"provisional_id"`
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id,omitempty"`
	Err            string `json:"error,omitempty"`
}

type request struct {
	conversationID string
	senderID       string
	content        string
	media          *Media
}

// Coordinator issues durable writes for optimistic sends. Failed sends stay
// visible in the timeline and are only retried on request.
type Coordinator struct {
	identity  identity.Provider
	timelines *timeline.Service
	writer    Writer
	blobs     Blobs
	journal   Journal
	bus       *bus.Bus
	logger    *zap.Logger
	now       func() time.Time

	mu          sync.Mutex
	requests    map[string]request
	onConfirmed func(timeline.Entry)
	wg          sync.WaitGroup
}

// NewCoordinator creates a send coordinator.
func NewCoordinator(id identity.Provider, timelines *timeline.Service, w Writer, blobs Blobs, journal Journal, b *bus.Bus, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		identity:  id,
		timelines: timelines,
		writer:    w,
		blobs:     blobs,
		journal:   journal,
		bus:       b,
		logger:    logger,
		now:       time.Now,
		requests:  make(map[string]request),
	}
}

// OnConfirmed registers fn to run after each successful durable write.
func (c *Coordinator) OnConfirmed(fn func(timeline.Entry)) {
	c.mu.Lock()
	c.onConfirmed = fn
	c.mu.Unlock()
}

// Send appends a provisional message to the conversation's timeline and
// writes it in the background. The returned entry carries the provisional id.
func (c *Coordinator) Send(ctx context.Context, conversationID, content string, media *Media) (timeline.Entry, error) {
	me, err := c.identity.CurrentUserID()
	if err != nil {
		return timeline.Entry{}, err
	}
	if strings.TrimSpace(content) == "" && media == nil {
		return timeline.Entry{}, syncerr.Invalid("send", "empty message")
	}
	if media != nil && len(media.Data) == 0 {
		return timeline.Entry{}, syncerr.Invalid("send", "empty media attachment")
	}

	msgType := store.MessageTypeText
	if media != nil {
		msgType = store.MessageTypeMedia
	}
	provisional := store.Message{
		ID:             ProvisionalPrefix + uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       me,
		Content:        content,
		Type:           msgType,
		CreatedAt:      c.now().UnixMilli(),
		ReadBy:         []string{me},
	}
	entry := c.timelines.Timeline(conversationID).AddProvisional(provisional, store.Profile{ID: me})

	if err := c.journal.RecordSend(ctx, provisional.ID, conversationID, content); err != nil {
		c.logger.Warn("send journal write failed", zap.String("provisional_id", provisional.ID), zap.Error(err))
	}

	req := request{conversationID: conversationID, senderID: me, content: content, media: media}
	c.mu.Lock()
	c.requests[provisional.ID] = req
	c.mu.Unlock()

	c.dispatch(ctx, provisional.ID, req)
	return entry, nil
}

// Retry re-issues the durable write of a failed send from its original
// provisional entry.
func (c *Coordinator) Retry(ctx context.Context, conversationID, provisionalID string) error {
	if _, err := c.identity.CurrentUserID(); err != nil {
		return err
	}
	c.mu.Lock()
	req, ok := c.requests[provisionalID]
	c.mu.Unlock()
	if !ok || req.conversationID != conversationID {
		return syncerr.Invalid("retry", "unknown send %q", provisionalID)
	}
	if _, ok := c.timelines.Timeline(conversationID).Requeue(provisionalID); !ok {
		return syncerr.Invalid("retry", "send %q has not failed", provisionalID)
	}
	c.dispatch(ctx, provisionalID, req)
	return nil
}

func (c *Coordinator) dispatch(ctx context.Context, provisionalID string, req request) {
	ctx = context.WithoutCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.deliver(ctx, provisionalID, req)
	}()
}

func (c *Coordinator) deliver(ctx context.Context, provisionalID string, req request) {
	msg := &store.Message{
		ConversationID: req.conversationID,
		SenderID:       req.senderID,
		Content:        req.content,
		Type:           store.MessageTypeText,
	}
	if req.media != nil {
		ref, err := c.blobs.Upload(ctx, req.media.Data, req.media.ContentType)
		if err != nil {
			c.fail(ctx, provisionalID, req, "upload media", err)
			return
		}
		msg.MediaURL = ref
		msg.Type = store.MessageTypeMedia
	}

	stored, err := c.writer.InsertMessage(ctx, msg)
	if err != nil {
		c.fail(ctx, provisionalID, req, "insert message", err)
		return
	}

	entry, _ := c.timelines.Timeline(req.conversationID).Confirm(provisionalID, *stored)
	if err := c.journal.MarkSendConfirmed(ctx, provisionalID, stored.ID); err != nil {
		c.logger.Warn("send journal update failed", zap.String("provisional_id", provisionalID), zap.Error(err))
	}

	c.mu.Lock()
	delete(c.requests, provisionalID)
	onConfirmed := c.onConfirmed
	c.mu.Unlock()

	c.logger.Info("message sent",
		zap.String("provisional_id", provisionalID),
		zap.String("msg_id", stored.ID),
		zap.String("conversation_id", req.conversationID),
	)
	c.publish(bus.KindSendAck, SendResult{
		ProvisionalID:  provisionalID,
		ConversationID: req.conversationID,
		MessageID:      stored.ID,
	})
	if onConfirmed != nil && entry.Message.ID != "" {
		onConfirmed(entry)
	}
}

func (c *Coordinator) fail(ctx context.Context, provisionalID string, req request, step string, err error) {
	reason := step + ": " + err.Error()
	c.timelines.Timeline(req.conversationID).MarkFailed(provisionalID, reason)
	if jerr := c.journal.MarkSendFailed(ctx, provisionalID, reason); jerr != nil {
		c.logger.Warn("send journal update failed", zap.String("provisional_id", provisionalID), zap.Error(jerr))
	}
	c.logger.Error("failed to send message",
		zap.String("provisional_id", provisionalID),
		zap.String("conversation_id", req.conversationID),
		zap.Error(err),
	)
	c.publish(bus.KindSendFailed, SendResult{
		ProvisionalID:  provisionalID,
		ConversationID: req.conversationID,
		Err:            reason,
	})
}

func (c *Coordinator) publish(kind string, res SendResult) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: res})
}

// Wait blocks until every in-flight durable write has finished.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Forget drops retry state, as on logout.
func (c *Coordinator) Forget() {
	c.mu.Lock()
	c.requests = make(map[string]request)
	c.mu.Unlock()
}
