package typing

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Presence joins the local registry with a broadcaster. Local keystrokes
// renew the user's membership and are re-announced at most every half
// expiry. Remote signals from other origins are applied to the registry.
type Presence struct {
	registry    *Registry
	broadcaster Broadcaster
	origin      string
	logger      *zap.Logger
	now         func() time.Time

	mu       sync.Mutex
	lastSent map[string]time.Time
}

// NewPresence creates a presence layer. A nil broadcaster keeps typing local.
func NewPresence(r *Registry, b Broadcaster, logger *zap.Logger) *Presence {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Presence{
		registry:    r,
		broadcaster: b,
		origin:      uuid.NewString(),
		logger:      logger,
		now:         time.Now,
		lastSent:    make(map[string]time.Time),
	}
}

// Registry returns the underlying registry.
func (p *Presence) Registry() *Registry { return p.registry }

// Keystroke records that userID is typing in a conversation.
func (p *Presence) Keystroke(ctx context.Context, conversationID, userID string) error {
	p.registry.SetTyping(conversationID, userID, true)

	key := conversationID + "\x00" + userID
	now := p.now()
	p.mu.Lock()
	last, ok := p.lastSent[key]
	due := !ok || now.Sub(last) >= p.registry.Expiry()/2
	if due {
		p.lastSent[key] = now
	}
	p.mu.Unlock()
	if !due {
		return nil
	}
	return p.broadcast(ctx, Signal{ConversationID: conversationID, UserID: userID, Typing: true})
}

// StopTyping clears userID's membership and announces it.
func (p *Presence) StopTyping(ctx context.Context, conversationID, userID string) error {
	wasTyping := p.registry.IsTyping(conversationID, userID)
	p.registry.SetTyping(conversationID, userID, false)
	p.mu.Lock()
	delete(p.lastSent, conversationID+"\x00"+userID)
	p.mu.Unlock()
	if !wasTyping {
		return nil
	}
	return p.broadcast(ctx, Signal{ConversationID: conversationID, UserID: userID, Typing: false})
}

func (p *Presence) broadcast(ctx context.Context, s Signal) error {
	if p.broadcaster == nil {
		return nil
	}
	s.Origin = p.origin
	if err := p.broadcaster.Broadcast(ctx, s); err != nil {
		p.logger.Warn("typing broadcast failed", zap.String("conversation_id", s.ConversationID), zap.Error(err))
		return err
	}
	return nil
}

// Run applies remote signals until ctx is done.
func (p *Presence) Run(ctx context.Context) error {
	if p.broadcaster == nil {
		<-ctx.Done()
		return nil
	}
	return p.broadcaster.Listen(ctx, func(s Signal) {
		if s.Origin == p.origin {
			return
		}
		p.registry.SetTyping(s.ConversationID, s.UserID, s.Typing)
	})
}

// Forget clears local rebroadcast state and the registry for a conversation.
func (p *Presence) Forget(conversationID string) {
	p.registry.ClearConversation(conversationID)
	p.mu.Lock()
	for key := range p.lastSent {
		if strings.HasPrefix(key, conversationID+"\x00") {
			delete(p.lastSent, key)
		}
	}
	p.mu.Unlock()
}
