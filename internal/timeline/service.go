// Package timeline keeps the ordered message log of each open conversation,
// merging history pages, live inserts and optimistic local sends.
package timeline

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/matheus3301/dmsync/internal/identity"
	"github.com/matheus3301/dmsync/internal/profile"
	"github.com/matheus3301/dmsync/internal/store"
	"github.com/matheus3301/dmsync/internal/syncerr"
	"go.uber.org/zap"
)

// DefaultReconcileWindow bounds how far apart a provisional message and its
// durable counterpart may be created and still be matched.
const DefaultReconcileWindow = 10 * time.Second

// History loads stored messages of a conversation in ascending order.
type History interface {
	ListMessages(ctx context.Context, conversationID string) ([]store.Message, error)
}

// Feed opens a live feed of messages inserted into a conversation.
type Feed interface {
	SubscribeInserts(conversationID string) (<-chan store.Message, func())
}

// AppendHandler is called for every live message that changed a timeline,
// in feed order. Duplicates are not reported.
type AppendHandler func(entry Entry, outcome Outcome)

type subscription struct {
	cancel func()
	done   chan struct{}
}

// Service owns the timelines of a session.
type Service struct {
	history  History
	feed     Feed
	profiles *profile.Cache
	identity identity.Provider
	logger   *zap.Logger
	window   time.Duration

	mu        sync.Mutex
	timelines map[string]*Timeline
	subs      map[string]*subscription
}

// NewService creates a timeline service. A non-positive window selects
// DefaultReconcileWindow.
func NewService(history History, feed Feed, profiles *profile.Cache, id identity.Provider, window time.Duration, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if window <= 0 {
		window = DefaultReconcileWindow
	}
	return &Service{
		history:   history,
		feed:      feed,
		profiles:  profiles,
		identity:  id,
		logger:    logger,
		window:    window,
		timelines: make(map[string]*Timeline),
		subs:      make(map[string]*subscription),
	}
}

// Timeline returns the in-memory timeline of a conversation, creating an
// empty one if needed.
func (s *Service) Timeline(conversationID string) *Timeline {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.timelines[conversationID]
	if !ok {
		t = newTimeline(conversationID, s.window.Milliseconds())
		s.timelines[conversationID] = t
	}
	return t
}

// Lookup returns the timeline of a conversation if one exists.
func (s *Service) Lookup(conversationID string) (*Timeline, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.timelines[conversationID]
	return t, ok
}

// sender resolves a profile, falling back to a bare id. Profile failures
// never fail a load.
func (s *Service) sender(ctx context.Context, id string) store.Profile {
	p, err := s.profiles.Resolve(ctx, id)
	if err != nil {
		s.logger.Warn("sender profile unavailable", zap.String("user_id", id), zap.Error(err))
		return store.Profile{ID: id}
	}
	return p
}

// Load fetches the stored history of a conversation and merges it into the
// local timeline. Local provisional and failed entries are kept, known
// messages only gain readers.
func (s *Service) Load(ctx context.Context, conversationID string) ([]Entry, error) {
	if _, err := s.identity.CurrentUserID(); err != nil {
		return nil, err
	}
	msgs, err := s.history.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, syncerr.E(syncerr.Transient, "load timeline", err)
	}
	t := s.Timeline(conversationID)
	for _, m := range msgs {
		t.Ingest(m, s.sender(ctx, m.SenderID))
	}
	s.logger.Debug("timeline loaded",
		zap.String("conversation_id", conversationID),
		zap.Int("messages", len(msgs)),
	)
	return t.Entries(), nil
}

// Open subscribes to the live feed of a conversation and then loads its
// history, so nothing inserted while the history is read is missed. The
// feed lives on live; ctx bounds the load only. A failed load releases the
// feed again.
func (s *Service) Open(ctx, live context.Context, conversationID string, handler AppendHandler) ([]Entry, error) {
	if err := s.Subscribe(live, conversationID, handler); err != nil {
		return nil, err
	}
	entries, err := s.Load(ctx, conversationID)
	if err != nil {
		s.Unsubscribe(conversationID)
		return nil, err
	}
	return entries, nil
}

// Subscribe opens the live feed of a conversation. Each message is ingested
// and, unless it was a duplicate, passed to handler. Subscribing again
// replaces the previous subscription. The feed closes itself once the
// identity provider reports the session gone.
func (s *Service) Subscribe(ctx context.Context, conversationID string, handler AppendHandler) error {
	if _, err := s.identity.CurrentUserID(); err != nil {
		return err
	}
	s.Unsubscribe(conversationID)

	t := s.Timeline(conversationID)
	ctx, stop := context.WithCancel(ctx)
	ch, cancel := s.feed.SubscribeInserts(conversationID)
	cancelFeed := sync.OnceFunc(cancel)
	sub := &subscription{done: make(chan struct{})}
	sub.cancel = func() {
		stop()
		cancelFeed()
	}

	s.mu.Lock()
	s.subs[conversationID] = sub
	s.mu.Unlock()

	go func() {
		defer close(sub.done)
		for {
			select {
			case m, ok := <-ch:
				if !ok {
					return
				}
				if _, err := s.identity.CurrentUserID(); syncerr.IsUnauthenticated(err) {
					s.logger.Info("session gone, closing live feed", zap.String("conversation_id", conversationID))
					s.mu.Lock()
					if s.subs[conversationID] == sub {
						delete(s.subs, conversationID)
					}
					s.mu.Unlock()
					sub.cancel()
					return
				}
				entry, outcome := t.Ingest(m, s.sender(ctx, m.SenderID))
				if outcome == Duplicate {
					s.logger.Debug("duplicate delivery ignored", zap.String("msg_id", m.ID))
					continue
				}
				if handler != nil {
					handler(entry, outcome)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Unsubscribe releases the live feed of a conversation and waits until no
// more handler calls can happen. It must not be called from a handler.
func (s *Service) Unsubscribe(conversationID string) {
	s.mu.Lock()
	sub, ok := s.subs[conversationID]
	delete(s.subs, conversationID)
	s.mu.Unlock()
	if !ok {
		return
	}
	sub.cancel()
	<-sub.done
}

// Subscribed reports whether a live feed is open for the conversation.
func (s *Service) Subscribed(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subs[conversationID]
	return ok
}

// Reset closes every subscription and drops all timelines.
func (s *Service) Reset() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.Unsubscribe(id)
	}
	s.mu.Lock()
	s.timelines = make(map[string]*Timeline)
	s.mu.Unlock()
}

// Entries returns a snapshot of a conversation's timeline.
func (s *Service) Entries(conversationID string) []Entry {
	t, ok := s.Lookup(conversationID)
	if !ok {
		return nil
	}
	return t.Entries()
}

// Search returns the loaded entries whose content contains query, ignoring
// case. The timeline is not modified.
func (s *Service) Search(conversationID, query string) []Entry {
	return Filter(s.Entries(conversationID), query)
}

// Filter is the pure form of Search.
func Filter(entries []Entry, query string) []Entry {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return entries
	}
	var out []Entry
	for _, e := range entries {
		if strings.Contains(strings.ToLower(e.Message.Content), q) {
			out = append(out, e)
		}
	}
	return out
}
