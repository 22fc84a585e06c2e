// Package typing tracks who is composing a message in each conversation.
// Membership is ephemeral and expires on its own.
package typing

import (
	"slices"
	"sync"
	"time"
)

// DefaultExpiry is how long a typing signal lasts without renewal.
const DefaultExpiry = 3 * time.Second

type member struct {
	timer *time.Timer
}

// Registry is a per-conversation set of typing users. Each membership owns
// one expiry timer that is replaced, never stacked, on renewal.
type Registry struct {
	expiry   time.Duration
	onChange func(conversationID string)

	mu      sync.Mutex
	members map[string]map[string]*member
}

// NewRegistry creates a registry. onChange, if set, is called outside the
// lock whenever a conversation's set changes.
func NewRegistry(expiry time.Duration, onChange func(conversationID string)) *Registry {
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	return &Registry{
		expiry:   expiry,
		onChange: onChange,
		members:  make(map[string]map[string]*member),
	}
}

// Expiry returns the membership lifetime.
func (r *Registry) Expiry() time.Duration { return r.expiry }

// SetTyping adds userID to the conversation's set and re-arms its timer, or
// removes it and cancels the timer.
func (r *Registry) SetTyping(conversationID, userID string, isTyping bool) {
	r.mu.Lock()
	users := r.members[conversationID]
	old := users[userID]
	if old != nil {
		old.timer.Stop()
	}
	changed := false
	if isTyping {
		if users == nil {
			users = make(map[string]*member)
			r.members[conversationID] = users
		}
		m := &member{}
		m.timer = time.AfterFunc(r.expiry, func() { r.expire(conversationID, userID, m) })
		users[userID] = m
		changed = old == nil
	} else if old != nil {
		r.drop(conversationID, userID)
		changed = true
	}
	r.mu.Unlock()

	if changed {
		r.notify(conversationID)
	}
}

func (r *Registry) expire(conversationID, userID string, m *member) {
	r.mu.Lock()
	// A renewal replaced m after this timer fired.
	if r.members[conversationID][userID] != m {
		r.mu.Unlock()
		return
	}
	r.drop(conversationID, userID)
	r.mu.Unlock()
	r.notify(conversationID)
}

func (r *Registry) drop(conversationID, userID string) {
	users := r.members[conversationID]
	delete(users, userID)
	if len(users) == 0 {
		delete(r.members, conversationID)
	}
}

func (r *Registry) notify(conversationID string) {
	if r.onChange != nil {
		r.onChange(conversationID)
	}
}

// Users returns the sorted ids typing in a conversation.
func (r *Registry) Users(conversationID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.members[conversationID]))
	for u := range r.members[conversationID] {
		out = append(out, u)
	}
	slices.Sort(out)
	return out
}

// IsTyping reports whether userID is in the conversation's set.
func (r *Registry) IsTyping(conversationID, userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.members[conversationID][userID]
	return ok
}

// ClearConversation cancels every timer of a conversation and empties it.
func (r *Registry) ClearConversation(conversationID string) {
	r.mu.Lock()
	users, ok := r.members[conversationID]
	for _, m := range users {
		m.timer.Stop()
	}
	delete(r.members, conversationID)
	r.mu.Unlock()
	if ok {
		r.notify(conversationID)
	}
}

// Reset clears every conversation, as after a reconnect.
func (r *Registry) Reset() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.members))
	for id, users := range r.members {
		for _, m := range users {
			m.timer.Stop()
		}
		ids = append(ids, id)
	}
	r.members = make(map[string]map[string]*member)
	r.mu.Unlock()
	for _, id := range ids {
		r.notify(id)
	}
}
