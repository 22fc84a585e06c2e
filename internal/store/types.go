package store

import (
	"errors"
	"slices"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Message types.
const (
	MessageTypeText  = "text"
	MessageTypeMedia = "media"
)

// Profile is a user identity record.
type Profile struct {
	ID          string
	Username    string
	DisplayName string
	AvatarURL   string
	LastSeenAt  int64
}

// Name returns the display name, falling back to the username and then the id.
func (p Profile) Name() string {
	switch {
	case p.DisplayName != "":
		return p.DisplayName
	case p.Username != "":
		return p.Username
	default:
		return p.ID
	}
}

// Conversation is a conversation row. Participants are stored separately.
type Conversation struct {
	ID            string
	Name          string
	IsGroup       bool
	LastMessageID string
	CreatedAt     int64
	UpdatedAt     int64
}

// Participant is a membership row with the member's last-read pointer.
type Participant struct {
	ConversationID    string
	UserID            string
	LastReadAt        int64
	LastReadMessageID string
}

// Message is a durable message. ReadBy is kept sorted.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Content        string
	MediaURL       string
	Type           string
	CreatedAt      int64
	ReadBy         []string
}

// ReadByUser reports whether userID is in the read set.
func (m *Message) ReadByUser(userID string) bool {
	_, found := slices.BinarySearch(m.ReadBy, userID)
	return found
}

// AddReader adds userID to the read set. It reports whether the set grew.
func (m *Message) AddReader(userID string) bool {
	i, found := slices.BinarySearch(m.ReadBy, userID)
	if found {
		return false
	}
	m.ReadBy = slices.Insert(m.ReadBy, i, userID)
	return true
}

// MergeReaders unions other into the read set.
func (m *Message) MergeReaders(other []string) {
	for _, u := range other {
		m.AddReader(u)
	}
}

// Before reports whether m sorts before o: by creation time, then id.
func (m *Message) Before(o *Message) bool {
	if m.CreatedAt != o.CreatedAt {
		return m.CreatedAt < o.CreatedAt
	}
	return m.ID < o.ID
}

// JournalEntry records the lifecycle of one optimistic send.
type JournalEntry struct {
	ProvisionalID  string
	ConversationID string
	Content        string
	Status         string // provisional, confirmed, failed
	ErrorMessage   string
	MessageID      string
}
