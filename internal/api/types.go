package api

import (
	"github.com/matheus3301/dmsync/internal/directory"
	"github.com/matheus3301/dmsync/internal/outbox"
	"github.com/matheus3301/dmsync/internal/status"
	"github.com/matheus3301/dmsync/internal/store"
	"github.com/matheus3301/dmsync/internal/timeline"
	"github.com/matheus3301/dmsync/internal/typing"
)

// StatusReply describes the daemon and its session.
type StatusReply struct {
	Session       string `json:"session"`
	State         string `json:"state"`
	SinceMs       int64  `json:"since_ms"`
	UptimeMs      int64  `json:"uptime_ms"`
	UserID        string `json:"user_id,omitempty"`
	Conversations int64  `json:"conversations"`
	Messages      int64  `json:"messages"`
}

type LoginRequest struct {
	Token string `json:"token"`
}

type LoginReply struct {
	UserID string `json:"user_id"`
}

type ConversationRequest struct {
	ConversationID string `json:"conversation_id"`
}

type CreateRequest struct {
	ParticipantIDs []string `json:"participant_ids"`
	Name           string   `json:"name,omitempty"`
}

type CreateReply struct {
	ConversationID string `json:"conversation_id"`
}

type ParticipantRequest struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
}

type SendRequest struct {
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
	Media          []byte `json:"media,omitempty"`
	ContentType    string `json:"content_type,omitempty"`
}

type RetryRequest struct {
	ConversationID string `json:"conversation_id"`
	ProvisionalID  string `json:"provisional_id"`
}

// MarkReadRequest marks a conversation read through MessageID, or through
// the newest loaded message when MessageID is empty.
type MarkReadRequest struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id,omitempty"`
}

type MarkReadReply struct {
	Marked     int   `json:"marked"`
	Failed     int   `json:"failed"`
	LastReadAt int64 `json:"last_read_at"`
}

type TypingRequest struct {
	ConversationID string `json:"conversation_id"`
	Typing         bool   `json:"typing"`
}

type TypingReply struct {
	Users []string `json:"users"`
	Text  string   `json:"text"`
}

type SearchRequest struct {
	ConversationID string `json:"conversation_id"`
	Query          string `json:"query"`
}

// WatchRequest filters the event stream by kind prefix. Empty means all.
type WatchRequest struct {
	Prefix string `json:"prefix,omitempty"`
}

type ProfileView struct {
	ID          string `json:"id"`
	Username    string `json:"username,omitempty"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

type MessageView struct {
	ID             string   `json:"id"`
	ConversationID string   `json:"conversation_id"`
	SenderID       string   `json:"sender_id"`
	SenderName     string   `json:"sender_name,omitempty"`
	Content        string   `json:"content"`
	MediaURL       string   `json:"media_url,omitempty"`
	Type           string   `json:"type"`
	CreatedAt      int64    `json:"created_at"`
	ReadBy         []string `json:"read_by,omitempty"`
	State          string   `json:"state,omitempty"`
	ProvisionalID  string   `json:"provisional_id,omitempty"`
	Error          string   `json:"error,omitempty"`
}

type ConversationView struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	IsGroup      bool          `json:"is_group"`
	Participants []ProfileView `json:"participants"`
	LastMessage  *MessageView  `json:"last_message,omitempty"`
	UnreadCount  int           `json:"unread_count"`
	UpdatedAt    int64         `json:"updated_at"`
}

type ConversationsReply struct {
	Conversations []ConversationView `json:"conversations"`
}

type MessagesReply struct {
	Messages []MessageView `json:"messages"`
}

type MembersReply struct {
	Members []ProfileView `json:"members"`
}

// Event is one bus event on the watch stream. Only the field matching the
// kind is set.
type Event struct {
	Kind        string             `json:"kind"`
	TimestampMs int64              `json:"timestamp_ms"`
	Message     *MessageView       `json:"message,omitempty"`
	Send        *outbox.SendResult `json:"send,omitempty"`
	Typing      *typing.Signal     `json:"typing,omitempty"`
	Status      *StatusChange      `json:"status,omitempty"`
}

type StatusChange struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type empty struct{}

func profileView(p store.Profile) ProfileView {
	return ProfileView{ID: p.ID, Username: p.Username, DisplayName: p.Name(), AvatarURL: p.AvatarURL}
}

func storeMessageView(m store.Message) MessageView {
	return MessageView{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		MediaURL:       m.MediaURL,
		Type:           m.Type,
		CreatedAt:      m.CreatedAt,
		ReadBy:         m.ReadBy,
	}
}

func entryView(e timeline.Entry) MessageView {
	v := storeMessageView(e.Message)
	v.SenderName = e.Sender.Name()
	v.State = e.State.String()
	v.ProvisionalID = e.ProvisionalID
	v.Error = e.Err
	return v
}

func entryViews(entries []timeline.Entry) []MessageView {
	out := make([]MessageView, 0, len(entries))
	for _, e := range entries {
		out = append(out, entryView(e))
	}
	return out
}

func conversationView(c directory.Conversation, name string) ConversationView {
	v := ConversationView{
		ID:           c.ID,
		Name:         name,
		IsGroup:      c.IsGroup,
		Participants: make([]ProfileView, 0, len(c.Participants)),
		UnreadCount:  c.UnreadCount,
		UpdatedAt:    c.UpdatedAt,
	}
	for _, p := range c.Participants {
		v.Participants = append(v.Participants, profileView(p))
	}
	if c.LastMessage != nil {
		m := storeMessageView(*c.LastMessage)
		v.LastMessage = &m
	}
	return v
}

// Entry converts a message view back into a timeline entry, e.g. for
// timeline.GroupByDay on the client side.
func (v MessageView) Entry() timeline.Entry {
	state := timeline.Confirmed
	switch v.State {
	case timeline.Provisional.String():
		state = timeline.Provisional
	case timeline.Failed.String():
		state = timeline.Failed
	}
	return timeline.Entry{
		Message: store.Message{
			ID:             v.ID,
			ConversationID: v.ConversationID,
			SenderID:       v.SenderID,
			Content:        v.Content,
			MediaURL:       v.MediaURL,
			Type:           v.Type,
			CreatedAt:      v.CreatedAt,
			ReadBy:         v.ReadBy,
		},
		Sender:        store.Profile{ID: v.SenderID, DisplayName: v.SenderName},
		State:         state,
		ProvisionalID: v.ProvisionalID,
		Err:           v.Error,
	}
}

func eventView(kind string, tsMs int64, payload any) Event {
	evt := Event{Kind: kind, TimestampMs: tsMs}
	switch p := payload.(type) {
	case store.Message:
		m := storeMessageView(p)
		evt.Message = &m
	case outbox.SendResult:
		evt.Send = &p
	case typing.Signal:
		evt.Typing = &p
	case status.StatusChange:
		evt.Status = &StatusChange{From: string(p.From), To: string(p.To)}
	}
	return evt
}
