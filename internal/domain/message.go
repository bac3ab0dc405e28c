package domain

import (
	"strings"
	"time"
)

// Author is the denormalized sender snapshot attached to every message.
type Author struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// ReplyPreview is the denormalized projection of the message being replied to.
type ReplyPreview struct {
	ID       string `json:"id"`
	Content  string `json:"content"`
	SenderID string `json:"user_id"`
}

// Message is one chat message in a conversation. ID is assigned by the backend
// and is the same for the optimistic copy and the change-feed echo.
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id"`
	SenderID       string        `json:"sender_id"`
	Content        string        `json:"content"`
	ReplyToID      string        `json:"reply_to_id,omitempty"`
	EditedAt       *time.Time    `json:"edited_at,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	Author         Author        `json:"author"`
	ReplyTo        *ReplyPreview `json:"reply_to,omitempty"`
}

// Before reports whether m sorts before other: CreatedAt ascending, ties by ID.
func (m Message) Before(other Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return strings.Compare(m.ID, other.ID) < 0
}

// Edited reports whether the message was changed after it was sent.
func (m Message) Edited() bool {
	return m.EditedAt != nil
}

// PresenceEntry is one user currently attached to a conversation channel.
type PresenceEntry struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	AvatarURL   string    `json:"avatar_url,omitempty"`
	OnlineAt    time.Time `json:"online_at"`
}

// TypingEntry is a remote user that is currently typing.
type TypingEntry struct {
	UserID    string
	ExpiresAt time.Time
}

// Visible reports whether the entry should still be shown at now.
func (e TypingEntry) Visible(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}
