package domain

import (
	"context"
	"time"
)

// MessageRow is the persisted shape of a message, as carried by the change feed.
type MessageRow struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	UserID         string     `json:"user_id"`
	Content        string     `json:"content"`
	ReplyToID      *string    `json:"reply_to_id"`
	EditedAt       *time.Time `json:"edited_at"`
	CreatedAt      time.Time  `json:"created_at"`
}

// ToMessage combines a row with its joined author and optional reply projection.
func (r MessageRow) ToMessage(author Author, reply *ReplyPreview) Message {
	m := Message{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		SenderID:       r.UserID,
		Content:        r.Content,
		EditedAt:       r.EditedAt,
		CreatedAt:      r.CreatedAt,
		Author:         author,
		ReplyTo:        reply,
	}
	if r.ReplyToID != nil {
		m.ReplyToID = *r.ReplyToID
	}
	if m.Author.ID == "" {
		m.Author.ID = r.UserID
	}
	return m
}

// NewMessage is the input of a store insert. The store assigns ID and CreatedAt.
type NewMessage struct {
	ConversationID string
	SenderID       string
	Content        string
	ReplyToID      string
}

// ListOptions selects a page of messages. Before and After are exclusive
// created_at cursors; the zero value means unset. BeforeID and AfterID break
// ties between messages created at the same instant, so that (Before,
// BeforeID) names the last row of the previous page.
type ListOptions struct {
	Limit     int
	Before    time.Time
	BeforeID  string
	After     time.Time
	AfterID   string
	Ascending bool
}

// MessageStore is the persistent store collaborator. Update and Delete are
// filtered by id AND user id; a row owned by someone else yields
// ErrPermissionDenied, a missing row ErrNotFound.
type MessageStore interface {
	InsertMessage(ctx context.Context, msg NewMessage) (Message, error)
	UpdateMessage(ctx context.Context, id, userID, content string) (Message, error)
	DeleteMessage(ctx context.Context, id, userID string) error
	ListMessages(ctx context.Context, conversationID string, opts ListOptions) ([]Message, error)
	GetMessage(ctx context.Context, id string) (Message, error)
	GetProfile(ctx context.Context, userID string) (Author, error)
	UpsertProfile(ctx context.Context, profile Author) error
}

// Authenticator supplies the current user id. ok is false when nobody is signed in.
type Authenticator interface {
	CurrentUserID(ctx context.Context) (userID string, ok bool)
}

// AuthFunc adapts a plain function to Authenticator.
type AuthFunc func(ctx context.Context) (string, bool)

func (f AuthFunc) CurrentUserID(ctx context.Context) (string, bool) { return f(ctx) }

// StaticUser is an Authenticator that always returns the same user id.
// An empty id means signed out.
type StaticUser string

func (s StaticUser) CurrentUserID(context.Context) (string, bool) {
	return string(s), s != ""
}
