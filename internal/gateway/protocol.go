// Package gateway bridges the in-process hub to remote clients over
// WebSocket, and provides the matching client-side transport and store.
package gateway

import (
	"encoding/json"
	"errors"
	"time"

	"eventchat/internal/domain"
)

// Client to server frame types.
const (
	FrameJoin      = "join"
	FrameLeave     = "leave"
	FrameBroadcast = "broadcast"
	FrameTrack     = "track"
	FrameUntrack   = "untrack"

	// Store requests, answered by a result push with the same ref. Writes
	// act as the user bound to the connection.
	FrameSend          = "send"
	FrameEdit          = "edit"
	FrameDelete        = "delete"
	FrameList          = "list"
	FrameGetMessage    = "get_message"
	FrameGetProfile    = "get_profile"
	FrameUpsertProfile = "upsert_profile"
)

// Server to client push types.
const (
	PushChange        = "change"
	PushBroadcast     = "broadcast"
	PushPresenceSync  = "presence_sync"
	PushPresenceJoin  = "presence_join"
	PushPresenceLeave = "presence_leave"
	PushStatus        = "status"
	PushResult        = "result"
	PushError         = "error"
)

// Error codes carried by result and error pushes.
const (
	CodeNotFound         = "not_found"
	CodePermissionDenied = "permission_denied"
	CodeUnauthenticated  = "unauthenticated"
	CodeValidation       = "validation"
	CodeRateLimited      = "rate_limited"
	CodeTransient        = "transient"
)

// Frame is a client request. Conversations lists the change-feed filters
// requested on join.
type Frame struct {
	Type          string          `json:"type"`
	Ref           string          `json:"ref,omitempty"`
	Topic         string          `json:"topic,omitempty"`
	Event         string          `json:"event,omitempty"`
	Conversations []string        `json:"conversations,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Request       *Request        `json:"request,omitempty"`
}

// Request holds the arguments of a store request frame.
type Request struct {
	ConversationID string    `json:"conversation_id,omitempty"`
	MessageID      string    `json:"message_id,omitempty"`
	UserID         string    `json:"user_id,omitempty"`
	Content        string    `json:"content,omitempty"`
	ReplyToID      string    `json:"reply_to_id,omitempty"`
	Limit          int       `json:"limit,omitempty"`
	Before         time.Time `json:"before"`
	BeforeID       string    `json:"before_id,omitempty"`
	After          time.Time `json:"after"`
	AfterID        string    `json:"after_id,omitempty"`
	Ascending      bool      `json:"ascending,omitempty"`
	DisplayName    string    `json:"display_name,omitempty"`
	AvatarURL      string    `json:"avatar_url,omitempty"`
}

// Push is a server message.
type Push struct {
	Type     string                `json:"type"`
	Ref      string                `json:"ref,omitempty"`
	Topic    string                `json:"topic,omitempty"`
	Event    string                `json:"event,omitempty"`
	Payload  json.RawMessage       `json:"payload,omitempty"`
	Change   *domain.ChangeEvent   `json:"change,omitempty"`
	Presence *domain.PresenceEvent `json:"presence,omitempty"`
	Status   domain.ChannelStatus  `json:"status,omitempty"`

	Message  *domain.Message  `json:"message,omitempty"`
	Messages []domain.Message `json:"messages,omitempty"`
	Author   *domain.Author   `json:"author,omitempty"`

	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`
	// Field and RetryAfterMs detail validation and rate limit errors.
	Field        string `json:"field,omitempty"`
	RetryAfterMs int64  `json:"retry_after_ms,omitempty"`
}

func presencePush(topic string, ev domain.PresenceEvent) Push {
	typ := PushPresenceSync
	switch ev.Type {
	case domain.PresenceJoin:
		typ = PushPresenceJoin
	case domain.PresenceLeave:
		typ = PushPresenceLeave
	}
	return Push{Type: typ, Topic: topic, Presence: &ev}
}

// errorPush encodes err so that the client can rebuild the same kind.
func errorPush(typ, ref string, err error) Push {
	p := Push{Type: typ, Ref: ref, Error: err.Error()}
	var (
		ve *domain.ValidationError
		re *domain.RateLimitError
		te *domain.TransientError
	)
	switch {
	case errors.As(err, &ve):
		p.Code, p.Field, p.Error = CodeValidation, ve.Field, ve.Reason
	case errors.As(err, &re):
		p.Code, p.RetryAfterMs = CodeRateLimited, re.RetryAfter.Milliseconds()
	case errors.As(err, &te):
		p.Code = CodeTransient
	case errors.Is(err, domain.ErrNotFound):
		p.Code = CodeNotFound
	case errors.Is(err, domain.ErrPermissionDenied):
		p.Code = CodePermissionDenied
	case errors.Is(err, domain.ErrUnauthenticated):
		p.Code = CodeUnauthenticated
	}
	return p
}

// pushError is the client-side inverse of errorPush.
func pushError(p Push, actorID string) error {
	switch p.Code {
	case CodeValidation:
		return &domain.ValidationError{Field: p.Field, Reason: p.Error}
	case CodeRateLimited:
		return &domain.RateLimitError{ActorID: actorID, RetryAfter: time.Duration(p.RetryAfterMs) * time.Millisecond}
	case CodeTransient:
		return &domain.TransientError{Err: errors.New(p.Error)}
	case CodeNotFound:
		return domain.ErrNotFound
	case CodePermissionDenied:
		return domain.ErrPermissionDenied
	case CodeUnauthenticated:
		return domain.ErrUnauthenticated
	}
	return errors.New(p.Error)
}
