package domain

import (
	"encoding/json"
	"errors"
	"strings"
)

// DecodeMessageRow parses a change-feed row. It is the single boundary where
// untyped payloads become MessageRow values.
func DecodeMessageRow(raw json.RawMessage) (MessageRow, error) {
	var row MessageRow
	if len(raw) == 0 {
		return row, &ParseError{Kind: "message row", Err: errors.New("empty payload")}
	}
	if err := json.Unmarshal(raw, &row); err != nil {
		return row, &ParseError{Kind: "message row", Err: err}
	}
	switch {
	case strings.TrimSpace(row.ID) == "":
		return row, &ParseError{Kind: "message row", Field: "id", Err: errors.New("missing")}
	case row.ConversationID == "":
		return row, &ParseError{Kind: "message row", Field: "conversation_id", Err: errors.New("missing")}
	case row.UserID == "":
		return row, &ParseError{Kind: "message row", Field: "user_id", Err: errors.New("missing")}
	case row.CreatedAt.IsZero():
		return row, &ParseError{Kind: "message row", Field: "created_at", Err: errors.New("missing")}
	}
	return row, nil
}

// DecodeDeletedID extracts the id of a deleted row from the Old payload.
func DecodeDeletedID(raw json.RawMessage) (string, error) {
	var old struct {
		ID string `json:"id"`
	}
	if len(raw) == 0 {
		return "", &ParseError{Kind: "deleted row", Err: errors.New("empty payload")}
	}
	if err := json.Unmarshal(raw, &old); err != nil {
		return "", &ParseError{Kind: "deleted row", Err: err}
	}
	if old.ID == "" {
		return "", &ParseError{Kind: "deleted row", Field: "id", Err: errors.New("missing")}
	}
	return old.ID, nil
}

// DecodePresence parses one tracked presence state.
func DecodePresence(raw json.RawMessage) (PresenceEntry, error) {
	var e PresenceEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return e, &ParseError{Kind: "presence", Err: err}
	}
	if e.UserID == "" {
		return e, &ParseError{Kind: "presence", Field: "user_id", Err: errors.New("missing")}
	}
	return e, nil
}

// TypingPayload is the broadcast body of typing and stop_typing events.
type TypingPayload struct {
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id"`
}

// DecodeTyping parses a typing broadcast payload.
func DecodeTyping(raw json.RawMessage) (TypingPayload, error) {
	var p TypingPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, &ParseError{Kind: "typing", Err: err}
	}
	if p.UserID == "" {
		return p, &ParseError{Kind: "typing", Field: "user_id", Err: errors.New("missing")}
	}
	return p, nil
}
