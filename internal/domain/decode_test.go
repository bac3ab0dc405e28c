package domain

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestDecodeMessageRow_Valid(t *testing.T) {
	raw := json.RawMessage(`{"id":"m1","conversation_id":"c1","user_id":"u1","content":"hi","reply_to_id":"m0","edited_at":null,"created_at":"2024-05-01T10:00:00Z"}`)
	row, err := DecodeMessageRow(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if row.ID != "m1" || row.UserID != "u1" || row.Content != "hi" {
		t.Fatalf("unexpected row: %+v", row)
	}
	if row.ReplyToID == nil || *row.ReplyToID != "m0" {
		t.Fatalf("expected reply_to_id m0, got %v", row.ReplyToID)
	}
	if row.EditedAt != nil {
		t.Fatalf("expected nil edited_at, got %v", row.EditedAt)
	}
}

func TestDecodeMessageRow_MissingID(t *testing.T) {
	raw := json.RawMessage(`{"conversation_id":"c1","user_id":"u1","created_at":"2024-05-01T10:00:00Z"}`)
	_, err := DecodeMessageRow(raw)
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ParseError, got %v", err)
	}
	if pe.Field != "id" {
		t.Fatalf("expected field id, got %q", pe.Field)
	}
}

func TestDecodeMessageRow_Malformed(t *testing.T) {
	_, err := DecodeMessageRow(json.RawMessage(`{"id": 42}`))
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ParseError, got %v", err)
	}
}

func TestDecodeMessageRow_Empty(t *testing.T) {
	if _, err := DecodeMessageRow(nil); err == nil {
		t.Fatal("expected error for empty payload")
	}
}

func TestDecodeDeletedID(t *testing.T) {
	id, err := DecodeDeletedID(json.RawMessage(`{"id":"m9"}`))
	if err != nil || id != "m9" {
		t.Fatalf("expected m9, got %q (%v)", id, err)
	}
	if _, err := DecodeDeletedID(json.RawMessage(`{}`)); err == nil {
		t.Fatal("expected error for missing id")
	}
}

func TestDecodePresence(t *testing.T) {
	e, err := DecodePresence(json.RawMessage(`{"user_id":"u2","display_name":"Bea","online_at":"2024-05-01T10:00:00Z"}`))
	if err != nil {
		t.Fatal(err)
	}
	if e.DisplayName != "Bea" {
		t.Fatalf("expected Bea, got %q", e.DisplayName)
	}
	if _, err := DecodePresence(json.RawMessage(`{"display_name":"nobody"}`)); err == nil {
		t.Fatal("expected error for missing user_id")
	}
}

func TestMessageBefore_TieBrokenByID(t *testing.T) {
	ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	a := Message{ID: "a", CreatedAt: ts}
	b := Message{ID: "b", CreatedAt: ts}
	if !a.Before(b) || b.Before(a) {
		t.Fatal("equal timestamps should order by id")
	}
	c := Message{ID: "0", CreatedAt: ts.Add(time.Second)}
	if !b.Before(c) {
		t.Fatal("earlier timestamp should sort first regardless of id")
	}
}

func TestRowToMessage_ReplyAndAuthor(t *testing.T) {
	reply := "m0"
	row := MessageRow{ID: "m1", ConversationID: "c1", UserID: "u1", Content: "x", ReplyToID: &reply, CreatedAt: time.Now()}
	m := row.ToMessage(Author{DisplayName: "Ann"}, &ReplyPreview{ID: "m0", Content: "orig", SenderID: "u2"})
	if m.ReplyToID != "m0" || m.ReplyTo == nil {
		t.Fatalf("reply not attached: %+v", m)
	}
	if m.Author.ID != "u1" {
		t.Fatalf("author id should default to sender, got %q", m.Author.ID)
	}
}

func TestIsLocal(t *testing.T) {
	if !IsLocal(&ValidationError{Field: "content", Reason: "empty"}) {
		t.Error("validation should be local")
	}
	if !IsLocal(&RateLimitError{ActorID: "u1"}) {
		t.Error("rate limit should be local")
	}
	if !IsLocal(ErrPermissionDenied) || !IsLocal(ErrUnauthenticated) {
		t.Error("auth errors should be local")
	}
	if IsLocal(&TransientError{StatusCode: 503, Err: errors.New("down")}) {
		t.Error("transient should not be local")
	}
}

func TestTypingEntry_Visible(t *testing.T) {
	now := time.Now()
	e := TypingEntry{UserID: "u2", ExpiresAt: now.Add(time.Second)}
	if !e.Visible(now) {
		t.Error("entry should be visible before expiry")
	}
	if e.Visible(now.Add(time.Second)) {
		t.Error("entry should not be visible at expiry")
	}
}
