package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnauthenticated is returned when no current user is available.
	ErrUnauthenticated = errors.New("not authenticated")

	// ErrPermissionDenied is returned when a user mutates a message they do not own.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrNotFound is returned when a message or profile does not exist.
	ErrNotFound = errors.New("not found")
)

// ValidationError reports message content that can never be accepted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// RateLimitError reports that an actor exceeded the outbound message budget.
type RateLimitError struct {
	ActorID    string
	Limit      int
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s: %d messages per window, retry in %s",
		e.ActorID, e.Limit, e.RetryAfter.Round(time.Second))
}

// TransientError wraps a failure that may succeed when retried, such as a
// network error or a 5xx/429 response from the backend.
type TransientError struct {
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transient failure (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transient failure: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// SubscriptionError reports that a conversation channel failed to subscribe.
// It is delivered to error listeners, never returned from a call.
type SubscriptionError struct {
	Channel string
	Err     error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("channel %s: subscribe failed: %v", e.Channel, e.Err)
}

func (e *SubscriptionError) Unwrap() error { return e.Err }

// ParseError reports a transport or store payload that could not be decoded.
type ParseError struct {
	Kind  string
	Field string
	Err   error
}

func (e *ParseError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("parse %s: field %q: %v", e.Kind, e.Field, e.Err)
	}
	return fmt.Sprintf("parse %s: %v", e.Kind, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// IsLocal reports whether err is a deterministic local failure that must never
// be retried.
func IsLocal(err error) bool {
	var ve *ValidationError
	var re *RateLimitError
	var pe *ParseError
	switch {
	case errors.As(err, &ve), errors.As(err, &re), errors.As(err, &pe):
		return true
	case errors.Is(err, ErrUnauthenticated), errors.Is(err, ErrPermissionDenied), errors.Is(err, ErrNotFound):
		return true
	}
	return false
}
