package chat

import (
	"sync"

	"eventchat/internal/domain"
	"eventchat/internal/metrics"
)

// Event is one change to a conversation's message view. It is one of
// Inserted, Edited, Deleted or Failed.
type Event interface {
	Conversation() string
	isEvent()
}

// Inserted reports a message added to the view, local or remote.
type Inserted struct {
	Message domain.Message
}

// Edited reports a cached message replaced in place.
type Edited struct {
	Message domain.Message
}

// Deleted reports a message removed from the view.
type Deleted struct {
	ConversationID string
	MessageID      string
}

// Failed reports a channel failure. The view keeps its contents.
type Failed struct {
	ConversationID string
	Err            error
}

func (e Inserted) Conversation() string { return e.Message.ConversationID }
func (e Edited) Conversation() string   { return e.Message.ConversationID }
func (e Deleted) Conversation() string  { return e.ConversationID }
func (e Failed) Conversation() string   { return e.ConversationID }

func (Inserted) isEvent() {}
func (Edited) isEvent()   {}
func (Deleted) isEvent()  {}
func (Failed) isEvent()   {}

const defaultFeedBuffer = 256

// Feed is one subscriber's stream of events for a conversation. It stays
// open until Close or until the conversation is left.
type Feed struct {
	conversationID string
	svc            *Service

	mu     sync.Mutex
	events chan Event
	closed bool
}

func newFeed(svc *Service, conversationID string, buffer int) *Feed {
	if buffer <= 0 {
		buffer = defaultFeedBuffer
	}
	return &Feed{conversationID: conversationID, svc: svc, events: make(chan Event, buffer)}
}

// ConversationID returns the conversation this feed follows.
func (f *Feed) ConversationID() string { return f.conversationID }

// Events returns the event channel. It is closed when the feed closes.
func (f *Feed) Events() <-chan Event { return f.events }

// Close detaches the feed. The conversation stays subscribed; use
// Service.Leave to release it.
func (f *Feed) Close() {
	f.svc.detach(f)
	f.shutdown()
}

func (f *Feed) shutdown() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	close(f.events)
}

// push never blocks; a full feed drops the event.
func (f *Feed) push(ev Event) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	select {
	case f.events <- ev:
		return true
	default:
		metrics.DroppedEvents.WithLabelValues("feed_full").Inc()
		return false
	}
}
