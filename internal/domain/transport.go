package domain

import (
	"context"
	"encoding/json"
)

// ChannelStatus is the subscription state of a real-time channel.
type ChannelStatus string

const (
	StatusUnsubscribed ChannelStatus = "unsubscribed"
	StatusSubscribing  ChannelStatus = "subscribing"
	StatusSubscribed   ChannelStatus = "subscribed"
	StatusErrored      ChannelStatus = "errored"
)

// ChangeType is the kind of row change delivered by the change feed.
type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

// ChangeEvent is one change-feed delivery. New carries the row after INSERT and
// UPDATE; Old carries at least the id on DELETE.
type ChangeEvent struct {
	Type           ChangeType      `json:"type"`
	ConversationID string          `json:"conversation_id"`
	New            json.RawMessage `json:"new,omitempty"`
	Old            json.RawMessage `json:"old,omitempty"`
}

// PresenceEventType distinguishes full snapshots from incremental updates.
type PresenceEventType string

const (
	PresenceSync  PresenceEventType = "sync"
	PresenceJoin  PresenceEventType = "join"
	PresenceLeave PresenceEventType = "leave"
)

// PresenceEvent carries raw tracked states. For sync it is the full snapshot;
// for join/leave only the affected states.
type PresenceEvent struct {
	Type   PresenceEventType `json:"type"`
	States []json.RawMessage `json:"states"`
}

// Broadcast event names used on conversation channels.
const (
	EventTyping     = "typing"
	EventStopTyping = "stop_typing"
)

// TransportChannel is one named real-time channel. Listeners must be attached
// before Subscribe. Subscribe reports progress and failures through onStatus.
type TransportChannel interface {
	Name() string
	OnChange(conversationID string, fn func(ChangeEvent))
	OnBroadcast(event string, fn func(payload json.RawMessage))
	OnPresence(fn func(PresenceEvent))
	Subscribe(onStatus func(ChannelStatus, error))
	Send(ctx context.Context, event string, payload any) error
	Track(ctx context.Context, state any) error
	Untrack(ctx context.Context) error
	Unsubscribe() error
}

// Transport opens named channels.
type Transport interface {
	Channel(name string) TransportChannel
}

// ChangeFeed receives row changes from the store for fan-out to subscribers.
type ChangeFeed interface {
	PublishChange(ctx context.Context, ev ChangeEvent)
}

// Broadcaster is the send side of a channel, as used by the typing engine.
type Broadcaster interface {
	Send(ctx context.Context, event string, payload any) error
}

// PresenceTracker is the presence side of a channel.
type PresenceTracker interface {
	Track(ctx context.Context, state any) error
	Untrack(ctx context.Context) error
}
