// Package bus is the in-process real-time transport. A Hub hosts named topics;
// every Channel opened on a topic receives broadcast, presence and change-feed
// events through its own ordered dispatcher goroutine.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"eventchat/internal/domain"
)

const (
	defaultBufferSize = 256
	publishTimeout    = 10 * time.Second
)

// ErrClosed is returned by operations on a closed hub or channel.
var ErrClosed = errors.New("bus: closed")

// ErrNotSubscribed is returned when sending or tracking before Subscribe.
var ErrNotSubscribed = errors.New("bus: channel not subscribed")

// HubConfig configures a Hub.
type HubConfig struct {
	// BufferSize is the per-channel delivery queue length.
	BufferSize int
	// Authorize, when set, is consulted on every subscribe; a non-nil error
	// fails the subscription.
	Authorize func(topic string) error
	Logger    *slog.Logger
}

type topic struct {
	subscribers map[*Channel]struct{}
	presence    map[string]json.RawMessage // presence key -> tracked state
}

// Hub implements domain.Transport and domain.ChangeFeed in memory.
type Hub struct {
	mu         sync.RWMutex
	topics     map[string]*topic
	changes    map[string]map[*Channel]struct{} // conversation id -> listening channels
	closed     bool
	bufferSize int
	authorize  func(string) error
	logger     *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(cfg HubConfig) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Hub{
		topics:     make(map[string]*topic),
		changes:    make(map[string]map[*Channel]struct{}),
		bufferSize: cfg.BufferSize,
		authorize:  cfg.Authorize,
		logger:     cfg.Logger,
	}
}

// Channel implements domain.Transport.
func (h *Hub) Channel(name string) domain.TransportChannel {
	return h.Open(name)
}

// Open creates an unsubscribed channel on the named topic.
func (h *Hub) Open(name string) *Channel {
	return newChannel(h, name)
}

// PublishChange fans a change-feed event out to every subscribed channel
// listening on ev.ConversationID. It never blocks; a channel whose mailbox
// is full misses the event.
func (h *Hub) PublishChange(_ context.Context, ev domain.ChangeEvent) {
	h.mu.RLock()
	targets := make([]*Channel, 0, len(h.changes[ev.ConversationID]))
	for ch := range h.changes[ev.ConversationID] {
		targets = append(targets, ch)
	}
	h.mu.RUnlock()

	for _, ch := range targets {
		ch.deliverChange(ev)
	}
}

// Topics returns the names of topics with at least one subscriber.
func (h *Hub) Topics() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.topics))
	for name := range h.topics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Subscribers returns the number of subscribed channels on a topic.
func (h *Hub) Subscribers(name string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if t, ok := h.topics[name]; ok {
		return len(t.subscribers)
	}
	return 0
}

// Close unsubscribes every channel. Further subscribes fail with ErrClosed.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	var all []*Channel
	for _, t := range h.topics {
		for ch := range t.subscribers {
			all = append(all, ch)
		}
	}
	h.mu.Unlock()

	for _, ch := range all {
		_ = ch.Unsubscribe()
	}
}

func (h *Hub) join(ch *Channel) error {
	if h.authorize != nil {
		if err := h.authorize(ch.name); err != nil {
			return err
		}
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	t, ok := h.topics[ch.name]
	if !ok {
		t = &topic{
			subscribers: make(map[*Channel]struct{}),
			presence:    make(map[string]json.RawMessage),
		}
		h.topics[ch.name] = t
	}
	t.subscribers[ch] = struct{}{}
	for _, convID := range ch.changeConversations() {
		if h.changes[convID] == nil {
			h.changes[convID] = make(map[*Channel]struct{})
		}
		h.changes[convID][ch] = struct{}{}
	}
	snapshot := presenceStates(t)
	h.mu.Unlock()

	ch.deliverPresence(domain.PresenceEvent{Type: domain.PresenceSync, States: snapshot})
	h.logger.Debug("channel subscribed", "topic", ch.name, "key", ch.key)
	return nil
}

func (h *Hub) listenChanges(ch *Channel, conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.topics[ch.name]
	if !ok || !t.hasSubscriber(ch) {
		return
	}
	if h.changes[conversationID] == nil {
		h.changes[conversationID] = make(map[*Channel]struct{})
	}
	h.changes[conversationID][ch] = struct{}{}
}

func (h *Hub) leave(ch *Channel) {
	h.mu.Lock()
	t, ok := h.topics[ch.name]
	var left json.RawMessage
	var peers []*Channel
	var snapshot []json.RawMessage
	if ok {
		delete(t.subscribers, ch)
		if state, tracked := t.presence[ch.key]; tracked {
			left = state
			delete(t.presence, ch.key)
			peers = subscribers(t)
			snapshot = presenceStates(t)
		}
		if len(t.subscribers) == 0 {
			delete(h.topics, ch.name)
		}
	}
	for convID, set := range h.changes {
		delete(set, ch)
		if len(set) == 0 {
			delete(h.changes, convID)
		}
	}
	h.mu.Unlock()

	if left != nil {
		h.fanoutPresence(peers, left, domain.PresenceLeave, snapshot)
	}
	h.logger.Debug("channel unsubscribed", "topic", ch.name, "key", ch.key)
}

func (h *Hub) broadcast(from *Channel, event string, payload json.RawMessage) {
	h.mu.RLock()
	t, ok := h.topics[from.name]
	var peers []*Channel
	if ok {
		for ch := range t.subscribers {
			if ch != from {
				peers = append(peers, ch)
			}
		}
	}
	h.mu.RUnlock()

	for _, ch := range peers {
		ch.deliverBroadcast(event, payload)
	}
}

func (h *Hub) track(ch *Channel, state json.RawMessage) error {
	h.mu.Lock()
	t, ok := h.topics[ch.name]
	if !ok || !t.hasSubscriber(ch) {
		h.mu.Unlock()
		return ErrNotSubscribed
	}
	t.presence[ch.key] = state
	peers := subscribers(t)
	snapshot := presenceStates(t)
	h.mu.Unlock()

	h.fanoutPresence(peers, state, domain.PresenceJoin, snapshot)
	return nil
}

func (h *Hub) untrack(ch *Channel) error {
	h.mu.Lock()
	t, ok := h.topics[ch.name]
	if !ok || !t.hasSubscriber(ch) {
		h.mu.Unlock()
		return ErrNotSubscribed
	}
	state, tracked := t.presence[ch.key]
	if !tracked {
		h.mu.Unlock()
		return nil
	}
	delete(t.presence, ch.key)
	peers := subscribers(t)
	snapshot := presenceStates(t)
	h.mu.Unlock()

	h.fanoutPresence(peers, state, domain.PresenceLeave, snapshot)
	return nil
}

// fanoutPresence sends the incremental event followed by the authoritative snapshot.
func (h *Hub) fanoutPresence(peers []*Channel, state json.RawMessage, typ domain.PresenceEventType, snapshot []json.RawMessage) {
	for _, ch := range peers {
		ch.deliverPresence(domain.PresenceEvent{Type: typ, States: []json.RawMessage{state}})
		ch.deliverPresence(domain.PresenceEvent{Type: domain.PresenceSync, States: snapshot})
	}
}

func (t *topic) hasSubscriber(ch *Channel) bool {
	_, ok := t.subscribers[ch]
	return ok
}

func subscribers(t *topic) []*Channel {
	out := make([]*Channel, 0, len(t.subscribers))
	for ch := range t.subscribers {
		out = append(out, ch)
	}
	return out
}

func presenceStates(t *topic) []json.RawMessage {
	keys := make([]string, 0, len(t.presence))
	for k := range t.presence {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]json.RawMessage, 0, len(keys))
	for _, k := range keys {
		out = append(out, t.presence[k])
	}
	return out
}
