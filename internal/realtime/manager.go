// Package realtime owns the lifecycle of per-conversation real-time channels:
// lazy creation, reference counting, subscription status and teardown.
package realtime

import (
	"log/slog"
	"sort"
	"sync"

	"eventchat/internal/domain"
	"eventchat/internal/metrics"
	"eventchat/internal/resilience"
)

// ChannelName returns the transport channel name for a conversation.
func ChannelName(conversationID string) string {
	return "conversation:" + conversationID
}

// Config configures a Manager.
type Config struct {
	Transport domain.Transport
	// Policy spaces resubscribe attempts after a failed subscribe.
	Policy resilience.Policy
	// ResubscribeAttempts bounds automatic resubscribes per failure streak.
	// Zero disables them.
	ResubscribeAttempts int
	Logger              *slog.Logger
}

type entry struct {
	ch   *Channel
	refs int
}

// Manager is the single owner of conversation channels. Callers hold
// references obtained from Acquire and give them back with Release.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	channels map[string]*entry
	closed   bool
}

// NewManager creates a Manager on top of a transport.
func NewManager(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ResubscribeAttempts < 0 {
		cfg.ResubscribeAttempts = 0
	}
	return &Manager{
		cfg:      cfg,
		logger:   cfg.Logger,
		channels: make(map[string]*entry),
	}
}

// Acquire returns the channel for a conversation, opening it on first use.
// Each call must be paired with a Release. The channel is not subscribed.
func (m *Manager) Acquire(conversationID string) (*Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	if e, ok := m.channels[conversationID]; ok {
		e.refs++
		return e.ch, nil
	}

	tc := m.cfg.Transport.Channel(ChannelName(conversationID))
	ch := newChannel(conversationID, tc, m.cfg.Policy, m.cfg.ResubscribeAttempts, m.logger)
	m.channels[conversationID] = &entry{ch: ch, refs: 1}
	metrics.ActiveChannels.Inc()
	m.logger.Debug("channel opened", "conversation", conversationID)
	return ch, nil
}

// Get returns the channel for a conversation without taking a reference.
func (m *Manager) Get(conversationID string) (*Channel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.channels[conversationID]
	if !ok {
		return nil, false
	}
	return e.ch, true
}

// Release drops one reference. The last release unsubscribes the transport
// channel and forgets it. Releasing an unknown conversation is a no-op.
func (m *Manager) Release(conversationID string) {
	m.mu.Lock()
	e, ok := m.channels[conversationID]
	if !ok {
		m.mu.Unlock()
		return
	}
	e.refs--
	if e.refs > 0 {
		m.mu.Unlock()
		return
	}
	delete(m.channels, conversationID)
	m.mu.Unlock()

	metrics.ActiveChannels.Dec()
	e.ch.close()
	m.logger.Debug("channel released", "conversation", conversationID)
}

// Refs returns the number of outstanding references for a conversation.
func (m *Manager) Refs(conversationID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.channels[conversationID]; ok {
		return e.refs
	}
	return 0
}

// Conversations lists conversations with an open channel.
func (m *Manager) Conversations() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.channels))
	for id := range m.channels {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close tears down every channel regardless of reference counts.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	all := m.channels
	m.channels = make(map[string]*entry)
	m.mu.Unlock()

	for id, e := range all {
		metrics.ActiveChannels.Dec()
		e.ch.close()
		m.logger.Debug("channel closed", "conversation", id)
	}
}
