// Package session composes the chat core for one signed-in user: channel
// lifecycle, message reconciliation, rate limiting, typing and presence.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"eventchat/internal/chat"
	"eventchat/internal/domain"
	"eventchat/internal/presence"
	"eventchat/internal/ratelimit"
	"eventchat/internal/realtime"
	"eventchat/internal/resilience"
	"eventchat/internal/typing"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("session: closed")

// Config configures a Manager. Store, Transport and Auth are required.
type Config struct {
	Store     domain.MessageStore
	Transport domain.Transport
	Auth      domain.Authenticator

	CacheCapacity       int
	PageSize            int
	MaxContentLength    int
	MaxMessagesPerMin   int
	RateWindow          time.Duration
	Retry               resilience.Policy
	DedupWindow         time.Duration
	TypingTimeout       time.Duration
	ResubscribeAttempts int

	// Now overrides the clock used for typing expiry and presence timestamps.
	Now    func() time.Time
	Logger *slog.Logger
}

// Manager owns every piece of per-user real-time state. It is constructed
// explicitly and must be closed.
type Manager struct {
	cfg         Config
	logger      *slog.Logger
	channels    *realtime.Manager
	chat        *chat.Service
	broadcaster *typing.Broadcaster

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	conversations map[string]*Conversation
	closed        bool
}

// New builds a Manager and its components.
func New(cfg Config) (*Manager, error) {
	switch {
	case cfg.Store == nil:
		return nil, errors.New("session: store is required")
	case cfg.Transport == nil:
		return nil, errors.New("session: transport is required")
	case cfg.Auth == nil:
		return nil, errors.New("session: authenticator is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Retry == (resilience.Policy{}) {
		cfg.Retry = resilience.DefaultPolicy()
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = resilience.DefaultDedupWindow
	}

	channels := realtime.NewManager(realtime.Config{
		Transport:           cfg.Transport,
		Policy:              cfg.Retry,
		ResubscribeAttempts: cfg.ResubscribeAttempts,
		Logger:              cfg.Logger.With("component", "realtime"),
	})
	svc, err := chat.NewService(chat.Config{
		Store:            cfg.Store,
		Auth:             cfg.Auth,
		Channels:         channels,
		Limiter:          ratelimit.New(cfg.MaxMessagesPerMin, cfg.RateWindow),
		Retrier:          resilience.NewRetrier(cfg.Retry, cfg.Logger.With("component", "resilience")),
		Dedup:            resilience.NewDeduplicator(cfg.DedupWindow),
		Cache:            chat.NewCache(cfg.CacheCapacity),
		PageSize:         cfg.PageSize,
		MaxContentLength: cfg.MaxContentLength,
		Logger:           cfg.Logger.With("component", "chat"),
	})
	if err != nil {
		channels.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:           cfg,
		logger:        cfg.Logger,
		channels:      channels,
		chat:          svc,
		broadcaster:   typing.NewBroadcaster(cfg.TypingTimeout, cfg.Logger.With("component", "typing")),
		ctx:           ctx,
		cancel:        cancel,
		conversations: make(map[string]*Conversation),
	}, nil
}

// Chat returns the message service.
func (m *Manager) Chat() *chat.Service { return m.chat }

// Channels returns the channel lifecycle manager.
func (m *Manager) Channels() *realtime.Manager { return m.channels }

// Join opens a conversation: typing and presence listeners are attached, the
// message feed is subscribed and the current user is announced. Joining an
// open conversation returns it unchanged.
func (m *Manager) Join(ctx context.Context, conversationID string) (*Conversation, error) {
	userID, ok := m.cfg.Auth.CurrentUserID(ctx)
	if !ok || userID == "" {
		return nil, domain.ErrUnauthenticated
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if c, ok := m.conversations[conversationID]; ok {
		m.mu.Unlock()
		return c.wait(ctx)
	}
	m.mu.Unlock()

	ch, err := m.channels.Acquire(conversationID)
	if err != nil {
		return nil, fmt.Errorf("join %s: %w", conversationID, err)
	}
	c := &Conversation{
		id:      conversationID,
		userID:  userID,
		self:    m.profile(ctx, userID),
		m:       m,
		channel: ch,
		ready:   make(chan struct{}),
		typing: typing.NewSet(conversationID, userID, m.cfg.TypingTimeout,
			typing.WithClock(m.cfg.Now), typing.WithLogger(m.logger)),
		presence: presence.NewTracker(conversationID,
			presence.WithClock(m.cfg.Now), presence.WithLogger(m.logger)),
	}
	tc := ch.Transport()
	c.typing.Attach(tc)
	c.presence.Attach(tc)
	c.presence.OnLeave(c.typing.Remove)
	ch.OnStatus(func(s domain.ChannelStatus) {
		if s == domain.StatusSubscribed {
			c.announce()
		}
	})

	m.mu.Lock()
	if existing, ok := m.conversations[conversationID]; ok {
		m.mu.Unlock()
		m.channels.Release(conversationID)
		return existing.wait(ctx)
	}
	m.conversations[conversationID] = c
	m.mu.Unlock()

	feed, err := m.chat.Subscribe(ctx, conversationID)
	if err != nil {
		c.joinErr = fmt.Errorf("join %s: %w", conversationID, err)
		close(c.ready)
		m.Leave(conversationID)
		return nil, c.joinErr
	}
	c.feed = feed
	close(c.ready)
	m.logger.Info("conversation joined", "conversation", conversationID, "user", userID)
	return c, nil
}

func (m *Manager) profile(ctx context.Context, userID string) domain.Author {
	a, err := m.cfg.Store.GetProfile(ctx, userID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			m.logger.Warn("profile lookup failed", "user", userID, "err", err)
		}
		return domain.Author{ID: userID}
	}
	return a
}

// Conversation returns an open conversation.
func (m *Manager) Conversation(conversationID string) (*Conversation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[conversationID]
	return c, ok
}

// Open lists open conversations.
func (m *Manager) Open() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.conversations))
	for id := range m.conversations {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Leave withdraws presence, stops typing timers, clears the message view and
// releases the channel. Leaving a conversation that is not open is a no-op.
func (m *Manager) Leave(conversationID string) {
	m.mu.Lock()
	c, ok := m.conversations[conversationID]
	delete(m.conversations, conversationID)
	m.mu.Unlock()
	if !ok {
		return
	}

	c.withdraw()
	m.broadcaster.StopConversation(conversationID)
	m.chat.Leave(conversationID)
	m.channels.Release(conversationID)
	c.typing.Clear()
	c.presence.Clear()
	m.logger.Info("conversation left", "conversation", conversationID)
}

// Close leaves every conversation and stops all timers.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	ids := make([]string, 0, len(m.conversations))
	for id := range m.conversations {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Leave(id)
	}
	m.broadcaster.Close()
	m.chat.Close()
	m.channels.Close()
	m.cancel()
}
