// Package chat keeps each conversation's message view consistent across the
// local writer, paginated fetches and change-feed deliveries.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"eventchat/internal/domain"
	"eventchat/internal/metrics"
	"eventchat/internal/ratelimit"
	"eventchat/internal/realtime"
	"eventchat/internal/resilience"
)

const (
	DefaultPageSize         = 50
	DefaultMaxContentLength = 2000
)

// Config wires a Service to its collaborators. Store, Auth and Channels are
// required; the rest fall back to defaults.
type Config struct {
	Store    domain.MessageStore
	Auth     domain.Authenticator
	Channels *realtime.Manager

	Limiter *ratelimit.Limiter
	Retrier *resilience.Retrier
	Dedup   *resilience.Deduplicator
	Cache   *Cache

	PageSize         int
	MaxContentLength int
	FeedBuffer       int
	Logger           *slog.Logger
}

// PageOptions selects a page. Before and After are exclusive created_at
// cursors; at most one should be set. The ID fields narrow a cursor to the
// (created_at, id) position of a known message. Limit defaults to the page
// size.
type PageOptions struct {
	Limit    int
	Before   time.Time
	BeforeID string
	After    time.Time
	AfterID  string
}

// Page is a chronologically ordered slice of a conversation.
type Page struct {
	Messages []domain.Message
	HasMore  bool
}

type conversation struct {
	channel *realtime.Channel
	feeds   map[*Feed]struct{}
}

// Service is the message cache and reconciler.
type Service struct {
	cfg    Config
	cache  *Cache
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	active map[string]*conversation
	gens   map[string]uint64 // bumped on Leave; in-flight results from older generations are dropped
	writes map[string]uint64 // bumped on every local or remote change to a conversation
}

// NewService creates a Service. Close releases its channels.
func NewService(cfg Config) (*Service, error) {
	switch {
	case cfg.Store == nil:
		return nil, errors.New("chat: store is required")
	case cfg.Auth == nil:
		return nil, errors.New("chat: authenticator is required")
	case cfg.Channels == nil:
		return nil, errors.New("chat: channel manager is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Limiter == nil {
		cfg.Limiter = ratelimit.New(ratelimit.DefaultMaxPerWindow, ratelimit.DefaultWindow)
	}
	if cfg.Retrier == nil {
		cfg.Retrier = resilience.NewRetrier(resilience.DefaultPolicy(), cfg.Logger)
	}
	if cfg.Dedup == nil {
		cfg.Dedup = resilience.NewDeduplicator(resilience.DefaultDedupWindow)
	}
	if cfg.Cache == nil {
		cfg.Cache = NewCache(DefaultCapacity)
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.MaxContentLength <= 0 {
		cfg.MaxContentLength = DefaultMaxContentLength
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cfg:    cfg,
		cache:  cfg.Cache,
		logger: cfg.Logger,
		ctx:    ctx,
		cancel: cancel,
		active: make(map[string]*conversation),
		gens:   make(map[string]uint64),
		writes: make(map[string]uint64),
	}, nil
}

// Cache returns the underlying message cache.
func (s *Service) Cache() *Cache { return s.cache }

// Messages returns the cached view of a conversation, oldest first.
func (s *Service) Messages(conversationID string) []domain.Message {
	return s.cache.Messages(conversationID)
}

// Active reports whether the conversation is subscribed.
func (s *Service) Active(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[conversationID]
	return ok
}

func (s *Service) generation(conversationID string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gens[conversationID]
}

func (s *Service) current(conversationID string, gen uint64) bool {
	return s.generation(conversationID) == gen
}

func (s *Service) writeVersion(conversationID string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes[conversationID]
}

// touch records a change to the conversation. Fetch results from before the
// change are never shared with later callers.
func (s *Service) touch(conversationID string) {
	s.mu.Lock()
	s.writes[conversationID]++
	s.mu.Unlock()
}

// fetchAttempts bounds how often a fetch is repeated because the
// conversation changed while it was in flight.
const fetchAttempts = 3

// FetchPage loads a page of history. Identical concurrent fetches share one
// backend call. An unfiltered fetch resets the cached view up to the page's
// newest message; an After fetch merges newer messages into it. A fetch that
// overlaps a change to the conversation is repeated.
func (s *Service) FetchPage(ctx context.Context, conversationID string, opts PageOptions) (Page, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = s.cfg.PageSize
	}
	ascending := !opts.After.IsZero()
	gen := s.generation(conversationID)

	var (
		rows []domain.Message
		err  error
	)
	for attempt := 1; ; attempt++ {
		version := s.writeVersion(conversationID)
		key := fmt.Sprintf("fetch:%s:%d:%d:%d:%s:%d:%s", conversationID, version, limit,
			unixNano(opts.Before), opts.BeforeID, unixNano(opts.After), opts.AfterID)
		rows, err = resilience.Deduplicate(ctx, s.cfg.Dedup, key, func(ctx context.Context) ([]domain.Message, error) {
			return resilience.Retry(ctx, s.cfg.Retrier, "list_messages", func(ctx context.Context) ([]domain.Message, error) {
				return s.cfg.Store.ListMessages(ctx, conversationID, domain.ListOptions{
					Limit:     limit + 1,
					Before:    opts.Before,
					BeforeID:  opts.BeforeID,
					After:     opts.After,
					AfterID:   opts.AfterID,
					Ascending: ascending,
				})
			})
		})
		if err != nil {
			return Page{}, fmt.Errorf("fetch messages for %s: %w", conversationID, err)
		}
		if attempt == fetchAttempts || s.writeVersion(conversationID) == version {
			break
		}
		s.logger.Debug("conversation changed during fetch, refetching", "conversation", conversationID)
	}

	page := Page{HasMore: len(rows) > limit}
	if page.HasMore {
		rows = rows[:limit]
	}
	msgs := make([]domain.Message, len(rows))
	if ascending {
		copy(msgs, rows)
	} else {
		for i, m := range rows {
			msgs[len(rows)-1-i] = m
		}
	}
	page.Messages = msgs

	if !s.current(conversationID, gen) {
		return page, nil
	}
	switch {
	case opts.Before.IsZero() && opts.After.IsZero():
		s.cache.Reset(conversationID, msgs)
	case ascending:
		for _, m := range msgs {
			s.cache.Insert(m)
		}
	}
	return page, nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

// Send validates, rate limits and persists a message, then inserts it into
// the cached view ahead of its change-feed echo.
func (s *Service) Send(ctx context.Context, conversationID, content, replyToID string) (domain.Message, error) {
	userID, err := s.currentUser(ctx)
	if err != nil {
		return domain.Message{}, err
	}
	content, err = s.validate(content)
	if err != nil {
		return domain.Message{}, err
	}
	if err := s.cfg.Limiter.Check(userID); err != nil {
		return domain.Message{}, err
	}

	gen := s.generation(conversationID)
	msg, err := resilience.Retry(ctx, s.cfg.Retrier, "insert_message", func(ctx context.Context) (domain.Message, error) {
		return s.cfg.Store.InsertMessage(ctx, domain.NewMessage{
			ConversationID: conversationID,
			SenderID:       userID,
			Content:        content,
			ReplyToID:      replyToID,
		})
	})
	if err != nil {
		return domain.Message{}, fmt.Errorf("send message: %w", err)
	}
	metrics.MessagesSent.Inc()
	s.touch(conversationID)

	if s.current(conversationID, gen) {
		if s.cache.Insert(msg) {
			s.emit(conversationID, Inserted{Message: msg})
		} else {
			// The change-feed echo won the race.
			metrics.EchoesDeduplicated.Inc()
		}
	}
	return msg, nil
}

// Edit changes the content of one of the current user's messages.
func (s *Service) Edit(ctx context.Context, conversationID, messageID, content string) (domain.Message, error) {
	userID, err := s.currentUser(ctx)
	if err != nil {
		return domain.Message{}, err
	}
	content, err = s.validate(content)
	if err != nil {
		return domain.Message{}, err
	}
	if cached, ok := s.cache.Get(conversationID, messageID); ok && cached.SenderID != userID {
		return domain.Message{}, domain.ErrPermissionDenied
	}

	msg, err := resilience.Retry(ctx, s.cfg.Retrier, "update_message", func(ctx context.Context) (domain.Message, error) {
		return s.cfg.Store.UpdateMessage(ctx, messageID, userID, content)
	})
	if err != nil {
		return domain.Message{}, fmt.Errorf("edit message %s: %w", messageID, err)
	}
	s.touch(conversationID)
	if s.cache.Replace(msg) {
		s.emit(conversationID, Edited{Message: msg})
	}
	return msg, nil
}

// Delete removes one of the current user's messages.
func (s *Service) Delete(ctx context.Context, conversationID, messageID string) error {
	userID, err := s.currentUser(ctx)
	if err != nil {
		return err
	}
	if cached, ok := s.cache.Get(conversationID, messageID); ok && cached.SenderID != userID {
		return domain.ErrPermissionDenied
	}

	_, err = resilience.Retry(ctx, s.cfg.Retrier, "delete_message", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.cfg.Store.DeleteMessage(ctx, messageID, userID)
	})
	if err != nil {
		return fmt.Errorf("delete message %s: %w", messageID, err)
	}
	s.touch(conversationID)
	if s.cache.Remove(conversationID, messageID) {
		s.emit(conversationID, Deleted{ConversationID: conversationID, MessageID: messageID})
	}
	return nil
}

func (s *Service) currentUser(ctx context.Context) (string, error) {
	userID, ok := s.cfg.Auth.CurrentUserID(ctx)
	if !ok || userID == "" {
		return "", domain.ErrUnauthenticated
	}
	return userID, nil
}

func (s *Service) validate(content string) (string, error) {
	return ValidateContent(content, s.cfg.MaxContentLength)
}

// ValidateContent trims content and rejects it when empty or longer than
// maxLen characters.
func ValidateContent(content string, maxLen int) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", &domain.ValidationError{Field: "content", Reason: "must not be empty"}
	}
	if n := utf8.RuneCountInString(content); n > maxLen {
		return "", &domain.ValidationError{
			Field:  "content",
			Reason: fmt.Sprintf("%d characters exceeds the limit of %d", n, maxLen),
		}
	}
	return content, nil
}

// Subscribe activates the conversation's change feed and returns a new event
// stream. The first subscribe acquires and subscribes the channel; later
// ones add streams to the same subscription.
func (s *Service) Subscribe(ctx context.Context, conversationID string) (*Feed, error) {
	s.mu.Lock()
	if c, ok := s.active[conversationID]; ok {
		f := newFeed(s, conversationID, s.cfg.FeedBuffer)
		c.feeds[f] = struct{}{}
		s.mu.Unlock()
		return f, nil
	}
	s.mu.Unlock()

	ch, err := s.cfg.Channels.Acquire(conversationID)
	if err != nil {
		return nil, fmt.Errorf("acquire channel for %s: %w", conversationID, err)
	}

	s.mu.Lock()
	if c, ok := s.active[conversationID]; ok {
		// Lost a race with a concurrent Subscribe.
		f := newFeed(s, conversationID, s.cfg.FeedBuffer)
		c.feeds[f] = struct{}{}
		s.mu.Unlock()
		s.cfg.Channels.Release(conversationID)
		return f, nil
	}
	gen := s.gens[conversationID]
	f := newFeed(s, conversationID, s.cfg.FeedBuffer)
	s.active[conversationID] = &conversation{channel: ch, feeds: map[*Feed]struct{}{f: {}}}
	s.mu.Unlock()

	ch.Transport().OnChange(conversationID, func(ev domain.ChangeEvent) {
		if s.current(conversationID, gen) {
			s.handleChange(ev)
		}
	})
	ch.OnError(func(err error) {
		if s.current(conversationID, gen) {
			s.emit(conversationID, Failed{ConversationID: conversationID, Err: err})
		}
	})
	if err := ch.Subscribe(ctx); err != nil {
		s.Leave(conversationID)
		return nil, fmt.Errorf("subscribe %s: %w", conversationID, err)
	}
	s.logger.Debug("conversation subscribed", "conversation", conversationID)
	return f, nil
}

// Leave clears the cached view, closes every feed and releases the channel.
// In-flight fetches and lookups for the conversation are discarded.
func (s *Service) Leave(conversationID string) {
	s.mu.Lock()
	s.gens[conversationID]++
	c, ok := s.active[conversationID]
	delete(s.active, conversationID)
	s.mu.Unlock()

	s.cache.Clear(conversationID)
	if !ok {
		return
	}
	for f := range c.feeds {
		f.shutdown()
	}
	s.cfg.Channels.Release(conversationID)
	s.logger.Debug("conversation left", "conversation", conversationID)
}

// Close leaves every active conversation and cancels background lookups.
func (s *Service) Close() {
	s.cancel()
	s.mu.Lock()
	ids := make([]string, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.Leave(id)
	}
}

func (s *Service) detach(f *Feed) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.active[f.conversationID]; ok {
		delete(c.feeds, f)
	}
}

func (s *Service) emit(conversationID string, ev Event) {
	s.mu.Lock()
	c, ok := s.active[conversationID]
	var feeds []*Feed
	if ok {
		feeds = make([]*Feed, 0, len(c.feeds))
		for f := range c.feeds {
			feeds = append(feeds, f)
		}
	}
	s.mu.Unlock()
	for _, f := range feeds {
		if !f.push(ev) {
			s.logger.Warn("feed full, event dropped", "conversation", conversationID)
		}
	}
}
