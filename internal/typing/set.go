package typing

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"eventchat/internal/domain"
	"eventchat/internal/metrics"
)

// Set is the receiving view of who is typing in one conversation. Entries
// expire timeout after the last typing signal and are pruned on read.
type Set struct {
	conversationID string
	localUserID    string
	timeout        time.Duration
	now            func() time.Time
	logger         *slog.Logger

	mu       sync.Mutex
	entries  map[string]time.Time // user id -> expires at
	onChange func(users []string)
}

// SetOption configures a Set.
type SetOption func(*Set)

// WithClock overrides the time source.
func WithClock(now func() time.Time) SetOption {
	return func(s *Set) { s.now = now }
}

// WithLogger sets the logger used for malformed payloads.
func WithLogger(l *slog.Logger) SetOption {
	return func(s *Set) { s.logger = l }
}

// NewSet creates an empty Set. Typing signals from localUserID are ignored.
func NewSet(conversationID, localUserID string, timeout time.Duration, opts ...SetOption) *Set {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	s := &Set{
		conversationID: conversationID,
		localUserID:    localUserID,
		timeout:        timeout,
		now:            time.Now,
		logger:         slog.Default(),
		entries:        make(map[string]time.Time),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// OnChange registers fn to be called with the visible users after every
// mutation.
func (s *Set) OnChange(fn func(users []string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}

// Attach wires the set to a channel's typing broadcasts.
func (s *Set) Attach(ch domain.TransportChannel) {
	ch.OnBroadcast(domain.EventTyping, func(raw json.RawMessage) {
		if p, ok := s.decode(raw); ok {
			s.Typing(p.UserID)
		}
	})
	ch.OnBroadcast(domain.EventStopTyping, func(raw json.RawMessage) {
		if p, ok := s.decode(raw); ok {
			s.Remove(p.UserID)
		}
	})
}

func (s *Set) decode(raw json.RawMessage) (domain.TypingPayload, bool) {
	p, err := domain.DecodeTyping(raw)
	if err != nil {
		s.logger.Warn("dropping typing payload", "conversation", s.conversationID, "err", err)
		metrics.DroppedEvents.WithLabelValues("typing_parse").Inc()
		return p, false
	}
	if p.ConversationID != "" && p.ConversationID != s.conversationID {
		return p, false
	}
	return p, true
}

// Typing records a typing signal from userID.
func (s *Set) Typing(userID string) {
	if userID == "" || userID == s.localUserID {
		return
	}
	s.mu.Lock()
	s.entries[userID] = s.now().Add(s.timeout)
	s.mu.Unlock()
	s.notify()
}

// Remove drops userID, on stop_typing or presence leave. Removing an absent
// user is a no-op.
func (s *Set) Remove(userID string) {
	s.mu.Lock()
	_, ok := s.entries[userID]
	delete(s.entries, userID)
	s.mu.Unlock()
	if ok {
		s.notify()
	}
}

// Entries returns the visible entries sorted by user id.
func (s *Set) Entries() []domain.TypingEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.visibleLocked()
}

// Users returns the ids of users visibly typing, sorted.
func (s *Set) Users() []string {
	entries := s.Entries()
	users := make([]string, len(entries))
	for i, e := range entries {
		users[i] = e.UserID
	}
	return users
}

// Clear forgets everyone.
func (s *Set) Clear() {
	s.mu.Lock()
	clear(s.entries)
	s.mu.Unlock()
}

func (s *Set) visibleLocked() []domain.TypingEntry {
	now := s.now()
	out := make([]domain.TypingEntry, 0, len(s.entries))
	for id, exp := range s.entries {
		e := domain.TypingEntry{UserID: id, ExpiresAt: exp}
		if !e.Visible(now) {
			delete(s.entries, id)
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (s *Set) notify() {
	s.mu.Lock()
	fn := s.onChange
	var users []string
	if fn != nil {
		for _, e := range s.visibleLocked() {
			users = append(users, e.UserID)
		}
	}
	s.mu.Unlock()
	if fn != nil {
		fn(users)
	}
}
