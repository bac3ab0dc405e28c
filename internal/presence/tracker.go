// Package presence keeps the set of users attached to a conversation channel,
// fed by presence sync/join/leave events.
package presence

import (
	"context"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"eventchat/internal/domain"
	"eventchat/internal/metrics"
)

// Tracker is the presence view of one conversation.
type Tracker struct {
	conversationID string
	now            func() time.Time
	logger         *slog.Logger

	mu       sync.Mutex
	online   map[string]domain.PresenceEntry
	onLeave  []func(userID string)
	onChange []func([]domain.PresenceEntry)
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the time source used for OnlineAt.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithLogger sets the tracker's logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// NewTracker creates an empty Tracker for a conversation.
func NewTracker(conversationID string, opts ...Option) *Tracker {
	t := &Tracker{
		conversationID: conversationID,
		now:            time.Now,
		logger:         slog.Default(),
		online:         make(map[string]domain.PresenceEntry),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Track announces self on the channel with OnlineAt set to now and returns a
// func that withdraws the announcement.
func (t *Tracker) Track(ctx context.Context, pt domain.PresenceTracker, self domain.Author) (untrack func(context.Context) error, err error) {
	entry := domain.PresenceEntry{
		UserID:      self.ID,
		DisplayName: self.DisplayName,
		AvatarURL:   self.AvatarURL,
		OnlineAt:    t.now().UTC(),
	}
	if err := pt.Track(ctx, entry); err != nil {
		return nil, err
	}
	var once sync.Once
	return func(ctx context.Context) error {
		var err error
		once.Do(func() { err = pt.Untrack(ctx) })
		return err
	}, nil
}

// Attach wires the tracker to a channel's presence events.
func (t *Tracker) Attach(ch domain.TransportChannel) {
	ch.OnPresence(t.Handle)
}

// Handle applies one presence event. Undecodable states are dropped.
func (t *Tracker) Handle(ev domain.PresenceEvent) {
	entries := make([]domain.PresenceEntry, 0, len(ev.States))
	for _, raw := range ev.States {
		e, err := domain.DecodePresence(raw)
		if err != nil {
			t.logger.Warn("dropping presence state", "conversation", t.conversationID, "err", err)
			metrics.DroppedEvents.WithLabelValues("presence_parse").Inc()
			continue
		}
		entries = append(entries, e)
	}
	switch ev.Type {
	case domain.PresenceSync:
		t.Sync(entries)
	case domain.PresenceJoin:
		t.Join(entries...)
	case domain.PresenceLeave:
		t.Leave(entries...)
	default:
		t.logger.Warn("unknown presence event", "conversation", t.conversationID, "type", ev.Type)
	}
}

// Sync replaces the set with the snapshot.
func (t *Tracker) Sync(snapshot []domain.PresenceEntry) {
	t.mu.Lock()
	next := make(map[string]domain.PresenceEntry, len(snapshot))
	for _, e := range snapshot {
		next[e.UserID] = e
	}
	var gone []string
	for id := range t.online {
		if _, ok := next[id]; !ok {
			gone = append(gone, id)
		}
	}
	t.online = next
	t.mu.Unlock()

	t.fireLeave(gone)
	t.fireChange()
}

// Join adds or refreshes entries.
func (t *Tracker) Join(entries ...domain.PresenceEntry) {
	t.mu.Lock()
	for _, e := range entries {
		t.online[e.UserID] = e
	}
	t.mu.Unlock()
	t.fireChange()
}

// Leave removes entries and fires leave callbacks.
func (t *Tracker) Leave(entries ...domain.PresenceEntry) {
	t.mu.Lock()
	var gone []string
	for _, e := range entries {
		if _, ok := t.online[e.UserID]; ok {
			delete(t.online, e.UserID)
			gone = append(gone, e.UserID)
		}
	}
	t.mu.Unlock()

	t.fireLeave(gone)
	if len(gone) > 0 {
		t.fireChange()
	}
}

// List returns online users ordered by OnlineAt, then user id.
func (t *Tracker) List() []domain.PresenceEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.listLocked()
}

// Online reports whether userID is present.
func (t *Tracker) Online(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.online[userID]
	return ok
}

// OnLeave registers fn for every user that leaves.
func (t *Tracker) OnLeave(fn func(userID string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onLeave = append(t.onLeave, fn)
}

// OnChange registers fn to receive the list after every change.
func (t *Tracker) OnChange(fn func([]domain.PresenceEntry)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onChange = append(t.onChange, fn)
}

// Clear forgets everyone without firing callbacks.
func (t *Tracker) Clear() {
	t.mu.Lock()
	clear(t.online)
	t.mu.Unlock()
}

func (t *Tracker) listLocked() []domain.PresenceEntry {
	out := make([]domain.PresenceEntry, 0, len(t.online))
	for _, e := range t.online {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].OnlineAt.Equal(out[j].OnlineAt) {
			return out[i].OnlineAt.Before(out[j].OnlineAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

func (t *Tracker) fireLeave(users []string) {
	if len(users) == 0 {
		return
	}
	t.mu.Lock()
	fns := slices.Clone(t.onLeave)
	t.mu.Unlock()
	sort.Strings(users)
	for _, id := range users {
		for _, fn := range fns {
			fn(id)
		}
	}
}

func (t *Tracker) fireChange() {
	t.mu.Lock()
	fns := slices.Clone(t.onChange)
	list := t.listLocked()
	t.mu.Unlock()
	for _, fn := range fns {
		fn(list)
	}
}
