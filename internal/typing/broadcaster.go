// Package typing implements both sides of typing indicators: the emitting
// Broadcaster with its auto-stop timers and the receiving Set of remote
// users currently typing.
package typing

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"eventchat/internal/domain"
	"eventchat/internal/metrics"
)

// DefaultTimeout is how long a typing signal stays valid without a refresh.
const DefaultTimeout = 3000 * time.Millisecond

type timerKey struct {
	conversationID string
	userID         string
}

// Broadcaster emits typing and stop_typing events. Every Typing call re-arms
// a per-(conversation, user) timer that emits stop_typing once the user has
// been idle for the timeout.
type Broadcaster struct {
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.Mutex
	timers map[timerKey]*time.Timer
	closed bool
}

// NewBroadcaster creates a Broadcaster. A non-positive timeout selects DefaultTimeout.
func NewBroadcaster(timeout time.Duration, logger *slog.Logger) *Broadcaster {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		timeout: timeout,
		logger:  logger,
		timers:  make(map[timerKey]*time.Timer),
	}
}

// Typing cancels any pending auto-stop for the user, emits typing and arms a
// fresh auto-stop timer.
func (b *Broadcaster) Typing(ctx context.Context, sender domain.Broadcaster, conversationID, userID string) error {
	k := timerKey{conversationID, userID}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	if t, ok := b.timers[k]; ok {
		t.Stop()
		delete(b.timers, k)
	}
	b.mu.Unlock()

	payload := domain.TypingPayload{UserID: userID, ConversationID: conversationID}
	if err := sender.Send(ctx, domain.EventTyping, payload); err != nil {
		return err
	}
	metrics.TypingBroadcasts.WithLabelValues(domain.EventTyping).Inc()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	var t *time.Timer
	t = time.AfterFunc(b.timeout, func() {
		b.mu.Lock()
		if b.timers[k] != t {
			b.mu.Unlock()
			return
		}
		delete(b.timers, k)
		b.mu.Unlock()
		b.emitStop(context.Background(), sender, payload)
	})
	if old, ok := b.timers[k]; ok {
		old.Stop()
	}
	b.timers[k] = t
	return nil
}

// Stop cancels the pending auto-stop and emits stop_typing immediately.
func (b *Broadcaster) Stop(ctx context.Context, sender domain.Broadcaster, conversationID, userID string) error {
	k := timerKey{conversationID, userID}
	b.mu.Lock()
	if t, ok := b.timers[k]; ok {
		t.Stop()
		delete(b.timers, k)
	}
	b.mu.Unlock()
	return b.emitStop(ctx, sender, domain.TypingPayload{UserID: userID, ConversationID: conversationID})
}

// StopConversation cancels every pending auto-stop for a conversation without
// emitting anything. Used when the conversation's channel goes away.
func (b *Broadcaster) StopConversation(conversationID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k, t := range b.timers {
		if k.conversationID == conversationID {
			t.Stop()
			delete(b.timers, k)
		}
	}
}

// Active reports whether an auto-stop is armed for the user.
func (b *Broadcaster) Active(conversationID, userID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.timers[timerKey{conversationID, userID}]
	return ok
}

// Pending returns the number of armed auto-stop timers.
func (b *Broadcaster) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.timers)
}

// Close stops all timers. Later calls are ignored.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for k, t := range b.timers {
		t.Stop()
		delete(b.timers, k)
	}
}

func (b *Broadcaster) emitStop(ctx context.Context, sender domain.Broadcaster, payload domain.TypingPayload) error {
	if err := sender.Send(ctx, domain.EventStopTyping, payload); err != nil {
		b.logger.Warn("stop_typing send failed", "conversation", payload.ConversationID, "user", payload.UserID, "err", err)
		return err
	}
	metrics.TypingBroadcasts.WithLabelValues(domain.EventStopTyping).Inc()
	return nil
}
