// Package ratelimit caps outbound messages per sending actor.
package ratelimit

import (
	"sync"
	"time"

	"eventchat/internal/domain"
	"eventchat/internal/metrics"
)

const (
	DefaultMaxPerWindow = 30
	DefaultWindow       = time.Minute

	// sweepThreshold is the number of tracked actors above which stale
	// windows are dropped on the next call.
	sweepThreshold = 1024
)

type window struct {
	count     int
	startedAt time.Time
}

// Limiter is a per-actor message window. A window opens on the first message
// and resets lazily on the first call at least Window after it opened; there
// is no background timer.
type Limiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	now     func() time.Time
	windows map[string]*window
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a Limiter allowing maxPerWindow messages per actor per window.
func New(maxPerWindow int, win time.Duration, opts ...Option) *Limiter {
	if maxPerWindow <= 0 {
		maxPerWindow = DefaultMaxPerWindow
	}
	if win <= 0 {
		win = DefaultWindow
	}
	l := &Limiter{
		max:     maxPerWindow,
		window:  win,
		now:     time.Now,
		windows: make(map[string]*window),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow records one message for actorID and reports whether it is within budget.
func (l *Limiter) Allow(actorID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if len(l.windows) > sweepThreshold {
		l.sweep(now)
	}

	w, ok := l.windows[actorID]
	if !ok || now.Sub(w.startedAt) >= l.window {
		l.windows[actorID] = &window{count: 1, startedAt: now}
		return true
	}
	if w.count < l.max {
		w.count++
		return true
	}
	return false
}

// Check is Allow returning a *domain.RateLimitError on rejection.
func (l *Limiter) Check(actorID string) error {
	if l.Allow(actorID) {
		return nil
	}
	metrics.RateLimited.Inc()
	return &domain.RateLimitError{
		ActorID:    actorID,
		Limit:      l.max,
		RetryAfter: l.RetryAfter(actorID),
	}
}

// RetryAfter returns how long until actorID's current window resets.
func (l *Limiter) RetryAfter(actorID string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.windows[actorID]
	if !ok {
		return 0
	}
	remaining := l.window - l.now().Sub(w.startedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Remaining returns how many more messages actorID may send in its window.
func (l *Limiter) Remaining(actorID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.windows[actorID]
	if !ok || l.now().Sub(w.startedAt) >= l.window {
		return l.max
	}
	return l.max - w.count
}

// Reset forgets actorID's window.
func (l *Limiter) Reset(actorID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, actorID)
}

func (l *Limiter) sweep(now time.Time) {
	for id, w := range l.windows {
		if now.Sub(w.startedAt) >= l.window {
			delete(l.windows, id)
		}
	}
}
