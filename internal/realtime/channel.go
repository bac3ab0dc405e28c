package realtime

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"eventchat/internal/domain"
	"eventchat/internal/resilience"
)

// ErrClosed is returned when using a released channel or a closed manager.
var ErrClosed = errors.New("realtime: channel closed")

// Channel wraps one transport channel with status tracking, listener fan-out
// and bounded automatic resubscribe.
type Channel struct {
	conversationID string
	tc             domain.TransportChannel
	policy         resilience.Policy
	maxAttempts    int
	logger         *slog.Logger

	mu        sync.Mutex
	status    domain.ChannelStatus
	statusFns []func(domain.ChannelStatus)
	errorFns  []func(error)
	failures  int
	retry     *time.Timer
	ctx       context.Context
	closed    bool
}

func newChannel(conversationID string, tc domain.TransportChannel, policy resilience.Policy, attempts int, logger *slog.Logger) *Channel {
	return &Channel{
		conversationID: conversationID,
		tc:             tc,
		policy:         policy,
		maxAttempts:    attempts,
		logger:         logger.With("conversation", conversationID),
		status:         domain.StatusUnsubscribed,
	}
}

func (c *Channel) ConversationID() string { return c.conversationID }

// Transport exposes the underlying channel for attaching listeners, sending
// broadcasts and tracking presence.
func (c *Channel) Transport() domain.TransportChannel { return c.tc }

// Status returns the last reported subscription status.
func (c *Channel) Status() domain.ChannelStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// OnStatus registers a listener for status transitions.
func (c *Channel) OnStatus(fn func(domain.ChannelStatus)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statusFns = append(c.statusFns, fn)
}

// OnError registers a listener for subscription failures. Errors are
// *domain.SubscriptionError values.
func (c *Channel) OnError(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errorFns = append(c.errorFns, fn)
}

// Subscribe subscribes the transport channel. Listeners must be attached
// first. Failures are reported through OnError; while ctx is live the channel
// resubscribes up to the configured number of attempts. Subscribing an
// already subscribed channel is a no-op.
func (c *Channel) Subscribe(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.status == domain.StatusSubscribed || c.status == domain.StatusSubscribing {
		c.mu.Unlock()
		return nil
	}
	c.ctx = ctx
	c.failures = 0
	c.mu.Unlock()

	c.subscribe()
	return nil
}

func (c *Channel) subscribe() {
	c.tc.Subscribe(c.handleStatus)
}

func (c *Channel) handleStatus(status domain.ChannelStatus, err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.status = status
	statusFns := slices.Clone(c.statusFns)
	var errorFns []func(error)
	var wait time.Duration
	resubscribe := false

	switch status {
	case domain.StatusSubscribed:
		c.failures = 0
	case domain.StatusErrored:
		errorFns = append(errorFns, c.errorFns...)
		if c.failures < c.maxAttempts && c.ctx != nil && c.ctx.Err() == nil {
			wait = c.policy.Backoff(c.failures)
			c.failures++
			resubscribe = true
			c.retry = time.AfterFunc(wait, c.resubscribe)
		}
	}
	attempt := c.failures
	c.mu.Unlock()

	for _, fn := range statusFns {
		fn(status)
	}
	if status != domain.StatusErrored {
		return
	}
	if err == nil {
		err = &domain.SubscriptionError{Channel: ChannelName(c.conversationID), Err: errors.New("subscription errored")}
	}
	var se *domain.SubscriptionError
	if !errors.As(err, &se) {
		err = &domain.SubscriptionError{Channel: ChannelName(c.conversationID), Err: err}
	}
	if resubscribe {
		c.logger.Warn("channel subscribe failed, retrying", "attempt", attempt, "backoff", wait, "err", err)
	} else {
		c.logger.Error("channel subscribe failed", "err", err)
	}
	for _, fn := range errorFns {
		fn(err)
	}
}

func (c *Channel) resubscribe() {
	c.mu.Lock()
	c.retry = nil
	live := !c.closed && c.ctx != nil && c.ctx.Err() == nil
	c.mu.Unlock()
	if live {
		c.subscribe()
	}
}

// close unsubscribes the transport channel and stops pending resubscribes.
func (c *Channel) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	c.status = domain.StatusUnsubscribed
	statusFns := slices.Clone(c.statusFns)
	c.mu.Unlock()

	if err := c.tc.Unsubscribe(); err != nil {
		c.logger.Warn("channel unsubscribe failed", "err", err)
	}
	for _, fn := range statusFns {
		fn(domain.StatusUnsubscribed)
	}
}
