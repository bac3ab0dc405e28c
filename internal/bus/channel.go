package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"eventchat/internal/domain"
	"eventchat/internal/metrics"

	"github.com/google/uuid"
)

// Channel is one subscriber on a hub topic. It implements domain.TransportChannel.
// Listener callbacks run on the channel's dispatcher goroutine, one at a time,
// in delivery order.
type Channel struct {
	hub  *Hub
	name string
	key  string // presence key, unique per channel

	mu           sync.Mutex
	state        domain.ChannelStatus
	changeFns    map[string][]func(domain.ChangeEvent)
	broadcastFns map[string][]func(json.RawMessage)
	presenceFns  []func(domain.PresenceEvent)
	mailbox      chan func()
	done         chan struct{}
}

func newChannel(h *Hub, name string) *Channel {
	return &Channel{
		hub:          h,
		name:         name,
		key:          uuid.NewString(),
		state:        domain.StatusUnsubscribed,
		changeFns:    make(map[string][]func(domain.ChangeEvent)),
		broadcastFns: make(map[string][]func(json.RawMessage)),
	}
}

func (c *Channel) Name() string { return c.name }

// Key returns the presence key of this channel.
func (c *Channel) Key() string { return c.key }

// Status returns the current subscription state.
func (c *Channel) Status() domain.ChannelStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnChange registers a change-feed listener filtered by conversation id.
// Listeners added after Subscribe take effect immediately.
func (c *Channel) OnChange(conversationID string, fn func(domain.ChangeEvent)) {
	c.mu.Lock()
	c.changeFns[conversationID] = append(c.changeFns[conversationID], fn)
	subscribed := c.state == domain.StatusSubscribed
	c.mu.Unlock()
	if subscribed {
		c.hub.listenChanges(c, conversationID)
	}
}

// OnBroadcast registers a listener for a named broadcast event.
func (c *Channel) OnBroadcast(event string, fn func(json.RawMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.broadcastFns[event] = append(c.broadcastFns[event], fn)
}

// OnPresence registers a listener for presence sync/join/leave events.
func (c *Channel) OnPresence(fn func(domain.PresenceEvent)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.presenceFns = append(c.presenceFns, fn)
}

// Subscribe joins the topic. onStatus receives subscribing, then subscribed
// or errored. Subscribing an already subscribed channel is a no-op.
func (c *Channel) Subscribe(onStatus func(domain.ChannelStatus, error)) {
	notify := func(s domain.ChannelStatus, err error) {
		if onStatus != nil {
			onStatus(s, err)
		}
	}

	c.mu.Lock()
	if c.state == domain.StatusSubscribed || c.state == domain.StatusSubscribing {
		c.mu.Unlock()
		return
	}
	c.state = domain.StatusSubscribing
	mailbox := make(chan func(), c.hub.bufferSize)
	done := make(chan struct{})
	c.mailbox, c.done = mailbox, done
	c.mu.Unlock()

	go c.dispatch(mailbox, done)
	notify(domain.StatusSubscribing, nil)

	if err := c.hub.join(c); err != nil {
		c.mu.Lock()
		c.state = domain.StatusErrored
		c.mailbox, c.done = nil, nil
		c.mu.Unlock()
		close(done)
		notify(domain.StatusErrored, &domain.SubscriptionError{Channel: c.name, Err: err})
		return
	}

	c.mu.Lock()
	c.state = domain.StatusSubscribed
	c.mu.Unlock()
	notify(domain.StatusSubscribed, nil)
}

// Send broadcasts payload to every other subscriber of the topic.
func (c *Channel) Send(ctx context.Context, event string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.Status() != domain.StatusSubscribed {
		return ErrNotSubscribed
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}
	c.hub.broadcast(c, event, raw)
	return nil
}

// Track publishes this channel's presence state to the topic.
func (c *Channel) Track(ctx context.Context, state any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}
	return c.hub.track(c, raw)
}

// Untrack withdraws this channel's presence state.
func (c *Channel) Untrack(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.hub.untrack(c)
}

// Unsubscribe leaves the topic and stops the dispatcher. Pending deliveries
// are dropped. Safe to call more than once.
func (c *Channel) Unsubscribe() error {
	c.mu.Lock()
	if c.state != domain.StatusSubscribed {
		c.state = domain.StatusUnsubscribed
		c.mu.Unlock()
		return nil
	}
	c.state = domain.StatusUnsubscribed
	done := c.done
	c.mailbox, c.done = nil, nil
	c.mu.Unlock()

	c.hub.leave(c)
	close(done)
	return nil
}

func (c *Channel) changeConversations() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.changeFns))
	for id := range c.changeFns {
		ids = append(ids, id)
	}
	return ids
}

func (c *Channel) deliverChange(ev domain.ChangeEvent) {
	c.mu.Lock()
	fns := slices.Clone(c.changeFns[ev.ConversationID])
	c.mu.Unlock()
	if len(fns) == 0 {
		return
	}
	c.offer("change", func() {
		for _, fn := range fns {
			fn(ev)
		}
	})
}

func (c *Channel) deliverBroadcast(event string, payload json.RawMessage) {
	c.mu.Lock()
	fns := slices.Clone(c.broadcastFns[event])
	c.mu.Unlock()
	if len(fns) == 0 {
		return
	}
	c.enqueue(event, func() {
		for _, fn := range fns {
			fn(payload)
		}
	})
}

func (c *Channel) deliverPresence(ev domain.PresenceEvent) {
	c.mu.Lock()
	fns := slices.Clone(c.presenceFns)
	c.mu.Unlock()
	if len(fns) == 0 {
		return
	}
	c.enqueue("presence_"+string(ev.Type), func() {
		for _, fn := range fns {
			fn(ev)
		}
	})
}

// offer never blocks: change events are published from the store's write
// path, so a full mailbox drops the event.
func (c *Channel) offer(kind string, fn func()) {
	c.mu.Lock()
	mailbox, done := c.mailbox, c.done
	c.mu.Unlock()
	if mailbox == nil {
		return
	}
	select {
	case mailbox <- fn:
	case <-done:
	default:
		metrics.DroppedEvents.WithLabelValues("mailbox_full").Inc()
		c.hub.logger.Warn("event dropped: mailbox full", "topic", c.name, "event", kind)
	}
}

// enqueue blocks up to publishTimeout when the mailbox is full instead of
// dropping immediately.
func (c *Channel) enqueue(kind string, fn func()) {
	c.mu.Lock()
	mailbox, done := c.mailbox, c.done
	c.mu.Unlock()
	if mailbox == nil {
		return
	}

	select {
	case mailbox <- fn:
		return
	case <-done:
		return
	default:
	}

	c.hub.logger.Warn("channel mailbox full, waiting...", "topic", c.name, "event", kind)
	timer := time.NewTimer(publishTimeout)
	defer timer.Stop()
	select {
	case mailbox <- fn:
	case <-done:
	case <-timer.C:
		c.hub.logger.Error("event dropped: mailbox full", "topic", c.name, "event", kind)
	}
}

func (c *Channel) dispatch(mailbox chan func(), done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case fn := <-mailbox:
			c.run(fn)
		}
	}
}

func (c *Channel) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.hub.logger.Error("channel listener panic", "topic", c.name, "panic", r)
		}
	}()
	fn()
}
