package session

import (
	"context"
	"sync"

	"eventchat/internal/chat"
	"eventchat/internal/domain"
	"eventchat/internal/presence"
	"eventchat/internal/realtime"
	"eventchat/internal/typing"
)

// Conversation is one joined conversation within a session.
type Conversation struct {
	id     string
	userID string
	self   domain.Author
	m      *Manager

	channel *realtime.Channel
	// ready is closed once the join finished; feed and joinErr are set before.
	ready    chan struct{}
	joinErr  error
	feed     *chat.Feed
	typing   *typing.Set
	presence *presence.Tracker

	mu      sync.Mutex
	untrack func(context.Context) error
	left    bool
}

func (c *Conversation) ID() string { return c.id }

// wait blocks until a concurrent Join of c has finished.
func (c *Conversation) wait(ctx context.Context) (*Conversation, error) {
	select {
	case <-c.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if c.joinErr != nil {
		return nil, c.joinErr
	}
	return c, nil
}

// Events returns the message event stream.
func (c *Conversation) Events() <-chan chat.Event { return c.feed.Events() }

// Messages returns the cached view, oldest first.
func (c *Conversation) Messages() []domain.Message { return c.m.chat.Messages(c.id) }

// Status returns the channel's subscription status.
func (c *Conversation) Status() domain.ChannelStatus { return c.channel.Status() }

// Typing is the set of remote users currently typing.
func (c *Conversation) Typing() *typing.Set { return c.typing }

// Presence is the set of users online in the conversation.
func (c *Conversation) Presence() *presence.Tracker { return c.presence }

// Fetch loads a page of history.
func (c *Conversation) Fetch(ctx context.Context, opts chat.PageOptions) (chat.Page, error) {
	return c.m.chat.FetchPage(ctx, c.id, opts)
}

// Send posts a message, optionally as a reply, and ends the typing signal.
func (c *Conversation) Send(ctx context.Context, content, replyToID string) (domain.Message, error) {
	msg, err := c.m.chat.Send(ctx, c.id, content, replyToID)
	if err != nil {
		return msg, err
	}
	if c.m.broadcaster.Active(c.id, c.userID) {
		c.StopTyping(ctx)
	}
	return msg, nil
}

// Edit changes one of the user's messages.
func (c *Conversation) Edit(ctx context.Context, messageID, content string) (domain.Message, error) {
	return c.m.chat.Edit(ctx, c.id, messageID, content)
}

// Delete removes one of the user's messages.
func (c *Conversation) Delete(ctx context.Context, messageID string) error {
	return c.m.chat.Delete(ctx, c.id, messageID)
}

// KeyPressed signals that the user is typing. Call it on every input change;
// stop_typing follows automatically once input goes idle.
func (c *Conversation) KeyPressed(ctx context.Context) error {
	return c.m.broadcaster.Typing(ctx, c.channel.Transport(), c.id, c.userID)
}

// StopTyping ends the typing signal immediately.
func (c *Conversation) StopTyping(ctx context.Context) error {
	return c.m.broadcaster.Stop(ctx, c.channel.Transport(), c.id, c.userID)
}

// announce tracks presence after every successful (re)subscribe. Typing
// state from before the subscribe is stale and dropped.
func (c *Conversation) announce() {
	c.typing.Clear()

	c.mu.Lock()
	if c.left {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	untrack, err := c.presence.Track(c.m.ctx, c.channel.Transport(), c.self)
	if err != nil {
		c.m.logger.Warn("presence track failed", "conversation", c.id, "err", err)
		return
	}
	c.mu.Lock()
	c.untrack = untrack
	c.mu.Unlock()
}

func (c *Conversation) withdraw() {
	c.mu.Lock()
	c.left = true
	untrack := c.untrack
	c.untrack = nil
	c.mu.Unlock()
	if untrack == nil {
		return
	}
	if err := untrack(c.m.ctx); err != nil {
		c.m.logger.Debug("presence untrack failed", "conversation", c.id, "err", err)
	}
}
