package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"eventchat/internal/domain"

	"github.com/gorilla/websocket"
)

// ErrDisconnected is reported when the gateway connection is gone.
var ErrDisconnected = errors.New("gateway: disconnected")

// requestTimeout bounds store requests whose context has no deadline.
const requestTimeout = 30 * time.Second

// Client is a remote domain.Transport and domain.MessageStore backed by one
// gateway connection. Store writes act as the user the connection was dialed
// with. Listener callbacks run on a dispatch goroutine separate from the
// reader, so they may issue store requests.
type Client struct {
	ws     *websocket.Conn
	logger *slog.Logger
	userID string
	seq    atomic.Uint64

	writeMu sync.Mutex

	mu       sync.Mutex
	channels map[string]*clientChannel
	pending  map[string]chan Push
	queue    []Push
	signal   chan struct{}
	closed   bool
	broken   bool
	readDone chan struct{}
	done     chan struct{}
}

var (
	_ domain.Transport    = (*Client)(nil)
	_ domain.MessageStore = (*Client)(nil)
)

// Dial connects to a gateway WebSocket endpoint such as
// ws://host:8090/ws?user=u1. The user query parameter binds store writes.
func Dial(ctx context.Context, rawURL string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var userID string
	if u, err := url.Parse(rawURL); err == nil {
		userID = u.Query().Get("user")
	}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		return nil, &domain.TransientError{Err: fmt.Errorf("dial gateway: %w", err)}
	}
	c := &Client{
		ws:       ws,
		logger:   logger,
		userID:   userID,
		channels: make(map[string]*clientChannel),
		pending:  make(map[string]chan Push),
		signal:   make(chan struct{}, 1),
		readDone: make(chan struct{}),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	go c.dispatchLoop()
	return c, nil
}

// Channel implements domain.Transport.
func (c *Client) Channel(name string) domain.TransportChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.channels[name]; ok {
		return ch
	}
	ch := &clientChannel{
		client:       c,
		topic:        name,
		state:        domain.StatusUnsubscribed,
		changeFns:    make(map[string][]func(domain.ChangeEvent)),
		broadcastFns: make(map[string][]func(json.RawMessage)),
	}
	c.channels[name] = ch
	return ch
}

// Close closes the connection and waits for the client goroutines.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.writeMu.Lock()
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	err := c.ws.Close()
	<-c.done
	return err
}

func (c *Client) nextRef() string {
	return strconv.FormatUint(c.seq.Add(1), 10)
}

func (c *Client) write(f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", f.Type, err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return &domain.TransientError{Err: fmt.Errorf("write %s frame: %w", f.Type, err)}
	}
	return nil
}

// request sends a store frame and waits for its result.
func (c *Client) request(ctx context.Context, typ string, req Request) (Push, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, requestTimeout)
		defer cancel()
	}
	ref := c.nextRef()
	result := make(chan Push, 1)
	c.mu.Lock()
	if c.closed || c.broken {
		c.mu.Unlock()
		return Push{}, &domain.TransientError{Err: ErrDisconnected}
	}
	c.pending[ref] = result
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, ref)
		c.mu.Unlock()
	}()

	if err := c.write(Frame{Type: typ, Ref: ref, Request: &req}); err != nil {
		return Push{}, err
	}
	select {
	case p, ok := <-result:
		if !ok {
			return Push{}, &domain.TransientError{Err: ErrDisconnected}
		}
		if p.Error != "" {
			return Push{}, pushError(p, c.userID)
		}
		return p, nil
	case <-ctx.Done():
		return Push{}, fmt.Errorf("%s request: %w", typ, ctx.Err())
	}
}

// deliver hands a push to the request waiting on its ref.
func (c *Client) deliver(p Push) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.pending[p.Ref]
	if !ok {
		return false
	}
	delete(c.pending, p.Ref)
	ch <- p
	return true
}

func (c *Client) readLoop() {
	defer close(c.readDone)
	defer c.failPending()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("gateway read error", "err", err)
			}
			return
		}
		var p Push
		if err := json.Unmarshal(data, &p); err != nil {
			c.logger.Warn("invalid gateway push", "err", err)
			continue
		}
		if (p.Type == PushResult || p.Type == PushError) && p.Ref != "" && c.deliver(p) {
			continue
		}
		if p.Type == PushError && p.Topic == "" {
			c.logger.Warn("gateway error", "ref", p.Ref, "error", p.Error)
			continue
		}
		c.mu.Lock()
		c.queue = append(c.queue, p)
		c.mu.Unlock()
		select {
		case c.signal <- struct{}{}:
		default:
		}
	}
}

func (c *Client) failPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.broken = true
	for ref, ch := range c.pending {
		close(ch)
		delete(c.pending, ref)
	}
}

// dispatchLoop runs channel listeners in arrival order until the reader has
// stopped and the queue is drained.
func (c *Client) dispatchLoop() {
	defer close(c.done)
	defer c.disconnectAll()
	for {
		c.mu.Lock()
		batch := c.queue
		c.queue = nil
		c.mu.Unlock()
		for _, p := range batch {
			c.mu.Lock()
			ch := c.channels[p.Topic]
			c.mu.Unlock()
			if ch != nil {
				ch.handle(p)
			}
		}
		if len(batch) > 0 {
			continue
		}
		select {
		case <-c.signal:
		case <-c.readDone:
			c.mu.Lock()
			empty := len(c.queue) == 0
			c.mu.Unlock()
			if empty {
				return
			}
		}
	}
}

func (c *Client) disconnectAll() {
	c.mu.Lock()
	all := make([]*clientChannel, 0, len(c.channels))
	for _, ch := range c.channels {
		all = append(all, ch)
	}
	c.channels = make(map[string]*clientChannel)
	c.mu.Unlock()
	for _, ch := range all {
		ch.disconnected()
	}
}

// InsertMessage sends a message as the connection's user.
func (c *Client) InsertMessage(ctx context.Context, in domain.NewMessage) (domain.Message, error) {
	p, err := c.request(ctx, FrameSend, Request{
		ConversationID: in.ConversationID,
		Content:        in.Content,
		ReplyToID:      in.ReplyToID,
	})
	return messageOf(p), err
}

// UpdateMessage edits a message owned by the connection's user. userID is
// checked by the server against the connection, not taken from the call.
func (c *Client) UpdateMessage(ctx context.Context, id, _ string, content string) (domain.Message, error) {
	p, err := c.request(ctx, FrameEdit, Request{MessageID: id, Content: content})
	return messageOf(p), err
}

// DeleteMessage deletes a message owned by the connection's user.
func (c *Client) DeleteMessage(ctx context.Context, id, _ string) error {
	_, err := c.request(ctx, FrameDelete, Request{MessageID: id})
	return err
}

func (c *Client) ListMessages(ctx context.Context, conversationID string, opts domain.ListOptions) ([]domain.Message, error) {
	p, err := c.request(ctx, FrameList, Request{
		ConversationID: conversationID,
		Limit:          opts.Limit,
		Before:         opts.Before,
		BeforeID:       opts.BeforeID,
		After:          opts.After,
		AfterID:        opts.AfterID,
		Ascending:      opts.Ascending,
	})
	return p.Messages, err
}

func (c *Client) GetMessage(ctx context.Context, id string) (domain.Message, error) {
	p, err := c.request(ctx, FrameGetMessage, Request{MessageID: id})
	return messageOf(p), err
}

func (c *Client) GetProfile(ctx context.Context, userID string) (domain.Author, error) {
	p, err := c.request(ctx, FrameGetProfile, Request{UserID: userID})
	if err != nil || p.Author == nil {
		return domain.Author{}, err
	}
	return *p.Author, nil
}

// UpsertProfile saves the connection user's profile. The server ignores
// profile.ID.
func (c *Client) UpsertProfile(ctx context.Context, profile domain.Author) error {
	_, err := c.request(ctx, FrameUpsertProfile, Request{DisplayName: profile.DisplayName, AvatarURL: profile.AvatarURL})
	return err
}

func messageOf(p Push) domain.Message {
	if p.Message == nil {
		return domain.Message{}
	}
	return *p.Message
}

func (c *Client) forget(ch *clientChannel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channels[ch.topic] == ch {
		delete(c.channels, ch.topic)
	}
}

// clientChannel is one topic joined through the gateway.
type clientChannel struct {
	client *Client
	topic  string

	mu           sync.Mutex
	state        domain.ChannelStatus
	onStatus     func(domain.ChannelStatus, error)
	changeFns    map[string][]func(domain.ChangeEvent)
	broadcastFns map[string][]func(json.RawMessage)
	presenceFns  []func(domain.PresenceEvent)
}

func (ch *clientChannel) Name() string { return ch.topic }

func (ch *clientChannel) OnChange(conversationID string, fn func(domain.ChangeEvent)) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.changeFns[conversationID] = append(ch.changeFns[conversationID], fn)
}

func (ch *clientChannel) OnBroadcast(event string, fn func(json.RawMessage)) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.broadcastFns[event] = append(ch.broadcastFns[event], fn)
}

func (ch *clientChannel) OnPresence(fn func(domain.PresenceEvent)) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.presenceFns = append(ch.presenceFns, fn)
}

// Subscribe sends a join frame. The outcome arrives later as a status push.
func (ch *clientChannel) Subscribe(onStatus func(domain.ChannelStatus, error)) {
	ch.mu.Lock()
	if ch.state == domain.StatusSubscribed || ch.state == domain.StatusSubscribing {
		ch.mu.Unlock()
		return
	}
	ch.state = domain.StatusSubscribing
	ch.onStatus = onStatus
	convs := make([]string, 0, len(ch.changeFns))
	for id := range ch.changeFns {
		convs = append(convs, id)
	}
	ch.mu.Unlock()

	ch.notify(domain.StatusSubscribing, nil)
	err := ch.client.write(Frame{Type: FrameJoin, Ref: ch.client.nextRef(), Topic: ch.topic, Conversations: convs})
	if err != nil {
		ch.setState(domain.StatusErrored)
		ch.notify(domain.StatusErrored, &domain.SubscriptionError{Channel: ch.topic, Err: err})
	}
}

func (ch *clientChannel) Send(ctx context.Context, event string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return ch.client.write(Frame{Type: FrameBroadcast, Topic: ch.topic, Event: event, Payload: raw})
}

func (ch *clientChannel) Track(ctx context.Context, state any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}
	return ch.client.write(Frame{Type: FrameTrack, Topic: ch.topic, Payload: raw})
}

func (ch *clientChannel) Untrack(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return ch.client.write(Frame{Type: FrameUntrack, Topic: ch.topic})
}

func (ch *clientChannel) Unsubscribe() error {
	ch.mu.Lock()
	was := ch.state
	ch.state = domain.StatusUnsubscribed
	ch.onStatus = nil
	ch.mu.Unlock()

	ch.client.forget(ch)
	if was == domain.StatusUnsubscribed || was == domain.StatusErrored {
		return nil
	}
	return ch.client.write(Frame{Type: FrameLeave, Topic: ch.topic})
}

func (ch *clientChannel) setState(s domain.ChannelStatus) {
	ch.mu.Lock()
	ch.state = s
	ch.mu.Unlock()
}

func (ch *clientChannel) notify(s domain.ChannelStatus, err error) {
	ch.mu.Lock()
	fn := ch.onStatus
	ch.mu.Unlock()
	if fn != nil {
		fn(s, err)
	}
}

func (ch *clientChannel) disconnected() {
	ch.mu.Lock()
	active := ch.state == domain.StatusSubscribed || ch.state == domain.StatusSubscribing
	if active {
		ch.state = domain.StatusErrored
	}
	ch.mu.Unlock()
	if active {
		ch.notify(domain.StatusErrored, &domain.SubscriptionError{Channel: ch.topic, Err: ErrDisconnected})
	}
}

func (ch *clientChannel) handle(p Push) {
	switch p.Type {
	case PushStatus:
		var err error
		if p.Status == domain.StatusErrored {
			err = &domain.SubscriptionError{Channel: ch.topic, Err: errors.New(p.Error)}
		}
		ch.setState(p.Status)
		ch.notify(p.Status, err)
	case PushChange:
		if p.Change == nil {
			return
		}
		ch.mu.Lock()
		fns := slices.Clone(ch.changeFns[p.Change.ConversationID])
		ch.mu.Unlock()
		for _, fn := range fns {
			fn(*p.Change)
		}
	case PushBroadcast:
		ch.mu.Lock()
		fns := slices.Clone(ch.broadcastFns[p.Event])
		ch.mu.Unlock()
		for _, fn := range fns {
			fn(p.Payload)
		}
	case PushPresenceSync, PushPresenceJoin, PushPresenceLeave:
		if p.Presence == nil {
			return
		}
		ch.mu.Lock()
		fns := slices.Clone(ch.presenceFns)
		ch.mu.Unlock()
		for _, fn := range fns {
			fn(*p.Presence)
		}
	case PushError:
		ch.client.logger.Warn("gateway error", "topic", ch.topic, "ref", p.Ref, "error", p.Error)
	}
}
