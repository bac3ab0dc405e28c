package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"eventchat/internal/bus"
	"eventchat/internal/chat"
	"eventchat/internal/domain"
	"eventchat/internal/metrics"
	"eventchat/internal/ratelimit"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const writeTimeout = 10 * time.Second

// Config configures the gateway server.
type Config struct {
	Host string
	Port int
	Path string // WebSocket endpoint path (default: /ws)
	// FramesPerSecond and Burst bound inbound frames per connection.
	FramesPerSecond float64
	Burst           int
	// Token, when set, must be presented as ?token= or a Bearer header.
	Token string
	Hub   *bus.Hub
	// Store serves request frames. Without it only hub frames are accepted.
	// Its change feed should be Hub so that writes reach subscribers.
	Store domain.MessageStore
	// Limiter and MaxContentLength guard send frames per connection user.
	Limiter          *ratelimit.Limiter
	MaxContentLength int
	// Extra handlers mounted next to the WebSocket endpoint, such as /metrics.
	Extra  map[string]http.Handler
	Logger *slog.Logger
}

// Server accepts WebSocket connections and joins them to hub topics.
type Server struct {
	cfg    Config
	logger *slog.Logger
	server *http.Server

	mu    sync.Mutex
	conns map[*conn]struct{}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// NewServer creates a gateway server.
func NewServer(cfg Config) *Server {
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	if cfg.Port == 0 {
		cfg.Port = 8090
	}
	if cfg.FramesPerSecond <= 0 {
		cfg.FramesPerSecond = 20
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 40
	}
	if cfg.Limiter == nil {
		cfg.Limiter = ratelimit.New(ratelimit.DefaultMaxPerWindow, ratelimit.DefaultWindow)
	}
	if cfg.MaxContentLength <= 0 {
		cfg.MaxContentLength = chat.DefaultMaxContentLength
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{cfg: cfg, logger: cfg.Logger, conns: make(map[*conn]struct{})}
}

// Handler returns the HTTP handler serving the WebSocket endpoint and any
// extra handlers.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.handleUpgrade)
	for path, h := range s.cfg.Extra {
		mux.Handle(path, h)
	}
	return mux
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("gateway starting", "addr", s.server.Addr, "path", s.cfg.Path)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.closeAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// Connections returns the number of open connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) closeAll() {
	s.mu.Lock()
	all := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		all = append(all, c)
	}
	s.mu.Unlock()
	for _, c := range all {
		c.ws.Close()
	}
}

func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.Token == "" {
		return true
	}
	got := r.URL.Query().Get("token")
	if got == "" {
		got = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.Token)) == 1
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		s.logger.Warn("gateway client rejected", "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "err", err)
		return
	}

	// The connection acts as the user it declares; writes are scoped to it.
	userID := r.URL.Query().Get("user")
	c := &conn{
		srv:      s,
		ws:       ws,
		userID:   userID,
		limiter:  rate.NewLimiter(rate.Limit(s.cfg.FramesPerSecond), s.cfg.Burst),
		channels: make(map[string]*bus.Channel),
		logger:   s.logger.With("remote", r.RemoteAddr, "user", userID),
	}
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	metrics.GatewayConnections.Inc()
	c.logger.Info("gateway client connected")

	defer func() {
		c.closeChannels()
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		metrics.GatewayConnections.Dec()
		ws.Close()
		c.logger.Info("gateway client disconnected")
	}()

	c.readLoop(r.Context())
}

// conn is one WebSocket client and the hub channels it has joined.
type conn struct {
	srv     *Server
	ws      *websocket.Conn
	userID  string
	limiter *rate.Limiter
	logger  *slog.Logger

	writeMu sync.Mutex

	mu       sync.Mutex
	channels map[string]*bus.Channel
}

func (c *conn) readLoop(ctx context.Context) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Error("websocket read error", "err", err)
			}
			return
		}
		var f Frame
		parseErr := json.Unmarshal(data, &f)
		if !c.limiter.Allow() {
			metrics.DroppedEvents.WithLabelValues("gateway_rate").Inc()
			c.push(Push{Type: PushError, Ref: f.Ref, Error: "rate limited", Code: CodeTransient})
			continue
		}
		if parseErr != nil {
			c.logger.Warn("invalid gateway frame", "err", parseErr)
			c.push(Push{Type: PushError, Error: "invalid frame"})
			continue
		}
		if err := c.handle(ctx, f); err != nil {
			c.push(Push{Type: PushError, Ref: f.Ref, Topic: f.Topic, Error: err.Error()})
		}
	}
}

func (c *conn) handle(ctx context.Context, f Frame) error {
	switch f.Type {
	case FrameJoin:
		return c.join(f)
	case FrameLeave:
		c.leave(f.Topic)
		return nil
	case FrameBroadcast:
		ch, err := c.channel(f.Topic)
		if err != nil {
			return err
		}
		return ch.Send(ctx, f.Event, f.Payload)
	case FrameTrack:
		ch, err := c.channel(f.Topic)
		if err != nil {
			return err
		}
		return ch.Track(ctx, f.Payload)
	case FrameUntrack:
		ch, err := c.channel(f.Topic)
		if err != nil {
			return err
		}
		return ch.Untrack(ctx)
	case FrameSend, FrameEdit, FrameDelete, FrameList, FrameGetMessage, FrameGetProfile, FrameUpsertProfile:
		c.request(ctx, f)
		return nil
	default:
		return fmt.Errorf("unknown frame type %q", f.Type)
	}
}

func (c *conn) join(f Frame) error {
	if f.Topic == "" {
		return errors.New("join without topic")
	}
	c.mu.Lock()
	if _, ok := c.channels[f.Topic]; ok {
		c.mu.Unlock()
		c.push(Push{Type: PushStatus, Ref: f.Ref, Topic: f.Topic, Status: domain.StatusSubscribed})
		return nil
	}
	c.mu.Unlock()

	topic := f.Topic
	ch := c.srv.cfg.Hub.Open(topic)
	convs := f.Conversations
	if len(convs) == 0 {
		if id, ok := strings.CutPrefix(topic, "conversation:"); ok {
			convs = []string{id}
		}
	}
	for _, id := range convs {
		ch.OnChange(id, func(ev domain.ChangeEvent) {
			c.push(Push{Type: PushChange, Topic: topic, Change: &ev})
		})
	}
	ch.OnPresence(func(ev domain.PresenceEvent) {
		c.push(presencePush(topic, ev))
	})
	// Typing events are the only broadcasts carried on conversation topics.
	for _, event := range []string{domain.EventTyping, domain.EventStopTyping} {
		event := event
		ch.OnBroadcast(event, func(p json.RawMessage) {
			c.push(Push{Type: PushBroadcast, Topic: topic, Event: event, Payload: p})
		})
	}

	var subErr error
	ch.Subscribe(func(s domain.ChannelStatus, err error) {
		if s == domain.StatusErrored {
			subErr = err
		}
	})
	if subErr != nil {
		c.push(Push{Type: PushStatus, Ref: f.Ref, Topic: topic, Status: domain.StatusErrored, Error: subErr.Error()})
		return nil
	}

	c.mu.Lock()
	c.channels[topic] = ch
	c.mu.Unlock()
	c.push(Push{Type: PushStatus, Ref: f.Ref, Topic: topic, Status: domain.StatusSubscribed})
	return nil
}

func (c *conn) leave(topic string) {
	c.mu.Lock()
	ch, ok := c.channels[topic]
	delete(c.channels, topic)
	c.mu.Unlock()
	if ok {
		ch.Unsubscribe()
	}
}

func (c *conn) channel(topic string) (*bus.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.channels[topic]
	if !ok {
		return nil, fmt.Errorf("topic %q not joined", topic)
	}
	return ch, nil
}

func (c *conn) closeChannels() {
	c.mu.Lock()
	all := c.channels
	c.channels = make(map[string]*bus.Channel)
	c.mu.Unlock()
	for _, ch := range all {
		ch.Unsubscribe()
	}
}

func (c *conn) push(p Push) {
	data, err := json.Marshal(p)
	if err != nil {
		c.logger.Error("encode push", "type", p.Type, "err", err)
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		c.logger.Debug("websocket write failed", "type", p.Type, "err", err)
	}
}
