// Package console is an interactive terminal client for one conversation.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"eventchat/internal/chat"
	"eventchat/internal/domain"
	"eventchat/internal/presence"
	"eventchat/internal/typing"

	"github.com/dustin/go-humanize"
)

// Conversation is the subset of a joined conversation the console drives.
type Conversation interface {
	ID() string
	Events() <-chan chat.Event
	Messages() []domain.Message
	Fetch(ctx context.Context, opts chat.PageOptions) (chat.Page, error)
	Send(ctx context.Context, content, replyToID string) (domain.Message, error)
	Edit(ctx context.Context, messageID, content string) (domain.Message, error)
	Delete(ctx context.Context, messageID string) error
	KeyPressed(ctx context.Context) error
	StopTyping(ctx context.Context) error
	Typing() *typing.Set
	Presence() *presence.Tracker
}

type Config struct {
	Conversation Conversation
	UserID       string
	Logger       *slog.Logger
	In           io.Reader
	Out          io.Writer
	// Now is used for relative timestamps.
	Now func() time.Time
}

// Console reads commands from In and renders the conversation to Out.
type Console struct {
	conv   Conversation
	userID string
	logger *slog.Logger
	in     io.Reader
	now    func() time.Time

	outMu sync.Mutex
	out   io.Writer

	// older holds messages loaded by /more. They are outside the cached
	// view but can still be targeted by id.
	older  []domain.Message
	oldest domain.Message
}

const helpText = `Commands:
  <text>                 send a message
  /reply <id> <text>     reply to a message
  /edit <id> <text>      edit one of your messages
  /delete <id>           delete one of your messages
  /more                  load older messages
  /history               show loaded messages
  /who                   list users online
  /typing                tell others you are typing
  /quit                  leave
Message ids may be abbreviated to any unique prefix.`

func New(cfg Config) *Console {
	if cfg.In == nil {
		cfg.In = os.Stdin
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Console{
		conv:   cfg.Conversation,
		userID: cfg.UserID,
		logger: cfg.Logger,
		in:     cfg.In,
		out:    cfg.Out,
		now:    cfg.Now,
	}
}

// Run loads the latest page, then runs the REPL until /quit, EOF or ctx is
// cancelled.
func (c *Console) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	c.conv.Typing().OnChange(c.renderTyping)
	c.conv.Presence().OnChange(func(online []domain.PresenceEntry) {
		c.printf("* %d online\n", len(online))
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.pump(ctx)
	}()
	defer func() {
		cancel()
		wg.Wait()
	}()

	c.printf("Joined %s. Type /help for commands, /quit to exit.\n", c.conv.ID())
	if page, err := c.conv.Fetch(ctx, chat.PageOptions{}); err != nil {
		c.printf("! could not load history: %v\n", err)
	} else {
		for _, m := range page.Messages {
			c.printf("%s\n", c.render(m))
		}
		if len(page.Messages) > 0 {
			c.oldest = page.Messages[0]
		}
	}

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-scanErr:
			return err // nil on EOF
		case line := <-lines:
			quit := c.handle(ctx, strings.TrimSpace(line))
			if quit {
				c.logger.Info("user requested quit")
				return nil
			}
		}
	}
}

// handle runs one input line and reports whether the console should exit.
func (c *Console) handle(ctx context.Context, line string) bool {
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		c.send(ctx, line, "")
		return false
	}

	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	switch cmd {
	case "/quit", "/exit", "/q":
		c.conv.StopTyping(ctx)
		return true
	case "/help":
		c.printf("%s\n", helpText)
	case "/reply":
		id, text, ok := c.target(rest)
		if ok {
			c.send(ctx, text, id)
		}
	case "/edit":
		id, text, ok := c.target(rest)
		if !ok {
			break
		}
		if _, err := c.conv.Edit(ctx, id, text); err != nil {
			c.printErr("edit", err)
		}
	case "/delete":
		id, _, ok := c.target(rest)
		if !ok {
			break
		}
		if err := c.conv.Delete(ctx, id); err != nil {
			c.printErr("delete", err)
		}
	case "/more":
		c.more(ctx)
	case "/history":
		for _, m := range c.conv.Messages() {
			c.printf("%s\n", c.render(m))
		}
	case "/who":
		for _, p := range c.conv.Presence().List() {
			name := p.DisplayName
			if name == "" {
				name = p.UserID
			}
			c.printf("  %s (online %s)\n", name, humanize.RelTime(p.OnlineAt, c.now(), "ago", "from now"))
		}
	case "/typing":
		if err := c.conv.KeyPressed(ctx); err != nil {
			c.printErr("typing", err)
		}
	default:
		c.printf("! unknown command %s, try /help\n", cmd)
	}
	return false
}

func (c *Console) send(ctx context.Context, text, replyTo string) {
	if _, err := c.conv.Send(ctx, text, replyTo); err != nil {
		c.printErr("send", err)
	}
}

func (c *Console) more(ctx context.Context) {
	opts := chat.PageOptions{Before: c.oldest.CreatedAt, BeforeID: c.oldest.ID}
	if opts.Before.IsZero() {
		if cached := c.conv.Messages(); len(cached) > 0 {
			opts.Before, opts.BeforeID = cached[0].CreatedAt, cached[0].ID
		}
	}
	page, err := c.conv.Fetch(ctx, opts)
	if err != nil {
		c.printErr("load", err)
		return
	}
	if len(page.Messages) == 0 {
		c.printf("* no older messages\n")
		return
	}
	for _, m := range page.Messages {
		c.printf("%s\n", c.render(m))
	}
	c.older = append(page.Messages, c.older...)
	c.oldest = page.Messages[0]
	if !page.HasMore {
		c.printf("* start of conversation\n")
	}
}

// target splits "<id> <text>" and resolves id against the loaded messages.
func (c *Console) target(args string) (id, text string, ok bool) {
	prefix, text, _ := strings.Cut(args, " ")
	if prefix == "" {
		c.printf("! message id required\n")
		return "", "", false
	}
	var match string
	for _, m := range append(c.older, c.conv.Messages()...) {
		if !strings.HasPrefix(m.ID, prefix) {
			continue
		}
		if match != "" && match != m.ID {
			c.printf("! id %s is ambiguous\n", prefix)
			return "", "", false
		}
		match = m.ID
	}
	if match == "" {
		c.printf("! no loaded message matches %s\n", prefix)
		return "", "", false
	}
	return match, strings.TrimSpace(text), true
}

// pump renders message events until the feed closes or ctx ends.
func (c *Console) pump(ctx context.Context) {
	events := c.conv.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.renderEvent(ev)
		}
	}
}

func (c *Console) renderEvent(ev chat.Event) {
	switch e := ev.(type) {
	case chat.Inserted:
		c.printf("%s\n", c.render(e.Message))
	case chat.Edited:
		c.printf("~ %s\n", c.render(e.Message))
	case chat.Deleted:
		c.printf("- [%s] deleted\n", shortID(e.MessageID))
	case chat.Failed:
		c.printf("! connection problem: %v\n", e.Err)
	}
}

func (c *Console) renderTyping(users []string) {
	switch len(users) {
	case 0:
		return
	case 1:
		c.printf("… %s is typing\n", users[0])
	default:
		c.printf("… %s are typing\n", strings.Join(users, ", "))
	}
}

func (c *Console) render(m domain.Message) string {
	var b strings.Builder
	name := m.Author.DisplayName
	if name == "" {
		name = m.SenderID
	}
	if m.SenderID == c.userID {
		name += " (you)"
	}
	fmt.Fprintf(&b, "[%s] %s, %s: %s", shortID(m.ID), name,
		humanize.RelTime(m.CreatedAt, c.now(), "ago", "from now"), m.Content)
	if m.Edited() {
		b.WriteString(" (edited)")
	}
	if m.ReplyTo != nil {
		fmt.Fprintf(&b, "\n    ↳ re [%s]: %s", shortID(m.ReplyTo.ID), m.ReplyTo.Content)
	}
	return b.String()
}

func (c *Console) printErr(op string, err error) {
	var rl *domain.RateLimitError
	var ve *domain.ValidationError
	switch {
	case errors.As(err, &rl):
		c.printf("! slow down: retry in %s\n", rl.RetryAfter.Round(time.Second))
	case errors.As(err, &ve):
		c.printf("! %v\n", ve)
	case errors.Is(err, domain.ErrPermissionDenied):
		c.printf("! %s: that message is not yours\n", op)
	default:
		c.printf("! %s failed: %v\n", op, err)
	}
}

func (c *Console) printf(format string, args ...any) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	_, _ = fmt.Fprintf(c.out, format, args...)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
