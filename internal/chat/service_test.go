package chat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"eventchat/internal/bus"
	"eventchat/internal/domain"
	"eventchat/internal/metrics"
	"eventchat/internal/ratelimit"
	"eventchat/internal/realtime"
	"eventchat/internal/resilience"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastPolicy() resilience.Policy {
	return resilience.Policy{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

type fixture struct {
	store    *memStore
	hub      *bus.Hub
	channels *realtime.Manager
	svc      *Service
}

func newFixture(t *testing.T, mutate ...func(*Config, *bus.HubConfig)) *fixture {
	t.Helper()
	cfg := Config{
		Auth:    domain.StaticUser("u1"),
		Retrier: resilience.NewRetrier(fastPolicy(), testLogger()),
		Logger:  testLogger(),
	}
	hubCfg := bus.HubConfig{Logger: testLogger()}
	for _, m := range mutate {
		m(&cfg, &hubCfg)
	}

	hub := bus.NewHub(hubCfg)
	store := newMemStore()
	store.feed = hub
	channels := realtime.NewManager(realtime.Config{Transport: hub, Policy: fastPolicy(), Logger: testLogger()})
	cfg.Store = store
	cfg.Channels = channels

	svc, err := NewService(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		svc.Close()
		channels.Close()
		hub.Close()
	})
	return &fixture{store: store, hub: hub, channels: channels, svc: svc}
}

func next(t *testing.T, f *Feed) Event {
	t.Helper()
	select {
	case ev, ok := <-f.Events():
		if !ok {
			t.Fatal("feed closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for feed event")
	}
	return nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func contents(msgs []domain.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}

func strp(s string) *string { return &s }

// --- Send: validation, auth, rate limit ---

func TestSend_ContentLengthBoundary(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	if _, err := fx.svc.Send(ctx, "c1", strings.Repeat("é", 2000), ""); err != nil {
		t.Fatalf("2000 characters should be accepted: %v", err)
	}
	_, err := fx.svc.Send(ctx, "c1", strings.Repeat("é", 2001), "")
	var ve *domain.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError for 2001 characters, got %v", err)
	}
	if fx.store.count("insert") != 1 {
		t.Fatalf("rejected content must not reach the store, got %d inserts", fx.store.count("insert"))
	}
}

func TestSend_WhitespaceRejected(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.svc.Send(context.Background(), "c1", " \n\t ", "")
	var ve *domain.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestSend_TrimsContent(t *testing.T) {
	fx := newFixture(t)
	m, err := fx.svc.Send(context.Background(), "c1", "  hello  ", "")
	if err != nil {
		t.Fatal(err)
	}
	if m.Content != "hello" {
		t.Fatalf("expected trimmed content, got %q", m.Content)
	}
}

func TestSend_Unauthenticated(t *testing.T) {
	fx := newFixture(t, func(c *Config, _ *bus.HubConfig) { c.Auth = domain.StaticUser("") })
	_, err := fx.svc.Send(context.Background(), "c1", "hello", "")
	if !errors.Is(err, domain.ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
	if fx.store.count("insert") != 0 {
		t.Fatal("no backend call expected without a user")
	}
}

func TestSend_RateLimitBoundary(t *testing.T) {
	fx := newFixture(t, func(c *Config, _ *bus.HubConfig) {
		c.Limiter = ratelimit.New(30, time.Minute)
	})
	ctx := context.Background()
	for i := 0; i < 30; i++ {
		if _, err := fx.svc.Send(ctx, "c1", "hi", ""); err != nil {
			t.Fatalf("send %d: %v", i+1, err)
		}
	}
	_, err := fx.svc.Send(ctx, "c1", "hi", "")
	var rle *domain.RateLimitError
	if !errors.As(err, &rle) {
		t.Fatalf("expected RateLimitError on 31st send, got %v", err)
	}
	if fx.store.count("insert") != 30 {
		t.Fatalf("expected 30 inserts, got %d", fx.store.count("insert"))
	}
}

// --- Send: retry ---

func TestSend_RetryExhaustion(t *testing.T) {
	fx := newFixture(t)
	transient := &domain.TransientError{StatusCode: 503, Err: errors.New("unavailable")}
	fx.store.failNext("insert", transient, transient, transient, transient)

	_, err := fx.svc.Send(context.Background(), "c1", "hello", "")
	var te *domain.TransientError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransientError, got %v", err)
	}
	if fx.store.count("insert") != 4 {
		t.Fatalf("expected 4 attempts, got %d", fx.store.count("insert"))
	}
}

func TestSend_TerminalErrorNotRetried(t *testing.T) {
	fx := newFixture(t)
	fx.store.failNext("insert", domain.ErrPermissionDenied)

	_, err := fx.svc.Send(context.Background(), "c1", "hello", "")
	if !errors.Is(err, domain.ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	if fx.store.count("insert") != 1 {
		t.Fatalf("expected 1 attempt, got %d", fx.store.count("insert"))
	}
}

func TestSend_RecoversAfterTransientFailure(t *testing.T) {
	fx := newFixture(t)
	fx.store.failNext("insert", &domain.TransientError{StatusCode: 502, Err: errors.New("bad gateway")})

	m, err := fx.svc.Send(context.Background(), "c1", "hello", "")
	if err != nil {
		t.Fatal(err)
	}
	if m.ID == "" {
		t.Fatal("expected backend-assigned id")
	}
	if fx.store.count("insert") != 2 {
		t.Fatalf("expected 2 attempts, got %d", fx.store.count("insert"))
	}
}

// --- Reconciliation ---

func TestSend_EchoIsDeduplicated(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	feed, err := fx.svc.Subscribe(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	before := testutil.ToFloat64(metrics.EchoesDeduplicated)

	sent, err := fx.svc.Send(ctx, "c1", "hello", "")
	if err != nil {
		t.Fatal(err)
	}
	ev := next(t, feed)
	ins, ok := ev.(Inserted)
	if !ok || ins.Message.ID != sent.ID {
		t.Fatalf("expected Inserted for %s, got %#v", sent.ID, ev)
	}
	waitFor(t, "echo dedup", func() bool {
		return testutil.ToFloat64(metrics.EchoesDeduplicated) == before+1
	})
	if diff := cmp.Diff([]string{"hello"}, contents(fx.svc.Messages("c1"))); diff != "" {
		t.Fatalf("cache mismatch (-want +got):\n%s", diff)
	}
}

func TestOnRemoteInsert_EchoBeforeSendReturns(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	row := domain.MessageRow{ID: "m1", ConversationID: "c1", UserID: "u1", Content: "hello", CreatedAt: base}

	if !fx.svc.OnRemoteInsert(ctx, row) {
		t.Fatal("first delivery should insert")
	}
	if fx.svc.OnRemoteInsert(ctx, row) {
		t.Fatal("second delivery should be discarded")
	}
	if fx.svc.Cache().Insert(row.ToMessage(domain.Author{}, nil)) {
		t.Fatal("local copy arriving after the echo must be discarded")
	}
	if n := len(fx.svc.Messages("c1")); n != 1 {
		t.Fatalf("expected one message, got %d", n)
	}
}

func TestOnRemoteInsert_ResolvesAuthorAndReply(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.store.UpsertProfile(ctx, domain.Author{ID: "u2", DisplayName: "Bea", AvatarURL: "https://img/u2"})
	parent := fx.store.seed("c1", "u1", "original")

	row := domain.MessageRow{ID: "r1", ConversationID: "c1", UserID: "u2", Content: "reply", ReplyToID: strp(parent.ID), CreatedAt: base.Add(time.Hour)}
	fx.svc.OnRemoteInsert(ctx, row)

	got, ok := fx.svc.Cache().Get("c1", "r1")
	if !ok {
		t.Fatal("expected message in cache")
	}
	want := domain.Message{
		ID: "r1", ConversationID: "c1", SenderID: "u2", Content: "reply", ReplyToID: parent.ID,
		CreatedAt: row.CreatedAt,
		Author:    domain.Author{ID: "u2", DisplayName: "Bea", AvatarURL: "https://img/u2"},
		ReplyTo:   &domain.ReplyPreview{ID: parent.ID, Content: "original", SenderID: "u1"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("message mismatch (-want +got):\n%s", diff)
	}
}

func TestOnRemoteInsert_CachedParentSkipsLookup(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.svc.Cache().Insert(msg("p1", 0))

	row := domain.MessageRow{ID: "r1", ConversationID: "c1", UserID: "u1", Content: "reply", ReplyToID: strp("p1"), CreatedAt: base.Add(time.Second)}
	fx.svc.OnRemoteInsert(ctx, row)
	if fx.store.count("get_message") != 0 {
		t.Fatal("cached parent should not be fetched")
	}
	got, _ := fx.svc.Cache().Get("c1", "r1")
	if got.ReplyTo == nil || got.ReplyTo.Content != "msg p1" {
		t.Fatalf("unexpected reply preview %+v", got.ReplyTo)
	}
}

func TestOnRemoteInsert_MissingProfileFallsBack(t *testing.T) {
	fx := newFixture(t)
	row := domain.MessageRow{ID: "m1", ConversationID: "c1", UserID: "ghost", Content: "boo", CreatedAt: base}
	fx.svc.OnRemoteInsert(context.Background(), row)
	got, _ := fx.svc.Cache().Get("c1", "m1")
	if got.Author.ID != "ghost" || got.Author.DisplayName != "" {
		t.Fatalf("expected bare author, got %+v", got.Author)
	}
}

func TestOnRemoteInsert_ProfileLookupsDeduplicated(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.store.UpsertProfile(ctx, domain.Author{ID: "u2", DisplayName: "Bea"})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			fx.svc.OnRemoteInsert(ctx, domain.MessageRow{
				ID: "m" + string(rune('a'+i)), ConversationID: "c1", UserID: "u2",
				Content: "burst", CreatedAt: base.Add(time.Duration(i) * time.Second),
			})
		}(i)
	}
	wg.Wait()
	if n := fx.store.count("get_profile"); n != 1 {
		t.Fatalf("expected one profile lookup, got %d", n)
	}
	if fx.svc.Cache().Len("c1") != 5 {
		t.Fatalf("expected 5 messages, got %d", fx.svc.Cache().Len("c1"))
	}
}

func TestOnRemoteUpdate_ReplacesAndKeepsAuthor(t *testing.T) {
	fx := newFixture(t)
	m := msg("a", 0)
	m.Author = domain.Author{ID: "u1", DisplayName: "Ann"}
	fx.svc.Cache().Insert(m)

	edited := time.Now()
	row := domain.MessageRow{ID: "a", ConversationID: "c1", UserID: "u1", Content: "changed", EditedAt: &edited, CreatedAt: m.CreatedAt}
	if !fx.svc.OnRemoteUpdate(row) {
		t.Fatal("expected update")
	}
	got, _ := fx.svc.Cache().Get("c1", "a")
	if got.Content != "changed" || got.Author.DisplayName != "Ann" || !got.Edited() {
		t.Fatalf("unexpected message %+v", got)
	}
}

func TestOnRemoteUpdate_UnknownDropped(t *testing.T) {
	fx := newFixture(t)
	row := domain.MessageRow{ID: "nope", ConversationID: "c1", UserID: "u1", Content: "x", CreatedAt: base}
	if fx.svc.OnRemoteUpdate(row) {
		t.Fatal("unknown update should be dropped")
	}
	if fx.svc.Cache().Len("c1") != 0 {
		t.Fatal("unknown update must not insert")
	}
}

func TestOnRemoteDelete_Idempotent(t *testing.T) {
	fx := newFixture(t)
	fx.svc.Cache().Insert(msg("a", 0))
	if !fx.svc.OnRemoteDelete("c1", "a") {
		t.Fatal("expected delete")
	}
	if fx.svc.OnRemoteDelete("c1", "a") {
		t.Fatal("second delete should be a no-op")
	}
}

// --- FetchPage ---

func TestFetchPage_NewestPageChronological(t *testing.T) {
	fx := newFixture(t)
	for _, c := range []string{"one", "two", "three", "four", "five"} {
		fx.store.seed("c1", "u1", c)
	}

	page, err := fx.svc.FetchPage(context.Background(), "c1", PageOptions{Limit: 3})
	if err != nil {
		t.Fatal(err)
	}
	if !page.HasMore {
		t.Fatal("expected more pages")
	}
	if diff := cmp.Diff([]string{"three", "four", "five"}, contents(page.Messages)); diff != "" {
		t.Fatalf("page mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"three", "four", "five"}, contents(fx.svc.Messages("c1"))); diff != "" {
		t.Fatalf("unfiltered fetch should reset the cache (-want +got):\n%s", diff)
	}

	older, err := fx.svc.FetchPage(context.Background(), "c1", PageOptions{Limit: 3, Before: page.Messages[0].CreatedAt})
	if err != nil {
		t.Fatal(err)
	}
	if older.HasMore {
		t.Fatal("expected last page")
	}
	if diff := cmp.Diff([]string{"one", "two"}, contents(older.Messages)); diff != "" {
		t.Fatalf("older page mismatch (-want +got):\n%s", diff)
	}
	if fx.svc.Cache().Len("c1") != 3 {
		t.Fatal("a Before page must not change the cache")
	}
	if fx.store.count("list") != 2 {
		t.Fatalf("expected 2 list calls, got %d", fx.store.count("list"))
	}
}

func TestFetchPage_AfterMergesNewer(t *testing.T) {
	fx := newFixture(t)
	first := fx.store.seed("c1", "u1", "one")
	fx.svc.FetchPage(context.Background(), "c1", PageOptions{})
	fx.store.seed("c1", "u1", "two")
	fx.store.seed("c1", "u1", "three")

	page, err := fx.svc.FetchPage(context.Background(), "c1", PageOptions{Limit: 1, After: first.CreatedAt})
	if err != nil {
		t.Fatal(err)
	}
	if !page.HasMore {
		t.Fatal("expected more")
	}
	if diff := cmp.Diff([]string{"two"}, contents(page.Messages)); diff != "" {
		t.Fatalf("page mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"one", "two"}, contents(fx.svc.Messages("c1"))); diff != "" {
		t.Fatalf("cache mismatch (-want +got):\n%s", diff)
	}
}

func TestFetchPage_ConcurrentIdenticalFetchesShareCall(t *testing.T) {
	fx := newFixture(t)
	fx.store.seed("c1", "u1", "one")
	fx.store.gate = make(chan struct{})

	var wg sync.WaitGroup
	results := make([]Page, 3)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = fx.svc.FetchPage(context.Background(), "c1", PageOptions{})
		}(i)
	}
	waitFor(t, "first list call", func() bool { return fx.store.count("list") == 1 })
	time.Sleep(20 * time.Millisecond)
	close(fx.store.gate)
	wg.Wait()

	if fx.store.count("list") != 1 {
		t.Fatalf("expected one backend call, got %d", fx.store.count("list"))
	}
	for i, p := range results {
		if len(p.Messages) != 1 {
			t.Fatalf("caller %d got %d messages", i, len(p.Messages))
		}
	}
}

func TestFetchPage_DiscardedAfterLeave(t *testing.T) {
	fx := newFixture(t)
	fx.store.seed("c1", "u1", "one")
	fx.store.gate = make(chan struct{})

	done := make(chan Page)
	go func() {
		p, _ := fx.svc.FetchPage(context.Background(), "c1", PageOptions{})
		done <- p
	}()
	waitFor(t, "list call", func() bool { return fx.store.count("list") == 1 })
	fx.svc.Leave("c1")
	close(fx.store.gate)

	if p := <-done; len(p.Messages) != 1 {
		t.Fatalf("caller should still get its page, got %d", len(p.Messages))
	}
	if fx.svc.Cache().Len("c1") != 0 {
		t.Fatal("result for a left conversation must not populate the cache")
	}
}

func TestFetchPage_AfterSendKeepsMessage(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	if _, err := fx.svc.FetchPage(ctx, "c1", PageOptions{}); err != nil {
		t.Fatal(err)
	}
	if _, err := fx.svc.Send(ctx, "c1", "hello", ""); err != nil {
		t.Fatal(err)
	}
	page, err := fx.svc.FetchPage(ctx, "c1", PageOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"hello"}, contents(page.Messages)); diff != "" {
		t.Fatalf("page mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"hello"}, contents(fx.svc.Messages("c1"))); diff != "" {
		t.Fatalf("cache mismatch (-want +got):\n%s", diff)
	}
	if fx.store.count("list") != 2 {
		t.Fatalf("fetch after a send must not reuse the earlier result, got %d list calls", fx.store.count("list"))
	}
}

func TestFetchPage_RepeatedWhenSendOverlaps(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.store.gate = make(chan struct{})

	done := make(chan Page)
	go func() {
		p, _ := fx.svc.FetchPage(ctx, "c1", PageOptions{})
		done <- p
	}()
	waitFor(t, "list call", func() bool { return fx.store.count("list") == 1 })
	if _, err := fx.svc.Send(ctx, "c1", "hello", ""); err != nil {
		t.Fatal(err)
	}
	close(fx.store.gate)

	page := <-done
	if diff := cmp.Diff([]string{"hello"}, contents(page.Messages)); diff != "" {
		t.Fatalf("page mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"hello"}, contents(fx.svc.Messages("c1"))); diff != "" {
		t.Fatalf("cache mismatch (-want +got):\n%s", diff)
	}
	if fx.store.count("list") != 2 {
		t.Fatalf("expected the overlapping fetch to run again, got %d list calls", fx.store.count("list"))
	}
}

// --- Edit / Delete ---

func TestEdit_OthersMessageDenied(t *testing.T) {
	fx := newFixture(t)
	fx.store.seed("c1", "u2", "theirs")
	fx.svc.FetchPage(context.Background(), "c1", PageOptions{})
	id := fx.svc.Messages("c1")[0].ID

	_, err := fx.svc.Edit(context.Background(), "c1", id, "mine now")
	if !errors.Is(err, domain.ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	if fx.store.count("update") != 0 {
		t.Fatal("cached ownership mismatch should not reach the store")
	}
	if err := fx.svc.Delete(context.Background(), "c1", id); !errors.Is(err, domain.ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied on delete, got %v", err)
	}
}

func TestEdit_UncachedOwnershipCheckedByStore(t *testing.T) {
	fx := newFixture(t)
	row := fx.store.seed("c1", "u2", "theirs")
	_, err := fx.svc.Edit(context.Background(), "c1", row.ID, "x")
	if !errors.Is(err, domain.ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	if fx.store.count("update") != 1 {
		t.Fatalf("permission errors must not be retried, got %d calls", fx.store.count("update"))
	}
}

func TestEditDelete_OwnMessage(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	feed, _ := fx.svc.Subscribe(ctx, "c1")
	sent, _ := fx.svc.Send(ctx, "c1", "draft", "")
	next(t, feed) // Inserted

	edited, err := fx.svc.Edit(ctx, "c1", sent.ID, "final")
	if err != nil {
		t.Fatal(err)
	}
	if !edited.Edited() {
		t.Fatal("expected edited timestamp")
	}
	if ev, ok := next(t, feed).(Edited); !ok || ev.Message.Content != "final" {
		t.Fatalf("expected Edited event, got %#v", ev)
	}

	if err := fx.svc.Delete(ctx, "c1", sent.ID); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "delete applied", func() bool { return fx.svc.Cache().Len("c1") == 0 })
	if err := fx.svc.Delete(ctx, "c1", sent.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for deleted message, got %v", err)
	}
}

// --- Subscribe / Leave ---

func TestSubscribe_RemoteInsertDelivered(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.store.UpsertProfile(ctx, domain.Author{ID: "u2", DisplayName: "Bea"})
	feed, err := fx.svc.Subscribe(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}

	// Another client writes through the shared store.
	fx.store.InsertMessage(ctx, domain.NewMessage{ConversationID: "c1", SenderID: "u2", Content: "hey"})

	ins, ok := next(t, feed).(Inserted)
	if !ok {
		t.Fatal("expected Inserted event")
	}
	if ins.Message.Author.DisplayName != "Bea" || ins.Message.Content != "hey" {
		t.Fatalf("unexpected message %+v", ins.Message)
	}
}

func TestSubscribe_OtherConversationIgnored(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.svc.Subscribe(ctx, "c1")
	fx.store.InsertMessage(ctx, domain.NewMessage{ConversationID: "c2", SenderID: "u2", Content: "elsewhere"})
	time.Sleep(30 * time.Millisecond)
	if fx.svc.Cache().Len("c1") != 0 || fx.svc.Cache().Len("c2") != 0 {
		t.Fatal("changes for other conversations must not be applied")
	}
}

func TestSubscribe_FailureEmitsFailed(t *testing.T) {
	fx := newFixture(t, func(_ *Config, h *bus.HubConfig) {
		h.Authorize = func(string) error { return errors.New("forbidden") }
	})
	feed, err := fx.svc.Subscribe(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	failed, ok := next(t, feed).(Failed)
	if !ok {
		t.Fatal("expected Failed event")
	}
	var se *domain.SubscriptionError
	if !errors.As(failed.Err, &se) {
		t.Fatalf("expected SubscriptionError, got %v", failed.Err)
	}
}

func TestSubscribe_SharesOneChannel(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	a, _ := fx.svc.Subscribe(ctx, "c1")
	b, _ := fx.svc.Subscribe(ctx, "c1")
	if fx.channels.Refs("c1") != 1 {
		t.Fatalf("expected one channel reference, got %d", fx.channels.Refs("c1"))
	}

	fx.svc.Send(ctx, "c1", "both", "")
	next(t, a)
	next(t, b)

	a.Close()
	if !fx.svc.Active("c1") {
		t.Fatal("closing one feed must not leave the conversation")
	}
}

func TestLeave_ReleasesAndClears(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	feed, _ := fx.svc.Subscribe(ctx, "c1")
	fx.svc.Send(ctx, "c1", "hello", "")
	next(t, feed)

	fx.svc.Leave("c1")
	if fx.svc.Cache().Len("c1") != 0 {
		t.Fatal("leave should clear the cache")
	}
	if fx.channels.Refs("c1") != 0 {
		t.Fatal("leave should release the channel")
	}
	for range feed.Events() {
	}
	if fx.hub.Subscribers(realtime.ChannelName("c1")) != 0 {
		t.Fatal("transport subscription should be gone")
	}

	// Stale listeners from the old subscription must not resurrect the cache.
	fx.store.InsertMessage(ctx, domain.NewMessage{ConversationID: "c1", SenderID: "u2", Content: "late"})
	time.Sleep(20 * time.Millisecond)
	if fx.svc.Cache().Len("c1") != 0 {
		t.Fatal("no deliveries expected after leave")
	}
}

func TestNewService_RequiresCollaborators(t *testing.T) {
	if _, err := NewService(Config{}); err == nil {
		t.Fatal("expected error for missing store")
	}
}
